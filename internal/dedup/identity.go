package dedup

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"slices"
	"strings"

	"github.com/withObsrvr/calldrop-watch/internal/grouper"
)

// ErrMissingCallID is returned when a batch member has no call ID.
var ErrMissingCallID = errors.New("batch member has no call id")

// Identity is the stable fingerprint of a detected batch.
type Identity string

// IdentityOf fingerprints a batch independently of member order.
func IdentityOf(b grouper.Batch) (Identity, error) {
	return HashCallIDs(b.CallIDs())
}

// HashCallIDs returns the lowercase hex MD5 of the sorted IDs joined with "|".
func HashCallIDs(ids []string) (Identity, error) {
	sorted := slices.Clone(ids)
	for _, id := range sorted {
		if id == "" {
			return "", ErrMissingCallID
		}
	}
	slices.Sort(sorted)

	sum := md5.Sum([]byte(strings.Join(sorted, "|")))
	return Identity(hex.EncodeToString(sum[:])), nil
}
