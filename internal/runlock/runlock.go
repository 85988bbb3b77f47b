// Package runlock keeps two detector processes from analysing the same
// window at the same time.
package runlock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/calldrop-watch/internal/storage"
)

// DefaultStaleAfter is the age past which a token is reclaimable.
const DefaultStaleAfter = 30 * time.Minute

// Token is the persisted lock record.
type Token struct {
	OwnerID    string    `json:"owner_id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// KeyFor returns the storage key of the lock for variant.
func KeyFor(variant string) string {
	return "locks/" + variant + ".lock"
}

// Lock is a per-variant mutual-exclusion guard persisted in a storage.Store.
type Lock struct {
	store      storage.Store
	key        string
	ownerID    string
	hostname   string
	pid        int
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option customizes a Lock.
type Option func(*Lock)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(l *Lock) {
		if d > 0 {
			l.staleAfter = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) { l.now = now }
}

// New creates a lock for variant. The owner ID is hostname:pid:uuid.
func New(store storage.Store, variant string, opts ...Option) *Lock {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	pid := os.Getpid()

	l := &Lock{
		store:      store,
		key:        KeyFor(variant),
		ownerID:    fmt.Sprintf("%s:%d:%s", hostname, pid, uuid.NewString()),
		hostname:   hostname,
		pid:        pid,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     slog.With("component", "runlock", "variant", variant),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OwnerID identifies this lock holder.
func (l *Lock) OwnerID() string {
	return l.ownerID
}

// Acquire tries to take the lock. It returns false when a live token held
// by someone else is present. A stale or unreadable token is reclaimed by at
// most one contender: the one that wins the reclaim claim for that exact
// token removes it and retries creation once.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	data, err := l.token()
	if err != nil {
		return false, err
	}

	err = l.store.Create(ctx, l.key, data)
	if err == nil {
		l.logger.Debug("lock acquired", "owner_id", l.ownerID, "uri", l.store.URI(l.key))
		return true, nil
	}
	if !errors.Is(err, storage.ErrExists) {
		return false, fmt.Errorf("create lock token: %w", err)
	}

	raw, held, readErr := l.readRaw(ctx)
	switch {
	case errors.Is(readErr, storage.ErrNotFound):
		// released between our create and read
	case readErr != nil && !errors.Is(readErr, errUnreadable):
		return false, readErr
	case readErr == nil && !l.IsStale(held):
		l.logger.Info("lock held by another run",
			"holder", held.OwnerID,
			"acquired_at", held.AcquiredAt,
			"age", l.now().Sub(held.AcquiredAt).Round(time.Second),
		)
		return false, nil
	default:
		ok, err := l.reclaim(ctx, raw, held, readErr != nil)
		if err != nil || !ok {
			return false, err
		}
	}

	err = l.store.Create(ctx, l.key, data)
	if errors.Is(err, storage.ErrExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create lock token: %w", err)
	}

	current, err := l.read(ctx)
	if err != nil {
		return false, fmt.Errorf("confirm lock token: %w", err)
	}
	if current.OwnerID != l.ownerID {
		l.logger.Warn("lost lock to another run after reclaim", "holder", current.OwnerID)
		return false, nil
	}
	l.logger.Debug("lock acquired after reclaim", "owner_id", l.ownerID)
	return true, nil
}

// reclaim removes the stale token raw. Only the contender that creates the
// claim key derived from raw may delete it, and only while the stored token
// is still byte-identical to raw. It reports whether the caller may retry
// creation.
func (l *Lock) reclaim(ctx context.Context, raw []byte, held Token, unreadable bool) (bool, error) {
	claimKey, won, err := l.claim(ctx, raw)
	if err != nil {
		return false, err
	}
	if !won {
		l.logger.Info("stale lock is being reclaimed by another run", "holder", held.OwnerID)
		return false, nil
	}
	defer func() {
		if err := l.store.Delete(context.WithoutCancel(ctx), claimKey); err != nil {
			l.logger.Warn("failed to remove reclaim claim", "key", claimKey, "error", err)
		}
	}()

	current, err := l.store.Read(ctx, l.key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("read lock token: %w", err)
	case !bytes.Equal(current, raw):
		l.logger.Info("lock token changed during reclaim, backing off")
		return false, nil
	}

	l.logger.Warn("reclaiming stale lock",
		"holder", held.OwnerID,
		"acquired_at", held.AcquiredAt,
		"unreadable", unreadable,
	)
	if err := l.store.Delete(ctx, l.key); err != nil {
		return false, fmt.Errorf("remove stale lock token: %w", err)
	}
	return true, nil
}

// claim creates the reclaim claim for raw. A claim left behind by a crashed
// reclaimer goes stale like a lock token and is superseded by a claim keyed
// on it, so a dead claimant never blocks reclaim for good.
func (l *Lock) claim(ctx context.Context, raw []byte) (string, bool, error) {
	data, err := l.token()
	if err != nil {
		return "", false, err
	}

	key := claimKeyFor(l.key, raw)
	for attempt := 0; attempt < maxClaimDepth; attempt++ {
		err := l.store.Create(ctx, key, data)
		if err == nil {
			return key, true, nil
		}
		if !errors.Is(err, storage.ErrExists) {
			return "", false, fmt.Errorf("create reclaim claim: %w", err)
		}

		existing, err := l.store.Read(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			// claimant finished; whoever reclaimed has replaced the token
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("read reclaim claim: %w", err)
		}
		var t Token
		if json.Unmarshal(existing, &t) == nil && !l.IsStale(t) {
			return "", false, nil
		}
		key = claimKeyFor(key, existing)
	}
	return "", false, nil
}

const maxClaimDepth = 3

func claimKeyFor(base string, raw []byte) string {
	sum := sha256.Sum256(raw)
	return base + ".reclaim-" + hex.EncodeToString(sum[:8])
}

func (l *Lock) token() ([]byte, error) {
	data, err := json.Marshal(Token{
		OwnerID:    l.ownerID,
		PID:        l.pid,
		Hostname:   l.hostname,
		AcquiredAt: l.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal lock token: %w", err)
	}
	return data, nil
}

// IsStale reports whether t is older than the staleness threshold.
// A token without an acquisition time is always stale.
func (l *Lock) IsStale(t Token) bool {
	if t.AcquiredAt.IsZero() {
		return true
	}
	return l.now().Sub(t.AcquiredAt) > l.staleAfter
}

// Release removes the token if this lock owns it or the token is
// unreadable. Releasing a missing or foreign lock is not an error.
func (l *Lock) Release(ctx context.Context) error {
	held, err := l.read(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case errors.Is(err, errUnreadable):
		l.logger.Warn("removing unreadable lock token on release")
	case err != nil:
		return err
	case held.OwnerID != l.ownerID:
		l.logger.Warn("lock owned by another run, leaving it", "holder", held.OwnerID)
		return nil
	}

	if err := l.store.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	l.logger.Debug("lock released", "owner_id", l.ownerID)
	return nil
}

// ForceRelease removes the token regardless of owner.
func (l *Lock) ForceRelease(ctx context.Context) error {
	if err := l.store.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("force release lock: %w", err)
	}
	return nil
}

// Holder returns the current token, or storage.ErrNotFound.
func (l *Lock) Holder(ctx context.Context) (Token, error) {
	return l.read(ctx)
}

var errUnreadable = errors.New("unreadable lock token")

func (l *Lock) read(ctx context.Context) (Token, error) {
	_, t, err := l.readRaw(ctx)
	return t, err
}

func (l *Lock) readRaw(ctx context.Context) ([]byte, Token, error) {
	data, err := l.store.Read(ctx, l.key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, Token{}, err
		}
		return nil, Token{}, fmt.Errorf("read lock token: %w", err)
	}
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return data, Token{}, fmt.Errorf("%w: %v", errUnreadable, err)
	}
	if t.AcquiredAt.IsZero() {
		return data, t, fmt.Errorf("%w: missing acquired_at", errUnreadable)
	}
	return data, t, nil
}
