// Package grouper windows an ordered call sequence into non-overlapping
// triples of short, target-terminated calls.
package grouper

import (
	"iter"
	"time"

	"github.com/withObsrvr/calldrop-watch/internal/calls"
)

// DefaultMaxDuration is the inclusive short-call threshold.
const DefaultMaxDuration = 20 * time.Second

// Size is the number of calls in a batch.
const Size = 3

// Batch is three consecutive qualifying calls in input order.
type Batch [Size]calls.Record

// CallIDs returns the member call IDs in batch order.
func (b Batch) CallIDs() []string {
	ids := make([]string, 0, Size)
	for _, r := range b {
		ids = append(ids, r.CallID)
	}
	return ids
}

// Entity returns the entity of the first member.
func (b Batch) Entity() string {
	return b[0].EntityName
}

// Options controls which triples qualify.
type Options struct {
	// SameBid additionally requires one entity and equal, known bids.
	SameBid bool
	// MaxDuration is the inclusive per-call limit; zero means DefaultMaxDuration.
	MaxDuration time.Duration
}

func (o Options) maxDuration() time.Duration {
	if o.MaxDuration <= 0 {
		return DefaultMaxDuration
	}
	return o.MaxDuration
}

// Group scans records left to right and yields each qualifying triple.
//
// The scan is greedy: an accepted triple advances the cursor by three, a
// rejected one by one, and no member of an emitted batch is reused. Records
// with an empty call ID are never marked consumed.
func Group(records []calls.Record, opts Options) iter.Seq[Batch] {
	max := opts.maxDuration()

	return func(yield func(Batch) bool) {
		consumed := make(map[string]struct{})

		for i := 0; i+Size <= len(records); {
			window := records[i : i+Size]
			if !qualifies(window, consumed, max, opts.SameBid) {
				i++
				continue
			}

			var b Batch
			copy(b[:], window)
			for _, r := range window {
				if r.HasCallID() {
					consumed[r.CallID] = struct{}{}
				}
			}
			i += Size

			if !yield(b) {
				return
			}
		}
	}
}

// Collect drains seq into a slice.
func Collect(seq iter.Seq[Batch]) []Batch {
	var out []Batch
	for b := range seq {
		out = append(out, b)
	}
	return out
}

func qualifies(window []calls.Record, consumed map[string]struct{}, max time.Duration, sameBid bool) bool {
	for _, r := range window {
		if r.HasCallID() {
			if _, used := consumed[r.CallID]; used {
				return false
			}
		}
		if !r.EndedByTarget() || !r.IsShort(max) {
			return false
		}
	}
	if !sameBid {
		return true
	}

	first := window[0]
	if first.Bid == nil {
		return false
	}
	for _, r := range window[1:] {
		if r.EntityName != first.EntityName || r.Bid == nil || !r.Bid.Equal(*first.Bid) {
			return false
		}
	}
	return true
}
