// Package calls holds the call-log domain model shared by the source adapters,
// the grouper and the alert dispatcher.
package calls

import (
	"time"

	"github.com/shopspring/decimal"
)

// Termination identifies which leg of a call hung up first.
type Termination int

const (
	TerminationUnknown Termination = iota
	TerminationTarget
	TerminationCaller
	TerminationSystem
)

// String returns the lowercase name used in logs and alert text.
func (t Termination) String() string {
	switch t {
	case TerminationTarget:
		return "target"
	case TerminationCaller:
		return "caller"
	case TerminationSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Record is a single call as reported for one entity.
// Records are treated as immutable once built; use WithBid to derive a copy.
type Record struct {
	EntityName  string
	PhoneNumber string
	CallID      string
	StartedAt   time.Time // zero when upstream omitted it

	// Duration is nil when the upstream value was missing or unparseable.
	Duration    *time.Duration
	Termination Termination

	// Bid is nil when no accepted bid could be derived for the entity.
	Bid *decimal.Decimal
}

// HasCallID reports whether the record carries an identifier.
func (r Record) HasCallID() bool {
	return r.CallID != ""
}

// IsShort reports whether the call lasted at most max.
// A record without a usable duration is never short.
func (r Record) IsShort(max time.Duration) bool {
	if r.Duration == nil || *r.Duration < 0 {
		return false
	}
	return *r.Duration <= max
}

// EndedByTarget reports whether the target side terminated the call.
func (r Record) EndedByTarget() bool {
	return r.Termination == TerminationTarget
}

// WithBid returns a copy of r carrying bid.
func (r Record) WithBid(bid *decimal.Decimal) Record {
	if bid != nil {
		b := *bid
		bid = &b
	}
	r.Bid = bid
	return r
}

// Detail is the per-call enrichment returned by the detail endpoint.
type Detail struct {
	CallID string
	Bid    *decimal.Decimal
}

// DurationOf is a convenience for building records in code and tests.
func DurationOf(seconds int) *time.Duration {
	d := time.Duration(seconds) * time.Second
	return &d
}
