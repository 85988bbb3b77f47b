package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/withObsrvr/calldrop-watch/internal/calls"
	"github.com/withObsrvr/calldrop-watch/internal/grouper"
)

// Outcome is the result of dispatching one batch.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeSuppressed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Dispatcher applies the restricted-number filter and sends alerts.
type Dispatcher struct {
	sink       Sink
	restricted []string
}

// NewDispatcher creates a dispatcher. extraRestricted adds numbers to the
// built-in masked-caller list.
func NewDispatcher(sink Sink, extraRestricted []string) *Dispatcher {
	return &Dispatcher{sink: sink, restricted: extraRestricted}
}

// Dispatch sends one alert for batch unless a member number is restricted.
func (d *Dispatcher) Dispatch(ctx context.Context, batch grouper.Batch, variant string, sameBid bool) (Outcome, error) {
	for _, r := range batch {
		if calls.IsRestricted(r.PhoneNumber, d.restricted) {
			return OutcomeSuppressed, nil
		}
	}

	if err := d.sink.Send(ctx, FormatMessage(batch, variant, sameBid)); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeSent, nil
}

// Close closes the sink.
func (d *Dispatcher) Close() error {
	return d.sink.Close()
}

// FormatMessage renders the alert text for batch.
func FormatMessage(batch grouper.Batch, variant string, sameBid bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":warning: %s: 3 consecutive short calls ended by %s", variant, batch.Entity())
	if sameBid && batch[0].Bid != nil {
		fmt.Fprintf(&b, " at bid $%s", batch[0].Bid.StringFixed(2))
	}
	b.WriteString("\n")

	for i, r := range batch {
		dur := "?"
		if r.Duration != nil {
			dur = r.Duration.String()
		}
		fmt.Fprintf(&b, "%d. %s  call %s  (%s)\n", i+1, r.PhoneNumber, r.CallID, dur)
	}
	return strings.TrimRight(b.String(), "\n")
}
