package detector

import (
	"fmt"

	"github.com/withObsrvr/calldrop-watch/internal/calls"
)

// ValidationResult contains the outcome of sequence validation.
type ValidationResult struct {
	Warnings   []string
	MissingIDs int
	Duplicates int
	OutOfOrder int
}

// Clean reports whether no problems were found.
func (v ValidationResult) Clean() bool {
	return len(v.Warnings) == 0
}

// ValidateSequence performs quality checks on an entity's call sequence.
// This checks:
// - Start times are non-decreasing (zero times are ignored)
// - Every record carries a call ID
// - Call IDs are unique within the sequence
//
// The input is never modified; problems are reported as warnings only.
func ValidateSequence(records []calls.Record) ValidationResult {
	var result ValidationResult

	seen := make(map[string]int, len(records))
	var last calls.Record
	haveLast := false

	for i, r := range records {
		// Check 1: Ordering
		if !r.StartedAt.IsZero() {
			if haveLast && r.StartedAt.Before(last.StartedAt) {
				result.OutOfOrder++
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("record %d starts at %s before previous %s",
						i, r.StartedAt.Format("15:04:05"), last.StartedAt.Format("15:04:05")))
			}
			last = r
			haveLast = true
		}

		// Check 2: Missing IDs
		if !r.HasCallID() {
			result.MissingIDs++
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("record %d has no call ID", i))
			continue
		}

		// Check 3: Duplicate IDs
		if first, ok := seen[r.CallID]; ok {
			result.Duplicates++
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("call ID %s at record %d duplicates record %d", r.CallID, i, first))
			continue
		}
		seen[r.CallID] = i
	}

	return result
}
