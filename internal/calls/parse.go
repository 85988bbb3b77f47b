package calls

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// MaxCallLength bounds a plausible call. Longer values are rejected.
const MaxCallLength = 24 * time.Hour

const maxCallSeconds = int64(MaxCallLength / time.Second)

// ParseDuration normalizes an upstream call length.
//
// Accepted forms are "H:M:S", "M:S" and plain seconds ("15", "15.0").
// The boolean is false for empty, negative, unparseable or out-of-range
// input so that callers can disqualify the record rather than treat it as
// short.
func ParseDuration(raw string) (time.Duration, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return 0, false
		}
		var total int64
		for _, p := range parts {
			n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
			if err != nil || n < 0 || n > maxCallSeconds {
				return 0, false
			}
			total = total*60 + n
			if total > maxCallSeconds {
				return 0, false
			}
		}
		return time.Duration(total) * time.Second, true
	}

	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) || secs > float64(maxCallSeconds) {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// ParseTermination maps the upstream end-call source onto Termination.
func ParseTermination(raw string) Termination {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "target", "callee", "buyer":
		return TerminationTarget
	case "caller", "inbound":
		return TerminationCaller
	case "system", "timeout", "network":
		return TerminationSystem
	default:
		return TerminationUnknown
	}
}

var restrictedTokens = map[string]struct{}{
	"restricted":  {},
	"anonymous":   {},
	"private":     {},
	"unavailable": {},
	"unknown":     {},
	"blocked":     {},
	"withheld":    {},
	// keypad spellings carriers substitute for masked callers
	"7378742833": {}, // RESTRICTED
	"2562533":    {}, // BLOCKED
	"8656696":    {}, // UNKNOWN
	"266696687":  {}, // ANONYMOUS
}

// IsRestricted reports whether phone denotes a masked or anonymized caller.
// Values in extra are matched after the same normalization.
func IsRestricted(phone string, extra []string) bool {
	key := normalizePhone(phone)
	if key == "" {
		return true
	}
	if _, ok := restrictedTokens[key]; ok {
		return true
	}
	// "+1 737-874-2833" style numbers normalize with a leading country code
	if len(key) > 1 && key[0] == '1' {
		if _, ok := restrictedTokens[key[1:]]; ok {
			return true
		}
	}
	for _, e := range extra {
		if n := normalizePhone(e); n != "" && n == key {
			return true
		}
	}
	return false
}

func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
