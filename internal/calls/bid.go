package calls

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAcceptedBid extracts the bid for entity from a pricing summary's
// accepted-targets text.
//
// The text holds one entry per line in the form "name[amount, ...]". The
// first entry whose name matches entity (case-insensitive, trimmed) wins and
// its first bracketed value is parsed as the amount. Nil is returned when no
// entry matches or the amount does not parse.
func ParseAcceptedBid(text, entity string) *decimal.Decimal {
	want := strings.TrimSpace(entity)
	if want == "" {
		return nil
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		open := strings.Index(line, "[")
		if open <= 0 {
			continue
		}
		name := strings.TrimSpace(line[:open])
		if !strings.EqualFold(name, want) {
			continue
		}

		body := line[open+1:]
		if end := strings.Index(body, "]"); end >= 0 {
			body = body[:end]
		}
		first := body
		if comma := strings.Index(body, ","); comma >= 0 {
			first = body[:comma]
		}
		return parseAmount(first)
	}
	return nil
}

func parseAmount(s string) *decimal.Decimal {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, "_", "")
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}
