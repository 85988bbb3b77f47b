package calls

import "time"

// DateLayout is the calendar-date format used for operating days and state records.
const DateLayout = "2006-01-02"

// Day is the operating-day window calls are fetched for.
type Day struct {
	Date  string
	Start time.Time
	End   time.Time
}

// OperatingDay returns the window from local midnight to now in loc.
// End never runs past the last instant of the day.
func OperatingDay(now time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	last := start.AddDate(0, 0, 1).Add(-time.Second)

	end := local
	if end.After(last) {
		end = last
	}
	return Day{
		Date:  start.Format(DateLayout),
		Start: start,
		End:   end,
	}
}
