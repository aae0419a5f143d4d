package metering

import "time"

// DateLayout is the wire and storage format for calendar days.
const DateLayout = "2006-01-02"

// =============================================================================
// DAY - calendar day in UTC
// =============================================================================

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NewDay is a shorthand for a UTC calendar day.
func NewDay(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Today returns the current day in UTC.
func Today() time.Time {
	return Day(time.Now())
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return Day(t), nil
}

// =============================================================================
// PERIOD - closed day range of a reading cycle
// =============================================================================

// Period is the closed interval [From, To] of calendar days.
type Period struct {
	From time.Time
	To   time.Time
}

// NewPeriod normalizes both ends to calendar days.
func NewPeriod(from, to time.Time) Period {
	return Period{From: Day(from), To: Day(to)}
}

// Valid returns false when the period ends before it starts.
func (p Period) Valid() bool {
	return !p.To.Before(p.From)
}

// Contains returns true if the day of t is within [From, To].
func (p Period) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(p.From) && !d.After(p.To)
}

// Days returns the number of calendar days in the period.
func (p Period) Days() int {
	if !p.Valid() {
		return 0
	}
	return int(p.To.Sub(p.From).Hours()/24) + 1
}

func (p Period) String() string {
	return "[" + p.From.Format(DateLayout) + ", " + p.To.Format(DateLayout) + "]"
}
