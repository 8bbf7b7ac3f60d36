package tally

import (
	"fmt"
	"time"

	"github.com/metering/tally/internal/domain/shared"
)

// DateRange is the half-open interval [Start, End)
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange creates a range, normalizing both ends to UTC
func NewDateRange(start, end time.Time) (DateRange, error) {
	if end.Before(start) {
		return DateRange{}, shared.NewDomainError(shared.CodeInvalidInput,
			fmt.Sprintf("range end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339)))
	}
	return DateRange{Start: start.UTC(), End: end.UTC()}, nil
}

// Contains reports whether t falls inside the range
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Hours returns the start of every hour in the range
func (r DateRange) Hours() []time.Time {
	var hours []time.Time
	for h := r.Start; h.Before(r.End); h = h.Add(time.Hour) {
		hours = append(hours, h)
	}
	return hours
}

// String renders the range as [start -> end)
func (r DateRange) String() string {
	return fmt.Sprintf("[%s -> %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// Clock supplies the current time and canonical period boundaries, always in UTC.
// Weeks start on Sunday.
type Clock struct {
	now func() time.Time
}

// NewClock returns a clock backed by the system time
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// NewFixedClock returns a clock frozen at t
func NewFixedClock(t time.Time) *Clock {
	fixed := t.UTC()
	return &Clock{now: func() time.Time { return fixed }}
}

// Now returns the current time in UTC
func (c *Clock) Now() time.Time {
	return c.now().UTC()
}

// StartOfHour truncates t to the top of its hour
func (c *Clock) StartOfHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// StartOfCurrentHour returns the top of the current hour
func (c *Clock) StartOfCurrentHour() time.Time {
	return c.StartOfHour(c.Now())
}

// EndOfCurrentHour returns the exclusive end of the current hour
func (c *Clock) EndOfCurrentHour() time.Time {
	return c.StartOfCurrentHour().Add(time.Hour)
}

// StartOfDay returns midnight of t's day
func (c *Clock) StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfWeek returns midnight of the Sunday on or before t
func (c *Clock) StartOfWeek(t time.Time) time.Time {
	day := c.StartOfDay(t)
	return day.AddDate(0, 0, -int(day.Weekday()))
}

// StartOfMonth returns midnight of the first day of t's month
func (c *Clock) StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// StartOfQuarter returns midnight of the first day of t's quarter
func (c *Clock) StartOfQuarter(t time.Time) time.Time {
	t = t.UTC()
	firstMonth := time.Month((int(t.Month())-1)/3*3 + 1)
	return time.Date(t.Year(), firstMonth, 1, 0, 0, 0, 0, time.UTC)
}

// StartOfYear returns midnight of January 1st of t's year
func (c *Clock) StartOfYear(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
}

// IsHourlyRange reports whether both ends of r are at the top of an hour
func (c *Clock) IsHourlyRange(r DateRange) bool {
	return r.Start.Equal(c.StartOfHour(r.Start)) && r.End.Equal(c.StartOfHour(r.End))
}

// PeriodStart returns the start of the period of granularity g containing t
func (c *Clock) PeriodStart(g Granularity, t time.Time) time.Time {
	switch g {
	case GranularityHourly:
		return c.StartOfHour(t)
	case GranularityDaily:
		return c.StartOfDay(t)
	case GranularityWeekly:
		return c.StartOfWeek(t)
	case GranularityMonthly:
		return c.StartOfMonth(t)
	case GranularityQuarterly:
		return c.StartOfQuarter(t)
	case GranularityYearly:
		return c.StartOfYear(t)
	}
	return c.StartOfHour(t)
}

// PeriodEnd returns the exclusive end of the period of granularity g containing t
func (c *Clock) PeriodEnd(g Granularity, t time.Time) time.Time {
	start := c.PeriodStart(g, t)
	switch g {
	case GranularityDaily:
		return start.AddDate(0, 0, 1)
	case GranularityWeekly:
		return start.AddDate(0, 0, 7)
	case GranularityMonthly:
		return start.AddDate(0, 1, 0)
	case GranularityQuarterly:
		return start.AddDate(0, 3, 0)
	case GranularityYearly:
		return start.AddDate(1, 0, 0)
	}
	return start.Add(time.Hour)
}

// Period returns the range of the period of granularity g containing t
func (c *Clock) Period(g Granularity, t time.Time) DateRange {
	return DateRange{Start: c.PeriodStart(g, t), End: c.PeriodEnd(g, t)}
}
