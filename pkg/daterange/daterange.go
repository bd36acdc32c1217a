// Package daterange computes the inclusive day windows that batch an
// entity's history extraction, and formats their bounds for vendor clauses
// and warehouse deletes.
package daterange

import (
	"time"

	"github.com/pkg/errors"
)

const (
	dayFormat        = "2006-01-02"
	startBoundSuffix = " 00:00:00.000000"
	endBoundSuffix   = " 23:59:59.999999"
)

// Range is an inclusive [Start, End] day interval. Bounds are dates; the
// clock portions are fixed by the formatting helpers.
type Range struct {
	Start time.Time
	End   time.Time
}

// StartBound is the lower vendor clause bound, at midnight.
func (r Range) StartBound() string {
	return r.Start.Format(dayFormat) + startBoundSuffix
}

// EndBound is the upper vendor clause bound, at the last representable
// microsecond of the day.
func (r Range) EndBound() string {
	return r.End.Format(dayFormat) + endBoundSuffix
}

// StartDate is the lower bound as a plain date, for warehouse deletes.
func (r Range) StartDate() string {
	return r.Start.Format(dayFormat)
}

// EndDate is the upper bound as a plain date, for warehouse deletes.
func (r Range) EndDate() string {
	return r.End.Format(dayFormat)
}

func (r Range) String() string {
	return r.StartDate() + ".." + r.EndDate()
}

// Days is the number of days the range covers, inclusive.
func (r Range) Days() int {
	return int(r.End.Sub(r.Start)/(24*time.Hour)) + 1
}

// ParseDay parses a YYYY-MM-DD date into a UTC midnight time.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(dayFormat, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse day %q", s)
	}
	return t.UTC(), nil
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Monthly splits [start, end] into calendar month windows. The first window
// begins at start even mid-month, and the last is clamped to end.
func Monthly(start, end time.Time) []Range {
	start, end = day(start), day(end)
	var out []Range
	for cur := start; !cur.After(end); {
		monthEnd := time.Date(cur.Year(), cur.Month(), 1, 0, 0, 0, 0, time.UTC).
			AddDate(0, 1, -1)
		if monthEnd.After(end) {
			monthEnd = end
		}
		out = append(out, Range{Start: cur, End: monthEnd})
		cur = monthEnd.AddDate(0, 0, 1)
	}
	return out
}

// Daily splits [start, end] into single day windows.
func Daily(start, end time.Time) []Range {
	start, end = day(start), day(end)
	var out []Range
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, 1) {
		out = append(out, Range{Start: cur, End: cur})
	}
	return out
}

// Batches splits [start, end] into fixed windows of the given day count,
// clamping the last one to end. A non-positive size yields a single window.
func Batches(start, end time.Time, days int) []Range {
	start, end = day(start), day(end)
	if days <= 0 {
		if start.After(end) {
			return nil
		}
		return []Range{{Start: start, End: end}}
	}
	var out []Range
	for cur := start; !cur.After(end); {
		batchEnd := cur.AddDate(0, 0, days-1)
		if batchEnd.After(end) {
			batchEnd = end
		}
		out = append(out, Range{Start: cur, End: batchEnd})
		cur = batchEnd.AddDate(0, 0, 1)
	}
	return out
}

// Recent is the refresh window ending today: the last `days` full days plus
// today itself.
func Recent(now time.Time, days int) Range {
	today := day(now)
	return Range{Start: today.AddDate(0, 0, -days), End: today}
}
