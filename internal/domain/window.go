package domain

import (
	"sort"
	"time"
)

// DefaultProbe is the number of steps examined when the sink is empty.
// Full backfills of large sources take hours, so an empty sink only looks at
// the most recent few files and lets later runs catch up.
const DefaultProbe = 3

// Step is a calendar increment. Negative values walk backward in time.
type Step struct {
	Years  int
	Months int
	Days   int
}

// Common steps.
var (
	DayBack   = Step{Days: -1}
	MonthBack = Step{Months: -1}
	YearBack  = Step{Years: -1}
)

// From returns t advanced by n steps.
func (s Step) From(t time.Time, n int) time.Time {
	return t.AddDate(s.Years*n, s.Months*n, s.Days*n)
}

// DateSet holds the date keys already present in a sink.
type DateSet map[string]struct{}

// NewDateSet builds a set from keys.
func NewDateSet(keys ...string) DateSet {
	s := make(DateSet, len(keys))
	s.Add(keys...)
	return s
}

// Add inserts keys into the set.
func (s DateSet) Add(keys ...string) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

// Has reports whether key is present.
func (s DateSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Sorted returns the keys in ascending order.
func (s DateSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Window bounds a discovery walk. The anchor itself is never a candidate:
// the first candidate is Anchor+Step.
type Window struct {
	Anchor time.Time
	Step   Step
	// Max is the number of steps examined when the sink already holds data.
	Max int
	// Probe replaces Max when the sink is empty. Zero keeps Max.
	Probe int
	// StopAtExisting ends the walk at the first date already ingested
	// instead of skipping over it.
	StopAtExisting bool
	// Layout formats candidate dates into keys comparable with the sink.
	Layout string
}

// NewDates returns candidate dates in walk order, never including a date
// whose key is in existing. An empty result is valid.
func (w Window) NewDates(existing DateSet) []time.Time {
	limit := w.Max
	if len(existing) == 0 && w.Probe > 0 {
		limit = w.Probe
	}

	var out []time.Time
	for i := 1; i <= limit; i++ {
		d := w.Step.From(w.Anchor, i)
		if existing.Has(d.Format(w.Layout)) {
			if w.StopAtExisting {
				break
			}
			continue
		}
		out = append(out, d)
	}
	return out
}

// FormatDates formats each date with layout.
func FormatDates(dates []time.Time, layout string) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = d.Format(layout)
	}
	return out
}

// LatestMonth returns the 15th of the most recent occurrence of month that is
// not after ref's month.
func LatestMonth(ref time.Time, month time.Month) time.Time {
	year := ref.Year()
	if month > ref.Month() {
		year--
	}
	return time.Date(year, month, 15, 0, 0, 0, 0, time.UTC)
}

// Chunk splits dates into consecutive groups of at most size elements.
func Chunk(dates []time.Time, size int) [][]time.Time {
	if size <= 0 {
		size = len(dates)
	}
	var groups [][]time.Time
	for start := 0; start < len(dates); start += size {
		end := min(start+size, len(dates))
		groups = append(groups, dates[start:end])
	}
	return groups
}
