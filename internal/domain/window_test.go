package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestWindowNewDates(t *testing.T) {
	t.Run("stops at first existing date", func(t *testing.T) {
		w := Window{
			Anchor:         day(2024, 1, 5),
			Step:           DayBack,
			Max:            3,
			Probe:          3,
			StopAtExisting: true,
			Layout:         "20060102",
		}
		got := w.NewDates(NewDateSet("20240101", "20240102"))
		assert.Equal(t, []string{"20240104", "20240103"}, FormatDates(got, "20060102"))
	})

	t.Run("skips existing dates without stopping", func(t *testing.T) {
		w := Window{Anchor: day(2024, 1, 5), Step: DayBack, Max: 4, Layout: "20060102"}
		got := w.NewDates(NewDateSet("20240103"))
		assert.Equal(t, []string{"20240104", "20240102", "20240101"}, FormatDates(got, "20060102"))
	})

	t.Run("empty sink uses probe limit", func(t *testing.T) {
		w := Window{Anchor: day(2024, 1, 5), Step: DayBack, Max: 45, Probe: DefaultProbe, Layout: "20060102"}
		got := w.NewDates(NewDateSet())
		assert.Equal(t, []string{"20240104", "20240103", "20240102"}, FormatDates(got, "20060102"))
	})

	t.Run("nothing new", func(t *testing.T) {
		w := Window{Anchor: day(2024, 1, 3), Step: DayBack, Max: 2, StopAtExisting: true, Layout: "20060102"}
		got := w.NewDates(NewDateSet("20240102", "20240101"))
		assert.Empty(t, got)
	})

	t.Run("monthly steps cross year boundary", func(t *testing.T) {
		w := Window{Anchor: day(2024, 2, 15), Step: MonthBack, Max: 3, Layout: "200601"}
		got := w.NewDates(NewDateSet("202312"))
		assert.Equal(t, []string{"202401", "202311"}, FormatDates(got, "200601"))
	})

	t.Run("forward walk", func(t *testing.T) {
		w := Window{Anchor: day(2024, 1, 30), Step: Step{Days: 1}, Max: 3, Layout: "2006-01-02"}
		got := w.NewDates(NewDateSet("2024-01-01"))
		assert.Equal(t, []string{"2024-01-31", "2024-02-01", "2024-02-02"}, FormatDates(got, "2006-01-02"))
	})
}

func TestLatestMonth(t *testing.T) {
	ref := day(2024, 5, 15)
	assert.Equal(t, day(2024, 3, 15), LatestMonth(ref, time.March))
	assert.Equal(t, day(2024, 5, 15), LatestMonth(ref, time.May))
	assert.Equal(t, day(2023, 9, 15), LatestMonth(ref, time.September))
}

func TestChunk(t *testing.T) {
	dates := []time.Time{day(2024, 1, 1), day(2024, 1, 2), day(2024, 1, 3), day(2024, 1, 4)}

	groups := Chunk(dates, 3)
	assert.Len(t, groups, 2)
	assert.Len(t, groups[0], 3)
	assert.Equal(t, []time.Time{day(2024, 1, 4)}, groups[1])

	assert.Len(t, Chunk(dates, 0), 1)
	assert.Empty(t, Chunk(nil, 3))
}

func TestDateSetSorted(t *testing.T) {
	s := NewDateSet("20240103", "20240101")
	s.Add("20240102", "20240101")
	assert.Equal(t, []string{"20240101", "20240102", "20240103"}, s.Sorted())
	assert.True(t, s.Has("20240102"))
	assert.False(t, s.Has("20240104"))
}
