package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the layout used for timestamp UIDs and table values.
const TimestampLayout = "2006-01-02 15:04:05"

// DecimalYearToTime converts a fractional year (e.g. 2016.5) to a UTC time:
// Jan 1 of the year plus frac times the length of that year.
// Leap years therefore stretch the fraction over 366 days.
func DecimalYearToTime(dec float64) time.Time {
	year := math.Floor(dec)
	frac := dec - year
	base := time.Date(int(year), time.January, 1, 0, 0, 0, 0, time.UTC)
	length := base.AddDate(1, 0, 0).Sub(base)
	offset := time.Duration(float64(length) * frac)
	return base.Add(offset).Round(time.Microsecond)
}

// ParseDecimalYear parses a decimal year string such as "2002.2917".
func ParseDecimalYear(s string) (time.Time, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse decimal year %q: %w", s, err)
	}
	return DecimalYearToTime(v), nil
}
