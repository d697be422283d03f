package domain

import (
	"strconv"
	"strings"
)

// GenUID builds a row UID from the source date and the feature's position in the file.
func GenUID(date string, position int) string {
	return date + "_" + strconv.Itoa(position)
}

// DateFromUID returns the date prefix of a UID built by GenUID.
func DateFromUID(uid string) string {
	date, _, _ := strings.Cut(uid, "_")
	return date
}
