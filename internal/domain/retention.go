package domain

import "sort"

// SortedUnique returns ids sorted ascending with duplicates removed.
func SortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Excess returns the oldest ids beyond the newest max entries, oldest first.
// Keys must sort chronologically (date-embedding names with a shared prefix).
func Excess(ids []string, max int) []string {
	sorted := SortedUnique(ids)
	if max < 0 {
		max = 0
	}
	if len(sorted) <= max {
		return nil
	}
	return sorted[:len(sorted)-max]
}

// Retained returns the newest max ids in ascending order.
func Retained(ids []string, max int) []string {
	sorted := SortedUnique(ids)
	if max < 0 {
		max = 0
	}
	if len(sorted) <= max {
		return sorted
	}
	return sorted[len(sorted)-max:]
}

// Latest returns the greatest key, or false when keys is empty.
func Latest(keys []string) (string, bool) {
	if len(keys) == 0 {
		return "", false
	}
	latest := keys[0]
	for _, k := range keys[1:] {
		if k > latest {
			latest = k
		}
	}
	return latest, true
}

// Duplicates returns every id that appears more than once, sorted.
func Duplicates(ids []string) []string {
	counts := make(map[string]int, len(ids))
	for _, id := range ids {
		counts[id]++
	}
	var dups []string
	for id, n := range counts {
		if n > 1 {
			dups = append(dups, id)
		}
	}
	sort.Strings(dups)
	return dups
}
