// Package strutil suggests the closest known name for a mistyped one.
package strutil

import (
	"sort"
	"strings"
)

// LevenshteinDistance returns the case-insensitive edit distance between s1
// and s2.
func LevenshteinDistance(s1, s2 string) int {
	a, b := strings.ToLower(s1), strings.ToLower(s2)
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// Closest returns the candidate nearest to input and its distance. The name
// is "" when no candidate is within maxDistance. Ties go to the candidate
// that sorts first.
func Closest(input string, candidates []string, maxDistance int) (string, int) {
	if len(candidates) == 0 {
		return "", -1
	}
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)

	best, bestDistance := "", -1
	for _, c := range sorted {
		if d := LevenshteinDistance(input, c); bestDistance < 0 || d < bestDistance {
			best, bestDistance = c, d
		}
	}
	if bestDistance > maxDistance {
		return "", bestDistance
	}
	return best, bestDistance
}

// Suggest returns " (did you mean "x"?)" for the closest candidate within
// two edits of input, or "".
func Suggest(input string, candidates []string) string {
	if name, _ := Closest(input, candidates, 2); name != "" && !strings.EqualFold(name, input) {
		return ` (did you mean "` + name + `"?)`
	}
	return ""
}
