// Package guard implements the fail-closed policy layer: the echo, content,
// skill, and agent guards backed by a guard model, plus the deterministic
// command shield.
package guard

import "strings"

// maxCompareLen clamps inputs before the edit-distance computation so a
// pathological payload cannot stall the pipeline.
const maxCompareLen = 10000

// EchoSimilarity returns the normalised Levenshtein similarity of two
// strings in [0,1]. Inputs are lowercased, whitespace-collapsed, and clamped
// to maxCompareLen runes. Identical inputs score 1.0.
func EchoSimilarity(a, b string) float64 {
	a = normalize(a)
	b = normalize(b)
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	dist := levenshtein([]rune(a), []rune(b))
	longer := len([]rune(a))
	if l := len([]rune(b)); l > longer {
		longer = l
	}
	return 1.0 - float64(dist)/float64(longer)
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > maxCompareLen {
		runes = runes[:maxCompareLen]
	}
	return string(runes)
}

// levenshtein computes edit distance with a two-row rolling buffer.
func levenshtein(a, b []rune) int {
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
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
