package treebuilder

import "math"

// labelCounts tallies the label column's distinct values across rows.
func labelCounts(rows []int, yCol int, getInt func(row, col int) int64) map[int64]int64 {
	counts := make(map[int64]int64)
	for _, r := range rows {
		counts[getInt(r, yCol)]++
	}
	return counts
}

// entropy computes the Shannon entropy (base 2) of a label distribution.
func entropy(counts map[int64]int64, total int64) float64 {
	if total == 0 {
		return 0
	}
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// majority returns the most frequent label, its count, and the total row
// count, breaking ties by the lowest label id.
func majority(counts map[int64]int64) (label int64, correct int64, total int64) {
	first := true
	for l, c := range counts {
		total += c
		if first || c > correct || (c == correct && l < label) {
			label, correct = l, c
			first = false
		}
	}
	return label, correct, total
}
