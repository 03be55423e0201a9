package treebuilder

import (
	"math"
	"sort"

	"github.com/perf-analysis/internal/dataframe"
	"github.com/perf-analysis/internal/schema"
)

// bucket is one branch of a candidate split: the rows that fall into it and
// the rule a child node would carry to represent it.
type bucket struct {
	rows []int
	rule Rule
}

// candidateSplit is the best split found for one feature column.
type candidateSplit struct {
	featureIndex int
	igr          float64
	buckets      []bucket
}

// bestSplit evaluates every X column and returns the candidate with the
// highest IGR > 0, or ok=false if no feature yields a valid split under the
// min-instances constraint.
func bestSplit(frame *dataframe.Frame, rows []int, yCol int, minInstances int64) (candidateSplit, bool) {
	total := int64(len(rows))
	counts := labelCounts(rows, yCol, frame.GetInt)
	s := entropy(counts, total)

	var best candidateSplit
	found := false

	for col := 0; col < frame.Cols()-1; col++ {
		info := frame.ColumnInfo(col)
		var cand candidateSplit
		var ok bool
		if info.Type.IsReal() {
			cand, ok = numericSplit(frame, rows, col, s, minInstances)
		} else {
			cand, ok = nominalSplit(frame, rows, col, s, minInstances)
		}
		if !ok {
			continue
		}
		if !found || cand.igr > best.igr {
			best, found = cand, true
		}
	}

	if !found || best.igr <= 0 {
		return candidateSplit{}, false
	}
	return best, true
}

// nominalSplit groups rows by their observed distinct feature value and
// emits one equality rule per distinct value.
func nominalSplit(frame *dataframe.Frame, rows []int, col int, s float64, minInstances int64) (candidateSplit, bool) {
	groups := make(map[int64][]int)
	for _, r := range rows {
		v := frame.GetInt(r, col)
		groups[v] = append(groups[v], r)
	}

	values := make([]int64, 0, len(groups))
	for v := range groups {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	total := float64(len(rows))
	var weighted, intrinsic float64
	buckets := make([]bucket, 0, len(values))
	for _, v := range values {
		bucketRows := groups[v]
		if int64(len(bucketRows)) < minInstances {
			return candidateSplit{}, false
		}
		p := float64(len(bucketRows)) / total
		weighted += p * entropy(labelCounts(bucketRows, frame.Cols()-1, frame.GetInt), int64(len(bucketRows)))
		if p > 0 {
			intrinsic -= p * math.Log2(p)
		}
		buckets = append(buckets, bucket{
			rows: bucketRows,
			rule: Rule{FeatureIndex: col, Type: schema.RuleEqual, ValueType: schema.ValueInteger, ValueInt: v},
		})
	}

	if len(buckets) < 2 {
		// a feature with a single observed value cannot split anything.
		return candidateSplit{}, false
	}

	ig := s - weighted
	if intrinsic == 0 {
		return candidateSplit{}, false
	}
	igr := ig / intrinsic
	return candidateSplit{featureIndex: col, igr: igr, buckets: buckets}, true
}

// numericSplit sweeps every observed distinct value as a threshold and
// keeps the one minimizing weighted entropy, emitting exactly two rules
// (<=v, >v) at the winning threshold.
func numericSplit(frame *dataframe.Frame, rows []int, col int, s float64, minInstances int64) (candidateSplit, bool) {
	distinct := make(map[float64]bool)
	for _, r := range rows {
		distinct[frame.GetFloat(r, col)] = true
	}
	values := make([]float64, 0, len(distinct))
	for v := range distinct {
		values = append(values, v)
	}
	sort.Float64s(values)

	if len(values) < 2 {
		return candidateSplit{}, false
	}

	yCol := frame.Cols() - 1
	total := int64(len(rows))

	bestWeighted := math.Inf(1)
	bestSplitValue := values[0]
	bestFound := false

	for i := 0; i < len(values)-1; i++ {
		threshold := values[i]
		var accRows, restRows []int
		for _, r := range rows {
			if frame.GetFloat(r, col) <= threshold {
				accRows = append(accRows, r)
			} else {
				restRows = append(restRows, r)
			}
		}
		if int64(len(accRows)) < minInstances || int64(len(restRows)) < minInstances {
			continue
		}

		accH := entropy(labelCounts(accRows, yCol, frame.GetInt), int64(len(accRows)))
		restH := entropy(labelCounts(restRows, yCol, frame.GetInt), int64(len(restRows)))
		weighted := (float64(len(accRows))/float64(total))*accH + (float64(len(restRows))/float64(total))*restH

		if weighted < bestWeighted {
			bestWeighted = weighted
			bestSplitValue = threshold
			bestFound = true
		}
	}

	if !bestFound {
		return candidateSplit{}, false
	}

	var accRows, restRows []int
	for _, r := range rows {
		if frame.GetFloat(r, col) <= bestSplitValue {
			accRows = append(accRows, r)
		} else {
			restRows = append(restRows, r)
		}
	}

	ig := s - bestWeighted
	buckets := []bucket{
		{rows: accRows, rule: Rule{FeatureIndex: col, Type: schema.RuleLTE, ValueType: schema.ValueReal, ValueReal: bestSplitValue}},
		{rows: restRows, rule: Rule{FeatureIndex: col, Type: schema.RuleGT, ValueType: schema.ValueReal, ValueReal: bestSplitValue}},
	}
	return candidateSplit{featureIndex: col, igr: ig, buckets: buckets}, true
}
