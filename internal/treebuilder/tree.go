// Package treebuilder implements the pure, deterministic, in-memory
// decision-tree trainer: an iterative, stack-based ID3/C4.5-style splitter
// with pre-pruning, post-pruning and same-label leaf collapse.
package treebuilder

import "github.com/perf-analysis/internal/schema"

// Rule is the predicate attached to every non-root node, describing the
// comparison that must hold against the parent's declared feature for this
// node to be reached.
type Rule struct {
	FeatureIndex int // column index into the training frame (0-based, among X columns)
	Type         schema.RuleType
	ValueType    schema.ValueType
	ValueInt     int64
	ValueReal    float64
}

// Matches reports whether raw value (v) satisfies the rule.
func (r Rule) Matches(isReal bool, vInt int64, vFloat float64) bool {
	if isReal {
		switch r.Type {
		case schema.RuleLTE:
			return vFloat <= r.ValueReal
		case schema.RuleLT:
			return vFloat < r.ValueReal
		case schema.RuleGT:
			return vFloat > r.ValueReal
		case schema.RuleGTE:
			return vFloat >= r.ValueReal
		default:
			return vFloat == r.ValueReal
		}
	}
	switch r.Type {
	case schema.RuleLTE:
		return vInt <= r.ValueInt
	case schema.RuleLT:
		return vInt < r.ValueInt
	case schema.RuleGT:
		return vInt > r.ValueInt
	case schema.RuleGTE:
		return vInt >= r.ValueInt
	default:
		return vInt == r.ValueInt
	}
}

// Leaf holds a trained leaf's disposition statistics.
type Leaf struct {
	LabelIndex   int64
	CorrectCount int64
	TotalCount   int64
}

// Accuracy returns CorrectCount/TotalCount, or 0 if TotalCount is 0.
func (l Leaf) Accuracy() float64 {
	if l.TotalCount == 0 {
		return 0
	}
	return float64(l.CorrectCount) / float64(l.TotalCount)
}

// ErrorRate returns 1-Accuracy.
func (l Leaf) ErrorRate() float64 {
	return 1 - l.Accuracy()
}

// Node is one node of the trained tree.
type Node struct {
	ID       int32
	ParentID int32 // -1 for the root
	Rule     *Rule // nil only for the root
	Leaf     *Leaf // nil for internal nodes
	Children []int32
}

// IsLeaf reports whether n is a leaf.
func (n *Node) IsLeaf() bool { return n.Leaf != nil }

// Tree is the output of a single training run: a node graph rooted at
// Root, referencing only the feature indices declared by the caller's X
// list and the label ids assigned by the caller's string table.
type Tree struct {
	Nodes map[int32]*Node
	Root  int32
}

// Params are the tree builder's hyperparameters.
type Params struct {
	MinInstances    int64
	PruningWeight   float64// >= 1.0
	EarlyStopWeight float64 // >= 0.0
}

// maxCollapseIterations bounds the post-pruning / same-label-collapse
// fixpoint loops against pathological non-convergence.
const maxCollapseIterations = 65536
