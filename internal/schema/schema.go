// Package schema declares the ten logical tables of the forest engine's
// persistent model, independent of any storage backend.
package schema

import "github.com/perf-analysis/pkg/config"

// Table identifies one of the ten logical tables.
type Table int

// The ten logical tables, in leaf-to-root dependency order.
const (
	TableInstance Table = iota
	TableInstanceInfo
	TableChunk
	TableGeneration
	TableTreenode
	TableRule
	TableLeafInfo
	TableStringTable
	TableGlobal
	TableGlobalConfusionMatrix
	tableCount
)

// RuleType is the comparison operator a Rule applies.
type RuleType int

// The five comparison operators a rule may encode.
const (
	RuleEqual RuleType = iota
	RuleLTE
	RuleLT
	RuleGT
	RuleGTE
)

// ValueType distinguishes an integer-typed rule value from a real-typed one.
type ValueType int

// The two rule value types.
const (
	ValueInteger ValueType = iota
	ValueReal
)

// LeafType distinguishes a terminal leaf from one redirecting to another
// generation.
type LeafType int

// The two leaf dispositions.
const (
	LeafTerminal LeafType = iota
	LeafGoToGeneration
)

// NoParent is the sentinel ref_parent_treenode_id of a generation's root.
const NoParent int64 = -1

// NoRule is the sentinel ref_rule_id of a generation's root.
const NoRule int64 = -1

// NoLeafInfo is the sentinel ref_leaf_info_id of an internal (non-leaf) node.
const NoLeafInfo int64 = -1

// FieldSpec is one declared field of the instance table, resolved from
// conf/attributes.json plus the implicit "id" field.
type FieldSpec struct {
	Name  string
	Type  config.FieldType
	Index int // position in the X vector, or -1 if this is the y field or id
}

// Attributes resolves conf/attributes.json into an ordered field layout that
// the dataframe, tree builder and rule evaluator share.
type Attributes struct {
	Fields []FieldSpec // "id" first, then the declared fields in map iteration order
	X      []int       // indices into Fields for the declared X vector
	Y      int          // index into Fields of the y field
}

// Resolve builds an Attributes layout from a parsed config.Attributes.
func Resolve(attrs config.Attributes) Attributes {
	fields := make([]FieldSpec, 0, len(attrs.Fields)+1)
	fields = append(fields, FieldSpec{Name: "id", Type: config.FieldTypeBigInt, Index: -1})

	index := make(map[string]int, len(attrs.Fields))
	for name, t := range attrs.Fields {
		fields = append(fields, FieldSpec{Name: name, Type: t, Index: -1})
	}
	for i, f := range fields {
		index[f.Name] = i
	}

	xIdx := make([]int, 0, len(attrs.X))
	for i, name := range attrs.X {
		fields[index[name]].Index = i
		xIdx = append(xIdx, index[name])
	}

	return Attributes{Fields: fields, X: xIdx, Y: index[attrs.Y]}
}

// FieldByName returns the field spec for name, or ok=false if undeclared.
func (a Attributes) FieldByName(name string) (FieldSpec, bool) {
	for _, f := range a.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// XField returns the field spec for the i-th declared feature.
func (a Attributes) XField(i int) FieldSpec {
	return a.Fields[a.X[i]]
}

// YField returns the field spec of the label column.
func (a Attributes) YField() FieldSpec {
	return a.Fields[a.Y]
}
