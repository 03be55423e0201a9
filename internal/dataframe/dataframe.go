// Package dataframe implements the append-free, reference-counted
// column-oriented matrix the tree builder trains against.
package dataframe

import (
	"github.com/perf-analysis/internal/schema"
	"github.com/perf-analysis/pkg/config"
	"github.com/perf-analysis/pkg/errors"
)

// RawValue is the primitive 8-byte cell value a column stores: an int64 slot
// used for INTEGER/BIGINT/SMALLINT/TEXT_ID columns, and a float64 slot used
// for REAL columns. Exactly one field is meaningful, selected by the
// owning column's Type.
type RawValue struct {
	I int64
	F float64
}

// Int returns v as an int64, valid for any non-REAL column.
func (v RawValue) Int() int64 { return v.I }

// Float returns v as a float64, valid only for REAL columns.
func (v RawValue) Float() float64 { return v.F }

// Column is one typed column of the frame, storing every row's raw value
// contiguously.
type Column struct {
	Name string
	Type config.FieldType
	data []RawValue
}

// Frame is a column-oriented matrix. Frames never mutate in place after
// Build: Select produces a shallow view (shared column data, a private row
// index list) and Clone produces a deep, independently-owned copy.
type Frame struct {
	columns []Column
	rows    []int32 // row indices into columns[*].data; nil means "all rows, 0..n-1"
	n       int      // number of underlying physical rows when rows == nil
}

// ColumnInfo describes one column's declared name and type.
type ColumnInfo struct {
	Name string
	Type config.FieldType
}

// Rows returns the number of logical rows in the frame (after any Select).
func (f *Frame) Rows() int {
	if f.rows != nil {
		return len(f.rows)
	}
	return f.n
}

// Cols returns the number of columns.
func (f *Frame) Cols() int {
	return len(f.columns)
}

// ColumnInfo returns column i's name and declared type.
func (f *Frame) ColumnInfo(i int) ColumnInfo {
	return ColumnInfo{Name: f.columns[i].Name, Type: f.columns[i].Type}
}

// ColumnIndex returns the index of the column named name, or ok=false.
func (f *Frame) ColumnIndex(name string) (int, bool) {
	for i, c := range f.columns {
		if c.Name == name {
			return i, true
		}
	}
	return 0, false
}

func (f *Frame) physicalRow(row int) int {
	if f.rows != nil {
		return int(f.rows[row])
	}
	return row
}

// GetRaw returns the raw value at (row, col).
func (f *Frame) GetRaw(row, col int) RawValue {
	return f.columns[col].data[f.physicalRow(row)]
}

// GetInt returns the int64 value at (row, col).
func (f *Frame) GetInt(row, col int) int64 {
	return f.columns[col].data[f.physicalRow(row)].I
}

// GetFloat returns the float64 value at (row, col).
func (f *Frame) GetFloat(row, col int) float64 {
	return f.columns[col].data[f.physicalRow(row)].F
}

// RowIndex returns the underlying physical row index for logical row `row`,
// used by callers that must map a tree-builder row back to its source
// instance id (the caller keeps a parallel instance-id column or slice).
func (f *Frame) RowIndex(row int) int {
	return f.physicalRow(row)
}

// Select returns a shallow view over the same column data restricted to the
// given (physical) row indices, preserving their order.
func (f *Frame) Select(rowIndices []int32) *Frame {
	return &Frame{columns: f.columns, rows: rowIndices}
}

// SelectColumns returns a shallow view restricted to the named columns, in
// the given order, sharing the same row selection.
func (f *Frame) SelectColumns(colIndices []int) *Frame {
	cols := make([]Column, len(colIndices))
	for i, ci := range colIndices {
		cols[i] = f.columns[ci]
	}
	return &Frame{columns: cols, rows: f.rows, n: f.n}
}

// Clone deep-copies every column's data restricted to the current row
// selection, producing a frame with its own backing storage.
func (f *Frame) Clone() *Frame {
	n := f.Rows()
	cols := make([]Column, len(f.columns))
	for ci, c := range f.columns {
		data := make([]RawValue, n)
		for r := 0; r < n; r++ {
			data[r] = c.data[f.physicalRow(r)]
		}
		cols[ci] = Column{Name: c.Name, Type: c.Type, data: data}
	}
	return &Frame{columns: cols, n: n}
}

// Builder accumulates rows for a new, owned Frame.
type Builder struct {
	columns []Column
}

// NewBuilder creates a Builder for the given column layout.
func NewBuilder(infos []ColumnInfo) *Builder {
	cols := make([]Column, len(infos))
	for i, info := range infos {
		cols[i] = Column{Name: info.Name, Type: info.Type}
	}
	return &Builder{columns: cols}
}

// AppendRow appends one row; values must align 1:1 with the builder's
// declared columns.
func (b *Builder) AppendRow(values []RawValue) error {
	if len(values) != len(b.columns) {
		return errors.Newf(errors.CodeInternalError, "expected %d values, got %d", len(b.columns), len(values))
	}
	for i, v := range values {
		b.columns[i].data = append(b.columns[i].data, v)
	}
	return nil
}

// Build finalizes the Builder into an owned Frame.
func (b *Builder) Build() *Frame {
	n := 0
	if len(b.columns) > 0 {
		n = len(b.columns[0].data)
	}
	return &Frame{columns: b.columns, n: n}
}

// FromAttributes builds the ColumnInfo layout for a frame holding exactly
// the declared X features followed by the y column, the shape the tree
// builder consumes.
func FromAttributes(attrs schema.Attributes) []ColumnInfo {
	infos := make([]ColumnInfo, 0, len(attrs.X)+1)
	for i := range attrs.X {
		f := attrs.XField(i)
		infos = append(infos, ColumnInfo{Name: f.Name, Type: f.Type})
	}
	y := attrs.YField()
	infos = append(infos, ColumnInfo{Name: y.Name, Type: y.Type})
	return infos
}
