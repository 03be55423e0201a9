package dataframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perf-analysis/pkg/config"
)

func buildSample(t *testing.T) *Frame {
	t.Helper()
	b := NewBuilder([]ColumnInfo{
		{Name: "outlook", Type: config.FieldTypeTextID},
		{Name: "humidity", Type: config.FieldTypeReal},
		{Name: "play", Type: config.FieldTypeTextID},
	})
	rows := [][3]RawValue{
		{{I: 0}, {F: 85.0}, {I: 0}},
		{{I: 1}, {F: 65.0}, {I: 1}},
		{{I: 2}, {F: 70.0}, {I: 1}},
	}
	for _, r := range rows {
		require.NoError(t, b.AppendRow([]RawValue{r[0], r[1], r[2]}))
	}
	return b.Build()
}

func TestBuilderProducesExpectedShape(t *testing.T) {
	f := buildSample(t)
	assert.Equal(t, 3, f.Rows())
	assert.Equal(t, 3, f.Cols())
	assert.Equal(t, int64(1), f.GetInt(1, 0))
	assert.Equal(t, 65.0, f.GetFloat(1, 1))
}

func TestSelectIsShallowAndPreservesOrder(t *testing.T) {
	f := buildSample(t)
	view := f.Select([]int32{2, 0})

	assert.Equal(t, 2, view.Rows())
	assert.Equal(t, int64(2), view.GetInt(0, 0))
	assert.Equal(t, int64(0), view.GetInt(1, 0))
	assert.Equal(t, 0, view.RowIndex(1))
}

func TestCloneIsIndependentOfSource(t *testing.T) {
	f := buildSample(t)
	view := f.Select([]int32{1, 2})
	clone := view.Clone()

	assert.Equal(t, 2, clone.Rows())
	assert.Equal(t, int64(1), clone.GetInt(0, 0))

	// Mutating the clone's backing storage must not affect the source view.
	clone.columns[0].data[0] = RawValue{I: 999}
	assert.Equal(t, int64(1), view.GetInt(0, 0))
}

func TestSelectColumnsRestrictsColumnSet(t *testing.T) {
	f := buildSample(t)
	view := f.SelectColumns([]int{1})

	assert.Equal(t, 1, view.Cols())
	assert.Equal(t, "humidity", view.ColumnInfo(0).Name)
	assert.Equal(t, 85.0, view.GetFloat(0, 0))
}

func TestColumnIndexLookup(t *testing.T) {
	f := buildSample(t)
	idx, ok := f.ColumnIndex("play")
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = f.ColumnIndex("missing")
	assert.False(t, ok)
}
