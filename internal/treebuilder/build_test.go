package treebuilder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perf-analysis/internal/dataframe"
	"github.com/perf-analysis/pkg/config"
)

// weatherFrame builds the classic outlook/temperature/humidity/windy -> play
// dataset (14 rows), with outlook and play as small nominal domains encoded
// directly as integer ids (sunny=0, overcast=1, rainy=2; no=0, yes=1).
func weatherFrame(t *testing.T) *dataframe.Frame {
	t.Helper()
	b := dataframe.NewBuilder([]dataframe.ColumnInfo{
		{Name: "outlook", Type: config.FieldTypeTextID},
		{Name: "temperature", Type: config.FieldTypeReal},
		{Name: "humidity", Type: config.FieldTypeReal},
		{Name: "windy", Type: config.FieldTypeInt},
		{Name: "play", Type: config.FieldTypeTextID},
	})

	type row struct {
		outlook, windy, play int64
		temp, humidity       float64
	}
	rows := []row{
		{0, 0, 0, 85, 85},
		{0, 1, 0, 80, 90},
		{1, 0, 1, 83, 86},
		{2, 0, 1, 70, 96},
		{2, 0, 1, 68, 80},
		{2, 1, 0, 65, 70},
		{1, 1, 1, 64, 65},
		{0, 0, 0, 72, 95},
		{0, 0, 1, 69, 70},
		{2, 0, 1, 75, 80},
		{0, 1, 1, 75, 70},
		{1, 1, 1, 72, 90},
		{1, 0, 1, 81, 75},
		{2, 1, 0, 71, 91},
	}

	for _, r := range rows {
		err := b.AppendRow([]dataframe.RawValue{
			{I: r.outlook},
			{F: r.temp},
			{F: r.humidity},
			{I: r.windy},
			{I: r.play},
		})
		require.NoError(t, err)
	}
	return b.Build()
}

func defaultParams() Params {
	return Params{MinInstances: 1, PruningWeight: 1.0, EarlyStopWeight: 0}
}

func TestBuildWeatherDatasetAchievesPerfectTrainingAccuracy(t *testing.T) {
	frame := weatherFrame(t)
	tree := Build(frame, defaultParams())

	correct, total := evaluateTrainingAccuracy(t, tree, frame)
	assert.Equal(t, total, correct, "a fully-grown tree must fit its own training data exactly")
}

func TestBuildSingleClassDatasetYieldsOneLeafWithPerfectAccuracy(t *testing.T) {
	b := dataframe.NewBuilder([]dataframe.ColumnInfo{
		{Name: "x", Type: config.FieldTypeReal},
		{Name: "y", Type: config.FieldTypeTextID},
	})
	for i := 0; i < 5; i++ {
		require.NoError(t, b.AppendRow([]dataframe.RawValue{{F: float64(i)}, {I: 0}}))
	}
	frame := b.Build()

	tree := Build(frame, defaultParams())

	require.Len(t, tree.Nodes, 1)
	root := tree.Nodes[tree.Root]
	require.True(t, root.IsLeaf())
	assert.Equal(t, 1.0, root.Leaf.Accuracy())
}

func TestBuildWithMinInstancesEqualToDataSizeForcesRootLeaf(t *testing.T) {
	frame := weatherFrame(t)
	params := Params{MinInstances: int64(frame.Rows()), PruningWeight: 1.0, EarlyStopWeight: 0}

	tree := Build(frame, params)

	require.Len(t, tree.Nodes, 1)
	assert.True(t, tree.Nodes[tree.Root].IsLeaf())
}

func evaluateTrainingAccuracy(t *testing.T, tree *Tree, frame *dataframe.Frame) (correct, total int) {
	t.Helper()
	yCol := frame.Cols() - 1
	for row := 0; row < frame.Rows(); row++ {
		node := tree.Nodes[tree.Root]
		for !node.IsLeaf() {
			matched := false
			for _, cid := range node.Children {
				child := tree.Nodes[cid]
				info := frame.ColumnInfo(child.Rule.FeatureIndex)
				if info.Type.IsReal() {
					if child.Rule.Matches(true, 0, frame.GetFloat(row, child.Rule.FeatureIndex)) {
						node = child
						matched = true
						break
					}
				} else if child.Rule.Matches(false, frame.GetInt(row, child.Rule.FeatureIndex), 0) {
					node = child
					matched = true
					break
				}
			}
			require.True(t, matched, "training row must always match some child rule")
		}
		total++
		if node.Leaf.LabelIndex == frame.GetInt(row, yCol) {
			correct++
		}
	}
	return correct, total
}
