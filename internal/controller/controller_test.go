package controller

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/perf-analysis/internal/dataframe"
	"github.com/perf-analysis/internal/repository"
	"github.com/perf-analysis/internal/schema"
	"github.com/perf-analysis/internal/stringtable"
	"github.com/perf-analysis/pkg/config"
)

func newTestController(t *testing.T) (*Controller, *repository.Repository) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	repo := repository.New(db, "")
	require.NoError(t, repo.AutoMigrate())

	attrs := schema.Resolve(config.Attributes{
		Fields: map[string]config.FieldType{
			"outlook": config.FieldTypeTextID,
			"windy":   config.FieldTypeInt,
			"play":    config.FieldTypeTextID,
		},
		X: []string{"outlook", "windy"},
		Y: "play",
	})
	require.NoError(t, repo.EnsureInstanceTable(context.Background(), attrs))

	cfg := &config.Config{
		WeakAccuracy:        0.8,
		WeakTotalCount:      5,
		TreeMinInstances:    1,
		TreePruningWeight:   1.0,
		TreeEarlyStopWeight: 0,
	}

	ctrl := New(repo, stringtable.New(), attrs, cfg, nil)
	return ctrl, repo
}

func smallTrainingFrame(t *testing.T) *dataframe.Frame {
	t.Helper()
	b := dataframe.NewBuilder([]dataframe.ColumnInfo{
		{Name: "outlook", Type: config.FieldTypeTextID},
		{Name: "windy", Type: config.FieldTypeInt},
		{Name: "play", Type: config.FieldTypeTextID},
	})
	rows := [][3]int64{
		{0, 0, 0}, {0, 1, 0}, {1, 0, 1}, {1, 1, 1},
	}
	for _, r := range rows {
		require.NoError(t, b.AppendRow([]dataframe.RawValue{{I: r[0]}, {I: r[1]}, {I: r[2]}}))
	}
	return b.Build()
}

func TestInsertChunkPersistsInstancesAndChunkSummary(t *testing.T) {
	ctx := context.Background()
	ctrl, repo := newTestController(t)
	frame := smallTrainingFrame(t)

	chunkID, err := ctrl.InsertChunk(ctx, frame)
	require.NoError(t, err)
	require.Greater(t, chunkID, int64(0))

	n, err := repo.TotalChunkCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	infos, err := repo.GetInstanceInfosByLeaf(ctx, 0)
	require.NoError(t, err)
	require.Len(t, infos, 4)
}

func TestRebuildProducesQueryableGeneration(t *testing.T) {
	ctx := context.Background()
	ctrl, repo := newTestController(t)
	frame := smallTrainingFrame(t)

	genID, err := ctrl.Rebuild(ctx, frame)
	require.NoError(t, err)
	require.Greater(t, genID, int64(0))

	gen, err := repo.LatestGeneration(ctx)
	require.NoError(t, err)
	require.Equal(t, genID, gen.ID)
	require.Greater(t, gen.InstanceCount, int64(0))
}

func TestPredictAfterRebuildResolvesKnownValue(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController(t)
	frame := smallTrainingFrame(t)

	_, err := ctrl.Rebuild(ctx, frame)
	require.NoError(t, err)

	row := frameRow{frame: frame, row: 2} // outlook=1, windy=0 -> play=1
	outcome, err := ctrl.Predict(ctx, row, 0, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, outcome.LabelIndex)
}

func TestUpdateRequiresExistingGeneration(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController(t)
	frame := smallTrainingFrame(t)

	_, err := ctrl.InsertChunk(ctx, frame)
	require.NoError(t, err)

	err = ctrl.Update(ctx)
	require.Error(t, err)
}

func TestUpdateFoldsChunkIntoGlobalTotals(t *testing.T) {
	ctx := context.Background()
	ctrl, repo := newTestController(t)
	frame := smallTrainingFrame(t)

	_, err := ctrl.Rebuild(ctx, frame)
	require.NoError(t, err)

	_, err = ctrl.InsertChunk(ctx, frame)
	require.NoError(t, err)

	require.NoError(t, ctrl.Update(ctx))

	global, err := repo.GetGlobal(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4, global.UpdatedInstanceCount)
	require.Greater(t, global.InstanceAccuracy, 0.0)

	issues, err := ctrl.VerifyAll(ctx)
	require.NoError(t, err)
	require.Empty(t, issues)

	ids, err := repo.PendingChunkIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

// mismatchChunkFrame builds n instances sharing outlook=0 (the same split
// value as smallTrainingFrame's "sunny" rows) but labeled play=1, used to
// drive that leaf's accuracy below the weak threshold once folded in.
func mismatchChunkFrame(t *testing.T, n int) *dataframe.Frame {
	t.Helper()
	b := dataframe.NewBuilder([]dataframe.ColumnInfo{
		{Name: "outlook", Type: config.FieldTypeTextID},
		{Name: "windy", Type: config.FieldTypeInt},
		{Name: "play", Type: config.FieldTypeTextID},
	})
	for i := 0; i < n; i++ {
		require.NoError(t, b.AppendRow([]dataframe.RawValue{{I: 0}, {I: 2}, {I: 1}}))
	}
	return b.Build()
}

func TestRebuildGraftsWeakLeafOntoNewGeneration(t *testing.T) {
	ctx := context.Background()
	ctrl, repo := newTestController(t)
	frame := smallTrainingFrame(t)

	genID1, err := ctrl.Rebuild(ctx, frame)
	require.NoError(t, err)

	_, err = ctrl.InsertChunk(ctx, frame)
	require.NoError(t, err)
	require.NoError(t, ctrl.Update(ctx))

	mismatches := mismatchChunkFrame(t, 4)
	_, err = ctrl.InsertChunk(ctx, mismatches)
	require.NoError(t, err)
	require.NoError(t, ctrl.Update(ctx))

	genID2, err := ctrl.Rebuild(ctx, nil)
	require.NoError(t, err)
	require.Greater(t, genID2, genID1)

	gen2, err := repo.LatestGeneration(ctx)
	require.NoError(t, err)
	require.Equal(t, genID2, gen2.ID)
	require.EqualValues(t, 6, gen2.WeakInstanceCount)
	require.Greater(t, gen2.AfterWeakInstanceAccuracy, gen2.BeforeWeakInstanceAccuracy)

	global, err := repo.GetGlobal(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 6, global.AccWeakInstanceCount)

	// a predict walk must start at the first generation's root and follow
	// the go_to_generation redirect the graft installed to resolve the
	// mismatched row correctly.
	row := frameRow{frame: mismatches, row: 0}
	outcome, err := ctrl.Predict(ctx, row, 0, false)
	require.NoError(t, err)
	require.EqualValues(t, 1, outcome.LabelIndex)

	issues, err := ctrl.VerifyAll(ctx)
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestRebuildNoopsWhenNoLeafIsWeak(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController(t)
	frame := smallTrainingFrame(t)

	genID1, err := ctrl.Rebuild(ctx, frame)
	require.NoError(t, err)

	genID2, err := ctrl.Rebuild(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, genID2)

	gen, err := ctrl.repo.LatestGeneration(ctx)
	require.NoError(t, err)
	require.Equal(t, genID1, gen.ID)
}

func TestEvictChunksIfOverLimitNoopsWhenDisabled(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestController(t)
	tx, err := ctrl.repo.BeginExclusive(ctx)
	require.NoError(t, err)
	require.NoError(t, ctrl.evictChunksIfOverLimit(ctx, tx))
	require.NoError(t, ctrl.repo.Commit(tx))
}
