package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/perf-analysis/internal/schema"
	"github.com/perf-analysis/pkg/config"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	// A name unique to each test keeps sqlite's shared in-memory cache from
	// leaking state between tests run in the same process.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	r := New(db, "")
	require.NoError(t, r.AutoMigrate())
	return r
}

func testAttributes() schema.Attributes {
	return schema.Resolve(config.Attributes{
		Revision: 0,
		Fields: map[string]config.FieldType{
			"outlook": config.FieldTypeTextID,
			"windy":   config.FieldTypeInt,
			"play":    config.FieldTypeTextID,
		},
		X: []string{"outlook", "windy"},
		Y: "play",
	})
}

func TestEnsureInstanceTableAndAddGetInstance(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t)
	attrs := testAttributes()

	require.NoError(t, r.EnsureInstanceTable(ctx, attrs))
	// idempotent: creating twice must not error.
	require.NoError(t, r.EnsureInstanceTable(ctx, attrs))

	tx, err := r.BeginExclusive(ctx)
	require.NoError(t, err)

	id, err := r.AddInstance(ctx, tx, attrs, map[string]any{"outlook": int64(0), "windy": int64(1), "play": int64(1)})
	require.NoError(t, err)
	require.NoError(t, r.Commit(tx))
	require.Greater(t, id, int64(0))

	row, err := r.GetInstance(ctx, attrs, id)
	require.NoError(t, err)
	require.EqualValues(t, 1, row["windy"])
}

func TestGetInstanceMissingReturnsItemNotFound(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t)
	attrs := testAttributes()
	require.NoError(t, r.EnsureInstanceTable(ctx, attrs))

	_, err := r.GetInstance(ctx, attrs, 9999)
	require.Error(t, err)
}

func TestChunkLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t)

	tx, err := r.BeginExclusive(ctx)
	require.NoError(t, err)
	chunkID, err := r.AddChunk(ctx, tx, &Chunk{Datetime: 1, TotalCount: 10, InitialCorrectCount: 8, InitialAccuracy: 0.8})
	require.NoError(t, err)
	require.NoError(t, r.Commit(tx))

	n, err := r.TotalChunkCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	tx, err = r.BeginExclusive(ctx)
	require.NoError(t, err)
	require.NoError(t, r.MarkChunkUpdated(ctx, tx, chunkID))
	_, err = r.AddInstanceInfo(ctx, tx, &InstanceInfo{RefInstanceID: 1, RefChunkID: int32(chunkID), RefLeafTreenodeID: 0, Correct: true})
	require.NoError(t, err)
	require.NoError(t, r.Commit(tx))

	ids, err := r.OldestUnevictedChunks(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{chunkID}, ids)

	tx, err = r.BeginExclusive(ctx)
	require.NoError(t, err)
	require.NoError(t, r.DeleteChunkCascade(ctx, tx, chunkID))
	require.NoError(t, r.Commit(tx))

	n, err = r.TotalChunkCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestGenerationTreenodeRuleLeafChain(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t)

	tx, err := r.BeginExclusive(ctx)
	require.NoError(t, err)

	genID, err := r.AddGeneration(ctx, tx, &Generation{Datetime: 1})
	require.NoError(t, err)

	ruleID, err := r.AddRule(ctx, tx, &Rule{FeatureIndex: 0, RuleType: int8(schema.RuleEqual), ValueType: int8(schema.ValueInteger), ValueInteger: 2})
	require.NoError(t, err)

	leafID, err := r.AddLeafInfo(ctx, tx, &LeafInfo{LabelIndex: 1, Type: int8(schema.LeafTerminal), CorrectCount: 9, TotalCount: 10, Accuracy: 0.9})
	require.NoError(t, err)

	rootID, err := r.AddTreenode(ctx, tx, &Treenode{RefGenerationID: genID, RefParentTreenodeID: schema.NoParent, RefRuleID: schema.NoRule, RefLeafInfoID: schema.NoLeafInfo})
	require.NoError(t, err)

	leafNodeID, err := r.AddTreenode(ctx, tx, &Treenode{RefGenerationID: genID, RefParentTreenodeID: rootID, RefRuleID: ruleID, RefLeafInfoID: leafID})
	require.NoError(t, err)

	require.NoError(t, r.UpdateGeneration(ctx, tx, &Generation{ID: genID, RootRefTreenodeID: rootID, InstanceCount: 10}))
	require.NoError(t, r.Commit(tx))

	children, err := r.GetTreenodeChildren(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, leafNodeID, children[0].ID)

	gen, err := r.LatestGeneration(ctx)
	require.NoError(t, err)
	require.Equal(t, genID, gen.ID)
	require.EqualValues(t, 10, gen.InstanceCount)

	weak, err := r.GetWeakTreenodes(ctx, genID, 0.95, 5)
	require.NoError(t, err)
	require.Len(t, weak, 1)
	require.Equal(t, leafNodeID, weak[0].ID)

	sibs, err := r.SiblingRules(ctx, rootID)
	require.NoError(t, err)
	require.Len(t, sibs, 1)
	require.Equal(t, ruleID, sibs[0].ID)

	tx, err = r.BeginExclusive(ctx)
	require.NoError(t, err)
	require.NoError(t, r.UpdateLeafInfoByGoToGeneration(ctx, tx, leafID, genID))
	require.NoError(t, r.Commit(tx))

	leaf, err := r.GetLeafInfo(ctx, leafID)
	require.NoError(t, err)
	require.EqualValues(t, schema.LeafGoToGeneration, leaf.Type)
	require.Equal(t, genID, leaf.GoToRefGenerationID)
}

func TestGlobalSummaryCreatedOnFirstAccess(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t)

	g, err := r.GetGlobal(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, g.ID)
	require.EqualValues(t, 0, g.InstanceCount)

	tx, err := r.BeginExclusive(ctx)
	require.NoError(t, err)
	g.InstanceCount = 42
	require.NoError(t, r.UpdateGlobal(ctx, tx, g))
	require.NoError(t, r.Commit(tx))

	g2, err := r.GetGlobal(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 42, g2.InstanceCount)
}

func TestUpsertConfusionMatrixCellAccumulates(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t)

	tx, err := r.BeginExclusive(ctx)
	require.NoError(t, err)
	require.NoError(t, r.UpsertConfusionMatrixCell(ctx, tx, 0, 1))
	require.NoError(t, r.UpsertConfusionMatrixCell(ctx, tx, 0, 1))
	require.NoError(t, r.UpsertConfusionMatrixCell(ctx, tx, 1, 1))
	require.NoError(t, r.Commit(tx))

	var cells []GlobalConfusionMatrixCell
	require.NoError(t, r.db.Table(r.tableName("global_confusion_matrix")).Find(&cells).Error)
	require.Len(t, cells, 2)
	for _, c := range cells {
		if c.Actual == 0 && c.Predicted == 1 {
			require.EqualValues(t, 2, c.Count)
		}
	}
}

func TestStringTableRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t)

	tx, err := r.BeginExclusive(ctx)
	require.NoError(t, err)
	require.NoError(t, r.AddStringTableEntries(ctx, tx, []int32{0, 1, 2}, []string{"sunny", "overcast", "rainy"}))
	require.NoError(t, r.Commit(tx))

	rows, err := r.LoadStringTable(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "overcast", rows[1].Text)
}

func TestRollbackDiscardsUncommittedWrites(t *testing.T) {
	ctx := context.Background()
	r := newTestRepository(t)

	tx, err := r.BeginExclusive(ctx)
	require.NoError(t, err)
	_, err = r.AddChunk(ctx, tx, &Chunk{Datetime: 1})
	require.NoError(t, err)
	require.NoError(t, r.Rollback(tx))

	n, err := r.TotalChunkCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}
