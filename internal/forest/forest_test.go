package forest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/perf-analysis/internal/enginecache"
	"github.com/perf-analysis/internal/repository"
	"github.com/perf-analysis/internal/schema"
	"github.com/perf-analysis/internal/treebuilder"
)

type fakeRow struct {
	ints  map[int]int64
	reals map[int]float64
}

func (r fakeRow) IsReal(i int) bool      { _, ok := r.reals[i]; return ok }
func (r fakeRow) GetInt(i int) int64     { return r.ints[i] }
func (r fakeRow) GetFloat(i int) float64 { return r.reals[i] }

func newTestForest(t *testing.T) (*Forest, *repository.Repository) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	repo := repository.New(db, "")
	require.NoError(t, repo.AutoMigrate())

	cache, err := enginecache.New[int64, *CachedNode](16, 8, nil)
	require.NoError(t, err)

	return New(repo, cache), repo
}

// buildSmallTree is a root split on feature 0 (outlook) with two leaves:
// outlook==0 (sunny) predicts label 0, outlook==1 (rainy) predicts label 1.
func buildSmallTree() *treebuilder.Tree {
	ruleSunny := treebuilder.Rule{FeatureIndex: 0, Type: schema.RuleEqual, ValueType: schema.ValueInteger, ValueInt: 0}
	ruleRainy := treebuilder.Rule{FeatureIndex: 0, Type: schema.RuleEqual, ValueType: schema.ValueInteger, ValueInt: 1}

	nodes := map[int32]*treebuilder.Node{
		0: {ID: 0, ParentID: -1, Children: []int32{1, 2}},
		1: {ID: 1, ParentID: 0, Rule: &ruleSunny, Leaf: &treebuilder.Leaf{LabelIndex: 0, CorrectCount: 8, TotalCount: 10}},
		2: {ID: 2, ParentID: 0, Rule: &ruleRainy, Leaf: &treebuilder.Leaf{LabelIndex: 1, CorrectCount: 9, TotalCount: 10}},
	}
	return &treebuilder.Tree{Nodes: nodes, Root: 0}
}

func insertSmallTree(t *testing.T, ctx context.Context, f *Forest, repo *repository.Repository) *repository.Generation {
	t.Helper()
	tx, err := repo.BeginExclusive(ctx)
	require.NoError(t, err)
	genID, err := repo.AddGeneration(ctx, tx, &repository.Generation{Datetime: 1})
	require.NoError(t, err)
	_, err = f.InsertTree(ctx, tx, genID, buildSmallTree())
	require.NoError(t, err)
	require.NoError(t, repo.Commit(tx))

	gen, err := repo.LatestGeneration(ctx)
	require.NoError(t, err)
	return gen
}

func TestInsertTreeSetsGenerationRoot(t *testing.T) {
	ctx := context.Background()
	f, repo := newTestForest(t)

	gen := insertSmallTree(t, ctx, f, repo)

	require.EqualValues(t, 20, gen.InstanceCount)

	var root repository.Treenode
	require.NoError(t, repo.DB().Table(`"treenode"`).Where("id = ?", gen.RootRefTreenodeID).First(&root).Error)
	require.EqualValues(t, schema.NoParent, root.RefParentTreenodeID)

	children, err := repo.GetTreenodeChildren(ctx, gen.RootRefTreenodeID)
	require.NoError(t, err)
	require.Len(t, children, 2)
}

func TestEvalResolvesToMatchingLeaf(t *testing.T) {
	ctx := context.Background()
	f, repo := newTestForest(t)
	gen := insertSmallTree(t, ctx, f, repo)

	outcome, err := f.Eval(ctx, gen.RootRefTreenodeID, fakeRow{ints: map[int]int64{0: 1}})
	require.NoError(t, err)
	require.EqualValues(t, 1, outcome.LabelIndex)

	outcome, err = f.Eval(ctx, gen.RootRefTreenodeID, fakeRow{ints: map[int]int64{0: 0}})
	require.NoError(t, err)
	require.EqualValues(t, 0, outcome.LabelIndex)
}

func TestEvalUnmatchedValueReturnsRuleNotMatched(t *testing.T) {
	ctx := context.Background()
	f, repo := newTestForest(t)
	gen := insertSmallTree(t, ctx, f, repo)

	_, err := f.Eval(ctx, gen.RootRefTreenodeID, fakeRow{ints: map[int]int64{0: 99}})
	require.Error(t, err)
}

func TestEvalCachesRepeatedLookups(t *testing.T) {
	ctx := context.Background()
	f, repo := newTestForest(t)
	gen := insertSmallTree(t, ctx, f, repo)

	_, err := f.Eval(ctx, gen.RootRefTreenodeID, fakeRow{ints: map[int]int64{0: 0}})
	require.NoError(t, err)
	require.Greater(t, f.cache.Len(), 0)

	_, err = f.Eval(ctx, gen.RootRefTreenodeID, fakeRow{ints: map[int]int64{0: 1}})
	require.NoError(t, err)
}
