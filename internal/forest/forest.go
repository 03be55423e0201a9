// Package forest persists in-memory trained trees into the relational
// model and answers predict-time tree walks across chained generations.
package forest

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"

	"github.com/perf-analysis/internal/enginecache"
	"github.com/perf-analysis/internal/repository"
	"github.com/perf-analysis/internal/schema"
	"github.com/perf-analysis/internal/treebuilder"
	"github.com/perf-analysis/pkg/errors"
)

// CachedNode is the hot predict-path projection of one treenode, combining
// its own row with its rule and (if a leaf) its leaf_info, so a cache hit
// never needs a second round trip to storage.
type CachedNode struct {
	ID               int64
	ParentID         int64
	GenerationID     int64
	Rule             *repository.Rule // nil only for a generation's root
	LeafInfoID       int64            // schema.NoLeafInfo for an internal node
	Leaf             *repository.LeafInfo
	ChildIDs         []int64
}

// Forest persists and evaluates the chained-generation tree model.
type Forest struct {
	repo  *repository.Repository
	cache *enginecache.Cache[int64, *CachedNode]
}

// New wraps a repository with a bounded node cache.
func New(repo *repository.Repository, cache *enginecache.Cache[int64, *CachedNode]) *Forest {
	return &Forest{repo: repo, cache: cache}
}

// InsertTree persists an in-memory trained tree as a new generation,
// assigning persistent ids to every rule/leaf_info/treenode row in
// pre-order, and returns the mapping from the tree's own node ids to their
// persisted treenode ids so the caller can translate an in-memory
// prediction (treebuilder.Node.ID) into the row instance_info must point
// at.
func (f *Forest) InsertTree(ctx context.Context, tx *gorm.DB, generationID int64, tree *treebuilder.Tree) (map[int32]int64, error) {
	persistedID := make(map[int32]int64, len(tree.Nodes))

	var insert func(nodeID int32, parentPersistedID int64) error
	insert = func(nodeID int32, parentPersistedID int64) error {
		node := tree.Nodes[nodeID]

		ruleID := int64(schema.NoRule)
		if node.Rule != nil {
			row := &repository.Rule{
				FeatureIndex: int16(node.Rule.FeatureIndex),
				RuleType:     int8(node.Rule.Type),
				ValueType:    int8(node.Rule.ValueType),
				ValueInteger: node.Rule.ValueInt,
				ValueReal:    node.Rule.ValueReal,
			}
			id, err := f.repo.AddRule(ctx, tx, row)
			if err != nil {
				return err
			}
			ruleID = id
		}

		leafInfoID := int64(schema.NoLeafInfo)
		if node.Leaf != nil {
			row := &repository.LeafInfo{
				LabelIndex:    int32(node.Leaf.LabelIndex),
				Type:          int8(schema.LeafTerminal),
				CorrectCount:  node.Leaf.CorrectCount,
				TotalCount:    node.Leaf.TotalCount,
				Accuracy:      node.Leaf.Accuracy(),
			}
			id, err := f.repo.AddLeafInfo(ctx, tx, row)
			if err != nil {
				return err
			}
			leafInfoID = id
		}

		treenodeRow := &repository.Treenode{
			RefGenerationID:     generationID,
			RefParentTreenodeID: parentPersistedID,
			RefRuleID:           ruleID,
			RefLeafInfoID:       leafInfoID,
		}
		id, err := f.repo.AddTreenode(ctx, tx, treenodeRow)
		if err != nil {
			return err
		}
		persistedID[nodeID] = id

		for _, childID := range node.Children {
			if err := insert(childID, id); err != nil {
				return err
			}
		}
		return nil
	}

	if err := insert(tree.Root, schema.NoParent); err != nil {
		return nil, err
	}

	if err := f.repo.UpdateGeneration(ctx, tx, &repository.Generation{
		ID:                generationID,
		RootRefTreenodeID: persistedID[tree.Root],
		InstanceCount:     int64(countLeafInstances(tree)),
	}); err != nil {
		return nil, err
	}
	return persistedID, nil
}

func countLeafInstances(tree *treebuilder.Tree) int64 {
	var total int64
	for _, node := range tree.Nodes {
		if node.Leaf != nil {
			total += node.Leaf.TotalCount
		}
	}
	return total
}

// RowAccessor exposes one row's declared X feature values by the same
// feature-index numbering the tree builder trained against.
type RowAccessor interface {
	IsReal(featureIndex int) bool
	GetInt(featureIndex int) int64
	GetFloat(featureIndex int) float64
}

// Outcome is the result of evaluating one row against the forest: the
// predicted label, the leaf treenode it resolved to (possibly in a later
// generation than the one evaluation started from), and whether a
// dynamic rule extension had to fire along the way.
type Outcome struct {
	LabelIndex        int32
	LeafTreenodeID    int64
	LeafInfoID        int64
	FinalGenerationID int64
	Extended          bool
}

// Eval walks row down the tree rooted at rootTreenodeID, following
// go_to_generation redirects across generations until it reaches a
// terminal leaf.
func (f *Forest) Eval(ctx context.Context, rootTreenodeID int64, row RowAccessor) (*Outcome, error) {
	nodeID := rootTreenodeID
	extended := false

	for {
		node, err := f.loadNode(ctx, nodeID)
		if err != nil {
			return nil, err
		}

		if node.LeafInfoID != int64(schema.NoLeafInfo) {
			if node.Leaf.Type == int8(schema.LeafGoToGeneration) {
				// a redirect always hops to whichever generation is latest
				// right now, not to the one recorded at flip time: a row
				// may have been grafted again since, and the graft that
				// superseded it is itself reachable only through the
				// current latest generation's own tree.
				gen, err := f.repo.LatestGeneration(ctx)
				if err != nil {
					return nil, err
				}
				nodeID = gen.RootRefTreenodeID
				continue
			}
			return &Outcome{
				LabelIndex:        node.Leaf.LabelIndex,
				LeafTreenodeID:    node.ID,
				LeafInfoID:        node.LeafInfoID,
				FinalGenerationID: node.GenerationID,
				Extended:          extended,
			}, nil
		}

		children, err := f.loadChildren(ctx, node)
		if err != nil {
			return nil, err
		}

		matched, ok := matchChild(children, row)
		if !ok {
			// dynamic rule extension: no child rule matches this row's
			// observed value. the caller (controller) is responsible for
			// creating the extension leaf+rule and retrying; Eval itself
			// never mutates storage.
			featureIndex := 0
			if len(children) > 0 && children[0].Rule != nil {
				featureIndex = int(children[0].Rule.FeatureIndex)
			}
			return nil, &RuleNotMatchedDetail{
				NodeID:        node.ID,
				FeatureIndex:  featureIndex,
				ObservedValue: row.GetInt(featureIndex),
				err:           errors.Newf(errors.CodeRuleNotMatched, "no child rule matches treenode %d on feature %d", node.ID, featureIndex),
			}
		}
		nodeID = matched.ID
	}
}

// RuleNotMatchedDetail is returned by Eval when no child rule matches the
// row's observed value, carrying everything the controller needs to
// perform the dynamic rule extension (§ dynamic rule extension) without
// re-deriving it.
type RuleNotMatchedDetail struct {
	NodeID        int64
	FeatureIndex  int
	ObservedValue int64
	err           error
}

func (e *RuleNotMatchedDetail) Error() string { return e.err.Error() }
func (e *RuleNotMatchedDetail) Unwrap() error { return e.err }

// AsRuleNotMatchedDetail extracts the extension details from err, if it (or
// something it wraps) is a RuleNotMatchedDetail.
func AsRuleNotMatchedDetail(err error) (*RuleNotMatchedDetail, bool) {
	var detail *RuleNotMatchedDetail
	if stderrors.As(err, &detail) {
		return detail, true
	}
	return nil, false
}

func matchChild(children []*CachedNode, row RowAccessor) (*CachedNode, bool) {
	for _, c := range children {
		if c.Rule == nil {
			continue
		}
		if ruleMatches(c.Rule, row) {
			return c, true
		}
	}
	return nil, false
}

// ruleMatches evaluates a persisted rule row against row's value for the
// rule's declared feature, mirroring treebuilder.Rule.Matches.
func ruleMatches(rule *repository.Rule, row RowAccessor) bool {
	featureIndex := int(rule.FeatureIndex)
	ruleType := schema.RuleType(rule.RuleType)

	if row.IsReal(featureIndex) {
		v := row.GetFloat(featureIndex)
		switch ruleType {
		case schema.RuleLTE:
			return v <= rule.ValueReal
		case schema.RuleLT:
			return v < rule.ValueReal
		case schema.RuleGT:
			return v > rule.ValueReal
		case schema.RuleGTE:
			return v >= rule.ValueReal
		default:
			return v == rule.ValueReal
		}
	}

	v := row.GetInt(featureIndex)
	switch ruleType {
	case schema.RuleLTE:
		return v <= rule.ValueInteger
	case schema.RuleLT:
		return v < rule.ValueInteger
	case schema.RuleGT:
		return v > rule.ValueInteger
	case schema.RuleGTE:
		return v >= rule.ValueInteger
	default:
		return v == rule.ValueInteger
	}
}

func (f *Forest) loadNode(ctx context.Context, id int64) (*CachedNode, error) {
	return f.cache.Get(id, func() (*CachedNode, error) {
		row, err := f.repo.GetTreenode(ctx, id)
		if err != nil {
			return nil, err
		}
		node := &CachedNode{
			ID:           row.ID,
			ParentID:     row.RefParentTreenodeID,
			GenerationID: row.RefGenerationID,
			LeafInfoID:   row.RefLeafInfoID,
		}
		if row.RefRuleID != schema.NoRule {
			rule, err := f.repo.GetRule(ctx, row.RefRuleID)
			if err != nil {
				return nil, err
			}
			node.Rule = rule
		}
		if row.RefLeafInfoID != schema.NoLeafInfo {
			leaf, err := f.repo.GetLeafInfo(ctx, row.RefLeafInfoID)
			if err != nil {
				return nil, err
			}
			node.Leaf = leaf
		}
		return node, nil
	})
}

func (f *Forest) loadChildren(ctx context.Context, node *CachedNode) ([]*CachedNode, error) {
	rows, err := f.repo.GetTreenodeChildren(ctx, node.ID)
	if err != nil {
		return nil, err
	}
	children := make([]*CachedNode, 0, len(rows))
	for _, row := range rows {
		child, err := f.loadNode(ctx, row.ID)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// InvalidateNode drops id from the predict-path cache, used whenever a
// leaf_info row's storage values are overwritten in a way MutateEach
// cannot express (e.g. converting a leaf to a go_to_generation redirect).
func (f *Forest) InvalidateNode(id int64) {
	f.cache.Erase(id)
}
