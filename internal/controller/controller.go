// Package controller implements the incremental controller: the single
// writer that folds ingested chunks into the forest, grafts weak leaves
// onto new generations, and answers predictions by walking from the
// first generation's root through whatever go_to_generation chain of
// grafts has accumulated since.
package controller

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/perf-analysis/internal/dataframe"
	"github.com/perf-analysis/internal/enginecache"
	"github.com/perf-analysis/internal/forest"
	"github.com/perf-analysis/internal/repository"
	"github.com/perf-analysis/internal/schema"
	"github.com/perf-analysis/internal/stringtable"
	"github.com/perf-analysis/internal/treebuilder"
	"github.com/perf-analysis/pkg/config"
	"github.com/perf-analysis/pkg/errors"
	"github.com/perf-analysis/pkg/utils"
)

// tracer names every span this package emits; a no-op tracer when telemetry
// is disabled (pkg/telemetry.Init was never called, or OTEL_ENABLED=false).
var tracer = otel.Tracer("classifier-engine/controller")

// Controller orchestrates every mutation the engine exposes: insert_chunk,
// update, rebuild, predict and the verify_all diagnostic. It is the only
// component permitted to open a write transaction; every caller serializes
// through it, matching the single-writer model (§5).
type Controller struct {
	repo   *repository.Repository
	forest *forest.Forest
	strs   *stringtable.Table
	attrs  schema.Attributes
	cfg    *config.Config
	logger utils.Logger
}

// New builds a Controller bound to an opened repository, the resolved
// field layout, and the loaded project configuration.
func New(repo *repository.Repository, strs *stringtable.Table, attrs schema.Attributes, cfg *config.Config, logger utils.Logger) *Controller {
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	cache, err := enginecache.New[int64, *forest.CachedNode](256, 128, logger)
	if err != nil {
		// construction parameters are compile-time constants; a failure
		// here is a programming error, not a runtime condition.
		panic(err)
	}
	return &Controller{
		repo:   repo,
		forest: forest.New(repo, cache),
		strs:   strs,
		attrs:  attrs,
		cfg:    cfg,
		logger: logger,
	}
}

// frameRow adapts one dataframe row into forest.RowAccessor. It passes a
// rule's feature index straight through as the column index, which holds
// because the frame carries the X columns first, in declared order.
type frameRow struct {
	frame *dataframe.Frame
	row   int
}

func (r frameRow) IsReal(featureIndex int) bool       { return r.frame.ColumnInfo(featureIndex).Type.IsReal() }
func (r frameRow) GetInt(featureIndex int) int64       { return r.frame.GetInt(r.row, featureIndex) }
func (r frameRow) GetFloat(featureIndex int) float64   { return r.frame.GetFloat(r.row, featureIndex) }

// InsertChunk registers a new chunk of already-loaded instances (via
// frame, whose last column is the label) without yet folding them into
// any tree: it only persists the raw instance + instance_info rows and
// the chunk summary, mirroring insert_chunk's "stage first" semantics.
func (c *Controller) InsertChunk(ctx context.Context, frame *dataframe.Frame) (chunkID int64, err error) {
	tx, err := c.repo.BeginExclusive(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			c.repo.Rollback(tx)
		}
	}()

	yCol := frame.Cols() - 1
	chunk := &repository.Chunk{TotalCount: int64(frame.Rows())}
	chunkID, err = c.repo.AddChunk(ctx, tx, chunk)
	if err != nil {
		return 0, err
	}

	instanceValues := make(map[string]any, len(c.attrs.Fields))
	for row := 0; row < frame.Rows(); row++ {
		for i, fieldIdx := range c.attrs.X {
			field := c.attrs.Fields[fieldIdx]
			if field.Type.IsReal() {
				instanceValues[field.Name] = frame.GetFloat(row, i)
			} else {
				instanceValues[field.Name] = frame.GetInt(row, i)
			}
		}
		yField := c.attrs.YField()
		if yField.Type.IsReal() {
			instanceValues[yField.Name] = frame.GetFloat(row, yCol)
		} else {
			instanceValues[yField.Name] = frame.GetInt(row, yCol)
		}

		instanceID, addErr := c.repo.AddInstance(ctx, tx, c.attrs, instanceValues)
		if addErr != nil {
			err = addErr
			return 0, err
		}

		_, addErr = c.repo.AddInstanceInfo(ctx, tx, &repository.InstanceInfo{
			RefInstanceID: instanceID,
			RefChunkID:    int32(chunkID),
		})
		if addErr != nil {
			err = addErr
			return 0, err
		}
	}

	if err = c.evictChunksIfOverLimit(ctx, tx); err != nil {
		return 0, err
	}

	if err = c.repo.Commit(tx); err != nil {
		return 0, err
	}
	return chunkID, nil
}

// evictChunksIfOverLimit deletes the oldest chunks once the configured
// chunk_limit upper bound is exceeded, down to the lower bound, mirroring
// the original's remove_chunk policy.
func (c *Controller) evictChunksIfOverLimit(ctx context.Context, tx *gorm.DB) error {
	if !c.cfg.ChunkLimitUse {
		return nil
	}
	total, err := c.repo.TotalChunkCount(ctx)
	if err != nil {
		return err
	}
	if total <= c.cfg.ChunkLimitUpperBound {
		return nil
	}
	toEvict := total - c.cfg.ChunkLimitLowerBound
	ids, err := c.repo.OldestUnevictedChunks(ctx, int(toEvict))
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.repo.DeleteChunkCascade(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild grows the forest by one generation without ever retraining from
// scratch (§1, §2). The very first generation has nothing to graft onto,
// so it is trained from frame, the full staged dataset (see
// buildFirstGeneration). Every later call ignores frame entirely: it
// locates whichever of the latest generation's leaves are weak, flips
// them into go_to_generation redirects pointing at a brand new
// generation, trains a subtree on only the instances those leaves routed,
// and commits it in place of them - rolling the whole thing back to a
// no-op if no leaf is weak, training yields an empty tree, or the
// retrained subtree does not out-predict what it replaces (see
// graftWeakLeaves). genID is 0 with a nil error on any no-op outcome.
func (c *Controller) Rebuild(ctx context.Context, frame *dataframe.Frame) (generationID int64, err error) {
	empty, err := c.repo.IsGenerationEmpty(ctx)
	if err != nil {
		return 0, err
	}
	if empty {
		return c.buildFirstGeneration(ctx, frame)
	}
	return c.graftWeakLeaves(ctx)
}

// buildFirstGeneration trains the forest's very first tree over the full
// dataset frame and persists it as generation 1, mirroring
// model.hpp's build_first_tree.
func (c *Controller) buildFirstGeneration(ctx context.Context, frame *dataframe.Frame) (generationID int64, err error) {
	tx, err := c.repo.BeginExclusive(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			c.repo.Rollback(tx)
		}
	}()

	params := treebuilder.Params{
		MinInstances:    c.cfg.TreeMinInstances,
		PruningWeight:   c.cfg.TreePruningWeight,
		EarlyStopWeight: c.cfg.TreeEarlyStopWeight,
	}
	_, span := tracer.Start(ctx, "treebuilder.Build")
	tree := treebuilder.Build(frame, params)
	span.End()

	genID, err := c.repo.AddGeneration(ctx, tx, &repository.Generation{})
	if err != nil {
		return 0, err
	}
	if _, err = c.forest.InsertTree(ctx, tx, genID, tree); err != nil {
		return 0, err
	}

	if err = c.repo.Commit(tx); err != nil {
		return 0, err
	}
	return genID, nil
}

// graftWeakLeaves implements the incremental rebuild: it finds the latest
// generation's weak leaves (leaf_info.accuracy <= cfg.WeakAccuracy and
// leaf_info.total_count >= cfg.WeakTotalCount), reroutes them to a new
// generation trained only on the instances they carried, and keeps the
// graft only if it improves on what those instances scored before,
// mirroring model.hpp's rebuild.
func (c *Controller) graftWeakLeaves(ctx context.Context) (generationID int64, err error) {
	latest, err := c.repo.LatestGeneration(ctx)
	if err != nil {
		return 0, err
	}

	weak, err := c.repo.GetWeakTreenodes(ctx, latest.ID, c.cfg.WeakAccuracy, c.cfg.WeakTotalCount)
	if err != nil {
		return 0, err
	}
	if len(weak) == 0 {
		c.logger.Info("rebuild: no weak treenodes found in generation %d", latest.ID)
		return 0, nil
	}

	beforeGlobal, err := c.repo.GetGlobal(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := c.repo.BeginExclusive(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			c.repo.Rollback(tx)
		}
	}()

	genID, err := c.repo.AddGeneration(ctx, tx, &repository.Generation{})
	if err != nil {
		return 0, err
	}

	leafTreenodeIDs := make([]int64, len(weak))
	oldLabelByLeaf := make(map[int64]int32, len(weak))
	for i, w := range weak {
		leafTreenodeIDs[i] = w.ID
		oldLeaf, leafErr := c.repo.GetLeafInfo(ctx, w.RefLeafInfoID)
		if leafErr != nil {
			err = leafErr
			return 0, err
		}
		oldLabelByLeaf[w.ID] = oldLeaf.LabelIndex
		if err = c.repo.UpdateLeafInfoByGoToGeneration(ctx, tx, w.RefLeafInfoID, genID); err != nil {
			return 0, err
		}
		c.forest.InvalidateNode(w.ID)
	}

	infos, err := c.repo.GetInstanceInfosByLeaves(ctx, leafTreenodeIDs)
	if err != nil {
		return 0, err
	}
	if len(infos) == 0 {
		err = errors.New(errors.CodeInternalError, "weak treenodes have no routed instances")
		return 0, err
	}

	yField := c.attrs.YField()
	builder := dataframe.NewBuilder(dataframe.FromAttributes(c.attrs))
	actualLabels := make([]int32, len(infos))
	var beforeCorrect int64
	for i := range infos {
		values, getErr := c.repo.GetInstance(ctx, c.attrs, infos[i].RefInstanceID)
		if getErr != nil {
			err = getErr
			return 0, err
		}
		rowValues := make([]dataframe.RawValue, 0, len(c.attrs.X)+1)
		for xi := range c.attrs.X {
			field := c.attrs.XField(xi)
			rowValues = append(rowValues, cellToRaw(field, values[field.Name]))
		}
		actual, ok := toInt64(values[yField.Name])
		if !ok {
			err = errors.Newf(errors.CodeInvalidDataType, "instance %d has a non-integral label", infos[i].RefInstanceID)
			return 0, err
		}
		actualLabels[i] = int32(actual)
		rowValues = append(rowValues, cellToRaw(yField, values[yField.Name]))
		if appendErr := builder.AppendRow(rowValues); appendErr != nil {
			err = appendErr
			return 0, err
		}
		if infos[i].Correct {
			beforeCorrect++
		}
	}
	frame := builder.Build()

	params := treebuilder.Params{
		MinInstances:    c.cfg.TreeMinInstances,
		PruningWeight:   c.cfg.TreePruningWeight,
		EarlyStopWeight: c.cfg.TreeEarlyStopWeight,
	}
	_, span := tracer.Start(ctx, "treebuilder.Build")
	tree := treebuilder.Build(frame, params)
	span.End()

	if len(tree.Nodes) == 0 {
		c.logger.Warn("rebuild: trained subtree is empty for generation %d, rolling back", genID)
		c.repo.Rollback(tx)
		return 0, nil
	}

	afterLabels := make([]int32, len(infos))
	var afterCorrect int64
	for i := range infos {
		row := frameRow{frame: frame, row: i}
		_, leaf, ok := predictWithTree(tree, row)
		if !ok {
			err = errors.New(errors.CodeInternalError, "trained subtree does not resolve one of its own training rows")
			return 0, err
		}
		afterLabels[i] = int32(leaf.LabelIndex)
		if afterLabels[i] == actualLabels[i] {
			afterCorrect++
		}
	}

	if beforeCorrect >= afterCorrect {
		c.logger.Info("rebuild: no improvement on weak set (before=%d after=%d of %d), rolling back", beforeCorrect, afterCorrect, len(infos))
		c.repo.Rollback(tx)
		return 0, nil
	}

	persistedID, err := c.forest.InsertTree(ctx, tx, genID, tree)
	if err != nil {
		return 0, err
	}

	for i := range infos {
		row := frameRow{frame: frame, row: i}
		nodeID, _, _ := predictWithTree(tree, row)

		if err = c.repo.AdjustConfusionMatrixCell(ctx, tx, actualLabels[i], oldLabelByLeaf[infos[i].RefLeafTreenodeID], -1); err != nil {
			return 0, err
		}
		if err = c.repo.AdjustConfusionMatrixCell(ctx, tx, actualLabels[i], afterLabels[i], 1); err != nil {
			return 0, err
		}

		infos[i].RefLeafTreenodeID = persistedID[nodeID]
		infos[i].WeakCount++
		infos[i].Correct = afterLabels[i] == actualLabels[i]
		if err = c.repo.UpdateInstanceInfo(ctx, tx, &infos[i]); err != nil {
			return 0, err
		}
	}

	totalInstances, err := c.repo.CountInstances(ctx)
	if err != nil {
		return 0, err
	}

	afterGlobal := *beforeGlobal
	afterGlobal.InstanceCorrectCount += afterCorrect - beforeCorrect
	afterGlobal.AccWeakInstanceCount += int64(len(infos))
	if afterGlobal.UpdatedInstanceCount > 0 {
		afterGlobal.InstanceAccuracy = float64(afterGlobal.InstanceCorrectCount) / float64(afterGlobal.UpdatedInstanceCount)
	}
	if err = c.repo.UpdateGlobal(ctx, tx, &afterGlobal); err != nil {
		return 0, err
	}

	weakCount := int64(len(infos))
	var weakRatio float64
	if totalInstances > 0 {
		weakRatio = float64(weakCount) / float64(totalInstances)
	}
	if err = c.repo.UpdateGeneration(ctx, tx, &repository.Generation{
		ID:                         genID,
		RootRefTreenodeID:          persistedID[tree.Root],
		InstanceCount:              totalInstances,
		WeakInstanceCount:          weakCount,
		WeakInstanceRatio:          weakRatio,
		BeforeWeakInstanceAccuracy: float64(beforeCorrect) / float64(weakCount),
		AfterWeakInstanceAccuracy:  float64(afterCorrect) / float64(weakCount),
		BeforeInstanceAccuracy:     beforeGlobal.InstanceAccuracy,
		AfterInstanceAccuracy:      afterGlobal.InstanceAccuracy,
	}); err != nil {
		return 0, err
	}

	if err = c.repo.Commit(tx); err != nil {
		return 0, err
	}
	return genID, nil
}

// predictWithTree walks an in-memory, not-yet-persisted tree for row,
// returning the tree-local id of the leaf it resolves to (for translating
// into the leaf's persisted treenode id via forest.InsertTree's returned
// map) and its trained disposition. ok is false only if row fails to match
// any child rule at some node, which cannot happen for a row the tree was
// itself trained on.
func predictWithTree(tree *treebuilder.Tree, row forest.RowAccessor) (nodeID int32, leaf *treebuilder.Leaf, ok bool) {
	id := tree.Root
	for {
		node := tree.Nodes[id]
		if node.Leaf != nil {
			return id, node.Leaf, true
		}
		matched := false
		for _, childID := range node.Children {
			child := tree.Nodes[childID]
			rule := *child.Rule
			isReal := row.IsReal(rule.FeatureIndex)
			if rule.Matches(isReal, row.GetInt(rule.FeatureIndex), row.GetFloat(rule.FeatureIndex)) {
				id = childID
				matched = true
				break
			}
		}
		if !matched {
			return 0, nil, false
		}
	}
}

// Predict evaluates one row starting from the first generation's root,
// following any go_to_generation redirects to whichever generation a
// weak leaf was last grafted onto, and, when hasActual is set, records the
// outcome into the global confusion matrix. It does not extend the tree: a
// value that matches no child rule returns the rule-not-matched error, and
// the extension is left to ExtendAndPredict.
func (c *Controller) Predict(ctx context.Context, row forest.RowAccessor, actualLabel int32, hasActual bool) (*forest.Outcome, error) {
	gen, err := c.repo.FirstGeneration(ctx)
	if err != nil {
		return nil, err
	}

	outcome, err := c.forest.Eval(ctx, gen.RootRefTreenodeID, row)
	if err != nil {
		if !errors.IsRuleNotMatched(err) {
			return nil, err
		}
		return nil, err // dynamic rule extension requires the caller to hold a write lock; see ExtendAndPredict
	}

	if hasActual {
		tx, txErr := c.repo.BeginExclusive(ctx)
		if txErr != nil {
			return nil, txErr
		}
		if upsertErr := c.repo.UpsertConfusionMatrixCell(ctx, tx, actualLabel, outcome.LabelIndex); upsertErr != nil {
			c.repo.Rollback(tx)
			return nil, upsertErr
		}
		if commitErr := c.repo.Commit(tx); commitErr != nil {
			return nil, commitErr
		}
	}

	return outcome, nil
}

// ExtendAndPredict performs a dynamic rule extension: it copies a sibling
// rule (same feature and operator, nominal/equal only) into a brand new
// leaf+rule+treenode under nodeID, the node at which the row matched no
// child, and commits. It does not evaluate the row; Engine.Predict calls
// Predict again after it returns.
func (c *Controller) ExtendAndPredict(ctx context.Context, nodeID int64, row forest.RowAccessor, featureIndex int, observedValue int64) error {
	tx, err := c.repo.BeginExclusive(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			c.repo.Rollback(tx)
		}
	}()

	parent, err := c.repo.GetTreenode(ctx, nodeID)
	if err != nil {
		return err
	}

	siblings, err := c.repo.SiblingRules(ctx, nodeID)
	if err != nil {
		return err
	}

	var template *repository.Rule
	for i := range siblings {
		if int(siblings[i].FeatureIndex) == featureIndex && schema.RuleType(siblings[i].RuleType) == schema.RuleEqual {
			template = &siblings[i]
			break
		}
	}
	if template == nil {
		err = errors.Newf(errors.CodeInternalError, "no equal-typed sibling rule found for feature %d to extend from", featureIndex)
		return err
	}

	newRule := &repository.Rule{
		FeatureIndex: template.FeatureIndex,
		RuleType:     template.RuleType,
		ValueType:    template.ValueType,
		ValueInteger: observedValue,
	}
	ruleID, err := c.repo.AddRule(ctx, tx, newRule)
	if err != nil {
		return err
	}

	leaf := &repository.LeafInfo{Type: int8(schema.LeafTerminal)}
	leafID, err := c.repo.AddLeafInfo(ctx, tx, leaf)
	if err != nil {
		return err
	}

	if _, err = c.repo.AddTreenode(ctx, tx, &repository.Treenode{
		RefGenerationID:     parent.RefGenerationID,
		RefParentTreenodeID: nodeID,
		RefRuleID:           ruleID,
		RefLeafInfoID:       leafID,
	}); err != nil {
		return err
	}

	c.forest.InvalidateNode(nodeID)
	return c.repo.Commit(tx)
}

// instanceRow adapts one stored instance's values (as returned by
// Repository.GetInstance) into forest.RowAccessor.
type instanceRow struct {
	attrs  schema.Attributes
	values map[string]any
}

func (r instanceRow) IsReal(featureIndex int) bool {
	return r.attrs.XField(featureIndex).Type.IsReal()
}

func (r instanceRow) GetInt(featureIndex int) int64 {
	v, _ := toInt64(r.values[r.attrs.XField(featureIndex).Name])
	return v
}

func (r instanceRow) GetFloat(featureIndex int) float64 {
	v, _ := toFloat64(r.values[r.attrs.XField(featureIndex).Name])
	return v
}

// cellToRaw converts one stored instance value into the dataframe's raw
// column representation, dispatching on the field's declared type rather
// than the value's dynamic Go type.
func cellToRaw(field schema.FieldSpec, v any) dataframe.RawValue {
	if field.Type.IsReal() {
		f, _ := toFloat64(v)
		return dataframe.RawValue{F: f}
	}
	n, _ := toInt64(v)
	return dataframe.RawValue{I: n}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// predictDuringUpdate evaluates row starting from the first generation's
// root, performing the dynamic rule extension inline if an unseen nominal
// value is encountered, and reports whether the leaf the row resolved to was
// just created by that extension: a brand new leaf carries no prior
// correct/total history to fold the instance's outcome into, matching the
// original's "skip the count update for a newly added leaf" rule.
func (c *Controller) predictDuringUpdate(ctx context.Context, row forest.RowAccessor) (outcome *forest.Outcome, newLeaf bool, err error) {
	gen, err := c.repo.FirstGeneration(ctx)
	if err != nil {
		return nil, false, err
	}

	outcome, err = c.forest.Eval(ctx, gen.RootRefTreenodeID, row)
	if err == nil {
		return outcome, false, nil
	}

	detail, ok := forest.AsRuleNotMatchedDetail(err)
	if !ok {
		return nil, false, err
	}
	if err = c.ExtendAndPredict(ctx, detail.NodeID, row, detail.FeatureIndex, detail.ObservedValue); err != nil {
		return nil, false, err
	}

	outcome, err = c.forest.Eval(ctx, gen.RootRefTreenodeID, row)
	if err != nil {
		return nil, false, err
	}
	return outcome, true, nil
}

// Update folds every pending (not yet updated) chunk into the current
// generation. Per instance it predicts from the first generation's root,
// following go_to_generation redirects - extending
// it dynamically on an unseen nominal value - records whether the
// prediction was correct, folds that outcome into the resolved leaf's
// running accuracy, and accumulates the chunk's and the engine's global
// running totals plus the confusion matrix, mirroring model.hpp's update().
// Update requires an existing generation: the very first tree is always
// built by Rebuild, never implicitly by Update (see DESIGN.md).
func (c *Controller) Update(ctx context.Context) error {
	empty, err := c.repo.IsGenerationEmpty(ctx)
	if err != nil {
		return err
	}
	if empty {
		return errors.New(errors.CodeInvalidParameter, "no generation to update against: call Rebuild first")
	}

	chunkIDs, err := c.repo.PendingChunkIDs(ctx)
	if err != nil {
		return err
	}

	yField := c.attrs.YField()
	var totalUpdated, totalCorrect int64

	for _, chunkID := range chunkIDs {
		chunkCorrect, chunkTotal, err := c.foldChunk(ctx, chunkID, yField)
		if err != nil {
			return err
		}
		totalUpdated += chunkTotal
		totalCorrect += chunkCorrect
	}

	if totalUpdated == 0 {
		return nil
	}

	global, err := c.repo.GetGlobal(ctx)
	if err != nil {
		return err
	}
	global.UpdatedInstanceCount += totalUpdated
	global.InstanceCorrectCount += totalCorrect
	if global.UpdatedInstanceCount > 0 {
		global.InstanceAccuracy = float64(global.InstanceCorrectCount) / float64(global.UpdatedInstanceCount)
	}

	tx, err := c.repo.BeginExclusive(ctx)
	if err != nil {
		return err
	}
	if err = c.repo.UpdateGlobal(ctx, tx, global); err != nil {
		c.repo.Rollback(tx)
		return err
	}
	return c.repo.Commit(tx)
}

// foldChunk folds every instance in chunkID into the resolved leaf's running
// accuracy and the confusion matrix, then marks the chunk updated, returning
// its correct/total counts for Update's global running totals.
func (c *Controller) foldChunk(ctx context.Context, chunkID int64, yField schema.FieldSpec) (correctCount, totalCount int64, err error) {
	ctx, span := tracer.Start(ctx, "controller.foldChunk")
	defer span.End()

	infos, err := c.repo.GetInstanceInfosByChunk(ctx, chunkID)
	if err != nil {
		return 0, 0, err
	}

	for i := range infos {
		info := infos[i]

		values, err := c.repo.GetInstance(ctx, c.attrs, info.RefInstanceID)
		if err != nil {
			return 0, 0, err
		}
		row := instanceRow{attrs: c.attrs, values: values}

		actual, ok := toInt64(values[yField.Name])
		if !ok {
			return 0, 0, errors.Newf(errors.CodeInvalidDataType, "instance %d has a non-integral label", info.RefInstanceID)
		}
		actualLabel := int32(actual)

		outcome, newLeaf, err := c.predictDuringUpdate(ctx, row)
		if err != nil {
			return 0, 0, err
		}
		correct := outcome.LabelIndex == actualLabel

		tx, err := c.repo.BeginExclusive(ctx)
		if err != nil {
			return 0, 0, err
		}

		info.RefLeafTreenodeID = outcome.LeafTreenodeID
		info.Correct = correct
		if err = c.repo.UpdateInstanceInfo(ctx, tx, &info); err != nil {
			c.repo.Rollback(tx)
			return 0, 0, err
		}

		if !newLeaf {
			var deltaCorrect int64
			if correct {
				deltaCorrect = 1
			}
			if err = c.repo.IncrementLeafInfo(ctx, tx, outcome.LeafInfoID, deltaCorrect, 1); err != nil {
				c.repo.Rollback(tx)
				return 0, 0, err
			}
		}

		if err = c.repo.UpsertConfusionMatrixCell(ctx, tx, actualLabel, outcome.LabelIndex); err != nil {
			c.repo.Rollback(tx)
			return 0, 0, err
		}

		if err = c.repo.Commit(tx); err != nil {
			return 0, 0, err
		}

		if correct {
			correctCount++
		}
		totalCount++
	}

	var accuracy float64
	if totalCount > 0 {
		accuracy = float64(correctCount) / float64(totalCount)
	}

	tx, err := c.repo.BeginExclusive(ctx)
	if err != nil {
		return 0, 0, err
	}
	if err = c.repo.MarkChunkUpdatedWithStats(ctx, tx, chunkID, correctCount, totalCount, accuracy); err != nil {
		c.repo.Rollback(tx)
		return 0, 0, err
	}
	if err = c.repo.Commit(tx); err != nil {
		return 0, 0, err
	}

	return correctCount, totalCount, nil
}

// VerificationIssue describes one violated invariant found by VerifyAll.
type VerificationIssue struct {
	Check  string
	Detail string
}

// VerifyAll runs the engine's consistency diagnostic (§9), cross-checking
// the running totals kept in global, leaf_info and global_confusion_matrix
// against each other, mirroring verify_etc. It is read-only. The original's
// verify_cache/verify_global checks covered its own in-process object
// cache staying in sync with storage; this engine's CachedNode cache is
// invalidated eagerly on every write instead of reconciled by a diagnostic
// pass, so there is nothing equivalent to check here.
func (c *Controller) VerifyAll(ctx context.Context) ([]VerificationIssue, error) {
	var issues []VerificationIssue

	global, err := c.repo.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}

	leafTotal, err := c.repo.SumLeafInfoTotalCount(ctx)
	if err != nil {
		return nil, err
	}
	if leafTotal != global.UpdatedInstanceCount {
		issues = append(issues, VerificationIssue{
			Check:  "leaf_info.total_count sum",
			Detail: fmt.Sprintf("sum(leaf_info.total_count)=%d != global.updated_instance_count=%d", leafTotal, global.UpdatedInstanceCount),
		})
	}

	weakTotal, err := c.repo.SumInstanceInfoWeakCount(ctx)
	if err != nil {
		return nil, err
	}
	if weakTotal != global.AccWeakInstanceCount {
		issues = append(issues, VerificationIssue{
			Check:  "instance_info.weak_count sum",
			Detail: fmt.Sprintf("sum(instance_info.weak_count)=%d != global.acc_weak_instance_count=%d", weakTotal, global.AccWeakInstanceCount),
		})
	}

	cells, err := c.repo.ListConfusionMatrixCells(ctx)
	if err != nil {
		return nil, err
	}
	var totalCells, correctCells int64
	for _, cell := range cells {
		if cell.Count < 0 {
			issues = append(issues, VerificationIssue{
				Check:  "confusion matrix non-negative",
				Detail: fmt.Sprintf("cell (actual=%d, predicted=%d) has negative count %d", cell.Actual, cell.Predicted, cell.Count),
			})
		}
		totalCells += cell.Count
		if cell.Actual == cell.Predicted {
			correctCells += cell.Count
		}
	}
	if totalCells != global.UpdatedInstanceCount {
		issues = append(issues, VerificationIssue{
			Check:  "confusion matrix total",
			Detail: fmt.Sprintf("sum(global_confusion_matrix.count)=%d != global.updated_instance_count=%d", totalCells, global.UpdatedInstanceCount),
		})
	}
	if correctCells != global.InstanceCorrectCount {
		issues = append(issues, VerificationIssue{
			Check:  "confusion matrix diagonal",
			Detail: fmt.Sprintf("sum(correct cells)=%d != global.instance_correct_count=%d", correctCells, global.InstanceCorrectCount),
		})
	}

	return issues, nil
}
