package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/perf-analysis/internal/schema"
	apperrors "github.com/perf-analysis/pkg/errors"
)

// Repository is the storage engine's handle: a GORM connection plus the
// configured table name prefix, exposing the ten logical tables' CRUD
// operations the controller needs. All mutating operations take an
// explicit *gorm.DB transaction handle obtained from BeginExclusive, so
// the single-writer discipline lives in the caller, not here.
type Repository struct {
	db     *gorm.DB
	prefix string
}

// New wraps an opened GORM connection. prefix is applied to every table
// name (so multiple projects can share one database), and may be empty.
func New(db *gorm.DB, prefix string) *Repository {
	return &Repository{db: db, prefix: prefix}
}

// DB returns the underlying GORM handle for migrations and health checks.
func (r *Repository) DB() *gorm.DB { return r.db }

func (r *Repository) tableName(name string) string {
	if r.prefix == "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("%q", r.prefix+"_"+name)
}

// AutoMigrate creates/updates the nine fixed-schema tables. The dynamic
// instance table is handled separately via EnsureInstanceTable.
func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&InstanceInfo{},
		&Chunk{},
		&Generation{},
		&Treenode{},
		&Rule{},
		&LeafInfo{},
		&StringTableRow{},
		&Global{},
		&GlobalConfusionMatrixCell{},
	)
}

// BeginExclusive opens a write transaction. The engine is single-writer
// (§5), so every mutating call path must run inside one of these. On
// sqlite the DSN built by NewDB sets _txlock=immediate, so the driver opens
// every transaction with BEGIN IMMEDIATE and the write lock is taken when
// the transaction starts rather than at its first write.
func (r *Repository) BeginExclusive(ctx context.Context) (*gorm.DB, error) {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to begin transaction", tx.Error)
	}
	return tx, nil
}

// Commit commits tx, translating any failure into a DatabaseError.
func (r *Repository) Commit(tx *gorm.DB) error {
	if err := tx.Commit().Error; err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to commit transaction", err)
	}
	return nil
}

// Rollback rolls tx back. Callers invalidate any in-memory cache mirrors
// after a rollback, since the data they reflect may no longer be valid.
func (r *Repository) Rollback(tx *gorm.DB) error {
	if err := tx.Rollback().Error; err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "failed to roll back transaction", err)
	}
	return nil
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.Wrap(apperrors.CodeItemNotFound, "record not found", err)
	}
	return apperrors.Wrap(apperrors.CodeDatabaseError, "database operation failed", err)
}

// AddChunk inserts a new chunk row and returns its id.
func (r *Repository) AddChunk(ctx context.Context, tx *gorm.DB, c *Chunk) (int64, error) {
	if err := tx.WithContext(ctx).Table(r.tableName("chunk")).Create(c).Error; err != nil {
		return 0, translate(err)
	}
	return c.ID, nil
}

// MarkChunkUpdated flips a chunk's updated flag once its instances have
// been folded into a generation.
func (r *Repository) MarkChunkUpdated(ctx context.Context, tx *gorm.DB, chunkID int64) error {
	err := tx.WithContext(ctx).Table(r.tableName("chunk")).Where("id = ?", chunkID).Update("updated", true).Error
	return translate(err)
}

// MarkChunkUpdatedWithStats flips a chunk's updated flag and records the
// accuracy observed while folding it in, mirroring update_chunk.
func (r *Repository) MarkChunkUpdatedWithStats(ctx context.Context, tx *gorm.DB, chunkID, correctCount, totalCount int64, accuracy float64) error {
	err := tx.WithContext(ctx).Table(r.tableName("chunk")).Where("id = ?", chunkID).Updates(map[string]any{
		"updated":               true,
		"initial_correct_count": correctCount,
		"total_count":           totalCount,
		"initial_accuracy":      accuracy,
	}).Error
	return translate(err)
}

// PendingChunkIDs returns every chunk id not yet folded into the tree.
func (r *Repository) PendingChunkIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Table(r.tableName("chunk")).Where("updated = ?", false).Order("id asc").Pluck("id", &ids).Error
	return ids, translate(err)
}

// IsGenerationEmpty reports whether no generation has been built yet.
func (r *Repository) IsGenerationEmpty(ctx context.Context) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Table(r.tableName("generation")).Count(&n).Error
	if err != nil {
		return false, translate(err)
	}
	return n == 0, nil
}

// DeleteChunkCascade removes a chunk and every instance_info row that
// references it, used by chunk eviction under chunk_limit.
func (r *Repository) DeleteChunkCascade(ctx context.Context, tx *gorm.DB, chunkID int64) error {
	if err := tx.WithContext(ctx).Table(r.tableName("instance_info")).Where("ref_chunk_id = ?", chunkID).Delete(&InstanceInfo{}).Error; err != nil {
		return translate(err)
	}
	if err := tx.WithContext(ctx).Table(r.tableName("chunk")).Where("id = ?", chunkID).Delete(&Chunk{}).Error; err != nil {
		return translate(err)
	}
	return nil
}

// OldestUnevictedChunks returns up to limit chunk ids ordered oldest
// first, used to pick eviction candidates once chunk_limit_upper_bound
// is exceeded.
func (r *Repository) OldestUnevictedChunks(ctx context.Context, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Table(r.tableName("chunk")).Order("id asc").Limit(limit).Pluck("id", &ids).Error
	return ids, translate(err)
}

// TotalChunkCount returns the number of chunks currently stored.
func (r *Repository) TotalChunkCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Table(r.tableName("chunk")).Count(&n).Error
	return n, translate(err)
}

// ListChunks returns every chunk in id order, for the chunk_history report
// category.
func (r *Repository) ListChunks(ctx context.Context) ([]Chunk, error) {
	var chunks []Chunk
	err := r.db.WithContext(ctx).Table(r.tableName("chunk")).Order("id asc").Find(&chunks).Error
	return chunks, translate(err)
}

// ListGenerations returns every generation in id order, for the
// generation_history report category.
func (r *Repository) ListGenerations(ctx context.Context) ([]Generation, error) {
	var gens []Generation
	err := r.db.WithContext(ctx).Table(r.tableName("generation")).Order("id asc").Find(&gens).Error
	return gens, translate(err)
}

// AddInstanceInfo inserts the per-instance bookkeeping row produced
// while folding a chunk into the tree.
func (r *Repository) AddInstanceInfo(ctx context.Context, tx *gorm.DB, info *InstanceInfo) (int64, error) {
	if err := tx.WithContext(ctx).Table(r.tableName("instance_info")).Create(info).Error; err != nil {
		return 0, translate(err)
	}
	return info.ID, nil
}

// UpdateInstanceInfo rewrites an instance_info row's leaf reference and
// weak/correct bookkeeping, used on predict-time re-evaluation.
func (r *Repository) UpdateInstanceInfo(ctx context.Context, tx *gorm.DB, info *InstanceInfo) error {
	err := tx.WithContext(ctx).Table(r.tableName("instance_info")).Where("id = ?", info.ID).Updates(map[string]any{
		"ref_leaf_treenode_id": info.RefLeafTreenodeID,
		"weak_count":           info.WeakCount,
		"correct":              info.Correct,
	}).Error
	return translate(err)
}

// GetInstanceInfosByLeaf returns every instance_info row currently
// pointing at leafTreenodeID, used to re-evaluate a weak leaf's members.
func (r *Repository) GetInstanceInfosByLeaf(ctx context.Context, leafTreenodeID int64) ([]InstanceInfo, error) {
	var rows []InstanceInfo
	err := r.db.WithContext(ctx).Table(r.tableName("instance_info")).Where("ref_leaf_treenode_id = ?", leafTreenodeID).Find(&rows).Error
	return rows, translate(err)
}

// GetInstanceInfosByChunk returns every instance_info row staged under
// chunkID, in insertion order.
func (r *Repository) GetInstanceInfosByChunk(ctx context.Context, chunkID int64) ([]InstanceInfo, error) {
	var rows []InstanceInfo
	err := r.db.WithContext(ctx).Table(r.tableName("instance_info")).Where("ref_chunk_id = ?", chunkID).Order("id asc").Find(&rows).Error
	return rows, translate(err)
}

// GetInstanceInfosByLeaves returns every instance_info row currently
// pointing at any of leafTreenodeIDs, used by rebuild to gather the
// instances routed to a batch of weak leaves in one query.
func (r *Repository) GetInstanceInfosByLeaves(ctx context.Context, leafTreenodeIDs []int64) ([]InstanceInfo, error) {
	var rows []InstanceInfo
	err := r.db.WithContext(ctx).Table(r.tableName("instance_info")).Where("ref_leaf_treenode_id IN ?", leafTreenodeIDs).Order("id asc").Find(&rows).Error
	return rows, translate(err)
}

// AddGeneration inserts a new generation row and returns its id.
func (r *Repository) AddGeneration(ctx context.Context, tx *gorm.DB, g *Generation) (int64, error) {
	if err := tx.WithContext(ctx).Table(r.tableName("generation")).Create(g).Error; err != nil {
		return 0, translate(err)
	}
	return g.ID, nil
}

// UpdateGeneration rewrites a generation's accuracy/count summary fields.
// A map is used (not GORM's struct-Updates) so zero values such as a
// just-assigned root treenode id 0 are still written rather than skipped.
func (r *Repository) UpdateGeneration(ctx context.Context, tx *gorm.DB, g *Generation) error {
	err := tx.WithContext(ctx).Table(r.tableName("generation")).Where("id = ?", g.ID).Updates(map[string]any{
		"root_ref_treenode_id":             g.RootRefTreenodeID,
		"instance_count":                   g.InstanceCount,
		"weak_instance_count":              g.WeakInstanceCount,
		"weak_instance_ratio":              g.WeakInstanceRatio,
		"before_weak_instance_accuracy":    g.BeforeWeakInstanceAccuracy,
		"after_weak_instance_accuracy":     g.AfterWeakInstanceAccuracy,
		"before_instance_accuracy":         g.BeforeInstanceAccuracy,
		"after_instance_accuracy":          g.AfterInstanceAccuracy,
	}).Error
	return translate(err)
}

// LatestGeneration returns the most recently created generation, or
// ItemNotFound if none exists yet.
func (r *Repository) LatestGeneration(ctx context.Context) (*Generation, error) {
	var g Generation
	err := r.db.WithContext(ctx).Table(r.tableName("generation")).Order("id desc").First(&g).Error
	if err != nil {
		return nil, translate(err)
	}
	return &g, nil
}

// FirstGeneration returns the oldest generation, or ItemNotFound if none
// exists yet. Its root never moves once set, so every predict walk starts
// here and reaches later generations only by following go_to_generation
// redirects.
func (r *Repository) FirstGeneration(ctx context.Context) (*Generation, error) {
	var g Generation
	err := r.db.WithContext(ctx).Table(r.tableName("generation")).Order("id asc").First(&g).Error
	if err != nil {
		return nil, translate(err)
	}
	return &g, nil
}

// AddTreenode inserts a treenode row and returns its id.
func (r *Repository) AddTreenode(ctx context.Context, tx *gorm.DB, n *Treenode) (int64, error) {
	if err := tx.WithContext(ctx).Table(r.tableName("treenode")).Create(n).Error; err != nil {
		return 0, translate(err)
	}
	return n.ID, nil
}

// GetTreenode reads one treenode by id.
func (r *Repository) GetTreenode(ctx context.Context, id int64) (*Treenode, error) {
	var n Treenode
	err := r.db.WithContext(ctx).Table(r.tableName("treenode")).Where("id = ?", id).First(&n).Error
	if err != nil {
		return nil, translate(err)
	}
	return &n, nil
}

// GetTreenodeChildren returns every treenode whose parent is parentID.
func (r *Repository) GetTreenodeChildren(ctx context.Context, parentID int64) ([]Treenode, error) {
	var rows []Treenode
	err := r.db.WithContext(ctx).Table(r.tableName("treenode")).Where("ref_parent_treenode_id = ?", parentID).Find(&rows).Error
	return rows, translate(err)
}

// AddRule inserts a rule row and returns its id.
func (r *Repository) AddRule(ctx context.Context, tx *gorm.DB, rule *Rule) (int64, error) {
	if err := tx.WithContext(ctx).Table(r.tableName("rule")).Create(rule).Error; err != nil {
		return 0, translate(err)
	}
	return rule.ID, nil
}

// GetRule reads one rule by id.
func (r *Repository) GetRule(ctx context.Context, id int64) (*Rule, error) {
	var rule Rule
	err := r.db.WithContext(ctx).Table(r.tableName("rule")).Where("id = ?", id).First(&rule).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rule, nil
}

// SiblingRules returns every rule attached as a child of parentTreenodeID,
// used by dynamic rule extension to find a sibling rule to copy.
func (r *Repository) SiblingRules(ctx context.Context, parentTreenodeID int64) ([]Rule, error) {
	var rules []Rule
	err := r.db.WithContext(ctx).
		Table(r.tableName("rule")+" as rule").
		Joins(fmt.Sprintf("JOIN %s as treenode ON treenode.ref_rule_id = rule.id", r.tableName("treenode"))).
		Where("treenode.ref_parent_treenode_id = ?", parentTreenodeID).
		Select("rule.*").
		Find(&rules).Error
	return rules, translate(err)
}

// AddLeafInfo inserts a leaf_info row and returns its id.
func (r *Repository) AddLeafInfo(ctx context.Context, tx *gorm.DB, leaf *LeafInfo) (int64, error) {
	if err := tx.WithContext(ctx).Table(r.tableName("leaf_info")).Create(leaf).Error; err != nil {
		return 0, translate(err)
	}
	return leaf.ID, nil
}

// GetLeafInfo reads one leaf_info row by id.
func (r *Repository) GetLeafInfo(ctx context.Context, id int64) (*LeafInfo, error) {
	var leaf LeafInfo
	err := r.db.WithContext(ctx).Table(r.tableName("leaf_info")).Where("id = ?", id).First(&leaf).Error
	if err != nil {
		return nil, translate(err)
	}
	return &leaf, nil
}

// UpdateLeafInfo rewrites a leaf_info row's accuracy and count fields,
// used whenever new instances resolve into an existing leaf.
func (r *Repository) UpdateLeafInfo(ctx context.Context, tx *gorm.DB, leaf *LeafInfo) error {
	err := tx.WithContext(ctx).Table(r.tableName("leaf_info")).Where("id = ?", leaf.ID).Updates(map[string]any{
		"correct_count": leaf.CorrectCount,
		"total_count":   leaf.TotalCount,
		"accuracy":      leaf.Accuracy,
	}).Error
	return translate(err)
}

// IncrementLeafInfo adds deltaCorrect/deltaTotal to an existing leaf_info
// row's running counts and recomputes its accuracy, used while folding
// newly-arrived instances that resolved into an already-trained leaf.
func (r *Repository) IncrementLeafInfo(ctx context.Context, tx *gorm.DB, leafInfoID, deltaCorrect, deltaTotal int64) error {
	stmt := fmt.Sprintf(
		`UPDATE %s SET correct_count = correct_count + ?, total_count = total_count + ?,
		 accuracy = CASE WHEN (total_count + ?) = 0 THEN 0 ELSE CAST(correct_count + ? AS REAL) / (total_count + ?) END
		 WHERE id = ?`,
		r.tableName("leaf_info"),
	)
	err := tx.WithContext(ctx).Exec(stmt, deltaCorrect, deltaTotal, deltaTotal, deltaCorrect, deltaTotal, leafInfoID).Error
	return translate(err)
}

// UpdateLeafInfoByGoToGeneration converts a terminal leaf into a
// go_to_generation redirect once a rebuild produces a newer generation
// to hand weak instances off to.
func (r *Repository) UpdateLeafInfoByGoToGeneration(ctx context.Context, tx *gorm.DB, leafInfoID, targetGenerationID int64) error {
	err := tx.WithContext(ctx).Table(r.tableName("leaf_info")).Where("id = ?", leafInfoID).Updates(map[string]any{
		"type":                   1, // schema.LeafGoToGeneration
		"go_to_ref_generation_id": targetGenerationID,
	}).Error
	return translate(err)
}

// GetWeakTreenodes returns the treenodes of generationID whose leaf-type
// leaf_info row has accuracy <= accuracyUpperBound and total_count >=
// totalCountLowerBound; go_to_generation rows are never returned.
func (r *Repository) GetWeakTreenodes(ctx context.Context, generationID int64, accuracyUpperBound float64, totalCountLowerBound int64) ([]Treenode, error) {
	var rows []Treenode
	err := r.db.WithContext(ctx).
		Table(r.tableName("treenode")+" as treenode").
		Joins(fmt.Sprintf("JOIN %s as leaf_info ON leaf_info.id = treenode.ref_leaf_info_id", r.tableName("leaf_info"))).
		Where("treenode.ref_generation_id = ?", generationID).
		Where("leaf_info.type = ?", int8(schema.LeafTerminal)).
		Where("leaf_info.accuracy <= ?", accuracyUpperBound).
		Where("leaf_info.total_count >= ?", totalCountLowerBound).
		Select("treenode.*").
		Find(&rows).Error
	return rows, translate(err)
}

// GetGlobal reads the engine's single global summary row, creating it
// with zero values on first access.
func (r *Repository) GetGlobal(ctx context.Context) (*Global, error) {
	var g Global
	err := r.db.WithContext(ctx).Table(r.tableName("global")).Where("id = 1").First(&g).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		g = Global{ID: 1, SchemaVersion: 1}
		if err := r.db.WithContext(ctx).Table(r.tableName("global")).Create(&g).Error; err != nil {
			return nil, translate(err)
		}
		return &g, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return &g, nil
}

// UpdateGlobal rewrites the single global summary row.
func (r *Repository) UpdateGlobal(ctx context.Context, tx *gorm.DB, g *Global) error {
	err := tx.WithContext(ctx).Table(r.tableName("global")).Where("id = 1").Updates(map[string]any{
		"schema_version":           g.SchemaVersion,
		"instance_count":           g.InstanceCount,
		"updated_instance_count":   g.UpdatedInstanceCount,
		"instance_correct_count":   g.InstanceCorrectCount,
		"instance_accuracy":        g.InstanceAccuracy,
		"acc_weak_instance_count":  g.AccWeakInstanceCount,
	}).Error
	return translate(err)
}

// UpsertConfusionMatrixCell increments the (actual, predicted) cell's
// running count, inserting the row on first occurrence. sqlite's
// upsert clause keeps this atomic under the single-writer transaction.
func (r *Repository) UpsertConfusionMatrixCell(ctx context.Context, tx *gorm.DB, actual, predicted int32) error {
	return r.AdjustConfusionMatrixCell(ctx, tx, actual, predicted, 1)
}

// AdjustConfusionMatrixCell adds delta (positive or negative) to the
// (actual, predicted) cell's running count, inserting the row at delta on
// first occurrence. Rebuild uses this to swap a superseded leaf's
// contribution (-1) for its retrained replacement's (+1) when a row's
// predicted label changes across the graft.
func (r *Repository) AdjustConfusionMatrixCell(ctx context.Context, tx *gorm.DB, actual, predicted int32, delta int64) error {
	stmt := fmt.Sprintf(
		`INSERT INTO %s (actual, predicted, count) VALUES (?, ?, ?)
		 ON CONFLICT(actual, predicted) DO UPDATE SET count = count + ?`,
		r.tableName("global_confusion_matrix"),
	)
	err := tx.WithContext(ctx).Exec(stmt, actual, predicted, delta, delta).Error
	return translate(err)
}

// AddStringTableEntries persists new nominal-value string table entries
// with their caller-assigned ids preserved.
func (r *Repository) AddStringTableEntries(ctx context.Context, tx *gorm.DB, ids []int32, texts []string) error {
	for i := range ids {
		row := StringTableRow{ID: ids[i], Text: texts[i]}
		if err := tx.WithContext(ctx).Table(r.tableName("string_table")).Create(&row).Error; err != nil {
			return translate(err)
		}
	}
	return nil
}

// LoadStringTable reads every persisted string table entry in id order.
func (r *Repository) LoadStringTable(ctx context.Context) ([]StringTableRow, error) {
	var rows []StringTableRow
	err := r.db.WithContext(ctx).Table(r.tableName("string_table")).Order("id asc").Find(&rows).Error
	return rows, translate(err)
}

// SumLeafInfoTotalCount sums total_count across every persisted leaf,
// used by the verify_etc cross-check against global.updated_instance_count.
func (r *Repository) SumLeafInfoTotalCount(ctx context.Context) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).Table(r.tableName("leaf_info")).Select("COALESCE(SUM(total_count), 0)").Row().Scan(&sum)
	return sum, translate(err)
}

// SumInstanceInfoWeakCount sums weak_count across every instance_info row,
// used by the verify_etc cross-check against global.acc_weak_instance_count.
func (r *Repository) SumInstanceInfoWeakCount(ctx context.Context) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).Table(r.tableName("instance_info")).Select("COALESCE(SUM(weak_count), 0)").Row().Scan(&sum)
	return sum, translate(err)
}

// ListConfusionMatrixCells returns every accumulated confusion matrix cell.
func (r *Repository) ListConfusionMatrixCells(ctx context.Context) ([]GlobalConfusionMatrixCell, error) {
	var cells []GlobalConfusionMatrixCell
	err := r.db.WithContext(ctx).Table(r.tableName("global_confusion_matrix")).Find(&cells).Error
	return cells, translate(err)
}
