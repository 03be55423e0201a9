package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/perf-analysis/pkg/errors"
)

// StagedInstance is one row waiting to be folded into a chunk by the
// database-staging ChunkSource (§4.L): an external producer inserts rows
// with status "pending"; the scheduler batches them and marks them "done"
// once insert_chunk has accepted them.
type StagedInstance struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Payload   string `gorm:"column:payload"` // json-encoded field name -> value
	Status    string `gorm:"column:status;index"`
	CreatedAt int64  `gorm:"column:created_at"`
}

func (StagedInstance) TableName() string { return "staged_instance" }

// EnsureStagingTable creates the staging table if absent. It has its own
// fixed schema (unlike the dynamic instance table) since its shape, one
// JSON payload column, never depends on conf/attributes.json.
func (r *Repository) EnsureStagingTable(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Table(r.tableName("staged_instance")).AutoMigrate(&StagedInstance{}); err != nil {
		return errors.Wrap(errors.CodeDatabaseError, "failed to create staging table", err)
	}
	return nil
}

// StageInstance inserts one pending row, called by an external producer
// (or a test) rather than by the engine itself.
func (r *Repository) StageInstance(ctx context.Context, payloadJSON string) error {
	row := StagedInstance{Payload: payloadJSON, Status: "pending", CreatedAt: time.Now().Unix()}
	if err := r.db.WithContext(ctx).Table(r.tableName("staged_instance")).Create(&row).Error; err != nil {
		return errors.Wrap(errors.CodeDatabaseError, "failed to stage instance", err)
	}
	return nil
}

// ListPendingStaged returns up to limit pending rows, oldest first.
func (r *Repository) ListPendingStaged(ctx context.Context, limit int) ([]StagedInstance, error) {
	var rows []StagedInstance
	err := r.db.WithContext(ctx).Table(r.tableName("staged_instance")).
		Where("status = ?", "pending").Order("id asc").Limit(limit).Find(&rows).Error
	return rows, translate(err)
}

// MarkStagedDone flips a batch of staged rows to "done" inside tx, so a
// crash mid-batch never double-ingests them.
func (r *Repository) MarkStagedDone(ctx context.Context, tx *gorm.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := tx.WithContext(ctx).Table(r.tableName("staged_instance")).
		Where("id IN ?", ids).Update("status", "done").Error
	return translate(err)
}
