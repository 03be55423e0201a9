package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"

	"github.com/perf-analysis/internal/repository"
	"github.com/perf-analysis/internal/schema"
	"github.com/perf-analysis/pkg/errors"
)

// DatabaseSource polls the staging table for rows marked "pending" and
// batches them into one temporary CSV file per poll, reusing
// Engine.InsertChunkCSV rather than duplicating its column-matching and
// type-conversion logic for a second entry point.
type DatabaseSource struct {
	repo      *repository.Repository
	attrs     schema.Attributes
	batchSize int
	tmpDir    string
}

// NewDatabaseSource returns a source polling repo's staging table in
// batches of batchSize, writing its scratch CSV files under tmpDir (an
// empty tmpDir uses the OS default).
func NewDatabaseSource(repo *repository.Repository, attrs schema.Attributes, batchSize int, tmpDir string) *DatabaseSource {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &DatabaseSource{repo: repo, attrs: attrs, batchSize: batchSize, tmpDir: tmpDir}
}

func (s *DatabaseSource) Name() string { return "database-staging" }

// Discover fetches up to batchSize pending rows and renders them as one
// scratch CSV file, header listing the X fields in declared order, then y.
func (s *DatabaseSource) Discover(ctx context.Context) ([]StagedChunk, error) {
	rows, err := s.repo.ListPendingStaged(ctx, s.batchSize)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	file, err := os.CreateTemp(s.tmpDir, "staged-chunk-*.csv")
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternalError, "failed to create scratch csv file", err)
	}
	defer file.Close()

	header := make([]string, 0, len(s.attrs.X)+1)
	for i := range s.attrs.X {
		header = append(header, s.attrs.XField(i).Name)
	}
	header = append(header, s.attrs.YField().Name)

	w := csv.NewWriter(file)
	if err := w.Write(header); err != nil {
		return nil, errors.Wrap(errors.CodeInternalError, "failed to write scratch csv header", err)
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		var payload map[string]any
		if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
			return nil, errors.Wrap(errors.CodeInvalidDataType, fmt.Sprintf("staged row %d has invalid payload json", row.ID), err)
		}
		record := make([]string, len(header))
		for i, name := range header {
			record[i] = fmt.Sprintf("%v", payload[name])
		}
		if err := w.Write(record); err != nil {
			return nil, errors.Wrap(errors.CodeInternalError, "failed to write scratch csv row", err)
		}
		ids = append(ids, row.ID)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(errors.CodeInternalError, "failed to flush scratch csv", err)
	}

	return []StagedChunk{{Source: s.Name(), CSVPath: file.Name(), StagingIDs: ids}}, nil
}

// Ack marks the batch's staging rows done and removes the scratch file.
func (s *DatabaseSource) Ack(ctx context.Context, chunk StagedChunk) error {
	tx, err := s.repo.BeginExclusive(ctx)
	if err != nil {
		return err
	}
	if err := s.repo.MarkStagedDone(ctx, tx, chunk.StagingIDs); err != nil {
		s.repo.Rollback(tx)
		return err
	}
	if err := s.repo.Commit(tx); err != nil {
		return err
	}
	return os.Remove(chunk.CSVPath)
}
