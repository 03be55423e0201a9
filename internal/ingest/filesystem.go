package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/perf-analysis/pkg/errors"
)

// FilesystemSource polls a directory for new *.csv files and moves each
// one to a processed/ subdirectory once ingested, the simplest of the two
// ChunkSource implementations named in §4.L.
type FilesystemSource struct {
	Dir string
}

// NewFilesystemSource returns a source polling dir, creating dir and its
// processed/ subdirectory if they do not exist.
func NewFilesystemSource(dir string) (*FilesystemSource, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(errors.CodeInternalError, "failed to create watch directory", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "processed"), 0755); err != nil {
		return nil, errors.Wrap(errors.CodeInternalError, "failed to create processed directory", err)
	}
	return &FilesystemSource{Dir: dir}, nil
}

func (s *FilesystemSource) Name() string { return "filesystem:" + s.Dir }

// Discover lists every *.csv file directly under Dir (processed/ is
// excluded since it is itself under Dir).
func (s *FilesystemSource) Discover(ctx context.Context) ([]StagedChunk, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternalError, "failed to list watch directory", err)
	}

	var chunks []StagedChunk
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".csv") {
			continue
		}
		chunks = append(chunks, StagedChunk{Source: s.Name(), CSVPath: filepath.Join(s.Dir, entry.Name())})
	}
	return chunks, nil
}

// Ack moves the ingested file into Dir/processed/.
func (s *FilesystemSource) Ack(ctx context.Context, chunk StagedChunk) error {
	dest := filepath.Join(s.Dir, "processed", filepath.Base(chunk.CSVPath))
	if err := os.Rename(chunk.CSVPath, dest); err != nil {
		return errors.Wrap(errors.CodeInternalError, "failed to move processed csv file", err)
	}
	return nil
}
