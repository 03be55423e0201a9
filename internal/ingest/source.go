// Package ingest adapts this repository's worker-pool-backed scheduler
// idiom (internal/scheduler) into the classifier engine's Ingestion
// Scheduler (§4.L): a small pool of ChunkSource implementations, each
// polled concurrently, feeding a single serialized insert_chunk call per
// discovered chunk.
package ingest

import "context"

// StagedChunk is one unit of work a ChunkSource has discovered: a CSV file
// ready to be handed to Engine.InsertChunkCSV.
type StagedChunk struct {
	Source  string
	CSVPath string

	// StagingIDs identifies the source rows this chunk was built from, for
	// sources (like the database-staging source) whose Ack needs to mark
	// specific rows done rather than move a file.
	StagingIDs []int64
}

// ChunkSource discovers pending data and acknowledges it once ingested,
// mirroring internal/scheduler/source.TaskSource's poll/ack shape narrowed
// to this engine's single operation (insert_chunk).
type ChunkSource interface {
	Name() string
	Discover(ctx context.Context) ([]StagedChunk, error)
	Ack(ctx context.Context, chunk StagedChunk) error
}
