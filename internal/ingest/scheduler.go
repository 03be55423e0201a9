package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/perf-analysis/internal/engine"
	"github.com/perf-analysis/pkg/parallel"
	"github.com/perf-analysis/pkg/utils"
)

// SchedulerConfig holds the Ingestion Scheduler's tunables, grounded on
// internal/scheduler.SchedulerConfig's shape narrowed to what polling a
// handful of ChunkSources actually needs.
type SchedulerConfig struct {
	PollInterval time.Duration
}

// DefaultSchedulerConfig mirrors internal/scheduler.DefaultSchedulerConfig's
// poll cadence.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{PollInterval: 2 * time.Second}
}

// Scheduler polls every registered ChunkSource concurrently (discovery and
// staging only), then feeds each discovered chunk through one serialized
// insert_chunk call, since the controller's single-writer transaction
// would serialize them anyway (§4.L, §5).
type Scheduler struct {
	config  SchedulerConfig
	eng     *engine.Engine
	sources []ChunkSource
	logger  utils.Logger

	pool *parallel.WorkerPool[ChunkSource, []StagedChunk]

	mu           sync.Mutex
	chunksStaged int64
	chunksFailed int64
	running      bool
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// New builds a Scheduler over eng, polling sources on config's interval.
func New(config SchedulerConfig, eng *engine.Engine, sources []ChunkSource, logger utils.Logger) *Scheduler {
	if config.PollInterval <= 0 {
		config = DefaultSchedulerConfig()
	}
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	poolCfg := parallel.DefaultPoolConfig().WithWorkers(len(sources))
	return &Scheduler{
		config:  config,
		eng:     eng,
		sources: sources,
		logger:  logger,
		pool:    parallel.NewWorkerPool[ChunkSource, []StagedChunk](poolCfg),
		stopCh:  make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop signals the poll loop to exit and waits for the in-flight tick, if
// any, to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick polls every source concurrently, then ingests every discovered
// chunk one at a time in source-registration order.
func (s *Scheduler) tick(ctx context.Context) {
	results := s.pool.ExecuteFunc(ctx, s.sources, func(ctx context.Context, source ChunkSource) ([]StagedChunk, error) {
		return source.Discover(ctx)
	})

	for i, result := range results {
		source := s.sources[i]
		if result.Error != nil {
			s.logger.Warn("ingest: %s discovery failed: %v", source.Name(), result.Error)
			continue
		}
		for _, chunk := range result.Result {
			s.ingest(ctx, source, chunk)
		}
	}
}

func (s *Scheduler) ingest(ctx context.Context, source ChunkSource, chunk StagedChunk) {
	chunkID, err := s.eng.InsertChunkCSV(ctx, chunk.CSVPath)
	if err != nil {
		s.logger.Error("ingest: %s: insert_chunk failed for %s: %v", source.Name(), chunk.CSVPath, err)
		s.mu.Lock()
		s.chunksFailed++
		s.mu.Unlock()
		return
	}

	if err := source.Ack(ctx, chunk); err != nil {
		s.logger.Warn("ingest: %s: ack failed for chunk %d: %v", source.Name(), chunkID, err)
	}

	s.logger.Info("ingest: %s: staged chunk %d from %s", source.Name(), chunkID, chunk.CSVPath)
	s.mu.Lock()
	s.chunksStaged++
	s.mu.Unlock()
}

// Stats reports the scheduler's running totals.
type Stats struct {
	Running      bool
	SourceCount  int
	ChunksStaged int64
	ChunksFailed int64
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Running:      s.running,
		SourceCount:  len(s.sources),
		ChunksStaged: s.chunksStaged,
		ChunksFailed: s.chunksFailed,
	}
}
