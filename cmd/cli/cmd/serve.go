package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/perf-analysis/internal/ingest"
)

var (
	watchDir     string
	dbStaging    bool
	pollInterval time.Duration
	stagingBatch int
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Ingestion Scheduler, continuously folding new data into the model",
	Long: `Run the Ingestion Scheduler as a long-lived foreground process.

The scheduler polls one or more chunk sources on a fixed interval:
  - a filesystem watch directory for dropped *.csv files (--watch-dir)
  - a database staging table for externally inserted rows (--db-staging)

Each discovered chunk is folded in with insert_chunk, one at a time, the
same operation chunk insert performs manually. Run model update alongside
this command (or on its own schedule) to fold staged chunks into the
live generation.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	binName := BinName()
	serveCmd.Example = `  # Watch a directory for dropped CSV files
  ` + binName + ` serve --watch-dir ./incoming

  # Also poll the staged_instance table every 5 seconds
  ` + binName + ` serve --watch-dir ./incoming --db-staging --poll-interval 5s`

	serveCmd.Flags().StringVar(&watchDir, "watch-dir", "", "directory to watch for dropped *.csv chunk files")
	serveCmd.Flags().BoolVar(&dbStaging, "db-staging", false, "poll the staged_instance table for pending rows")
	serveCmd.Flags().DurationVar(&pollInterval, "poll-interval", 2*time.Second, "how often to poll every chunk source")
	serveCmd.Flags().IntVar(&stagingBatch, "batch-size", 100, "max staged_instance rows folded into one chunk per poll")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := GetLogger()
	ctx := cmd.Context()

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()

	var sources []ingest.ChunkSource
	if watchDir != "" {
		fsSource, err := ingest.NewFilesystemSource(watchDir)
		if err != nil {
			return err
		}
		sources = append(sources, fsSource)
	}
	if dbStaging {
		sources = append(sources, ingest.NewDatabaseSource(eng.Repository(), eng.Attributes(), stagingBatch, ""))
	}
	if len(sources) == 0 {
		log.Warn("serve: no chunk sources configured (pass --watch-dir and/or --db-staging); scheduler will idle")
	}

	scheduler := ingest.New(ingest.SchedulerConfig{PollInterval: pollInterval}, eng, sources, log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	scheduler.Start(runCtx)

	log.Info("serve: ingestion scheduler running (poll interval %s, %d source(s)); press Ctrl+C to stop", pollInterval, len(sources))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("serve: shutting down")
	cancel()
	scheduler.Stop()

	stats := scheduler.Stats()
	log.Info("serve: stopped (%d chunk(s) staged, %d failed)", stats.ChunksStaged, stats.ChunksFailed)
	return nil
}
