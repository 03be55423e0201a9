package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/perf-analysis/internal/engine"
	"github.com/perf-analysis/pkg/compression"
	"github.com/perf-analysis/pkg/writer"
)

var (
	reportCategories    string
	reportGzip          bool
	reportCompress      string
	reportOutFile       string
	reportDatetimeIndex bool
)

// reindexByDatetime rewrites a Report's array-valued history fields into
// maps keyed by their datetime column, for callers that want to look up a
// chunk or generation by when it happened rather than by its sequence
// index.
func reindexByDatetime(report *engine.Report) map[string]any {
	out := map[string]any{}
	if report.Global != nil {
		out["global"] = report.Global
	}
	if report.ChunkHistory != nil {
		byTime := make(map[string]any, len(report.ChunkHistory))
		for _, c := range report.ChunkHistory {
			byTime[strconv.FormatInt(c.Datetime, 10)] = c
		}
		out["chunk_history"] = byTime
	}
	if report.ConfusionMatrix != nil {
		out["confusion_matrix"] = report.ConfusionMatrix
	}
	if report.GenerationHistory != nil {
		byTime := make(map[string]any, len(report.GenerationHistory))
		for _, g := range report.GenerationHistory {
			byTime[strconv.FormatInt(g.Datetime, 10)] = g
		}
		out["generation_history"] = byTime
	}
	return out
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render the engine's accumulated state as a report",
}

var reportJSONCmd = &cobra.Command{
	Use:   "json",
	Short: "Render global/chunk_history/confusion_matrix/generation_history as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		var categories []engine.ReportCategory
		if reportCategories != "" {
			for _, name := range strings.Split(reportCategories, ",") {
				categories = append(categories, engine.ReportCategory(strings.TrimSpace(name)))
			}
		}

		report, err := eng.BuildReport(ctx, categories...)
		if err != nil {
			return err
		}

		if reportDatetimeIndex {
			indexed := reindexByDatetime(report)
			switch {
			case reportGzip:
				w := writer.NewGzipWriter[map[string]any]()
				if reportOutFile == "" {
					return w.Write(indexed, os.Stdout)
				}
				_, err := w.WriteToFileWithStats(indexed, reportOutFile)
				return err
			case reportCompress != "":
				return writeCompressedAny(indexed, reportCompress, reportOutFile)
			default:
				w := writer.NewPrettyJSONWriter[map[string]any]()
				if reportOutFile == "" {
					return w.Write(indexed, os.Stdout)
				}
				return w.WriteToFile(indexed, reportOutFile)
			}
		}

		switch {
		case reportGzip:
			w := writer.NewGzipWriter[*engine.Report]()
			if reportOutFile == "" {
				return w.Write(report, os.Stdout)
			}
			_, err := w.WriteToFileWithStats(report, reportOutFile)
			return err
		case reportCompress != "":
			return writeCompressedAny(report, reportCompress, reportOutFile)
		default:
			w := writer.NewPrettyJSONWriter[*engine.Report]()
			if reportOutFile == "" {
				return w.Write(report, os.Stdout)
			}
			return w.WriteToFile(report, reportOutFile)
		}
	},
}

// writeCompressedAny serializes report as JSON and compresses it with the
// named algorithm (zstd is not one of pkg/writer's own writers, so it goes
// through pkg/compression directly).
func writeCompressedAny[T any](report T, algorithm, outFile string) error {
	w := writer.NewJSONWriter[T]()
	var buf strings.Builder
	if err := w.Write(report, &buf); err != nil {
		return err
	}

	var compType compression.Type
	switch algorithm {
	case "zstd":
		compType = compression.TypeZstd
	case "gzip":
		compType = compression.TypeGzip
	default:
		return fmt.Errorf("unsupported --compress value %q (want zstd or gzip)", algorithm)
	}

	comp, err := compression.New(compType, compression.LevelDefault)
	if err != nil {
		return err
	}
	defer compression.Close(comp)

	compressed, err := comp.Compress([]byte(buf.String()))
	if err != nil {
		return err
	}

	if outFile == "" {
		_, err := os.Stdout.Write(compressed)
		return err
	}
	return os.WriteFile(outFile, compressed, 0644)
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportJSONCmd)

	reportJSONCmd.Flags().StringVar(&reportCategories, "category", "", "Comma-separated categories: global,chunk_history,confusion_matrix,generation_history (default: all)")
	reportJSONCmd.Flags().BoolVar(&reportGzip, "gzip", false, "Gzip-compress the report")
	reportJSONCmd.Flags().StringVar(&reportCompress, "compress", "", "Compress the report with the named algorithm: zstd or gzip")
	reportJSONCmd.Flags().StringVarP(&reportOutFile, "out", "o", "", "Write to this file instead of stdout")
	reportJSONCmd.Flags().BoolVar(&reportDatetimeIndex, "datetime-as-index", false, "Key chunk_history/generation_history by their datetime instead of array order")
}
