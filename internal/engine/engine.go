// Package engine bundles the Controller, Repository, String Table and
// caches into the single handle the CLI and any future embedder opens,
// grounded on internal/service/service.go's Initialize/Start/Stop/
// HealthCheck lifecycle idiom.
package engine

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/perf-analysis/internal/controller"
	"github.com/perf-analysis/internal/dataframe"
	"github.com/perf-analysis/internal/forest"
	"github.com/perf-analysis/internal/repository"
	"github.com/perf-analysis/internal/schema"
	"github.com/perf-analysis/internal/stringtable"
	"github.com/perf-analysis/pkg/config"
	"github.com/perf-analysis/pkg/errors"
	"github.com/perf-analysis/pkg/utils"
)

// Engine is the Go library's top-level handle: it owns the database
// connection, the resolved field layout, the live string table and the
// controller built on top of them.
type Engine struct {
	baseDir string
	cfg     *config.Config
	attrs   schema.Attributes
	repo    *repository.Repository
	strs    *stringtable.Table
	ctrl    *controller.Controller
	logger  utils.Logger
	lastErr string
}

// Open loads property.txt and conf/attributes.json from baseDir, connects
// to the configured database, migrates the schema if needed, and replays
// the persisted string table into memory.
func Open(ctx context.Context, baseDir string, logger utils.Logger) (*Engine, error) {
	if logger == nil {
		logger = &utils.NullLogger{}
	}

	cfg, err := config.Load(baseDir)
	if err != nil {
		return nil, err
	}

	dbCfg := &repository.DBConfig{
		Type:             cfg.DBType,
		Path:             cfg.DBPath(baseDir),
		Database:         cfg.DBName,
		TablenamePrefix:  cfg.DBTablenamePrefix,
		TelemetryEnabled: cfg.TelemetryEnabled,
	}
	gormDB, err := repository.NewGormDB(dbCfg)
	if err != nil {
		return nil, err
	}

	repo := repository.New(gormDB, cfg.DBTablenamePrefix)
	if err := repo.AutoMigrate(); err != nil {
		repository.Close(gormDB)
		return nil, err
	}

	attrs := schema.Resolve(cfg.Attributes)
	if err := repo.EnsureInstanceTable(ctx, attrs); err != nil {
		repository.Close(gormDB)
		return nil, err
	}
	if err := repo.EnsureStagingTable(ctx); err != nil {
		repository.Close(gormDB)
		return nil, err
	}

	strs := stringtable.New()
	rows, err := repo.LoadStringTable(ctx)
	if err != nil {
		repository.Close(gormDB)
		return nil, err
	}
	for _, row := range rows {
		if err := strs.AddWithID(row.Text, row.ID); err != nil {
			repository.Close(gormDB)
			return nil, err
		}
	}

	ctrl := controller.New(repo, strs, attrs, cfg, logger)

	return &Engine{
		baseDir: baseDir,
		cfg:     cfg,
		attrs:   attrs,
		repo:    repo,
		strs:    strs,
		ctrl:    ctrl,
		logger:  logger,
	}, nil
}

// Close releases the database connection.
func (e *Engine) Close() error {
	return repository.Close(e.repo.DB())
}

// Version returns the project's declared property.txt version string.
func (e *Engine) Version() string { return e.cfg.Version }

// DebugVerifyEnabled reports the property.txt debug.verify setting.
func (e *Engine) DebugVerifyEnabled() bool { return e.cfg.DebugVerify }

// Repository exposes the underlying Repository, for the Ingestion
// Scheduler's database-staging source.
func (e *Engine) Repository() *repository.Repository { return e.repo }

// Attributes exposes the resolved field layout, for building a staged
// batch's CSV header (the X fields in declared order, then y).
func (e *Engine) Attributes() schema.Attributes { return e.attrs }

// LastErrorMessage returns the message of the most recent failed
// operation, or "" if none has failed yet, letting an embedder surface a
// human-readable cause without re-inspecting the returned error.
func (e *Engine) LastErrorMessage() string { return e.lastErr }

func (e *Engine) fail(err error) error {
	if err != nil {
		e.lastErr = errors.Message(err)
	}
	return err
}

// InsertChunkCSV reads path as a header-plus-rows CSV file (per SPEC_FULL
// §6: header row names columns, order may differ from the declared field
// order, every declared field must be present, malformed rows are
// rejected) and stages it as one chunk.
func (e *Engine) InsertChunkCSV(ctx context.Context, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, e.fail(errors.Wrap(errors.CodeItemNotFound, "csv file not readable", err))
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return 0, e.fail(errors.Wrap(errors.CodeInvalidParameter, "csv header not readable", err))
	}

	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		colIndex[name] = i
	}
	for _, field := range e.attrs.Fields {
		if field.Name == "id" {
			continue
		}
		if _, ok := colIndex[field.Name]; !ok {
			return 0, e.fail(errors.Newf(errors.CodeInvalidParameter, "csv is missing declared field %q", field.Name))
		}
	}

	builder := dataframe.NewBuilder(dataframe.FromAttributes(e.attrs))

	rowNum := 0
	for {
		record, readErr := reader.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, e.fail(errors.Wrap(errors.CodeInvalidParameter, fmt.Sprintf("malformed csv row %d", rowNum), readErr))
		}
		if len(record) != len(header) {
			return 0, e.fail(errors.Newf(errors.CodeInvalidParameter, "csv row %d has %d columns, expected %d", rowNum, len(record), len(header)))
		}

		values := make([]dataframe.RawValue, 0, len(e.attrs.X)+1)
		for i := range e.attrs.X {
			field := e.attrs.XField(i)
			v, err := e.parseCell(field, record[colIndex[field.Name]])
			if err != nil {
				return 0, e.fail(err)
			}
			values = append(values, v)
		}
		yField := e.attrs.YField()
		v, err := e.parseCell(yField, record[colIndex[yField.Name]])
		if err != nil {
			return 0, e.fail(err)
		}
		values = append(values, v)

		if err := builder.AppendRow(values); err != nil {
			return 0, e.fail(err)
		}
		rowNum++
	}

	chunkID, err := e.ctrl.InsertChunk(ctx, builder.Build())
	if err != nil {
		return 0, e.fail(err)
	}
	if err := e.flushPendingStrings(ctx); err != nil {
		return chunkID, e.fail(err)
	}
	return chunkID, nil
}

// parseCell converts one CSV cell to its RawValue, interning TEXT_ID
// fields through the live string table.
func (e *Engine) parseCell(field schema.FieldSpec, text string) (dataframe.RawValue, error) {
	switch field.Type {
	case config.FieldTypeReal:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return dataframe.RawValue{}, errors.Wrap(errors.CodeInvalidDataType, fmt.Sprintf("field %q is not a real number", field.Name), err)
		}
		return dataframe.RawValue{F: f}, nil
	case config.FieldTypeTextID:
		id, err := e.strs.Add(text)
		if err != nil {
			return dataframe.RawValue{}, err
		}
		return dataframe.RawValue{I: int64(id)}, nil
	case config.FieldTypeText:
		return dataframe.RawValue{}, errors.Newf(errors.CodeNotSupportedYet, "free-text field %q cannot be used in a training row", field.Name)
	default:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return dataframe.RawValue{}, errors.Wrap(errors.CodeInvalidDataType, fmt.Sprintf("field %q is not an integer", field.Name), err)
		}
		return dataframe.RawValue{I: n}, nil
	}
}

// flushPendingStrings persists every string table entry assigned since the
// highest id already in storage, called after a chunk insert (which interns
// new nominal values) and before an update.
func (e *Engine) flushPendingStrings(ctx context.Context) error {
	rows, err := e.repo.LoadStringTable(ctx)
	if err != nil {
		return err
	}
	var maxID int32 = -1
	for _, row := range rows {
		if row.ID > maxID {
			maxID = row.ID
		}
	}
	entries := e.strs.Flush(maxID)
	if len(entries) == 0 {
		return nil
	}

	tx, err := e.repo.BeginExclusive(ctx)
	if err != nil {
		return err
	}
	ids := make([]int32, len(entries))
	texts := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.ID
		texts[i] = entry.Text
	}
	if err := e.repo.AddStringTableEntries(ctx, tx, ids, texts); err != nil {
		e.repo.Rollback(tx)
		return err
	}
	return e.repo.Commit(tx)
}

// Update folds every staged, not-yet-updated chunk into the current
// generation.
func (e *Engine) Update(ctx context.Context) error {
	if err := e.flushPendingStrings(ctx); err != nil {
		return e.fail(err)
	}
	return e.fail(e.ctrl.Update(ctx))
}

// Rebuild grows the forest by one generation. The very first generation
// has no prior tree to graft onto, so it is trained from every instance
// persisted so far; every later call grafts only the latest generation's
// weak leaves and never rescans the full instance table (see
// controller.Controller.Rebuild). genID is 0 with a nil error if the
// graft found nothing weak enough to act on.
func (e *Engine) Rebuild(ctx context.Context) (int64, error) {
	empty, err := e.repo.IsGenerationEmpty(ctx)
	if err != nil {
		return 0, e.fail(err)
	}
	if !empty {
		genID, err := e.ctrl.Rebuild(ctx, nil)
		return genID, e.fail(err)
	}

	rows, err := e.repo.ListInstances(ctx, e.attrs)
	if err != nil {
		return 0, e.fail(err)
	}

	builder := dataframe.NewBuilder(dataframe.FromAttributes(e.attrs))
	for _, row := range rows {
		values := make([]dataframe.RawValue, 0, len(e.attrs.X)+1)
		for i := range e.attrs.X {
			field := e.attrs.XField(i)
			values = append(values, cellToRaw(field, row[field.Name]))
		}
		yField := e.attrs.YField()
		values = append(values, cellToRaw(yField, row[yField.Name]))
		if err := builder.AppendRow(values); err != nil {
			return 0, e.fail(err)
		}
	}

	genID, err := e.ctrl.Rebuild(ctx, builder.Build())
	return genID, e.fail(err)
}

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

// featureRow adapts a map[string]any of feature name -> value (as given to
// Predict) into forest.RowAccessor.
type featureRow struct {
	attrs  schema.Attributes
	values map[string]any
}

func (r featureRow) IsReal(featureIndex int) bool {
	return r.attrs.XField(featureIndex).Type.IsReal()
}

func (r featureRow) GetInt(featureIndex int) int64 {
	v, _ := toInt64(r.values[r.attrs.XField(featureIndex).Name])
	return v
}

func (r featureRow) GetFloat(featureIndex int) float64 {
	v, _ := toFloat64(r.values[r.attrs.XField(featureIndex).Name])
	return v
}

// PredictResult is the outcome of one Predict call, with the predicted
// label resolved back to its original text when the y field is nominal.
type PredictResult struct {
	LabelIndex int32
	LabelText  string
	Extended   bool
}

// Predict resolves features (one entry per declared X field, nominal
// values given as their original string) starting from the first
// generation's root and following go_to_generation redirects. When a
// nominal value already in the string table matches no child rule, it
// performs the dynamic rule extension and predicts again; a nominal
// string the string table does not hold returns CodeFeatureNotFound.
func (e *Engine) Predict(ctx context.Context, features map[string]any) (PredictResult, error) {
	resolved := make(map[string]any, len(features))
	for i := range e.attrs.X {
		field := e.attrs.XField(i)
		raw, ok := features[field.Name]
		if !ok {
			return PredictResult{}, e.fail(errors.Newf(errors.CodeInvalidParameter, "missing feature %q", field.Name))
		}
		if field.Type == config.FieldTypeTextID {
			text, ok := raw.(string)
			if !ok {
				return PredictResult{}, e.fail(errors.Newf(errors.CodeInvalidDataType, "feature %q must be a string", field.Name))
			}
			id, ok := e.strs.LookupID(text)
			if !ok {
				return PredictResult{}, e.fail(errors.Newf(errors.CodeFeatureNotFound, "unknown nominal value %q for feature %q", text, field.Name))
			}
			resolved[field.Name] = int64(id)
			continue
		}
		resolved[field.Name] = raw
	}

	row := featureRow{attrs: e.attrs, values: resolved}

	outcome, err := e.ctrl.Predict(ctx, row, 0, false)
	if err != nil {
		detail, ok := forest.AsRuleNotMatchedDetail(err)
		if !ok {
			return PredictResult{}, e.fail(err)
		}
		if extErr := e.ctrl.ExtendAndPredict(ctx, detail.NodeID, row, detail.FeatureIndex, detail.ObservedValue); extErr != nil {
			return PredictResult{}, e.fail(extErr)
		}
		outcome, err = e.ctrl.Predict(ctx, row, 0, false)
		if err != nil {
			return PredictResult{}, e.fail(err)
		}
		outcome.Extended = true
	}

	result := PredictResult{LabelIndex: outcome.LabelIndex, Extended: outcome.Extended}
	yField := e.attrs.YField()
	if yField.Type == config.FieldTypeTextID {
		if text, ok := e.strs.LookupText(outcome.LabelIndex); ok {
			result.LabelText = text
		}
	}
	return result, nil
}

// VerifyAll runs the engine's read-only consistency diagnostic.
func (e *Engine) VerifyAll(ctx context.Context) ([]controller.VerificationIssue, error) {
	issues, err := e.ctrl.VerifyAll(ctx)
	return issues, e.fail(err)
}

// ReportCategory names one slice of the reportable state, matching the
// --category flag of `report json`.
type ReportCategory string

// The report categories report json can select.
const (
	ReportGlobal            ReportCategory = "global"
	ReportChunkHistory      ReportCategory = "chunk_history"
	ReportConfusionMatrix   ReportCategory = "confusion_matrix"
	ReportGenerationHistory ReportCategory = "generation_history"
)

// Report is the JSON document report.json (§6) renders; only the fields
// whose category was requested are populated.
type Report struct {
	Global            *repository.Global                   `json:"global,omitempty"`
	ChunkHistory      []repository.Chunk                   `json:"chunk_history,omitempty"`
	ConfusionMatrix   []repository.GlobalConfusionMatrixCell `json:"confusion_matrix,omitempty"`
	GenerationHistory []repository.Generation               `json:"generation_history,omitempty"`
}

// BuildReport gathers the requested categories (every category when none is
// given) into one Report document.
func (e *Engine) BuildReport(ctx context.Context, categories ...ReportCategory) (*Report, error) {
	if len(categories) == 0 {
		categories = []ReportCategory{ReportGlobal, ReportChunkHistory, ReportConfusionMatrix, ReportGenerationHistory}
	}

	report := &Report{}
	for _, category := range categories {
		switch category {
		case ReportGlobal:
			global, err := e.repo.GetGlobal(ctx)
			if err != nil {
				return nil, e.fail(err)
			}
			report.Global = global
		case ReportChunkHistory:
			chunks, err := e.repo.ListChunks(ctx)
			if err != nil {
				return nil, e.fail(err)
			}
			report.ChunkHistory = chunks
		case ReportConfusionMatrix:
			cells, err := e.repo.ListConfusionMatrixCells(ctx)
			if err != nil {
				return nil, e.fail(err)
			}
			report.ConfusionMatrix = cells
		case ReportGenerationHistory:
			gens, err := e.repo.ListGenerations(ctx)
			if err != nil {
				return nil, e.fail(err)
			}
			report.GenerationHistory = gens
		default:
			return nil, e.fail(errors.Newf(errors.CodeInvalidParameter, "unknown report category %q", category))
		}
	}
	return report, nil
}
