package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/perf-analysis/pkg/config"
)

func newTestProject(t *testing.T) string {
	t.Helper()
	baseDir := t.TempDir()
	require.NoError(t, Create(baseDir, "1.0.0", "sqlite", "test"))
	require.NoError(t, AddField(baseDir, "outlook", config.FieldTypeTextID))
	require.NoError(t, AddField(baseDir, "windy", config.FieldTypeInt))
	require.NoError(t, AddField(baseDir, "play", config.FieldTypeTextID))
	require.NoError(t, SetX(baseDir, []string{"outlook", "windy"}))
	require.NoError(t, SetY(baseDir, "play"))
	return baseDir
}

func writeTrainingCSV(t *testing.T, baseDir string) string {
	t.Helper()
	path := filepath.Join(baseDir, "train.csv")
	content := "windy,outlook,play\n" +
		"0,sunny,no\n" +
		"1,sunny,no\n" +
		"0,rain,yes\n" +
		"1,rain,yes\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestProjectCreateAndOpen(t *testing.T) {
	baseDir := newTestProject(t)

	eng, err := Open(context.Background(), baseDir, nil)
	require.NoError(t, err)
	defer eng.Close()

	require.Equal(t, "1.0.0", eng.Version())
}

func TestSetXRejectsUndeclaredField(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, Create(baseDir, "1.0.0", "sqlite", "test"))
	require.NoError(t, AddField(baseDir, "outlook", config.FieldTypeTextID))

	err := SetX(baseDir, []string{"nope"})
	require.Error(t, err)
}

func TestInsertChunkRebuildPredictUpdate(t *testing.T) {
	baseDir := newTestProject(t)
	csvPath := writeTrainingCSV(t, baseDir)

	ctx := context.Background()
	eng, err := Open(ctx, baseDir, nil)
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.InsertChunkCSV(ctx, csvPath)
	require.NoError(t, err)

	genID, err := eng.Rebuild(ctx)
	require.NoError(t, err)
	require.Greater(t, genID, int64(0))

	result, err := eng.Predict(ctx, map[string]any{
		"outlook": "rain",
		"windy":   int64(0),
	})
	require.NoError(t, err)
	require.Equal(t, "yes", result.LabelText)

	_, err = eng.InsertChunkCSV(ctx, csvPath)
	require.NoError(t, err)
	require.NoError(t, eng.Update(ctx))

	issues, err := eng.VerifyAll(ctx)
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestPredictUnknownNominalValueFails(t *testing.T) {
	baseDir := newTestProject(t)
	csvPath := writeTrainingCSV(t, baseDir)

	ctx := context.Background()
	eng, err := Open(ctx, baseDir, nil)
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.InsertChunkCSV(ctx, csvPath)
	require.NoError(t, err)
	_, err = eng.Rebuild(ctx)
	require.NoError(t, err)

	_, err = eng.Predict(ctx, map[string]any{
		"outlook": "overcast",
		"windy":   int64(0),
	})
	require.Error(t, err)
}
