package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAttributesFile(t *testing.T, baseDir string, attrs Attributes) {
	t.Helper()
	confDir := filepath.Join(baseDir, "conf")
	require.NoError(t, os.MkdirAll(confDir, 0755))
	data, err := json.Marshal(attrs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(confDir, "attributes.json"), data, 0644))
}

func validAttributes() Attributes {
	return Attributes{
		Fields: map[string]FieldType{
			"outlook": FieldTypeTextID,
			"windy":   FieldTypeInt,
			"play":    FieldTypeTextID,
		},
		X: []string{"outlook", "windy"},
		Y: "play",
	}
}

func TestAttributesValidateRejectsImplicitIDField(t *testing.T) {
	attrs := validAttributes()
	attrs.Fields["id"] = FieldTypeInt
	assert.Error(t, attrs.Validate())
}

func TestAttributesValidateRequiresY(t *testing.T) {
	attrs := validAttributes()
	attrs.Y = ""
	assert.Error(t, attrs.Validate())
}

func TestAttributesValidateRequiresYDeclaredInFields(t *testing.T) {
	attrs := validAttributes()
	attrs.Y = "undeclared"
	assert.Error(t, attrs.Validate())
}

func TestAttributesValidateRequiresAtLeastOneXField(t *testing.T) {
	attrs := validAttributes()
	attrs.X = nil
	assert.Error(t, attrs.Validate())
}

func TestAttributesValidateRejectsUndeclaredXField(t *testing.T) {
	attrs := validAttributes()
	attrs.X = append(attrs.X, "undeclared")
	assert.Error(t, attrs.Validate())
}

func TestAttributesValidateAcceptsWellFormedDeclaration(t *testing.T) {
	assert.NoError(t, validAttributes().Validate())
}

func TestAttributesValidateRejectsUnsupportedRevision(t *testing.T) {
	attrs := validAttributes()
	attrs.Revision = 1
	assert.Error(t, attrs.Validate())
}

func TestConfigValidateRequiresVersion(t *testing.T) {
	cfg := Config{DBType: "sqlite", DBName: "model"}
	assert.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsUnsupportedDBType(t *testing.T) {
	cfg := Config{Version: "1.0.0", DBType: "oracle", DBName: "model"}
	assert.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsInvertedChunkLimitBounds(t *testing.T) {
	cfg := Config{
		Version: "1.0.0", DBType: "sqlite", DBName: "model",
		ChunkLimitUse: true, ChunkLimitLowerBound: 100, ChunkLimitUpperBound: 10,
	}
	assert.Error(t, cfg.Validate())
}

func TestConfigDBPathUsesSqliteLayout(t *testing.T) {
	cfg := Config{DBName: "model"}
	assert.Equal(t, filepath.Join("proj", "sqlite", "model.db"), cfg.DBPath("proj"))
}

func TestWritePropertyDefaultThenLoad(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, WritePropertyDefault(baseDir, "1.0.0", "sqlite", "model"))
	writeAttributesFile(t, baseDir, validAttributes())

	cfg, err := Load(baseDir)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", cfg.Version)
	assert.Equal(t, "sqlite", cfg.DBType)
	assert.Equal(t, "model", cfg.DBName)
	assert.Equal(t, []string{"outlook", "windy"}, cfg.Attributes.X)
	assert.Equal(t, "play", cfg.Attributes.Y)
}

func TestSetPropertyUpdatesExistingKeyInPlace(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, WritePropertyDefault(baseDir, "1.0.0", "sqlite", "model"))

	require.NoError(t, SetProperty(baseDir, "ver", "2.0.0"))

	data, err := os.ReadFile(filepath.Join(baseDir, "property.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "ver=2.0.0")
	assert.NotContains(t, string(data), "ver=1.0.0")
}

func TestSetPropertyAppendsNewKey(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, WritePropertyDefault(baseDir, "1.0.0", "sqlite", "model"))

	require.NoError(t, SetProperty(baseDir, "debug.verify", "true"))

	data, err := os.ReadFile(filepath.Join(baseDir, "property.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "debug.verify=true")
}

func TestLoadRejectsMissingAttributes(t *testing.T) {
	baseDir := t.TempDir()
	require.NoError(t, WritePropertyDefault(baseDir, "1.0.0", "sqlite", "model"))

	_, err := Load(baseDir)
	assert.Error(t, err)
}
