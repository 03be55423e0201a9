// Package config loads the engine's property.txt and conf/attributes.json
// files into a validated, typed configuration object.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/perf-analysis/pkg/errors"
)

// FieldType is the declared semantic type of an instance field.
type FieldType string

// The field types an attributes.json may declare.
const (
	FieldTypeReal   FieldType = "REAL"
	FieldTypeInt    FieldType = "INTEGER"
	FieldTypeBigInt FieldType = "BIGINT"
	FieldTypeSmall  FieldType = "SMALLINT"
	FieldTypeText   FieldType = "TEXT"
	FieldTypeTextID FieldType = "TEXT_ID"
)

// IsNumeric reports whether values of this type participate in numeric
// (ordered) rule comparisons rather than equality-only comparisons.
func (t FieldType) IsNumeric() bool {
	switch t {
	case FieldTypeReal, FieldTypeInt, FieldTypeBigInt, FieldTypeSmall:
		return true
	default:
		return false
	}
}

// IsReal reports whether this type stores a floating point value.
func (t FieldType) IsReal() bool {
	return t == FieldTypeReal
}

// Attributes is the parsed conf/attributes.json document.
type Attributes struct {
	Revision int                  `json:"revision"`
	Fields   map[string]FieldType `json:"fields"`
	X        []string             `json:"x"`
	Y        string               `json:"y"`
}

// Validate checks the attribute declaration's internal consistency.
func (a *Attributes) Validate() error {
	if a.Revision != 0 {
		return errors.Newf(errors.CodeNotSupportedYet, "attributes revision %d is not supported, only 0", a.Revision)
	}
	if _, exists := a.Fields["id"]; exists {
		return errors.New(errors.CodeInvalidParameter, "field 'id' is implicit and must not be declared")
	}
	if a.Y == "" {
		return errors.New(errors.CodeInvalidParameter, "attributes.y is required")
	}
	if _, ok := a.Fields[a.Y]; !ok {
		return errors.Newf(errors.CodeInvalidParameter, "y field %q is not declared in fields", a.Y)
	}
	if len(a.X) == 0 {
		return errors.New(errors.CodeInvalidParameter, "attributes.x must declare at least one feature")
	}
	for _, name := range a.X {
		if _, ok := a.Fields[name]; !ok {
			return errors.Newf(errors.CodeInvalidParameter, "x field %q is not declared in fields", name)
		}
	}
	return nil
}

// Config holds the engine's property.txt configuration.
type Config struct {
	Version               string `mapstructure:"ver"`
	DBType                string `mapstructure:"db.type"`
	DBName                string `mapstructure:"db.dbname"`
	DBTablenamePrefix      string `mapstructure:"db.tablename.prefix"`
	WeakAccuracy          float64 `mapstructure:"model.weak_treenode_condition.accuracy"`
	WeakTotalCount        int64   `mapstructure:"model.weak_treenode_condition.total_count"`
	ChunkLimitUse         bool    `mapstructure:"limit.chunk.use"`
	ChunkLimitLowerBound  int64   `mapstructure:"limit.chunk.instance_lower_bound"`
	ChunkLimitUpperBound  int64   `mapstructure:"limit.chunk.instance_upper_bound"`
	DebugVerify           bool    `mapstructure:"debug.verify"`
	TelemetryEnabled      bool    `mapstructure:"telemetry.enabled"`

	// TreeMinInstances, TreePruningWeight and TreeEarlyStopWeight are the
	// tree builder's hyperparameters; they are not part of the original
	// property.txt key set but are exposed the same way for operator tuning.
	TreeMinInstances    int64   `mapstructure:"model.tree.min_instances"`
	TreePruningWeight   float64 `mapstructure:"model.tree.pruning_weight"`
	TreeEarlyStopWeight float64 `mapstructure:"model.tree.early_stop_weight"`

	Attributes Attributes `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.tablename.prefix", "")
	v.SetDefault("model.weak_treenode_condition.accuracy", 0.8)
	v.SetDefault("model.weak_treenode_condition.total_count", 5)
	v.SetDefault("limit.chunk.use", false)
	v.SetDefault("debug.verify", false)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("model.tree.min_instances", int64(2))
	v.SetDefault("model.tree.pruning_weight", 1.0)
	v.SetDefault("model.tree.early_stop_weight", 0.0)
}

// Load reads property.txt and conf/attributes.json from baseDir and returns
// a validated Config.
func Load(baseDir string) (*Config, error) {
	// property.txt keys contain dots ("db.type"); a delimiter that never
	// occurs in them keeps viper from nesting them, so the flat
	// mapstructure tags on Config match.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	setDefaults(v)

	v.SetConfigFile(filepath.Join(baseDir, "property.txt"))
	v.SetConfigType("properties")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(errors.CodeItemNotFound, "property.txt not readable", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.CodeInternalError, "failed to unmarshal property.txt", err)
	}

	attrs, err := loadAttributes(filepath.Join(baseDir, "conf", "attributes.json"))
	if err != nil {
		return nil, err
	}
	cfg.Attributes = *attrs

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadAttributes(path string) (*Attributes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.CodeItemNotFound, "conf/attributes.json not readable", err)
	}

	var attrs Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, errors.Wrap(errors.CodeInvalidParameter, "conf/attributes.json is not valid json", err)
	}
	if err := attrs.Validate(); err != nil {
		return nil, err
	}
	return &attrs, nil
}

// Validate enforces the required property.txt keys.
func (c *Config) Validate() error {
	if c.Version == "" {
		return errors.New(errors.CodeInvalidParameter, "property 'ver' is required")
	}
	if c.DBType == "" {
		return errors.New(errors.CodeInvalidParameter, "property 'db.type' is required")
	}
	switch c.DBType {
	case "sqlite", "mysql", "postgres":
	default:
		return errors.Newf(errors.CodeInvalidParameter, "unsupported db.type %q", c.DBType)
	}
	if c.DBName == "" {
		return errors.New(errors.CodeInvalidParameter, "property 'db.dbname' is required")
	}
	if c.ChunkLimitUse && c.ChunkLimitLowerBound > c.ChunkLimitUpperBound {
		return errors.New(errors.CodeInvalidParameter, "limit.chunk.instance_lower_bound must be <= instance_upper_bound")
	}
	return nil
}

// DBPath returns the on-disk path of the sqlite database file, relative to
// baseDir, following the project's conventional sqlite/<dbname>.db layout.
func (c *Config) DBPath(baseDir string) string {
	return filepath.Join(baseDir, "sqlite", c.DBName+".db")
}

// WritePropertyDefault writes a fresh property.txt with the minimal required
// keys, used by project.Create.
func WritePropertyDefault(baseDir, version, dbType, dbName string) error {
	path := filepath.Join(baseDir, "property.txt")
	content := fmt.Sprintf("ver=%s\ndb.type=%s\ndb.dbname=%s\n", version, dbType, dbName)
	return os.WriteFile(path, []byte(content), 0644)
}

// SetProperty rewrites a single key=value line in property.txt, preserving
// every other line and appending the key if it was absent.
func SetProperty(baseDir, name, value string) error {
	path := filepath.Join(baseDir, "property.txt")
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(errors.CodeItemNotFound, "property.txt not readable", err)
	}

	lines := splitLines(string(data))
	found := false
	for i, line := range lines {
		key, _, ok := splitKV(line)
		if ok && key == name {
			lines[i] = name + "=" + value
			found = true
			break
		}
	}
	if !found {
		lines = append(lines, name+"="+value)
	}

	return os.WriteFile(path, []byte(joinLines(lines)), 0644)
}
