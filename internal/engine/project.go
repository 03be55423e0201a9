package engine

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/perf-analysis/pkg/config"
	"github.com/perf-analysis/pkg/errors"
)

// Create scaffolds a new project directory: property.txt with the minimal
// required keys, and an empty conf/attributes.json declaring no fields yet.
// AddField/SetX/SetY then build up the attribute declaration before the
// first InsertChunkCSV/Rebuild call.
func Create(baseDir, version, dbType, dbName string) error {
	if err := os.MkdirAll(filepath.Join(baseDir, "conf"), 0755); err != nil {
		return errors.Wrap(errors.CodeInternalError, "failed to create conf directory", err)
	}
	if err := os.MkdirAll(filepath.Join(baseDir, "sqlite"), 0755); err != nil {
		return errors.Wrap(errors.CodeInternalError, "failed to create sqlite directory", err)
	}

	if err := config.WritePropertyDefault(baseDir, version, dbType, dbName); err != nil {
		return err
	}

	attrs := config.Attributes{Fields: map[string]config.FieldType{}}
	return writeAttributes(baseDir, attrs)
}

// SetProperty rewrites one property.txt key, delegating to
// config.SetProperty.
func SetProperty(baseDir, name, value string) error {
	return config.SetProperty(baseDir, name, value)
}

func attributesPath(baseDir string) string {
	return filepath.Join(baseDir, "conf", "attributes.json")
}

func readAttributes(baseDir string) (config.Attributes, error) {
	data, err := os.ReadFile(attributesPath(baseDir))
	if err != nil {
		return config.Attributes{}, errors.Wrap(errors.CodeItemNotFound, "conf/attributes.json not readable", err)
	}
	var attrs config.Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return config.Attributes{}, errors.Wrap(errors.CodeInvalidParameter, "conf/attributes.json is not valid json", err)
	}
	return attrs, nil
}

// writeAttributes marshals attrs and writes it over conf/attributes.json. It
// does not validate: AddField is called before X and Y are declared, and an
// incomplete-but-in-progress declaration must still be persisted between CLI
// invocations.
func writeAttributes(baseDir string, attrs config.Attributes) error {
	data, err := json.MarshalIndent(attrs, "", "  ")
	if err != nil {
		return errors.Wrap(errors.CodeInternalError, "failed to encode conf/attributes.json", err)
	}
	if err := os.WriteFile(attributesPath(baseDir), data, 0644); err != nil {
		return errors.Wrap(errors.CodeInternalError, "failed to write conf/attributes.json", err)
	}
	return nil
}

// AddField declares one instance field and its type. It does not add the
// field to X or Y; SetX/SetY do that separately, mirroring the original
// tool's incremental attributes.json authoring flow.
func AddField(baseDir, name string, dtype config.FieldType) error {
	if name == "id" {
		return errors.New(errors.CodeInvalidParameter, "field 'id' is implicit and must not be declared")
	}
	attrs, err := readAttributes(baseDir)
	if err != nil {
		return err
	}
	if attrs.Fields == nil {
		attrs.Fields = map[string]config.FieldType{}
	}
	attrs.Fields[name] = dtype
	return writeAttributes(baseDir, attrs)
}

// SetX declares the ordered feature vector. Every name must already be a
// declared field via AddField.
func SetX(baseDir string, names []string) error {
	attrs, err := readAttributes(baseDir)
	if err != nil {
		return err
	}
	attrs.X = names
	if attrs.Y != "" {
		if err := attrs.Validate(); err != nil {
			return err
		}
	} else {
		for _, name := range names {
			if _, ok := attrs.Fields[name]; !ok {
				return errors.Newf(errors.CodeInvalidParameter, "x field %q is not declared in fields", name)
			}
		}
	}
	return writeAttributes(baseDir, attrs)
}

// SetY declares the label field. name must already be a declared field via
// AddField.
func SetY(baseDir, name string) error {
	attrs, err := readAttributes(baseDir)
	if err != nil {
		return err
	}
	if _, ok := attrs.Fields[name]; !ok {
		return errors.Newf(errors.CodeInvalidParameter, "y field %q is not declared in fields", name)
	}
	attrs.Y = name
	if len(attrs.X) > 0 {
		if err := attrs.Validate(); err != nil {
			return err
		}
	}
	return writeAttributes(baseDir, attrs)
}
