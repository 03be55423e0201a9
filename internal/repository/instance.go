package repository

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/perf-analysis/internal/schema"
	"github.com/perf-analysis/pkg/config"
	"github.com/perf-analysis/pkg/errors"
)

// sqlType maps a declared field type to the storage column type used in
// the raw CREATE TABLE statement for the dynamic instance table.
func sqlType(t config.FieldType) string {
	switch t {
	case config.FieldTypeReal:
		return "REAL"
	case config.FieldTypeInt:
		return "INTEGER"
	case config.FieldTypeBigInt:
		return "BIGINT"
	case config.FieldTypeSmall:
		return "SMALLINT"
	case config.FieldTypeText:
		return "TEXT"
	case config.FieldTypeTextID:
		// nominal values are stored as the string table's dense integer
		// id, never as the raw text, so the column itself is integral.
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// EnsureInstanceTable creates the instance table if it does not already
// exist, with one column per field in attrs.Fields (in that slice's
// order, "id" first). The instance table has no fixed Go struct: its
// shape is only known once conf/attributes.json has been loaded.
func (r *Repository) EnsureInstanceTable(ctx context.Context, attrs schema.Attributes) error {
	var cols []string
	for _, f := range attrs.Fields {
		if f.Name == "id" {
			cols = append(cols, `"id" INTEGER PRIMARY KEY AUTOINCREMENT`)
			continue
		}
		cols = append(cols, fmt.Sprintf(`"%s" %s`, f.Name, sqlType(f.Type)))
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, r.tableName("instance"), strings.Join(cols, ", "))
	if err := r.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return errors.Wrap(errors.CodeDatabaseError, "failed to create instance table", err)
	}
	return nil
}

// AddInstance inserts one row into the dynamic instance table and returns
// its assigned id. values must align 1:1 with attrs.Fields excluding "id".
func (r *Repository) AddInstance(ctx context.Context, tx *gorm.DB, attrs schema.Attributes, values map[string]any) (int64, error) {
	cols := make([]string, 0, len(values))
	placeholders := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for _, f := range attrs.Fields {
		if f.Name == "id" {
			continue
		}
		v, ok := values[f.Name]
		if !ok {
			return 0, errors.Newf(errors.CodeInvalidParameter, "missing value for field %q", f.Name)
		}
		cols = append(cols, fmt.Sprintf(`"%s"`, f.Name))
		placeholders = append(placeholders, "?")
		args = append(args, v)
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, r.tableName("instance"), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	result := tx.WithContext(ctx).Exec(stmt, args...)
	if result.Error != nil {
		return 0, errors.Wrap(errors.CodeDatabaseError, "failed to insert instance", result.Error)
	}

	var id int64
	row := tx.WithContext(ctx).Raw(`SELECT last_insert_rowid()`).Row()
	if err := row.Scan(&id); err != nil {
		return 0, errors.Wrap(errors.CodeDatabaseError, "failed to read inserted instance id", err)
	}
	return id, nil
}

// ListInstances reads every persisted instance row, in id order, as a
// name->value map. Used only to build the very first generation, which
// has no prior tree to route instances through and so trains against the
// full accumulated dataset; every later rebuild trains only on the
// instances a weak leaf routed.
func (r *Repository) ListInstances(ctx context.Context, attrs schema.Attributes) ([]map[string]any, error) {
	stmt := fmt.Sprintf(`SELECT * FROM %s ORDER BY id ASC`, r.tableName("instance"))
	rows, err := r.db.WithContext(ctx).Raw(stmt).Rows()
	if err != nil {
		return nil, errors.Wrap(errors.CodeDatabaseError, "failed to list instances", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(errors.CodeDatabaseError, "failed to read instance columns", err)
	}

	var out []map[string]any
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(errors.CodeDatabaseError, "failed to scan instance row", err)
		}
		row := make(map[string]any, len(cols))
		for i, name := range cols {
			row[name] = dest[i]
		}
		out = append(out, row)
	}
	return out, nil
}

// CountInstances returns the total number of persisted instances, used by
// rebuild to compute a generation's weak_instance_ratio against the whole
// dataset rather than just the weak subset it trains on.
func (r *Repository) CountInstances(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Table(r.tableName("instance")).Count(&n).Error
	if err != nil {
		return 0, errors.Wrap(errors.CodeDatabaseError, "failed to count instances", err)
	}
	return n, nil
}

// GetInstance reads one instance row as a name->value map.
func (r *Repository) GetInstance(ctx context.Context, attrs schema.Attributes, id int64) (map[string]any, error) {
	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, r.tableName("instance"))
	rows, err := r.db.WithContext(ctx).Raw(stmt, id).Rows()
	if err != nil {
		return nil, errors.Wrap(errors.CodeDatabaseError, "failed to query instance", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, errors.Newf(errors.CodeItemNotFound, "instance %d not found", id)
	}

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(errors.CodeDatabaseError, "failed to read instance columns", err)
	}
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, errors.Wrap(errors.CodeDatabaseError, "failed to scan instance row", err)
	}

	out := make(map[string]any, len(cols))
	for i, name := range cols {
		out[name] = dest[i]
	}
	return out, nil
}
