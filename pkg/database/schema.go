package database

import (
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
)

// SchemaValidator checks that the live database matches what the store code expects
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredColumns = map[string]map[string]string{
	"exams": {
		"id":           "INTEGER",
		"titre":        "TEXT",
		"status":       "TEXT",
		"professor_id": "TEXT",
		"room_number":  "TEXT",
		"duration_min": "INTEGER",
		"ends_at":      "DATETIME",
	},
	"logs": {
		"id":        "INTEGER",
		"exam_id":   "INTEGER",
		"matricule": "TEXT",
		"action":    "TEXT",
		"type":      "TEXT",
		"cleared":   "INTEGER",
		"timestamp": "DATETIME",
	},
	"exam_results": {
		"exam_id":      "INTEGER",
		"student_id":   "TEXT",
		"is_finalized": "INTEGER",
	},
	"works": {
		"exam_id":    "INTEGER",
		"student_id": "TEXT",
		"file_paths": "TEXT",
	},
}

var requiredIndexes = []string{
	"idx_exams_status_room",
	"idx_logs_exam_time",
	"idx_works_exam",
}

// Validate verifies tables, column types and indexes
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	tables := []string{"schema_migrations"}
	for table := range requiredColumns {
		tables = append(tables, table)
	}
	for _, table := range tables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return errors.Wrapf(err, "check table %s", table)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies column types
func (v *SchemaValidator) ValidateTableStructure() error {
	for table, columns := range requiredColumns {
		if err := v.validateColumns(table, columns); err != nil {
			return errors.Wrapf(err, "%s table structure invalid", table)
		}
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return errors.Wrapf(err, "check index %s", index)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, dtype  string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &dtype, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dtype
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, want := range expected {
		got, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if got != want {
			return fmt.Errorf("column %s has type %s, expected %s", col, got, want)
		}
	}
	return nil
}
