package database

import (
	"database/sql"

	"go.uber.org/zap"
)

// TableExists reports whether a table is present in the public schema.
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`,
		tableName).Scan(&exists)
	if err != nil {
		return false, err
	}
	zap.S().Infof("Table %v exists: %v", tableName, exists)
	return exists, nil
}

// CheckIfColumnExists reports whether a column is present on a table.
func CheckIfColumnExists(colName, tableName string, db *sql.DB) (bool, error) {
	var exists bool
	err := db.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = $1 AND column_name = $2)`,
		tableName,
		colName).Scan(&exists)
	if err != nil {
		return false, err
	}
	zap.S().Infof("Column %v exists in table %v: %v", colName, tableName, exists)
	return exists, nil
}
