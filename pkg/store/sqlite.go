package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// sqliteParams enable foreign keys and WAL, wait on locks instead of failing
// with SQLITE_BUSY, and take the write lock at BEGIN so two payment commits
// never interleave.
const sqliteParams = "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"

var sqliteDialect = dialect{
	name:              "sqlite3",
	isUniqueViolation: isSQLiteUniqueViolation,
}

// NewSQLiteStore opens the SQLite database at dataSourceName and applies
// the schema migrations.
func NewSQLiteStore(dataSourceName string) (*SQLStore, error) {
	sep := "?"
	if strings.Contains(dataSourceName, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dataSourceName+sep+sqliteParams)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLStore{db: db, dialect: sqliteDialect}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
