package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const pqUniqueViolation = "23505"

var postgresDialect = dialect{
	name:              "postgres",
	numberedParams:    true,
	isUniqueViolation: isPostgresUniqueViolation,
}

// NewPostgresStore connects to Postgres with a lib/pq connection string and
// applies the schema migrations.
func NewPostgresStore(connStr string) (*SQLStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLStore{db: db, dialect: postgresDialect}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
