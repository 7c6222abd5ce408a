package store

import "fmt"

// Open returns the Storage for driver: "sqlite", "postgres" or "memory".
func Open(driver, dsn string) (Storage, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
