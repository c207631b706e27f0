// Package repo is the SQLite implementation of the storage ports in
// internal/store. All SQL is hand written; every method maps sql.ErrNoRows
// to store.ErrNotFound so callers never see driver errors for misses.
package repo

import (
	"database/sql"
	"time"
)

type Repo struct {
	DB *sql.DB
}

func nullablePtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
