package store

import (
	"context"
	"strings"
)

// NewStore picks Postgres when databaseURL is set, SQLite when sqlitePath is
// set, and an in-memory store otherwise. The returned mode is reported by the
// readiness endpoint.
func NewStore(ctx context.Context, databaseURL, sqlitePath string) (Store, string, error) {
	if strings.TrimSpace(databaseURL) != "" {
		s, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, "", err
		}
		return s, "postgres", nil
	}
	if strings.TrimSpace(sqlitePath) != "" {
		s, err := NewSQLiteStore(ctx, sqlitePath)
		if err != nil {
			return nil, "", err
		}
		return s, "sqlite", nil
	}
	return NewInMemoryStore(), "in-memory", nil
}
