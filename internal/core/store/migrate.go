package store

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS cache_snapshots (
		fingerprint TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		params TEXT NOT NULL,
		payload TEXT NOT NULL,
		fetched_at INTEGER NOT NULL,
		stored_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cache_snapshots_stored ON cache_snapshots(stored_at);`,
	`CREATE INDEX IF NOT EXISTS idx_cache_snapshots_endpoint ON cache_snapshots(endpoint, stored_at);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errNotInitialized
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	return nil
}
