package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gridlane/gridlane/internal/core"
)

const defaultListLimit = 100

// SaveSnapshot upserts a cache entry keyed by its fingerprint.
func (s *Store) SaveSnapshot(ctx context.Context, snap core.Snapshot) error {
	if s == nil || s.DB == nil {
		return errNotInitialized
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if strings.TrimSpace(snap.Fingerprint) == "" {
		return errors.New("snapshot fingerprint is required")
	}

	params, err := json.Marshal(snap.Params)
	if err != nil {
		return fmt.Errorf("encode snapshot params: %w", err)
	}
	payload := snap.Payload.Data
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO cache_snapshots (fingerprint, endpoint, params, payload, fetched_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			endpoint = excluded.endpoint,
			params = excluded.params,
			payload = excluded.payload,
			fetched_at = excluded.fetched_at,
			stored_at = excluded.stored_at
		WHERE excluded.stored_at >= cache_snapshots.stored_at
	`, snap.Fingerprint, snap.Endpoint, string(params), string(payload),
		snap.Payload.FetchedAt.UTC().UnixMilli(), snap.StoredAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}

	return nil
}

// LoadSnapshots returns every snapshot stored at or after since, oldest first.
func (s *Store) LoadSnapshots(ctx context.Context, since time.Time) ([]core.Snapshot, error) {
	if s == nil || s.DB == nil {
		return nil, errNotInitialized
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT fingerprint, endpoint, params, payload, fetched_at, stored_at
		FROM cache_snapshots
		WHERE stored_at >= ?
		ORDER BY stored_at ASC
	`, since.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	return scanSnapshots(rows)
}

// ListSnapshots returns the newest snapshots, optionally for one endpoint.
func (s *Store) ListSnapshots(ctx context.Context, endpoint string, limit int) ([]core.Snapshot, error) {
	if s == nil || s.DB == nil {
		return nil, errNotInitialized
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT fingerprint, endpoint, params, payload, fetched_at, stored_at
		FROM cache_snapshots
	`
	args := []any{}
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		query += " WHERE endpoint = ?"
		args = append(args, endpoint)
	}
	query += " ORDER BY stored_at DESC, fingerprint ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return scanSnapshots(rows)
}

// PurgeSnapshots deletes snapshots stored before olderThan, optionally for
// one endpoint. A zero olderThan purges regardless of age.
func (s *Store) PurgeSnapshots(ctx context.Context, endpoint string, olderThan time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errNotInitialized
	}

	if ctx == nil {
		ctx = context.Background()
	}

	var (
		clauses []string
		args    []any
	)
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		clauses = append(clauses, "endpoint = ?")
		args = append(args, endpoint)
	}
	if !olderThan.IsZero() {
		clauses = append(clauses, "stored_at < ?")
		args = append(args, olderThan.UTC().UnixMilli())
	}

	query := "DELETE FROM cache_snapshots"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	result, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}
	return affected, nil
}

// CountSnapshots returns the number of persisted snapshots.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errNotInitialized
	}

	var count int64
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_snapshots").Scan(&count); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return count, nil
}

func scanSnapshots(rows *sql.Rows) ([]core.Snapshot, error) {
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	var out []core.Snapshot
	for rows.Next() {
		var (
			snap      core.Snapshot
			params    string
			payload   string
			fetchedAt int64
			storedAt  int64
		)
		if err := rows.Scan(&snap.Fingerprint, &snap.Endpoint, &params, &payload, &fetchedAt, &storedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &snap.Params); err != nil {
			return nil, fmt.Errorf("decode snapshot params: %w", err)
		}
		snap.Payload = core.Payload{
			Data:      json.RawMessage(payload),
			FetchedAt: time.UnixMilli(fetchedAt).UTC(),
		}
		snap.StoredAt = time.UnixMilli(storedAt).UTC()
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	return out, nil
}
