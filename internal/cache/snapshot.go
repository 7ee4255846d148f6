package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mailsift/mailsift/internal/analysis"
)

// snapshotStore persists cache entries in an embedded sqlite database so
// a warm cache survives restarts without any external infrastructure.
type snapshotStore struct {
	db *sql.DB
}

// openSnapshotStore opens (or creates) the snapshot database with WAL mode
// enabled and the schema initialized.
func openSnapshotStore(ctx context.Context, path string) (*snapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	schema := `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	result_json TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_access INTEGER NOT NULL,
	size INTEGER NOT NULL,
	ttl_ns INTEGER NOT NULL
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, err
	}

	return &snapshotStore{db: db}, nil
}

// load returns every persisted entry ordered by last access, oldest first,
// so callers can rebuild LRU recency by inserting in order.
func (s *snapshotStore) load(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, result_json, created_at, last_access, size, ttl_ns
		 FROM cache_entries ORDER BY last_access ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			ent        Entry
			resultJSON string
			createdNS  int64
			accessNS   int64
			ttlNS      int64
		)
		if err := rows.Scan(&ent.Fingerprint, &resultJSON, &createdNS, &accessNS, &ent.Size, &ttlNS); err != nil {
			return nil, err
		}
		var result analysis.Result
		if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
			return nil, fmt.Errorf("decoding entry %s: %w", ent.Fingerprint, err)
		}
		ent.Result = result
		ent.CreatedAt = time.Unix(0, createdNS)
		ent.LastAccess = time.Unix(0, accessNS)
		ent.TTL = time.Duration(ttlNS)
		entries = append(entries, &ent)
	}
	return entries, rows.Err()
}

// save replaces the snapshot contents with the given entries in one
// transaction.
func (s *snapshotStore) save(ctx context.Context, entries []*Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_entries"); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cache_entries (fingerprint, result_json, created_at, last_access, size, ttl_ns)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ent := range entries {
		resultJSON, err := json.Marshal(ent.Result)
		if err != nil {
			return fmt.Errorf("encoding entry %s: %w", ent.Fingerprint, err)
		}
		if _, err := stmt.ExecContext(ctx,
			ent.Fingerprint,
			string(resultJSON),
			ent.CreatedAt.UnixNano(),
			ent.LastAccess.UnixNano(),
			ent.Size,
			int64(ent.TTL),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// close closes the underlying database.
func (s *snapshotStore) close() error {
	return s.db.Close()
}
