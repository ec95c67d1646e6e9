// Package storage provides the persistent key/value-over-documents layer:
// history per persona, entity documents, the queue file, extraction-state,
// and snapshots all round-trip through here as json5-encoded documents
// keyed by (collection, id). A sqlite table stands in for a virtual
// filesystem, and every write keeps a ".bak" shadow of the previous
// payload.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/flare576/ei/internal/aierrors"
)

// Store is a sqlite-backed document store. One Store is shared by every
// collection; per-path serialization is handled by per-key mutexes so that
// concurrent writers to different documents never block each other, while
// writers to the same (collection, id) document are strictly ordered.
type Store struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open opens (creating if needed) the sqlite database at path and ensures
// the documents table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(collection, id string) *sync.Mutex {
	key := collection + "\x00" + id
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

// Read loads a document into dst (a pointer), reporting whether it existed.
func (s *Store) Read(ctx context.Context, collection, id string, dst any) (bool, error) {
	var payload string
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM documents WHERE collection=? AND id=?`, collection, id)
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("storage: read %s/%s: %w", collection, id, err)
	}
	if err := json5.Unmarshal([]byte(payload), dst); err != nil {
		return false, &aierrors.DataError{Collection: collection, ID: id, Cause: err}
	}
	return true, nil
}

// Write atomically persists doc under (collection, id), keeping a ".bak"
// shadow of whatever was there before, and serializes concurrent writers to
// the same key via a per-key mutex.
func (s *Store) Write(ctx context.Context, collection, id string, doc any, nowMs int64) error {
	mu := s.lockFor(collection, id)
	mu.Lock()
	defer mu.Unlock()

	payload, err := json5.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode %s/%s: %w", collection, id, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	var prev string
	row := tx.QueryRowContext(ctx, `SELECT payload FROM documents WHERE collection=? AND id=?`, collection, id)
	if err := row.Scan(&prev); err == nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO documents (collection, id, payload, updated_at_ms)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(collection, id) DO UPDATE SET payload=excluded.payload, updated_at_ms=excluded.updated_at_ms`,
			collection, id+":bak", prev, nowMs); err != nil {
			return fmt.Errorf("storage: write backup %s/%s: %w", collection, id, err)
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("storage: read previous %s/%s: %w", collection, id, err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO documents (collection, id, payload, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET payload=excluded.payload, updated_at_ms=excluded.updated_at_ms`,
		collection, id, string(payload), nowMs); err != nil {
		return fmt.Errorf("storage: write %s/%s: %w", collection, id, err)
	}

	return tx.Commit()
}

// Delete removes a document (used by snapshot pruning of on-disk saves).
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	mu := s.lockFor(collection, id)
	mu.Lock()
	defer mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection=? AND id=?`, collection, id)
	return err
}

// ListIDs returns every document id in a collection, for enumeration
// (saved-snapshot listing).
func (s *Store) ListIDs(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents WHERE collection=? AND id NOT LIKE '%:bak' ORDER BY id`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
