// Package store persists the vault's durable state: the local peer id, the
// registry snapshot, and per-note snapshots. It is the SQLite-backed
// (modernc.org/sqlite, pure Go) writer behind the flat on-disk layout named
// in spec.md §6 (.sync/peer_id, .sync/registry.bin, .sync/docs/{note_id}.bin):
// callers still think in terms of those three blobs, but every write here is
// transactional so a crash mid-write cannot corrupt the snapshot directory.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store owns a single SQLite database file, typically <vault>/.sync/store.db.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the database at path, enabling WAL mode
// and foreign key enforcement — the same opening sequence the teacher's
// db layer used for crash-safety.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS note_snapshots (
	note_id    TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const (
	keyPeerID           = "peer_id"
	keyRegistrySnapshot = "registry_snapshot"
)

// SavePeerID persists the local peer id string (spec.md §6 .sync/peer_id).
func (s *Store) SavePeerID(ctx context.Context, peerID string) error {
	return s.putKV(ctx, keyPeerID, []byte(peerID))
}

// LoadPeerID returns the persisted peer id, or ("", false) if none is stored.
func (s *Store) LoadPeerID(ctx context.Context) (string, bool, error) {
	v, ok, err := s.getKV(ctx, keyPeerID)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// SaveRegistrySnapshot persists the full registry export (spec.md §6
// .sync/registry.bin).
func (s *Store) SaveRegistrySnapshot(ctx context.Context, data []byte) error {
	return s.putKV(ctx, keyRegistrySnapshot, data)
}

// LoadRegistrySnapshot returns the last persisted registry export, if any.
func (s *Store) LoadRegistrySnapshot(ctx context.Context) ([]byte, bool, error) {
	return s.getKV(ctx, keyRegistrySnapshot)
}

// SaveNoteSnapshot persists a per-note snapshot (spec.md §6
// .sync/docs/{note_id}.bin) so cold start can skip replaying full history.
func (s *Store) SaveNoteSnapshot(ctx context.Context, noteID string, data []byte, updatedAtUnix int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO note_snapshots(note_id, data, updated_at) VALUES (?, ?, ?)
ON CONFLICT(note_id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at
`, noteID, data, updatedAtUnix)
	if err != nil {
		return fmt.Errorf("store: save note snapshot %s: %w", noteID, err)
	}
	return nil
}

// LoadNoteSnapshot returns a previously persisted per-note snapshot.
func (s *Store) LoadNoteSnapshot(ctx context.Context, noteID string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM note_snapshots WHERE note_id = ?`, noteID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: load note snapshot %s: %w", noteID, err)
	}
	return data, true, nil
}

// DeleteNoteSnapshot removes a per-note snapshot, e.g. once its registry
// entry is tombstoned and the note is no longer live.
func (s *Store) DeleteNoteSnapshot(ctx context.Context, noteID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM note_snapshots WHERE note_id = ?`, noteID)
	if err != nil {
		return fmt.Errorf("store: delete note snapshot %s: %w", noteID, err)
	}
	return nil
}

// NoteIDs lists every note id with a persisted snapshot.
func (s *Store) NoteIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT note_id FROM note_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("store: list note ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan note id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) putKV(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value
`, key, value)
	if err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) getKV(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get %s: %w", key, err)
	}
	return v, true, nil
}

// Path returns the database file path for a given vault's .sync directory.
func Path(vaultRoot string) string {
	return filepath.Join(vaultRoot, ".sync", "store.db")
}
