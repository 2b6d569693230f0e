// Package storage provides the sqlite-backed persistence layer consumed
// by the core engine: the peer table, message history, and the offline
// outbox.
package storage

import (
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrNotFound = errors.New("not found")
)

// kdfSalt is fixed: the database is single-user and local, the key only
// has to differ per password.
var kdfSalt = []byte("lantalk-node.v1")

const kdfIterations = 4096

// Store manages the local database. Message content is encrypted at rest
// with a key derived from the user password.
type Store struct {
	db  *sql.DB
	key []byte
}

// Open opens (creating if needed) the database at dbPath.
func Open(dbPath, password string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency between the worker and API reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:  db,
		key: pbkdf2.Key([]byte(password), kdfSalt, kdfIterations, 32, sha256.New),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	-- Peers table, one row per IP
	CREATE TABLE IF NOT EXISTS peers (
		ip TEXT PRIMARY KEY,
		port INTEGER NOT NULL,
		username TEXT NOT NULL,
		hostname TEXT NOT NULL,
		nickname TEXT NOT NULL DEFAULT '',
		last_seen INTEGER NOT NULL
	);

	-- Message history, content encrypted at rest
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_ip TEXT NOT NULL,
		packet_id INTEGER NOT NULL,
		content BLOB NOT NULL,
		is_outgoing INTEGER NOT NULL,
		acked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(peer_ip, created_at);

	-- Offline outbox, drained when the peer comes back online
	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_ip TEXT NOT NULL,
		content BLOB NOT NULL,
		want_ack INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_peer ON outbox(peer_ip, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
