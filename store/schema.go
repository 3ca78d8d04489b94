// Package store implements the local message store (§4.8): conversation
// history, contact and group persistence, unread/delivery state, and the
// retry queue backing outbound delivery. It is the single on-disk
// collaborator the engine façade reads and writes; every other package
// in this module is pure or DHT-facing.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Config configures where a Store keeps its on-disk database.
type Config struct {
	// DataDir is the directory the database file lives in. It is
	// created (mode 0700) if missing.
	DataDir string

	// Log receives store lifecycle and query-failure messages. A nil
	// Log falls back to logrus.StandardLogger().
	Log *logrus.Logger
}

// Store is the local message store: one SQLite database per identity,
// opened in WAL mode with a single-writer connection pool since SQLite
// only supports one writer at a time.
type Store struct {
	db  *sql.DB
	log *logrus.Logger
	mu  sync.Mutex // serializes the atomic seq_num allocation in AllocateSeqNum
}

// Open creates or opens the store database under cfg.DataDir and brings
// its schema up to date.
func Open(cfg *Config) (*Store, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "messages.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	// SQLite has exactly one writer; serialize through a single
	// connection so busy-timeout retries, not spurious SQLITE_BUSY
	// errors, absorb contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, log: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// OpenInMemory opens a store backed by an in-memory SQLite database,
// for tests and for ephemeral/anonymous identities that opt out of
// history.
func OpenInMemory(log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	// SetMaxOpenConns(1) pins every query to the same underlying
	// connection, so a plain ":memory:" database (otherwise distinct
	// per connection) behaves as one durable database for the Store's
	// lifetime without needing a shared-cache name that could leak
	// state across unrelated Store instances in the same process.
	db, err := sql.Open("sqlite", ":memory:?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS messages (
	msg_id          TEXT PRIMARY KEY,
	direction       TEXT NOT NULL,      -- 'in' | 'out'
	peer_fp         TEXT NOT NULL,
	seq_num         INTEGER NOT NULL,
	plaintext       BLOB,
	ciphertext_ref  BLOB,
	timestamp       INTEGER NOT NULL,
	state           TEXT NOT NULL,      -- queued|sending|sent|delivered|read|failed
	retry_count     INTEGER NOT NULL DEFAULT 0,
	UNIQUE(peer_fp, seq_num, direction)
);
CREATE INDEX IF NOT EXISTS idx_messages_peer_ts ON messages(peer_fp, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_state ON messages(state);

CREATE TABLE IF NOT EXISTS contacts (
	fp             TEXT PRIMARY KEY,
	nickname       TEXT,
	display_name   TEXT,
	last_seen      INTEGER,
	last_ack_recv  INTEGER NOT NULL DEFAULT 0,
	last_ack_sent  INTEGER NOT NULL DEFAULT 0,
	dm_last_sync   INTEGER NOT NULL DEFAULT 0,
	blocked        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS groups (
	uuid         TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	owner_fp     TEXT NOT NULL,
	gek_version  INTEGER NOT NULL,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
	group_uuid  TEXT NOT NULL,
	fp          TEXT NOT NULL,
	added_at    INTEGER NOT NULL,
	PRIMARY KEY (group_uuid, fp)
);

CREATE TABLE IF NOT EXISTS gek_cache (
	group_uuid  TEXT NOT NULL,
	version     INTEGER NOT NULL,
	gek_bytes   BLOB NOT NULL,
	PRIMARY KEY (group_uuid, version)
);

CREATE TABLE IF NOT EXISTS queue (
	msg_id         TEXT PRIMARY KEY,
	next_retry_at  INTEGER NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (msg_id) REFERENCES messages(msg_id)
);
CREATE INDEX IF NOT EXISTS idx_queue_next_retry ON queue(next_retry_at);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schemaDDL)
	return err
}

// unixMilli and fromUnixMilli convert between time.Time and the INTEGER
// columns every timestamp in this schema is stored as.
func unixMilli(t time.Time) int64 { return t.UnixMilli() }
func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
