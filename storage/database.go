package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "peerdrop.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultHistoryRetention controls automatic pruning of archived rows.
	DefaultHistoryRetention = 30 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS requests (
  session_id     TEXT NOT NULL,
  id             INTEGER NOT NULL,
  timestamp      INTEGER NOT NULL,
  type           TEXT NOT NULL,
  status         TEXT NOT NULL,
  direction      TEXT NOT NULL CHECK(direction IN ('inbound','outbound')),
  remote_address TEXT NOT NULL DEFAULT '',
  remote_name    TEXT NOT NULL DEFAULT '',
  body           TEXT,
  error          TEXT,
  updated_at     INTEGER NOT NULL,
  PRIMARY KEY (session_id, id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_requests_time
ON requests (timestamp DESC, session_id, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS file_transfers (
  session_id          TEXT NOT NULL,
  id                  INTEGER NOT NULL,
  direction           TEXT NOT NULL CHECK(direction IN ('inbound','outbound')),
  initiator           TEXT NOT NULL CHECK(initiator IN ('self','remote_server')),
  status              TEXT NOT NULL,
  file_name           TEXT NOT NULL,
  file_size           INTEGER NOT NULL DEFAULT 0,
  file_type           TEXT,
  local_folder        TEXT NOT NULL DEFAULT '',
  remote_folder       TEXT NOT NULL DEFAULT '',
  remote_address      TEXT NOT NULL DEFAULT '',
  bytes_transferred   INTEGER NOT NULL DEFAULT 0,
  percent_complete    REAL NOT NULL DEFAULT 0,
  retry_counter       INTEGER NOT NULL DEFAULT 0,
  retry_limit         INTEGER NOT NULL DEFAULT 0,
  lockout_expires_at  INTEGER,
  response_code       INTEGER NOT NULL DEFAULT 0,
  remote_transfer_id  INTEGER NOT NULL DEFAULT 0,
  error_message       TEXT,
  requested_at        INTEGER NOT NULL,
  started_at          INTEGER,
  completed_at        INTEGER,
  updated_at          INTEGER NOT NULL,
  PRIMARY KEY (session_id, id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_file_transfers_time
ON file_transfers (requested_at DESC, session_id, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_file_transfers_status
ON file_transfers (status, requested_at DESC);
`,
	`
CREATE TABLE IF NOT EXISTS peers (
  device_id       TEXT PRIMARY KEY,
  device_name     TEXT NOT NULL,
  address         TEXT NOT NULL,
  port            INTEGER NOT NULL,
  platform        TEXT NOT NULL DEFAULT '',
  transfer_folder TEXT NOT NULL DEFAULT '',
  first_seen      INTEGER NOT NULL,
  last_seen       INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peers_last_seen
ON peers (last_seen DESC, device_id);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	historyRetention      time.Duration
	closeOnce             sync.Once
}

// Open opens (or creates) peerdrop.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		historyRetention:      DefaultHistoryRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := store.PruneHistory(time.Now().Add(-store.historyRetention)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_, _ = s.PruneHistory(time.Now().Add(-s.historyRetention))
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
