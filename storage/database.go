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
	// DefaultDBFileName is the SQLite filename under the app data dir.
	DefaultDBFileName = "queue.db"
	// DefaultMaintenanceInterval spaces WAL truncation and tombstone expiry.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS queue_records (
  record_id        TEXT PRIMARY KEY,
  origin_device_id TEXT NOT NULL,
  sequence         INTEGER NOT NULL,
  status           TEXT NOT NULL CHECK(status IN ('pending','submitted','confirmed','failed')),
  created_at       INTEGER NOT NULL,
  updated_at       INTEGER NOT NULL,
  ciphertext       BLOB NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_queue_records_origin_seq
ON queue_records (origin_device_id, sequence);
`,
	`
CREATE TABLE IF NOT EXISTS origin_watermarks (
  origin_device_id TEXT PRIMARY KEY,
  sequence         INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS seen_transaction_ids (
  transaction_id TEXT PRIMARY KEY,
  recorded_at    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_transaction_recorded_at
ON seen_transaction_ids (recorded_at);
`,
	`
CREATE TABLE IF NOT EXISTS known_devices (
  device_id           TEXT PRIMARY KEY,
  ed25519_public_key  TEXT NOT NULL,
  key_fingerprint     TEXT NOT NULL,
  first_seen          INTEGER NOT NULL,
  last_seen           INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS trusted_roots (
  root_hash TEXT PRIMARY KEY,
  source    TEXT NOT NULL,
  added_at  INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  kind             TEXT NOT NULL,
  origin_device_id TEXT NOT NULL DEFAULT '',
  transaction_id   TEXT NOT NULL DEFAULT '',
  severity         INTEGER NOT NULL CHECK(severity BETWEEN 0 AND 2),
  details          TEXT NOT NULL DEFAULT '{}',
  recorded_at      INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_recorded
ON security_events (recorded_at DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_transaction
ON security_events (transaction_id, recorded_at DESC)
WHERE transaction_id <> '';
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	maintenanceInterval    time.Duration
	maintenanceStop        chan struct{}
	maintenanceWG          sync.WaitGroup
	mu                     sync.Mutex
	securityEventRetention time.Duration
	lastSecurityPrune      time.Time
	tombstoneRetention     time.Duration
	closeOnce              sync.Once
}

// Open opens (or creates) queue.db under the given data directory and runs migrations.
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
	// One connection serializes writers; the queue keeps its own read snapshot in memory.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		maintenanceInterval:    DefaultMaintenanceInterval,
		maintenanceStop:        make(chan struct{}),
		securityEventRetention: DefaultSecurityEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startMaintenance()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.maintenanceStop != nil {
			close(s.maintenanceStop)
			s.maintenanceWG.Wait()
		}
		closeErr = s.db.Close()
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

func (s *Store) startMaintenance() {
	if s.maintenanceInterval <= 0 || s.maintenanceStop == nil {
		return
	}

	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		ticker := time.NewTicker(s.maintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.Maintain(time.Now())
			case <-s.maintenanceStop:
				return
			}
		}
	}()
}

// Maintain expires tombstones older than the tombstone retention and
// truncates the WAL. It runs daily on its own; callers may force a pass.
func (s *Store) Maintain(now time.Time) error {
	s.mu.Lock()
	retention := s.tombstoneRetention
	s.mu.Unlock()

	if retention > 0 {
		if _, err := s.PruneTombstones(now.Add(-retention)); err != nil {
			return err
		}
	}
	return s.checkpointWAL()
}
