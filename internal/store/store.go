// Package store implements SQLite persistence for every toolforge entity:
// tools and their version history, execution records, mined workflow
// patterns, policy versions, sessions, reflection reports, and the durable
// side of the result cache.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"toolforge/internal/logging"
)

// LocalStore wraps a single SQLite database. All access goes through the
// store's mutex; SQLite itself runs with one connection in WAL mode.
type LocalStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewLocalStore initializes the SQLite database at the given path.
func NewLocalStore(path string) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("Initializing LocalStore at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	store := &LocalStore{db: db, dbPath: path}
	if err := store.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Store("LocalStore initialization complete")
	return store, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tools (
		name TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		parameters TEXT,
		return_type TEXT,
		code TEXT NOT NULL,
		test_code TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		experimental INTEGER NOT NULL DEFAULT 0,
		component_tools TEXT,
		workflow_template TEXT,
		usage_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		embedding TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tool_versions (
		tool_name TEXT NOT NULL,
		version INTEGER NOT NULL,
		code TEXT NOT NULL,
		test_code TEXT,
		change_log TEXT,
		is_current INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tool_name, version)
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		inputs TEXT,
		success INTEGER NOT NULL,
		error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		session_seq INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id, session_seq);
	CREATE INDEX IF NOT EXISTS idx_executions_recorded ON executions(recorded_at);

	CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		sequence TEXT NOT NULL,
		sequence_key TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		frequency INTEGER NOT NULL DEFAULT 1,
		success_rate REAL NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		promoted INTEGER NOT NULL DEFAULT 0,
		last_seen_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tool_relationships (
		from_tool TEXT NOT NULL,
		to_tool TEXT NOT NULL,
		frequency INTEGER NOT NULL DEFAULT 1,
		success_rate REAL NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (from_tool, to_tool)
	);

	CREATE TABLE IF NOT EXISTS skill_edges (
		from_tool TEXT NOT NULL,
		to_tool TEXT NOT NULL,
		frequency INTEGER NOT NULL DEFAULT 1,
		success_ema REAL NOT NULL DEFAULT 0,
		weight REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (from_tool, to_tool)
	);

	CREATE TABLE IF NOT EXISTS mining_state (
		session_id TEXT PRIMARY KEY,
		last_mined_seq INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS policies (
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		value TEXT NOT NULL,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (name, version)
	);

	CREATE TABLE IF NOT EXISTS experiments (
		name TEXT PRIMARY KEY,
		policy_name TEXT NOT NULL,
		variant_a TEXT NOT NULL,
		variant_b TEXT NOT NULL,
		metric TEXT NOT NULL,
		traffic_split REAL NOT NULL DEFAULT 0.5,
		min_samples INTEGER NOT NULL DEFAULT 20,
		a_count INTEGER NOT NULL DEFAULT 0,
		a_sum REAL NOT NULL DEFAULT 0,
		b_count INTEGER NOT NULL DEFAULT 0,
		b_sum REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		winner TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		concluded_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_interaction_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

	CREATE TABLE IF NOT EXISTS reflections (
		id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		failure_class TEXT NOT NULL,
		failure_detail TEXT,
		root_cause TEXT,
		fix_applied INTEGER NOT NULL DEFAULT 0,
		fix_successful INTEGER NOT NULL DEFAULT 0,
		old_version INTEGER NOT NULL DEFAULT 0,
		new_version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		output TEXT,
		hit_count INTEGER NOT NULL DEFAULT 0,
		expires_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *LocalStore) Path() string {
	return s.dbPath
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logging.Store("Closing LocalStore at %s", s.dbPath)
	return s.db.Close()
}
