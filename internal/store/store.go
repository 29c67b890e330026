// Package store is the durable, transactional record of vaults, presigned
// transactions, spend drafts and the chain tip. It follows the
// teacher's storage package shape: a single *sql.DB wrapped in a narrow
// struct, WAL journal mode, and a single-writer connection pool so SQLite
// itself serializes concurrent mutators instead of a Go-side mutex.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/revault-labs/vaultd/pkg/logging"
)

// Config configures where the store's database file lives.
type Config struct {
	DataDir string
}

// Store is the vault daemon's persistence layer.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	log    *logging.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS tip (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	height INTEGER NOT NULL,
	hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	wallet_id TEXT NOT NULL,
	birth_timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS derivation (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	next_index INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS vaults (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	deposit_txid TEXT NOT NULL,
	deposit_vout INTEGER NOT NULL,
	amount INTEGER NOT NULL,
	derivation_index INTEGER NOT NULL,
	status TEXT NOT NULL,
	blockheight INTEGER,
	received_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	spend_txid TEXT,
	unvault_txid TEXT,
	UNIQUE(deposit_txid, deposit_vout)
);
CREATE INDEX IF NOT EXISTS idx_vaults_status ON vaults(status);
CREATE INDEX IF NOT EXISTS idx_vaults_unvault_txid ON vaults(unvault_txid);
CREATE INDEX IF NOT EXISTS idx_vaults_spend_txid ON vaults(spend_txid);

CREATE TABLE IF NOT EXISTS presigned_transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	vault_id INTEGER NOT NULL REFERENCES vaults(id),
	kind TEXT NOT NULL,
	psbt BLOB NOT NULL,
	UNIQUE(vault_id, kind)
);

CREATE TABLE IF NOT EXISTS spends (
	txid TEXT PRIMARY KEY,
	psbt BLOB NOT NULL,
	state TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS spend_inputs (
	spend_txid TEXT NOT NULL REFERENCES spends(txid),
	unvault_txid TEXT NOT NULL,
	PRIMARY KEY (spend_txid, unvault_txid)
);
`

// New opens (creating if necessary) the SQLite database under cfg.DataDir.
func New(cfg *Config, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.Default()
	}
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "vaultd.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection avoids SQLITE_BUSY under WAL without an
	// additional in-process mutex; readers share it, so they are
	// serialized along with writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath, log: log.Component("store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO derivation (id, next_index) VALUES (1, 0)`); err != nil {
		return fmt.Errorf("seeding derivation row: %w", err)
	}
	return nil
}

// DB returns the underlying *sql.DB, for tests that want to inspect schema
// or seed fixtures directly.
func (s *Store) DB() *sql.DB { return s.db }

// withTx runs fn inside a serializable transaction, committing on success
// and rolling back on any error fn returns or panics with. Every
// multi-row mutation that must commit atomically (confirm_deposit,
// presigned_update, the whole reorg rescan) goes through this helper.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
