// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the Klingon node.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "klingdex.db")

	// Open database
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	// Initialize schema
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Known peers table
	CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		addresses TEXT,
		first_seen INTEGER,
		last_seen INTEGER,
		last_connected INTEGER,
		connection_count INTEGER DEFAULT 0,
		is_bootstrap INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);

	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- =========================================================================
	-- Market protocol core: orders, orderbook ticks, transactions
	-- =========================================================================

	-- Orders table. Rows with is_local=1 are orders this node created and owns
	-- (the reservation ledger lives here); rows with is_local=0 are ticks this
	-- node has accepted into its matchmaker orderbook.
	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,       -- hex(trader_id) '.' order_number
		trader_id TEXT NOT NULL,
		order_number INTEGER NOT NULL,
		is_ask INTEGER NOT NULL,
		base_asset TEXT NOT NULL,
		base_amount INTEGER NOT NULL,
		quote_asset TEXT NOT NULL,
		quote_amount INTEGER NOT NULL,
		traded INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'unverified',
		timeout_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		block_hash TEXT,
		is_local INTEGER NOT NULL DEFAULT 1,
		reserved_json TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_trader ON orders(trader_id);
	CREATE INDEX IF NOT EXISTS idx_orders_pair ON orders(base_asset, quote_asset, is_ask);
	CREATE INDEX IF NOT EXISTS idx_orders_local ON orders(is_local);

	-- Order ids recorded as finished through MarkOrderTerminal. The in-memory
	-- OrderBook keeps its own terminal sets and does not read this table.
	CREATE TABLE IF NOT EXISTS orderbook_terminal (
		order_id TEXT PRIMARY KEY,
		reason TEXT NOT NULL,           -- 'completed' or 'cancelled'
		recorded_at INTEGER NOT NULL
	);

	-- Bilateral settlement transactions.
	CREATE TABLE IF NOT EXISTS transactions (
		transaction_id TEXT PRIMARY KEY,   -- hex(trader_id) '.' transaction_number
		order_id TEXT NOT NULL,
		partner_order_id TEXT NOT NULL,
		base_asset TEXT NOT NULL,
		agreed_base_amount INTEGER NOT NULL,
		agreed_quote_amount INTEGER NOT NULL,
		transferred_base_amount INTEGER NOT NULL DEFAULT 0,
		transferred_quote_amount INTEGER NOT NULL DEFAULT 0,
		incoming_address TEXT,
		outgoing_address TEXT,
		partner_incoming_address TEXT,
		partner_outgoing_address TEXT,
		sent_wallet_info INTEGER NOT NULL DEFAULT 0,
		received_wallet_info INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_order ON transactions(order_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);

	-- Payments applied against a transaction (spec Payment records).
	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id TEXT NOT NULL,
		payment_id TEXT NOT NULL,
		asset TEXT NOT NULL,
		amount INTEGER NOT NULL,
		success INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (transaction_id) REFERENCES transactions(transaction_id)
	);

	CREATE INDEX IF NOT EXISTS idx_payments_tx ON payments(transaction_id);

	-- Append-only signed block log (the Chain capability's storage).
	CREATE TABLE IF NOT EXISTS chain_blocks (
		hash TEXT PRIMARY KEY,
		block_type TEXT NOT NULL,
		trader_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		previous_hash TEXT,
		linked_hash TEXT,
		version INTEGER NOT NULL,
		payload BLOB NOT NULL,
		signature BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chain_blocks_trader ON chain_blocks(trader_id, sequence_number);
	CREATE INDEX IF NOT EXISTS idx_chain_blocks_type ON chain_blocks(block_type);
	CREATE INDEX IF NOT EXISTS idx_chain_blocks_linked ON chain_blocks(linked_hash);

	-- =========================================================================
	-- P2P Message Queue (for reliable direct messaging)
	-- =========================================================================

	-- Outbound message queue (pending delivery with retry)
	CREATE TABLE IF NOT EXISTS message_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,      -- UUID for deduplication
		correlation_id TEXT NOT NULL,         -- Associated order/transaction/proposal correlation
		peer_id TEXT NOT NULL,                -- Target peer
		message_type TEXT NOT NULL,           -- match, proposed_trade, wallet_info, etc.
		payload BLOB NOT NULL,                -- Full message JSON
		sequence_num INTEGER NOT NULL,        -- Per-correlation sequence number

		-- Delivery deadline (for retry decision)
		deadline INTEGER NOT NULL,            -- Unix timestamp after which delivery is abandoned

		-- Retry tracking
		created_at INTEGER NOT NULL,          -- When message was queued
		retry_count INTEGER DEFAULT 0,        -- Number of send attempts
		last_attempt_at INTEGER,              -- Last send attempt timestamp
		next_retry_at INTEGER NOT NULL,       -- When to retry next

		-- Delivery status
		acked_at INTEGER,                     -- When ACK received (NULL until ACKed)
		status TEXT DEFAULT 'pending',        -- pending, sent, acked, failed, expired
		error_message TEXT                    -- Error if failed
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON message_outbox(status, next_retry_at)
		WHERE status = 'pending' OR status = 'sent';
	CREATE INDEX IF NOT EXISTS idx_outbox_correlation ON message_outbox(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_peer ON message_outbox(peer_id, status);
	CREATE INDEX IF NOT EXISTS idx_outbox_message ON message_outbox(message_id);

	-- Inbound message log (for deduplication/idempotency)
	CREATE TABLE IF NOT EXISTS message_inbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,      -- UUID from sender (for dedup)
		correlation_id TEXT NOT NULL,         -- Associated order/transaction/proposal correlation
		peer_id TEXT NOT NULL,                -- Sender peer ID
		message_type TEXT NOT NULL,           -- Message type
		sequence_num INTEGER NOT NULL,        -- Sequence number from sender

		-- Processing status
		received_at INTEGER NOT NULL,         -- When received
		processed_at INTEGER,                 -- When handler completed (NULL until done)
		ack_sent INTEGER DEFAULT 0            -- Whether ACK was sent
	);

	CREATE INDEX IF NOT EXISTS idx_inbox_message ON message_inbox(message_id);
	CREATE INDEX IF NOT EXISTS idx_inbox_correlation ON message_inbox(correlation_id, sequence_num);
	CREATE INDEX IF NOT EXISTS idx_inbox_peer ON message_inbox(peer_id);

	-- Sequence number tracking per correlation (for ordering)
	CREATE TABLE IF NOT EXISTS message_sequences (
		correlation_id TEXT PRIMARY KEY,
		local_seq INTEGER DEFAULT 0,          -- Last outbound sequence number issued
		remote_seq INTEGER DEFAULT 0,         -- Last received inbound sequence number
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Run migrations for existing databases
	return s.runMigrations()
}

// runMigrations runs schema migrations for existing databases.
// These are ALTER TABLE statements that add columns to existing tables.
// Errors are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE orders ADD COLUMN block_hash TEXT",
	}

	for _, migration := range migrations {
		// Ignore errors - column may already exist
		_, _ = s.db.Exec(migration)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
