// Package state keeps the SQLite index of processed messages and submitted
// orders. The audit directory holds the full records; this index exists for
// fast duplicate checks and correction lookups.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ProcessedMessage is one row of the processed-message index.
type ProcessedMessage struct {
	MessageID string
	OrderID   string
	AuditDir  string
	Status    string
	CreatedAt time.Time
}

// OrderRecord is one row of the submitted-order index.
type OrderRecord struct {
	IdempotencyKey string
	ERPOrderID     int64
	Status         string
	CreatedAt      time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the state database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processed_messages (
		message_id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		audit_dir TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_processed_order_id ON processed_messages(order_id);
	CREATE INDEX IF NOT EXISTS idx_processed_created ON processed_messages(created_at);

	CREATE TABLE IF NOT EXISTS submitted_orders (
		idempotency_key TEXT PRIMARY KEY,
		erp_order_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate state db: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// IsProcessed reports whether the message was already processed.
func (s *Store) IsProcessed(messageID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM processed_messages WHERE message_id = ?`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query processed: %w", err)
	}
	return true, nil
}

// RecordProcessed indexes one processed message.
func (s *Store) RecordProcessed(m ProcessedMessage) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO processed_messages (message_id, order_id, audit_dir, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.MessageID, m.OrderID, m.AuditDir, m.Status, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record processed: %w", err)
	}
	return nil
}

// ByOrderID returns the processed message with the given order id.
func (s *Store) ByOrderID(orderID string) (*ProcessedMessage, error) {
	return s.queryOne(`
		SELECT message_id, order_id, audit_dir, status, created_at
		FROM processed_messages WHERE order_id = ?`, orderID)
}

// ByMessageID returns the processed message with the given message id.
func (s *Store) ByMessageID(messageID string) (*ProcessedMessage, error) {
	return s.queryOne(`
		SELECT message_id, order_id, audit_dir, status, created_at
		FROM processed_messages WHERE message_id = ?`, messageID)
}

// MostRecentSince returns the newest processed message created after cutoff.
func (s *Store) MostRecentSince(cutoff time.Time) (*ProcessedMessage, error) {
	return s.queryOne(`
		SELECT message_id, order_id, audit_dir, status, created_at
		FROM processed_messages WHERE created_at >= ?
		ORDER BY created_at DESC LIMIT 1`, cutoff.UTC())
}

func (s *Store) queryOne(query string, args ...any) (*ProcessedMessage, error) {
	var m ProcessedMessage
	err := s.db.QueryRow(query, args...).Scan(&m.MessageID, &m.OrderID, &m.AuditDir, &m.Status, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query processed message: %w", err)
	}
	return &m, nil
}

// OrderByKey returns the submitted order with the given idempotency key.
func (s *Store) OrderByKey(key string) (*OrderRecord, error) {
	var o OrderRecord
	err := s.db.QueryRow(`
		SELECT idempotency_key, erp_order_id, status, created_at
		FROM submitted_orders WHERE idempotency_key = ?`, key).
		Scan(&o.IdempotencyKey, &o.ERPOrderID, &o.Status, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// RecordOrder indexes one submitted order. A second insert with the same key
// fails, which is the idempotency guarantee under concurrent writers.
func (s *Store) RecordOrder(o OrderRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO submitted_orders (idempotency_key, erp_order_id, status, created_at)
		VALUES (?, ?, ?, ?)`,
		o.IdempotencyKey, o.ERPOrderID, o.Status, o.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record order: %w", err)
	}
	return nil
}

// CountByStatus returns processed-message counts per status.
func (s *Store) CountByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM processed_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
