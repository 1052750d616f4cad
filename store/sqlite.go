package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	facilitator "github.com/apitoll/facilitator"
)

// SQLiteStore persists payment records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under the mirror.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// migrate creates the necessary tables
func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			tx_hash TEXT,
			api_key_owner TEXT,
			created_at DATETIME NOT NULL,
			completed_at DATETIME,
			updated_at DATETIME NOT NULL,
			record TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, record facilitator.PaymentRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal payment record: %w", err)
	}

	var completedAt interface{}
	if record.CompletedAt != nil {
		completedAt = record.CompletedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payments (id, status, tx_hash, api_key_owner, created_at, completed_at, updated_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			tx_hash = excluded.tx_hash,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at,
			record = excluded.record
		WHERE payments.status NOT IN `+terminalSQL,
		record.ID, string(record.Status), record.TxHash, record.APIKeyOwner,
		record.CreatedAt.UTC(), completedAt, time.Now().UTC(), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to save payment %s: %w", record.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (facilitator.PaymentRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM payments WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return facilitator.PaymentRecord{}, fmt.Errorf("%w: %s", facilitator.ErrPaymentNotFound, id)
	}
	if err != nil {
		return facilitator.PaymentRecord{}, fmt.Errorf("failed to load payment %s: %w", id, err)
	}
	return decodeRecord([]byte(data))
}

func (s *SQLiteStore) ListNonTerminal(ctx context.Context) ([]facilitator.PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM payments
		WHERE status NOT IN `+terminalSQL+`
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []facilitator.PaymentRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		record, err := decodeRecord([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func decodeRecord(data []byte) (facilitator.PaymentRecord, error) {
	var record facilitator.PaymentRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return facilitator.PaymentRecord{}, fmt.Errorf("failed to decode payment record: %w", err)
	}
	return record, nil
}

var _ facilitator.Repository = (*SQLiteStore)(nil)
