package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	facilitator "github.com/apitoll/facilitator"
)

// PostgresStore persists payment records in PostgreSQL.
type PostgresStore struct{ DB *pgxpool.Pool }

// NewPostgresStore connects to dsn and migrates the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{DB: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS payments (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  tx_hash TEXT,
  api_key_owner TEXT,
  created_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  record JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status);`)
	if err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.DB.Close()
}

func (s *PostgresStore) Save(ctx context.Context, record facilitator.PaymentRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal payment record: %w", err)
	}

	_, err = s.DB.Exec(ctx, `INSERT INTO payments(id,status,tx_hash,api_key_owner,created_at,completed_at,updated_at,record)
VALUES($1,$2,$3,$4,$5,$6,now(),$7)
ON CONFLICT (id) DO UPDATE SET
  status=EXCLUDED.status,
  tx_hash=EXCLUDED.tx_hash,
  completed_at=EXCLUDED.completed_at,
  updated_at=now(),
  record=EXCLUDED.record
WHERE payments.status NOT IN `+terminalSQL,
		record.ID, string(record.Status), record.TxHash, record.APIKeyOwner,
		record.CreatedAt, record.CompletedAt, data,
	)
	if err != nil {
		return fmt.Errorf("failed to save payment %s: %w", record.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (facilitator.PaymentRecord, error) {
	var data []byte
	err := s.DB.QueryRow(ctx, `SELECT record FROM payments WHERE id=$1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return facilitator.PaymentRecord{}, fmt.Errorf("%w: %s", facilitator.ErrPaymentNotFound, id)
	}
	if err != nil {
		return facilitator.PaymentRecord{}, fmt.Errorf("failed to load payment %s: %w", id, err)
	}
	return decodeRecord(data)
}

func (s *PostgresStore) ListNonTerminal(ctx context.Context) ([]facilitator.PaymentRecord, error) {
	rows, err := s.DB.Query(ctx, `SELECT record FROM payments WHERE status NOT IN `+terminalSQL+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []facilitator.PaymentRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		record, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

var _ facilitator.Repository = (*PostgresStore)(nil)
