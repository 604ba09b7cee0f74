package mfa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists one active code per recipient via upsert.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, recipient string, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO otp_codes (recipient, code, issued_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient) DO UPDATE SET code = EXCLUDED.code, issued_at = EXCLUDED.issued_at`,
		recipient, e.Code, e.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert otp code: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, recipient string) (Entry, bool, error) {
	var e Entry
	err := s.db.QueryRowContext(ctx,
		`SELECT code, issued_at FROM otp_codes WHERE recipient = $1`, recipient,
	).Scan(&e.Code, &e.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load otp code: %w", err)
	}
	return e, true, nil
}

func (s *PostgresStore) Delete(ctx context.Context, recipient string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM otp_codes WHERE recipient = $1`, recipient); err != nil {
		return fmt.Errorf("delete otp code: %w", err)
	}
	return nil
}

// Migrate creates the otp_codes table for deployments not running the
// versioned migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS otp_codes (
			recipient TEXT PRIMARY KEY,
			code TEXT NOT NULL,
			issued_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate otp_codes: %w", err)
	}
	return nil
}
