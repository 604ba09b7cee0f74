package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresSubjectStore persists subjects in PostgreSQL.
type PostgresSubjectStore struct {
	db *sql.DB
}

// NewPostgresSubjectStore creates a new PostgreSQL-backed subject store.
func NewPostgresSubjectStore(db *sql.DB) *PostgresSubjectStore {
	return &PostgresSubjectStore{db: db}
}

// Put stores a subject, replacing any existing record for the DID.
func (p *PostgresSubjectStore) Put(ctx context.Context, subject *Subject) error {
	keys, err := json.Marshal(subject.Keys)
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO subjects (did, public_keys, quorum, contact, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (did) DO UPDATE SET
			public_keys = EXCLUDED.public_keys,
			quorum = EXCLUDED.quorum,
			contact = EXCLUDED.contact,
			created_at = EXCLUDED.created_at
	`, subject.DID, keys, subject.Quorum, subject.Contact, subject.CreatedAt)
	return err
}

// Get retrieves a subject by DID.
func (p *PostgresSubjectStore) Get(ctx context.Context, did string) (*Subject, error) {
	subject := &Subject{}
	var keys []byte

	err := p.db.QueryRowContext(ctx, `
		SELECT did, public_keys, quorum, contact, created_at
		FROM subjects WHERE did = $1
	`, did).Scan(&subject.DID, &keys, &subject.Quorum, &subject.Contact, &subject.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSubjectNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(keys, &subject.Keys); err != nil {
		return nil, fmt.Errorf("unmarshal keys: %w", err)
	}
	return subject, nil
}

// List returns all registered subjects in registration order.
func (p *PostgresSubjectStore) List(ctx context.Context) ([]*Subject, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT did, public_keys, quorum, contact, created_at
		FROM subjects ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subjects []*Subject
	for rows.Next() {
		subject := &Subject{}
		var keys []byte
		if err := rows.Scan(&subject.DID, &keys, &subject.Quorum, &subject.Contact, &subject.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(keys, &subject.Keys); err != nil {
			return nil, fmt.Errorf("unmarshal keys: %w", err)
		}
		subjects = append(subjects, subject)
	}
	return subjects, rows.Err()
}

// Migrate creates the subjects table if it doesn't exist.
func (p *PostgresSubjectStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subjects (
			did          VARCHAR(255) PRIMARY KEY,
			public_keys  JSONB NOT NULL,
			quorum       INT NOT NULL,
			contact      TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}
