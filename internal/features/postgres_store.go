package features

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists the corpus in a single append-only table. The raw
// attempt and the engineered values travel as JSONB so the column set can
// evolve with the schema version without DDL churn; the label is mirrored
// into its own column for the training query.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec.Raw)
	if err != nil {
		return fmt.Errorf("marshal raw attempt: %w", err)
	}
	values, err := json.Marshal(rec.Values)
	if err != nil {
		return fmt.Errorf("marshal feature values: %w", err)
	}
	var label sql.NullBool
	if rec.Raw.IsAttack != nil {
		label = sql.NullBool{Bool: *rec.Raw.IsAttack, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO attempts (id, did, schema_version, created_at, raw, feature_values, is_attack)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Raw.DID, rec.SchemaVersion, rec.CreatedAt, raw, values, label,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) All(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, `
		SELECT id, schema_version, created_at, raw, feature_values
		FROM attempts ORDER BY created_at, id`)
}

func (s *PostgresStore) Labeled(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, `
		SELECT id, schema_version, created_at, raw, feature_values
		FROM attempts WHERE is_attack IS NOT NULL ORDER BY created_at, id`)
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attempts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) query(ctx context.Context, q string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var (
			rec       Record
			createdAt time.Time
			raw       []byte
			values    []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SchemaVersion, &createdAt, &raw, &values); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		rec.CreatedAt = createdAt
		if err := json.Unmarshal(raw, &rec.Raw); err != nil {
			return nil, fmt.Errorf("unmarshal raw attempt: %w", err)
		}
		if err := json.Unmarshal(values, &rec.Values); err != nil {
			return nil, fmt.Errorf("unmarshal feature values: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Migrate creates the corpus table. cmd/migrate owns versioned migrations;
// this covers ad-hoc deployments pointed at an empty database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS attempts (
			id             TEXT PRIMARY KEY,
			did            TEXT NOT NULL,
			schema_version INT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL,
			raw            JSONB NOT NULL,
			feature_values JSONB NOT NULL,
			is_attack      BOOLEAN
		)`)
	if err != nil {
		return fmt.Errorf("migrate attempts: %w", err)
	}
	return nil
}
