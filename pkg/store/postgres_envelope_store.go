package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

// PostgresEnvelopeStore is the durable SQL-backed EnvelopeStore.
type PostgresEnvelopeStore struct {
	db *sql.DB
}

func NewPostgresEnvelopeStore(db *sql.DB) *PostgresEnvelopeStore {
	return &PostgresEnvelopeStore{db: db}
}

const pgEnvelopeSchema = `
CREATE TABLE IF NOT EXISTS envelope_records (
	execution_uuid TEXT NOT NULL,
	owner_key TEXT NOT NULL,
	group_uuid TEXT NOT NULL,
	status TEXT NOT NULL,
	is_invoker BOOLEAN NOT NULL,
	record_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (owner_key, execution_uuid)
);
CREATE INDEX IF NOT EXISTS envelope_records_group_idx ON envelope_records (group_uuid);
`

func (s *PostgresEnvelopeStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgEnvelopeSchema)
	return err
}

func (s *PostgresEnvelopeStore) Insert(ctx context.Context, tx *Tx, rec *contracts.EnvelopeRecord) (bool, error) {
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}
	query := `
		INSERT INTO envelope_records (execution_uuid, owner_key, group_uuid, status, is_invoker, record_json)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_key, execution_uuid) DO NOTHING
	`
	res, err := tx.ExecContext(ctx, query,
		rec.ExecutionUUID.String(), string(rec.OwnerKey), rec.GroupUUID.String(),
		string(rec.Status), rec.IsInvoker, recordJSON,
	)
	if err != nil {
		return false, fmt.Errorf("insert envelope record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresEnvelopeStore) GetForUpdate(ctx context.Context, tx *Tx, owner contracts.PublicKey, exec uuid.UUID) (*contracts.EnvelopeRecord, error) {
	query := `
		SELECT record_json FROM envelope_records
		WHERE owner_key = $1 AND execution_uuid = $2
		FOR UPDATE
	`
	return scanRecord(tx.QueryRowContext(ctx, query, string(owner), exec.String()))
}

func (s *PostgresEnvelopeStore) Update(ctx context.Context, tx *Tx, rec *contracts.EnvelopeRecord) error {
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	query := `
		UPDATE envelope_records
		SET status = $3, record_json = $4, updated_at = now()
		WHERE owner_key = $1 AND execution_uuid = $2
	`
	res, err := tx.ExecContext(ctx, query,
		string(rec.OwnerKey), rec.ExecutionUUID.String(), string(rec.Status), recordJSON,
	)
	if err != nil {
		return fmt.Errorf("update envelope record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresEnvelopeStore) Get(ctx context.Context, owner contracts.PublicKey, exec uuid.UUID) (*contracts.EnvelopeRecord, error) {
	query := `SELECT record_json FROM envelope_records WHERE owner_key = $1 AND execution_uuid = $2`
	return scanRecord(s.db.QueryRowContext(ctx, query, string(owner), exec.String()))
}

func scanRecord(row *sql.Row) (*contracts.EnvelopeRecord, error) {
	var recordJSON []byte
	if err := row.Scan(&recordJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var rec contracts.EnvelopeRecord
	if err := json.Unmarshal(recordJSON, &rec); err != nil {
		return nil, fmt.Errorf("corrupt record JSON: %w", err)
	}
	return &rec, nil
}
