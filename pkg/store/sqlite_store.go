package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/contractmesh/dimebox/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore backs both EnvelopeStore and EventStore with an embedded
// database for single-node and development setups. SQLite serializes writers
// at the database level, which stands in for Postgres row locks: GetForUpdate
// still runs inside the caller's transaction, and only one write transaction
// is active at a time.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS envelope_records (
		execution_uuid TEXT NOT NULL,
		owner_key TEXT NOT NULL,
		group_uuid TEXT NOT NULL,
		status TEXT NOT NULL,
		is_invoker INTEGER NOT NULL,
		record_json TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (owner_key, execution_uuid)
	);
	CREATE TABLE IF NOT EXISTS envelope_events (
		event_uuid TEXT PRIMARY KEY,
		envelope_uuid TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload BLOB,
		status TEXT NOT NULL,
		created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Insert(ctx context.Context, tx *Tx, rec *contracts.EnvelopeRecord) (bool, error) {
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO envelope_records (execution_uuid, owner_key, group_uuid, status, is_invoker, record_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ExecutionUUID.String(), string(rec.OwnerKey), rec.GroupUUID.String(),
		string(rec.Status), rec.IsInvoker, string(recordJSON),
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

func (s *SQLiteStore) GetForUpdate(ctx context.Context, tx *Tx, owner contracts.PublicKey, exec uuid.UUID) (*contracts.EnvelopeRecord, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT record_json FROM envelope_records WHERE owner_key = ? AND execution_uuid = ?`,
		string(owner), exec.String())
	return scanRecord(row)
}

func (s *SQLiteStore) Update(ctx context.Context, tx *Tx, rec *contracts.EnvelopeRecord) error {
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE envelope_records
		SET status = ?, record_json = ?, updated_at = CURRENT_TIMESTAMP
		WHERE owner_key = ? AND execution_uuid = ?`,
		string(rec.Status), string(recordJSON), string(rec.OwnerKey), rec.ExecutionUUID.String(),
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

func (s *SQLiteStore) Get(ctx context.Context, owner contracts.PublicKey, exec uuid.UUID) (*contracts.EnvelopeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record_json FROM envelope_records WHERE owner_key = ? AND execution_uuid = ?`,
		string(owner), exec.String())
	return scanRecord(row)
}

func (s *SQLiteStore) Submit(ctx context.Context, tx *Tx, ev *contracts.EventRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO envelope_events (event_uuid, envelope_uuid, event_type, payload, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_uuid) DO UPDATE
		SET event_type = excluded.event_type,
		    payload = excluded.payload,
		    status = excluded.status,
		    updated = CURRENT_TIMESTAMP`,
		ev.EventUUID.String(), ev.EnvelopeUUID.String(), string(ev.Type), ev.Payload,
		string(contracts.EventStatusCreated),
	)
	if err != nil {
		return fmt.Errorf("submit event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, eventUUID uuid.UUID, t contracts.EventType, status contracts.EventStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE envelope_events SET status = ?, updated = CURRENT_TIMESTAMP
		WHERE event_uuid = ? AND event_type = ?`,
		string(status), eventUUID.String(), string(t))
	if err != nil {
		return false, fmt.Errorf("update event status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) SweepStale(ctx context.Context, shortAge, longAge time.Duration, limit int) ([]*contracts.EventRecord, error) {
	now := time.Now()
	var events []*contracts.EventRecord
	err := WithTransaction(ctx, s.db, func(tx *Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT event_uuid, envelope_uuid, event_type, payload, status, created, updated
			FROM envelope_events
			WHERE status = ?
			  AND event_type NOT IN (?, ?)
			  AND ((event_type IN (?, ?, ?) AND updated < ?) OR (event_type NOT IN (?, ?, ?) AND updated < ?))
			ORDER BY updated ASC
			LIMIT ?`,
			string(contracts.EventStatusCreated),
			string(contracts.EventUnrecognized), string(contracts.EventScopeIndexFragment),
			string(contracts.EventEnvelopeRequest), string(contracts.EventEnvelopeResponse), string(contracts.EventEnvelopeError),
			now.Add(-shortAge),
			string(contracts.EventEnvelopeRequest), string(contracts.EventEnvelopeResponse), string(contracts.EventEnvelopeError),
			now.Add(-longAge),
			limit,
		)
		if err != nil {
			return fmt.Errorf("sweep query: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, ev := range events {
			if _, err := tx.ExecContext(ctx,
				`UPDATE envelope_events SET updated = CURRENT_TIMESTAMP WHERE event_uuid = ?`,
				ev.EventUUID.String(),
			); err != nil {
				return fmt.Errorf("touch swept event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SQLiteStore) CompleteForEnvelope(ctx context.Context, envelopeUUID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE envelope_events SET status = ?, updated = CURRENT_TIMESTAMP WHERE envelope_uuid = ? AND status = ?`,
		string(contracts.EventStatusComplete), envelopeUUID.String(), string(contracts.EventStatusCreated))
	if err != nil {
		return fmt.Errorf("complete events for envelope: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, eventUUID uuid.UUID) (*contracts.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_uuid, envelope_uuid, event_type, payload, status, created, updated
		FROM envelope_events WHERE event_uuid = ?`, eventUUID.String())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanEvent(rows)
}

var (
	_ EnvelopeStore = (*SQLiteStore)(nil)
	_ EventStore    = (*SQLiteStore)(nil)
)
