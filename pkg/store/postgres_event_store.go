package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

// PostgresEventStore is the transactional outbox on Postgres.
type PostgresEventStore struct {
	db *sql.DB
}

func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

const pgEventSchema = `
CREATE TABLE IF NOT EXISTS envelope_events (
	event_uuid TEXT PRIMARY KEY,
	envelope_uuid TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload BYTEA,
	status TEXT NOT NULL,
	created TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS envelope_events_status_idx ON envelope_events (status, updated);
`

func (s *PostgresEventStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgEventSchema)
	return err
}

// Submit inserts the event, or refreshes an existing slot back to CREATED with
// the new type and payload. Runs inside the caller's domain transaction.
func (s *PostgresEventStore) Submit(ctx context.Context, tx *Tx, ev *contracts.EventRecord) error {
	query := `
		INSERT INTO envelope_events (event_uuid, envelope_uuid, event_type, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_uuid) DO UPDATE
		SET event_type = EXCLUDED.event_type,
		    payload = EXCLUDED.payload,
		    status = EXCLUDED.status,
		    updated = now()
	`
	_, err := tx.ExecContext(ctx, query,
		ev.EventUUID.String(), ev.EnvelopeUUID.String(), string(ev.Type), ev.Payload,
		string(contracts.EventStatusCreated),
	)
	if err != nil {
		return fmt.Errorf("submit event: %w", err)
	}
	return nil
}

// UpdateStatus guards on the stored event type: a stale callback for a reused
// slot matches zero rows and reports false.
func (s *PostgresEventStore) UpdateStatus(ctx context.Context, eventUUID uuid.UUID, t contracts.EventType, status contracts.EventStatus) (bool, error) {
	query := `
		UPDATE envelope_events SET status = $3, updated = now()
		WHERE event_uuid = $1 AND event_type = $2
	`
	res, err := s.db.ExecContext(ctx, query, eventUUID.String(), string(t), string(status))
	if err != nil {
		return false, fmt.Errorf("update event status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SweepStale selects stale CREATED events with FOR UPDATE SKIP LOCKED so
// concurrent sweepers never double-claim a batch, then touches their updated
// timestamps inside the same transaction.
func (s *PostgresEventStore) SweepStale(ctx context.Context, shortAge, longAge time.Duration, limit int) ([]*contracts.EventRecord, error) {
	connected := make([]string, 0, 4)
	for _, t := range contracts.EventTypes() {
		if t.RequiresConnectedParty() {
			connected = append(connected, string(t))
		}
	}

	var events []*contracts.EventRecord
	err := WithTransaction(ctx, s.db, func(tx *Tx) error {
		query := `
			SELECT event_uuid, envelope_uuid, event_type, payload, status, created, updated
			FROM envelope_events
			WHERE status = $1
			  AND event_type <> ALL($2)
			  AND ((event_type = ANY($3) AND updated < $4) OR (NOT event_type = ANY($3) AND updated < $5))
			ORDER BY updated ASC
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		`
		now := time.Now()
		undispatchable := []string{
			string(contracts.EventUnrecognized),
			string(contracts.EventScopeIndexFragment),
		}
		rows, err := tx.QueryContext(ctx, query,
			string(contracts.EventStatusCreated),
			pq.Array(undispatchable),
			pq.Array(connected),
			now.Add(-shortAge), now.Add(-longAge), limit,
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
				`UPDATE envelope_events SET updated = now() WHERE event_uuid = $1`,
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

func (s *PostgresEventStore) CompleteForEnvelope(ctx context.Context, envelopeUUID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE envelope_events SET status = $2, updated = now() WHERE envelope_uuid = $1 AND status = $3`,
		envelopeUUID.String(), string(contracts.EventStatusComplete), string(contracts.EventStatusCreated))
	if err != nil {
		return fmt.Errorf("complete events for envelope: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) GetEvent(ctx context.Context, eventUUID uuid.UUID) (*contracts.EventRecord, error) {
	query := `
		SELECT event_uuid, envelope_uuid, event_type, payload, status, created, updated
		FROM envelope_events WHERE event_uuid = $1
	`
	rows, err := s.db.QueryContext(ctx, query, eventUUID.String())
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*contracts.EventRecord, error) {
	var (
		eventUUID, envelopeUUID, eventType, status string
		payload                                    []byte
		created, updated                           time.Time
	)
	if err := row.Scan(&eventUUID, &envelopeUUID, &eventType, &payload, &status, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	eid, err := uuid.Parse(eventUUID)
	if err != nil {
		return nil, fmt.Errorf("corrupt event uuid %q: %w", eventUUID, err)
	}
	nid, err := uuid.Parse(envelopeUUID)
	if err != nil {
		return nil, fmt.Errorf("corrupt envelope uuid %q: %w", envelopeUUID, err)
	}
	return &contracts.EventRecord{
		EventUUID:    eid,
		EnvelopeUUID: nid,
		Type:         contracts.ParseEventType(eventType),
		Payload:      payload,
		Status:       contracts.EventStatus(status),
		Created:      created,
		Updated:      updated,
	}, nil
}
