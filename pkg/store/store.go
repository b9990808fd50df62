// Package store persists envelope records and outbox events. The database is
// the single source of truth and the only point of mutual exclusion: records
// are mutated exclusively under row-level locks, and outbox events are written
// in the same transaction as the domain mutation that requires them.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

// ErrNotFound is returned when a record or event does not exist.
var ErrNotFound = errors.New("store: not found")

// EnvelopeStore persists per-node envelope records keyed by
// (owner key, execution uuid). Rows are never deleted.
type EnvelopeStore interface {
	// Insert adds a new record. Returns false without error when a record for
	// the same key already exists.
	Insert(ctx context.Context, tx *Tx, rec *contracts.EnvelopeRecord) (bool, error)
	// GetForUpdate loads a record under an exclusive row lock. Every guard
	// evaluation happens behind this lock.
	GetForUpdate(ctx context.Context, tx *Tx, owner contracts.PublicKey, exec uuid.UUID) (*contracts.EnvelopeRecord, error)
	// Update writes back a record loaded by GetForUpdate.
	Update(ctx context.Context, tx *Tx, rec *contracts.EnvelopeRecord) error
	// Get loads a record without locking.
	Get(ctx context.Context, owner contracts.PublicKey, exec uuid.UUID) (*contracts.EnvelopeRecord, error)
}

// EventStore is the transactional outbox table.
type EventStore interface {
	// Submit inserts or refreshes an event with status CREATED inside the
	// caller's transaction.
	Submit(ctx context.Context, tx *Tx, ev *contracts.EventRecord) error
	// UpdateStatus sets an event's status only if its stored type still
	// matches, so a completed callback cannot clobber a newer event that
	// reused the same slot.
	UpdateStatus(ctx context.Context, eventUUID uuid.UUID, t contracts.EventType, status contracts.EventStatus) (bool, error)
	// SweepStale returns up to limit events still CREATED and older than the
	// staleness threshold for their type: shortAge for types that need an
	// actively connected remote party, longAge otherwise. Swept rows get a
	// fresh updated timestamp so the next sweep skips them.
	SweepStale(ctx context.Context, shortAge, longAge time.Duration, limit int) ([]*contracts.EventRecord, error)
	// GetEvent loads one event.
	GetEvent(ctx context.Context, eventUUID uuid.UUID) (*contracts.EventRecord, error)
	// CompleteForEnvelope marks every still-CREATED event for an envelope
	// COMPLETE, closing out in-flight follow-up work.
	CompleteForEnvelope(ctx context.Context, envelopeUUID uuid.UUID) error
}

// DB is the subset of *sql.DB the transaction helper needs.
type DB interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
