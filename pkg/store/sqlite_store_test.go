package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func sqliteRecord() *contracts.EnvelopeRecord {
	exec := uuid.New()
	return &contracts.EnvelopeRecord{
		ExecutionUUID: exec,
		GroupUUID:     uuid.New(),
		OwnerKey:      "e1",
		Input:         &contracts.Envelope{ExecutionUUID: exec},
		Status:        contracts.StatusInbox,
	}
}

func TestSQLiteEnvelopeRoundTrip(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	rec := sqliteRecord()

	err := WithTransaction(ctx, s.db, func(tx *Tx) error {
		inserted, err := s.Insert(ctx, tx, rec)
		require.NoError(t, err)
		assert.True(t, inserted)

		// Duplicate key is ignored, not an error.
		inserted, err = s.Insert(ctx, tx, rec)
		require.NoError(t, err)
		assert.False(t, inserted)
		return nil
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, rec.OwnerKey, rec.ExecutionUUID)
	require.NoError(t, err)
	assert.Equal(t, rec.ExecutionUUID, got.ExecutionUUID)
	assert.Equal(t, contracts.StatusInbox, got.Status)

	got.Status = contracts.StatusFragment
	err = WithTransaction(ctx, s.db, func(tx *Tx) error {
		fresh, err := s.GetForUpdate(ctx, tx, rec.OwnerKey, rec.ExecutionUUID)
		require.NoError(t, err)
		fresh.Status = contracts.StatusFragment
		return s.Update(ctx, tx, fresh)
	})
	require.NoError(t, err)

	got, err = s.Get(ctx, rec.OwnerKey, rec.ExecutionUUID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFragment, got.Status)
}

func TestSQLiteEnvelopeNotFound(t *testing.T) {
	s := openSQLite(t)
	_, err := s.Get(context.Background(), "nobody", uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteEventSlotReuse(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	id := uuid.New()

	submit := func(eventType contracts.EventType) {
		err := WithTransaction(ctx, s.db, func(tx *Tx) error {
			return s.Submit(ctx, tx, &contracts.EventRecord{
				EventUUID:    id,
				EnvelopeUUID: id,
				Type:         eventType,
				Payload:      []byte(`{}`),
			})
		})
		require.NoError(t, err)
	}

	submit(contracts.EventEnvelopeFragment)

	ev, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.EventEnvelopeFragment, ev.Type)
	assert.Equal(t, contracts.EventStatusCreated, ev.Status)

	// Resubmitting the slot retags and resets it.
	submit(contracts.EventEnvelopeChaincode)
	ev, err = s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.EventEnvelopeChaincode, ev.Type)
	assert.Equal(t, contracts.EventStatusCreated, ev.Status)

	// A status update guarded on the old type matches nothing.
	matched, err := s.UpdateStatus(ctx, id, contracts.EventEnvelopeFragment, contracts.EventStatusComplete)
	require.NoError(t, err)
	assert.False(t, matched)

	matched, err = s.UpdateStatus(ctx, id, contracts.EventEnvelopeChaincode, contracts.EventStatusComplete)
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestSQLiteCompleteForEnvelope(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	envUUID := uuid.New()

	err := WithTransaction(ctx, s.db, func(tx *Tx) error {
		return s.Submit(ctx, tx, &contracts.EventRecord{
			EventUUID:    envUUID,
			EnvelopeUUID: envUUID,
			Type:         contracts.EventEnvelopeResponse,
			Payload:      []byte(`{}`),
		})
	})
	require.NoError(t, err)

	require.NoError(t, s.CompleteForEnvelope(ctx, envUUID))

	ev, err := s.GetEvent(ctx, envUUID)
	require.NoError(t, err)
	assert.Equal(t, contracts.EventStatusComplete, ev.Status)
}
