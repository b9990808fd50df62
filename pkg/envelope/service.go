// Package envelope orchestrates the contract execution lifecycle: staging,
// local execution, signature merging, chain indexing, and the error/read/
// complete wrappers. Every operation loads its record under an exclusive row
// lock, re-checks the transition guard behind that lock, and emits follow-up
// events through the transactional outbox in the same transaction.
package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/contractmesh/dimebox/pkg/contracts"
	"github.com/contractmesh/dimebox/pkg/crypto"
	"github.com/contractmesh/dimebox/pkg/eventbus"
	"github.com/contractmesh/dimebox/pkg/observability"
	"github.com/contractmesh/dimebox/pkg/state"
	"github.com/contractmesh/dimebox/pkg/store"
)

// ContractEngine runs user contract code against an envelope. It lives
// outside this repo; implementations return an InvocationError when a
// condition or consideration fails validation.
type ContractEngine interface {
	Handle(ctx context.Context, ident *crypto.Identity, env *contracts.Envelope) (*contracts.Envelope, error)
}

// InvocationError classifies a contract engine failure.
type InvocationError struct {
	Type    contracts.ErrorType
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ClassifyEngineError maps an engine failure onto the error taxonomy,
// defaulting to NO_ERROR_TYPE for unclassified failures.
func ClassifyEngineError(err error) (contracts.ErrorType, string) {
	var inv *InvocationError
	if errors.As(err, &inv) {
		return inv.Type, inv.Message
	}
	return contracts.ErrorNone, err.Error()
}

// EventPayload is the serialized body of every outbox event this service
// emits: enough to re-resolve the owning identity and record.
type EventPayload struct {
	OwnerKey      contracts.PublicKey      `json:"owner_key"`
	ExecutionUUID uuid.UUID                `json:"execution_uuid"`
	Error         *contracts.EnvelopeError `json:"error,omitempty"`
}

// Service is the envelope orchestrator for one node.
type Service struct {
	db        store.DB
	envelopes store.EnvelopeStore
	events    store.EventStore
	bus       *eventbus.Bus
	engine    ContractEngine
	machine   *state.Machine
	log       *slog.Logger
	obs       *observability.Provider
}

func NewService(db store.DB, envelopes store.EnvelopeStore, events store.EventStore, bus *eventbus.Bus, engine ContractEngine, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:        db,
		envelopes: envelopes,
		events:    events,
		bus:       bus,
		engine:    engine,
		machine:   state.New(),
		log:       log.With("component", "envelope-service"),
	}
}

// SetObservability attaches transition and error metrics.
func (s *Service) SetObservability(obs *observability.Provider) {
	s.obs = obs
}

func (s *Service) observeTransition(ctx context.Context, rec *contracts.EnvelopeRecord) {
	if s.obs != nil {
		s.obs.RecordTransition(ctx, string(rec.Status))
	}
}

func (s *Service) observeError(ctx context.Context, t contracts.ErrorType) {
	if s.obs != nil {
		s.obs.RecordEnvelopeError(ctx, string(t))
	}
}

// Stage inserts the record for a received fragment request and emits
// ENVELOPE_REQUEST, so the retry sweep re-runs execution if the process dies
// between staging and Execute. Idempotent: if this execution was already
// staged for the local key, the existing record is returned untouched.
func (s *Service) Stage(ctx context.Context, ident *crypto.Identity, env *contracts.Envelope) (*contracts.EnvelopeRecord, error) {
	local := ident.EncryptionPublicKey()
	if !env.HasRecital(ident.SigningPublicKey()) && !env.HasRecital(local) {
		return nil, fmt.Errorf("envelope: local key is not a contract recital")
	}

	rec := &contracts.EnvelopeRecord{
		ExecutionUUID: env.ExecutionUUID,
		GroupUUID:     env.GroupUUID,
		OwnerKey:      local,
		Input:         env,
		IsInvoker:     false,
		Status:        contracts.StatusInbox,
	}
	if env.Expiration != nil {
		rec.ExpirationTime = env.Expiration
	}

	var out *contracts.EnvelopeRecord
	err := store.WithTransaction(ctx, s.db, func(tx *store.Tx) error {
		inserted, err := s.envelopes.Insert(ctx, tx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.envelopes.GetForUpdate(ctx, tx, local, env.ExecutionUUID)
			if err != nil {
				return err
			}
			out = existing
			return nil
		}
		fresh, err := s.envelopes.GetForUpdate(ctx, tx, local, env.ExecutionUUID)
		if err != nil {
			return err
		}
		s.machine.OnHandleInbox(fresh)
		if err := s.envelopes.Update(ctx, tx, fresh); err != nil {
			return err
		}
		s.observeTransition(ctx, fresh)
		out = fresh
		return s.submitEvent(ctx, tx, fresh, contracts.EventEnvelopeRequest, nil)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Handle is the invoker path: it rejects a duplicate execution, rewrites the
// invoker and matching recitals to canonical local key material, runs the
// contract engine, and emits either ENVELOPE_CHAINCODE (result fully signed)
// or ENVELOPE_FRAGMENT (other parties still needed).
func (s *Service) Handle(ctx context.Context, ident *crypto.Identity, env *contracts.Envelope) (*contracts.EnvelopeRecord, error) {
	local := ident.EncryptionPublicKey()
	if _, err := s.envelopes.Get(ctx, local, env.ExecutionUUID); err == nil {
		return nil, fmt.Errorf("envelope: execution %s already handled", env.ExecutionUUID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	canonicalizeKeys(ident, env)

	result, err := s.engine.Handle(ctx, ident, env)
	if err != nil {
		return nil, fmt.Errorf("envelope: contract engine: %w", err)
	}
	if err := s.signResult(ident, result); err != nil {
		return nil, err
	}

	rec := &contracts.EnvelopeRecord{
		ExecutionUUID: env.ExecutionUUID,
		GroupUUID:     env.GroupUUID,
		OwnerKey:      local,
		Input:         env,
		Result:        result,
		IsInvoker:     true,
		Status:        contracts.StatusCreated,
	}
	if env.Expiration != nil {
		rec.ExpirationTime = env.Expiration
	}

	err = store.WithTransaction(ctx, s.db, func(tx *store.Tx) error {
		inserted, err := s.envelopes.Insert(ctx, tx, rec)
		if err != nil {
			return err
		}
		if !inserted {
			return fmt.Errorf("envelope: execution %s already handled", env.ExecutionUUID)
		}
		fresh, err := s.envelopes.GetForUpdate(ctx, tx, local, env.ExecutionUUID)
		if err != nil {
			return err
		}
		s.machine.OnHandleCreated(fresh)

		eventType := contracts.EventEnvelopeFragment
		if fresh.Result.SignaturesComplete() {
			s.machine.OnHandleSign(fresh)
			eventType = contracts.EventEnvelopeChaincode
		}
		if err := s.envelopes.Update(ctx, tx, fresh); err != nil {
			return err
		}
		s.observeTransition(ctx, fresh)
		rec = fresh
		return s.submitEvent(ctx, tx, fresh, eventType, nil)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Execute is the counterparty path: it re-invokes the contract engine for
// already-staged input under the record lock, signs and stores the result,
// and emits ENVELOPE_MAILBOX_OUTBOUND. A validation failure transitions the
// record to ERROR and emits ENVELOPE_ERROR so the failure is mailed back.
func (s *Service) Execute(ctx context.Context, ident *crypto.Identity, executionUUID uuid.UUID) error {
	local := ident.EncryptionPublicKey()
	return store.WithTransaction(ctx, s.db, func(tx *store.Tx) error {
		rec, err := s.envelopes.GetForUpdate(ctx, tx, local, executionUUID)
		if err != nil {
			return err
		}
		if rec.Status.Terminal() || rec.ExecutedTime != nil {
			return nil // replayed request
		}

		result, engineErr := s.engine.Handle(ctx, ident, rec.Input)
		if engineErr != nil {
			errType, msg := ClassifyEngineError(engineErr)
			envErr := contracts.NewEnvelopeError(rec.Input, errType, msg)
			s.machine.OnHandleError(rec, envErr)
			if err := s.envelopes.Update(ctx, tx, rec); err != nil {
				return err
			}
			s.observeError(ctx, errType)
			return s.submitEvent(ctx, tx, rec, contracts.EventEnvelopeError, &envErr)
		}

		if err := s.signResult(ident, result); err != nil {
			return err
		}
		result.TimesExecuted = rec.Input.TimesExecuted + 1
		rec.Result = result
		s.machine.OnHandleExecute(rec)
		if err := s.envelopes.Update(ctx, tx, rec); err != nil {
			return err
		}
		s.observeTransition(ctx, rec)
		return s.submitEvent(ctx, tx, rec, contracts.EventEnvelopeMailboxOutbound, nil)
	})
}

// Merge accumulates a returned signature into the invoker's result. Every
// incoming signature must come from a recital (or invoker) signing key and
// verify against the canonical envelope bytes; anything else rejects the
// whole response. Once the full required set is present the record
// transitions to SIGNED and ENVELOPE_CHAINCODE is emitted. Re-delivered
// signatures are no-ops.
func (s *Service) Merge(ctx context.Context, ident *crypto.Identity, env *contracts.Envelope) error {
	local := ident.EncryptionPublicKey()
	return store.WithTransaction(ctx, s.db, func(tx *store.Tx) error {
		rec, err := s.envelopes.GetForUpdate(ctx, tx, local, env.ExecutionUUID)
		if err != nil {
			return err
		}
		if !rec.IsInvoker {
			return fmt.Errorf("envelope: merge on non-invoker record %s", env.ExecutionUUID)
		}
		if rec.Result == nil {
			return fmt.Errorf("envelope: merge before local execution of %s", env.ExecutionUUID)
		}

		added := false
		for _, sig := range env.Signatures {
			if rec.Result.HasSignatureFrom(sig.PublicKeyPEM) {
				continue
			}
			signerKey, err := crypto.PublicKeyFromPEM(sig.PublicKeyPEM)
			if err != nil {
				return fmt.Errorf("envelope: merge signature key: %w", err)
			}
			if !rec.Input.HasRecital(signerKey) && signerKey != rec.Input.Invoker.SigningPublicKey {
				return fmt.Errorf("envelope: signature on %s from key outside the recital set", env.ExecutionUUID)
			}
			valid, err := crypto.VerifyEnvelopeSignature(env, sig)
			if err != nil {
				return fmt.Errorf("envelope: verify merged signature: %w", err)
			}
			if !valid {
				return fmt.Errorf("envelope: invalid signature on %s", env.ExecutionUUID)
			}
			rec.Result.Signatures = append(rec.Result.Signatures, sig)
			added = true
		}
		if !added && rec.SignedTime != nil {
			return nil // replayed response
		}

		if rec.Result.SignaturesComplete() && s.machine.OnHandleSign(rec) {
			if err := s.envelopes.Update(ctx, tx, rec); err != nil {
				return err
			}
			s.observeTransition(ctx, rec)
			return s.submitEvent(ctx, tx, rec, contracts.EventEnvelopeChaincode, nil)
		}
		return s.envelopes.Update(ctx, tx, rec)
	})
}

// MarkChaincode records chain submission of the signed result and emits
// SCOPE_INDEX, so confirmation is re-checked through the sweep if the process
// dies before indexing.
func (s *Service) MarkChaincode(ctx context.Context, owner contracts.PublicKey, executionUUID uuid.UUID, txHash string) error {
	return store.WithTransaction(ctx, s.db, func(tx *store.Tx) error {
		rec, err := s.envelopes.GetForUpdate(ctx, tx, owner, executionUUID)
		if err != nil {
			return err
		}
		if !s.machine.OnHandleChaincode(rec, txHash) {
			return nil
		}
		if err := s.envelopes.Update(ctx, tx, rec); err != nil {
			return err
		}
		s.observeTransition(ctx, rec)
		return s.submitEvent(ctx, tx, rec, contracts.EventScopeIndex, nil)
	})
}

// Index applies a chain confirmation. No-op when already indexed or when the
// confirmed scope's last event group does not match this record's group; a
// match stores the chain reference, transitions to INDEX, and emits
// ENVELOPE_RESPONSE.
func (s *Service) Index(ctx context.Context, owner contracts.PublicKey, executionUUID uuid.UUID, confirmedGroup uuid.UUID, txHash string, blockHeight int64) error {
	return store.WithTransaction(ctx, s.db, func(tx *store.Tx) error {
		rec, err := s.envelopes.GetForUpdate(ctx, tx, owner, executionUUID)
		if err != nil {
			return err
		}
		if !s.machine.OnHandleIndex(rec, confirmedGroup, blockHeight) {
			return nil
		}
		if rec.TxHash == "" {
			rec.TxHash = txHash
		}
		if err := s.envelopes.Update(ctx, tx, rec); err != nil {
			return err
		}
		s.observeTransition(ctx, rec)
		return s.submitEvent(ctx, tx, rec, contracts.EventEnvelopeResponse, nil)
	})
}

// Error records a counterparty error and closes any in-flight event for the
// envelope.
func (s *Service) Error(ctx context.Context, ident *crypto.Identity, envErr contracts.EnvelopeError) error {
	local := ident.EncryptionPublicKey()
	err := store.WithTransaction(ctx, s.db, func(tx *store.Tx) error {
		rec, err := s.envelopes.GetForUpdate(ctx, tx, local, envErr.ExecutionUUID)
		if err != nil {
			return err
		}
		if !s.machine.OnHandleError(rec, envErr) {
			return nil
		}
		if err := s.envelopes.Update(ctx, tx, rec); err != nil {
			return err
		}
		s.observeError(ctx, envErr.Type)
		return nil
	})
	if err != nil {
		return err
	}
	return s.events.CompleteForEnvelope(ctx, envErr.ExecutionUUID)
}

// Read marks a delivered fragment or error as acknowledged by its recipient.
func (s *Service) Read(ctx context.Context, owner contracts.PublicKey, executionUUID uuid.UUID) error {
	return store.WithTransaction(ctx, s.db, func(tx *store.Tx) error {
		rec, err := s.envelopes.GetForUpdate(ctx, tx, owner, executionUUID)
		if err != nil {
			return err
		}
		if !s.machine.OnHandleRead(rec) {
			return nil
		}
		return s.envelopes.Update(ctx, tx, rec)
	})
}

// Complete finishes an indexed record and closes its in-flight events.
func (s *Service) Complete(ctx context.Context, owner contracts.PublicKey, executionUUID uuid.UUID) error {
	err := store.WithTransaction(ctx, s.db, func(tx *store.Tx) error {
		rec, err := s.envelopes.GetForUpdate(ctx, tx, owner, executionUUID)
		if err != nil {
			return err
		}
		if !s.machine.OnHandleComplete(rec) {
			return nil
		}
		if err := s.envelopes.Update(ctx, tx, rec); err != nil {
			return err
		}
		s.observeTransition(ctx, rec)
		return nil
	})
	if err != nil {
		return err
	}
	return s.events.CompleteForEnvelope(ctx, executionUUID)
}

// Get loads a record without locking.
func (s *Service) Get(ctx context.Context, owner contracts.PublicKey, executionUUID uuid.UUID) (*contracts.EnvelopeRecord, error) {
	return s.envelopes.Get(ctx, owner, executionUUID)
}

// submitEvent writes one outbox event inside tx. The execution uuid doubles
// as the event slot: each envelope has one in-flight event, and a newer
// submission reuses and retags the slot.
func (s *Service) submitEvent(ctx context.Context, tx *store.Tx, rec *contracts.EnvelopeRecord, t contracts.EventType, envErr *contracts.EnvelopeError) error {
	payload, err := json.Marshal(EventPayload{
		OwnerKey:      rec.OwnerKey,
		ExecutionUUID: rec.ExecutionUUID,
		Error:         envErr,
	})
	if err != nil {
		return fmt.Errorf("envelope: marshal event payload: %w", err)
	}
	return s.bus.Submit(ctx, tx, &contracts.EventRecord{
		EventUUID:    rec.ExecutionUUID,
		EnvelopeUUID: rec.ExecutionUUID,
		Type:         t,
		Payload:      payload,
	})
}

// signResult appends the local signature to the engine's result if absent.
func (s *Service) signResult(ident *crypto.Identity, result *contracts.Envelope) error {
	pemKey, err := ident.Signer.PublicKeyPEM()
	if err != nil {
		return err
	}
	if result.HasSignatureFrom(pemKey) {
		return nil
	}
	sig, err := ident.Signer.SignEnvelope(result)
	if err != nil {
		return fmt.Errorf("envelope: sign result: %w", err)
	}
	result.Signatures = append(result.Signatures, sig)
	return nil
}

// canonicalizeKeys rewrites the invoker and any matching recital to the local
// identity's canonical key material.
func canonicalizeKeys(ident *crypto.Identity, env *contracts.Envelope) {
	party := ident.Party()
	env.Invoker = party
	for i, r := range env.Recitals {
		if r.SigningPublicKey == party.SigningPublicKey ||
			r.EncryptionPublicKey == party.EncryptionPublicKey {
			env.Recitals[i].Party = party
		}
	}
}
