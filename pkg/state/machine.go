// Package state holds the pure decision logic for envelope lifecycle
// transitions. Every transition re-checks its guard against the record it is
// given, with callers holding the same row lock that performs the mutation.
// Every transition is safe to re-apply, because mailbox and event delivery is
// at-least-once.
//
// Lifecycle: CREATED -> INBOX -> FRAGMENT -> SIGNED -> CHAINCODE -> INDEX ->
// COMPLETE, with ERROR reachable from any non-terminal state. COMPLETE and
// ERROR are terminal.
package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

// Clock supplies transition timestamps; swapped out in tests.
type Clock func() time.Time

// Machine applies lifecycle transitions to envelope records.
type Machine struct {
	now Clock
}

// New returns a Machine using wall-clock time.
func New() *Machine {
	return &Machine{now: time.Now}
}

// NewWithClock returns a Machine with a custom clock.
func NewWithClock(c Clock) *Machine {
	return &Machine{now: c}
}

// OnHandleCreated marks a freshly inserted invoker record.
func (m *Machine) OnHandleCreated(rec *contracts.EnvelopeRecord) bool {
	if !rec.IsInvoker || rec.CreatedTime != nil {
		return false
	}
	t := m.now()
	rec.CreatedTime = &t
	rec.Status = contracts.StatusCreated
	return true
}

// OnHandleInbox marks a record freshly inserted from a received fragment
// request.
func (m *Machine) OnHandleInbox(rec *contracts.EnvelopeRecord) bool {
	if rec.IsInvoker || rec.InboxTime != nil {
		return false
	}
	t := m.now()
	rec.InboxTime = &t
	rec.Status = contracts.StatusInbox
	return true
}

// OnHandleFragment marks the invoker's fragment request as mailed to the
// audience. Never regresses a record whose signature set already completed.
func (m *Machine) OnHandleFragment(rec *contracts.EnvelopeRecord) bool {
	if rec.Status.Terminal() || rec.FragmentTime != nil || rec.SignedTime != nil {
		return false
	}
	t := m.now()
	rec.FragmentTime = &t
	rec.Status = contracts.StatusFragment
	return true
}

// OnHandleExecute marks local contract execution of a counterparty fragment.
func (m *Machine) OnHandleExecute(rec *contracts.EnvelopeRecord) bool {
	if rec.Status.Terminal() || rec.ExecutedTime != nil {
		return false
	}
	t := m.now()
	rec.ExecutedTime = &t
	rec.Status = contracts.StatusFragment
	return true
}

// OnHandleSign records that the local result carries a complete signature
// set. No-op if already signed.
func (m *Machine) OnHandleSign(rec *contracts.EnvelopeRecord) bool {
	if rec.Status.Terminal() || rec.SignedTime != nil {
		return false
	}
	if rec.Result == nil || !rec.Result.SignaturesComplete() {
		return false
	}
	t := m.now()
	rec.SignedTime = &t
	rec.Status = contracts.StatusSigned
	return true
}

// OnHandleChaincode records submission of the signed result to the chain.
func (m *Machine) OnHandleChaincode(rec *contracts.EnvelopeRecord, txHash string) bool {
	if rec.Status.Terminal() || rec.ChaincodeTime != nil {
		return false
	}
	t := m.now()
	rec.ChaincodeTime = &t
	rec.TxHash = txHash
	rec.Status = contracts.StatusChaincode
	return true
}

// OnHandleOutbox marks the result as mailed back. Applied before the mailbox
// send is invoked.
func (m *Machine) OnHandleOutbox(rec *contracts.EnvelopeRecord) bool {
	if rec.Status.Terminal() || rec.OutboundTime != nil {
		return false
	}
	t := m.now()
	rec.OutboundTime = &t
	return true
}

// OnHandleRead marks a delivered fragment or error as acknowledged by its
// recipient. Idempotent; does not change status.
func (m *Machine) OnHandleRead(rec *contracts.EnvelopeRecord) bool {
	if rec.ReadTime != nil {
		return false
	}
	t := m.now()
	rec.ReadTime = &t
	return true
}

// OnHandleIndex records chain confirmation. The guard never regresses status
// and never double-applies the timestamp: it requires no existing IndexTime
// and the chain-confirmed group to match this record's group. Out-of-order
// confirmations are no-ops.
func (m *Machine) OnHandleIndex(rec *contracts.EnvelopeRecord, confirmedGroup uuid.UUID, blockHeight int64) bool {
	if rec.Status.Terminal() || rec.IndexTime != nil {
		return false
	}
	if confirmedGroup != rec.GroupUUID {
		return false
	}
	t := m.now()
	rec.IndexTime = &t
	rec.BlockHeight = blockHeight
	rec.Status = contracts.StatusIndex
	return true
}

// OnHandleComplete finishes a record that has reached INDEX.
func (m *Machine) OnHandleComplete(rec *contracts.EnvelopeRecord) bool {
	if rec.IndexTime == nil || rec.CompleteTime != nil {
		return false
	}
	if rec.Status == contracts.StatusError {
		return false
	}
	t := m.now()
	rec.CompleteTime = &t
	rec.Status = contracts.StatusComplete
	return true
}

// OnHandleError appends an error and moves the record to ERROR, superseding
// all other states. De-duplicated by error uuid: a replayed error is a no-op.
// The error list only grows; later transitions never erase prior errors.
func (m *Machine) OnHandleError(rec *contracts.EnvelopeRecord, e contracts.EnvelopeError) bool {
	if rec.HasError(e.UUID) {
		return false
	}
	if rec.Status == contracts.StatusComplete {
		// Terminal success: record the error for audit but leave status alone.
		rec.Errors = append(rec.Errors, e)
		return true
	}
	t := m.now()
	rec.Errors = append(rec.Errors, e)
	rec.ErrorTime = &t
	rec.Status = contracts.StatusError
	return true
}
