package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an envelope record on one node.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusInbox     Status = "INBOX"
	StatusFragment  Status = "FRAGMENT"
	StatusSigned    Status = "SIGNED"
	StatusChaincode Status = "CHAINCODE"
	StatusIndex     Status = "INDEX"
	StatusComplete  Status = "COMPLETE"
	StatusError     Status = "ERROR"
)

// Terminal reports whether no further transitions may apply.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// EnvelopeRecord is the per-node persisted view of one contract execution.
// Keyed by (OwnerKey, ExecutionUUID): every node holds an independent record
// for the same logical contract. Rows are mutated only under a row-level
// exclusive lock and never deleted.
type EnvelopeRecord struct {
	ExecutionUUID uuid.UUID `json:"execution_uuid"`
	GroupUUID     uuid.UUID `json:"group_uuid"`
	OwnerKey      PublicKey `json:"owner_key"`

	Input     *Envelope `json:"input"`
	Result    *Envelope `json:"result,omitempty"`
	IsInvoker bool      `json:"is_invoker"`

	Errors []EnvelopeError `json:"errors,omitempty"`
	Status Status          `json:"status"`

	// Milestone timestamps; each is written at most once.
	CreatedTime    *time.Time `json:"created_time,omitempty"`
	InboxTime      *time.Time `json:"inbox_time,omitempty"`
	FragmentTime   *time.Time `json:"fragment_time,omitempty"`
	ExecutedTime   *time.Time `json:"executed_time,omitempty"`
	SignedTime     *time.Time `json:"signed_time,omitempty"`
	ChaincodeTime  *time.Time `json:"chaincode_time,omitempty"`
	OutboundTime   *time.Time `json:"outbound_time,omitempty"`
	IndexTime      *time.Time `json:"index_time,omitempty"`
	ReadTime       *time.Time `json:"read_time,omitempty"`
	CompleteTime   *time.Time `json:"complete_time,omitempty"`
	ErrorTime      *time.Time `json:"error_time,omitempty"`
	ExpirationTime *time.Time `json:"expiration_time,omitempty"`

	// Chain reference, populated on index confirmation.
	TxHash      string `json:"tx_hash,omitempty"`
	BlockHeight int64  `json:"block_height,omitempty"`
}

// HasError reports whether an error with the given uuid is already recorded.
func (r *EnvelopeRecord) HasError(id uuid.UUID) bool {
	for _, e := range r.Errors {
		if e.UUID == id {
			return true
		}
	}
	return false
}
