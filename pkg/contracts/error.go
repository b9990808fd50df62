package contracts

import (
	"time"

	"github.com/google/uuid"
)

// ErrorType classifies envelope failures.
type ErrorType string

const (
	// ErrorContractInvocation marks a condition or consideration that failed
	// during local contract execution.
	ErrorContractInvocation ErrorType = "CONTRACT_INVOCATION"
	// ErrorContractWhitelist marks a contract class not approved for the sender.
	ErrorContractWhitelist ErrorType = "CONTRACT_WHITELIST"
	// ErrorContractRejected marks an explicit rejection by a party.
	ErrorContractRejected ErrorType = "CONTRACT_REJECTED"
	// ErrorContractCancelled marks an explicit cancellation by a party.
	ErrorContractCancelled ErrorType = "CONTRACT_CANCELLED"
	// ErrorPublicKeyCheck marks a key-allowance verification failure.
	ErrorPublicKeyCheck ErrorType = "PUBLIC_KEY_CHECK"
	// ErrorNone marks a pre-execution failure with no classification yet.
	ErrorNone ErrorType = "NO_ERROR_TYPE"
)

// EnvelopeError is one entry in a record's cumulative error list.
// Entries are appended, never overwritten, and de-duplicated by UUID.
type EnvelopeError struct {
	UUID          uuid.UUID  `json:"uuid"`
	GroupUUID     uuid.UUID  `json:"group_uuid"`
	ExecutionUUID uuid.UUID  `json:"execution_uuid"`
	Type          ErrorType  `json:"type"`
	Message       string     `json:"message"`
	ReadTime      *time.Time `json:"read_time,omitempty"`
}

// NewEnvelopeError builds an error entry for the given envelope.
func NewEnvelopeError(e *Envelope, t ErrorType, message string) EnvelopeError {
	return EnvelopeError{
		UUID:          uuid.New(),
		GroupUUID:     e.GroupUUID,
		ExecutionUUID: e.ExecutionUUID,
		Type:          t,
		Message:       message,
	}
}
