package contracts

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags an outbox event with the follow-up work it requires.
// The vocabulary is closed; unknown tags map to EventUnrecognized.
type EventType string

const (
	EventEnvelopeRequest         EventType = "ENVELOPE_REQUEST"
	EventEnvelopeResponse        EventType = "ENVELOPE_RESPONSE"
	EventEnvelopeError           EventType = "ENVELOPE_ERROR"
	EventEnvelopeChaincode       EventType = "ENVELOPE_CHAINCODE"
	EventEnvelopeMailboxOutbound EventType = "ENVELOPE_MAILBOX_OUTBOUND"
	EventEnvelopeFragment        EventType = "ENVELOPE_FRAGMENT"
	EventScopeIndex              EventType = "SCOPE_INDEX"
	EventScopeIndexFragment      EventType = "SCOPE_INDEX_FRAGMENT"
	EventUnrecognized            EventType = "UNRECOGNIZED"
)

// EventTypes lists every dispatchable tag, in dispatch-registration order.
func EventTypes() []EventType {
	return []EventType{
		EventEnvelopeRequest,
		EventEnvelopeResponse,
		EventEnvelopeError,
		EventEnvelopeChaincode,
		EventEnvelopeMailboxOutbound,
		EventEnvelopeFragment,
		EventScopeIndex,
	}
}

// Dispatchable reports whether events of this type are ever queued or swept.
func (t EventType) Dispatchable() bool {
	switch t {
	case EventUnrecognized, EventScopeIndexFragment:
		return false
	}
	return true
}

// RequiresConnectedParty reports whether dispatching this type depends on an
// actively reachable remote party. The retry sweep uses a shorter staleness
// threshold for these.
func (t EventType) RequiresConnectedParty() bool {
	switch t {
	case EventEnvelopeRequest, EventEnvelopeResponse, EventEnvelopeError:
		return true
	}
	return false
}

// ParseEventType maps a stored tag back into the closed vocabulary.
func ParseEventType(s string) EventType {
	switch t := EventType(s); t {
	case EventEnvelopeRequest, EventEnvelopeResponse, EventEnvelopeError,
		EventEnvelopeChaincode, EventEnvelopeMailboxOutbound, EventEnvelopeFragment,
		EventScopeIndex, EventScopeIndexFragment:
		return t
	}
	return EventUnrecognized
}

// EventStatus is the outbox delivery state of an event record.
type EventStatus string

const (
	EventStatusCreated  EventStatus = "CREATED"
	EventStatusComplete EventStatus = "COMPLETE"
	EventStatusError    EventStatus = "ERROR"
)

// EventRecord is one transactional outbox entry. It is inserted in the same
// transaction as the domain mutation that requires follow-up; only committed
// events are ever dispatched.
type EventRecord struct {
	EventUUID    uuid.UUID   `json:"event_uuid"`
	EnvelopeUUID uuid.UUID   `json:"envelope_uuid"`
	Type         EventType   `json:"event_type"`
	Payload      []byte      `json:"payload,omitempty"`
	Status       EventStatus `json:"status"`
	Created      time.Time   `json:"created"`
	Updated      time.Time   `json:"updated"`
}
