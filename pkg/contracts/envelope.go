package contracts

import (
	"time"

	"github.com/google/uuid"
)

// PublicKey is a hex-encoded public key as exchanged between parties.
type PublicKey string

// Ref points at an immutable contract artifact (definition or spec) by content hash.
type Ref struct {
	Hash      string `json:"hash"`
	ClassName string `json:"class_name,omitempty"`
}

// Party binds a signing identity to the encryption key its mailbox listens on.
type Party struct {
	SigningPublicKey    PublicKey `json:"signing_public_key"`
	EncryptionPublicKey PublicKey `json:"encryption_public_key"`
}

// Recital is a contract-declared party role bound to concrete key material.
type Recital struct {
	Role string `json:"role"`
	Party
}

// Signature is one party's signature over the canonical envelope bytes.
// PublicKeyPEM carries the signer's key in PEM form so a counterparty can
// verify without a prior key exchange.
type Signature struct {
	Signature    string `json:"signature"`
	PublicKeyPEM string `json:"public_key"`
}

// Envelope is the unit of contract execution state exchanged between parties.
// Immutable once signed for a given execution; retries mint a new ExecutionUUID.
type Envelope struct {
	ExecutionUUID uuid.UUID  `json:"execution_uuid"`
	GroupUUID     uuid.UUID  `json:"group_uuid"`
	ScopeUUID     uuid.UUID  `json:"scope_uuid"`
	ContractRef   Ref        `json:"contract_ref"`
	SpecRef       Ref        `json:"spec_ref"`
	Recitals      []Recital  `json:"recitals"`
	Invoker       Party      `json:"invoker"`
	Signatures    []Signature `json:"signatures,omitempty"`
	Expiration    *time.Time `json:"expiration,omitempty"`
	TimesExecuted int        `json:"times_executed"`

	// ScopeParties are additional scope-level audience members beyond the
	// recitals; populated by the invoker from the scope record.
	ScopeParties []PublicKey `json:"scope_parties,omitempty"`
}

// RecitalKeys returns the encryption public keys of every recital.
func (e *Envelope) RecitalKeys() []PublicKey {
	keys := make([]PublicKey, 0, len(e.Recitals))
	for _, r := range e.Recitals {
		keys = append(keys, r.EncryptionPublicKey)
	}
	return keys
}

// Audience computes the union of scope parties and recital encryption keys.
func (e *Envelope) Audience() []PublicKey {
	seen := make(map[PublicKey]struct{}, len(e.Recitals)+len(e.ScopeParties))
	var out []PublicKey
	add := func(k PublicKey) {
		if k == "" {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, k := range e.ScopeParties {
		add(k)
	}
	for _, r := range e.Recitals {
		add(r.EncryptionPublicKey)
	}
	return out
}

// HasRecital reports whether key matches any recital's signing or encryption key.
func (e *Envelope) HasRecital(key PublicKey) bool {
	for _, r := range e.Recitals {
		if r.SigningPublicKey == key || r.EncryptionPublicKey == key {
			return true
		}
	}
	return false
}

// HasSignatureFrom reports whether a signature from the given PEM key is present.
func (e *Envelope) HasSignatureFrom(publicKeyPEM string) bool {
	for _, s := range e.Signatures {
		if s.PublicKeyPEM == publicKeyPEM {
			return true
		}
	}
	return false
}

// SignaturesComplete reports whether every recital has contributed a signature.
// The invoker's signature is counted through its recital like any other party.
func (e *Envelope) SignaturesComplete() bool {
	if len(e.Recitals) == 0 {
		return len(e.Signatures) > 0
	}
	return len(e.Signatures) >= len(e.Recitals)
}
