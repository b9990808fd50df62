// Package dime implements the DIME binary envelope document: a length-prefixed
// header (magic, version, uuid, metadata, uri, signatures, payload descriptor)
// followed by an unbounded encrypted payload stream. Two independent SHA-512
// digests accumulate as bytes move through the stream abstraction: an internal
// digest over payload bytes only, and an external digest over the fully framed
// message.
package dime

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

// Magic is the fixed 4-byte frame preamble.
var Magic = [4]byte{'D', 'I', 'M', 'E'}

// Version is the current frame format version.
const Version uint16 = 1

// Metadata keys carried in every mailbox frame.
const (
	MetadataDispatchType = "dispatch_type"
	MetadataSenderKey    = "sender_public_key"
	MetadataCreated      = "created"
)

var (
	// ErrBadMagic is returned when the frame preamble does not match Magic.
	// Unrecoverable: the caller must discard the object, not retry parsing.
	ErrBadMagic = errors.New("dime: bad magic")
	// ErrBadVersion is returned on a version the parser does not speak.
	ErrBadVersion = errors.New("dime: unsupported version")
	// ErrSignatureNotFetched is returned by FirstSignature when the signature
	// list has not been populated.
	ErrSignatureNotFetched = errors.New("dime: signature not yet fetched")
)

// Frame is the parsed (or to-be-written) header of one DIME document.
// One frame == one mailbox message.
type Frame struct {
	UUID       uuid.UUID
	Metadata   map[string]string
	URI        string
	Signatures []contracts.Signature

	// Descriptor is the serialized encryption context: owner public key plus
	// per-recipient wrapped data-encryption keys. Opaque at this layer.
	Descriptor []byte
}

// FirstSignature returns the earliest signature+key pair for verification.
func (f *Frame) FirstSignature() (contracts.Signature, error) {
	if len(f.Signatures) == 0 {
		return contracts.Signature{}, ErrSignatureNotFetched
	}
	return f.Signatures[0], nil
}

// DispatchType returns the mailbox marker carried in the metadata map.
func (f *Frame) DispatchType() string {
	return f.Metadata[MetadataDispatchType]
}

// SenderKey returns the provenance hint carried in the metadata map.
func (f *Frame) SenderKey() contracts.PublicKey {
	return contracts.PublicKey(f.Metadata[MetadataSenderKey])
}

func badVersion(v uint16) error {
	return fmt.Errorf("%w: %d", ErrBadVersion, v)
}
