package dime

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

// Document is a parsed DIME frame plus its still-streaming payload. The
// external digest accumulates over every byte consumed from the source
// (header included); the internal digest accumulates over payload bytes only.
type Document struct {
	Frame *Frame

	payload  *HashingReader
	external *HashingReader
}

// Payload returns the remaining encrypted payload stream.
func (d *Document) Payload() io.Reader {
	return d.payload
}

// InternalHash finalizes the payload-only digest read so far.
func (d *Document) InternalHash() []byte {
	return d.payload.Hash()
}

// ExternalHash finalizes the header-plus-payload digest read so far.
func (d *Document) ExternalHash() []byte {
	return d.external.Hash()
}

// Parse reads the frame header from r. A short read anywhere in the header is
// a fatal framing error: end-of-stream mid-field surfaces as
// io.ErrUnexpectedEOF, never as an empty field. The payload is not consumed;
// it remains readable through Document.Payload.
func Parse(r io.Reader) (*Document, error) {
	ext := NewHashingReader(r)

	var magic [4]byte
	if err := readExact(ext, magic[:]); err != nil {
		return nil, fmt.Errorf("dime: read magic: %w", err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, magic[:])
	}

	var ver [2]byte
	if err := readExact(ext, ver[:]); err != nil {
		return nil, fmt.Errorf("dime: read version: %w", err)
	}
	if v := binary.BigEndian.Uint16(ver[:]); v != Version {
		return nil, badVersion(v)
	}

	rawUUID, err := readField(ext)
	if err != nil {
		return nil, fmt.Errorf("dime: read uuid: %w", err)
	}
	id, err := uuid.FromBytes(rawUUID)
	if err != nil {
		return nil, fmt.Errorf("dime: uuid field: %w", err)
	}

	rawMeta, err := readField(ext)
	if err != nil {
		return nil, fmt.Errorf("dime: read metadata: %w", err)
	}
	metadata := map[string]string{}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &metadata); err != nil {
			return nil, fmt.Errorf("dime: metadata field: %w", err)
		}
	}

	rawURI, err := readField(ext)
	if err != nil {
		return nil, fmt.Errorf("dime: read uri: %w", err)
	}

	rawSigs, err := readField(ext)
	if err != nil {
		return nil, fmt.Errorf("dime: read signatures: %w", err)
	}
	var sigs []contracts.Signature
	if len(rawSigs) > 0 {
		if err := json.Unmarshal(rawSigs, &sigs); err != nil {
			return nil, fmt.Errorf("dime: signatures field: %w", err)
		}
	}

	descriptor, err := readField(ext)
	if err != nil {
		return nil, fmt.Errorf("dime: read payload descriptor: %w", err)
	}

	return &Document{
		Frame: &Frame{
			UUID:       id,
			Metadata:   metadata,
			URI:        string(rawURI),
			Signatures: sigs,
			Descriptor: descriptor,
		},
		payload:  NewHashingReader(ext),
		external: ext,
	}, nil
}

// ParseBytes parses a fully materialized frame and returns the document plus
// the payload bytes drained from it.
func ParseBytes(b []byte) (*Document, []byte, error) {
	doc, err := Parse(bytes.NewReader(b))
	if err != nil {
		return nil, nil, err
	}
	payload, err := io.ReadAll(doc.Payload())
	if err != nil {
		return nil, nil, fmt.Errorf("dime: read payload: %w", err)
	}
	return doc, payload, nil
}

// readField reads one 4-byte big-endian length prefix and exactly that many
// bytes.
func readField(r io.Reader) ([]byte, error) {
	var n [4]byte
	if err := readExact(r, n[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(n[:])
	if size == 0 {
		return nil, nil
	}
	b := make([]byte, size)
	if err := readExact(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// readExact fills buf or fails. A bare EOF before the field is complete is
// promoted to io.ErrUnexpectedEOF: a short read is never a "0 bytes" success.
func readExact(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
