package dime

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"io"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

// Stream frames a Frame plus its payload source for transport. The header is
// built once, in memory; reads drain the header bytes first and then pass
// through to the underlying payload source. The external digest covers header
// and payload bytes; the internal digest covers payload bytes only, unless the
// payload source already tracks its own digest, in which case that one is
// reused.
type Stream struct {
	header  *bytes.Reader
	payload io.Reader

	internal hash.Hash
	external hash.Hash
	inner    hashProvider
}

// NewStream builds the wire header for f and wraps payload for streaming.
// The payload length is not embedded; it is bounded by the caller's
// content-length, not by the frame.
func NewStream(f *Frame, payload io.Reader) (*Stream, error) {
	hdr, err := buildHeader(f)
	if err != nil {
		return nil, err
	}
	s := &Stream{
		header:   bytes.NewReader(hdr),
		payload:  payload,
		internal: newDigest(),
		external: newDigest(),
	}
	if hp, ok := payload.(hashProvider); ok {
		s.inner = hp
	}
	return s, nil
}

func (s *Stream) Read(p []byte) (int, error) {
	if s.header.Len() > 0 {
		n, err := s.header.Read(p)
		if n > 0 {
			s.external.Write(p[:n])
		}
		if err == io.EOF {
			err = nil // fall through to payload on the next call
		}
		return n, err
	}
	n, err := s.payload.Read(p)
	if n > 0 {
		s.external.Write(p[:n])
		if s.inner == nil {
			s.internal.Write(p[:n])
		}
	}
	return n, err
}

// InternalHash finalizes the payload-only digest. Used as the content address
// for the object store. Repeatable; does not block future reads.
func (s *Stream) InternalHash() []byte {
	if s.inner != nil {
		return s.inner.Hash()
	}
	return s.internal.Sum(nil)
}

// ExternalHash finalizes the digest over header plus payload bytes. Used as an
// end-to-end tamper check of the fully framed message.
func (s *Stream) ExternalHash() []byte {
	return s.external.Sum(nil)
}

func buildHeader(f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(Magic[:])

	var ver [2]byte
	binary.BigEndian.PutUint16(ver[:], Version)
	buf.Write(ver[:])

	writeField(&buf, f.UUID[:])

	meta := f.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("dime: marshal metadata: %w", err)
	}
	writeField(&buf, metaJSON)

	writeField(&buf, []byte(f.URI))

	sigs := f.Signatures
	if sigs == nil {
		sigs = []contracts.Signature{}
	}
	sigJSON, err := json.Marshal(sigs)
	if err != nil {
		return nil, fmt.Errorf("dime: marshal signatures: %w", err)
	}
	writeField(&buf, sigJSON)

	writeField(&buf, f.Descriptor)
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}
