package dime

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contractmesh/dimebox/pkg/contracts"
)

func testFrame() *Frame {
	return &Frame{
		UUID: uuid.New(),
		Metadata: map[string]string{
			MetadataDispatchType: "FRAGMENT_REQUEST",
			MetadataSenderKey:    "aabbcc",
		},
		URI: "mailbox:test",
		Signatures: []contracts.Signature{
			{Signature: "deadbeef", PublicKeyPEM: "-----BEGIN PUBLIC KEY-----\nZm9v\n-----END PUBLIC KEY-----\n"},
		},
		Descriptor: []byte(`{"owner_key":"aabbcc"}`),
	}
}

func TestStreamRoundTrip(t *testing.T) {
	frame := testFrame()
	payload := []byte("encrypted payload bytes")

	stream, err := NewStream(frame, bytes.NewReader(payload))
	require.NoError(t, err)

	framed, err := io.ReadAll(stream)
	require.NoError(t, err)

	doc, gotPayload, err := ParseBytes(framed)
	require.NoError(t, err)

	assert.Equal(t, frame.UUID, doc.Frame.UUID)
	assert.Equal(t, frame.Metadata, doc.Frame.Metadata)
	assert.Equal(t, frame.URI, doc.Frame.URI)
	assert.Equal(t, frame.Signatures, doc.Frame.Signatures)
	assert.Equal(t, frame.Descriptor, doc.Frame.Descriptor)
	assert.Equal(t, payload, gotPayload)
}

func TestStreamDigests(t *testing.T) {
	frame := testFrame()
	payload := []byte("payload under digest")

	stream, err := NewStream(frame, bytes.NewReader(payload))
	require.NoError(t, err)
	framed, err := io.ReadAll(stream)
	require.NoError(t, err)

	wantInternal := sha512.Sum512(payload)
	wantExternal := sha512.Sum512(framed)
	assert.Equal(t, wantInternal[:], stream.InternalHash())
	assert.Equal(t, wantExternal[:], stream.ExternalHash())

	// Finalization is repeatable.
	assert.Equal(t, stream.InternalHash(), stream.InternalHash())
	assert.Equal(t, stream.ExternalHash(), stream.ExternalHash())

	// The reader side accumulates the same digests.
	doc, _, err := ParseBytes(framed)
	require.NoError(t, err)
	assert.Equal(t, wantInternal[:], doc.InternalHash())
	assert.Equal(t, wantExternal[:], doc.ExternalHash())
}

func TestStreamDelegatesInnerHash(t *testing.T) {
	payload := []byte("already hashed upstream")
	inner := NewHashingReader(bytes.NewReader(payload))

	stream, err := NewStream(testFrame(), inner)
	require.NoError(t, err)
	_, err = io.ReadAll(stream)
	require.NoError(t, err)

	want := sha512.Sum512(payload)
	assert.Equal(t, want[:], stream.InternalHash())
}

func TestParseBadMagic(t *testing.T) {
	stream, err := NewStream(testFrame(), bytes.NewReader([]byte("p")))
	require.NoError(t, err)
	framed, err := io.ReadAll(stream)
	require.NoError(t, err)

	framed[0] = 'X'
	_, _, err = ParseBytes(framed)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestParseBadVersion(t *testing.T) {
	stream, err := NewStream(testFrame(), bytes.NewReader(nil))
	require.NoError(t, err)
	framed, err := io.ReadAll(stream)
	require.NoError(t, err)

	binary.BigEndian.PutUint16(framed[4:6], 99)
	_, _, err = ParseBytes(framed)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestParseTruncatedHeader(t *testing.T) {
	stream, err := NewStream(testFrame(), bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	framed, err := io.ReadAll(stream)
	require.NoError(t, err)

	// Every truncation point inside the header must fail loudly, never parse
	// as an empty field.
	for _, cut := range []int{0, 3, 5, 8, 20, 40} {
		if cut >= len(framed) {
			continue
		}
		_, err := Parse(bytes.NewReader(framed[:cut]))
		require.Error(t, err, "cut at %d", cut)
		assert.True(t, errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrBadMagic),
			"cut at %d: %v", cut, err)
	}
}

func TestParseEmptyPayload(t *testing.T) {
	stream, err := NewStream(testFrame(), bytes.NewReader(nil))
	require.NoError(t, err)
	framed, err := io.ReadAll(stream)
	require.NoError(t, err)

	doc, payload, err := ParseBytes(framed)
	require.NoError(t, err)
	assert.Empty(t, payload)

	want := sha512.Sum512(nil)
	assert.Equal(t, want[:], doc.InternalHash())
}

func TestFirstSignature(t *testing.T) {
	f := &Frame{}
	_, err := f.FirstSignature()
	assert.ErrorIs(t, err, ErrSignatureNotFetched)

	f.Signatures = []contracts.Signature{{Signature: "aa"}, {Signature: "bb"}}
	sig, err := f.FirstSignature()
	require.NoError(t, err)
	assert.Equal(t, "aa", sig.Signature)
}

func TestParseUnknownMetadataPreserved(t *testing.T) {
	frame := testFrame()
	frame.Metadata["x-extra"] = "kept"

	stream, err := NewStream(frame, bytes.NewReader([]byte("p")))
	require.NoError(t, err)
	framed, err := io.ReadAll(stream)
	require.NoError(t, err)

	doc, _, err := ParseBytes(framed)
	require.NoError(t, err)
	assert.Equal(t, "kept", doc.Frame.Metadata["x-extra"])
}
