package mailbox

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contractmesh/dimebox/pkg/contracts"
	"github.com/contractmesh/dimebox/pkg/crypto"
	"github.com/contractmesh/dimebox/pkg/dime"
	"github.com/contractmesh/dimebox/pkg/objectstore"
)

type captureHandler struct {
	onFragmentRequest  func(*crypto.Identity, *contracts.Envelope) error
	onFragmentResponse func(*crypto.Identity, *contracts.Envelope) error
	onErrorResponse    func(*crypto.Identity, contracts.EnvelopeError) error
}

func (h *captureHandler) HandleFragmentRequest(_ context.Context, local *crypto.Identity, env *contracts.Envelope) error {
	if h.onFragmentRequest != nil {
		return h.onFragmentRequest(local, env)
	}
	return nil
}

func (h *captureHandler) HandleFragmentResponse(_ context.Context, local *crypto.Identity, env *contracts.Envelope) error {
	if h.onFragmentResponse != nil {
		return h.onFragmentResponse(local, env)
	}
	return nil
}

func (h *captureHandler) HandleErrorResponse(_ context.Context, local *crypto.Identity, envErr contracts.EnvelopeError) error {
	if h.onErrorResponse != nil {
		return h.onErrorResponse(local, envErr)
	}
	return nil
}

func newIdentity(t *testing.T, keyID string) *crypto.Identity {
	t.Helper()
	ident, err := crypto.NewIdentity(keyID)
	require.NoError(t, err)
	return ident
}

func twoPartyEnvelope(invoker, counterparty *crypto.Identity) *contracts.Envelope {
	return &contracts.Envelope{
		ExecutionUUID: uuid.New(),
		GroupUUID:     uuid.New(),
		ScopeUUID:     uuid.New(),
		Invoker:       invoker.Party(),
		Recitals: []contracts.Recital{
			{Role: "buyer", Party: invoker.Party()},
			{Role: "seller", Party: counterparty.Party()},
		},
	}
}

func newReaper(store objectstore.Store, svc *Service, h Handler, idents ...*crypto.Identity) *Reaper {
	cfg := ReaperConfig{PollInterval: time.Hour, InitialDelay: 0, BatchSize: 50}
	return NewReaper(cfg, store, svc, h, idents, nil)
}

func inboxLen(t *testing.T, store objectstore.Store, key contracts.PublicKey) int {
	t.Helper()
	addrs, err := store.List(context.Background(), key, 0)
	require.NoError(t, err)
	return len(addrs)
}

func TestFragmentDeliveryAndAck(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore()
	svc := NewService(store, nil)

	alice := newIdentity(t, "alice")
	bob := newIdentity(t, "bob")
	env := twoPartyEnvelope(alice, bob)

	require.NoError(t, svc.Fragment(ctx, alice, env))

	// The sender is excluded from its own fragment request.
	assert.Equal(t, 0, inboxLen(t, store, alice.EncryptionPublicKey()))
	assert.Equal(t, 1, inboxLen(t, store, bob.EncryptionPublicKey()))

	var got *contracts.Envelope
	handler := &captureHandler{
		onFragmentRequest: func(_ *crypto.Identity, e *contracts.Envelope) error {
			got = e
			return nil
		},
	}
	newReaper(store, svc, handler, bob).Poll(ctx, bob)

	require.NotNil(t, got)
	assert.Equal(t, env.ExecutionUUID, got.ExecutionUUID)
	assert.Equal(t, env.Invoker, got.Invoker)
	assert.Len(t, got.Recitals, 2)

	// Acked exactly once: the inbox is empty and a re-poll sees nothing.
	assert.Equal(t, 0, inboxLen(t, store, bob.EncryptionPublicKey()))
}

func TestFragmentRejectsWrongInvoker(t *testing.T) {
	store := objectstore.NewMemStore()
	svc := NewService(store, nil)

	alice := newIdentity(t, "alice")
	bob := newIdentity(t, "bob")
	env := twoPartyEnvelope(alice, bob)

	// Bob is not the declared invoker.
	err := svc.Fragment(context.Background(), bob, env)
	assert.Error(t, err)
}

func TestResultReachesOnlyInvoker(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore()
	svc := NewService(store, nil)

	alice := newIdentity(t, "alice")
	bob := newIdentity(t, "bob")
	env := twoPartyEnvelope(alice, bob)

	require.NoError(t, svc.Result(ctx, bob, env))
	assert.Equal(t, 1, inboxLen(t, store, alice.EncryptionPublicKey()))
	assert.Equal(t, 0, inboxLen(t, store, bob.EncryptionPublicKey()))

	var got *contracts.Envelope
	handler := &captureHandler{
		onFragmentResponse: func(_ *crypto.Identity, e *contracts.Envelope) error {
			got = e
			return nil
		},
	}
	newReaper(store, svc, handler, alice).Poll(ctx, alice)
	require.NotNil(t, got)
	assert.Equal(t, env.ExecutionUUID, got.ExecutionUUID)
}

func TestHandlerFailureReportsErrorToSender(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore()
	svc := NewService(store, nil)

	alice := newIdentity(t, "alice")
	bob := newIdentity(t, "bob")
	env := twoPartyEnvelope(alice, bob)

	require.NoError(t, svc.Fragment(ctx, alice, env))

	failing := &captureHandler{
		onFragmentRequest: func(*crypto.Identity, *contracts.Envelope) error {
			return assert.AnError
		},
	}
	newReaper(store, svc, failing, bob).Poll(ctx, bob)

	// The failed request is acked and an error report lands with the sender.
	assert.Equal(t, 0, inboxLen(t, store, bob.EncryptionPublicKey()))
	require.Equal(t, 1, inboxLen(t, store, alice.EncryptionPublicKey()))

	var gotErr *contracts.EnvelopeError
	capture := &captureHandler{
		onErrorResponse: func(_ *crypto.Identity, e contracts.EnvelopeError) error {
			gotErr = &e
			return nil
		},
	}
	newReaper(store, svc, capture, alice).Poll(ctx, alice)
	require.NotNil(t, gotErr)
	assert.Equal(t, env.ExecutionUUID, gotErr.ExecutionUUID)
}

func TestGarbageObjectIsAcked(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore()
	svc := NewService(store, nil)
	bob := newIdentity(t, "bob")

	garbage := []byte("not a frame at all")
	addr := objectstore.Address(garbage)
	require.NoError(t, store.Put(ctx, bob.EncryptionPublicKey(), addr, garbage))

	called := false
	handler := &captureHandler{
		onFragmentRequest: func(*crypto.Identity, *contracts.Envelope) error {
			called = true
			return nil
		},
	}
	newReaper(store, svc, handler, bob).Poll(ctx, bob)

	assert.False(t, called)
	assert.Equal(t, 0, inboxLen(t, store, bob.EncryptionPublicKey()))
}

func TestUnknownMarkerIsAcked(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore()
	svc := NewService(store, nil)

	alice := newIdentity(t, "alice")
	bob := newIdentity(t, "bob")

	// A well-formed, well-signed frame carrying a marker outside the closed
	// set must be dropped with an ack, not retried.
	plaintext, err := crypto.CanonicalMarshal(map[string]string{"hello": "world"})
	require.NoError(t, err)
	sig, err := alice.Signer.Sign(plaintext)
	require.NoError(t, err)
	pemKey, err := alice.Signer.PublicKeyPEM()
	require.NoError(t, err)
	ectx, ciphertext, err := alice.KeyPair.Encrypt(plaintext, []contracts.PublicKey{bob.EncryptionPublicKey()})
	require.NoError(t, err)
	descriptor, err := ectx.Marshal()
	require.NoError(t, err)

	frame := &dime.Frame{
		UUID: uuid.New(),
		Metadata: map[string]string{
			dime.MetadataDispatchType: "FUTURE_MARKER",
			dime.MetadataSenderKey:    string(alice.EncryptionPublicKey()),
		},
		URI:        "mailbox:test",
		Signatures: []contracts.Signature{{Signature: sig, PublicKeyPEM: pemKey}},
		Descriptor: descriptor,
	}
	stream, err := dime.NewStream(frame, bytes.NewReader(ciphertext))
	require.NoError(t, err)
	framed, err := io.ReadAll(stream)
	require.NoError(t, err)
	addr := objectstore.AddressFromHash(stream.InternalHash())
	require.NoError(t, store.Put(ctx, bob.EncryptionPublicKey(), addr, framed))

	called := false
	handler := &captureHandler{
		onFragmentRequest: func(*crypto.Identity, *contracts.Envelope) error {
			called = true
			return nil
		},
	}
	newReaper(store, svc, handler, bob).Poll(ctx, bob)

	assert.False(t, called)
	assert.Equal(t, 0, inboxLen(t, store, bob.EncryptionPublicKey()))
	// No error report for an unrecognized marker.
	assert.Equal(t, 0, inboxLen(t, store, alice.EncryptionPublicKey()))
}

func TestKeyExchangeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore()
	svc := NewService(store, nil)

	alice := newIdentity(t, "alice")
	bob := newIdentity(t, "bob")

	require.NoError(t, svc.KeyExchangeRequest(ctx, alice, bob.EncryptionPublicKey()))
	require.Equal(t, 1, inboxLen(t, store, bob.EncryptionPublicKey()))

	// Bob's reaper answers the request automatically.
	newReaper(store, svc, &captureHandler{}, bob).Poll(ctx, bob)
	assert.Equal(t, 0, inboxLen(t, store, bob.EncryptionPublicKey()))
	assert.Equal(t, 1, inboxLen(t, store, alice.EncryptionPublicKey()))

	// Alice's reaper consumes the response.
	newReaper(store, svc, &captureHandler{}, alice).Poll(ctx, alice)
	assert.Equal(t, 0, inboxLen(t, store, alice.EncryptionPublicKey()))
}

func TestParseMarkerClosedSet(t *testing.T) {
	for _, m := range []Marker{
		MarkerFragmentRequest, MarkerFragmentResponse, MarkerErrorResponse,
		MarkerKeyAllowed, MarkerKeyAllowedResponse,
	} {
		got, ok := ParseMarker(string(m))
		assert.True(t, ok)
		assert.Equal(t, m, got)
	}
	_, ok := ParseMarker("SOMETHING_ELSE")
	assert.False(t, ok)
}
