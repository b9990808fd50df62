// Package mailbox moves envelope fragments between parties through the shared
// object store. Outbound messages are canonical-JSON payloads, signed by the
// local identity, sealed to an audience of encryption keys, and framed as DIME
// documents; inbound messages are polled per local identity, classified by
// dispatch marker, routed to handlers, and acknowledged exactly once.
package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/contractmesh/dimebox/pkg/contracts"
	"github.com/contractmesh/dimebox/pkg/crypto"
	"github.com/contractmesh/dimebox/pkg/dime"
	"github.com/contractmesh/dimebox/pkg/objectstore"
)

// KeyExchange is the payload of PUBLIC_KEY_ALLOWED and its response: the
// sender's public key material, so counterparties can address future mail.
type KeyExchange struct {
	SigningPublicKey    contracts.PublicKey `json:"signing_public_key"`
	EncryptionPublicKey contracts.PublicKey `json:"encryption_public_key"`
}

// Service encodes and delivers one logical message to a set of recipient
// public keys. Sends are fire-and-forget: delivery guarantees come from the
// event bus re-triggering the send path, not from this component.
type Service struct {
	store objectstore.Store
	log   *slog.Logger
}

func NewService(store objectstore.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log.With("component", "mailbox")}
}

// Fragment mails a fragment request to every counterparty in the envelope's
// audience. The local identity must match the declared invoker's signing or
// encryption key.
func (s *Service) Fragment(ctx context.Context, ident *crypto.Identity, env *contracts.Envelope) error {
	if env.Invoker.SigningPublicKey != ident.SigningPublicKey() &&
		env.Invoker.EncryptionPublicKey != ident.EncryptionPublicKey() {
		return fmt.Errorf("mailbox: local identity does not match envelope invoker")
	}
	audience := env.Audience()
	return s.send(ctx, ident, MarkerFragmentRequest, env.ExecutionUUID, env, audience, ident.EncryptionPublicKey())
}

// Result mails an executed fragment back to the invoker.
func (s *Service) Result(ctx context.Context, ident *crypto.Identity, env *contracts.Envelope) error {
	invoker := env.Invoker.EncryptionPublicKey
	if invoker == "" {
		return fmt.Errorf("mailbox: envelope has no invoker encryption key")
	}
	return s.send(ctx, ident, MarkerFragmentResponse, env.ExecutionUUID, env, []contracts.PublicKey{invoker})
}

// Error mails an envelope error to the audience, minus any excluded keys.
func (s *Service) Error(ctx context.Context, ident *crypto.Identity, audience []contracts.PublicKey, envErr contracts.EnvelopeError, exclude ...contracts.PublicKey) error {
	return s.send(ctx, ident, MarkerErrorResponse, envErr.ExecutionUUID, envErr, audience, exclude...)
}

// KeyExchangeRequest mails the local identity's public keys to a target party.
func (s *Service) KeyExchangeRequest(ctx context.Context, ident *crypto.Identity, target contracts.PublicKey) error {
	return s.sendKeyExchange(ctx, ident, MarkerKeyAllowed, target)
}

// KeyExchangeResponse answers a key exchange request.
func (s *Service) KeyExchangeResponse(ctx context.Context, ident *crypto.Identity, target contracts.PublicKey) error {
	return s.sendKeyExchange(ctx, ident, MarkerKeyAllowedResponse, target)
}

func (s *Service) sendKeyExchange(ctx context.Context, ident *crypto.Identity, marker Marker, target contracts.PublicKey) error {
	payload := KeyExchange{
		SigningPublicKey:    ident.SigningPublicKey(),
		EncryptionPublicKey: ident.EncryptionPublicKey(),
	}
	return s.send(ctx, ident, marker, uuid.New(), payload, []contracts.PublicKey{target})
}

// send canonicalizes, signs, seals, frames, and deposits one message in each
// recipient's inbox. The frame's internal payload digest is the object store
// content address.
func (s *Service) send(ctx context.Context, ident *crypto.Identity, marker Marker, msgUUID uuid.UUID, payload any, audience []contracts.PublicKey, exclude ...contracts.PublicKey) error {
	recipients := excludeKeys(audience, exclude)
	if len(recipients) == 0 {
		s.log.Warn("no recipients after exclusions", "marker", marker, "message", msgUUID)
		return nil
	}

	plaintext, err := crypto.CanonicalMarshal(payload)
	if err != nil {
		return fmt.Errorf("mailbox: canonicalize payload: %w", err)
	}

	sigHex, err := ident.Signer.Sign(plaintext)
	if err != nil {
		return fmt.Errorf("mailbox: sign payload: %w", err)
	}
	pemKey, err := ident.Signer.PublicKeyPEM()
	if err != nil {
		return fmt.Errorf("mailbox: encode signer key: %w", err)
	}

	ectx, ciphertext, err := ident.KeyPair.Encrypt(plaintext, recipients)
	if err != nil {
		return fmt.Errorf("mailbox: seal payload: %w", err)
	}
	descriptor, err := ectx.Marshal()
	if err != nil {
		return fmt.Errorf("mailbox: marshal encryption context: %w", err)
	}

	frame := &dime.Frame{
		UUID: msgUUID,
		Metadata: map[string]string{
			dime.MetadataDispatchType: string(marker),
			dime.MetadataSenderKey:    string(ident.EncryptionPublicKey()),
			dime.MetadataCreated:      time.Now().UTC().Format(time.RFC3339),
		},
		URI:        "mailbox:" + msgUUID.String(),
		Signatures: []contracts.Signature{{Signature: sigHex, PublicKeyPEM: pemKey}},
		Descriptor: descriptor,
	}

	stream, err := dime.NewStream(frame, bytes.NewReader(ciphertext))
	if err != nil {
		return fmt.Errorf("mailbox: frame message: %w", err)
	}
	framed, err := io.ReadAll(stream)
	if err != nil {
		return fmt.Errorf("mailbox: stream message: %w", err)
	}
	address := objectstore.AddressFromHash(stream.InternalHash())

	for _, recipient := range recipients {
		if err := s.store.Put(ctx, recipient, address, framed); err != nil {
			return fmt.Errorf("mailbox: deposit for %s: %w", recipient, err)
		}
	}
	s.log.Debug("message deposited",
		"marker", marker, "message", msgUUID, "recipients", len(recipients), "address", address)
	return nil
}

func excludeKeys(audience, exclude []contracts.PublicKey) []contracts.PublicKey {
	if len(exclude) == 0 {
		return audience
	}
	skip := make(map[contracts.PublicKey]struct{}, len(exclude))
	for _, k := range exclude {
		skip[k] = struct{}{}
	}
	out := make([]contracts.PublicKey, 0, len(audience))
	for _, k := range audience {
		if _, ok := skip[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
