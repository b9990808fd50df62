package mailbox

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/contractmesh/dimebox/pkg/contracts"
	"github.com/contractmesh/dimebox/pkg/crypto"
	"github.com/contractmesh/dimebox/pkg/dime"
	"github.com/contractmesh/dimebox/pkg/objectstore"
)

// Handler receives classified inbound messages. The envelope service
// implements this; the reaper owns polling, decoding, and acknowledgment.
type Handler interface {
	// HandleFragmentRequest stages and executes a counterparty fragment.
	HandleFragmentRequest(ctx context.Context, local *crypto.Identity, env *contracts.Envelope) error
	// HandleFragmentResponse merges an executed fragment into the invoker's
	// record.
	HandleFragmentResponse(ctx context.Context, local *crypto.Identity, env *contracts.Envelope) error
	// HandleErrorResponse records a counterparty error.
	HandleErrorResponse(ctx context.Context, local *crypto.Identity, envErr contracts.EnvelopeError) error
}

// ReaperConfig tunes the inbound poll loop.
type ReaperConfig struct {
	PollInterval time.Duration
	InitialDelay time.Duration
	// BatchSize caps inbox objects fetched per cycle per identity.
	BatchSize int
}

// DefaultReaperConfig mirrors the stock poll cadence.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		PollInterval: 5 * time.Second,
		InitialDelay: time.Second,
		BatchSize:    50,
	}
}

// Reaper polls each locally-held identity's inbox, classifies frames by
// dispatch marker, routes them to the handler, and acknowledges processed
// messages. Every inbound object is acknowledged exactly once whether
// processing succeeds or fails: one poisoned message must not block the rest
// of the inbox.
type Reaper struct {
	cfg        ReaperConfig
	store      objectstore.Store
	service    *Service
	handler    Handler
	identities []*crypto.Identity
	log        *slog.Logger
}

func NewReaper(cfg ReaperConfig, store objectstore.Store, service *Service, handler Handler, identities []*crypto.Identity, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		cfg:        cfg,
		store:      store,
		service:    service,
		handler:    handler,
		identities: identities,
		log:        log.With("component", "mailbox-reaper"),
	}
}

// Run polls until ctx is done. One goroutine per identity.
func (r *Reaper) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ident := range r.identities {
		wg.Add(1)
		go func(ident *crypto.Identity) {
			defer wg.Done()
			r.pollLoop(ctx, ident)
		}(ident)
	}
	wg.Wait()
}

func (r *Reaper) pollLoop(ctx context.Context, ident *crypto.Identity) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(r.cfg.InitialDelay):
	}
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		r.Poll(ctx, ident)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll drains one batch from the identity's inbox.
func (r *Reaper) Poll(ctx context.Context, ident *crypto.Identity) {
	inbox := ident.EncryptionPublicKey()
	addrs, err := r.store.List(ctx, inbox, r.cfg.BatchSize)
	if err != nil {
		r.log.Error("inbox list failed", "identity", ident.Signer.KeyID, "err", err)
		return
	}
	for _, addr := range addrs {
		r.receive(ctx, ident, addr)
	}
}

// receive fetches, decodes, routes, and acknowledges one inbox object. The
// deferred ack runs on every path out of this function.
func (r *Reaper) receive(ctx context.Context, ident *crypto.Identity, address string) {
	inbox := ident.EncryptionPublicKey()
	data, err := r.store.Get(ctx, inbox, address)
	if err != nil {
		// Likely acked by a concurrent poll; nothing to acknowledge.
		r.log.Warn("inbox fetch failed", "address", address, "err", err)
		return
	}

	acked := false
	ack := func() {
		if acked {
			return
		}
		acked = true
		if err := r.store.Delete(ctx, inbox, address); err != nil {
			r.log.Error("ack failed", "address", address, "err", err)
		}
	}
	defer ack()

	doc, ciphertext, err := dime.ParseBytes(data)
	if err != nil {
		// Fatal framing error: the object can never parse; the sender must
		// re-issue a new frame.
		r.log.Error("discarding unparseable frame", "address", address, "err", err)
		return
	}
	frame := doc.Frame

	ectx, err := crypto.ParseContext(frame.Descriptor)
	if err != nil {
		r.log.Error("discarding frame with bad descriptor", "address", address, "err", err)
		return
	}
	plaintext, err := ident.KeyPair.Decrypt(ectx, ciphertext)
	if err != nil {
		r.log.Error("discarding undecryptable frame", "address", address, "err", err)
		return
	}

	if err := verifyFirstSignature(frame, plaintext); err != nil {
		r.log.Error("discarding frame with bad signature", "address", address, "err", err)
		return
	}

	marker, ok := ParseMarker(frame.DispatchType())
	if !ok {
		r.log.Warn("dropping frame with unrecognized marker",
			"marker", frame.DispatchType(), "address", address)
		return
	}

	if err := r.route(ctx, ident, marker, frame, plaintext); err != nil {
		r.log.Error("inbound handler failed", "marker", marker, "address", address, "err", err)
		r.reportError(ctx, ident, marker, frame, plaintext, err)
	}
}

// route is the exhaustive dispatch over the closed marker set.
func (r *Reaper) route(ctx context.Context, ident *crypto.Identity, marker Marker, frame *dime.Frame, plaintext []byte) error {
	switch marker {
	case MarkerFragmentRequest:
		var env contracts.Envelope
		if err := json.Unmarshal(plaintext, &env); err != nil {
			return fmt.Errorf("decode fragment request: %w", err)
		}
		return r.handler.HandleFragmentRequest(ctx, ident, &env)
	case MarkerFragmentResponse:
		var env contracts.Envelope
		if err := json.Unmarshal(plaintext, &env); err != nil {
			return fmt.Errorf("decode fragment response: %w", err)
		}
		return r.handler.HandleFragmentResponse(ctx, ident, &env)
	case MarkerErrorResponse:
		var envErr contracts.EnvelopeError
		if err := json.Unmarshal(plaintext, &envErr); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return r.handler.HandleErrorResponse(ctx, ident, envErr)
	case MarkerKeyAllowed:
		var kx KeyExchange
		if err := json.Unmarshal(plaintext, &kx); err != nil {
			return fmt.Errorf("decode key exchange: %w", err)
		}
		return r.service.KeyExchangeResponse(ctx, ident, kx.EncryptionPublicKey)
	case MarkerKeyAllowedResponse:
		var kx KeyExchange
		if err := json.Unmarshal(plaintext, &kx); err != nil {
			return fmt.Errorf("decode key exchange response: %w", err)
		}
		r.log.Info("counterparty key recorded",
			"signing_key", kx.SigningPublicKey, "encryption_key", kx.EncryptionPublicKey)
		return nil
	}
	return fmt.Errorf("unhandled marker %s", marker)
}

// reportError converts a handler failure into an ERROR_RESPONSE addressed back
// to the sender, unless the failed message was itself an error report.
func (r *Reaper) reportError(ctx context.Context, ident *crypto.Identity, marker Marker, frame *dime.Frame, plaintext []byte, cause error) {
	if marker == MarkerErrorResponse {
		return
	}
	sender := frame.SenderKey()
	if sender == "" {
		return
	}

	var env contracts.Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return
	}
	envErr := contracts.NewEnvelopeError(&env, contracts.ErrorNone, cause.Error())
	if err := r.service.Error(ctx, ident, []contracts.PublicKey{sender}, envErr); err != nil {
		r.log.Error("error send failed", "sender", sender, "err", err)
	}
}

func verifyFirstSignature(frame *dime.Frame, plaintext []byte) error {
	sig, err := frame.FirstSignature()
	if err != nil {
		return err
	}
	pub, err := crypto.DecodePublicKeyPEM(sig.PublicKeyPEM)
	if err != nil {
		return err
	}
	ok, err := crypto.Verify(contracts.PublicKey(hex.EncodeToString(pub)), sig.Signature, plaintext)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
