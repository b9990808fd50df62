package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/contractmesh/dimebox/pkg/chain"
	"github.com/contractmesh/dimebox/pkg/contracts"
	"github.com/contractmesh/dimebox/pkg/crypto"
	"github.com/contractmesh/dimebox/pkg/eventbus"
	"github.com/contractmesh/dimebox/pkg/mailbox"
	"github.com/contractmesh/dimebox/pkg/store"
)

// Dispatcher connects the service to its transports: it is the mailbox
// reaper's inbound handler, and it owns the event bus callbacks that perform
// outbound follow-up work (mail sends and chain submission). Identities are
// resolved by the encryption key each record is owned by.
type Dispatcher struct {
	svc        *Service
	mail       *mailbox.Service
	chain      chain.Client
	poller     chain.PollerConfig
	identities map[contracts.PublicKey]*crypto.Identity
	log        *slog.Logger
}

func NewDispatcher(svc *Service, mail *mailbox.Service, chainClient chain.Client, identities []*crypto.Identity, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	byKey := make(map[contracts.PublicKey]*crypto.Identity, len(identities))
	for _, ident := range identities {
		byKey[ident.EncryptionPublicKey()] = ident
	}
	return &Dispatcher{
		svc:        svc,
		mail:       mail,
		chain:      chainClient,
		poller:     chain.DefaultPollerConfig(),
		identities: byKey,
		log:        log.With("component", "envelope-dispatcher"),
	}
}

// SetPoller overrides the confirmation poll cadence. Call before Register.
func (d *Dispatcher) SetPoller(cfg chain.PollerConfig) {
	d.poller = cfg
}

// Register installs the follow-up callbacks. Must run before the bus starts.
func (d *Dispatcher) Register(bus *eventbus.Bus) error {
	for t, cb := range map[contracts.EventType]eventbus.Callback{
		contracts.EventEnvelopeRequest:         d.onRequest,
		contracts.EventEnvelopeResponse:        d.onResponse,
		contracts.EventEnvelopeError:           d.onError,
		contracts.EventEnvelopeChaincode:       d.onChaincode,
		contracts.EventEnvelopeMailboxOutbound: d.onMailboxOutbound,
		contracts.EventEnvelopeFragment:        d.onFragment,
		contracts.EventScopeIndex:              d.onScopeIndex,
	} {
		if err := bus.Register(t, cb); err != nil {
			return err
		}
	}
	return nil
}

// HandleFragmentRequest stages the received input, marks it read, and
// executes it locally. Execution emits ENVELOPE_MAILBOX_OUTBOUND, so the
// result reaches the invoker even if this process dies after the commit.
func (d *Dispatcher) HandleFragmentRequest(ctx context.Context, local *crypto.Identity, env *contracts.Envelope) error {
	if _, err := d.svc.Stage(ctx, local, env); err != nil {
		return err
	}
	if err := d.svc.Read(ctx, local.EncryptionPublicKey(), env.ExecutionUUID); err != nil {
		return err
	}
	return d.svc.Execute(ctx, local, env.ExecutionUUID)
}

// HandleFragmentResponse merges the counterparty's signature into the
// invoker's record.
func (d *Dispatcher) HandleFragmentResponse(ctx context.Context, local *crypto.Identity, env *contracts.Envelope) error {
	return d.svc.Merge(ctx, local, env)
}

// HandleErrorResponse records a counterparty error against the local record
// and marks the report read.
func (d *Dispatcher) HandleErrorResponse(ctx context.Context, local *crypto.Identity, envErr contracts.EnvelopeError) error {
	if err := d.svc.Error(ctx, local, envErr); err != nil {
		return err
	}
	return d.svc.Read(ctx, local.EncryptionPublicKey(), envErr.ExecutionUUID)
}

var _ mailbox.Handler = (*Dispatcher)(nil)

// resolve decodes an event payload and loads the identity and record it
// refers to. A payload for an identity this node does not hold is a permanent
// failure; a missing record is left pending in case a replica is lagging.
func (d *Dispatcher) resolve(ctx context.Context, ev *contracts.EventRecord) (*crypto.Identity, *contracts.EnvelopeRecord, EventPayload, eventbus.Result) {
	var p EventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		d.log.Error("undecodable event payload", "event", ev.EventUUID, "type", ev.Type, "err", err)
		return nil, nil, p, eventbus.Failed
	}
	ident, ok := d.identities[p.OwnerKey]
	if !ok {
		d.log.Error("event for unheld identity", "event", ev.EventUUID, "owner", p.OwnerKey)
		return nil, nil, p, eventbus.Failed
	}
	rec, err := d.svc.Get(ctx, p.OwnerKey, p.ExecutionUUID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.log.Error("event for unknown record", "event", ev.EventUUID, "execution", p.ExecutionUUID)
			return nil, nil, p, eventbus.Failed
		}
		d.log.Warn("record load failed, retrying", "event", ev.EventUUID, "err", err)
		return nil, nil, p, eventbus.Pending
	}
	return ident, rec, p, eventbus.Complete
}

// onFragment marks the record fragmented and mails the request to the
// audience. The mark lands before the send, matching the outbound path.
func (d *Dispatcher) onFragment(ctx context.Context, ev *contracts.EventRecord) eventbus.Result {
	ident, rec, p, res := d.resolve(ctx, ev)
	if res != eventbus.Complete {
		return res
	}
	if err := d.markFragment(ctx, p.OwnerKey, rec); err != nil {
		d.log.Warn("fragment mark failed, retrying", "execution", rec.ExecutionUUID, "err", err)
		return eventbus.Pending
	}
	if err := d.mail.Fragment(ctx, ident, rec.Input); err != nil {
		d.log.Warn("fragment send failed, retrying", "execution", rec.ExecutionUUID, "err", err)
		return eventbus.Pending
	}
	return eventbus.Complete
}

func (d *Dispatcher) markFragment(ctx context.Context, owner contracts.PublicKey, rec *contracts.EnvelopeRecord) error {
	return store.WithTransaction(ctx, d.svc.db, func(tx *store.Tx) error {
		fresh, err := d.svc.envelopes.GetForUpdate(ctx, tx, owner, rec.ExecutionUUID)
		if err != nil {
			return err
		}
		if !d.svc.machine.OnHandleFragment(fresh) {
			return nil
		}
		return d.svc.envelopes.Update(ctx, tx, fresh)
	})
}

// onRequest retries local execution of a staged fragment that committed
// without executing.
func (d *Dispatcher) onRequest(ctx context.Context, ev *contracts.EventRecord) eventbus.Result {
	ident, _, p, res := d.resolve(ctx, ev)
	if res != eventbus.Complete {
		return res
	}
	if err := d.svc.Execute(ctx, ident, p.ExecutionUUID); err != nil {
		d.log.Warn("execute retry failed", "execution", p.ExecutionUUID, "err", err)
		return eventbus.Pending
	}
	return eventbus.Complete
}

// onMailboxOutbound marks the record outbound and mails the executed result
// back to the invoker.
func (d *Dispatcher) onMailboxOutbound(ctx context.Context, ev *contracts.EventRecord) eventbus.Result {
	ident, rec, p, res := d.resolve(ctx, ev)
	if res != eventbus.Complete {
		return res
	}
	if rec.Result == nil {
		d.log.Error("outbound event without a result", "execution", rec.ExecutionUUID)
		return eventbus.Failed
	}
	if err := d.markOutbound(ctx, p.OwnerKey, rec); err != nil {
		d.log.Warn("outbound mark failed, retrying", "execution", rec.ExecutionUUID, "err", err)
		return eventbus.Pending
	}
	if err := d.mail.Result(ctx, ident, rec.Result); err != nil {
		d.log.Warn("result send failed, retrying", "execution", rec.ExecutionUUID, "err", err)
		return eventbus.Pending
	}
	return eventbus.Complete
}

func (d *Dispatcher) markOutbound(ctx context.Context, owner contracts.PublicKey, rec *contracts.EnvelopeRecord) error {
	return store.WithTransaction(ctx, d.svc.db, func(tx *store.Tx) error {
		fresh, err := d.svc.envelopes.GetForUpdate(ctx, tx, owner, rec.ExecutionUUID)
		if err != nil {
			return err
		}
		if !d.svc.machine.OnHandleOutbox(fresh) {
			return nil
		}
		return d.svc.envelopes.Update(ctx, tx, fresh)
	})
}

// onError mails the recorded error to the audience, excluding the local key.
func (d *Dispatcher) onError(ctx context.Context, ev *contracts.EventRecord) eventbus.Result {
	ident, rec, p, res := d.resolve(ctx, ev)
	if res != eventbus.Complete {
		return res
	}
	if p.Error == nil {
		d.log.Error("error event without an error payload", "execution", rec.ExecutionUUID)
		return eventbus.Failed
	}
	audience := rec.Input.Audience()
	if err := d.mail.Error(ctx, ident, audience, *p.Error, ident.EncryptionPublicKey()); err != nil {
		d.log.Warn("error send failed, retrying", "execution", rec.ExecutionUUID, "err", err)
		return eventbus.Pending
	}
	return eventbus.Complete
}

// onChaincode submits the fully-signed result to the chain, waits for
// confirmation, and applies the index transition.
func (d *Dispatcher) onChaincode(ctx context.Context, ev *contracts.EventRecord) eventbus.Result {
	_, rec, p, res := d.resolve(ctx, ev)
	if res != eventbus.Complete {
		return res
	}
	if rec.Result == nil || !rec.Result.SignaturesComplete() {
		d.log.Error("chaincode event without a signed result", "execution", rec.ExecutionUUID)
		return eventbus.Failed
	}

	txHash := rec.TxHash
	if txHash == "" {
		payload, err := crypto.CanonicalMarshal(rec.Result)
		if err != nil {
			d.log.Error("canonicalize signed result failed", "execution", rec.ExecutionUUID, "err", err)
			return eventbus.Failed
		}
		txHash, err = d.chain.Submit(ctx, payload)
		if err != nil {
			d.log.Warn("chain submit failed, retrying", "execution", rec.ExecutionUUID, "err", err)
			return eventbus.Pending
		}
		if err := d.svc.MarkChaincode(ctx, p.OwnerKey, rec.ExecutionUUID, txHash); err != nil {
			d.log.Warn("chaincode mark failed, retrying", "execution", rec.ExecutionUUID, "err", err)
			return eventbus.Pending
		}
	}

	conf, err := chain.AwaitConfirmation(ctx, d.chain, txHash, d.poller)
	if err != nil {
		d.log.Warn("confirmation wait failed, retrying", "execution", rec.ExecutionUUID, "tx", txHash, "err", err)
		return eventbus.Pending
	}
	if err := d.svc.Index(ctx, p.OwnerKey, rec.ExecutionUUID, conf.LastEventGroup, conf.TxHash, conf.BlockHeight); err != nil {
		d.log.Warn("index apply failed, retrying", "execution", rec.ExecutionUUID, "err", err)
		return eventbus.Pending
	}
	return eventbus.Complete
}

// onScopeIndex re-checks confirmation for a record that submitted but missed
// its index transition.
func (d *Dispatcher) onScopeIndex(ctx context.Context, ev *contracts.EventRecord) eventbus.Result {
	_, rec, p, res := d.resolve(ctx, ev)
	if res != eventbus.Complete {
		return res
	}
	if rec.TxHash == "" {
		d.log.Error("scope index event before chain submission", "execution", rec.ExecutionUUID)
		return eventbus.Failed
	}
	conf, err := d.chain.Status(ctx, rec.TxHash)
	if err != nil {
		d.log.Warn("chain status failed, retrying", "execution", rec.ExecutionUUID, "err", err)
		return eventbus.Pending
	}
	if !conf.Confirmed {
		return eventbus.Pending
	}
	if err := d.svc.Index(ctx, p.OwnerKey, rec.ExecutionUUID, conf.LastEventGroup, conf.TxHash, conf.BlockHeight); err != nil {
		d.log.Warn("index apply failed, retrying", "execution", rec.ExecutionUUID, "err", err)
		return eventbus.Pending
	}
	return eventbus.Complete
}

// onResponse closes out an indexed record.
func (d *Dispatcher) onResponse(ctx context.Context, ev *contracts.EventRecord) eventbus.Result {
	_, rec, p, res := d.resolve(ctx, ev)
	if res != eventbus.Complete {
		return res
	}
	if rec.IndexTime == nil {
		return eventbus.Pending
	}
	if err := d.svc.Complete(ctx, p.OwnerKey, rec.ExecutionUUID); err != nil {
		d.log.Warn("complete failed, retrying", "execution", rec.ExecutionUUID, "err", err)
		return eventbus.Pending
	}
	return eventbus.Complete
}
