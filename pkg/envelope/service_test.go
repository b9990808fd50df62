package envelope

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contractmesh/dimebox/pkg/chain"
	"github.com/contractmesh/dimebox/pkg/contracts"
	"github.com/contractmesh/dimebox/pkg/crypto"
	"github.com/contractmesh/dimebox/pkg/eventbus"
	"github.com/contractmesh/dimebox/pkg/mailbox"
	"github.com/contractmesh/dimebox/pkg/objectstore"
	"github.com/contractmesh/dimebox/pkg/store"

	_ "modernc.org/sqlite"
)

// echoEngine returns the input as the result, unsigned.
type echoEngine struct{}

func (echoEngine) Handle(_ context.Context, _ *crypto.Identity, env *contracts.Envelope) (*contracts.Envelope, error) {
	result := *env
	result.Signatures = nil
	return &result, nil
}

// failingEngine rejects every envelope with an invocation error.
type failingEngine struct{}

func (failingEngine) Handle(context.Context, *crypto.Identity, *contracts.Envelope) (*contracts.Envelope, error) {
	return nil, &InvocationError{Type: contracts.ErrorContractInvocation, Message: "condition failed"}
}

// fakeChain confirms every submission immediately.
type fakeChain struct {
	group uuid.UUID
}

func (f *fakeChain) Submit(context.Context, []byte) (string, error) {
	return "0xfeed", nil
}

func (f *fakeChain) Status(_ context.Context, txHash string) (chain.Confirmation, error) {
	return chain.Confirmation{
		LastEventGroup: f.group,
		TxHash:         txHash,
		BlockHeight:    7,
		Confirmed:      true,
	}, nil
}

// node bundles one party's full stack over a shared in-memory object store.
type node struct {
	ident  *crypto.Identity
	svc    *Service
	bus    *eventbus.Bus
	reaper *mailbox.Reaper
}

func newNode(t *testing.T, keyID string, objects objectstore.Store, engine ContractEngine, chainClient chain.Client) *node {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := store.NewSQLiteStore(db)
	require.NoError(t, err)

	ident, err := crypto.NewIdentity(keyID)
	require.NoError(t, err)

	bus := eventbus.New(s, eventbus.Config{
		Default:         eventbus.QueueConfig{Capacity: 32, Workers: 1},
		ListenerBackoff: 10 * time.Millisecond,
	}, nil)

	mail := mailbox.NewService(objects, nil)
	svc := NewService(db, s, s, bus, engine, nil)
	dispatcher := NewDispatcher(svc, mail, chainClient, []*crypto.Identity{ident}, nil)
	require.NoError(t, dispatcher.Register(bus))

	reaper := mailbox.NewReaper(mailbox.ReaperConfig{
		PollInterval: time.Hour,
		BatchSize:    50,
	}, objects, mail, dispatcher, []*crypto.Identity{ident}, nil)

	return &node{ident: ident, svc: svc, bus: bus, reaper: reaper}
}

func (n *node) start(t *testing.T, ctx context.Context) {
	t.Helper()
	require.NoError(t, n.bus.Start(ctx))
	t.Cleanup(n.bus.Stop)
}

func (n *node) record(t *testing.T, exec uuid.UUID) *contracts.EnvelopeRecord {
	t.Helper()
	rec, err := n.svc.Get(context.Background(), n.ident.EncryptionPublicKey(), exec)
	require.NoError(t, err)
	return rec
}

func contractBetween(invoker, counterparty *crypto.Identity) *contracts.Envelope {
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

func TestTwoPartyFlowCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	objects := objectstore.NewMemStore()
	chainClient := &fakeChain{}
	alice := newNode(t, "alice", objects, echoEngine{}, chainClient)
	bob := newNode(t, "bob", objects, echoEngine{}, chainClient)

	env := contractBetween(alice.ident, bob.ident)
	chainClient.group = env.GroupUUID

	alice.start(t, ctx)
	bob.start(t, ctx)

	rec, err := alice.svc.Handle(ctx, alice.ident, env)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCreated, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Len(t, rec.Result.Signatures, 1)

	// The fragment event mails the request to bob.
	require.Eventually(t, func() bool {
		addrs, err := objects.List(ctx, bob.ident.EncryptionPublicKey(), 0)
		return err == nil && len(addrs) > 0
	}, 3*time.Second, 10*time.Millisecond)

	// Bob stages, executes, and mails the signed result back.
	bob.reaper.Poll(ctx, bob.ident)
	bobRec := bob.record(t, env.ExecutionUUID)
	assert.Equal(t, contracts.StatusFragment, bobRec.Status)
	assert.False(t, bobRec.IsInvoker)

	require.Eventually(t, func() bool {
		addrs, err := objects.List(ctx, alice.ident.EncryptionPublicKey(), 0)
		return err == nil && len(addrs) > 0
	}, 3*time.Second, 10*time.Millisecond)

	// Alice merges the signature; chaincode submission and indexing follow on
	// the bus until the record completes.
	alice.reaper.Poll(ctx, alice.ident)
	require.Eventually(t, func() bool {
		return alice.record(t, env.ExecutionUUID).Status == contracts.StatusComplete
	}, 5*time.Second, 20*time.Millisecond)

	final := alice.record(t, env.ExecutionUUID)
	assert.Equal(t, "0xfeed", final.TxHash)
	assert.Equal(t, int64(7), final.BlockHeight)
	assert.Len(t, final.Result.Signatures, 2)
	assert.NotNil(t, final.SignedTime)
	assert.NotNil(t, final.IndexTime)
	assert.NotNil(t, final.CompleteTime)
}

func TestHandleRejectsDuplicateExecution(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, echoEngine{}, &fakeChain{})

	env := contractBetween(alice.ident, bob.ident)
	_, err := alice.svc.Handle(ctx, alice.ident, env)
	require.NoError(t, err)

	_, err = alice.svc.Handle(ctx, alice.ident, env)
	assert.Error(t, err)
}

func TestStageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, echoEngine{}, &fakeChain{})

	env := contractBetween(alice.ident, bob.ident)

	first, err := bob.svc.Stage(ctx, bob.ident, env)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusInbox, first.Status)
	require.NotNil(t, first.InboxTime)

	// A redelivered fragment request leaves the record untouched.
	second, err := bob.svc.Stage(ctx, bob.ident, env)
	require.NoError(t, err)
	assert.Equal(t, first.InboxTime.Unix(), second.InboxTime.Unix())
	assert.Equal(t, contracts.StatusInbox, second.Status)
}

func TestStageRejectsNonRecital(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, echoEngine{}, &fakeChain{})
	eve := newNode(t, "eve", objects, echoEngine{}, &fakeChain{})

	env := contractBetween(alice.ident, bob.ident)
	_, err := eve.svc.Stage(ctx, eve.ident, env)
	assert.Error(t, err)
}

func TestExecuteFailureRecordsErrorAndEmitsReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, failingEngine{}, &fakeChain{})
	bob.start(t, ctx)

	env := contractBetween(alice.ident, bob.ident)
	_, err := bob.svc.Stage(ctx, bob.ident, env)
	require.NoError(t, err)

	require.NoError(t, bob.svc.Execute(ctx, bob.ident, env.ExecutionUUID))

	rec := bob.record(t, env.ExecutionUUID)
	assert.Equal(t, contracts.StatusError, rec.Status)
	require.Len(t, rec.Errors, 1)
	assert.Equal(t, contracts.ErrorContractInvocation, rec.Errors[0].Type)

	// The error event mails the report to the audience, excluding bob.
	require.Eventually(t, func() bool {
		addrs, err := objects.List(ctx, alice.ident.EncryptionPublicKey(), 0)
		return err == nil && len(addrs) > 0
	}, 3*time.Second, 10*time.Millisecond)
	addrs, err := objects.List(ctx, bob.ident.EncryptionPublicKey(), 0)
	require.NoError(t, err)
	assert.Empty(t, addrs)
}

func TestExecuteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, echoEngine{}, &fakeChain{})

	env := contractBetween(alice.ident, bob.ident)
	_, err := bob.svc.Stage(ctx, bob.ident, env)
	require.NoError(t, err)

	require.NoError(t, bob.svc.Execute(ctx, bob.ident, env.ExecutionUUID))
	first := bob.record(t, env.ExecutionUUID)

	// Replayed request: no re-execution, no double signature.
	require.NoError(t, bob.svc.Execute(ctx, bob.ident, env.ExecutionUUID))
	second := bob.record(t, env.ExecutionUUID)
	assert.Equal(t, first.ExecutedTime.Unix(), second.ExecutedTime.Unix())
	assert.Len(t, second.Result.Signatures, 1)
}

func TestMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, echoEngine{}, &fakeChain{})

	env := contractBetween(alice.ident, bob.ident)
	_, err := alice.svc.Handle(ctx, alice.ident, env)
	require.NoError(t, err)

	// Bob's signed response.
	response := *env
	response.Signatures = nil
	sig, err := bob.ident.Signer.SignEnvelope(&response)
	require.NoError(t, err)
	response.Signatures = []contracts.Signature{sig}

	require.NoError(t, alice.svc.Merge(ctx, alice.ident, &response))
	rec := alice.record(t, env.ExecutionUUID)
	assert.Equal(t, contracts.StatusSigned, rec.Status)
	assert.Len(t, rec.Result.Signatures, 2)

	// Redelivered response is a no-op.
	require.NoError(t, alice.svc.Merge(ctx, alice.ident, &response))
	rec = alice.record(t, env.ExecutionUUID)
	assert.Len(t, rec.Result.Signatures, 2)
}

func TestMergeRejectsForgedSignature(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, echoEngine{}, &fakeChain{})

	env := contractBetween(alice.ident, bob.ident)
	_, err := alice.svc.Handle(ctx, alice.ident, env)
	require.NoError(t, err)

	// A response carrying garbage key material must not count toward the
	// signature set.
	forged := *env
	forged.Signatures = []contracts.Signature{{
		Signature:    "deadbeef",
		PublicKeyPEM: "-----BEGIN PUBLIC KEY-----\nbm90IGEga2V5\n-----END PUBLIC KEY-----\n",
	}}
	err = alice.svc.Merge(ctx, alice.ident, &forged)
	assert.Error(t, err)

	rec := alice.record(t, env.ExecutionUUID)
	assert.NotEqual(t, contracts.StatusSigned, rec.Status)
	assert.Nil(t, rec.SignedTime)
	assert.Len(t, rec.Result.Signatures, 1)
}

func TestMergeRejectsNonRecitalSignature(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, echoEngine{}, &fakeChain{})

	eve, err := crypto.NewIdentity("eve")
	require.NoError(t, err)

	env := contractBetween(alice.ident, bob.ident)
	_, err = alice.svc.Handle(ctx, alice.ident, env)
	require.NoError(t, err)

	// Eve's signature is cryptographically valid but her key is not a
	// contract recital, so the response is rejected outright.
	response := *env
	response.Signatures = nil
	sig, err := eve.Signer.SignEnvelope(&response)
	require.NoError(t, err)
	response.Signatures = []contracts.Signature{sig}

	err = alice.svc.Merge(ctx, alice.ident, &response)
	assert.Error(t, err)

	rec := alice.record(t, env.ExecutionUUID)
	assert.Nil(t, rec.SignedTime)
	assert.Len(t, rec.Result.Signatures, 1)
}

func TestMergeRejectsTamperedSignature(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, echoEngine{}, &fakeChain{})

	env := contractBetween(alice.ident, bob.ident)
	_, err := alice.svc.Handle(ctx, alice.ident, env)
	require.NoError(t, err)

	// Bob's key is a recital, but the signature covers a different envelope,
	// so verification against this one fails.
	other := contractBetween(alice.ident, bob.ident)
	sig, err := bob.ident.Signer.SignEnvelope(other)
	require.NoError(t, err)

	response := *env
	response.Signatures = []contracts.Signature{sig}
	err = alice.svc.Merge(ctx, alice.ident, &response)
	assert.Error(t, err)

	rec := alice.record(t, env.ExecutionUUID)
	assert.Nil(t, rec.SignedTime)
	assert.Len(t, rec.Result.Signatures, 1)
}

func TestStageEmitsExecutionRetryEvent(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, echoEngine{}, &fakeChain{})

	env := contractBetween(alice.ident, bob.ident)
	_, err := bob.svc.Stage(ctx, bob.ident, env)
	require.NoError(t, err)

	// The staged record leaves an in-flight ENVELOPE_REQUEST, so the sweep
	// re-runs execution when the process dies between staging and execute.
	ev, err := bob.svc.events.GetEvent(ctx, env.ExecutionUUID)
	require.NoError(t, err)
	assert.Equal(t, contracts.EventEnvelopeRequest, ev.Type)
	assert.Equal(t, contracts.EventStatusCreated, ev.Status)
}

func TestMarkChaincodeEmitsIndexRecheckEvent(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, echoEngine{}, &fakeChain{})

	env := contractBetween(alice.ident, bob.ident)
	_, err := alice.svc.Handle(ctx, alice.ident, env)
	require.NoError(t, err)

	owner := alice.ident.EncryptionPublicKey()
	require.NoError(t, alice.svc.MarkChaincode(ctx, owner, env.ExecutionUUID, "0xabc"))

	rec := alice.record(t, env.ExecutionUUID)
	assert.Equal(t, contracts.StatusChaincode, rec.Status)
	assert.Equal(t, "0xabc", rec.TxHash)

	// The slot retags to SCOPE_INDEX so confirmation is re-checked through
	// the sweep when the process dies before indexing.
	ev, err := alice.svc.events.GetEvent(ctx, env.ExecutionUUID)
	require.NoError(t, err)
	assert.Equal(t, contracts.EventScopeIndex, ev.Type)
}

func TestInboundFragmentMarksRead(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, echoEngine{}, &fakeChain{})

	env := contractBetween(alice.ident, bob.ident)
	mail := mailbox.NewService(objects, nil)
	require.NoError(t, mail.Fragment(ctx, alice.ident, env))

	bob.reaper.Poll(ctx, bob.ident)

	rec := bob.record(t, env.ExecutionUUID)
	assert.Equal(t, contracts.StatusFragment, rec.Status)
	require.NotNil(t, rec.ReadTime)
	require.NotNil(t, rec.ExecutedTime)
}

func TestInboundErrorMarksRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, failingEngine{}, &fakeChain{})
	bob.start(t, ctx)

	env := contractBetween(alice.ident, bob.ident)
	_, err := alice.svc.Handle(ctx, alice.ident, env)
	require.NoError(t, err)

	_, err = bob.svc.Stage(ctx, bob.ident, env)
	require.NoError(t, err)
	require.NoError(t, bob.svc.Execute(ctx, bob.ident, env.ExecutionUUID))

	require.Eventually(t, func() bool {
		addrs, err := objects.List(ctx, alice.ident.EncryptionPublicKey(), 0)
		return err == nil && len(addrs) > 0
	}, 3*time.Second, 10*time.Millisecond)

	alice.reaper.Poll(ctx, alice.ident)

	rec := alice.record(t, env.ExecutionUUID)
	assert.Equal(t, contracts.StatusError, rec.Status)
	require.NotNil(t, rec.ReadTime)
}

func TestIndexMismatchedGroupIsNoOp(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, echoEngine{}, &fakeChain{})

	env := contractBetween(alice.ident, bob.ident)
	_, err := alice.svc.Handle(ctx, alice.ident, env)
	require.NoError(t, err)

	owner := alice.ident.EncryptionPublicKey()
	require.NoError(t, alice.svc.Index(ctx, owner, env.ExecutionUUID, uuid.New(), "0x1", 3))
	rec := alice.record(t, env.ExecutionUUID)
	assert.Nil(t, rec.IndexTime)

	require.NoError(t, alice.svc.Index(ctx, owner, env.ExecutionUUID, env.GroupUUID, "0x1", 3))
	rec = alice.record(t, env.ExecutionUUID)
	require.NotNil(t, rec.IndexTime)
	assert.Equal(t, contracts.StatusIndex, rec.Status)

	// Replayed confirmation.
	require.NoError(t, alice.svc.Index(ctx, owner, env.ExecutionUUID, env.GroupUUID, "0x2", 9))
	rec = alice.record(t, env.ExecutionUUID)
	assert.Equal(t, int64(3), rec.BlockHeight)
}

func TestErrorClosesInflightEvents(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	alice := newNode(t, "alice", objects, echoEngine{}, &fakeChain{})
	bob := newNode(t, "bob", objects, echoEngine{}, &fakeChain{})

	env := contractBetween(alice.ident, bob.ident)
	_, err := alice.svc.Handle(ctx, alice.ident, env)
	require.NoError(t, err)

	envErr := contracts.NewEnvelopeError(env, contracts.ErrorContractRejected, "declined")
	require.NoError(t, alice.svc.Error(ctx, alice.ident, envErr))

	rec := alice.record(t, env.ExecutionUUID)
	assert.Equal(t, contracts.StatusError, rec.Status)

	ev, err := alice.svc.events.GetEvent(ctx, env.ExecutionUUID)
	require.NoError(t, err)
	assert.Equal(t, contracts.EventStatusComplete, ev.Status)
}
