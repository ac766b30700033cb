package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authwatch/internal/config"
	"authwatch/internal/hashing"
	"authwatch/internal/model"
)

// ---- in-memory fakes ----

type fakeEventRepo struct {
	mu     sync.Mutex
	events map[string]*model.AuthEvent
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: map[string]*model.AuthEvent{}}
}

func (f *fakeEventRepo) InsertEvents(ctx context.Context, events []*model.AuthEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range events {
		f.events[e.EventID] = e
	}
	return nil
}

func (f *fakeEventRepo) GetEvent(ctx context.Context, eventID string) (*model.AuthEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[eventID], nil
}

func (f *fakeEventRepo) AdvanceStatus(ctx context.Context, event *model.AuthEvent, next model.EventStatus) error {
	event.Status = next
	return nil
}

func (f *fakeEventRepo) ListByAddress(ctx context.Context, address string, limit int) ([]*model.AuthEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AuthEvent
	for _, e := range f.events {
		if e.Address == address {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEventRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeReceiptRepo struct {
	mu       sync.Mutex
	receipts map[string]*model.BatchReceipt
}

func newFakeReceiptRepo() *fakeReceiptRepo {
	return &fakeReceiptRepo{receipts: map[string]*model.BatchReceipt{}}
}

func (f *fakeReceiptRepo) Claim(ctx context.Context, batchID, origin, receiptID string) (bool, *model.BatchReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.receipts[batchID]; ok {
		return false, existing, nil
	}
	f.receipts[batchID] = &model.BatchReceipt{
		BatchID:    batchID,
		ReceiptID:  receiptID,
		Origin:     origin,
		ReceivedAt: time.Now().UTC(),
	}
	return true, nil, nil
}

func (f *fakeReceiptRepo) Complete(ctx context.Context, batchID string, accepted, failed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.receipts[batchID]
	r.Accepted = accepted
	r.Failed = failed
	r.Completed = true
	return nil
}

func (f *fakeReceiptRepo) Get(ctx context.Context, batchID string) (*model.BatchReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[batchID], nil
}

type fakeCredRepo struct {
	creds map[string]*model.AgentCredential
}

func (f *fakeCredRepo) Create(ctx context.Context, cred *model.AgentCredential) error {
	f.creds[cred.AgentID] = cred
	return nil
}

func (f *fakeCredRepo) GetByAgentID(ctx context.Context, agentID string) (*model.AgentCredential, error) {
	return f.creds[agentID], nil
}

type fakeAnalytics struct {
	mu      sync.Mutex
	batches [][]*model.AuthEvent
}

func (f *fakeAnalytics) RecordBatch(ctx context.Context, events []*model.AuthEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, events)
	return nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []*model.AuthEvent
}

func (f *fakeRecorder) RecordEvent(ctx context.Context, event *model.AuthEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []*PendingMessage
}

func (f *fakePublisher) PublishPending(ctx context.Context, msg *PendingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// ---- helpers ----

type serviceFixture struct {
	service   *Service
	events    *fakeEventRepo
	receipts  *fakeReceiptRepo
	creds     *fakeCredRepo
	analytics *fakeAnalytics
	recorder  *fakeRecorder
	publisher *fakePublisher
	hasher    *hashing.Hasher
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		events:    newFakeEventRepo(),
		receipts:  newFakeReceiptRepo(),
		creds:     &fakeCredRepo{creds: map[string]*model.AgentCredential{}},
		analytics: &fakeAnalytics{},
		recorder:  &fakeRecorder{},
		publisher: &fakePublisher{},
		hasher:    hashing.NewHasher(config.Get()),
	}
	f.service = NewService(
		f.events, f.receipts, f.creds, f.hasher,
		f.analytics, f.recorder, f.publisher, zap.NewNop())
	return f
}

func (f *serviceFixture) provision(t *testing.T, agentID, secret string) {
	t.Helper()
	hash, err := f.hasher.HashSecret(secret)
	require.NoError(t, err)
	f.creds.creds[agentID] = &model.AgentCredential{
		AgentID:    agentID,
		SecretHash: hash,
		Enabled:    true,
	}
}

func validBatch(lines ...string) *Batch {
	return &Batch{
		BatchID:    "batch-1",
		SourceFile: "/var/log/auth.log",
		Lines:      lines,
	}
}

const (
	failureLine = "Mar 14 22:10:05 bastion sshd[1234]: Failed password for root from 203.0.113.9 port 51234 ssh2"
	successLine = "Mar 14 08:00:00 bastion sshd[99]: Accepted publickey for deploy from 192.0.2.10 port 2222 ssh2"
)

// ---- tests ----

func TestAuthenticate(t *testing.T) {
	f := newServiceFixture(t)
	f.provision(t, "agent-1", "s3cret")

	ctx := context.Background()
	assert.NoError(t, f.service.Authenticate(ctx, "agent-1", "s3cret"))
	assert.ErrorIs(t, f.service.Authenticate(ctx, "agent-1", "wrong"), ErrUnauthorized)
	assert.ErrorIs(t, f.service.Authenticate(ctx, "unknown", "s3cret"), ErrUnauthorized)
	assert.ErrorIs(t, f.service.Authenticate(ctx, "", ""), ErrUnauthorized)

	f.creds.creds["agent-1"].Enabled = false
	assert.ErrorIs(t, f.service.Authenticate(ctx, "agent-1", "s3cret"), ErrUnauthorized)
}

func TestAcceptParsesAndFansOut(t *testing.T) {
	f := newServiceFixture(t)

	receipt, err := f.service.Accept(context.Background(), "agent-1", validBatch(failureLine, successLine))
	require.NoError(t, err)

	assert.Equal(t, 2, receipt.Accepted)
	assert.Equal(t, 0, receipt.Failed)
	assert.False(t, receipt.Duplicate)
	assert.NotEmpty(t, receipt.ReceiptID)

	assert.Equal(t, 2, f.events.count())
	assert.Equal(t, 2, f.publisher.count())
	assert.Len(t, f.recorder.events, 2)
	require.Len(t, f.analytics.batches, 1)
	assert.Len(t, f.analytics.batches[0], 2)

	// Persisted events carry the submitting agent and source file.
	events, err := f.events.ListByAddress(context.Background(), "203.0.113.9", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "agent-1", events[0].Origin)
	assert.Equal(t, "/var/log/auth.log", events[0].SourceFile)
	assert.NotEmpty(t, events[0].EventID)
}

func TestAcceptCountsUnparsableLines(t *testing.T) {
	f := newServiceFixture(t)

	receipt, err := f.service.Accept(context.Background(), "agent-1",
		validBatch(failureLine, "total garbage", "Mar 14 22:10:05 bastion cron[5]: not sshd"))
	require.NoError(t, err)

	assert.Equal(t, 1, receipt.Accepted)
	assert.Equal(t, 2, receipt.Failed)
	assert.Equal(t, 1, f.events.count())
}

func TestAcceptReplayReturnsStoredReceipt(t *testing.T) {
	f := newServiceFixture(t)

	first, err := f.service.Accept(context.Background(), "agent-1", validBatch(failureLine, "garbage"))
	require.NoError(t, err)

	replay, err := f.service.Accept(context.Background(), "agent-1", validBatch(failureLine, "garbage"))
	require.NoError(t, err)

	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.ReceiptID, replay.ReceiptID)
	assert.Equal(t, first.Accepted, replay.Accepted)
	assert.Equal(t, first.Failed, replay.Failed)

	// Nothing was inserted or published twice.
	assert.Equal(t, 1, f.events.count())
	assert.Equal(t, 1, f.publisher.count())
}

func TestAcceptRejectsMalformedEnvelope(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	cases := []*Batch{
		nil,
		{SourceFile: "/var/log/auth.log", Lines: []string{failureLine}},
		{BatchID: "b", Lines: []string{failureLine}},
		{BatchID: "b", SourceFile: "/var/log/auth.log"},
		{BatchID: "b", SourceFile: "/var/log/auth.log", Lines: make([]string, maxBatchLines+1)},
	}
	for _, batch := range cases {
		_, err := f.service.Accept(ctx, "agent-1", batch)
		assert.ErrorIs(t, err, ErrMalformedBatch)
	}
	assert.Equal(t, 0, f.events.count())
}
