package ingest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/auditcore/pkg/chain"
	"github.com/vaultline/auditcore/pkg/crypto"
	"github.com/vaultline/auditcore/pkg/event"
	"github.com/vaultline/auditcore/pkg/store"
)

func testCrypto(t *testing.T) *crypto.Service {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	svc, err := crypto.New(crypto.Options{Algorithm: crypto.AlgEd25519, PrivateKeyPEM: privPEM})
	require.NoError(t, err)
	return svc
}

// flakyStore fails the next n event inserts with a storage error.
type flakyStore struct {
	store.Store
	failures atomic.Int32
}

func (f *flakyStore) InsertEvent(ctx context.Context, tx store.Tx, ev *event.Event) error {
	if f.failures.Add(-1) >= 0 {
		return event.E(event.CodeStorage, "injected insert failure")
	}
	return f.Store.InsertEvent(ctx, tx, ev)
}

func (f *flakyStore) InsertEvents(ctx context.Context, tx store.Tx, evs []*event.Event) error {
	if f.failures.Add(-1) >= 0 {
		return event.E(event.CodeStorage, "injected batch failure")
	}
	return f.Store.InsertEvents(ctx, tx, evs)
}

// backlogCounter records backlog movement for assertions.
type backlogCounter struct {
	delta   atomic.Int64
	drained atomic.Int64
}

func (c *backlogCounter) RecordBacklog(_ context.Context, delta, drained int64) {
	c.delta.Add(delta)
	c.drained.Add(drained)
}

func newTestPipeline(t *testing.T, opts Options) (*Pipeline, *store.Memory, *flakyStore) {
	t.Helper()
	mem := store.NewMemory()
	flaky := &flakyStore{Store: mem}
	eng := chain.New(flaky, testCrypto(t))
	return New(flaky, eng, opts), mem, flaky
}

func sub(action string) *event.Submission {
	return &event.Submission{
		Action: action,
		CRUD:   event.CRUDCreate,
		Actor:  event.Actor{ID: "u1"},
	}
}

func TestSubmitCommits(t *testing.T) {
	p, mem, _ := newTestPipeline(t, Options{})
	ctx := context.Background()

	ev, err := p.Submit(ctx, "P", "E", sub("user.create"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.NotEmpty(t, ev.Hash)
	assert.NotEmpty(t, ev.Signature)

	got, err := mem.GetEvent(ctx, ev.ID, "P", "E")
	require.NoError(t, err)
	assert.Equal(t, ev.Hash, got.Hash)

	n, err := mem.BacklogSize(ctx, "P", "E")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitRejectsInvalid(t *testing.T) {
	p, mem, _ := newTestPipeline(t, Options{})
	ctx := context.Background()

	_, err := p.Submit(ctx, "P", "E", &event.Submission{CRUD: event.CRUDCreate})
	require.Error(t, err)
	assert.Equal(t, event.CodeValidation, event.CodeOf(err))

	_, err = p.Submit(ctx, "", "", sub("a.b"))
	require.Error(t, err)
	assert.Equal(t, event.CodeContextMissing, event.CodeOf(err))

	// Nothing was accepted.
	n, err := mem.BacklogSize(ctx, "P", "E")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitMovesFailureToBacklog(t *testing.T) {
	counter := &backlogCounter{}
	p, mem, flaky := newTestPipeline(t, Options{Metrics: counter})
	flaky.failures.Store(1)
	ctx := context.Background()

	_, err := p.Submit(ctx, "P", "E", sub("user.create"))
	require.Error(t, err)
	assert.Equal(t, event.CodeStorage, event.CodeOf(err))

	var typed *event.Error
	require.True(t, errors.As(err, &typed))
	assert.NotEmpty(t, typed.EventID, "error must carry the assigned event id")

	n, err := mem.BacklogSize(ctx, "P", "E")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), counter.delta.Load())
}

func TestSubmitPermanentErrorSkipsBacklog(t *testing.T) {
	p, mem, _ := newTestPipeline(t, Options{})
	ctx := context.Background()

	first := sub("user.create")
	first.ExternalID = "dup-1"
	_, err := p.Submit(ctx, "P", "E", first)
	require.NoError(t, err)

	second := sub("user.create")
	second.ExternalID = "dup-1"
	_, err = p.Submit(ctx, "P", "E", second)
	require.Error(t, err)
	assert.Equal(t, event.CodeDuplicateExternalID, event.CodeOf(err))

	// A duplicate can never succeed on replay; it must not be queued.
	n, err := mem.BacklogSize(ctx, "P", "E")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitBulk(t *testing.T) {
	p, mem, _ := newTestPipeline(t, Options{})
	ctx := context.Background()

	evs, err := p.SubmitBulk(ctx, "P", "E", []*event.Submission{
		sub("bulk.one"), sub("bulk.two"), sub("bulk.three"),
	})
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, evs[0].Hash, evs[1].PreviousHash)
	assert.Equal(t, evs[1].Hash, evs[2].PreviousHash)

	page, err := mem.QueryEvents(ctx, store.Filter{ProjectID: "P", EnvironmentID: "E"})
	require.NoError(t, err)
	assert.Len(t, page.Events, 3)
}

func TestSubmitBulkCap(t *testing.T) {
	p, mem, _ := newTestPipeline(t, Options{MaxBulkEvents: 2})
	ctx := context.Background()

	_, err := p.SubmitBulk(ctx, "P", "E", []*event.Submission{
		sub("a.b"), sub("a.c"), sub("a.d"),
	})
	require.Error(t, err)
	assert.Equal(t, event.CodeBulkTooLarge, event.CodeOf(err))

	page, err := mem.QueryEvents(ctx, store.Filter{ProjectID: "P", EnvironmentID: "E"})
	require.NoError(t, err)
	assert.Empty(t, page.Events)
}

func TestSubmitBulkAtomicOnFailure(t *testing.T) {
	p, mem, flaky := newTestPipeline(t, Options{})
	flaky.failures.Store(1)
	ctx := context.Background()

	_, err := p.SubmitBulk(ctx, "P", "E", []*event.Submission{
		sub("a.b"), sub("a.c"),
	})
	require.Error(t, err)

	page, err := mem.QueryEvents(ctx, store.Filter{ProjectID: "P", EnvironmentID: "E"})
	require.NoError(t, err)
	assert.Empty(t, page.Events, "no partial batch may be committed")

	n, err := mem.BacklogSize(ctx, "P", "E")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the failed batch is one backlog row")
}

func TestBacklogCapRefusesSubmissions(t *testing.T) {
	p, _, flaky := newTestPipeline(t, Options{BacklogMaxPerStream: 1})
	ctx := context.Background()

	flaky.failures.Store(1)
	_, err := p.Submit(ctx, "P", "E", sub("a.b"))
	require.Error(t, err) // lands in backlog

	_, err = p.Submit(ctx, "P", "E", sub("a.c"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, event.ErrBacklogFull))

	// Other streams are unaffected.
	_, err = p.Submit(ctx, "P", "E2", sub("a.d"))
	require.NoError(t, err)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, Policy, int) (bool, error) {
	return false, nil
}

func TestLimiterDeniesSubmission(t *testing.T) {
	p, _, _ := newTestPipeline(t, Options{Limiter: denyLimiter{}})
	_, err := p.Submit(context.Background(), "P", "E", sub("a.b"))
	require.Error(t, err)
	assert.Equal(t, event.CodeBacklogFull, event.CodeOf(err))
}

func TestInMemoryLimiter(t *testing.T) {
	lim := NewInMemoryLimiterStore()
	policy := Policy{RPM: 60, Burst: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := lim.Allow(ctx, "P/E", policy, 1)
		require.NoError(t, err)
		assert.True(t, ok, "burst %d", i)
	}
	ok, err := lim.Allow(ctx, "P/E", policy, 1)
	require.NoError(t, err)
	assert.False(t, ok, "bucket must be drained")

	// Separate streams own separate buckets.
	ok, err = lim.Allow(ctx, "P/E2", policy, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecodeTaskRoundTrip(t *testing.T) {
	single := sub("user.create")
	single.ID = event.NewID()
	got, err := DecodeTask(EncodeTask(single))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, single.ID, got[0].ID)
	assert.Equal(t, single.Action, got[0].Action)

	batch := []*event.Submission{sub("a.b"), sub("a.c")}
	got, err = DecodeTask(EncodeBatch(batch))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a.c", got[1].Action)

	_, err = DecodeTask([]byte("not json"))
	require.Error(t, err)
	assert.Equal(t, event.CodeValidation, event.CodeOf(err))
}
