package backlog

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/auditcore/pkg/chain"
	"github.com/vaultline/auditcore/pkg/crypto"
	"github.com/vaultline/auditcore/pkg/event"
	"github.com/vaultline/auditcore/pkg/ingest"
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
		return event.E(event.CodeStorage, "injected bulk insert failure")
	}
	return f.Store.InsertEvents(ctx, tx, evs)
}

type harness struct {
	mem      *store.Memory
	flaky    *flakyStore
	pipeline *ingest.Pipeline
	worker   *Worker
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mem := store.NewMemory()
	flaky := &flakyStore{Store: mem}
	eng := chain.New(flaky, testCrypto(t))
	return &harness{
		mem:      mem,
		flaky:    flaky,
		pipeline: ingest.New(flaky, eng, ingest.Options{}),
		worker:   New(flaky, eng, opts),
	}
}

func fastOpts() Options {
	return Options{BaseBackoff: time.Nanosecond, MaxBackoff: time.Microsecond, MaxJitter: -1}
}

func sub(action string) *event.Submission {
	return &event.Submission{
		Action: action,
		CRUD:   event.CRUDCreate,
		Actor:  event.Actor{ID: "u1"},
	}
}

func streamEvents(t *testing.T, mem *store.Memory, projectID, environmentID string) []*event.Event {
	t.Helper()
	page, err := mem.QueryEvents(context.Background(), store.Filter{
		ProjectID:     projectID,
		EnvironmentID: environmentID,
		Limit:         store.MaxQueryLimit,
	})
	require.NoError(t, err)
	return page.Events
}

// Scenario: five submissions, the third through fifth fail at commit.
// One worker tick replays the backlog and the chain ends up linear over
// all five events.
// drainCounter records backlog drains for assertions.
type drainCounter struct {
	drained atomic.Int64
}

func (c *drainCounter) RecordBacklog(_ context.Context, _, drained int64) {
	c.drained.Add(drained)
}

func TestFailureThenReplay(t *testing.T) {
	counter := &drainCounter{}
	opts := fastOpts()
	opts.Metrics = counter
	h := newHarness(t, opts)
	ctx := context.Background()

	for i, action := range []string{"e.one", "e.two", "e.three", "e.four", "e.five"} {
		if i == 2 {
			h.flaky.failures.Store(3)
		}
		_, err := h.pipeline.Submit(ctx, "P", "E", sub(action))
		if i < 2 {
			require.NoError(t, err)
		} else {
			require.Error(t, err)
		}
	}
	assert.Len(t, streamEvents(t, h.mem, "P", "E"), 2)
	n, err := h.mem.BacklogSize(ctx, "P", "E")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	drained, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, drained)
	assert.Equal(t, int64(3), counter.drained.Load())

	events := streamEvents(t, h.mem, "P", "E")
	require.Len(t, events, 5)
	assert.Empty(t, events[0].PreviousHash)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Hash, events[i].PreviousHash, "event %d", i)
	}
	// Replay preserved original accept order.
	assert.Equal(t, "e.three", events[2].Action)
	assert.Equal(t, "e.five", events[4].Action)

	n, err = h.mem.BacklogSize(ctx, "P", "E")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplayKeepsFailingUntilDeadLetter(t *testing.T) {
	opts := fastOpts()
	opts.MaxAttempts = 3
	h := newHarness(t, opts)
	ctx := context.Background()

	h.flaky.failures.Store(1)
	_, err := h.pipeline.Submit(ctx, "P", "E", sub("a.b"))
	require.Error(t, err)

	// Every replay fails too.
	for tick := 0; tick < 3; tick++ {
		h.flaky.failures.Store(1)
		drained, err := h.worker.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, drained, "tick %d", tick)
	}

	// Dead-lettered: excluded from claims, still counted, never dropped.
	drained, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, drained)
	n, err := h.mem.BacklogSize(ctx, "P", "E")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBackoffDefersReplay(t *testing.T) {
	opts := Options{BaseBackoff: time.Hour, MaxBackoff: 2 * time.Hour, MaxJitter: -1}
	h := newHarness(t, opts)
	ctx := context.Background()

	h.flaky.failures.Store(2)
	_, err := h.pipeline.Submit(ctx, "P", "E", sub("a.b"))
	require.Error(t, err)

	// First replay attempt fails and stamps last_attempt.
	drained, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, drained)

	// The row is not due for another hour; the tick leaves it alone.
	drained, err = h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, drained)

	// Once the clock passes the deadline the replay succeeds.
	h.worker.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	drained, err = h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained)
	assert.Len(t, streamEvents(t, h.mem, "P", "E"), 1)
}

func TestTickReplaysBatchAsUnit(t *testing.T) {
	h := newHarness(t, fastOpts())
	ctx := context.Background()

	h.flaky.failures.Store(1)
	_, err := h.pipeline.SubmitBulk(ctx, "P", "E", []*event.Submission{
		sub("b.one"), sub("b.two"), sub("b.three"),
	})
	require.Error(t, err)
	assert.Empty(t, streamEvents(t, h.mem, "P", "E"))

	drained, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained, "a batch is one backlog row")

	events := streamEvents(t, h.mem, "P", "E")
	require.Len(t, events, 3)
	assert.Equal(t, events[0].Hash, events[1].PreviousHash)
	assert.Equal(t, events[1].Hash, events[2].PreviousHash)
}

func TestTickDrainsMultipleStreams(t *testing.T) {
	h := newHarness(t, fastOpts())
	ctx := context.Background()

	h.flaky.failures.Store(2)
	_, err := h.pipeline.Submit(ctx, "P", "E1", sub("a.b"))
	require.Error(t, err)
	_, err = h.pipeline.Submit(ctx, "P", "E2", sub("a.c"))
	require.Error(t, err)

	drained, err := h.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, drained)
	assert.Len(t, streamEvents(t, h.mem, "P", "E1"), 1)
	assert.Len(t, streamEvents(t, h.mem, "P", "E2"), 1)
}

func TestEmptyTick(t *testing.T) {
	h := newHarness(t, fastOpts())
	drained, err := h.worker.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, drained)
}

func TestGroupByStream(t *testing.T) {
	rows := []*store.BacklogRow{
		{ID: 1, ProjectID: "P", EnvironmentID: "E1"},
		{ID: 2, ProjectID: "P", EnvironmentID: "E1"},
		{ID: 3, ProjectID: "P", EnvironmentID: "E2"},
		{ID: 5, ProjectID: "Q", EnvironmentID: "E1"},
	}
	groups := groupByStream(rows)
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 2)
	assert.Equal(t, int64(3), groups[1][0].ID)
	assert.Equal(t, int64(5), groups[2][0].ID)
	assert.Equal(t, "Q", groups[2][0].ProjectID)
}

func TestDeterministicBackoff(t *testing.T) {
	p := backoffPolicy{Base: time.Second, Max: 5 * time.Minute, MaxJitter: time.Second}

	first := p.delay("P", "E", 1, 0)
	assert.Equal(t, first, p.delay("P", "E", 1, 0), "same inputs, same delay")
	assert.GreaterOrEqual(t, first, time.Second)
	assert.Less(t, first, 2*time.Second)

	// Growth is exponential and capped.
	assert.GreaterOrEqual(t, p.delay("P", "E", 1, 3), 8*time.Second)
	assert.LessOrEqual(t, p.delay("P", "E", 1, 20), 5*time.Minute+time.Second)
}
