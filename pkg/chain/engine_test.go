package chain

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultline/auditcore/pkg/canonical"
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

func newTestEngine(t *testing.T) (*Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return New(mem, testCrypto(t)), mem
}

func sub(action string, actorID string) *event.Submission {
	return &event.Submission{
		Action: action,
		CRUD:   event.CRUDCreate,
		Actor:  event.Actor{ID: actorID},
	}
}

func TestAppendGenesis(t *testing.T) {
	eng, _ := newTestEngine(t)
	ev, err := eng.Append(context.Background(), "P", "E", sub("user.create", "u1"))
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Empty(t, ev.PreviousHash)
	assert.NotEmpty(t, ev.Hash)
	assert.NotEmpty(t, ev.Signature)
	assert.False(t, ev.ReceivedAt.IsZero())
	assert.Equal(t, ev.ReceivedAt, ev.CreatedAt)

	data, err := canonical.Bytes(ev)
	require.NoError(t, err)
	assert.Equal(t, eng.crypto.Digest(data), ev.Hash)
	assert.True(t, eng.crypto.Verify(data, ev.Signature))
}

func TestAppendLinksToTip(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := eng.Append(ctx, "P", "E", sub("user.create", "u1"))
	require.NoError(t, err)
	second, err := eng.Append(ctx, "P", "E", &event.Submission{
		Action: "user.update",
		CRUD:   event.CRUDUpdate,
		Actor:  event.Actor{ID: "u1"},
		Target: event.Target{ID: "u1", Type: "user"},
	})
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.True(t, second.ReceivedAt.After(first.ReceivedAt))
}

func TestAppendPreservesBackfilledCreatedAt(t *testing.T) {
	eng, _ := newTestEngine(t)
	backfill := time.Date(2020, 3, 14, 9, 26, 53, 0, time.UTC)

	s := sub("import.record", "u1")
	s.CreatedAt = backfill
	ev, err := eng.Append(context.Background(), "P", "E", s)
	require.NoError(t, err)

	assert.Equal(t, backfill, ev.CreatedAt)
	assert.True(t, ev.CreatedAt.Before(ev.ReceivedAt))
}

func TestAppendBumpsReceivedAtPastTip(t *testing.T) {
	eng, _ := newTestEngine(t)
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	eng.now = func() time.Time { return frozen }

	ctx := context.Background()
	first, err := eng.Append(ctx, "P", "E", sub("a.b", "u1"))
	require.NoError(t, err)
	second, err := eng.Append(ctx, "P", "E", sub("a.c", "u1"))
	require.NoError(t, err)

	assert.Equal(t, frozen, first.ReceivedAt)
	assert.Equal(t, frozen.Add(time.Millisecond), second.ReceivedAt)
}

func TestConcurrentSameStream(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.Append(ctx, "P", "E", sub("user.create", "u1"))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "submission %d", i)
	}

	assertLinear(t, mem, "P", "E", n)
}

func TestCrossStreamIndependence(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := eng.Append(ctx, "P", "E1", sub("a.b", "u1"))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := eng.Append(ctx, "P", "E2", sub("a.b", "u2"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assertLinear(t, mem, "P", "E1", 50)
	assertLinear(t, mem, "P", "E2", 50)
}

// assertLinear checks genesis uniqueness and previous_hash continuity
// over every committed event of the stream.
func assertLinear(t *testing.T, mem *store.Memory, projectID, environmentID string, want int) {
	t.Helper()
	page, err := mem.QueryEvents(context.Background(), store.Filter{
		ProjectID:     projectID,
		EnvironmentID: environmentID,
		Limit:         store.MaxQueryLimit,
	})
	require.NoError(t, err)
	require.Len(t, page.Events, want)

	assert.Empty(t, page.Events[0].PreviousHash, "genesis must have no previous hash")
	for i := 1; i < len(page.Events); i++ {
		prev, cur := page.Events[i-1], page.Events[i]
		assert.Equal(t, prev.Hash, cur.PreviousHash, "event %d breaks the chain", i)
		assert.True(t, cur.ReceivedAt.After(prev.ReceivedAt))
	}
}

func TestAppendBatchChainsInOrder(t *testing.T) {
	eng, mem := newTestEngine(t)

	subs := []*event.Submission{
		sub("batch.one", "u1"),
		sub("batch.two", "u1"),
		sub("batch.three", "u1"),
	}
	events, err := eng.AppendBatch(context.Background(), "P", "E", subs)
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Empty(t, events[0].PreviousHash)
	assert.Equal(t, events[0].Hash, events[1].PreviousHash)
	assert.Equal(t, events[1].Hash, events[2].PreviousHash)
	assertLinear(t, mem, "P", "E", 3)
}

func TestAppendBatchIsAtomic(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()

	dup := sub("batch.dup", "u1")
	dup.ExternalID = "ext-1"
	_, err := eng.Append(ctx, "P", "E", dup)
	require.NoError(t, err)

	again := sub("batch.retry", "u1")
	again.ExternalID = "ext-1"
	_, err = eng.AppendBatch(ctx, "P", "E", []*event.Submission{
		sub("batch.ok", "u1"),
		again,
	})
	require.Error(t, err)
	assert.Equal(t, event.CodeDuplicateExternalID, event.CodeOf(err))

	// The batch rolled back; only the original event remains.
	assertLinear(t, mem, "P", "E", 1)
}

func TestDuplicateExternalIDRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	s := sub("user.create", "u1")
	s.ExternalID = "order-42"
	_, err := eng.Append(ctx, "P", "E", s)
	require.NoError(t, err)

	s2 := sub("user.create", "u1")
	s2.ExternalID = "order-42"
	_, err = eng.Append(ctx, "P", "E", s2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, event.ErrDuplicateExternalID))

	// Same external id in a different stream is fine.
	s3 := sub("user.create", "u1")
	s3.ExternalID = "order-42"
	_, err = eng.Append(ctx, "P", "E2", s3)
	require.NoError(t, err)
}

func TestAppendRequiresContext(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Append(context.Background(), "", "", sub("a.b", "u1"))
	require.Error(t, err)
	assert.Equal(t, event.CodeContextMissing, event.CodeOf(err))

	_, err = eng.AppendBatch(context.Background(), "P", "", []*event.Submission{sub("a.b", "u1")})
	require.Error(t, err)
	assert.Equal(t, event.CodeContextMissing, event.CodeOf(err))
}
