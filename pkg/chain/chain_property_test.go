//go:build property
// +build property

// Property-based tests for chain construction: continuity, digest
// determinism, signature validity, genesis uniqueness and cross-stream
// independence hold for arbitrary submission sequences.
package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/vaultline/auditcore/pkg/canonical"
	"github.com/vaultline/auditcore/pkg/crypto"
	"github.com/vaultline/auditcore/pkg/event"
	"github.com/vaultline/auditcore/pkg/store"
)

var (
	timeZero  = time.Time{}
	timeMax   = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	errBroken = errors.New("chain out of order")
)

func buildChain(t *testing.T, eng *Engine, projectID, environmentID string, actions []string) []*event.Event {
	t.Helper()
	evs := make([]*event.Event, 0, len(actions))
	for _, a := range actions {
		ev, err := eng.Append(context.Background(), projectID, environmentID, &event.Submission{
			Action: "prop." + a,
			CRUD:   event.CRUDCreate,
			Actor:  event.Actor{ID: "actor-" + a},
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		evs = append(evs, ev)
	}
	return evs
}

// Every consecutive pair in a stream links previous_hash to the
// predecessor's hash, and exactly one event has an empty previous_hash.
func TestChainContinuityAndGenesis(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	cs := testCrypto(t)

	properties.Property("chains are linear with a unique genesis", prop.ForAll(
		func(n int) bool {
			eng := New(store.NewMemory(), cs)
			actions := make([]string, n)
			for i := range actions {
				actions[i] = "act"
			}
			evs := buildChain(t, eng, "P", "E", actions)

			genesis := 0
			for i, ev := range evs {
				if ev.PreviousHash == "" {
					genesis++
				}
				if i > 0 && ev.PreviousHash != evs[i-1].Hash {
					return false
				}
			}
			return genesis == 1
		},
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}

// Recomputing the canonical digest and verifying the signature of any
// committed event succeeds against the stored values.
func TestDigestAndSignatureRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	cs := testCrypto(t)
	eng := New(store.NewMemory(), cs)

	properties.Property("digest(canonical(e)) == e.hash and signature verifies", prop.ForAll(
		func(action, actorID string) bool {
			ev, err := eng.Append(context.Background(), "P", "E", &event.Submission{
				Action: "x." + action,
				CRUD:   event.CRUDUpdate,
				Actor:  event.Actor{ID: "u-" + actorID},
			})
			if err != nil {
				return false
			}
			data, err := canonical.Bytes(ev)
			if err != nil {
				return false
			}
			return crypto.EqualHex(cs.Digest(data), ev.Hash) && cs.Verify(data, ev.Signature)
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

// Interleaving submissions across two streams in any order leaves each
// stream's chain identical to appending its submissions alone.
func TestStreamInterleavingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	cs := testCrypto(t)

	properties.Property("per-stream chains ignore interleaving", prop.ForAll(
		func(mask []bool) bool {
			eng := New(store.NewMemory(), cs)
			var wantE1, wantE2 []string
			for i, toFirst := range mask {
				stream := "E2"
				if toFirst {
					stream = "E1"
				}
				ev, err := eng.Append(context.Background(), "P", stream, &event.Submission{
					Action: "seq.append",
					CRUD:   event.CRUDCreate,
					Actor:  event.Actor{ID: "u1"},
					Fields: map[string]any{"seq": i},
				})
				if err != nil {
					return false
				}
				if toFirst {
					wantE1 = append(wantE1, ev.Hash)
				} else {
					wantE2 = append(wantE2, ev.Hash)
				}
			}
			return linear(t, eng, "P", "E1", wantE1) && linear(t, eng, "P", "E2", wantE2)
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

// linear re-reads the stream and checks the stored order matches hashes
// with previous_hash links intact.
func linear(t *testing.T, eng *Engine, projectID, environmentID string, hashes []string) bool {
	t.Helper()
	prev := ""
	i := 0
	err := eng.store.ExportRange(context.Background(), projectID, environmentID,
		timeZero, timeMax, func(ev *event.Event) error {
			if i >= len(hashes) || ev.Hash != hashes[i] || ev.PreviousHash != prev {
				return errBroken
			}
			prev = ev.Hash
			i++
			return nil
		})
	return err == nil && i == len(hashes)
}
