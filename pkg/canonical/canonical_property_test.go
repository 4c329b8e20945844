//go:build property
// +build property

package canonical

import (
	"bytes"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/vaultline/auditcore/pkg/event"
)

func propEvent(action, actorID, desc string) *event.Event {
	return &event.Event{
		ID:            "11111111-1111-1111-1111-111111111111",
		ProjectID:     "P",
		EnvironmentID: "E",
		Action:        action,
		CRUD:          event.CRUDCreate,
		ActorID:       actorID,
		Description:   desc,
		CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ReceivedAt:    time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
	}
}

// Canonicalization is deterministic, and the hash and signature fields
// are excluded from the signable form while previous_hash is bound
// into it.
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same event canonicalizes identically", prop.ForAll(
		func(action, actorID, desc string) bool {
			ev := propEvent(action, actorID, desc)
			a, err1 := Bytes(ev)
			b, err2 := Bytes(ev)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return bytes.Equal(a, b)
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.Property("hash and signature do not affect the canonical form", prop.ForAll(
		func(hash, sig string) bool {
			ev := propEvent("user.create", "u1", "")
			base, err := Bytes(ev)
			if err != nil {
				return false
			}
			ev.Hash = hash
			ev.Signature = sig
			with, err := Bytes(ev)
			if err != nil {
				return false
			}
			return bytes.Equal(base, with)
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("previous_hash is bound into the canonical form", prop.ForAll(
		func(prev string) bool {
			ev := propEvent("user.create", "u1", "")
			base, err := Bytes(ev)
			if err != nil {
				return false
			}
			ev.PreviousHash = prev
			with, err := Bytes(ev)
			if err != nil {
				return false
			}
			return !bytes.Equal(base, with)
		},
		gen.Identifier().SuchThat(func(s string) bool { return s != "" }),
	))

	properties.TestingRun(t)
}
