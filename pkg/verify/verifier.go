// Package verify re-derives digests and signatures over stored event
// ranges and checks chain continuity, detecting any out-of-band
// mutation, insertion or reordering.
package verify

import (
	"context"
	"time"

	"github.com/vaultline/auditcore/pkg/canonical"
	"github.com/vaultline/auditcore/pkg/crypto"
	"github.com/vaultline/auditcore/pkg/event"
	"github.com/vaultline/auditcore/pkg/store"
)

// Reason classifies a per-event verification failure.
type Reason string

const (
	ReasonDigestMismatch   Reason = "digest_mismatch"
	ReasonSignatureInvalid Reason = "signature_invalid"
	ReasonChainBreak       Reason = "chain_break"
	ReasonMissingPrevious  Reason = "missing_previous"
)

// Finding is one failed event.
type Finding struct {
	ID     string `json:"id"`
	Reason Reason `json:"reason"`
}

// Report summarizes a range verification. The call succeeds even when
// events fail; callers inspect Failed.
type Report struct {
	ProjectID     string    `json:"project_id"`
	EnvironmentID string    `json:"environment_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Total         int       `json:"total"`
	Verified      int       `json:"verified"`
	Failed        []Finding `json:"failed,omitempty"`
}

// OK reports whether every event in range verified.
func (r *Report) OK() bool { return len(r.Failed) == 0 }

// Verifier checks stored ranges against the chain invariants. It is
// read-only and safe to run concurrently with ingestion.
type Verifier struct {
	store  store.Store
	crypto *crypto.Service
}

// New builds a Verifier over the store and crypto service.
func New(st store.Store, cs *crypto.Service) *Verifier {
	return &Verifier{store: st, crypto: cs}
}

// Range verifies the stream's events with received_at in [start, end],
// in chain order. For each event the canonical form is recomputed and
// checked against the stored digest, the signature is verified, and
// previous_hash is checked against the predecessor. The expected
// predecessor hash carries the recomputed digest, so a tampered event
// also surfaces as a chain break on its successor.
func (v *Verifier) Range(ctx context.Context, projectID, environmentID string, start, end time.Time) (*Report, error) {
	if projectID == "" || environmentID == "" {
		return nil, event.ErrContextMissing
	}
	report := &Report{
		ProjectID:     projectID,
		EnvironmentID: environmentID,
		Start:         start.UTC(),
		End:           end.UTC(),
	}

	expectedPrev := ""
	first := true
	err := v.store.ExportRange(ctx, projectID, environmentID, start, end, func(ev *event.Event) error {
		report.Total++
		if first {
			// The link of the first in-range event points before the
			// range; take it on trust and verify from here on.
			expectedPrev = ev.PreviousHash
			first = false
		}

		data, canonErr := canonical.Bytes(ev)
		if canonErr != nil {
			report.Failed = append(report.Failed, Finding{ID: ev.ID, Reason: ReasonDigestMismatch})
			expectedPrev = ev.Hash
			return nil
		}
		digest := v.crypto.Digest(data)

		switch {
		case !crypto.EqualHex(digest, ev.Hash):
			report.Failed = append(report.Failed, Finding{ID: ev.ID, Reason: ReasonDigestMismatch})
		case !v.crypto.Verify(data, ev.Signature):
			report.Failed = append(report.Failed, Finding{ID: ev.ID, Reason: ReasonSignatureInvalid})
		case ev.PreviousHash == "" && expectedPrev != "":
			report.Failed = append(report.Failed, Finding{ID: ev.ID, Reason: ReasonMissingPrevious})
		case ev.PreviousHash != expectedPrev:
			report.Failed = append(report.Failed, Finding{ID: ev.ID, Reason: ReasonChainBreak})
		default:
			report.Verified++
		}
		expectedPrev = digest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// Events checks the digest and signature of an arbitrary slice of
// events, in any order. Chain continuity is not checked here; use Range
// for that. Used by query paths that re-verify returned pages.
func (v *Verifier) Events(evs []*event.Event) []Finding {
	var failed []Finding
	for _, ev := range evs {
		data, err := canonical.Bytes(ev)
		if err != nil || !crypto.EqualHex(v.crypto.Digest(data), ev.Hash) {
			failed = append(failed, Finding{ID: ev.ID, Reason: ReasonDigestMismatch})
			continue
		}
		if !v.crypto.Verify(data, ev.Signature) {
			failed = append(failed, Finding{ID: ev.ID, Reason: ReasonSignatureInvalid})
		}
	}
	return failed
}
