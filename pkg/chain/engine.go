// Package chain links new events to the tip of their stream's hash
// chain. All appends for one (project, environment) pair serialize
// through the store's stream lock, so every stream has exactly one
// linear history no matter how many submitters run concurrently.
package chain

import (
	"context"
	"time"

	"github.com/vaultline/auditcore/pkg/canonical"
	"github.com/vaultline/auditcore/pkg/crypto"
	"github.com/vaultline/auditcore/pkg/event"
	"github.com/vaultline/auditcore/pkg/store"
)

// Engine appends events to per-stream hash chains. Safe for concurrent
// use; appends to different streams proceed in parallel.
type Engine struct {
	store  store.Store
	crypto *crypto.Service

	// now is swappable in tests. Production uses the wall clock.
	now func() time.Time
}

// New builds an Engine over the given store and crypto service.
func New(st store.Store, cs *crypto.Service) *Engine {
	return &Engine{
		store:  st,
		crypto: cs,
		now:    time.Now,
	}
}

// Append commits one submission to the stream chain: lock the stream,
// read the tip, assign identity and server time, canonicalize, digest,
// sign, insert, commit. The returned event is fully chained; on any
// error nothing was committed.
func (e *Engine) Append(ctx context.Context, projectID, environmentID string, sub *event.Submission) (*event.Event, error) {
	if projectID == "" || environmentID == "" {
		return nil, event.ErrContextMissing
	}
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := e.store.LockStream(ctx, tx, projectID, environmentID); err != nil {
		return nil, err
	}
	tip, err := e.store.ChainTip(ctx, tx, projectID, environmentID)
	if err != nil {
		return nil, err
	}
	ev, err := e.link(sub.Event(projectID, environmentID), tip)
	if err != nil {
		return nil, err
	}
	if err := e.store.InsertEvent(ctx, tx, ev); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, event.Wrap(event.CodeStorage, "commit chain append", err)
	}
	return ev, nil
}

// AppendBatch commits a bulk submission under a single stream lock and
// transaction, preserving slice order as chain order. Any failure rolls
// back the whole batch.
func (e *Engine) AppendBatch(ctx context.Context, projectID, environmentID string, subs []*event.Submission) ([]*event.Event, error) {
	if projectID == "" || environmentID == "" {
		return nil, event.ErrContextMissing
	}
	if len(subs) == 0 {
		return nil, nil
	}
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := e.store.LockStream(ctx, tx, projectID, environmentID); err != nil {
		return nil, err
	}
	tip, err := e.store.ChainTip(ctx, tx, projectID, environmentID)
	if err != nil {
		return nil, err
	}

	events := make([]*event.Event, 0, len(subs))
	for _, sub := range subs {
		ev, err := e.link(sub.Event(projectID, environmentID), tip)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
		tip = &store.Tip{Hash: ev.Hash, ReceivedAt: ev.ReceivedAt}
	}
	if err := e.store.InsertEvents(ctx, tx, events); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, event.Wrap(event.CodeStorage, "commit batch append", err)
	}
	return events, nil
}

// link fills in identity, server time and the chain fields of an
// uncommitted event. The caller holds the stream lock, so tip is the
// authoritative predecessor.
func (e *Engine) link(ev *event.Event, tip *store.Tip) (*event.Event, error) {
	if ev.ID == "" {
		ev.ID = event.NewID()
	}
	ev.ReceivedAt = event.TruncateMillis(e.now())
	if tip != nil {
		ev.PreviousHash = tip.Hash
		// received_at orders the chain; with millisecond precision two
		// appends can land in the same tick, so bump past the tip.
		if !ev.ReceivedAt.After(tip.ReceivedAt) {
			ev.ReceivedAt = tip.ReceivedAt.Add(time.Millisecond)
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = ev.ReceivedAt
	} else {
		ev.CreatedAt = event.TruncateMillis(ev.CreatedAt)
	}

	data, err := canonical.Bytes(ev)
	if err != nil {
		return nil, err
	}
	ev.Hash = e.crypto.Digest(data)
	sig, err := e.crypto.Sign(data)
	if err != nil {
		return nil, err
	}
	ev.Signature = sig
	return ev, nil
}
