// Package ingest runs the two-phase accept/commit write path. Accept
// persists the raw submission as an ingest task, giving durability
// before the chain append; commit hands the task to the chain engine.
// When commit fails the task moves to the backlog for later replay, so
// every accepted event is eventually committed at least once.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vaultline/auditcore/pkg/chain"
	"github.com/vaultline/auditcore/pkg/event"
	"github.com/vaultline/auditcore/pkg/store"
)

// Options configure a Pipeline. Zero values select the defaults.
type Options struct {
	// MaxBulkEvents caps one bulk submission, default 1000.
	MaxBulkEvents int
	// CommitTimeout bounds a single chain commit, default 5s.
	CommitTimeout time.Duration
	// BacklogMaxPerStream refuses new submissions for a stream whose
	// backlog is at capacity. Zero means unbounded.
	BacklogMaxPerStream int
	// Limiter rate-limits submissions per stream. Nil disables.
	Limiter LimiterStore
	// LimiterPolicy applies when Limiter is set.
	LimiterPolicy Policy
	// Metrics receives backlog movement counts. Nil disables reporting.
	Metrics BacklogMetrics
}

// BacklogMetrics counts rows moving through the retry queue.
type BacklogMetrics interface {
	RecordBacklog(ctx context.Context, delta, drained int64)
}

const (
	DefaultMaxBulkEvents = 1000
	DefaultCommitTimeout = 5 * time.Second
)

// Pipeline accepts submissions and drives them through the chain
// engine. Safe for concurrent use.
type Pipeline struct {
	store  store.Store
	engine *chain.Engine
	opts   Options
	logger *slog.Logger
}

// New builds a Pipeline over the store and chain engine.
func New(st store.Store, eng *chain.Engine, opts Options) *Pipeline {
	if opts.MaxBulkEvents <= 0 {
		opts.MaxBulkEvents = DefaultMaxBulkEvents
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = DefaultCommitTimeout
	}
	return &Pipeline{
		store:  st,
		engine: eng,
		opts:   opts,
		logger: slog.Default().With("component", "ingest"),
	}
}

// Submit validates, accepts and commits one submission. On success the
// returned event is fully chained. A commit failure leaves the
// submission in the backlog and returns an error carrying the assigned
// event id; the event may still appear as committed once the backlog
// worker drains it.
func (p *Pipeline) Submit(ctx context.Context, projectID, environmentID string, sub *event.Submission) (*event.Event, error) {
	if projectID == "" || environmentID == "" {
		return nil, event.ErrContextMissing
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	if err := p.admit(ctx, projectID, environmentID); err != nil {
		return nil, err
	}
	if sub.ID == "" {
		sub.ID = event.NewID()
	}

	task, err := p.accept(ctx, projectID, environmentID, EncodeTask(sub), sub.ID)
	if err != nil {
		return nil, err
	}

	commitCtx, cancel := context.WithTimeout(ctx, p.opts.CommitTimeout)
	defer cancel()
	ev, err := p.engine.Append(commitCtx, projectID, environmentID, sub)
	evs, err := p.settle(ctx, task, []*event.Event{ev}, err)
	if err != nil {
		return nil, err
	}
	return evs[0], nil
}

// SubmitBulk accepts and commits a batch under one stream lock and one
// transaction. Oversized batches fail before anything is persisted;
// any commit failure rolls the whole batch back and moves it to the
// backlog as a unit.
func (p *Pipeline) SubmitBulk(ctx context.Context, projectID, environmentID string, subs []*event.Submission) ([]*event.Event, error) {
	if projectID == "" || environmentID == "" {
		return nil, event.ErrContextMissing
	}
	if len(subs) == 0 {
		return nil, nil
	}
	if len(subs) > p.opts.MaxBulkEvents {
		return nil, event.Ef(event.CodeBulkTooLarge, "%d events exceed the bulk cap of %d", len(subs), p.opts.MaxBulkEvents)
	}
	for i, sub := range subs {
		if err := sub.Validate(); err != nil {
			return nil, event.Wrap(event.CodeValidation, "event "+strconv.Itoa(i), err)
		}
	}
	if err := p.admit(ctx, projectID, environmentID); err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.ID == "" {
			sub.ID = event.NewID()
		}
	}

	task, err := p.accept(ctx, projectID, environmentID, EncodeBatch(subs), subs[0].ID)
	if err != nil {
		return nil, err
	}

	commitCtx, cancel := context.WithTimeout(ctx, p.opts.CommitTimeout)
	defer cancel()
	evs, err := p.engine.AppendBatch(commitCtx, projectID, environmentID, subs)
	return p.settle(ctx, task, evs, err)
}

// admit applies backpressure before anything is persisted: a stream
// over its rate or with a full backlog is refused outright.
func (p *Pipeline) admit(ctx context.Context, projectID, environmentID string) error {
	key := event.StreamKey{ProjectID: projectID, EnvironmentID: environmentID}.String()
	if p.opts.Limiter != nil {
		ok, err := p.opts.Limiter.Allow(ctx, key, p.opts.LimiterPolicy, 1)
		if err != nil {
			// A broken limiter must not block ingest.
			p.logger.WarnContext(ctx, "limiter unavailable, admitting", "stream", key, "error", err)
		} else if !ok {
			return event.Ef(event.CodeBacklogFull, "stream %s is over its submission rate", key)
		}
	}
	if p.opts.BacklogMaxPerStream > 0 {
		n, err := p.store.BacklogSize(ctx, projectID, environmentID)
		if err != nil {
			return err
		}
		if n >= p.opts.BacklogMaxPerStream {
			return event.ErrBacklogFull
		}
	}
	return nil
}

func (p *Pipeline) accept(ctx context.Context, projectID, environmentID string, payload []byte, newEventID string) (*store.IngestTask, error) {
	task := &store.IngestTask{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		EnvironmentID: environmentID,
		NewEventID:    newEventID,
		Received:      event.TruncateMillis(time.Now()),
		OriginalEvent: payload,
	}
	if err := p.store.InsertIngestTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// settle resolves the commit outcome: retire the task on success or a
// permanent caller error, move it to the backlog on transient failure.
func (p *Pipeline) settle(ctx context.Context, task *store.IngestTask, evs []*event.Event, commitErr error) ([]*event.Event, error) {
	if commitErr == nil {
		if err := p.store.MarkIngestProcessed(ctx, task.ID); err != nil {
			p.logger.WarnContext(ctx, "ingest task not retired", "task", task.ID, "error", err)
		}
		return evs, nil
	}

	code := event.CodeOf(commitErr)
	if permanent(code) {
		// Retrying can never succeed; retire the task so the worker
		// does not replay a guaranteed failure.
		if err := p.store.MarkIngestProcessed(ctx, task.ID); err != nil {
			p.logger.WarnContext(ctx, "ingest task not retired", "task", task.ID, "error", err)
		}
		return nil, commitErr
	}

	if err := p.store.MoveToBacklog(ctx, task.ID); err != nil {
		p.logger.ErrorContext(ctx, "accepted event lost to backlog move failure",
			"task", task.ID, "event_id", task.NewEventID, "error", err)
		return nil, surface(code, task.NewEventID, commitErr)
	}
	if p.opts.Metrics != nil {
		p.opts.Metrics.RecordBacklog(ctx, 1, 0)
	}
	p.logger.InfoContext(ctx, "commit failed, event moved to backlog",
		"task", task.ID, "event_id", task.NewEventID, "error", commitErr)
	return nil, surface(code, task.NewEventID, commitErr)
}

func permanent(code event.ErrorCode) bool {
	switch code {
	case event.CodeValidation, event.CodeDuplicateExternalID,
		event.CodeBulkTooLarge, event.CodeInvalidConfiguration,
		event.CodeContextMissing:
		return true
	}
	return false
}

// surface wraps a transient commit failure with the assigned event id
// so callers can poll for eventual completion.
func surface(code event.ErrorCode, eventID string, err error) error {
	if code != event.CodeTimeout {
		if errors.Is(err, context.DeadlineExceeded) {
			code = event.CodeTimeout
		} else {
			code = event.CodeStorage
		}
	}
	out := event.Wrap(code, "commit failed, event queued for retry", err)
	out.EventID = eventID
	return out
}

// EncodeTask serializes a single submission for the ingest_task and
// backlog tables.
func EncodeTask(sub *event.Submission) []byte {
	raw, _ := json.Marshal(sub)
	return raw
}

// EncodeBatch serializes a bulk submission. Batches replay as a unit.
func EncodeBatch(subs []*event.Submission) []byte {
	raw, _ := json.Marshal(subs)
	return raw
}

// DecodeTask parses a stored task payload, accepting both the single
// and the batch encoding.
func DecodeTask(data []byte) ([]*event.Submission, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var subs []*event.Submission
		if err := json.Unmarshal(data, &subs); err != nil {
			return nil, event.Wrap(event.CodeValidation, "malformed batch payload", err)
		}
		return subs, nil
	}
	var sub event.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, event.Wrap(event.CodeValidation, "malformed task payload", err)
	}
	return []*event.Submission{&sub}, nil
}

