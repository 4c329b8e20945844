// Package backlog drains the persistent retry queue. Each tick claims a
// batch of failed submissions, groups them by stream and replays them
// through the chain engine in original accept order. Rows that keep
// failing back off exponentially and dead-letter after a bounded number
// of attempts; they are excluded from future ticks but never deleted.
package backlog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/vaultline/auditcore/pkg/chain"
	"github.com/vaultline/auditcore/pkg/event"
	"github.com/vaultline/auditcore/pkg/ingest"
	"github.com/vaultline/auditcore/pkg/store"
)

// Options configure a Worker. Zero values select the defaults.
type Options struct {
	// BatchSize caps the rows claimed per tick, default 100.
	BatchSize int
	// MaxAttempts dead-letters a row, default 10.
	MaxAttempts int
	// Interval is the tick period, default 10s.
	Interval time.Duration
	// BaseBackoff and MaxBackoff bound the retry delay curve,
	// defaults 1s and 5m.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxJitter spreads replicas' retry schedules, default 250ms.
	// Negative disables jitter.
	MaxJitter time.Duration
	// StreamsPerSecond paces how fast the worker moves between stream
	// groups within a tick. Zero disables pacing.
	StreamsPerSecond float64
	// Metrics receives drain counts per tick. Nil disables reporting.
	Metrics ingest.BacklogMetrics
}

const (
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 10
	DefaultInterval    = 10 * time.Second
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 5 * time.Minute
	DefaultMaxJitter   = 250 * time.Millisecond
)

// Worker replays backlog rows. Multiple replicas may run concurrently
// against one database: batch claiming skips rows locked by peers, and
// the oldest-pending check keeps per-stream replay in order even when
// a stream's rows are split across claims.
type Worker struct {
	store   store.Store
	engine  *chain.Engine
	opts    Options
	backoff backoffPolicy
	pacer   *rate.Limiter
	logger  *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New builds a Worker over the store and chain engine.
func New(st store.Store, eng *chain.Engine, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxJitter == 0 {
		opts.MaxJitter = DefaultMaxJitter
	}
	w := &Worker{
		store:  st,
		engine: eng,
		opts:   opts,
		backoff: backoffPolicy{
			Base:      opts.BaseBackoff,
			Max:       opts.MaxBackoff,
			MaxJitter: opts.MaxJitter,
		},
		logger: slog.Default().With("component", "backlog"),
		now:    time.Now,
	}
	if opts.StreamsPerSecond > 0 {
		w.pacer = rate.NewLimiter(rate.Limit(opts.StreamsPerSecond), 1)
	}
	return w
}

// Run ticks until ctx is canceled. Per-row errors are logged and
// retried on later ticks; only ctx cancellation ends the loop.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drained, err := w.Tick(ctx)
			if err != nil {
				w.logger.ErrorContext(ctx, "backlog tick failed", "error", err)
				continue
			}
			if drained > 0 {
				w.logger.InfoContext(ctx, "backlog drained", "rows", drained)
			}
		}
	}
}

// Tick claims one batch and replays it, returning the number of rows
// marked processed. Resource errors abort the tick and release the
// claim; the next tick starts fresh. The claim scope must not block
// the replay commits, which open their own transactions.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	tx, err := w.store.ClaimBacklog(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	batch, err := w.store.FetchBacklogBatch(ctx, tx, w.opts.BatchSize, w.opts.MaxAttempts)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, tx.Commit()
	}

	drained := 0
	for _, group := range groupByStream(batch) {
		if w.pacer != nil {
			if err := w.pacer.Wait(ctx); err != nil {
				break
			}
		}
		n, err := w.replayStream(ctx, tx, group)
		drained += n
		if err != nil {
			w.logger.WarnContext(ctx, "stream replay stopped",
				"stream", group[0].ProjectID+"/"+group[0].EnvironmentID, "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, event.Wrap(event.CodeStorage, "commit backlog tick", err)
	}
	if drained > 0 && w.opts.Metrics != nil {
		w.opts.Metrics.RecordBacklog(ctx, -int64(drained), int64(drained))
	}
	return drained, nil
}

// replayStream replays one stream's claimed rows in ascending id order.
// A failure stops the stream for this tick: later rows must not commit
// ahead of an earlier one.
func (w *Worker) replayStream(ctx context.Context, tx store.Tx, group []*store.BacklogRow) (int, error) {
	first := group[0]

	// Another worker may hold the stream's oldest row. Replaying ours
	// first would reorder the stream, so leave the whole group for a
	// later tick.
	oldest, err := w.store.OldestPendingBacklogID(ctx, tx, first.ProjectID, first.EnvironmentID, w.opts.MaxAttempts)
	if err != nil {
		return 0, err
	}
	if oldest != 0 && oldest < first.ID {
		return 0, nil
	}

	drained := 0
	for _, row := range group {
		due := row.LastAttempt.Add(w.backoff.delay(row.ProjectID, row.EnvironmentID, row.ID, row.Attempts))
		if !row.LastAttempt.IsZero() && w.now().Before(due) {
			// Not due yet; the rest of the stream waits behind it.
			return drained, nil
		}
		if err := w.replayRow(ctx, tx, row); err != nil {
			attempt := row.Attempts + 1
			if bumpErr := w.store.BumpAttempts(ctx, tx, row.ID, err.Error()); bumpErr != nil {
				return drained, bumpErr
			}
			if attempt >= w.opts.MaxAttempts {
				w.logger.ErrorContext(ctx, "backlog row dead-lettered",
					"backlog_id", row.ID, "event_id", row.NewEventID,
					"attempts", attempt, "error", err)
			} else {
				w.logger.WarnContext(ctx, "backlog replay failed",
					"backlog_id", row.ID, "event_id", row.NewEventID,
					"attempts", attempt, "error", err)
			}
			return drained, err
		}
		if err := w.store.MarkBacklogProcessed(ctx, tx, row.ID); err != nil {
			return drained, err
		}
		drained++
	}
	return drained, nil
}

// replayRow commits one backlog row through the chain engine. The
// replay gets a fresh received_at (chain order is server-observed
// time); created_at inside the stored submission preserves original
// intent. An event that turns out to be already committed counts as
// success: the original commit landed even though its ack was lost.
func (w *Worker) replayRow(ctx context.Context, tx store.Tx, row *store.BacklogRow) error {
	subs, err := ingest.DecodeTask(row.OriginalEvent)
	if err != nil {
		return err
	}
	if len(subs) == 1 {
		_, err = w.engine.Append(ctx, row.ProjectID, row.EnvironmentID, subs[0])
	} else {
		_, err = w.engine.AppendBatch(ctx, row.ProjectID, row.EnvironmentID, subs)
	}
	if errors.Is(err, store.ErrAlreadyCommitted) {
		return nil
	}
	return err
}

// groupByStream splits a claimed batch into per-stream groups. The
// batch arrives ordered (project, environment, id), so each group keeps
// ascending id order.
func groupByStream(batch []*store.BacklogRow) [][]*store.BacklogRow {
	var groups [][]*store.BacklogRow
	for _, row := range batch {
		n := len(groups)
		if n > 0 {
			last := groups[n-1][0]
			if last.ProjectID == row.ProjectID && last.EnvironmentID == row.EnvironmentID {
				groups[n-1] = append(groups[n-1], row)
				continue
			}
		}
		groups = append(groups, []*store.BacklogRow{row})
	}
	return groups
}
