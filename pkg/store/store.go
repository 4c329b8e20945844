// Package store persists audit events, ingest tasks, the retry backlog
// and seal markers. Three implementations share one interface: Postgres
// for production, SQLite for single-node deployments, and an in-memory
// store for tests. All write paths are append-only; committed event
// rows are never updated or deleted.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vaultline/auditcore/pkg/event"
)

// Query limits. A zero filter limit selects the default.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// ErrAlreadyCommitted reports an insert whose event id is already in
// audit_events. Backlog replays treat it as success: the original
// commit landed even though the submitter saw a failure.
var ErrAlreadyCommitted = event.E(event.CodeChainConflict, "event already committed")

// Tx is a store transaction. Stream locks acquired through LockStream
// are held until Commit or Rollback.
type Tx interface {
	Commit() error
	Rollback() error
}

// Tip describes the newest event of a stream.
type Tip struct {
	Hash       string
	ReceivedAt time.Time
}

// IngestTask is the durable accept-stage record for one submission.
type IngestTask struct {
	ID            string
	ProjectID     string
	EnvironmentID string
	NewEventID    string
	Received      time.Time
	OriginalEvent []byte
	Processed     bool
}

// BacklogRow is one failed submission awaiting replay.
type BacklogRow struct {
	ID            int64
	ProjectID     string
	EnvironmentID string
	NewEventID    string
	Received      time.Time
	OriginalEvent []byte
	Processed     bool
	Attempts      int
	LastAttempt   time.Time
	LastError     string
}

// SealMarker declares every event of a stream with
// received_at <= UpToTime immutable.
type SealMarker struct {
	ID            int64
	ProjectID     string
	EnvironmentID string
	UpToTime      time.Time
	EventCount    int64
	TipHash       string
	SealedAt      time.Time
}

// Filter selects events for QueryEvents. ProjectID and EnvironmentID
// are mandatory; everything else narrows the result. Start and End
// bound received_at, the same clock that orders the chain.
type Filter struct {
	ProjectID     string
	EnvironmentID string
	Action        string
	ActorID       string
	TargetID      string
	Start         time.Time
	End           time.Time
	// DescriptionContains matches case-insensitively on description.
	DescriptionContains string
	Limit               int
	Cursor              string
	WithTotal           bool
}

func (f *Filter) normalize() error {
	if f.ProjectID == "" || f.EnvironmentID == "" {
		return event.ErrContextMissing
	}
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	return nil
}

// Page is one keyset-paginated result. Total is -1 unless the filter
// requested it.
type Page struct {
	Events     []*event.Event
	NextCursor string
	Total      int64
}

// Store is the persistence contract shared by every backend. Methods
// taking a Tx run inside the caller's transaction; the rest manage
// their own. Scoped operations always constrain both project_id and
// environment_id.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// ClaimBacklog opens the claim scope the backlog worker holds
	// while replaying: FetchBacklogBatch claims survive until this Tx
	// ends. Replay itself commits through separate Begin transactions,
	// so the claim scope must never block them — on Postgres it is a
	// regular transaction (row locks, separate pool connection), on
	// SQLite an in-process claim that leaves the connection free.
	ClaimBacklog(ctx context.Context) (Tx, error)

	// LockStream serializes chain appends for one stream until the
	// transaction ends. Different streams never contend.
	LockStream(ctx context.Context, tx Tx, projectID, environmentID string) error
	// ChainTip returns the newest event of the stream, nil when empty.
	// Callers hold the stream lock so the tip cannot move underneath
	// them.
	ChainTip(ctx context.Context, tx Tx, projectID, environmentID string) (*Tip, error)

	InsertEvent(ctx context.Context, tx Tx, ev *event.Event) error
	InsertEvents(ctx context.Context, tx Tx, evs []*event.Event) error
	GetEvent(ctx context.Context, id, projectID, environmentID string) (*event.Event, error)
	QueryEvents(ctx context.Context, f Filter) (*Page, error)

	InsertIngestTask(ctx context.Context, task *IngestTask) error
	MarkIngestProcessed(ctx context.Context, taskID string) error
	// MoveToBacklog atomically copies an accepted task into the backlog
	// and marks the task processed.
	MoveToBacklog(ctx context.Context, taskID string) error
	BacklogSize(ctx context.Context, projectID, environmentID string) (int, error)

	// FetchBacklogBatch claims up to limit unprocessed rows below the
	// attempt ceiling, ordered (project_id, environment_id, id). Rows
	// stay claimed until the transaction ends; concurrent workers skip
	// them.
	FetchBacklogBatch(ctx context.Context, tx Tx, limit, maxAttempts int) ([]*BacklogRow, error)
	// OldestPendingBacklogID reports the smallest live backlog id of a
	// stream, 0 when the stream has none. Replays must start there to
	// preserve original accept order.
	OldestPendingBacklogID(ctx context.Context, tx Tx, projectID, environmentID string, maxAttempts int) (int64, error)
	// MarkBacklogProcessed and BumpAttempts run inside the claim
	// scope; the claimed row stays invisible to other workers until it
	// ends.
	MarkBacklogProcessed(ctx context.Context, tx Tx, id int64) error
	BumpAttempts(ctx context.Context, tx Tx, id int64, attemptErr string) error

	// SealStats counts events with received_at <= upTo and returns the
	// hash of the newest among them. Runs under the stream lock.
	SealStats(ctx context.Context, tx Tx, projectID, environmentID string, upTo time.Time) (int64, string, error)
	InsertSealMarker(ctx context.Context, tx Tx, m *SealMarker) error
	ListSealMarkers(ctx context.Context, projectID, environmentID string) ([]*SealMarker, error)
	// LatestSeal returns the marker with the greatest UpToTime, nil
	// when the stream was never sealed.
	LatestSeal(ctx context.Context, projectID, environmentID string) (*SealMarker, error)

	// ExportRange streams events with received_at in [start, end] in
	// chain order, invoking fn per event. An fn error aborts the scan.
	ExportRange(ctx context.Context, projectID, environmentID string, start, end time.Time, fn func(*event.Event) error) error

	// Init creates tables, indexes and immutability triggers.
	Init(ctx context.Context) error
	Close() error
}

// streamLockKey folds a stream key into the signed 64-bit space used
// by pg_advisory_xact_lock. The NUL separator keeps ("ab","c") and
// ("a","bc") distinct.
func streamLockKey(projectID, environmentID string) int64 {
	sum := sha256.Sum256([]byte(projectID + "\x00" + environmentID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Cursors encode the keyset position (received_at, id) of the last row
// of a page.
func encodeCursor(t time.Time, id string) string {
	raw := strconv.FormatInt(t.UnixMilli(), 10) + ":" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", event.Wrap(event.CodeValidation, "malformed cursor", err)
	}
	ms, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return time.Time{}, "", event.E(event.CodeValidation, "malformed cursor")
	}
	unixMs, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, "", event.Wrap(event.CodeValidation, "malformed cursor timestamp", err)
	}
	return time.UnixMilli(unixMs).UTC(), id, nil
}

// nextPage trims an over-fetched result down to limit and derives the
// cursor for the following page.
func nextPage(events []*event.Event, limit int) ([]*event.Event, string) {
	if len(events) <= limit {
		return events, ""
	}
	events = events[:limit]
	last := events[len(events)-1]
	return events, encodeCursor(last.ReceivedAt, last.ID)
}

func txMismatch(want string) error {
	return event.E(event.CodeStorage, fmt.Sprintf("transaction does not belong to the %s store", want))
}
