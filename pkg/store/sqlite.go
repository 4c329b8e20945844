package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vaultline/auditcore/pkg/canonical"
	"github.com/vaultline/auditcore/pkg/event"
)

// Lite is the SQLite store for single-node deployments and local
// development. Stream serialization is in-process, so exactly one
// process may own the database file; running multiple replicas against
// one file is not supported.
type Lite struct {
	db    *sql.DB
	locks *streamLocks

	claimMu sync.Mutex
	claimed map[int64]struct{}
}

func NewLite(db *sql.DB) *Lite {
	return &Lite{
		db:      db,
		locks:   newStreamLocks(),
		claimed: make(map[int64]struct{}),
	}
}

func (s *Lite) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, liteSchema); err != nil {
		return event.Wrap(event.CodeStorage, "schema bootstrap failed", err)
	}
	return nil
}

func (s *Lite) Close() error { return s.db.Close() }

// liteTxn tracks lock releases and backlog claims so both end exactly
// when the transaction does.
type liteTxn struct {
	tx       *sql.Tx
	releases []func()
	done     bool
}

func (t *liteTxn) finish() {
	if t.done {
		return
	}
	t.done = true
	for i := len(t.releases) - 1; i >= 0; i-- {
		t.releases[i]()
	}
}

func (t *liteTxn) Commit() error {
	var err error
	if t.tx != nil {
		err = t.tx.Commit()
	}
	t.finish()
	return err
}

func (t *liteTxn) Rollback() error {
	var err error
	if t.tx != nil {
		err = t.tx.Rollback()
	}
	t.finish()
	return err
}

// querier resolves where a statement runs: inside the transaction when
// there is one, autocommit on the pool under a bare claim scope.
func (t *liteTxn) querier(db *sql.DB) interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
} {
	if t.tx != nil {
		return t.tx
	}
	return db
}

func (s *Lite) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, event.Wrap(event.CodeStorage, "begin transaction", err)
	}
	return &liteTxn{tx: tx}, nil
}

// ClaimBacklog opens a claim scope with no database transaction. The
// claim set is in-process anyway, and the pool is pinned to a single
// connection — holding it across replay would starve the commit
// transactions the replay itself needs. Backlog reads and writes under
// a claim scope run autocommit on the pool.
func (s *Lite) ClaimBacklog(ctx context.Context) (Tx, error) {
	return &liteTxn{}, nil
}

func (s *Lite) txn(tx Tx) (*liteTxn, error) {
	t, ok := tx.(*liteTxn)
	if !ok {
		return nil, txMismatch("sqlite")
	}
	return t, nil
}

func (s *Lite) LockStream(ctx context.Context, tx Tx, projectID, environmentID string) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	release, err := s.locks.acquire(ctx, projectID, environmentID)
	if err != nil {
		return err
	}
	t.releases = append(t.releases, release)
	return nil
}

func (s *Lite) ChainTip(ctx context.Context, tx Tx, projectID, environmentID string) (*Tip, error) {
	t, err := s.txn(tx)
	if err != nil {
		return nil, err
	}
	row := t.tx.QueryRowContext(ctx, `
		SELECT hash, received_at FROM audit_events
		WHERE project_id = ? AND environment_id = ?
		ORDER BY received_at DESC, id DESC
		LIMIT 1`, projectID, environmentID)
	var (
		tip Tip
		at  string
	)
	if err := row.Scan(&tip.Hash, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, event.Wrap(event.CodeStorage, "read chain tip", err)
	}
	if tip.ReceivedAt, err = parseLiteTime(at); err != nil {
		return nil, err
	}
	return &tip, nil
}

const liteInsertEventSQL = `INSERT INTO audit_events (` + eventColumns + `)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

func liteEventArgs(ev *event.Event) ([]any, error) {
	args, err := eventArgs(ev)
	if err != nil {
		return nil, err
	}
	// Positions 23 and 24 are created_at and received_at; SQLite
	// stores them as fixed-width ISO text.
	args[23] = liteTime(ev.CreatedAt)
	args[24] = liteTime(ev.ReceivedAt)
	return args, nil
}

func (s *Lite) InsertEvent(ctx context.Context, tx Tx, ev *event.Event) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	args, err := liteEventArgs(ev)
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, liteInsertEventSQL, args...); err != nil {
		return mapLiteInsertError(err, ev)
	}
	return nil
}

func (s *Lite) InsertEvents(ctx context.Context, tx Tx, evs []*event.Event) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	stmt, err := t.tx.PrepareContext(ctx, liteInsertEventSQL)
	if err != nil {
		return event.Wrap(event.CodeStorage, "prepare batch insert", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, ev := range evs {
		args, err := liteEventArgs(ev)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return mapLiteInsertError(err, ev)
		}
	}
	return nil
}

// mapLiteInsertError relies on the driver's message text; modernc
// reports the violated index or column in the error string.
func mapLiteInsertError(err error, ev *event.Event) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		switch {
		case strings.Contains(msg, "external_id"):
			dup := event.Ef(event.CodeDuplicateExternalID, "external_id %q already present in stream", ev.ExternalID)
			dup.EventID = ev.ID
			return dup
		case strings.Contains(msg, "audit_events.id"):
			return ErrAlreadyCommitted
		}
	}
	return event.Wrap(event.CodeStorage, "insert event", err)
}

func (s *Lite) GetEvent(ctx context.Context, id, projectID, environmentID string) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_events
		WHERE id = ? AND project_id = ? AND environment_id = ?`,
		id, projectID, environmentID)
	ev, err := liteScanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, event.ErrNotFound
		}
		return nil, event.Wrap(event.CodeStorage, "get event", err)
	}
	return ev, nil
}

func (s *Lite) QueryEvents(ctx context.Context, f Filter) (*Page, error) {
	if err := f.normalize(); err != nil {
		return nil, err
	}
	conds := []string{"project_id = ?", "environment_id = ?"}
	args := []any{f.ProjectID, f.EnvironmentID}
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if f.TargetID != "" {
		conds = append(conds, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if !f.Start.IsZero() {
		conds = append(conds, "received_at >= ?")
		args = append(args, liteTime(f.Start))
	}
	if !f.End.IsZero() {
		conds = append(conds, "received_at <= ?")
		args = append(args, liteTime(f.End))
	}
	if f.DescriptionContains != "" {
		conds = append(conds, "description LIKE ?")
		args = append(args, "%"+f.DescriptionContains+"%")
	}

	page := &Page{Total: -1}
	if f.WithTotal {
		countQ := `SELECT COUNT(*) FROM audit_events WHERE ` + strings.Join(conds, " AND ")
		if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&page.Total); err != nil {
			return nil, event.Wrap(event.CodeStorage, "count events", err)
		}
	}

	if f.Cursor != "" {
		curTime, curID, err := decodeCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		conds = append(conds, "(received_at > ? OR (received_at = ? AND id > ?))")
		cur := liteTime(curTime)
		args = append(args, cur, cur, curID)
	}
	args = append(args, f.Limit+1)

	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY received_at ASC, id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, event.Wrap(event.CodeStorage, "query events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*event.Event
	for rows.Next() {
		ev, err := liteScanEvent(rows)
		if err != nil {
			return nil, event.Wrap(event.CodeStorage, "scan event", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, event.Wrap(event.CodeStorage, "iterate events", err)
	}
	page.Events, page.NextCursor = nextPage(events, f.Limit)
	return page, nil
}

func (s *Lite) InsertIngestTask(ctx context.Context, task *IngestTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_task (id, original_event, project_id, environment_id, new_event_id, received, processed)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		task.ID, string(task.OriginalEvent), task.ProjectID, task.EnvironmentID,
		task.NewEventID, liteTime(task.Received))
	if err != nil {
		return event.Wrap(event.CodeStorage, "insert ingest task", err)
	}
	return nil
}

func (s *Lite) MarkIngestProcessed(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingest_task SET processed = 1 WHERE id = ?`, taskID)
	if err != nil {
		return event.Wrap(event.CodeStorage, "mark ingest task processed", err)
	}
	return nil
}

func (s *Lite) MoveToBacklog(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Wrap(event.CodeStorage, "begin backlog move", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO backlog (project_id, environment_id, new_event_id, received, original_event, processed, attempts)
		SELECT project_id, environment_id, new_event_id, received, original_event, 0, 0
		FROM ingest_task WHERE id = ? AND processed = 0`, taskID)
	if err != nil {
		return event.Wrap(event.CodeStorage, "copy task to backlog", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return event.Wrap(event.CodeStorage, "copy task to backlog", err)
	}
	if n == 0 {
		return event.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ingest_task SET processed = 1 WHERE id = ?`, taskID); err != nil {
		return event.Wrap(event.CodeStorage, "retire ingest task", err)
	}
	if err := tx.Commit(); err != nil {
		return event.Wrap(event.CodeStorage, "commit backlog move", err)
	}
	return nil
}

func (s *Lite) BacklogSize(ctx context.Context, projectID, environmentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM backlog
		WHERE project_id = ? AND environment_id = ? AND processed = 0`,
		projectID, environmentID).Scan(&n)
	if err != nil {
		return 0, event.Wrap(event.CodeStorage, "count backlog", err)
	}
	return n, nil
}

// FetchBacklogBatch claims in-process: SQLite has no SKIP LOCKED, and a
// single process owns the file, so a claim set keyed by row id gives
// concurrent worker goroutines the same skip semantics.
func (s *Lite) FetchBacklogBatch(ctx context.Context, tx Tx, limit, maxAttempts int) ([]*BacklogRow, error) {
	t, err := s.txn(tx)
	if err != nil {
		return nil, err
	}
	rows, err := t.querier(s.db).QueryContext(ctx, `
		SELECT id, project_id, environment_id, new_event_id, received, original_event,
			processed, attempts, last_attempt, last_error
		FROM backlog
		WHERE processed = 0 AND attempts < ?
		ORDER BY project_id, environment_id, id
		LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, event.Wrap(event.CodeStorage, "fetch backlog batch", err)
	}
	defer func() { _ = rows.Close() }()

	var batch []*BacklogRow
	for rows.Next() {
		row, err := liteScanBacklogRow(rows)
		if err != nil {
			return nil, event.Wrap(event.CodeStorage, "scan backlog row", err)
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, event.Wrap(event.CodeStorage, "iterate backlog", err)
	}

	s.claimMu.Lock()
	claimed := make([]*BacklogRow, 0, len(batch))
	var ids []int64
	for _, row := range batch {
		if _, taken := s.claimed[row.ID]; taken {
			continue
		}
		s.claimed[row.ID] = struct{}{}
		ids = append(ids, row.ID)
		claimed = append(claimed, row)
	}
	s.claimMu.Unlock()

	t.releases = append(t.releases, func() {
		s.claimMu.Lock()
		for _, id := range ids {
			delete(s.claimed, id)
		}
		s.claimMu.Unlock()
	})
	return claimed, nil
}

func (s *Lite) OldestPendingBacklogID(ctx context.Context, tx Tx, projectID, environmentID string, maxAttempts int) (int64, error) {
	t, err := s.txn(tx)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.querier(s.db).QueryRowContext(ctx, `
		SELECT id FROM backlog
		WHERE project_id = ? AND environment_id = ? AND processed = 0 AND attempts < ?
		ORDER BY id LIMIT 1`,
		projectID, environmentID, maxAttempts).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, event.Wrap(event.CodeStorage, "find oldest backlog row", err)
	}
	return id, nil
}

func (s *Lite) MarkBacklogProcessed(ctx context.Context, tx Tx, id int64) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	if _, err := t.querier(s.db).ExecContext(ctx,
		`UPDATE backlog SET processed = 1 WHERE id = ?`, id); err != nil {
		return event.Wrap(event.CodeStorage, "mark backlog processed", err)
	}
	return nil
}

func (s *Lite) BumpAttempts(ctx context.Context, tx Tx, id int64, attemptErr string) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	if _, err := t.querier(s.db).ExecContext(ctx, `
		UPDATE backlog SET attempts = attempts + 1, last_attempt = ?, last_error = ?
		WHERE id = ?`, liteTime(time.Now()), nullStr(attemptErr), id); err != nil {
		return event.Wrap(event.CodeStorage, "bump backlog attempts", err)
	}
	return nil
}

func (s *Lite) SealStats(ctx context.Context, tx Tx, projectID, environmentID string, upTo time.Time) (int64, string, error) {
	t, err := s.txn(tx)
	if err != nil {
		return 0, "", err
	}
	cutoff := liteTime(upTo)
	var count int64
	var tipHash string
	err = t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE((SELECT hash FROM audit_events
				WHERE project_id = ? AND environment_id = ? AND received_at <= ?
				ORDER BY received_at DESC, id DESC LIMIT 1), '')
		FROM audit_events
		WHERE project_id = ? AND environment_id = ? AND received_at <= ?`,
		projectID, environmentID, cutoff,
		projectID, environmentID, cutoff).Scan(&count, &tipHash)
	if err != nil {
		return 0, "", event.Wrap(event.CodeStorage, "read seal stats", err)
	}
	return count, tipHash, nil
}

func (s *Lite) InsertSealMarker(ctx context.Context, tx Tx, m *SealMarker) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO seal_markers (project_id, environment_id, up_to_time, event_count, tip_hash, sealed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ProjectID, m.EnvironmentID, liteTime(m.UpToTime), m.EventCount,
		nullStr(m.TipHash), liteTime(m.SealedAt))
	if err != nil {
		return event.Wrap(event.CodeStorage, "insert seal marker", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return event.Wrap(event.CodeStorage, "insert seal marker", err)
	}
	return nil
}

func (s *Lite) ListSealMarkers(ctx context.Context, projectID, environmentID string) ([]*SealMarker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sealColumns+` FROM seal_markers
		WHERE project_id = ? AND environment_id = ?
		ORDER BY up_to_time ASC, id ASC`, projectID, environmentID)
	if err != nil {
		return nil, event.Wrap(event.CodeStorage, "list seal markers", err)
	}
	defer func() { _ = rows.Close() }()

	var markers []*SealMarker
	for rows.Next() {
		m, err := liteScanSealMarker(rows)
		if err != nil {
			return nil, event.Wrap(event.CodeStorage, "scan seal marker", err)
		}
		markers = append(markers, m)
	}
	if err := rows.Err(); err != nil {
		return nil, event.Wrap(event.CodeStorage, "iterate seal markers", err)
	}
	return markers, nil
}

func (s *Lite) LatestSeal(ctx context.Context, projectID, environmentID string) (*SealMarker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sealColumns+` FROM seal_markers
		WHERE project_id = ? AND environment_id = ?
		ORDER BY up_to_time DESC, id DESC LIMIT 1`, projectID, environmentID)
	m, err := liteScanSealMarker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, event.Wrap(event.CodeStorage, "read latest seal", err)
	}
	return m, nil
}

func (s *Lite) ExportRange(ctx context.Context, projectID, environmentID string, start, end time.Time, fn func(*event.Event) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM audit_events
		WHERE project_id = ? AND environment_id = ?
			AND received_at >= ? AND received_at <= ?
		ORDER BY received_at ASC, id ASC`,
		projectID, environmentID, liteTime(start), liteTime(end))
	if err != nil {
		return event.Wrap(event.CodeStorage, "export range", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		ev, err := liteScanEvent(rows)
		if err != nil {
			return event.Wrap(event.CodeStorage, "scan export row", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return event.Wrap(event.CodeStorage, "iterate export", err)
	}
	return nil
}

func liteTime(t time.Time) string {
	return t.UTC().Format(canonical.TimeFormat)
}

func parseLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(canonical.TimeFormat, s)
	if err != nil {
		return time.Time{}, event.Wrap(event.CodeStorage, fmt.Sprintf("malformed stored timestamp %q", s), err)
	}
	return t, nil
}

func liteScanEvent(sc scanner) (*event.Event, error) {
	var (
		ev           event.Event
		externalID   sql.NullString
		crud         string
		actorID      sql.NullString
		actorName    sql.NullString
		actorHref    sql.NullString
		actorFields  sql.NullString
		targetID     sql.NullString
		targetName   sql.NullString
		targetHref   sql.NullString
		targetType   sql.NullString
		targetFields sql.NullString
		groupID      sql.NullString
		groupName    sql.NullString
		description  sql.NullString
		component    sql.NullString
		version      sql.NullString
		sourceIP     sql.NullString
		fields       sql.NullString
		metadata     sql.NullString
		createdAt    string
		receivedAt   string
		prevHash     sql.NullString
	)
	err := sc.Scan(
		&ev.ID, &externalID, &ev.Action, &crud,
		&actorID, &actorName, &actorHref, &actorFields,
		&targetID, &targetName, &targetHref, &targetType, &targetFields,
		&groupID, &groupName,
		&description, &component, &version, &sourceIP, &ev.IsAnonymous, &ev.IsFailure,
		&fields, &metadata, &createdAt, &receivedAt,
		&ev.Hash, &prevHash, &ev.Signature, &ev.ProjectID, &ev.EnvironmentID,
	)
	if err != nil {
		return nil, err
	}
	ev.CRUD = event.CRUD(crud)
	ev.ExternalID = externalID.String
	ev.ActorID = actorID.String
	ev.ActorName = actorName.String
	ev.ActorHref = actorHref.String
	ev.TargetID = targetID.String
	ev.TargetName = targetName.String
	ev.TargetHref = targetHref.String
	ev.TargetType = targetType.String
	ev.GroupID = groupID.String
	ev.GroupName = groupName.String
	ev.Description = description.String
	ev.Component = component.String
	ev.Version = version.String
	ev.SourceIP = sourceIP.String
	ev.PreviousHash = prevHash.String

	if ev.CreatedAt, err = parseLiteTime(createdAt); err != nil {
		return nil, err
	}
	if ev.ReceivedAt, err = parseLiteTime(receivedAt); err != nil {
		return nil, err
	}
	if ev.ActorFields, err = decodeStringMap(actorFields); err != nil {
		return nil, err
	}
	if ev.TargetFields, err = decodeStringMap(targetFields); err != nil {
		return nil, err
	}
	if ev.Metadata, err = decodeStringMap(metadata); err != nil {
		return nil, err
	}
	if ev.Fields, err = decodeAnyMap(fields); err != nil {
		return nil, err
	}
	return &ev, nil
}

func liteScanBacklogRow(sc scanner) (*BacklogRow, error) {
	var (
		row         BacklogRow
		received    string
		original    string
		lastAttempt sql.NullString
		lastError   sql.NullString
	)
	err := sc.Scan(&row.ID, &row.ProjectID, &row.EnvironmentID, &row.NewEventID,
		&received, &original, &row.Processed, &row.Attempts, &lastAttempt, &lastError)
	if err != nil {
		return nil, err
	}
	if row.Received, err = parseLiteTime(received); err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		if row.LastAttempt, err = parseLiteTime(lastAttempt.String); err != nil {
			return nil, err
		}
	}
	row.OriginalEvent = []byte(original)
	row.LastError = lastError.String
	return &row, nil
}

func liteScanSealMarker(sc scanner) (*SealMarker, error) {
	var (
		m        SealMarker
		upTo     string
		sealedAt string
		tipHash  sql.NullString
	)
	err := sc.Scan(&m.ID, &m.ProjectID, &m.EnvironmentID, &upTo,
		&m.EventCount, &tipHash, &sealedAt)
	if err != nil {
		return nil, err
	}
	if m.UpToTime, err = parseLiteTime(upTo); err != nil {
		return nil, err
	}
	if m.SealedAt, err = parseLiteTime(sealedAt); err != nil {
		return nil, err
	}
	m.TipHash = tipHash.String
	return &m, nil
}
