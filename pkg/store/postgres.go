package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/vaultline/auditcore/pkg/event"
)

const eventColumns = `id, external_id, action, crud,
	actor_id, actor_name, actor_href, actor_fields,
	target_id, target_name, target_href, target_type, target_fields,
	group_id, group_name,
	description, component, version, source_ip, is_anonymous, is_failure,
	fields, metadata, created_at, received_at,
	hash, previous_hash, signature, project_id, environment_id`

// Postgres is the production store. It relies on advisory transaction
// locks for per-stream serialization and FOR UPDATE SKIP LOCKED for
// backlog claiming, so multiple replicas can share one database.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open connection pool. The caller configures
// pool size and idle timeouts; Close releases the pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return event.Wrap(event.CodeStorage, "schema bootstrap failed", err)
	}
	return nil
}

func (s *Postgres) Close() error { return s.db.Close() }

type pgTxn struct{ tx *sql.Tx }

func (t *pgTxn) Commit() error   { return t.tx.Commit() }
func (t *pgTxn) Rollback() error { return t.tx.Rollback() }

func (s *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, event.Wrap(event.CodeStorage, "begin transaction", err)
	}
	return &pgTxn{tx: tx}, nil
}

// ClaimBacklog is a plain transaction: FOR UPDATE SKIP LOCKED claims
// hold row locks until it ends, and replay commits run on their own
// pool connections.
func (s *Postgres) ClaimBacklog(ctx context.Context) (Tx, error) {
	return s.Begin(ctx)
}

func (s *Postgres) txn(tx Tx) (*sql.Tx, error) {
	t, ok := tx.(*pgTxn)
	if !ok {
		return nil, txMismatch("postgres")
	}
	return t.tx, nil
}

// LockStream blocks until this transaction owns the stream. The lock
// is released automatically at commit or rollback.
func (s *Postgres) LockStream(ctx context.Context, tx Tx, projectID, environmentID string) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	if _, err := t.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, streamLockKey(projectID, environmentID)); err != nil {
		return event.Wrap(event.CodeStorage, "acquire stream lock", err)
	}
	return nil
}

func (s *Postgres) ChainTip(ctx context.Context, tx Tx, projectID, environmentID string) (*Tip, error) {
	t, err := s.txn(tx)
	if err != nil {
		return nil, err
	}
	row := t.QueryRowContext(ctx, `
		SELECT hash, received_at FROM audit_events
		WHERE project_id = $1 AND environment_id = $2
		ORDER BY received_at DESC, id DESC
		LIMIT 1`, projectID, environmentID)
	var tip Tip
	if err := row.Scan(&tip.Hash, &tip.ReceivedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, event.Wrap(event.CodeStorage, "read chain tip", err)
	}
	tip.ReceivedAt = tip.ReceivedAt.UTC()
	return &tip, nil
}

const insertEventSQL = `INSERT INTO audit_events (` + eventColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,
		$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30)`

func eventArgs(ev *event.Event) ([]any, error) {
	actorFields, err := stringMapCol(ev.ActorFields)
	if err != nil {
		return nil, err
	}
	targetFields, err := stringMapCol(ev.TargetFields)
	if err != nil {
		return nil, err
	}
	fields, err := anyMapCol(ev.Fields)
	if err != nil {
		return nil, err
	}
	metadata, err := stringMapCol(ev.Metadata)
	if err != nil {
		return nil, err
	}
	return []any{
		ev.ID, nullStr(ev.ExternalID), ev.Action, string(ev.CRUD),
		nullStr(ev.ActorID), nullStr(ev.ActorName), nullStr(ev.ActorHref), actorFields,
		nullStr(ev.TargetID), nullStr(ev.TargetName), nullStr(ev.TargetHref), nullStr(ev.TargetType), targetFields,
		nullStr(ev.GroupID), nullStr(ev.GroupName),
		nullStr(ev.Description), nullStr(ev.Component), nullStr(ev.Version), nullStr(ev.SourceIP),
		ev.IsAnonymous, ev.IsFailure,
		fields, metadata, ev.CreatedAt.UTC(), ev.ReceivedAt.UTC(),
		ev.Hash, nullStr(ev.PreviousHash), ev.Signature, ev.ProjectID, ev.EnvironmentID,
	}, nil
}

func (s *Postgres) InsertEvent(ctx context.Context, tx Tx, ev *event.Event) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	args, err := eventArgs(ev)
	if err != nil {
		return err
	}
	if _, err := t.ExecContext(ctx, insertEventSQL, args...); err != nil {
		return mapInsertError(err, ev)
	}
	return nil
}

func (s *Postgres) InsertEvents(ctx context.Context, tx Tx, evs []*event.Event) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	stmt, err := t.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return event.Wrap(event.CodeStorage, "prepare batch insert", err)
	}
	defer func() { _ = stmt.Close() }()
	for _, ev := range evs {
		args, err := eventArgs(ev)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return mapInsertError(err, ev)
		}
	}
	return nil
}

// mapInsertError classifies unique violations: the stream-scoped
// external_id index means a client-level duplicate, a primary key hit
// means this event id was already committed (replay after a lost ack).
func mapInsertError(err error, ev *event.Event) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		switch {
		case strings.Contains(pqErr.Constraint, "external_id"):
			dup := event.Ef(event.CodeDuplicateExternalID, "external_id %q already present in stream", ev.ExternalID)
			dup.EventID = ev.ID
			return dup
		case strings.Contains(pqErr.Constraint, "pkey"):
			return ErrAlreadyCommitted
		}
	}
	return event.Wrap(event.CodeStorage, "insert event", err)
}

func (s *Postgres) GetEvent(ctx context.Context, id, projectID, environmentID string) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM audit_events
		WHERE id = $1 AND project_id = $2 AND environment_id = $3`,
		id, projectID, environmentID)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, event.ErrNotFound
		}
		return nil, event.Wrap(event.CodeStorage, "get event", err)
	}
	return ev, nil
}

func (s *Postgres) QueryEvents(ctx context.Context, f Filter) (*Page, error) {
	if err := f.normalize(); err != nil {
		return nil, err
	}
	conds := []string{"project_id = $1", "environment_id = $2"}
	args := []any{f.ProjectID, f.EnvironmentID}
	add := func(format string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(format, len(args)))
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if !f.Start.IsZero() {
		add("received_at >= $%d", f.Start.UTC())
	}
	if !f.End.IsZero() {
		add("received_at <= $%d", f.End.UTC())
	}
	if f.DescriptionContains != "" {
		add("description ILIKE $%d", "%"+f.DescriptionContains+"%")
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
		args = append(args, curTime)
		tPos := len(args)
		args = append(args, curID)
		idPos := len(args)
		conds = append(conds, fmt.Sprintf(
			"(received_at > $%d OR (received_at = $%d AND id > $%d::uuid))", tPos, tPos, idPos))
	}
	args = append(args, f.Limit+1)

	query := `SELECT ` + eventColumns + ` FROM audit_events WHERE ` +
		strings.Join(conds, " AND ") +
		fmt.Sprintf(" ORDER BY received_at ASC, id ASC LIMIT $%d", len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, event.Wrap(event.CodeStorage, "query events", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
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

func (s *Postgres) InsertIngestTask(ctx context.Context, task *IngestTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_task (id, original_event, project_id, environment_id, new_event_id, received, processed)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)`,
		task.ID, string(task.OriginalEvent), task.ProjectID, task.EnvironmentID,
		task.NewEventID, task.Received.UTC())
	if err != nil {
		return event.Wrap(event.CodeStorage, "insert ingest task", err)
	}
	return nil
}

func (s *Postgres) MarkIngestProcessed(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingest_task SET processed = TRUE WHERE id = $1`, taskID)
	if err != nil {
		return event.Wrap(event.CodeStorage, "mark ingest task processed", err)
	}
	return nil
}

func (s *Postgres) MoveToBacklog(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Wrap(event.CodeStorage, "begin backlog move", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO backlog (project_id, environment_id, new_event_id, received, original_event, processed, attempts)
		SELECT project_id, environment_id, new_event_id, received, original_event, FALSE, 0
		FROM ingest_task WHERE id = $1 AND processed = FALSE`, taskID)
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
		`UPDATE ingest_task SET processed = TRUE WHERE id = $1`, taskID); err != nil {
		return event.Wrap(event.CodeStorage, "retire ingest task", err)
	}
	if err := tx.Commit(); err != nil {
		return event.Wrap(event.CodeStorage, "commit backlog move", err)
	}
	return nil
}

func (s *Postgres) BacklogSize(ctx context.Context, projectID, environmentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM backlog
		WHERE project_id = $1 AND environment_id = $2 AND processed = FALSE`,
		projectID, environmentID).Scan(&n)
	if err != nil {
		return 0, event.Wrap(event.CodeStorage, "count backlog", err)
	}
	return n, nil
}

func (s *Postgres) FetchBacklogBatch(ctx context.Context, tx Tx, limit, maxAttempts int) ([]*BacklogRow, error) {
	t, err := s.txn(tx)
	if err != nil {
		return nil, err
	}
	rows, err := t.QueryContext(ctx, `
		SELECT id, project_id, environment_id, new_event_id, received, original_event,
			processed, attempts, last_attempt, last_error
		FROM backlog
		WHERE processed = FALSE AND attempts < $1
		ORDER BY project_id, environment_id, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, maxAttempts, limit)
	if err != nil {
		return nil, event.Wrap(event.CodeStorage, "fetch backlog batch", err)
	}
	defer func() { _ = rows.Close() }()

	var batch []*BacklogRow
	for rows.Next() {
		row, err := scanBacklogRow(rows)
		if err != nil {
			return nil, event.Wrap(event.CodeStorage, "scan backlog row", err)
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, event.Wrap(event.CodeStorage, "iterate backlog", err)
	}
	return batch, nil
}

func (s *Postgres) OldestPendingBacklogID(ctx context.Context, tx Tx, projectID, environmentID string, maxAttempts int) (int64, error) {
	t, err := s.txn(tx)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.QueryRowContext(ctx, `
		SELECT id FROM backlog
		WHERE project_id = $1 AND environment_id = $2 AND processed = FALSE AND attempts < $3
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

func (s *Postgres) MarkBacklogProcessed(ctx context.Context, tx Tx, id int64) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	if _, err := t.ExecContext(ctx,
		`UPDATE backlog SET processed = TRUE WHERE id = $1`, id); err != nil {
		return event.Wrap(event.CodeStorage, "mark backlog processed", err)
	}
	return nil
}

func (s *Postgres) BumpAttempts(ctx context.Context, tx Tx, id int64, attemptErr string) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	if _, err := t.ExecContext(ctx, `
		UPDATE backlog SET attempts = attempts + 1, last_attempt = NOW(), last_error = $2
		WHERE id = $1`, id, nullStr(attemptErr)); err != nil {
		return event.Wrap(event.CodeStorage, "bump backlog attempts", err)
	}
	return nil
}

func (s *Postgres) SealStats(ctx context.Context, tx Tx, projectID, environmentID string, upTo time.Time) (int64, string, error) {
	t, err := s.txn(tx)
	if err != nil {
		return 0, "", err
	}
	var count int64
	var tipHash string
	err = t.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE((SELECT hash FROM audit_events
				WHERE project_id = $1 AND environment_id = $2 AND received_at <= $3
				ORDER BY received_at DESC, id DESC LIMIT 1), '')
		FROM audit_events
		WHERE project_id = $1 AND environment_id = $2 AND received_at <= $3`,
		projectID, environmentID, upTo.UTC()).Scan(&count, &tipHash)
	if err != nil {
		return 0, "", event.Wrap(event.CodeStorage, "read seal stats", err)
	}
	return count, tipHash, nil
}

func (s *Postgres) InsertSealMarker(ctx context.Context, tx Tx, m *SealMarker) error {
	t, err := s.txn(tx)
	if err != nil {
		return err
	}
	err = t.QueryRowContext(ctx, `
		INSERT INTO seal_markers (project_id, environment_id, up_to_time, event_count, tip_hash, sealed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		m.ProjectID, m.EnvironmentID, m.UpToTime.UTC(), m.EventCount,
		nullStr(m.TipHash), m.SealedAt.UTC()).Scan(&m.ID)
	if err != nil {
		return event.Wrap(event.CodeStorage, "insert seal marker", err)
	}
	return nil
}

const sealColumns = `id, project_id, environment_id, up_to_time, event_count, tip_hash, sealed_at`

func (s *Postgres) ListSealMarkers(ctx context.Context, projectID, environmentID string) ([]*SealMarker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sealColumns+` FROM seal_markers
		WHERE project_id = $1 AND environment_id = $2
		ORDER BY up_to_time ASC, id ASC`, projectID, environmentID)
	if err != nil {
		return nil, event.Wrap(event.CodeStorage, "list seal markers", err)
	}
	defer func() { _ = rows.Close() }()

	var markers []*SealMarker
	for rows.Next() {
		m, err := scanSealMarker(rows)
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

func (s *Postgres) LatestSeal(ctx context.Context, projectID, environmentID string) (*SealMarker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sealColumns+` FROM seal_markers
		WHERE project_id = $1 AND environment_id = $2
		ORDER BY up_to_time DESC, id DESC LIMIT 1`, projectID, environmentID)
	m, err := scanSealMarker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, event.Wrap(event.CodeStorage, "read latest seal", err)
	}
	return m, nil
}

func (s *Postgres) ExportRange(ctx context.Context, projectID, environmentID string, start, end time.Time, fn func(*event.Event) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM audit_events
		WHERE project_id = $1 AND environment_id = $2
			AND received_at >= $3 AND received_at <= $4
		ORDER BY received_at ASC, id ASC`,
		projectID, environmentID, start.UTC(), end.UTC())
	if err != nil {
		return event.Wrap(event.CodeStorage, "export range", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		ev, err := scanEvent(rows)
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

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (*event.Event, error) {
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
		prevHash     sql.NullString
	)
	err := sc.Scan(
		&ev.ID, &externalID, &ev.Action, &crud,
		&actorID, &actorName, &actorHref, &actorFields,
		&targetID, &targetName, &targetHref, &targetType, &targetFields,
		&groupID, &groupName,
		&description, &component, &version, &sourceIP, &ev.IsAnonymous, &ev.IsFailure,
		&fields, &metadata, &ev.CreatedAt, &ev.ReceivedAt,
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
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.ReceivedAt = ev.ReceivedAt.UTC()

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

func scanBacklogRow(sc scanner) (*BacklogRow, error) {
	var (
		row         BacklogRow
		original    string
		lastAttempt sql.NullTime
		lastError   sql.NullString
	)
	err := sc.Scan(&row.ID, &row.ProjectID, &row.EnvironmentID, &row.NewEventID,
		&row.Received, &original, &row.Processed, &row.Attempts, &lastAttempt, &lastError)
	if err != nil {
		return nil, err
	}
	row.Received = row.Received.UTC()
	row.OriginalEvent = []byte(original)
	if lastAttempt.Valid {
		row.LastAttempt = lastAttempt.Time.UTC()
	}
	row.LastError = lastError.String
	return &row, nil
}

func scanSealMarker(sc scanner) (*SealMarker, error) {
	var (
		m       SealMarker
		tipHash sql.NullString
	)
	err := sc.Scan(&m.ID, &m.ProjectID, &m.EnvironmentID, &m.UpToTime,
		&m.EventCount, &tipHash, &m.SealedAt)
	if err != nil {
		return nil, err
	}
	m.UpToTime = m.UpToTime.UTC()
	m.SealedAt = m.SealedAt.UTC()
	m.TipHash = tipHash.String
	return &m, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// stringMapCol serializes a string map for a JSON column; nil maps
// persist as NULL so absence survives a round trip.
func stringMapCol(m map[string]string) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, event.Wrap(event.CodeValidation, "encode string map", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func anyMapCol(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, event.Wrap(event.CodeValidation, "encode fields", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeStringMap(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("decode string map: %w", err)
	}
	return m, nil
}

// decodeAnyMap preserves numeric literals as json.Number so digests
// recomputed from stored rows match the original canonical form.
func decodeAnyMap(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(ns.String))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return m, nil
}
