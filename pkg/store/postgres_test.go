package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/vaultline/auditcore/pkg/event"
)

var eventColumnNames = []string{
	"id", "external_id", "action", "crud",
	"actor_id", "actor_name", "actor_href", "actor_fields",
	"target_id", "target_name", "target_href", "target_type", "target_fields",
	"group_id", "group_name",
	"description", "component", "version", "source_ip", "is_anonymous", "is_failure",
	"fields", "metadata", "created_at", "received_at",
	"hash", "previous_hash", "signature", "project_id", "environment_id",
}

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	return NewPostgres(db), mock, func() { _ = db.Close() }
}

func TestPostgresLockStream(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(streamLockKey("p1", "e1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.LockStream(ctx, tx, "p1", "e1"); err != nil {
		t.Fatalf("lock stream: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresChainTip(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT hash, received_at FROM audit_events").
		WithArgs("p1", "e1").
		WillReturnRows(sqlmock.NewRows([]string{"hash", "received_at"}).AddRow("abc123", at))
	mock.ExpectRollback()

	tx, _ := s.Begin(ctx)
	tip, err := s.ChainTip(ctx, tx, "p1", "e1")
	if err != nil {
		t.Fatalf("chain tip: %v", err)
	}
	if tip == nil || tip.Hash != "abc123" || !tip.ReceivedAt.Equal(at) {
		t.Errorf("unexpected tip: %+v", tip)
	}
	_ = tx.Rollback()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresChainTipEmptyStream(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT hash, received_at FROM audit_events").
		WithArgs("p1", "e1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	tx, _ := s.Begin(ctx)
	tip, err := s.ChainTip(ctx, tx, "p1", "e1")
	if err != nil {
		t.Fatalf("chain tip: %v", err)
	}
	if tip != nil {
		t.Errorf("expected nil tip for empty stream, got %+v", tip)
	}
	_ = tx.Rollback()
}

func committedEvent() *event.Event {
	return &event.Event{
		ID:            "6f1c9a52-0a5f-4bd6-9a1c-b7d1f3a07f10",
		Action:        "user.create",
		CRUD:          event.CRUDCreate,
		ActorID:       "u1",
		CreatedAt:     time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		ReceivedAt:    time.Date(2024, 3, 1, 10, 0, 1, 0, time.UTC),
		Hash:          "aa11",
		Signature:     "c2ln",
		ProjectID:     "p1",
		EnvironmentID: "e1",
	}
}

func TestPostgresInsertEventUniqueViolations(t *testing.T) {
	tests := []struct {
		name       string
		constraint string
		wantCode   event.ErrorCode
	}{
		{"duplicate external id", "idx_audit_events_external_id_stream", event.CodeDuplicateExternalID},
		{"already committed", "audit_events_pkey", event.CodeChainConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, mock, done := newMockStore(t)
			defer done()
			ctx := context.Background()

			mock.ExpectBegin()
			mock.ExpectExec("INSERT INTO audit_events").
				WillReturnError(&pq.Error{Code: "23505", Constraint: tc.constraint})
			mock.ExpectRollback()

			tx, _ := s.Begin(ctx)
			ev := committedEvent()
			ev.ExternalID = "ext-1"
			err := s.InsertEvent(ctx, tx, ev)
			if err == nil {
				t.Fatalf("expected unique violation error")
			}
			if event.CodeOf(err) != tc.wantCode {
				t.Errorf("expected %s, got %s (%v)", tc.wantCode, event.CodeOf(err), err)
			}
			_ = tx.Rollback()
		})
	}
}

func TestPostgresGetEventNotFound(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("SELECT (.+) FROM audit_events").
		WithArgs("missing", "p1", "e1").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetEvent(context.Background(), "missing", "p1", "e1")
	if !errors.Is(err, event.ErrNotFound) {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestPostgresQueryEventsPagination(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows(eventColumnNames)
	for i, id := range []string{
		"0b7e9a01-0000-4000-8000-000000000001",
		"0b7e9a01-0000-4000-8000-000000000002",
		"0b7e9a01-0000-4000-8000-000000000003",
	} {
		rows.AddRow(id, nil, "user.create", "create",
			"u1", nil, nil, nil,
			nil, nil, nil, nil, nil,
			nil, nil,
			nil, nil, nil, nil, false, false,
			nil, nil, at, at.Add(time.Duration(i)*time.Millisecond),
			"h", nil, "s", "p1", "e1")
	}
	mock.ExpectQuery("SELECT (.+) FROM audit_events WHERE project_id").
		WillReturnRows(rows)

	page, err := s.QueryEvents(context.Background(), Filter{
		ProjectID:     "p1",
		EnvironmentID: "e1",
		ActorID:       "u1",
		Limit:         2,
	})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 events for limit 2, got %d", len(page.Events))
	}
	if page.NextCursor == "" {
		t.Errorf("expected next cursor when more rows remain")
	}
	ct, cid, err := decodeCursor(page.NextCursor)
	if err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	last := page.Events[1]
	if !ct.Equal(last.ReceivedAt) || cid != last.ID {
		t.Errorf("cursor does not point at last returned row: %v %s", ct, cid)
	}
}

func TestPostgresQueryEventsRequiresScope(t *testing.T) {
	s, _, done := newMockStore(t)
	defer done()

	_, err := s.QueryEvents(context.Background(), Filter{ProjectID: "p1"})
	if !errors.Is(err, event.ErrContextMissing) {
		t.Errorf("expected context_missing, got %v", err)
	}
}

func TestPostgresMoveToBacklog(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO backlog").
		WithArgs("task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ingest_task SET processed").
		WithArgs("task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.MoveToBacklog(context.Background(), "task-1"); err != nil {
		t.Fatalf("move to backlog: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresMoveToBacklogMissingTask(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO backlog").
		WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.MoveToBacklog(context.Background(), "gone")
	if !errors.Is(err, event.ErrNotFound) {
		t.Errorf("expected not_found for missing task, got %v", err)
	}
}

func TestPostgresFetchBacklogBatchUsesSkipLocked(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	ctx := context.Background()
	received := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(10, 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "project_id", "environment_id", "new_event_id", "received",
			"original_event", "processed", "attempts", "last_attempt", "last_error",
		}).
			AddRow(int64(1), "p1", "e1", "ev-1", received, `{"action":"a.b"}`, false, 0, nil, nil).
			AddRow(int64(2), "p1", "e1", "ev-2", received, `{"action":"a.c"}`, false, 3, received, "timeout"))
	mock.ExpectCommit()

	tx, _ := s.Begin(ctx)
	batch, err := s.FetchBacklogBatch(ctx, tx, 100, 10)
	if err != nil {
		t.Fatalf("fetch backlog batch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(batch))
	}
	if batch[0].ID != 1 || batch[1].Attempts != 3 || batch[1].LastError != "timeout" {
		t.Errorf("rows parsed wrong: %+v %+v", batch[0], batch[1])
	}
	if !batch[0].LastAttempt.IsZero() {
		t.Errorf("expected zero last_attempt for fresh row")
	}
	_ = tx.Commit()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresSealStatsAndMarker(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	ctx := context.Background()
	upTo := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("p1", "e1", upTo).
		WillReturnRows(sqlmock.NewRows([]string{"count", "hash"}).AddRow(int64(7), "tip77"))
	mock.ExpectQuery("INSERT INTO seal_markers").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectCommit()

	tx, _ := s.Begin(ctx)
	count, tip, err := s.SealStats(ctx, tx, "p1", "e1", upTo)
	if err != nil {
		t.Fatalf("seal stats: %v", err)
	}
	if count != 7 || tip != "tip77" {
		t.Errorf("unexpected stats: %d %s", count, tip)
	}
	m := &SealMarker{ProjectID: "p1", EnvironmentID: "e1", UpToTime: upTo, EventCount: count, TipHash: tip, SealedAt: upTo}
	if err := s.InsertSealMarker(ctx, tx, m); err != nil {
		t.Fatalf("insert seal marker: %v", err)
	}
	if m.ID != 3 {
		t.Errorf("expected assigned marker id, got %d", m.ID)
	}
	_ = tx.Commit()
}

func TestPostgresBumpAttempts(t *testing.T) {
	s, mock, done := newMockStore(t)
	defer done()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE backlog SET attempts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, _ := s.Begin(ctx)
	if err := s.BumpAttempts(ctx, tx, 42, "storage_error: insert event"); err != nil {
		t.Fatalf("bump attempts: %v", err)
	}
	_ = tx.Commit()
}
