package event

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestSubmissionValidate(t *testing.T) {
	valid := func() *Submission {
		return &Submission{
			Action: "user.create",
			CRUD:   CRUDCreate,
			Actor:  Actor{ID: "u1"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Submission)
		wantErr bool
	}{
		{"valid minimal", func(s *Submission) {}, false},
		{"missing action", func(s *Submission) { s.Action = "" }, true},
		{"action too long", func(s *Submission) { s.Action = strings.Repeat("a", 256) }, true},
		{"bad crud", func(s *Submission) { s.CRUD = "upsert" }, true},
		{"no actor or target", func(s *Submission) { s.Actor = Actor{} }, true},
		{"target only is fine", func(s *Submission) {
			s.Actor = Actor{}
			s.Target = Target{ID: "t1", Type: "user"}
		}, false},
		{"bad uuid", func(s *Submission) { s.ID = "not-a-uuid" }, true},
		{"good uuid", func(s *Submission) { s.ID = "7b8ec279-39b2-4d34-b6a4-0b6e0a48c217" }, false},
		{"nan field", func(s *Submission) { s.Fields = map[string]any{"x": math.NaN()} }, true},
		{"inf in nested field", func(s *Submission) {
			s.Fields = map[string]any{"nest": map[string]any{"y": math.Inf(1)}}
		}, true},
		{"ordinary fields", func(s *Submission) {
			s.Fields = map[string]any{"n": 3.5, "s": "ok", "l": []any{1.0, "two"}}
		}, false},
		{"oversized source_ip", func(s *Submission) { s.SourceIP = strings.Repeat("1", 65) }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := valid()
			tc.mutate(s)
			err := s.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr && CodeOf(err) != CodeValidation {
				t.Errorf("expected validation_error code, got %s", CodeOf(err))
			}
		})
	}
}

func TestDecodeSubmission(t *testing.T) {
	good := `{"action":"user.login","crud":"create","actor":{"id":"u1","name":"Alice"}}`
	sub, err := DecodeSubmission([]byte(good))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if sub.Action != "user.login" || sub.Actor.ID != "u1" {
		t.Errorf("decoded fields wrong: %+v", sub)
	}

	for name, raw := range map[string]string{
		"missing crud":      `{"action":"user.login","actor":{"id":"u1"}}`,
		"bad crud":          `{"action":"a.b","crud":"merge","actor":{"id":"u1"}}`,
		"no actor/target":   `{"action":"a.b","crud":"create"}`,
		"non-string fields": `{"action":"a.b","crud":"create","actor":{"id":"u1"},"metadata":{"k":7}}`,
		"not json":          `{{`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeSubmission([]byte(raw)); err == nil {
				t.Fatalf("expected rejection")
			} else if CodeOf(err) != CodeValidation {
				t.Errorf("expected validation_error, got %s", CodeOf(err))
			}
		})
	}
}

func TestSubmissionFlatten(t *testing.T) {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	sub := &Submission{
		Action:      "doc.update",
		CRUD:        CRUDUpdate,
		Actor:       Actor{ID: "u9", Name: "Nia", Fields: map[string]string{"team": "core"}},
		Target:      Target{ID: "d4", Type: "document"},
		Group:       Group{ID: "g1", Name: "acme"},
		Description: "edited title",
		CreatedAt:   created,
	}
	ev := sub.Event("proj-1", "env-prod")
	if ev.ActorID != "u9" || ev.ActorFields["team"] != "core" {
		t.Errorf("actor not flattened: %+v", ev)
	}
	if ev.TargetType != "document" || ev.GroupName != "acme" {
		t.Errorf("target/group not flattened: %+v", ev)
	}
	if ev.ProjectID != "proj-1" || ev.EnvironmentID != "env-prod" {
		t.Errorf("stream scope not applied: %+v", ev)
	}
	if !ev.CreatedAt.Equal(created) {
		t.Errorf("created_at not preserved")
	}
	if ev.Hash != "" || ev.ReceivedAt != (time.Time{}) {
		t.Errorf("chain fields must stay unset before commit")
	}
}

func TestTruncateMillis(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	in := time.Date(2024, 6, 5, 14, 30, 45, 123_456_789, loc)
	got := TruncateMillis(in)
	if got.Location() != time.UTC {
		t.Errorf("expected UTC, got %v", got.Location())
	}
	if got.Nanosecond() != 123_000_000 {
		t.Errorf("expected millisecond truncation, got %d ns", got.Nanosecond())
	}
}
