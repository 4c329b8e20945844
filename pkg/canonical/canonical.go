// Package canonical produces the deterministic byte serialization of an
// event's signable fields, following RFC 8785 (JSON Canonicalization
// Scheme). The canonical form is the input to digest and signature
// computation; two structurally equal events always canonicalize to
// byte-equal output regardless of map iteration order or process.
package canonical

import (
	"encoding/json"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/vaultline/auditcore/pkg/event"
)

// TimeFormat is ISO-8601 UTC with millisecond precision. Every
// timestamp inside a canonical payload uses it.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Time renders t in the canonical timestamp form.
func Time(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Payload assembles the signable fields of an event. Absent optionals
// are emitted as explicit nulls, never omitted, so the key set is fixed
// and unambiguous. hash, signature and metadata are excluded.
func Payload(ev *event.Event) map[string]any {
	return map[string]any{
		"id":             ev.ID,
		"external_id":    nullable(ev.ExternalID),
		"action":         ev.Action,
		"crud":           string(ev.CRUD),
		"actor_id":       nullable(ev.ActorID),
		"actor_name":     nullable(ev.ActorName),
		"actor_href":     nullable(ev.ActorHref),
		"actor_fields":   stringMap(ev.ActorFields),
		"target_id":      nullable(ev.TargetID),
		"target_name":    nullable(ev.TargetName),
		"target_href":    nullable(ev.TargetHref),
		"target_type":    nullable(ev.TargetType),
		"target_fields":  stringMap(ev.TargetFields),
		"group_id":       nullable(ev.GroupID),
		"group_name":     nullable(ev.GroupName),
		"description":    nullable(ev.Description),
		"component":      nullable(ev.Component),
		"version":        nullable(ev.Version),
		"source_ip":      nullable(ev.SourceIP),
		"is_anonymous":   ev.IsAnonymous,
		"is_failure":     ev.IsFailure,
		"fields":         anyMap(ev.Fields),
		"created_at":     Time(ev.CreatedAt),
		"received_at":    Time(ev.ReceivedAt),
		"previous_hash":  nullable(ev.PreviousHash),
		"project_id":     ev.ProjectID,
		"environment_id": ev.EnvironmentID,
	}
}

// Bytes returns the RFC 8785 canonical serialization of the signable
// payload. The only failure mode is an unrepresentable value inside
// fields, which surfaces as a validation error.
func Bytes(ev *event.Event) ([]byte, error) {
	raw, err := json.Marshal(Payload(ev))
	if err != nil {
		return nil, event.Wrap(event.CodeValidation, "event has no canonical form", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, event.Wrap(event.CodeValidation, "canonicalization failed", err)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringMap(m map[string]string) any {
	if m == nil {
		return nil
	}
	return m
}

func anyMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}
