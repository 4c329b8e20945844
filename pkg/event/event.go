// Package event defines the audit event model, the client submission
// shape, and the error taxonomy shared by every layer of the store.
package event

import (
	"time"

	"github.com/google/uuid"
)

// CRUD classifies the database-style verb of an audit event.
type CRUD string

const (
	CRUDCreate CRUD = "create"
	CRUDRead   CRUD = "read"
	CRUDUpdate CRUD = "update"
	CRUDDelete CRUD = "delete"
)

// Valid reports whether c is one of the four allowed verbs.
func (c CRUD) Valid() bool {
	switch c {
	case CRUDCreate, CRUDRead, CRUDUpdate, CRUDDelete:
		return true
	}
	return false
}

// Actor identifies the principal that performed an action.
type Actor struct {
	ID     string            `json:"id,omitempty"`
	Name   string            `json:"name,omitempty"`
	Href   string            `json:"href,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Target identifies the entity an action was performed on.
type Target struct {
	ID     string            `json:"id,omitempty"`
	Name   string            `json:"name,omitempty"`
	Href   string            `json:"href,omitempty"`
	Type   string            `json:"type,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Group scopes an event to an organizational unit.
type Group struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Submission is the client-supplied portion of an event. Identity,
// server time, chain links and the signature are assigned at commit.
type Submission struct {
	ID         string `json:"id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`

	Action string `json:"action"`
	CRUD   CRUD   `json:"crud"`

	Actor  Actor  `json:"actor,omitempty"`
	Target Target `json:"target,omitempty"`
	Group  Group  `json:"group,omitempty"`

	Description string            `json:"description,omitempty"`
	Component   string            `json:"component,omitempty"`
	Version     string            `json:"version,omitempty"`
	SourceIP    string            `json:"source_ip,omitempty"`
	IsAnonymous bool              `json:"is_anonymous,omitempty"`
	IsFailure   bool              `json:"is_failure,omitempty"`
	Fields      map[string]any    `json:"fields,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// CreatedAt lets clients backfill event time. Zero means "now".
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Event is a committed audit event. Rows are immutable once written;
// the chain fields bind each event to its predecessor in the stream.
type Event struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id,omitempty"`

	Action string `json:"action"`
	CRUD   CRUD   `json:"crud"`

	ActorID     string            `json:"actor_id,omitempty"`
	ActorName   string            `json:"actor_name,omitempty"`
	ActorHref   string            `json:"actor_href,omitempty"`
	ActorFields map[string]string `json:"actor_fields,omitempty"`

	TargetID     string            `json:"target_id,omitempty"`
	TargetName   string            `json:"target_name,omitempty"`
	TargetHref   string            `json:"target_href,omitempty"`
	TargetType   string            `json:"target_type,omitempty"`
	TargetFields map[string]string `json:"target_fields,omitempty"`

	GroupID   string `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`

	Description string `json:"description,omitempty"`
	Component   string `json:"component,omitempty"`
	Version     string `json:"version,omitempty"`
	SourceIP    string `json:"source_ip,omitempty"`
	IsAnonymous bool   `json:"is_anonymous"`
	IsFailure   bool   `json:"is_failure"`

	Fields map[string]any `json:"fields,omitempty"`

	// Metadata is internal bookkeeping; it is excluded from the
	// canonical form and never participates in hash or signature.
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ReceivedAt time.Time `json:"received_at"`

	Hash string `json:"hash,omitempty"`
	// PreviousHash is empty only for the genesis event of a stream.
	PreviousHash string `json:"previous_hash,omitempty"`
	Signature    string `json:"signature,omitempty"`

	ProjectID     string `json:"project_id"`
	EnvironmentID string `json:"environment_id"`
}

// Event flattens a submission into an uncommitted event scoped to the
// given stream. Chain fields, ReceivedAt and (if absent) ID stay unset
// for the chain engine to assign.
func (s *Submission) Event(projectID, environmentID string) *Event {
	return &Event{
		ID:            s.ID,
		ExternalID:    s.ExternalID,
		Action:        s.Action,
		CRUD:          s.CRUD,
		ActorID:       s.Actor.ID,
		ActorName:     s.Actor.Name,
		ActorHref:     s.Actor.Href,
		ActorFields:   s.Actor.Fields,
		TargetID:      s.Target.ID,
		TargetName:    s.Target.Name,
		TargetHref:    s.Target.Href,
		TargetType:    s.Target.Type,
		TargetFields:  s.Target.Fields,
		GroupID:       s.Group.ID,
		GroupName:     s.Group.Name,
		Description:   s.Description,
		Component:     s.Component,
		Version:       s.Version,
		SourceIP:      s.SourceIP,
		IsAnonymous:   s.IsAnonymous,
		IsFailure:     s.IsFailure,
		Fields:        s.Fields,
		Metadata:      s.Metadata,
		CreatedAt:     s.CreatedAt,
		ProjectID:     projectID,
		EnvironmentID: environmentID,
	}
}

// NewID returns a fresh UUID v4 event id.
func NewID() string {
	return uuid.NewString()
}

// TruncateMillis normalizes a timestamp to UTC millisecond precision,
// the resolution every persisted and canonicalized time carries.
func TruncateMillis(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// StreamKey renders the (project, environment) pair events chain under.
type StreamKey struct {
	ProjectID     string
	EnvironmentID string
}

func (k StreamKey) String() string {
	return k.ProjectID + "/" + k.EnvironmentID
}
