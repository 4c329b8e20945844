// Package seal freezes stream prefixes and exports sealed ranges to
// WORM storage. A seal marker declares every event at or before its
// up-to time immutable; the store layer rejects any rewrite under the
// latest marker. Sealing never touches event rows.
package seal

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/vaultline/auditcore/pkg/event"
	"github.com/vaultline/auditcore/pkg/store"
	"github.com/vaultline/auditcore/pkg/worm"
)

// objectTimeFormat renders window bounds inside export object names.
// Compact ISO-8601, no colons, safe for every sink.
const objectTimeFormat = "20060102T150405.000Z"

// Options configure a Sealer.
type Options struct {
	// Sink receives WORM exports. Nil disables export.
	Sink worm.Sink
	// PartitionDays chunks exports into windows, default 7.
	PartitionDays int
}

const DefaultPartitionDays = 7

// Sealer writes seal markers and runs WORM exports.
type Sealer struct {
	store  store.Store
	sink   worm.Sink
	window time.Duration
	logger *slog.Logger
}

// New builds a Sealer over the store.
func New(st store.Store, opts Options) *Sealer {
	days := opts.PartitionDays
	if days <= 0 {
		days = DefaultPartitionDays
	}
	return &Sealer{
		store:  st,
		sink:   opts.Sink,
		window: time.Duration(days) * 24 * time.Hour,
		logger: slog.Default().With("component", "seal"),
	}
}

// Seal marks every event of the stream with received_at <= upTo
// immutable. The count and tip hash are read under the stream lock, so
// a concurrent append cannot slip under the marker. Returns the
// written marker; its EventCount is the number of sealed events.
func (s *Sealer) Seal(ctx context.Context, projectID, environmentID string, upTo time.Time) (*store.SealMarker, error) {
	if projectID == "" || environmentID == "" {
		return nil, event.ErrContextMissing
	}
	upTo = event.TruncateMillis(upTo)

	// Markers must advance: a marker at or before the latest one would
	// shadow it in covering lookups without sealing anything new.
	latest, err := s.store.LatestSeal(ctx, projectID, environmentID)
	if err != nil {
		return nil, err
	}
	if latest != nil && !upTo.After(latest.UpToTime) {
		return nil, event.Ef(event.CodeValidation,
			"seal up-to %s does not advance past the latest marker at %s",
			upTo.UTC().Format(time.RFC3339Nano), latest.UpToTime.UTC().Format(time.RFC3339Nano))
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.store.LockStream(ctx, tx, projectID, environmentID); err != nil {
		return nil, err
	}
	count, tipHash, err := s.store.SealStats(ctx, tx, projectID, environmentID, upTo)
	if err != nil {
		return nil, err
	}
	marker := &store.SealMarker{
		ProjectID:     projectID,
		EnvironmentID: environmentID,
		UpToTime:      upTo,
		EventCount:    count,
		TipHash:       tipHash,
		SealedAt:      event.TruncateMillis(time.Now()),
	}
	if err := s.store.InsertSealMarker(ctx, tx, marker); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, event.Wrap(event.CodeStorage, "commit seal", err)
	}
	s.logger.InfoContext(ctx, "stream sealed",
		"stream", projectID+"/"+environmentID,
		"up_to", marker.UpToTime, "events", count)
	return marker, nil
}

// Export streams [start, end] of the stream to the WORM sink in chain
// order, one object per partition window. Every record carries the
// seal marker covering its event at export time. Object names are a
// pure function of (stream, window), so re-export overwrites the same
// objects with the same content. Returns the number of exported
// events.
func (s *Sealer) Export(ctx context.Context, projectID, environmentID string, start, end time.Time) (int, error) {
	if projectID == "" || environmentID == "" {
		return 0, event.ErrContextMissing
	}
	if s.sink == nil {
		return 0, event.E(event.CodeInvalidConfiguration, "worm export is not configured")
	}
	if end.Before(start) {
		return 0, event.E(event.CodeValidation, "export range end precedes start")
	}
	markers, err := s.store.ListSealMarkers(ctx, projectID, environmentID)
	if err != nil {
		return 0, err
	}

	// Stored received_at has millisecond precision; aligning the window
	// origin to it keeps consecutive [winStart, winStart+window-1ms]
	// windows gap-free for every event the range can contain.
	start = event.TruncateMillis(start)

	exported := 0
	for winStart := start; !winStart.After(end); winStart = winStart.Add(s.window) {
		winEnd := winStart.Add(s.window - time.Millisecond)
		if winEnd.After(end) {
			winEnd = end
		}
		n, err := s.exportWindow(ctx, projectID, environmentID, winStart, winEnd, markers)
		if err != nil {
			return exported, err
		}
		exported += n
	}
	return exported, nil
}

func (s *Sealer) exportWindow(ctx context.Context, projectID, environmentID string, start, end time.Time, markers []*store.SealMarker) (int, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	records := 0
	err := s.store.ExportRange(ctx, projectID, environmentID, start, end, func(ev *event.Event) error {
		records++
		return enc.Encode(worm.Record{Event: ev, Seal: covering(markers, ev.ReceivedAt)})
	})
	if err != nil {
		return 0, err
	}
	if records == 0 {
		return 0, nil
	}
	name := projectID + "/" + environmentID + "/" +
		start.UTC().Format(objectTimeFormat) + "_" + end.UTC().Format(objectTimeFormat) + ".ndjson"
	if err := worm.WriteObject(ctx, s.sink, name, buf.Bytes(), records); err != nil {
		return 0, err
	}
	s.logger.InfoContext(ctx, "range exported",
		"stream", projectID+"/"+environmentID, "object", name, "events", records)
	return records, nil
}

// covering returns the tightest seal marker whose up-to time includes
// receivedAt, nil when the event is unsealed. Markers arrive in
// ascending up-to order.
func covering(markers []*store.SealMarker, receivedAt time.Time) *store.SealMarker {
	for _, m := range markers {
		if !receivedAt.After(m.UpToTime) {
			return m
		}
	}
	return nil
}
