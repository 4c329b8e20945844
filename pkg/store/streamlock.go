package store

import (
	"context"
	"sync"

	"github.com/vaultline/auditcore/pkg/event"
)

// streamLocks serializes chain appends per stream for backends without
// advisory locks (SQLite, in-memory). Each stream owns a one-slot
// channel; waiting honors context cancellation.
type streamLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newStreamLocks() *streamLocks {
	return &streamLocks{slots: make(map[string]chan struct{})}
}

func (l *streamLocks) acquire(ctx context.Context, projectID, environmentID string) (func(), error) {
	key := projectID + "\x00" + environmentID
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, event.Wrap(event.CodeTimeout, "waiting for stream lock", ctx.Err())
	}
}
