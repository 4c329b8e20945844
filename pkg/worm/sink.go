// Package worm writes exported event ranges to write-once-read-many
// storage. Objects are named deterministically per (stream, range), so
// re-exporting a range overwrites the same object with the same bytes.
package worm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/vaultline/auditcore/pkg/event"
	"github.com/vaultline/auditcore/pkg/store"
)

// Record is one exported event together with the seal marker that
// covered it at export time.
type Record struct {
	Event *event.Event      `json:"event"`
	Seal  *store.SealMarker `json:"seal,omitempty"`
}

// Manifest accompanies every exported object. It is deterministic: the
// same range exported twice yields byte-equal manifests.
type Manifest struct {
	Object  string `json:"object"`
	SHA256  string `json:"sha256"`
	Records int    `json:"records"`
}

// Sink is an append-only object store. Put replaces the named object
// atomically; readers never observe a partial write.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
}

// WriteObject writes an export object and its checksum manifest.
func WriteObject(ctx context.Context, sink Sink, name string, data []byte, records int) error {
	if err := sink.Put(ctx, name, data); err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	manifest, err := json.Marshal(Manifest{
		Object:  name,
		SHA256:  hex.EncodeToString(sum[:]),
		Records: records,
	})
	if err != nil {
		return event.Wrap(event.CodeStorage, "encode export manifest", err)
	}
	return sink.Put(ctx, name+".manifest.json", manifest)
}
