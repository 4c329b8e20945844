package worm

import (
	"context"
	"os"
	"path/filepath"

	"github.com/vaultline/auditcore/pkg/event"
)

// FilesystemSink stores export objects under a root directory. Writes
// go to a temporary file first and are renamed into place, so a crash
// mid-write never leaves a truncated object.
type FilesystemSink struct {
	root string
}

func NewFilesystemSink(root string) (*FilesystemSink, error) {
	if root == "" {
		return nil, event.E(event.CodeInvalidConfiguration, "worm storage path is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, event.Wrap(event.CodeStorage, "create worm root", err)
	}
	return &FilesystemSink{root: root}, nil
}

func (s *FilesystemSink) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return event.Wrap(event.CodeTimeout, "worm write canceled", err)
	}
	path := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return event.Wrap(event.CodeStorage, "create export directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return event.Wrap(event.CodeStorage, "create export temp file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return event.Wrap(event.CodeStorage, "write export object", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return event.Wrap(event.CodeStorage, "flush export object", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return event.Wrap(event.CodeStorage, "publish export object", err)
	}
	return nil
}
