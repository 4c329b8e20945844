package worm

import (
	"context"

	"cloud.google.com/go/storage"

	"github.com/vaultline/auditcore/pkg/event"
)

// GCSSink writes export objects to a Google Cloud Storage bucket.
// Credentials come from application default credentials.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	if bucket == "" {
		return nil, event.E(event.CodeInvalidConfiguration, "gcs sink requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, event.Wrap(event.CodeInvalidConfiguration, "create gcs client", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSSink) Put(ctx context.Context, name string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(s.prefix + name).NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return event.Wrap(event.CodeStorage, "gcs write", err)
	}
	if err := w.Close(); err != nil {
		return event.Wrap(event.CodeStorage, "gcs close", err)
	}
	return nil
}

func (s *GCSSink) Close() error { return s.client.Close() }
