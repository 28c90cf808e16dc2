//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStoreConfig points the archive at a Cloud Storage bucket.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// GCSStore archives reports in Cloud Storage.
type GCSStore struct {
	remote
	client *storage.Client
}

// NewGCSStore authenticates with application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs client: %w", err)
	}
	objs := gcsObjects{bucket: client.Bucket(cfg.Bucket)}
	return &GCSStore{remote: remote{objs: objs, prefix: cfg.Prefix, kind: "gcs"}, client: client}, nil
}

// Close releases the client's connections.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

type gcsObjects struct {
	bucket *storage.BucketHandle
}

func (o gcsObjects) stat(ctx context.Context, key string) (bool, error) {
	_, err := o.bucket.Object(key).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	}
	return false, err
}

func (o gcsObjects) fetch(ctx context.Context, key string) ([]byte, error) {
	rd, err := o.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errMissing
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rd.Close() }()
	return io.ReadAll(rd)
}

// upload only creates the object if it is absent, so concurrent exporters
// of the same report cannot clobber each other.
func (o gcsObjects) upload(ctx context.Context, key string, data []byte) error {
	w := o.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = reportContentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
