package archive

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Open selects a Store from an archive URL:
//
//	/var/lib/exoskull/archive   or file:///var/lib/exoskull/archive
//	s3://bucket/prefix/         (AWS_REGION, ARCHIVE_S3_ENDPOINT)
//	gs://bucket/prefix/         (requires the gcp build tag)
//
// An empty URL returns a nil Store: exports are disabled.
func Open(ctx context.Context, raw string) (Store, error) {
	if raw == "" {
		return nil, nil
	}
	if !strings.Contains(raw, "://") {
		return NewFileStore(raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("archive: parse url: %w", err)
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	switch u.Scheme {
	case "file":
		return NewFileStore(u.Path)
	case "s3":
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   u.Host,
			Region:   region,
			Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
			Prefix:   prefix,
		})
	case "gs":
		return openGCS(ctx, u.Host, prefix)
	default:
		return nil, fmt.Errorf("archive: unsupported scheme %q", u.Scheme)
	}
}
