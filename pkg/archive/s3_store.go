package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3StoreConfig points the archive at a bucket. Endpoint overrides the AWS
// endpoint for S3-compatible servers and switches to path-style addressing.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// S3Store archives reports in S3.
type S3Store struct {
	remote
}

// NewS3Store resolves credentials through the default AWS chain.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: s3 bucket is required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: aws config: %w", err)
	}
	var optFns []func(*s3.Options)
	if cfg.Endpoint != "" {
		optFns = append(optFns, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	objs := s3Objects{api: s3.NewFromConfig(awsCfg, optFns...), bucket: aws.String(cfg.Bucket)}
	return &S3Store{remote{objs: objs, prefix: cfg.Prefix, kind: "s3"}}, nil
}

type s3Objects struct {
	api    *s3.Client
	bucket *string
}

func (o s3Objects) stat(ctx context.Context, key string) (bool, error) {
	_, err := o.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: o.bucket, Key: aws.String(key)})
	var nf *types.NotFound
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &nf):
		return false, nil
	}
	return false, err
}

func (o s3Objects) fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := o.api.GetObject(ctx, &s3.GetObjectInput{Bucket: o.bucket, Key: aws.String(key)})
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil, errMissing
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

func (o s3Objects) upload(ctx context.Context, key string, data []byte) error {
	_, err := o.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        o.bucket,
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(reportContentType),
	})
	return err
}
