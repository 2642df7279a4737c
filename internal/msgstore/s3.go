package msgstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const htmlContentType = "text/html; charset=utf-8"

// objectAPI is the part of *s3.Client the store calls.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store keeps each body as an object named <prefix>/<id>.html.
type S3Store struct {
	api    objectAPI
	bucket string
	prefix string
}

// NewS3Store wraps api. A non-empty prefix always ends in "/".
func NewS3Store(api objectAPI, bucket, prefix string) *S3Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Store{api: api, bucket: bucket, prefix: prefix}
}

// NewS3StoreFromConfig resolves credentials from the default AWS chain. A
// custom endpoint (MinIO, localstack) switches to path-style addressing.
func NewS3StoreFromConfig(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("msgstore: s3 store requires a bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("msgstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Store(client, cfg.S3Bucket, cfg.S3Prefix), nil
}

func (s *S3Store) key(recordID int64) *string {
	return aws.String(s.prefix + objectName(recordID))
}

func (s *S3Store) Put(ctx context.Context, recordID int64, body string) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         s.key(recordID),
		Body:        strings.NewReader(body),
		ContentType: aws.String(htmlContentType),
	})
	if err != nil {
		return fmt.Errorf("msgstore: s3 put %d: %w", recordID, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, recordID int64) (string, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(recordID),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("msgstore: s3 get %d: %w", recordID, err)
	}
	defer out.Body.Close()

	var sb strings.Builder
	if _, err := io.Copy(&sb, out.Body); err != nil {
		return "", fmt.Errorf("msgstore: s3 read %d: %w", recordID, err)
	}
	return sb.String(), nil
}

// Delete relies on S3 treating a missing key as success.
func (s *S3Store) Delete(ctx context.Context, recordID int64) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(recordID),
	})
	if err != nil {
		return fmt.Errorf("msgstore: s3 delete %d: %w", recordID, err)
	}
	return nil
}
