// Package store adapts the object store to an S3-compatible endpoint
// via aws-sdk-go-v2: paginated list, HEAD-as-existence-check, GET to a
// local file, PUT from a local file, with bounded retry.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/MorrisSimons/podcast-transcriber/internal/config"
	"github.com/MorrisSimons/podcast-transcriber/internal/errs"
	"github.com/MorrisSimons/podcast-transcriber/pkg/logger"
)

const (
	maxAttempts = 5
	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second

	// transferTimeout bounds one GET or PUT, retries included; an audio
	// blob that cannot move in this window fails the attempt and the job
	// is abandoned for redelivery.
	transferTimeout = 10 * time.Minute
)

// Store is the object store port the lifecycle controller and producer
// depend on. Unexported fields keep the Client usable only through this
// adapter's retry/error-classification wrapper.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// New builds a Store from the resolved configuration. A custom endpoint
// (MinIO, Ceph, or any S3-compatible service) switches the client to
// path-style addressing.
func New(ctx context.Context, cfg *config.Config) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, &errs.ConfigError{Var: "S3_*", Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3Endpoint != ""
	})

	return &Store{client: client, bucket: cfg.S3Bucket, prefix: cfg.S3Prefix}, nil
}

// Iterator is the lazy, paginated scan over keys that List returns. Next
// yields (key, true) while more entries remain, and (_, false) once the
// underlying pages are exhausted or an error occurs; call Err after
// iteration stops to distinguish the two.
type Iterator struct {
	paginator *s3.ListObjectsV2Paginator
	page      []string
	idx       int
	err       error
}

// Next advances the iterator, fetching the next page from the store when
// the current page is exhausted. It is not safe for concurrent use.
func (it *Iterator) Next(ctx context.Context) (string, bool) {
	for it.idx >= len(it.page) {
		if !it.paginator.HasMorePages() {
			return "", false
		}
		out, err := withRetry(ctx, func() (*s3.ListObjectsV2Output, error) {
			return it.paginator.NextPage(ctx)
		})
		if err != nil {
			it.err = &errs.StoreError{Op: "list", Sub: classify(err), Err: err}
			return "", false
		}
		it.page = it.page[:0]
		for _, obj := range out.Contents {
			it.page = append(it.page, aws.ToString(obj.Key))
		}
		it.idx = 0
	}
	key := it.page[it.idx]
	it.idx++
	return key, true
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// List starts a new restartable scan rooted at prefix (joined with the
// store's configured key prefix, if any).
func (s *Store) List(ctx context.Context, prefix string) *Iterator {
	fullPrefix := path.Join(s.prefix, prefix)
	if fullPrefix == "." {
		fullPrefix = ""
	}
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fullPrefix),
	})
	return &Iterator{paginator: p}
}

// Head reports whether key exists. Any error other than "not found" is
// returned as a StoreError; the caller must treat that as fatal for the
// call, per spec.
func (s *Store) Head(ctx context.Context, key string) (bool, error) {
	_, err := withRetry(ctx, func() (*s3.HeadObjectOutput, error) {
		return s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, &errs.StoreError{Op: "head", Key: key, Sub: classify(err), Err: err}
}

// Get downloads key to localPath using a <path>.part sibling, renamed
// into place once the transfer completes. The rename is atomic on the
// same filesystem, so readers never see a half-written file.
func (s *Store) Get(ctx context.Context, key, localPath string) error {
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &errs.StoreError{Op: "get", Key: key, Sub: "mkdir", Err: err}
	}

	partPath := localPath + ".part"
	out, err := withRetry(ctx, func() (*s3.GetObjectOutput, error) {
		return s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	})
	if err != nil {
		return &errs.StoreError{Op: "get", Key: key, Sub: classify(err), Err: err}
	}
	defer out.Body.Close()

	f, err := os.Create(partPath)
	if err != nil {
		return &errs.StoreError{Op: "get", Key: key, Sub: "create", Err: err}
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(partPath)
		return &errs.StoreError{Op: "get", Key: key, Sub: "copy", Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(partPath)
		return &errs.StoreError{Op: "get", Key: key, Sub: "close", Err: err}
	}
	if err := os.Rename(partPath, localPath); err != nil {
		return &errs.StoreError{Op: "get", Key: key, Sub: "rename", Err: err}
	}
	return nil
}

// Put uploads localPath to key as a single call. aws-sdk-go-v2's s3
// client handles large-payload multipart internally when configured with
// a manager; here payloads are small transcript text files so a plain
// PutObject suffices.
func (s *Store) Put(ctx context.Context, key, localPath string) error {
	ctx, cancel := context.WithTimeout(ctx, transferTimeout)
	defer cancel()

	f, err := os.Open(localPath)
	if err != nil {
		return &errs.StoreError{Op: "put", Key: key, Sub: "open", Err: err}
	}
	defer f.Close()

	_, err = withRetry(ctx, func() (*s3.PutObjectOutput, error) {
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			return nil, serr
		}
		return s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   f,
		})
	})
	if err != nil {
		return &errs.StoreError{Op: "put", Key: key, Sub: classify(err), Err: err}
	}
	return nil
}

// withRetry runs op with bounded exponential backoff: up to maxAttempts
// attempts, delay doubling from backoffBase and capped at backoffCap.
// Context cancellation aborts the wait immediately.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := backoffBase

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			logger.Debug("store retry", "attempt", attempt, "delay", delay.String())
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > backoffCap {
				delay = backoffCap
			}
		}

		result, err := op()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if isNotFound(err) {
			return zero, err
		}
		if !isTransient(err) {
			return zero, err
		}
	}
	return zero, &errs.Transient{Op: fmt.Sprintf("exhausted %d attempts", maxAttempts), Err: lastErr}
}

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}

func isTransient(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "RequestTimeout", "SlowDown", "ThrottlingException", "InternalError", "ServiceUnavailable":
			return true
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func classify(err error) string {
	switch {
	case isNotFound(err):
		return "not-found"
	case isTransient(err):
		return "transient"
	default:
		return "fatal"
	}
}
