// Package s3 implements pkg/objectstore.Store against an S3-compatible
// bucket: GetLogs downloads and splits the object on newlines,
// UploadLogParts downloads the existing object (treating a missing key
// as empty), appends the new lines, and re-uploads the whole thing.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wobcom/vicky/pkg/apperr"
	"github.com/wobcom/vicky/pkg/objectstore"
)

// Client is an objectstore.Store backed by an S3-compatible bucket.
type Client struct {
	inner  *s3.Client
	bucket string
}

// New wraps an already-configured *s3.Client for the given bucket.
func New(inner *s3.Client, bucket string) *Client {
	return &Client{inner: inner, bucket: bucket}
}

// EnsureBucket creates the bucket if it does not already exist, so the
// server can fail fast at startup rather than on the first log upload.
func (c *Client) EnsureBucket(ctx context.Context) error {
	_, err := c.inner.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}
	_, err = c.inner.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}

	// Another process may have raced us to create the bucket between our
	// HeadBucket and CreateBucket calls; both of these mean it exists now,
	// which is exactly what EnsureBucket promises its caller.
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &exists) {
		return nil
	}
	return apperr.Wrap(apperr.KindInternal, err, "create log bucket %s", c.bucket)
}

func (c *Client) GetLogs(ctx context.Context, taskID string) ([]string, error) {
	key := objectstore.LogObjectKey(taskID)

	out, err := c.inner.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindInternal, err, "get logs for %s", taskID)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "read logs for %s", taskID)
	}
	return strings.FieldsFunc(string(data), func(r rune) bool { return r == '\n' || r == '\r' }), nil
}

func (c *Client) UploadLogParts(ctx context.Context, taskID string, lines []string) error {
	key := objectstore.LogObjectKey(taskID)

	var existing []byte
	out, err := c.inner.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		defer out.Body.Close()
		existing, err = io.ReadAll(out.Body)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "read existing logs for %s", taskID)
		}
	}
	// Any GetObject error (including NoSuchKey) is treated as "starts
	// empty".

	var buf bytes.Buffer
	buf.Write(existing)
	buf.WriteString(strings.Join(lines, "\n"))
	buf.WriteByte('\n')

	_, err = c.inner.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "upload logs for %s", taskID)
	}
	return nil
}
