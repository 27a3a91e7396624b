package s3

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/objectfs/storagehub/pkg/types"
)

// Probe issues the raw calls the config validator needs, on a dedicated
// client outside any pool, retry or breaker.
type Probe struct {
	kind   types.BackendKind
	client *Client
}

// NewProbe creates a probe for a configuration that has not been activated.
func NewProbe(ctx context.Context, cfg types.BackendConfig, connectTimeout, requestTimeout time.Duration) (*Probe, error) {
	profile, err := ProfileFor(cfg.Kind)
	if err != nil {
		return nil, err
	}
	client, err := NewClientFactory(cfg, profile, 0, connectTimeout, requestTimeout).Create(ctx)
	if err != nil {
		return nil, err
	}
	return NewProbeWithClient(cfg.Kind, client), nil
}

// NewProbeWithClient wraps an existing client.
func NewProbeWithClient(kind types.BackendKind, client *Client) *Probe {
	return &Probe{kind: kind, client: client}
}

func (p *Probe) ListBuckets(ctx context.Context) ([]string, error) {
	out, err := p.client.API.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, translateError(err, p.kind, "list_buckets", types.Location{})
	}
	names := make([]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		names = append(names, aws.ToString(b.Name))
	}
	return names, nil
}

func (p *Probe) HeadBucket(ctx context.Context, bucket string) error {
	_, err := p.client.API.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	return translateError(err, p.kind, "head_bucket", types.Location{Bucket: bucket})
}

func (p *Probe) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := p.client.API.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return translateError(err, p.kind, "put_object", types.Location{Bucket: bucket, Key: key})
}

func (p *Probe) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	loc := types.Location{Bucket: bucket, Key: key}
	out, err := p.client.API.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translateError(err, p.kind, "get_object", loc)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, translateError(err, p.kind, "get_object", loc)
	}
	return data, nil
}

func (p *Probe) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := p.client.API.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return translateError(err, p.kind, "delete_object", types.Location{Bucket: bucket, Key: key})
}

func (p *Probe) Close() error {
	return nil
}
