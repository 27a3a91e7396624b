package s3

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/objectfs/storagehub/internal/logging"
	"github.com/objectfs/storagehub/internal/resolver"
	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// GenerateDownloadLink returns a presigned GET that makes browsers save the
// object as downloadName.
func (b *Backend) GenerateDownloadLink(ctx context.Context, objectKey, downloadName string) (string, error) {
	loc, err := b.storedObject(objectKey)
	if err != nil {
		return "", err
	}
	if downloadName == "" {
		downloadName = resolver.Base(loc.Key)
	}
	return b.presign(ctx, "download_link", loc, AttachmentDisposition(downloadName))
}

// GeneratePreviewLink returns a presigned GET served inline.
func (b *Backend) GeneratePreviewLink(ctx context.Context, objectKey string) (string, error) {
	loc, err := b.storedObject(objectKey)
	if err != nil {
		return "", err
	}
	return b.presign(ctx, "preview_link", loc, "inline")
}

func (b *Backend) presign(ctx context.Context, operation string, loc types.Location, disposition string) (string, error) {
	done, err := b.begin()
	if err != nil {
		return "", err
	}
	defer done()

	start := time.Now()
	var link string
	err = b.pool.With(ctx, func(c *Client) error {
		req, err := c.Presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket:                     aws.String(loc.Bucket),
			Key:                        aws.String(loc.Key),
			ResponseContentDisposition: aws.String(disposition),
		}, s3.WithPresignExpires(b.linkTTL))
		if err != nil {
			return translateError(err, b.kind, operation, loc)
		}
		link = req.URL
		return nil
	})
	b.metrics.RecordOperation(string(b.kind), operation, time.Since(start), err)
	return link, err
}

// OpenStream serves an object through the calling process. The borrowed
// client returns to the pool when the body is closed, and Close waits for
// open streams.
func (b *Backend) OpenStream(ctx context.Context, objectKey string) (*types.ObjectStream, error) {
	if !b.profile.DirectStream {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "%s does not support direct streaming", b.kind)
	}
	loc, err := b.storedObject(objectKey)
	if err != nil {
		return nil, err
	}

	done, err := b.begin()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	c, err := b.pool.Acquire(ctx)
	if err != nil {
		done()
		b.metrics.RecordOperation(string(b.kind), "open_stream", time.Since(start), err)
		return nil, err
	}

	var out *s3.GetObjectOutput
	err = b.retryer.Do(ctx, func(ctx context.Context) error {
		return b.guard(ctx, func(ctx context.Context) error {
			o, err := c.API.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(loc.Bucket),
				Key:    aws.String(loc.Key),
			})
			if err != nil {
				return translateError(err, b.kind, "open_stream", loc)
			}
			out = o
			return nil
		})
	})
	b.metrics.RecordOperation(string(b.kind), "open_stream", time.Since(start), err)
	if err != nil {
		b.pool.Release(c)
		done()
		return nil, err
	}

	b.logger.Debug("streaming object", logging.Bucket(loc.Bucket), logging.Key(loc.Key))
	release := func() {
		b.pool.Release(c)
		done()
	}
	return &types.ObjectStream{
		Body:         &releasingBody{ReadCloser: out.Body, release: release},
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// storedObject validates a stored key and places it in the private bucket.
func (b *Backend) storedObject(objectKey string) (types.Location, error) {
	clean, err := resolver.Clean(objectKey)
	if err != nil {
		return types.Location{}, err
	}
	if clean == "" || clean != objectKey {
		return types.Location{}, errors.Newf(errors.ErrCodeInvalidPath, "%q is not a stored object key", objectKey)
	}
	return types.Location{Bucket: b.resolver.Buckets().Private, Key: clean}, nil
}

type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (r *releasingBody) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.release)
	return err
}

// AttachmentDisposition builds an RFC 6266 attachment header value with an
// RFC 5987 encoded file name.
func AttachmentDisposition(name string) string {
	return "attachment; filename*=UTF-8''" + encodeExtValue(name)
}

func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0x0f])
	}
	return sb.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
