package s3

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/objectfs/storagehub/internal/logging"
	"github.com/objectfs/storagehub/internal/upload"
	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// objectTransport carries one upload to a single bucket and key.
type objectTransport struct {
	b           *Backend
	loc         types.Location
	contentType string
}

var _ upload.Transport = (*objectTransport)(nil)

// PutObject buffers the body so a retried request can resend it.
func (t *objectTransport) PutObject(ctx context.Context, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return errors.Wrap(errors.ErrCodeSizeMismatch, err, "failed to read payload").
			WithBackend(string(t.b.kind))
	}
	if int64(len(data)) != size {
		return errors.Newf(errors.ErrCodeSizeMismatch, "payload ended after %d of %d bytes", len(data), size).
			WithBackend(string(t.b.kind)).
			WithContext("key", t.loc.Key)
	}

	return t.b.call(ctx, "put_object", t.loc, func(ctx context.Context, c *Client) error {
		_, err := c.API.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(t.loc.Bucket),
			Key:           aws.String(t.loc.Key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(size),
			ContentType:   aws.String(t.contentType),
		})
		return err
	})
}

func (t *objectTransport) CreateMultipartUpload(ctx context.Context) (string, error) {
	var uploadID string
	err := t.b.call(ctx, "create_multipart_upload", t.loc, func(ctx context.Context, c *Client) error {
		out, err := c.API.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(t.loc.Bucket),
			Key:         aws.String(t.loc.Key),
			ContentType: aws.String(t.contentType),
		})
		if err != nil {
			return err
		}
		uploadID = aws.ToString(out.UploadId)
		return nil
	})
	if err != nil {
		return "", err
	}
	t.b.logger.Info("multipart upload initiated",
		logging.Bucket(t.loc.Bucket), logging.Key(t.loc.Key), zap.String("upload_id", uploadID))
	return uploadID, nil
}

func (t *objectTransport) UploadPart(ctx context.Context, uploadID string, partNumber int32, body []byte) (string, error) {
	var etag string
	err := t.b.call(ctx, "upload_part", t.loc, func(ctx context.Context, c *Client) error {
		out, err := c.API.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(t.loc.Bucket),
			Key:           aws.String(t.loc.Key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(body),
			ContentLength: aws.Int64(int64(len(body))),
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	return etag, err
}

func (t *objectTransport) CompleteMultipartUpload(ctx context.Context, uploadID string, parts []types.PartResult) error {
	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, s3types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}

	err := t.b.call(ctx, "complete_multipart_upload", t.loc, func(ctx context.Context, c *Client) error {
		_, err := c.API.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(t.loc.Bucket),
			Key:             aws.String(t.loc.Key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
		})
		return err
	})
	if err != nil {
		return err
	}
	t.b.logger.Info("multipart upload completed",
		logging.Bucket(t.loc.Bucket), logging.Key(t.loc.Key),
		zap.String("upload_id", uploadID), zap.Int("parts", len(parts)))
	return nil
}

func (t *objectTransport) AbortMultipartUpload(ctx context.Context, uploadID string) error {
	err := t.b.call(ctx, "abort_multipart_upload", t.loc, func(ctx context.Context, c *Client) error {
		_, err := c.API.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(t.loc.Bucket),
			Key:      aws.String(t.loc.Key),
			UploadId: aws.String(uploadID),
		})
		return err
	})
	if err == nil {
		t.b.logger.Warn("multipart upload aborted",
			logging.Bucket(t.loc.Bucket), logging.Key(t.loc.Key), zap.String("upload_id", uploadID))
	}
	return err
}
