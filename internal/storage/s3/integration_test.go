package s3

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/objectfs/storagehub/internal/pool"
	"github.com/objectfs/storagehub/internal/upload"
	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/retry"
	"github.com/objectfs/storagehub/pkg/types"
)

// MinIOSuite runs the adapter against a real MinIO server. It needs
// STORAGEHUB_S3_ENDPOINT and, optionally, STORAGEHUB_S3_ACCESS_KEY,
// STORAGEHUB_S3_SECRET_KEY and STORAGEHUB_S3_BUCKET (default "storagehub-test").
// The bucket must exist.
type MinIOSuite struct {
	suite.Suite
	backend *Backend
	owner   string
}

func TestMinIOSuite(t *testing.T) {
	if os.Getenv("STORAGEHUB_S3_ENDPOINT") == "" {
		t.Skip("STORAGEHUB_S3_ENDPOINT not set")
	}
	suite.Run(t, new(MinIOSuite))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (s *MinIOSuite) SetupSuite() {
	bucket := envOr("STORAGEHUB_S3_BUCKET", "storagehub-test")
	b, err := New(Options{
		Config: types.BackendConfig{
			ID:              "integration",
			Kind:            types.KindMinIO,
			Endpoint:        os.Getenv("STORAGEHUB_S3_ENDPOINT"),
			AccessKeyID:     envOr("STORAGEHUB_S3_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: envOr("STORAGEHUB_S3_SECRET_KEY", "minioadmin"),
			PublicBucket:    bucket,
			PrivateBucket:   bucket,
			UserInfoBucket:  bucket,
		},
		Pool:           pool.DefaultConfig(),
		RequestTimeout: 30 * time.Second,
		Upload: upload.Options{
			Limits: upload.Limits{Threshold: 5 * upload.MiB, MinPartSize: 5 * upload.MiB},
		},
		Retry: retry.DefaultConfig(),
	})
	s.Require().NoError(err)
	s.backend = b
	s.owner = uuid.NewString()
}

func (s *MinIOSuite) TearDownSuite() {
	if s.backend != nil {
		for _, folder := range []string{"docs", "big", "large"} {
			_ = s.backend.DeleteFolder(context.Background(), folder, types.VisibilityPrivate, s.owner)
		}
		s.Require().NoError(s.backend.Close())
	}
}

func (s *MinIOSuite) TestUploadListStreamDelete() {
	ctx := context.Background()
	data := []byte("integration payload")

	res, err := s.backend.Upload(ctx, types.UploadUnit{
		Body: bytes.NewReader(data), Size: int64(len(data)),
		Visibility: types.VisibilityPrivate, OwnerID: s.owner, Path: "docs/readme.txt",
	})
	s.Require().NoError(err)
	s.Equal(s.owner+"/docs/readme.txt", res.Key)

	listing, err := s.backend.ListFolder(ctx, "docs", types.VisibilityPrivate, s.owner)
	s.Require().NoError(err)
	s.Require().Len(listing.Files, 1)
	s.Equal("readme.txt", listing.Files[0].Name)

	stream, err := s.backend.OpenStream(ctx, res.Key)
	s.Require().NoError(err)
	got, err := io.ReadAll(stream.Body)
	s.Require().NoError(err)
	s.Require().NoError(stream.Body.Close())
	s.Equal(data, got)

	link, err := s.backend.GenerateDownloadLink(ctx, res.Key, "readme.txt")
	s.Require().NoError(err)
	s.Contains(link, "response-content-disposition")

	s.Require().NoError(s.backend.DeleteObject(ctx, "docs/readme.txt", types.VisibilityPrivate, s.owner))
	err = s.backend.DeleteObject(ctx, "docs/readme.txt", types.VisibilityPrivate, s.owner)
	s.True(errors.IsKind(err, errors.KindObjectNotFound))
}

func (s *MinIOSuite) TestMultipartUpload() {
	ctx := context.Background()
	data := payload(12 * upload.MiB)

	res, err := s.backend.Upload(ctx, types.UploadUnit{
		Body: bytes.NewReader(data), Size: int64(len(data)),
		Visibility: types.VisibilityPrivate, OwnerID: s.owner, Path: "big/blob.bin",
	})
	s.Require().NoError(err)
	s.Equal(types.StrategyMultipart, res.Strategy)
	s.Equal(3, res.Parts)

	s.Require().NoError(s.backend.Rename(ctx, "big", "large", types.VisibilityPrivate, s.owner))
	listing, err := s.backend.ListFolder(ctx, "large", types.VisibilityPrivate, s.owner)
	s.Require().NoError(err)
	s.Require().Len(listing.Files, 1)
	s.Equal(int64(len(data)), listing.Files[0].Size)
}
