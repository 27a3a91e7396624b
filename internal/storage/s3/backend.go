package s3

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/objectfs/storagehub/internal/circuit"
	"github.com/objectfs/storagehub/internal/logging"
	"github.com/objectfs/storagehub/internal/metrics"
	"github.com/objectfs/storagehub/internal/pool"
	"github.com/objectfs/storagehub/internal/resolver"
	"github.com/objectfs/storagehub/internal/upload"
	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/retry"
	"github.com/objectfs/storagehub/pkg/types"
)

// DefaultLinkTTL is the lifetime of presigned links when none is configured.
const DefaultLinkTTL = 15 * time.Minute

// DefaultDrainTimeout bounds how long Close waits for in-flight calls.
const DefaultDrainTimeout = 10 * time.Minute

// maxDeleteBatch is the DeleteObjects limit of the S3 API.
const maxDeleteBatch = 1000

// Options configures a remote Backend.
type Options struct {
	Config         types.BackendConfig
	ReservedPrefix string

	Pool           pool.Config
	MaxClientAge   time.Duration
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	Upload  upload.Options
	Retry   retry.Config
	Breaker *circuit.Config // nil disables circuit breaking
	LinkTTL time.Duration
	// DrainTimeout bounds how long Close waits for calls already in flight.
	DrainTimeout time.Duration

	Metrics *metrics.Collector
	Logger  *zap.Logger

	// Factory overrides the SDK client factory.
	Factory pool.Factory[*Client]
}

// Backend implements types.Backend for S3-compatible object stores.
type Backend struct {
	kind     types.BackendKind
	name     string
	cfg      types.BackendConfig
	profile  Profile
	resolver *resolver.Resolver

	pool    *pool.Pool[*Client]
	engine  *upload.Engine
	retryer *retry.Retryer
	breaker *circuit.Breaker
	metrics *metrics.Collector
	logger  *zap.Logger
	linkTTL time.Duration

	drainTimeout time.Duration
	lifecycle    sync.RWMutex
	closed       bool
	inflight     sync.WaitGroup
}

var (
	_ types.Backend        = (*Backend)(nil)
	_ types.DirectStreamer = (*Backend)(nil)
)

// New creates a remote backend. It does not contact the service; callers run
// the config validator first.
func New(opts Options) (*Backend, error) {
	profile, err := ProfileFor(opts.Config.Kind)
	if err != nil {
		return nil, err
	}
	if err := profile.CheckConfig(opts.Config); err != nil {
		return nil, err
	}

	name := string(profile.Kind)
	if opts.Config.ID != "" {
		name += "/" + opts.Config.ID
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Named("s3")
	}
	logger = logger.With(logging.Backend(string(profile.Kind)), logging.ConfigID(opts.Config.ID))

	factory := opts.Factory
	if factory == nil {
		factory = NewClientFactory(opts.Config, profile, opts.MaxClientAge, opts.ConnectTimeout, opts.RequestTimeout)
	}
	clients, err := pool.New[*Client](name, opts.Pool, factory, pool.WithObserver[*Client](opts.Metrics))
	if err != nil {
		return nil, err
	}

	uploadOpts := opts.Upload
	uploadOpts.Backend = string(profile.Kind)
	if uploadOpts.Limits.Threshold <= 0 {
		uploadOpts.Limits.Threshold = profile.UploadThreshold(opts.Config)
	}
	uploadOpts.Logger = logger
	uploadOpts.Observer = opts.Metrics

	b := &Backend{
		kind:     profile.Kind,
		name:     name,
		cfg:      opts.Config,
		profile:  profile,
		resolver: resolver.New(opts.Config.BucketSet(), opts.ReservedPrefix),
		pool:     clients,
		engine:   upload.NewEngine(uploadOpts),
		retryer:  retry.New(opts.Retry),
		metrics:  opts.Metrics,
		logger:   logger,
		linkTTL:  opts.LinkTTL,

		drainTimeout: opts.DrainTimeout,
	}
	if b.linkTTL <= 0 {
		b.linkTTL = DefaultLinkTTL
	}
	if b.drainTimeout <= 0 {
		b.drainTimeout = DefaultDrainTimeout
	}
	if opts.Breaker != nil {
		bc := *opts.Breaker
		onChange := bc.OnStateChange
		bc.OnStateChange = func(n string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			b.metrics.SetBreakerState(n, int(to))
			if onChange != nil {
				onChange(n, from, to)
			}
		}
		b.breaker = circuit.New(name, bc)
	}
	return b, nil
}

// Kind returns the backend kind.
func (b *Backend) Kind() types.BackendKind {
	return b.kind
}

// SupportsDirectStream reports whether OpenStream serves this kind.
func (b *Backend) SupportsDirectStream() bool {
	return b.profile.DirectStream
}

// ConfigID returns the id of the configuration the backend was built from.
func (b *Backend) ConfigID() string {
	return b.cfg.ID
}

// PoolStats returns client pool statistics.
func (b *Backend) PoolStats() pool.Stats {
	return b.pool.Stats()
}

// Uploads returns the multipart uploads currently in flight.
func (b *Backend) Uploads() *upload.Manager {
	return b.engine.Uploads()
}

// Close refuses new calls, waits for calls already in flight (including
// open streams) to finish, and then releases the client pool. The wait is
// bounded by the drain timeout.
func (b *Backend) Close() error {
	b.lifecycle.Lock()
	if b.closed {
		b.lifecycle.Unlock()
		return nil
	}
	b.closed = true
	b.lifecycle.Unlock()

	drained := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(b.drainTimeout):
		b.logger.Warn("closing backend with calls still in flight",
			zap.Duration("waited", b.drainTimeout),
			zap.Int("uploads", b.engine.Uploads().Count()))
	}

	b.logger.Info("closing backend", zap.Any("pool", b.pool.Stats()))
	return b.pool.Close()
}

// begin registers one capability call. Close waits for the returned done
// func; a closed backend refuses new calls.
func (b *Backend) begin() (done func(), err error) {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	if b.closed {
		return nil, errors.NewError(errors.ErrCodePoolClosed, "backend is closed").WithBackend(string(b.kind))
	}
	b.inflight.Add(1)
	return b.inflight.Done, nil
}

// Upload stores unit under the key its path and visibility resolve to.
func (b *Backend) Upload(ctx context.Context, unit types.UploadUnit) (*types.UploadResult, error) {
	done, err := b.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	loc, err := b.locate(unit.Path, unit.Visibility, unit.OwnerID)
	if err != nil {
		return nil, err
	}

	t := &objectTransport{
		b:           b,
		loc:         loc,
		contentType: detectContentType(loc.Key, unit.ContentType),
	}
	strategy, parts, err := b.engine.Upload(ctx, t, loc.Key, unit.Body, unit.Size)
	if err != nil {
		b.logger.Error("upload failed",
			logging.Bucket(loc.Bucket), logging.Key(loc.Key),
			zap.Int64("size", unit.Size), logging.Err(err))
		return nil, err
	}

	b.logger.Debug("upload stored",
		logging.Bucket(loc.Bucket), logging.Key(loc.Key),
		zap.Int64("size", unit.Size), zap.String("strategy", string(strategy)))
	return &types.UploadResult{
		Kind:     b.kind,
		Bucket:   loc.Bucket,
		Key:      loc.Key,
		Size:     unit.Size,
		Strategy: strategy,
		Parts:    len(parts),
	}, nil
}

// CreateFolder writes the zero-byte marker object "{key}/".
func (b *Backend) CreateFolder(ctx context.Context, folderPath string, visibility types.Visibility, ownerID string) error {
	done, err := b.begin()
	if err != nil {
		return err
	}
	defer done()

	loc, err := b.locateFolder(folderPath, visibility, ownerID)
	if err != nil {
		return err
	}
	return b.call(ctx, "create_folder", loc, func(ctx context.Context, c *Client) error {
		_, err := c.API.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(loc.Bucket),
			Key:           aws.String(loc.Key),
			Body:          strings.NewReader(""),
			ContentLength: aws.Int64(0),
		})
		return err
	})
}

// DeleteObject removes one object; an absent object is ObjectNotFound.
func (b *Backend) DeleteObject(ctx context.Context, objectPath string, visibility types.Visibility, ownerID string) error {
	done, err := b.begin()
	if err != nil {
		return err
	}
	defer done()

	loc, err := b.locate(objectPath, visibility, ownerID)
	if err != nil {
		return err
	}
	if _, err := b.head(ctx, loc); err != nil {
		return err
	}
	return b.deleteObject(ctx, loc)
}

// DeleteFolder removes every object under the folder prefix, including the
// folder marker. A folder with nothing under it is ObjectNotFound.
func (b *Backend) DeleteFolder(ctx context.Context, folderPath string, visibility types.Visibility, ownerID string) error {
	done, err := b.begin()
	if err != nil {
		return err
	}
	defer done()

	loc, err := b.locateFolder(folderPath, visibility, ownerID)
	if err != nil {
		return err
	}
	keys, err := b.listKeys(ctx, loc)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return errors.Newf(errors.ErrCodeObjectNotFound, "folder %q is empty or does not exist", folderPath).
			WithBackend(string(b.kind)).
			WithContext("bucket", loc.Bucket).
			WithContext("key", loc.Key)
	}
	if err := b.deleteKeys(ctx, loc.Bucket, keys); err != nil {
		return err
	}
	b.logger.Info("folder deleted",
		logging.Bucket(loc.Bucket), logging.Key(loc.Key), zap.Int("objects", len(keys)))
	return nil
}

// Move relocates an object, or every object under a folder, within one
// visibility namespace. Objects are copied before the sources are deleted.
func (b *Backend) Move(ctx context.Context, srcPath, dstPath string, visibility types.Visibility, ownerID string) error {
	done, err := b.begin()
	if err != nil {
		return err
	}
	defer done()
	return b.move(ctx, srcPath, dstPath, visibility, ownerID)
}

func (b *Backend) move(ctx context.Context, srcPath, dstPath string, visibility types.Visibility, ownerID string) error {
	src, err := b.locate(srcPath, visibility, ownerID)
	if err != nil {
		return err
	}
	dst, err := b.locate(dstPath, visibility, ownerID)
	if err != nil {
		return err
	}
	if src.Key == dst.Key {
		return errors.Newf(errors.ErrCodeInvalidInput, "source and destination are the same: %q", srcPath)
	}

	_, err = b.head(ctx, src)
	switch {
	case err == nil:
		if err := b.copyObject(ctx, src, dst); err != nil {
			return err
		}
		return b.deleteObject(ctx, src)
	case !errors.IsKind(err, errors.KindObjectNotFound):
		return err
	}

	// Not an object: try the path as a folder prefix.
	srcPrefix := types.Location{Bucket: src.Bucket, Key: src.Key + "/"}
	dstPrefix := dst.Key + "/"
	if strings.HasPrefix(dstPrefix, srcPrefix.Key) {
		return errors.Newf(errors.ErrCodeInvalidInput, "cannot move folder %q into itself", srcPath)
	}
	keys, err := b.listKeys(ctx, srcPrefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return errors.Newf(errors.ErrCodeObjectNotFound, "%q does not exist", srcPath).
			WithBackend(string(b.kind)).
			WithContext("bucket", src.Bucket).
			WithContext("key", src.Key)
	}
	for _, key := range keys {
		target := types.Location{Bucket: dst.Bucket, Key: dstPrefix + strings.TrimPrefix(key, srcPrefix.Key)}
		if err := b.copyObject(ctx, types.Location{Bucket: src.Bucket, Key: key}, target); err != nil {
			return err
		}
	}
	if err := b.deleteKeys(ctx, src.Bucket, keys); err != nil {
		return err
	}
	b.logger.Info("folder moved",
		logging.Bucket(src.Bucket), zap.String("from", srcPrefix.Key), zap.String("to", dstPrefix),
		zap.Int("objects", len(keys)))
	return nil
}

// Rename moves an object or folder to newName inside the same parent.
func (b *Backend) Rename(ctx context.Context, objectPath, newName string, visibility types.Visibility, ownerID string) error {
	if err := resolver.ValidateName(newName); err != nil {
		return err
	}
	clean, err := resolver.Clean(objectPath)
	if err != nil {
		return err
	}
	done, err := b.begin()
	if err != nil {
		return err
	}
	defer done()
	return b.move(ctx, clean, path.Join(resolver.Parent(clean), newName), visibility, ownerID)
}

// ListFolder returns the direct children of a folder.
func (b *Backend) ListFolder(ctx context.Context, folderPath string, visibility types.Visibility, ownerID string) (*types.Listing, error) {
	done, err := b.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	if !visibility.Valid() {
		return nil, invalidVisibility(visibility)
	}
	loc, err := b.resolver.ResolveFolder(folderPath, visibility, ownerID)
	if err != nil {
		return nil, err
	}

	listing := &types.Listing{}
	err = b.call(ctx, "list_folder", loc, func(ctx context.Context, c *Client) error {
		listing.Files, listing.Folders = nil, nil
		paginator := s3.NewListObjectsV2Paginator(c.API, &s3.ListObjectsV2Input{
			Bucket:    aws.String(loc.Bucket),
			Prefix:    aws.String(loc.Key),
			Delimiter: aws.String("/"),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, p := range page.CommonPrefixes {
				prefix := aws.ToString(p.Prefix)
				listing.Folders = append(listing.Folders, types.FolderEntry{Name: resolver.Base(prefix), Key: prefix})
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if key == loc.Key {
					continue
				}
				listing.Files = append(listing.Files, types.FileEntry{
					Name:         resolver.Base(key),
					Key:          key,
					Size:         aws.ToInt64(obj.Size),
					LastModified: aws.ToTime(obj.LastModified),
					ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// call runs one SDK call with a borrowed client, under the circuit breaker
// and the retry policy, and records it. SDK errors are translated before
// the breaker and retryer see them.
func (b *Backend) call(ctx context.Context, operation string, loc types.Location, fn func(context.Context, *Client) error) error {
	start := time.Now()
	err := b.retryer.Do(ctx, func(ctx context.Context) error {
		return b.guard(ctx, func(ctx context.Context) error {
			return b.pool.With(ctx, func(c *Client) error {
				return translateError(fn(ctx, c), b.kind, operation, loc)
			})
		})
	})
	b.metrics.RecordOperation(string(b.kind), operation, time.Since(start), err)
	return err
}

func (b *Backend) guard(ctx context.Context, fn func(context.Context) error) error {
	if b.breaker == nil {
		return fn(ctx)
	}
	return b.breaker.Execute(ctx, fn)
}

func (b *Backend) locate(p string, visibility types.Visibility, ownerID string) (types.Location, error) {
	if !visibility.Valid() {
		return types.Location{}, invalidVisibility(visibility)
	}
	return b.resolver.Resolve(p, visibility, ownerID)
}

func (b *Backend) locateFolder(p string, visibility types.Visibility, ownerID string) (types.Location, error) {
	if !visibility.Valid() {
		return types.Location{}, invalidVisibility(visibility)
	}
	return b.resolver.ResolvePrefix(p, visibility, ownerID)
}

func (b *Backend) head(ctx context.Context, loc types.Location) (*s3.HeadObjectOutput, error) {
	var out *s3.HeadObjectOutput
	err := b.call(ctx, "head_object", loc, func(ctx context.Context, c *Client) error {
		var err error
		out, err = c.API.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(loc.Bucket),
			Key:    aws.String(loc.Key),
		})
		return err
	})
	return out, err
}

func (b *Backend) deleteObject(ctx context.Context, loc types.Location) error {
	return b.call(ctx, "delete_object", loc, func(ctx context.Context, c *Client) error {
		_, err := c.API.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(loc.Bucket),
			Key:    aws.String(loc.Key),
		})
		return err
	})
}

func (b *Backend) copyObject(ctx context.Context, src, dst types.Location) error {
	return b.call(ctx, "copy_object", dst, func(ctx context.Context, c *Client) error {
		_, err := c.API.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(dst.Bucket),
			Key:        aws.String(dst.Key),
			CopySource: aws.String(copySource(src)),
		})
		return err
	})
}

// listKeys returns every key under a prefix, following continuation tokens.
func (b *Backend) listKeys(ctx context.Context, prefix types.Location) ([]string, error) {
	var keys []string
	err := b.call(ctx, "list_objects", prefix, func(ctx context.Context, c *Client) error {
		keys = keys[:0]
		paginator := s3.NewListObjectsV2Paginator(c.API, &s3.ListObjectsV2Input{
			Bucket: aws.String(prefix.Bucket),
			Prefix: aws.String(prefix.Key),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, obj := range page.Contents {
				keys = append(keys, aws.ToString(obj.Key))
			}
		}
		return nil
	})
	return keys, err
}

// deleteKeys removes keys in batches; a per-key error fails the call.
func (b *Backend) deleteKeys(ctx context.Context, bucket string, keys []string) error {
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))
		batch := make([]s3types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			batch = append(batch, s3types.ObjectIdentifier{Key: aws.String(key)})
		}

		loc := types.Location{Bucket: bucket, Key: keys[start]}
		err := b.call(ctx, "delete_objects", loc, func(ctx context.Context, c *Client) error {
			out, err := c.API.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &s3types.Delete{Objects: batch, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return err
			}
			if len(out.Errors) > 0 {
				first := out.Errors[0]
				return errors.Newf(errors.ErrCodeBackendCall, "%d of %d deletes failed, first %s: %s %s",
					len(out.Errors), len(batch), aws.ToString(first.Key), aws.ToString(first.Code), aws.ToString(first.Message)).
					WithBackend(string(b.kind)).
					WithContext("bucket", bucket)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// copySource builds the URL-escaped "bucket/key" copy source.
func copySource(loc types.Location) string {
	segments := strings.Split(loc.Key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return loc.Bucket + "/" + strings.Join(segments, "/")
}

func invalidVisibility(v types.Visibility) error {
	return errors.Newf(errors.ErrCodeInvalidVisibility, "unsupported visibility %s", v)
}

// detectContentType prefers the declared type, then the key extension.
func detectContentType(key, declared string) string {
	if declared != "" {
		return declared
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (b *Backend) String() string {
	return fmt.Sprintf("s3 backend %s", b.name)
}
