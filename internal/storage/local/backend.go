package local

import (
	"context"
	stderrors "errors"
	"io"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/objectfs/storagehub/internal/logging"
	"github.com/objectfs/storagehub/internal/metrics"
	"github.com/objectfs/storagehub/internal/resolver"
	"github.com/objectfs/storagehub/internal/upload"
	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

const (
	// DefaultThreshold is the payload size from which writes stream through
	// a fixed buffer instead of being read in one piece.
	DefaultThreshold = 5 << 20

	copyBufferSize = 8 * 1024
	tempPrefix     = ".storagehub-tmp-"

	dirPerm  = 0o750
	filePerm = 0o640
)

// Options configures the local backend.
type Options struct {
	Fs             afero.Fs // defaults to the OS filesystem
	Root           string
	Buckets        types.BucketSet
	ReservedPrefix string
	LinkBaseURL    string
	Threshold      int64
	Metrics        *metrics.Collector
	Logger         *zap.Logger
}

// Backend stores objects as files under {root}/{bucket}/{key}.
type Backend struct {
	fs        afero.Fs
	root      string
	resolver  *resolver.Resolver
	linkBase  string
	threshold int64
	metrics   *metrics.Collector
	logger    *zap.Logger
	closed    atomic.Bool
}

var (
	_ types.Backend        = (*Backend)(nil)
	_ types.DirectStreamer = (*Backend)(nil)
)

// New creates the local backend and the bucket directories.
func New(opts Options) (*Backend, error) {
	if opts.Root == "" {
		return nil, errors.NewError(errors.ErrCodeMalformedConfig, "local root is required").WithBackend(string(types.KindLocal))
	}
	buckets := opts.Buckets
	if buckets.Public == "" || buckets.Private == "" || buckets.UserInfo == "" {
		return nil, errors.NewError(errors.ErrCodeMalformedConfig, "local backend needs public, private and user-info buckets").
			WithBackend(string(types.KindLocal))
	}

	b := &Backend{
		fs:        opts.Fs,
		root:      filepath.Clean(opts.Root),
		resolver:  resolver.New(buckets, opts.ReservedPrefix),
		linkBase:  strings.TrimRight(opts.LinkBaseURL, "/"),
		threshold: opts.Threshold,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if b.fs == nil {
		b.fs = afero.NewOsFs()
	}
	if b.threshold <= 0 {
		b.threshold = DefaultThreshold
	}
	if b.logger == nil {
		b.logger = logging.Named("local")
	}
	b.logger = b.logger.With(logging.Backend(string(types.KindLocal)))

	for _, bucket := range []string{buckets.Public, buckets.Private, buckets.UserInfo} {
		if err := b.fs.MkdirAll(filepath.Join(b.root, bucket), dirPerm); err != nil {
			return nil, errors.Wrap(errors.ErrCodeBucketMissing, err, "failed to create bucket directory").
				WithBackend(string(types.KindLocal)).
				WithContext("bucket", bucket)
		}
	}
	return b, nil
}

func (b *Backend) Kind() types.BackendKind { return types.KindLocal }

func (b *Backend) SupportsDirectStream() bool { return true }

// Close marks the backend closed. The local backend is a process-wide
// singleton, so it is never closed by a switch.
func (b *Backend) Close() error {
	b.closed.Store(true)
	return nil
}

// Upload writes unit to a temp file next to its destination and renames it
// into place once the declared size has been written.
func (b *Backend) Upload(ctx context.Context, unit types.UploadUnit) (res *types.UploadResult, err error) {
	start := time.Now()
	defer func() {
		b.metrics.ObserveUpload(string(types.KindLocal), types.StrategySingle, unit.Size, time.Since(start), err)
	}()

	if unit.Size < 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidInput, "negative payload size %d", unit.Size)
	}
	if unit.Body == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidInput, "payload body is nil")
	}
	loc, err := b.locate(unit.Path, unit.Visibility, unit.OwnerID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeBackendCall, err, "upload cancelled").WithBackend(string(types.KindLocal))
	}

	target := b.filePath(loc)
	if err := b.writeAtomic(ctx, target, unit.Body, unit.Size); err != nil {
		b.logger.Error("upload failed", logging.Bucket(loc.Bucket), logging.Key(loc.Key), logging.Err(err))
		return nil, err
	}

	b.logger.Debug("upload stored", logging.Bucket(loc.Bucket), logging.Key(loc.Key), zap.Int64("size", unit.Size))
	return &types.UploadResult{
		Kind:     types.KindLocal,
		Bucket:   loc.Bucket,
		Key:      loc.Key,
		Size:     unit.Size,
		Strategy: types.StrategySingle,
	}, nil
}

func (b *Backend) writeAtomic(ctx context.Context, target string, body io.Reader, size int64) (err error) {
	dir := filepath.Dir(target)
	if info, statErr := b.fs.Stat(target); statErr == nil && info.IsDir() {
		return errors.Newf(errors.ErrCodeInvalidInput, "%s is a folder", filepath.Base(target))
	}
	if err := b.fs.MkdirAll(dir, dirPerm); err != nil {
		return b.ioError(err, "create_folder", target)
	}

	tmp, err := afero.TempFile(b.fs, dir, tempPrefix+"*")
	if err != nil {
		return b.ioError(err, "upload", target)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			if rmErr := b.fs.Remove(tmpName); rmErr != nil && !stderrors.Is(rmErr, fs.ErrNotExist) {
				b.logger.Warn("failed to remove temp file", zap.String("path", tmpName), logging.Err(rmErr))
			}
		}
	}()

	var written int64
	src := upload.ExactReader(body, size)
	if size < b.threshold {
		var data []byte
		if data, err = io.ReadAll(src); err != nil {
			return errors.Wrap(errors.ErrCodeSizeMismatch, err, "failed to read payload")
		}
		var n int
		n, err = tmp.Write(data)
		written = int64(n)
	} else {
		// Hide WriterTo/ReaderFrom so the copy goes through the fixed buffer.
		written, err = io.CopyBuffer(struct{ io.Writer }{tmp}, struct{ io.Reader }{src}, make([]byte, copyBufferSize))
	}
	if err != nil {
		return errors.Wrap(errors.ErrCodeSizeMismatch, err, "payload copy failed").
			WithBackend(string(types.KindLocal))
	}
	if written != size {
		err = errors.Newf(errors.ErrCodeSizeMismatch, "payload ended after %d of %d bytes", written, size).
			WithBackend(string(types.KindLocal))
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = errors.Wrap(errors.ErrCodeBackendCall, ctxErr, "upload cancelled").WithBackend(string(types.KindLocal))
		return err
	}
	if err = tmp.Sync(); err != nil {
		return b.ioError(err, "upload", target)
	}
	if err = tmp.Close(); err != nil {
		return b.ioError(err, "upload", target)
	}
	if err = b.fs.Rename(tmpName, target); err != nil {
		return b.ioError(err, "upload", target)
	}
	return nil
}

// CreateFolder creates the folder directory; existing folders are kept.
func (b *Backend) CreateFolder(ctx context.Context, folderPath string, visibility types.Visibility, ownerID string) error {
	loc, err := b.locate(folderPath, visibility, ownerID)
	if err != nil {
		return err
	}
	return b.observe("create_folder", func() error {
		if err := b.fs.MkdirAll(b.filePath(loc), dirPerm); err != nil {
			return b.ioError(err, "create_folder", loc.Key)
		}
		return nil
	})
}

// DeleteObject removes one file; a missing file or a folder is ObjectNotFound.
func (b *Backend) DeleteObject(ctx context.Context, objectPath string, visibility types.Visibility, ownerID string) error {
	loc, err := b.locate(objectPath, visibility, ownerID)
	if err != nil {
		return err
	}
	return b.observe("delete_object", func() error {
		p := b.filePath(loc)
		info, err := b.fs.Stat(p)
		if err != nil || info.IsDir() {
			return b.notFound(loc)
		}
		if err := b.fs.Remove(p); err != nil {
			return b.ioError(err, "delete_object", loc.Key)
		}
		return nil
	})
}

// DeleteFolder removes a folder and everything below it.
func (b *Backend) DeleteFolder(ctx context.Context, folderPath string, visibility types.Visibility, ownerID string) error {
	loc, err := b.locate(folderPath, visibility, ownerID)
	if err != nil {
		return err
	}
	return b.observe("delete_folder", func() error {
		p := b.filePath(loc)
		info, err := b.fs.Stat(p)
		if err != nil || !info.IsDir() {
			return b.notFound(loc)
		}
		if err := b.fs.RemoveAll(p); err != nil {
			return b.ioError(err, "delete_folder", loc.Key)
		}
		return nil
	})
}

// Move renames a file, or every file under a folder, within one namespace.
func (b *Backend) Move(ctx context.Context, srcPath, dstPath string, visibility types.Visibility, ownerID string) error {
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

	return b.observe("move", func() error {
		from, to := b.filePath(src), b.filePath(dst)
		info, err := b.fs.Stat(from)
		if err != nil {
			return b.notFound(src)
		}
		if !info.IsDir() {
			if err := b.fs.MkdirAll(filepath.Dir(to), dirPerm); err != nil {
				return b.ioError(err, "move", dst.Key)
			}
			if err := b.fs.Rename(from, to); err != nil {
				return b.ioError(err, "move", dst.Key)
			}
			return nil
		}
		if strings.HasPrefix(dst.Key+"/", src.Key+"/") {
			return errors.Newf(errors.ErrCodeInvalidInput, "cannot move folder %q into itself", srcPath)
		}
		return b.moveTree(from, to)
	})
}

// moveTree moves a directory file by file, so it works on every afero
// filesystem, then removes the emptied source.
func (b *Backend) moveTree(from, to string) error {
	err := afero.Walk(b.fs, from, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, p)
		if err != nil {
			return err
		}
		target := filepath.Join(to, rel)
		if info.IsDir() {
			return b.fs.MkdirAll(target, dirPerm)
		}
		return b.fs.Rename(p, target)
	})
	if err != nil {
		return b.ioError(err, "move", to)
	}
	if err := b.fs.RemoveAll(from); err != nil {
		return b.ioError(err, "move", from)
	}
	return nil
}

// Rename moves a file or folder to newName inside the same parent.
func (b *Backend) Rename(ctx context.Context, objectPath, newName string, visibility types.Visibility, ownerID string) error {
	if err := resolver.ValidateName(newName); err != nil {
		return err
	}
	clean, err := resolver.Clean(objectPath)
	if err != nil {
		return err
	}
	return b.Move(ctx, clean, path.Join(resolver.Parent(clean), newName), visibility, ownerID)
}

// ListFolder returns the direct children of a folder. Temp files of
// in-progress uploads are never listed.
func (b *Backend) ListFolder(ctx context.Context, folderPath string, visibility types.Visibility, ownerID string) (*types.Listing, error) {
	if !visibility.Valid() {
		return nil, invalidVisibility(visibility)
	}
	loc, err := b.resolver.ResolveFolder(folderPath, visibility, ownerID)
	if err != nil {
		return nil, err
	}

	listing := &types.Listing{}
	err = b.observe("list_folder", func() error {
		entries, err := afero.ReadDir(b.fs, b.filePath(loc))
		if err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return b.ioError(err, "list_folder", loc.Key)
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), tempPrefix) {
				continue
			}
			if e.IsDir() {
				listing.Folders = append(listing.Folders, types.FolderEntry{Name: e.Name(), Key: loc.Key + e.Name() + "/"})
				continue
			}
			listing.Files = append(listing.Files, types.FileEntry{
				Name:         e.Name(),
				Key:          loc.Key + e.Name(),
				Size:         e.Size(),
				LastModified: e.ModTime(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// GenerateDownloadLink returns a link under the configured base URL that
// asks the file server for an attachment named downloadName.
func (b *Backend) GenerateDownloadLink(ctx context.Context, objectKey, downloadName string) (string, error) {
	loc, err := b.existingObject(objectKey)
	if err != nil {
		return "", err
	}
	if downloadName == "" {
		downloadName = resolver.Base(loc.Key)
	}
	q := url.Values{}
	q.Set("download", downloadName)
	return b.objectURL(loc) + "?" + q.Encode(), nil
}

// GeneratePreviewLink returns the plain object URL under the base URL.
func (b *Backend) GeneratePreviewLink(ctx context.Context, objectKey string) (string, error) {
	loc, err := b.existingObject(objectKey)
	if err != nil {
		return "", err
	}
	return b.objectURL(loc), nil
}

// OpenStream opens a stored private object for reading.
func (b *Backend) OpenStream(ctx context.Context, objectKey string) (*types.ObjectStream, error) {
	loc, err := b.existingObject(objectKey)
	if err != nil {
		return nil, err
	}
	f, err := b.fs.Open(b.filePath(loc))
	if err != nil {
		return nil, b.ioError(err, "open_stream", loc.Key)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, b.ioError(err, "open_stream", loc.Key)
	}
	return &types.ObjectStream{
		Body:         f,
		Size:         info.Size(),
		ContentType:  contentType(loc.Key),
		LastModified: info.ModTime(),
	}, nil
}

func (b *Backend) existingObject(objectKey string) (types.Location, error) {
	clean, err := resolver.Clean(objectKey)
	if err != nil {
		return types.Location{}, err
	}
	if clean == "" || clean != objectKey {
		return types.Location{}, errors.Newf(errors.ErrCodeInvalidPath, "%q is not a stored object key", objectKey)
	}
	loc := types.Location{Bucket: b.resolver.Buckets().Private, Key: clean}
	info, err := b.fs.Stat(b.filePath(loc))
	if err != nil || info.IsDir() {
		return types.Location{}, b.notFound(loc)
	}
	return loc, nil
}

func (b *Backend) objectURL(loc types.Location) string {
	segments := strings.Split(loc.Key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return b.linkBase + "/" + url.PathEscape(loc.Bucket) + "/" + strings.Join(segments, "/")
}

func (b *Backend) locate(p string, visibility types.Visibility, ownerID string) (types.Location, error) {
	if !visibility.Valid() {
		return types.Location{}, invalidVisibility(visibility)
	}
	return b.resolver.Resolve(p, visibility, ownerID)
}

func (b *Backend) filePath(loc types.Location) string {
	return filepath.Join(b.root, loc.Bucket, filepath.FromSlash(strings.TrimSuffix(loc.Key, "/")))
}

func (b *Backend) observe(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	b.metrics.RecordOperation(string(types.KindLocal), operation, time.Since(start), err)
	return err
}

func (b *Backend) notFound(loc types.Location) error {
	return errors.Newf(errors.ErrCodeObjectNotFound, "%s does not exist", loc.Key).
		WithBackend(string(types.KindLocal)).
		WithContext("bucket", loc.Bucket)
}

func (b *Backend) ioError(err error, operation, key string) error {
	if stderrors.Is(err, fs.ErrNotExist) {
		return errors.Wrap(errors.ErrCodeObjectNotFound, err, "no such file").
			WithBackend(string(types.KindLocal)).WithOperation(operation)
	}
	if stderrors.Is(err, fs.ErrPermission) {
		return errors.Wrap(errors.ErrCodeAccessDenied, err, "permission denied").
			WithBackend(string(types.KindLocal)).WithOperation(operation)
	}
	return errors.Wrap(errors.ErrCodeBackendCall, err, "filesystem call failed").
		WithBackend(string(types.KindLocal)).
		WithOperation(operation).
		WithContext("key", key)
}

func invalidVisibility(v types.Visibility) error {
	return errors.Newf(errors.ErrCodeInvalidVisibility, "unsupported visibility %s", v)
}

func contentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
