package local

import (
	"context"
	stderrors "errors"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/objectfs/storagehub/internal/resolver"
	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// Probe gives the validator bucket and object access to a local root. A
// bucket is a directory directly under the root.
type Probe struct {
	fs   afero.Fs
	root string
}

// NewProbe returns a probe over root on fsys, or the OS filesystem when fsys is nil.
func NewProbe(fsys afero.Fs, root string) *Probe {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Probe{fs: fsys, root: filepath.Clean(root)}
}

func (p *Probe) ListBuckets(ctx context.Context) ([]string, error) {
	entries, err := afero.ReadDir(p.fs, p.root)
	if err != nil {
		return nil, p.wrap(err, errors.ErrCodeBadCredentials, "root is not readable")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (p *Probe) HeadBucket(ctx context.Context, bucket string) error {
	info, err := p.fs.Stat(filepath.Join(p.root, bucket))
	if err != nil {
		return p.wrap(err, errors.ErrCodeBucketMissing, "bucket directory is not accessible")
	}
	if !info.IsDir() {
		return errors.Newf(errors.ErrCodeBucketMissing, "%s is not a directory", bucket).WithBackend(string(types.KindLocal))
	}
	return nil
}

func (p *Probe) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	target, err := p.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(p.fs, target, data, filePerm); err != nil {
		return p.wrap(err, errors.ErrCodeBackendCall, "write failed")
	}
	return nil
}

func (p *Probe) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	target, err := p.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(p.fs, target)
	if err != nil {
		return nil, p.wrap(err, errors.ErrCodeBackendCall, "read failed")
	}
	return data, nil
}

func (p *Probe) DeleteObject(ctx context.Context, bucket, key string) error {
	target, err := p.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if err := p.fs.Remove(target); err != nil {
		return p.wrap(err, errors.ErrCodeBackendCall, "delete failed")
	}
	return nil
}

func (p *Probe) Close() error { return nil }

func (p *Probe) objectPath(bucket, key string) (string, error) {
	clean, err := resolver.Clean(key)
	if err != nil {
		return "", err
	}
	if clean == "" || resolver.Parent(clean) != "" {
		return "", errors.Newf(errors.ErrCodeInvalidPath, "probe key %q must be a single segment", key)
	}
	return filepath.Join(p.root, bucket, clean), nil
}

func (p *Probe) wrap(err error, code errors.ErrorCode, msg string) error {
	switch {
	case stderrors.Is(err, fs.ErrNotExist) && code == errors.ErrCodeBackendCall:
		code = errors.ErrCodeObjectNotFound
	case stderrors.Is(err, fs.ErrPermission):
		code = errors.ErrCodeAccessDenied
	}
	return errors.Wrap(code, err, msg).WithBackend(string(types.KindLocal))
}
