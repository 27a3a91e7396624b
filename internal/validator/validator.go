// Package validator tests a backend configuration against the live service
// before it may become active.
package validator

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/objectfs/storagehub/internal/logging"
	"github.com/objectfs/storagehub/internal/storage/s3"
	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// DefaultTimeout bounds each validation step.
const DefaultTimeout = 10 * time.Second

// MarkerPrefix names the objects written by the write/read/delete steps.
const MarkerPrefix = ".storagehub-probe-"

// Target is the raw bucket and object access a validation needs.
type Target interface {
	ListBuckets(ctx context.Context) ([]string, error)
	HeadBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, data []byte) error
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	Close() error
}

// TargetFactory opens a Target for a configuration that passed the
// structural checks.
type TargetFactory func(ctx context.Context, cfg types.BackendConfig) (Target, error)

// Options configures a Validator.
type Options struct {
	Timeout        time.Duration
	ConnectTimeout time.Duration
	Factory        TargetFactory
	Logger         *zap.Logger
}

// Validator runs the ordered connection test of a configuration.
type Validator struct {
	timeout time.Duration
	factory TargetFactory
	logger  *zap.Logger
}

// New creates a validator. Without a factory, targets are S3 probes.
func New(opts Options) *Validator {
	v := &Validator{
		timeout: opts.Timeout,
		factory: opts.Factory,
		logger:  opts.Logger,
	}
	if v.timeout <= 0 {
		v.timeout = DefaultTimeout
	}
	if v.factory == nil {
		connect, request := opts.ConnectTimeout, v.timeout
		v.factory = func(ctx context.Context, cfg types.BackendConfig) (Target, error) {
			return s3.NewProbe(ctx, cfg, connect, request)
		}
	}
	if v.logger == nil {
		v.logger = logging.Named("validator")
	}
	return v
}

// CheckStructure verifies that cfg names a remote kind and carries every
// field that kind needs.
func CheckStructure(cfg types.BackendConfig) error {
	kind, err := types.ParseBackendKind(string(cfg.Kind))
	if err != nil {
		return errors.Wrap(errors.ErrCodeMalformedConfig, err, "unknown backend kind")
	}
	if !kind.IsRemote() {
		return errors.NewError(errors.ErrCodeMalformedConfig, "the local backend takes no stored configuration")
	}
	profile, err := s3.ProfileFor(kind)
	if err != nil {
		return err
	}
	cfg.Kind = kind
	return profile.CheckConfig(cfg)
}

type step struct {
	name   string
	bucket string
	code   errors.ErrorCode
	run    func(ctx context.Context) error
}

// Test runs the structural checks and then, in order, authentication,
// bucket existence and a write/read/delete round trip per distinct bucket.
// The first failing step aborts the test with that step's error code.
func (v *Validator) Test(ctx context.Context, cfg types.BackendConfig) error {
	if err := CheckStructure(cfg); err != nil {
		return err
	}
	logger := v.logger.With(logging.Backend(string(cfg.Kind)), logging.ConfigID(cfg.ID))

	var target Target
	err := v.bounded(ctx, func(ctx context.Context) error {
		var err error
		target, err = v.factory(ctx, cfg)
		return err
	})
	if err != nil {
		if _, ok := errors.As(err); ok {
			return err
		}
		return errors.Wrap(errors.ErrCodeMalformedConfig, err, "failed to open a connection").WithBackend(string(cfg.Kind))
	}
	defer func() { _ = target.Close() }()

	marker := MarkerPrefix + uuid.NewString()
	content := []byte("storagehub connection test " + marker)

	steps := []step{{
		name: "authenticate",
		code: errors.ErrCodeBadCredentials,
		run: func(ctx context.Context) error {
			_, err := target.ListBuckets(ctx)
			return err
		},
	}}
	for _, bucket := range cfg.Buckets() {
		steps = append(steps, step{
			name:   "bucket " + bucket,
			bucket: bucket,
			code:   errors.ErrCodeBucketMissing,
			run:    func(ctx context.Context) error { return target.HeadBucket(ctx, bucket) },
		})
	}
	for _, bucket := range cfg.Buckets() {
		steps = append(steps,
			step{
				name: "write " + bucket,
				code: errors.ErrCodeWriteDenied,
				run:  func(ctx context.Context) error { return target.PutObject(ctx, bucket, marker, content) },
			},
			step{
				name: "read " + bucket,
				code: errors.ErrCodeReadDenied,
				run: func(ctx context.Context) error {
					got, err := target.GetObject(ctx, bucket, marker)
					if err != nil {
						v.cleanup(target, bucket, marker, logger)
						return err
					}
					if !bytes.Equal(got, content) {
						v.cleanup(target, bucket, marker, logger)
						return fmt.Errorf("marker content differs: read %d bytes, wrote %d", len(got), len(content))
					}
					return nil
				},
			},
			step{
				name: "delete " + bucket,
				code: errors.ErrCodeDeleteDenied,
				run:  func(ctx context.Context) error { return target.DeleteObject(ctx, bucket, marker) },
			},
		)
	}

	for _, s := range steps {
		start := time.Now()
		if err := v.bounded(ctx, s.run); err != nil {
			logger.Warn("connection test failed", zap.String("step", s.name), logging.Err(err))
			return stepError(s, cfg, err)
		}
		logger.Debug("connection test step passed", zap.String("step", s.name), zap.Duration("duration", time.Since(start)))
	}
	logger.Info("connection test passed", zap.Int("buckets", len(cfg.Buckets())))
	return nil
}

func (v *Validator) bounded(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	return fn(ctx)
}

func (v *Validator) cleanup(target Target, bucket, marker string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()
	if err := target.DeleteObject(ctx, bucket, marker); err != nil {
		logger.Warn("failed to remove probe marker", logging.Bucket(bucket), logging.Key(marker), logging.Err(err))
	}
}

func stepError(s step, cfg types.BackendConfig, cause error) error {
	code := s.code
	if code == errors.ErrCodeBadCredentials && unreachable(cause) {
		code = errors.ErrCodeUnreachable
	}
	e := errors.Wrap(code, cause, fmt.Sprintf("connection test failed at %s", s.name)).
		WithBackend(string(cfg.Kind)).
		WithOperation("validate").
		WithContext("config_id", cfg.ID).
		WithContext("step", s.name)
	if s.bucket != "" {
		e = e.WithContext("bucket", s.bucket)
	}
	return e
}

// unreachable reports whether cause means the service never answered, as
// opposed to answering with a rejection.
func unreachable(cause error) bool {
	return errors.CodeOf(cause) == errors.ErrCodeNetwork || stderrors.Is(cause, context.DeadlineExceeded)
}
