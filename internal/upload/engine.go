package upload

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// Transport is the backend side of one upload: either a single put or a
// multipart session. Implementations translate backend failures into
// *errors.StorageError.
type Transport interface {
	PutObject(ctx context.Context, body io.Reader, size int64) error
	CreateMultipartUpload(ctx context.Context) (string, error)
	UploadPart(ctx context.Context, uploadID string, partNumber int32, body []byte) (string, error)
	CompleteMultipartUpload(ctx context.Context, uploadID string, parts []types.PartResult) error
	AbortMultipartUpload(ctx context.Context, uploadID string) error
}

// Observer receives transfer outcomes.
type Observer interface {
	ObserveUpload(backend string, strategy types.UploadStrategy, bytes int64, duration time.Duration, err error)
	ObservePart(backend string, bytes int64, err error)
	ObserveAbort(backend string, err error)
}

// Options configures an Engine.
type Options struct {
	Backend      string
	Limits       Limits
	Workers      int
	PartTimeout  time.Duration
	AbortTimeout time.Duration
	Logger       *zap.Logger
	Observer     Observer
}

const (
	DefaultPartTimeout  = 5 * time.Minute
	DefaultAbortTimeout = 30 * time.Second
)

// Engine chooses between single-shot and multipart transfers and runs the
// multipart path on a bounded worker pool.
type Engine struct {
	backend      string
	limits       Limits
	workers      int
	partTimeout  time.Duration
	abortTimeout time.Duration
	logger       *zap.Logger
	observer     Observer
	uploads      *Manager
}

// NewEngine creates an engine. Zero options take defaults; Workers defaults
// to the number of CPUs.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		backend:      opts.Backend,
		limits:       opts.Limits.Normalized(),
		workers:      opts.Workers,
		partTimeout:  opts.PartTimeout,
		abortTimeout: opts.AbortTimeout,
		logger:       opts.Logger,
		observer:     opts.Observer,
		uploads:      NewManager(),
	}
	if e.workers <= 0 {
		e.workers = runtime.NumCPU()
	}
	if e.partTimeout <= 0 {
		e.partTimeout = DefaultPartTimeout
	}
	if e.abortTimeout <= 0 {
		e.abortTimeout = DefaultAbortTimeout
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Limits returns the normalized limits of the engine.
func (e *Engine) Limits() Limits {
	return e.limits
}

// Uploads returns the in-flight transfer index.
func (e *Engine) Uploads() *Manager {
	return e.uploads
}

// Upload stores size bytes read from body through t. Payloads below the
// threshold go out in one put; everything else is split into parts that are
// read sequentially and sent concurrently.
func (e *Engine) Upload(ctx context.Context, t Transport, key string, body io.Reader, size int64) (types.UploadStrategy, []types.PartResult, error) {
	if size < 0 {
		return "", nil, errors.Newf(errors.ErrCodeInvalidInput, "negative payload size %d", size)
	}
	if body == nil {
		return "", nil, errors.NewError(errors.ErrCodeInvalidInput, "payload body is nil")
	}

	start := time.Now()
	if !e.limits.UseMultipart(size) {
		err := t.PutObject(ctx, ExactReader(body, size), size)
		e.observeUpload(types.StrategySingle, size, time.Since(start), err)
		return types.StrategySingle, nil, err
	}

	parts, err := e.uploadMultipart(ctx, t, key, body, size)
	e.observeUpload(types.StrategyMultipart, size, time.Since(start), err)
	return types.StrategyMultipart, parts, err
}

func (e *Engine) uploadMultipart(ctx context.Context, t Transport, key string, body io.Reader, size int64) ([]types.PartResult, error) {
	plan, err := PlanParts(size, e.limits)
	if err != nil {
		return nil, err
	}

	uploadID, err := t.CreateMultipartUpload(ctx)
	if err != nil {
		return nil, err
	}

	tracker := NewTracker(uploadID, e.backend, key, plan)
	e.uploads.Track(tracker)
	defer e.uploads.Remove(uploadID)

	log := e.logger.With(
		zap.String("key", key),
		zap.String("upload_id", uploadID),
	)
	log.Debug("multipart upload started",
		zap.Int64("size", size),
		zap.Int64("part_size", plan.PartSize),
		zap.Int("parts", plan.PartCount))

	parts, err := e.sendParts(ctx, t, tracker, body, plan)
	if err == nil {
		err = t.CompleteMultipartUpload(ctx, uploadID, parts)
	}
	if err != nil {
		tracker.SetStatus(StatusFailed)
		return nil, e.abort(ctx, t, tracker, log, err)
	}

	tracker.SetStatus(StatusCompleted)
	log.Debug("multipart upload completed", zap.Int("parts", len(parts)))
	return parts, nil
}

// sendParts reads parts in order on the calling goroutine and hands each one
// to the worker group. When every worker is busy the caller uploads the part
// itself, which keeps at most workers+1 part buffers alive.
func (e *Engine) sendParts(ctx context.Context, t Transport, tracker *Tracker, body io.Reader, plan Plan) ([]types.PartResult, error) {
	workers := e.workers
	if plan.PartCount < workers {
		workers = plan.PartCount
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	uploadID := tracker.UploadID()
	var dispatchErr error

	for _, part := range plan.Parts() {
		if gctx.Err() != nil {
			break
		}

		buf := make([]byte, part.Length)
		if n, err := io.ReadFull(body, buf); err != nil {
			dispatchErr = errors.Wrap(errors.ErrCodeSizeMismatch, err,
				fmt.Sprintf("payload ended after %d bytes, expected %d", part.Offset+int64(n), plan.Size))
			break
		}
		if part.Number == int32(plan.PartCount) {
			if err := ExpectEOF(body, plan.Size); err != nil {
				dispatchErr = err
				break
			}
		}

		// Parts run on ctx rather than gctx so a sibling failure stops
		// dispatch without cancelling parts already sent.
		task := func() error {
			pctx, cancel := context.WithTimeout(ctx, e.partTimeout)
			defer cancel()

			etag, err := t.UploadPart(pctx, uploadID, part.Number, buf)
			e.observePart(part.Length, err)
			if err != nil {
				tracker.MarkPartFailed(part.Number, err)
				return err
			}
			tracker.MarkPartCompleted(part.Number, part.Length, etag)
			return nil
		}

		if !g.TryGo(task) {
			if err := task(); err != nil {
				dispatchErr = err
				break
			}
		}
	}

	waitErr := g.Wait()
	if dispatchErr != nil {
		return nil, dispatchErr
	}
	if waitErr != nil {
		return nil, waitErr
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeBackendCall, err, "multipart upload cancelled")
	}

	parts := tracker.CompletedParts()
	if len(parts) != plan.PartCount {
		return nil, errors.Newf(errors.ErrCodePartCountMismatch,
			"%d of %d parts acknowledged", len(parts), plan.PartCount).
			WithContext("upload_id", uploadID)
	}
	return parts, nil
}

// abort releases the backend session. The abort runs on a detached context
// so a cancelled caller still cleans up; its failure is joined to cause.
func (e *Engine) abort(ctx context.Context, t Transport, tracker *Tracker, log *zap.Logger, cause error) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.abortTimeout)
	defer cancel()

	err := t.AbortMultipartUpload(actx, tracker.UploadID())
	if e.observer != nil {
		e.observer.ObserveAbort(e.backend, err)
	}
	if err != nil {
		log.Error("failed to abort multipart upload",
			zap.Error(err),
			zap.NamedError("cause", cause),
			zap.Int("completed_parts", tracker.Completed()))
		return stderrors.Join(cause, fmt.Errorf("abort multipart upload %s: %w", tracker.UploadID(), err))
	}

	tracker.SetStatus(StatusAborted)
	log.Warn("multipart upload aborted",
		zap.Error(cause),
		zap.Int("completed_parts", tracker.Completed()))
	return cause
}

func (e *Engine) observeUpload(strategy types.UploadStrategy, size int64, d time.Duration, err error) {
	if e.observer != nil {
		e.observer.ObserveUpload(e.backend, strategy, size, d, err)
	}
}

func (e *Engine) observePart(size int64, err error) {
	if e.observer != nil {
		e.observer.ObservePart(e.backend, size, err)
	}
}
