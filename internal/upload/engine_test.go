package upload

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/storagehub/pkg/errors"
	"github.com/objectfs/storagehub/pkg/types"
)

// fakeTransport assembles parts in memory, like a bucket would.
type fakeTransport struct {
	mu        sync.Mutex
	single    []byte
	puts      int
	initiated int
	parts     map[int32][]byte
	attempts  atomic.Int64
	completed []types.PartResult
	aborted   int

	partDelay  func(n int32) time.Duration
	failPart   int32
	failErr    error
	abortErr   error
	inFlight   atomic.Int64
	peakFlight atomic.Int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{parts: make(map[int32][]byte)}
}

func (f *fakeTransport) PutObject(ctx context.Context, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	f.single = data
	return nil
}

func (f *fakeTransport) CreateMultipartUpload(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiated++
	return fmt.Sprintf("upload-%d", f.initiated), nil
}

func (f *fakeTransport) UploadPart(ctx context.Context, uploadID string, n int32, body []byte) (string, error) {
	f.attempts.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peakFlight.Load()
		if cur <= peak || f.peakFlight.CompareAndSwap(peak, cur) {
			break
		}
	}

	if f.partDelay != nil {
		time.Sleep(f.partDelay(n))
	}
	if f.failPart != 0 && n == f.failPart {
		return "", f.failErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[n] = append([]byte(nil), body...)
	return fmt.Sprintf("etag-%d", n), nil
}

func (f *fakeTransport) CompleteMultipartUpload(ctx context.Context, uploadID string, parts []types.PartResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append([]types.PartResult(nil), parts...)
	return nil
}

func (f *fakeTransport) AbortMultipartUpload(ctx context.Context, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
	return f.abortErr
}

func (f *fakeTransport) assembled() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var buf bytes.Buffer
	for _, p := range f.completed {
		buf.Write(f.parts[p.PartNumber])
	}
	return buf.Bytes()
}

func testLimits() Limits {
	return Limits{Threshold: 4 * KiB, MinPartSize: KiB, MaxPartSize: 64 * KiB, MaxParts: 10000}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestPlanParts(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		partSize  int64
		partCount int
	}{
		{"exactly threshold", 5 * MiB, 5 * MiB, 1},
		{"three thresholds", 15 * MiB, 5 * MiB, 3},
		{"one byte over", 5*MiB + 1, 5 * MiB, 2},
		{"clamped up to min", 6 * MiB, 5 * MiB, 2},
		{"grows past min", 10000*5*MiB + 10000, 5*MiB + 1, 10000},
		{"clamped to max", 10000 * 100 * MiB, 100 * MiB, 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := PlanParts(tt.size, DefaultLimits())
			require.NoError(t, err)
			assert.Equal(t, tt.partSize, plan.PartSize)
			assert.Equal(t, tt.partCount, plan.PartCount)
		})
	}
}

func TestPlanPartsRejects(t *testing.T) {
	_, err := PlanParts(0, DefaultLimits())
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, err = PlanParts(10000*100*MiB+1, DefaultLimits())
	assert.Equal(t, errors.ErrCodePayloadTooLarge, errors.CodeOf(err))
}

func TestPlanPartsCoverPayload(t *testing.T) {
	for _, size := range []int64{4 * KiB, 4*KiB + 1, 10*KiB - 1, 37 * KiB, 1 << 20} {
		plan, err := PlanParts(size, testLimits())
		require.NoError(t, err)

		var offset int64
		parts := plan.Parts()
		require.Len(t, parts, plan.PartCount)
		for i, p := range parts {
			assert.Equal(t, int32(i+1), p.Number)
			assert.Equal(t, offset, p.Offset)
			if i < len(parts)-1 {
				assert.Equal(t, plan.PartSize, p.Length)
			} else {
				assert.LessOrEqual(t, p.Length, plan.PartSize)
				assert.Positive(t, p.Length)
			}
			offset += p.Length
		}
		assert.Equal(t, size, offset)
	}
}

func TestUploadThresholdBoundary(t *testing.T) {
	limits := testLimits()
	engine := NewEngine(Options{Limits: limits})

	below := newFakeTransport()
	data := payload(int(limits.Threshold - 1))
	strategy, parts, err := engine.Upload(context.Background(), below, "k", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, types.StrategySingle, strategy)
	assert.Empty(t, parts)
	assert.Equal(t, 1, below.puts)
	assert.Zero(t, below.initiated)
	assert.Equal(t, data, below.single)

	at := newFakeTransport()
	data = payload(int(limits.Threshold))
	strategy, parts, err = engine.Upload(context.Background(), at, "k", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, types.StrategyMultipart, strategy)
	assert.NotEmpty(t, parts)
	assert.Zero(t, at.puts)
	assert.Equal(t, 1, at.initiated)
	assert.Equal(t, data, at.assembled())
}

func TestUploadThreeThresholdsInParts(t *testing.T) {
	limits := Limits{Threshold: 4 * KiB, MinPartSize: 4 * KiB, MaxPartSize: 4 * KiB, MaxParts: 10000}
	engine := NewEngine(Options{Limits: limits, Workers: 4})

	data := payload(int(3 * limits.Threshold))
	tr := newFakeTransport()
	_, parts, err := engine.Upload(context.Background(), tr, "video.mp4", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	require.Len(t, parts, 3)
	var total int64
	for _, p := range parts {
		total += p.Size
	}
	assert.Equal(t, int64(len(data)), total)
	assert.Equal(t, data, tr.assembled())
	assert.Zero(t, tr.aborted)
	assert.Zero(t, engine.Uploads().Count())
}

func TestUploadCompletesPartsInOrder(t *testing.T) {
	engine := NewEngine(Options{Limits: testLimits(), Workers: 8})
	tr := newFakeTransport()
	// earlier parts finish last
	tr.partDelay = func(n int32) time.Duration { return time.Duration(20-n) * time.Millisecond }

	data := payload(int(16 * KiB))
	_, _, err := engine.Upload(context.Background(), tr, "k", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	require.Len(t, tr.completed, 16)
	assert.True(t, sort.SliceIsSorted(tr.completed, func(i, j int) bool {
		return tr.completed[i].PartNumber < tr.completed[j].PartNumber
	}))
	for i, p := range tr.completed {
		assert.Equal(t, int32(i+1), p.PartNumber)
		assert.Equal(t, fmt.Sprintf("etag-%d", i+1), p.ETag)
	}
	assert.Equal(t, data, tr.assembled())
}

func TestUploadBoundsConcurrency(t *testing.T) {
	engine := NewEngine(Options{Limits: testLimits(), Workers: 2})
	tr := newFakeTransport()
	tr.partDelay = func(int32) time.Duration { return 2 * time.Millisecond }

	data := payload(int(24 * KiB))
	_, _, err := engine.Upload(context.Background(), tr, "k", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	// two workers plus the caller running a part itself
	assert.LessOrEqual(t, tr.peakFlight.Load(), int64(3))
	assert.Equal(t, data, tr.assembled())
}

func TestUploadAbortsOnPartFailure(t *testing.T) {
	engine := NewEngine(Options{Limits: testLimits(), Workers: 2})
	tr := newFakeTransport()
	tr.failPart = 2
	tr.failErr = errors.NewError(errors.ErrCodeAccessDenied, "write denied")

	data := payload(int(8 * KiB))
	_, parts, err := engine.Upload(context.Background(), tr, "k", bytes.NewReader(data), int64(len(data)))
	require.Error(t, err)
	assert.Nil(t, parts)
	assert.Equal(t, errors.ErrCodeAccessDenied, errors.CodeOf(err))
	assert.Equal(t, 1, tr.aborted)
	assert.Nil(t, tr.completed)
	assert.Zero(t, engine.Uploads().Count())
}

func TestUploadStopsDispatchAfterFailure(t *testing.T) {
	engine := NewEngine(Options{Limits: testLimits(), Workers: 2})
	tr := newFakeTransport()
	tr.failPart = 1
	tr.failErr = errors.NewError(errors.ErrCodeNetwork, "connection reset")
	tr.partDelay = func(n int32) time.Duration {
		if n == 1 {
			return 0
		}
		return 5 * time.Millisecond
	}

	data := payload(int(64 * KiB))
	_, _, err := engine.Upload(context.Background(), tr, "k", bytes.NewReader(data), int64(len(data)))
	require.Error(t, err)
	assert.Less(t, tr.attempts.Load(), int64(64))
	assert.Equal(t, 1, tr.aborted)
}

func TestUploadShortBody(t *testing.T) {
	engine := NewEngine(Options{Limits: testLimits()})
	tr := newFakeTransport()

	data := payload(int(6 * KiB))
	_, _, err := engine.Upload(context.Background(), tr, "k", bytes.NewReader(data), int64(len(data))+KiB)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeSizeMismatch, errors.CodeOf(err))
	assert.True(t, errors.IsKind(err, errors.KindTransferIncomplete))
	assert.Equal(t, 1, tr.aborted)
	assert.Nil(t, tr.completed)
}

func TestUploadLongBody(t *testing.T) {
	engine := NewEngine(Options{Limits: testLimits(), Workers: 2})

	single := newFakeTransport()
	data := payload(100)
	_, _, err := engine.Upload(context.Background(), single, "k", bytes.NewReader(data), 50)
	assert.Equal(t, errors.ErrCodeSizeMismatch, errors.CodeOf(err))
	assert.Zero(t, single.puts)

	multi := newFakeTransport()
	data = payload(int(9 * KiB))
	_, _, err = engine.Upload(context.Background(), multi, "k", bytes.NewReader(data), 8*KiB)
	assert.Equal(t, errors.ErrCodeSizeMismatch, errors.CodeOf(err))
	assert.True(t, errors.IsKind(err, errors.KindTransferIncomplete))
	assert.Equal(t, 1, multi.aborted)
	assert.Nil(t, multi.completed)
	assert.Zero(t, engine.Uploads().Count())
}

func TestUploadAbortFailureKeepsCause(t *testing.T) {
	engine := NewEngine(Options{Limits: testLimits(), Workers: 1})
	tr := newFakeTransport()
	tr.failPart = 1
	tr.failErr = errors.NewError(errors.ErrCodeThrottled, "slow down")
	tr.abortErr = stderrors.New("abort rejected")

	data := payload(int(4 * KiB))
	_, _, err := engine.Upload(context.Background(), tr, "k", bytes.NewReader(data), int64(len(data)))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeThrottled, errors.CodeOf(err))
	assert.ErrorIs(t, err, tr.abortErr)
	assert.Contains(t, err.Error(), "abort multipart upload upload-1")
}

func TestUploadAbortSurvivesCancelledCaller(t *testing.T) {
	engine := NewEngine(Options{Limits: testLimits(), Workers: 1})
	tr := newFakeTransport()

	ctx, cancel := context.WithCancel(context.Background())
	tr.failPart = 1
	tr.failErr = errors.NewError(errors.ErrCodeNetwork, "reset")
	tr.partDelay = func(int32) time.Duration {
		cancel()
		return 0
	}

	data := payload(int(8 * KiB))
	_, _, err := engine.Upload(ctx, tr, "k", bytes.NewReader(data), int64(len(data)))
	require.Error(t, err)
	assert.Equal(t, 1, tr.aborted)
}

func TestUploadRejectsBadInput(t *testing.T) {
	engine := NewEngine(Options{})
	tr := newFakeTransport()

	_, _, err := engine.Upload(context.Background(), tr, "k", bytes.NewReader(nil), -1)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, _, err = engine.Upload(context.Background(), tr, "k", nil, 10)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

type recordingObserver struct {
	mu      sync.Mutex
	uploads []types.UploadStrategy
	parts   int
	aborts  int
}

func (o *recordingObserver) ObserveUpload(backend string, s types.UploadStrategy, n int64, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.uploads = append(o.uploads, s)
}

func (o *recordingObserver) ObservePart(backend string, n int64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.parts++
}

func (o *recordingObserver) ObserveAbort(backend string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aborts++
}

func TestEngineReportsToObserver(t *testing.T) {
	obs := &recordingObserver{}
	engine := NewEngine(Options{Backend: "minio", Limits: testLimits(), Observer: obs})

	small := payload(100)
	_, _, err := engine.Upload(context.Background(), newFakeTransport(), "a", bytes.NewReader(small), 100)
	require.NoError(t, err)

	big := payload(int(8 * KiB))
	_, _, err = engine.Upload(context.Background(), newFakeTransport(), "b", bytes.NewReader(big), int64(len(big)))
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []types.UploadStrategy{types.StrategySingle, types.StrategyMultipart}, obs.uploads)
	assert.Equal(t, 8, obs.parts)
	assert.Zero(t, obs.aborts)
}
