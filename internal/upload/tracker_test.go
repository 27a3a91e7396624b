package upload

import (
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsParts(t *testing.T) {
	plan := Plan{Size: 10 * KiB, PartSize: 4 * KiB, PartCount: 3}
	tr := NewTracker("up-1", "oss", "42/a.bin", plan)
	assert.Equal(t, StatusInitiated, tr.Status())

	tr.MarkPartCompleted(3, 2*KiB, "c")
	tr.MarkPartFailed(1, stderrors.New("timeout"))
	assert.Equal(t, StatusInProgress, tr.Status())
	assert.Equal(t, []int32{1, 2}, tr.RemainingParts())

	tr.MarkPartCompleted(1, 4*KiB, "a")
	tr.MarkPartCompleted(2, 4*KiB, "b")
	// duplicate acknowledgements are ignored
	tr.MarkPartCompleted(2, 4*KiB, "b")

	assert.Equal(t, 3, tr.Completed())
	assert.Equal(t, 10*KiB, tr.BytesUploaded())
	assert.InDelta(t, 100.0, tr.Progress(), 0.001)
	assert.Empty(t, tr.RemainingParts())

	parts := tr.CompletedParts()
	require.Len(t, parts, 3)
	for i, p := range parts {
		assert.Equal(t, int32(i+1), p.PartNumber)
	}
	assert.Equal(t, "a", parts[0].ETag)
}

func TestTrackerConcurrentUpdates(t *testing.T) {
	plan := Plan{Size: 100 * KiB, PartSize: KiB, PartCount: 100}
	tr := NewTracker("up-2", "cos", "k", plan)

	var wg sync.WaitGroup
	for n := int32(1); n <= 100; n++ {
		wg.Add(1)
		go func(n int32) {
			defer wg.Done()
			tr.MarkPartCompleted(n, KiB, "e")
		}(n)
	}
	wg.Wait()

	assert.Equal(t, 100, tr.Completed())
	assert.Len(t, tr.CompletedParts(), 100)
}

func TestManagerInFlight(t *testing.T) {
	m := NewManager()
	a := NewTracker("a", "kodo", "k1", Plan{PartCount: 2})
	b := NewTracker("b", "kodo", "k2", Plan{PartCount: 2})
	m.Track(a)
	m.Track(b)

	b.SetStatus(StatusCompleted)
	inFlight := m.InFlight()
	require.Len(t, inFlight, 1)
	assert.Equal(t, "a", inFlight[0].UploadID)
	assert.Equal(t, "k1", inFlight[0].Key)

	got, ok := m.Get("b")
	require.True(t, ok)
	assert.Same(t, b, got)

	m.Remove("a")
	m.Remove("b")
	assert.Zero(t, m.Count())
}
