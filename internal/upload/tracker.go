package upload

import (
	"sort"
	"sync"
	"time"

	"github.com/objectfs/storagehub/pkg/types"
)

// Status is the lifecycle state of a multipart transfer.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

// Terminal returns true if the upload is in a terminal state
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// PartState tracks a single part of a multipart transfer.
type PartState struct {
	Number    int32     `json:"number"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag"`
	Completed bool      `json:"completed"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker records the progress of one multipart transfer. Parts may be
// reported from several goroutines in any order.
type Tracker struct {
	mu sync.Mutex

	uploadID  string
	backend   string
	key       string
	plan      Plan
	parts     map[int32]*PartState
	completed int
	bytes     int64
	status    Status
	startedAt time.Time
	updatedAt time.Time
}

// NewTracker creates a tracker for a freshly initiated session.
func NewTracker(uploadID, backend, key string, plan Plan) *Tracker {
	now := time.Now()
	return &Tracker{
		uploadID:  uploadID,
		backend:   backend,
		key:       key,
		plan:      plan,
		parts:     make(map[int32]*PartState, plan.PartCount),
		status:    StatusInitiated,
		startedAt: now,
		updatedAt: now,
	}
}

// UploadID returns the backend session token.
func (t *Tracker) UploadID() string {
	return t.uploadID
}

// MarkPartCompleted marks a part as acknowledged by the backend.
func (t *Tracker) MarkPartCompleted(number int32, size int64, etag string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	part := t.partLocked(number)
	if part.Completed {
		return
	}
	part.Size = size
	part.ETag = etag
	part.Completed = true
	part.Attempts++
	part.Error = ""
	part.UpdatedAt = time.Now()

	t.completed++
	t.bytes += size
	t.updatedAt = part.UpdatedAt
	if t.status == StatusInitiated {
		t.status = StatusInProgress
	}
}

// MarkPartFailed records a failed attempt for a part.
func (t *Tracker) MarkPartFailed(number int32, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	part := t.partLocked(number)
	part.Attempts++
	part.Error = err.Error()
	part.UpdatedAt = time.Now()
	t.updatedAt = part.UpdatedAt
}

func (t *Tracker) partLocked(number int32) *PartState {
	part, ok := t.parts[number]
	if !ok {
		part = &PartState{Number: number}
		t.parts[number] = part
	}
	return part
}

// SetStatus moves the transfer to a new lifecycle state.
func (t *Tracker) SetStatus(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.updatedAt = time.Now()
}

// Status returns the current lifecycle state.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Completed returns the number of acknowledged parts.
func (t *Tracker) Completed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// BytesUploaded returns the sum of acknowledged part sizes.
func (t *Tracker) BytesUploaded() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytes
}

// Progress returns the upload progress as a percentage (0-100)
func (t *Tracker) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.plan.PartCount == 0 {
		return 0
	}
	return float64(t.completed) / float64(t.plan.PartCount) * 100
}

// RemainingParts returns the part numbers not yet acknowledged.
func (t *Tracker) RemainingParts() []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	remaining := make([]int32, 0, t.plan.PartCount-t.completed)
	for n := int32(1); n <= int32(t.plan.PartCount); n++ {
		if part, ok := t.parts[n]; !ok || !part.Completed {
			remaining = append(remaining, n)
		}
	}
	return remaining
}

// CompletedParts returns acknowledged parts in ascending part-number order.
func (t *Tracker) CompletedParts() []types.PartResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.PartResult, 0, t.completed)
	for _, part := range t.parts {
		if part.Completed {
			out = append(out, types.PartResult{PartNumber: part.Number, ETag: part.ETag, Size: part.Size})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out
}

// Snapshot is a read-only copy of tracker state.
type Snapshot struct {
	UploadID      string    `json:"upload_id"`
	Backend       string    `json:"backend"`
	Key           string    `json:"key"`
	TotalParts    int       `json:"total_parts"`
	Completed     int       `json:"completed"`
	BytesUploaded int64     `json:"bytes_uploaded"`
	TotalSize     int64     `json:"total_size"`
	Status        Status    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Snapshot returns a copy of the tracker state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		UploadID:      t.uploadID,
		Backend:       t.backend,
		Key:           t.key,
		TotalParts:    t.plan.PartCount,
		Completed:     t.completed,
		BytesUploaded: t.bytes,
		TotalSize:     t.plan.Size,
		Status:        t.status,
		StartedAt:     t.startedAt,
		UpdatedAt:     t.updatedAt,
	}
}

// Manager indexes in-flight transfers by upload id.
type Manager struct {
	mu      sync.RWMutex
	uploads map[string]*Tracker
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{uploads: make(map[string]*Tracker)}
}

// Track starts tracking a transfer.
func (m *Manager) Track(t *Tracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[t.uploadID] = t
}

// Get returns the tracker of an upload id.
func (m *Manager) Get(uploadID string) (*Tracker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.uploads[uploadID]
	return t, ok
}

// Remove stops tracking a transfer.
func (m *Manager) Remove(uploadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
}

// InFlight returns snapshots of transfers that have not reached a terminal state.
func (m *Manager) InFlight() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.uploads))
	for _, t := range m.uploads {
		if s := t.Snapshot(); !s.Status.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of tracked transfers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.uploads)
}
