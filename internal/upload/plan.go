package upload

import (
	"github.com/objectfs/storagehub/pkg/errors"
)

const (
	KiB = int64(1) << 10
	MiB = int64(1) << 20

	DefaultThreshold   = 5 * MiB
	DefaultMinPartSize = 5 * MiB
	DefaultMaxPartSize = 100 * MiB
	DefaultMaxParts    = 10000
)

// Limits bound the single-shot and multipart paths of one backend.
type Limits struct {
	// Threshold is the smallest payload that uses the multipart path.
	Threshold   int64 `yaml:"threshold"`
	MinPartSize int64 `yaml:"min_part_size"`
	MaxPartSize int64 `yaml:"max_part_size"`
	MaxParts    int   `yaml:"max_parts"`
}

// DefaultLimits returns the limits of an S3-compatible object store.
func DefaultLimits() Limits {
	return Limits{
		Threshold:   DefaultThreshold,
		MinPartSize: DefaultMinPartSize,
		MaxPartSize: DefaultMaxPartSize,
		MaxParts:    DefaultMaxParts,
	}
}

// Normalized fills zero fields with defaults.
func (l Limits) Normalized() Limits {
	if l.Threshold <= 0 {
		l.Threshold = DefaultThreshold
	}
	if l.MinPartSize <= 0 {
		l.MinPartSize = DefaultMinPartSize
	}
	if l.MaxPartSize <= 0 {
		l.MaxPartSize = DefaultMaxPartSize
	}
	if l.MaxPartSize < l.MinPartSize {
		l.MaxPartSize = l.MinPartSize
	}
	if l.MaxParts <= 0 {
		l.MaxParts = DefaultMaxParts
	}
	return l
}

// UseMultipart reports whether a payload of size bytes takes the chunked path.
func (l Limits) UseMultipart(size int64) bool {
	return size >= l.Threshold
}

// Part is one contiguous byte range of a payload.
type Part struct {
	Number int32
	Offset int64
	Length int64
}

// Plan is the part layout of one multipart transfer.
type Plan struct {
	Size      int64
	PartSize  int64
	PartCount int
}

// PlanParts computes part size and count for a payload:
// partSize = clamp(ceil(size/maxParts), minPartSize, maxPartSize) and
// partCount = ceil(size/partSize).
func PlanParts(size int64, limits Limits) (Plan, error) {
	limits = limits.Normalized()
	if size <= 0 {
		return Plan{}, errors.Newf(errors.ErrCodeInvalidInput, "cannot plan parts for size %d", size)
	}

	partSize := ceilDiv(size, int64(limits.MaxParts))
	if partSize < limits.MinPartSize {
		partSize = limits.MinPartSize
	}
	if partSize > limits.MaxPartSize {
		partSize = limits.MaxPartSize
	}

	count := ceilDiv(size, partSize)
	if count > int64(limits.MaxParts) {
		return Plan{}, errors.Newf(errors.ErrCodePayloadTooLarge,
			"payload of %d bytes needs %d parts, limit is %d", size, count, limits.MaxParts)
	}
	return Plan{Size: size, PartSize: partSize, PartCount: int(count)}, nil
}

// Parts returns the byte ranges of the plan in part-number order. The last
// part may be shorter than PartSize.
func (p Plan) Parts() []Part {
	parts := make([]Part, 0, p.PartCount)
	var offset int64
	for n := 1; n <= p.PartCount; n++ {
		length := p.PartSize
		if remaining := p.Size - offset; remaining < length {
			length = remaining
		}
		parts = append(parts, Part{Number: int32(n), Offset: offset, Length: length})
		offset += length
	}
	return parts
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
