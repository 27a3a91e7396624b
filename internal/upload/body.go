package upload

import (
	stderrors "errors"
	"io"

	"github.com/objectfs/storagehub/pkg/errors"
)

// ExactReader returns a reader that yields at most size bytes of body and
// then fails with SIZE_MISMATCH if body holds more. A short body ends early
// with io.EOF; callers compare the byte count themselves.
func ExactReader(body io.Reader, size int64) io.Reader {
	return &exactReader{r: body, remaining: size, size: size}
}

type exactReader struct {
	r         io.Reader
	remaining int64
	size      int64
	tail      error
	checked   bool
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.remaining <= 0 {
		if !e.checked {
			e.checked = true
			e.tail = ExpectEOF(e.r, e.size)
		}
		if e.tail != nil {
			return 0, e.tail
		}
		return 0, io.EOF
	}
	if int64(len(p)) > e.remaining {
		p = p[:e.remaining]
	}
	n, err := e.r.Read(p)
	e.remaining -= int64(n)
	return n, err
}

// ExpectEOF reads one byte past a fully consumed payload of size bytes and
// reports SIZE_MISMATCH when it exists.
func ExpectEOF(body io.Reader, size int64) error {
	var one [1]byte
	n, err := io.ReadFull(body, one[:])
	if n > 0 {
		return errors.Newf(errors.ErrCodeSizeMismatch, "payload is longer than the declared %d bytes", size)
	}
	if err != nil && !stderrors.Is(err, io.EOF) {
		return errors.Wrap(errors.ErrCodeSizeMismatch, err, "failed to read payload")
	}
	return nil
}
