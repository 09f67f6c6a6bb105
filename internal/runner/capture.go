package runner

import (
	"io"
	"sync"

	"github.com/armon/circbuf"
)

// tailBuffer keeps the last max bytes of a process's output in a ring and
// forwards every write to an optional sink. The end of the stream, where
// agents report results, is what survives.
type tailBuffer struct {
	mu   sync.Mutex
	ring *circbuf.Buffer
	sink io.Writer
}

func newTailBuffer(max int, sink io.Writer) *tailBuffer {
	if max <= 0 {
		max = DefaultMaxOutput
	}
	// NewBuffer only fails for a non-positive size
	ring, _ := circbuf.NewBuffer(int64(max))
	return &tailBuffer{ring: ring, sink: sink}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sink != nil {
		// a broken log sink must not kill the child with EPIPE-like errors
		_, _ = t.sink.Write(p)
	}
	return t.ring.Write(p)
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.String()
}

func (t *tailBuffer) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring.TotalWritten() > t.ring.Size()
}
