package logging

import (
	"bytes"
	"io"
	"sync"
)

// MaxLineBytes is the longest partial line a PhaseWriter holds. Longer
// runs without a newline are written out in pieces of this size.
const MaxLineBytes = 64 << 10

// PhaseWriter prefixes every line written to it with "[phase] " before
// passing it to the underlying writer. Partial lines are held until the
// newline arrives, Flush is called, or they reach MaxLineBytes.
type PhaseWriter struct {
	w      io.Writer
	prefix []byte
	mu     sync.Mutex
	buf    []byte
}

// NewPhaseWriter wraps w
func NewPhaseWriter(w io.Writer, phase string) *PhaseWriter {
	return &PhaseWriter{w: w, prefix: []byte("[" + phase + "] ")}
}

// Write implements io.Writer
func (p *PhaseWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		if err := p.emit(p.buf[:i+1]); err != nil {
			return len(b), err
		}
		p.buf = p.buf[i+1:]
	}
	for len(p.buf) >= MaxLineBytes {
		line := make([]byte, 0, MaxLineBytes+1)
		line = append(line, p.buf[:MaxLineBytes]...)
		if err := p.emit(append(line, '\n')); err != nil {
			return len(b), err
		}
		p.buf = p.buf[MaxLineBytes:]
	}
	switch {
	case len(p.buf) == 0:
		p.buf = nil
	case cap(p.buf) > 2*MaxLineBytes:
		p.buf = append([]byte(nil), p.buf...)
	}
	return len(b), nil
}

// Flush writes any pending partial line
func (p *PhaseWriter) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return nil
	}
	line := append(p.buf, '\n')
	p.buf = nil
	return p.emit(line)
}

func (p *PhaseWriter) emit(line []byte) error {
	out := make([]byte, 0, len(p.prefix)+len(line))
	out = append(out, p.prefix...)
	out = append(out, line...)
	_, err := p.w.Write(out)
	return err
}
