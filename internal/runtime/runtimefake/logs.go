package runtimefake

import (
	"io"
	"sync"
)

// logBuffer is an append-only byte log that any number of readers follow from the start.
type logBuffer struct {
	mu      sync.Mutex
	data    []byte
	closed  bool
	changed chan struct{}
}

func newLogBuffer() *logBuffer {
	return &logBuffer{changed: make(chan struct{})}
}

func (b *logBuffer) write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.data = append(b.data, p...)
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *logBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.changed)
}

func (b *logBuffer) reader() io.ReadCloser {
	return &logReader{buf: b, done: make(chan struct{})}
}

type logReader struct {
	buf       *logBuffer
	off       int
	done      chan struct{}
	closeOnce sync.Once
}

func (r *logReader) Read(p []byte) (int, error) {
	for {
		r.buf.mu.Lock()
		if r.off < len(r.buf.data) {
			n := copy(p, r.buf.data[r.off:])
			r.off += n
			r.buf.mu.Unlock()
			return n, nil
		}
		if r.buf.closed {
			r.buf.mu.Unlock()
			return 0, io.EOF
		}
		changed := r.buf.changed
		r.buf.mu.Unlock()

		select {
		case <-changed:
		case <-r.done:
			return 0, io.EOF
		}
	}
}

func (r *logReader) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	return nil
}
