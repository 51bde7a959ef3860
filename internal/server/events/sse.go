package events

import (
	"errors"
	"net/http"
	"sync"
)

// ErrClosed is returned by writes on a closed subscriber.
var ErrClosed = errors.New("subscriber closed")

// SSEWriter is a Subscriber over a text/event-stream response.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
	done    chan struct{}
}

// NewSSEWriter writes the event-stream headers and flushes them so the
// client sees the stream open before the first event.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher, done: make(chan struct{})}, nil
}

func (s *SSEWriter) Send(ev Event) error {
	return s.write(ev.Frame())
}

func (s *SSEWriter) Keepalive() error {
	return s.write(keepaliveFrame)
}

// Close stops further writes. Once it returns no write is in flight, so
// the owning handler may return.
func (s *SSEWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// Done is closed when the hub drops the subscriber.
func (s *SSEWriter) Done() <-chan struct{} {
	return s.done
}

func (s *SSEWriter) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, err := s.w.Write(frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
