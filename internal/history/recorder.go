package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultSendTimeout bounds a single Send.
const DefaultSendTimeout = 5 * time.Second

// Recorder hands events to sinks on its own goroutine; Record never blocks
// the caller. Events are dropped with a warning when the buffer is full.
type Recorder struct {
	sinks   []Sink
	ch      chan Event
	timeout time.Duration

	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.Mutex
	closed bool
}

// NewRecorder starts a recorder with room for buffer pending events.
func NewRecorder(buffer int, sinks ...Sink) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		ch:      make(chan Event, buffer),
		timeout: DefaultSendTimeout,
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Record queues e for every sink.
func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		slog.Warn("history buffer full, event dropped", "unit", e.Unit, "type", string(e.Type))
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				slog.Warn("history sink send failed", "unit", e.Unit, "err", err)
			}
			cancel()
		}
	}
}

// Close drains the queue and closes every sink that is an io.Closer.
func (r *Recorder) Close() error {
	var errs []error
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
		r.wg.Wait()
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				errs = append(errs, c.Close())
			}
		}
	})
	return errors.Join(errs...)
}
