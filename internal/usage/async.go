package usage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const recordTimeout = 10 * time.Second

// AsyncSink queues events on a buffered channel and hands them to recorders
// on a fixed set of workers. Events are dropped, and counted, when the queue
// is full.
type AsyncSink struct {
	events    chan Event
	recorders []Recorder
	logger    *slog.Logger

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewAsyncSink starts workers goroutines draining a queue of size buffer.
func NewAsyncSink(buffer, workers int, logger *slog.Logger, recorders ...Recorder) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &AsyncSink{
		events:    make(chan Event, buffer),
		recorders: recorders,
		logger:    logger.With("component", "usage"),
	}
	for i := range workers {
		s.wg.Add(1)
		go s.worker(i)
	}
	return s
}

// Record enqueues ev without blocking.
func (s *AsyncSink) Record(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop()
		return
	}
	select {
	case s.events <- ev:
	default:
		s.drop()
		s.logger.Warn("usage queue full, dropping event", "request_id", ev.RequestID)
	}
}

func (s *AsyncSink) drop() {
	s.dropped.Add(1)
	droppedEvents.Inc()
}

// Dropped returns the number of events lost to a full or closed queue.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events and waits for the queue to drain or ctx to
// end.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("usage sink did not drain"), ctx.Err())
	}
}

func (s *AsyncSink) worker(id int) {
	defer s.wg.Done()
	for ev := range s.events {
		for _, rec := range s.recorders {
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			if err := rec.Record(ctx, ev); err != nil {
				s.logger.Error("record usage event", "worker", id, "request_id", ev.RequestID, "error", err)
			}
			cancel()
		}
	}
}
