package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oktsec/ssrfguard/internal/guard"
)

const (
	writeBuffer  = 256
	writeTimeout = 5 * time.Second
)

// Sink is a destination for decision entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
	Close() error
}

// Multi fans entries out to every sink. Write and Close report the joined
// errors of all sinks.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Write(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder queues decisions and writes them to a sink from a single
// goroutine, so validation never waits on storage. It implements
// guard.Recorder.
type Recorder struct {
	sink    Sink
	writes  chan Entry
	flushes chan chan struct{}
	done    chan struct{}
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts the write loop for sink.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	r := &Recorder{
		sink:    sink,
		writes:  make(chan Entry, writeBuffer),
		flushes: make(chan chan struct{}),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go r.writeLoop()
	return r
}

// Record enqueues d. The request context is not used for the write.
func (r *Recorder) Record(_ context.Context, d guard.Decision) {
	r.Log(FromDecision(d))
}

// Log enqueues an entry for async writing. Entries are dropped when the
// buffer is full or the recorder is closed.
func (r *Recorder) Log(e Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.writes <- e:
	default:
		r.logger.Warn("decision buffer full, dropping entry", "id", e.ID, "outcome", e.Outcome)
	}
}

// Flush blocks until every entry enqueued before the call is written.
func (r *Recorder) Flush() {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	ack := make(chan struct{})
	r.flushes <- ack
	r.mu.RUnlock()
	<-ack
}

// Close writes pending entries and closes the sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.writes)
	r.mu.Unlock()

	<-r.done
	return r.sink.Close()
}

func (r *Recorder) writeLoop() {
	defer close(r.done)
	for {
		select {
		case e, ok := <-r.writes:
			if !ok {
				return
			}
			r.write(e)
		case ack := <-r.flushes:
			for n := len(r.writes); n > 0; n-- {
				r.write(<-r.writes)
			}
			close(ack)
		}
	}
}

func (r *Recorder) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.sink.Write(ctx, e); err != nil {
		r.logger.Error("decision write failed", "id", e.ID, "error", err)
	}
}
