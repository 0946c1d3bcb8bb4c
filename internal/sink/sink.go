// Package sink implements C6, the Event Sink: a bounded async queue that
// fans each Event out to every configured eventstore.Store, retrying
// transient failures with backoff and counting permanent ones, without
// ever blocking the flow that enqueued the event. Grounded on the
// teacher's internal/cost/tracker.go async worker pool
// (ConfigureAsync/StartAsyncWorkers/asyncWorker/processRemainingRecords),
// generalised from "one CostTracker, N Transports written synchronously
// per record" to "N Stores, each retried independently with backoff".
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tokentap/tokentap/internal/event"
	"github.com/tokentap/tokentap/internal/eventstore"
	"github.com/tokentap/tokentap/internal/metrics"
	"github.com/tokentap/tokentap/internal/tokenerr"
)

const (
	// DefaultQueueCapacity bounds the in-flight event backlog (core spec §7).
	DefaultQueueCapacity = 4096
	// DefaultWorkers is the number of writer goroutines draining the queue.
	DefaultWorkers = 2

	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
	retryMaxAttempts = 5
)

// namedStore pairs a Store with the label used for metrics/logging.
type namedStore struct {
	name  string
	store eventstore.Store
}

// Sink owns the bounded queue and worker pool. Enqueue never blocks: a
// full queue drops the event and increments sink.dropped rather than
// applying backpressure to the request path, per core spec §7's
// "never impede request forwarding" invariant (shared with C4's failure
// semantics).
type Sink struct {
	logger  *slog.Logger
	metrics *metrics.Client
	stores  []namedStore

	queue chan *event.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workers int

	mu      sync.Mutex
	started bool
}

// Option configures a Sink at construction.
type Option func(*Sink)

// WithQueueCapacity overrides DefaultQueueCapacity.
func WithQueueCapacity(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.queue = make(chan *event.Event, n)
		}
	}
}

// WithWorkers overrides DefaultWorkers. Must be called before Start.
func WithWorkers(n int) Option {
	return func(s *Sink) { s.workers = n }
}

// WithMetrics attaches a metrics.Client; defaults to a no-op client.
func WithMetrics(m *metrics.Client) Option {
	return func(s *Sink) { s.metrics = m }
}

// New constructs a Sink fanning out to stores, each identified by name for
// metrics/logging purposes.
func New(logger *slog.Logger, stores map[string]eventstore.Store, opts ...Option) *Sink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		logger:  logger,
		metrics: metrics.Noop(),
		queue:   make(chan *event.Event, DefaultQueueCapacity),
		ctx:     ctx,
		cancel:  cancel,
		workers: DefaultWorkers,
	}
	for name, store := range stores {
		s.stores = append(s.stores, namedStore{name: name, store: store})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker pool. Safe to call once.
func (s *Sink) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for i := 0; i < s.effectiveWorkers(); i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.logger.Info("event sink started", "workers", s.effectiveWorkers(), "stores", len(s.stores))
}

func (s *Sink) effectiveWorkers() int {
	if s.workers <= 0 {
		return DefaultWorkers
	}
	return s.workers
}

// Enqueue hands ev to the sink without blocking. Returns false (and bumps
// sink.dropped) if the queue is full.
func (s *Sink) Enqueue(ev *event.Event) bool {
	select {
	case s.queue <- ev:
		return true
	default:
		s.logger.Warn("event sink queue full, dropping event", "provider_id", ev.ProviderID)
		s.metrics.SinkDropped("queue")
		return false
	}
}

// Drain stops accepting new work implicitly (callers should stop calling
// Enqueue), flushes whatever remains in the queue within deadline, then
// returns. Used by C8's graceful-shutdown sequence.
func (s *Sink) Drain(deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		close(s.queue)
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		s.logger.Warn("event sink drain deadline exceeded, cancelling in-flight writes")
		s.cancel()
		<-done
	}
}

func (s *Sink) worker(id int) {
	defer s.wg.Done()
	s.logger.Debug("event sink worker started", "worker_id", id)
	for ev := range s.queue {
		s.writeToAllStores(ev)
	}
}

// writeToAllStores fans ev out to every store, retrying each independently
// with exponential backoff; one store's failure never blocks another's
// write, matching writeRecordToTransports's "continue on error" loop.
func (s *Sink) writeToAllStores(ev *event.Event) {
	var wg sync.WaitGroup
	for _, ns := range s.stores {
		wg.Add(1)
		go func(ns namedStore) {
			defer wg.Done()
			s.writeWithRetry(ns, ev)
		}(ns)
	}
	wg.Wait()
}

func (s *Sink) writeWithRetry(ns namedStore, ev *event.Event) {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		err := ns.store.InsertOne(s.ctx, ev)
		if err == nil {
			return
		}
		lastErr = err

		if errors.Is(err, tokenerr.ErrSinkPermanent) {
			break
		}
		if attempt == retryMaxAttempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			lastErr = s.ctx.Err()
			attempt = retryMaxAttempts
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}

	s.logger.Warn("event sink failed to write event", "store", ns.name, "provider_id", ev.ProviderID, "error", lastErr)
	s.metrics.SinkFailed(ns.name)
}
