package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokentap/tokentap/internal/event"
	"github.com/tokentap/tokentap/internal/eventstore"
	"github.com/tokentap/tokentap/internal/tokenerr"
)

type fakeStore struct {
	mu         sync.Mutex
	inserted   []*event.Event
	failTimes  int
	permanent  bool
}

func (f *fakeStore) InsertOne(ctx context.Context, ev *event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTimes > 0 {
		f.failTimes--
		if f.permanent {
			return tokenerr.ErrSinkPermanent
		}
		return errors.New("transient failure")
	}
	f.inserted = append(f.inserted, ev)
	return nil
}

func (f *fakeStore) Find(ctx context.Context, filter eventstore.Filter, sort eventstore.Sort, limit, skip int) ([]*event.Event, error) {
	return nil, nil
}
func (f *fakeStore) Aggregate(ctx context.Context, req eventstore.AggregateRequest) ([]eventstore.AggregateRow, error) {
	return nil, nil
}
func (f *fakeStore) EnsureIndexes(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                            { return nil }

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSink_EnqueueAndDeliver(t *testing.T) {
	store := &fakeStore{}
	s := New(testLogger(), map[string]eventstore.Store{"mem": store})
	s.Start()

	ok := s.Enqueue(&event.Event{ProviderID: "openai"})
	require.True(t, ok)

	s.Drain(2 * time.Second)
	assert.Equal(t, 1, store.count())
}

func TestSink_RetriesTransientFailures(t *testing.T) {
	store := &fakeStore{failTimes: 2}
	s := New(testLogger(), map[string]eventstore.Store{"mem": store})
	s.Start()

	s.Enqueue(&event.Event{ProviderID: "anthropic"})
	s.Drain(5 * time.Second)

	assert.Equal(t, 1, store.count())
}

func TestSink_PermanentFailureStopsRetrying(t *testing.T) {
	store := &fakeStore{failTimes: 100, permanent: true}
	s := New(testLogger(), map[string]eventstore.Store{"mem": store})
	s.Start()

	s.Enqueue(&event.Event{ProviderID: "openai"})
	s.Drain(2 * time.Second)

	assert.Equal(t, 0, store.count())
}

func TestSink_QueueFullDropsEvent(t *testing.T) {
	store := &fakeStore{}
	s := New(testLogger(), map[string]eventstore.Store{"mem": store}, WithQueueCapacity(1))
	// Don't Start() workers, so the queue never drains.
	assert.True(t, s.Enqueue(&event.Event{}))
	assert.False(t, s.Enqueue(&event.Event{}))
}

func TestSink_FanOutToMultipleStores(t *testing.T) {
	storeA := &fakeStore{}
	storeB := &fakeStore{}
	s := New(testLogger(), map[string]eventstore.Store{"a": storeA, "b": storeB})
	s.Start()

	s.Enqueue(&event.Event{ProviderID: "openai"})
	s.Drain(2 * time.Second)

	assert.Equal(t, 1, storeA.count())
	assert.Equal(t, 1, storeB.count())
}
