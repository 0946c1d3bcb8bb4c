package eventstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokentap/tokentap/internal/event"
)

func TestFileStore_InsertAndFind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	store := NewFileStore(path)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.InsertOne(ctx, &event.Event{Timestamp: now, ProviderID: "openai", Model: "gpt-4"}))
	require.NoError(t, store.InsertOne(ctx, &event.Event{Timestamp: now.Add(time.Second), ProviderID: "anthropic", Model: "claude-3"}))

	all, err := store.Find(ctx, Filter{}, SortTimestampDesc, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "anthropic", all[0].ProviderID) // most recent first

	filtered, err := store.Find(ctx, Filter{ProviderID: "openai"}, SortTimestampDesc, 0, 0)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "gpt-4", filtered[0].Model)
}

func TestFileStore_InsertSameEventTwiceProducesTwoRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	store := NewFileStore(path)
	ctx := context.Background()
	ev := &event.Event{Timestamp: time.Now(), ProviderID: "openai"}

	require.NoError(t, store.InsertOne(ctx, ev))
	require.NoError(t, store.InsertOne(ctx, ev))

	all, err := store.Find(ctx, Filter{}, SortTimestampDesc, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFileStore_FindOnMissingFileReturnsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.jsonl"))
	events, err := store.Find(context.Background(), Filter{}, SortTimestampDesc, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFileStore_Aggregate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	store := NewFileStore(path)
	ctx := context.Background()
	require.NoError(t, store.InsertOne(ctx, &event.Event{Timestamp: time.Now(), ProviderID: "openai", Model: "gpt-4", InputTokens: 10, OutputTokens: 5}))
	require.NoError(t, store.InsertOne(ctx, &event.Event{Timestamp: time.Now(), ProviderID: "openai", Model: "gpt-4", InputTokens: 20, OutputTokens: 10}))

	rows, err := store.Aggregate(ctx, AggregateRequest{GroupBy: "model"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "gpt-4", rows[0].Key)
	assert.EqualValues(t, 2, rows[0].Count)
	assert.EqualValues(t, 30, rows[0].InputTokens)
}

func TestFileStore_Pagination(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	store := NewFileStore(path)
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertOne(ctx, &event.Event{Timestamp: base.Add(time.Duration(i) * time.Second), ProviderID: "openai"}))
	}

	page, err := store.Find(ctx, Filter{}, SortTimestampAsc, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, base.Add(1*time.Second).Unix(), page[0].Timestamp.Unix())
}
