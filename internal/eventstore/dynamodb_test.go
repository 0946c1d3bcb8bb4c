package eventstore

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokentap/tokentap/internal/event"
)

func TestToFromDynamoRecord_RoundTrips(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	cost := 0.0042
	ev := &event.Event{
		Timestamp:        now,
		ProviderID:       "anthropic",
		Model:            "claude-3-opus",
		InputTokens:      10,
		OutputTokens:     20,
		TotalTokens:      30,
		DeviceID:         "device-1",
		Program:          "claude-code",
		Project:          "tokentap",
		IsTokenConsuming: true,
		EstimatedCost:    &cost,
	}

	rec := toDynamoRecord(ev)
	assert.Equal(t, "PROVIDER#anthropic", rec.GSI1PK)
	assert.Equal(t, "MODEL#claude-3-opus", rec.GSI2PK)
	assert.Equal(t, "PROGRAM#claude-code", rec.GSI3PK)
	assert.Equal(t, "PROJECT#tokentap", rec.GSI4PK)
	assert.Equal(t, "DEVICE#device-1", rec.GSI5PK)
	assert.Equal(t, "TOKENCONSUMING#true", rec.GSI6PK)

	back := fromDynamoRecord(rec)
	assert.Equal(t, ev.ProviderID, back.ProviderID)
	assert.Equal(t, ev.Model, back.Model)
	assert.Equal(t, ev.InputTokens, back.InputTokens)
	assert.Equal(t, ev.OutputTokens, back.OutputTokens)
	assert.Equal(t, ev.DeviceID, back.DeviceID)
	assert.Equal(t, ev.Program, back.Program)
	require.NotNil(t, back.EstimatedCost)
	assert.InDelta(t, cost, *back.EstimatedCost, 1e-9)
}

func TestMatchesRemainingFilter(t *testing.T) {
	rec := dynamoRecord{ProviderID: "openai", Model: "gpt-4", Timestamp: 100}
	assert.True(t, matchesRemainingFilter(rec, Filter{}))
	assert.True(t, matchesRemainingFilter(rec, Filter{ProviderID: "openai"}))
	assert.False(t, matchesRemainingFilter(rec, Filter{ProviderID: "anthropic"}))
	assert.False(t, matchesRemainingFilter(rec, Filter{Since: time.Unix(0, 200)}))
}

func TestGroupKey(t *testing.T) {
	ev := &event.Event{ProviderID: "openai", Model: "gpt-4", Program: "codex", Project: "p", DeviceID: "d"}
	assert.Equal(t, "gpt-4", groupKey(ev, "model"))
	assert.Equal(t, "codex", groupKey(ev, "program"))
	assert.Equal(t, "openai", groupKey(ev, "unknown"))
}

// TestDynamoDBStoreIntegration requires real AWS credentials and is skipped
// outside an explicit integration run, mirroring the teacher's
// TestDynamoDBTransportIntegration in internal/cost/dynamodb_test.go.
func TestDynamoDBStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, err := NewDynamoDBStore(context.Background(), DynamoDBConfig{
		TableName: "tokentap-events-test",
		Region:    "us-west-2",
		Logger:    slog.Default(),
	})
	if err != nil {
		t.Skipf("failed to create DynamoDB store (skipping test): %v", err)
	}
	defer store.Close()

	ev := &event.Event{
		Timestamp:        time.Now(),
		ProviderID:       "anthropic",
		Model:            "claude-3-opus",
		InputTokens:      10,
		OutputTokens:     20,
		TotalTokens:      30,
		IsTokenConsuming: true,
	}
	require.NoError(t, store.InsertOne(context.Background(), ev))

	events, err := store.Find(context.Background(), Filter{ProviderID: "anthropic"}, SortTimestampDesc, 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}
