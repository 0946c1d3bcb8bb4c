// Package eventstore defines the event-store contract core spec §6
// requires ("an external append-only document collection with insert_one,
// find, aggregate") and provides two concrete drivers: a DynamoDB
// single-table implementation (internal/eventstore/dynamodb.go, grounded on
// the teacher's internal/cost/dynamodb.go and internal/apikeys/store.go
// single-table-with-GSIs designs) and a JSONL file implementation
// (internal/eventstore/file.go, grounded on internal/cost/logger.go's
// FileTransport) for operators without AWS credentials.
package eventstore

import (
	"context"
	"time"

	"github.com/tokentap/tokentap/internal/event"
)

// Filter narrows a Find query. Zero-value fields are unconstrained. This
// maps directly onto the index list core spec §6 requires at startup:
// timestamp, (provider_id,timestamp desc), (model,timestamp desc),
// context.program, context.project, (program,timestamp desc),
// (project,timestamp desc), device_id, is_token_consuming,
// (device_id,timestamp desc).
type Filter struct {
	ProviderID       string
	Model            string
	Program          string
	Project          string
	DeviceID         string
	IsTokenConsuming *bool
	Since            time.Time
	Until            time.Time
}

// Sort orders Find results. Only timestamp ordering is required by the
// core spec's index list.
type Sort int

const (
	SortTimestampDesc Sort = iota
	SortTimestampAsc
)

// AggregateRequest describes a minimal group-and-count shape sufficient for
// a dashboard summary view: group Events matching Filter by GroupBy
// ("provider_id", "model", "program", "project", "device_id") and return a
// count plus summed token totals per group.
type AggregateRequest struct {
	Filter  Filter
	GroupBy string
}

// AggregateRow is one row of an AggregateRequest's result.
type AggregateRow struct {
	Key          string
	Count        int64
	InputTokens  int64
	OutputTokens int64
}

// Store is the contract C6's workers and the external dashboard API
// consume. Core spec §6 describes it as insert_one/find/aggregate over an
// append-only document collection with specific required indexes.
type Store interface {
	// InsertOne appends one Event. Core spec §8 requires no dedup:
	// inserting the same Event twice produces two independent writes.
	InsertOne(ctx context.Context, ev *event.Event) error

	// Find returns Events matching filter, most-recent-first by default,
	// honoring limit/skip for pagination.
	Find(ctx context.Context, filter Filter, sort Sort, limit, skip int) ([]*event.Event, error)

	// Aggregate performs a minimal grouped count/sum over matching Events.
	Aggregate(ctx context.Context, req AggregateRequest) ([]AggregateRow, error)

	// EnsureIndexes creates any indexes required by core spec §6 that do
	// not already exist. Called once at startup.
	EnsureIndexes(ctx context.Context) error

	Close() error
}
