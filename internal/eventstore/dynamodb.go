package eventstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokentap/tokentap/internal/event"
)

// DynamoDBConfig configures the DynamoDB-backed event store.
type DynamoDBConfig struct {
	TableName string
	Region    string
	Logger    *slog.Logger
}

// dynamoRecord is the single-table-design shape an Event is marshalled
// into, grounded directly on the teacher's internal/cost/dynamodb.go
// DynamoDBCostRecord and internal/apikeys/store.go table design, extended
// with enough GSIs to cover every index core spec §6 requires: timestamp
// (native table sort key), (provider_id,timestamp desc) [GSI1],
// (model,timestamp desc) [GSI2], context.program / (program,timestamp
// desc) [GSI3 — the two collapse to one index because Event denormalises
// program onto both fields with the same value], context.project /
// (project,timestamp desc) [GSI4], device_id / (device_id,timestamp desc)
// [GSI5], is_token_consuming [GSI6].
type dynamoRecord struct {
	PK string `dynamodbav:"pk"` // "EVENT"
	SK string `dynamodbav:"sk"` // "TIMESTAMP#<unixnano>#<random>"

	GSI1PK string `dynamodbav:"gsi1pk"` // "PROVIDER#<provider_id>"
	GSI1SK string `dynamodbav:"gsi1sk"` // "<unixnano>"
	GSI2PK string `dynamodbav:"gsi2pk"` // "MODEL#<model>"
	GSI2SK string `dynamodbav:"gsi2sk"`
	GSI3PK string `dynamodbav:"gsi3pk"` // "PROGRAM#<program>"
	GSI3SK string `dynamodbav:"gsi3sk"`
	GSI4PK string `dynamodbav:"gsi4pk"` // "PROJECT#<project>"
	GSI4SK string `dynamodbav:"gsi4sk"`
	GSI5PK string `dynamodbav:"gsi5pk"` // "DEVICE#<device_id>"
	GSI5SK string `dynamodbav:"gsi5sk"`
	GSI6PK string `dynamodbav:"gsi6pk"` // "TOKENCONSUMING#<true|false>"
	GSI6SK string `dynamodbav:"gsi6sk"`

	Timestamp int64 `dynamodbav:"timestamp"`

	ProviderID          string  `dynamodbav:"provider_id"`
	Model               string  `dynamodbav:"model"`
	DurationMs          int64   `dynamodbav:"duration_ms"`
	InputTokens         int64   `dynamodbav:"input_tokens"`
	OutputTokens        int64   `dynamodbav:"output_tokens"`
	TotalTokens         int64   `dynamodbav:"total_tokens"`
	CacheCreationTokens int64   `dynamodbav:"cache_creation_tokens"`
	CacheReadTokens     int64   `dynamodbav:"cache_read_tokens"`
	ResponseStatus      int     `dynamodbav:"response_status"`
	Streaming           bool    `dynamodbav:"streaming"`
	Truncated           bool    `dynamodbav:"truncated,omitempty"`
	ClientType          string  `dynamodbav:"client_type"`
	DeviceID            string  `dynamodbav:"device_id"`
	IsTokenConsuming    bool    `dynamodbav:"is_token_consuming"`
	HasBudgetTokens     bool    `dynamodbav:"has_budget_tokens"`
	EstimatedCost       float64 `dynamodbav:"estimated_cost,omitempty"`
	CaptureMode         string  `dynamodbav:"capture_mode"`
	Program             string  `dynamodbav:"program"`
	Project             string  `dynamodbav:"project"`
	Session             string  `dynamodbav:"session"`

	MessagesJSON string `dynamodbav:"messages_json,omitempty"`
	SystemJSON   string `dynamodbav:"system_json,omitempty"`
	ToolsJSON    string `dynamodbav:"tools_json,omitempty"`
}

// DynamoDBStore implements Store over a DynamoDB single-table design.
type DynamoDBStore struct {
	client    *dynamodb.Client
	tableName string
	logger    *slog.Logger
}

// NewDynamoDBStore loads AWS config, constructs the client, and ensures
// the table exists, mirroring the teacher's NewDynamoDBTransport.
func NewDynamoDBStore(ctx context.Context, cfg DynamoDBConfig) (*DynamoDBStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("eventstore: load AWS config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &DynamoDBStore{
		client:    dynamodb.NewFromConfig(awsCfg),
		tableName: cfg.TableName,
		logger:    logger,
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureIndexes creates the table (with every required GSI) if absent,
// matching the teacher's DescribeTable -> CreateTable-if-missing ->
// NewTableExistsWaiter idiom.
func (s *DynamoDBStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	if err == nil {
		s.logger.Debug("event store table already exists", "table", s.tableName)
		return nil
	}

	s.logger.Info("creating event store table", "table", s.tableName)

	attr := func(name string) types.AttributeDefinition {
		return types.AttributeDefinition{AttributeName: aws.String(name), AttributeType: types.ScalarAttributeTypeS}
	}
	gsi := func(name, pk, sk string) types.GlobalSecondaryIndex {
		return types.GlobalSecondaryIndex{
			IndexName: aws.String(name),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(pk), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(sk), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			attr("pk"), attr("sk"),
			attr("gsi1pk"), attr("gsi1sk"),
			attr("gsi2pk"), attr("gsi2sk"),
			attr("gsi3pk"), attr("gsi3sk"),
			attr("gsi4pk"), attr("gsi4sk"),
			attr("gsi5pk"), attr("gsi5sk"),
			attr("gsi6pk"), attr("gsi6sk"),
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			gsi("ProviderTimestampIndex", "gsi1pk", "gsi1sk"),
			gsi("ModelTimestampIndex", "gsi2pk", "gsi2sk"),
			gsi("ProgramTimestampIndex", "gsi3pk", "gsi3sk"),
			gsi("ProjectTimestampIndex", "gsi4pk", "gsi4sk"),
			gsi("DeviceTimestampIndex", "gsi5pk", "gsi5sk"),
			gsi("TokenConsumingIndex", "gsi6pk", "gsi6sk"),
		},
		BillingMode: types.BillingModePayPerRequest,
	}

	if _, err := s.client.CreateTable(ctx, input); err != nil {
		return fmt.Errorf("eventstore: create table: %w", err)
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)}, 5*time.Minute); err != nil {
		return fmt.Errorf("eventstore: wait for table active: %w", err)
	}
	s.logger.Info("event store table created", "table", s.tableName)
	return nil
}

// InsertOne implements Store.InsertOne (core spec §6 insert_one).
func (s *DynamoDBStore) InsertOne(ctx context.Context, ev *event.Event) error {
	rec := toDynamoRecord(ev)
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("eventstore: marshal event: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.tableName), Item: item}); err != nil {
		return fmt.Errorf("eventstore: put item: %w", err)
	}
	return nil
}

// Find queries the GSI that best matches the supplied filter. When
// multiple filter fields are set, the first recognised one (provider,
// model, program, project, device, then token-consuming) selects the
// index, and the remaining fields are applied as an in-memory post-filter
// — the same "narrow by index, refine in application code" approach the
// teacher's ReadRecords uses for its day-by-day query loop.
func (s *DynamoDBStore) Find(ctx context.Context, filter Filter, sort Sort, limit, skip int) ([]*event.Event, error) {
	indexName, pk := "", ""
	switch {
	case filter.ProviderID != "":
		indexName, pk = "ProviderTimestampIndex", "gsi1pk="+"PROVIDER#"+filter.ProviderID
	case filter.Model != "":
		indexName, pk = "ModelTimestampIndex", "gsi2pk="+"MODEL#"+filter.Model
	case filter.Program != "":
		indexName, pk = "ProgramTimestampIndex", "gsi3pk="+"PROGRAM#"+filter.Program
	case filter.Project != "":
		indexName, pk = "ProjectTimestampIndex", "gsi4pk="+"PROJECT#"+filter.Project
	case filter.DeviceID != "":
		indexName, pk = "DeviceTimestampIndex", "gsi5pk="+"DEVICE#"+filter.DeviceID
	case filter.IsTokenConsuming != nil:
		indexName, pk = "TokenConsumingIndex", "gsi6pk="+"TOKENCONSUMING#"+strconv.FormatBool(*filter.IsTokenConsuming)
	default:
		indexName, pk = "", ""
	}

	var items []map[string]types.AttributeValue
	if indexName == "" {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("pk = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: "EVENT"},
			},
			ScanIndexForward: aws.Bool(sort == SortTimestampAsc),
		})
		if err != nil {
			return nil, fmt.Errorf("eventstore: query: %w", err)
		}
		items = out.Items
	} else {
		eq := splitEq(pk)
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			IndexName:              aws.String(indexName),
			KeyConditionExpression: aws.String(eq.attr + " = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: eq.value},
			},
			ScanIndexForward: aws.Bool(sort == SortTimestampAsc),
		})
		if err != nil {
			return nil, fmt.Errorf("eventstore: query %s: %w", indexName, err)
		}
		items = out.Items
	}

	var events []*event.Event
	for _, item := range items {
		var rec dynamoRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			continue
		}
		if !matchesRemainingFilter(rec, filter) {
			continue
		}
		events = append(events, fromDynamoRecord(rec))
	}

	if skip > 0 && skip < len(events) {
		events = events[skip:]
	} else if skip >= len(events) {
		events = nil
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Aggregate performs an in-memory group/count over a Find result set — a
// pragmatic simplification for dashboard summaries; it does not push the
// grouping down into DynamoDB, which has no native GROUP BY.
func (s *DynamoDBStore) Aggregate(ctx context.Context, req AggregateRequest) ([]AggregateRow, error) {
	evs, err := s.Find(ctx, req.Filter, SortTimestampDesc, 0, 0)
	if err != nil {
		return nil, err
	}
	rows := map[string]*AggregateRow{}
	for _, ev := range evs {
		key := groupKey(ev, req.GroupBy)
		row, ok := rows[key]
		if !ok {
			row = &AggregateRow{Key: key}
			rows[key] = row
		}
		row.Count++
		row.InputTokens += ev.InputTokens
		row.OutputTokens += ev.OutputTokens
	}
	out := make([]AggregateRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

func groupKey(ev *event.Event, groupBy string) string {
	switch groupBy {
	case "model":
		return ev.Model
	case "program":
		return ev.Program
	case "project":
		return ev.Project
	case "device_id":
		return ev.DeviceID
	default:
		return ev.ProviderID
	}
}

func (s *DynamoDBStore) Close() error { return nil }

type eqClause struct{ attr, value string }

func splitEq(s string) eqClause {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return eqClause{attr: s[:i], value: s[i+1:]}
		}
	}
	return eqClause{}
}

func matchesRemainingFilter(rec dynamoRecord, f Filter) bool {
	if f.ProviderID != "" && rec.ProviderID != f.ProviderID {
		return false
	}
	if f.Model != "" && rec.Model != f.Model {
		return false
	}
	if f.Program != "" && rec.Program != f.Program {
		return false
	}
	if f.Project != "" && rec.Project != f.Project {
		return false
	}
	if f.DeviceID != "" && rec.DeviceID != f.DeviceID {
		return false
	}
	if f.IsTokenConsuming != nil && rec.IsTokenConsuming != *f.IsTokenConsuming {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp < f.Since.UnixNano() {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp > f.Until.UnixNano() {
		return false
	}
	return true
}

func toDynamoRecord(ev *event.Event) dynamoRecord {
	ts := ev.Timestamp.UnixNano()
	// The random suffix keeps two events with the same timestamp (or the
	// same event inserted twice) from sharing a sort key.
	suffix := make([]byte, 8)
	_, _ = rand.Read(suffix)
	var cost float64
	if ev.EstimatedCost != nil {
		cost = *ev.EstimatedCost
	}
	return dynamoRecord{
		PK:     "EVENT",
		SK:     fmt.Sprintf("TIMESTAMP#%020d#%s", ts, hex.EncodeToString(suffix)),
		GSI1PK: "PROVIDER#" + ev.ProviderID,
		GSI1SK: strconv.FormatInt(ts, 10),
		GSI2PK: "MODEL#" + ev.Model,
		GSI2SK: strconv.FormatInt(ts, 10),
		GSI3PK: "PROGRAM#" + ev.Program,
		GSI3SK: strconv.FormatInt(ts, 10),
		GSI4PK: "PROJECT#" + ev.Project,
		GSI4SK: strconv.FormatInt(ts, 10),
		GSI5PK: "DEVICE#" + ev.DeviceID,
		GSI5SK: strconv.FormatInt(ts, 10),
		GSI6PK: "TOKENCONSUMING#" + strconv.FormatBool(ev.IsTokenConsuming),
		GSI6SK: strconv.FormatInt(ts, 10),

		Timestamp:           ts,
		ProviderID:          ev.ProviderID,
		Model:               ev.Model,
		DurationMs:          ev.DurationMs,
		InputTokens:         ev.InputTokens,
		OutputTokens:        ev.OutputTokens,
		TotalTokens:         ev.TotalTokens,
		CacheCreationTokens: ev.CacheCreationTokens,
		CacheReadTokens:     ev.CacheReadTokens,
		ResponseStatus:      ev.ResponseStatus,
		Streaming:           ev.Streaming,
		Truncated:           ev.Truncated,
		ClientType:          ev.ClientType,
		DeviceID:            ev.DeviceID,
		IsTokenConsuming:    ev.IsTokenConsuming,
		HasBudgetTokens:     ev.HasBudgetTokens,
		EstimatedCost:       cost,
		CaptureMode:         ev.CaptureMode,
		Program:             ev.Program,
		Project:             ev.Project,
		Session:             ev.Context.Session,
	}
}

func fromDynamoRecord(rec dynamoRecord) *event.Event {
	var costPtr *float64
	if rec.EstimatedCost != 0 {
		c := rec.EstimatedCost
		costPtr = &c
	}
	return &event.Event{
		Timestamp:           time.Unix(0, rec.Timestamp),
		DurationMs:          rec.DurationMs,
		ProviderID:          rec.ProviderID,
		Model:               rec.Model,
		InputTokens:         rec.InputTokens,
		OutputTokens:        rec.OutputTokens,
		TotalTokens:         rec.TotalTokens,
		CacheCreationTokens: rec.CacheCreationTokens,
		CacheReadTokens:     rec.CacheReadTokens,
		ResponseStatus:      rec.ResponseStatus,
		Streaming:           rec.Streaming,
		Truncated:           rec.Truncated,
		ClientType:          rec.ClientType,
		DeviceID:            rec.DeviceID,
		IsTokenConsuming:    rec.IsTokenConsuming,
		HasBudgetTokens:     rec.HasBudgetTokens,
		EstimatedCost:       costPtr,
		CaptureMode:         rec.CaptureMode,
		Program:             rec.Program,
		Project:             rec.Project,
		Context:             event.Context{Program: rec.Program, Project: rec.Project, Session: rec.Session},
	}
}
