package eventstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tokentap/tokentap/internal/event"
)

// FileStore is a JSONL append-only Store, grounded on the teacher's
// internal/cost/logger.go FileTransport, for operators running without AWS
// credentials. Find/Aggregate reload and scan the whole file, which is
// adequate for local development and small deployments but not a
// substitute for the DynamoDB driver at scale.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore constructs a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// EnsureIndexes is a no-op for FileStore; a flat JSONL file has no indexes
// to create. Present to satisfy the Store interface.
func (fs *FileStore) EnsureIndexes(ctx context.Context) error { return nil }

// InsertOne appends ev as one JSON line, matching FileTransport.WriteRecord.
func (fs *FileStore) InsertOne(ctx context.Context, ev *event.Event) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir := filepath.Dir(fs.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("eventstore: create output directory: %w", err)
		}
	}

	file, err := os.OpenFile(fs.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("eventstore: open event file: %w", err)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(ev); err != nil {
		return fmt.Errorf("eventstore: write event: %w", err)
	}
	return nil
}

func (fs *FileStore) readAll() ([]*event.Event, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	file, err := os.Open(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventstore: open event file: %w", err)
	}
	defer file.Close()

	var events []*event.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	return events, scanner.Err()
}

// Find scans the file, applies filter, sorts, and paginates in memory.
func (fs *FileStore) Find(ctx context.Context, filter Filter, sortOrder Sort, limit, skip int) ([]*event.Event, error) {
	events, err := fs.readAll()
	if err != nil {
		return nil, err
	}

	matched := events[:0:0]
	for _, ev := range events {
		if matchesFilter(ev, filter) {
			matched = append(matched, ev)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if sortOrder == SortTimestampAsc {
			return matched[i].Timestamp.Before(matched[j].Timestamp)
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if skip > 0 {
		if skip >= len(matched) {
			return nil, nil
		}
		matched = matched[skip:]
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Aggregate groups matching events in memory by req.GroupBy.
func (fs *FileStore) Aggregate(ctx context.Context, req AggregateRequest) ([]AggregateRow, error) {
	events, err := fs.Find(ctx, req.Filter, SortTimestampDesc, 0, 0)
	if err != nil {
		return nil, err
	}
	rows := map[string]*AggregateRow{}
	for _, ev := range events {
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

func (fs *FileStore) Close() error { return nil }

func matchesFilter(ev *event.Event, f Filter) bool {
	if f.ProviderID != "" && ev.ProviderID != f.ProviderID {
		return false
	}
	if f.Model != "" && ev.Model != f.Model {
		return false
	}
	if f.Program != "" && ev.Program != f.Program {
		return false
	}
	if f.Project != "" && ev.Project != f.Project {
		return false
	}
	if f.DeviceID != "" && ev.DeviceID != f.DeviceID {
		return false
	}
	if f.IsTokenConsuming != nil && ev.IsTokenConsuming != *f.IsTokenConsuming {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}
