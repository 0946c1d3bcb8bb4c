package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Record is one device-registry entry keyed by device_id (core spec §3
// "Device record"). Separate from Event; events reference devices by id.
type Record struct {
	ID        string
	Name      string // operator-assigned, optional
	OS        string
	IP        string
	UserAgent string
	Browser   string
	FirstSeen int64 // unix seconds
	LastSeen  int64
}

// Registry is a Redis-backed, last-write-wins device registry, grounded on
// the teacher's ratelimit/redis.go Lua-script atomic-update idiom. It is
// accessed off the flow hot path: C4's on_request starts Upsert in a
// goroutine of its own, so no hook waits on Redis. The sink workers do not
// call it.
type Registry struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// Config configures the Redis connection backing the registry.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewRegistry connects to Redis. The connection is lazy (go-redis dials on
// first command), matching the teacher's NewRedisLimiter construction.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{rdb: client, logger: logger}
}

func deviceKey(id string) string { return "tokentap:device:" + id }

// luaUpsert atomically sets first_seen only the first time a device key is
// created, then always refreshes last_seen and the mutable attributes —
// the same "branch on EXISTS inside the script" idiom the teacher's
// luaCheckAndReserve/luaAdjust scripts use to keep a read-then-write
// sequence atomic under concurrent callers.
var luaUpsert = redis.NewScript(`
local key = KEYS[1]
local now = ARGV[1]
local exists = redis.call('EXISTS', key)
if exists == 0 then
  redis.call('HSET', key, 'first_seen', now)
end
redis.call('HSET', key, 'last_seen', now, 'os', ARGV[2], 'ip', ARGV[3], 'user_agent', ARGV[4], 'browser', ARGV[5])
return exists
`)

// Upsert records sighting of a device, last-write-wins on the mutable
// fields (os/ip/user_agent/browser/last_seen) and first-write-wins on
// first_seen. Its one caller is C4's on_request, which runs it in a
// separate goroutine so the flow hook does not block on it; sink workers do
// not call it.
func (r *Registry) Upsert(ctx context.Context, rec Record, now time.Time) error {
	_, err := luaUpsert.Run(ctx, r.rdb,
		[]string{deviceKey(rec.ID)},
		now.Unix(), rec.OS, rec.IP, rec.UserAgent, rec.Browser,
	).Result()
	if err != nil {
		return fmt.Errorf("device registry upsert: %w", err)
	}
	return nil
}

// Get fetches a device record by id, or (Record{}, false) if unknown.
func (r *Registry) Get(ctx context.Context, id string) (Record, bool, error) {
	vals, err := r.rdb.HGetAll(ctx, deviceKey(id)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("device registry get: %w", err)
	}
	if len(vals) == 0 {
		return Record{}, false, nil
	}
	rec := Record{ID: id, OS: vals["os"], IP: vals["ip"], UserAgent: vals["user_agent"], Browser: vals["browser"]}
	if v, ok := vals["name"]; ok {
		rec.Name = v
	}
	fmt.Sscanf(vals["first_seen"], "%d", &rec.FirstSeen)
	fmt.Sscanf(vals["last_seen"], "%d", &rec.LastSeen)
	return rec, true, nil
}

// SetName lets the dashboard assign an operator-friendly name to a device,
// independent of the sink's sighting-driven upserts.
func (r *Registry) SetName(ctx context.Context, id, name string) error {
	return r.rdb.HSet(ctx, deviceKey(id), "name", name).Err()
}

// Close releases the underlying Redis client.
func (r *Registry) Close() error { return r.rdb.Close() }
