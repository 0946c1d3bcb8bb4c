// Package metrics wraps a DogStatsD client for the operational counters
// core spec §7 requires (sink.dropped, sink.failed, extract.degraded,
// stream.skipped), grounded on the teacher's internal/cost/datadog.go.
package metrics

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// Config configures the DogStatsD client.
type Config struct {
	Host      string
	Port      string
	Namespace string
	Tags      []string
	Logger    *slog.Logger
}

// Client emits the counters Tokentap's components report against. Every
// counter is also kept locally (atomic, in-process) alongside the DogStatsD
// push, since core spec §7 requires these exposed via an internal status
// endpoint (C8's /status) and DogStatsD's UDP transport gives no way to
// read a value back.
type Client struct {
	statsd *statsd.Client
	logger *slog.Logger

	sinkDropped     atomic.Int64
	sinkFailed      atomic.Int64
	extractDegraded atomic.Int64
	streamSkipped   atomic.Int64
}

// Counters is a point-in-time snapshot of the local counters, returned by
// Snapshot for C8's /status endpoint.
type Counters struct {
	SinkDropped     int64 `json:"sink_dropped"`
	SinkFailed      int64 `json:"sink_failed"`
	ExtractDegraded int64 `json:"extract_degraded"`
	StreamSkipped   int64 `json:"stream_skipped"`
}

// Snapshot returns the current value of every counter.
func (c *Client) Snapshot() Counters {
	return Counters{
		SinkDropped:     c.sinkDropped.Load(),
		SinkFailed:      c.sinkFailed.Load(),
		ExtractDegraded: c.extractDegraded.Load(),
		StreamSkipped:   c.streamSkipped.Load(),
	}
}

// Noop returns a Client that sends nothing to DogStatsD, for configurations
// that don't enable it; its local counters still count and show in Snapshot.
func Noop() *Client { return &Client{} }

// New constructs a Client from cfg, defaulting host/port/namespace the
// way NewDatadogTransport does.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "8125"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "tokentap"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	client, err := statsd.New(addr,
		statsd.WithNamespace(cfg.Namespace),
		statsd.WithTags(cfg.Tags),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create DogStatsD client: %w", err)
	}

	return &Client{statsd: client, logger: logger}, nil
}

func (c *Client) incr(name string, tags []string) {
	if c.statsd == nil {
		return
	}
	if err := c.statsd.Incr(name, tags, 1.0); err != nil && c.logger != nil {
		c.logger.Warn("metrics: failed to send counter", "name", name, "error", err)
	}
}

// SinkDropped records an event dropped because the sink queue was full.
func (c *Client) SinkDropped(transport string) {
	c.sinkDropped.Add(1)
	c.incr("sink.dropped", []string{"transport:" + transport})
}

// SinkFailed records an event that exhausted retries against a transport.
func (c *Client) SinkFailed(transport string) {
	c.sinkFailed.Add(1)
	c.incr("sink.failed", []string{"transport:" + transport})
}

// ExtractDegraded records a request/response whose extraction fell back to
// the legacy builtin path or otherwise returned a partial digest.
func (c *Client) ExtractDegraded(providerID string) {
	c.extractDegraded.Add(1)
	c.incr("extract.degraded", []string{"provider:" + providerID})
}

// StreamSkipped records a malformed SSE frame the accumulator discarded.
func (c *Client) StreamSkipped(providerID string) {
	c.streamSkipped.Add(1)
	c.incr("stream.skipped", []string{"provider:" + providerID})
}

// Close releases the underlying DogStatsD client.
func (c *Client) Close() error {
	if c.statsd == nil {
		return nil
	}
	return c.statsd.Close()
}
