package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/tokentap/tokentap/internal/extractor"
	"github.com/tokentap/tokentap/internal/metrics"
	"github.com/tokentap/tokentap/internal/pathexpr"
	"github.com/tokentap/tokentap/internal/registry"
)

// DefaultTailCap is the default bounded raw-chunk tail buffer size kept
// when capture_full is true (core spec §4.3).
const DefaultTailCap = 256 * 1024

// Accumulator drives one flow's SSE/chunked response. It is owned
// exclusively by that flow's handler — never shared across goroutines —
// matching the core spec §4.4 ownership guarantee for FlowState.
type Accumulator struct {
	def         *registry.ProviderDefinition
	state       State
	delta       extractor.UsageDelta
	skipCounter int

	captureFull      bool
	tailCap          int
	tail             []byte
	tailDroppedBytes int

	// current in-progress SSE event block, accumulated line by line.
	curEventName string
	curDataLines []string

	// lastPayload is the most recently decoded event body, kept so the
	// flow controller's quality check (core spec §4.3) has "whatever raw
	// document is available" for a streaming flow, which has no single
	// buffered response body to decode.
	lastPayload map[string]any

	metrics    *metrics.Client
	providerID string
}

// Option configures an Accumulator at construction, mirroring
// internal/sink's functional-option style.
type Option func(*Accumulator)

// WithMetrics attaches a metrics.Client that StreamSkipped is reported
// against for providerID; unset, skipped frames are silently counted
// locally only.
func WithMetrics(m *metrics.Client, providerID string) Option {
	return func(a *Accumulator) {
		a.metrics = m
		a.providerID = providerID
	}
}

// New constructs an Accumulator for one flow. captureFull mirrors
// FlowState.capture_full (debug mode OR provider capture_full_request).
func New(def *registry.ProviderDefinition, captureFull bool, opts ...Option) *Accumulator {
	a := &Accumulator{
		def:         def,
		state:       StateInit,
		captureFull: captureFull,
		tailCap:     DefaultTailCap,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LastPayload returns the most recently decoded SSE event payload, or nil
// if none has been decoded yet.
func (a *Accumulator) LastPayload() map[string]any { return a.lastPayload }

// State returns the accumulator's current state.
func (a *Accumulator) State() State { return a.state }

// SkipCounter returns the count of malformed frames observed so far.
func (a *Accumulator) SkipCounter() int { return a.skipCounter }

// Delta returns the UsageDelta accumulated so far (input_tokens/
// output_tokens reflect the latest "replace" semantics, not a running sum).
func (a *Accumulator) Delta() extractor.UsageDelta { return a.delta }

// TailDroppedBytes reports how many raw bytes were evicted from the bounded
// capture_full tail buffer due to overflow.
func (a *Accumulator) TailDroppedBytes() int { return a.tailDroppedBytes }

// Tail returns the bounded raw-bytes tail buffer (empty unless
// captureFull).
func (a *Accumulator) Tail() []byte { return a.tail }

// Consume reads framed SSE bytes from r until EOF or the reader errors,
// forwarding nothing itself — core spec §4.3 requires chunks be forwarded
// to the client by the flow's own byte pump immediately, independent of
// accumulator observation; callers that need simultaneous forwarding
// should split the bytes into lines in their own pump and call FeedLine per
// line (plus FeedChunk for the raw tail) rather than use this convenience
// method.
func (a *Accumulator) Consume(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		a.FeedLine(scanner.Text())
	}
	return scanner.Err()
}

// FeedChunk appends raw bytes to the bounded capture_full tail buffer. It
// does not participate in event framing; call FeedLine (or Consume) with
// the same bytes, line-delimited, to drive the state machine.
func (a *Accumulator) FeedChunk(chunk []byte) {
	if !a.captureFull {
		return
	}
	a.tail = append(a.tail, chunk...)
	if over := len(a.tail) - a.tailCap; over > 0 {
		a.tailDroppedBytes += over
		a.tail = a.tail[over:]
	}
}

// FeedLine processes one line of an SSE stream. Lines are grouped into
// events by a blank line, per core spec §4.3 ("framed as lines; groups
// lines into events delimited by blank line").
func (a *Accumulator) FeedLine(line string) {
	if a.captureFull {
		a.FeedChunk([]byte(line + "\n"))
	}

	trimmed := strings.TrimRight(line, "\r")
	if trimmed == "" {
		a.flushEvent()
		return
	}
	switch {
	case strings.HasPrefix(trimmed, "event:"):
		a.curEventName = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
	case strings.HasPrefix(trimmed, "data:"):
		a.curDataLines = append(a.curDataLines, strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
	default:
		// Comment lines, "id:", "retry:" etc are ignored per the SSE spec.
	}
}

func (a *Accumulator) flushEvent() {
	defer func() {
		a.curEventName = ""
		a.curDataLines = nil
	}()

	if len(a.curDataLines) == 0 {
		return
	}
	data := strings.Join(a.curDataLines, "\n")
	if data == "[DONE]" {
		a.state = StateDone
		return
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		a.skipCounter++
		if a.metrics != nil {
			a.metrics.StreamSkipped(a.providerID)
		}
		return
	}
	a.lastPayload = payload

	eventType := a.curEventName
	if eventType == "" {
		if t, ok := payload["type"].(string); ok {
			eventType = t
		}
	}
	a.applyEvent(eventType, payload)
}

// applyEvent is the step function described in Design Note §9: given a
// decoded event, it updates a.delta and a.state in place, using the
// provider's compiled SSE paths.
func (a *Accumulator) applyEvent(eventType string, payload map[string]any) {
	if a.state == StateInit {
		a.state = StateStreaming
	}

	sse := a.def.ResponseSSE

	if sse.InputTokensEvent != "" && eventType == sse.InputTokensEvent {
		primary, alts := a.def.SSEInputTokensExpr()
		if primary != nil {
			if v, ok := coerceNonNegativeInt(pathexpr.EvalAlternates(primary, alts, payload)); ok {
				a.delta.InputTokens = v
			}
		}
	}

	if sse.OutputTokensEvent != "" && eventType == sse.OutputTokensEvent {
		primary, alts := a.def.SSEOutputTokensExpr()
		if primary != nil {
			if v, ok := coerceNonNegativeInt(pathexpr.EvalAlternates(primary, alts, payload)); ok {
				if sse.OutputTokensMode == registry.OutputTokensAccumulate {
					a.delta.OutputTokens += v
				} else {
					// Replace, not sum: providers emit running totals.
					a.delta.OutputTokens = v
				}
			}
		}
	}
}

// Finalize marks the accumulator DONE (stream end) and returns the final
// delta. Safe to call multiple times.
func (a *Accumulator) Finalize() extractor.UsageDelta {
	if len(a.curDataLines) > 0 {
		a.flushEvent()
	}
	a.state = StateDone
	return a.delta
}

func coerceNonNegativeInt(r pathexpr.Result) (int64, bool) {
	if !r.Present {
		return 0, false
	}
	switch n := r.Value.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return int64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}
