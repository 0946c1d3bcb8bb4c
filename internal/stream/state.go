// Package stream implements C3, the Stream Accumulator: consumes a lazy,
// finite sequence of SSE/chunked-event-stream bytes and emits UsageDelta
// updates without ever buffering the full response. Modeled as the small
// explicit state machine Design Note §9 calls for — INIT | STREAMING | DONE
// with a pure step function — so stream tests are deterministic against
// recorded byte transcripts, the same shape as the teacher's
// providers.parseStreamingResponse but generalized from hard-coded
// Anthropic structs to the declarative SSE profile in internal/registry.
package stream

import "github.com/tokentap/tokentap/internal/extractor"

// State is one of the three stream-accumulator states (core spec §4.3).
type State int

const (
	StateInit State = iota
	StateStreaming
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStreaming:
		return "STREAMING"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// eventOutcome is the pure result of applying one decoded SSE event to the
// running UsageDelta: a possibly-updated delta, the next state, and
// whether the frame was malformed (in which case the delta is unchanged
// and the caller should bump skip_counter).
type eventOutcome struct {
	delta     extractor.UsageDelta
	state     State
	malformed bool
}
