// Package event defines Event, the persisted record core spec §3
// describes, plus the pure assembly rules (total_tokens, is_token_consuming,
// redaction) C4 applies when it hands a flow's results to the sink.
package event

import (
	"encoding/json"
	"time"
)

// Context mirrors FlowState.context (core spec §3), denormalised onto the
// Event alongside top-level Program/Project for the index list §6 requires
// ((program, timestamp desc), (project, timestamp desc) alongside
// context.program / context.project).
type Context struct {
	Program string         `json:"program"`
	Project string         `json:"project"`
	Session string         `json:"session"`
	Tags    []string        `json:"tags,omitempty"`
	Custom  map[string]any `json:"custom,omitempty"`
}

// Event is the persisted record (core spec §3). Every required field is
// non-pointer; optional fields that may be legitimately absent use
// pointers or omitempty so the store driver can distinguish "zero" from
// "not recorded".
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`

	ProviderID string `json:"provider_id"`
	Model      string `json:"model"`

	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	TotalTokens         int64 `json:"total_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`

	ResponseStatus int  `json:"response_status"`
	Streaming      bool `json:"streaming"`
	Truncated      bool `json:"truncated,omitempty"`

	ClientType        string `json:"client_type"`
	DeviceID          string `json:"device_id"`
	IsTokenConsuming  bool   `json:"is_token_consuming"`
	HasBudgetTokens   bool   `json:"has_budget_tokens"`
	EstimatedCost     *float64 `json:"estimated_cost"`
	CaptureMode       string `json:"capture_mode"`

	Context Context `json:"context"`
	Program string  `json:"program"`
	Project string  `json:"project"`

	Messages []any  `json:"messages"`
	System   []any  `json:"system,omitempty"`
	Tools    []any  `json:"tools,omitempty"`
	Thinking any    `json:"thinking,omitempty"`

	RequestMetadata map[string]any `json:"request_metadata,omitempty"`
	RawRequest      json.RawMessage `json:"raw_request,omitempty"`
	RawResponse     json.RawMessage `json:"raw_response,omitempty"`
}

// TotalTokens computes input+output (cache counts never contribute, core
// spec §3 invariant).
func TotalTokens(input, output int64) int64 { return input + output }

// llmPathPatterns are path substrings that indicate an LLM-consuming
// endpoint even absent a messages array (core spec §3
// is_token_consuming's third disjunct, "path matches a configured LLM
// path pattern").
var llmPathPatterns = []string{"/chat/completions", "/completions", "/messages", ":generateContent"}

// IsTokenConsuming implements the is_token_consuming invariant (core spec
// §3): true iff messages has >=1 entry, OR has_budget_tokens, OR the
// request path matches a known LLM path pattern.
func IsTokenConsuming(messages []any, hasBudgetTokens bool, path string) bool {
	if len(messages) >= 1 {
		return true
	}
	if hasBudgetTokens {
		return true
	}
	for _, pat := range llmPathPatterns {
		if containsFold(path, pat) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	// Simple ASCII case-insensitive contains; paths are ASCII in practice.
	return len(substr) == 0 || (len(s) >= len(substr) && indexFold(s, substr) >= 0)
}

func indexFold(s, substr string) int {
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Redact overwrites messages[*].content with "[REDACTED]", preserving
// role and structural keys, per core spec §3/§4.7 ("debug_mode off").
func Redact(messages []any) []any {
	if messages == nil {
		return nil
	}
	out := make([]any, len(messages))
	for i, m := range messages {
		mm, ok := m.(map[string]any)
		if !ok {
			out[i] = m
			continue
		}
		redacted := make(map[string]any, len(mm))
		for k, v := range mm {
			if k == "content" {
				redacted[k] = "[REDACTED]"
				continue
			}
			redacted[k] = v
		}
		out[i] = redacted
	}
	return out
}
