// Package legacy implements the quality check's fallback path: a
// compiled-in, provider-specific extraction routine used when the
// declarative extractor (internal/extractor) produces a degraded result
// (core spec §4.3/§9). Modeled as the sum type the design notes call for,
// `Extractor = Declarative(ProviderDef) | Builtin(ProviderId)`: Declarative
// is internal/extractor itself; Builtin is this package, one hand-written
// function per provider grounded directly on the teacher's hardcoded
// parseNonStreamingResponse/parseStreamingResponse methods in
// internal/providers/{anthropic,openai,gemini}.go, generalized from
// *LLMResponseMetadata to extractor.UsageDelta plus each provider's fixed
// request wire-format keys for messages/system/tools recovery.
package legacy

import (
	"encoding/json"

	"github.com/tokentap/tokentap/internal/extractor"
)

// Result is what a Builtin recovers: usage counts read from the response
// body at fixed (non-configurable) keys, plus messages/system/tools read
// directly from the raw request body at each provider's fixed wire-format
// keys, bypassing the configured field-path expressions entirely. A zero
// value field means "not recovered by this builtin" — callers only replace
// the digest/delta fields a Result actually populated.
type Result struct {
	Usage    extractor.UsageDelta
	Messages []any
	System   []any
	Tools    []any
}

// Builtin recovers a Result from a provider's raw request and response
// documents. Either document may be nil (respDoc for a streaming flow with
// no single buffered response body; reqDoc if request decoding failed).
// Returns (result, true) if anything was recovered, (zero, false)
// otherwise.
type Builtin func(reqDoc, respDoc map[string]any) (Result, bool)

var builtins = map[string]Builtin{
	"anthropic": anthropicBuiltin,
	"openai":    openAIBuiltin,
	"gemini":    geminiBuiltin,
}

// Lookup returns the Builtin for providerID, or nil if none is compiled in.
func Lookup(providerID string) Builtin {
	return builtins[providerID]
}

// Register adds or overrides a Builtin extractor for providerID. Exposed
// so future providers can be added without modifying this file's map
// literal directly, mirroring the registration style of the teacher's
// RegisterTransportFactory.
func Register(providerID string, fn Builtin) {
	builtins[providerID] = fn
}

// anthropicBuiltin mirrors AnthropicProxy.parseNonStreamingResponse for
// usage (model, usage.input_tokens/output_tokens, stop_reason, all fixed
// top-level keys), and Anthropic's fixed top-level "messages"/"system"/
// "tools" request keys for digest recovery.
func anthropicBuiltin(reqDoc, respDoc map[string]any) (Result, bool) {
	var res Result
	found := false

	if usage, ok := respDoc["usage"].(map[string]any); ok {
		res.Usage = extractor.UsageDelta{
			Model:               asString(respDoc["model"]),
			InputTokens:         asInt64(usage["input_tokens"]),
			OutputTokens:        asInt64(usage["output_tokens"]),
			CacheCreationTokens: asInt64(usage["cache_creation_input_tokens"]),
			CacheReadTokens:     asInt64(usage["cache_read_input_tokens"]),
			StopReason:          asString(respDoc["stop_reason"]),
		}
		found = true
	}
	if msgs, ok := reqDoc["messages"].([]any); ok {
		res.Messages = msgs
		found = true
	}
	if arr := asAnySlice(reqDoc["system"]); len(arr) > 0 {
		res.System = arr
		found = true
	}
	if tools, ok := reqDoc["tools"].([]any); ok && len(tools) > 0 {
		res.Tools = tools
		found = true
	}
	return res, found
}

// openAIBuiltin mirrors OpenAIProxy.parseNonStreamingResponse for usage
// (usage.prompt_tokens/completion_tokens, model,
// choices[0].finish_reason). OpenAI carries no request key distinct from
// "messages" for the system prompt (a "system"-role message inside the
// same array does the job), so only messages/tools are recoverable here.
func openAIBuiltin(reqDoc, respDoc map[string]any) (Result, bool) {
	var res Result
	found := false

	if usage, ok := respDoc["usage"].(map[string]any); ok {
		delta := extractor.UsageDelta{
			Model:        asString(respDoc["model"]),
			InputTokens:  asInt64(usage["prompt_tokens"]),
			OutputTokens: asInt64(usage["completion_tokens"]),
		}
		if choices, ok := respDoc["choices"].([]any); ok && len(choices) > 0 {
			if choice, ok := choices[0].(map[string]any); ok {
				delta.StopReason = asString(choice["finish_reason"])
			}
		}
		res.Usage = delta
		found = true
	}
	if msgs, ok := reqDoc["messages"].([]any); ok {
		res.Messages = msgs
		found = true
	}
	if tools, ok := reqDoc["tools"].([]any); ok && len(tools) > 0 {
		res.Tools = tools
		found = true
	}
	return res, found
}

// geminiBuiltin mirrors GeminiProxy.ParseResponseMetadata's non-streaming
// path for usage (usageMetadata.promptTokenCount/candidatesTokenCount,
// modelVersion, candidates[0].finishReason), and Gemini's fixed
// "contents"/"systemInstruction"/"tools" request keys for digest recovery.
func geminiBuiltin(reqDoc, respDoc map[string]any) (Result, bool) {
	var res Result
	found := false

	if usage, ok := respDoc["usageMetadata"].(map[string]any); ok {
		delta := extractor.UsageDelta{
			Model:        asString(respDoc["modelVersion"]),
			InputTokens:  asInt64(usage["promptTokenCount"]),
			OutputTokens: asInt64(usage["candidatesTokenCount"]),
		}
		if candidates, ok := respDoc["candidates"].([]any); ok && len(candidates) > 0 {
			if candidate, ok := candidates[0].(map[string]any); ok {
				delta.StopReason = asString(candidate["finishReason"])
			}
		}
		res.Usage = delta
		found = true
	}
	if contents, ok := reqDoc["contents"].([]any); ok {
		res.Messages = contents
		found = true
	}
	if arr := asAnySlice(reqDoc["systemInstruction"]); len(arr) > 0 {
		res.System = arr
		found = true
	}
	if tools, ok := reqDoc["tools"].([]any); ok && len(tools) > 0 {
		res.Tools = tools
		found = true
	}
	return res, found
}

// asAnySlice normalizes a raw field that may be a single object (Anthropic/
// Gemini's "system"/"systemInstruction" are often one object, not an array)
// into a one-or-more-element slice, or nil if absent.
func asAnySlice(v any) []any {
	if v == nil {
		return nil
	}
	if arr, ok := v.([]any); ok {
		return arr
	}
	return []any{v}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0
		}
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0
		}
		return i
	default:
		return 0
	}
}
