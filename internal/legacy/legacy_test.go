package legacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicBuiltin_ExtractsUsage(t *testing.T) {
	fn := Lookup("anthropic")
	require.NotNil(t, fn)

	respDoc := map[string]any{
		"model":       "claude-3-opus",
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":  float64(3),
			"output_tokens": float64(99),
		},
	}
	res, ok := fn(nil, respDoc)
	require.True(t, ok)
	assert.Equal(t, "claude-3-opus", res.Usage.Model)
	assert.EqualValues(t, 3, res.Usage.InputTokens)
	assert.EqualValues(t, 99, res.Usage.OutputTokens)
	assert.Equal(t, "end_turn", res.Usage.StopReason)
}

func TestAnthropicBuiltin_RecoversMessagesSystemAndTools(t *testing.T) {
	fn := Lookup("anthropic")
	require.NotNil(t, fn)

	reqDoc := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello"},
		},
		"system": "be helpful",
		"tools":  []any{map[string]any{"name": "lookup"}},
	}
	res, ok := fn(reqDoc, nil)
	require.True(t, ok)
	assert.Len(t, res.Messages, 2)
	assert.Equal(t, []any{"be helpful"}, res.System)
	assert.Len(t, res.Tools, 1)
}

func TestOpenAIBuiltin_ExtractsFinishReasonFromFirstChoice(t *testing.T) {
	fn := Lookup("openai")
	require.NotNil(t, fn)

	respDoc := map[string]any{
		"model": "gpt-4",
		"usage": map[string]any{
			"prompt_tokens":     float64(10),
			"completion_tokens": float64(20),
		},
		"choices": []any{
			map[string]any{"finish_reason": "stop"},
		},
	}
	res, ok := fn(nil, respDoc)
	require.True(t, ok)
	assert.EqualValues(t, 10, res.Usage.InputTokens)
	assert.EqualValues(t, 20, res.Usage.OutputTokens)
	assert.Equal(t, "stop", res.Usage.StopReason)
}

func TestGeminiBuiltin_ExtractsUsageMetadata(t *testing.T) {
	fn := Lookup("gemini")
	require.NotNil(t, fn)

	respDoc := map[string]any{
		"modelVersion": "gemini-1.5-pro",
		"usageMetadata": map[string]any{
			"promptTokenCount":     float64(5),
			"candidatesTokenCount": float64(7),
		},
		"candidates": []any{
			map[string]any{"finishReason": "STOP"},
		},
	}
	res, ok := fn(nil, respDoc)
	require.True(t, ok)
	assert.EqualValues(t, 5, res.Usage.InputTokens)
	assert.EqualValues(t, 7, res.Usage.OutputTokens)
	assert.Equal(t, "STOP", res.Usage.StopReason)
}

func TestGeminiBuiltin_RecoversContentsAndSystemInstruction(t *testing.T) {
	fn := Lookup("gemini")
	require.NotNil(t, fn)

	reqDoc := map[string]any{
		"contents":          []any{map[string]any{"role": "user", "parts": []any{}}},
		"systemInstruction": map[string]any{"parts": []any{map[string]any{"text": "be helpful"}}},
		"tools":             []any{map[string]any{"name": "lookup"}},
	}
	res, ok := fn(reqDoc, nil)
	require.True(t, ok)
	assert.Len(t, res.Messages, 1)
	assert.Len(t, res.System, 1)
	assert.Len(t, res.Tools, 1)
}

func TestLookup_UnknownProviderReturnsNil(t *testing.T) {
	assert.Nil(t, Lookup("does-not-exist"))
}

func TestAnthropicBuiltin_MissingEverythingReturnsFalse(t *testing.T) {
	fn := Lookup("anthropic")
	_, ok := fn(map[string]any{}, map[string]any{"model": "claude-3-opus"})
	assert.False(t, ok)
}

func TestRegister_AddsNewBuiltin(t *testing.T) {
	Register("custom-provider", anthropicBuiltin)
	assert.NotNil(t, Lookup("custom-provider"))
}
