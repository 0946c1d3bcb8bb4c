package pathexpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDoc(t *testing.T, v any) any {
	t.Helper()
	return v
}

func TestEval_SimpleKeyPath(t *testing.T) {
	expr, err := Compile("usage.input_tokens")
	require.NoError(t, err)

	doc := map[string]any{
		"usage": map[string]any{"input_tokens": float64(3)},
	}
	res := Eval(expr, doc)
	assert.True(t, res.Present)
	assert.Equal(t, float64(3), res.Value)
}

func TestEval_MissingSegmentIsNoneNotEmptyList(t *testing.T) {
	expr, err := Compile("usage.cache_read_input_tokens")
	require.NoError(t, err)

	doc := map[string]any{"usage": map[string]any{"input_tokens": float64(3)}}
	res := Eval(expr, doc)
	assert.False(t, res.Present)
	assert.Nil(t, res.Values)
}

func TestEval_WildcardPreservesArrayLength(t *testing.T) {
	expr, err := Compile("messages[*].content")
	require.NoError(t, err)

	doc := map[string]any{
		"messages": []any{
			map[string]any{"content": "a"},
			map[string]any{"content": "b"},
			map[string]any{"content": "c"},
		},
	}
	res := Eval(expr, doc)
	require.NotNil(t, res.Values)
	assert.Len(t, res.Values, 3)
	assert.Equal(t, []any{"a", "b", "c"}, res.Values)
}

func TestEval_WildcardOnEmptyArrayReturnsEmptyListNotNone(t *testing.T) {
	expr, err := Compile("messages[*].content")
	require.NoError(t, err)

	doc := map[string]any{"messages": []any{}}
	res := Eval(expr, doc)
	require.NotNil(t, res.Values)
	assert.Empty(t, res.Values)
}

func TestEval_WildcardFiltersNullAndEmpty(t *testing.T) {
	expr, err := Compile("messages[*].content")
	require.NoError(t, err)

	doc := map[string]any{
		"messages": []any{
			map[string]any{"content": "a"},
			map[string]any{"content": nil},
			map[string]any{"content": ""},
			map[string]any{"content": "d"},
		},
	}
	res := Eval(expr, doc)
	assert.Equal(t, []any{"a", "d"}, res.Values)
}

func TestEval_IndexSegment(t *testing.T) {
	expr, err := Compile("choices[0].message.role")
	require.NoError(t, err)

	doc := map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant"}},
		},
	}
	res := Eval(expr, mustDoc(t, doc))
	assert.True(t, res.Present)
	assert.Equal(t, "assistant", res.Value)
}

func TestEvalAlternates_TriesNextOnNoneNotOnEmptyList(t *testing.T) {
	primary := MustCompile("usage.input_tokens")
	alt := MustCompile("usageMetadata.promptTokenCount")

	doc := map[string]any{"usageMetadata": map[string]any{"promptTokenCount": float64(7)}}
	res := EvalAlternates(primary, []*Expr{alt}, doc)
	assert.True(t, res.Present)
	assert.Equal(t, float64(7), res.Value)
}

func TestEvalAlternates_EmptyWildcardListDoesNotFallThrough(t *testing.T) {
	primary := MustCompile("messages[*].content")
	alt := MustCompile("fallback[*].content")

	doc := map[string]any{
		"messages": []any{},
		"fallback": []any{map[string]any{"content": "x"}},
	}
	res := EvalAlternates(primary, []*Expr{alt}, doc)
	require.NotNil(t, res.Values)
	assert.Empty(t, res.Values)
}

func TestCompile_StripsRootMarker(t *testing.T) {
	a, err := Compile("$.a.b[*]")
	require.NoError(t, err)
	b, err := Compile("a.b[*]")
	require.NoError(t, err)
	assert.Equal(t, a.segments, b.segments)
}

func TestCompile_InvalidBracketIndex(t *testing.T) {
	_, err := Compile("a[x]")
	assert.Error(t, err)
}
