package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTokenConsuming_ByMessages(t *testing.T) {
	assert.True(t, IsTokenConsuming([]any{map[string]any{"role": "user"}}, false, "/v1/other"))
}

func TestIsTokenConsuming_EmptyMessagesDependsOnBudgetOrPath(t *testing.T) {
	assert.False(t, IsTokenConsuming(nil, false, "/v1/models"))
	assert.True(t, IsTokenConsuming(nil, true, "/v1/models"))
	assert.True(t, IsTokenConsuming(nil, false, "/v1/chat/completions"))
}

func TestRedact_PreservesRoleRedactsContent(t *testing.T) {
	in := []any{
		map[string]any{"role": "user", "content": "secret prompt"},
		map[string]any{"role": "assistant", "content": "secret reply"},
	}
	out := Redact(in)
	for _, m := range out {
		mm := m.(map[string]any)
		assert.Equal(t, "[REDACTED]", mm["content"])
		assert.NotEmpty(t, mm["role"])
	}
}

func TestRedact_NilMessagesStaysNil(t *testing.T) {
	assert.Nil(t, Redact(nil))
}

func TestTotalTokens_ExcludesCacheCounts(t *testing.T) {
	assert.EqualValues(t, 102, TotalTokens(3, 99))
}
