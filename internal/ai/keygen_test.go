package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/pkg/types"
)

func msgs(pairs ...string) []types.Message {
	if len(pairs)%2 != 0 {
		panic("msgs wants role/content pairs")
	}
	out := make([]types.Message, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, types.Message{Role: pairs[i], Content: pairs[i+1]})
	}
	return out
}

func TestCacheKey_Deterministic(t *testing.T) {
	conversation := msgs(types.RoleUser, "What's the weather?")

	k1 := cacheKey("openai", conversation, types.CompletionOptions{})
	k2 := cacheKey("openai", conversation, types.CompletionOptions{})

	require.Equal(t, k1, k2)
	assert.Len(t, k1, 64, "sha-256 hex digest")
}

func TestCacheKey_Normalization(t *testing.T) {
	base := cacheKey("openai", msgs(types.RoleUser, "hello world"), types.CompletionOptions{})

	t.Run("case folded", func(t *testing.T) {
		k := cacheKey("openai", msgs(types.RoleUser, "Hello World"), types.CompletionOptions{})
		assert.Equal(t, base, k)
	})

	t.Run("whitespace trimmed", func(t *testing.T) {
		k := cacheKey("openai", msgs(types.RoleUser, "  hello world\n"), types.CompletionOptions{})
		assert.Equal(t, base, k)
	})

	t.Run("interior whitespace preserved", func(t *testing.T) {
		k := cacheKey("openai", msgs(types.RoleUser, "hello  world"), types.CompletionOptions{})
		assert.NotEqual(t, base, k)
	})

	t.Run("timestamps ignored", func(t *testing.T) {
		stamped := []types.Message{types.NewMessage(types.RoleUser, "hello world")}
		k := cacheKey("openai", stamped, types.CompletionOptions{})
		assert.Equal(t, base, k)
	})
}

func TestCacheKey_Sensitivity(t *testing.T) {
	conversation := msgs(types.RoleUser, "hello")
	base := cacheKey("openai", conversation, types.CompletionOptions{})

	t.Run("provider", func(t *testing.T) {
		assert.NotEqual(t, base, cacheKey("stub", conversation, types.CompletionOptions{}))
	})

	t.Run("role", func(t *testing.T) {
		assert.NotEqual(t, base, cacheKey("openai", msgs(types.RoleSystem, "hello"), types.CompletionOptions{}))
	})

	t.Run("content", func(t *testing.T) {
		assert.NotEqual(t, base, cacheKey("openai", msgs(types.RoleUser, "goodbye"), types.CompletionOptions{}))
	})

	t.Run("message order", func(t *testing.T) {
		ab := cacheKey("openai", msgs(types.RoleUser, "a", types.RoleUser, "b"), types.CompletionOptions{})
		ba := cacheKey("openai", msgs(types.RoleUser, "b", types.RoleUser, "a"), types.CompletionOptions{})
		assert.NotEqual(t, ab, ba)
	})

	t.Run("temperature", func(t *testing.T) {
		temp := 0.7
		assert.NotEqual(t, base, cacheKey("openai", conversation, types.CompletionOptions{Temperature: &temp}))
	})

	t.Run("max tokens", func(t *testing.T) {
		assert.NotEqual(t, base, cacheKey("openai", conversation, types.CompletionOptions{MaxTokens: 512}))
	})
}

func TestCacheKey_MessageBoundaries(t *testing.T) {
	// Content crafted to mimic a following message must not collide with
	// an actual two-message conversation.
	joined := cacheKey("openai", msgs(types.RoleUser, "a\nuser:b"), types.CompletionOptions{})
	split := cacheKey("openai", msgs(types.RoleUser, "a", types.RoleUser, "b"), types.CompletionOptions{})
	assert.NotEqual(t, joined, split)
}
