package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	t.Run("empty registry", func(t *testing.T) {
		_, ok := r.Get("stub")
		assert.False(t, ok)
		assert.Empty(t, r.Names())
	})

	t.Run("register and get", func(t *testing.T) {
		r.Register(NewStub())
		r.Register(NewOpenAI(WithAPIKey("sk-test")))

		p, ok := r.Get(StubName)
		require.True(t, ok)
		assert.Equal(t, StubName, p.Name())

		assert.Equal(t, []string{OpenAIName, StubName}, r.Names())
	})

	t.Run("re-register replaces", func(t *testing.T) {
		replacement := NewOpenAI(WithAPIKey("sk-other"), WithModel("gpt-4o"))
		r.Register(replacement)

		p, ok := r.Get(OpenAIName)
		require.True(t, ok)
		assert.Same(t, Provider(replacement), p)
		assert.Len(t, r.Names(), 2)
	})
}
