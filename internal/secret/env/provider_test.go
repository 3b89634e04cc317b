package env

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_Get(t *testing.T) {
	p := New()
	ctx := context.Background()

	t.Run("set variable", func(t *testing.T) {
		t.Setenv("PARLEY_TEST_SECRET", "hunter2")
		value, err := p.Get(ctx, "PARLEY_TEST_SECRET")
		require.NoError(t, err)
		assert.Equal(t, "hunter2", value)
	})

	t.Run("empty is a value, not an error", func(t *testing.T) {
		t.Setenv("PARLEY_TEST_EMPTY", "")
		value, err := p.Get(ctx, "PARLEY_TEST_EMPTY")
		require.NoError(t, err)
		assert.Equal(t, "", value)
	})

	t.Run("unset variable errors", func(t *testing.T) {
		_, err := p.Get(ctx, "PARLEY_TEST_DEFINITELY_UNSET")
		assert.Error(t, err)
	})

	t.Run("close is a no-op", func(t *testing.T) {
		assert.NoError(t, p.Close())
	})
}
