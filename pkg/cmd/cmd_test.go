package cmd

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoints(t *testing.T) {
	endpoints := ParseEndpoints([]string{
		"weather=http://localhost:8001/ask",
		" research = http://localhost:8002/ask ",
		"malformed",
		"=http://no-id",
		"no-url=",
	})

	assert.Equal(t, map[string]string{
		"weather":  "http://localhost:8001/ask",
		"research": "http://localhost:8002/ask",
	}, endpoints)
}

func TestNewRegistry_NativeTransforms(t *testing.T) {
	reg := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))

	identity, err := reg.Transform("identity")
	require.NoError(t, err)

	out, err := identity(map[string]any{"latest_result": "value"})
	require.NoError(t, err)
	assert.Equal(t, "value", out)

	// With several inputs identity passes the whole map through.
	out, err = identity(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, out)

	concat, err := reg.Transform("concat_text")
	require.NoError(t, err)

	out, err = concat(map[string]any{"2": "second", "1": "first"})
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", out)
}

func TestNewRegistry_NativePredicates(t *testing.T) {
	reg := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))

	nonEmpty, err := reg.Predicate("non_empty")
	require.NoError(t, err)

	verdict, err := nonEmpty("hello")
	require.NoError(t, err)
	assert.True(t, verdict)

	verdict, err = nonEmpty("   ")
	require.NoError(t, err)
	assert.False(t, verdict)

	isError, err := reg.Predicate("is_error")
	require.NoError(t, err)

	verdict, err = isError(map[string]any{"error": "boom"})
	require.NoError(t, err)
	assert.True(t, verdict)

	verdict, err = isError("fine")
	require.NoError(t, err)
	assert.False(t, verdict)
}

func TestDescribe(t *testing.T) {
	reg := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Contains(t, Describe(reg), "identity")
	assert.Contains(t, Describe(reg), "concat_text")
}
