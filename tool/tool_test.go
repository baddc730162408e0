package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func noopHandler(context.Context, map[string]any) (any, error) {
	return nil, nil
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Add(Tool{Name: "get_weather"}, noopHandler))
	require.ErrorContains(t, r.Add(Tool{Name: "get_weather"}, noopHandler), "already added")
	require.ErrorContains(t, r.Add(Tool{Name: ""}, noopHandler), "missing tool name")
	require.ErrorContains(t, r.Add(Tool{Name: "broken"}, nil), "handler must not be nil")

	require.True(t, r.Has("get_weather"))
	require.ErrorContains(t, r.Remove("nope"), "does not exist")
	require.NoError(t, r.Remove("get_weather"))
	require.False(t, r.Has("get_weather"))

	// Removing frees the name for re-registration.
	require.NoError(t, r.Add(Tool{Name: "get_weather"}, noopHandler))
}

func TestRegistryDefaultsType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(Tool{Name: "t"}, noopHandler))
	defs := r.Definitions()
	require.Len(t, defs, 1)
	require.Equal(t, "function", defs[0].Type)
}

func TestInvalidParameterSchemaRejected(t *testing.T) {
	r := NewRegistry()
	err := r.Add(Tool{
		Name:       "broken",
		Parameters: map[string]any{"type": 123},
	}, noopHandler)
	require.ErrorContains(t, err, "invalid parameters schema")
}

func TestValidateArguments(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(Tool{
		Name: "get_weather",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
			},
			"required": []any{"city"},
		},
	}, noopHandler))

	reg, ok := r.Get("get_weather")
	require.True(t, ok)

	require.NoError(t, reg.ValidateArguments(map[string]any{"city": "Berlin"}))
	require.Error(t, reg.ValidateArguments(map[string]any{}))
	require.Error(t, reg.ValidateArguments(map[string]any{"city": 42}))
}

func TestValidateArgumentsWithoutSchema(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(Tool{Name: "anything"}, noopHandler))
	reg, _ := r.Get("anything")
	require.NoError(t, reg.ValidateArguments(map[string]any{"whatever": true}))
}
