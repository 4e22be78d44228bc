package cmd

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/flowmesh/flowmesh/pkg/registry"
	"github.com/flowmesh/flowmesh/pkg/template"
)

// NewRegistry builds a registry with the native transforms and predicates
// every deployment gets. Callers register their own on top.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)

	registerNativeTransforms(reg)
	registerNativePredicates(reg)

	return reg
}

func registerNativeTransforms(reg *registry.Registry) {
	// identity passes its single input through unchanged.
	reg.RegisterTransform("identity", func(inputs map[string]any) (any, error) {
		if len(inputs) == 1 {
			for _, value := range inputs {
				return value, nil
			}
		}

		return inputs, nil
	})

	// concat_text joins the string forms of every input, ordered by key, so
	// join aggregates ("1".."n") concatenate in branch order.
	reg.RegisterTransform("concat_text", func(inputs map[string]any) (any, error) {
		keys := make([]string, 0, len(inputs))
		for key := range inputs {
			keys = append(keys, key)
		}

		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, template.Stringify(inputs[key]))
		}

		return strings.Join(parts, "\n"), nil
	})

	// to_json renders the inputs map as a JSON string.
	reg.RegisterTransform("to_json", func(inputs map[string]any) (any, error) {
		return template.Stringify(inputs), nil
	})
}

func registerNativePredicates(reg *registry.Registry) {
	reg.RegisterPredicate("non_empty", func(value any) (bool, error) {
		return strings.TrimSpace(template.Stringify(value)) != "", nil
	})

	reg.RegisterPredicate("is_error", func(value any) (bool, error) {
		m, ok := value.(map[string]any)
		if !ok {
			return false, nil
		}

		_, hasError := m["error"]

		return hasError, nil
	})
}

// Describe lists the registered transform names for CLI output.
func Describe(reg *registry.Registry) string {
	return fmt.Sprintf("transforms: %s", strings.Join(reg.TransformNames(), ", "))
}
