package models

import (
	"fmt"

	"dario.cat/mergo"
)

// MergeParams merges layers left to right; later layers override earlier keys.
func MergeParams(layers ...map[string]any) (map[string]any, error) {
	merged := make(map[string]any)

	for _, layer := range layers {
		if len(layer) == 0 {
			continue
		}

		if err := mergo.Merge(&merged, cloneMap(layer), mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge params: %w", err)
		}
	}

	return merged, nil
}

// InheritParams builds the params of a task from its upstream tasks, in edge order.
// Each upstream contributes its own params and then whatever it exported.
func InheritParams(upstream []*Task) (map[string]any, error) {
	layers := make([]map[string]any, 0, len(upstream)*2)

	for _, task := range upstream {
		layers = append(layers, task.Params, task.Exported)
	}

	return MergeParams(layers...)
}
