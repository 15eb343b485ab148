// Package template renders task config values against the request of the task being run.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"
)

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"env": os.Getenv,
}

// NeedsTemplating reports whether input contains a template action.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// RenderString executes input as a text/template over data.
func RenderString(input string, data any) (string, error) {
	if !NeedsTemplating(input) {
		return input, nil
	}

	tmpl, err := template.New("config").Option("missingkey=zero").Funcs(funcs).Parse(input)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", input, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", input, err)
	}

	return buf.String(), nil
}

// Render executes input and converts the output to JSON, number or bool when it parses
// as one, falling back to the string.
func Render(input string, data any) (any, error) {
	rendered, err := RenderString(input, data)
	if err != nil {
		return nil, err
	}

	result := strings.TrimSpace(rendered)
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", input, err)
		}

		return jsonResult, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return rendered, nil
}

// RenderMap renders every templated string in config, recursing into nested maps and
// slices. Values without a template action are copied as they are.
func RenderMap(config map[string]any, data any) (map[string]any, error) {
	rendered := make(map[string]any, len(config))

	for key, value := range config {
		out, err := renderValue(value, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render %q: %w", key, err)
		}

		rendered[key] = out
	}

	return rendered, nil
}

func renderValue(value any, data any) (any, error) {
	switch typed := value.(type) {
	case string:
		if !NeedsTemplating(typed) {
			return typed, nil
		}

		return RenderString(typed, data)
	case map[string]any:
		return RenderMap(typed, data)
	case []any:
		items := make([]any, 0, len(typed))

		for _, item := range typed {
			out, err := renderValue(item, data)
			if err != nil {
				return nil, err
			}

			items = append(items, out)
		}

		return items, nil
	default:
		return value, nil
	}
}
