// Package mcputil bridges the go-sdk's raw JSON tool arguments and results
// to typed values.
package mcputil

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Args is a decoded tool argument object.
type Args map[string]any

// ParseArgs decodes raw tool arguments. Empty input is an empty Args;
// anything other than a JSON object is an error.
func ParseArgs(raw json.RawMessage) (Args, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Args{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if m == nil {
		return Args{}, nil
	}
	return Args(m), nil
}

// String returns the string at key, or def if it is absent or not a string.
func (a Args) String(key, def string) string {
	s, ok := a[key].(string)
	if !ok {
		return def
	}
	return s
}

// Required returns the non-empty string at key.
func (a Args) Required(key string) (string, error) {
	s := a.String(key, "")
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

// Int returns the number at key truncated to int, or def if it is absent
// or not a number. JSON numbers decode as float64.
func (a Args) Int(key string, def int) int {
	f, ok := a[key].(float64)
	if !ok {
		return def
	}
	return int(f)
}

// Text creates a successful result with text content.
func Text(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// JSON creates a successful result holding v as indented JSON.
func JSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return Text(string(data)), nil
}

// Error creates a tool-level error result. The model sees msg; the
// protocol call itself succeeds.
func Error(msg string) *mcp.CallToolResult {
	var r mcp.CallToolResult
	r.SetError(errors.New(msg))
	return &r
}
