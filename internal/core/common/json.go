// Package common holds helpers shared by the LLM-facing parts of the engine.
package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNoJSON = errors.New("no JSON object in response")

// ParseJSON decodes the JSON object embedded in an LLM response into T. Markdown
// fences and chatter around the object are ignored.
func ParseJSON[T any](response string) (T, error) {
	var out T
	body, err := ExtractObject(response)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return out, nil
}

// ExtractObject returns the span from the first '{' to the last '}' of s, after
// removing a ```json fence if present.
func ExtractObject(s string) (string, error) {
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			s = rest[:j]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", ErrNoJSON
	}
	return s[start : end+1], nil
}
