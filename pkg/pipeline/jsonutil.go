package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

// extractJSON pulls a JSON object out of a model response, preferring fenced
// code blocks, then the first balanced object found in free text.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	if start := strings.Index(response, "```json"); start != -1 {
		start += 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if strings.HasPrefix(content, "{") {
				return content
			}
		}
	}

	if start := strings.Index(response, "{"); start != -1 {
		return extractBalanced(response, start, '{', '}')
	}

	return ""
}

// extractJSONArray is extractJSON for top-level arrays.
func extractJSONArray(response string) string {
	response = strings.TrimSpace(response)

	if start := strings.Index(response, "```json"); start != -1 {
		start += 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = strings.TrimSpace(response[start : start+end])
		}
	}

	if start := strings.Index(response, "["); start != -1 {
		return extractBalanced(response, start, '[', ']')
	}
	return ""
}

// extractBalanced returns the balanced open..close span starting at start,
// skipping string literals and escapes.
func extractBalanced(s string, start int, open, close byte) string {
	if start >= len(s) || s[start] != open {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// decodeStrict extracts the JSON object from a model response and validates
// it against the schema derived from T before unmarshaling. Any failure is a
// contract violation; a raw model string never crosses this boundary.
func decodeStrict[T any](response string) (T, error) {
	var zero T

	raw := extractJSON(response)
	if raw == "" {
		return zero, fmt.Errorf("no JSON object in model response")
	}

	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return zero, fmt.Errorf("derive response schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return zero, fmt.Errorf("resolve response schema: %w", err)
	}

	var instance any
	if err := json.Unmarshal([]byte(raw), &instance); err != nil {
		return zero, fmt.Errorf("parse model response: %w", err)
	}
	if err := resolved.Validate(instance); err != nil {
		return zero, fmt.Errorf("model response failed schema check: %w", err)
	}

	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return zero, fmt.Errorf("decode model response: %w", err)
	}
	return out, nil
}
