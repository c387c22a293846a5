package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// fencePattern matches ```json ... ``` or ``` ... ``` blocks.
var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)\\s*\\n?```")

// ExtractJSON decodes the JSON value in a model response. Models often wrap
// JSON in code fences or surround it with prose; both are tolerated.
func ExtractJSON(raw string) (interface{}, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("response is empty")
	}

	if v, err := decode(text); err == nil {
		return v, nil
	}

	for _, m := range fencePattern.FindAllStringSubmatch(text, -1) {
		if v, err := decode(m[1]); err == nil {
			return v, nil
		}
	}

	start := strings.IndexAny(text, "{[")
	if start >= 0 {
		closer := "}"
		if text[start] == '[' {
			closer = "]"
		}
		if end := strings.LastIndex(text, closer); end > start {
			if v, err := decode(text[start : end+1]); err == nil {
				return v, nil
			}
		}
	}
	return nil, fmt.Errorf("response does not contain valid JSON")
}

// ExtractObject is ExtractJSON restricted to JSON objects.
func ExtractObject(raw string) (map[string]interface{}, error) {
	v, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("response is JSON %s, not an object", jsonType(v))
	}
	return obj, nil
}

func decode(s string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

var fieldLinePattern = regexp.MustCompile(`^\s*(?:[-*]\s*)?([A-Za-z_][A-Za-z0-9_]*)\s*:\s*(.*?)\s*$`)

// parseFieldLines reads "key: value" lines, the fallback for template contracts
// when a model answers in plain text.
func parseFieldLines(raw string) map[string]interface{} {
	fields := make(map[string]interface{})
	for _, line := range strings.Split(raw, "\n") {
		m := fieldLinePattern.FindStringSubmatch(line)
		if m == nil || m[2] == "" {
			continue
		}
		if _, exists := fields[m[1]]; !exists {
			fields[m[1]] = m[2]
		}
	}
	return fields
}
