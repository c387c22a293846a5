// Package render implements the {{field}} template syntax used by output
// contracts, notification messages and sink targets.
//
// Supported forms:
//
//	{{name}}                         value of a field
//	{{a.b}}                          nested field of a map
//	{{#each list}}...{{/each}}       body repeated per list element; map elements
//	                                 expose their keys, scalars are {{this}}
//
// Unknown placeholders are left in place.
package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)\s*\}\}`)
	sectionPattern     = regexp.MustCompile(`(?s)\{\{#each\s+([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}(.*?)\{\{/each\}\}`)
)

// Render substitutes placeholders in tmpl with values from fields.
func Render(tmpl string, fields map[string]interface{}) string {
	out := sectionPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := sectionPattern.FindStringSubmatch(match)
		name, body := sub[1], sub[2]
		value, ok := Lookup(fields, name)
		if !ok {
			return ""
		}
		items, ok := value.([]interface{})
		if !ok {
			return ""
		}
		var b strings.Builder
		for i, item := range items {
			scope := MergeFields(fields, nil)
			scope["this"] = item
			scope["index"] = i + 1
			if m, ok := item.(map[string]interface{}); ok {
				for k, v := range m {
					scope[k] = v
				}
			}
			b.WriteString(substitute(body, scope))
		}
		return b.String()
	})
	return substitute(out, fields)
}

func substitute(tmpl string, fields map[string]interface{}) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if value, ok := Lookup(fields, name); ok {
			return FormatValue(value)
		}
		return match
	})
}

// Placeholders returns the top-level fields tmpl needs, in order of first appearance.
// Each section contributes its list name; placeholders inside a section body
// refer to the list elements and are not included.
func Placeholders(tmpl string) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	type span struct {
		start, end int
		name       string
	}
	var sections []span
	for _, loc := range sectionPattern.FindAllStringSubmatchIndex(tmpl, -1) {
		sections = append(sections, span{loc[0], loc[1], tmpl[loc[2]:loc[3]]})
	}

	pos := 0
	for _, sec := range sections {
		for _, m := range placeholderPattern.FindAllStringSubmatch(tmpl[pos:sec.start], -1) {
			add(m[1])
		}
		add(sec.name)
		pos = sec.end
	}
	for _, m := range placeholderPattern.FindAllStringSubmatch(tmpl[pos:], -1) {
		add(m[1])
	}
	return names
}

// Missing returns the placeholders of tmpl with no value in fields.
func Missing(tmpl string, fields map[string]interface{}) []string {
	var missing []string
	for _, name := range Placeholders(tmpl) {
		if v, ok := Lookup(fields, name); !ok || v == nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// Lookup resolves a dotted path against nested maps.
func Lookup(fields map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			if sm, ok := current.(map[string]string); ok {
				v, found := sm[part]
				if !found {
					return nil, false
				}
				current = v
				continue
			}
			return nil, false
		}
		v, found := m[part]
		if !found {
			return nil, false
		}
		current = v
	}
	return current, true
}

// FormatValue renders a field value as text.
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool, int, int64, int32:
		return fmt.Sprintf("%v", val)
	case fmt.Stringer:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// MergeFields merges two field maps; override wins on name collision.
func MergeFields(base, override map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		result[k] = v
	}
	return result
}
