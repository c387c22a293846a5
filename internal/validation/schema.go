package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
)

const (
	rootPath  = "$"
	schemaURL = "mem://reqflow/output-contract.json"
)

// compiled caches compiled contracts. Definitions are immutable after load,
// so the *core.Schema pointer identifies a contract for the process lifetime.
var compiled sync.Map

// CompileSchema compiles a contract schema, reporting malformed schemas.
func CompileSchema(schema *core.Schema) (*jsonschema.Schema, error) {
	if cached, ok := compiled.Load(schema); ok {
		return cached.(*jsonschema.Schema), nil
	}
	doc, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encoding schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	sch, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	actual, _ := compiled.LoadOrStore(schema, sch)
	return actual.(*jsonschema.Schema), nil
}

// CheckSchema returns the first violation of schema by value, or nil.
// Violations are ordered by instance location, shallower and lower-indexed
// first, then by keyword, so the same input always names the same path.
// A missing required field is named in the schema's declared order.
func CheckSchema(value interface{}, schema *core.Schema) error {
	if schema == nil {
		return nil
	}
	sch, err := CompileSchema(schema)
	if err != nil {
		return core.ErrDefinition(core.CodeInvalidDefinition, err.Error())
	}

	err = sch.Validate(value)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return violation(nil, err.Error())
	}

	leaves := leafCauses(verr, nil)
	sort.SliceStable(leaves, func(i, j int) bool {
		return lessCause(leaves[i], leaves[j])
	})
	return describeCause(leaves[0], value, schema)
}

type cause struct {
	instance []string
	keyword  []string
	message  string
}

func leafCauses(e *jsonschema.ValidationError, out []cause) []cause {
	if len(e.Causes) == 0 {
		return append(out, cause{
			instance: pointerTokens(e.InstanceLocation),
			keyword:  pointerTokens(e.KeywordLocation),
			message:  e.Message,
		})
	}
	for _, c := range e.Causes {
		out = leafCauses(c, out)
	}
	return out
}

var keywordRank = map[string]int{
	"type":                 0,
	"enum":                 1,
	"required":             2,
	"additionalProperties": 3,
}

func (c cause) keywordName() string {
	if len(c.keyword) == 0 {
		return ""
	}
	return c.keyword[len(c.keyword)-1]
}

func lessCause(a, b cause) bool {
	for i := 0; i < len(a.instance) && i < len(b.instance); i++ {
		if a.instance[i] == b.instance[i] {
			continue
		}
		ai, aerr := strconv.Atoi(a.instance[i])
		bi, berr := strconv.Atoi(b.instance[i])
		if aerr == nil && berr == nil {
			return ai < bi
		}
		return a.instance[i] < b.instance[i]
	}
	if len(a.instance) != len(b.instance) {
		return len(a.instance) < len(b.instance)
	}
	ra, aok := keywordRank[a.keywordName()]
	rb, bok := keywordRank[b.keywordName()]
	if !aok {
		ra = len(keywordRank)
	}
	if !bok {
		rb = len(keywordRank)
	}
	if ra != rb {
		return ra < rb
	}
	return strings.Join(a.keyword, "/") < strings.Join(b.keyword, "/")
}

// describeCause turns a library cause into a violation naming a field path.
func describeCause(c cause, value interface{}, root *core.Schema) *core.SchemaViolationError {
	node := schemaAt(root, c.keyword)
	instance, _ := instanceAt(value, c.instance)

	switch c.keywordName() {
	case "required":
		if obj, ok := instance.(map[string]interface{}); ok && node != nil {
			for _, name := range node.Required {
				if _, present := obj[name]; !present {
					return violation(append(c.instance, name), "required field is missing")
				}
			}
		}
	case "additionalProperties":
		if obj, ok := instance.(map[string]interface{}); ok && node != nil {
			extra := make([]string, 0)
			for name := range obj {
				if _, declared := node.Properties[name]; !declared {
					extra = append(extra, name)
				}
			}
			if len(extra) > 0 {
				sort.Strings(extra)
				return violation(append(c.instance, extra[0]), "field is not allowed")
			}
		}
	case "enum":
		if node != nil {
			return violation(c.instance, fmt.Sprintf("value %s is not one of %s", describe(instance), describeEnum(node.Enum)))
		}
	}
	return violation(c.instance, c.message)
}

// schemaAt follows a keyword location, minus its final keyword, through the contract.
func schemaAt(root *core.Schema, keyword []string) *core.Schema {
	node := root
	for i := 0; i < len(keyword)-1 && node != nil; i++ {
		switch keyword[i] {
		case "properties":
			i++
			if i >= len(keyword) {
				return nil
			}
			node = node.Properties[keyword[i]]
		case "items":
			node = node.Items
		default:
			return nil
		}
	}
	return node
}

func instanceAt(value interface{}, tokens []string) (interface{}, bool) {
	cur := value
	for _, tok := range tokens {
		switch v := cur.(type) {
		case map[string]interface{}:
			next, ok := v[tok]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			idx, err := strconv.Atoi(tok)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// pointerTokens splits a JSON pointer such as /a/0/b into unescaped tokens.
func pointerTokens(ptr string) []string {
	ptr = strings.TrimPrefix(ptr, "#")
	if ptr == "" || ptr == "/" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(ptr, "/"), "/")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
	}
	return parts
}

// fieldPath renders tokens as a.b[0].c; the root is $.
func fieldPath(tokens []string) string {
	if len(tokens) == 0 {
		return rootPath
	}
	var b strings.Builder
	for _, tok := range tokens {
		if _, err := strconv.Atoi(tok); err == nil {
			b.WriteString("[" + tok + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(tok)
	}
	return b.String()
}

func violation(tokens []string, reason string) *core.SchemaViolationError {
	return &core.SchemaViolationError{Path: fieldPath(tokens), Reason: reason}
}

func jsonType(value interface{}) string {
	switch value.(type) {
	case nil:
		return "null"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case float64, json.Number:
		return "number"
	case bool:
		return "boolean"
	}
	return fmt.Sprintf("%T", value)
}

func describe(v interface{}) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", v)
}

func describeEnum(enum []interface{}) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		parts[i] = describe(e)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
