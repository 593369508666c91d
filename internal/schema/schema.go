// Package schema validates tool-call arguments against the structural input
// schema a child server advertises.
//
// Only the subset child servers actually emit is understood: string, number,
// integer, boolean, array (with items) and object (with properties and
// required). Any other shape compiles to a node that accepts every value.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind tags a compiled schema node.
type Kind int

const (
	KindAny Kind = iota
	KindString
	KindNumber
	KindInteger
	KindBoolean
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindInteger:
		return "integer"
	case KindBoolean:
		return "boolean"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "any"
	}
}

// Node is a compiled schema. A nil *Node accepts anything.
type Node struct {
	Kind Kind

	// Items is the element schema for KindArray; nil accepts any element.
	Items *Node

	// Properties is nil for an object that declares none; such an object
	// accepts any record.
	Properties map[string]*Node
	Required   []string
}

// Compile builds a Node from a decoded JSON schema. It accepts the generic
// map form as well as any value that marshals to a JSON object, such as the
// typed input schema structs of MCP client libraries.
func Compile(raw any) *Node {
	m, ok := raw.(map[string]any)
	if !ok {
		m = toMap(raw)
	}
	if m == nil {
		return &Node{Kind: KindAny}
	}
	return compileMap(m)
}

func compileMap(m map[string]any) *Node {
	t, _ := m["type"].(string)
	switch t {
	case "string":
		return &Node{Kind: KindString}
	case "number":
		return &Node{Kind: KindNumber}
	case "integer":
		return &Node{Kind: KindInteger}
	case "boolean":
		return &Node{Kind: KindBoolean}
	case "array":
		n := &Node{Kind: KindArray}
		if items, ok := m["items"].(map[string]any); ok {
			n.Items = compileMap(items)
		}
		return n
	case "object":
		n := &Node{Kind: KindObject}
		if props, ok := m["properties"].(map[string]any); ok {
			n.Properties = make(map[string]*Node, len(props))
			for name, p := range props {
				pm, _ := p.(map[string]any)
				if pm == nil {
					n.Properties[name] = &Node{Kind: KindAny}
					continue
				}
				n.Properties[name] = compileMap(pm)
			}
			n.Required = stringList(m["required"])
		}
		return n
	default:
		return &Node{Kind: KindAny}
	}
}

// ValidationError reports the first value that did not satisfy the schema.
type ValidationError struct {
	Path    string
	Missing bool
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Missing {
		return fmt.Sprintf("missing required parameter '%s'", e.Path)
	}
	return fmt.Sprintf("parameter '%s': %s", e.Path, e.Reason)
}

// Validate checks value against n and returns a *ValidationError for the
// first failure, or nil.
func (n *Node) Validate(value any) error {
	return n.validate(nil, value)
}

func (n *Node) validate(path []string, value any) error {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case KindString:
		if _, ok := value.(string); !ok {
			return typeError(path, "string", value)
		}
	case KindNumber:
		if _, ok := asFloat(value); !ok {
			return typeError(path, "number", value)
		}
	case KindInteger:
		f, ok := asFloat(value)
		if !ok || f != math.Trunc(f) {
			return typeError(path, "integer", value)
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return typeError(path, "boolean", value)
		}
	case KindArray:
		items, ok := value.([]any)
		if !ok {
			return typeError(path, "array", value)
		}
		for i, item := range items {
			if err := n.Items.validate(append(path, strconv.Itoa(i)), item); err != nil {
				return err
			}
		}
	case KindObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return typeError(path, "object", value)
		}
		return n.validateObject(path, obj)
	}
	return nil
}

func (n *Node) validateObject(path []string, obj map[string]any) error {
	if n.Properties == nil {
		return nil
	}
	for _, key := range n.Required {
		if _, ok := obj[key]; !ok {
			return &ValidationError{Path: joinPath(append(path, key)), Missing: true}
		}
	}
	keys := make([]string, 0, len(n.Properties))
	for k := range n.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		v, ok := obj[key]
		if !ok {
			continue
		}
		if err := n.Properties[key].validate(append(path, key), v); err != nil {
			return err
		}
	}
	return nil
}

func typeError(path []string, want string, got any) *ValidationError {
	return &ValidationError{
		Path:   joinPath(path),
		Reason: fmt.Sprintf("expected %s, received %s", want, describe(got)),
	}
}

func joinPath(path []string) string {
	if len(path) == 0 {
		return "(root)"
	}
	return strings.Join(path, ".")
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	if _, ok := asFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, s := range x {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func toMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
