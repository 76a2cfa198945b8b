package pipeline

import (
	"math"
	"sort"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// Context is an insertion-ordered string-keyed map holding stage or execution variables
type Context struct {
	m *orderedmap.OrderedMap[string, any]
}

// NewContext returns an empty context
func NewContext() Context {
	return Context{m: orderedmap.New[string, any]()}
}

// ContextFrom builds a context from a plain map. Keys are inserted in sorted
// order so the result does not depend on map iteration.
func ContextFrom(values map[string]any) Context {
	c := NewContext()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.m.Set(k, values[k])
	}
	return c
}

func (c *Context) ensure() {
	if c.m == nil {
		c.m = orderedmap.New[string, any]()
	}
}

// Get returns the value stored under key
func (c Context) Get(key string) (any, bool) {
	if c.m == nil {
		return nil, false
	}
	return c.m.Get(key)
}

// Set stores value under key, keeping the original position of an existing key
func (c *Context) Set(key string, value any) {
	c.ensure()
	c.m.Set(key, value)
}

// Delete removes key
func (c *Context) Delete(key string) {
	if c.m == nil {
		return
	}
	c.m.Delete(key)
}

// Len returns the number of keys
func (c Context) Len() int {
	if c.m == nil {
		return 0
	}
	return c.m.Len()
}

// Keys returns the keys in insertion order
func (c Context) Keys() []string {
	keys := make([]string, 0, c.Len())
	if c.m == nil {
		return keys
	}
	for pair := c.m.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Merge copies every entry of values into the context. Map keys are applied in sorted order.
func (c *Context) Merge(values map[string]any) {
	if len(values) == 0 {
		return
	}
	c.ensure()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.m.Set(k, values[k])
	}
}

// ToMap returns an unordered copy of the entries
func (c Context) ToMap() map[string]any {
	out := make(map[string]any, c.Len())
	if c.m == nil {
		return out
	}
	for pair := c.m.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value
	}
	return out
}

// Clone returns a shallow copy that preserves key order
func (c Context) Clone() Context {
	out := NewContext()
	if c.m == nil {
		return out
	}
	for pair := c.m.Oldest(); pair != nil; pair = pair.Next() {
		out.m.Set(pair.Key, pair.Value)
	}
	return out
}

// MarshalJSON encodes the context as a JSON object preserving key order
func (c Context) MarshalJSON() ([]byte, error) {
	if c.m == nil {
		return []byte("{}"), nil
	}
	return c.m.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object, keeping the document's key order
func (c *Context) UnmarshalJSON(data []byte) error {
	c.m = orderedmap.New[string, any]()
	if string(data) == "null" {
		return nil
	}
	return c.m.UnmarshalJSON(data)
}

// MarshalYAML encodes the context as a plain mapping
func (c Context) MarshalYAML() (interface{}, error) {
	return c.ToMap(), nil
}

// UnmarshalYAML decodes a mapping into the context, keeping the document's key order
func (c *Context) UnmarshalYAML(node *yaml.Node) error {
	*c = NewContext()
	if node.Kind != yaml.MappingNode {
		var values map[string]any
		if err := node.Decode(&values); err != nil {
			return err
		}
		c.Merge(values)
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var value any
		if err := node.Content[i+1].Decode(&value); err != nil {
			return err
		}
		c.Set(node.Content[i].Value, value)
	}
	return nil
}

// ContextValue reads key from c and converts it to T. JSON-decoded numbers
// are float64, so numeric targets are converted from float64 as well.
func ContextValue[T any](c Context, key string) (T, bool) {
	var zero T
	raw, ok := c.Get(key)
	if !ok || raw == nil {
		return zero, false
	}
	if v, ok := raw.(T); ok {
		return v, true
	}

	switch any(zero).(type) {
	case int:
		if f, ok := raw.(float64); ok && f == math.Trunc(f) {
			return any(int(f)).(T), true
		}
	case int64:
		switch n := raw.(type) {
		case float64:
			if n != math.Trunc(n) {
				return zero, false
			}
			return any(int64(n)).(T), true
		case int:
			return any(int64(n)).(T), true
		}
	case float64:
		if n, ok := raw.(int); ok {
			return any(float64(n)).(T), true
		}
	}
	return zero, false
}
