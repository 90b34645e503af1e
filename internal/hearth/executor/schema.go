package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/hearth/internal/hearth/catalog"
)

// functionValues is the subset of a function's "values" constraints the
// schema is built from.
type functionValues struct {
	Min    *float64 `json:"min"`
	Max    *float64 `json:"max"`
	Range  []string `json:"range"`
	MaxLen *int     `json:"maxlen"`
}

// SchemaFor returns the JSON Schema document a function's value must
// satisfy. Unknown types accept any value.
func SchemaFor(fn catalog.Function) (map[string]any, error) {
	var vals functionValues
	if len(bytes.TrimSpace(fn.Values)) > 0 {
		if err := json.Unmarshal(fn.Values, &vals); err != nil {
			return nil, fmt.Errorf("function %q: decode values: %w", fn.Code, err)
		}
	}
	schema := map[string]any{}
	switch strings.ToLower(fn.Type) {
	case "boolean", "bool":
		schema["type"] = "boolean"
	case "integer", "value":
		schema["type"] = "integer"
		if vals.Min != nil {
			schema["minimum"] = *vals.Min
		}
		if vals.Max != nil {
			schema["maximum"] = *vals.Max
		}
	case "enum":
		if len(vals.Range) == 0 {
			return nil, fmt.Errorf("function %q: enum without range", fn.Code)
		}
		schema["type"] = "string"
		schema["enum"] = vals.Range
	case "string":
		schema["type"] = "string"
		if vals.MaxLen != nil {
			schema["maxLength"] = *vals.MaxLen
		}
	}
	return schema, nil
}

// SchemaCache compiles function schemas once per distinct type and
// constraint set. It is safe for concurrent use.
type SchemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewSchemaCache returns an empty cache.
func NewSchemaCache() *SchemaCache {
	return &SchemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

func (c *SchemaCache) schema(fn catalog.Function) (*jsonschema.Schema, error) {
	key := strings.ToLower(fn.Type) + "\x00" + string(fn.Values)

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[key]; ok {
		return s, nil
	}

	doc, err := SchemaFor(fn)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("function %q: marshal schema: %w", fn.Code, err)
	}
	url := fmt.Sprintf("mem://functions/%d.json", len(c.compiled))
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("function %q: add schema: %w", fn.Code, err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("function %q: compile schema: %w", fn.Code, err)
	}
	c.compiled[key] = s
	return s, nil
}

// Validate checks value against fn's schema. Failures wrap
// ErrSchemaMismatch.
func (c *SchemaCache) Validate(fn catalog.Function, value any) error {
	s, err := c.schema(fn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	doc, err := normalize(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s=%v: %v", ErrSchemaMismatch, fn.Code, value, err)
	}
	return nil
}

// normalize turns an arbitrary Go value into the decoded-JSON form the
// validator expects.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

// lookupFunction finds code among fns.
func lookupFunction(fns []catalog.Function, code string) (catalog.Function, bool) {
	for _, f := range fns {
		if f.Code == code {
			return f, true
		}
	}
	return catalog.Function{}, false
}
