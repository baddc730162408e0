// Package tool holds function-tool definitions the model can call and the
// registry the client consults when a function_call item completes.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Choice string

const (
	ChoiceAuto Choice = "auto"
	ChoiceNone Choice = "none"
)

// Tool describes one callable function. Parameters is a JSON Schema object
// declaring the argument shape.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Handler executes a tool call. Arguments arrive parsed from the accumulated
// arguments JSON; the returned value is serialized back to the model.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Registered pairs a tool definition with its handler.
type Registered struct {
	Definition Tool
	Handler    Handler
	schema     *jsonschema.Schema
}

// ValidateArguments checks parsed call arguments against the declared
// parameter schema. Tools registered without parameters accept anything.
func (r *Registered) ValidateArguments(args map[string]any) error {
	if r.schema == nil {
		return nil
	}
	if err := r.schema.Validate(toValidatable(args)); err != nil {
		return fmt.Errorf("arguments do not match schema for tool %q: %w", r.Definition.Name, err)
	}
	return nil
}

// Registry maps tool names to definitions and handlers. Names are unique.
type Registry struct {
	mu    sync.Mutex
	tools map[string]*Registered
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]*Registered{}}
}

// Add registers a tool. The name must be non-empty and unused, the handler
// non-nil, and the parameter declaration a compilable JSON Schema.
func (r *Registry) Add(def Tool, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("missing tool name")
	}
	if handler == nil {
		return fmt.Errorf("tool %q: handler must not be nil", def.Name)
	}
	if def.Type == "" {
		def.Type = "function"
	}

	var schema *jsonschema.Schema
	if def.Parameters != nil {
		var err error
		schema, err = compileSchema(def.Name, def.Parameters)
		if err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[def.Name]; ok {
		return fmt.Errorf("tool %q already added", def.Name)
	}
	r.tools[def.Name] = &Registered{Definition: def, Handler: handler, schema: schema}
	return nil
}

// Remove unregisters a tool by name.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return fmt.Errorf("tool %q does not exist, cannot be removed", name)
	}
	delete(r.tools, name)
	return nil
}

// Get returns the registered tool by name.
func (r *Registry) Get(name string) (*Registered, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Definitions returns the definitions of all registered tools.
func (r *Registry) Definitions() []Tool {
	r.mu.Lock()
	defer r.mu.Unlock()
	defs := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	return defs
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("tool %q: marshal parameters: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("tool %q: parse parameters: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("parameters.json", doc); err != nil {
		return nil, fmt.Errorf("tool %q: add schema resource: %w", name, err)
	}
	schema, err := c.Compile("parameters.json")
	if err != nil {
		return nil, fmt.Errorf("tool %q: invalid parameters schema: %w", name, err)
	}
	return schema, nil
}

// toValidatable round-trips args through the schema library's JSON decoder so
// numbers validate regardless of how the caller decoded them.
func toValidatable(args map[string]any) any {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return args
	}
	return doc
}
