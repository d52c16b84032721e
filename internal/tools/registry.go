// Package tools defines the named data-retrieval operations the model may
// call and the immutable registry that holds them.
package tools

import (
	"context"
	"fmt"
)

// Descriptor is what the model sees when choosing a tool.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Schema      Schema `json:"parameters"`
}

// Tool is one callable operation. Execute must always return a Result and
// never panic on bad input; arguments have already passed ValidateArguments.
type Tool interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, organizationID string, args map[string]any) Result
}

// Registry is a fixed, ordered set of tools. It is built once at startup and
// safe for concurrent reads.
type Registry struct {
	order  []string
	byName map[string]Tool
}

// NewRegistry returns a registry holding ts in the given order.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		name := t.Descriptor().Name
		if name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		r.byName[name] = t
		r.order = append(r.order, name)
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Descriptors returns the descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Descriptor())
	}
	return out
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	return len(r.order)
}
