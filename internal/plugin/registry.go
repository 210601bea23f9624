package plugin

import (
	"fmt"
	"sort"
)

// Registry holds the plugin records keyed by type id. It is populated once
// during boot and never mutated afterwards, so reads take no lock.
type Registry struct {
	plugins map[string]*Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Plugin)}
}

// Register adds a plugin record. Duplicate ids and structurally incomplete
// records are rejected. Register is boot-time only and not safe for use
// concurrently with Get/All.
func (r *Registry) Register(p *Plugin) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, exists := r.plugins[p.ID]; exists {
		return fmt.Errorf("plugin %s: already registered", p.ID)
	}
	r.plugins[p.ID] = p
	return nil
}

// Get returns the plugin for a type id, or nil when unknown.
func (r *Registry) Get(id string) *Plugin {
	return r.plugins[id]
}

// All returns every registered plugin sorted by id.
func (r *Registry) All() []*Plugin {
	out := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	return len(r.plugins)
}
