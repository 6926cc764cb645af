package domain

import (
	"fmt"
	"sort"
	"sync"
)

// PluginRegistry resolves classes by (category, name).
type PluginRegistry struct {
	mu       sync.RWMutex
	classes  map[string]map[string]*Class
	defaults map[string]string
}

// NewPluginRegistry creates an empty registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		classes:  make(map[string]map[string]*Class),
		defaults: make(map[string]string),
	}
}

// Register adds a class. Registering the same (category, name) twice fails.
func (p *PluginRegistry) Register(c *Class) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	byName, ok := p.classes[c.Category]
	if !ok {
		byName = make(map[string]*Class)
		p.classes[c.Category] = byName
	}
	if _, exists := byName[c.Name]; exists {
		return fmt.Errorf("plugin %q already registered in category %q", c.Name, c.Category)
	}
	byName[c.Name] = c
	return nil
}

// MustRegister registers classes, panicking on duplicates.
func (p *PluginRegistry) MustRegister(classes ...*Class) {
	for _, c := range classes {
		if err := p.Register(c); err != nil {
			panic(err)
		}
	}
}

// SetDefault names the class used when a component item of category has no
// explicit default.
func (p *PluginRegistry) SetDefault(category, name string) error {
	if _, ok := p.Lookup(category, name); !ok {
		return &PluginResolutionError{Category: category, Name: name}
	}
	p.mu.Lock()
	p.defaults[category] = name
	p.mu.Unlock()
	return nil
}

// Lookup finds a class.
func (p *PluginRegistry) Lookup(category, name string) (*Class, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.classes[category][name]
	return c, ok
}

// Find is like Lookup but reports a missing class as *PluginResolutionError.
func (p *PluginRegistry) Find(category, name string) (*Class, error) {
	c, ok := p.Lookup(category, name)
	if !ok {
		return nil, &PluginResolutionError{Category: category, Name: name}
	}
	return c, nil
}

// Default returns the default class of category.
func (p *PluginRegistry) Default(category string) (*Class, error) {
	p.mu.RLock()
	name, ok := p.defaults[category]
	p.mu.RUnlock()
	if !ok {
		return nil, &PluginResolutionError{Category: category}
	}
	return p.Find(category, name)
}

// Categories lists registered categories in sorted order.
func (p *PluginRegistry) Categories() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.classes))
	for cat := range p.classes {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// Classes lists the classes of category sorted by name.
func (p *PluginRegistry) Classes(category string) []*Class {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Class, 0, len(p.classes[category]))
	for _, c := range p.classes[category] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
