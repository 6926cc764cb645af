package config

import (
	"sync"
)

// Overlay serves the defaults section of the config to the object model.
// Every change bumps the generation, which drops memoized defaults.
type Overlay struct {
	mu         sync.RWMutex
	values     map[string]map[string]interface{}
	generation uint64
}

// NewOverlay copies values into a new overlay
func NewOverlay(values map[string]map[string]interface{}) *Overlay {
	o := &Overlay{generation: 1}
	o.values = copySections(values)
	return o
}

// Overlay returns the defaults of this config as an overlay
func (c *Config) Overlay() *Overlay {
	return NewOverlay(c.Defaults)
}

func copySections(values map[string]map[string]interface{}) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{}, len(values))
	for section, attrs := range values {
		cp := make(map[string]interface{}, len(attrs))
		for k, v := range attrs {
			cp[k] = v
		}
		out[section] = cp
	}
	return out
}

// Lookup returns the override of section:name
func (o *Overlay) Lookup(section, name string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.values[section][name]
	return v, ok
}

// Generation changes whenever the overlay content may have changed
func (o *Overlay) Generation() uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.generation
}

// MarkModified bumps the generation without changing values
func (o *Overlay) MarkModified() {
	o.mu.Lock()
	o.generation++
	o.mu.Unlock()
}

// Set overrides one default
func (o *Overlay) Set(section, name string, v interface{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.values[section] == nil {
		o.values[section] = make(map[string]interface{})
	}
	o.values[section][name] = v
	o.generation++
}

// Replace swaps in the defaults of a reloaded config
func (o *Overlay) Replace(values map[string]map[string]interface{}) {
	cp := copySections(values)
	o.mu.Lock()
	o.values = cp
	o.generation++
	o.mu.Unlock()
}
