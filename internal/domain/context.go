package domain

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"

	"jobrepo/internal/literal"
)

// Overlay supplies configured default values keyed by (section, attribute).
// The section of a class is its name. Generation must change whenever the
// overlay's content changes.
type Overlay interface {
	Lookup(section, name string) (any, bool)
	Generation() uint64
}

// Context is the per-process state shared by schemas, the codec and the
// repository backends.
type Context struct {
	Plugins  *PluginRegistry
	Literals *literal.Cache
	Logger   hclog.Logger

	mu       sync.Mutex
	overlay  Overlay
	defaults map[string]resolvedDefault
}

// resolvedDefault is the canonical default of one attribute. Exactly one of
// class and value is meaningful for component items.
type resolvedDefault struct {
	generation uint64
	value      any
	class      *Class
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithPlugins sets the plugin registry.
func WithPlugins(p *PluginRegistry) ContextOption {
	return func(c *Context) { c.Plugins = p }
}

// WithOverlay sets the configuration overlay for defaults.
func WithOverlay(o Overlay) ContextOption {
	return func(c *Context) { c.overlay = o }
}

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) ContextOption {
	return func(c *Context) { c.Logger = l }
}

// NewContext creates a Context. Unset fields get empty registries and a null
// logger.
func NewContext(opts ...ContextOption) *Context {
	c := &Context{defaults: make(map[string]resolvedDefault)}
	for _, opt := range opts {
		opt(c)
	}
	if c.Plugins == nil {
		c.Plugins = NewPluginRegistry()
	}
	if c.Literals == nil {
		c.Literals = literal.NewCache()
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return c
}

// SetOverlay replaces the configuration overlay and drops memoized defaults.
func (c *Context) SetOverlay(o Overlay) {
	c.mu.Lock()
	c.overlay = o
	c.defaults = make(map[string]resolvedDefault)
	c.mu.Unlock()
}

// InvalidateDefaults drops every memoized default.
func (c *Context) InvalidateDefaults() {
	c.mu.Lock()
	c.defaults = make(map[string]resolvedDefault)
	c.mu.Unlock()
}

// DefaultValue resolves the default of attribute name in schema s. In
// priority order the value comes from the overlay entry "<class>:<name>",
// then from the item's own default. Component defaults that name a plugin,
// or are nil with LoadDefault set, are resolved through the plugin registry
// and instantiated fresh. The result is always a private copy.
//
// Resolution is memoized per (class, attribute) until the overlay's
// generation changes.
func (c *Context) DefaultValue(s *Schema, name string) (any, error) {
	item, err := s.GetItem(name)
	if err != nil {
		return nil, err
	}

	key := s.Name + ":" + name
	c.mu.Lock()
	overlay := c.overlay
	var gen uint64
	if overlay != nil {
		gen = overlay.Generation()
	}
	rd, ok := c.defaults[key]
	c.mu.Unlock()

	if !ok || rd.generation != gen {
		rd, err = c.resolveDefault(overlay, s, item, name)
		if err != nil {
			return nil, err
		}
		rd.generation = gen
		c.mu.Lock()
		c.defaults[key] = rd
		c.mu.Unlock()
	}

	if rd.class != nil {
		return rd.class.New(c)
	}
	return CopyValue(rd.value), nil
}

func (c *Context) resolveDefault(overlay Overlay, s *Schema, item *Item, name string) (resolvedDefault, error) {
	raw := item.Default
	if overlay != nil {
		if v, ok := overlay.Lookup(s.Name, name); ok {
			raw = v
			if text, isText := v.(string); isText && !item.acceptsString() {
				ev, err := c.Literals.Eval(text)
				if err != nil {
					c.Logger.Debug("default override is not a literal, using text", "class", s.Name, "attribute", name, "error", err)
				} else {
					raw = ev
				}
			}
			c.Logger.Trace("default overridden by configuration", "class", s.Name, "attribute", name)
		}
	}

	if item.Kind != ComponentItem {
		return resolvedDefault{value: raw}, nil
	}

	if item.Sequence {
		elems, ok := normalizeList(raw).([]any)
		if !ok {
			return resolvedDefault{}, &SchemaError{Class: s.Name, Attribute: name, Reason: "sequence default is not a list"}
		}
		out := make([]any, 0, len(elems))
		for _, e := range elems {
			switch t := e.(type) {
			case string:
				cls, err := c.Plugins.Find(item.Category, t)
				if err != nil {
					return resolvedDefault{}, err
				}
				obj, err := cls.New(c)
				if err != nil {
					return resolvedDefault{}, err
				}
				out = append(out, obj)
			case *Object:
				out = append(out, t)
			default:
				return resolvedDefault{}, fmt.Errorf("default element for %s.%s must be a plugin name or object", s.Name, name)
			}
		}
		return resolvedDefault{value: out}, nil
	}

	switch t := raw.(type) {
	case string:
		cls, err := c.Plugins.Find(item.Category, t)
		if err != nil {
			return resolvedDefault{}, err
		}
		return resolvedDefault{class: cls}, nil
	case nil:
		if !item.LoadDefault {
			return resolvedDefault{}, nil
		}
		cls, err := c.Plugins.Default(item.Category)
		if err != nil {
			if item.Optional {
				return resolvedDefault{}, nil
			}
			return resolvedDefault{}, err
		}
		return resolvedDefault{class: cls}, nil
	case *Object:
		return resolvedDefault{value: t}, nil
	default:
		return resolvedDefault{}, fmt.Errorf("default for %s.%s must be a plugin name or object, got %T", s.Name, name, raw)
	}
}
