// control/properties.go
// Author: momentics <momentics@gmail.com>
//
// Thread-safe driver property store with scoped lookup and reload propagation.

package control

import (
	"strings"
	"sync"
)

// ContextSeparator joins the segments of a driver context, e.g. "ping/gen".
const ContextSeparator = "/"

// Properties maps driver contexts to key/value settings. A lookup in
// context "a/b/c" falls back to "a/b", "a" and finally the global context "".
type Properties struct {
	mu        sync.RWMutex
	scopes    map[string]map[string]string
	listeners []func()
}

// NewProperties initializes an empty store.
func NewProperties() *Properties {
	return &Properties{
		scopes:    make(map[string]map[string]string),
		listeners: make([]func(), 0),
	}
}

// PropertiesFrom builds a store from a Config.Drivers section.
func PropertiesFrom(drivers map[string]map[string]string) *Properties {
	p := NewProperties()
	p.Merge(drivers)
	return p
}

// Set stores one value without notifying listeners.
func (p *Properties) Set(context, key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scope(context)[key] = value
}

func (p *Properties) scope(context string) map[string]string {
	s, ok := p.scopes[context]
	if !ok {
		s = make(map[string]string)
		p.scopes[context] = s
	}
	return s
}

// Lookup resolves key in context or its nearest enclosing context.
func (p *Properties) Lookup(context, key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for {
		if v, ok := p.scopes[context][key]; ok {
			return v, true
		}
		if context == "" {
			return "", false
		}
		i := strings.LastIndex(context, ContextSeparator)
		if i < 0 {
			context = ""
		} else {
			context = context[:i]
		}
	}
}

// Get resolves key or returns def.
func (p *Properties) Get(context, key, def string) string {
	if v, ok := p.Lookup(context, key); ok {
		return v
	}
	return def
}

// Snapshot returns a copy of every scope.
func (p *Properties) Snapshot() map[string]map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]map[string]string, len(p.scopes))
	for ctx, s := range p.scopes {
		cp := make(map[string]string, len(s))
		for k, v := range s {
			cp[k] = v
		}
		out[ctx] = cp
	}
	return out
}

// Merge applies new values and dispatches reload listeners.
func (p *Properties) Merge(scopes map[string]map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ctx, s := range scopes {
		dst := p.scope(ctx)
		for k, v := range s {
			dst[k] = v
		}
	}
	p.dispatchReload()
}

// OnReload registers a listener hook called on Merge.
func (p *Properties) OnReload(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// dispatchReload invokes all listeners.
func (p *Properties) dispatchReload() {
	for _, fn := range p.listeners {
		go fn()
	}
}

// JoinContext appends name to a driver context.
func JoinContext(context, name string) string {
	if context == "" {
		return name
	}
	return context + ContextSeparator + name
}
