// Package workctx provides the key/value scratchpad shared by workflow
// steps. Two scopes exist at runtime: each session carries its own Context
// for step data, and the runtime root owns one process-wide Context for
// cross-session facts (current file path, media state, ...).
//
// Presence is the contract, not truthiness: an empty string is a valid,
// present value ("play the whole folder" leaves the filter empty on
// purpose). Every reader that needs to distinguish absent from empty uses
// the (value, ok) form.
package workctx

import "sync"

// Context is a concurrency-safe key/value scratchpad. The zero value is
// not usable; construct with New or NewFrom.
type Context struct {
	mu   sync.RWMutex
	data map[string]any
}

// New creates an empty Context.
func New() *Context {
	return &Context{data: make(map[string]any)}
}

// NewFrom creates a Context seeded with a copy of initial. A nil map is
// the same as New.
func NewFrom(initial map[string]any) *Context {
	c := New()
	for k, v := range initial {
		c.data[k] = v
	}
	return c
}

// Set stores a value. Storing an empty string or nil still makes the key
// present.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// Get returns the value and whether the key is present.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// GetDefault returns the stored value when the key is present, def
// otherwise. A stored empty string is returned as "", never as def.
func (c *Context) GetDefault(key string, def any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.data[key]; ok {
		return v
	}
	return def
}

// GetString returns the value as a string. ok is false when the key is
// absent or the value is not a string.
func (c *Context) GetString(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Has reports key presence without reading the value.
func (c *Context) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.data[key]
	return ok
}

// Delete removes a key. Deleting an absent key is a no-op.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Merge copies every entry of m into the context, overwriting existing
// keys. Used to inject a workflow's initial_data in one call.
func (c *Context) Merge(m map[string]any) {
	if len(m) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range m {
		c.data[k] = v
	}
}

// Keys returns the present keys in unspecified order.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a shallow copy of the current contents.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Len returns the number of present keys.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Clear removes every key.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]any)
}
