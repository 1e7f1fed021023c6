package workctx

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyStringIsPresent(t *testing.T) {
	c := New()
	c.Set("current_file_path", "")

	// Empty string is a valid value, not absence.
	v, ok := c.Get("current_file_path")
	assert.True(t, ok)
	assert.Equal(t, "", v)

	assert.True(t, c.Has("current_file_path"))
	assert.Equal(t, "", c.GetDefault("current_file_path", "SENTINEL"))
}

func TestGetDefaultOnAbsentKey(t *testing.T) {
	c := New()
	assert.Equal(t, "fallback", c.GetDefault("missing", "fallback"))

	_, ok := c.Get("missing")
	assert.False(t, ok)
	assert.False(t, c.Has("missing"))
}

func TestGetString(t *testing.T) {
	c := New()
	c.Set("name", "kora")
	c.Set("count", 3)

	s, ok := c.GetString("name")
	assert.True(t, ok)
	assert.Equal(t, "kora", s)

	// Wrong type reads as not-ok.
	_, ok = c.GetString("count")
	assert.False(t, ok)

	_, ok = c.GetString("absent")
	assert.False(t, ok)
}

func TestDeleteRemovesPresence(t *testing.T) {
	c := New()
	c.Set("k", "v")
	c.Delete("k")

	assert.False(t, c.Has("k"))
	assert.NotPanics(t, func() { c.Delete("k") })
}

func TestNewFromCopiesInitial(t *testing.T) {
	initial := map[string]any{"a": 1}
	c := NewFrom(initial)

	// Mutating the source map must not affect the context.
	initial["a"] = 99
	initial["b"] = 2

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.False(t, c.Has("b"))
}

func TestMergeOverwrites(t *testing.T) {
	c := NewFrom(map[string]any{"a": 1, "b": 2})
	c.Merge(map[string]any{"b": 20, "c": 30})

	assert.Equal(t, 1, c.GetDefault("a", nil))
	assert.Equal(t, 20, c.GetDefault("b", nil))
	assert.Equal(t, 30, c.GetDefault("c", nil))
	assert.Equal(t, 3, c.Len())
}

func TestSnapshotIsDetached(t *testing.T) {
	c := NewFrom(map[string]any{"a": 1})
	snap := c.Snapshot()
	snap["a"] = 99
	snap["new"] = true

	assert.Equal(t, 1, c.GetDefault("a", nil))
	assert.False(t, c.Has("new"))
}

func TestKeysAndClear(t *testing.T) {
	c := NewFrom(map[string]any{"x": 1, "y": 2})

	keys := c.Keys()
	require.Len(t, keys, 2)
	assert.Contains(t, keys, "x")
	assert.Contains(t, keys, "y")

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Keys())
}

func TestConcurrentAccess(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set("shared", n)
				c.Get("shared")
				c.GetDefault("shared", nil)
				c.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	assert.True(t, c.Has("shared"))
}
