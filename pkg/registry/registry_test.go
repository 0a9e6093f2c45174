package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("one", 1))

	item, exists := r.Get("one")
	require.True(t, exists)
	assert.Equal(t, 1, item)

	_, exists = r.Get("two")
	assert.False(t, exists)
}

func TestRegisterEmptyName(t *testing.T) {
	r := NewBaseRegistry[string]()
	assert.Error(t, r.Register("", "x"))
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewBaseRegistry[string]()
	require.NoError(t, r.Register("a", "first"))
	assert.Error(t, r.Register("a", "second"))

	item, _ := r.Get("a")
	assert.Equal(t, "first", item)
}

func TestReplace(t *testing.T) {
	r := NewBaseRegistry[string]()
	require.NoError(t, r.Register("a", "first"))

	r.Replace("a", "second")
	item, _ := r.Get("a")
	assert.Equal(t, "second", item)

	// Replace also inserts.
	r.Replace("b", "new")
	item, exists := r.Get("b")
	require.True(t, exists)
	assert.Equal(t, "new", item)
}

func TestNamesSorted(t *testing.T) {
	r := NewBaseRegistry[int]()
	for i, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(name, i))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}

func TestRemove(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Remove("a"))
	assert.Error(t, r.Remove("a"))
	assert.Equal(t, 0, r.Count())
}

func TestClear(t *testing.T) {
	r := NewBaseRegistry[int]()
	_ = r.Register("a", 1)
	_ = r.Register("b", 2)
	r.Clear()
	assert.Equal(t, 0, r.Count())
}

func TestConcurrentAccess(t *testing.T) {
	r := NewBaseRegistry[int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_ = r.Register(fmt.Sprintf("item-%d", n), n)
		}(i)
		go func(n int) {
			defer wg.Done()
			r.Get(fmt.Sprintf("item-%d", n))
			r.List()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, r.Count())
}
