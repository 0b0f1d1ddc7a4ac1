package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena(t *testing.T) {
	var a arena[string]

	h1 := a.insert("one")
	h2 := a.insert("two")
	assert.NotZero(t, h1)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 2, a.count())

	v, ok := a.get(h1)
	require.True(t, ok)
	assert.Equal(t, "one", v)

	v, ok = a.remove(h1)
	require.True(t, ok)
	assert.Equal(t, "one", v)
	_, ok = a.remove(h1)
	assert.False(t, ok)

	// the slot is reused with a new generation, the stale handle stays dead
	h3 := a.insert("three")
	assert.Equal(t, h1.index(), h3.index())
	assert.NotEqual(t, h1, h3)
	_, ok = a.get(h1)
	assert.False(t, ok)
	v, ok = a.get(h3)
	require.True(t, ok)
	assert.Equal(t, "three", v)

	_, ok = a.get(Handle(0))
	assert.False(t, ok)
	_, ok = a.get(makeHandle(1, 1000))
	assert.False(t, ok)
}
