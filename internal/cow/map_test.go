package cow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type box struct{ n int }

func dupBox(b *box) *box {
	c := *b
	return &c
}

func collect(m *Map[string, int]) map[string]int {
	out := make(map[string]int)
	m.Range(func(k string, v int) bool {
		out[k] = v
		return true
	})
	return out
}

func TestMap_SetGetDelete(t *testing.T) {
	m := NewMap[string, int]()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("a", 3)
	m.Delete("b")
	m.Delete("missing")

	v, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 3, v)
	_, ok = m.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, map[string]int{"a": 3}, collect(m))
}

func TestMap_CloneIsIndependent(t *testing.T) {
	m := FromMap(map[string]int{"a": 1, "b": 2})
	c := m.Clone()
	c.Set("a", 10)
	c.Delete("b")
	c.Set("c", 3)

	assert.Equal(t, map[string]int{"a": 1, "b": 2}, collect(m))
	assert.Equal(t, map[string]int{"a": 10, "c": 3}, collect(c))
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, 2, c.Len())
}

func TestMap_CommitFoldsOverlay(t *testing.T) {
	m := FromMap(map[string]int{"a": 1, "b": 2})
	c := m.Clone()
	c.Set("a", 10)
	c.Delete("b")
	c.Commit()
	assert.Zero(t, c.Pending())

	next := c.Clone()
	next.Set("d", 4)
	assert.Equal(t, map[string]int{"a": 10}, collect(c))
	assert.Equal(t, map[string]int{"a": 10, "d": 4}, collect(next))
}

func TestMap_CloneCostFollowsWrites(t *testing.T) {
	base := make(map[int]int, 10_000)
	for i := 0; i < 10_000; i++ {
		base[i] = i
	}
	m := FromMap(base)
	for i := 0; i < 100; i++ {
		c := m.Clone()
		c.Set(i, -i)
		c.Commit()
		m = c
		assert.Zero(t, m.Pending())
	}
	assert.Equal(t, 10_000, m.Len())
	v, _ := m.Get(42)
	assert.Equal(t, -42, v)
}

func TestMap_EditCopiesSharedValues(t *testing.T) {
	m := NewMap[string, *box]()
	m.Set("x", &box{n: 1})
	m.Commit()

	c := m.Clone()
	b, ok := c.Edit("x", dupBox)
	require.True(t, ok)
	b.n = 2

	orig, _ := m.Get("x")
	assert.Equal(t, 1, orig.n)
	again, _ := c.Edit("x", dupBox)
	assert.Same(t, b, again)
	assert.Equal(t, 2, again.n)
}

func TestMap_CloneRevokesOwnership(t *testing.T) {
	m := NewMap[string, *box]()
	m.Set("x", &box{n: 1})
	c := m.Clone()

	b, _ := m.Edit("x", dupBox)
	b.n = 5
	got, _ := c.Get("x")
	assert.Equal(t, 1, got.n)
}

func TestMap_EditMissing(t *testing.T) {
	m := NewMap[string, *box]()
	_, ok := m.Edit("x", dupBox)
	assert.False(t, ok)
	assert.Zero(t, m.Len())
}
