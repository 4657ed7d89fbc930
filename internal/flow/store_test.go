package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEntry struct {
	name string
	last int64
}

func (f *fakeEntry) LastActivityUnix() int64 { return f.last }

func TestStoreInsertGetDelete(t *testing.T) {
	s := NewStore[string, *fakeEntry](0)
	s.Insert("a", &fakeEntry{name: "a", last: 1})
	s.Insert("b", &fakeEntry{name: "b", last: 2})

	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", v.name)
	assert.Equal(t, 2, s.Len())

	s.Delete("a")
	_, ok = s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestStoreCleanupRemovesExpiredInAscendingOrder(t *testing.T) {
	s := NewStore[string, *fakeEntry](10) // 10 second timeout
	s.Insert("old", &fakeEntry{name: "old", last: 0})
	s.Insert("mid", &fakeEntry{name: "mid", last: 5})
	s.Insert("fresh", &fakeEntry{name: "fresh", last: 95})

	var evicted []string
	removed := s.Cleanup(100, func(k string, v *fakeEntry) {
		evicted = append(evicted, k)
	})

	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"old", "mid"}, evicted)
	assert.Equal(t, 1, s.Len())

	_, ok := s.Get("fresh")
	assert.True(t, ok)
}

func TestStoreCleanupNoopWhenTimeoutZero(t *testing.T) {
	s := NewStore[string, *fakeEntry](0)
	s.Insert("a", &fakeEntry{name: "a", last: 0})

	removed := s.Cleanup(100000, nil)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, s.Len())
}

func TestStoreMoveToEndReordersForCleanup(t *testing.T) {
	s := NewStore[string, *fakeEntry](10)
	s.Insert("a", &fakeEntry{name: "a", last: 0})
	s.Insert("b", &fakeEntry{name: "b", last: 1})

	// touch "a" so it becomes the freshest entry despite being inserted
	// first, mirroring a late-arriving packet on an old flow.
	a, _ := s.Get("a")
	a.last = 50
	s.MoveToEnd("a")

	var evicted []string
	s.Cleanup(15, func(k string, v *fakeEntry) { evicted = append(evicted, k) })
	assert.Equal(t, []string{"b"}, evicted)
}

func TestStoreEachAscendingOrder(t *testing.T) {
	s := NewStore[string, *fakeEntry](0)
	s.Insert("a", &fakeEntry{name: "a", last: 1})
	s.Insert("b", &fakeEntry{name: "b", last: 2})
	s.Insert("c", &fakeEntry{name: "c", last: 3})

	var order []string
	s.Each(func(k string, v *fakeEntry) { order = append(order, k) })
	assert.Equal(t, []string{"a", "b", "c"}, order)
}
