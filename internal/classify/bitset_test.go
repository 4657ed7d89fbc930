package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitsetSetClearTest(t *testing.T) {
	b := NewBitset(10)
	b.Set(3)
	b.Set(70) // beyond initial capacity, must grow
	assert.True(t, b.Test(3))
	assert.True(t, b.Test(70))
	assert.False(t, b.Test(4))

	b.Clear(3)
	assert.False(t, b.Test(3))
}

func TestBitsetAndOrAndNot(t *testing.T) {
	a := NewBitset(8)
	a.Set(1)
	a.Set(2)
	b := NewBitset(8)
	b.Set(2)
	b.Set(3)

	and := a.And(b)
	assert.Equal(t, []int{2}, and.Bits())

	or := a.Or(b)
	assert.Equal(t, []int{1, 2, 3}, or.Bits())

	andNot := a.AndNot(b)
	assert.Equal(t, []int{1}, andNot.Bits())
}

func TestBitsetContainsAllAndEqual(t *testing.T) {
	a := NewBitset(8)
	a.Set(1)
	a.Set(2)
	a.Set(5)

	sub := NewBitset(8)
	sub.Set(1)
	sub.Set(2)

	assert.True(t, a.ContainsAll(sub))
	assert.False(t, sub.ContainsAll(a))

	clone := a.Clone()
	assert.True(t, a.Equal(clone))
	clone.Clear(5)
	assert.False(t, a.Equal(clone))
}

func TestBitsetIsZero(t *testing.T) {
	b := NewBitset(64)
	assert.True(t, b.IsZero())
	b.Set(63)
	assert.False(t, b.IsZero())
}
