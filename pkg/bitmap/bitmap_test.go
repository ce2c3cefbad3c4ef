package bitmap_test

import (
	"testing"

	"github.com/cuemby/controllerd/pkg/bitmap"
	"github.com/stretchr/testify/assert"
)

func TestSetClearIsSet(t *testing.T) {
	b := bitmap.New(8)
	assert.False(t, b.IsSet(3))
	b.Set(3)
	assert.True(t, b.IsSet(3))
	b.Clear(3)
	assert.False(t, b.IsSet(3))
}

func TestCountAndGrow(t *testing.T) {
	b := bitmap.New(4)
	b.Set(70)
	assert.True(t, b.IsSet(70))
	assert.Equal(t, 1, b.Count())
	assert.GreaterOrEqual(t, b.Len(), 71)
}

func TestAndOrAndNot(t *testing.T) {
	a := bitmap.FromBits(8, 0, 1, 2)
	b := bitmap.FromBits(8, 1, 2, 3)

	assert.ElementsMatch(t, []int{1, 2}, a.And(b).Bits())
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, a.Or(b).Bits())
	assert.ElementsMatch(t, []int{0}, a.AndNot(b).Bits())
}

func TestEqualAndClone(t *testing.T) {
	a := bitmap.FromBits(8, 1, 4)
	c := a.Clone()
	assert.True(t, a.Equal(c))
	c.Set(5)
	assert.False(t, a.Equal(c))
}

func TestEmpty(t *testing.T) {
	b := bitmap.New(4)
	assert.True(t, b.Empty())
	b.Set(1)
	assert.False(t, b.Empty())
}
