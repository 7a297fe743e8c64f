package set

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmapSetClear(t *testing.T) {
	b := MakeBitmap(0)

	assert.False(t, b.IsSet(3))
	b.Set(3)
	assert.True(t, b.IsSet(3))
	b.Clear(3)
	assert.False(t, b.IsSet(3))
}

func TestBitmapGrowsPastOneWord(t *testing.T) {
	b := MakeBitmap(0)

	b.Set(200)
	assert.True(t, b.IsSet(200))
	assert.False(t, b.IsSet(199))
	assert.Equal(t, 1, b.Count())
}

func TestBitmapOrAndAndNot(t *testing.T) {
	a := MakeBitmap(0)
	a.Set(1)
	a.Set(2)

	c := MakeBitmap(0)
	c.Set(2)
	c.Set(3)

	union := a.OrCopy(c)
	assert.True(t, union.IsSet(1))
	assert.True(t, union.IsSet(2))
	assert.True(t, union.IsSet(3))

	inter := a.AndCopy(c)
	assert.False(t, inter.IsSet(1))
	assert.True(t, inter.IsSet(2))
	assert.False(t, inter.IsSet(3))

	diff := a.AndNotCopy(c)
	assert.True(t, diff.IsSet(1))
	assert.False(t, diff.IsSet(2))
}

func TestBitmapEqual(t *testing.T) {
	a := MakeBitmap(0)
	a.Set(5)
	a.Set(64)

	b := MakeBitmap(0)
	b.Set(64)
	b.Set(5)

	assert.True(t, a.Equal(b))

	b.Set(6)
	assert.False(t, a.Equal(b))
}

func TestBitmapRangeFirstLast(t *testing.T) {
	b := MakeBitmap(0)
	b.Set(2)
	b.Set(7)
	b.Set(70)

	require.Equal(t, 2, b.First())
	require.Equal(t, 70, b.Last())
	require.Equal(t, 71, b.Len())

	var seen []int
	b.Range(func(i int) bool {
		seen = append(seen, i)
		return true
	})
	assert.Equal(t, []int{2, 7, 70}, seen)
}

func TestBitmapRangeStopsEarly(t *testing.T) {
	b := MakeBitmap(0)
	b.Set(1)
	b.Set(2)
	b.Set(3)

	var seen []int
	b.Range(func(i int) bool {
		seen = append(seen, i)
		return len(seen) < 2
	})
	assert.Equal(t, []int{1, 2}, seen)
}

func TestBitmapFillRange(t *testing.T) {
	b := MakeBitmap(0)
	b.FillRange(3, 6)

	for i := 0; i < 10; i++ {
		want := i >= 3 && i < 6
		assert.Equal(t, want, b.IsSet(i), "bit %d", i)
	}
}

func TestBitmapCopyIsIndependent(t *testing.T) {
	a := MakeBitmap(0)
	a.Set(1)

	cp := a.Copy()
	cp.Set(2)

	assert.False(t, a.IsSet(2))
	assert.True(t, cp.IsSet(2))
}
