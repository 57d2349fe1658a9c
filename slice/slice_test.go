package slice

import (
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare_sentinels(t *testing.T) {
	keys := []Slice{
		AfterAllKeys,
		FromString("b"),
		From(nil),
		FromString("a"),
		BeforeAllKeys,
		From([]byte{0xFF, 0xFF}),
	}
	slices.SortFunc(keys, Compare)
	var got []string
	for _, k := range keys {
		got = append(got, k.String())
	}
	assert.Equal(t, []string{"<BeforeAllKeys>", "", "a", "b", "ffff", "<AfterAllKeys>"}, got)

	assert.Zero(t, Compare(AfterAllKeys, AfterAllKeys))
	assert.False(t, AfterAllKeys.Equal(From(nil)))
	assert.True(t, FromString("x").Equal(From([]byte("x"))))
}

func TestUint64_byteOrderMatchesNumericOrder(t *testing.T) {
	values := []uint64{0, 1, 255, 256, 1 << 32, math.MaxUint64 - 1, math.MaxUint64}
	for i := 1; i < len(values); i++ {
		a, b := FromUint64(values[i-1]), FromUint64(values[i])
		require.Negative(t, Compare(a, b), "%d vs %d", values[i-1], values[i])
		require.Equal(t, values[i], b.Uint64())
	}
}

func TestInt64_signedOrder(t *testing.T) {
	values := []int64{math.MinInt64, -100, -1, 0, 1, 100, math.MaxInt64}
	for i := 1; i < len(values); i++ {
		require.Negative(t, Compare(FromInt64(values[i-1]), FromInt64(values[i])))
		require.Equal(t, values[i], FromInt64(values[i]).Int64())
	}
}

func TestHasPrefix(t *testing.T) {
	assert.True(t, FromString("foo/bar").HasPrefix(FromString("foo/")))
	assert.False(t, FromString("foo").HasPrefix(FromString("foo/")))
	assert.False(t, AfterAllKeys.HasPrefix(From(nil)))
}

func TestArena_allocate(t *testing.T) {
	a := NewArena()
	defer a.Close()

	x := a.Copy([]byte("hello"))
	y := a.Concat([]byte("foo"), []byte("/"), []byte("bar"))
	big := a.Allocate(chunkSize)
	big[0] = 1

	assert.Equal(t, "hello", string(x))
	assert.Equal(t, "foo/bar", string(y))
	assert.Equal(t, 5+7+chunkSize, a.Used())

	// appending to one allocation must not clobber the next
	x = append(x, '!')
	assert.Equal(t, "foo/bar", string(y))
	assert.Equal(t, uint64(42), a.Uint64(42).Uint64())
}

func TestArena_scope(t *testing.T) {
	a := NewArena()
	defer a.Close()

	keep := a.Copy([]byte("keep"))
	release := a.Scope()
	for range 100 {
		a.Allocate(1000)
	}
	release()
	assert.Equal(t, 4, a.Used())
	assert.Equal(t, "keep", string(keep))

	next := a.Copy([]byte("next"))
	assert.Equal(t, "next", string(next))
	assert.Equal(t, "keep", string(keep))
}

func TestArena_useAfterClose(t *testing.T) {
	a := NewArena()
	a.Copy([]byte("x"))
	a.Close()
	a.Close()
	assert.True(t, a.IsClosed())
	assert.PanicsWithValue(t, ErrArenaClosed, func() {
		a.Allocate(1)
	})
}
