package btree

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiranshalom/ravendb-sub000/slice"
)

func collectBackward[K any](s BackwardSeekable[K, []byte], upper K, skip int) []K {
	var r []K
	for k := range s.SeekBackwardFrom(upper, skip) {
		r = append(r, k)
	}
	return r
}

func etagValue(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func TestFixedSizeTree_seekBackward(t *testing.T) {
	h := newHarness(t)
	h.update(t, func(tr *Tree) {
		f := NewFixedSizeTree(tr, 8)
		for _, e := range []uint64{6, 2, 4} {
			require.NoError(t, f.Add(e, etagValue(e*10)))
		}
		assert.ErrorIs(t, f.Add(8, []byte("short")), ErrValueSize)
	})
	h.view(t, func(tr *Tree) {
		f := NewFixedSizeTree(tr, 8)
		assert.Equal(t, []uint64{2}, collectBackward[uint64](f, 3, 0))
		assert.Empty(t, collectBackward[uint64](f, 0, 0))
		assert.Equal(t, []uint64{6, 4, 2}, collectBackward[uint64](f, 10, 0))
		assert.Equal(t, []uint64{6, 4, 2}, collectBackward[uint64](f, math.MaxUint64, 0))
		assert.Equal(t, []uint64{4, 2}, collectBackward[uint64](f, 6, 1))

		var fwd []uint64
		for k, v := range f.SeekForwardFrom(3) {
			fwd = append(fwd, k)
			assert.Equal(t, k*10, binary.LittleEndian.Uint64(v))
		}
		assert.Equal(t, []uint64{4, 6}, fwd)

		first, _, ok := f.First()
		require.True(t, ok)
		assert.EqualValues(t, 2, first)
		last, v, ok := f.Last()
		require.True(t, ok)
		assert.EqualValues(t, 6, last)
		assert.Equal(t, etagValue(60), v)
		assert.EqualValues(t, 3, f.Count())
	})
}

func TestFixedSizeTree_manyEtags(t *testing.T) {
	h := newHarness(t)
	h.update(t, func(tr *Tree) {
		f := NewFixedSizeTree(tr, 0)
		for e := uint64(1); e <= 5000; e++ {
			require.NoError(t, f.Add(e*2, nil))
		}
		for e := uint64(1); e <= 5000; e += 3 {
			ok, err := f.Delete(e * 2)
			require.NoError(t, err)
			require.True(t, ok)
		}
	})
	h.view(t, func(tr *Tree) {
		f := NewFixedSizeTree(tr, 0)
		// e = 1, 4, 7, ... were deleted, so 2 and 8 are gone
		for key, want := range map[uint64]bool{2: false, 4: true, 6: true, 8: false, 10000: true} {
			ok, err := f.Contains(key)
			require.NoError(t, err)
			assert.Equal(t, want, ok, "Contains(%d)", key)
		}

		prev := uint64(math.MaxUint64)
		var n int
		for k := range f.SeekBackwardFrom(7777, 0) {
			require.Less(t, k, prev)
			require.LessOrEqual(t, k, uint64(7777))
			prev = k
			n++
		}
		assert.Equal(t, 3888-1296, n)
	})
}

func TestTree_isBackwardSeekable(t *testing.T) {
	h := newHarness(t)
	h.update(t, func(tr *Tree) {
		require.NoError(t, tr.Set([]byte("a"), nil))
		require.NoError(t, tr.Set([]byte("c"), nil))
	})
	h.view(t, func(tr *Tree) {
		var got []string
		for k := range tr.SeekBackwardFrom(slice.FromString("b"), 0) {
			got = append(got, string(k.Bytes()))
		}
		assert.Equal(t, []string{"a"}, got)
	})
}
