package btree

import (
	"bytes"
	"encoding/binary"
	"slices"
	"sort"

	"github.com/shiranshalom/ravendb-sub000/pager"
)

// Node page layout:
//
//	flags:8 count:16 entry*
//
// leaf entry   = flags:8 klen:uvarint key vlen:uvarint value
// branch entry = child:64 klen:uvarint key
//
// A leaf value flagged as overflow holds a reference (first page, length)
// to an overflow chain instead of the value itself.
const nodeHeaderSize = 3

const (
	nodeFlagLeaf byte = 1 << 0

	entryFlagOverflow byte = 1 << 0
)

const overflowRefSize = 16

type node struct {
	pgno  pager.PageNum
	leaf  bool
	dirty bool
	keys  [][]byte
	vals  [][]byte // leaf only
	ovfl  []bool   // leaf only
	kids  []pager.PageNum
}

func decodeNode(pgno pager.PageNum, data []byte) (*node, error) {
	if len(data) < nodeHeaderSize {
		return nil, corrupt(pgno, "short node")
	}
	n := &node{pgno: pgno, leaf: data[0]&nodeFlagLeaf != 0}
	count := int(binary.LittleEndian.Uint16(data[1:]))
	b := data[nodeHeaderSize:]
	n.keys = make([][]byte, count)
	if n.leaf {
		n.vals = make([][]byte, count)
		n.ovfl = make([]bool, count)
	} else {
		n.kids = make([]pager.PageNum, count)
	}
	for i := range count {
		if n.leaf {
			if len(b) < 1 {
				return nil, corrupt(pgno, "truncated leaf entry")
			}
			n.ovfl[i] = b[0]&entryFlagOverflow != 0
			b = b[1:]
		} else {
			if len(b) < 8 {
				return nil, corrupt(pgno, "truncated branch entry")
			}
			n.kids[i] = pager.PageNum(binary.LittleEndian.Uint64(b))
			b = b[8:]
		}
		var ok bool
		if n.keys[i], b, ok = cutVarbytes(b); !ok {
			return nil, corrupt(pgno, "truncated key")
		}
		if n.leaf {
			if n.vals[i], b, ok = cutVarbytes(b); !ok {
				return nil, corrupt(pgno, "truncated value")
			}
			if n.ovfl[i] && len(n.vals[i]) != overflowRefSize {
				return nil, corrupt(pgno, "bad overflow reference")
			}
		}
	}
	return n, nil
}

func cutVarbytes(b []byte) ([]byte, []byte, bool) {
	l, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < l {
		return nil, nil, false
	}
	b = b[n:]
	return b[:l:l], b[l:], true
}

func (n *node) encode() []byte {
	buf := make([]byte, nodeHeaderSize, n.size())
	if n.leaf {
		buf[0] = nodeFlagLeaf
	}
	binary.LittleEndian.PutUint16(buf[1:], uint16(len(n.keys)))
	for i, k := range n.keys {
		if n.leaf {
			var f byte
			if n.ovfl[i] {
				f |= entryFlagOverflow
			}
			buf = append(buf, f)
		} else {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(n.kids[i]))
		}
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)
		if n.leaf {
			buf = binary.AppendUvarint(buf, uint64(len(n.vals[i])))
			buf = append(buf, n.vals[i]...)
		}
	}
	return buf
}

func uvarintLen(v int) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func leafEntrySize(klen, vlen int) int {
	return 1 + uvarintLen(klen) + klen + uvarintLen(vlen) + vlen
}

func branchEntrySize(klen int) int {
	return 8 + uvarintLen(klen) + klen
}

func (n *node) entrySize(i int) int {
	if n.leaf {
		return leafEntrySize(len(n.keys[i]), len(n.vals[i]))
	}
	return branchEntrySize(len(n.keys[i]))
}

func (n *node) size() int {
	sz := nodeHeaderSize
	for i := range n.keys {
		sz += n.entrySize(i)
	}
	return sz
}

// search returns the index of the first key >= key, and whether it matches.
func (n *node) search(key []byte) (int, bool) {
	i := sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) >= 0
	})
	return i, i < len(n.keys) && bytes.Equal(n.keys[i], key)
}

// childIndex picks the subtree that may contain key. The first separator of
// a branch is never consulted, so kids[0] covers everything below keys[1].
func (n *node) childIndex(key []byte) int {
	i := sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) > 0
	})
	return max(i-1, 0)
}

func (n *node) clone() *node {
	return &node{
		pgno: n.pgno,
		leaf: n.leaf,
		keys: slices.Clone(n.keys),
		vals: slices.Clone(n.vals),
		ovfl: slices.Clone(n.ovfl),
		kids: slices.Clone(n.kids),
	}
}

func (n *node) insertLeaf(i int, key, val []byte, ovfl bool) {
	n.keys = slices.Insert(n.keys, i, key)
	n.vals = slices.Insert(n.vals, i, val)
	n.ovfl = slices.Insert(n.ovfl, i, ovfl)
}

func (n *node) insertBranch(i int, key []byte, child pager.PageNum) {
	n.keys = slices.Insert(n.keys, i, key)
	n.kids = slices.Insert(n.kids, i, child)
}

func (n *node) remove(i int) {
	n.keys = slices.Delete(n.keys, i, i+1)
	if n.leaf {
		n.vals = slices.Delete(n.vals, i, i+1)
		n.ovfl = slices.Delete(n.ovfl, i, i+1)
	} else {
		n.kids = slices.Delete(n.kids, i, i+1)
	}
}

// splitPoint returns the index of the first entry moving to the right
// sibling, balancing the encoded size of both halves.
func (n *node) splitPoint() int {
	total := n.size()
	sz := nodeHeaderSize
	for i := range n.keys {
		sz += n.entrySize(i)
		if sz >= total/2 {
			return min(max(i+1, 1), len(n.keys)-1)
		}
	}
	return len(n.keys) / 2
}

// splitOff moves entries [i:] into a new node.
func (n *node) splitOff(i int) *node {
	r := &node{leaf: n.leaf, dirty: true}
	r.keys = slices.Clone(n.keys[i:])
	n.keys = slices.Clip(n.keys[:i])
	if n.leaf {
		r.vals = slices.Clone(n.vals[i:])
		r.ovfl = slices.Clone(n.ovfl[i:])
		n.vals = slices.Clip(n.vals[:i])
		n.ovfl = slices.Clip(n.ovfl[:i])
	} else {
		r.kids = slices.Clone(n.kids[i:])
		n.kids = slices.Clip(n.kids[:i])
	}
	return r
}

// absorb appends every entry of r.
func (n *node) absorb(r *node) {
	n.keys = append(n.keys, r.keys...)
	if n.leaf {
		n.vals = append(n.vals, r.vals...)
		n.ovfl = append(n.ovfl, r.ovfl...)
	} else {
		n.kids = append(n.kids, r.kids...)
	}
}

func encodeOverflowRef(first pager.PageNum, size int) []byte {
	b := binary.LittleEndian.AppendUint64(make([]byte, 0, overflowRefSize), uint64(first))
	return binary.LittleEndian.AppendUint64(b, uint64(size))
}

func decodeOverflowRef(b []byte) (pager.PageNum, int) {
	return pager.PageNum(binary.LittleEndian.Uint64(b)), int(binary.LittleEndian.Uint64(b[8:]))
}
