// Package btree implements copy-on-write B+ trees on top of the pager.
//
// A Tree stores sorted byte keys with byte values. Every node touched by a
// write transaction is copied to a freshly allocated page; the previous page
// is handed back to the pager, which keeps it intact for older snapshots.
// Dirty nodes live in memory until Flush encodes them.
//
// FixedSizeTree layers uint64 keys and fixed-width values over a Tree.
package btree

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/shiranshalom/ravendb-sub000/pager"
)

var (
	ErrReadOnly    = errors.New("btree: tree is read-only")
	ErrKeyTooLarge = errors.New("btree: key too large")
	ErrEmptyKey    = errors.New("btree: empty key")
	ErrValueSize   = errors.New("btree: value has wrong size")
)

// PageReader is the read side of the pager (pager.Snapshot, pager.WriteTx).
type PageReader interface {
	ReadPage(pgno pager.PageNum) ([]byte, error)
	UsableSize() int
}

// PageWriter is the write side of the pager (pager.WriteTx).
type PageWriter interface {
	PageReader
	Allocate() pager.PageNum
	WritePage(pgno pager.PageNum, data []byte) error
	Free(pgno pager.PageNum)
}

// MaxKeySize returns the largest key a tree can hold for the given usable
// page size. Entries are capped at a quarter page so that every split
// produces two halves that fit.
func MaxKeySize(usable int) int {
	return maxEntrySize(usable) - 1 - 3 - 3 - overflowRefSize
}

func maxEntrySize(usable int) int {
	return (usable - nodeHeaderSize) / 4
}

type Tree struct {
	r       PageReader
	w       PageWriter
	root    pager.PageNum
	count   int64
	usable  int
	dirty   map[pager.PageNum]*node
	version uint64
	changed bool
}

// Open returns a read-only tree rooted at root (0 for an empty tree).
func Open(r PageReader, root pager.PageNum, count int64) *Tree {
	return &Tree{r: r, root: root, count: count, usable: r.UsableSize()}
}

// OpenWritable returns a tree that can be modified within w.
func OpenWritable(w PageWriter, root pager.PageNum, count int64) *Tree {
	return &Tree{r: w, w: w, root: root, count: count, usable: w.UsableSize(), dirty: make(map[pager.PageNum]*node)}
}

// Root returns the current root page; it changes with every modification.
func (t *Tree) Root() pager.PageNum {
	return t.root
}

func (t *Tree) Count() int64 {
	return t.count
}

// Changed reports whether the tree was modified since it was opened.
func (t *Tree) Changed() bool {
	return t.changed
}

func (t *Tree) Writable() bool {
	return t.w != nil
}

func (t *Tree) MaxKeySize() int {
	return MaxKeySize(t.usable)
}

func (t *Tree) node(pgno pager.PageNum) (*node, error) {
	if n := t.dirty[pgno]; n != nil {
		return n, nil
	}
	data, err := t.r.ReadPage(pgno)
	if err != nil {
		return nil, err
	}
	return decodeNode(pgno, data)
}

func (t *Tree) mustNode(pgno pager.PageNum) *node {
	n, err := t.node(pgno)
	if err != nil {
		panic(err)
	}
	return n
}

// Get returns the value stored under key. The result must not be modified.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	if t.root == 0 {
		return nil, false, nil
	}
	pgno := t.root
	for {
		n, err := t.node(pgno)
		if err != nil {
			return nil, false, err
		}
		if n.leaf {
			i, found := n.search(key)
			if !found {
				return nil, false, nil
			}
			v, err := t.value(n, i)
			return v, err == nil, err
		}
		pgno = n.kids[n.childIndex(key)]
	}
}

func (t *Tree) value(n *node, i int) ([]byte, error) {
	if !n.ovfl[i] {
		return n.vals[i], nil
	}
	first, size := decodeOverflowRef(n.vals[i])
	return readOverflow(t.r, first, size)
}

type frame struct {
	n *node
	i int
}

func (t *Tree) pathTo(key []byte) ([]frame, error) {
	var path []frame
	pgno := t.root
	for {
		n, err := t.node(pgno)
		if err != nil {
			return nil, err
		}
		if n.leaf {
			i, _ := n.search(key)
			return append(path, frame{n, i}), nil
		}
		i := n.childIndex(key)
		path = append(path, frame{n, i})
		pgno = n.kids[i]
	}
}

// touch makes every node on path dirty, copying clean ones to new pages and
// relinking their parents. Must run top-down.
func (t *Tree) touch(path []frame) {
	for l := range path {
		path[l].n = t.touchNode(path[l].n, func(pgno pager.PageNum) {
			if l == 0 {
				t.root = pgno
			} else {
				p := path[l-1]
				p.n.kids[p.i] = pgno
			}
		})
	}
}

// inPlace is implemented by writers that can tell which pages they own.
type inPlace interface {
	IsWritable(pgno pager.PageNum) bool
}

func (t *Tree) touchNode(n *node, relink func(pager.PageNum)) *node {
	if n.dirty {
		return n
	}
	if ip, ok := t.w.(inPlace); ok && ip.IsWritable(n.pgno) {
		n.dirty = true
		t.dirty[n.pgno] = n
		return n
	}
	c := n.clone()
	c.dirty = true
	c.pgno = t.w.Allocate()
	t.w.Free(n.pgno)
	t.dirty[c.pgno] = c
	relink(c.pgno)
	return c
}

func (t *Tree) newNode(n *node) {
	n.dirty = true
	n.pgno = t.w.Allocate()
	t.dirty[n.pgno] = n
}

func (t *Tree) freeNode(n *node) {
	delete(t.dirty, n.pgno)
	t.w.Free(n.pgno)
}

func (t *Tree) checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > t.MaxKeySize() {
		return fmt.Errorf("%w: %d bytes, max %d", ErrKeyTooLarge, len(key), t.MaxKeySize())
	}
	return nil
}

// Set inserts or replaces the value under key. Both are copied.
func (t *Tree) Set(key, value []byte) error {
	if t.w == nil {
		return ErrReadOnly
	}
	if err := t.checkKey(key); err != nil {
		return err
	}
	if t.root == 0 {
		leaf := &node{leaf: true}
		t.newNode(leaf)
		t.root = leaf.pgno
	}
	path, err := t.pathTo(key)
	if err != nil {
		return err
	}
	t.touch(path)

	val, ovfl, err := t.storeValue(key, value)
	if err != nil {
		return err
	}

	leaf := path[len(path)-1].n
	i, found := leaf.search(key)
	if found {
		if leaf.ovfl[i] {
			if err := t.freeOverflow(leaf.vals[i]); err != nil {
				return err
			}
		}
		leaf.vals[i], leaf.ovfl[i] = val, ovfl
	} else {
		leaf.insertLeaf(i, bytes.Clone(key), val, ovfl)
		t.count++
	}
	t.modified()
	t.splitUp(path)
	return nil
}

func (t *Tree) modified() {
	t.version++
	t.changed = true
}

func (t *Tree) storeValue(key, value []byte) ([]byte, bool, error) {
	if leafEntrySize(len(key), len(value)) <= maxEntrySize(t.usable) {
		return bytes.Clone(value), false, nil
	}
	first, err := writeOverflow(t.w, value)
	if err != nil {
		return nil, false, err
	}
	return encodeOverflowRef(first, len(value)), true, nil
}

func (t *Tree) freeOverflow(ref []byte) error {
	first, _ := decodeOverflowRef(ref)
	return freeOverflow(t.w, first)
}

// splitUp splits oversized nodes from the leaf upwards.
func (t *Tree) splitUp(path []frame) {
	for l := len(path) - 1; l >= 0; l-- {
		n := path[l].n
		if n.size() <= t.usable {
			return
		}
		right := n.splitOff(n.splitPoint())
		t.newNode(right)
		if l == 0 {
			root := &node{}
			root.insertBranch(0, n.keys[0], n.pgno)
			root.insertBranch(1, right.keys[0], right.pgno)
			t.newNode(root)
			t.root = root.pgno
			return
		}
		p := path[l-1]
		p.n.insertBranch(p.i+1, right.keys[0], right.pgno)
	}
}

// Delete removes key and reports whether it existed.
func (t *Tree) Delete(key []byte) (bool, error) {
	if t.w == nil {
		return false, ErrReadOnly
	}
	if t.root == 0 {
		return false, nil
	}
	path, err := t.pathTo(key)
	if err != nil {
		return false, err
	}
	leaf := path[len(path)-1]
	if _, found := leaf.n.search(key); !found {
		return false, nil
	}
	t.touch(path)
	n, i := path[len(path)-1].n, path[len(path)-1].i
	if n.ovfl[i] {
		if err := t.freeOverflow(n.vals[i]); err != nil {
			return false, err
		}
	}
	n.remove(i)
	t.count--
	t.modified()
	if err := t.rebalance(path); err != nil {
		return true, err
	}
	return true, nil
}

// rebalance removes empty nodes, merges underfull ones with a sibling, and
// collapses single-child roots.
func (t *Tree) rebalance(path []frame) error {
	for l := len(path) - 1; l >= 1; l-- {
		n := path[l].n
		parent, pi := path[l-1].n, path[l-1].i
		if len(n.keys) == 0 {
			parent.remove(pi)
			t.freeNode(n)
			continue
		}
		if n.size() >= t.usable/4 {
			break
		}
		merged, err := t.mergeWithSibling(n, parent, pi)
		if err != nil {
			return err
		}
		if !merged {
			break
		}
	}

	for t.root != 0 {
		root, err := t.node(t.root)
		if err != nil {
			return err
		}
		switch {
		case root.leaf && len(root.keys) == 0:
			t.freeNode(root)
			t.root = 0
		case !root.leaf && len(root.keys) == 1:
			t.freeNode(root)
			t.root = root.kids[0]
		case !root.leaf && len(root.keys) == 0:
			t.freeNode(root)
			t.root = 0
		default:
			return nil
		}
	}
	return nil
}

func (t *Tree) mergeWithSibling(n, parent *node, pi int) (bool, error) {
	if pi+1 < len(parent.kids) {
		s, err := t.node(parent.kids[pi+1])
		if err != nil {
			return false, err
		}
		if n.size()+s.size()-nodeHeaderSize+separatorDelta(s, parent.keys[pi+1]) > t.usable {
			return false, nil
		}
		s = t.touchNode(s, func(pgno pager.PageNum) { parent.kids[pi+1] = pgno })
		if !s.leaf {
			s.keys[0] = parent.keys[pi+1]
		}
		n.absorb(s)
		parent.remove(pi + 1)
		t.freeNode(s)
		return true, nil
	}
	if pi > 0 {
		s, err := t.node(parent.kids[pi-1])
		if err != nil {
			return false, err
		}
		if n.size()+s.size()-nodeHeaderSize+separatorDelta(n, parent.keys[pi]) > t.usable {
			return false, nil
		}
		s = t.touchNode(s, func(pgno pager.PageNum) { parent.kids[pi-1] = pgno })
		if !n.leaf {
			n.keys[0] = parent.keys[pi]
		}
		s.absorb(n)
		parent.remove(pi)
		t.freeNode(n)
		return true, nil
	}
	return false, nil
}

// separatorDelta is the size change of branch r when its first key is
// replaced by the parent's separator during a merge.
func separatorDelta(r *node, sep []byte) int {
	if r.leaf {
		return 0
	}
	return branchEntrySize(len(sep)) - branchEntrySize(len(r.keys[0]))
}

// Flush writes every dirty node to its page. The tree stays usable.
func (t *Tree) Flush() error {
	for pgno, n := range t.dirty {
		if err := t.w.WritePage(pgno, n.encode()); err != nil {
			return err
		}
	}
	return nil
}

// Drop frees every page of the tree, leaving it empty.
func (t *Tree) Drop() error {
	if t.w == nil {
		return ErrReadOnly
	}
	if t.root != 0 {
		if err := t.walk(t.root, func(n *node) error {
			if n.leaf {
				for i := range n.keys {
					if n.ovfl[i] {
						if err := t.freeOverflow(n.vals[i]); err != nil {
							return err
						}
					}
				}
			}
			t.freeNode(n)
			return nil
		}); err != nil {
			return err
		}
	}
	t.root = 0
	t.count = 0
	t.modified()
	return nil
}

func (t *Tree) walk(pgno pager.PageNum, fn func(n *node) error) error {
	n, err := t.node(pgno)
	if err != nil {
		return err
	}
	if !n.leaf {
		for _, kid := range n.kids {
			if err := t.walk(kid, fn); err != nil {
				return err
			}
		}
	}
	return fn(n)
}

// Stats describes the shape of a tree.
type Stats struct {
	Entries       int64
	Depth         int
	BranchPages   int
	LeafPages     int
	OverflowPages int
	LeafInuse     int
}

func (t *Tree) Stats() (Stats, error) {
	st := Stats{Entries: t.count}
	if t.root == 0 {
		return st, nil
	}
	var visit func(pgno pager.PageNum, d int) error
	visit = func(pgno pager.PageNum, d int) error {
		n, err := t.node(pgno)
		if err != nil {
			return err
		}
		st.Depth = max(st.Depth, d)
		if n.leaf {
			st.LeafPages++
			st.LeafInuse += n.size()
			for i := range n.keys {
				if n.ovfl[i] {
					_, size := decodeOverflowRef(n.vals[i])
					st.OverflowPages += overflowPagesFor(size, t.usable)
				}
			}
			return nil
		}
		st.BranchPages++
		for _, kid := range n.kids {
			if err := visit(kid, d+1); err != nil {
				return err
			}
		}
		return nil
	}
	return st, visit(t.root, 1)
}

func corrupt(pgno pager.PageNum, msg string) error {
	return &pager.CorruptionError{Page: pgno, Msg: msg}
}
