package btree

import (
	"bytes"

	"github.com/shiranshalom/ravendb-sub000/pager"
)

// Cursor walks a tree in key order. A cursor survives modifications made
// through its tree: the next move repositions it relative to the last key it
// returned.
//
// Cursor methods panic on page read errors.
type Cursor struct {
	t       *Tree
	stack   []frame
	version uint64
	key     []byte
	valid   bool
}

func (t *Tree) Cursor() *Cursor {
	return &Cursor{t: t}
}

// Valid reports whether the cursor is positioned on an entry.
func (c *Cursor) Valid() bool {
	return c.valid
}

// Key returns the current key. Later moves do not modify it.
func (c *Cursor) Key() []byte {
	if !c.valid {
		return nil
	}
	top := c.stack[len(c.stack)-1]
	return top.n.keys[top.i]
}

// Value returns the current value, reading overflow pages if needed.
func (c *Cursor) Value() []byte {
	if !c.valid {
		return nil
	}
	top := c.stack[len(c.stack)-1]
	v, err := c.t.value(top.n, top.i)
	if err != nil {
		panic(err)
	}
	return v
}

func (c *Cursor) First() bool {
	c.reset()
	if c.t.root == 0 {
		return c.settle()
	}
	c.descend(c.t.root, false)
	return c.settleForward()
}

func (c *Cursor) Last() bool {
	c.reset()
	if c.t.root == 0 {
		return c.settle()
	}
	c.descend(c.t.root, true)
	return c.settleBackward()
}

// Seek positions the cursor on the first key >= key.
func (c *Cursor) Seek(key []byte) bool {
	c.reset()
	if c.t.root == 0 {
		return c.settle()
	}
	pgno := c.t.root
	for {
		n := c.t.mustNode(pgno)
		if n.leaf {
			i, _ := n.search(key)
			c.stack = append(c.stack, frame{n, i})
			return c.settleForward()
		}
		i := n.childIndex(key)
		c.stack = append(c.stack, frame{n, i})
		pgno = n.kids[i]
	}
}

// SeekLE positions the cursor on the last key <= key.
func (c *Cursor) SeekLE(key []byte) bool {
	if !c.Seek(key) {
		return c.Last()
	}
	if bytes.Equal(c.key, key) {
		return true
	}
	return c.Prev()
}

func (c *Cursor) Next() bool {
	if c.stale() {
		cur := bytes.Clone(c.key)
		if !c.Seek(cur) {
			return false
		}
		if !bytes.Equal(c.key, cur) {
			return true
		}
	}
	if !c.valid {
		return false
	}
	c.stack[len(c.stack)-1].i++
	return c.settleForward()
}

func (c *Cursor) Prev() bool {
	if c.stale() {
		if !c.Seek(bytes.Clone(c.key)) {
			return c.Last()
		}
	}
	if !c.valid {
		return false
	}
	c.stack[len(c.stack)-1].i--
	return c.settleBackward()
}

// Delete removes the current entry. The cursor stays before the following
// entry, so Next moves onto it.
func (c *Cursor) Delete() error {
	if !c.valid {
		return nil
	}
	_, err := c.t.Delete(c.key)
	return err
}

func (c *Cursor) stale() bool {
	return c.valid && c.version != c.t.version
}

func (c *Cursor) reset() {
	c.stack = c.stack[:0]
	c.valid = false
	c.version = c.t.version
}

// descend pushes the leftmost (or rightmost) path below pgno.
func (c *Cursor) descend(pgno pager.PageNum, last bool) {
	for {
		n := c.t.mustNode(pgno)
		i := 0
		if last {
			i = len(n.keys) - 1
		}
		c.stack = append(c.stack, frame{n, i})
		if n.leaf {
			return
		}
		pgno = n.kids[i]
	}
}

// settleForward moves past exhausted nodes until the leaf index is in range.
func (c *Cursor) settleForward() bool {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.i < len(top.n.keys) {
			if top.n.leaf {
				return c.settle()
			}
			c.descend(top.n.kids[top.i], false)
			continue
		}
		c.stack = c.stack[:len(c.stack)-1]
		if len(c.stack) > 0 {
			c.stack[len(c.stack)-1].i++
		}
	}
	return c.settle()
}

func (c *Cursor) settleBackward() bool {
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		if top.i >= 0 && top.i < len(top.n.keys) {
			if top.n.leaf {
				return c.settle()
			}
			c.descend(top.n.kids[top.i], true)
			continue
		}
		c.stack = c.stack[:len(c.stack)-1]
		if len(c.stack) > 0 {
			c.stack[len(c.stack)-1].i--
		}
	}
	return c.settle()
}

func (c *Cursor) settle() bool {
	c.version = c.t.version
	if len(c.stack) == 0 {
		c.valid = false
		c.key = c.key[:0]
		return false
	}
	top := c.stack[len(c.stack)-1]
	c.valid = true
	c.key = append(c.key[:0], top.n.keys[top.i]...)
	return true
}
