package tabledb

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	gbtree "github.com/google/btree"
)

const (
	memBucketSep   = "\x00"
	memBTreeDegree = 32
	memMaxKeySize  = 32768
)

type memKV struct {
	key   []byte
	value []byte
}

func memLess(a, b memKV) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type memTree = gbtree.BTreeG[memKV]

// memStorage is a transient in-memory storage intended for tests. Committed
// trees are never modified: writers work on lazy copy-on-write clones, and
// readers simply keep the trees that were current when they began.
type memStorage struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memTree
	closed  bool
	writer  bool
}

func newMemStorage() storage {
	s := &memStorage{buckets: make(map[string]*memTree)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("storage closed")
	}
	if writable {
		for s.writer && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			return nil, fmt.Errorf("storage closed")
		}
		s.writer = true
	}

	snap := make(map[string]*memTree, len(s.buckets))
	for k, t := range s.buckets {
		if writable {
			t = t.Clone()
		}
		snap[k] = t
	}
	return &memTx{
		writable: writable,
		base:     s,
		buckets:  snap,
	}, nil
}

func (s *memStorage) MaxKeySize() int { return memMaxKeySize }

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buckets = nil
	s.cond.Broadcast()
	return nil
}

type memTx struct {
	base     *memStorage
	writable bool
	buckets  map[string]*memTree
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.base.writer = false
		tx.base.cond.Broadcast()
	}
}

func (tx *memTx) Bucket(name, sub string) storageBucket {
	if tx.closed {
		panic("tx is closed")
	}
	t := tx.buckets[memBucketKey(name, sub)]
	if t == nil {
		return nil
	}
	return memBucketHandle{tx: tx, t: t}
}

func (tx *memTx) CreateBucket(name, sub string) (storageBucket, error) {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return nil, fmt.Errorf("tx not writable")
	}
	rootKey := memBucketKey(name, "")
	if tx.buckets[rootKey] == nil {
		tx.buckets[rootKey] = gbtree.NewG(memBTreeDegree, memLess)
	}
	key := memBucketKey(name, sub)
	t := tx.buckets[key]
	if t == nil {
		t = gbtree.NewG(memBTreeDegree, memLess)
		tx.buckets[key] = t
	}
	return memBucketHandle{tx: tx, t: t}, nil
}

func (tx *memTx) DeleteBucket(name, sub string) error {
	if tx.closed {
		panic("tx is closed")
	}
	if !tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if sub == "" {
		return ErrBucketNotFound
	}
	key := memBucketKey(name, sub)
	if tx.buckets[key] == nil {
		return ErrBucketNotFound
	}
	delete(tx.buckets, key)
	return nil
}

func (tx *memTx) Commit() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	if tx.closed {
		return fmt.Errorf("tx is closed")
	}
	if !tx.writable {
		tx.closeLocked()
		return nil
	}
	if tx.base.closed {
		tx.closeLocked()
		return fmt.Errorf("storage closed")
	}
	tx.base.buckets = tx.buckets
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	tx.base.mu.Lock()
	defer tx.base.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memTx) Size() int64 {
	var n int64
	for _, t := range tx.buckets {
		n += memInuse(t)
	}
	return n
}

func memBucketKey(name, sub string) string {
	return name + memBucketSep + sub
}

func memInuse(t *memTree) int64 {
	var n int64
	t.Ascend(func(kv memKV) bool {
		n += int64(len(kv.key) + len(kv.value))
		return true
	})
	return n
}

type memBucketHandle struct {
	tx *memTx
	t  *memTree
}

func (b memBucketHandle) Get(key []byte) []byte {
	kv, ok := b.t.Get(memKV{key: key})
	if !ok {
		return nil
	}
	return kv.value
}

func (b memBucketHandle) Put(key, value []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	value = slices.Clone(value)
	if value == nil {
		value = emptyValue
	}
	b.t.ReplaceOrInsert(memKV{key: slices.Clone(key), value: value})
	return nil
}

func (b memBucketHandle) Delete(key []byte) error {
	if !b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	b.t.Delete(memKV{key: key})
	return nil
}

func (b memBucketHandle) Cursor() storageCursor {
	return &memCursor{b: b, state: memBeforeFirst}
}

func (b memBucketHandle) Stats() bucketStats {
	inuse := memInuse(b.t)
	return bucketStats{
		KeyN:      b.t.Len(),
		LeafInuse: inuse,
		LeafAlloc: inuse,
	}
}

func (b memBucketHandle) KeyCount() int { return b.t.Len() }

type memCursorState int

const (
	memBeforeFirst memCursorState = iota
	memOnKey
	memAfterLast
)

// memCursor remembers the key it is on rather than a position, so it keeps
// working after the entry under it is deleted.
type memCursor struct {
	b     memBucketHandle
	state memCursorState
	cur   memKV
}

func (c *memCursor) set(kv memKV, ok bool, otherwise memCursorState) ([]byte, []byte) {
	if !ok {
		c.state = otherwise
		c.cur = memKV{}
		return nil, nil
	}
	c.state = memOnKey
	c.cur = kv
	return kv.key, kv.value
}

func (c *memCursor) First() ([]byte, []byte) {
	kv, ok := c.b.t.Min()
	return c.set(kv, ok, memAfterLast)
}

func (c *memCursor) Last() ([]byte, []byte) {
	kv, ok := c.b.t.Max()
	return c.set(kv, ok, memBeforeFirst)
}

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.set(c.after(seek, true))
}

func (c *memCursor) SeekLast(prefix []byte) ([]byte, []byte) { return seekLastUsing(c, prefix) }

func (c *memCursor) Next() ([]byte, []byte) {
	switch c.state {
	case memBeforeFirst:
		return c.First()
	case memAfterLast:
		return nil, nil
	}
	return c.set(c.after(c.cur.key, false))
}

func (c *memCursor) Prev() ([]byte, []byte) {
	switch c.state {
	case memBeforeFirst:
		return nil, nil
	case memAfterLast:
		return c.Last()
	}
	var found memKV
	var ok bool
	c.b.t.DescendLessOrEqual(c.cur, func(kv memKV) bool {
		if bytes.Equal(kv.key, c.cur.key) {
			return true
		}
		found, ok = kv, true
		return false
	})
	return c.set(found, ok, memBeforeFirst)
}

func (c *memCursor) after(key []byte, inclusive bool) (memKV, bool, memCursorState) {
	var found memKV
	var ok bool
	c.b.t.AscendGreaterOrEqual(memKV{key: key}, func(kv memKV) bool {
		if !inclusive && bytes.Equal(kv.key, key) {
			return true
		}
		found, ok = kv, true
		return false
	})
	return found, ok, memAfterLast
}

func (c *memCursor) Delete() error {
	if !c.b.tx.writable {
		return fmt.Errorf("tx not writable")
	}
	if c.state != memOnKey {
		return nil
	}
	c.b.t.Delete(c.cur)
	return nil
}
