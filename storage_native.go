package tabledb

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/shiranshalom/ravendb-sub000/btree"
	"github.com/shiranshalom/ravendb-sub000/pager"
)

// nativeStorage keeps every bucket in its own B-tree. The pager root points
// to a catalog tree mapping "name\x00sub" to the bucket's root page and key
// count.
type nativeStorage struct {
	p *pager.Pager
}

func openNativeStorage(path string, opt Options) (storage, error) {
	p, err := pager.Open(path, pager.Options{
		PageSize:        opt.PageSize,
		CacheSize:       opt.CacheSize,
		Compression:     opt.Compression,
		EncryptionKey:   opt.EncryptionKey,
		NoSync:          opt.NoSync || opt.IsTesting,
		CheckpointEvery: opt.CheckpointEvery,
		Logger:          opt.Logger,
		Verbose:         opt.Verbose,
	})
	if err != nil {
		return nil, err
	}
	return &nativeStorage{p: p}, nil
}

func (s *nativeStorage) BeginTx(writable bool) (storageTx, error) {
	tx := &nativeTx{s: s, open: make(map[string]*nativeBucket)}
	if writable {
		w, err := s.p.BeginWrite()
		if err != nil {
			return nil, err
		}
		tx.w, tx.r = w, w
		tx.catalog = btree.OpenWritable(w, w.Root(), 0)
	} else {
		snap, err := s.p.BeginRead()
		if err != nil {
			return nil, err
		}
		tx.snap, tx.r = snap, snap
		tx.catalog = btree.Open(snap, snap.Root(), 0)
	}
	return tx, nil
}

func (s *nativeStorage) MaxKeySize() int {
	return btree.MaxKeySize(s.p.UsableSize())
}

func (s *nativeStorage) Close() error {
	return s.p.Close()
}

type nativeTx struct {
	s       *nativeStorage
	w       *pager.WriteTx
	snap    *pager.Snapshot
	r       btree.PageReader
	catalog *btree.Tree
	open    map[string]*nativeBucket
	done    bool
}

type nativeBucket struct {
	key      string
	tree     *btree.Tree
	pageSize int64
}

func catalogKey(name, sub string) string {
	return name + "\x00" + sub
}

func encodeCatalogEntry(root pager.PageNum, count int64) []byte {
	buf := binary.LittleEndian.AppendUint64(make([]byte, 0, 16), uint64(root))
	return binary.LittleEndian.AppendUint64(buf, uint64(count))
}

func (tx *nativeTx) Writable() bool { return tx.w != nil }

func (tx *nativeTx) Bucket(name, sub string) storageBucket {
	if tx.done {
		panic(pager.ErrTxDone)
	}
	key := catalogKey(name, sub)
	if b := tx.open[key]; b != nil {
		return b
	}
	entry, found, err := tx.catalog.Get([]byte(key))
	if err != nil {
		panic(err)
	}
	if !found {
		return nil
	}
	if len(entry) != 16 {
		panic(dataErrf(entry, 0, nil, "invalid catalog entry for %q", key))
	}
	root := pager.PageNum(binary.LittleEndian.Uint64(entry))
	count := int64(binary.LittleEndian.Uint64(entry[8:]))
	b := &nativeBucket{key: key, pageSize: int64(tx.s.p.PageSize())}
	if tx.w != nil {
		b.tree = btree.OpenWritable(tx.w, root, count)
	} else {
		b.tree = btree.Open(tx.r, root, count)
	}
	tx.open[key] = b
	return b
}

func (tx *nativeTx) CreateBucket(name, sub string) (storageBucket, error) {
	if tx.w == nil {
		return nil, btree.ErrReadOnly
	}
	if strings.IndexByte(name, 0) >= 0 || strings.IndexByte(sub, 0) >= 0 {
		return nil, fmt.Errorf("invalid bucket name %q/%q", name, sub)
	}
	if sub != "" {
		if _, err := tx.CreateBucket(name, ""); err != nil {
			return nil, err
		}
	}
	if b := tx.Bucket(name, sub); b != nil {
		return b, nil
	}
	key := catalogKey(name, sub)
	if err := tx.catalog.Set([]byte(key), encodeCatalogEntry(0, 0)); err != nil {
		return nil, err
	}
	b := &nativeBucket{key: key, tree: btree.OpenWritable(tx.w, 0, 0), pageSize: int64(tx.s.p.PageSize())}
	tx.open[key] = b
	return b, nil
}

func (tx *nativeTx) DeleteBucket(name, sub string) error {
	if sub == "" {
		return ErrBucketNotFound
	}
	if tx.w == nil {
		return btree.ErrReadOnly
	}
	b, _ := tx.Bucket(name, sub).(*nativeBucket)
	if b == nil {
		return ErrBucketNotFound
	}
	if err := b.tree.Drop(); err != nil {
		return err
	}
	delete(tx.open, b.key)
	_, err := tx.catalog.Delete([]byte(b.key))
	return err
}

// Commit flushes modified bucket trees, records their new roots in the
// catalog, and commits the pager transaction.
func (tx *nativeTx) Commit() error {
	if tx.done {
		return pager.ErrTxDone
	}
	if tx.w == nil {
		return tx.Rollback()
	}
	defer tx.Rollback()
	for key, b := range tx.open {
		if !b.tree.Changed() {
			continue
		}
		if err := b.tree.Flush(); err != nil {
			return err
		}
		if err := tx.catalog.Set([]byte(key), encodeCatalogEntry(b.tree.Root(), b.tree.Count())); err != nil {
			return err
		}
	}
	if err := tx.catalog.Flush(); err != nil {
		return err
	}
	tx.w.SetRoot(tx.catalog.Root())
	tx.done = true
	return tx.w.Commit()
}

func (tx *nativeTx) Rollback() error {
	tx.done = true
	if tx.w != nil {
		tx.w.Rollback()
	} else {
		tx.snap.Release()
	}
	return nil
}

func (tx *nativeTx) Size() int64 {
	var n uint64
	if tx.w != nil {
		n = tx.w.PageCount()
	} else {
		n = tx.snap.PageCount()
	}
	return int64(n) * int64(tx.s.p.PageSize())
}

func (b *nativeBucket) Get(key []byte) []byte {
	v, found, err := b.tree.Get(key)
	if err != nil {
		panic(err)
	}
	if !found {
		return nil
	}
	if v == nil {
		return emptyValue
	}
	return v
}

func (b *nativeBucket) Put(key, value []byte) error { return b.tree.Set(key, value) }

func (b *nativeBucket) Delete(key []byte) error {
	_, err := b.tree.Delete(key)
	return err
}

func (b *nativeBucket) Cursor() storageCursor { return nativeCursor{c: b.tree.Cursor()} }

func (b *nativeBucket) Stats() bucketStats {
	st, err := b.tree.Stats()
	if err != nil {
		panic(err)
	}
	return bucketStats{
		KeyN:        int(st.Entries),
		Depth:       st.Depth,
		LeafInuse:   int64(st.LeafInuse),
		LeafAlloc:   int64(st.LeafPages+st.OverflowPages) * b.pageSize,
		BranchAlloc: int64(st.BranchPages) * b.pageSize,
	}
}

func (b *nativeBucket) KeyCount() int { return int(b.tree.Count()) }

type nativeCursor struct {
	c *btree.Cursor
}

func (c nativeCursor) at(ok bool) ([]byte, []byte) {
	if !ok {
		return nil, nil
	}
	v := c.c.Value()
	if v == nil {
		v = emptyValue
	}
	return c.c.Key(), v
}

func (c nativeCursor) First() ([]byte, []byte) { return c.at(c.c.First()) }

func (c nativeCursor) Last() ([]byte, []byte) { return c.at(c.c.Last()) }

func (c nativeCursor) Seek(seek []byte) ([]byte, []byte) { return c.at(c.c.Seek(seek)) }

func (c nativeCursor) SeekLast(prefix []byte) ([]byte, []byte) { return c.at(c.c.SeekLast(prefix)) }

func (c nativeCursor) Next() ([]byte, []byte) { return c.at(c.c.Next()) }

func (c nativeCursor) Prev() ([]byte, []byte) { return c.at(c.c.Prev()) }

func (c nativeCursor) Delete() error { return c.c.Delete() }
