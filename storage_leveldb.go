package tabledb

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB has a flat keyspace, so buckets become key prefixes:
//
//	'b' lp(name) lp(sub)       => ""   bucket marker
//	'd' lp(name) lp(sub) key   => value
//
// where lp is a uvarint length followed by the bytes.
const (
	leveldbMarkerTag = 'b'
	leveldbDataTag   = 'd'

	leveldbMaxKeySize = 32768
)

type leveldbStorage struct {
	db        *leveldb.DB
	readOpts  *opt.ReadOptions
	writeOpts *opt.WriteOptions
}

func openLevelDBStorage(path string, o Options) (storage, error) {
	strictness := opt.DefaultStrict
	if o.IsTesting {
		strictness = opt.StrictAll
	}
	db, err := leveldb.OpenFile(path, &opt.Options{
		Filter: filter.NewBloomFilter(10),
		Strict: strictness,
		NoSync: o.NoSync,
	})
	if err != nil {
		return nil, err
	}
	return &leveldbStorage{
		db:        db,
		readOpts:  &opt.ReadOptions{Strict: strictness},
		writeOpts: &opt.WriteOptions{Sync: !o.NoSync && !o.IsTesting},
	}, nil
}

// leveldbReader is the read side shared by *leveldb.Snapshot and
// *leveldb.Transaction.
type leveldbReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

func (s *leveldbStorage) BeginTx(writable bool) (storageTx, error) {
	tx := &leveldbTx{s: s}
	if writable {
		tr, err := s.db.OpenTransaction()
		if err != nil {
			return nil, err
		}
		tx.tr, tx.r = tr, tr
	} else {
		snap, err := s.db.GetSnapshot()
		if err != nil {
			return nil, err
		}
		tx.snap, tx.r = snap, snap
	}
	return tx, nil
}

func (s *leveldbStorage) MaxKeySize() int { return leveldbMaxKeySize }

func (s *leveldbStorage) Close() error {
	return s.db.Close()
}

type leveldbTx struct {
	s     *leveldbStorage
	tr    *leveldb.Transaction
	snap  *leveldb.Snapshot
	r     leveldbReader
	iters []iterator.Iterator
	done  bool
}

func leveldbBucketKey(tag byte, name, sub string) []byte {
	buf := make([]byte, 0, 1+2*binary.MaxVarintLen32+len(name)+len(sub))
	buf = append(buf, tag)
	buf = appendVarbytes(buf, []byte(name))
	return appendVarbytes(buf, []byte(sub))
}

func (tx *leveldbTx) Writable() bool { return tx.tr != nil }

func (tx *leveldbTx) has(key []byte) bool {
	_, err := tx.r.Get(key, tx.s.readOpts)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false
	}
	ensure(err)
	return true
}

func (tx *leveldbTx) Bucket(name, sub string) storageBucket {
	if !tx.has(leveldbBucketKey(leveldbMarkerTag, name, sub)) {
		return nil
	}
	return &leveldbBucket{tx: tx, prefix: leveldbBucketKey(leveldbDataTag, name, sub)}
}

func (tx *leveldbTx) CreateBucket(name, sub string) (storageBucket, error) {
	if tx.tr == nil {
		return nil, errors.New("tx not writable")
	}
	if sub != "" {
		if _, err := tx.CreateBucket(name, ""); err != nil {
			return nil, err
		}
	}
	marker := leveldbBucketKey(leveldbMarkerTag, name, sub)
	if !tx.has(marker) {
		if err := tx.tr.Put(marker, emptyValue, tx.s.writeOpts); err != nil {
			return nil, err
		}
	}
	return &leveldbBucket{tx: tx, prefix: leveldbBucketKey(leveldbDataTag, name, sub)}, nil
}

func (tx *leveldbTx) DeleteBucket(name, sub string) error {
	if sub == "" {
		return ErrBucketNotFound
	}
	if tx.tr == nil {
		return errors.New("tx not writable")
	}
	marker := leveldbBucketKey(leveldbMarkerTag, name, sub)
	if !tx.has(marker) {
		return ErrBucketNotFound
	}
	var keys [][]byte
	it := tx.tr.NewIterator(util.BytesPrefix(leveldbBucketKey(leveldbDataTag, name, sub)), tx.s.readOpts)
	for it.Next() {
		keys = append(keys, bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.tr.Delete(k, tx.s.writeOpts); err != nil {
			return err
		}
	}
	return tx.tr.Delete(marker, tx.s.writeOpts)
}

func (tx *leveldbTx) releaseIters() {
	for _, it := range tx.iters {
		it.Release()
	}
	tx.iters = nil
}

func (tx *leveldbTx) Commit() error {
	if tx.done {
		return leveldb.ErrClosed
	}
	if tx.tr == nil {
		return tx.Rollback()
	}
	tx.releaseIters()
	tx.done = true
	return tx.tr.Commit()
}

func (tx *leveldbTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.releaseIters()
	if tx.tr != nil {
		tx.tr.Discard()
	} else {
		tx.snap.Release()
	}
	return nil
}

func (tx *leveldbTx) Size() int64 {
	sizes, err := tx.s.db.SizeOf([]util.Range{{Start: []byte{leveldbMarkerTag}, Limit: []byte{leveldbDataTag + 1}}})
	if err != nil {
		return 0
	}
	return sizes.Sum()
}

type leveldbBucket struct {
	tx     *leveldbTx
	prefix []byte
}

func (b *leveldbBucket) key(k []byte) []byte {
	return append(append(make([]byte, 0, len(b.prefix)+len(k)), b.prefix...), k...)
}

func (b *leveldbBucket) Get(key []byte) []byte {
	v, err := b.tx.r.Get(b.key(key), b.tx.s.readOpts)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	ensure(err)
	if v == nil {
		return emptyValue
	}
	return v
}

func (b *leveldbBucket) Put(key, value []byte) error {
	if b.tx.tr == nil {
		return errors.New("tx not writable")
	}
	return b.tx.tr.Put(b.key(key), value, b.tx.s.writeOpts)
}

func (b *leveldbBucket) Delete(key []byte) error {
	if b.tx.tr == nil {
		return errors.New("tx not writable")
	}
	return b.tx.tr.Delete(b.key(key), b.tx.s.writeOpts)
}

func (b *leveldbBucket) Cursor() storageCursor {
	it := b.tx.r.NewIterator(util.BytesPrefix(b.prefix), b.tx.s.readOpts)
	b.tx.iters = append(b.tx.iters, it)
	return &leveldbCursor{b: b, it: it}
}

func (b *leveldbBucket) Stats() bucketStats {
	st := bucketStats{KeyN: b.KeyCount()}
	if sizes, err := b.tx.s.db.SizeOf([]util.Range{*util.BytesPrefix(b.prefix)}); err == nil {
		st.LeafInuse = sizes.Sum()
		st.LeafAlloc = st.LeafInuse
	}
	return st
}

func (b *leveldbBucket) KeyCount() int {
	var n int
	it := b.tx.r.NewIterator(util.BytesPrefix(b.prefix), b.tx.s.readOpts)
	defer it.Release()
	for it.Next() {
		n++
	}
	ensure(it.Error())
	return n
}

type leveldbCursor struct {
	b  *leveldbBucket
	it iterator.Iterator
}

func (c *leveldbCursor) at(ok bool) ([]byte, []byte) {
	if !ok {
		ensure(c.it.Error())
		return nil, nil
	}
	k := bytes.Clone(c.it.Key()[len(c.b.prefix):])
	v := bytes.Clone(c.it.Value())
	if v == nil {
		v = emptyValue
	}
	return k, v
}

func (c *leveldbCursor) First() ([]byte, []byte) { return c.at(c.it.First()) }

func (c *leveldbCursor) Last() ([]byte, []byte) { return c.at(c.it.Last()) }

func (c *leveldbCursor) Seek(seek []byte) ([]byte, []byte) { return c.at(c.it.Seek(c.b.key(seek))) }

func (c *leveldbCursor) SeekLast(prefix []byte) ([]byte, []byte) { return seekLastUsing(c, prefix) }

func (c *leveldbCursor) Next() ([]byte, []byte) { return c.at(c.it.Next()) }

func (c *leveldbCursor) Prev() ([]byte, []byte) { return c.at(c.it.Prev()) }

func (c *leveldbCursor) Delete() error {
	if !c.it.Valid() {
		return nil
	}
	return c.b.Delete(c.it.Key()[len(c.b.prefix):])
}
