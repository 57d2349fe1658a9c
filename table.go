package tabledb

import (
	"bytes"

	"github.com/shiranshalom/ravendb-sub000/slice"
)

// Table binds a schema and a table name to one transaction. It becomes
// unusable when the transaction ends.
type Table struct {
	tx      *Tx
	schema  *TableSchema
	name    string
	data    storageBucket
	fixed   []storageBucket // parallel to schema.fixed
	indexes []storageBucket // parallel to schema.indexes
}

// OpenTable returns the table called name, which must have been created with
// a schema of the same shape.
func (tx *Tx) OpenTable(schema *TableSchema, name string) (*Table, error) {
	tx.checkOpen()
	schema.freeze()
	if tbl := tx.tables[name]; tbl != nil {
		if tbl.schema != schema {
			if d := schema.shape().diff(tbl.schema.shape()); d != "" {
				return nil, schemaErrf(schema.name, name, ErrSchemaMismatch, "%s", d)
			}
		}
		return tbl, nil
	}

	have := tx.loadShape(name)
	if have == nil {
		return nil, &TableError{Table: name, Err: ErrTableNotFound}
	}
	if d := have.diff(schema.shape()); d != "" {
		return nil, schemaErrf(schema.name, name, ErrSchemaMismatch, "%s", d)
	}

	tbl := &Table{
		tx:     tx,
		schema: schema,
		name:   name,
		data:   tx.stx.Bucket(name, dataSubBucket),
	}
	if tbl.data == nil {
		return nil, tableErrf(tbl, "", nil, ErrTableNotFound, "missing data bucket")
	}
	for _, d := range schema.fixed {
		b := tx.stx.Bucket(indexOwner(name, d.IsGlobal), fixedBucketName(d))
		if b == nil {
			return nil, tableErrf(tbl, d.Name, nil, ErrTableNotFound, "missing index bucket")
		}
		tbl.fixed = append(tbl.fixed, b)
	}
	for _, d := range schema.indexes {
		b := tx.stx.Bucket(indexOwner(name, d.IsGlobal), indexBucketName(d))
		if b == nil {
			return nil, tableErrf(tbl, d.Name, nil, ErrTableNotFound, "missing index bucket")
		}
		tbl.indexes = append(tbl.indexes, b)
	}
	if tx.tables == nil {
		tx.tables = make(map[string]*Table)
	}
	tx.tables[name] = tbl
	return tbl, nil
}

// MustOpenTable is OpenTable that panics on error.
func (tx *Tx) MustOpenTable(schema *TableSchema, name string) *Table {
	return must(tx.OpenTable(schema, name))
}

func (tbl *Table) Name() string { return tbl.name }

func (tbl *Table) Schema() *TableSchema { return tbl.schema }

func (tbl *Table) Tx() *Tx { return tbl.tx }

// Count returns the number of rows.
func (tbl *Table) Count() int64 {
	tbl.tx.checkOpen()
	return int64(tbl.data.KeyCount())
}

// indexEntry is one key a row contributes to one index.
type indexEntry struct {
	fixed bool
	pos   int // into schema.fixed or schema.indexes
	key   []byte
	value []byte
}

func (tbl *Table) bucketOf(e *indexEntry) storageBucket {
	if e.fixed {
		return tbl.fixed[e.pos]
	}
	return tbl.indexes[e.pos]
}

func (tbl *Table) indexName(e *indexEntry) string {
	if e.fixed {
		return tbl.schema.fixed[e.pos].Name
	}
	return tbl.schema.indexes[e.pos].Name
}

// ownerRef is the value of a global fixed-size entry and the primary key
// part of a global composite entry: the owning table and primary key.
func (tbl *Table) ownerRef(pk []byte) []byte {
	return tuple{[]byte(tbl.name), pk}.encode(tbl.tx.arena.Buffer(len(tbl.name) + len(pk) + 4))
}

func decodeOwnerRef(b []byte) (table string, pk []byte, err error) {
	tup, err := decodeTuple(b)
	if err != nil {
		return "", nil, err
	}
	if len(tup) != 2 {
		return "", nil, dataErrf(b, 0, nil, "global index reference has %d elements", len(tup))
	}
	return string(tup[0]), tup[1], nil
}

// entries computes the primary key and every index entry of a record.
func (tbl *Table) entries(r TableValueReader) ([]byte, []indexEntry, error) {
	s := tbl.schema
	arena := tbl.tx.arena
	if s.fieldCount > 0 && r.Count() != s.fieldCount {
		return nil, nil, tableErrf(tbl, "", nil, ErrFieldCount, "record has %d fields, schema wants %d", r.Count(), s.fieldCount)
	}
	pk, err := s.key.extract(arena.Buffer(len(r.Raw())), r)
	if err != nil {
		return nil, nil, tableErrf(tbl, "", nil, err, "")
	}
	if err := tbl.checkKey("", pk); err != nil {
		return nil, nil, err
	}

	entries := make([]indexEntry, 0, len(s.fixed)+len(s.indexes))
	for i, d := range s.fixed {
		v, err := d.extract(r)
		if err != nil {
			return nil, nil, tableErrf(tbl, d.Name, pk, err, "")
		}
		e := indexEntry{fixed: true, pos: i, key: v, value: pk}
		if d.IsGlobal {
			e.value = tbl.ownerRef(pk)
		}
		entries = append(entries, e)
	}
	for i, d := range s.indexes {
		ik, err := d.extract(arena.Buffer(len(r.Raw())), r)
		if err != nil {
			return nil, nil, tableErrf(tbl, d.Name, pk, err, "")
		}
		suffix := pk
		if d.IsGlobal {
			suffix = tbl.ownerRef(pk)
		}
		k := indexEntryKey(arena.Buffer(escapedLen(ik)+2+len(suffix)), ik, suffix)
		if err := tbl.checkKey(d.Name, k); err != nil {
			return nil, nil, err
		}
		entries = append(entries, indexEntry{pos: i, key: k, value: emptyValue})
	}
	return pk, entries, nil
}

func (tbl *Table) checkKey(index string, k []byte) error {
	if len(k) == 0 {
		return tableErrf(tbl, index, nil, ErrEmptyKey, "")
	}
	if max := tbl.tx.db.store.MaxKeySize(); len(k) > max {
		return tableErrf(tbl, index, k[:min(len(k), 32)], ErrKeyTooLarge, "%d bytes, max %d", len(k), max)
	}
	return nil
}

// Insert adds a new row. It fails with ErrDuplicateKey if a row with the
// same primary key exists.
func (tbl *Table) Insert(b *TableValueBuilder) error {
	_, err := tbl.put(b.Bytes(), false)
	return err
}

// Set inserts or replaces the row with the record's primary key, and reports
// whether a row was replaced.
func (tbl *Table) Set(b *TableValueBuilder) (bool, error) {
	return tbl.put(b.Bytes(), true)
}

// SetRaw is Set for an already encoded record.
func (tbl *Table) SetRaw(raw []byte) (bool, error) {
	return tbl.put(raw, true)
}

func (tbl *Table) put(raw []byte, replace bool) (bool, error) {
	tx := tbl.tx
	if err := tx.checkWritable(); err != nil {
		return false, err
	}
	r, err := NewTableValueReader(raw)
	if err != nil {
		return false, tableErrf(tbl, "", nil, err, "invalid record")
	}
	pk, entries, err := tbl.entries(r)
	if err != nil {
		return false, err
	}

	var old TableValueReader
	var oldEntries []indexEntry
	oldRaw := tbl.data.Get(pk)
	if oldRaw != nil {
		if !replace {
			return false, tableErrf(tbl, "", pk, ErrDuplicateKey, "")
		}
		oldRaw = tx.arena.Copy(oldRaw)
		if bytes.Equal(oldRaw, raw) {
			if tx.db.verbose {
				tx.db.logf("db: PUT.NOOP %s/%s => %s", tbl.name, keyString(pk), tbl.loggableRecord(r))
			}
			return true, nil
		}
		old = must(NewTableValueReader(oldRaw))
		_, oldEntries, err = tbl.entries(old)
		if err != nil {
			return false, tableErrf(tbl, "", pk, err, "stored row")
		}
	}

	// Fixed-size index keys are unique; check them all before the first
	// write so that a rejected record leaves nothing behind.
	for i := range entries {
		e := &entries[i]
		if !e.fixed {
			continue
		}
		cur := tbl.bucketOf(e).Get(e.key)
		if cur != nil && !bytes.Equal(cur, e.value) {
			return false, tableErrf(tbl, tbl.indexName(e), pk, ErrDuplicateIndexKey, "key %d already used", slice.Uint64(e.key))
		}
	}

	tx.markWritten()
	for i := range oldEntries {
		e := &oldEntries[i]
		if !containsEntry(entries, e) {
			ensure(tbl.bucketOf(e).Delete(e.key))
		}
	}
	for i := range entries {
		e := &entries[i]
		if !containsEntry(oldEntries, e) {
			ensure(tbl.bucketOf(e).Put(e.key, e.value))
		}
	}
	ensure(tbl.data.Put(pk, raw))

	if tx.db.verbose {
		tx.db.logf("db: PUT %s/%s => %s", tbl.name, keyString(pk), tbl.loggableRecord(r))
	}
	tx.notify(tbl, OpPut, pk, r, old)
	return oldRaw != nil, nil
}

func containsEntry(entries []indexEntry, e *indexEntry) bool {
	for i := range entries {
		o := &entries[i]
		if o.fixed == e.fixed && o.pos == e.pos && bytes.Equal(o.key, e.key) && bytes.Equal(o.value, e.value) {
			return true
		}
	}
	return false
}

// DeleteByKey removes the row with the given primary key and all of its
// index entries. It reports whether the row existed.
func (tbl *Table) DeleteByKey(key []byte) (bool, error) {
	tx := tbl.tx
	if err := tx.checkWritable(); err != nil {
		return false, err
	}
	oldRaw := tbl.data.Get(key)
	if oldRaw == nil {
		return false, nil
	}
	oldRaw = tx.arena.Copy(oldRaw)
	old, err := NewTableValueReader(oldRaw)
	if err != nil {
		return false, tableErrf(tbl, "", key, err, "stored row")
	}
	pk, oldEntries, err := tbl.entries(old)
	if err != nil {
		return false, tableErrf(tbl, "", key, err, "stored row")
	}
	if !bytes.Equal(pk, key) {
		return false, tableErrf(tbl, "", key, nil, "stored row has primary key %s", keyString(pk))
	}

	tx.markWritten()
	for i := range oldEntries {
		e := &oldEntries[i]
		ensure(tbl.bucketOf(e).Delete(e.key))
	}
	ensure(tbl.data.Delete(pk))

	if tx.db.verbose {
		tx.db.logf("db: DELETE %s/%s", tbl.name, keyString(pk))
	}
	tx.notify(tbl, OpDelete, pk, TableValueReader{}, old)
	return true, nil
}

func (tbl *Table) deleteKeys(keys [][]byte) (int, error) {
	var n int
	for _, k := range keys {
		deleted, err := tbl.DeleteByKey(k)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

// DeleteByPrimaryKeyPrefix removes every row whose primary key starts with
// prefix and returns how many were removed.
func (tbl *Table) DeleteByPrimaryKeyPrefix(prefix []byte) (int, error) {
	if err := tbl.tx.checkWritable(); err != nil {
		return 0, err
	}
	var keys [][]byte
	for k := range RawPrefix(prefix).items(tbl.data, tbl.tx.db.logger) {
		keys = append(keys, tbl.tx.arena.Copy(k))
	}
	return tbl.deleteKeys(keys)
}

// DeleteForwardFrom removes rows of this table whose value in a fixed-size
// index is >= value, in ascending order, stopping after max rows when max
// is positive.
func (tbl *Table) DeleteForwardFrom(def *FixedSizeIndexDef, value uint64, max int) (int, error) {
	return tbl.deleteByFixed(def, value, max, false)
}

// DeleteBackwardFrom removes rows of this table whose value in a fixed-size
// index is <= value, in descending order, stopping after max rows when max
// is positive.
func (tbl *Table) DeleteBackwardFrom(def *FixedSizeIndexDef, value uint64, max int) (int, error) {
	return tbl.deleteByFixed(def, value, max, true)
}

func (tbl *Table) deleteByFixed(def *FixedSizeIndexDef, value uint64, max int, backward bool) (int, error) {
	if err := tbl.tx.checkWritable(); err != nil {
		return 0, err
	}
	idx := tbl.FixedIndex(def)
	var keys [][]byte
	for _, pk := range idx.ownKeys(value, backward) {
		if max > 0 && len(keys) >= max {
			break
		}
		keys = append(keys, tbl.tx.arena.Copy(pk))
	}
	return tbl.deleteKeys(keys)
}

func (tbl *Table) loggableRecord(r TableValueReader) string {
	if tbl.schema.suppressContent {
		return "<suppressed>"
	}
	return r.String()
}
