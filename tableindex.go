package tabledb

import (
	"iter"
	"math"

	"github.com/shiranshalom/ravendb-sub000/btree"
	"github.com/shiranshalom/ravendb-sub000/slice"
)

var (
	_ btree.BackwardSeekable[uint64, TableValueHolder]      = (*FixedIndex)(nil)
	_ btree.BackwardSeekable[slice.Slice, TableValueHolder] = (*Index)(nil)
)

// FixedIndex reads a table through one of its fixed-size indexes. Entries of
// a global index may belong to any table sharing it; their rows are read
// from the owning table.
type FixedIndex struct {
	tbl *Table
	def *FixedSizeIndexDef
	b   storageBucket
}

// FixedIndex returns the handle for def, which must be declared by the
// table's schema.
func (tbl *Table) FixedIndex(def *FixedSizeIndexDef) *FixedIndex {
	i := tbl.schema.hasFixed(def)
	if i < 0 {
		panic(schemaErrf(tbl.schema.name, tbl.name, ErrIndexNotDeclared, "fixed-size index %s", def))
	}
	return &FixedIndex{tbl: tbl, def: def, b: tbl.fixed[i]}
}

func (fi *FixedIndex) Def() *FixedSizeIndexDef { return fi.def }

// Count returns the number of entries, which for a global index includes
// those of other tables.
func (fi *FixedIndex) Count() int64 {
	fi.tbl.tx.checkOpen()
	return int64(fi.b.KeyCount())
}

func (fi *FixedIndex) owner(v []byte) (*Table, []byte) {
	if !fi.def.IsGlobal {
		return fi.tbl, v
	}
	name, pk, err := decodeOwnerRef(v)
	if err != nil {
		panic(tableErrf(fi.tbl, fi.def.Name, nil, err, "invalid global index entry"))
	}
	return fi.tbl.tx.ownerTable(fi.tbl, name), pk
}

func (fi *FixedIndex) resolve(k, v []byte) (uint64, TableValueHolder) {
	if len(k) != 8 {
		panic(tableErrf(fi.tbl, fi.def.Name, k, nil, "invalid fixed-size index key"))
	}
	owner, pk := fi.owner(v)
	r, ok := owner.readRow(pk)
	if !ok {
		panic(tableErrf(owner, fi.def.Name, pk, nil, "index entry %d points to a missing row", slice.Uint64(k)))
	}
	return slice.Uint64(k), TableValueHolder{Table: owner.name, Key: pk, IndexKey: k, Reader: r}
}

func (fi *FixedIndex) scan(rang RawRange) iter.Seq2[uint64, TableValueHolder] {
	return func(yield func(uint64, TableValueHolder) bool) {
		fi.tbl.tx.checkOpen()
		for k, v := range rang.items(fi.b, fi.tbl.tx.db.logger) {
			if !yield(fi.resolve(k, v)) {
				return
			}
		}
	}
}

// ownKeys yields the primary keys of this table's rows from value onwards.
func (fi *FixedIndex) ownKeys(value uint64, backward bool) iter.Seq2[uint64, []byte] {
	rang := RawIO(slice.AppendUint64(nil, value))
	if backward {
		rang = RawOI(slice.AppendUint64(nil, value)).Reversed()
	}
	return func(yield func(uint64, []byte) bool) {
		for k, v := range rang.items(fi.b, fi.tbl.tx.db.logger) {
			pk := v
			if fi.def.IsGlobal {
				name, ref, err := decodeOwnerRef(v)
				if err != nil {
					panic(tableErrf(fi.tbl, fi.def.Name, nil, err, "invalid global index entry"))
				}
				if name != fi.tbl.name {
					continue
				}
				pk = ref
			}
			if !yield(slice.Uint64(k), pk) {
				return
			}
		}
	}
}

// SeekForwardFrom yields entries with value >= start in ascending order.
func (fi *FixedIndex) SeekForwardFrom(start uint64, skip int) iter.Seq2[uint64, TableValueHolder] {
	return fi.scan(RawIO(slice.AppendUint64(nil, start)).Skipping(skip))
}

// SeekBackwardFrom yields entries with value <= upper in descending order.
// An upper bound below every entry yields nothing.
func (fi *FixedIndex) SeekBackwardFrom(upper uint64, skip int) iter.Seq2[uint64, TableValueHolder] {
	return fi.scan(RawOI(slice.AppendUint64(nil, upper)).Reversed().Skipping(skip))
}

func (fi *FixedIndex) SeekBackwardFromLast(skip int) iter.Seq2[uint64, TableValueHolder] {
	return fi.SeekBackwardFrom(math.MaxUint64, skip)
}

func (fi *FixedIndex) ReadFirst() (uint64, TableValueHolder, bool) {
	for k, h := range fi.SeekForwardFrom(0, 0) {
		return k, h, true
	}
	return 0, TableValueHolder{}, false
}

func (fi *FixedIndex) ReadLast() (uint64, TableValueHolder, bool) {
	for k, h := range fi.SeekBackwardFromLast(0) {
		return k, h, true
	}
	return 0, TableValueHolder{}, false
}

// Index reads a table through one of its composite indexes. Index keys are
// yielded as slices; sentinels are accepted as bounds.
type Index struct {
	tbl *Table
	def *SchemaIndexDef
	b   storageBucket
}

// Index returns the handle for def, which must be declared by the table's
// schema.
func (tbl *Table) Index(def *SchemaIndexDef) *Index {
	i := tbl.schema.hasIndex(def)
	if i < 0 {
		panic(schemaErrf(tbl.schema.name, tbl.name, ErrIndexNotDeclared, "index %s", def))
	}
	return &Index{tbl: tbl, def: def, b: tbl.indexes[i]}
}

func (ix *Index) Def() *SchemaIndexDef { return ix.def }

func (ix *Index) Count() int64 {
	ix.tbl.tx.checkOpen()
	return int64(ix.b.KeyCount())
}

func (ix *Index) resolve(k []byte) (slice.Slice, TableValueHolder) {
	ik, suffix, err := splitIndexEntryKey(k)
	if err != nil {
		panic(tableErrf(ix.tbl, ix.def.Name, k, err, "invalid index entry"))
	}
	owner, pk := ix.tbl, suffix
	if ix.def.IsGlobal {
		var name string
		name, pk, err = decodeOwnerRef(suffix)
		if err != nil {
			panic(tableErrf(ix.tbl, ix.def.Name, k, err, "invalid global index entry"))
		}
		owner = ix.tbl.tx.ownerTable(ix.tbl, name)
	}
	r, ok := owner.readRow(pk)
	if !ok {
		panic(tableErrf(owner, ix.def.Name, pk, nil, "index entry %s points to a missing row", keyString(ik)))
	}
	return slice.From(ik), TableValueHolder{Table: owner.name, Key: pk, IndexKey: ik, Reader: r}
}

func (ix *Index) scan(rang RawRange) iter.Seq2[slice.Slice, TableValueHolder] {
	return func(yield func(slice.Slice, TableValueHolder) bool) {
		ix.tbl.tx.checkOpen()
		for k := range rang.items(ix.b, ix.tbl.tx.db.logger) {
			if !yield(ix.resolve(k)) {
				return
			}
		}
	}
}

func empty2[K, V any](yield func(K, V) bool) {}

func escapedPrefix(prefix slice.Slice) []byte {
	if prefix.IsSentinel() {
		panic("sentinel used as a prefix")
	}
	if prefix.Len() == 0 {
		return nil
	}
	return appendEscaped(nil, prefix.Bytes())
}

// forward builds the range of index keys >= start under prefix, or reports
// that it is empty.
func forward(prefix, start slice.Slice, skip int) (RawRange, bool) {
	rang := RawRange{Prefix: escapedPrefix(prefix), Skip: skip}
	switch {
	case start.IsAfterAllKeys():
		return rang, false
	case start.IsBeforeAllKeys() || start.Len() == 0:
	default:
		rang.Lower, rang.LowerInc = appendEscaped(nil, start.Bytes()), true
	}
	return rang, true
}

// backward builds the range of index keys <= upper under prefix, walked in
// descending order.
func backward(prefix, upper slice.Slice, skip int) (RawRange, bool) {
	rang := RawRange{Prefix: escapedPrefix(prefix), Skip: skip, Reverse: true}
	switch {
	case upper.IsBeforeAllKeys():
		return rang, false
	case upper.IsAfterAllKeys():
	default:
		rang.Upper = indexEntryUpperBound(upper.Bytes())
	}
	return rang, true
}

// SeekForwardFrom yields entries with index key >= start in ascending order.
func (ix *Index) SeekForwardFrom(start slice.Slice, skip int) iter.Seq2[slice.Slice, TableValueHolder] {
	return ix.SeekForwardFromPrefix(slice.Slice{}, start, skip)
}

// SeekForwardFromPrefix yields entries whose index key starts with prefix
// and is >= start, in ascending order.
func (ix *Index) SeekForwardFromPrefix(prefix, start slice.Slice, skip int) iter.Seq2[slice.Slice, TableValueHolder] {
	rang, ok := forward(prefix, start, skip)
	if !ok {
		return empty2[slice.Slice, TableValueHolder]
	}
	return ix.scan(rang)
}

// SeekBackwardFrom yields entries with index key <= upper in descending
// order.
func (ix *Index) SeekBackwardFrom(upper slice.Slice, skip int) iter.Seq2[slice.Slice, TableValueHolder] {
	return ix.SeekBackwardFromPrefix(slice.Slice{}, upper, skip)
}

// SeekBackwardFromPrefix yields entries whose index key starts with prefix
// and is <= upper, in descending order. It never leaves the prefix: an upper
// bound beyond it starts at the prefix's last entry, one below it yields
// nothing.
func (ix *Index) SeekBackwardFromPrefix(prefix, upper slice.Slice, skip int) iter.Seq2[slice.Slice, TableValueHolder] {
	rang, ok := backward(prefix, upper, skip)
	if !ok {
		return empty2[slice.Slice, TableValueHolder]
	}
	return ix.scan(rang)
}

// SeekOneForwardFrom returns the first entry whose index key starts with
// prefix.
func (ix *Index) SeekOneForwardFrom(prefix slice.Slice) (slice.Slice, TableValueHolder, bool) {
	for k, h := range ix.SeekForwardFromPrefix(prefix, slice.BeforeAllKeys, 0) {
		return k, h, true
	}
	return slice.Slice{}, TableValueHolder{}, false
}
