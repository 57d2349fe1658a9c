package tabledb

import (
	"iter"
)

func (tbl *Table) readRow(pk []byte) (TableValueReader, bool) {
	raw := tbl.data.Get(pk)
	if raw == nil {
		return TableValueReader{}, false
	}
	r, err := NewTableValueReader(raw)
	if err != nil {
		panic(tableErrf(tbl, "", pk, err, "invalid record"))
	}
	return r, true
}

func (tbl *Table) holder(k, v []byte) TableValueHolder {
	r, err := NewTableValueReader(v)
	if err != nil {
		panic(tableErrf(tbl, "", k, err, "invalid record"))
	}
	return TableValueHolder{Table: tbl.name, Key: k, Reader: r}
}

// ReadByKey returns the row with the given primary key.
func (tbl *Table) ReadByKey(key []byte) (TableValueReader, bool) {
	tbl.tx.checkOpen()
	return tbl.readRow(key)
}

func (tbl *Table) VerifyKeyExists(key []byte) bool {
	tbl.tx.checkOpen()
	return tbl.data.Get(key) != nil
}

// SeekOnePrimaryKeyPrefix returns the first row whose primary key starts
// with prefix. It is meant for prefixes known to identify at most one row.
func (tbl *Table) SeekOnePrimaryKeyPrefix(prefix []byte) (TableValueHolder, bool) {
	for h := range tbl.scan(RawPrefix(prefix)) {
		return h, true
	}
	return TableValueHolder{}, false
}

// SeekByPrimaryKey yields rows with primary key >= start in key order,
// skipping the first skip of them. A nil start begins at the first row.
func (tbl *Table) SeekByPrimaryKey(start []byte, skip int) iter.Seq[TableValueHolder] {
	return tbl.scan(RawIO(start).Skipping(skip))
}

// SeekByPrimaryKeyPrefix yields rows whose primary key starts with prefix
// and is greater than startAfter, skipping the first skip of them. A nil
// startAfter begins at the first row of the prefix.
func (tbl *Table) SeekByPrimaryKeyPrefix(prefix, startAfter []byte, skip int) iter.Seq[TableValueHolder] {
	return tbl.scan(RawEO(startAfter).Prefixed(prefix).Skipping(skip))
}

// SeekBackwardByPrimaryKeyPrefix yields rows whose primary key starts with
// prefix in descending key order.
func (tbl *Table) SeekBackwardByPrimaryKeyPrefix(prefix []byte, skip int) iter.Seq[TableValueHolder] {
	return tbl.scan(RawPrefix(prefix).Reversed().Skipping(skip))
}

// Rows yields every row in primary key order.
func (tbl *Table) Rows() iter.Seq[TableValueHolder] {
	return tbl.scan(RawOO())
}

// scan yields the rows of a primary key range. The table must not be
// modified until the iteration ends.
func (tbl *Table) scan(rang RawRange) iter.Seq[TableValueHolder] {
	return func(yield func(TableValueHolder) bool) {
		tbl.tx.checkOpen()
		for k, v := range rang.items(tbl.data, tbl.tx.db.logger) {
			if !yield(tbl.holder(k, v)) {
				return
			}
		}
	}
}

// MapRows converts rows into typed views.
func MapRows[T any](rows iter.Seq[TableValueHolder], f func(TableValueHolder) T) iter.Seq[T] {
	return func(yield func(T) bool) {
		for h := range rows {
			if !yield(f(h)) {
				return
			}
		}
	}
}

// Holders drops the index keys of an index seek.
func Holders[K any](seq iter.Seq2[K, TableValueHolder]) iter.Seq[TableValueHolder] {
	return func(yield func(TableValueHolder) bool) {
		for _, h := range seq {
			if !yield(h) {
				return
			}
		}
	}
}

// All collects a sequence.
func All[T any](seq iter.Seq[T]) []T {
	var result []T
	for v := range seq {
		result = append(result, v)
	}
	return result
}

// First returns the first element of a sequence.
func First[T any](seq iter.Seq[T]) (T, bool) {
	for v := range seq {
		return v, true
	}
	var zero T
	return zero, false
}
