package tabledb

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/shiranshalom/ravendb-sub000/slice"
)

// maxVerifyErrors bounds the problems reported per table.
const maxVerifyErrors = 100

// Verify checks that every row of every table decodes, matches its schema,
// and agrees with its index entries in both directions. Tables are checked
// concurrently, each in its own read transaction. Tables whose schema is
// not registered are reported as errors.
func (db *DB) Verify(ctx context.Context) error {
	var names []string
	db.Read(func(tx *Tx) {
		names = tx.TableNames()
	})

	results := make([][]error, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, name := range names {
		g.Go(func() error {
			return db.ReadErr(func(tx *Tx) error {
				v := &verifier{ctx: ctx}
				v.table(tx, name)
				results[i] = v.errs
				return ctx.Err()
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var all []error
	for _, errs := range results {
		all = append(all, errs...)
	}
	if db.verbose {
		db.logger.LogAttrs(ctx, slog.LevelInfo, "tabledb: verified", slog.Int("tables", len(names)), slog.Int("problems", len(all)))
	}
	return errors.Join(all...)
}

type verifier struct {
	ctx  context.Context
	errs []error
}

func (v *verifier) fail(err error) bool {
	v.errs = append(v.errs, err)
	return len(v.errs) < maxVerifyErrors
}

func (v *verifier) table(tx *Tx, name string) {
	schemaName, _ := tx.TableSchemaName(name)
	schema := tx.db.registry.schemaNamed(schemaName)
	if schema == nil {
		v.fail(schemaErrf(schemaName, name, ErrSchemaMismatch, "schema not registered"))
		return
	}
	tbl, err := tx.OpenTable(schema, name)
	if err != nil {
		v.fail(err)
		return
	}

	expected := make([]int, len(schema.fixed)+len(schema.indexes))
	for k, raw := range RawOO().items(tbl.data, tx.db.logger) {
		if v.ctx.Err() != nil {
			return
		}
		if !v.row(tbl, k, raw, expected) {
			return
		}
	}

	for i, d := range schema.fixed {
		if !v.fixedEntries(tbl, d, tbl.fixed[i], expected[i]) {
			return
		}
	}
	for i, d := range schema.indexes {
		if !v.indexEntries(tbl, d, tbl.indexes[i], expected[len(schema.fixed)+i]) {
			return
		}
	}
}

// row checks one record and its forward index entries, counting them into
// expected.
func (v *verifier) row(tbl *Table, k, raw []byte, expected []int) bool {
	r, err := NewTableValueReader(raw)
	if err != nil {
		return v.fail(tableErrf(tbl, "", k, err, "invalid record"))
	}
	pk, entries, err := tbl.entries(r)
	if err != nil {
		return v.fail(err)
	}
	if !bytes.Equal(pk, k) {
		return v.fail(tableErrf(tbl, "", k, nil, "record key is %s", keyString(pk)))
	}
	for i := range entries {
		e := &entries[i]
		pos := e.pos
		if !e.fixed {
			pos += len(tbl.schema.fixed)
		}
		expected[pos]++
		got := tbl.bucketOf(e).Get(e.key)
		switch {
		case got == nil:
			if !v.fail(tableErrf(tbl, tbl.indexName(e), k, nil, "missing index entry %s", hexstr(e.key))) {
				return false
			}
		case e.fixed && !bytes.Equal(got, e.value):
			if !v.fail(tableErrf(tbl, tbl.indexName(e), k, nil, "index entry %d points to %s", slice.Uint64(e.key), hexstr(got))) {
				return false
			}
		}
	}
	return true
}

// fixedEntries checks that every entry owned by tbl points to a row.
func (v *verifier) fixedEntries(tbl *Table, d *FixedSizeIndexDef, b storageBucket, want int) bool {
	var n int
	for k, val := range RawOO().items(b, tbl.tx.db.logger) {
		pk := val
		if d.IsGlobal {
			owner, ref, err := decodeOwnerRef(val)
			if err != nil {
				if !v.fail(tableErrf(tbl, d.Name, k, err, "invalid global index entry")) {
					return false
				}
				continue
			}
			if owner != tbl.name {
				continue
			}
			pk = ref
		}
		n++
		if len(k) != 8 {
			if !v.fail(tableErrf(tbl, d.Name, k, nil, "invalid fixed-size index key")) {
				return false
			}
			continue
		}
		if tbl.data.Get(pk) == nil {
			if !v.fail(tableErrf(tbl, d.Name, pk, nil, "index entry %d points to a missing row", slice.Uint64(k))) {
				return false
			}
		}
	}
	if n != want {
		return v.fail(tableErrf(tbl, d.Name, nil, nil, "%d index entries, %d rows contribute", n, want))
	}
	return true
}

// indexEntries checks that every composite entry owned by tbl points to a
// row that produces it.
func (v *verifier) indexEntries(tbl *Table, d *SchemaIndexDef, b storageBucket, want int) bool {
	var n int
	for k := range RawOO().items(b, tbl.tx.db.logger) {
		_, pk, err := splitIndexEntryKey(k)
		if err != nil {
			if !v.fail(tableErrf(tbl, d.Name, k, err, "invalid index entry")) {
				return false
			}
			continue
		}
		if d.IsGlobal {
			owner, ref, err := decodeOwnerRef(pk)
			if err != nil {
				if !v.fail(tableErrf(tbl, d.Name, k, err, "invalid global index entry")) {
					return false
				}
				continue
			}
			if owner != tbl.name {
				continue
			}
			pk = ref
		}
		n++
		if tbl.data.Get(pk) == nil {
			if !v.fail(tableErrf(tbl, d.Name, pk, nil, "index entry %s points to a missing row", hexstr(k))) {
				return false
			}
		}
	}
	if n != want {
		return v.fail(tableErrf(tbl, d.Name, nil, nil, "%d index entries, %d rows contribute", n, want))
	}
	return true
}
