package tabledb

import (
	"fmt"
	"strings"

	"github.com/shiranshalom/ravendb-sub000/slice"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders every table whose schema is known to the registry, plus
// any schema-less table header. Intended for tests and debugging.
func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	for _, name := range tx.TableNames() {
		schemaName, _ := tx.TableSchemaName(name)
		schema := tx.db.registry.schemaNamed(schemaName)
		if schema == nil {
			if f.Contains(DumpTableHeaders) {
				fmt.Fprintln(&buf, dumpSep1)
				fmt.Fprintf(&buf, "%s (schema %q not registered)\n", name, schemaName)
			}
			continue
		}
		tbl, err := tx.OpenTable(schema, name)
		if err != nil {
			fmt.Fprintln(&buf, dumpSep1)
			fmt.Fprintf(&buf, "%s ** ERROR: %v\n", name, err)
			continue
		}
		tx.DumpTable(&buf, f, tbl)
	}
	return buf.String()
}

func (tx *Tx) DumpTable(w *strings.Builder, f DumpFlags, tbl *Table) {
	prefix := tbl.Name()
	s := tx.TableStats(tbl)

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows, schema %s)\n", prefix, s.Rows, tbl.schema.name)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_rows = %d, data_size = %d, data_alloc = %d, index_size = %d, index_alloc = %d, total_alloc = %d\n", prefix, s.IndexRows, s.DataSize, s.DataAlloc, s.IndexSize, s.IndexAlloc, s.TotalAlloc())
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		var rowPos int
		for k, v := range RawOO().items(tbl.data, tx.db.logger) {
			rowPos++
			r, err := NewTableValueReader(v)
			if err != nil {
				fmt.Fprintf(w, "%s.%d = %s ** ERROR: %v\n", prefix, rowPos, keyString(k), err)
				continue
			}
			fmt.Fprintf(w, "%s.%d = %s %s\n", prefix, rowPos, keyString(k), tbl.loggableRecord(r))
		}
	}

	if f.Contains(DumpIndices) {
		for i, d := range tbl.schema.fixed {
			fmt.Fprintln(w, dumpSep2)
			iprefix := prefix + ".f." + d.Name
			fmt.Fprintf(w, "%s%s\n", iprefix, globalSuffix(d.IsGlobal))
			if f.Contains(DumpIndexRows) {
				tx.dumpIndexRows(w, iprefix, tbl.fixed[i], func(k, v []byte) string {
					if len(k) != 8 {
						return fmt.Sprintf("%s => %s", hexstr(k), keyString(v))
					}
					return fmt.Sprintf("%d => %s", slice.Uint64(k), dumpRef(d.IsGlobal, v))
				})
			}
		}
		for i, d := range tbl.schema.indexes {
			fmt.Fprintln(w, dumpSep2)
			iprefix := prefix + ".i." + d.Name
			fmt.Fprintf(w, "%s%s\n", iprefix, globalSuffix(d.IsGlobal))
			if f.Contains(DumpIndexRows) {
				tx.dumpIndexRows(w, iprefix, tbl.indexes[i], func(k, v []byte) string {
					ik, pk, err := splitIndexEntryKey(k)
					if err != nil {
						return fmt.Sprintf("%s ** ERROR: %v", hexstr(k), err)
					}
					return fmt.Sprintf("%s => %s", keyString(ik), dumpRef(d.IsGlobal, pk))
				})
			}
		}
	}
}

func (tx *Tx) dumpIndexRows(w *strings.Builder, prefix string, b storageBucket, format func(k, v []byte) string) {
	var rowPos int
	for k, v := range RawOO().items(b, tx.db.logger) {
		rowPos++
		fmt.Fprintf(w, "%s.%d: %s\n", prefix, rowPos, format(k, v))
	}
}

func globalSuffix(global bool) string {
	if global {
		return " (global)"
	}
	return ""
}

func dumpRef(global bool, v []byte) string {
	if !global {
		return keyString(v)
	}
	name, pk, err := decodeOwnerRef(v)
	if err != nil {
		return fmt.Sprintf("%s ** ERROR: %v", hexstr(v), err)
	}
	return name + "/" + keyString(pk)
}
