package tabledb

import (
	"iter"
	"testing"

	"github.com/shiranshalom/ravendb-sub000/slice"
)

// Documents: id, etag, collection, body.
var (
	docsSchema = NewTableSchema("Docs").
			DefineKey(&SchemaIndexDef{Name: "Id", StartIndex: 0, Count: 1}).
			DefineFixedSizeIndex(docsByEtag).
			DefineIndex(docsByCollectionEtag).
			SetFieldCount(4)
	docsByEtag           = &FixedSizeIndexDef{Name: "AllDocsEtags", StartIndex: 1, IsGlobal: true}
	docsByCollectionEtag = &SchemaIndexDef{Name: "CollectionEtags", StartIndex: 2, Count: 2, Separator: []byte{recordSep}}

	// Tombstones share the global etag index with documents.
	tombsSchema = NewTableSchema("Tombstones").
			DefineKey(&SchemaIndexDef{Name: "Id", StartIndex: 0, Count: 1}).
			DefineFixedSizeIndex(tombsByEtag).
			SetFieldCount(2)
	tombsByEtag = &FixedSizeIndexDef{Name: "AllDocsEtags", StartIndex: 1, IsGlobal: true}

	// Revisions: seq, id, etag.
	revsSchema = NewTableSchema("Revisions").
			DefineKey(&SchemaIndexDef{Name: "Seq", StartIndex: 0, Count: 1}).
			DefineIndex(revsByIDEtag).
			SetFieldCount(3)
	revsByIDEtag = &SchemaIndexDef{Name: "IdAndEtag", StartIndex: 1, Count: 2, Separator: []byte{recordSep}}

	testRegistry = newTestRegistry()
)

const recordSep = 0x1E

func newTestRegistry() *Registry {
	reg := NewRegistry()
	reg.Add("docs", docsSchema)
	reg.Add("tombstones", tombsSchema)
	reg.Add("revisions", revsSchema)
	return reg
}

func doc(id string, etag uint64, collection, body string) *TableValueBuilder {
	var b TableValueBuilder
	b.AddString(id).AddUint64(etag).AddString(collection).AddString(body)
	return &b
}

func tomb(id string, etag uint64) *TableValueBuilder {
	var b TableValueBuilder
	b.AddString(id).AddUint64(etag)
	return &b
}

func rev(seq uint64, id string, etag uint64) *TableValueBuilder {
	var b TableValueBuilder
	b.AddUint64(seq).AddString(id).AddUint64(etag)
	return &b
}

func idPrefix(id string) slice.Slice {
	return slice.From(append([]byte(id), recordSep))
}

func idEtag(id string, etag uint64) slice.Slice {
	return slice.From(slice.AppendUint64(append([]byte(id), recordSep), etag))
}

func createTables(t testing.TB, db *DB, tables map[string]*TableSchema) {
	t.Helper()
	err := db.Tx(true, func(tx *Tx) error {
		for name, s := range tables {
			if err := s.Create(tx, name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create tables: %v", err)
	}
}

func insert(t testing.TB, tbl *Table, b *TableValueBuilder) {
	t.Helper()
	if err := tbl.Insert(b); err != nil {
		t.Fatalf("Insert into %s: %v", tbl.Name(), err)
	}
}

// etags collects the etag field of every yielded row.
func etags[K any](seq iter.Seq2[K, TableValueHolder], field int) []uint64 {
	out := []uint64{}
	for _, h := range seq {
		out = append(out, h.Reader.ReadUint64(field))
	}
	return out
}

func ids(seq iter.Seq[TableValueHolder]) []string {
	return All(MapRows(seq, func(h TableValueHolder) string {
		return h.Reader.ReadString(0)
	}))
}
