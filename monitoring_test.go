package tabledb

import (
	"strings"
	"testing"
)

func TestTableStatsAndDump(t *testing.T) {
	forEachDB(t, testRegistry, func(t *testing.T, db *DB) {
		createTables(t, db, map[string]*TableSchema{"docs": docsSchema, "revisions": revsSchema})
		db.Write(func(tx *Tx) {
			docs := tx.MustOpenTable(docsSchema, "docs")
			insert(t, docs, doc("users/1", 1, "Users", "foo@example.com"))
			insert(t, docs, doc("users/2", 2, "Users", "bar@example.com"))
			insert(t, tx.MustOpenTable(revsSchema, "revisions"), rev(1, "users/1", 1))
		})

		db.Read(func(tx *Tx) {
			ts := tx.TableStats(tx.MustOpenTable(docsSchema, "docs"))
			if ts.Rows != 2 || ts.IndexRows != 4 || len(ts.Indexes) != 2 {
				t.Fatalf("TableStats = %+v, wanted 2 rows and 4 index rows in 2 indexes", ts)
			}
			deepEqual(t, ts.Indexes[0].Name, "AllDocsEtags")
			deepEqual(t, ts.Indexes[0].Global, true)
			if ts.TotalAlloc() < ts.DataAlloc || ts.TotalSize() < ts.DataSize {
				t.Fatalf("TableStats totals inconsistent: %+v", ts)
			}

			if !DumpTableHeaders.Contains(DumpTableHeaders) || DumpTableHeaders.Contains(DumpRows) {
				t.Fatalf("DumpFlags.Contains returned unexpected results")
			}
			out := tx.Dump(DumpAll)
			for _, want := range []string{"docs (2 rows, schema Docs)", "foo@example.com", "docs.f.AllDocsEtags (global)", `1 => docs/"users/1"`, "revisions.i.IdAndEtag"} {
				if !strings.Contains(out, want) {
					t.Errorf("Dump output missing %q; got:\n%s", want, out)
				}
			}
		})
	})
}

func TestDump_SuppressedContent(t *testing.T) {
	secret := NewTableSchema("Secrets").
		DefineKey(&SchemaIndexDef{Name: "Id", StartIndex: 0, Count: 1}).
		SuppressContentWhenLogging()
	reg := NewRegistry()
	reg.Add("secrets", secret)
	db := setup(t, reg)
	createTables(t, db, map[string]*TableSchema{"secrets": secret})
	db.Write(func(tx *Tx) {
		var b TableValueBuilder
		b.AddString("k").AddString("hunter2")
		insert(t, tx.MustOpenTable(secret, "secrets"), &b)
	})
	db.Read(func(tx *Tx) {
		out := tx.Dump(DumpRows)
		if strings.Contains(out, "hunter2") || !strings.Contains(out, "<suppressed>") {
			t.Fatalf("Dump leaked suppressed content:\n%s", out)
		}
	})
}
