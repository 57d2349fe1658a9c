package tabledb

import (
	"errors"
	"math"
	"testing"

	"github.com/shiranshalom/ravendb-sub000/slice"
)

func TestTable_InsertReadDelete(t *testing.T) {
	forEachDB(t, testRegistry, func(t *testing.T, db *DB) {
		createTables(t, db, map[string]*TableSchema{"docs": docsSchema})

		db.Write(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			insert(t, tbl, doc("users/1", 1, "Users", "a"))
			insert(t, tbl, doc("users/2", 2, "Users", "b"))
			insert(t, tbl, doc("orders/1", 3, "Orders", "c"))
		})

		db.Read(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, tbl.Count(), int64(3))

			r, ok := tbl.ReadByKey([]byte("users/2"))
			if !ok {
				t.Fatalf("ReadByKey(users/2) not found")
			}
			deepEqual(t, r.ReadString(3), "b")
			deepEqual(t, r.ReadUint64(1), uint64(2))

			if tbl.VerifyKeyExists([]byte("users/3")) {
				t.Errorf("VerifyKeyExists(users/3) = true")
			}
			deepEqual(t, ids(tbl.Rows()), []string{"orders/1", "users/1", "users/2"})
		})

		db.Write(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, must(tbl.DeleteByKey([]byte("users/1"))), true)
			deepEqual(t, must(tbl.DeleteByKey([]byte("users/1"))), false)
		})

		db.Read(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, tbl.Count(), int64(2))
			deepEqual(t, tbl.FixedIndex(docsByEtag).Count(), int64(2))
			deepEqual(t, tbl.Index(docsByCollectionEtag).Count(), int64(2))
		})
	})
}

func TestTable_SetReplacesIndexEntries(t *testing.T) {
	forEachDB(t, testRegistry, func(t *testing.T, db *DB) {
		createTables(t, db, map[string]*TableSchema{"docs": docsSchema})

		db.Write(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, must(tbl.Set(doc("users/1", 1, "Users", "a"))), false)
			deepEqual(t, must(tbl.Set(doc("users/1", 5, "People", "b"))), true)
		})

		db.Read(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, tbl.Count(), int64(1))
			deepEqual(t, etags(tbl.FixedIndex(docsByEtag).SeekForwardFrom(0, 0), 1), []uint64{5})

			ix := tbl.Index(docsByCollectionEtag)
			deepEqual(t, ix.Count(), int64(1))
			deepEqual(t, etags(ix.SeekForwardFromPrefix(idPrefix("Users"), slice.BeforeAllKeys, 0), 1), []uint64{})
			deepEqual(t, etags(ix.SeekForwardFromPrefix(idPrefix("People"), slice.BeforeAllKeys, 0), 1), []uint64{5})
		})
	})
}

func TestTable_Errors(t *testing.T) {
	db := setup(t, testRegistry)
	createTables(t, db, map[string]*TableSchema{"docs": docsSchema})

	db.Write(func(tx *Tx) {
		tbl := tx.MustOpenTable(docsSchema, "docs")
		insert(t, tbl, doc("users/1", 1, "Users", "a"))

		err := tbl.Insert(doc("users/1", 2, "Users", "b"))
		if !errors.Is(err, ErrDuplicateKey) {
			t.Errorf("Insert duplicate = %v, wanted ErrDuplicateKey", err)
		}

		err = tbl.Insert(doc("users/2", 1, "Users", "b"))
		if !errors.Is(err, ErrDuplicateIndexKey) {
			t.Errorf("Insert with used etag = %v, wanted ErrDuplicateIndexKey", err)
		}
		var te *TableError
		if !errors.As(err, &te) || te.Table != "docs" || te.Index != "AllDocsEtags" {
			t.Errorf("Insert with used etag = %#v, wanted *TableError for docs/AllDocsEtags", err)
		}
		if tbl.VerifyKeyExists([]byte("users/2")) {
			t.Errorf("rejected row was written")
		}

		var short TableValueBuilder
		short.AddString("users/3").AddUint64(3)
		if err := tbl.Insert(&short); !errors.Is(err, ErrFieldCount) {
			t.Errorf("Insert short record = %v, wanted ErrFieldCount", err)
		}

		if err := tbl.Insert(doc("", 4, "Users", "")); !errors.Is(err, ErrEmptyKey) {
			t.Errorf("Insert empty key = %v, wanted ErrEmptyKey", err)
		}
		deepEqual(t, tbl.Count(), int64(1))
		deepEqual(t, tbl.Index(docsByCollectionEtag).Count(), int64(1))
	})

	db.Read(func(tx *Tx) {
		tbl := tx.MustOpenTable(docsSchema, "docs")
		if err := tbl.Insert(doc("users/9", 9, "Users", "")); !errors.Is(err, ErrNotWritable) {
			t.Errorf("Insert in read tx = %v, wanted ErrNotWritable", err)
		}
		if _, err := tx.OpenTable(docsSchema, "nope"); !errors.Is(err, ErrTableNotFound) {
			t.Errorf("OpenTable(nope) = %v, wanted ErrTableNotFound", err)
		}
		assertPanics(t, func() { tbl.Index(revsByIDEtag) })
		assertPanics(t, func() { tbl.FixedIndex(tombsByEtag) })
	})
}

// Etags {2, 4, 6} seeked backward from various bounds.
func TestFixedIndex_SeekBackwardFrom(t *testing.T) {
	forEachDB(t, testRegistry, func(t *testing.T, db *DB) {
		createTables(t, db, map[string]*TableSchema{"docs": docsSchema})
		db.Write(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			insert(t, tbl, doc("a", 2, "C", ""))
			insert(t, tbl, doc("b", 4, "C", ""))
			insert(t, tbl, doc("c", 6, "C", ""))
		})

		db.Read(func(tx *Tx) {
			fi := tx.MustOpenTable(docsSchema, "docs").FixedIndex(docsByEtag)
			tests := []struct {
				upper uint64
				skip  int
				want  []uint64
			}{
				{3, 0, []uint64{2}},
				{0, 0, []uint64{}},
				{4, 0, []uint64{4, 2}},
				{10, 0, []uint64{6, 4, 2}},
				{math.MaxUint64, 0, []uint64{6, 4, 2}},
				{math.MaxUint64, 1, []uint64{4, 2}},
				{5, 5, []uint64{}},
			}
			for _, tt := range tests {
				got := etags(fi.SeekBackwardFrom(tt.upper, tt.skip), 1)
				if !equalUint64s(got, tt.want) {
					t.Errorf("SeekBackwardFrom(%d, skip %d) = %v, wanted %v", tt.upper, tt.skip, got, tt.want)
				}
			}
			deepEqual(t, etags(fi.SeekForwardFrom(3, 0), 1), []uint64{4, 6})
			deepEqual(t, etags(fi.SeekBackwardFromLast(0), 1), []uint64{6, 4, 2})

			first, h, ok := fi.ReadFirst()
			if !ok || first != 2 || string(h.Key) != "a" {
				t.Errorf("ReadFirst = %d, %q, %v", first, h.Key, ok)
			}
			last, h, ok := fi.ReadLast()
			if !ok || last != 6 || string(h.Key) != "c" {
				t.Errorf("ReadLast = %d, %q, %v", last, h.Key, ok)
			}
		})
	})
}

func equalUint64s(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// "foo/bar" with etags {2, 6}, "foo/bar1" with etag 4.
func TestIndex_SeekBackwardFromPrefix(t *testing.T) {
	forEachDB(t, testRegistry, func(t *testing.T, db *DB) {
		createTables(t, db, map[string]*TableSchema{"revisions": revsSchema})
		db.Write(func(tx *Tx) {
			tbl := tx.MustOpenTable(revsSchema, "revisions")
			insert(t, tbl, rev(1, "foo/bar", 2))
			insert(t, tbl, rev(2, "foo/bar1", 4))
			insert(t, tbl, rev(3, "foo/bar", 6))
		})

		db.Read(func(tx *Tx) {
			ix := tx.MustOpenTable(revsSchema, "revisions").Index(revsByIDEtag)
			tests := []struct {
				id    string
				upper slice.Slice
				want  []uint64
			}{
				{"foo/bar", idEtag("foo/bar", 5), []uint64{2}},
				{"foo/bar1", idEtag("foo/bar1", 5), []uint64{4}},
				{"foo/ba", idEtag("foo/ba", 5), []uint64{}},
				{"foo/ba", slice.AfterAllKeys, []uint64{}},
				{"foo/bar", slice.AfterAllKeys, []uint64{6, 2}},
				{"foo/bar", idEtag("foo/bar", 6), []uint64{6, 2}},
				{"foo/bar", idEtag("foo/bar", 1), []uint64{}},
				{"foo/bar", slice.BeforeAllKeys, []uint64{}},
				{"foo/bar", idEtag("foo/bas", 0), []uint64{6, 2}},
			}
			for _, tt := range tests {
				got := etags(ix.SeekBackwardFromPrefix(idPrefix(tt.id), tt.upper, 0), 2)
				if !equalUint64s(got, tt.want) {
					t.Errorf("SeekBackwardFromPrefix(%q, %v) = %v, wanted %v", tt.id, tt.upper, got, tt.want)
				}
			}

			deepEqual(t, etags(ix.SeekBackwardFrom(slice.AfterAllKeys, 0), 2), []uint64{4, 6, 2})
			deepEqual(t, etags(ix.SeekBackwardFrom(slice.AfterAllKeys, 2), 2), []uint64{2})
			deepEqual(t, etags(ix.SeekForwardFrom(idEtag("foo/bar", 3), 0), 2), []uint64{6, 4})
			deepEqual(t, etags(ix.SeekForwardFromPrefix(idPrefix("foo/bar"), slice.BeforeAllKeys, 1), 2), []uint64{6})
			deepEqual(t, etags(ix.SeekForwardFrom(slice.AfterAllKeys, 0), 2), []uint64{})

			k, h, ok := ix.SeekOneForwardFrom(idPrefix("foo/bar1"))
			if !ok || !k.Equal(idEtag("foo/bar1", 4)) || h.Reader.ReadUint64(0) != 2 {
				t.Errorf("SeekOneForwardFrom(foo/bar1) = %v, %v, %v", k, h, ok)
			}
			if _, _, ok := ix.SeekOneForwardFrom(idPrefix("foo/ba")); ok {
				t.Errorf("SeekOneForwardFrom(foo/ba) found an entry")
			}
		})
	})
}

func TestIndex_KeysWithZeroBytesKeepOrder(t *testing.T) {
	db := setup(t, testRegistry)
	createTables(t, db, map[string]*TableSchema{"revisions": revsSchema})
	db.Write(func(tx *Tx) {
		tbl := tx.MustOpenTable(revsSchema, "revisions")
		insert(t, tbl, rev(1, "a", 0x100))
		insert(t, tbl, rev(2, "a", 0))
		insert(t, tbl, rev(3, "a", 0xFF))
		insert(t, tbl, rev(4, "a\x00", 1))
	})
	db.Read(func(tx *Tx) {
		ix := tx.MustOpenTable(revsSchema, "revisions").Index(revsByIDEtag)
		deepEqual(t, etags(ix.SeekForwardFromPrefix(idPrefix("a"), slice.BeforeAllKeys, 0), 2), []uint64{0, 0xFF, 0x100})
		deepEqual(t, etags(ix.SeekBackwardFromPrefix(idPrefix("a"), slice.AfterAllKeys, 0), 2), []uint64{0x100, 0xFF, 0})
		deepEqual(t, etags(ix.SeekForwardFrom(slice.BeforeAllKeys, 0), 2), []uint64{1, 0, 0xFF, 0x100})
	})
}

func TestTable_PrimaryKeySeeks(t *testing.T) {
	forEachDB(t, testRegistry, func(t *testing.T, db *DB) {
		createTables(t, db, map[string]*TableSchema{"docs": docsSchema})
		db.Write(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			for i, id := range []string{"orders/1", "users/1", "users/2", "users/3", "usersx"} {
				insert(t, tbl, doc(id, uint64(i+1), "C", ""))
			}
		})

		db.Read(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, ids(tbl.SeekByPrimaryKey([]byte("users/"), 0)), []string{"users/1", "users/2", "users/3", "usersx"})
			deepEqual(t, ids(tbl.SeekByPrimaryKey([]byte("users/"), 2)), []string{"users/3", "usersx"})
			deepEqual(t, ids(tbl.SeekByPrimaryKeyPrefix([]byte("users/"), nil, 0)), []string{"users/1", "users/2", "users/3"})
			deepEqual(t, ids(tbl.SeekByPrimaryKeyPrefix([]byte("users/"), []byte("users/1"), 0)), []string{"users/2", "users/3"})
			deepEqual(t, ids(tbl.SeekByPrimaryKeyPrefix([]byte("users/"), nil, 1)), []string{"users/2", "users/3"})
			deepEqual(t, ids(tbl.SeekBackwardByPrimaryKeyPrefix([]byte("users/"), 0)), []string{"users/3", "users/2", "users/1"})
			deepEqual(t, ids(tbl.SeekByPrimaryKeyPrefix([]byte("nope/"), nil, 0)), []string(nil))

			h, ok := tbl.SeekOnePrimaryKeyPrefix([]byte("users/"))
			if !ok || string(h.Key) != "users/1" {
				t.Errorf("SeekOnePrimaryKeyPrefix(users/) = %q, %v", h.Key, ok)
			}
			if _, ok := tbl.SeekOnePrimaryKeyPrefix([]byte("zzz")); ok {
				t.Errorf("SeekOnePrimaryKeyPrefix(zzz) found a row")
			}

			var n int
			for range tbl.Rows() {
				n++
				if n == 2 {
					break
				}
			}
			deepEqual(t, n, 2)
		})
	})
}

func TestTable_DeleteRanges(t *testing.T) {
	forEachDB(t, testRegistry, func(t *testing.T, db *DB) {
		createTables(t, db, map[string]*TableSchema{"docs": docsSchema})
		db.Write(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			for i, id := range []string{"a/1", "a/2", "a/3", "b/1", "b/2", "c/1", "c/2", "c/3"} {
				insert(t, tbl, doc(id, uint64(i+1)*10, "C", ""))
			}
		})

		db.Write(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, must(tbl.DeleteByPrimaryKeyPrefix([]byte("a/"))), 3)
			deepEqual(t, must(tbl.DeleteByPrimaryKeyPrefix([]byte("zz"))), 0)
		})
		db.Read(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, ids(tbl.Rows()), []string{"b/1", "b/2", "c/1", "c/2", "c/3"})
			deepEqual(t, tbl.Index(docsByCollectionEtag).Count(), int64(5))
		})

		// b/1=40 b/2=50 c/1=60 c/2=70 c/3=80
		db.Write(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, must(tbl.DeleteForwardFrom(docsByEtag, 65, 1)), 1)
			deepEqual(t, must(tbl.DeleteBackwardFrom(docsByEtag, 55, 0)), 2)
		})
		db.Read(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, ids(tbl.Rows()), []string{"c/1", "c/3"})
			deepEqual(t, etags(tbl.FixedIndex(docsByEtag).SeekForwardFrom(0, 0), 1), []uint64{60, 80})
		})
	})
}

func TestGlobalIndex_SharedAcrossTables(t *testing.T) {
	forEachDB(t, testRegistry, func(t *testing.T, db *DB) {
		createTables(t, db, map[string]*TableSchema{
			"docs":       docsSchema,
			"tombstones": tombsSchema,
		})
		db.Write(func(tx *Tx) {
			docs := tx.MustOpenTable(docsSchema, "docs")
			tombs := tx.MustOpenTable(tombsSchema, "tombstones")
			insert(t, docs, doc("users/1", 1, "Users", ""))
			insert(t, tombs, tomb("users/2", 2))
			insert(t, docs, doc("users/3", 3, "Users", ""))

			if err := tombs.Insert(tomb("users/4", 3)); !errors.Is(err, ErrDuplicateIndexKey) {
				t.Errorf("etag reused across tables = %v, wanted ErrDuplicateIndexKey", err)
			}
		})

		db.Read(func(tx *Tx) {
			docs := tx.MustOpenTable(docsSchema, "docs")
			var got []string
			for etag, h := range docs.FixedIndex(docsByEtag).SeekForwardFrom(0, 0) {
				got = append(got, h.Table+":"+string(h.Key))
				deepEqual(t, h.Reader.ReadUint64(1), etag)
			}
			deepEqual(t, got, []string{"docs:users/1", "tombstones:users/2", "docs:users/3"})
			deepEqual(t, docs.FixedIndex(docsByEtag).Count(), int64(3))
		})

		// Deleting from one table leaves the other's entries alone.
		db.Write(func(tx *Tx) {
			docs := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, must(docs.DeleteForwardFrom(docsByEtag, 0, 0)), 2)
		})
		db.Read(func(tx *Tx) {
			tombs := tx.MustOpenTable(tombsSchema, "tombstones")
			deepEqual(t, etags(tombs.FixedIndex(tombsByEtag).SeekForwardFrom(0, 0), 1), []uint64{2})
		})
	})
}

// A failing write leaves neither the primary data nor the indexes changed.
func TestTx_Atomicity(t *testing.T) {
	forEachDB(t, testRegistry, func(t *testing.T, db *DB) {
		createTables(t, db, map[string]*TableSchema{"docs": docsSchema})
		db.Write(func(tx *Tx) {
			insert(t, tx.MustOpenTable(docsSchema, "docs"), doc("users/1", 1, "Users", ""))
		})

		boom := errors.New("boom")
		err := db.Tx(true, func(tx *Tx) error {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			insert(t, tbl, doc("users/2", 2, "Users", ""))
			must(tbl.DeleteByKey([]byte("users/1")))
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Tx = %v, wanted boom", err)
		}

		err = db.Tx(true, func(tx *Tx) error {
			insert(t, tx.MustOpenTable(docsSchema, "docs"), doc("users/3", 3, "Users", ""))
			panic("kaboom")
		})
		var p panicked
		if !errors.As(err, &p) {
			t.Fatalf("Tx with panic = %v, wanted panicked", err)
		}

		db.Read(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, ids(tbl.Rows()), []string{"users/1"})
			deepEqual(t, etags(tbl.FixedIndex(docsByEtag).SeekForwardFrom(0, 0), 1), []uint64{1})
			deepEqual(t, tbl.Index(docsByCollectionEtag).Count(), int64(1))
		})
	})
}
