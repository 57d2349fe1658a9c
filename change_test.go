package tabledb

import "testing"

func TestChangeFlags_Contains(t *testing.T) {
	f := ChangeFlagNotify | ChangeFlagIncludeKey
	if !f.Contains(ChangeFlagNotify) || !f.ContainsAny(ChangeFlagIncludeKey|ChangeFlagIncludeRow) {
		t.Fatalf("Contains/ContainsAny returned unexpected values for %v", f)
	}
	if f.Contains(ChangeFlagIncludeRow) || f.ContainsAny(0) {
		t.Fatalf("Contains/ContainsAny returned unexpected values for %v", f)
	}

	if OpPut.String() != "put" || OpDelete.String() != "delete" || OpNone.String() != "none" {
		t.Fatalf("unexpected Op.String values")
	}
	if got := Op(999).String(); got == "put" || got == "delete" || got == "none" {
		t.Fatalf("unexpected Op(999).String() = %q", got)
	}
}

func TestTx_OnChange_PutAndDelete(t *testing.T) {
	db := setup(t, testRegistry)
	createTables(t, db, map[string]*TableSchema{"docs": docsSchema, "revisions": revsSchema})

	var got []*Change
	db.Write(func(tx *Tx) {
		tx.OnChange(map[string]ChangeFlags{
			"docs": ChangeFlagsAll,
		}, func(tx *Tx, chg *Change) {
			got = append(got, chg)
		})

		tbl := tx.MustOpenTable(docsSchema, "docs")
		insert(t, tbl, doc("users/1", 1, "Users", "a"))
		must(tbl.Set(doc("users/1", 2, "Users", "b")))
		must(tbl.DeleteByKey([]byte("users/1")))

		// Not subscribed.
		insert(t, tx.MustOpenTable(revsSchema, "revisions"), rev(1, "users/1", 1))
	})

	if len(got) != 3 {
		t.Fatalf("got %d changes, wanted 3", len(got))
	}

	if got[0].TableName() != "docs" || got[0].Op() != OpPut || !got[0].HasKey() || !got[0].HasRow() || got[0].HasOldRow() {
		t.Fatalf("change[0] fields not set as expected: %+v", got[0])
	}
	deepEqual(t, string(got[0].RawKey()), "users/1")
	deepEqual(t, got[0].Row().ReadString(3), "a")

	if got[1].Op() != OpPut || !got[1].HasOldRow() {
		t.Fatalf("change[1] fields not set as expected: %+v", got[1])
	}
	deepEqual(t, got[1].Row().ReadString(3), "b")
	deepEqual(t, got[1].OldRow().ReadString(3), "a")

	if got[2].Op() != OpDelete || !got[2].HasKey() || !got[2].HasRow() || got[2].HasOldRow() {
		t.Fatalf("change[2] fields not set as expected: %+v", got[2])
	}
	deepEqual(t, got[2].Row().ReadUint64(1), uint64(2))
}

func TestTx_OnChange_FlagsAndAllTables(t *testing.T) {
	db := setup(t, testRegistry)
	createTables(t, db, map[string]*TableSchema{"docs": docsSchema, "revisions": revsSchema})

	var keysOnly, all []*Change
	db.Write(func(tx *Tx) {
		tx.OnChange(map[string]ChangeFlags{
			"docs": ChangeFlagNotify | ChangeFlagIncludeKey,
		}, func(tx *Tx, chg *Change) {
			keysOnly = append(keysOnly, chg)
		})
		insert(t, tx.MustOpenTable(docsSchema, "docs"), doc("users/1", 1, "Users", "a"))

		tx.OnChange(nil, func(tx *Tx, chg *Change) {
			all = append(all, chg)
		})
		insert(t, tx.MustOpenTable(docsSchema, "docs"), doc("users/2", 2, "Users", "b"))
		insert(t, tx.MustOpenTable(revsSchema, "revisions"), rev(1, "users/1", 1))
	})

	if len(keysOnly) != 1 || !keysOnly[0].HasKey() || keysOnly[0].HasRow() {
		t.Fatalf("keys-only changes = %+v", keysOnly)
	}
	if len(all) != 2 || all[1].TableName() != "revisions" || !all[1].HasRow() {
		t.Fatalf("all-table changes = %+v", all)
	}
}
