package tabledb

import (
	"errors"
	"strings"
	"testing"
)

func TestTableError(t *testing.T) {
	tests := []struct {
		err  *TableError
		want string
	}{
		{&TableError{Table: "docs", Err: ErrTableNotFound}, "docs: table not found"},
		{&TableError{Table: "docs", Index: "Etags", Key: []byte("users/1"), Err: ErrDuplicateIndexKey, Msg: "key 5 already used"}, `docs.Etags/"users/1": key 5 already used: duplicate fixed-size index key`},
		{&TableError{Table: "docs", Key: []byte{0, 1}, Msg: "bad"}, "docs/0001: bad"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, wanted %q", got, tt.want)
		}
	}
	if !errors.Is(tests[1].err, ErrDuplicateIndexKey) {
		t.Errorf("TableError does not unwrap")
	}
}

func TestSchemaError(t *testing.T) {
	err := schemaErrf("Docs", "docs2", ErrSchemaMismatch, "field count %d, not %d", 3, 4)
	want := "schema Docs (table docs2): field count 3, not 4: table exists with a different schema"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, wanted %q", got, want)
	}
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("SchemaError does not unwrap")
	}
}

func TestDataError(t *testing.T) {
	err := dataErrf([]byte{1, 2}, 0, nil, "invalid thing")
	if got := err.Error(); got != "invalid thing: (2) 0102" {
		t.Errorf("Error() = %q", got)
	}
	long := dataErrf(make([]byte, 200), 0, ErrFieldCount, "long")
	if got := long.Error(); !strings.Contains(got, "...") || !strings.Contains(got, "(200)") {
		t.Errorf("Error() = %q, wanted it abbreviated", got)
	}
	if !errors.Is(long, ErrFieldCount) {
		t.Errorf("DataError does not unwrap")
	}
}

func TestKeyString(t *testing.T) {
	deepEqual(t, keyString([]byte("users/1")), `"users/1"`)
	deepEqual(t, keyString([]byte{0xFF, 0x00}), "ff00")
}
