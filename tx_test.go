package tabledb

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestTx_MemoCachesValueAndError(t *testing.T) {
	db := setup(t, testRegistry)

	db.Read(func(tx *Tx) {
		calls := 0
		v, err := tx.Memo("k", func() (any, error) {
			calls++
			return 42, nil
		})
		if err != nil || v.(int) != 42 || calls != 1 {
			t.Fatalf("Memo #1 = (%v, %v), calls=%d; wanted (42, nil), calls=1", v, err, calls)
		}
		v, err = tx.Memo("k", func() (any, error) {
			calls++
			return 777, nil
		})
		if err != nil || v.(int) != 42 || calls != 1 {
			t.Fatalf("Memo #2 = (%v, %v), calls=%d; wanted (42, nil), calls=1", v, err, calls)
		}

		calls = 0
		wantErr := errors.New("boom")
		v, err = tx.Memo("e", func() (any, error) {
			calls++
			return nil, wantErr
		})
		if err == nil || v != nil || calls != 1 {
			t.Fatalf("Memo err #1 = (%v, %v), calls=%d; wanted (nil, err), calls=1", v, err, calls)
		}
		v, err = tx.Memo("e", func() (any, error) {
			calls++
			return 1, nil
		})
		if !errors.Is(err, wantErr) || v != nil || calls != 1 {
			t.Fatalf("Memo err #2 = (%v, %v), calls=%d; wanted (nil, err), calls=1", v, err, calls)
		}

		if v, ok := tx.GetMemo("k"); !ok || v.(int) != 42 {
			t.Fatalf("GetMemo(k) = %v, %v", v, ok)
		}
	})

	db.Read(func(tx *Tx) {
		calls := 0
		v, err := Memo[int](tx, "typed", func() (int, error) {
			calls++
			return 7, nil
		})
		if err != nil || v != 7 || calls != 1 {
			t.Fatalf("Memo[int] #1 = (%v, %v), calls=%d; wanted (7, nil), calls=1", v, err, calls)
		}
		v, err = Memo[int](tx, "typed", func() (int, error) {
			calls++
			return 8, nil
		})
		if err != nil || v != 7 || calls != 1 {
			t.Fatalf("Memo[int] #2 = (%v, %v), calls=%d; wanted (7, nil), calls=1", v, err, calls)
		}
	})
}

// A reader keeps its snapshot across later commits.
func TestTx_SnapshotIsolation(t *testing.T) {
	forEachDB(t, testRegistry, func(t *testing.T, db *DB) {
		createTables(t, db, map[string]*TableSchema{"docs": docsSchema})
		db.Write(func(tx *Tx) {
			insert(t, tx.MustOpenTable(docsSchema, "docs"), doc("users/1", 1, "Users", "v1"))
		})

		reader := db.BeginRead()
		defer reader.Close()
		before := reader.MustOpenTable(docsSchema, "docs")

		for i := range 50 {
			db.Write(func(tx *Tx) {
				tbl := tx.MustOpenTable(docsSchema, "docs")
				must(tbl.Set(doc("users/1", uint64(i+2), "Users", strings.Repeat("x", 100))))
				insert(t, tbl, doc("fill/"+strings.Repeat("y", i+1), uint64(1000+i), "Fill", strings.Repeat("z", 500)))
			})
		}

		r, ok := before.ReadByKey([]byte("users/1"))
		if !ok {
			t.Fatalf("old snapshot lost users/1")
		}
		deepEqual(t, r.ReadString(3), "v1")
		deepEqual(t, before.Count(), int64(1))
		deepEqual(t, etags(before.FixedIndex(docsByEtag).SeekForwardFrom(0, 0), 1), []uint64{1})

		db.Read(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, tbl.Count(), int64(51))
			r, _ := tbl.ReadByKey([]byte("users/1"))
			deepEqual(t, r.ReadUint64(1), uint64(51))
		})
	})
}

func TestTx_ReadOnlyAndClosed(t *testing.T) {
	db := setup(t, testRegistry)
	tx := db.BeginRead()
	if tx.IsWritable() {
		t.Fatalf("read tx is writable")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit on read tx = %v", err)
	}
	tx.Close()
	if err := tx.Commit(); !errors.Is(err, ErrTxClosed) {
		t.Fatalf("Commit after Close = %v, wanted ErrTxClosed", err)
	}
	assertPanics(t, func() { tx.TableNames() })
}

func TestTx_CommitDespiteError(t *testing.T) {
	db := setup(t, testRegistry)
	createTables(t, db, map[string]*TableSchema{"docs": docsSchema})

	boom := errors.New("boom")
	err := db.Tx(true, func(tx *Tx) error {
		tx.CommitDespiteError()
		insert(t, tx.MustOpenTable(docsSchema, "docs"), doc("users/1", 1, "Users", ""))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Tx = %v, wanted boom", err)
	}
	db.Read(func(tx *Tx) {
		deepEqual(t, tx.MustOpenTable(docsSchema, "docs").Count(), int64(1))
	})
}

func TestDB_Counters(t *testing.T) {
	db := setup(t, testRegistry)
	reads, writes := db.ReadCount.Load(), db.WriteCount.Load()

	db.Read(func(tx *Tx) {
		deepEqual(t, db.ReaderCount.Load(), int64(1))
	})
	db.Write(func(tx *Tx) {
		deepEqual(t, db.WriterCount.Load(), int64(1))
	})
	deepEqual(t, db.ReaderCount.Load(), int64(0))
	deepEqual(t, db.WriterCount.Load(), int64(0))
	deepEqual(t, db.ReadCount.Load(), reads+1)
	deepEqual(t, db.WriteCount.Load(), writes+1)
}

func TestDB_DescribeOpenTxns(t *testing.T) {
	db := setup(t, testRegistry)
	if got := db.DescribeOpenTxns(); got != "NO OPEN TRANSACTIONS" {
		t.Fatalf("DescribeOpenTxns = %q", got)
	}

	tx := db.BeginRead()
	got := db.DescribeOpenTxns()
	if !strings.Contains(got, "1 OPEN TRANSACTIONS") || !strings.Contains(got, "read") {
		t.Fatalf("DescribeOpenTxns = %q", got)
	}
	tx.Close()
	if got := db.DescribeOpenTxns(); got != "NO OPEN TRANSACTIONS" {
		t.Fatalf("DescribeOpenTxns after Close = %q", got)
	}
}

func TestTx_NextEtag(t *testing.T) {
	forEachDB(t, testRegistry, func(t *testing.T, db *DB) {
		db.Write(func(tx *Tx) {
			deepEqual(t, tx.LastEtag(), uint64(0))
			deepEqual(t, must(tx.NextEtag()), uint64(1))
			deepEqual(t, must(tx.NextEtag()), uint64(2))
		})
		_ = db.Tx(true, func(tx *Tx) error {
			must(tx.NextEtag())
			return errors.New("rollback")
		})
		db.Read(func(tx *Tx) {
			deepEqual(t, tx.LastEtag(), uint64(2))
			if _, err := tx.NextEtag(); !errors.Is(err, ErrNotWritable) {
				t.Errorf("NextEtag in read tx = %v, wanted ErrNotWritable", err)
			}
		})
	})
}

func TestDB_Reopen(t *testing.T) {
	for _, backend := range []Backend{BackendNative, BackendBolt, BackendLevelDB} {
		t.Run(string(backend), func(t *testing.T) {
			path := t.TempDir() + "/data.db"
			opt := Options{Backend: backend, IsTesting: true}

			db := must(Open(path, testRegistry, opt))
			createTables(t, db, map[string]*TableSchema{"docs": docsSchema})
			db.Write(func(tx *Tx) {
				insert(t, tx.MustOpenTable(docsSchema, "docs"), doc("users/1", 7, "Users", "hello"))
			})
			db.Close()

			db = must(Open(path, testRegistry, opt))
			defer db.Close()
			db.Read(func(tx *Tx) {
				tbl := tx.MustOpenTable(docsSchema, "docs")
				r, ok := tbl.ReadByKey([]byte("users/1"))
				if !ok {
					t.Fatalf("users/1 lost on reopen")
				}
				deepEqual(t, r.ReadString(3), "hello")
				deepEqual(t, etags(tbl.FixedIndex(docsByEtag).SeekForwardFrom(0, 0), 1), []uint64{7})
			})
		})
	}
}

func TestTx_ReadersSeeConsistentSnapshots(t *testing.T) {
	const commits = 120
	forEachDB(t, testRegistry, func(t *testing.T, db *DB) {
		createTables(t, db, map[string]*TableSchema{"docs": docsSchema})

		var done atomic.Bool
		var g errgroup.Group
		g.Go(func() error {
			defer done.Store(true)
			for i := range commits {
				err := db.Tx(true, func(tx *Tx) error {
					tbl := tx.MustOpenTable(docsSchema, "docs")
					etag := uint64(i + 1)
					switch {
					case i%5 == 4:
						_, err := tbl.DeleteByKey([]byte(fmt.Sprintf("users/%d", i-2)))
						return err
					case i%3 == 2:
						_, err := tbl.Set(doc(fmt.Sprintf("users/%d", i-1), etag, "Users", "updated"))
						return err
					default:
						return tbl.Insert(doc(fmt.Sprintf("users/%d", i), etag, "Users", "v"))
					}
				})
				if err != nil {
					return fmt.Errorf("commit %d: %w", i, err)
				}
			}
			return nil
		})
		for range 4 {
			g.Go(func() error {
				for !done.Load() {
					err := db.ReadErr(func(tx *Tx) error {
						tbl := tx.MustOpenTable(docsSchema, "docs")
						count := tbl.Count()
						var rows int64
						for range tbl.Rows() {
							rows++
						}
						byEtag := tbl.FixedIndex(docsByEtag).Count()
						byCollection := tbl.Index(docsByCollectionEtag).Count()
						if rows != count || byEtag != count || byCollection != count {
							return fmt.Errorf("Count() = %d, rows = %d, etag index = %d, collection index = %d", count, rows, byEtag, byCollection)
						}
						if again := tbl.Count(); again != count {
							return fmt.Errorf("Count() changed within one read from %d to %d", count, again)
						}
						return nil
					})
					if err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatal(err)
		}

		db.Read(func(tx *Tx) {
			tbl := tx.MustOpenTable(docsSchema, "docs")
			deepEqual(t, tbl.Count(), tbl.FixedIndex(docsByEtag).Count())
		})
	})
}
