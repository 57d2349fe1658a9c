package tabledb

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/shiranshalom/ravendb-sub000/slice"
)

type Txish interface {
	DBTx() *Tx
}

// Tx is a read or write transaction. Readers see the snapshot that was
// current when they started; the single writer sees its own changes. A Tx is
// not safe for concurrent use.
type Tx struct {
	db       *DB
	stx      storageTx
	writable bool
	managed  bool
	closed   bool

	written          bool
	committed        bool
	commitDespiteErr bool

	arena  *slice.Arena
	memo   map[string]any
	tables map[string]*Table

	changeTables  map[string]ChangeFlags
	changeHandler func(tx *Tx, chg *Change)

	startTime time.Time
	stack     []byte
}

func (db *DB) newTx(stx storageTx, writable, managed bool) *Tx {
	tx := &Tx{
		db:        db,
		stx:       stx,
		writable:  writable,
		managed:   managed,
		arena:     slice.NewArena(),
		startTime: db.now(),
	}
	if trackTxns {
		tx.stack = debug.Stack()
		db.addTx(tx)
	}
	return tx
}

// DBTx implements Txish
func (tx *Tx) DBTx() *Tx {
	return tx
}

func (tx *Tx) DB() *DB {
	return tx.db
}

// Arena returns the transaction's arena. Buffers allocated from it are valid
// until the transaction is closed.
func (tx *Tx) Arena() *slice.Arena {
	return tx.arena
}

func (tx *Tx) IsWritable() bool {
	return tx.writable
}

func (tx *Tx) ctx() context.Context {
	return context.Background()
}

func (tx *Tx) checkOpen() {
	if tx.closed {
		panic(ErrTxClosed)
	}
}

func (tx *Tx) checkWritable() error {
	tx.checkOpen()
	if !tx.writable {
		return ErrNotWritable
	}
	return nil
}

// CommitDespiteError makes DB.Tx commit even if the callback fails.
func (tx *Tx) CommitDespiteError() {
	tx.commitDespiteErr = true
}

func (tx *Tx) markWritten() {
	tx.written = true
}

// ownerTable returns the table holding a row referenced from a global index
// reached through via. Tables created with another schema are opened with
// the registered schema of that name.
func (tx *Tx) ownerTable(via *Table, name string) *Table {
	if name == via.name {
		return via
	}
	if tbl := tx.tables[name]; tbl != nil {
		return tbl
	}
	sh := tx.loadShape(name)
	if sh == nil {
		panic(tableErrf(via, "", nil, ErrTableNotFound, "global index references table %q", name))
	}
	schema := via.schema
	if sh.Schema != schema.name {
		schema = tx.db.registry.schemaNamed(sh.Schema)
		if schema == nil {
			panic(tableErrf(via, "", nil, ErrSchemaMismatch, "global index references table %q with unregistered schema %q", name, sh.Schema))
		}
	}
	return must(tx.OpenTable(schema, name))
}

// Commit makes the transaction's changes durable and visible to
// transactions started afterwards. Committing a read transaction just ends
// it.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	if tx.committed || !tx.writable {
		return nil
	}
	tx.db.lastSize.Store(tx.stx.Size())
	err := tx.stx.Commit()
	tx.committed = true
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if tx.db.verbose {
		tx.db.logf("db: COMMIT after %d ms", time.Since(tx.startTime).Milliseconds())
	}
	return nil
}

// Close ends the transaction, rolling it back unless it was committed. It is
// safe to call more than once.
func (tx *Tx) Close() {
	if tx.closed {
		return
	}
	if !tx.committed {
		err := tx.stx.Rollback()
		if err != nil {
			panic(err) // backends only fail rollback on misuse
		}
	}
	tx.closed = true
	tx.tables = nil
	tx.arena.Close()
	if tx.writable {
		tx.db.WriterCount.Add(-1)
	} else {
		tx.db.ReaderCount.Add(-1)
	}
	if trackTxns {
		tx.db.removeTx(tx)
	}
}

// Tx runs f in a transaction. A writable transaction is committed unless f
// fails after writing something; a failure before the first write, or after
// CommitDespiteError, still commits. Panics inside f are returned as errors.
func (db *DB) Tx(writable bool, f func(tx *Tx) error) error {
	tx, err := db.begin(writable, true)
	if err != nil {
		return err
	}
	defer tx.Close()
	funcErr := safelyCall(f, tx)
	if !writable {
		return funcErr
	}
	if funcErr != nil && tx.written && !tx.commitDespiteErr {
		if db.verbose {
			db.logf("db: ROLLBACK: %v", funcErr)
		}
		return funcErr
	}
	if err := tx.Commit(); err != nil {
		return errors.Join(funcErr, err)
	}
	return funcErr
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func (p panicked) Unwrap() error {
	err, _ := p.reason.(error)
	return err
}

func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}

func (db *DB) begin(writable, managed bool) (*Tx, error) {
	if writable {
		db.PendingWriterCount.Add(1)
	}
	stx, err := db.store.BeginTx(writable)
	if writable {
		db.PendingWriterCount.Add(-1)
	}
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	if writable {
		db.WriterCount.Add(1)
		db.WriteCount.Add(1)
	} else {
		db.ReaderCount.Add(1)
		db.ReadCount.Add(1)
	}
	return db.newTx(stx, writable, managed), nil
}

// BeginRead starts a read transaction. The caller must Close it.
func (db *DB) BeginRead() *Tx {
	tx, err := db.begin(false, false)
	if err != nil {
		panic(fmt.Errorf("failed to start reading: %w", err))
	}
	return tx
}

func (db *DB) Read(f func(tx *Tx)) {
	tx := db.BeginRead()
	defer tx.Close()
	f(tx)
}
func (db *DB) ReadErr(f func(tx *Tx) error) error {
	tx := db.BeginRead()
	defer tx.Close()
	return f(tx)
}

// Write runs f in a write transaction and commits it. A panic inside f rolls
// the transaction back and propagates.
func (db *DB) Write(f func(tx *Tx)) {
	tx := db.BeginUpdate()
	defer tx.Close()
	f(tx)
	err := tx.Commit()
	if err != nil {
		panic(fmt.Errorf("commit: %w", err))
	}
}

// BeginUpdate starts the write transaction, waiting for the current writer
// to finish. The caller must Commit and Close it.
func (db *DB) BeginUpdate() *Tx {
	tx, err := db.begin(true, false)
	if err != nil {
		panic(fmt.Errorf("failed to start writing: %w", err))
	}
	return tx
}

func (tx *Tx) GetMemo(key string) (any, bool) {
	v, found := tx.memo[key]
	return v, found
}

func (tx *Tx) Memo(key string, f func() (any, error)) (any, error) {
	v, found := tx.memo[key]
	if found {
		if e, ok := v.(error); ok {
			return nil, e
		}
		return v, nil
	}

	if tx.memo == nil {
		tx.memo = make(map[string]any)
	}

	v, err := f()
	if err != nil {
		tx.memo[key] = err
	} else {
		tx.memo[key] = v
	}
	return v, err
}

func Memo[T any](txish Txish, key string, f func() (T, error)) (T, error) {
	tx := txish.DBTx()
	v, err := tx.Memo(key, func() (any, error) {
		return f()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
