package tabledb

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const trackTxns = true

// InMemory as the path opens a database with BackendMemory.
const InMemory = ":memory:"

type DB struct {
	store    storage
	backend  Backend
	registry *Registry
	logger   *slog.Logger
	logf     func(format string, args ...any)
	verbose  bool
	strict   bool
	nowFunc  func() time.Time

	lastSize           atomic.Int64
	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex
}

var backends = map[Backend]func(path string, opt Options) (storage, error){
	BackendNative:  openNativeStorage,
	BackendBolt:    openBoltStorage,
	BackendLevelDB: openLevelDBStorage,
	BackendMemory: func(path string, opt Options) (storage, error) {
		return newMemStorage(), nil
	},
}

// Open opens or creates the database at path. The registry lists the
// schemas of tables reached through global indexes and checked by Verify;
// it may be nil.
func Open(path string, registry *Registry, opt Options) (*DB, error) {
	backend := opt.Backend
	if path == InMemory {
		backend = BackendMemory
	} else if backend == "" {
		backend = BackendNative
	}
	open := backends[backend]
	if open == nil {
		return nil, fmt.Errorf("tabledb: unknown backend %q", backend)
	}
	if opt.Timeout == 0 {
		opt.Timeout = 10 * time.Second
	}

	store, err := open(path, opt)
	if err != nil {
		return nil, fmt.Errorf("tabledb: %w", err)
	}

	db := &DB{
		store:    store,
		backend:  backend,
		registry: registry,
		logger:   opt.Logger,
		logf:     opt.Logf,
		verbose:  opt.Verbose,
		strict:   opt.IsTesting,
		nowFunc:  opt.Now,
	}
	if db.logger == nil {
		db.logger = slog.Default()
	}
	if db.logf == nil {
		db.logf = func(format string, args ...any) {
			db.logger.LogAttrs(context.Background(), slog.LevelDebug, fmt.Sprintf(format, args...))
		}
	}
	if db.nowFunc == nil {
		db.nowFunc = time.Now
	}
	if db.registry == nil {
		db.registry = NewRegistry()
	}

	err = db.Tx(true, func(tx *Tx) error {
		for _, name := range []string{tablesBucket, globalBucket, globalsBucket} {
			if _, err := tx.stx.CreateBucket(name, ""); err != nil {
				return err
			}
		}
		tx.markWritten()
		return nil
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("tabledb: initializing: %w", err)
	}

	if db.verbose {
		db.logger.LogAttrs(context.Background(), slog.LevelInfo, "tabledb: opened", slog.String("path", path), slog.String("backend", string(backend)))
	}
	return db, nil
}

func (db *DB) Backend() Backend {
	return db.backend
}

func (db *DB) Registry() *Registry {
	return db.registry
}

func (db *DB) now() time.Time {
	return db.nowFunc()
}

// Size returns the data size observed by the last write transaction.
func (db *DB) Size() int64 {
	return db.lastSize.Load()
}

func (db *DB) Close() {
	err := db.store.Close()
	if err != nil {
		panic(fmt.Errorf("tabledb: closing: %w", err))
	}
}

// CloseWithSafeToQuitCallback closes the database and then calls
// safeToQuit, once nothing remains to be flushed.
func (db *DB) CloseWithSafeToQuitCallback(safeToQuit func()) {
	db.Close()
	if safeToQuit != nil {
		safeToQuit()
	}
}

func (db *DB) addTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	found := -1
	for i, t := range db.txns {
		if t == tx {
			found = i
			break
		}
	}
	if found < 0 {
		panic("tx not found in list")
	}

	n := len(db.txns)
	db.txns[found] = db.txns[n-1]
	db.txns[n-1] = nil // ensure it gets collected
	db.txns = db.txns[:n-1]
}

func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := db.now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		kind := "read"
		if tx.writable {
			kind = "write"
		}
		if tx.managed {
			kind += ", managed"
		}
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%s, open for %d ms\n", kind, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%s, open for %d ms:\n%s", kind, ms, tx.stack)
		}
	}

	return buf.String()
}
