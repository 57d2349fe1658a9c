// Package pager implements the page store: a file of fixed-size pages with
// copy-on-write allocation, a write-ahead journal, and snapshot reads.
//
// Pages 0 and 1 hold the meta record. Every other page is either part of a
// tree owned by the layer above, an overflow page, or a freelist page. A
// write transaction never overwrites a page that a live snapshot can reach.
// Pages it frees are recycled only once every older snapshot is released.
//
// Commit appends all dirty pages and the new meta to the journal as one
// record and syncs the journal. Only then are the pages written into the data
// file. The data file is synced, and the journal reset, every CheckpointEvery
// commits and on Close. Open replays whatever the data file may have missed.
package pager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go4.org/lock"

	"github.com/shiranshalom/ravendb-sub000/internal/fileutil"
	"github.com/shiranshalom/ravendb-sub000/journal"
)

const (
	DefaultPageSize        = 8192
	MinPageSize            = 1024
	MaxPageSize            = 64 * 1024
	DefaultCacheSize       = 4096
	DefaultCheckpointEvery = 64
)

type Options struct {
	PageSize  int // only used when creating the file
	CacheSize int // decoded pages kept in memory

	Compression   bool
	EncryptionKey []byte // 32 bytes; enables XChaCha20-Poly1305

	// NoSync skips fsyncs. Committed data may be lost on power failure.
	NoSync bool

	CheckpointEvery    int
	JournalMaxFileSize int64

	Logger  *slog.Logger
	Verbose bool
	Now     func() time.Time
}

// Stats is a point-in-time view of the store.
type Stats struct {
	PageSize     int
	UsableSize   int
	PageCount    uint64
	FreePages    int
	PendingPages int
	TxID         uint64
	Readers      int
	CacheLen     int
}

type Pager struct {
	path     string
	file     *os.File
	lockFile io.Closer
	journal  *journal.Journal
	codec    *codec
	cache    *lru.Cache[PageNum, []byte]
	logger   *slog.Logger
	verbose  bool
	noSync   bool

	checkpointEvery int
	uncheckpointed  int

	current atomic.Pointer[meta]

	writeMu  sync.Mutex // held by the active WriteTx
	free     *freelist  // guarded by writeMu
	writeErr error      // guarded by writeMu

	readersMu sync.Mutex
	readers   map[uint64]int // snapshot txid -> open snapshots

	closed atomic.Bool
}

// Open opens or creates the page file at path. The journal lives in the
// directory path+".journal"; path+".lock" guards against a second process.
func Open(path string, o Options) (*Pager, error) {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageSize < MinPageSize || o.PageSize > MaxPageSize {
		return nil, fmt.Errorf("pager: page size %d out of range", o.PageSize)
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.CheckpointEvery <= 0 {
		o.CheckpointEvery = DefaultCheckpointEvery
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	lk, err := lock.Lock(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("pager: %s is locked: %w", path, err)
	}
	var ok bool
	defer func() {
		if !ok {
			lk.Close()
		}
	}()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	p := &Pager{
		path:            path,
		file:            f,
		lockFile:        lk,
		logger:          o.Logger,
		verbose:         o.Verbose,
		noSync:          o.NoSync,
		checkpointEvery: o.CheckpointEvery,
		free:            newFreelist(),
		readers:         make(map[uint64]int),
	}
	p.cache, err = lru.New[PageNum, []byte](o.CacheSize)
	if err != nil {
		return nil, err
	}

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	var m *meta
	if st.Size() == 0 {
		p.codec, err = newCodec(o.PageSize, o.Compression, o.EncryptionKey)
		if err != nil {
			return nil, err
		}
		m, err = p.initFile(o.PageSize)
	} else {
		m, err = p.readMeta(o.PageSize)
		if err == nil {
			p.codec, err = p.openCodec(m, o)
		}
	}
	if err != nil {
		return nil, err
	}

	p.journal, err = journal.Open(path+".journal", journal.Options{
		FileName:    "wal-*.log",
		MaxFileSize: o.JournalMaxFileSize,
		DebugName:   "pager journal",
		Now:         o.Now,
		NoSync:      o.NoSync,
		Logger:      o.Logger,
		Verbose:     o.Verbose,
	})
	if err != nil {
		return nil, err
	}
	m, err = p.recover(m)
	if err != nil {
		p.journal.Close()
		return nil, err
	}
	p.current.Store(m)

	if err := p.loadFreelist(m); err != nil {
		p.journal.Close()
		return nil, err
	}

	ok = true
	return p, nil
}

func (p *Pager) openCodec(m *meta, o Options) (*codec, error) {
	encrypted := m.Flags&metaFlagEncrypted != 0
	if encrypted != (len(o.EncryptionKey) > 0) {
		return nil, ErrEncryptionKey
	}
	c, err := newCodec(int(m.PageSize), m.Flags&metaFlagCompressed != 0 || o.Compression, o.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if c.keyCheck() != m.KeyCheck {
		return nil, ErrEncryptionKey
	}
	return c, nil
}

func (p *Pager) initFile(pageSize int) (*meta, error) {
	m := &meta{
		Magic:     metaMagic,
		Version:   metaVersion,
		PageSize:  uint32(pageSize),
		Flags:     p.codec.flags(),
		PageCount: metaPageCount,
		KeyCheck:  p.codec.keyCheck(),
	}
	buf := make([]byte, metaPageCount*pageSize)
	enc := m.encode()
	copy(buf, enc)
	copy(buf[pageSize:], enc)
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return nil, err
	}
	if err := p.sync(); err != nil {
		return nil, err
	}
	return m, nil
}

// readMeta returns the valid meta with the highest txid.
func (p *Pager) readMeta(fallbackPageSize int) (*meta, error) {
	buf := make([]byte, metaSize)
	var m0, m1 *meta
	var err0, err1 error
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		err0 = err
	} else {
		m0, err0 = decodeMeta(buf)
	}
	pageSize := fallbackPageSize
	if m0 != nil {
		pageSize = int(m0.PageSize)
	}
	if _, err := p.file.ReadAt(buf, int64(pageSize)); err != nil {
		err1 = err
	} else {
		m1, err1 = decodeMeta(buf)
	}
	switch {
	case m0 == nil && m1 == nil:
		if errors.Is(err0, ErrIncompatible) {
			return nil, err0
		}
		return nil, fmt.Errorf("%w: %s: no valid meta page (%v; %v)", ErrCorrupted, p.path, err0, err1)
	case m0 == nil:
		p.logger.LogAttrs(context.Background(), slog.LevelWarn, "pager: meta page 0 invalid, using page 1", slog.String("path", p.path), slog.Any("err", err0))
		return m1, nil
	case m1 == nil || m0.TxID >= m1.TxID:
		return m0, nil
	default:
		return m1, nil
	}
}

func (p *Pager) loadFreelist(m *meta) error {
	pgno := m.Freelist
	for pgno != 0 {
		data, err := p.readPage(m, pgno)
		if err != nil {
			return err
		}
		next, ids, err := decodeFreelistPage(pgno, data)
		if err != nil {
			return err
		}
		p.free.ready = append(p.free.ready, ids...)
		pgno = next
	}
	return nil
}

func (p *Pager) PageSize() int {
	return p.codec.pageSize
}

// UsableSize is the largest amount of data a single page can hold after
// transforms.
func (p *Pager) UsableSize() int {
	return p.codec.usableSize()
}

func (p *Pager) Path() string {
	return p.path
}

// BeginRead opens a snapshot of the last committed state.
func (p *Pager) BeginRead() (*Snapshot, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	p.readersMu.Lock()
	m := p.current.Load()
	p.readers[m.TxID]++
	p.readersMu.Unlock()
	return &Snapshot{p: p, meta: m}, nil
}

func (p *Pager) releaseReader(txid uint64) {
	p.readersMu.Lock()
	defer p.readersMu.Unlock()
	if p.readers[txid] <= 1 {
		delete(p.readers, txid)
	} else {
		p.readers[txid]--
	}
}

// oldestReader returns the smallest txid still visible to a reader.
func (p *Pager) oldestReader() uint64 {
	p.readersMu.Lock()
	defer p.readersMu.Unlock()
	oldest := p.current.Load().TxID
	for t := range p.readers {
		oldest = min(oldest, t)
	}
	return oldest
}

// BeginWrite starts the single write transaction, blocking while another one
// is active.
func (p *Pager) BeginWrite() (*WriteTx, error) {
	p.writeMu.Lock()
	if p.closed.Load() {
		p.writeMu.Unlock()
		return nil, ErrClosed
	}
	if p.writeErr != nil {
		p.writeMu.Unlock()
		return nil, p.writeErr
	}
	if err := p.journal.Err(); err != nil {
		p.writeMu.Unlock()
		return nil, err
	}
	m := *p.current.Load()

	// A batch freed by T is invisible to snapshots at T and later.
	if n := p.free.release(p.oldestReader()); n > 0 && p.verbose {
		p.logger.Debug("pager: released pending pages", "count", n)
	}

	return &WriteTx{
		p:         p,
		base:      p.current.Load(),
		meta:      m,
		ready:     append([]PageNum(nil), p.free.ready...),
		dirty:     make(map[PageNum][]byte),
		allocated: make(map[PageNum]bool),
	}, nil
}

func (p *Pager) readPage(m *meta, pgno PageNum) ([]byte, error) {
	if pgno < metaPageCount || uint64(pgno) >= m.PageCount {
		return nil, corruptf(pgno, nil, "page number out of range (page count %d)", m.PageCount)
	}
	if data, ok := p.cache.Get(pgno); ok {
		return data, nil
	}
	raw := make([]byte, p.codec.pageSize)
	n, err := p.file.ReadAt(raw, int64(pgno)*int64(p.codec.pageSize))
	if err != nil && !(err == io.EOF && n >= pageHeaderSize) {
		if p.closed.Load() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("pager: read page %d: %w", pgno, err)
	}
	data, err := p.codec.decode(pgno, raw[:n])
	if err != nil {
		return nil, err
	}
	p.cache.Add(pgno, data)
	return data, nil
}

func (p *Pager) sync() error {
	if p.noSync {
		return nil
	}
	return fileutil.Fdatasync(p.file)
}

// Checkpoint syncs the data file and discards the journal.
func (p *Pager) Checkpoint() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.checkpoint_locked()
}

func (p *Pager) checkpoint_locked() error {
	if err := p.sync(); err != nil {
		return err
	}
	if err := p.journal.Reset(); err != nil {
		return err
	}
	p.uncheckpointed = 0
	return nil
}

func (p *Pager) Stats() Stats {
	m := p.current.Load()
	p.readersMu.Lock()
	var readers int
	for _, n := range p.readers {
		readers += n
	}
	p.readersMu.Unlock()

	p.writeMu.Lock()
	free, pending := len(p.free.ready), p.free.pendingCount()
	p.writeMu.Unlock()

	return Stats{
		PageSize:     p.codec.pageSize,
		UsableSize:   p.codec.usableSize(),
		PageCount:    m.PageCount,
		FreePages:    free,
		PendingPages: pending,
		TxID:         m.TxID,
		Readers:      readers,
		CacheLen:     p.cache.Len(),
	}
}

// Close checkpoints and releases the file. Open snapshots become unusable.
func (p *Pager) Close() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	err := p.checkpoint_locked()
	if jerr := p.journal.Close(); err == nil {
		err = jerr
	}
	if ferr := p.file.Close(); err == nil {
		err = ferr
	}
	if lerr := p.lockFile.Close(); err == nil {
		err = lerr
	}
	p.cache.Purge()
	return err
}
