package pager

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"

	"github.com/shiranshalom/ravendb-sub000/journal"
)

// Snapshot is a read-only view of one committed state. Pages reachable from
// its root stay intact until Release.
type Snapshot struct {
	p        *Pager
	meta     *meta
	released bool
}

func (s *Snapshot) TxID() uint64 {
	return s.meta.TxID
}

// Root returns the page number the layer above registered via SetRoot, or 0.
func (s *Snapshot) Root() PageNum {
	return s.meta.Root
}

func (s *Snapshot) UsableSize() int {
	return s.p.codec.usableSize()
}

func (s *Snapshot) PageSize() int {
	return s.p.codec.pageSize
}

func (s *Snapshot) PageCount() uint64 {
	return s.meta.PageCount
}

// ReadPage returns the decoded page. The result is shared and must not be
// modified.
func (s *Snapshot) ReadPage(pgno PageNum) ([]byte, error) {
	if s.released {
		return nil, ErrTxDone
	}
	return s.p.readPage(s.meta, pgno)
}

func (s *Snapshot) Release() {
	if s.released {
		return
	}
	s.released = true
	s.p.releaseReader(s.meta.TxID)
}

// WriteTx is the single active write transaction. It is not safe for
// concurrent use.
type WriteTx struct {
	p         *Pager
	base      *meta
	meta      meta
	ready     []PageNum // working copy of the allocatable free pages
	freed     []PageNum // pages visible to older snapshots, pending after commit
	dirty     map[PageNum][]byte
	allocated map[PageNum]bool
	done      bool
}

func (tx *WriteTx) TxID() uint64 {
	return tx.meta.TxID + 1
}

func (tx *WriteTx) Root() PageNum {
	return tx.meta.Root
}

func (tx *WriteTx) SetRoot(pgno PageNum) {
	tx.meta.Root = pgno
}

func (tx *WriteTx) UsableSize() int {
	return tx.p.codec.usableSize()
}

func (tx *WriteTx) PageSize() int {
	return tx.p.codec.pageSize
}

func (tx *WriteTx) PageCount() uint64 {
	return tx.meta.PageCount
}

// Allocate returns a fresh page number owned by this transaction. Its
// content is empty until WritePage.
func (tx *WriteTx) Allocate() PageNum {
	if tx.done {
		panic(ErrTxDone)
	}
	var pgno PageNum
	if n := len(tx.ready); n > 0 {
		pgno = tx.ready[n-1]
		tx.ready = tx.ready[:n-1]
	} else {
		pgno = PageNum(tx.meta.PageCount)
		tx.meta.PageCount++
	}
	tx.allocated[pgno] = true
	tx.dirty[pgno] = nil
	return pgno
}

// IsWritable reports whether pgno was allocated by this transaction and can
// therefore be overwritten in place.
func (tx *WriteTx) IsWritable(pgno PageNum) bool {
	return tx.allocated[pgno]
}

func (tx *WriteTx) ReadPage(pgno PageNum) ([]byte, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if data, ok := tx.dirty[pgno]; ok {
		return data, nil
	}
	return tx.p.readPage(&tx.meta, pgno)
}

// WritePage sets the content of a page allocated by this transaction. The
// pager keeps data; the caller must not modify it afterwards.
func (tx *WriteTx) WritePage(pgno PageNum, data []byte) error {
	if tx.done {
		return ErrTxDone
	}
	if !tx.allocated[pgno] {
		return fmt.Errorf("%w: %d", ErrPageNotWritable, pgno)
	}
	if len(data) > tx.p.codec.usableSize() {
		return fmt.Errorf("%w: page %d has %d bytes, usable %d", ErrPageTooLarge, pgno, len(data), tx.p.codec.usableSize())
	}
	tx.dirty[pgno] = data
	return nil
}

// Free gives a page back. Pages allocated by this transaction are reusable
// at once; others only after every snapshot that can see them is gone.
func (tx *WriteTx) Free(pgno PageNum) {
	if tx.done {
		panic(ErrTxDone)
	}
	if pgno < metaPageCount {
		panic(fmt.Sprintf("pager: freeing meta page %d", pgno))
	}
	if tx.allocated[pgno] {
		delete(tx.allocated, pgno)
		delete(tx.dirty, pgno)
		tx.ready = append(tx.ready, pgno)
		return
	}
	tx.freed = append(tx.freed, pgno)
}

// Rollback discards the transaction. Safe to call after Commit.
func (tx *WriteTx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.p.writeMu.Unlock()
}

// Commit makes every page written by the transaction durable and publishes
// the new root to subsequent snapshots. On error the transaction is rolled
// back.
func (tx *WriteTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	defer tx.Rollback()
	p := tx.p

	if len(tx.dirty) == 0 && len(tx.freed) == 0 && tx.meta.Root == tx.base.Root {
		return nil
	}

	if err := tx.writeFreelist(); err != nil {
		return err
	}
	tx.meta.TxID++
	tx.meta.Flags = p.codec.flags()
	tx.meta.KeyCheck = p.codec.keyCheck()

	pgnos := make([]PageNum, 0, len(tx.dirty))
	for pgno, data := range tx.dirty {
		if data == nil {
			return fmt.Errorf("pager: page %d allocated but never written", pgno)
		}
		pgnos = append(pgnos, pgno)
	}
	slices.Sort(pgnos)

	rec := binary.AppendUvarint(nil, tx.meta.TxID)
	rec = binary.AppendUvarint(rec, uint64(len(pgnos)))
	encoded := make([][]byte, len(pgnos))
	for i, pgno := range pgnos {
		enc, err := p.codec.encode(nil, pgno, tx.dirty[pgno])
		if err != nil {
			return err
		}
		encoded[i] = enc
		rec = binary.AppendUvarint(rec, uint64(pgno))
		rec = binary.AppendUvarint(rec, uint64(len(enc)))
		rec = append(rec, enc...)
	}
	metaBytes := tx.meta.encode()
	rec = append(rec, metaBytes...)

	if err := p.journal.WriteRecord(0, rec); err != nil {
		return err
	}
	if err := p.journal.Commit(); err != nil {
		return err
	}

	if err := p.applyPages(tx.base.PageCount, &tx.meta, pgnos, encoded, metaBytes); err != nil {
		// The journal already holds the commit; only a reopen can
		// reconcile the data file with it.
		p.writeErr = fmt.Errorf("pager: data file write failed, reopen required: %w", err)
		return p.writeErr
	}

	// From here on the commit is durable; update in-memory state.
	p.free.ready = tx.ready
	if len(tx.freed) > 0 {
		p.free.pending[tx.meta.TxID] = tx.freed
	}
	for _, pgno := range pgnos {
		p.cache.Add(pgno, tx.dirty[pgno])
	}
	committed := tx.meta
	p.current.Store(&committed)

	if p.verbose {
		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "pager: commit", slog.Uint64("txid", committed.TxID), slog.Int("pages", len(pgnos)), slog.Int("freed", len(tx.freed)), slog.Uint64("page_count", committed.PageCount))
	}

	p.uncheckpointed++
	if p.uncheckpointed >= p.checkpointEvery {
		return p.checkpoint_locked()
	}
	return nil
}

// writeFreelist replaces the persisted freelist chain. The chain records
// ready and pending pages alike: after a restart no snapshot survives, so
// every pending page is reusable.
func (tx *WriteTx) writeFreelist() error {
	p := tx.p
	old := tx.meta.Freelist
	for old != 0 {
		data, err := tx.ReadPage(old)
		if err != nil {
			return err
		}
		next, _, err := decodeFreelistPage(old, data)
		if err != nil {
			return err
		}
		tx.Free(old)
		old = next
	}

	usable := p.codec.usableSize()
	var chain []PageNum
	for {
		n := len(tx.ready) + p.free.pendingCount() + len(tx.freed)
		if len(chain) >= freelistPagesFor(n, usable) {
			break
		}
		chain = append(chain, tx.Allocate())
	}

	ids := slices.Clone(tx.ready)
	for _, pages := range p.free.pending {
		ids = append(ids, pages...)
	}
	ids = append(ids, tx.freed...)
	slices.Sort(ids)

	per := freelistPerPage(usable)
	tx.meta.Freelist = 0
	for i := len(chain) - 1; i >= 0; i-- {
		lo := i * per
		hi := min(lo+per, len(ids))
		if lo > hi {
			lo = hi
		}
		if err := tx.WritePage(chain[i], encodeFreelistPage(tx.meta.Freelist, ids[lo:hi])); err != nil {
			return err
		}
		tx.meta.Freelist = chain[i]
	}
	return nil
}

// applyPages writes already-journaled pages and meta into the data file.
func (p *Pager) applyPages(oldCount uint64, m *meta, pgnos []PageNum, encoded [][]byte, metaBytes []byte) error {
	pageSize := int64(p.codec.pageSize)
	if m.PageCount > oldCount {
		if err := p.file.Truncate(int64(m.PageCount) * pageSize); err != nil {
			return err
		}
	}
	for i, pgno := range pgnos {
		if _, err := p.file.WriteAt(encoded[i], int64(pgno)*pageSize); err != nil {
			return err
		}
	}
	if _, err := p.file.WriteAt(metaBytes, int64(m.slot())*pageSize); err != nil {
		return err
	}
	return nil
}

// recover replays every committed journal record, then syncs the data file
// and empties the journal. The journal holds only commits made after the last
// data file sync, and the data file may hold any subset of their writes,
// including a meta page whose pages never landed.
func (p *Pager) recover(m *meta) (*meta, error) {
	var replayed int
	err := p.journal.Replay(func(r journal.Record) error {
		txid, pgnos, encoded, metaBytes, err := decodeJournalRecord(r.Data)
		if err != nil {
			return err
		}
		rm, err := decodeMeta(metaBytes)
		if err != nil {
			return fmt.Errorf("pager: journal record %d: %w", r.ID, err)
		}
		if rm.TxID != txid {
			return fmt.Errorf("%w: journal record %d holds meta of txid %d, expected %d", ErrCorrupted, r.ID, rm.TxID, txid)
		}
		for i, pgno := range pgnos {
			if _, err := p.codec.decode(pgno, encoded[i]); err != nil {
				return err
			}
		}
		if err := p.applyPages(m.PageCount, rm, pgnos, encoded, metaBytes); err != nil {
			return err
		}
		m = rm
		replayed++
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replayed > 0 {
		p.logger.LogAttrs(context.Background(), slog.LevelInfo, "pager: recovered from journal", slog.String("path", p.path), slog.Int("transactions", replayed), slog.Uint64("txid", m.TxID))
		p.cache.Purge()
	}
	if err := p.sync(); err != nil {
		return nil, err
	}
	if err := p.journal.Reset(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeJournalRecord(b []byte) (txid uint64, pgnos []PageNum, encoded [][]byte, metaBytes []byte, err error) {
	fail := func() error { return fmt.Errorf("%w: malformed journal record", ErrCorrupted) }
	txid, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, nil, nil, fail()
	}
	b = b[n:]
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, nil, nil, fail()
	}
	b = b[n:]
	for range count {
		pgno, n := binary.Uvarint(b)
		if n <= 0 {
			return 0, nil, nil, nil, fail()
		}
		b = b[n:]
		size, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < size {
			return 0, nil, nil, nil, fail()
		}
		b = b[n:]
		pgnos = append(pgnos, PageNum(pgno))
		encoded = append(encoded, b[:size])
		b = b[size:]
	}
	if len(b) != metaSize {
		return 0, nil, nil, nil, fail()
	}
	return txid, pgnos, encoded, b, nil
}
