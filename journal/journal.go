// Package journal implements the write-ahead journal of the page store.
//
// A journal is a directory of append-only segment files. Records are grouped
// into transactions by commit markers; only committed records are ever
// returned by Replay, and a torn or corrupted tail is trimmed away.
//
// File format:
//
//   - file = segmentHeader (record* commit)*
//   - segmentHeader = magic:64 ver:8 pad:8 flags:16 pad:32 segmentNumber:32
//     timestamp:32 prevChecksum:64 journalInvariant:256 segmentInvariant:256
//     reserved:64*3 checksum:64
//   - record = (size<<1):uvarint tsDelta:uvarint bytes*
//   - commit = checksum:64 with the lowest bit of the first byte set
//
// The checksum is a running xxhash over everything written to the segment so
// far, so a commit marker seals every byte before it.
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/shiranshalom/ravendb-sub000/internal/fileutil"
)

var (
	ErrIncompatible       = fmt.Errorf("incompatible journal")
	ErrUnsupportedVersion = fmt.Errorf("unsupported journal version")
	ErrClosed             = fmt.Errorf("journal closed")
	errCorruptedFile      = fmt.Errorf("corrupted journal segment file")
)

type Options struct {
	Context          context.Context
	FileName         string // e.g. "mydb-*.wal"
	MaxFileSize      int64  // new segment after this size
	DebugName        string
	Now              func() time.Time
	JournalInvariant [32]byte
	SegmentInvariant [32]byte

	// NoSync skips fdatasync on commit. Only for tests and throwaway data.
	NoSync bool

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x54414c4e52554f4a // "JOURNLAT" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic            uint64
	Version          uint8
	_                uint8
	Flags            uint16
	_                uint32
	SegmentOrdinal   uint32
	Timestamp        uint32
	PrevChecksum     uint64
	JournalInvariant [32]byte
	SegmentInvariant [32]byte
	_                [3]uint64
	Checksum         uint64
}

const (
	recordFlagCommit byte = 1
	recordFlagShift       = 1
	timestampFmt          = "20060102T150405"
	commitSize            = 8
)

// Record is a committed journal record handed out by Replay.
type Record struct {
	ID        uint64
	Timestamp uint32
	Data      []byte
}

// Journal represents a set of segment files in one directory.
type Journal struct {
	context          context.Context
	maxFileSize      int64
	fileNamePrefix   string
	fileNameSuffix   string
	debugName        string
	dir              string
	now              func() time.Time
	logger           *slog.Logger
	verbose          bool
	noSync           bool
	journalInvariant [32]byte
	segmentInvariant [32]byte

	writeLock sync.Mutex
	writeErr  error
	writeSeg  uint32
	writeRec  uint64
	lastHash  uint64
	segWriter *segmentWriter
	closed    bool
}

// Open prepares the journal directory. Existing segments are left intact
// until Replay or Reset is called.
func Open(dir string, o Options) (*Journal, error) {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "*.wal"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "journal"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	j := &Journal{
		context:          o.Context,
		maxFileSize:      o.MaxFileSize,
		fileNamePrefix:   prefix,
		fileNameSuffix:   suffix,
		debugName:        o.DebugName,
		dir:              dir,
		now:              o.Now,
		verbose:          o.Verbose,
		noSync:           o.NoSync,
		journalInvariant: o.JournalInvariant,
		segmentInvariant: o.SegmentInvariant,
		logger:           o.Logger,
	}

	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, err
	}
	names, err := j.segmentNames()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		seq, _, id, err := j.parseName(name)
		if err != nil {
			return nil, err
		}
		j.writeSeg = max(j.writeSeg, seq)
		j.writeRec = max(j.writeRec, id)
	}
	return j, nil
}

func (j *Journal) Now() uint32 {
	v := j.now().Unix()
	if v < 0 {
		panic("time travel disallowed")
	}
	u := uint64(v)
	if u&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed both ways")
	}
	return uint32(u)
}

func (j *Journal) String() string {
	return j.debugName
}

// Dir returns the directory holding the segment files.
func (j *Journal) Dir() string {
	return j.dir
}

// Close finishes the current segment. Uncommitted records are lost.
func (j *Journal) Close() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	j.closed = true
	return j.finishSegment_locked()
}

func (j *Journal) finishSegment_locked() error {
	if j.segWriter == nil {
		return nil
	}
	err := j.segWriter.close()
	j.segWriter = nil
	return err
}

func (j *Journal) fail(err error) error {
	if err == nil {
		return nil
	}

	j.logger.LogAttrs(j.context, slog.LevelError, "journal: failed", slog.String("jrnl", j.debugName), slog.Any("err", err))

	j.finishSegment_locked()

	if j.writeErr == nil {
		j.writeErr = err
	}
	return err
}

// Err returns the sticky write error, if any. After a write failure the
// journal refuses further writes until it is reopened.
func (j *Journal) Err() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	return j.writeErr
}

func (j *Journal) openFile(name string, writable bool) (*os.File, error) {
	fn := filepath.Join(j.dir, name)
	if writable {
		return os.OpenFile(fn, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	} else {
		return os.Open(fn)
	}
}

// segmentNames lists segment files in ascending segment order.
func (j *Journal) segmentNames() ([]string, error) {
	ents, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		if err := j.context.Err(); err != nil {
			return nil, err
		}
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, j.fileNamePrefix) {
			continue
		}
		if !strings.HasSuffix(name, j.fileNameSuffix) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// FileNames returns the current segment files, oldest first.
func (j *Journal) FileNames() ([]string, error) {
	return j.segmentNames()
}

func (j *Journal) parseName(name string) (seq, ts uint32, id uint64, err error) {
	base := strings.TrimSuffix(strings.TrimPrefix(name, j.fileNamePrefix), j.fileNameSuffix)
	return parseSegmentName(base)
}

// WriteRecord appends a record to the current transaction. It becomes
// visible to Replay only after Commit.
func (j *Journal) WriteRecord(timestamp uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.writeErr != nil {
		return j.writeErr
	}

	if timestamp == 0 {
		timestamp = j.Now()
	}

	j.writeRec++

	if j.segWriter == nil {
		j.writeSeg++

		sw, err := startSegment(j, j.writeSeg, timestamp, j.writeRec, j.lastHash)
		if err != nil {
			return j.fail(err)
		}
		j.segWriter = sw
	}

	return j.fail(j.segWriter.writeRecord(timestamp, data))
}

// Commit seals every record written since the previous commit, and makes
// them durable unless the journal was opened with NoSync.
func (j *Journal) Commit() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.writeErr != nil {
		return j.writeErr
	}
	sw := j.segWriter
	if sw == nil || !sw.uncommitted {
		return nil
	}
	err := sw.commit()
	if err == nil && !j.noSync {
		err = fileutil.Fdatasync(sw.f)
	}
	if err != nil {
		return j.fail(err)
	}
	if j.verbose {
		j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: commit", slog.String("jrnl", j.debugName), slog.Uint64("seg", uint64(sw.seg)), slog.Int64("size", sw.size))
	}
	if sw.size >= j.maxFileSize {
		j.lastHash = sw.hash.Sum64()
		return j.fail(j.finishSegment_locked())
	}
	return nil
}

// Rotate closes the current segment; the next record starts a new one.
func (j *Journal) Rotate() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()
	if j.segWriter != nil && j.segWriter.uncommitted {
		return fmt.Errorf("%v: cannot rotate with uncommitted records", j.debugName)
	}
	if j.segWriter != nil {
		j.lastHash = j.segWriter.hash.Sum64()
	}
	return j.fail(j.finishSegment_locked())
}

// Reset deletes all segment files. Used after the data the journal protects
// has been made durable elsewhere.
func (j *Journal) Reset() error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.segWriter != nil && j.segWriter.uncommitted {
		return fmt.Errorf("%v: cannot reset with uncommitted records", j.debugName)
	}
	if err := j.finishSegment_locked(); err != nil {
		return j.fail(err)
	}
	names, err := j.segmentNames()
	if err != nil {
		return err
	}
	for _, name := range names {
		err := os.Remove(filepath.Join(j.dir, name))
		if err != nil && !os.IsNotExist(err) {
			return j.fail(err)
		}
	}
	j.lastHash = 0
	if len(names) > 0 && !j.noSync {
		return fileutil.SyncDir(j.dir)
	}
	return nil
}

// Replay calls fn for every committed record, oldest first. Reading stops at
// the first torn or corrupted byte; that segment is truncated to its last
// commit and every later segment is deleted, so the journal can be appended
// to afterwards.
func (j *Journal) Replay(fn func(rec Record) error) error {
	j.writeLock.Lock()
	defer j.writeLock.Unlock()

	if j.segWriter != nil {
		return fmt.Errorf("%v: cannot replay while writing", j.debugName)
	}

	names, err := j.segmentNames()
	if err != nil {
		return err
	}

	deliver := func(rec Record) error {
		j.writeRec = max(j.writeRec, rec.ID)
		return fn(rec)
	}

	var prevHash uint64
	var havePrev bool
	for i, name := range names {
		seq, _, firstID, err := j.parseName(name)
		if err != nil {
			return err
		}
		res, err := j.replaySegment(name, seq, firstID, prevHash, havePrev, deliver)
		if err != nil {
			return err
		}
		if res.corrupted {
			j.logger.LogAttrs(j.context, slog.LevelWarn, "journal: trimming corrupted tail", slog.String("jrnl", j.debugName), slog.String("file", name), slog.Int64("off", res.goodSize), slog.Int("later_segments", len(names)-i-1))
			if err := j.trim(name, res.goodSize, names[i+1:]); err != nil {
				return err
			}
			break
		}
		prevHash, havePrev = res.hash, true
	}
	return nil
}

type replayResult struct {
	goodSize  int64
	hash      uint64
	corrupted bool
}

func (j *Journal) replaySegment(name string, seq uint32, recID uint64, prevHash uint64, havePrev bool, fn func(rec Record) error) (replayResult, error) {
	f, err := j.openFile(name, false)
	if err != nil {
		return replayResult{}, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var hash xxhash.Digest
	hash.Reset()

	var h segmentHeader
	err = j.readHeader(r, &h, seq, &hash)
	if err == errCorruptedFile {
		return replayResult{corrupted: true}, nil
	} else if err != nil {
		return replayResult{}, err
	}
	if havePrev && h.PrevChecksum != 0 && h.PrevChecksum != prevHash {
		return replayResult{corrupted: true}, nil
	}

	var pending []Record
	var off int64 = segmentHeaderSize
	good := replayResult{goodSize: off, hash: hash.Sum64()}
	ts := h.Timestamp
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			if len(pending) > 0 {
				good.corrupted = true
			}
			return good, nil
		} else if err != nil {
			return replayResult{}, err
		}

		if b&recordFlagCommit != 0 {
			var buf [commitSize]byte
			buf[0] = b
			if _, err := io.ReadFull(r, buf[1:]); err != nil {
				good.corrupted = true
				return good, nil
			}
			var expected [commitSize]byte
			binary.LittleEndian.PutUint64(expected[:], hash.Sum64())
			expected[0] |= recordFlagCommit
			if buf != expected {
				good.corrupted = true
				return good, nil
			}
			hash.Write(buf[:])
			off += commitSize
			for _, rec := range pending {
				if err := fn(rec); err != nil {
					return replayResult{}, err
				}
			}
			pending = pending[:0]
			good = replayResult{goodSize: off, hash: hash.Sum64()}
			continue
		}

		r.UnreadByte()
		sizeAndFlags, n1, err1 := readUvarint(r)
		tsDelta, n2, err2 := readUvarint(r)
		if err1 != nil || err2 != nil || tsDelta > 0xFFFF_FFFF {
			good.corrupted = true
			return good, nil
		}
		size := sizeAndFlags >> recordFlagShift
		if size > uint64(j.maxFileSize)*4 {
			good.corrupted = true
			return good, nil
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			good.corrupted = true
			return good, nil
		}
		hdr := appendRecordHeader(nil, int(size), uint32(tsDelta))
		hash.Write(hdr)
		hash.Write(data)
		off += int64(n1+n2) + int64(size)
		ts += uint32(tsDelta)
		pending = append(pending, Record{ID: recID, Timestamp: ts, Data: data})
		recID++
	}
}

func (j *Journal) trim(name string, size int64, later []string) error {
	if size <= segmentHeaderSize {
		if err := os.Remove(filepath.Join(j.dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	} else {
		if err := os.Truncate(filepath.Join(j.dir, name), size); err != nil {
			return err
		}
	}
	for _, n := range later {
		if err := os.Remove(filepath.Join(j.dir, n)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (j *Journal) readHeader(r io.Reader, h *segmentHeader, expectedSeq uint32, hash *xxhash.Digest) error {
	var buf [segmentHeaderSize]byte
	_, err := io.ReadFull(r, buf[:])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return errCorruptedFile
	} else if err != nil {
		return err
	}
	n, err := binary.Decode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	if h.Magic != magic {
		return errCorruptedFile
	}
	hash.Write(buf[:segmentHeaderSize-8])
	if hash.Sum64() != h.Checksum {
		return errCorruptedFile
	}
	hash.Write(buf[segmentHeaderSize-8:])
	if expectedSeq != h.SegmentOrdinal {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.JournalInvariant != j.journalInvariant {
		return ErrIncompatible
	}
	return nil
}

type segmentWriter struct {
	f           *os.File
	w           *bufio.Writer
	seg         uint32
	ts          uint32
	size        int64
	hash        xxhash.Digest
	uncommitted bool
}

func startSegment(j *Journal, seg, ts uint32, rec uint64, prevHash uint64) (*segmentWriter, error) {
	name := formatSegmentName(j.fileNamePrefix, j.fileNameSuffix, seg, ts, rec)

	f, err := j.openFile(name, true)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	sw := &segmentWriter{
		f:    f,
		w:    bufio.NewWriterSize(f, 64*1024),
		seg:  seg,
		ts:   ts,
		size: segmentHeaderSize,
	}
	sw.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], j, seg, ts, prevHash, &sw.hash)

	_, err = sw.w.Write(hbuf[:])
	if err != nil {
		return nil, err
	}

	if j.verbose {
		j.logger.LogAttrs(j.context, slog.LevelDebug, "journal: new segment", slog.String("jrnl", j.debugName), slog.String("file", name))
	}
	ok = true
	return sw, nil
}

const maxRecHeaderLen = binary.MaxVarintLen64 + binary.MaxVarintLen32

func (sw *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}
	sw.uncommitted = true

	var hbuf [maxRecHeaderLen]byte
	h := appendRecordHeader(hbuf[:0], len(data), tsDelta)

	sw.hash.Write(h)
	_, err := sw.w.Write(h)
	if err != nil {
		return err
	}

	sw.hash.Write(data)
	_, err = sw.w.Write(data)
	if err != nil {
		return err
	}

	sw.size += int64(len(h) + len(data))
	return nil
}

func (sw *segmentWriter) commit() error {
	sw.uncommitted = false

	var buf [commitSize]byte
	binary.LittleEndian.PutUint64(buf[:], sw.hash.Sum64())
	buf[0] |= recordFlagCommit

	sw.hash.Write(buf[:])
	_, err := sw.w.Write(buf[:])
	if err != nil {
		return err
	}
	sw.size += commitSize
	return sw.w.Flush()
}

func (sw *segmentWriter) close() error {
	if sw.f == nil {
		return nil
	}
	err := sw.w.Flush()
	if cerr := sw.f.Close(); err == nil {
		err = cerr
	}
	sw.f = nil
	return err
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, j *Journal, seg, ts uint32, prevHash uint64, hash *xxhash.Digest) {
	h := segmentHeader{
		Magic:            magic,
		Version:          version0,
		SegmentOrdinal:   seg,
		Timestamp:        ts,
		PrevChecksum:     prevHash,
		JournalInvariant: j.journalInvariant,
		SegmentInvariant: j.segmentInvariant,
	}

	n, err := binary.Encode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	hash.Write(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], hash.Sum64())
	hash.Write(buf[segmentHeaderSize-8 : segmentHeaderSize])
}

func appendRecordHeader(b []byte, size int, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size)<<recordFlagShift)
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

func readUvarint(r io.ByteReader) (uint64, int, error) {
	var n int
	var x uint64
	var s uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, n, err
		}
		n++
		if b < 0x80 {
			if i == binary.MaxVarintLen64-1 && b > 1 {
				return 0, n, errCorruptedFile
			}
			return x | uint64(b)<<s, n, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, n, errCorruptedFile
}

func formatSegmentName(prefix, suffix string, seq, ts uint32, id uint64) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, seq, t.Format(timestampFmt), id, suffix)
}

func parseSegmentName(name string) (seq, ts uint32, id uint64, err error) {
	seqStr, rem, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seq = uint32(v)

	tsStr, idStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	id, err = strconv.ParseUint(idStr, 16, 64)
	if err != nil {
		return seq, 0, 0, fmt.Errorf("invalid segment file name %q (invalid record identifier)", name)
	}
	return
}

// IsCorrupted reports whether err indicates a damaged segment header.
func IsCorrupted(err error) bool {
	return errors.Is(err, errCorruptedFile)
}
