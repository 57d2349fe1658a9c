// Package journaltest opens journals in temporary directories with a fake
// clock, and builds expected file contents from a compact notation.
package journaltest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiranshalom/ravendb-sub000/journal"
)

var Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type TestJournal struct {
	*journal.Journal

	T   testing.TB
	Dir string

	now time.Time
}

// Writable opens a journal in a fresh temporary directory with the clock at
// Start.
func Writable(t testing.TB, o journal.Options) *TestJournal {
	return Reopen(t, t.TempDir(), o, Start)
}

// Reopen opens a journal over an existing directory, as a restarted process
// would. Segments are named j*.wal and log through t.
func Reopen(t testing.TB, dir string, o journal.Options, now time.Time) *TestJournal {
	j := &TestJournal{T: t, Dir: dir, now: now}
	o.FileName = "j*.wal"
	o.NoSync = true
	o.Now = j.Now
	o.Logger = slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	o.Verbose = true

	jj, err := journal.Open(dir, o)
	require.NoError(t, err)
	j.Journal = jj
	t.Cleanup(func() {
		assert.NoError(t, j.Close())
	})
	return j
}

func (j *TestJournal) Now() time.Time { return j.now }

func (j *TestJournal) Advance(d time.Duration) { j.now = j.now.Add(d) }

// Replayed returns the data of every committed record.
func (j *TestJournal) Replayed() []string {
	var result []string
	require.NoError(j.T, j.Replay(func(rec journal.Record) error {
		result = append(result, string(rec.Data))
		return nil
	}))
	return result
}

// Data returns the content of a segment file, or nil if it does not exist.
func (j *TestJournal) Data(fileName string) []byte {
	b, err := os.ReadFile(filepath.Join(j.Dir, fileName))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(j.T, err)
	return b
}

func (j *TestJournal) FileNames() []string {
	entries, err := os.ReadDir(j.Dir)
	require.NoError(j.T, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	slices.Sort(names)
	return names
}

type testWriter struct{ t testing.TB }

func (w testWriter) Write(b []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(b), "\n"))
	return len(b), nil
}

// Expand builds bytes from whitespace-separated elements:
//
//	0a_0b     hex bytes, '_' separates bytes
//	#300      uvarint
//	'text     literal text
//	x/note    everything after '/' is a comment
//	01..ff    left part, zero padding to 4 bytes, right part
//	01...ff   same, padding to 8 bytes
//	00*3      repeat
func Expand(specs ...string) []byte {
	var b []byte
	for _, spec := range specs {
		for _, elem := range strings.Fields(spec) {
			b = appendElem(b, elem)
		}
	}
	return b
}

func appendElem(b []byte, elem string) []byte {
	elem, _, _ = strings.Cut(elem, "/")
	if elem == "" {
		return b
	}
	elem, repeat, hasRepeat := strings.Cut(elem, "*")
	n := 1
	if hasRepeat {
		var err error
		if n, err = strconv.Atoi(repeat); err != nil {
			panic("journaltest: bad repeat in " + elem)
		}
	}

	var left, right []byte
	pad := 0
	if l, r, ok := strings.Cut(elem, "..."); ok {
		left, right, pad = decode(l), decode(r), 8
	} else if l, r, ok := strings.Cut(elem, ".."); ok {
		left, right, pad = decode(l), decode(r), 4
	} else {
		left = decode(elem)
	}
	for range n {
		b = append(b, left...)
		if fill := pad - len(left) - len(right); fill > 0 {
			b = append(b, make([]byte, fill)...)
		}
		b = append(b, right...)
	}
	return b
}

func decode(s string) []byte {
	if dec, ok := strings.CutPrefix(s, "#"); ok {
		v, err := strconv.ParseUint(dec, 10, 64)
		if err != nil {
			panic(err)
		}
		return binary.AppendUvarint(nil, v)
	}
	if text, ok := strings.CutPrefix(s, "'"); ok {
		return []byte(text)
	}
	var out []byte
	for _, group := range strings.Split(s, "_") {
		if len(group)%2 == 1 {
			group = "0" + group
		}
		b, err := hex.DecodeString(group)
		if err != nil {
			panic(err)
		}
		out = append(out, b...)
	}
	return out
}

// BytesEq reports a hex dump of both sides on mismatch.
func BytesEq(t testing.TB, actual, expected []byte) bool {
	t.Helper()
	if bytes.Equal(actual, expected) {
		return true
	}
	return assert.Fail(t, "bytes differ", "got:\n%s\nwanted:\n%s", hex.Dump(actual), hex.Dump(expected))
}
