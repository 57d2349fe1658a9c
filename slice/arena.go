package slice

import (
	"errors"
	"sync"
)

// ErrArenaClosed is the panic value raised when a closed arena is used.
var ErrArenaClosed = errors.New("slice: arena used after close")

const chunkSize = 64 * 1024

var chunkPool = &sync.Pool{
	New: func() any {
		b := make([]byte, chunkSize)
		return &b
	},
}

// Arena is a bump allocator for short-lived buffers. Each transaction owns
// one; everything allocated from it is released together when the
// transaction ends. Arena is not safe for concurrent use.
type Arena struct {
	chunks []*[]byte
	cur    []byte // unused tail of the last pooled chunk
	large  int    // bytes allocated outside chunks
	used   int
	closed bool
}

func NewArena() *Arena {
	return &Arena{}
}

// Allocate returns n zeroed bytes.
func (a *Arena) Allocate(n int) []byte {
	if a.closed {
		panic(ErrArenaClosed)
	}
	a.used += n
	if n > chunkSize/4 {
		a.large += n
		return make([]byte, n)
	}
	if len(a.cur) < n {
		c := chunkPool.Get().(*[]byte)
		a.chunks = append(a.chunks, c)
		a.cur = *c
	}
	b := a.cur[:n:n]
	a.cur = a.cur[n:]
	clear(b)
	return b
}

// Copy returns a copy of b owned by the arena.
func (a *Arena) Copy(b []byte) []byte {
	r := a.Allocate(len(b))
	copy(r, b)
	return r
}

// Slice returns a copy of b as a Slice.
func (a *Arena) Slice(b []byte) Slice {
	return From(a.Copy(b))
}

// Concat allocates the concatenation of parts.
func (a *Arena) Concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	r := a.Allocate(n)[:0]
	for _, p := range parts {
		r = append(r, p...)
	}
	return r
}

// Uint64 allocates the big-endian encoding of v.
func (a *Arena) Uint64(v uint64) Slice {
	b := a.Allocate(8)
	PutUint64(b, v)
	return From(b)
}

// Buffer returns an empty buffer with capacity n, for use with append.
// Appending past n reallocates outside the arena.
func (a *Arena) Buffer(n int) []byte {
	return a.Allocate(n)[:0]
}

// Scope marks the current allocation point. The returned func releases
// everything allocated after the mark, which must no longer be referenced.
// Scopes must be released in LIFO order.
func (a *Arena) Scope() (release func()) {
	n, cur, used := len(a.chunks), a.cur, a.used
	return func() {
		if a.closed {
			return
		}
		for _, c := range a.chunks[n:] {
			chunkPool.Put(c)
		}
		clear(a.chunks[n:])
		a.chunks = a.chunks[:n]
		a.cur = cur
		a.used = used
	}
}

// Used returns the number of bytes handed out so far.
func (a *Arena) Used() int {
	return a.used
}

func (a *Arena) IsClosed() bool {
	return a.closed
}

// Close returns the arena's chunks to the pool. Every slice allocated from
// the arena becomes invalid.
func (a *Arena) Close() {
	if a.closed {
		return
	}
	a.closed = true
	for _, c := range a.chunks {
		chunkPool.Put(c)
	}
	a.chunks = nil
	a.cur = nil
}
