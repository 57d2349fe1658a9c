package pager

import (
	"encoding/binary"
)

// freelist tracks reusable pages. Pages freed by transaction T sit in
// pending[T] until no snapshot older than T remains; only then do they move
// to ready and become allocatable.
type freelist struct {
	ready   []PageNum
	pending map[uint64][]PageNum
}

func newFreelist() *freelist {
	return &freelist{pending: make(map[uint64][]PageNum)}
}

// release moves every pending batch freed at or before txid to ready.
func (fl *freelist) release(txid uint64) int {
	var n int
	for t, pages := range fl.pending {
		if t <= txid {
			fl.ready = append(fl.ready, pages...)
			n += len(pages)
			delete(fl.pending, t)
		}
	}
	return n
}

func (fl *freelist) pendingCount() int {
	var n int
	for _, pages := range fl.pending {
		n += len(pages)
	}
	return n
}

// Freelist pages form a chain: next:64 count:32 pgno:64*count.
const freelistPageHeader = 12

func freelistPerPage(usable int) int {
	return (usable - freelistPageHeader) / 8
}

func freelistPagesFor(n, usable int) int {
	per := freelistPerPage(usable)
	return (n + per - 1) / per
}

func encodeFreelistPage(next PageNum, ids []PageNum) []byte {
	buf := make([]byte, freelistPageHeader, freelistPageHeader+8*len(ids))
	binary.LittleEndian.PutUint64(buf, uint64(next))
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(ids)))
	for _, id := range ids {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(id))
	}
	return buf
}

func decodeFreelistPage(pgno PageNum, data []byte) (next PageNum, ids []PageNum, err error) {
	if len(data) < freelistPageHeader {
		return 0, nil, corruptf(pgno, nil, "short freelist page")
	}
	next = PageNum(binary.LittleEndian.Uint64(data))
	n := int(binary.LittleEndian.Uint32(data[8:]))
	if freelistPageHeader+8*n > len(data) {
		return 0, nil, corruptf(pgno, nil, "freelist count %d out of range", n)
	}
	ids = make([]PageNum, n)
	for i := range ids {
		ids[i] = PageNum(binary.LittleEndian.Uint64(data[freelistPageHeader+8*i:]))
	}
	return next, ids, nil
}
