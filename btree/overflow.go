package btree

import (
	"encoding/binary"

	"github.com/shiranshalom/ravendb-sub000/pager"
)

// Overflow pages form a singly linked chain: next:64 data*. The last page
// has next = 0; the total length lives in the leaf's reference.
const overflowHeaderSize = 8

func overflowCapacity(usable int) int {
	return usable - overflowHeaderSize
}

func overflowPagesFor(size, usable int) int {
	c := overflowCapacity(usable)
	return (size + c - 1) / c
}

func writeOverflow(w PageWriter, value []byte) (pager.PageNum, error) {
	c := overflowCapacity(w.UsableSize())
	n := overflowPagesFor(len(value), w.UsableSize())
	pgnos := make([]pager.PageNum, n)
	for i := range pgnos {
		pgnos[i] = w.Allocate()
	}
	for i, pgno := range pgnos {
		var next pager.PageNum
		if i+1 < n {
			next = pgnos[i+1]
		}
		chunk := value[i*c : min((i+1)*c, len(value))]
		buf := make([]byte, overflowHeaderSize, overflowHeaderSize+len(chunk))
		binary.LittleEndian.PutUint64(buf, uint64(next))
		buf = append(buf, chunk...)
		if err := w.WritePage(pgno, buf); err != nil {
			return 0, err
		}
	}
	return pgnos[0], nil
}

func readOverflow(r PageReader, pgno pager.PageNum, size int) ([]byte, error) {
	value := make([]byte, 0, size)
	for pgno != 0 {
		data, err := r.ReadPage(pgno)
		if err != nil {
			return nil, err
		}
		if len(data) < overflowHeaderSize {
			return nil, corrupt(pgno, "short overflow page")
		}
		value = append(value, data[overflowHeaderSize:]...)
		pgno = pager.PageNum(binary.LittleEndian.Uint64(data))
		if len(value) > size {
			return nil, corrupt(pgno, "overflow chain longer than recorded size")
		}
	}
	if len(value) != size {
		return nil, corrupt(pgno, "overflow chain shorter than recorded size")
	}
	return value, nil
}

func freeOverflow(w PageWriter, pgno pager.PageNum) error {
	for pgno != 0 {
		data, err := w.ReadPage(pgno)
		if err != nil {
			return err
		}
		if len(data) < overflowHeaderSize {
			return corrupt(pgno, "short overflow page")
		}
		next := pager.PageNum(binary.LittleEndian.Uint64(data))
		w.Free(pgno)
		pgno = next
	}
	return nil
}
