package pager

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// PageNum identifies a page; its byte offset is PageNum*PageSize.
type PageNum uint64

const (
	metaMagic   = 0x5247504244424c54 // "TLBDBPGR" as little-endian uint64
	metaVersion = 1

	// Pages 0 and 1 hold alternating copies of the meta record.
	metaPageCount = 2

	metaFlagCompressed uint32 = 1 << 0
	metaFlagEncrypted  uint32 = 1 << 1
)

// metaSize is the encoded size of meta, checksum included.
const metaSize = 9 * 8

// meta is the root record of the file. Commit alternates between the two
// meta pages so the previous one survives a torn write.
type meta struct {
	Magic     uint64
	Version   uint32
	PageSize  uint32
	Flags     uint32
	_         uint32
	Root      PageNum
	Freelist  PageNum
	PageCount uint64
	TxID      uint64
	KeyCheck  uint64
	Checksum  uint64
}

func (m *meta) encode() []byte {
	buf := make([]byte, metaSize)
	n, err := binary.Encode(buf, binary.LittleEndian, m)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}
	binary.LittleEndian.PutUint64(buf[n-8:], xxhash.Sum64(buf[:n-8]))
	return buf
}

func decodeMeta(buf []byte) (*meta, error) {
	if len(buf) < metaSize {
		return nil, fmt.Errorf("short meta")
	}
	buf = buf[:metaSize]
	m := new(meta)
	if _, err := binary.Decode(buf, binary.LittleEndian, m); err != nil {
		return nil, err
	}
	if m.Magic != metaMagic {
		return nil, fmt.Errorf("bad magic %x", m.Magic)
	}
	if xxhash.Sum64(buf[:len(buf)-8]) != m.Checksum {
		return nil, fmt.Errorf("meta checksum mismatch")
	}
	if m.Version != metaVersion {
		return nil, fmt.Errorf("%w: meta version %d", ErrIncompatible, m.Version)
	}
	return m, nil
}

func (m *meta) slot() PageNum {
	return PageNum(m.TxID % metaPageCount)
}
