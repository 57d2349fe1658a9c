package tabledb

import (
	"encoding/binary"
	"fmt"
)

var lastEtagKey = []byte("lastEtag")

// LastEtag returns the last value handed out by NextEtag, or 0.
func (tx *Tx) LastEtag() uint64 {
	tx.checkOpen()
	b := tx.stx.Bucket(globalsBucket, "")
	if b == nil {
		return 0
	}
	v := b.Get(lastEtagKey)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// NextEtag allocates a database-wide, strictly increasing change number.
// Numbers allocated by a rolled back transaction are reused.
func (tx *Tx) NextEtag() (uint64, error) {
	tx.checkOpen()
	if err := tx.checkWritable(); err != nil {
		return 0, err
	}
	b, err := tx.stx.CreateBucket(globalsBucket, "")
	if err != nil {
		return 0, fmt.Errorf("tabledb: globals: %w", err)
	}
	etag := tx.LastEtag() + 1
	if err := b.Put(lastEtagKey, binary.BigEndian.AppendUint64(nil, etag)); err != nil {
		return 0, err
	}
	tx.markWritten()
	return etag, nil
}
