package tabledb

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// encodingMethod picks the format of metadata values such as persisted
// table shapes. Records themselves use the tuple layout.
type encodingMethod int

const (
	MsgPack encodingMethod = iota
	JSON

	defaultMetaEncoding = MsgPack
)

type bytesBuilder struct {
	Buf []byte
}

func (bb *bytesBuilder) Write(p []byte) (int, error) {
	bb.Buf = appendRaw(bb.Buf, p)
	return len(p), nil
}

func (enc encodingMethod) encodeValue(buf []byte, v any) []byte {
	switch enc {
	case MsgPack:
		bb := bytesBuilder{buf}
		e := msgpack.GetEncoder()
		e.Reset(&bb)
		e.SetSortMapKeys(true)
		err := e.Encode(v)
		msgpack.PutEncoder(e)
		if err != nil {
			panic(fmt.Errorf("failed to encode %T using MsgPack: %w", v, err))
		}
		return bb.Buf
	case JSON:
		raw, err := json.Marshal(v)
		if err != nil {
			panic(fmt.Errorf("failed to encode %T to JSON: %w", v, err))
		}
		return appendRaw(buf, raw)
	default:
		panic("unsupported encoding")
	}
}

func (enc encodingMethod) decodeValue(buf []byte, ptr any) error {
	switch enc {
	case MsgPack:
		var r bytes.Reader
		r.Reset(buf)
		d := msgpack.GetDecoder()
		d.Reset(&r)
		err := d.Decode(ptr)
		msgpack.PutDecoder(d)
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode msgpack into %T", ptr)
		}
		return nil
	case JSON:
		err := json.Unmarshal(buf, ptr)
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode JSON into %T", ptr)
		}
		return nil
	default:
		panic("unsupported encoding")
	}
}
