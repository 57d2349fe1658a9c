package pager

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"golang.org/x/crypto/chacha20poly1305"
)

// Every non-meta page starts with this header:
//
//	checksum:64 flags:16 reserved:16 length:32
//
// The checksum covers the page number followed by everything after the
// checksum field up to the end of the payload.
const pageHeaderSize = 16

const (
	pageFlagCompressed uint16 = 1 << 0
	pageFlagEncrypted  uint16 = 1 << 1
)

// codec applies the optional per-page transforms. Compression runs before
// encryption; the B-tree above never sees either.
type codec struct {
	pageSize int
	compress bool
	aead     cipher.AEAD
}

func newCodec(pageSize int, compress bool, key []byte) (*codec, error) {
	c := &codec{pageSize: pageSize, compress: compress}
	if len(key) > 0 {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("pager: encryption key: %w", err)
		}
		c.aead = aead
	}
	return c, nil
}

func (c *codec) overhead() int {
	if c.aead == nil {
		return 0
	}
	return c.aead.NonceSize() + c.aead.Overhead()
}

// usableSize is the largest logical page the codec can store.
func (c *codec) usableSize() int {
	return c.pageSize - pageHeaderSize - c.overhead()
}

// keyCheck fingerprints the encryption key so that opening with the wrong key
// fails up front instead of on the first page read.
func (c *codec) keyCheck() uint64 {
	if c.aead == nil {
		return 0
	}
	nonce := make([]byte, c.aead.NonceSize())
	sealed := c.aead.Seal(nil, nonce, make([]byte, 16), []byte("tabledb key check"))
	return xxhash.Sum64(sealed) | 1
}

func (c *codec) flags() uint32 {
	var f uint32
	if c.compress {
		f |= metaFlagCompressed
	}
	if c.aead != nil {
		f |= metaFlagEncrypted
	}
	return f
}

// encode turns a logical page into its on-disk form, appended to dst.
func (c *codec) encode(dst []byte, pgno PageNum, data []byte) ([]byte, error) {
	if len(data) > c.usableSize() {
		return nil, fmt.Errorf("%w: page %d has %d bytes, usable %d", ErrPageTooLarge, pgno, len(data), c.usableSize())
	}
	var flags uint16
	payload := data
	if c.compress && len(data) > 0 {
		z := snappy.Encode(nil, data)
		if len(z) < len(data) {
			payload = z
			flags |= pageFlagCompressed
		}
	}
	if c.aead != nil {
		nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(payload)+c.aead.Overhead())
		if _, err := rand.Read(nonce); err != nil {
			return nil, err
		}
		payload = c.aead.Seal(nonce, nonce, payload, pageAD(pgno))
		flags |= pageFlagEncrypted
	}

	off := len(dst)
	dst = append(dst, make([]byte, pageHeaderSize)...)
	binary.LittleEndian.PutUint16(dst[off+8:], flags)
	binary.LittleEndian.PutUint32(dst[off+12:], uint32(len(payload)))
	dst = append(dst, payload...)
	binary.LittleEndian.PutUint64(dst[off:], pageChecksum(pgno, dst[off+8:]))
	return dst, nil
}

// decode validates and reverses encode. raw may extend past the payload.
func (c *codec) decode(pgno PageNum, raw []byte) ([]byte, error) {
	if len(raw) < pageHeaderSize {
		return nil, corruptf(pgno, nil, "short page")
	}
	flags := binary.LittleEndian.Uint16(raw[8:])
	n := int(binary.LittleEndian.Uint32(raw[12:]))
	if n > len(raw)-pageHeaderSize {
		return nil, corruptf(pgno, nil, "payload length %d out of range", n)
	}
	body := raw[:pageHeaderSize+n]
	if binary.LittleEndian.Uint64(body) != pageChecksum(pgno, body[8:]) {
		return nil, corruptf(pgno, nil, "checksum mismatch")
	}
	payload := body[pageHeaderSize:]

	if flags&pageFlagEncrypted != 0 {
		if c.aead == nil {
			return nil, corruptf(pgno, ErrEncryptionKey, "page is encrypted")
		}
		ns := c.aead.NonceSize()
		if len(payload) < ns {
			return nil, corruptf(pgno, nil, "short encrypted payload")
		}
		plain, err := c.aead.Open(nil, payload[:ns], payload[ns:], pageAD(pgno))
		if err != nil {
			return nil, corruptf(pgno, err, "decryption failed")
		}
		payload = plain
	}
	if flags&pageFlagCompressed != 0 {
		plain, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, corruptf(pgno, err, "decompression failed")
		}
		payload = plain
	} else if flags&pageFlagEncrypted == 0 {
		payload = append([]byte(nil), payload...)
	}
	return payload, nil
}

func pageAD(pgno PageNum) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(pgno))
}

func pageChecksum(pgno PageNum, b []byte) uint64 {
	var d xxhash.Digest
	d.Reset()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(pgno))
	d.Write(buf[:])
	d.Write(b)
	return d.Sum64()
}
