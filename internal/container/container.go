// Package container implements the on-disk container format: a
// fixed-size slab holding a packed sequence of compressed chunk
// payloads plus an item table, sealed with a CRC32 trailer. Grounded on
// internal/format (the shared 4-byte header) and
// internal/chunk/file/manager.go seal discipline (write, fsync, flip a
// sealed flag) generalized from "one active chunk file" to "one
// fixed-size container slab".
package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"dedupvol/internal/domain"
	"dedupvol/internal/format"
)

// DefaultSize is the default container slab size (4 MiB).
const DefaultSize = 4 << 20

// Compression identifies the payload codec applied to each item.
type Compression byte

const (
	CompressionNone Compression = iota
	CompressionDeflate
	CompressionSnappy
	CompressionLZ4
	CompressionZstd
	// CompressionBZ2 is accepted as a configuration value but rejected at
	// validation time: the standard library only ships a bzip2 reader,
	// and no bzip2 encoder library appears anywhere in the retrieved
	// corpus. See DESIGN.md.
	CompressionBZ2
)

var (
	ErrContainerFull   = errors.New("container: not enough room for item")
	ErrSealed          = errors.New("container: already sealed")
	ErrNotSealed       = errors.New("container: not sealed")
	ErrCRCMismatch     = errors.New("container: crc mismatch")
	ErrItemNotFound    = errors.New("container: item not found")
	ErrUnsupportedCodec = errors.New("container: bz2 compression has no available encoder")
)

// itemHeaderSize is the per-item directory entry: fingerprint(32) +
// offset(4) + compressedLen(4) + rawLen(4) + codec(1).
const itemHeaderSize = domain.FingerprintSize + 4 + 4 + 4 + 1

// Item is one packed chunk payload within a container.
type Item struct {
	Fingerprint   domain.Fingerprint
	Offset        uint32 // byte offset of the compressed payload within the data region
	CompressedLen uint32
	RawLen        uint32
	Codec         Compression
}

// Container is an in-memory, mutable view of one container slab while it
// is open for writing. Once Seal is called it becomes read-only.
type Container struct {
	ID      domain.ContainerID
	Size    uint32 // total slab size in bytes
	items   []Item
	data    []byte // packed, compressed payloads, grows from offset 0
	sealed  bool
}

// New creates an empty container with the given slab size.
func New(id domain.ContainerID, size uint32) *Container {
	if size == 0 {
		size = DefaultSize
	}
	return &Container{ID: id, Size: size}
}

// directorySize is the space the item directory takes at the current item
// count; it grows with every item. Callers call Append speculatively;
// Append itself returns ErrContainerFull once the header, directory,
// trailing CRC and packed item data no longer fit in the slab.
func (c *Container) directorySize() int {
	return len(c.items) * itemHeaderSize
}

func (c *Container) overhead() int {
	return format.HeaderSize + 4 /* item count */ + c.directorySize() + 4 /* crc */
}

// Append packs a compressed chunk payload into the container. Returns the
// item's index within the container for use as a ContainerAddress.
func (c *Container) Append(fp domain.Fingerprint, compressed []byte, rawLen uint32, codec Compression) (uint32, error) {
	if c.sealed {
		return 0, ErrSealed
	}
	needed := c.overhead() + itemHeaderSize + len(c.data) + len(compressed)
	if needed > int(c.Size) {
		return 0, ErrContainerFull
	}
	item := Item{
		Fingerprint:   fp,
		Offset:        uint32(len(c.data)),
		CompressedLen: uint32(len(compressed)),
		RawLen:        rawLen,
		Codec:         codec,
	}
	c.data = append(c.data, compressed...)
	c.items = append(c.items, item)
	return uint32(len(c.items) - 1), nil
}

// Items returns the item directory of a container (valid before or after
// sealing).
func (c *Container) Items() []Item {
	return c.items
}

// ItemPayload returns the raw compressed bytes for the item at idx.
func (c *Container) ItemPayload(idx uint32) ([]byte, error) {
	if int(idx) >= len(c.items) {
		return nil, ErrItemNotFound
	}
	it := c.items[idx]
	return c.data[it.Offset : it.Offset+it.CompressedLen], nil
}

// Sealed reports whether the container has been finalized.
func (c *Container) Sealed() bool { return c.sealed }

// Encode serializes the container to its final on-disk byte layout:
//
//	format.Header (4 bytes)
//	item count (4 bytes, LE)
//	item directory (itemHeaderSize * count bytes)
//	packed data region
//	CRC32 of everything preceding it (4 bytes, LE)
//
// Encode may be called on an unsealed container to preview bytes but Seal
// must be called before the container is considered durable.
func (c *Container) Encode() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, c.Size))

	hdr := format.Header{Type: format.TypeContainer, Version: 1}
	hb := hdr.Encode()
	buf.Write(hb[:])

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(c.items)))
	buf.Write(countBuf[:])

	for _, it := range c.items {
		var ib [itemHeaderSize]byte
		copy(ib[0:domain.FingerprintSize], it.Fingerprint[:])
		off := domain.FingerprintSize
		binary.LittleEndian.PutUint32(ib[off:off+4], it.Offset)
		binary.LittleEndian.PutUint32(ib[off+4:off+8], it.CompressedLen)
		binary.LittleEndian.PutUint32(ib[off+8:off+12], it.RawLen)
		ib[off+12] = byte(it.Codec)
		buf.Write(ib[:])
	}

	buf.Write(c.data)

	sum := crc32.ChecksumIEEE(buf.Bytes())
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], sum)
	buf.Write(crcBuf[:])

	return buf.Bytes(), nil
}

// Seal finalizes the container; after Seal no further Append calls are
// accepted. The caller is responsible for writing Encode()'s bytes to disk
// and fsync'ing before treating the container as durable.
func (c *Container) Seal() {
	c.sealed = true
}

// Decode parses raw on-disk bytes (as produced by Encode) back into a
// read-only Container, verifying the trailing CRC32.
func Decode(id domain.ContainerID, raw []byte) (*Container, error) {
	if len(raw) < format.HeaderSize+4+4 {
		return nil, fmt.Errorf("container: %w", format.ErrHeaderTooSmall)
	}
	if _, err := format.DecodeAndValidate(raw[:format.HeaderSize], format.TypeContainer, 1); err != nil {
		return nil, fmt.Errorf("container: %w", err)
	}

	storedCRC := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	computed := crc32.ChecksumIEEE(raw[:len(raw)-4])
	if storedCRC != computed {
		return nil, ErrCRCMismatch
	}

	pos := format.HeaderSize
	count := binary.LittleEndian.Uint32(raw[pos : pos+4])
	pos += 4

	items := make([]Item, 0, count)
	for range count {
		if pos+itemHeaderSize > len(raw) {
			return nil, fmt.Errorf("container: %w", ErrCRCMismatch)
		}
		var fp domain.Fingerprint
		copy(fp[:], raw[pos:pos+domain.FingerprintSize])
		off := pos + domain.FingerprintSize
		item := Item{
			Fingerprint:   fp,
			Offset:        binary.LittleEndian.Uint32(raw[off : off+4]),
			CompressedLen: binary.LittleEndian.Uint32(raw[off+4 : off+8]),
			RawLen:        binary.LittleEndian.Uint32(raw[off+8 : off+12]),
			Codec:         Compression(raw[off+12]),
		}
		items = append(items, item)
		pos += itemHeaderSize
	}

	dataEnd := len(raw) - 4
	data := raw[pos:dataEnd]

	return &Container{
		ID:     id,
		Size:   uint32(len(raw)),
		items:  items,
		data:   data,
		sealed: true,
	}, nil
}
