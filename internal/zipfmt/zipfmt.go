// Package zipfmt decodes the fixed-layout records of the ZIP format: the
// end of central directory record, its ZIP64 counterparts, central
// directory file headers and local file headers.
//
// See APPNOTE.TXT sections 4.3.7, 4.3.12, 4.3.14 to 4.3.16.
package zipfmt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	LocalSignature        = 0x04034b50
	CentralSignature      = 0x02014b50
	EOCDSignature         = 0x06054b50
	Zip64EOCDSignature    = 0x06064b50
	Zip64LocatorSignature = 0x07064b50

	LocalLen        = 30
	CentralLen      = 46
	EOCDLen         = 22
	Zip64LocatorLen = 20
	Zip64EOCDLen    = 56

	// MaxCommentLen is the largest archive comment; the length field is
	// 16 bits wide.
	MaxCommentLen = 0xFFFF

	Zip64ExtraID = 0x0001

	FlagEncrypted = 0x0001
	FlagUTF8      = 0x0800

	max16 = 0xFFFF
	max32 = 0xFFFFFFFF
)

var (
	ErrSignature = errors.New("bad signature")
	ErrTruncated = errors.New("truncated record")
)

// le reads little endian values from the front of a byte slice.
type le []byte

func (b *le) u16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *le) u32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

func (b *le) u64() uint64 {
	v := binary.LittleEndian.Uint64(*b)
	*b = (*b)[8:]
	return v
}

func (b *le) skip(n int) { *b = (*b)[n:] }

func record(b []byte, n int, sig uint32, what string) (le, error) {
	if len(b) < n {
		return nil, fmt.Errorf("%s: %w", what, ErrTruncated)
	}
	r := le(b[:n])
	if got := r.u32(); got != sig {
		return nil, fmt.Errorf("%s: %w %#08x", what, ErrSignature, got)
	}
	return r, nil
}

// EOCD is the end of central directory record. Count, CDSize and CDOffset
// are widened so the ZIP64 record can replace them.
type EOCD struct {
	DiskNumber  uint32
	CDDisk      uint32
	CountOnDisk uint64
	Count       uint64
	CDSize      uint64
	CDOffset    uint64
	CommentLen  uint16
}

// NeedsZip64 reports whether any field is saturated, meaning the real value
// lives in the ZIP64 end of central directory record.
func (e EOCD) NeedsZip64() bool {
	return e.Count == max16 || e.CountOnDisk == max16 ||
		e.CDSize == max32 || e.CDOffset == max32
}

// FindEOCD scans window backwards for the end of central directory
// signature and returns the index of the last match whose record and
// declared comment fit inside window, or -1.
func FindEOCD(window []byte) int {
	for i := len(window) - EOCDLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(window[i:]) != EOCDSignature {
			continue
		}
		n := int(binary.LittleEndian.Uint16(window[i+20:]))
		if i+EOCDLen+n <= len(window) {
			return i
		}
	}
	return -1
}

// ParseEOCD decodes the record at the start of b.
func ParseEOCD(b []byte) (EOCD, error) {
	r, err := record(b, EOCDLen, EOCDSignature, "end of central directory")
	if err != nil {
		return EOCD{}, err
	}
	return EOCD{
		DiskNumber:  uint32(r.u16()),
		CDDisk:      uint32(r.u16()),
		CountOnDisk: uint64(r.u16()),
		Count:       uint64(r.u16()),
		CDSize:      uint64(r.u32()),
		CDOffset:    uint64(r.u32()),
		CommentLen:  r.u16(),
	}, nil
}

// Zip64Locator points at the ZIP64 end of central directory record.
type Zip64Locator struct {
	EOCDDisk   uint32
	EOCDOffset uint64
	TotalDisks uint32
}

func ParseZip64Locator(b []byte) (Zip64Locator, error) {
	r, err := record(b, Zip64LocatorLen, Zip64LocatorSignature, "zip64 locator")
	if err != nil {
		return Zip64Locator{}, err
	}
	return Zip64Locator{
		EOCDDisk:   r.u32(),
		EOCDOffset: r.u64(),
		TotalDisks: r.u32(),
	}, nil
}

// ParseZip64EOCD decodes a ZIP64 end of central directory record. The
// extensible data sector is ignored.
func ParseZip64EOCD(b []byte) (EOCD, error) {
	r, err := record(b, Zip64EOCDLen, Zip64EOCDSignature, "zip64 end of central directory")
	if err != nil {
		return EOCD{}, err
	}
	r.skip(8 + 2 + 2) // record size, version made by, version needed
	return EOCD{
		DiskNumber:  r.u32(),
		CDDisk:      r.u32(),
		CountOnDisk: r.u64(),
		Count:       r.u64(),
		CDSize:      r.u64(),
		CDOffset:    r.u64(),
	}, nil
}

// CentralHeader is the fixed part of a central directory file header.
type CentralHeader struct {
	CreatorVersion    uint16
	ReaderVersion     uint16
	Flags             uint16
	Method            uint16
	ModifiedTime      uint16
	ModifiedDate      uint16
	CRC32             uint32
	CompressedSize    uint64
	UncompressedSize  uint64
	NameLen           uint16
	ExtraLen          uint16
	CommentLen        uint16
	DiskNumber        uint32
	InternalAttrs     uint16
	ExternalAttrs     uint32
	LocalHeaderOffset uint64
}

// VariableLen is the length of the name, extra and comment fields that
// follow the fixed header.
func (h CentralHeader) VariableLen() int {
	return int(h.NameLen) + int(h.ExtraLen) + int(h.CommentLen)
}

func ParseCentral(b []byte) (CentralHeader, error) {
	r, err := record(b, CentralLen, CentralSignature, "central directory header")
	if err != nil {
		return CentralHeader{}, err
	}
	return CentralHeader{
		CreatorVersion:    r.u16(),
		ReaderVersion:     r.u16(),
		Flags:             r.u16(),
		Method:            r.u16(),
		ModifiedTime:      r.u16(),
		ModifiedDate:      r.u16(),
		CRC32:             r.u32(),
		CompressedSize:    uint64(r.u32()),
		UncompressedSize:  uint64(r.u32()),
		NameLen:           r.u16(),
		ExtraLen:          r.u16(),
		CommentLen:        r.u16(),
		DiskNumber:        uint32(r.u16()),
		InternalAttrs:     r.u16(),
		ExternalAttrs:     r.u32(),
		LocalHeaderOffset: uint64(r.u32()),
	}, nil
}

// NeedsZip64 reports whether any 32-bit field of h is saturated.
func (h CentralHeader) NeedsZip64() bool {
	return h.CompressedSize == max32 || h.UncompressedSize == max32 ||
		h.LocalHeaderOffset == max32
}

// ApplyZip64Extra replaces the saturated fields of h with the values of the
// ZIP64 extended information block in extra. The block only holds the
// fields that are saturated, in a fixed order.
func (h *CentralHeader) ApplyZip64Extra(extra []byte) error {
	for len(extra) >= 4 {
		r := le(extra)
		id := r.u16()
		size := int(r.u16())
		if len(r) < size {
			return fmt.Errorf("extra field %#04x: %w", id, ErrTruncated)
		}
		if id != Zip64ExtraID {
			extra = extra[4+size:]
			continue
		}
		block := le(r[:size])
		for _, f := range []*uint64{&h.UncompressedSize, &h.CompressedSize, &h.LocalHeaderOffset} {
			if *f != max32 {
				continue
			}
			if len(block) < 8 {
				return fmt.Errorf("zip64 extra: %w", ErrTruncated)
			}
			*f = block.u64()
		}
		return nil
	}
	return fmt.Errorf("zip64 extra field missing: %w", ErrTruncated)
}

// LocalHeader is the fixed part of a local file header.
type LocalHeader struct {
	ReaderVersion    uint16
	Flags            uint16
	Method           uint16
	ModifiedTime     uint16
	ModifiedDate     uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	NameLen          uint16
	ExtraLen         uint16
}

// DataOffset returns the distance from the start of the local header to the
// member payload.
func (h LocalHeader) DataOffset() uint64 {
	return LocalLen + uint64(h.NameLen) + uint64(h.ExtraLen)
}

func ParseLocal(b []byte) (LocalHeader, error) {
	r, err := record(b, LocalLen, LocalSignature, "local file header")
	if err != nil {
		return LocalHeader{}, err
	}
	return LocalHeader{
		ReaderVersion:    r.u16(),
		Flags:            r.u16(),
		Method:           r.u16(),
		ModifiedTime:     r.u16(),
		ModifiedDate:     r.u16(),
		CRC32:            r.u32(),
		CompressedSize:   r.u32(),
		UncompressedSize: r.u32(),
		NameLen:          r.u16(),
		ExtraLen:         r.u16(),
	}, nil
}

// DosTime converts an MS-DOS date and time to UTC. A zero date means no
// timestamp was recorded and yields the zero time.
func DosTime(date, tm uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return time.Date(
		int(date>>9)+1980,
		time.Month(date>>5&0xf),
		int(date&0x1f),
		int(tm>>11),
		int(tm>>5&0x3f),
		int(tm&0x1f)*2,
		0,
		time.UTC,
	)
}
