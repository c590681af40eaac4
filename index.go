package partialzip

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/charmap"

	"github.com/snabb/partialzip/internal/zipfmt"
)

// Method is a ZIP compression method code.
type Method uint16

// Compression methods that can be extracted.
const (
	Stored  Method = 0
	Deflate Method = 8
	BZIP2   Method = 12
	Zstd    Method = 93
)

// Supported reports whether members using m can be extracted.
func (m Method) Supported() bool {
	switch m {
	case Stored, Deflate, BZIP2, Zstd:
		return true
	}
	return false
}

func (m Method) String() string {
	switch m {
	case Stored:
		return "stored"
	case Deflate:
		return "deflate"
	case BZIP2:
		return "bzip2"
	case Zstd:
		return "zstd"
	}
	return fmt.Sprintf("unsupported(%d)", uint16(m))
}

// Entry is the central directory metadata of one archive member.
type Entry struct {
	// Name is empty if RawName could not be decoded.
	Name    string
	RawName []byte

	CompressedSize    uint64
	UncompressedSize  uint64
	Method            Method
	CRC32             uint32
	Flags             uint16
	LocalHeaderOffset uint64

	// Modified is the zero time if the archive recorded no timestamp.
	Modified time.Time
}

// Encrypted reports whether the member is encrypted.
func (e Entry) Encrypted() bool { return e.Flags&zipfmt.FlagEncrypted != 0 }

// Index is the central directory of an archive, in directory order. Names
// are not guaranteed to be unique.
type Index struct {
	entries []Entry
}

// Len returns the number of entries.
func (ix *Index) Len() int { return len(ix.entries) }

// Entries returns a copy of the entries.
func (ix *Index) Entries() []Entry {
	out := make([]Entry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

// Names returns the decoded names in directory order. Entries whose names
// could not be decoded are left out.
func (ix *Index) Names() []string {
	names := make([]string, 0, len(ix.entries))
	for _, e := range ix.entries {
		if e.Name != "" {
			names = append(names, e.Name)
		}
	}
	return names
}

// Find returns the first entry called name.
func (ix *Index) Find(name string) (Entry, error) {
	for _, e := range ix.entries {
		if e.Name != "" && e.Name == name {
			return e, nil
		}
	}
	return Entry{}, errors.Wrapf(ErrFileNotFound, "%q", name)
}

// BuildIndex reads the end of central directory record and the central
// directory through r. It costs two range requests, three for ZIP64
// archives whose end record lies before the tail window. Entries that can
// not be used are skipped and reported through opts.OnWarning; damage to
// the directory itself is fatal.
func BuildIndex(r *Reader, opts Options) (*Index, error) {
	log := opts.logger("index")

	eocd, eocdOffset, err := readEOCD(r)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Uint64("entries", eocd.Count).
		Uint64("cd_offset", eocd.CDOffset).
		Uint64("cd_size", eocd.CDSize).
		Msg("found end of central directory")

	if eocd.DiskNumber != 0 || eocd.CDDisk != 0 || eocd.CountOnDisk != eocd.Count {
		return nil, malformed("multi-disk archives are not supported")
	}
	cdEnd, err := addU64(eocd.CDOffset, eocd.CDSize)
	if err != nil {
		return nil, err
	}
	if cdEnd > eocdOffset {
		return nil, malformed("central directory %d+%d overlaps end record at %d",
			eocd.CDOffset, eocd.CDSize, eocdOffset)
	}
	minSize, err := mulU64(eocd.Count, zipfmt.CentralLen)
	if err != nil {
		return nil, err
	}
	if minSize > eocd.CDSize {
		return nil, malformed("%d entries do not fit in %d bytes", eocd.Count, eocd.CDSize)
	}

	var cd []byte
	if eocd.CDSize > 0 {
		cd, err = r.readFullAt(eocd.CDOffset, eocd.CDSize)
		if err != nil {
			return nil, err
		}
	}

	ix := &Index{entries: make([]Entry, 0, eocd.Count)}
	for i := uint64(0); i < eocd.Count; i++ {
		h, err := zipfmt.ParseCentral(cd)
		if err != nil {
			return nil, malformed("entry %d: %v", i, err)
		}
		if len(cd) < zipfmt.CentralLen+h.VariableLen() {
			return nil, malformed("entry %d: variable fields run past central directory", i)
		}
		rest := cd[zipfmt.CentralLen:]
		name := rest[:h.NameLen]
		extra := rest[h.NameLen : int(h.NameLen)+int(h.ExtraLen)]
		cd = cd[zipfmt.CentralLen+h.VariableLen():]

		e, err := makeEntry(h, name, extra, r.Size(), opts.LegacyNames)
		if err != nil {
			opts.warn(log, Warning{Index: int(i), RawName: name, Err: err})
			continue
		}
		if e.Name == "" && len(e.RawName) > 0 {
			opts.warn(log, Warning{Index: int(i), RawName: name,
				Err: errors.New("name is not valid UTF-8")})
		}
		ix.entries = append(ix.entries, e)
	}
	return ix, nil
}

// readEOCD fetches the tail of the resource that can hold the end record and
// the longest possible comment, and decodes the record.
func readEOCD(r *Reader) (zipfmt.EOCD, uint64, error) {
	window := min(r.Size(), zipfmt.MaxCommentLen+zipfmt.EOCDLen)
	if window < zipfmt.EOCDLen {
		return zipfmt.EOCD{}, 0, malformed("%d bytes is too small for an archive", r.Size())
	}
	base := r.Size() - window
	buf, err := r.readFullAt(base, window)
	if err != nil {
		return zipfmt.EOCD{}, 0, err
	}

	i := zipfmt.FindEOCD(buf)
	if i < 0 {
		return zipfmt.EOCD{}, 0, malformed("end of central directory not found")
	}
	eocd, err := zipfmt.ParseEOCD(buf[i:])
	if err != nil {
		return zipfmt.EOCD{}, 0, malformed("%v", err)
	}
	eocdOffset := base + uint64(i)

	if !eocd.NeedsZip64() {
		return eocd, eocdOffset, nil
	}
	if i < zipfmt.Zip64LocatorLen {
		return eocd, eocdOffset, nil
	}
	loc, err := zipfmt.ParseZip64Locator(buf[i-zipfmt.Zip64LocatorLen:])
	if err != nil {
		// Saturated values without a locator are taken at face value.
		return eocd, eocdOffset, nil
	}
	if loc.TotalDisks > 1 || loc.EOCDDisk != 0 {
		return zipfmt.EOCD{}, 0, malformed("multi-disk archives are not supported")
	}
	locOffset := eocdOffset - zipfmt.Zip64LocatorLen
	if loc.EOCDOffset > locOffset || locOffset-loc.EOCDOffset < zipfmt.Zip64EOCDLen {
		return zipfmt.EOCD{}, 0, malformed("zip64 end record offset %d out of range", loc.EOCDOffset)
	}
	var b []byte
	if loc.EOCDOffset >= base {
		// Usually inside the tail window already.
		start := loc.EOCDOffset - base
		b = buf[start : start+zipfmt.Zip64EOCDLen]
	} else {
		b, err = r.readFullAt(loc.EOCDOffset, zipfmt.Zip64EOCDLen)
		if err != nil {
			return zipfmt.EOCD{}, 0, err
		}
	}
	eocd64, err := zipfmt.ParseZip64EOCD(b)
	if err != nil {
		return zipfmt.EOCD{}, 0, malformed("%v", err)
	}
	return eocd64, loc.EOCDOffset, nil
}

func makeEntry(h zipfmt.CentralHeader, name, extra []byte, size uint64, legacy bool) (Entry, error) {
	if h.NeedsZip64() {
		if err := h.ApplyZip64Extra(extra); err != nil {
			return Entry{}, malformed("%v", err)
		}
	}
	if h.LocalHeaderOffset >= size {
		return Entry{}, malformed("local header offset %d outside resource of %d bytes",
			h.LocalHeaderOffset, size)
	}
	end, err := addU64(h.LocalHeaderOffset, h.CompressedSize)
	if err != nil {
		return Entry{}, err
	}
	if end > size {
		return Entry{}, malformed("compressed size %d at %d runs past resource of %d bytes",
			h.CompressedSize, h.LocalHeaderOffset, size)
	}

	raw := append([]byte(nil), name...)
	return Entry{
		Name:              decodeName(raw, h.Flags, legacy),
		RawName:           raw,
		CompressedSize:    h.CompressedSize,
		UncompressedSize:  h.UncompressedSize,
		Method:            Method(h.Method),
		CRC32:             h.CRC32,
		Flags:             h.Flags,
		LocalHeaderOffset: h.LocalHeaderOffset,
		Modified:          zipfmt.DosTime(h.ModifiedDate, h.ModifiedTime),
	}, nil
}

func decodeName(raw []byte, flags uint16, legacy bool) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	if legacy && flags&zipfmt.FlagUTF8 == 0 {
		if s, err := charmap.CodePage437.NewDecoder().Bytes(raw); err == nil {
			return string(s)
		}
	}
	return ""
}
