package partialzip

import (
	"io"
	"math"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Reader is a seekable view of a remote resource. Every Read issues exactly
// one range request for the bytes under the cursor; nothing is cached
// between calls. Seek is pure arithmetic and never touches the network.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	t    RangeTransport
	url  string
	size uint64
	pos  uint64
	log  zerolog.Logger
}

var (
	_ io.ReadSeeker = (*Reader)(nil)
	_ io.ReaderAt   = (*Reader)(nil)
)

// NewReader validates rawURL, creates the transport for its scheme and
// probes the size of the resource. If opts.CheckRange is set the resource
// must also honour a one byte range request.
func NewReader(rawURL string, opts Options) (*Reader, error) {
	t, err := NewTransport(rawURL, opts)
	if err != nil {
		return nil, err
	}
	return NewReaderWithTransport(rawURL, t, opts)
}

// NewReaderWithTransport is like NewReader but uses the supplied transport.
func NewReaderWithTransport(rawURL string, t RangeTransport, opts Options) (*Reader, error) {
	if _, err := parseURL(rawURL); err != nil {
		return nil, err
	}
	r := &Reader{
		t:   t,
		url: rawURL,
		log: opts.logger("reader"),
	}
	size, err := t.ProbeSize()
	if err != nil {
		return nil, err
	}
	r.size = size

	if opts.CheckRange {
		if err := r.checkRange(); err != nil {
			return nil, err
		}
	}
	r.log.Debug().Str("url", rawURL).Uint64("size", size).Msg("opened resource")
	return r, nil
}

// checkRange asks for one byte. Anything but exactly one byte with a
// partial content status means the resource would be downloaded in full.
func (r *Reader) checkRange() error {
	data, partial, err := r.t.FetchExact(0)
	if err != nil {
		return err
	}
	if len(data) != 1 || !partial {
		r.log.Debug().
			Int("length", len(data)).
			Bool("partial", partial).
			Msg("range check failed")
		return ErrRangeNotSupported
	}
	return nil
}

// URL returns the URL the Reader was created with.
func (r *Reader) URL() string { return r.url }

// Size returns the total length of the resource.
func (r *Reader) Size() uint64 { return r.size }

// Position returns the cursor.
func (r *Reader) Position() uint64 { return r.pos }

// Read fetches up to len(p) bytes at the cursor with a single range
// request and advances the cursor by the number of bytes received. At or
// past the end of the resource it returns 0, io.EOF without a request.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	start := r.pos
	end, err := inclusiveEnd(start, uint64(len(p)))
	if err != nil {
		return 0, err
	}
	last, err := subU64(r.size, 1)
	if err != nil {
		return 0, err
	}
	end = min(end, last)
	if end < start {
		return 0, errors.Wrapf(ErrArithmetic, "end < start: %d < %d", end, start)
	}
	r.log.Trace().Uint64("start", start).Uint64("end", end).Msg("read")

	data, err := r.t.FetchRange(start, end)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	if uint64(len(data)) > end-start+1 {
		data = data[:end-start+1]
	}
	n := copy(p, data)
	pos, err := addU64(r.pos, uint64(n))
	if err != nil {
		return n, err
	}
	r.pos = pos
	return n, nil
}

// Seek sets the cursor. io.SeekStart accepts any non-negative offset, even
// past the end of the resource; the next Read reports io.EOF. Results that
// are negative or overflow fail with ErrInvalidSeek and leave the cursor
// unchanged.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var base uint64
	switch whence {
	case io.SeekStart:
		if offset < 0 {
			return 0, ErrInvalidSeek
		}
		r.pos = uint64(offset)
		return offset, nil
	case io.SeekCurrent:
		base = r.pos
	case io.SeekEnd:
		base = r.size
	default:
		return 0, errors.Errorf("invalid whence %d", whence)
	}

	var pos uint64
	var err error
	if offset >= 0 {
		pos, err = addU64(base, uint64(offset))
	} else {
		// -offset overflows for MinInt64; two's complement gives the
		// magnitude either way.
		pos, err = subU64(base, uint64(-(offset+1))+1)
	}
	if err != nil || pos > math.MaxInt64 {
		return 0, ErrInvalidSeek
	}
	r.pos = pos
	return int64(pos), nil
}

// ReadAt reads len(p) bytes at off by seeking and reading until p is full.
// Unlike most io.ReaderAt implementations it moves the cursor.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(r, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// readFullAt reads exactly n bytes at off. Running into the end of the
// resource is a malformed archive, since callers only ask for ranges that
// the directory claims exist.
func (r *Reader) readFullAt(off, n uint64) ([]byte, error) {
	end, err := addU64(off, n)
	if err != nil {
		return nil, err
	}
	if end > r.size {
		return nil, malformed("range %d+%d outside resource of %d bytes", off, n, r.size)
	}
	if n > uint64(math.MaxInt) || off > math.MaxInt64 {
		return nil, errors.Wrapf(ErrArithmetic, "range %d+%d too large", off, n)
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, int64(off)); err != nil {
		if err == io.EOF {
			return nil, malformed("short read at %d", off)
		}
		return nil, err
	}
	return buf, nil
}
