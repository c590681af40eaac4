package partialzip

import (
	"hash/crc32"
	"io"
	"math"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/snabb/partialzip/internal/zipfmt"
)

const copyBufferSize = 32 * 1024

// extractor fetches one member at a time through a shared Reader. Each
// extraction walks lookup, header fetch, payload fetch and decompression;
// any step can end it and nothing is retried.
type extractor struct {
	r     *Reader
	codec Codec
	chunk int
	log   zerolog.Logger
}

func (x *extractor) extract(ix *Index, name string, w io.Writer) (int64, error) {
	e, err := ix.Find(name)
	if err != nil {
		return 0, err
	}
	return x.extractEntry(e, w)
}

// extractable rejects members that can not be extracted without fetching
// anything.
func extractable(e Entry) error {
	if !e.Method.Supported() {
		return &UnsupportedCompressionError{Method: uint16(e.Method)}
	}
	if e.Encrypted() {
		return errors.Wrapf(ErrEncrypted, "%q", e.Name)
	}
	return nil
}

func (x *extractor) extractEntry(e Entry, w io.Writer) (int64, error) {
	log := x.log.With().Str("name", e.Name).Logger()

	if err := extractable(e); err != nil {
		return 0, err
	}

	log.Debug().Uint64("offset", e.LocalHeaderOffset).Msg("fetching local header")
	dataOffset, err := x.dataOffset(e)
	if err != nil {
		return 0, err
	}

	log.Debug().
		Uint64("offset", dataOffset).
		Uint64("size", e.CompressedSize).
		Stringer("method", e.Method).
		Msg("fetching payload")
	payload := &payloadReader{
		r:         x.r,
		off:       dataOffset,
		remaining: e.CompressedSize,
		chunk:     uint64(x.chunk),
	}
	rc, err := x.codec.NewReader(e.Method, payload)
	if err != nil {
		return 0, codecError(e.Method, err)
	}
	defer rc.Close()

	// One extra byte of allowance detects output beyond the recorded size.
	limit := int64(math.MaxInt64)
	if e.UncompressedSize < math.MaxInt64 {
		limit = int64(e.UncompressedSize) + 1
	}
	sum := crc32.NewIEEE()
	n, err := io.CopyBuffer(io.MultiWriter(sinkWriter{w}, sum), io.LimitReader(rc, limit),
		make([]byte, copyBufferSize))
	if payload.err != nil {
		return n, payload.err
	}
	if err != nil {
		var we *writeError
		if errors.As(err, &we) {
			return n, we.err
		}
		return n, codecError(e.Method, err)
	}
	if uint64(n) != e.UncompressedSize {
		return n, &CodecError{Method: e.Method, Err: errors.Errorf(
			"size mismatch: got %d bytes, directory says %d", n, e.UncompressedSize)}
	}
	if sum.Sum32() != e.CRC32 {
		return n, errors.Wrapf(ErrChecksum, "%q: got %08x, want %08x", e.Name, sum.Sum32(), e.CRC32)
	}
	log.Debug().Int64("written", n).Msg("extracted")
	return n, nil
}

// dataOffset fetches the local file header of e. Its name and extra field
// lengths may differ from the central directory copy and decide where the
// payload starts.
func (x *extractor) dataOffset(e Entry) (uint64, error) {
	lh, err := x.localHeader(e)
	if err != nil {
		return 0, err
	}
	start, err := addU64(e.LocalHeaderOffset, lh.DataOffset())
	if err != nil {
		return 0, err
	}
	end, err := addU64(start, e.CompressedSize)
	if err != nil {
		return 0, err
	}
	if end > x.r.Size() {
		return 0, malformed("payload %d+%d of %q runs past resource of %d bytes",
			start, e.CompressedSize, e.Name, x.r.Size())
	}
	return start, nil
}

func (x *extractor) localHeader(e Entry) (zipfmt.LocalHeader, error) {
	b, err := x.r.readFullAt(e.LocalHeaderOffset, zipfmt.LocalLen)
	if err != nil {
		return zipfmt.LocalHeader{}, err
	}
	lh, err := zipfmt.ParseLocal(b)
	if err != nil {
		return zipfmt.LocalHeader{}, malformed("%q: %v", e.Name, err)
	}
	return lh, nil
}

// payloadReader feeds the compressed payload to the codec, fetching at most
// chunk bytes per range request. Transport failures are kept in err so
// they are not mistaken for codec errors.
type payloadReader struct {
	r         *Reader
	off       uint64
	remaining uint64
	chunk     uint64
	buf       []byte
	err       error
}

func (p *payloadReader) Read(b []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if len(p.buf) == 0 {
		if p.remaining == 0 {
			return 0, io.EOF
		}
		n := min(p.remaining, p.chunk)
		data, err := p.r.readFullAt(p.off, n)
		if err != nil {
			p.err = err
			return 0, err
		}
		p.off += n
		p.remaining -= n
		p.buf = data
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

// writeError marks failures of the caller's sink.
type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }

type sinkWriter struct{ w io.Writer }

func (s sinkWriter) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, &writeError{err: err}
	}
	return n, nil
}
