package partialzip

import (
	"bytes"
	"compress/bzip2"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Codec turns a compressed member payload into its decompressed content.
type Codec interface {
	NewReader(m Method, r io.Reader) (io.ReadCloser, error)
}

// DefaultCodec handles the stored, deflate, bzip2 and zstd methods.
var DefaultCodec Codec = defaultCodec{}

type defaultCodec struct{}

func (defaultCodec) NewReader(m Method, r io.Reader) (io.ReadCloser, error) {
	switch m {
	case Stored:
		return io.NopCloser(r), nil
	case Deflate:
		return flate.NewReader(r), nil
	case BZIP2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	case Zstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	}
	return nil, &UnsupportedCompressionError{Method: uint16(m)}
}

// Decompress runs compressed through c and returns the whole output.
// Failures are reported as *CodecError.
func Decompress(c Codec, m Method, compressed []byte) ([]byte, error) {
	rc, err := c.NewReader(m, bytes.NewReader(compressed))
	if err != nil {
		return nil, codecError(m, err)
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		return nil, codecError(m, err)
	}
	return out, nil
}

func codecError(m Method, err error) error {
	var uce *UnsupportedCompressionError
	var ce *CodecError
	if errors.As(err, &uce) || errors.As(err, &ce) {
		return err
	}
	return &CodecError{Method: m, Err: err}
}
