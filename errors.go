package partialzip

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidURL is returned if the URL can not be parsed or uses a scheme
// other than http, https, ftp or file. It is detected before any network
// activity.
var ErrInvalidURL = errors.New("invalid URL")

// ErrFileNotFound is returned if the requested member is not in the
// central directory of the archive.
var ErrFileNotFound = errors.New("file not found")

// ErrRangeNotSupported is returned if range checking was requested and the
// resource can not serve partial content.
var ErrRangeNotSupported = errors.New("range request not supported")

// ErrMalformedArchive is returned when a ZIP record has a bad signature, is
// truncated or carries lengths and offsets that point outside the resource.
var ErrMalformedArchive = errors.New("malformed archive")

// ErrArithmetic is returned when offset or size arithmetic would overflow or
// underflow. Values are never silently wrapped.
var ErrArithmetic = errors.New("arithmetic overflow")

// ErrInvalidSeek is returned for seeks to a negative or overflowing position.
var ErrInvalidSeek = errors.New("invalid seek to a negative or overflowing position")

// ErrTooManyRedirects is returned when a redirect chain is longer than
// Options.MaxRedirects.
var ErrTooManyRedirects = errors.New("too many redirects")

// ErrValidationFailed error is returned if the resource changed under
// our feet: the total length, ETag or Last-Modified reported by the server
// differs from what the size probe saw.
var ErrValidationFailed = errors.New("validation failed")

// ErrEncrypted is returned when extracting an encrypted member.
var ErrEncrypted = errors.New("encrypted members are not supported")

// ErrChecksum is returned if the CRC-32 of the extracted data does not match
// the central directory.
var ErrChecksum = errors.New("checksum mismatch")

// UnsupportedCompressionError is returned when a member uses a compression
// method other than stored, deflate, bzip2 or zstd.
type UnsupportedCompressionError struct {
	Method uint16
}

func (e *UnsupportedCompressionError) Error() string {
	return fmt.Sprintf("%d is a unsupported compression", e.Method)
}

// TransportError wraps a failure of the underlying transport.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int // 0 if there was no HTTP response
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CodecError wraps a decompression failure.
type CodecError struct {
	Method Method
	Err    error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s decompression error: %v", e.Method, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformedArchive, format, args...)
}
