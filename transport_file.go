package partialzip

import (
	"io"
	"math"
	"net/url"
	"os"

	"github.com/pkg/errors"
)

// fileTransport serves file:// URLs from the local file system. Local
// files have no notion of partial content, so FetchExact never reports it.
type fileTransport struct {
	url  string
	path string
}

var _ RangeTransport = (*fileTransport)(nil)

func newFileTransport(u *url.URL) *fileTransport {
	return &fileTransport{url: u.String(), path: u.Path}
}

func (t *fileTransport) ProbeSize() (uint64, error) {
	fi, err := os.Stat(t.path)
	if err != nil {
		return 0, &TransportError{Op: "probe", URL: t.url, Err: err}
	}
	if !fi.Mode().IsRegular() {
		return 0, &TransportError{Op: "probe", URL: t.url, Err: errors.New("not a regular file")}
	}
	return uint64(fi.Size()), nil
}

func (t *fileTransport) FetchRange(start, end uint64) ([]byte, error) {
	if end < start || end > math.MaxInt64 || end-start >= uint64(math.MaxInt) {
		return nil, errors.Wrapf(ErrArithmetic, "invalid range %d-%d", start, end)
	}
	return t.readAt(int64(start), int(end-start)+1)
}

func (t *fileTransport) FetchExact(first uint64) ([]byte, bool, error) {
	if first > math.MaxInt64 {
		return nil, false, errors.Wrapf(ErrArithmetic, "invalid offset %d", first)
	}
	data, err := t.readAt(int64(first), 1)
	return data, false, err
}

func (t *fileTransport) readAt(off int64, n int) ([]byte, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, &TransportError{Op: "fetch", URL: t.url, Err: err}
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, &TransportError{Op: "fetch", URL: t.url, Err: err}
	}
	return buf[:read], nil
}
