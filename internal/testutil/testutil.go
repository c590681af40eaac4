// Package testutil builds ZIP archives in memory and serves them over HTTP
// for tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"hash/crc32"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Zstd is the ZIP method code of Zstandard.
const Zstd = 93

// File is one member of a test archive.
type File struct {
	Name   string
	Body   string
	Method uint16

	// Raw writes Body as the payload untouched, with the header fields
	// below instead of computed ones.
	Raw   bool
	Flags uint16
	CRC32 uint32
}

// Stored returns an uncompressed member.
func Stored(name, body string) File { return File{Name: name, Body: body, Method: zip.Store} }
// Deflated returns a deflate compressed member.
func Deflated(name, body string) File { return File{Name: name, Body: body, Method: zip.Deflate} }
// Zstded returns a Zstandard compressed member.
func Zstded(name, body string) File { return File{Name: name, Body: body, Method: Zstd} }

// RawFile writes body as the payload of a member with the given method and
// flags. The CRC-32 is that of body unless crc is non-zero.
func RawFile(name, body string, method, flags uint16, crc uint32) File {
	if crc == 0 {
		crc = crc32.ChecksumIEEE([]byte(body))
	}
	return File{Name: name, Body: body, Method: method, Raw: true, Flags: flags, CRC32: crc}
}

// ModTime is the timestamp of every generated member.
var ModTime = time.Date(2021, time.March, 4, 10, 20, 30, 0, time.UTC)

// Zip returns an archive holding files in order, with comment as archive
// comment.
func Zip(tb testing.TB, comment string, files ...File) []byte {
	tb.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	w.RegisterCompressor(Zstd, func(out io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(out)
	})
	for _, f := range files {
		var (
			fw  io.Writer
			err error
		)
		if f.Raw {
			fw, err = w.CreateRaw(&zip.FileHeader{
				Name:               f.Name,
				Method:             f.Method,
				Flags:              f.Flags,
				Modified:           ModTime,
				CRC32:              f.CRC32,
				CompressedSize64:   uint64(len(f.Body)),
				UncompressedSize64: uint64(len(f.Body)),
			})
		} else {
			fw, err = w.CreateHeader(&zip.FileHeader{
				Name:     f.Name,
				Method:   f.Method,
				Modified: ModTime,
			})
		}
		if err != nil {
			tb.Fatalf("creating %q: %v", f.Name, err)
		}
		if _, err := io.WriteString(fw, f.Body); err != nil {
			tb.Fatalf("writing %q: %v", f.Name, err)
		}
	}
	if comment != "" {
		if err := w.SetComment(comment); err != nil {
			tb.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}

// Server serves one archive and records every request it receives.
type Server struct {
	*httptest.Server

	data        []byte
	ignoreRange atomic.Bool

	mu       sync.Mutex
	requests []*http.Request
}

// NewServer serves data at every path with range support. Close it when
// done.
func NewServer(data []byte) *Server {
	s := &Server{data: data}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// IgnoreRange makes the server answer every GET with the full body and a
// 200 status. Validators stay the same.
func (s *Server) IgnoreRange(v bool) { s.ignoreRange.Store(v) }

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Clone(r.Context()))
	s.mu.Unlock()

	if s.ignoreRange.Load() && r.Method == http.MethodGet {
		w.Header().Set("Last-Modified", ModTime.UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
		w.WriteHeader(http.StatusOK)
		w.Write(s.data)
		return
	}
	http.ServeContent(w, r, "archive.zip", ModTime, bytes.NewReader(s.data))
}

// Requests returns the requests received so far.
func (s *Server) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.requests...)
}

// Count returns the number of requests received so far.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Ranges returns the Range headers of the GET requests received so far.
func (s *Server) Ranges() []string {
	var out []string
	for _, r := range s.Requests() {
		if r.Method == http.MethodGet {
			out = append(out, r.Header.Get("Range"))
		}
	}
	return out
}

// ArchiveURL returns the URL of the archive.
func (s *Server) ArchiveURL() string { return s.URL + "/archive.zip" }
