package partialzip

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Store receives extracted member content and lets it be read back at
// random offsets. Stores must be Close()d when no longer used.
type Store interface {
	io.ReaderFrom
	io.ReaderAt
	io.Closer
	Size() int64
}

// ErrStoreLimit is returned when a LimitedStore without fallback fills up.
var ErrStoreLimit = errors.New("store limit reached")

// NewDefaultStore creates a Store with default settings. It keeps up to
// 1 MB in memory and if that is exceeded, up to 1 GB in a temporary file.
func NewDefaultStore() Store {
	return NewLimitedStore(
		NewStoreMemory(), 1024*1024, NewLimitedStore(
			NewStoreFile(), 1024*1024*1024, nil))
}

// StoreFile keeps content in a temporary file that is removed on Close.
type StoreFile struct {
	tmpfile *os.File
	size    int64
}

var _ Store = (*StoreFile)(nil)

func NewStoreFile() *StoreFile {
	return &StoreFile{}
}

func (s *StoreFile) ReadFrom(r io.Reader) (n int64, err error) {
	if s.tmpfile == nil {
		s.tmpfile, err = os.CreateTemp("", "partialzip-*")
		if err != nil {
			return 0, errors.Wrap(err, "creating store file")
		}
	}
	n, err = io.Copy(s.tmpfile, r)
	s.size += n
	return n, err
}

func (s *StoreFile) ReadAt(p []byte, off int64) (n int, err error) {
	if s.tmpfile == nil {
		return 0, io.EOF
	}
	return s.tmpfile.ReadAt(p, off)
}

func (s *StoreFile) Size() int64 {
	return s.size
}

// Close deletes the temporary file.
func (s *StoreFile) Close() error {
	if s.tmpfile == nil {
		return nil
	}
	name := s.tmpfile.Name()
	err := s.tmpfile.Close()
	err2 := os.Remove(name)
	s.tmpfile = nil
	s.size = 0

	if err == nil && err2 != nil {
		err = err2
	}
	return err
}

// StoreMemory keeps content in memory.
type StoreMemory struct {
	buf bytes.Buffer
}

var _ Store = (*StoreMemory)(nil)

func NewStoreMemory() *StoreMemory {
	return &StoreMemory{}
}

func (s *StoreMemory) ReadFrom(r io.Reader) (n int64, err error) {
	return s.buf.ReadFrom(r)
}

func (s *StoreMemory) ReadAt(p []byte, off int64) (n int, err error) {
	return bytes.NewReader(s.buf.Bytes()).ReadAt(p, off)
}

func (s *StoreMemory) Size() int64 {
	return int64(s.buf.Len())
}

// Bytes returns the stored content. It is valid until the next write.
func (s *StoreMemory) Bytes() []byte {
	return s.buf.Bytes()
}

// Close may be called but it is not necessary.
func (s *StoreMemory) Close() error {
	s.buf.Reset()
	return nil
}

// LimitedStore writes to one Store until limit bytes have been written,
// then moves everything to fallback and continues there.
type LimitedStore struct {
	s        Store
	limit    int64
	fallback Store
	fellback bool
}

var _ Store = (*LimitedStore)(nil)

func NewLimitedStore(s Store, limit int64, fallback Store) *LimitedStore {
	return &LimitedStore{
		s:        s,
		limit:    limit,
		fallback: fallback,
	}
}

func (s *LimitedStore) ReadFrom(r io.Reader) (n int64, err error) {
	if s.fellback {
		return s.s.ReadFrom(r)
	}

	before := s.s.Size()
	n, err = s.s.ReadFrom(io.LimitReader(r, s.limit))
	if err != nil || n < s.limit {
		s.limit -= n
		return n, err
	}

	// The limit was hit; more may follow in r.
	if s.fallback == nil {
		var probe [1]byte
		if m, _ := r.Read(probe[:]); m == 0 {
			s.limit = 0
			return n, nil
		}
		return n, ErrStoreLimit
	}

	moved, err := s.fallback.ReadFrom(io.MultiReader(
		io.NewSectionReader(s.s, 0, before+n), r))
	s.s.Close()
	s.s = s.fallback
	s.fellback = true

	return moved - before, err
}

func (s *LimitedStore) ReadAt(p []byte, off int64) (n int, err error) {
	return s.s.ReadAt(p, off)
}

func (s *LimitedStore) Size() int64 {
	return s.s.Size()
}

func (s *LimitedStore) Close() error {
	return s.s.Close()
}
