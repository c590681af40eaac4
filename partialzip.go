// Package partialzip lists and extracts single members of ZIP archives that
// live on HTTP(S), FTP or file URLs without downloading the whole archive.
//
// Opening an archive costs a size probe and two range requests for the end
// of central directory record and the central directory. Extracting a
// member fetches its local file header and then exactly its compressed
// payload, which is decompressed on the fly.
//
//	a, err := partialzip.Open("https://example.com/release.zip", partialzip.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	_, err = a.DownloadTo("release/README", os.Stdout)
package partialzip

import (
	"archive/zip"
	"bufio"
	"bytes"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	bufra "github.com/avvmoto/buf-readerat"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Archive is an opened remote ZIP archive. The central directory is read
// once by Open and kept in memory. Archive is safe for concurrent use; all
// network access is serialised on one Reader.
type Archive struct {
	mu    sync.Mutex
	opts  Options
	r     *Reader
	index *Index
	x     *extractor
	log   zerolog.Logger
}

// DetailedEntry is an Entry whose local file header has been fetched.
type DetailedEntry struct {
	Entry
	Supported  bool   // the compression method can be extracted
	DataOffset uint64 // absolute offset of the payload
}

// Member is a downloaded member.
type Member struct {
	Name    string
	Content []byte
}

// Open validates rawURL, probes the resource and reads the central
// directory.
func Open(rawURL string, opts Options) (*Archive, error) {
	r, err := NewReader(rawURL, opts)
	if err != nil {
		return nil, err
	}
	return open(r, opts)
}

// OpenWithTransport is like Open but uses the supplied transport.
func OpenWithTransport(rawURL string, t RangeTransport, opts Options) (*Archive, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	r, err := NewReaderWithTransport(rawURL, t, opts)
	if err != nil {
		return nil, err
	}
	return open(r, opts)
}

func open(r *Reader, opts Options) (*Archive, error) {
	ix, err := BuildIndex(r, opts)
	if err != nil {
		return nil, err
	}
	a := &Archive{
		opts:  opts,
		r:     r,
		index: ix,
		log:   opts.logger("archive"),
	}
	a.x = &extractor{
		r:     r,
		codec: DefaultCodec,
		chunk: opts.ChunkSize,
		log:   opts.logger("extract"),
	}
	a.log.Debug().Str("url", r.URL()).Int("entries", ix.Len()).Msg("opened archive")
	return a, nil
}

// SetCodec replaces the codec used for decompression.
func (a *Archive) SetCodec(c Codec) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.x.codec = c
}

// URL returns the URL of the archive.
func (a *Archive) URL() string { return a.r.URL() }

// Size returns the size of the whole archive.
func (a *Archive) Size() uint64 { return a.r.Size() }

// Names returns the member names in directory order. No network access.
func (a *Archive) Names() []string { return a.index.Names() }

// Entries returns the central directory entries. No network access.
func (a *Archive) Entries() []Entry { return a.index.Entries() }

// Entry returns the first entry called name.
func (a *Archive) Entry(name string) (Entry, error) { return a.index.Find(name) }

// ListDetailed fetches the local file header of every entry, one request
// each, and reports where each payload starts. Entries whose header can
// not be read are skipped and reported through Options.OnWarning.
func (a *Archive) ListDetailed() []DetailedEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := a.index.Entries()
	out := make([]DetailedEntry, 0, len(entries))
	for i, e := range entries {
		off, err := a.x.dataOffset(e)
		if err != nil {
			a.opts.warn(a.log, Warning{Index: i, RawName: e.RawName, Err: err})
			continue
		}
		out = append(out, DetailedEntry{
			Entry:      e,
			Supported:  e.Method.Supported(),
			DataOffset: off,
		})
	}
	return out
}

// DownloadTo writes the decompressed content of the member to w and
// returns the number of bytes written. Content is streamed; memory use
// does not depend on the member size.
func (a *Archive) DownloadTo(name string, w io.Writer) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.x.extract(a.index, name, w)
}

// Download returns the decompressed content of the member. The whole
// member is held in memory; prefer DownloadTo or DownloadToFile for large
// members.
func (a *Archive) Download(name string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := a.DownloadTo(name, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DownloadToFile writes the member to the file at outPath, which is created
// or truncated. The member is looked up and checked before outPath is
// touched. If the extraction fails a file created by this call is removed;
// a file that existed before is left in place.
func (a *Archive) DownloadToFile(name, outPath string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, err := a.index.Find(name)
	if err != nil {
		return 0, err
	}
	if err := extractable(e); err != nil {
		return 0, err
	}

	_, err = os.Lstat(outPath)
	created := os.IsNotExist(err)
	f, err := os.Create(outPath)
	if err != nil {
		return 0, err
	}
	bw := bufio.NewWriter(f)
	n, err := a.x.extractEntry(e, bw)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if created {
			os.Remove(outPath)
		}
		return n, err
	}
	return n, nil
}

// DownloadToStore extracts the member into s.
func (a *Archive) DownloadToStore(name string, s Store) (int64, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := a.DownloadTo(name, pw)
		pw.CloseWithError(err)
		done <- err
	}()
	n, err := s.ReadFrom(pr)
	pr.CloseWithError(errors.New("store stopped reading"))
	xerr := <-done
	if err != nil {
		return n, err
	}
	return n, xerr
}

// DownloadMultiple downloads the members one after another over the same
// connection. The first failure aborts and nothing is returned.
func (a *Archive) DownloadMultiple(names []string) ([]Member, error) {
	out := make([]Member, 0, len(names))
	for _, name := range names {
		content, err := a.Download(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Member{Name: name, Content: content})
	}
	return out, nil
}

// DownloadMultipleToDir writes the members to dir, streaming each to disk.
// Only the last path element of a member name is used as file name. It
// returns the total number of bytes written and stops at the first failure.
func (a *Archive) DownloadMultipleToDir(names []string, dir string) (int64, error) {
	var total int64
	for _, name := range names {
		base := path.Base(name)
		if base == "/" || base == "." || base == ".." {
			return total, errors.Errorf("no file name in %q", name)
		}
		n, err := a.DownloadToFile(name, filepath.Join(dir, base))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReaderAt returns an io.ReaderAt over the raw archive bytes that shares
// the connection of a. Every ReadAt is serialised with other operations.
func (a *Archive) ReaderAt() io.ReaderAt {
	return archiveReaderAt{a}
}

// ZipReader returns an archive/zip reader over the same resource. Reads
// are buffered in blocks of bufSize bytes, which saves round trips when
// archive/zip reads small records.
func (a *Archive) ZipReader(bufSize int) (*zip.Reader, error) {
	if a.Size() > uint64(1<<63-1) {
		return nil, errors.Wrap(ErrArithmetic, "archive too large for archive/zip")
	}
	return zip.NewReader(bufra.NewBufReaderAt(a.ReaderAt(), bufSize), int64(a.Size()))
}

type archiveReaderAt struct{ a *Archive }

func (ra archiveReaderAt) ReadAt(p []byte, off int64) (int, error) {
	ra.a.mu.Lock()
	defer ra.a.mu.Unlock()
	return ra.a.r.ReadAt(p, off)
}
