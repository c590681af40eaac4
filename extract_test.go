package partialzip

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snabb/partialzip/internal/testutil"
	"github.com/snabb/partialzip/internal/zipfmt"
)

func openMem(t *testing.T, data []byte, opts Options) (*Archive, *memTransport) {
	t.Helper()
	mt := &memTransport{data: data}
	a, err := OpenWithTransport(testURL, mt, opts)
	require.NoError(t, err)
	mt.fetches = nil
	return a, mt
}

// patchCentral overwrites a 32-bit field of the i-th central directory
// header.
func patchCentral(data []byte, i int, field int, v uint32) {
	eocd := len(data) - zipfmt.EOCDLen
	off := int(binary.LittleEndian.Uint32(data[eocd+16:]))
	for ; i > 0; i-- {
		h, _ := zipfmt.ParseCentral(data[off:])
		off += zipfmt.CentralLen + h.VariableLen()
	}
	binary.LittleEndian.PutUint32(data[off+field:], v)
}

func TestExtractMethods(t *testing.T) {
	long := strings.Repeat("the quick brown fox ", 500)
	data := testutil.Zip(t, "",
		testutil.Stored("stored.txt", "AAAA\n"),
		testutil.Deflated("deflate.txt", long),
		testutil.Zstded("zstd.txt", long),
		testutil.Stored("empty", ""),
	)
	a, mt := openMem(t, data, DefaultOptions())

	for name, want := range map[string]string{
		"stored.txt":  "AAAA\n",
		"deflate.txt": long,
		"zstd.txt":    long,
		"empty":       "",
	} {
		mt.fetches = nil
		var buf bytes.Buffer
		n, err := a.DownloadTo(name, &buf)
		require.NoError(t, err, name)
		assert.Equal(t, int64(len(want)), n, name)
		assert.Equal(t, want, buf.String(), name)

		e, err := a.Entry(name)
		require.NoError(t, err)
		wantFetches := 2
		if e.CompressedSize == 0 {
			wantFetches = 1
		}
		assert.Len(t, mt.fetches, wantFetches, "%s: local header and payload", name)
	}
}

func TestExtractFetchesExactPayload(t *testing.T) {
	data := testutil.Zip(t, "", testutil.Stored("a", "0123456789"))
	a, mt := openMem(t, data, DefaultOptions())

	_, err := a.Download("a")
	require.NoError(t, err)
	require.Len(t, mt.fetches, 2)

	header := mt.fetches[0]
	assert.Equal(t, [2]uint64{0, zipfmt.LocalLen - 1}, header)

	e, _ := a.Entry("a")
	payload := mt.fetches[1]
	assert.Equal(t, e.CompressedSize, payload[1]-payload[0]+1)
}

func TestExtractChunked(t *testing.T) {
	data := testutil.Zip(t, "", testutil.Stored("a", "0123456789"))
	opts := DefaultOptions()
	opts.ChunkSize = 4
	a, mt := openMem(t, data, opts)

	got, err := a.Download("a")
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))

	require.Len(t, mt.fetches, 4)
	var sizes []uint64
	for _, f := range mt.fetches[1:] {
		sizes = append(sizes, f[1]-f[0]+1)
	}
	assert.Equal(t, []uint64{4, 4, 2}, sizes)
}

func TestExtractUnsupportedMethodBeforeNetwork(t *testing.T) {
	data := testutil.Zip(t, "", testutil.RawFile("a.ppmd", "whatever", 99, 0, 0))
	a, mt := openMem(t, data, DefaultOptions())

	_, err := a.Download("a.ppmd")
	var uce *UnsupportedCompressionError
	require.True(t, errors.As(err, &uce), "err = %v", err)
	assert.Equal(t, uint16(99), uce.Method)
	assert.EqualError(t, err, "99 is a unsupported compression")
	assert.Empty(t, mt.fetches)
}

func TestExtractEncrypted(t *testing.T) {
	data := testutil.Zip(t, "", testutil.RawFile("secret", "xxxx", 0, zipfmt.FlagEncrypted, 0))
	a, mt := openMem(t, data, DefaultOptions())

	_, err := a.Download("secret")
	assert.True(t, errors.Is(err, ErrEncrypted), "err = %v", err)
	assert.Empty(t, mt.fetches)
}

func TestDownloadToFileChecksBeforeCreating(t *testing.T) {
	data := testutil.Zip(t, "",
		testutil.RawFile("a.ppmd", "whatever", 99, 0, 0),
		testutil.RawFile("secret", "xxxx", 0, zipfmt.FlagEncrypted, 0),
	)
	a, mt := openMem(t, data, DefaultOptions())
	dir := t.TempDir()

	existing := filepath.Join(dir, "existing")
	require.NoError(t, os.WriteFile(existing, []byte("precious"), 0o644))
	_, err := a.DownloadToFile("a.ppmd", existing)
	var uce *UnsupportedCompressionError
	assert.True(t, errors.As(err, &uce), "err = %v", err)
	_, err = a.DownloadToFile("secret", existing)
	assert.True(t, errors.Is(err, ErrEncrypted), "err = %v", err)
	content, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "precious", string(content))

	fresh := filepath.Join(dir, "fresh")
	_, err = a.DownloadToFile("secret", fresh)
	assert.True(t, errors.Is(err, ErrEncrypted))
	assert.NoFileExists(t, fresh)
	assert.Empty(t, mt.fetches)
}

func TestDownloadToFileRemovesOnlyCreatedFile(t *testing.T) {
	data := testutil.Zip(t, "", testutil.RawFile("a", "AAAA\n", 0, 0, 12345))
	a, _ := openMem(t, data, DefaultOptions())
	dir := t.TempDir()

	fresh := filepath.Join(dir, "fresh")
	_, err := a.DownloadToFile("a", fresh)
	assert.True(t, errors.Is(err, ErrChecksum), "err = %v", err)
	assert.NoFileExists(t, fresh)

	existing := filepath.Join(dir, "existing")
	require.NoError(t, os.WriteFile(existing, []byte("precious"), 0o644))
	_, err = a.DownloadToFile("a", existing)
	assert.True(t, errors.Is(err, ErrChecksum), "err = %v", err)
	assert.FileExists(t, existing)
}

func TestExtractNotFound(t *testing.T) {
	data := testutil.Zip(t, "", testutil.Stored("a", "a"))
	a, mt := openMem(t, data, DefaultOptions())

	_, err := a.Download("b")
	assert.True(t, errors.Is(err, ErrFileNotFound))
	assert.Empty(t, mt.fetches)
}

func TestExtractChecksum(t *testing.T) {
	data := testutil.Zip(t, "", testutil.RawFile("a", "AAAA\n", 0, 0, 12345))
	a, _ := openMem(t, data, DefaultOptions())

	_, err := a.Download("a")
	assert.True(t, errors.Is(err, ErrChecksum), "err = %v", err)
}

func TestExtractSizeMismatch(t *testing.T) {
	data := testutil.Zip(t, "", testutil.RawFile("a", "AAAA\n", 0, 0, 0))
	// Stored payloads are 5 bytes, claim 3 decompressed.
	patchCentral(data, 0, 24, 3)
	a, _ := openMem(t, data, DefaultOptions())

	var buf bytes.Buffer
	n, err := a.DownloadTo("a", &buf)
	var ce *CodecError
	assert.True(t, errors.As(err, &ce), "err = %v", err)
	assert.Equal(t, int64(4), n, "output is cut one byte past the recorded size")
}

func TestExtractCorruptDeflate(t *testing.T) {
	data := testutil.Zip(t, "", testutil.RawFile("a", "\xff\xff\xff\xff", uint16(Deflate), 0, 0))
	a, _ := openMem(t, data, DefaultOptions())

	_, err := a.Download("a")
	var ce *CodecError
	require.True(t, errors.As(err, &ce), "err = %v", err)
	assert.Equal(t, Deflate, ce.Method)
}

func TestExtractBadLocalHeader(t *testing.T) {
	data := testutil.Zip(t, "", testutil.Stored("a", "a"))
	data[0] = 'X'
	a, _ := openMem(t, data, DefaultOptions())

	_, err := a.Download("a")
	assert.True(t, errors.Is(err, ErrMalformedArchive), "err = %v", err)
}

func TestExtractTransportErrorIsNotCodecError(t *testing.T) {
	data := testutil.Zip(t, "", testutil.Deflated("a", strings.Repeat("x", 1000)))
	a, mt := openMem(t, data, DefaultOptions())
	mt.err = &TransportError{Op: "fetch", URL: testURL, Err: io.ErrClosedPipe}

	_, err := a.Download("a")
	var te *TransportError
	var ce *CodecError
	assert.True(t, errors.As(err, &te), "err = %v", err)
	assert.False(t, errors.As(err, &ce))
}

type failingWriter struct{ err error }

func (w failingWriter) Write([]byte) (int, error) { return 0, w.err }

func TestExtractSinkError(t *testing.T) {
	data := testutil.Zip(t, "", testutil.Stored("a", "AAAA\n"))
	a, _ := openMem(t, data, DefaultOptions())

	sinkErr := errors.New("disk full")
	_, err := a.DownloadTo("a", failingWriter{sinkErr})
	assert.Equal(t, sinkErr, err)
}

func crc(s string) uint32 { return crc32.ChecksumIEEE([]byte(s)) }

type upperCodec struct{}

func (upperCodec) NewReader(m Method, r io.Reader) (io.ReadCloser, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(strings.ToUpper(string(b)))), nil
}

func TestSetCodec(t *testing.T) {
	data := testutil.Zip(t, "", testutil.RawFile("a", "abcd", 0, 0, crc("ABCD")))
	a, _ := openMem(t, data, DefaultOptions())
	a.SetCodec(upperCodec{})

	got, err := a.Download("a")
	require.NoError(t, err)
	assert.Equal(t, "ABCD", string(got))
}

func TestDecompress(t *testing.T) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = io.WriteString(fw, "hello hello hello")
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	out, err := Decompress(DefaultCodec, Deflate, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "hello hello hello", string(out))

	out, err = Decompress(DefaultCodec, Stored, []byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, "raw", string(out))

	_, err = Decompress(DefaultCodec, Method(14), []byte("lzma"))
	var uce *UnsupportedCompressionError
	assert.True(t, errors.As(err, &uce))

	_, err = Decompress(DefaultCodec, Zstd, []byte("not zstd"))
	var ce *CodecError
	assert.True(t, errors.As(err, &ce))
}

func TestListDetailed(t *testing.T) {
	data := testutil.Zip(t, "",
		testutil.Stored("a", "a"),
		testutil.RawFile("b", "b", 99, 0, 0),
	)
	a, mt := openMem(t, data, DefaultOptions())

	got := a.ListDetailed()
	require.Len(t, got, 2)
	assert.Len(t, mt.fetches, 2, "one local header per entry")

	assert.Equal(t, "a", got[0].Name)
	assert.True(t, got[0].Supported)
	assert.Equal(t, "b", got[1].Name)
	assert.False(t, got[1].Supported)

	// The payload of "a" starts after its local header.
	assert.Equal(t, byte('a'), data[got[0].DataOffset])
	assert.Equal(t, byte('b'), data[got[1].DataOffset])

	// Plain listing never touches the network.
	mt.fetches = nil
	assert.Equal(t, []string{"a", "b"}, a.Names())
	assert.Len(t, a.Entries(), 2)
	assert.Empty(t, mt.fetches)
}

func TestListDetailedSkipsBrokenHeader(t *testing.T) {
	data := testutil.Zip(t, "", testutil.Stored("a", "a"), testutil.Stored("b", "b"))
	data[0] = 'X'

	var warnings []Warning
	opts := DefaultOptions()
	opts.OnWarning = func(w Warning) { warnings = append(warnings, w) }
	a, _ := openMem(t, data, opts)

	got := a.ListDetailed()
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Name)
	require.Len(t, warnings, 1)
	assert.Equal(t, 0, warnings[0].Index)
}
