package partialzip

import (
	"net/url"

	"github.com/pkg/errors"
	"go.uber.org/ratelimit"
)

// RangeTransport fetches byte ranges of a single remote resource. Ranges are
// inclusive on both ends. Implementations are bound to one URL and one set
// of Options when they are created.
type RangeTransport interface {
	// ProbeSize returns the total length of the resource without
	// transferring its body.
	ProbeSize() (uint64, error)

	// FetchRange returns the bytes [start, end]. It may return fewer bytes
	// than requested.
	FetchRange(start, end uint64) ([]byte, error)

	// FetchExact requests the single byte at first and reports whether the
	// resource answered with partial content. If the range was ignored,
	// data holds at most a few bytes of the full body.
	FetchExact(first uint64) (data []byte, partial bool, err error)
}

var supportedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"ftp":   true,
	"file":  true,
}

// ValidURL reports whether rawURL parses and uses one of the supported
// schemes: http, https, ftp or file.
func ValidURL(rawURL string) bool {
	_, err := parseURL(rawURL)
	return err == nil
}

func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidURL, err.Error())
	}
	if !supportedSchemes[u.Scheme] {
		return nil, errors.Wrapf(ErrInvalidURL, "unsupported scheme %q", u.Scheme)
	}
	if u.Scheme != "file" && u.Host == "" {
		return nil, errors.Wrap(ErrInvalidURL, "missing host")
	}
	return u, nil
}

// NewTransport returns the RangeTransport for the scheme of rawURL. No
// network activity happens here.
func NewTransport(rawURL string, opts Options) (RangeTransport, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return newHTTPTransport(u, opts)
	case "ftp":
		return newFTPTransport(u, opts), nil
	default:
		return newFileTransport(u), nil
	}
}

func newLimiter(opts Options) ratelimit.Limiter {
	if opts.RequestsPerSecond <= 0 {
		return ratelimit.NewUnlimited()
	}
	return ratelimit.New(opts.RequestsPerSecond)
}
