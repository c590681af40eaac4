package partialzip

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxRedirects is the default maximum number of HTTP redirects
	// to follow.
	DefaultMaxRedirects = 10

	// DefaultConnectTimeout is the default connection timeout.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultTCPKeepIdle is the default TCP keep-alive idle time before
	// the first probe is sent.
	DefaultTCPKeepIdle = 120 * time.Second

	// DefaultTCPKeepInterval is the default TCP keep-alive probe interval.
	DefaultTCPKeepInterval = 60 * time.Second

	// DefaultChunkSize is the largest single range request made while
	// streaming a member payload.
	DefaultChunkSize = 8 * 1024 * 1024
)

// Credentials holds a user name and password for basic authentication.
type Credentials struct {
	Username string
	Password string
}

// Warning describes a directory entry that was degraded or skipped while
// building the index or listing details.
type Warning struct {
	Index   int    // position in the central directory
	RawName []byte // name bytes as stored in the archive
	Err     error
}

// Options configures Open, NewReader and NewTransport. The zero value is
// not useful, start from DefaultOptions.
type Options struct {
	// CheckRange makes construction fail with ErrRangeNotSupported if the
	// resource does not answer a one byte range request with partial
	// content.
	CheckRange bool

	// MaxRedirects is the maximum number of redirects to follow. Zero
	// disables redirects.
	MaxRedirects int

	// ConnectTimeout bounds connection establishment of every request.
	// Zero means no timeout.
	ConnectTimeout time.Duration

	TCPKeepIdle     time.Duration
	TCPKeepInterval time.Duration

	// BasicAuth, if set, is sent with every request.
	BasicAuth *Credentials

	// Proxy is a proxy URL such as http://proxy:8080 or
	// socks5://proxy:1080. ProxyAuth overrides credentials in the URL.
	Proxy     string
	ProxyAuth *Credentials

	// RequestsPerSecond limits the request rate of a transport. Zero
	// means unlimited.
	RequestsPerSecond int

	// ChunkSize is the largest range fetched at once while streaming a
	// member payload.
	ChunkSize int

	// LegacyNames decodes names that are not valid UTF-8 and do not have
	// the UTF-8 flag set as CP437 instead of leaving them unset.
	LegacyNames bool

	// Logger receives diagnostic events. Nil disables logging.
	Logger *zerolog.Logger

	// OnWarning, if set, is called for every degraded directory entry.
	OnWarning func(Warning)
}

// DefaultOptions returns Options with the default values.
func DefaultOptions() Options {
	return Options{
		MaxRedirects:    DefaultMaxRedirects,
		ConnectTimeout:  DefaultConnectTimeout,
		TCPKeepIdle:     DefaultTCPKeepIdle,
		TCPKeepInterval: DefaultTCPKeepInterval,
		ChunkSize:       DefaultChunkSize,
	}
}

// Validate reports the first nonsensical value.
func (o Options) Validate() error {
	switch {
	case o.MaxRedirects < 0:
		return errors.Errorf("negative max redirects: %d", o.MaxRedirects)
	case o.ConnectTimeout < 0:
		return errors.Errorf("negative connect timeout: %s", o.ConnectTimeout)
	case o.TCPKeepIdle < 0 || o.TCPKeepInterval < 0:
		return errors.New("negative tcp keep-alive duration")
	case o.RequestsPerSecond < 0:
		return errors.Errorf("negative request rate: %d", o.RequestsPerSecond)
	case o.ChunkSize <= 0:
		return errors.Errorf("chunk size must be positive: %d", o.ChunkSize)
	}
	return nil
}

func (o Options) logger(component string) zerolog.Logger {
	if o.Logger == nil {
		return zerolog.Nop()
	}
	return o.Logger.With().Str("component", component).Logger()
}

func (o Options) warn(log zerolog.Logger, w Warning) {
	log.Warn().
		Err(w.Err).
		Int("index", w.Index).
		Bytes("raw_name", w.RawName).
		Msg("degraded directory entry")
	if o.OnWarning != nil {
		o.OnWarning(w)
	}
}
