package partialzip

import (
	"io"
	"math"
	"net"
	"net/url"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"
)

// ftpTransport reads ranges with REST+RETR. A fresh control connection is
// used per request because aborting a transfer midway leaves the control
// connection in an unreliable state on many servers.
type ftpTransport struct {
	url      string
	addr     string
	path     string
	user     string
	password string
	dialer   *net.Dialer
	limiter  ratelimit.Limiter
	log      zerolog.Logger

	dial func() (ftpConn, error)
}

// ftpConn is the part of *ftp.ServerConn the transport uses.
type ftpConn interface {
	FileSize(path string) (int64, error)
	RetrFrom(path string, offset uint64) (*ftp.Response, error)
	Quit() error
}

var (
	_ RangeTransport = (*ftpTransport)(nil)
	_ ftpConn        = (*ftp.ServerConn)(nil)
)

func newFTPTransport(u *url.URL, opts Options) *ftpTransport {
	t := &ftpTransport{
		url:      u.Redacted(),
		addr:     u.Host,
		path:     u.Path,
		user:     "anonymous",
		password: "anonymous",
		dialer: &net.Dialer{
			Timeout: opts.ConnectTimeout,
			KeepAliveConfig: net.KeepAliveConfig{
				Enable:   true,
				Idle:     opts.TCPKeepIdle,
				Interval: opts.TCPKeepInterval,
			},
		},
		limiter: newLimiter(opts),
		log:     opts.logger("ftp"),
	}
	if u.Port() == "" {
		t.addr = net.JoinHostPort(u.Hostname(), "21")
	}
	if u.User != nil {
		t.user = u.User.Username()
		t.password, _ = u.User.Password()
	}
	if opts.BasicAuth != nil {
		t.user, t.password = opts.BasicAuth.Username, opts.BasicAuth.Password
	}
	t.dial = t.login
	return t
}

func (t *ftpTransport) login() (ftpConn, error) {
	c, err := ftp.Dial(t.addr,
		ftp.DialWithTimeout(t.dialer.Timeout),
		ftp.DialWithDialFunc(t.dialer.Dial))
	if err != nil {
		return nil, err
	}
	if err := c.Login(t.user, t.password); err != nil {
		c.Quit()
		return nil, err
	}
	return c, nil
}

func (t *ftpTransport) connect(op string) (ftpConn, error) {
	t.limiter.Take()
	c, err := t.dial()
	if err != nil {
		return nil, &TransportError{Op: op, URL: t.url, Err: err}
	}
	return c, nil
}

func (t *ftpTransport) ProbeSize() (uint64, error) {
	c, err := t.connect("probe")
	if err != nil {
		return 0, err
	}
	defer c.Quit()
	size, err := c.FileSize(t.path)
	if err != nil {
		return 0, &TransportError{Op: "probe", URL: t.url, Err: err}
	}
	if size < 0 {
		return 0, &TransportError{Op: "probe", URL: t.url, Err: errors.New("invalid content length")}
	}
	return uint64(size), nil
}

func (t *ftpTransport) FetchRange(start, end uint64) ([]byte, error) {
	if end < start || end-start >= uint64(math.MaxInt) {
		return nil, errors.Wrapf(ErrArithmetic, "invalid range %d-%d", start, end)
	}
	t.log.Trace().Uint64("start", start).Uint64("end", end).Msg("range request")
	return t.retr("fetch", start, int(end-start)+1)
}

// FetchExact treats a successful REST as partial content. A server that
// refuses REST or the RETR following it can not serve ranges.
func (t *ftpTransport) FetchExact(first uint64) ([]byte, bool, error) {
	const op = "check range"
	c, err := t.connect(op)
	if err != nil {
		return nil, false, err
	}
	defer c.Quit()

	resp, err := c.RetrFrom(t.path, first)
	if err != nil {
		t.log.Debug().Err(err).Msg("REST refused")
		return nil, false, errors.Wrap(ErrRangeNotSupported, err.Error())
	}
	data, err := t.read(op, resp, 1)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (t *ftpTransport) retr(op string, off uint64, n int) ([]byte, error) {
	c, err := t.connect(op)
	if err != nil {
		return nil, err
	}
	defer c.Quit()

	resp, err := c.RetrFrom(t.path, off)
	if err != nil {
		return nil, &TransportError{Op: op, URL: t.url, Err: err}
	}
	return t.read(op, resp, n)
}

func (t *ftpTransport) read(op string, resp *ftp.Response, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(resp, buf)
	// Closing an unfinished transfer reports the abort; the data is fine.
	resp.Close()
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, &TransportError{Op: op, URL: t.url, Err: err}
	}
	return buf[:read], nil
}
