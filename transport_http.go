package partialzip

import (
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"
	"golang.org/x/net/proxy"

	"github.com/snabb/partialzip/pkg/contentrange"
)

// httpTransport makes HTTP Range Requests (RFC 7233) against one URL.
type httpTransport struct {
	client  *http.Client
	req     *http.Request
	size    int64 // -1 until probed
	limiter ratelimit.Limiter
	log     zerolog.Logger

	// Validators recorded by ProbeSize.
	etag         string
	lastModified string
}

var _ RangeTransport = (*httpTransport)(nil)

func newHTTPTransport(u *url.URL, opts Options) (*httpTransport, error) {
	dialer := &net.Dialer{
		Timeout: opts.ConnectTimeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     opts.TCPKeepIdle,
			Interval: opts.TCPKeepInterval,
		},
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = dialer.DialContext
	if opts.Proxy != "" {
		if err := configureProxy(tr, dialer, opts); err != nil {
			return nil, err
		}
	}

	maxRedirects := opts.MaxRedirects
	client := &http.Client{
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return errors.Wrapf(ErrTooManyRedirects, "stopped after %d", maxRedirects)
			}
			return nil
		},
	}

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidURL, err.Error())
	}
	if opts.BasicAuth != nil {
		req.SetBasicAuth(opts.BasicAuth.Username, opts.BasicAuth.Password)
	}

	return &httpTransport{
		client:  client,
		req:     req,
		size:    -1,
		limiter: newLimiter(opts),
		log:     opts.logger("http"),
	}, nil
}

func configureProxy(tr *http.Transport, dialer *net.Dialer, opts Options) error {
	pu, err := url.Parse(opts.Proxy)
	if err != nil {
		return errors.Wrap(err, "invalid proxy URL")
	}
	if opts.ProxyAuth != nil {
		pu.User = url.UserPassword(opts.ProxyAuth.Username, opts.ProxyAuth.Password)
	}
	switch pu.Scheme {
	case "http", "https":
		tr.Proxy = http.ProxyURL(pu)
	case "socks5", "socks5h":
		d, err := proxy.FromURL(pu, dialer)
		if err != nil {
			return errors.Wrap(err, "invalid proxy URL")
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return errors.Errorf("proxy dialer for %s does not support contexts", pu.Scheme)
		}
		tr.Proxy = nil
		tr.DialContext = cd.DialContext
	default:
		return errors.Errorf("unsupported proxy scheme %q", pu.Scheme)
	}
	return nil
}

func (t *httpTransport) copyReq(method string) *http.Request {
	out := t.req.Clone(t.req.Context())
	out.Method = method
	out.Body = nil
	out.ContentLength = 0
	return out
}

func (t *httpTransport) do(op string, req *http.Request) (*http.Response, error) {
	t.limiter.Take()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, URL: t.req.URL.Redacted(), Err: err}
	}
	return resp, nil
}

func (t *httpTransport) statusError(op string, resp *http.Response) error {
	return &TransportError{
		Op:         op,
		URL:        t.req.URL.Redacted(),
		StatusCode: resp.StatusCode,
		Err:        errors.New(resp.Status),
	}
}

// ProbeSize issues a HEAD request. Servers that reject HEAD or omit the
// Content-Length are asked for the first byte instead and the length is
// taken from the Content-Range header.
func (t *httpTransport) ProbeSize() (uint64, error) {
	resp, err := t.do("probe", t.copyReq(http.MethodHead))
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK && resp.ContentLength >= 0:
		t.size = resp.ContentLength
		t.etag, t.lastModified = validators(resp)
	case resp.StatusCode == http.StatusOK,
		resp.StatusCode == http.StatusMethodNotAllowed,
		resp.StatusCode == http.StatusNotImplemented:
		size, err := t.probeWithRange()
		if err != nil {
			return 0, err
		}
		t.size = size
	default:
		return 0, t.statusError("probe", resp)
	}
	t.log.Debug().
		Int64("size", t.size).
		Str("etag", t.etag).
		Str("last_modified", t.lastModified).
		Msg("probed resource size")
	return uint64(t.size), nil
}

func validators(resp *http.Response) (etag, lastModified string) {
	return resp.Header.Get("ETag"), resp.Header.Get("Last-Modified")
}

// validate checks that resp comes from the same version of the resource
// that ProbeSize saw. length is the total size resp reports, or -1.
func (t *httpTransport) validate(op string, resp *http.Response, length int64) error {
	if t.size < 0 {
		return nil
	}
	etag, lastModified := validators(resp)
	if (length >= 0 && length != t.size) || etag != t.etag || lastModified != t.lastModified {
		t.log.Debug().
			Int64("length", length).
			Str("etag", etag).
			Str("last_modified", lastModified).
			Msg("resource changed since probe")
		return &TransportError{Op: op, URL: t.req.URL.Redacted(),
			StatusCode: resp.StatusCode, Err: ErrValidationFailed}
	}
	return nil
}

func (t *httpTransport) probeWithRange() (int64, error) {
	req := t.copyReq(http.MethodGet)
	req.Header.Set("Range", "bytes=0-0")
	resp, err := t.do("probe", req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, &TransportError{
			Op:         "probe",
			URL:        t.req.URL.Redacted(),
			StatusCode: resp.StatusCode,
			Err:        errors.New("invalid content length"),
		}
	}
	cr, err := contentrange.Parse(resp.Header.Get("Content-Range"))
	if err != nil || cr.Length < 0 {
		return 0, &TransportError{Op: "probe", URL: t.req.URL.Redacted(),
			Err: errors.New("invalid content length")}
	}
	t.etag, t.lastModified = validators(resp)
	return cr.Length, nil
}

func (t *httpTransport) FetchRange(start, end uint64) ([]byte, error) {
	if end < start || end > math.MaxInt64 {
		return nil, errors.Wrapf(ErrArithmetic, "invalid range %d-%d", start, end)
	}
	want := int64(end-start) + 1
	if uint64(want) > uint64(math.MaxInt) {
		return nil, errors.Wrapf(ErrArithmetic, "range %d-%d too large", start, end)
	}

	req := t.copyReq(http.MethodGet)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	t.log.Trace().Uint64("start", start).Uint64("end", end).Msg("range request")

	resp, err := t.do("fetch", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		return t.fromFullBody(resp, int64(start), want)
	default:
		return nil, t.statusError("fetch", resp)
	}

	cr, err := contentrange.Parse(resp.Header.Get("Content-Range"))
	if err != nil {
		return nil, &TransportError{Op: "fetch", URL: t.req.URL.Redacted(),
			StatusCode: resp.StatusCode, Err: errors.Wrap(err, "bad content-range")}
	}
	if cr.First != int64(start) || cr.Last > int64(end) {
		return nil, &TransportError{Op: "fetch", URL: t.req.URL.Redacted(),
			StatusCode: resp.StatusCode, Err: errors.Errorf(
				"received different range than requested (req=%d-%d, resp=%d-%d)",
				start, end, cr.First, cr.Last)}
	}
	if err := t.validate("fetch", resp, cr.Length); err != nil {
		return nil, err
	}
	if resp.ContentLength >= 0 && resp.ContentLength != cr.Len() {
		return nil, &TransportError{Op: "fetch", URL: t.req.URL.Redacted(),
			StatusCode: resp.StatusCode, Err: errors.New("content-length mismatch in http response")}
	}

	buf := make([]byte, cr.Len())
	n, err := io.ReadFull(resp.Body, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, &TransportError{Op: "fetch", URL: t.req.URL.Redacted(), Err: err}
	}
	return buf[:n], nil
}

// fromFullBody serves a range out of a 200 response from a server that
// ignored the Range header. The leading bytes are discarded.
func (t *httpTransport) fromFullBody(resp *http.Response, start, want int64) ([]byte, error) {
	if err := t.validate("fetch", resp, resp.ContentLength); err != nil {
		return nil, err
	}
	t.log.Warn().
		Int64("start", start).
		Int64("length", want).
		Msg("server ignored range request, reading full body")
	if _, err := io.CopyN(io.Discard, resp.Body, start); err != nil {
		return nil, &TransportError{Op: "fetch", URL: t.req.URL.Redacted(),
			StatusCode: resp.StatusCode, Err: errors.Wrap(err, "skipping to range start")}
	}
	buf := make([]byte, want)
	n, err := io.ReadFull(resp.Body, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, &TransportError{Op: "fetch", URL: t.req.URL.Redacted(), Err: err}
	}
	return buf[:n], nil
}

func (t *httpTransport) FetchExact(first uint64) ([]byte, bool, error) {
	req := t.copyReq(http.MethodGet)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", first, first))
	resp, err := t.do("check range", req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, false, t.statusError("check range", resp)
	}
	// Two bytes are enough to tell an exact answer from a full body.
	data, err := io.ReadAll(io.LimitReader(resp.Body, 2))
	if err != nil {
		return nil, false, &TransportError{Op: "check range", URL: t.req.URL.Redacted(), Err: err}
	}
	return data, resp.StatusCode == http.StatusPartialContent, nil
}
