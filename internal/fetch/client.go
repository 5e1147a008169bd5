package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrBodyTooLarge is returned when a response body exceeds Config.MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

const maxRedirects = 10

// Config controls the shared HTTP client.
type Config struct {
	UserAgent      string
	Retries        int
	ConnectTimeout time.Duration
	Timeout        time.Duration
	MaxBodyBytes   int64
	RetryWaitMin   time.Duration
	RetryWaitMax   time.Duration

	// HostRate paces requests per host (requests per second). Zero disables pacing.
	HostRate  float64
	HostBurst int
}

// DefaultConfig returns the client settings used for feeds, pages and images.
func DefaultConfig() Config {
	return Config{
		UserAgent:      "riverd/1.0",
		Retries:        3,
		ConnectTimeout: 10 * time.Second,
		Timeout:        30 * time.Second,
		MaxBodyBytes:   10 << 20,
		RetryWaitMin:   250 * time.Millisecond,
		RetryWaitMax:   2 * time.Second,
		HostBurst:      1,
	}
}

// Hop is one redirect response seen while following a request.
type Hop struct {
	URL        string
	StatusCode int
}

// Permanent reports whether the hop is a permanent redirect (301 or 308).
func (h Hop) Permanent() bool {
	return h.StatusCode == http.StatusMovedPermanently || h.StatusCode == http.StatusPermanentRedirect
}

// Response is a fully read HTTP response.
type Response struct {
	RequestURL string
	URL        string // final URL after redirects
	StatusCode int
	Header     http.Header
	Body       []byte
	History    []Hop
}

// ContentType returns the media type of the response without parameters.
func (r *Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Client is a connection-pooled HTTP client that retries transport failures
// but never HTTP status codes. It is safe for concurrent use.
type Client struct {
	cfg     Config
	rc      *retryablehttp.Client
	limiter *hostLimiter
}

// NewClient builds a client from cfg.
func NewClient(cfg Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.MaxIdleConnsPerHost = 8

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{
		Transport:     transport,
		Timeout:       cfg.Timeout,
		CheckRedirect: recordRedirect,
	}
	rc.RetryMax = cfg.Retries
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	rc.CheckRetry = retryTransportErrors
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{log.With().Str("component", "fetch").Logger()}
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		// a retry starts a fresh redirect chain
		if rec := recorderFrom(req.Context()); rec != nil {
			rec.reset()
		}
		if attempt > 0 {
			log.Debug().Str("url", req.URL.String()).Int("attempt", attempt).Msg("Retrying request")
		}
	}

	c := &Client{cfg: cfg, rc: rc}
	if cfg.HostRate > 0 {
		c.limiter = newHostLimiter(cfg.HostRate, cfg.HostBurst)
	}
	return c
}

// Fetch GETs rawURL and reads the whole body. Extra request headers with
// empty values are skipped.
func (c *Client) Fetch(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	resp, rec, err := c.do(ctx, http.MethodGet, rawURL, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	return &Response{
		RequestURL: rawURL,
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		History:    rec.hops(),
	}, nil
}

// Open GETs rawURL and returns the response with an unread body. The caller
// must close it.
func (c *Client) Open(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	resp, _, err := c.do(ctx, http.MethodGet, rawURL, header)
	return resp, err
}

// Head issues a HEAD request and returns the final status code.
func (c *Client) Head(ctx context.Context, rawURL string) (int, error) {
	resp, _, err := c.do(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.rc.HTTPClient.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, rawURL string, header http.Header) (*http.Response, *redirectRecorder, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	if c.limiter != nil {
		if err := c.limiter.wait(ctx, u.Host); err != nil {
			return nil, nil, err
		}
	}

	rec := &redirectRecorder{}
	ctx = withRecorder(ctx, rec)

	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, vs := range header {
		for _, v := range vs {
			if v != "" {
				req.Header.Add(k, v)
			}
		}
	}

	resp, err := c.rc.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	return resp, rec, nil
}

func (c *Client) readBody(r io.Reader) ([]byte, error) {
	if c.cfg.MaxBodyBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// retryTransportErrors retries only when no response was received.
func retryTransportErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func recordRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if rec := recorderFrom(req.Context()); rec != nil && req.Response != nil {
		rec.add(Hop{URL: req.Response.Request.URL.String(), StatusCode: req.Response.StatusCode})
	}
	return nil
}

// leveledLogger routes retryablehttp logging into zerolog. Routine request
// chatter is demoted to debug.
type leveledLogger struct {
	l zerolog.Logger
}

func (a leveledLogger) Error(msg string, kv ...interface{}) { a.l.Warn().Fields(kv).Msg(msg) }
func (a leveledLogger) Warn(msg string, kv ...interface{})  { a.l.Warn().Fields(kv).Msg(msg) }
func (a leveledLogger) Info(msg string, kv ...interface{})  { a.l.Debug().Fields(kv).Msg(msg) }
func (a leveledLogger) Debug(msg string, kv ...interface{}) { a.l.Trace().Fields(kv).Msg(msg) }
