// Package fetcher performs single guarded HTTP GETs for scans.
package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/site-scanner/internal/guard"
)

const (
	DefaultUserAgent    = "SaaS-Scanner/1.0"
	DefaultMaxBodyBytes = 2 << 20
	defaultDialTimeout  = 5 * time.Second
)

// Response is a fetched page. Body is truncated to the configured cap.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the lowercased Content-Type header.
func (r *Response) ContentType() string {
	return strings.ToLower(r.Header.Get("Content-Type"))
}

// IsHTML reports whether the response declared an HTML body.
func (r *Response) IsHTML() bool {
	return strings.Contains(r.ContentType(), "text/html")
}

// Config holds fetch identity and limits
type Config struct {
	UserAgent    string
	MaxBodyBytes int64
	// TLSConfig overrides the client TLS settings. Tests use it to trust
	// httptest certificates.
	TLSConfig *tls.Config
}

// Fetcher issues GETs through a Guard. It never follows redirects and
// only ever connects to addresses the Guard validated.
type Fetcher struct {
	guard     *guard.Guard
	dialer    *Dialer
	client    *http.Client
	userAgent string
	maxBody   int64
}

// New creates a Fetcher
func New(g *guard.Guard, cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	dialer := NewDialer(g)
	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.dialFromContext,
		TLSClientConfig:     cfg.TLSConfig,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     30 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	return &Fetcher{
		guard:  g,
		dialer: dialer,
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: cfg.UserAgent,
		maxBody:   cfg.MaxBodyBytes,
	}
}

// Guard returns the guard every fetch is validated against.
func (f *Fetcher) Guard() *guard.Guard {
	return f.guard
}

// Dialer returns the guarded dialer shared with the TLS probe.
func (f *Fetcher) Dialer() *Dialer {
	return f.dialer
}

// Fetch validates rawURL and issues one GET bounded by timeout. Guard
// rejections are returned unwrapped.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (*Response, error) {
	target, err := f.guard.Validate(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(withTarget(ctx, target), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		var unsafe *guard.UnsafeTargetError
		if errors.As(err, &unsafe) {
			return nil, unsafe
		}
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}

	return &Response{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

type targetKey struct{}

func withTarget(ctx context.Context, t *guard.Target) context.Context {
	return context.WithValue(ctx, targetKey{}, t)
}

func targetFrom(ctx context.Context) (*guard.Target, bool) {
	t, ok := ctx.Value(targetKey{}).(*guard.Target)
	return t, ok
}

// Dialer connects only to guard-validated addresses and re-checks the
// socket address immediately before connect.
type Dialer struct {
	guard *guard.Guard
	net   net.Dialer
}

// NewDialer creates a Dialer bound to g
func NewDialer(g *guard.Guard) *Dialer {
	d := &Dialer{guard: g}
	d.net = net.Dialer{
		Timeout: defaultDialTimeout,
		Control: func(network, address string, _ syscall.RawConn) error {
			return g.CheckConnectedAddr(address)
		},
	}
	return d
}

// DialTarget tries each validated address of t in order. Every address is
// re-checked before the dial and again by the socket Control hook.
func (d *Dialer) DialTarget(ctx context.Context, network string, t *guard.Target) (net.Conn, error) {
	var lastErr error
	for _, addr := range t.Addrs {
		address := net.JoinHostPort(addr.String(), t.Port)
		if err := d.guard.CheckConnectedAddr(address); err != nil {
			return nil, err
		}
		conn, err := d.net.DialContext(ctx, network, address)
		if err == nil {
			return conn, nil
		}
		var unsafe *guard.UnsafeTargetError
		if errors.As(err, &unsafe) {
			return nil, unsafe
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no addresses to dial")
	}
	return nil, fmt.Errorf("dial %s: %w", t.Host, lastErr)
}

func (d *Dialer) dialFromContext(ctx context.Context, network, address string) (net.Conn, error) {
	t, ok := targetFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("refusing unvalidated dial to %s", address)
	}
	_, port, err := net.SplitHostPort(address)
	if err == nil && port != t.Port {
		return nil, fmt.Errorf("refusing dial to %s: port differs from validated target", address)
	}
	return d.DialTarget(ctx, network, t)
}
