package probe

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/site-scanner/internal/fetcher"
	"github.com/site-scanner/internal/guard"
	"github.com/site-scanner/internal/models"
)

type mapResolver map[string]string

func (m mapResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ip, ok := m[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return []net.IPAddr{{IP: net.ParseIP(ip)}}, nil
}

func TestHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Strict-Transport-Security", "max-age=63072000")
	h.Set("X-Frame-Options", "SAMEORIGIN")
	h.Set("x-content-type-options", "nosniff")

	report := Headers(&fetcher.Response{StatusCode: 301, Header: h})

	assert.Equal(t, 301, report.StatusCode)
	assert.Len(t, report.SecurityHeaders, len(models.SecurityHeaderNames))
	require.NotNil(t, report.SecurityHeaders[models.HeaderStrictTransportSecurity])
	assert.Equal(t, "max-age=63072000", *report.SecurityHeaders[models.HeaderStrictTransportSecurity])
	assert.Equal(t, "nosniff", *report.SecurityHeaders[models.HeaderXContentTypeOptions])
	assert.True(t, report.Present(models.HeaderXFrameOptions))
	assert.Nil(t, report.SecurityHeaders[models.HeaderContentSecurityPolicy])
	assert.False(t, report.Present(models.HeaderPermissionsPolicy))
}

func TestTLSProbe_PlainHTTPMakesNoNetworkCall(t *testing.T) {
	// No resolver entries: any lookup would fail.
	g := guard.New(guard.WithResolver(mapResolver{}))
	p := NewTLSProber(g, fetcher.NewDialer(g), time.Second, nil)

	report, err := p.Probe(context.Background(), "http://example.com/")
	require.NoError(t, err)
	assert.False(t, report.Enabled)
	assert.Empty(t, report.Protocol)
}

func TestTLSProbe_Handshake(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	g := guard.New(
		guard.WithResolver(mapResolver{"example.com": "127.0.0.1"}),
		guard.WithAllowedPrefixes(netip.MustParsePrefix("127.0.0.1/32")),
	)
	p := NewTLSProber(g, fetcher.NewDialer(g), 2*time.Second, roots)

	report, err := p.Probe(context.Background(), "https://example.com:"+u.Port()+"/")
	require.NoError(t, err)
	assert.True(t, report.Enabled)
	assert.Contains(t, report.Protocol, "TLS 1.")
	assert.NotEmpty(t, report.Cipher)
	require.NotNil(t, report.NotBefore)
	require.NotNil(t, report.NotAfter)
	assert.True(t, report.NotAfter.After(*report.NotBefore))
}

func TestTLSProbe_UntrustedCertificateFails(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	g := guard.New(
		guard.WithResolver(mapResolver{"example.com": "127.0.0.1"}),
		guard.WithAllowedPrefixes(netip.MustParsePrefix("127.0.0.1/32")),
	)
	p := NewTLSProber(g, fetcher.NewDialer(g), 2*time.Second, x509.NewCertPool())

	_, err = p.Probe(context.Background(), "https://example.com:"+u.Port()+"/")
	assert.Error(t, err)
}

func TestTLSProbe_GuardRejection(t *testing.T) {
	g := guard.New(guard.WithResolver(mapResolver{"internal.test": "192.168.0.10"}))
	p := NewTLSProber(g, fetcher.NewDialer(g), time.Second, nil)

	_, err := p.Probe(context.Background(), "https://internal.test/")
	var unsafe *guard.UnsafeTargetError
	require.True(t, errors.As(err, &unsafe))
	assert.Equal(t, "Blocked resolved IP: 192.168.0.10", unsafe.Reason)
}
