// Package probe holds the TLS and response-header probes used by scans.
package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/site-scanner/internal/fetcher"
	"github.com/site-scanner/internal/guard"
	"github.com/site-scanner/internal/models"
)

// TLSProber performs a guarded TLS handshake and reports what was negotiated
type TLSProber struct {
	guard   *guard.Guard
	dialer  *fetcher.Dialer
	timeout time.Duration
	roots   *x509.CertPool
}

// NewTLSProber creates a TLSProber. roots may be nil to use the system pool.
func NewTLSProber(g *guard.Guard, dialer *fetcher.Dialer, timeout time.Duration, roots *x509.CertPool) *TLSProber {
	return &TLSProber{guard: g, dialer: dialer, timeout: timeout, roots: roots}
}

// Probe reports Enabled=false for http targets without touching the network.
// For https it validates the target, dials a validated address and completes
// a verified handshake. Guard rejections are returned unwrapped.
func (p *TLSProber) Probe(ctx context.Context, rawURL string) (models.TLSReport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return models.TLSReport{}, fmt.Errorf("failed to parse url: %w", err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return models.TLSReport{Enabled: false}, nil
	}

	target, err := p.guard.Validate(ctx, rawURL)
	if err != nil {
		return models.TLSReport{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dialer.DialTarget(ctx, "tcp", target)
	if err != nil {
		var unsafe *guard.UnsafeTargetError
		if errors.As(err, &unsafe) {
			return models.TLSReport{}, unsafe
		}
		return models.TLSReport{}, err
	}
	defer conn.Close()

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName: target.Host,
		RootCAs:    p.roots,
		MinVersion: tls.VersionTLS10,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return models.TLSReport{}, fmt.Errorf("tls handshake with %s: %w", target.Host, err)
	}

	state := tlsConn.ConnectionState()
	report := models.TLSReport{
		Enabled:  true,
		Protocol: tls.VersionName(state.Version),
		Cipher:   tls.CipherSuiteName(state.CipherSuite),
	}
	if len(state.PeerCertificates) > 0 {
		leaf := state.PeerCertificates[0]
		notBefore := leaf.NotBefore.UTC()
		notAfter := leaf.NotAfter.UTC()
		report.Subject = leaf.Subject.String()
		report.Issuer = leaf.Issuer.String()
		report.NotBefore = &notBefore
		report.NotAfter = &notAfter
	}
	return report, nil
}
