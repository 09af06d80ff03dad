package models

import (
	"time"

	"github.com/site-scanner/internal/types"
)

// Security headers reported by the header probe, in report order.
const (
	HeaderStrictTransportSecurity = "strict-transport-security"
	HeaderContentSecurityPolicy   = "content-security-policy"
	HeaderXFrameOptions           = "x-frame-options"
	HeaderXContentTypeOptions     = "x-content-type-options"
	HeaderReferrerPolicy          = "referrer-policy"
	HeaderPermissionsPolicy       = "permissions-policy"
)

// SecurityHeaderNames lists the headers the header probe extracts.
var SecurityHeaderNames = []string{
	HeaderStrictTransportSecurity,
	HeaderContentSecurityPolicy,
	HeaderXFrameOptions,
	HeaderXContentTypeOptions,
	HeaderReferrerPolicy,
	HeaderPermissionsPolicy,
}

// Summary is the structured result stored on a finished scan
type Summary struct {
	Headers  HeaderReport `json:"headers"`
	TLS      TLSReport    `json:"tls"`
	Crawl    CrawlMetrics `json:"crawl"`
	Findings []Finding    `json:"findings"`
	Risk     Risk         `json:"risk"`
	Note     string       `json:"note,omitempty"`
}

// HeaderReport is the header probe output. A nil header value means absent.
type HeaderReport struct {
	StatusCode      int                `json:"statusCode"`
	SecurityHeaders map[string]*string `json:"securityHeaders"`
}

// Present reports whether the named security header was returned with a non-empty value.
func (h HeaderReport) Present(name string) bool {
	v, ok := h.SecurityHeaders[name]
	return ok && v != nil && *v != ""
}

// TLSReport is the TLS probe output
type TLSReport struct {
	Enabled   bool       `json:"enabled"`
	Protocol  string     `json:"protocol,omitempty"`
	Cipher    string     `json:"cipher,omitempty"`
	Subject   string     `json:"subject,omitempty"`
	Issuer    string     `json:"issuer,omitempty"`
	NotBefore *time.Time `json:"notBefore,omitempty"`
	NotAfter  *time.Time `json:"notAfter,omitempty"`
}

// CrawlMetrics summarizes a bounded crawl
type CrawlMetrics struct {
	Visited      int `json:"visited"`
	UniqueSeen   int `json:"uniqueSeen"`
	TimeSpentSec int `json:"timeSpentSec"`
}

// Finding is one scored observation about a site
type Finding struct {
	ID       string         `json:"id"`
	Severity types.Severity `json:"severity"`
	Title    string         `json:"title"`
	Evidence string         `json:"evidence"`
}

// Risk is the scored view of a findings list. Higher scores mean lower risk.
type Risk struct {
	Score     int                    `json:"score"`
	Level     types.RiskLevel        `json:"level"`
	Breakdown map[types.Severity]int `json:"breakdown"`
	Deducted  int                    `json:"deducted"`
}

// UnscoredRisk is the placeholder stored on public summaries.
func UnscoredRisk() Risk {
	return Risk{
		Score:     0,
		Level:     types.RiskLevelInfo,
		Breakdown: map[types.Severity]int{},
	}
}
