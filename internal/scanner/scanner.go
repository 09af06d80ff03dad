// Package scanner runs the public and advanced scan pipelines.
package scanner

import (
	"context"
	"errors"
	"time"

	"github.com/site-scanner/internal/crawler"
	"github.com/site-scanner/internal/fetcher"
	"github.com/site-scanner/internal/guard"
	"github.com/site-scanner/internal/logging"
	"github.com/site-scanner/internal/models"
	"github.com/site-scanner/internal/probe"
	"github.com/site-scanner/internal/scoring"
	"github.com/site-scanner/internal/types"
)

// AdvancedNote is attached to every advanced summary.
const AdvancedNote = "Advanced scan is a baseline header review; active probing is not performed."

// PageFetcher fetches a single page
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, timeout time.Duration) (*fetcher.Response, error)
}

// TLSProbe reports on a target's TLS endpoint
type TLSProbe interface {
	Probe(ctx context.Context, rawURL string) (models.TLSReport, error)
}

// SiteCrawler walks a site within page and time limits
type SiteCrawler interface {
	Crawl(ctx context.Context, startURL string, maxPages int, maxDuration time.Duration) crawler.Result
}

// Job is everything an executor needs for one claimed scan
type Job struct {
	Scan models.Scan
	Site models.Site
	Plan models.Plan
}

// Scanner dispatches a job to its executor
type Scanner struct {
	fetcher       PageFetcher
	tls           TLSProbe
	crawler       SiteCrawler
	headerTimeout time.Duration
}

// New creates a Scanner
func New(f PageFetcher, tls TLSProbe, c SiteCrawler, headerTimeout time.Duration) *Scanner {
	return &Scanner{fetcher: f, tls: tls, crawler: c, headerTimeout: headerTimeout}
}

// Execute runs the executor selected by the scan's type.
func (s *Scanner) Execute(ctx context.Context, job Job) Result {
	scanType, err := types.ParseScanType(string(job.Scan.Type))
	if err != nil {
		return Failure(err.Error(), nil)
	}
	if scanType == types.ScanTypeAdvanced {
		return s.advanced(ctx, job)
	}
	return s.public(ctx, job)
}

func (s *Scanner) public(ctx context.Context, job Job) Result {
	resp, err := s.fetcher.Fetch(ctx, job.Site.URL, s.headerTimeout)
	if err != nil {
		return Failure(err.Error(), nil)
	}
	headers := probe.Headers(resp)

	tlsReport, err := s.tls.Probe(ctx, job.Site.URL)
	if err != nil {
		var unsafe *guard.UnsafeTargetError
		if !errors.As(err, &unsafe) {
			logging.FromContext(ctx).WithError(err).Warn("tls probe failed")
		}
		return Failure(err.Error(), nil)
	}

	crawl := s.crawler.Crawl(ctx, job.Site.URL, job.Plan.CrawlLimit, job.Plan.MaxDuration())

	summary := &models.Summary{
		Headers:  headers,
		TLS:      tlsReport,
		Crawl:    crawl.Metrics,
		Findings: []models.Finding{},
		Risk:     models.UnscoredRisk(),
	}
	return Success(summary, crawl.Pages)
}

func (s *Scanner) advanced(ctx context.Context, job Job) Result {
	res := s.public(ctx, job)
	if !res.OK() {
		return res
	}

	findings := scoring.Sort(HeaderFindings(res.Summary.Headers))
	res.Summary.Findings = findings
	res.Summary.Risk = scoring.Score(findings)
	res.Summary.Note = AdvancedNote
	return res
}

// HeaderFindings derives the baseline findings from a header report.
func HeaderFindings(h models.HeaderReport) []models.Finding {
	findings := []models.Finding{}
	if !h.Present(models.HeaderContentSecurityPolicy) {
		findings = append(findings, models.Finding{
			ID:       "missing_csp",
			Severity: types.SeverityMedium,
			Title:    "Missing Content-Security-Policy",
			Evidence: "content-security-policy header not present",
		})
	}
	if !h.Present(models.HeaderXFrameOptions) {
		findings = append(findings, models.Finding{
			ID:       "missing_xfo",
			Severity: types.SeverityLow,
			Title:    "Missing X-Frame-Options",
			Evidence: "x-frame-options header not present",
		})
	}
	return findings
}
