// Package crawler implements a bounded breadth-first same-origin crawl.
package crawler

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/site-scanner/internal/fetcher"
	"github.com/site-scanner/internal/logging"
	"github.com/site-scanner/internal/models"
)

// seenFactor caps the seen set at seenFactor * maxPages distinct URLs.
const seenFactor = 5

// Fetcher is the subset of fetcher.Fetcher the crawler needs
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, timeout time.Duration) (*fetcher.Response, error)
}

// Result is the outcome of a crawl
type Result struct {
	Pages   []models.PageResult
	Metrics models.CrawlMetrics
}

// Crawler walks a site through a Fetcher
type Crawler struct {
	fetcher     Fetcher
	pageTimeout time.Duration
	limiter     *rate.Limiter
	onPage      func(ok bool)
	now         func() time.Time
}

// Option configures a Crawler
type Option func(*Crawler)

// WithRate paces page fetches at rps requests per second. Zero disables pacing.
func WithRate(rps float64) Option {
	return func(c *Crawler) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithPageHook is called after every fetch attempt.
func WithPageHook(fn func(ok bool)) Option {
	return func(c *Crawler) { c.onPage = fn }
}

// WithClock overrides the wall clock used for the time budget.
func WithClock(now func() time.Time) Option {
	return func(c *Crawler) { c.now = now }
}

// New creates a Crawler
func New(f Fetcher, pageTimeout time.Duration, opts ...Option) *Crawler {
	c := &Crawler{fetcher: f, pageTimeout: pageTimeout, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Crawl fetches pages breadth-first from startURL. It stops once maxPages
// pages are collected, maxDuration has elapsed or the frontier is empty.
// A failed fetch is recorded with a nil status and never aborts the crawl.
func (c *Crawler) Crawl(ctx context.Context, startURL string, maxPages int, maxDuration time.Duration) Result {
	start := c.now()
	log := logging.FromContext(ctx)

	origin, err := url.Parse(startURL)
	if err != nil || maxPages <= 0 {
		return Result{Pages: []models.PageResult{}}
	}
	originHost := normalizeHost(origin.Hostname())
	seenCap := seenFactor * maxPages

	seen := map[string]struct{}{startURL: {}}
	frontier := []string{startURL}
	pages := make([]models.PageResult, 0, min(maxPages, 64))

	for len(frontier) > 0 && len(pages) < maxPages {
		if c.now().Sub(start) > maxDuration || ctx.Err() != nil {
			break
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				break
			}
		}

		current := frontier[0]
		frontier = frontier[1:]

		resp, err := c.fetcher.Fetch(ctx, current, c.pageTimeout)
		if c.onPage != nil {
			c.onPage(err == nil)
		}
		if err != nil {
			log.WithField("url", current).WithError(err).Debug("crawl fetch failed")
			pages = append(pages, models.PageResult{URL: current})
			continue
		}

		status := resp.StatusCode
		pages = append(pages, models.PageResult{URL: current, StatusCode: &status})

		if !resp.IsHTML() {
			continue
		}
		for _, link := range ExtractLinks(current, resp.Body, originHost) {
			if _, ok := seen[link]; ok {
				continue
			}
			if len(seen) >= seenCap {
				break
			}
			seen[link] = struct{}{}
			frontier = append(frontier, link)
		}
	}

	return Result{
		Pages: pages,
		Metrics: models.CrawlMetrics{
			Visited:      len(pages),
			UniqueSeen:   len(seen),
			TimeSpentSec: int(c.now().Sub(start).Seconds()),
		},
	}
}

// ExtractLinks returns the absolute same-origin http(s) links in body, in
// document order, with fragments removed and duplicates dropped.
func ExtractLinks(pageURL string, body []byte, originHost string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var links []string
	dedupe := make(map[string]struct{})
	doc.Find("a[href], area[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link, ok := resolveLink(base, href, originHost)
		if !ok {
			return
		}
		if _, dup := dedupe[link]; dup {
			return
		}
		dedupe[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func resolveLink(base *url.URL, href, originHost string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "javascript:") {
		return "", false
	}

	u, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if normalizeHost(u.Hostname()) != originHost {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}

func normalizeHost(host string) string {
	return strings.TrimRight(strings.ToLower(host), ".")
}
