package service

import (
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/site-scanner/internal/errors"
	"github.com/site-scanner/internal/guard"
	"github.com/site-scanner/internal/logging"
	"github.com/site-scanner/internal/models"
)

// SiteView is a registered site as rendered to its owner
type SiteView struct {
	ID         int64   `json:"id"`
	URL        string  `json:"url"`
	Domain     string  `json:"domain"`
	IsVerified bool    `json:"isVerified"`
	VerifiedAt *string `json:"verifiedAt"`
	CreatedAt  string  `json:"createdAt"`
}

// SiteList is a user's sites, newest first
type SiteList struct {
	Value []SiteView `json:"value"`
	Count int        `json:"count"`
}

func newSiteView(s *models.Site) SiteView {
	return SiteView{
		ID:         s.ID,
		URL:        s.URL,
		Domain:     s.Domain,
		IsVerified: s.IsVerified,
		VerifiedAt: formatTimePtr(s.VerifiedAt),
		CreatedAt:  FormatTime(s.CreatedAt),
	}
}

// NormalizeSiteURL canonicalizes user input into the stored site URL
// (scheme://host[:port]path) and its domain. Input without a scheme is
// taken as https.
func NormalizeSiteURL(raw string) (siteURL, domain string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", errors.NewInvalidParameterError("url", "url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, perr := url.Parse(raw)
	if perr != nil {
		return "", "", errors.NewInvalidParameterError("url", "malformed url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", errors.NewInvalidParameterError("url", "Only http/https allowed")
	}

	domain, ok := guard.NormalizeHost(u.Hostname())
	if !ok {
		return "", "", errors.NewInvalidParameterError("url", "Invalid host")
	}

	host := domain
	if port := u.Port(); port != "" {
		host = net.JoinHostPort(domain, port)
	} else if strings.Contains(domain, ":") {
		host = "[" + domain + "]"
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path, domain, nil
}

// RegisterSite adds a site for the user if the plan has room for it
func (s *ScanService) RegisterSite(ctx context.Context, userID int64, rawURL string) (*SiteView, error) {
	siteURL, domain, err := NormalizeSiteURL(rawURL)
	if err != nil {
		return nil, err
	}

	_, plan, err := s.userPlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountSites(ctx, userID)
	if err != nil {
		return nil, errors.NewDatabaseError("count sites", err)
	}
	if count >= plan.MaxSites {
		return nil, errors.NewPlanLimitError(plan.Name, MsgSiteLimit)
	}

	site := &models.Site{UserID: userID, URL: siteURL, Domain: domain}
	if err := s.store.CreateSite(ctx, site); err != nil {
		return nil, errors.NewDatabaseError("create site", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"site_id": site.ID,
		"user_id": userID,
		"domain":  domain,
	}).Info("Site registered")

	view := newSiteView(site)
	return &view, nil
}

// ListSites returns the user's sites, newest first
func (s *ScanService) ListSites(ctx context.Context, userID int64) (*SiteList, error) {
	sites, err := s.store.ListSites(ctx, userID)
	if err != nil {
		return nil, errors.NewDatabaseError("list sites", err)
	}

	out := &SiteList{Value: make([]SiteView, 0, len(sites))}
	for _, site := range sites {
		out.Value = append(out.Value, newSiteView(site))
	}
	out.Count = len(out.Value)
	return out, nil
}
