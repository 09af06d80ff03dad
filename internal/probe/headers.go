package probe

import (
	"github.com/site-scanner/internal/fetcher"
	"github.com/site-scanner/internal/models"
)

// Headers extracts the security headers and status code from resp.
// Absent headers map to nil.
func Headers(resp *fetcher.Response) models.HeaderReport {
	report := models.HeaderReport{
		StatusCode:      resp.StatusCode,
		SecurityHeaders: make(map[string]*string, len(models.SecurityHeaderNames)),
	}
	for _, name := range models.SecurityHeaderNames {
		values := resp.Header.Values(name)
		if len(values) == 0 {
			report.SecurityHeaders[name] = nil
			continue
		}
		v := values[0]
		report.SecurityHeaders[name] = &v
	}
	return report
}
