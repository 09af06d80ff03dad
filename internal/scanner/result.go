package scanner

import "github.com/site-scanner/internal/models"

// Result is the explicit outcome of one executor run. Exactly one of
// Summary (success) or Error (failure) is meaningful. Pages are kept on
// both branches so partially crawled pages can still be persisted.
type Result struct {
	Summary *models.Summary
	Pages   []models.PageResult
	Error   string
}

// Success builds a successful Result
func Success(summary *models.Summary, pages []models.PageResult) Result {
	return Result{Summary: summary, Pages: pages}
}

// Failure builds a failed Result
func Failure(message string, pages []models.PageResult) Result {
	return Result{Error: message, Pages: pages}
}

// OK reports whether the run produced a summary.
func (r Result) OK() bool {
	return r.Summary != nil && r.Error == ""
}
