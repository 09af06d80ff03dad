package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/site-scanner/internal/errors"
)

// UserIDHeader carries the authenticated caller's id, set by the
// authenticating proxy in front of the API.
const UserIDHeader = "X-User-ID"

// userID reads the caller identity
func userID(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.Header.Get(UserIDHeader))
	id, err := strconv.ParseInt(raw, 10, 64)
	if raw == "" || err != nil || id <= 0 {
		return 0, errors.NewUnauthorizedError("Missing or invalid X-User-ID header")
	}
	return id, nil
}

// positiveID parses a path or query id
func positiveID(name, raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.NewInvalidParameterError(name, "must be a positive integer")
	}
	return id, nil
}

// handleRegisterSite handles POST /api/sites
func (s *Server) handleRegisterSite(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	var req struct {
		URL string `json:"url"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	site, err := s.scans.RegisterSite(r.Context(), uid, req.URL)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, site)
}

// handleListSites handles GET /api/sites
func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	sites, err := s.scans.ListSites(r.Context(), uid)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sites)
}

// handleEnqueuePublic handles POST /api/scans/sites/{siteId}/public
func (s *Server) handleEnqueuePublic(w http.ResponseWriter, r *http.Request) {
	uid, siteID, err := userAndPathID(r, "siteId")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	res, err := s.scans.EnqueuePublic(r.Context(), uid, siteID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// handleEnqueueAdvanced handles POST /api/scans/sites/{siteId}/advanced
func (s *Server) handleEnqueueAdvanced(w http.ResponseWriter, r *http.Request) {
	uid, siteID, err := userAndPathID(r, "siteId")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	res, err := s.scans.EnqueueAdvanced(r.Context(), uid, siteID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

// handleListScans handles GET /api/scans?site_id=
func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	siteID, err := positiveID("site_id", r.URL.Query().Get("site_id"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	scans, err := s.scans.ListScans(r.Context(), uid, siteID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, scans)
}

// handleGetScan handles GET /api/scans/{scanId}
func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	uid, scanID, err := userAndPathID(r, "scanId")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	scan, err := s.scans.GetScan(r.Context(), uid, scanID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, scan)
}

// handleListPages handles GET /api/scans/{scanId}/pages
func (s *Server) handleListPages(w http.ResponseWriter, r *http.Request) {
	uid, scanID, err := userAndPathID(r, "scanId")
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	pages, err := s.scans.ListPages(r.Context(), uid, scanID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, pages)
}

func userAndPathID(r *http.Request, name string) (int64, int64, error) {
	uid, err := userID(r)
	if err != nil {
		return 0, 0, err
	}
	id, err := positiveID(name, mux.Vars(r)[name])
	if err != nil {
		return 0, 0, err
	}
	return uid, id, nil
}
