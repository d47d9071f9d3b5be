package server

import (
	"net/http"

	"github.com/wardenscan/warden/internal/version"
	"github.com/wardenscan/warden/logger"
)

// CreateScanRequest is the body of POST /api/scans.
type CreateScanRequest struct {
	Target       string `json:"target"`
	RepoURL      string `json:"repo_url,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// HandleHealth handles requests to /health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version.Version,
		"scans":   len(s.scans.ListScans()),
	})
}

// HandleScans handles requests to /api/scans
// GET: list all scan jobs, oldest first
// POST: admit and register a new scan job
func (s *Server) HandleScans(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	if r.Method == http.MethodGet {
		jobs := s.scans.ListScans()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"scans": jobs,
			"count": len(jobs),
		})
		return
	}

	var req CreateScanRequest
	if err := readJSON(w, r, &req); err != nil {
		handleError(w, s.log, err, "failed to decode scan request")
		return
	}

	caller := clientIP(r)
	job, err := s.scans.CreateScan(r.Context(), caller, req.Target, req.RepoURL, req.Instructions)
	if err != nil {
		handleError(w, s.log, err, "scan admission rejected")
		return
	}

	s.log.Infow("Scan created",
		logger.FieldScanID, job.ID,
		logger.FieldTarget, job.Target,
		logger.FieldClientID, caller,
	)
	writeJSON(w, http.StatusCreated, job)
}

// HandleScan handles requests to /api/scans/{id}
// GET: scan details including findings
// POST /api/scans/{id}/start: dispatch the scan
// POST /api/scans/{id}/cancel: request cancellation
func (s *Server) HandleScan(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/scans/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing scan ID")
		return
	}
	scanID := pathParts[0]

	if len(pathParts) > 1 && pathParts[1] != "" {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		switch pathParts[1] {
		case "start":
			s.handleStartScan(w, r, scanID)
		case "cancel":
			s.handleCancelScan(w, r, scanID)
		default:
			writeError(w, http.StatusNotFound, "Unknown scan action")
		}
		return
	}

	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	job, err := s.scans.GetScan(scanID)
	if err != nil {
		handleError(w, s.log, err, "failed to get scan")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request, scanID string) {
	if err := s.scans.StartScan(scanID); err != nil {
		handleError(w, s.log, err, "failed to start scan")
		return
	}

	job, err := s.scans.GetScan(scanID)
	if err != nil {
		handleError(w, s.log, err, "failed to get scan after start")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request, scanID string) {
	if err := s.scans.CancelScan(scanID); err != nil {
		handleError(w, s.log, err, "failed to cancel scan")
		return
	}

	job, err := s.scans.GetScan(scanID)
	if err != nil {
		handleError(w, s.log, err, "failed to get scan after cancel")
		return
	}
	writeJSON(w, http.StatusOK, job)
}
