package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/wardenscan/warden/errors"
	"github.com/wardenscan/warden/scan"
)

// statusForError maps service errors onto HTTP statuses:
// admission content failures are 400, forbidden networks 403, rate limiting
// 429, unknown scans 404, lifecycle conflicts 409. Everything else is a 500.
func statusForError(err error) int {
	switch {
	case errors.Is(err, scan.ErrForbiddenNetwork):
		return http.StatusForbidden
	case errors.Is(err, scan.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, scan.ErrInvalidTarget),
		errors.Is(err, scan.ErrUnsafeInstructions),
		errors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrAlreadyStarted),
		errors.Is(err, errors.ErrAlreadyTerminal),
		errors.Is(err, errors.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleError logs a failed operation and writes the mapped error response.
func handleError(w http.ResponseWriter, log *zap.SugaredLogger, err error, context string) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Errorw(context, "error", err)
	} else {
		log.Debugw(context, "error", err, "status", status)
	}
	writeError(w, status, err.Error())
}
