package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/wardenscan/warden/logger"
)

// routes configures all HTTP handlers
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.middleware(s.HandleHealth))
	mux.HandleFunc("/api/scans", s.middleware(s.HandleScans))    // List/create scans (GET/POST)
	mux.HandleFunc("/api/scans/", s.middleware(s.HandleScan))    // Individual scan and actions (GET, POST /start, POST /cancel)
	mux.HandleFunc("/ws/scans/", s.middleware(s.HandleScanFeed)) // Per-scan event stream (WebSocket)

	return mux
}

// middleware adds CORS and security headers to HTTP responses using the
// configured allowed origins. The same origin validation guards WebSocket
// upgrades.
func (s *Server) middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		start := time.Now()
		next(w, r)
		s.log.Debugw("Request handled",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			logger.FieldCaller, clientIP(r),
		)
	}
}

// originAllowed checks an Origin header against the configured allow-list.
// An entry without a port admits any port on that host, but never a longer
// hostname that merely shares the prefix.
func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if origin == allowed || strings.HasPrefix(origin, allowed+":") {
			return true
		}
	}
	return false
}

// checkOrigin validates WebSocket upgrade origins. Requests with no Origin
// header (direct WebSocket clients, curl, tests) are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.originAllowed(origin)
}
