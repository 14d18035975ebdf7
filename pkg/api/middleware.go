package api

import (
	"net/http"
	"time"
)

// statusRecorder captures the response code for the request log
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("user", r.Header.Get(userHeader)).
			Msg("request")
	})
}

// withWriteGuard blocks mutating methods when the server runs read-only.
// Used when the API is exposed on a listener that must not accept
// writes, mirroring the split between local inspection and the
// authenticated write path.
func (s *Server) withWriteGuard(next http.Handler) http.Handler {
	if !s.readOnly {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
		default:
			writeError(w, http.StatusForbidden, "FORBIDDEN",
				"write operations not allowed on this listener")
		}
	})
}
