package api

import "net/http"

// setContentTypeJSON sets the Content-Type header for a JSON response.
func setContentTypeJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
}

// addSecurityHeaders adds a standard set of security headers suitable
// for a local admin API.
func addSecurityHeaders(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		headers.Set("X-Frame-Options", "DENY")
		handler.ServeHTTP(w, r)
	})
}
