package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"bizmsg/internal/httputil"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// RequireToken rejects requests whose bearer token does not match token. An empty
// token disables the check; paths in open are always allowed.
func RequireToken(token string, logger *logrus.Logger, open ...string) mux.MiddlewareFunc {
	openPaths := make(map[string]struct{}, len(open))
	for _, p := range open {
		openPaths[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := openPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				logger.WithFields(logrus.Fields{
					"method":    r.Method,
					"path":      r.URL.Path,
					"client_ip": httputil.ClientIP(r),
				}).Warn("Rejected control API request with invalid token")

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "UNAUTHORIZED",
					"message": "missing or invalid bearer token",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
