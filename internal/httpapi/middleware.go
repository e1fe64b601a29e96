package httpapi

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

// RequestLogger writes basic request info using structured logging.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Info("incoming request")
		next.ServeHTTP(w, r)
	})
}

// JSONHeaders sets Content-Type application/json for all responses.
func JSONHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Recoverer turns a panicking handler into a 500 InternalInvariantFailure
// response instead of taking down the process.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithFields(logrus.Fields{"path": r.URL.Path, "panic": rec}).Error("recovered panic in handler")
				writeError(w, http.StatusInternalServerError, 0, "InternalInvariantFailure", "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
