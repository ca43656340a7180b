package middleware

import (
	"net/http"

	"github.com/omni/tokenbridge-relayer/logging"
)

// Recoverer converts handler panics into 500 responses. The relayer pipeline
// runs in the same process, a request must not be able to take it down.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := logging.LoggerFromContext(r.Context())
				if err, ok := rec.(error); ok {
					logger = logger.WithError(err)
				} else {
					logger = logger.WithField("recovered", rec)
				}
				logger.Error("recovered panic in http handler")
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
