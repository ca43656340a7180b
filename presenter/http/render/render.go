// Package render writes JSON responses for the presenter handlers.
package render

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/omni/tokenbridge-relayer/logging"
)

type ErrorResult struct {
	Error string `json:"error"`
}

// JSON writes res with the given status code. Indented output is opt-in via
// the pretty query parameter.
func JSON(w http.ResponseWriter, r *http.Request, status int, res interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	if pretty, _ := strconv.ParseBool(r.URL.Query().Get("pretty")); pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(res); err != nil {
		logging.LoggerFromContext(r.Context()).WithError(err).Error("can't marshal JSON result")
	}
}

func Error(w http.ResponseWriter, r *http.Request, err error) {
	ErrorWithStatus(w, r, http.StatusInternalServerError, err)
}

func ErrorWithStatus(w http.ResponseWriter, r *http.Request, status int, err error) {
	logging.LoggerFromContext(r.Context()).WithError(err).Error("request handling failed")
	JSON(w, r, status, &ErrorResult{Error: err.Error()})
}
