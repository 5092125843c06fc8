// Package api is the HTTP boundary of the core: event ingestion, event
// inspection, replay, metrics, cache control and dead-letter inspection.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   errorDetail `json:"error"`
	TraceID string      `json:"trace_id,omitempty"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps any error through the taxonomy to a status code and the
// standard envelope. The trace id comes from the response header set by
// the trace middleware.
func writeError(w http.ResponseWriter, err error) {
	e := nexuserr.From(err)
	writeJSON(w, e.HTTPStatus(), errorBody{
		Error: errorDetail{
			Code:    string(e.Code),
			Message: e.Message,
			Details: e.Details,
		},
		TraceID: w.Header().Get(traceHeader),
	})
}
