package api

import (
	"encoding/json"
	"net/http"

	"github.com/shipyard-neo/bay/pkg/bayerr"
	"github.com/shipyard-neo/bay/pkg/log"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// writeError maps any error to the wire shape. Unrecognized errors become
// internal_error with the cause logged, never serialized.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	be := bayerr.From(err)
	requestID := RequestID(r.Context())

	if be.Code == bayerr.CodeInternal {
		logger := log.WithRequestID(requestID)
		logger.Error().Err(err).Msg("internal error")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(be.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Code:      string(be.Code),
		Message:   be.Message,
		Details:   be.Details,
		RequestID: requestID,
	}})
}

// writeJSON writes a JSON response with a status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
