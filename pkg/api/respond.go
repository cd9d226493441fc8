package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/orcherr"
	"github.com/decloud/orchestrator/pkg/storage"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("encoding response failed")
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, errCode, message string) {
	Respond(w, status, ErrorResponse{Error: errCode, Message: message})
}

// RespondErr inspects err and picks a status code from its orcherr.Kind
// (falling back to storage.ErrNotFound and then 500), writing a JSON
// error envelope. Handlers should route every non-nil error here instead
// of hand-picking a status per call site.
func RespondErr(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		RespondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	switch orcherr.KindOf(err) {
	case orcherr.KindSecurityFailure:
		RespondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case orcherr.KindNotFound:
		RespondError(w, http.StatusNotFound, "not_found", err.Error())
	case orcherr.KindInvalidTransition, orcherr.KindConflict:
		RespondError(w, http.StatusConflict, "conflict", err.Error())
	case orcherr.KindCapacityExhausted:
		RespondError(w, http.StatusServiceUnavailable, "capacity_exhausted", err.Error())
	case orcherr.KindConfiguration:
		RespondError(w, http.StatusUnprocessableEntity, "configuration", err.Error())
	case orcherr.KindAmbiguousRemote:
		RespondError(w, http.StatusConflict, "ambiguous_remote", err.Error())
	default:
		RespondError(w, http.StatusInternalServerError, "internal", "an internal error occurred")
	}
}
