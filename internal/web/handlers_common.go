package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jthorsen/optionset/internal/core"
	"github.com/jthorsen/optionset/internal/dataverse"
	"github.com/jthorsen/optionset/internal/logging"
)

// writeJSON encodes v and writes it to w. Encoding failures are only
// logged; headers have already gone out.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode", "error", err)
	}
}

// writeJSONStatus writes v with an explicit status code.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode", "error", err)
	}
}

// writeError writes a JSON error body with the given status.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if r != nil {
		logging.FromContext(r.Context()).Warn("request failed",
			"status", status,
			"error", message,
		)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// respondError maps an internal error onto an HTTP status and a
// user-facing body with a support code.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := core.MapError(err)

	logging.FromContext(r.Context()).Warn("request failed",
		"status", status,
		"code", msg.Code,
		"error", err.Error(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":  msg.Message,
		"action": msg.Action,
		"code":   msg.Code,
	})
}

func statusFor(err error) int {
	var pe *core.ParseError
	var ve *dataverse.ValidationError

	switch {
	case errors.Is(err, core.ErrJobInProgress):
		return http.StatusConflict
	case errors.Is(err, dataverse.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &pe), errors.As(err, &ve):
		return http.StatusBadRequest
	case dataverse.IsAuth(err):
		return http.StatusBadGateway
	case dataverse.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
