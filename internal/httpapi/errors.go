package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/permy-app/serverside/internal/migration"
	"github.com/permy-app/serverside/internal/ratelimit"
	"github.com/permy-app/serverside/internal/session"
)

// Stable externally-visible error codes. These are the whole vocabulary
// a client can observe; internal distinctions that would leak
// information (locked-out vs never-existed, bad token vs vanished
// subject) are merged before they reach this layer.
const (
	codeAuthRequired         = "AUTH_REQUIRED"
	codeAuthInvalid          = "AUTH_INVALID"
	codeRateLimited          = "RATE_LIMITED"
	codeValidationFailed     = "VALIDATION_FAILED"
	codeMigrationCodeInvalid = "MIGRATION_CODE_INVALID"
	codeMigrationCodeUsed    = "MIGRATION_CODE_USED"
	codeInternal             = "INTERNAL"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message, Detail: detail}})
}

// writeDomainError translates core errors to their stable code. Anything
// unmatched is an infrastructure failure: logged with its cause, but
// surfaced only as a generic 503 so store internals never reach the
// client.
func writeDomainError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	var limitErr *ratelimit.LimitError
	switch {
	case errors.As(err, &limitErr):
		writeError(w, http.StatusTooManyRequests, codeRateLimited,
			"rate limit exceeded", map[string]any{"scope": limitErr.Scope})
	case errors.Is(err, session.ErrAuthInvalid):
		writeError(w, http.StatusUnauthorized, codeAuthInvalid, "authentication invalid", nil)
	case errors.Is(err, migration.ErrCodeInvalid):
		writeError(w, http.StatusBadRequest, codeMigrationCodeInvalid, "migration code invalid", nil)
	case errors.Is(err, migration.ErrCodeUsed):
		writeError(w, http.StatusBadRequest, codeMigrationCodeUsed, "migration code already used", nil)
	default:
		log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, codeInternal, "temporarily unavailable", nil)
	}
}
