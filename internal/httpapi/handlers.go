// Package httpapi is the HTTP surface over the ephemeral security core:
// anonymous session bootstrap, guarded generation, and the two-step
// device migration flow. Handlers translate core errors to stable codes
// and hold no business state of their own.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/permy-app/serverside/internal/compose"
	"github.com/permy-app/serverside/internal/config"
	"github.com/permy-app/serverside/internal/idempotency"
	"github.com/permy-app/serverside/internal/kvstore"
	"github.com/permy-app/serverside/internal/migration"
	"github.com/permy-app/serverside/internal/observability"
	"github.com/permy-app/serverside/internal/ratelimit"
	"github.com/permy-app/serverside/internal/session"
	"github.com/permy-app/serverside/internal/subject"
	"github.com/permy-app/serverside/internal/version"
)

// Handlers bundles the core components behind the HTTP surface.
type Handlers struct {
	cfg       *config.Config
	store     kvstore.Store
	subjects  subject.Directory
	sessions  *session.Manager
	limiter   *ratelimit.Limiter
	guard     *idempotency.Guard
	migration *migration.Coordinator
	composer  compose.Composer
	metrics   *observability.Metrics
	log       *slog.Logger
}

// NewHandlers wires the handler set. All dependencies are required
// except metrics, which defaults to a fresh registry.
func NewHandlers(
	cfg *config.Config,
	store kvstore.Store,
	subjects subject.Directory,
	sessions *session.Manager,
	limiter *ratelimit.Limiter,
	guard *idempotency.Guard,
	coordinator *migration.Coordinator,
	composer compose.Composer,
	metrics *observability.Metrics,
	log *slog.Logger,
) *Handlers {
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		cfg:       cfg,
		store:     store,
		subjects:  subjects,
		sessions:  sessions,
		limiter:   limiter,
		guard:     guard,
		migration: coordinator,
		composer:  composer,
		metrics:   metrics,
		log:       log,
	}
}

// consume runs one fixed-window check and handles the rejection metric.
func (h *Handlers) consume(w http.ResponseWriter, r *http.Request, scope, subjectID string, win config.Window) bool {
	err := h.limiter.Consume(r.Context(), scope, subjectID, win.Window, win.Limit)
	if err == nil {
		return true
	}
	if errors.Is(err, ratelimit.ErrRateLimited) {
		h.metrics.RateLimited.WithLabelValues(scope).Inc()
	}
	writeDomainError(w, r, h.log, err)
	return false
}

type anonymousAuthResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
}

// AnonymousAuth creates a fresh subject and issues its first session.
// Throttled per IP and, when the client supplies one, per device
// fingerprint.
func (h *Handlers) AnonymousAuth(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.consume(w, r, "auth:ip", ip, h.cfg.RateLimits.AuthIP) {
		return
	}
	if fp := r.Header.Get("X-Device-Fingerprint"); fp != "" {
		if !h.consume(w, r, "auth:df", fp, h.cfg.RateLimits.AuthFingerprint) {
			return
		}
	}

	subjectID, err := h.subjects.Create(r.Context())
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}

	token, err := h.sessions.Issue(r.Context(), subjectID)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	h.metrics.SessionsIssued.Inc()

	writeJSON(w, http.StatusOK, anonymousAuthResponse{UserID: subjectID, AccessToken: token})
}

type generateRequest struct {
	HistoryText string `json:"history_text"`
	ComboID     int    `json:"combo_id"`
}

type generateResponse struct {
	Candidates []string `json:"candidates"`
	RequestID  string   `json:"request_id"`
}

// Generate produces reply candidates for the authenticated subject. The
// handler is the reference consumer of the core: rate limit first, then
// the idempotency guard around the composer call, with a compensating
// release when composition fails so a retry is not blocked for the full
// lock TTL.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	subjectID := SubjectID(r.Context())

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, codeValidationFailed, "invalid request body", nil)
		return
	}
	// The bound is in characters, not bytes: history text is mostly
	// multibyte Japanese.
	if utf8.RuneCountInString(req.HistoryText) > h.cfg.Generate.MaxChars {
		writeError(w, http.StatusUnprocessableEntity, codeValidationFailed, "input out of bounds",
			map[string]any{"max_chars": h.cfg.Generate.MaxChars})
		return
	}

	if !h.consume(w, r, "generate:user", subjectID, h.cfg.RateLimits.GenerateUser) {
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		acquired, err := h.guard.Acquire(r.Context(), subjectID, idemKey)
		if err != nil {
			writeDomainError(w, r, h.log, err)
			return
		}
		if !acquired {
			h.metrics.IdempotentReplays.Inc()
			writeError(w, http.StatusTooManyRequests, codeRateLimited,
				"an equivalent request is already processing", map[string]any{"idempotency": "replay"})
			return
		}
	}

	candidates, err := h.composer.Compose(r.Context(), compose.Request{
		HistoryText: req.HistoryText,
		ComboID:     req.ComboID,
	})
	if err != nil {
		if idemKey != "" {
			if relErr := h.guard.Release(r.Context(), subjectID, idemKey); relErr != nil {
				h.log.WarnContext(r.Context(), "idempotency release failed", "error", relErr)
			}
		}
		writeDomainError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Candidates: candidates,
		RequestID:  RequestID(r.Context()),
	})
}

type migrationStartResponse struct {
	MigrationCode string `json:"migration_code"`
	TicketID      string `json:"ticket_id"`
}

// MigrationStart issues a one-time code for the authenticated subject.
// The code appears in this response and nowhere else.
func (h *Handlers) MigrationStart(w http.ResponseWriter, r *http.Request) {
	subjectID := SubjectID(r.Context())

	if !h.consume(w, r, "mig_start:user", subjectID, h.cfg.RateLimits.MigrationStartUsr) {
		return
	}
	if !h.consume(w, r, "mig_start:ip", clientIP(r), h.cfg.RateLimits.MigrationStartIP) {
		return
	}

	code, ticketID, err := h.migration.Start(r.Context(), subjectID)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	h.metrics.MigrationsStarted.Inc()

	writeJSON(w, http.StatusOK, migrationStartResponse{MigrationCode: code, TicketID: ticketID})
}

type migrationCompleteRequest struct {
	MigrationCode string `json:"migration_code"`
}

type migrationCompleteResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
}

// MigrationComplete redeems a code on the new device. Unauthenticated by
// design: possession of the code is the proof.
func (h *Handlers) MigrationComplete(w http.ResponseWriter, r *http.Request) {
	if !h.consume(w, r, "mig_complete:ip", clientIP(r), h.cfg.RateLimits.MigrationDoneIP) {
		return
	}

	var req migrationCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MigrationCode == "" {
		writeError(w, http.StatusUnprocessableEntity, codeValidationFailed, "migration_code is required", nil)
		return
	}

	subjectID, token, err := h.migration.Complete(r.Context(), req.MigrationCode)
	if err != nil {
		switch {
		case errors.Is(err, migration.ErrCodeInvalid):
			h.metrics.MigrationOutcomes.WithLabelValues("invalid").Inc()
		case errors.Is(err, migration.ErrCodeUsed):
			h.metrics.MigrationOutcomes.WithLabelValues("used").Inc()
		}
		writeDomainError(w, r, h.log, err)
		return
	}
	h.metrics.MigrationOutcomes.WithLabelValues("completed").Inc()
	h.metrics.SessionsIssued.Inc()

	writeJSON(w, http.StatusOK, migrationCompleteResponse{UserID: subjectID, AccessToken: token})
}

// Health reports liveness of the service and its store.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, codeInternal, "store unreachable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Version reports the build identity.
func (h *Handlers) Version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}
