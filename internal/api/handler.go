// Package api provides HTTP handlers for the StudyBot API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/studybot/internal/domain"
	"github.com/ashureev/studybot/internal/engine"
	"github.com/ashureev/studybot/internal/identity"
	"github.com/ashureev/studybot/internal/middleware"
	"github.com/ashureev/studybot/internal/store"
)

// unsavedWarning accompanies replies that could not be persisted.
const unsavedWarning = "Your message was answered but could not be saved. It may be missing from your history."

// Options configures a Handler.
type Options struct {
	// Limiter bounds turns per learner; nil disables limiting.
	Limiter *middleware.RateLimiter
	// AllowedOrigin is the websocket origin accepted outside development.
	AllowedOrigin string
	IsDev         bool
	Logger        *slog.Logger
}

// Handler serves the tutoring API on top of the session engine.
type Handler struct {
	engine        *engine.Engine
	limiter       *middleware.RateLimiter
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(e *engine.Engine, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		engine:        e,
		limiter:       opts.Limiter,
		allowedOrigin: opts.AllowedOrigin,
		isDev:         opts.IsDev,
		logger:        opts.Logger,
	}
}

// RegisterRoutes registers the API and websocket routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ready", h.Ready)

	r.Route("/api", func(r chi.Router) {
		r.Get("/modules", h.ListModules)
		r.Route("/modules/{moduleID}", func(r chi.Router) {
			r.Get("/", h.GetModule)
			r.Post("/session", h.OpenSession)
			r.With(h.rateLimit).Post("/turns", h.PostTurn)
			r.Get("/transcript", h.GetTranscript)
			r.Delete("/transcript", h.ResetTranscript)
			r.Post("/exercise", h.PassExercise)
			r.Post("/quiz", h.RecordQuiz)
			r.Get("/quiz", h.ListQuizResults)
			r.Get("/difficulties", h.ListDifficulties)
			r.Post("/difficulties/reset", h.ResetDifficulty)
		})
		r.Get("/progress", h.GetProgress)
		r.Get("/stats", h.GetStats)
		r.Get("/settings/{key}", h.GetSetting)
		r.Put("/settings/{key}", h.PutSetting)
	})

	r.Get("/ws/modules/{moduleID}", h.Chat)
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return middleware.RateLimit(h.limiter, func(r *http.Request) string {
		return identity.LearnerIDFromContext(r.Context())
	})(next)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, engine.ErrModuleNotFound):
		return http.StatusNotFound, "module not found"
	case errors.Is(err, engine.ErrEmptyMessage),
		errors.Is(err, engine.ErrLearnerRequired),
		errors.Is(err, engine.ErrInvalidQuiz),
		errors.Is(err, engine.ErrTopicRequired):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, verr.Error()
	case store.IsPersistenceError(err):
		return http.StatusServiceUnavailable, "storage unavailable, please try again"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"path", r.URL.Path,
			"learner_id", identity.LearnerIDFromContext(r.Context()),
			"error", err,
		)
	}
	Error(w, status, message)
}

func moduleIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "moduleID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
