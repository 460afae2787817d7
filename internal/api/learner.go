package api

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/studybot/internal/domain"
	"github.com/ashureev/studybot/internal/identity"
)

var settingKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// GetProgress lists the learner's progress records.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	records, err := h.engine.Progress(r.Context(), identity.LearnerIDFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"progress": records})
}

// GetStats summarizes the learner.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context(), identity.LearnerIDFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, stats)
}

// GetSetting returns one learner preference.
func (h *Handler) GetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !settingKeyPattern.MatchString(key) {
		Error(w, http.StatusBadRequest, "invalid setting key")
		return
	}
	value, ok, err := h.engine.Setting(r.Context(), identity.LearnerIDFromContext(r.Context()), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "setting not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

// PutSetting stores one learner preference.
func (h *Handler) PutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !settingKeyPattern.MatchString(key) {
		Error(w, http.StatusBadRequest, "invalid setting key")
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.SaveSetting(r.Context(), identity.LearnerIDFromContext(r.Context()), key, req.Value); err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

// Ready reports whether the store is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.engine.Ready(ctx); err != nil {
		h.logger.Error("health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// ListQuizResults returns the learner's quiz attempts for a module.
func (h *Handler) ListQuizResults(w http.ResponseWriter, r *http.Request) {
	moduleID, ok := moduleIDParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid module id")
		return
	}
	results, err := h.engine.QuizResults(r.Context(), identity.LearnerIDFromContext(r.Context()), moduleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if results == nil {
		results = []domain.QuizResult{}
	}
	JSON(w, http.StatusOK, map[string]any{"results": results})
}

// ListDifficulties returns the topics the learner keeps struggling with.
func (h *Handler) ListDifficulties(w http.ResponseWriter, r *http.Request) {
	moduleID, ok := moduleIDParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid module id")
		return
	}
	topics, err := h.engine.Difficulties(r.Context(), identity.LearnerIDFromContext(r.Context()), moduleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if topics == nil {
		topics = []domain.Difficulty{}
	}
	JSON(w, http.StatusOK, map[string]any{"difficulties": topics})
}

// ResetDifficulty clears one difficult topic.
func (h *Handler) ResetDifficulty(w http.ResponseWriter, r *http.Request) {
	moduleID, ok := moduleIDParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid module id")
		return
	}
	var req struct {
		Topic string `json:"topic"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.ResetDifficulty(r.Context(), identity.LearnerIDFromContext(r.Context()), moduleID, req.Topic); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
