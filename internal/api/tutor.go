package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/studybot/internal/engine"
	"github.com/ashureev/studybot/internal/identity"
	"github.com/ashureev/studybot/internal/store"
)

// ListModules returns the curriculum with per-learner unlock state.
func (h *Handler) ListModules(w http.ResponseWriter, r *http.Request) {
	modules, err := h.engine.Modules(r.Context(), identity.LearnerIDFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"modules": modules})
}

// GetModule returns one module.
func (h *Handler) GetModule(w http.ResponseWriter, r *http.Request) {
	moduleID, ok := moduleIDParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid module id")
		return
	}
	module, err := h.engine.Module(r.Context(), moduleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, module)
}

// OpenSession returns the transcript, greeting first-time learners.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	moduleID, ok := moduleIDParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid module id")
		return
	}
	sess, err := h.engine.OpenSession(r.Context(), identity.LearnerIDFromContext(r.Context()), moduleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

type turnRequest struct {
	Message          string  `json:"message"`
	Topic            string  `json:"topic,omitempty"`
	TimeSpentSeconds float64 `json:"time_spent_seconds,omitempty"`
}

type turnResponse struct {
	*engine.TurnResult
	Warning string `json:"warning,omitempty"`
}

// PostTurn handles one learner message.
func (h *Handler) PostTurn(w http.ResponseWriter, r *http.Request) {
	moduleID, ok := moduleIDParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid module id")
		return
	}
	var req turnRequest
	if !decode(w, r, &req) {
		return
	}

	resp, err := h.turn(r, moduleID, req, "http")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// turn runs HandleTurn. A reply that could not be saved is still returned,
// flagged with a warning.
func (h *Handler) turn(r *http.Request, moduleID int64, req turnRequest, channel string) (*turnResponse, error) {
	result, err := h.engine.HandleTurn(r.Context(), engine.TurnRequest{
		LearnerID: identity.LearnerIDFromContext(r.Context()),
		ModuleID:  moduleID,
		Message:   req.Message,
		Topic:     req.Topic,
		TimeSpent: time.Duration(req.TimeSpentSeconds * float64(time.Second)),
		Channel:   channel,
	})
	var pe *store.PersistenceError
	switch {
	case err == nil:
		return &turnResponse{TurnResult: result}, nil
	case result != nil && errors.As(err, &pe):
		return &turnResponse{TurnResult: result, Warning: unsavedWarning}, nil
	default:
		return nil, err
	}
}

// GetTranscript returns the stored transcript, optionally limited to the
// most recent turns.
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	moduleID, ok := moduleIDParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid module id")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	turns, err := h.engine.History(r.Context(), identity.LearnerIDFromContext(r.Context()), moduleID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"transcript": turns})
}

// ResetTranscript starts a fresh chat for the module.
func (h *Handler) ResetTranscript(w http.ResponseWriter, r *http.Request) {
	moduleID, ok := moduleIDParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid module id")
		return
	}
	removed, err := h.engine.ResetSession(r.Context(), identity.LearnerIDFromContext(r.Context()), moduleID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// PassExercise records a passed exercise.
func (h *Handler) PassExercise(w http.ResponseWriter, r *http.Request) {
	moduleID, ok := moduleIDParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid module id")
		return
	}
	var req struct {
		Score float64 `json:"score"`
	}
	if !decode(w, r, &req) {
		return
	}
	milestone, err := h.engine.ExercisePassed(r.Context(), identity.LearnerIDFromContext(r.Context()), moduleID, req.Score)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, milestone)
}

type quizRequest struct {
	Questions json.RawMessage `json:"questions"`
	Answers   json.RawMessage `json:"answers"`
	// Score is the number of correct answers.
	Score int `json:"score"`
	Total int `json:"total"`
}

// RecordQuiz stores a graded quiz.
func (h *Handler) RecordQuiz(w http.ResponseWriter, r *http.Request) {
	moduleID, ok := moduleIDParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid module id")
		return
	}
	var req quizRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.engine.RecordQuiz(r.Context(), engine.QuizSubmission{
		LearnerID:     identity.LearnerIDFromContext(r.Context()),
		ModuleID:      moduleID,
		QuestionsJSON: string(req.Questions),
		AnswersJSON:   string(req.Answers),
		Correct:       req.Score,
		Total:         req.Total,
	})
	if err != nil && out == nil {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		// The result was stored but completing the module was not.
		h.logger.Error("failed to record quiz milestone", "module_id", moduleID, "error", err)
		JSON(w, http.StatusOK, map[string]any{"quiz": out, "warning": unsavedWarning})
		return
	}
	JSON(w, http.StatusOK, map[string]any{"quiz": out})
}
