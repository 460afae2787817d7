package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/studybot/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

// chatFrame is a client message on the chat socket.
type chatFrame struct {
	Type             string  `json:"type,omitempty"`
	Message          string  `json:"message"`
	Topic            string  `json:"topic,omitempty"`
	TimeSpentSeconds float64 `json:"time_spent_seconds,omitempty"`
}

// replyFrame is a server message on the chat socket.
type replyFrame struct {
	Type  string        `json:"type"`
	Turn  *turnResponse `json:"turn,omitempty"`
	Error string        `json:"error,omitempty"`
}

// Chat runs a websocket chat for one module. Each {"message": ...} frame is
// handled as a turn and answered with a reply frame.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	learnerID := identity.LearnerIDFromContext(r.Context())
	moduleID, ok := moduleIDParam(r)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid module id")
		return
	}
	if _, err := h.engine.Module(r.Context(), moduleID); err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "learner_id", learnerID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr, "learner_id", learnerID)
		}
	}()

	h.logger.Info("chat connected", "learner_id", learnerID, "module_id", moduleID)
	ctx := r.Context()
	for {
		var in chatFrame
		if err := wsjson.Read(ctx, ws, &in); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("chat closed by client", "learner_id", learnerID)
			} else {
				h.logger.Warn("chat read error", "error", err, "learner_id", learnerID)
			}
			return
		}

		out := h.chatReply(r, moduleID, learnerID, in)
		if err := h.writeFrame(ctx, ws, out); err != nil {
			h.logger.Debug("chat write error", "error", err, "learner_id", learnerID)
			return
		}
	}
}

func (h *Handler) chatReply(r *http.Request, moduleID int64, learnerID string, in chatFrame) replyFrame {
	switch in.Type {
	case "ping":
		return replyFrame{Type: "pong"}
	case "", "message":
	default:
		return replyFrame{Type: "error", Error: "unknown frame type"}
	}

	if h.limiter != nil && !h.limiter.Allow(learnerID) {
		return replyFrame{Type: "error", Error: "too many requests, slow down a little"}
	}

	resp, err := h.turn(r, moduleID, turnRequest{
		Message:          in.Message,
		Topic:            in.Topic,
		TimeSpentSeconds: in.TimeSpentSeconds,
	}, "websocket")
	if err != nil {
		_, message := statusFor(err)
		return replyFrame{Type: "error", Error: message}
	}
	return replyFrame{Type: "reply", Turn: resp}
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, v replyFrame) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
