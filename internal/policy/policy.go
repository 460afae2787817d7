// Package policy chooses and produces the tutor's reply to a classified
// learner message.
package policy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/studybot/internal/classifier"
	"github.com/ashureev/studybot/internal/domain"
	"github.com/ashureev/studybot/internal/transcript"
)

// Action is the closed set of tutor responses.
type Action string

const (
	// ActionExplain gives a worked explanation.
	ActionExplain Action = "explain"
	// ActionSupport gives a simplified, encouraging restatement.
	ActionSupport Action = "support"
	// ActionGuide asks a guiding question without giving the answer.
	ActionGuide Action = "guide"
)

var actions = map[classifier.Classification]Action{
	classifier.DirectAnswerRequest: ActionExplain,
	classifier.Frustration:         ActionSupport,
	classifier.Ordinary:            ActionGuide,
}

// ActionFor maps a classification to its action.
func ActionFor(c classifier.Classification) Action {
	if a, ok := actions[c]; ok {
		return a
	}
	return ActionGuide
}

// Strategy returns the transcript strategy recorded for the action.
func (a Action) Strategy() domain.Strategy {
	switch a {
	case ActionExplain:
		return domain.StrategyDirectAnswer
	case ActionSupport:
		return domain.StrategyFrustrationSupport
	default:
		return domain.StrategySocratic
	}
}

// InteractionType returns the tag for model-generated text of this action.
func (a Action) InteractionType() domain.InteractionType {
	switch a {
	case ActionExplain:
		return domain.InteractionDirectAnswer
	case ActionSupport:
		return domain.InteractionFrustrationSupport
	default:
		return domain.InteractionSocratic
	}
}

// Temperature returns the sampling temperature suited to the action.
func (a Action) Temperature() float64 {
	switch a {
	case ActionExplain:
		return 0.3
	case ActionSupport:
		return 0.8
	default:
		return 0.7
	}
}

// supportOffer closes every support reply.
const supportOffer = `If it still feels tricky, say "just tell me" and I'll walk you through the answer.`

// Request is everything the policy needs for one reply.
type Request struct {
	Module          *domain.Module
	Classification  classifier.Classification
	Message         string
	Context         []transcript.Message
	DifficultTopics []string
}

// Reply is the policy's answer to one learner message.
type Reply struct {
	Action          Action
	Text            string
	InteractionType domain.InteractionType
	Strategy        domain.Strategy
	// Degraded is set when the text came from the local fallback generator.
	Degraded bool
	Failure  *CompletionUnavailable
}

// Policy produces replies, preferring the completion collaborator and
// falling back to local templates.
type Policy struct {
	completer Completer
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a Policy. A nil completer always falls back; timeout <= 0
// leaves the caller's deadline in charge.
func New(completer Completer, timeout time.Duration, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{completer: completer, timeout: timeout, logger: logger}
}

type temperatureKey struct{}

// WithTemperature attaches a sampling temperature for completers that
// support one.
func WithTemperature(ctx context.Context, temperature float64) context.Context {
	return context.WithValue(ctx, temperatureKey{}, temperature)
}

// TemperatureFrom returns the temperature attached by WithTemperature.
func TemperatureFrom(ctx context.Context) (float64, bool) {
	t, ok := ctx.Value(temperatureKey{}).(float64)
	return t, ok
}

// Respond produces a reply for req. It never returns empty text.
func (p *Policy) Respond(ctx context.Context, req Request) Reply {
	action := ActionFor(req.Classification)
	reply := Reply{
		Action:   action,
		Strategy: action.Strategy(),
	}

	callCtx := WithTemperature(ctx, action.Temperature())
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, p.timeout)
		defer cancel()
	}

	result := Complete(callCtx, p.completer, Messages(action, req))
	switch {
	case result.OK():
		reply.Text = result.Text
		reply.InteractionType = action.InteractionType()
	default:
		p.logger.Info("completion unavailable, using fallback",
			"action", action,
			"reason", result.Failure.Reason,
			"error", result.Failure.Err,
		)
		reply.Text = Fallback(action, req)
		reply.InteractionType = domain.InteractionFallback
		reply.Degraded = true
		reply.Failure = result.Failure
	}

	if action == ActionSupport && !strings.Contains(reply.Text, "just tell me") {
		reply.Text = strings.TrimSpace(reply.Text) + "\n\n" + supportOffer
	}
	return reply
}

// Messages builds the completion request: one system instruction, the
// bounded context, then the current message.
func Messages(action Action, req Request) []ChatMessage {
	msgs := make([]ChatMessage, 0, len(req.Context)+2)
	msgs = append(msgs, ChatMessage{
		Role:    ChatRoleSystem,
		Content: systemPrompt(action, req.Module, req.DifficultTopics),
	})
	for _, m := range req.Context {
		role := ChatRoleAssistant
		if m.IsLearner() {
			role = ChatRoleUser
		}
		msgs = append(msgs, ChatMessage{Role: role, Content: m.Content})
	}

	current := req.Message
	if action == ActionExplain {
		current = "Please explain this directly: " + req.Message
	}
	return append(msgs, ChatMessage{Role: ChatRoleUser, Content: current})
}
