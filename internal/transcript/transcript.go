// Package transcript turns a stored transcript into the bounded context
// handed to the classifier and the completion collaborator.
package transcript

import (
	"github.com/ashureev/studybot/internal/domain"
)

// DefaultMaxTurns is the context window when none is configured.
const DefaultMaxTurns = 6

// Message is one role-tagged context entry.
type Message struct {
	Role     domain.Role     `json:"role"`
	Content  string          `json:"content"`
	Strategy domain.Strategy `json:"strategy,omitempty"`
}

// IsLearner reports whether the learner wrote the message.
func (m Message) IsLearner() bool {
	return m.Role == domain.RoleLearner
}

// Build returns the most recent maxTurns turns as messages, oldest first.
// A maxTurns <= 0 uses DefaultMaxTurns. Turns are never reordered or merged.
func Build(turns []domain.Turn, maxTurns int) []Message {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	out := make([]Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, Message{Role: t.Role, Content: t.Content, Strategy: t.Strategy})
	}
	return out
}

// Prepare validates module and builds the context for it.
func Prepare(module *domain.Module, turns []domain.Turn, maxTurns int) ([]Message, error) {
	if err := module.Validate(); err != nil {
		return nil, err
	}
	return Build(turns, maxTurns), nil
}
