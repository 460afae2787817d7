package domain

import (
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	// RoleLearner marks a turn written by the learner.
	RoleLearner Role = "learner"
	// RoleTutor marks a turn written by the tutor.
	RoleTutor Role = "tutor"
)

// InteractionType tags which branch produced a tutor turn's text.
type InteractionType string

const (
	InteractionSocratic           InteractionType = "socratic"
	InteractionDirectAnswer       InteractionType = "direct-answer"
	InteractionFrustrationSupport InteractionType = "frustration-support"
	InteractionFallback           InteractionType = "fallback"
)

// Strategy records the policy action chosen for a turn, independent of
// whether the text came from the model or the local fallback generator.
type Strategy string

const (
	StrategySocratic           Strategy = "socratic"
	StrategyDirectAnswer       Strategy = "direct-answer"
	StrategyFrustrationSupport Strategy = "frustration-support"
	StrategyWelcome            Strategy = "welcome"
	StrategyCelebration        Strategy = "celebration"
)

// Turn is one immutable entry of a transcript.
type Turn struct {
	ID              int64           `json:"id"`
	Role            Role            `json:"role"`
	Content         string          `json:"content"`
	CreatedAt       time.Time       `json:"created_at"`
	InteractionType InteractionType `json:"interaction_type,omitempty"`
	Strategy        Strategy        `json:"strategy,omitempty"`
}

// IsLearner reports whether the learner wrote the turn.
func (t Turn) IsLearner() bool {
	return t.Role == RoleLearner
}
