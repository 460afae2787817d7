// Package progress turns dialogue outcomes into progress and difficulty
// updates.
package progress

import (
	"math"
	"strings"
	"time"

	"github.com/ashureev/studybot/internal/classifier"
	"github.com/ashureev/studybot/internal/domain"
)

const (
	// PriorWeight and NewWeight define the score moving average.
	PriorWeight = 0.7
	NewWeight   = 0.3

	// maxTurnTime caps the time one turn may add.
	maxTurnTime = 30 * time.Minute
)

// Outcome is what happened during one turn.
type Outcome struct {
	Module         *domain.Module
	Classification classifier.Classification
	// Topic is the caller-supplied topic of the message, if any.
	Topic     string
	TimeSpent time.Duration
}

// Update is the aggregate change derived from a turn.
type Update struct {
	Delta domain.ProgressDelta
	// DifficultyTopic is set when the topic's mistake count should grow.
	DifficultyTopic string
}

// Aggregator derives progress updates. It holds no state.
type Aggregator struct{}

// New returns an Aggregator.
func New() *Aggregator {
	return &Aggregator{}
}

// AfterTurn derives the update for a completed turn. Attempts are counted
// by the store as learner turns are written, so the delta only carries time.
func (a *Aggregator) AfterTurn(o Outcome) Update {
	var u Update
	if o.TimeSpent > 0 {
		u.Delta.TimeSpent = min(o.TimeSpent, maxTurnTime)
	}
	if o.Classification == classifier.Frustration {
		u.DifficultyTopic = InferTopic(o.Topic, o.Module)
	}
	return u
}

// InferTopic returns the caller's topic, falling back to the module title.
func InferTopic(topic string, module *domain.Module) string {
	if t := strings.TrimSpace(topic); t != "" {
		return t
	}
	if module != nil {
		return strings.TrimSpace(module.Title)
	}
	return ""
}

// ExercisePassed marks the module completed and blends newScore into the
// prior score. The first score recorded is taken as is.
func (a *Aggregator) ExercisePassed(prior *domain.Progress, newScore float64) domain.ProgressDelta {
	newScore = domain.ClampScore(newScore)
	score := newScore
	if prior != nil && (prior.Score > 0 || prior.Completed) {
		score = domain.ClampScore(PriorWeight*prior.Score + NewWeight*newScore)
	}
	score = math.Round(score*100) / 100

	completed := true
	return domain.ProgressDelta{Completed: &completed, Score: &score}
}

// QuizScore converts correct answers into a 0-100 score.
func QuizScore(correct, total int) float64 {
	if total <= 0 || correct <= 0 {
		return 0
	}
	if correct > total {
		correct = total
	}
	return math.Round(float64(correct)/float64(total)*10000) / 100
}
