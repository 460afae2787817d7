package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/studybot/internal/classifier"
	"github.com/ashureev/studybot/internal/domain"
)

func TestAfterTurn(t *testing.T) {
	t.Parallel()

	a := New()
	module := &domain.Module{Title: "Loops"}

	u := a.AfterTurn(Outcome{Module: module, Classification: classifier.Ordinary, TimeSpent: 20 * time.Second})
	assert.Equal(t, 20*time.Second, u.Delta.TimeSpent)
	assert.Empty(t, u.DifficultyTopic)
	assert.Zero(t, u.Delta.Attempts)

	u = a.AfterTurn(Outcome{Module: module, Classification: classifier.Frustration})
	assert.Equal(t, "Loops", u.DifficultyTopic)

	u = a.AfterTurn(Outcome{Module: module, Classification: classifier.Frustration, Topic: " for loops "})
	assert.Equal(t, "for loops", u.DifficultyTopic)

	u = a.AfterTurn(Outcome{Module: module, Classification: classifier.DirectAnswerRequest, TimeSpent: 2 * time.Hour})
	assert.Equal(t, maxTurnTime, u.Delta.TimeSpent)
	assert.Empty(t, u.DifficultyTopic)
}

func TestExercisePassed(t *testing.T) {
	t.Parallel()

	a := New()
	tests := []struct {
		name  string
		prior *domain.Progress
		score float64
		want  float64
	}{
		{name: "first score seeds average", prior: nil, score: 80, want: 80},
		{name: "no prior score", prior: &domain.Progress{Attempts: 3}, score: 60, want: 60},
		{name: "weighted average", prior: &domain.Progress{Score: 80}, score: 100, want: 86},
		{name: "clamped input", prior: &domain.Progress{Score: 100}, score: 500, want: 100},
		{name: "negative input", prior: &domain.Progress{Score: 50, Completed: true}, score: -10, want: 35},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta := a.ExercisePassed(tt.prior, tt.score)
			require.NotNil(t, delta.Completed)
			require.NotNil(t, delta.Score)
			assert.True(t, *delta.Completed)
			assert.InDelta(t, tt.want, *delta.Score, 0.001)
		})
	}
}

func TestQuizScore(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 60.0, QuizScore(3, 5), 0.001)
	assert.InDelta(t, 66.67, QuizScore(2, 3), 0.001)
	assert.Zero(t, QuizScore(1, 0))
	assert.InDelta(t, 100.0, QuizScore(7, 5), 0.001)
}
