package domain

import (
	"time"
)

// Progress is the per (learner, module) aggregate record.
type Progress struct {
	LearnerID    string        `json:"learner_id"`
	ModuleID     int64         `json:"module_id"`
	Completed    bool          `json:"completed"`
	Score        float64       `json:"score"`
	Attempts     int           `json:"attempts"`
	TimeSpent    time.Duration `json:"time_spent"`
	LastAccessed time.Time     `json:"last_accessed"`
}

// ProgressDelta is merged into a Progress record.
// Completed and Score are last-write-wins when set; Attempts and TimeSpent
// accumulate.
type ProgressDelta struct {
	Completed *bool
	Score     *float64
	Attempts  int
	TimeSpent time.Duration
}

// IsZero reports whether applying the delta would change only last_accessed.
func (d ProgressDelta) IsZero() bool {
	return d.Completed == nil && d.Score == nil && d.Attempts == 0 && d.TimeSpent == 0
}

// Apply returns p with delta merged in and LastAccessed set to now.
func (p Progress) Apply(delta ProgressDelta, now time.Time) Progress {
	if delta.Completed != nil {
		p.Completed = *delta.Completed
	}
	if delta.Score != nil {
		p.Score = ClampScore(*delta.Score)
	}
	p.Attempts += delta.Attempts
	p.TimeSpent += delta.TimeSpent
	p.LastAccessed = now
	return p
}

// ClampScore bounds a score to [0, 100].
func ClampScore(score float64) float64 {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}

// Difficulty counts mistakes for one (learner, module, topic).
type Difficulty struct {
	LearnerID    string    `json:"learner_id"`
	ModuleID     int64     `json:"module_id"`
	Topic        string    `json:"topic"`
	MistakeCount int       `json:"mistake_count"`
	LastMistake  time.Time `json:"last_mistake"`
}

// QuizResult is the outcome of an externally generated and scored quiz.
type QuizResult struct {
	ID             int64     `json:"id"`
	LearnerID      string    `json:"learner_id"`
	ModuleID       int64     `json:"module_id"`
	QuestionsJSON  string    `json:"questions"`
	AnswersJSON    string    `json:"answers"`
	Score          float64   `json:"score"`
	TotalQuestions int       `json:"total_questions"`
	CompletedAt    time.Time `json:"completed_at"`
}

// TopicCount pairs a difficult topic with its mistake count.
type TopicCount struct {
	Topic    string `json:"topic"`
	Mistakes int    `json:"mistakes"`
}

// Stats summarizes a learner across all modules.
type Stats struct {
	TotalModules     int           `json:"total_modules"`
	CompletedModules int           `json:"completed_modules"`
	CompletionRate   float64       `json:"completion_rate"`
	AverageScore     float64       `json:"average_score"`
	TotalTime        time.Duration `json:"total_time"`
	DifficultTopics  []TopicCount  `json:"difficult_topics"`
}
