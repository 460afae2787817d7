package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/ashureev/studybot/internal/domain"
	"github.com/ashureev/studybot/internal/keylock"
	"github.com/ashureev/studybot/internal/progress"
	"github.com/ashureev/studybot/internal/store"
)

const (
	// openModules is how many leading modules are available without
	// completing anything.
	openModules = 3
	// QuizPassScore is the quiz percentage that completes a module.
	QuizPassScore = 80.0

	celebrationText = "🎉 Amazing work! You've completed another module! You're becoming a Python expert! 🐍"
)

var (
	// ErrInvalidQuiz is returned for a quiz without questions.
	ErrInvalidQuiz = errors.New("quiz needs at least one question")
	// ErrTopicRequired is returned when a difficulty reset names no topic.
	ErrTopicRequired = errors.New("topic is required")
)

var welcomes = []struct {
	keyword string
	text    string
}{
	{"introduction", "🎉 Welcome to your Python journey! I'm so excited to learn with you!\n\n" +
		"Python is like having a magical language that lets you talk to computers! 🐍✨ " +
		"Think of it like learning a new language, but instead of talking to people, you're giving instructions to computers.\n\n" +
		"What would you like to explore first?"},
	{"data types", "📊 Time to explore the building blocks of Python - Data Types!\n\n" +
		"Think of data types like different kinds of LEGO blocks 🧱 - each one has a special purpose!\n\n" +
		"What's your favorite thing? Is it a word, a number, or maybe something true/false?"},
	{"data structures", "🗂️ Welcome to Data Structures!\n\n" +
		"Imagine your backpack 🎒 - you organize things in it, right? That's what data structures do!\n\n" +
		"What do you like to collect or organize?"},
	{"function", "⚙️ Functions are here! These are like having superpowers!\n\n" +
		"Think of functions like recipes 👨‍🍳 - you give ingredients and get a result!\n\n" +
		"What's your favorite recipe?"},
	{"loops", "🔄 Ready for Loops? These let us repeat actions!\n\n" +
		"Loops are like having a helpful robot 🤖 that does repetitive tasks!\n\n" +
		"What would YOU want a computer to repeat for you?"},
	{"file", "📁 File Handling time! Now we can save our work!\n\n" +
		"Think of files like digital notebooks 📓!\n\n" +
		"What would you like to save in a file?"},
}

// WelcomeText returns the greeting for a module, keyed on its title.
func WelcomeText(module *domain.Module) string {
	title := "Python Learning"
	if module != nil && strings.TrimSpace(module.Title) != "" {
		title = strings.TrimSpace(module.Title)
	}
	lower := strings.ToLower(title)
	for _, w := range welcomes {
		if strings.Contains(lower, w.keyword) {
			return w.text
		}
	}
	return fmt.Sprintf("🌟 Welcome to %s!\n\nI'm excited to explore this topic with you!\n\nWhat questions do you have?", title)
}

// Session is a learner's view of one module.
type Session struct {
	Module     *domain.Module   `json:"module"`
	Transcript []domain.Turn    `json:"transcript"`
	Progress   *domain.Progress `json:"progress,omitempty"`
}

// OpenSession returns the stored transcript for the pair. A pair with no
// history is greeted with a welcome turn first.
func (e *Engine) OpenSession(ctx context.Context, learnerID string, moduleID int64) (*Session, error) {
	if learnerID == "" {
		return nil, ErrLearnerRequired
	}
	unlock := e.locks.Lock(keylock.PairKey(learnerID, moduleID))
	defer unlock()

	module, err := e.loadModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	turns, err := e.store.ReadTranscript(ctx, learnerID, moduleID, 0)
	if err != nil {
		return nil, e.persistenceFailure(err)
	}

	if len(turns) == 0 {
		welcome := domain.Turn{
			Role:            domain.RoleTutor,
			Content:         WelcomeText(module),
			CreatedAt:       e.now(),
			InteractionType: domain.InteractionFallback,
			Strategy:        domain.StrategyWelcome,
		}
		if err := e.store.AppendTurn(ctx, learnerID, moduleID, &welcome); err != nil {
			return nil, e.persistenceFailure(err)
		}
		turns = []domain.Turn{welcome}
		e.logger.Info("session opened", "learner_id", learnerID, "module_id", moduleID)
	}

	prog, err := e.store.GetProgress(ctx, learnerID, moduleID)
	if err != nil {
		return nil, e.persistenceFailure(err)
	}
	return &Session{Module: module, Transcript: turns, Progress: prog}, nil
}

// History returns the most recent limit turns, or all of them when limit <= 0.
func (e *Engine) History(ctx context.Context, learnerID string, moduleID int64, limit int) ([]domain.Turn, error) {
	turns, err := e.store.ReadTranscript(ctx, learnerID, moduleID, limit)
	if err != nil {
		return nil, e.persistenceFailure(err)
	}
	return turns, nil
}

// ResetSession clears the pair's transcript. Progress and difficulty
// records are kept.
func (e *Engine) ResetSession(ctx context.Context, learnerID string, moduleID int64) (int64, error) {
	unlock := e.locks.Lock(keylock.PairKey(learnerID, moduleID))
	defer unlock()

	removed, err := e.store.ClearTranscript(ctx, learnerID, moduleID)
	if err != nil {
		return 0, e.persistenceFailure(err)
	}
	e.logger.Info("session reset", "learner_id", learnerID, "module_id", moduleID, "turns", removed)
	return removed, nil
}

// Milestone is the outcome of passing an exercise.
type Milestone struct {
	Turn     domain.Turn      `json:"turn"`
	Progress *domain.Progress `json:"progress,omitempty"`
}

// ExercisePassed completes the module, blends score into the running
// average and adds a celebration turn.
func (e *Engine) ExercisePassed(ctx context.Context, learnerID string, moduleID int64, score float64) (*Milestone, error) {
	if learnerID == "" {
		return nil, ErrLearnerRequired
	}
	unlock := e.locks.Lock(keylock.PairKey(learnerID, moduleID))
	defer unlock()

	if _, err := e.loadModule(ctx, moduleID); err != nil {
		return nil, err
	}
	return e.exercisePassed(ctx, learnerID, moduleID, score)
}

// exercisePassed expects the pair lock to be held.
func (e *Engine) exercisePassed(ctx context.Context, learnerID string, moduleID int64, score float64) (*Milestone, error) {
	prior, err := e.store.GetProgress(ctx, learnerID, moduleID)
	if err != nil {
		return nil, e.persistenceFailure(err)
	}

	turn := domain.Turn{
		Role:            domain.RoleTutor,
		Content:         celebrationText,
		CreatedAt:       e.now(),
		InteractionType: domain.InteractionFallback,
		Strategy:        domain.StrategyCelebration,
	}
	committed, err := e.store.CommitTurn(ctx, store.TurnCommit{
		LearnerID: learnerID,
		ModuleID:  moduleID,
		Tutor:     &turn,
		Delta:     e.aggregator.ExercisePassed(prior, score),
	})
	if err != nil {
		return nil, e.persistenceFailure(err)
	}
	e.logger.Info("exercise passed", "learner_id", learnerID, "module_id", moduleID, "score", committed.Progress.Score)
	return &Milestone{Turn: turn, Progress: committed.Progress}, nil
}

// QuizSubmission is an externally generated and graded quiz.
type QuizSubmission struct {
	LearnerID     string
	ModuleID      int64
	QuestionsJSON string
	AnswersJSON   string
	Correct       int
	Total         int
}

// QuizOutcome reports a recorded quiz. Milestone is set when the quiz
// passed and completed the module.
type QuizOutcome struct {
	Result    domain.QuizResult `json:"result"`
	Passed    bool              `json:"passed"`
	Milestone *Milestone        `json:"milestone,omitempty"`
}

// RecordQuiz stores a quiz result. A score of QuizPassScore or more counts
// as passing the module's exercise.
func (e *Engine) RecordQuiz(ctx context.Context, sub QuizSubmission) (*QuizOutcome, error) {
	if sub.LearnerID == "" {
		return nil, ErrLearnerRequired
	}
	if sub.Total <= 0 {
		return nil, ErrInvalidQuiz
	}
	unlock := e.locks.Lock(keylock.PairKey(sub.LearnerID, sub.ModuleID))
	defer unlock()

	if _, err := e.loadModule(ctx, sub.ModuleID); err != nil {
		return nil, err
	}

	result := domain.QuizResult{
		LearnerID:      sub.LearnerID,
		ModuleID:       sub.ModuleID,
		QuestionsJSON:  sub.QuestionsJSON,
		AnswersJSON:    sub.AnswersJSON,
		Score:          progress.QuizScore(sub.Correct, sub.Total),
		TotalQuestions: sub.Total,
	}
	if err := e.store.SaveQuizResult(ctx, &result); err != nil {
		return nil, e.persistenceFailure(err)
	}

	out := &QuizOutcome{Result: result, Passed: result.Score >= QuizPassScore}
	if !out.Passed {
		return out, nil
	}
	milestone, err := e.exercisePassed(ctx, sub.LearnerID, sub.ModuleID, result.Score)
	if err != nil {
		return out, err
	}
	out.Milestone = milestone
	return out, nil
}

// QuizResults lists a pair's quiz attempts, newest first.
func (e *Engine) QuizResults(ctx context.Context, learnerID string, moduleID int64) ([]domain.QuizResult, error) {
	if learnerID == "" {
		return nil, ErrLearnerRequired
	}
	if _, err := e.loadModule(ctx, moduleID); err != nil {
		return nil, err
	}
	results, err := e.store.ListQuizResults(ctx, learnerID, moduleID)
	if err != nil {
		return nil, e.persistenceFailure(err)
	}
	return results, nil
}

// Difficulties lists the pair's topics with outstanding mistakes.
func (e *Engine) Difficulties(ctx context.Context, learnerID string, moduleID int64) ([]domain.Difficulty, error) {
	if learnerID == "" {
		return nil, ErrLearnerRequired
	}
	if _, err := e.loadModule(ctx, moduleID); err != nil {
		return nil, err
	}
	topics, err := e.store.DifficultTopics(ctx, learnerID, moduleID, difficultTopicLimit)
	if err != nil {
		return nil, e.persistenceFailure(err)
	}
	return topics, nil
}

// ResetDifficulty clears a topic the learner has since mastered, so it no
// longer shapes the tutor's replies.
func (e *Engine) ResetDifficulty(ctx context.Context, learnerID string, moduleID int64, topic string) error {
	if learnerID == "" {
		return ErrLearnerRequired
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrTopicRequired
	}
	unlock := e.locks.Lock(keylock.PairKey(learnerID, moduleID))
	defer unlock()

	if _, err := e.loadModule(ctx, moduleID); err != nil {
		return err
	}
	if err := e.store.ResetDifficulty(ctx, learnerID, moduleID, topic); err != nil {
		return e.persistenceFailure(err)
	}
	e.logger.Info("difficulty reset", "learner_id", learnerID, "module_id", moduleID, "topic", topic)
	return nil
}

// Progress lists the learner's progress across modules.
func (e *Engine) Progress(ctx context.Context, learnerID string) ([]domain.Progress, error) {
	records, err := e.store.ListProgress(ctx, learnerID)
	if err != nil {
		return nil, e.persistenceFailure(err)
	}
	return records, nil
}

// Stats summarizes the learner.
func (e *Engine) Stats(ctx context.Context, learnerID string) (*domain.Stats, error) {
	stats, err := e.store.Stats(ctx, learnerID)
	if err != nil {
		return nil, e.persistenceFailure(err)
	}
	return stats, nil
}

// Module returns one module or ErrModuleNotFound.
func (e *Engine) Module(ctx context.Context, moduleID int64) (*domain.Module, error) {
	return e.loadModule(ctx, moduleID)
}

// ModuleStatus is a module annotated for one learner.
type ModuleStatus struct {
	domain.Module
	Unlocked  bool    `json:"unlocked"`
	Completed bool    `json:"completed"`
	Score     float64 `json:"score"`
}

// Modules lists the curriculum in order. The first modules are always
// open; every later one opens once the module before it is completed.
func (e *Engine) Modules(ctx context.Context, learnerID string) ([]ModuleStatus, error) {
	modules, err := e.store.ListModules(ctx)
	if err != nil {
		return nil, e.persistenceFailure(err)
	}
	var records []domain.Progress
	if learnerID != "" {
		if records, err = e.store.ListProgress(ctx, learnerID); err != nil {
			return nil, e.persistenceFailure(err)
		}
	}
	byModule := lo.SliceToMap(records, func(p domain.Progress) (int64, domain.Progress) { return p.ModuleID, p })

	out := make([]ModuleStatus, len(modules))
	for i, m := range modules {
		p := byModule[m.ID]
		out[i] = ModuleStatus{
			Module:    m,
			Completed: p.Completed,
			Score:     p.Score,
			Unlocked:  i < openModules || out[i-1].Completed,
		}
	}
	return out, nil
}

// SaveSetting stores a learner preference.
func (e *Engine) SaveSetting(ctx context.Context, learnerID, key, value string) error {
	if err := e.store.SaveSetting(ctx, learnerID, key, value); err != nil {
		return e.persistenceFailure(err)
	}
	return nil
}

// Setting returns a learner preference and whether it was set.
func (e *Engine) Setting(ctx context.Context, learnerID, key string) (string, bool, error) {
	value, ok, err := e.store.GetSetting(ctx, learnerID, key)
	if err != nil {
		return "", false, e.persistenceFailure(err)
	}
	return value, ok, nil
}

// Ready reports whether the store is reachable.
func (e *Engine) Ready(ctx context.Context) error {
	return e.store.Ping(ctx)
}
