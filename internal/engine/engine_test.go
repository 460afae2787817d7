package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/studybot/internal/classifier"
	"github.com/ashureev/studybot/internal/content"
	"github.com/ashureev/studybot/internal/domain"
	"github.com/ashureev/studybot/internal/policy"
	"github.com/ashureev/studybot/internal/store"
)

type failingCompleter struct{}

func (failingCompleter) Complete(context.Context, []policy.ChatMessage) (string, error) {
	return "", errors.New("upstream unavailable")
}

// failingCommits lets every read through and fails every turn commit.
type failingCommits struct {
	store.Repository
}

func (failingCommits) CommitTurn(context.Context, store.TurnCommit) (*store.CommitResult, error) {
	return nil, &store.PersistenceError{Op: "commit turn", Err: errors.New("disk full")}
}

func newTestRepo(t *testing.T) (*store.SQLiteStore, []domain.Module) {
	t.Helper()

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "studybot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	modules, err := content.Sync(context.Background(), content.BuiltinCatalog(), s, nil)
	require.NoError(t, err)
	return s, modules
}

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore, []domain.Module) {
	t.Helper()

	s, modules := newTestRepo(t)
	return New(s, failingCompleter{}, Config{}, nil, nil), s, modules
}

func TestHandleTurnOrdinaryMessage(t *testing.T) {
	t.Parallel()

	e, s, modules := newTestEngine(t)
	ctx := context.Background()
	intro := modules[0]
	require.Equal(t, "Introduction to Python", intro.Title)

	res, err := e.HandleTurn(ctx, TurnRequest{LearnerID: "u1", ModuleID: intro.ID, Message: "What is a variable?"})
	require.NoError(t, err)
	assert.True(t, res.Saved)
	assert.True(t, res.Degraded)
	assert.Equal(t, classifier.Ordinary, res.Classification)
	assert.Equal(t, domain.StrategySocratic, res.Tutor.Strategy)
	assert.Equal(t, domain.InteractionFallback, res.Tutor.InteractionType)
	assert.NotEmpty(t, res.Tutor.Content)
	assert.Contains(t, res.Tutor.Content, "?")
	assert.Nil(t, res.Difficulty)

	turns, err := s.ReadTranscript(ctx, "u1", intro.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleLearner, turns[0].Role)
	assert.Equal(t, "What is a variable?", turns[0].Content)
	assert.Equal(t, domain.RoleTutor, turns[1].Role)
	assert.Equal(t, domain.StrategySocratic, turns[1].Strategy)

	p, err := s.GetProgress(ctx, "u1", intro.ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.Attempts)
	assert.False(t, p.Completed)
}

func TestHandleTurnDirectRequestBeatsFrustration(t *testing.T) {
	t.Parallel()

	e, s, modules := newTestEngine(t)
	ctx := context.Background()

	res, err := e.HandleTurn(ctx, TurnRequest{LearnerID: "u1", ModuleID: modules[1].ID, Message: "I'm confused, just tell me the answer"})
	require.NoError(t, err)
	assert.Equal(t, classifier.DirectAnswerRequest, res.Classification)
	assert.Equal(t, policy.ActionExplain, res.Action)
	assert.Equal(t, domain.StrategyDirectAnswer, res.Tutor.Strategy)
	assert.Nil(t, res.Difficulty)

	topics, err := s.DifficultTopics(ctx, "u1", modules[1].ID, 5)
	require.NoError(t, err)
	assert.Empty(t, topics)
}

func TestHandleTurnRepetitionRecordsDifficulty(t *testing.T) {
	t.Parallel()

	e, s, modules := newTestEngine(t)
	ctx := context.Background()
	m := modules[0]

	for _, msg := range []string{
		"How does a for loop work?",
		"What does a for loop do?",
		"Can you explain the for loop again?",
	} {
		res, err := e.HandleTurn(ctx, TurnRequest{LearnerID: "u1", ModuleID: m.ID, Message: msg})
		require.NoError(t, err)
		require.Equal(t, classifier.Ordinary, res.Classification, msg)
	}

	res, err := e.HandleTurn(ctx, TurnRequest{LearnerID: "u1", ModuleID: m.ID, Message: "So what is a for loop?", Topic: "for loops"})
	require.NoError(t, err)
	assert.Equal(t, classifier.Frustration, res.Classification)
	assert.Equal(t, classifier.ReasonRepetition, res.Reason)
	assert.Equal(t, domain.StrategyFrustrationSupport, res.Tutor.Strategy)
	assert.Contains(t, res.Tutor.Content, "just tell me")
	require.NotNil(t, res.Difficulty)
	assert.Equal(t, "for loops", res.Difficulty.Topic)
	assert.Equal(t, 1, res.Difficulty.MistakeCount)
	assert.Equal(t, 4, res.Progress.Attempts)

	// The difficulty now reaches the prompt for later turns.
	topics, err := s.DifficultTopics(ctx, "u1", m.ID, 5)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "for loops", topics[0].Topic)
}

func TestHandleTurnPairsAreIndependent(t *testing.T) {
	t.Parallel()

	e, s, modules := newTestEngine(t)
	ctx := context.Background()

	const learners, turns = 4, 3
	var wg sync.WaitGroup
	for l := 0; l < learners; l++ {
		for _, m := range modules[:2] {
			wg.Add(1)
			go func(learner string, moduleID int64) {
				defer wg.Done()
				for i := 0; i < turns; i++ {
					_, err := e.HandleTurn(ctx, TurnRequest{
						LearnerID: learner,
						ModuleID:  moduleID,
						Message:   fmt.Sprintf("question %d about printing", i),
					})
					assert.NoError(t, err)
				}
			}(fmt.Sprintf("learner-%d", l), m.ID)
		}
	}
	wg.Wait()

	for l := 0; l < learners; l++ {
		for _, m := range modules[:2] {
			learner := fmt.Sprintf("learner-%d", l)
			history, err := s.ReadTranscript(ctx, learner, m.ID, 0)
			require.NoError(t, err)
			require.Len(t, history, 2*turns)
			for i, turn := range history {
				if i%2 == 0 {
					assert.Equal(t, fmt.Sprintf("question %d about printing", i/2), turn.Content)
				} else {
					assert.Equal(t, domain.RoleTutor, turn.Role)
				}
			}
			p, err := s.GetProgress(ctx, learner, m.ID)
			require.NoError(t, err)
			assert.Equal(t, turns, p.Attempts)
		}
	}
}

func TestHandleTurnSerializesOnePair(t *testing.T) {
	t.Parallel()

	e, s, modules := newTestEngine(t)
	ctx := context.Background()
	m := modules[0]

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.HandleTurn(ctx, TurnRequest{
				LearnerID: "u1",
				ModuleID:  m.ID,
				Message:   fmt.Sprintf("message %d", i),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := s.ReadTranscript(ctx, "u1", m.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2*n)

	seen := make(map[string]bool, n)
	for i, turn := range history {
		if i%2 == 0 {
			require.Equal(t, domain.RoleLearner, turn.Role, "turn %d", i)
			seen[turn.Content] = true
		} else {
			require.Equal(t, domain.RoleTutor, turn.Role, "turn %d", i)
		}
	}
	assert.Len(t, seen, n)

	p, err := s.GetProgress(ctx, "u1", m.ID)
	require.NoError(t, err)
	assert.Equal(t, n, p.Attempts)
}

func TestShortContextStillDetectsRepetition(t *testing.T) {
	t.Parallel()

	s, modules := newTestRepo(t)
	e := New(s, failingCompleter{}, Config{ContextTurns: 2, RepetitionWindow: 3}, nil, nil)
	assert.Equal(t, 6, e.cfg.ContextTurns)

	ctx := context.Background()
	var res *TurnResult
	for _, msg := range []string{
		"How does a for loop work?",
		"What does a for loop do?",
		"Can you explain the for loop again?",
		"So what is a for loop?",
	} {
		var err error
		res, err = e.HandleTurn(ctx, TurnRequest{LearnerID: "u1", ModuleID: modules[0].ID, Message: msg})
		require.NoError(t, err)
	}
	assert.Equal(t, classifier.Frustration, res.Classification)
	assert.Equal(t, classifier.ReasonRepetition, res.Reason)
}

func TestHandleTurnSurfacesPersistenceErrors(t *testing.T) {
	t.Parallel()

	s, modules := newTestRepo(t)
	e := New(failingCommits{Repository: s}, nil, Config{}, nil, nil)

	res, err := e.HandleTurn(context.Background(), TurnRequest{LearnerID: "u1", ModuleID: modules[0].ID, Message: "What is a variable?"})
	var pe *store.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "commit turn", pe.Op)
	require.NotNil(t, res)
	assert.False(t, res.Saved)
	assert.NotEmpty(t, res.Tutor.Content)

	require.NoError(t, s.Close())
	_, err = e.HandleTurn(context.Background(), TurnRequest{LearnerID: "u1", ModuleID: modules[0].ID, Message: "hello"})
	assert.True(t, store.IsPersistenceError(err))
}

func TestHandleTurnRejectsBadInput(t *testing.T) {
	t.Parallel()

	e, _, modules := newTestEngine(t)
	ctx := context.Background()

	_, err := e.HandleTurn(ctx, TurnRequest{LearnerID: "u1", ModuleID: 999, Message: "hi"})
	assert.ErrorIs(t, err, ErrModuleNotFound)

	_, err = e.HandleTurn(ctx, TurnRequest{LearnerID: "u1", ModuleID: modules[0].ID, Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = e.HandleTurn(ctx, TurnRequest{ModuleID: modules[0].ID, Message: "hi"})
	assert.ErrorIs(t, err, ErrLearnerRequired)
}

func TestOpenSessionWelcomesOnce(t *testing.T) {
	t.Parallel()

	e, _, modules := newTestEngine(t)
	ctx := context.Background()

	sess, err := e.OpenSession(ctx, "u1", modules[0].ID)
	require.NoError(t, err)
	require.Len(t, sess.Transcript, 1)
	welcome := sess.Transcript[0]
	assert.Equal(t, domain.StrategyWelcome, welcome.Strategy)
	assert.Equal(t, domain.InteractionFallback, welcome.InteractionType)
	assert.Contains(t, welcome.Content, "Welcome to your Python journey")
	require.NotNil(t, sess.Progress)
	assert.Zero(t, sess.Progress.Attempts)

	sess, err = e.OpenSession(ctx, "u1", modules[0].ID)
	require.NoError(t, err)
	assert.Len(t, sess.Transcript, 1)

	removed, err := e.ResetSession(ctx, "u1", modules[0].ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	history, err := e.History(ctx, "u1", modules[0].ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestWelcomeText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		title string
		want  string
	}{
		{"Introduction to Python", "Python journey"},
		{"Variables and Data Types", "Data Types!"},
		{"Working with Functions", "Functions are here"},
		{"Loops", "Ready for Loops"},
		{"Basic Operations and Math", "Welcome to Basic Operations and Math!"},
		{"", "Welcome to Python Learning!"},
	}
	for _, tt := range tests {
		assert.Contains(t, WelcomeText(&domain.Module{Title: tt.title}), tt.want, tt.title)
	}
}

func TestExercisePassedBlendsScore(t *testing.T) {
	t.Parallel()

	e, _, modules := newTestEngine(t)
	ctx := context.Background()
	id := modules[0].ID

	first, err := e.ExercisePassed(ctx, "u1", id, 80)
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyCelebration, first.Turn.Strategy)
	assert.True(t, first.Progress.Completed)
	assert.InDelta(t, 80, first.Progress.Score, 0.001)
	assert.Zero(t, first.Progress.Attempts)

	second, err := e.ExercisePassed(ctx, "u1", id, 100)
	require.NoError(t, err)
	assert.InDelta(t, 86, second.Progress.Score, 0.001)

	history, err := e.History(ctx, "u1", id, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRecordQuiz(t *testing.T) {
	t.Parallel()

	e, s, modules := newTestEngine(t)
	ctx := context.Background()
	id := modules[1].ID

	out, err := e.RecordQuiz(ctx, QuizSubmission{LearnerID: "u1", ModuleID: id, Correct: 2, Total: 5})
	require.NoError(t, err)
	assert.False(t, out.Passed)
	assert.Nil(t, out.Milestone)
	assert.InDelta(t, 40, out.Result.Score, 0.001)

	out, err = e.RecordQuiz(ctx, QuizSubmission{LearnerID: "u1", ModuleID: id, Correct: 4, Total: 5})
	require.NoError(t, err)
	assert.True(t, out.Passed)
	require.NotNil(t, out.Milestone)
	assert.True(t, out.Milestone.Progress.Completed)

	results, err := e.QuizResults(ctx, "u1", id)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, 80, results[0].Score, 0.001)

	stored, err := s.ListQuizResults(ctx, "u1", id)
	require.NoError(t, err)
	assert.Equal(t, results, stored)

	_, err = e.RecordQuiz(ctx, QuizSubmission{LearnerID: "u1", ModuleID: id})
	assert.ErrorIs(t, err, ErrInvalidQuiz)
}

func TestResetDifficulty(t *testing.T) {
	t.Parallel()

	e, s, modules := newTestEngine(t)
	ctx := context.Background()
	id := modules[0].ID

	_, err := s.RecordDifficulty(ctx, "u1", id, "for loops")
	require.NoError(t, err)
	_, err = s.RecordDifficulty(ctx, "u1", id, "lists")
	require.NoError(t, err)

	topics, err := e.Difficulties(ctx, "u1", id)
	require.NoError(t, err)
	assert.Len(t, topics, 2)

	require.NoError(t, e.ResetDifficulty(ctx, "u1", id, " for loops "))
	topics, err = e.Difficulties(ctx, "u1", id)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "lists", topics[0].Topic)

	assert.ErrorIs(t, e.ResetDifficulty(ctx, "u1", id, ""), ErrTopicRequired)
	assert.ErrorIs(t, e.ResetDifficulty(ctx, "", id, "lists"), ErrLearnerRequired)
	assert.ErrorIs(t, e.ResetDifficulty(ctx, "u1", 999, "lists"), ErrModuleNotFound)
}

func TestModulesUnlockInOrder(t *testing.T) {
	t.Parallel()

	s, _ := newTestRepo(t)
	ctx := context.Background()
	stored, err := s.StoreModules(ctx, []domain.Module{
		{Title: "One", Content: []string{"1"}},
		{Title: "Two", Content: []string{"2"}},
		{Title: "Three", Content: []string{"3"}},
		{Title: "Four", Content: []string{"4"}},
		{Title: "Five", Content: []string{"5"}},
	})
	require.NoError(t, err)
	e := New(s, nil, Config{}, nil, nil)

	unlocked := func() []bool {
		statuses, err := e.Modules(ctx, "u1")
		require.NoError(t, err)
		out := make([]bool, len(statuses))
		for i, st := range statuses {
			out[i] = st.Unlocked
		}
		return out
	}
	assert.Equal(t, []bool{true, true, true, false, false}, unlocked())

	_, err = e.ExercisePassed(ctx, "u1", stored[2].ID, 90)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true, true, false}, unlocked())
}

func TestSettingsAndStats(t *testing.T) {
	t.Parallel()

	e, _, modules := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.SaveSetting(ctx, "u1", "learning_mode", "chat"))
	v, ok, err := e.Setting(ctx, "u1", "learning_mode")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "chat", v)

	_, err = e.ExercisePassed(ctx, "u1", modules[0].ID, 90)
	require.NoError(t, err)
	stats, err := e.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalModules)
	assert.Equal(t, 1, stats.CompletedModules)

	records, err := e.Progress(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
