package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/studybot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLite(filepath.Join(t.TempDir(), "studybot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedModule(t *testing.T, s *SQLiteStore, titles ...string) []domain.Module {
	t.Helper()

	modules := make([]domain.Module, 0, len(titles))
	for _, title := range titles {
		modules = append(modules, domain.Module{
			Title:   title,
			Content: []string{"# " + title, "Some text about " + title},
		})
	}
	stored, err := s.StoreModules(context.Background(), modules)
	require.NoError(t, err)
	return stored
}

func tutorTurn(content string) *domain.Turn {
	return &domain.Turn{
		Role:            domain.RoleTutor,
		Content:         content,
		InteractionType: domain.InteractionSocratic,
		Strategy:        domain.StrategySocratic,
	}
}

func learnerTurn(content string) *domain.Turn {
	return &domain.Turn{Role: domain.RoleLearner, Content: content}
}

func TestTranscriptRoundTripPreservesOrder(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mod := seedModule(t, s, "Loops")[0]

	base := time.Now()
	// Equal timestamps must still come back in insertion order.
	for i := 0; i < 4; i++ {
		turn := learnerTurn(fmt.Sprintf("message %d", i))
		turn.CreatedAt = base
		require.NoError(t, s.AppendTurn(ctx, "learner-1", mod.ID, turn))
		assert.NotZero(t, turn.ID)
	}

	turns, err := s.ReadTranscript(ctx, "learner-1", mod.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	for i, turn := range turns {
		assert.Equal(t, fmt.Sprintf("message %d", i), turn.Content)
	}

	recent, err := s.ReadTranscript(ctx, "learner-1", mod.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "message 2", recent[0].Content)
	assert.Equal(t, "message 3", recent[1].Content)
}

func TestReadTranscriptEmptyPair(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	turns, err := s.ReadTranscript(context.Background(), "nobody", 99, 6)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestTranscriptWithoutModule(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTurn(ctx, "learner-1", 0, learnerTurn("general question")))

	turns, err := s.ReadTranscript(ctx, "learner-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)

	progress, err := s.ListProgress(ctx, "learner-1")
	require.NoError(t, err)
	assert.Empty(t, progress)
}

func TestAppendTurnCountsLearnerAttempts(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mod := seedModule(t, s, "Loops")[0]

	require.NoError(t, s.AppendTurn(ctx, "learner-1", mod.ID, tutorTurn("Welcome!")))
	require.NoError(t, s.AppendTurn(ctx, "learner-1", mod.ID, learnerTurn("hi")))
	require.NoError(t, s.AppendTurn(ctx, "learner-1", mod.ID, learnerTurn("again")))

	progress, err := s.GetProgress(ctx, "learner-1", mod.ID)
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 2, progress.Attempts)
}

func TestCommitTurnIsAtomic(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mod := seedModule(t, s, "Loops")[0]

	result, err := s.CommitTurn(ctx, TurnCommit{
		LearnerID:       "learner-1",
		ModuleID:        mod.ID,
		Learner:         learnerTurn("I don't understand loops"),
		Tutor:           tutorTurn("What part feels unclear?"),
		Delta:           domain.ProgressDelta{TimeSpent: 30 * time.Second},
		DifficultyTopic: "Loops",
	})
	require.NoError(t, err)
	require.NotNil(t, result.Progress)
	require.NotNil(t, result.Difficulty)
	assert.Equal(t, 1, result.Progress.Attempts)
	assert.Equal(t, 30*time.Second, result.Progress.TimeSpent)
	assert.Equal(t, 1, result.Difficulty.MistakeCount)

	turns, err := s.ReadTranscript(ctx, "learner-1", mod.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, domain.RoleLearner, turns[0].Role)
	assert.Equal(t, domain.RoleTutor, turns[1].Role)
	assert.Equal(t, domain.StrategySocratic, turns[1].Strategy)
}

func TestCommitTurnRequiresModule(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.CommitTurn(context.Background(), TurnCommit{
		LearnerID: "learner-1",
		Learner:   learnerTurn("hi"),
	})
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
	assert.ErrorIs(t, err, ErrModuleRequired)
}

func TestUpsertProgressLastWriteWins(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mod := seedModule(t, s, "Loops")[0]

	done := true
	score := 80.0
	delta := domain.ProgressDelta{Completed: &done, Score: &score}

	first, err := s.UpsertProgress(ctx, "learner-1", mod.ID, delta)
	require.NoError(t, err)
	second, err := s.UpsertProgress(ctx, "learner-1", mod.ID, delta)
	require.NoError(t, err)

	assert.Equal(t, first.Completed, second.Completed)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.Attempts, second.Attempts)

	over := 250.0
	clamped, err := s.UpsertProgress(ctx, "learner-1", mod.ID, domain.ProgressDelta{Score: &over})
	require.NoError(t, err)
	assert.Equal(t, 100.0, clamped.Score)
	assert.True(t, clamped.Completed)
}

func TestConcurrentCommitsOnSamePair(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mod := seedModule(t, s, "Loops")[0]

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.CommitTurn(ctx, TurnCommit{
				LearnerID: "learner-1",
				ModuleID:  mod.ID,
				Learner:   learnerTurn(fmt.Sprintf("question %d", i)),
				Tutor:     tutorTurn(fmt.Sprintf("answer %d", i)),
				Delta:     domain.ProgressDelta{TimeSpent: time.Second},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	turns, err := s.ReadTranscript(ctx, "learner-1", mod.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, workers*2)
	// Each exchange stays adjacent.
	for i := 0; i < len(turns); i += 2 {
		assert.Equal(t, domain.RoleLearner, turns[i].Role)
		assert.Equal(t, domain.RoleTutor, turns[i+1].Role)
	}

	progress, err := s.GetProgress(ctx, "learner-1", mod.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, progress.Attempts)
	assert.Equal(t, workers*time.Second, progress.TimeSpent)
}

func TestDifficultyIncrementsAndResets(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mod := seedModule(t, s, "Loops")[0]

	for i := 0; i < 3; i++ {
		_, err := s.RecordDifficulty(ctx, "learner-1", mod.ID, "for loops")
		require.NoError(t, err)
	}
	_, err := s.RecordDifficulty(ctx, "learner-1", mod.ID, "range")
	require.NoError(t, err)

	topics, err := s.DifficultTopics(ctx, "learner-1", mod.ID, 5)
	require.NoError(t, err)
	require.Len(t, topics, 2)
	assert.Equal(t, "for loops", topics[0].Topic)
	assert.Equal(t, 3, topics[0].MistakeCount)

	require.NoError(t, s.ResetDifficulty(ctx, "learner-1", mod.ID, "for loops"))
	topics, err = s.DifficultTopics(ctx, "learner-1", mod.ID, 5)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "range", topics[0].Topic)

	_, err = s.RecordDifficulty(ctx, "learner-1", mod.ID, "  ")
	assert.Error(t, err)
}

func TestClearTranscript(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mods := seedModule(t, s, "Loops", "Functions")

	require.NoError(t, s.AppendTurn(ctx, "learner-1", mods[0].ID, learnerTurn("a")))
	require.NoError(t, s.AppendTurn(ctx, "learner-1", mods[0].ID, learnerTurn("b")))
	require.NoError(t, s.AppendTurn(ctx, "learner-1", mods[1].ID, learnerTurn("c")))

	removed, err := s.ClearTranscript(ctx, "learner-1", mods[0].ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	other, err := s.ReadTranscript(ctx, "learner-1", mods[1].ID, 0)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestStoreModulesKeepsIDsStable(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	first := seedModule(t, s, "Intro", "Variables", "Math")

	second := seedModule(t, s, "Intro", "Math")
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[2].ID, second[1].ID)
	assert.Equal(t, 1, second[1].OrderIndex)

	modules, err := s.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, modules, 2)
	assert.Equal(t, "Intro", modules[0].Title)
	assert.Equal(t, []string{"# Intro", "Some text about Intro"}, modules[0].Content)

	retired, err := s.GetModule(ctx, first[1].ID)
	require.NoError(t, err)
	require.NotNil(t, retired)
	assert.Equal(t, "Variables", retired.Title)

	stats, err := s.Stats(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalModules)

	third := seedModule(t, s, "Intro", "Variables", "Math")
	assert.Equal(t, first[1].ID, third[1].ID)
}

func lessons(paths ...string) []domain.Module {
	out := make([]domain.Module, 0, len(paths))
	for _, p := range paths {
		out = append(out, domain.Module{
			Title:      "Lesson",
			Content:    []string{"About " + p},
			GithubPath: p,
		})
	}
	return out
}

func TestHistorySurvivesCurriculumSwap(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	// Two lesson directories may share a heading.
	first, err := s.StoreModules(ctx, lessons("01_basics", "02_loops"))
	require.NoError(t, err)
	require.NotEqual(t, first[0].ID, first[1].ID)

	loops := first[1].ID
	_, err = s.CommitTurn(ctx, TurnCommit{
		LearnerID: "learner-1",
		ModuleID:  loops,
		Learner:   learnerTurn("what is a loop?"),
		Tutor:     tutorTurn("What repeats in your example?"),
		Delta:     domain.ProgressDelta{Attempts: 1},
	})
	require.NoError(t, err)

	seedModule(t, s, "Introduction to Python")
	active, err := s.ListModules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	turns, err := s.ReadTranscript(ctx, "learner-1", loops, 0)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
	m, err := s.GetModule(ctx, loops)
	require.NoError(t, err)
	require.NotNil(t, m)

	again, err := s.StoreModules(ctx, lessons("01_basics", "02_loops"))
	require.NoError(t, err)
	assert.Equal(t, loops, again[1].ID)

	turns, err = s.ReadTranscript(ctx, "learner-1", again[1].ID, 0)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
	p, err := s.GetProgress(ctx, "learner-1", again[1].ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.Attempts)
}

func TestSettings(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.GetSetting(ctx, "learner-1", "theme")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SaveSetting(ctx, "learner-1", "theme", "dark"))
	require.NoError(t, s.SaveSetting(ctx, "learner-1", "theme", "light"))

	value, found, err := s.GetSetting(ctx, "learner-1", "theme")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "light", value)
}

func TestQuizResults(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mod := seedModule(t, s, "Loops")[0]

	result := &domain.QuizResult{LearnerID: "learner-1", ModuleID: mod.ID, Score: 75, TotalQuestions: 4}
	require.NoError(t, s.SaveQuizResult(ctx, result))
	assert.NotZero(t, result.ID)

	results, err := s.ListQuizResults(ctx, "learner-1", mod.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 75.0, results[0].Score)
	assert.Equal(t, "[]", results[0].QuestionsJSON)
}

func TestStats(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mods := seedModule(t, s, "Intro", "Variables", "Math", "Loops")

	done := true
	score := 90.0
	_, err := s.UpsertProgress(ctx, "learner-1", mods[0].ID, domain.ProgressDelta{Completed: &done, Score: &score, TimeSpent: time.Minute})
	require.NoError(t, err)
	partial := 70.0
	_, err = s.UpsertProgress(ctx, "learner-1", mods[1].ID, domain.ProgressDelta{Score: &partial, TimeSpent: time.Minute})
	require.NoError(t, err)

	for _, topic := range []string{"loops", "loops", "strings", "math", "types"} {
		_, err := s.RecordDifficulty(ctx, "learner-1", mods[0].ID, topic)
		require.NoError(t, err)
	}

	stats, err := s.Stats(ctx, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalModules)
	assert.Equal(t, 1, stats.CompletedModules)
	assert.InDelta(t, 25.0, stats.CompletionRate, 0.001)
	assert.InDelta(t, 80.0, stats.AverageScore, 0.001)
	assert.Equal(t, 2*time.Minute, stats.TotalTime)
	require.Len(t, stats.DifficultTopics, 3)
	assert.Equal(t, "loops", stats.DifficultTopics[0].Topic)
	assert.Equal(t, 2, stats.DifficultTopics[0].Mistakes)
}

func TestPurgeOlderThan(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	mod := seedModule(t, s, "Loops")[0]

	old := time.Now().Add(-45 * 24 * time.Hour)
	s.now = func() time.Time { return old }
	require.NoError(t, s.AppendTurn(ctx, "stale", mod.ID, learnerTurn("old question")))
	require.NoError(t, s.SaveQuizResult(ctx, &domain.QuizResult{LearnerID: "stale", ModuleID: mod.ID, Score: 50}))

	s.now = time.Now
	require.NoError(t, s.AppendTurn(ctx, "fresh", mod.ID, learnerTurn("new question")))

	report, err := s.PurgeOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Interactions)
	assert.EqualValues(t, 1, report.QuizResults)
	assert.EqualValues(t, 1, report.Progress)

	fresh, err := s.ReadTranscript(ctx, "fresh", mod.ID, 0)
	require.NoError(t, err)
	assert.Len(t, fresh, 1)

	_, err = s.PurgeOlderThan(ctx, 0)
	assert.Error(t, err)
}
