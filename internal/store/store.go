// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/studybot/internal/domain"
)

// ErrModuleRequired is returned when a per-module record is written without a module.
var ErrModuleRequired = errors.New("module id is required")

// PersistenceError reports that the backing store could not complete an
// operation. Callers must not silently drop it: the learner's history may
// not have been saved.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError reports whether err carries a *PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// TurnCommit is one full learner/tutor exchange written atomically.
type TurnCommit struct {
	LearnerID string
	ModuleID  int64
	Learner   *domain.Turn
	Tutor     *domain.Turn
	Delta     domain.ProgressDelta
	// DifficultyTopic, when set, increments that topic's mistake count.
	DifficultyTopic string
}

// CommitResult carries the records written by CommitTurn.
type CommitResult struct {
	Progress   *domain.Progress
	Difficulty *domain.Difficulty
}

// PurgeReport counts rows removed by PurgeOlderThan.
type PurgeReport struct {
	Interactions int64 `json:"interactions"`
	QuizResults  int64 `json:"quiz_results"`
	Progress     int64 `json:"progress"`
}

// TranscriptStore persists transcripts and the aggregates derived from them.
type TranscriptStore interface {
	// AppendTurn appends a turn and touches the progress record. Learner
	// turns also increment the attempt counter.
	AppendTurn(ctx context.Context, learnerID string, moduleID int64, turn *domain.Turn) error

	// ReadTranscript returns the most recent limit turns in chronological
	// order. A limit <= 0 returns the whole transcript.
	ReadTranscript(ctx context.Context, learnerID string, moduleID int64, limit int) ([]domain.Turn, error)

	// CommitTurn writes a learner turn, its reply and the derived progress
	// and difficulty updates in a single transaction.
	CommitTurn(ctx context.Context, commit TurnCommit) (*CommitResult, error)

	// ClearTranscript removes a pair's transcript and returns the number of turns removed.
	ClearTranscript(ctx context.Context, learnerID string, moduleID int64) (int64, error)
}

// ProgressStore persists progress and difficulty aggregates.
type ProgressStore interface {
	UpsertProgress(ctx context.Context, learnerID string, moduleID int64, delta domain.ProgressDelta) (*domain.Progress, error)
	GetProgress(ctx context.Context, learnerID string, moduleID int64) (*domain.Progress, error)
	ListProgress(ctx context.Context, learnerID string) ([]domain.Progress, error)

	RecordDifficulty(ctx context.Context, learnerID string, moduleID int64, topic string) (*domain.Difficulty, error)
	ResetDifficulty(ctx context.Context, learnerID string, moduleID int64, topic string) error
	// DifficultTopics returns the topics with the most mistakes first.
	DifficultTopics(ctx context.Context, learnerID string, moduleID int64, limit int) ([]domain.Difficulty, error)

	SaveQuizResult(ctx context.Context, result *domain.QuizResult) error
	ListQuizResults(ctx context.Context, learnerID string, moduleID int64) ([]domain.QuizResult, error)

	Stats(ctx context.Context, learnerID string) (*domain.Stats, error)
}

// ModuleStore persists the curriculum loaded by the content provider.
type ModuleStore interface {
	// StoreModules replaces the active curriculum and returns the modules
	// with ids assigned. A module keeps its id across refreshes: it is keyed
	// on its lesson directory, or its title when it has none. Modules
	// missing from the list are retired, never deleted.
	StoreModules(ctx context.Context, modules []domain.Module) ([]domain.Module, error)
	// ListModules returns the active curriculum in order.
	ListModules(ctx context.Context) ([]domain.Module, error)
	// GetModule returns nil, nil when the module does not exist. Retired
	// modules are still returned.
	GetModule(ctx context.Context, moduleID int64) (*domain.Module, error)
}

// SettingsStore is a per-learner key/value store.
type SettingsStore interface {
	SaveSetting(ctx context.Context, learnerID, key, value string) error
	GetSetting(ctx context.Context, learnerID, key string) (string, bool, error)
}

// Repository is the complete session store.
type Repository interface {
	TranscriptStore
	ProgressStore
	ModuleStore
	SettingsStore

	// PurgeOlderThan deletes transcripts, quiz results and progress older
	// than the retention window. It is irreversible.
	PurgeOlderThan(ctx context.Context, retentionDays int) (PurgeReport, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Ensure SQLiteStore implements Repository.
var _ Repository = (*SQLiteStore)(nil)
