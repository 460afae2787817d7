// Package engine runs tutoring sessions: it reads a learner's transcript,
// classifies the new message, produces a reply and commits the exchange.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/ashureev/studybot/internal/classifier"
	"github.com/ashureev/studybot/internal/convlog"
	"github.com/ashureev/studybot/internal/domain"
	"github.com/ashureev/studybot/internal/keylock"
	"github.com/ashureev/studybot/internal/metrics"
	"github.com/ashureev/studybot/internal/policy"
	"github.com/ashureev/studybot/internal/progress"
	"github.com/ashureev/studybot/internal/store"
	"github.com/ashureev/studybot/internal/transcript"
)

var (
	// ErrModuleNotFound is returned for an unknown module id.
	ErrModuleNotFound = errors.New("module not found")
	// ErrEmptyMessage is returned when the learner sends nothing.
	ErrEmptyMessage = errors.New("message is required")
	// ErrLearnerRequired is returned when no learner id is given.
	ErrLearnerRequired = errors.New("learner id is required")
)

const (
	difficultTopicLimit = 5
	// storeTimeout bounds the commit once a reply exists, even if the
	// caller has gone away.
	storeTimeout = 10 * time.Second
)

// Config tunes the engine.
type Config struct {
	// ContextTurns is how many recent turns are shown to the policy.
	ContextTurns int
	// RepetitionWindow is how many prior learner turns the classifier checks.
	RepetitionWindow int
	// CompletionTimeout bounds each completion call.
	CompletionTimeout time.Duration
}

// Engine orchestrates tutoring turns.
type Engine struct {
	store      store.Repository
	classifier *classifier.Classifier
	policy     *policy.Policy
	aggregator *progress.Aggregator
	convlog    convlog.Logger
	logger     *slog.Logger
	locks      *keylock.Map
	cfg        Config
	now        func() time.Time
}

// New creates an Engine. A nil completer runs every reply on local fallbacks.
func New(repo store.Repository, completer policy.Completer, cfg Config, conv convlog.Logger, logger *slog.Logger) *Engine {
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = transcript.DefaultMaxTurns
	}
	if cfg.RepetitionWindow <= 0 {
		cfg.RepetitionWindow = classifier.DefaultWindow
	}
	if conv == nil {
		conv = convlog.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if minTurns := 2 * cfg.RepetitionWindow; cfg.ContextTurns < minTurns {
		logger.Warn("context too short to detect repetition, widening it",
			"context_turns", cfg.ContextTurns, "repetition_window", cfg.RepetitionWindow)
		cfg.ContextTurns = minTurns
	}
	return &Engine{
		store:      repo,
		classifier: classifier.New(cfg.RepetitionWindow),
		policy:     policy.New(completer, cfg.CompletionTimeout, logger),
		aggregator: progress.New(),
		convlog:    conv,
		logger:     logger,
		locks:      keylock.New(),
		cfg:        cfg,
		now:        time.Now,
	}
}

// TurnRequest is one learner message.
type TurnRequest struct {
	LearnerID string
	ModuleID  int64
	Message   string
	// Topic optionally names the concept being discussed.
	Topic     string
	TimeSpent time.Duration
	// Channel labels the transport in the conversation log.
	Channel string
}

// TurnResult is the outcome of one turn. When Saved is false the reply was
// produced but not persisted.
type TurnResult struct {
	Learner        domain.Turn               `json:"learner"`
	Tutor          domain.Turn               `json:"tutor"`
	Classification classifier.Classification `json:"classification"`
	Reason         classifier.Reason         `json:"reason"`
	Action         policy.Action             `json:"action"`
	Degraded       bool                      `json:"degraded"`
	Progress       *domain.Progress          `json:"progress,omitempty"`
	Difficulty     *domain.Difficulty        `json:"difficulty,omitempty"`
	Saved          bool                      `json:"saved"`
}

// HandleTurn processes one learner message for a (learner, module) pair.
// Turns for the same pair are handled one at a time, in arrival order.
//
// On a store failure after the reply was produced, HandleTurn returns the
// unsaved result together with a *store.PersistenceError.
func (e *Engine) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	start := time.Now()
	message := strings.TrimSpace(req.Message)
	if req.LearnerID == "" {
		return nil, ErrLearnerRequired
	}
	if message == "" {
		return nil, ErrEmptyMessage
	}

	unlock := e.locks.Lock(keylock.PairKey(req.LearnerID, req.ModuleID))
	defer unlock()

	module, err := e.loadModule(ctx, req.ModuleID)
	if err != nil {
		return nil, err
	}
	received := e.now()

	turns, err := e.store.ReadTranscript(ctx, req.LearnerID, req.ModuleID, e.cfg.ContextTurns)
	if err != nil {
		return nil, e.persistenceFailure(err)
	}
	recent, err := transcript.Prepare(module, turns, e.cfg.ContextTurns)
	if err != nil {
		return nil, err
	}

	classified := e.classifier.Explain(message, recent)
	difficult := e.difficultTopics(ctx, req.LearnerID, req.ModuleID)

	reply := e.policy.Respond(ctx, policy.Request{
		Module:          module,
		Classification:  classified.Classification,
		Message:         message,
		Context:         recent,
		DifficultTopics: difficult,
	})
	if reply.Degraded {
		metrics.ObserveFallback(string(reply.Failure.Reason))
	}

	update := e.aggregator.AfterTurn(progress.Outcome{
		Module:         module,
		Classification: classified.Classification,
		Topic:          req.Topic,
		TimeSpent:      req.TimeSpent,
	})

	result := &TurnResult{
		Learner: domain.Turn{
			Role:      domain.RoleLearner,
			Content:   message,
			CreatedAt: received,
		},
		Tutor: domain.Turn{
			Role:            domain.RoleTutor,
			Content:         reply.Text,
			CreatedAt:       e.now(),
			InteractionType: reply.InteractionType,
			Strategy:        reply.Strategy,
		},
		Classification: classified.Classification,
		Reason:         classified.Reason,
		Action:         reply.Action,
		Degraded:       reply.Degraded,
	}

	e.logger.Info("turn handled",
		"learner_id", req.LearnerID,
		"module_id", req.ModuleID,
		"classification", classified.Classification,
		"reason", classified.Reason,
		"strategy", reply.Strategy,
		"interaction_type", reply.InteractionType,
	)
	e.logExchange(req, result)
	metrics.ObserveTurn(string(classified.Classification), string(reply.Strategy), reply.Degraded, time.Since(start))

	// The reply exists; commit it even if the caller stopped waiting.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	committed, err := e.store.CommitTurn(commitCtx, store.TurnCommit{
		LearnerID:       req.LearnerID,
		ModuleID:        req.ModuleID,
		Learner:         &result.Learner,
		Tutor:           &result.Tutor,
		Delta:           update.Delta,
		DifficultyTopic: update.DifficultyTopic,
	})
	if err != nil {
		e.logger.Error("failed to save turn",
			"learner_id", req.LearnerID,
			"module_id", req.ModuleID,
			"error", err,
		)
		return result, e.persistenceFailure(err)
	}

	result.Saved = true
	result.Progress = committed.Progress
	result.Difficulty = committed.Difficulty
	if committed.Difficulty != nil {
		metrics.ObserveDifficulty()
	}
	return result, nil
}

// loadModule returns the module or ErrModuleNotFound.
func (e *Engine) loadModule(ctx context.Context, moduleID int64) (*domain.Module, error) {
	module, err := e.store.GetModule(ctx, moduleID)
	if err != nil {
		return nil, e.persistenceFailure(err)
	}
	if module == nil {
		return nil, fmt.Errorf("module %d: %w", moduleID, ErrModuleNotFound)
	}
	return module, nil
}

// difficultTopics loads prior struggles. Failures only cost the prompt
// some context, so they are logged and skipped.
func (e *Engine) difficultTopics(ctx context.Context, learnerID string, moduleID int64) []string {
	records, err := e.store.DifficultTopics(ctx, learnerID, moduleID, difficultTopicLimit)
	if err != nil {
		e.logger.Warn("failed to load difficult topics", "learner_id", learnerID, "module_id", moduleID, "error", err)
		return nil
	}
	return lo.Map(records, func(d domain.Difficulty, _ int) string { return d.Topic })
}

// persistenceFailure records err and makes sure it is a *store.PersistenceError.
func (e *Engine) persistenceFailure(err error) error {
	var pe *store.PersistenceError
	if !errors.As(err, &pe) {
		pe = &store.PersistenceError{Op: "unknown", Err: err}
		err = pe
	}
	metrics.ObservePersistenceError(pe.Op)
	return err
}

func (e *Engine) logExchange(req TurnRequest, result *TurnResult) {
	channel := req.Channel
	if channel == "" {
		channel = "direct"
	}
	e.convlog.Log(convlog.Event{
		LearnerID:  req.LearnerID,
		ModuleID:   req.ModuleID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "learner_message",
		ContentRaw: result.Learner.Content,
		Meta: map[string]any{
			"classification": result.Classification,
			"reason":         result.Reason,
			"topic":          req.Topic,
		},
	})
	e.convlog.Log(convlog.Event{
		LearnerID:  req.LearnerID,
		ModuleID:   req.ModuleID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "tutor_reply",
		ContentRaw: result.Tutor.Content,
		Meta: map[string]any{
			"strategy":         result.Tutor.Strategy,
			"interaction_type": result.Tutor.InteractionType,
			"degraded":         result.Degraded,
		},
	})
}
