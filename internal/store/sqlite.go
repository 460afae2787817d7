package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/studybot/internal/domain"
	"github.com/ashureev/studybot/internal/keylock"
	"github.com/ashureev/studybot/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	locks *keylock.Map // serializes mutations per (learner, module)
	retry shared.RetryPolicy
	now   func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so writers queue on
	// busy_timeout instead of failing on lock upgrade.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{
		db:    db,
		locks: keylock.New(),
		retry: shared.DefaultRetryPolicy,
		now:   time.Now,
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS modules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_key TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '[]',
		code_examples TEXT NOT NULL DEFAULT '[]',
		exercises TEXT NOT NULL DEFAULT '[]',
		order_index INTEGER NOT NULL DEFAULT 0,
		github_path TEXT NOT NULL DEFAULT '',
		retired_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_progress (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		module_id INTEGER REFERENCES modules(id),
		completed INTEGER NOT NULL DEFAULT 0,
		score REAL NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		time_spent_ms INTEGER NOT NULL DEFAULT 0,
		last_accessed INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(user_id, module_id)
	);
	CREATE INDEX IF NOT EXISTS idx_progress_last_accessed ON user_progress(last_accessed);

	CREATE TABLE IF NOT EXISTS difficult_topics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		module_id INTEGER REFERENCES modules(id),
		topic TEXT NOT NULL,
		mistake_count INTEGER NOT NULL DEFAULT 0,
		last_mistake INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(user_id, module_id, topic)
	);

	CREATE TABLE IF NOT EXISTS quiz_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		module_id INTEGER REFERENCES modules(id),
		questions TEXT NOT NULL DEFAULT '[]',
		user_answers TEXT NOT NULL DEFAULT '[]',
		score REAL NOT NULL DEFAULT 0,
		total_questions INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_quiz_results_completed ON quiz_results(completed_at);

	CREATE TABLE IF NOT EXISTS learning_interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		module_id INTEGER REFERENCES modules(id),
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		interaction_type TEXT NOT NULL DEFAULT '',
		strategy TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_pair ON learning_interactions(user_id, module_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_interactions_created ON learning_interactions(created_at);

	CREATE TABLE IF NOT EXISTS user_settings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		setting_key TEXT NOT NULL,
		setting_value TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(user_id, setting_key)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &PersistenceError{Op: "ping", Err: err}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, retrying the whole unit on SQLite conflicts.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	err := shared.RetryOnConflict(ctx, s.retry, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back transaction", "op", op, "error", rbErr)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return &PersistenceError{Op: op, Err: err}
	}
	return nil
}

// lockPair serializes writers for one (learner, module) pair.
func (s *SQLiteStore) lockPair(learnerID string, moduleID int64) func() {
	return s.locks.Lock(keylock.PairKey(learnerID, moduleID))
}

// nullableModule maps module ids <= 0 to NULL for module-independent rows.
func nullableModule(moduleID int64) any {
	if moduleID <= 0 {
		return nil
	}
	return moduleID
}

// AppendTurn appends a turn to the pair's transcript.
func (s *SQLiteStore) AppendTurn(ctx context.Context, learnerID string, moduleID int64, turn *domain.Turn) error {
	unlock := s.lockPair(learnerID, moduleID)
	defer unlock()

	return s.withTx(ctx, "append turn", func(tx *sql.Tx) error {
		if err := s.insertTurn(ctx, tx, learnerID, moduleID, turn); err != nil {
			return err
		}
		if moduleID <= 0 {
			return nil
		}
		var delta domain.ProgressDelta
		if turn.IsLearner() {
			delta.Attempts = 1
		}
		_, err := s.upsertProgress(ctx, tx, learnerID, moduleID, delta)
		return err
	})
}

func (s *SQLiteStore) insertTurn(ctx context.Context, q queryer, learnerID string, moduleID int64, turn *domain.Turn) error {
	if turn == nil {
		return errors.New("insert turn: nil turn")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}

	query := `
		INSERT INTO learning_interactions (user_id, module_id, role, content, interaction_type, strategy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := q.ExecContext(ctx, query,
		learnerID, nullableModule(moduleID), string(turn.Role), turn.Content,
		string(turn.InteractionType), string(turn.Strategy), turn.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get turn id: %w", err)
	}
	turn.ID = id
	return nil
}

// ReadTranscript returns the most recent limit turns in chronological order.
func (s *SQLiteStore) ReadTranscript(ctx context.Context, learnerID string, moduleID int64, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, role, content, interaction_type, strategy, created_at FROM (
			SELECT id, role, content, interaction_type, strategy, created_at
			FROM learning_interactions
			WHERE user_id = ? AND module_id IS ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, learnerID, nullableModule(moduleID), limit)
	if err != nil {
		return nil, &PersistenceError{Op: "read transcript", Err: err}
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transcript rows", "error", closeErr)
		}
	}()

	turns := []domain.Turn{}
	for rows.Next() {
		var (
			turn                        domain.Turn
			role, interaction, strategy string
			createdAt                   int64
		)
		if err := rows.Scan(&turn.ID, &role, &turn.Content, &interaction, &strategy, &createdAt); err != nil {
			return nil, &PersistenceError{Op: "read transcript", Err: fmt.Errorf("scan turn: %w", err)}
		}
		turn.Role = domain.Role(role)
		turn.InteractionType = domain.InteractionType(interaction)
		turn.Strategy = domain.Strategy(strategy)
		turn.CreatedAt = time.UnixMilli(createdAt)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "read transcript", Err: fmt.Errorf("iterate turns: %w", err)}
	}
	return turns, nil
}

// CommitTurn writes a full exchange atomically.
func (s *SQLiteStore) CommitTurn(ctx context.Context, commit TurnCommit) (*CommitResult, error) {
	if commit.ModuleID <= 0 {
		return nil, &PersistenceError{Op: "commit turn", Err: ErrModuleRequired}
	}

	unlock := s.lockPair(commit.LearnerID, commit.ModuleID)
	defer unlock()

	var result CommitResult
	err := s.withTx(ctx, "commit turn", func(tx *sql.Tx) error {
		delta := commit.Delta
		for _, turn := range []*domain.Turn{commit.Learner, commit.Tutor} {
			if turn == nil {
				continue
			}
			if err := s.insertTurn(ctx, tx, commit.LearnerID, commit.ModuleID, turn); err != nil {
				return err
			}
			if turn.IsLearner() {
				delta.Attempts++
			}
		}

		progress, err := s.upsertProgress(ctx, tx, commit.LearnerID, commit.ModuleID, delta)
		if err != nil {
			return err
		}
		result.Progress = progress

		if topic := strings.TrimSpace(commit.DifficultyTopic); topic != "" {
			difficulty, err := s.recordDifficulty(ctx, tx, commit.LearnerID, commit.ModuleID, topic)
			if err != nil {
				return err
			}
			result.Difficulty = difficulty
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ClearTranscript removes all turns for a pair.
func (s *SQLiteStore) ClearTranscript(ctx context.Context, learnerID string, moduleID int64) (int64, error) {
	unlock := s.lockPair(learnerID, moduleID)
	defer unlock()

	var removed int64
	err := s.withTx(ctx, "clear transcript", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM learning_interactions WHERE user_id = ? AND module_id IS ?`,
			learnerID, nullableModule(moduleID))
		if err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// UpsertProgress merges delta into the pair's progress record.
func (s *SQLiteStore) UpsertProgress(ctx context.Context, learnerID string, moduleID int64, delta domain.ProgressDelta) (*domain.Progress, error) {
	if moduleID <= 0 {
		return nil, &PersistenceError{Op: "upsert progress", Err: ErrModuleRequired}
	}

	unlock := s.lockPair(learnerID, moduleID)
	defer unlock()

	var progress *domain.Progress
	err := s.withTx(ctx, "upsert progress", func(tx *sql.Tx) error {
		var err error
		progress, err = s.upsertProgress(ctx, tx, learnerID, moduleID, delta)
		return err
	})
	return progress, err
}

func (s *SQLiteStore) upsertProgress(ctx context.Context, q queryer, learnerID string, moduleID int64, delta domain.ProgressDelta) (*domain.Progress, error) {
	existing, err := s.getProgress(ctx, q, learnerID, moduleID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if existing == nil {
		existing = &domain.Progress{LearnerID: learnerID, ModuleID: moduleID}
	}
	merged := existing.Apply(delta, now)

	query := `
	INSERT INTO user_progress (user_id, module_id, completed, score, attempts, time_spent_ms, last_accessed, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, module_id) DO UPDATE SET
		completed = excluded.completed,
		score = excluded.score,
		attempts = excluded.attempts,
		time_spent_ms = excluded.time_spent_ms,
		last_accessed = excluded.last_accessed`

	_, err = q.ExecContext(ctx, query,
		learnerID, moduleID, merged.Completed, merged.Score, merged.Attempts,
		merged.TimeSpent.Milliseconds(), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert progress: %w", err)
	}
	return &merged, nil
}

// GetProgress returns nil, nil when the pair has no progress yet.
func (s *SQLiteStore) GetProgress(ctx context.Context, learnerID string, moduleID int64) (*domain.Progress, error) {
	progress, err := s.getProgress(ctx, s.db, learnerID, moduleID)
	if err != nil {
		return nil, &PersistenceError{Op: "get progress", Err: err}
	}
	return progress, nil
}

const progressColumns = `user_id, module_id, completed, score, attempts, time_spent_ms, last_accessed`

func scanProgress(scan func(dest ...any) error) (*domain.Progress, error) {
	var (
		p            domain.Progress
		moduleID     sql.NullInt64
		timeSpent    int64
		lastAccessed int64
	)
	if err := scan(&p.LearnerID, &moduleID, &p.Completed, &p.Score, &p.Attempts, &timeSpent, &lastAccessed); err != nil {
		return nil, err
	}
	p.ModuleID = moduleID.Int64
	p.TimeSpent = time.Duration(timeSpent) * time.Millisecond
	p.LastAccessed = time.UnixMilli(lastAccessed)
	return &p, nil
}

func (s *SQLiteStore) getProgress(ctx context.Context, q queryer, learnerID string, moduleID int64) (*domain.Progress, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM user_progress WHERE user_id = ? AND module_id = ?`,
		learnerID, moduleID)
	progress, err := scanProgress(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan progress row: %w", err)
	}
	return progress, nil
}

// ListProgress returns a learner's progress across modules ordered by module.
func (s *SQLiteStore) ListProgress(ctx context.Context, learnerID string) ([]domain.Progress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+progressColumns+` FROM user_progress WHERE user_id = ? ORDER BY module_id`, learnerID)
	if err != nil {
		return nil, &PersistenceError{Op: "list progress", Err: err}
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close progress rows", "error", closeErr)
		}
	}()

	var out []domain.Progress
	for rows.Next() {
		p, err := scanProgress(rows.Scan)
		if err != nil {
			return nil, &PersistenceError{Op: "list progress", Err: fmt.Errorf("scan progress row: %w", err)}
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list progress", Err: err}
	}
	return out, nil
}

// RecordDifficulty increments the mistake counter for a topic.
func (s *SQLiteStore) RecordDifficulty(ctx context.Context, learnerID string, moduleID int64, topic string) (*domain.Difficulty, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, &PersistenceError{Op: "record difficulty", Err: errors.New("topic is required")}
	}
	if moduleID <= 0 {
		return nil, &PersistenceError{Op: "record difficulty", Err: ErrModuleRequired}
	}

	unlock := s.lockPair(learnerID, moduleID)
	defer unlock()

	var difficulty *domain.Difficulty
	err := s.withTx(ctx, "record difficulty", func(tx *sql.Tx) error {
		var err error
		difficulty, err = s.recordDifficulty(ctx, tx, learnerID, moduleID, topic)
		return err
	})
	return difficulty, err
}

func (s *SQLiteStore) recordDifficulty(ctx context.Context, q queryer, learnerID string, moduleID int64, topic string) (*domain.Difficulty, error) {
	now := s.now().UnixMilli()
	query := `
	INSERT INTO difficult_topics (user_id, module_id, topic, mistake_count, last_mistake, created_at)
	VALUES (?, ?, ?, 1, ?, ?)
	ON CONFLICT(user_id, module_id, topic) DO UPDATE SET
		mistake_count = difficult_topics.mistake_count + 1,
		last_mistake = excluded.last_mistake`
	if _, err := q.ExecContext(ctx, query, learnerID, moduleID, topic, now, now); err != nil {
		return nil, fmt.Errorf("record difficulty: %w", err)
	}

	d := domain.Difficulty{LearnerID: learnerID, ModuleID: moduleID, Topic: topic}
	var lastMistake int64
	row := q.QueryRowContext(ctx,
		`SELECT mistake_count, last_mistake FROM difficult_topics WHERE user_id = ? AND module_id = ? AND topic = ?`,
		learnerID, moduleID, topic)
	if err := row.Scan(&d.MistakeCount, &lastMistake); err != nil {
		return nil, fmt.Errorf("read difficulty: %w", err)
	}
	d.LastMistake = time.UnixMilli(lastMistake)
	return &d, nil
}

// ResetDifficulty zeroes a topic's mistake count.
func (s *SQLiteStore) ResetDifficulty(ctx context.Context, learnerID string, moduleID int64, topic string) error {
	unlock := s.lockPair(learnerID, moduleID)
	defer unlock()

	return s.withTx(ctx, "reset difficulty", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE difficult_topics SET mistake_count = 0 WHERE user_id = ? AND module_id = ? AND topic = ?`,
			learnerID, moduleID, strings.TrimSpace(topic))
		if err != nil {
			return fmt.Errorf("reset difficulty: %w", err)
		}
		return nil
	})
}

// DifficultTopics returns the most troublesome topics for a pair.
func (s *SQLiteStore) DifficultTopics(ctx context.Context, learnerID string, moduleID int64, limit int) ([]domain.Difficulty, error) {
	if limit <= 0 {
		limit = 5
	}
	query := `
		SELECT topic, mistake_count, last_mistake FROM difficult_topics
		WHERE user_id = ? AND module_id = ? AND mistake_count > 0
		ORDER BY mistake_count DESC, last_mistake DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, learnerID, moduleID, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "difficult topics", Err: err}
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close difficulty rows", "error", closeErr)
		}
	}()

	var out []domain.Difficulty
	for rows.Next() {
		d := domain.Difficulty{LearnerID: learnerID, ModuleID: moduleID}
		var lastMistake int64
		if err := rows.Scan(&d.Topic, &d.MistakeCount, &lastMistake); err != nil {
			return nil, &PersistenceError{Op: "difficult topics", Err: fmt.Errorf("scan difficulty: %w", err)}
		}
		d.LastMistake = time.UnixMilli(lastMistake)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "difficult topics", Err: err}
	}
	return out, nil
}

// SaveQuizResult stores an externally scored quiz.
func (s *SQLiteStore) SaveQuizResult(ctx context.Context, result *domain.QuizResult) error {
	if result.CompletedAt.IsZero() {
		result.CompletedAt = s.now()
	}
	if result.QuestionsJSON == "" {
		result.QuestionsJSON = "[]"
	}
	if result.AnswersJSON == "" {
		result.AnswersJSON = "[]"
	}

	query := `
		INSERT INTO quiz_results (user_id, module_id, questions, user_answers, score, total_questions, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		result.LearnerID, nullableModule(result.ModuleID), result.QuestionsJSON, result.AnswersJSON,
		result.Score, result.TotalQuestions, result.CompletedAt.UnixMilli(),
	)
	if err != nil {
		return &PersistenceError{Op: "save quiz result", Err: err}
	}
	if result.ID, err = res.LastInsertId(); err != nil {
		return &PersistenceError{Op: "save quiz result", Err: err}
	}
	return nil
}

// ListQuizResults returns a pair's quiz results, newest first.
func (s *SQLiteStore) ListQuizResults(ctx context.Context, learnerID string, moduleID int64) ([]domain.QuizResult, error) {
	query := `
		SELECT id, questions, user_answers, score, total_questions, completed_at
		FROM quiz_results WHERE user_id = ? AND module_id IS ?
		ORDER BY completed_at DESC, id DESC`
	rows, err := s.db.QueryContext(ctx, query, learnerID, nullableModule(moduleID))
	if err != nil {
		return nil, &PersistenceError{Op: "list quiz results", Err: err}
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close quiz rows", "error", closeErr)
		}
	}()

	var out []domain.QuizResult
	for rows.Next() {
		r := domain.QuizResult{LearnerID: learnerID, ModuleID: moduleID}
		var completedAt int64
		if err := rows.Scan(&r.ID, &r.QuestionsJSON, &r.AnswersJSON, &r.Score, &r.TotalQuestions, &completedAt); err != nil {
			return nil, &PersistenceError{Op: "list quiz results", Err: err}
		}
		r.CompletedAt = time.UnixMilli(completedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list quiz results", Err: err}
	}
	return out, nil
}

// moduleKey identifies a module across refreshes: its lesson directory when
// it has one, otherwise its title.
func moduleKey(m *domain.Module) string {
	if m.GithubPath != "" {
		return "path:" + m.GithubPath
	}
	return "title:" + m.Title
}

// StoreModules upserts modules by source key and retires stored modules no
// longer present. Retired modules keep their ids and rows, so learner
// history stays reachable through GetModule; they are only hidden from
// ListModules.
func (s *SQLiteStore) StoreModules(ctx context.Context, modules []domain.Module) ([]domain.Module, error) {
	stored := make([]domain.Module, len(modules))
	copy(stored, modules)

	err := s.withTx(ctx, "store modules", func(tx *sql.Tx) error {
		now := s.now().UnixMilli()
		keys := make([]any, 0, len(stored))
		for i := range stored {
			m := &stored[i]
			m.OrderIndex = i
			key := moduleKey(m)

			content, err := json.Marshal(nonNil(m.Content))
			if err != nil {
				return fmt.Errorf("encode content: %w", err)
			}
			examples, err := json.Marshal(nonNil(m.CodeExamples))
			if err != nil {
				return fmt.Errorf("encode code examples: %w", err)
			}
			exercises, err := json.Marshal(nonNil(m.Exercises))
			if err != nil {
				return fmt.Errorf("encode exercises: %w", err)
			}

			query := `
			INSERT INTO modules (source_key, title, description, content, code_examples, exercises, order_index, github_path, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_key) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				content = excluded.content,
				code_examples = excluded.code_examples,
				exercises = excluded.exercises,
				order_index = excluded.order_index,
				github_path = excluded.github_path,
				retired_at = NULL,
				updated_at = excluded.updated_at`
			if _, err := tx.ExecContext(ctx, query,
				key, m.Title, m.Description, string(content), string(examples), string(exercises),
				m.OrderIndex, m.GithubPath, now, now,
			); err != nil {
				return fmt.Errorf("upsert module %q: %w", key, err)
			}
			if err := tx.QueryRowContext(ctx, `SELECT id FROM modules WHERE source_key = ?`, key).Scan(&m.ID); err != nil {
				return fmt.Errorf("read module id %q: %w", key, err)
			}
			keys = append(keys, key)
		}

		if len(keys) == 0 {
			return nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
		args := append([]any{now}, keys...)
		if _, err := tx.ExecContext(ctx,
			`UPDATE modules SET retired_at = ? WHERE retired_at IS NULL AND source_key NOT IN (`+placeholders+`)`,
			args...); err != nil {
			return fmt.Errorf("retire modules: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

const moduleColumns = `id, title, description, content, code_examples, exercises, order_index, github_path`

func scanModule(scan func(dest ...any) error) (*domain.Module, error) {
	var (
		m                             domain.Module
		content, examples, exercises string
	)
	if err := scan(&m.ID, &m.Title, &m.Description, &content, &examples, &exercises, &m.OrderIndex, &m.GithubPath); err != nil {
		return nil, err
	}
	for _, field := range []struct {
		raw  string
		dest *[]string
	}{
		{content, &m.Content},
		{examples, &m.CodeExamples},
		{exercises, &m.Exercises},
	} {
		if err := json.Unmarshal([]byte(field.raw), field.dest); err != nil {
			return nil, fmt.Errorf("decode module %d: %w", m.ID, err)
		}
	}
	return &m, nil
}

// ListModules returns the active curriculum in order.
func (s *SQLiteStore) ListModules(ctx context.Context) ([]domain.Module, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+moduleColumns+` FROM modules WHERE retired_at IS NULL ORDER BY order_index, id`)
	if err != nil {
		return nil, &PersistenceError{Op: "list modules", Err: err}
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close module rows", "error", closeErr)
		}
	}()

	var modules []domain.Module
	for rows.Next() {
		m, err := scanModule(rows.Scan)
		if err != nil {
			return nil, &PersistenceError{Op: "list modules", Err: err}
		}
		modules = append(modules, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list modules", Err: err}
	}
	return modules, nil
}

// GetModule retrieves a module by id, including retired modules.
func (s *SQLiteStore) GetModule(ctx context.Context, moduleID int64) (*domain.Module, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+moduleColumns+` FROM modules WHERE id = ?`, moduleID)
	m, err := scanModule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get module", Err: err}
	}
	return m, nil
}

// SaveSetting creates or updates a learner setting.
func (s *SQLiteStore) SaveSetting(ctx context.Context, learnerID, key, value string) error {
	now := s.now().UnixMilli()
	query := `
	INSERT INTO user_settings (user_id, setting_key, setting_value, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, setting_key) DO UPDATE SET
		setting_value = excluded.setting_value,
		updated_at = excluded.updated_at`
	err := shared.RetryOnConflict(ctx, s.retry, "save setting", func() error {
		_, err := s.db.ExecContext(ctx, query, learnerID, key, value, now, now)
		return err
	})
	if err != nil {
		return &PersistenceError{Op: "save setting", Err: err}
	}
	return nil
}

// GetSetting returns a learner setting and whether it exists.
func (s *SQLiteStore) GetSetting(ctx context.Context, learnerID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT setting_value FROM user_settings WHERE user_id = ? AND setting_key = ?`,
		learnerID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &PersistenceError{Op: "get setting", Err: err}
	}
	return value, true, nil
}

// Stats summarizes a learner's progress.
func (s *SQLiteStore) Stats(ctx context.Context, learnerID string) (*domain.Stats, error) {
	var (
		stats     domain.Stats
		avgScore  sql.NullFloat64
		totalTime sql.NullInt64
	)

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM modules WHERE retired_at IS NULL`).Scan(&stats.TotalModules); err != nil {
		return nil, &PersistenceError{Op: "stats", Err: fmt.Errorf("count modules: %w", err)}
	}

	query := `
		SELECT
			COALESCE(SUM(CASE WHEN completed = 1 AND module_id IN (SELECT id FROM modules WHERE retired_at IS NULL) THEN 1 ELSE 0 END), 0),
			AVG(CASE WHEN score > 0 THEN score END),
			SUM(time_spent_ms)
		FROM user_progress WHERE user_id = ?`
	if err := s.db.QueryRowContext(ctx, query, learnerID).Scan(&stats.CompletedModules, &avgScore, &totalTime); err != nil {
		return nil, &PersistenceError{Op: "stats", Err: fmt.Errorf("aggregate progress: %w", err)}
	}
	if stats.TotalModules > 0 {
		stats.CompletionRate = float64(stats.CompletedModules) / float64(stats.TotalModules) * 100
	}
	stats.AverageScore = float64(int(avgScore.Float64*10+0.5)) / 10
	stats.TotalTime = time.Duration(totalTime.Int64) * time.Millisecond

	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, SUM(mistake_count) AS mistakes FROM difficult_topics
		WHERE user_id = ? GROUP BY topic HAVING mistakes > 0
		ORDER BY mistakes DESC, topic ASC LIMIT 3`, learnerID)
	if err != nil {
		return nil, &PersistenceError{Op: "stats", Err: fmt.Errorf("query topics: %w", err)}
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close topic rows", "error", closeErr)
		}
	}()
	stats.DifficultTopics = []domain.TopicCount{}
	for rows.Next() {
		var tc domain.TopicCount
		if err := rows.Scan(&tc.Topic, &tc.Mistakes); err != nil {
			return nil, &PersistenceError{Op: "stats", Err: fmt.Errorf("scan topic: %w", err)}
		}
		stats.DifficultTopics = append(stats.DifficultTopics, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "stats", Err: err}
	}
	return &stats, nil
}

// PurgeOlderThan removes data older than the retention window.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, retentionDays int) (PurgeReport, error) {
	var report PurgeReport
	if retentionDays <= 0 {
		return report, &PersistenceError{Op: "purge", Err: fmt.Errorf("retention days must be > 0, got %d", retentionDays)}
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()

	err := s.withTx(ctx, "purge", func(tx *sql.Tx) error {
		steps := []struct {
			query string
			dest  *int64
		}{
			{`DELETE FROM learning_interactions WHERE created_at < ?`, &report.Interactions},
			{`DELETE FROM quiz_results WHERE completed_at < ?`, &report.QuizResults},
			{`DELETE FROM user_progress WHERE last_accessed < ?`, &report.Progress},
		}
		for _, step := range steps {
			res, err := tx.ExecContext(ctx, step.query, cutoff)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			if *step.dest, err = res.RowsAffected(); err != nil {
				return fmt.Errorf("purge rows affected: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return PurgeReport{}, err
	}
	return report, nil
}
