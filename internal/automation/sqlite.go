package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists rules and executions in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. An empty path uses an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open automation database: %w", err)
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreFromDB wraps an existing database handle. The schema must
// already exist; used by tests.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS automation_rules (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			automation_enabled INTEGER NOT NULL DEFAULT 0,
			schedule_frequency TEXT NOT NULL,
			cron_expr TEXT,
			next_run_at DATETIME,
			categories TEXT,
			target_strategy_id TEXT,
			max_cards_per_run INTEGER NOT NULL DEFAULT 3,
			optimization_level TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create automation_rules table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS automation_executions (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			status TEXT NOT NULL,
			cards_created INTEGER NOT NULL DEFAULT 0,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			cost_incurred REAL NOT NULL DEFAULT 0,
			error_message TEXT,
			error_details TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			processing_time_ms INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("create automation_executions table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_rules_next_run ON automation_rules(automation_enabled, next_run_at)",
		"CREATE INDEX IF NOT EXISTS idx_executions_rule ON automation_executions(rule_id, started_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRule implements Store.
func (s *SQLiteStore) CreateRule(ctx context.Context, rule *Rule) error {
	categories, err := json.Marshal(rule.Categories)
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_rules
			(id, owner_id, name, enabled, automation_enabled, schedule_frequency,
			 cron_expr, next_run_at, categories, target_strategy_id,
			 max_cards_per_run, optimization_level, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.OwnerID, rule.Name, rule.Enabled, rule.AutomationEnabled,
		string(rule.Frequency), rule.CronExpr, nullableTime(rule.NextRunAt),
		string(categories), rule.TargetStrategyID, rule.MaxCardsPerRun,
		rule.OptimizationLevel, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// GetRule implements Store.
func (s *SQLiteStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, selectRuleSQL+" WHERE id = ?", id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return rule, err
}

// DueRules implements Store.
func (s *SQLiteStore) DueRules(ctx context.Context, now time.Time) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRuleSQL+`
		WHERE automation_enabled = 1
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= ?
		ORDER BY next_run_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("query due rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var due []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, rule)
	}
	return due, rows.Err()
}

// UpdateNextRun implements Store.
func (s *SQLiteStore) UpdateNextRun(ctx context.Context, ruleID string, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_rules SET next_run_at = ?, updated_at = ? WHERE id = ?`,
		next, time.Now(), ruleID)
	if err != nil {
		return fmt.Errorf("update next_run_at: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// CreateExecution implements Store.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_executions
			(id, rule_id, trigger_type, status, cards_created, tokens_used,
			 cost_incurred, error_message, error_details, started_at,
			 completed_at, processing_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.RuleID, string(exec.Trigger), string(exec.Status),
		exec.CardsCreated, exec.TokensUsed, exec.CostIncurred,
		exec.ErrorMessage, exec.ErrorDetails, exec.StartedAt,
		nullableTime(exec.CompletedAt), exec.ProcessingTimeMS)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// FinishExecution implements Store.
func (s *SQLiteStore) FinishExecution(ctx context.Context, exec *Execution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automation_executions
		SET status = ?, cards_created = ?, tokens_used = ?, cost_incurred = ?,
		    error_message = ?, error_details = ?, completed_at = ?,
		    processing_time_ms = ?
		WHERE id = ?`,
		string(exec.Status), exec.CardsCreated, exec.TokensUsed,
		exec.CostIncurred, exec.ErrorMessage, exec.ErrorDetails,
		nullableTime(exec.CompletedAt), exec.ProcessingTimeMS, exec.ID)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// ListExecutions implements Store.
func (s *SQLiteStore) ListExecutions(ctx context.Context, ruleID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, trigger_type, status, cards_created, tokens_used,
		       cost_incurred, error_message, error_details, started_at,
		       completed_at, processing_time_ms
		FROM automation_executions
		WHERE rule_id = ?
		ORDER BY started_at DESC
		LIMIT ?`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Execution
	for rows.Next() {
		var exec Execution
		var trigger, status string
		var errMsg, errDetails sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&exec.ID, &exec.RuleID, &trigger, &status,
			&exec.CardsCreated, &exec.TokensUsed, &exec.CostIncurred,
			&errMsg, &errDetails, &exec.StartedAt, &completed,
			&exec.ProcessingTimeMS); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		exec.Trigger = Trigger(trigger)
		exec.Status = ExecutionStatus(status)
		exec.ErrorMessage = errMsg.String
		exec.ErrorDetails = errDetails.String
		if completed.Valid {
			exec.CompletedAt = &completed.Time
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

const selectRuleSQL = `
	SELECT id, owner_id, name, enabled, automation_enabled, schedule_frequency,
	       cron_expr, next_run_at, categories, target_strategy_id,
	       max_cards_per_run, optimization_level, created_at, updated_at
	FROM automation_rules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	var frequency string
	var cronExpr, categories, target, level sql.NullString
	var nextRun sql.NullTime
	if err := row.Scan(&rule.ID, &rule.OwnerID, &rule.Name, &rule.Enabled,
		&rule.AutomationEnabled, &frequency, &cronExpr, &nextRun,
		&categories, &target, &rule.MaxCardsPerRun, &level,
		&rule.CreatedAt, &rule.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	rule.Frequency = Frequency(frequency)
	rule.CronExpr = cronExpr.String
	rule.TargetStrategyID = target.String
	rule.OptimizationLevel = level.String
	if nextRun.Valid {
		rule.NextRunAt = &nextRun.Time
	}
	if categories.Valid && categories.String != "" {
		if err := json.Unmarshal([]byte(categories.String), &rule.Categories); err != nil {
			return nil, fmt.Errorf("decode categories: %w", err)
		}
	}
	return &rule, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
