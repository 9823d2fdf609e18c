package automation

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore("")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_RuleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)

	rule := testRule("r1", FrequencyDaily, base)
	rule.Categories = []string{"vision", "market"}
	if err := store.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule() error = %v", err)
	}

	got, err := store.GetRule(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRule() error = %v", err)
	}
	if got.Name != rule.Name || got.Frequency != FrequencyDaily {
		t.Errorf("got %+v", got)
	}
	if len(got.Categories) != 2 || got.Categories[0] != "vision" {
		t.Errorf("categories = %v", got.Categories)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(base) {
		t.Errorf("next_run_at = %v, want %v", got.NextRunAt, base)
	}

	if _, err := store.GetRule(ctx, "missing"); err != ErrRuleNotFound {
		t.Errorf("GetRule(missing) = %v, want ErrRuleNotFound", err)
	}
}

func TestSQLiteStore_DueRules(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)

	_ = store.CreateRule(ctx, testRule("due-late", FrequencyDaily, base.Add(-time.Minute)))
	_ = store.CreateRule(ctx, testRule("due-early", FrequencyDaily, base.Add(-time.Hour)))
	_ = store.CreateRule(ctx, testRule("future", FrequencyDaily, base.Add(time.Hour)))

	disabled := testRule("disabled", FrequencyDaily, base.Add(-time.Hour))
	disabled.AutomationEnabled = false
	_ = store.CreateRule(ctx, disabled)

	never := testRule("null-next", FrequencyDaily, base)
	never.NextRunAt = nil
	_ = store.CreateRule(ctx, never)

	due, err := store.DueRules(ctx, base)
	if err != nil {
		t.Fatalf("DueRules() error = %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due rules, want 2", len(due))
	}
	if due[0].ID != "due-early" || due[1].ID != "due-late" {
		t.Errorf("due order = %s, %s", due[0].ID, due[1].ID)
	}
}

func TestSQLiteStore_ExecutionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)
	_ = store.CreateRule(ctx, testRule("r1", FrequencyDaily, base))

	exec := &Execution{
		ID:        uuid.NewString(),
		RuleID:    "r1",
		Trigger:   TriggerScheduled,
		Status:    ExecutionRunning,
		StartedAt: base,
	}
	if err := store.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	done := base.Add(40 * time.Second)
	exec.Status = ExecutionCompleted
	exec.CardsCreated = 3
	exec.TokensUsed = 2400
	exec.CompletedAt = &done
	exec.ProcessingTimeMS = 40000
	if err := store.FinishExecution(ctx, exec); err != nil {
		t.Fatalf("FinishExecution() error = %v", err)
	}

	execs, err := store.ListExecutions(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want 1", len(execs))
	}
	got := execs[0]
	if got.Status != ExecutionCompleted || got.CardsCreated != 3 || got.TokensUsed != 2400 {
		t.Errorf("execution = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not persisted")
	}

	if err := store.FinishExecution(ctx, &Execution{ID: "missing"}); err != ErrExecutionNotFound {
		t.Errorf("FinishExecution(missing) = %v, want ErrExecutionNotFound", err)
	}
}

func TestSQLiteStore_UpdateNextRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)
	_ = store.CreateRule(ctx, testRule("r1", FrequencyDaily, base))

	next := base.Add(24 * time.Hour)
	if err := store.UpdateNextRun(ctx, "r1", next); err != nil {
		t.Fatalf("UpdateNextRun() error = %v", err)
	}
	rule, _ := store.GetRule(ctx, "r1")
	if !rule.NextRunAt.Equal(next) {
		t.Errorf("next_run_at = %v, want %v", rule.NextRunAt, next)
	}

	if err := store.UpdateNextRun(ctx, "missing", next); err != ErrRuleNotFound {
		t.Errorf("UpdateNextRun(missing) = %v, want ErrRuleNotFound", err)
	}
}

func TestSQLiteStore_FinishExecutionQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("UPDATE automation_executions").
		WillReturnError(context.DeadlineExceeded)

	store := NewSQLiteStoreFromDB(db)
	done := time.Now()
	execErr := store.FinishExecution(context.Background(), &Execution{
		ID:          "e1",
		Status:      ExecutionFailed,
		CompletedAt: &done,
	})
	if execErr == nil {
		t.Fatal("expected error from failing update")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
