package automation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrRuleNotFound      = errors.New("automation rule not found")
	ErrExecutionNotFound = errors.New("automation execution not found")
)

// Store persists automation rules and their execution audit records.
type Store interface {
	CreateRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, id string) (*Rule, error)

	// DueRules returns enabled rules with a non-nil next_run_at at or before
	// now, ordered by next_run_at ascending.
	DueRules(ctx context.Context, now time.Time) ([]*Rule, error)

	// UpdateNextRun advances a rule's next eligible run time.
	UpdateNextRun(ctx context.Context, ruleID string, next time.Time) error

	// CreateExecution records a new attempt in the running state.
	CreateExecution(ctx context.Context, exec *Execution) error

	// FinishExecution applies the single terminal update for an execution.
	FinishExecution(ctx context.Context, exec *Execution) error

	// ListExecutions returns a rule's attempts, most recent first.
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]*Execution, error)
}

// MemoryStore keeps rules and executions in memory.
type MemoryStore struct {
	mu         sync.RWMutex
	rules      map[string]*Rule
	executions map[string]*Execution
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:      make(map[string]*Rule),
		executions: make(map[string]*Execution),
	}
}

// CreateRule stores a rule.
func (s *MemoryStore) CreateRule(ctx context.Context, rule *Rule) error {
	if rule == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

// GetRule returns a rule by id.
func (s *MemoryStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return cloneRule(rule), nil
}

// DueRules implements Store.
func (s *MemoryStore) DueRules(ctx context.Context, now time.Time) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Rule
	for _, rule := range s.rules {
		if !rule.AutomationEnabled || rule.NextRunAt == nil {
			continue
		}
		if rule.NextRunAt.After(now) {
			continue
		}
		due = append(due, cloneRule(rule))
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})
	return due, nil
}

// UpdateNextRun implements Store.
func (s *MemoryStore) UpdateNextRun(ctx context.Context, ruleID string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[ruleID]
	if !ok {
		return ErrRuleNotFound
	}
	rule.NextRunAt = &next
	rule.UpdatedAt = time.Now()
	return nil
}

// CreateExecution implements Store.
func (s *MemoryStore) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// FinishExecution implements Store.
func (s *MemoryStore) FinishExecution(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return ErrExecutionNotFound
	}
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

// ListExecutions implements Store.
func (s *MemoryStore) ListExecutions(ctx context.Context, ruleID string, limit int) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Execution
	for _, exec := range s.executions {
		if exec.RuleID == ruleID {
			out = append(out, cloneExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRule(rule *Rule) *Rule {
	out := *rule
	if rule.NextRunAt != nil {
		next := *rule.NextRunAt
		out.NextRunAt = &next
	}
	if rule.Categories != nil {
		out.Categories = append([]string(nil), rule.Categories...)
	}
	return &out
}

func cloneExecution(exec *Execution) *Execution {
	out := *exec
	if exec.CompletedAt != nil {
		done := *exec.CompletedAt
		out.CompletedAt = &done
	}
	return &out
}
