// Package automation runs user-configured generation rules unattended.
//
// A Rule describes when and how to run the pipeline; an Execution is the
// audit record of one attempt. The scheduler sweeps due rules sequentially,
// isolates per-rule failures, and advances each rule's next run time after
// every attempt so a stuck rule cannot monopolize successive sweeps.
package automation

import (
	"time"
)

// Frequency is a rule's schedule cadence.
type Frequency string

const (
	FrequencyHourly Frequency = "hourly"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"

	// FrequencyCustom uses the rule's cron expression.
	FrequencyCustom Frequency = "custom"
)

// Trigger identifies what initiated an execution.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// ExecutionStatus is the state of one execution attempt.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Rule is a durable, user-configured automation schedule.
type Rule struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"owner_id"`
	Name              string     `json:"name"`
	Enabled           bool       `json:"enabled"`
	AutomationEnabled bool       `json:"automation_enabled"`
	Frequency         Frequency  `json:"schedule_frequency"`
	CronExpr          string     `json:"cron_expr,omitempty"`
	NextRunAt         *time.Time `json:"next_run_at,omitempty"`
	Categories        []string   `json:"categories,omitempty"`
	TargetStrategyID  string     `json:"target_strategy_id,omitempty"`
	MaxCardsPerRun    int        `json:"max_cards_per_run"`
	OptimizationLevel string     `json:"optimization_level,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Execution is the audit record of one rule attempt. It is created in the
// running state before the pipeline is invoked and receives exactly one
// terminal update afterward.
type Execution struct {
	ID               string          `json:"id"`
	RuleID           string          `json:"rule_id"`
	Trigger          Trigger         `json:"trigger"`
	Status           ExecutionStatus `json:"status"`
	CardsCreated     int             `json:"cards_created"`
	TokensUsed       int             `json:"tokens_used"`
	CostIncurred     float64         `json:"cost_incurred"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ErrorDetails     string          `json:"error_details,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	ProcessingTimeMS int64           `json:"processing_time_ms"`
}
