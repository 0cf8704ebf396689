// Package store provides storage backends for DripFlow.
//
// Three tables back the sequence engine: message_sequence,
// message_sequence_step and sequence_execution, plus a conversation table
// for the channel/contact context joined by the due-work queries.
package store

import (
	"strings"
	"time"

	"github.com/flowdesk/DripFlow/internal/models"
)

// Storage behaviour constants shared by the backends.
const (
	// DefaultDueBatchSize caps how many due executions a single poll cycle claims.
	DefaultDueBatchSize = 100
	// DefaultClaimLease is how long a worker's claim on an execution row is
	// honoured before another worker may reclaim it (crash recovery).
	DefaultClaimLease = 2 * time.Minute
)

// SequenceRepo defines persistence for sequence definitions and their steps.
type SequenceRepo interface {
	CreateSequence(seq models.Sequence) error
	GetSequence(orgID, id string) (*models.Sequence, error)
	// GetSequenceByShortcut looks up a sequence by its normalized (lowercase)
	// shortcut within one organization. Returns nil when absent.
	GetSequenceByShortcut(orgID, shortcut string) (*models.Sequence, error)
	ListSequences(orgID string) ([]models.Sequence, error)
	UpdateSequence(seq models.Sequence) error
	// DeleteSequence removes a sequence and its steps (cascade). Callers stop
	// the sequence's executions first.
	DeleteSequence(id string) error
	// SearchSequencesByShortcutPrefix matches active and draft sequences whose
	// shortcut starts with the given prefix (case-insensitive), ordered by
	// usage count descending then shortcut ascending.
	SearchSequencesByShortcutPrefix(orgID, prefix string, limit int) ([]models.Sequence, error)
	IncrementSequenceUsage(id string) error

	CreateStep(step models.Step) error
	GetStep(sequenceID, id string) (*models.Step, error)
	// ListSteps returns the sequence's steps ordered by step_order ascending.
	ListSteps(sequenceID string) ([]models.Step, error)
	UpdateStep(step models.Step) error
	// DeleteStep removes a step and compacts the remaining orders so they stay
	// dense and zero-based.
	DeleteStep(sequenceID, id string) error
	// ReorderSteps rewrites each step's order to its position in stepIDs.
	ReorderSteps(sequenceID string, stepIDs []string) error
}

// ExecutionRepo defines persistence for the execution state machine. All
// state transitions are conditional updates: a transition whose row is no
// longer in the expected status reports false instead of overwriting, so
// concurrent workers and stop calls cannot double-process a step.
type ExecutionRepo interface {
	CreateExecution(ex models.Execution) error
	GetExecution(id string) (*models.Execution, error)
	// ListConversationExecutions returns a conversation's executions, most
	// recent first, capped at limit.
	ListConversationExecutions(conversationID string, limit int) ([]models.Execution, error)
	// StopActiveExecutions marks every scheduled or running execution for the
	// (sequence, conversation) pair as stopped and returns how many changed.
	StopActiveExecutions(sequenceID, conversationID string) (int, error)
	// StopExecutionsForSequence marks every non-terminal execution of the
	// sequence as stopped (used before sequence deletion).
	StopExecutionsForSequence(sequenceID string) (int, error)
	// MarkExecutionStopped stops one execution. Returns false when the row is
	// missing or already terminal.
	MarkExecutionStopped(id string) (bool, error)

	// ClaimDueScheduledExecutions atomically claims up to limit scheduled
	// executions whose scheduled_at <= now and returns them joined with their
	// sequence's first step and conversation context.
	ClaimDueScheduledExecutions(now time.Time, limit int) ([]models.DueScheduledExecution, error)
	// ClaimDuePendingExecutions atomically claims up to limit running
	// executions whose next_step_at <= now and returns them joined with the
	// full ordered step list and conversation context.
	ClaimDuePendingExecutions(now time.Time, limit int) ([]models.DuePendingExecution, error)

	// MarkExecutionStarted transitions scheduled -> running and sets the first
	// due time. Returns false when the row is no longer scheduled.
	MarkExecutionStarted(id string, startedAt time.Time, nextStepAt time.Time) (bool, error)
	// AdvanceExecutionRow moves the execution to the given step index with the
	// given due time. Returns false when the row is no longer running.
	AdvanceExecutionRow(id string, currentStep int, nextStepAt time.Time, errorMessage string) (bool, error)
	// CompleteExecution transitions running -> completed. Returns false when
	// the row is no longer running.
	CompleteExecution(id string, completedAt time.Time, errorMessage string) (bool, error)

	// ReleaseStaleClaims clears claim leases older than staleBefore on
	// non-terminal rows so they become claimable again (crash recovery).
	ReleaseStaleClaims(staleBefore time.Time) (int, error)
	// PurgeTerminalExecutions deletes completed and stopped executions last
	// updated before olderThan. Returns how many were removed.
	PurgeTerminalExecutions(olderThan time.Time) (int, error)
}

// ConversationRepo defines persistence for conversation context records.
type ConversationRepo interface {
	SaveConversation(conv models.Conversation) error
	GetConversation(id string) (*models.Conversation, error)
}

// Store is the full persistence surface used by the engine and the API.
type Store interface {
	SequenceRepo
	ExecutionRepo
	ConversationRepo
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType reports "postgres" for PostgreSQL-style connection strings
// and "sqlite" for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
