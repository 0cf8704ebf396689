package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/flowdesk/DripFlow/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSequence scans a Sequence row in the canonical column order.
func scanSequence(row rowScanner) (models.Sequence, error) {
	var seq models.Sequence
	var shortcut sql.NullString
	var status string
	err := row.Scan(
		&seq.ID, &seq.OrgID, &seq.Name, &shortcut, &seq.Description, &status,
		&seq.TriggerType, &seq.TriggerConfig, &seq.UsageCount, &seq.CreatedAt, &seq.UpdatedAt,
	)
	if err != nil {
		return seq, err
	}
	seq.Shortcut = shortcut.String
	seq.Status = models.SequenceStatus(status)
	return seq, nil
}

// scanStep scans a Step row in the canonical column order.
func scanStep(row rowScanner) (models.Step, error) {
	var st models.Step
	var stepType string
	err := row.Scan(
		&st.ID, &st.SequenceID, &st.Order, &stepType, &st.Body, &st.MediaURL,
		&st.FileName, &st.MediaType, &st.DelayMinutes, &st.DelaySeconds,
		&st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return st, err
	}
	st.Type = models.StepType(stepType)
	return st, nil
}

// scanExecution scans an Execution row in the canonical column order.
func scanExecution(row rowScanner) (models.Execution, error) {
	var ex models.Execution
	var status string
	var scheduledAt, startedAt, completedAt, nextStepAt, lockedAt sql.NullTime
	err := row.Scan(
		&ex.ID, &ex.SequenceID, &ex.ConversationID, &ex.CurrentStep, &status,
		&scheduledAt, &startedAt, &completedAt, &nextStepAt, &ex.ErrorMessage,
		&lockedAt, &ex.CreatedAt, &ex.UpdatedAt,
	)
	if err != nil {
		return ex, err
	}
	ex.Status = models.ExecutionStatus(status)
	if scheduledAt.Valid {
		ex.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		ex.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	if nextStepAt.Valid {
		ex.NextStepAt = &nextStepAt.Time
	}
	if lockedAt.Valid {
		ex.LockedAt = &lockedAt.Time
	}
	return ex, nil
}

// contextReader is the slice of the store the due-work assembly needs.
type contextReader interface {
	ListSteps(sequenceID string) ([]models.Step, error)
	GetConversation(id string) (*models.Conversation, error)
}

// buildScheduledWork joins claimed scheduled executions with their sequence's
// first step and conversation context.
func buildScheduledWork(r contextReader, exs []models.Execution) ([]models.DueScheduledExecution, error) {
	var work []models.DueScheduledExecution
	for _, ex := range exs {
		steps, err := r.ListSteps(ex.SequenceID)
		if err != nil {
			return nil, fmt.Errorf("load steps for execution %s: %w", ex.ID, err)
		}
		item := models.DueScheduledExecution{Execution: ex}
		if len(steps) > 0 {
			first := steps[0]
			item.FirstStep = &first
		}
		conv, err := r.GetConversation(ex.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("load conversation for execution %s: %w", ex.ID, err)
		}
		if conv == nil {
			slog.Warn("buildScheduledWork: conversation missing", "executionID", ex.ID, "conversationID", ex.ConversationID)
		} else {
			item.Conversation = *conv
		}
		work = append(work, item)
	}
	return work, nil
}

// buildPendingWork joins claimed running executions with the full ordered
// step list and conversation context.
func buildPendingWork(r contextReader, exs []models.Execution) ([]models.DuePendingExecution, error) {
	var work []models.DuePendingExecution
	for _, ex := range exs {
		steps, err := r.ListSteps(ex.SequenceID)
		if err != nil {
			return nil, fmt.Errorf("load steps for execution %s: %w", ex.ID, err)
		}
		item := models.DuePendingExecution{Execution: ex, Steps: steps}
		conv, err := r.GetConversation(ex.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("load conversation for execution %s: %w", ex.ID, err)
		}
		if conv == nil {
			slog.Warn("buildPendingWork: conversation missing", "executionID", ex.ID, "conversationID", ex.ConversationID)
		} else {
			item.Conversation = *conv
		}
		work = append(work, item)
	}
	return work, nil
}
