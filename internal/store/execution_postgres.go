package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowdesk/DripFlow/internal/models"
)

const postgresExecutionColumns = `id, sequence_id, conversation_id, current_step, status, scheduled_at, started_at, completed_at, next_step_at, error_message, locked_at, created_at, updated_at`

// CreateExecution inserts a new execution record.
func (s *PostgresStore) CreateExecution(ex models.Execution) error {
	_, err := s.db.Exec(
		`INSERT INTO sequence_execution (`+postgresExecutionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ex.ID, ex.SequenceID, ex.ConversationID, ex.CurrentStep, string(ex.Status),
		ex.ScheduledAt, ex.StartedAt, ex.CompletedAt, ex.NextStepAt, ex.ErrorMessage,
		ex.LockedAt, ex.CreatedAt, ex.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateExecution failed", "error", err, "id", ex.ID)
		return fmt.Errorf("failed to insert execution %s: %w", ex.ID, err)
	}
	slog.Debug("PostgresStore CreateExecution succeeded", "id", ex.ID, "sequenceID", ex.SequenceID, "status", ex.Status)
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *PostgresStore) GetExecution(id string) (*models.Execution, error) {
	row := s.db.QueryRow(
		`SELECT `+postgresExecutionColumns+` FROM sequence_execution WHERE id = $1`, id,
	)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetExecution failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return &ex, nil
}

// ListConversationExecutions returns a conversation's executions, most recent first.
func (s *PostgresStore) ListConversationExecutions(conversationID string, limit int) ([]models.Execution, error) {
	rows, err := s.db.Query(
		`SELECT `+postgresExecutionColumns+` FROM sequence_execution
		 WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2`,
		conversationID, limit,
	)
	if err != nil {
		slog.Error("PostgresStore ListConversationExecutions query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var exs []models.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		exs = append(exs, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate execution rows: %w", err)
	}
	return exs, nil
}

// StopActiveExecutions stops every scheduled or running execution for the pair.
func (s *PostgresStore) StopActiveExecutions(sequenceID, conversationID string) (int, error) {
	result, err := s.db.Exec(
		`UPDATE sequence_execution
		 SET status = 'stopped', next_step_at = NULL, locked_at = NULL, updated_at = $1
		 WHERE sequence_id = $2 AND conversation_id = $3 AND status IN ('scheduled', 'running')`,
		time.Now(), sequenceID, conversationID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to stop active executions: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Debug("PostgresStore StopActiveExecutions", "sequenceID", sequenceID, "conversationID", conversationID, "stopped", n)
	}
	return int(n), nil
}

// StopExecutionsForSequence stops every non-terminal execution of the sequence.
func (s *PostgresStore) StopExecutionsForSequence(sequenceID string) (int, error) {
	result, err := s.db.Exec(
		`UPDATE sequence_execution
		 SET status = 'stopped', next_step_at = NULL, locked_at = NULL, updated_at = $1
		 WHERE sequence_id = $2 AND status IN ('scheduled', 'running')`,
		time.Now(), sequenceID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to stop executions for sequence %s: %w", sequenceID, err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// MarkExecutionStopped stops one execution if it is still non-terminal.
func (s *PostgresStore) MarkExecutionStopped(id string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE sequence_execution
		 SET status = 'stopped', next_step_at = NULL, locked_at = NULL, updated_at = $1
		 WHERE id = $2 AND status IN ('scheduled', 'running')`,
		time.Now(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to stop execution %s: %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ClaimDueScheduledExecutions claims scheduled executions whose start time
// has arrived. The claim is a single atomic update over SKIP LOCKED so two
// workers never pick up the same row; a lease already held within
// DefaultClaimLease is honoured.
func (s *PostgresStore) ClaimDueScheduledExecutions(now time.Time, limit int) ([]models.DueScheduledExecution, error) {
	exs, err := s.claimExecutions(now, limit, "scheduled", "scheduled_at")
	if err != nil {
		return nil, err
	}
	return buildScheduledWork(s, exs)
}

// ClaimDuePendingExecutions claims running executions whose next step is due.
func (s *PostgresStore) ClaimDuePendingExecutions(now time.Time, limit int) ([]models.DuePendingExecution, error) {
	exs, err := s.claimExecutions(now, limit, "running", "next_step_at")
	if err != nil {
		return nil, err
	}
	return buildPendingWork(s, exs)
}

func (s *PostgresStore) claimExecutions(now time.Time, limit int, status, dueColumn string) ([]models.Execution, error) {
	leaseCutoff := now.Add(-DefaultClaimLease)
	rows, err := s.db.Query(
		`UPDATE sequence_execution SET locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM sequence_execution
		   WHERE status = $2 AND `+dueColumn+` <= $1
		     AND (locked_at IS NULL OR locked_at < $3)
		   ORDER BY `+dueColumn+` ASC LIMIT $4
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+postgresExecutionColumns,
		now, status, leaseCutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due executions failed: %w", err)
	}
	defer rows.Close()

	var exs []models.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed execution: %w", err)
		}
		exs = append(exs, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due executions iteration failed: %w", err)
	}
	return exs, nil
}

// MarkExecutionStarted transitions scheduled -> running.
func (s *PostgresStore) MarkExecutionStarted(id string, startedAt time.Time, nextStepAt time.Time) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE sequence_execution
		 SET status = 'running', started_at = $1, next_step_at = $2, locked_at = NULL, updated_at = $1
		 WHERE id = $3 AND status = 'scheduled'`,
		startedAt, nextStepAt, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to start execution %s: %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// AdvanceExecutionRow moves a running execution to the next step.
func (s *PostgresStore) AdvanceExecutionRow(id string, currentStep int, nextStepAt time.Time, errorMessage string) (bool, error) {
	now := time.Now()
	var result sql.Result
	var err error
	if errorMessage != "" {
		result, err = s.db.Exec(
			`UPDATE sequence_execution
			 SET current_step = $1, next_step_at = $2, error_message = $3, locked_at = NULL, updated_at = $4
			 WHERE id = $5 AND status = 'running'`,
			currentStep, nextStepAt, errorMessage, now, id,
		)
	} else {
		result, err = s.db.Exec(
			`UPDATE sequence_execution
			 SET current_step = $1, next_step_at = $2, locked_at = NULL, updated_at = $3
			 WHERE id = $4 AND status = 'running'`,
			currentStep, nextStepAt, now, id,
		)
	}
	if err != nil {
		return false, fmt.Errorf("failed to advance execution %s: %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// CompleteExecution transitions running -> completed.
func (s *PostgresStore) CompleteExecution(id string, completedAt time.Time, errorMessage string) (bool, error) {
	var result sql.Result
	var err error
	if errorMessage != "" {
		result, err = s.db.Exec(
			`UPDATE sequence_execution
			 SET status = 'completed', completed_at = $1, next_step_at = NULL, error_message = $2, locked_at = NULL, updated_at = $1
			 WHERE id = $3 AND status = 'running'`,
			completedAt, errorMessage, id,
		)
	} else {
		result, err = s.db.Exec(
			`UPDATE sequence_execution
			 SET status = 'completed', completed_at = $1, next_step_at = NULL, locked_at = NULL, updated_at = $1
			 WHERE id = $2 AND status = 'running'`,
			completedAt, id,
		)
	}
	if err != nil {
		return false, fmt.Errorf("failed to complete execution %s: %w", id, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// ReleaseStaleClaims clears leases abandoned by crashed workers.
func (s *PostgresStore) ReleaseStaleClaims(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE sequence_execution SET locked_at = NULL, updated_at = $1
		 WHERE locked_at IS NOT NULL AND locked_at < $2 AND status IN ('scheduled', 'running')`,
		time.Now(), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.ReleaseStaleClaims", "released", n)
	}
	return int(n), nil
}

// PurgeTerminalExecutions deletes old completed and stopped executions.
func (s *PostgresStore) PurgeTerminalExecutions(olderThan time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM sequence_execution
		 WHERE status IN ('completed', 'stopped') AND updated_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal executions: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.PurgeTerminalExecutions", "purged", n)
	}
	return int(n), nil
}
