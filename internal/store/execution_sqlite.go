package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowdesk/DripFlow/internal/models"
)

const sqliteExecutionColumns = `id, sequence_id, conversation_id, current_step, status, scheduled_at, started_at, completed_at, next_step_at, error_message, locked_at, created_at, updated_at`

// CreateExecution inserts a new execution row.
func (s *SQLiteStore) CreateExecution(exec models.Execution) error {
	_, err := s.db.Exec(
		`INSERT INTO sequence_execution (`+sqliteExecutionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.SequenceID, exec.ConversationID, exec.CurrentStep, string(exec.Status),
		exec.ScheduledAt, exec.StartedAt, exec.CompletedAt,
		exec.NextStepAt, exec.ErrorMessage, exec.LockedAt, exec.CreatedAt, exec.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateExecution failed", "error", err, "id", exec.ID)
		return fmt.Errorf("failed to insert execution %s: %w", exec.ID, err)
	}
	slog.Debug("SQLiteStore CreateExecution succeeded", "id", exec.ID, "sequenceID", exec.SequenceID, "status", exec.Status)
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(id string) (*models.Execution, error) {
	row := s.db.QueryRow(
		`SELECT `+sqliteExecutionColumns+` FROM sequence_execution WHERE id = ?`,
		id,
	)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetExecution failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListConversationExecutions retrieves a conversation's executions, newest first.
func (s *SQLiteStore) ListConversationExecutions(conversationID string, limit int) ([]models.Execution, error) {
	rows, err := s.db.Query(
		`SELECT `+sqliteExecutionColumns+` FROM sequence_execution
		 WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore ListConversationExecutions query failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var execs []models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate execution rows: %w", err)
	}
	return execs, nil
}

// StopActiveExecutions marks all non-terminal executions of a sequence for one
// conversation as stopped. Returns the number of executions stopped.
func (s *SQLiteStore) StopActiveExecutions(sequenceID, conversationID string) (int, error) {
	res, err := s.db.Exec(
		`UPDATE sequence_execution
		 SET status = 'stopped', next_step_at = NULL, locked_at = NULL, updated_at = ?
		 WHERE sequence_id = ? AND conversation_id = ? AND status IN ('scheduled', 'running')`,
		time.Now(), sequenceID, conversationID,
	)
	if err != nil {
		slog.Error("SQLiteStore StopActiveExecutions failed", "error", err, "sequenceID", sequenceID, "conversationID", conversationID)
		return 0, fmt.Errorf("failed to stop active executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// StopExecutionsForSequence marks every non-terminal execution of a sequence
// as stopped, across all conversations.
func (s *SQLiteStore) StopExecutionsForSequence(sequenceID string) (int, error) {
	res, err := s.db.Exec(
		`UPDATE sequence_execution
		 SET status = 'stopped', next_step_at = NULL, locked_at = NULL, updated_at = ?
		 WHERE sequence_id = ? AND status IN ('scheduled', 'running')`,
		time.Now(), sequenceID,
	)
	if err != nil {
		slog.Error("SQLiteStore StopExecutionsForSequence failed", "error", err, "sequenceID", sequenceID)
		return 0, fmt.Errorf("failed to stop executions for sequence %s: %w", sequenceID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkExecutionStopped stops a single execution if it is still active.
// Returns false when the execution is already terminal or does not exist.
func (s *SQLiteStore) MarkExecutionStopped(id string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE sequence_execution
		 SET status = 'stopped', next_step_at = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('scheduled', 'running')`,
		time.Now(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore MarkExecutionStopped failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to stop execution %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// claimExecutions selects due candidate executions and claims each with a
// conditional update. SQLite has no SELECT FOR UPDATE, so the per-row update
// re-checks the predicate and a claim only holds when RowsAffected is 1.
func (s *SQLiteStore) claimExecutions(now time.Time, limit int, status models.ExecutionStatus, dueColumn string) ([]models.Execution, error) {
	staleBefore := now.Add(-DefaultClaimLease)
	rows, err := s.db.Query(
		`SELECT `+sqliteExecutionColumns+` FROM sequence_execution
		 WHERE status = ? AND `+dueColumn+` <= ?
		   AND (locked_at IS NULL OR locked_at < ?)
		 ORDER BY `+dueColumn+` ASC
		 LIMIT ?`,
		string(status), now, staleBefore, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore claimExecutions query failed", "error", err, "status", status)
		return nil, fmt.Errorf("failed to query due executions: %w", err)
	}

	var candidates []models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		candidates = append(candidates, exec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate execution rows: %w", err)
	}
	rows.Close()

	var claimed []models.Execution
	for _, exec := range candidates {
		res, err := s.db.Exec(
			`UPDATE sequence_execution SET locked_at = ?, updated_at = ?
			 WHERE id = ? AND status = ? AND `+dueColumn+` <= ?
			   AND (locked_at IS NULL OR locked_at < ?)`,
			now, now, exec.ID, string(status), now, staleBefore,
		)
		if err != nil {
			slog.Error("SQLiteStore claim update failed", "error", err, "id", exec.ID)
			return nil, fmt.Errorf("failed to claim execution %s: %w", exec.ID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Another scanner claimed or stopped it after our select.
			continue
		}
		exec.LockedAt = &now
		exec.UpdatedAt = now
		claimed = append(claimed, exec)
	}
	slog.Debug("SQLiteStore claimExecutions succeeded", "status", status, "count", len(claimed))
	return claimed, nil
}

// ClaimDueScheduledExecutions claims scheduled executions whose start time has
// arrived and assembles the context the runner needs to start them.
func (s *SQLiteStore) ClaimDueScheduledExecutions(now time.Time, limit int) ([]models.DueScheduledExecution, error) {
	execs, err := s.claimExecutions(now, limit, models.ExecutionStatusScheduled, "scheduled_at")
	if err != nil {
		return nil, err
	}
	return buildScheduledWork(s, execs)
}

// ClaimDuePendingExecutions claims running executions whose next step is due
// and assembles the context the runner needs to advance them.
func (s *SQLiteStore) ClaimDuePendingExecutions(now time.Time, limit int) ([]models.DuePendingExecution, error) {
	execs, err := s.claimExecutions(now, limit, models.ExecutionStatusRunning, "next_step_at")
	if err != nil {
		return nil, err
	}
	return buildPendingWork(s, execs)
}

// MarkExecutionStarted transitions a scheduled execution to running.
// Returns false when the execution was stopped or claimed away in the interim.
func (s *SQLiteStore) MarkExecutionStarted(id string, startedAt, nextStepAt time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE sequence_execution
		 SET status = 'running', started_at = ?, next_step_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'scheduled'`,
		startedAt, nextStepAt, startedAt, id,
	)
	if err != nil {
		slog.Error("SQLiteStore MarkExecutionStarted failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to mark execution %s started: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AdvanceExecutionRow records a completed step and schedules the next one.
// Returns false when the execution is no longer running.
func (s *SQLiteStore) AdvanceExecutionRow(id string, currentStep int, nextStepAt time.Time, errorMessage string) (bool, error) {
	now := time.Now()
	var res sql.Result
	var err error
	if errorMessage == "" {
		res, err = s.db.Exec(
			`UPDATE sequence_execution
			 SET current_step = ?, next_step_at = ?, locked_at = NULL, updated_at = ?
			 WHERE id = ? AND status = 'running'`,
			currentStep, nextStepAt, now, id,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE sequence_execution
			 SET current_step = ?, next_step_at = ?, error_message = ?, locked_at = NULL, updated_at = ?
			 WHERE id = ? AND status = 'running'`,
			currentStep, nextStepAt, errorMessage, now, id,
		)
	}
	if err != nil {
		slog.Error("SQLiteStore AdvanceExecutionRow failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to advance execution %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteExecution transitions a running execution to completed.
// Returns false when the execution is no longer running.
func (s *SQLiteStore) CompleteExecution(id string, completedAt time.Time, errorMessage string) (bool, error) {
	var res sql.Result
	var err error
	if errorMessage == "" {
		res, err = s.db.Exec(
			`UPDATE sequence_execution
			 SET status = 'completed', completed_at = ?, next_step_at = NULL, locked_at = NULL, updated_at = ?
			 WHERE id = ? AND status = 'running'`,
			completedAt, completedAt, id,
		)
	} else {
		res, err = s.db.Exec(
			`UPDATE sequence_execution
			 SET status = 'completed', completed_at = ?, next_step_at = NULL, error_message = ?, locked_at = NULL, updated_at = ?
			 WHERE id = ? AND status = 'running'`,
			completedAt, errorMessage, completedAt, id,
		)
	}
	if err != nil {
		slog.Error("SQLiteStore CompleteExecution failed", "error", err, "id", id)
		return false, fmt.Errorf("failed to complete execution %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseStaleClaims clears claim marks older than the lease so work held by
// a crashed scanner becomes claimable again.
func (s *SQLiteStore) ReleaseStaleClaims(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE sequence_execution SET locked_at = NULL, updated_at = ?
		 WHERE locked_at IS NOT NULL AND locked_at < ?`,
		time.Now(), olderThan,
	)
	if err != nil {
		slog.Error("SQLiteStore ReleaseStaleClaims failed", "error", err)
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Released stale execution claims", "count", n)
	}
	return int(n), nil
}

// PurgeTerminalExecutions deletes completed and stopped executions older than
// the cutoff. Returns the number of rows removed.
func (s *SQLiteStore) PurgeTerminalExecutions(olderThan time.Time) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM sequence_execution
		 WHERE status IN ('completed', 'stopped') AND updated_at < ?`,
		olderThan,
	)
	if err != nil {
		slog.Error("SQLiteStore PurgeTerminalExecutions failed", "error", err)
		return 0, fmt.Errorf("failed to purge terminal executions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Debug("Purged terminal executions", "count", n)
	}
	return int(n), nil
}
