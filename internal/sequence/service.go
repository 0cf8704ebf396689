// Package sequence implements the message sequence execution engine:
// definition management, the execution lifecycle and the polling runner
// that delivers due steps.
package sequence

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowdesk/DripFlow/internal/models"
	"github.com/flowdesk/DripFlow/internal/store"
	"github.com/flowdesk/DripFlow/internal/util"
)

// Sentinel errors surfaced to API callers.
var (
	// ErrSequenceNotFound covers a missing sequence, a sequence in another
	// organization, and (for starts) a sequence that is not active.
	ErrSequenceNotFound = errors.New("sequence not found")
	// ErrStepNotFound reports a step that does not belong to the sequence.
	ErrStepNotFound = errors.New("step not found")
	// ErrExecutionNotFound reports a missing or foreign execution.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrExecutionFinished reports a stop attempt on a terminal execution.
	ErrExecutionFinished = errors.New("execution already finished")
	// ErrShortcutTaken reports a case-insensitive shortcut collision within
	// the organization.
	ErrShortcutTaken = errors.New("shortcut already in use")
	// ErrConversationNotFound reports missing conversation context.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrStepCountMismatch reports a reorder list that does not cover the
	// sequence's steps exactly once.
	ErrStepCountMismatch = errors.New("step list must contain every step exactly once")
)

// DefaultExecutionHistoryLimit caps conversation execution history reads.
const DefaultExecutionHistoryLimit = 50

// Service owns sequence definitions and the execution lifecycle. It is
// constructed once at process start and shared by the API and the runner.
type Service struct {
	store store.Store
	wake  func()
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithWake sets the notification hook fired when an execution becomes
// immediately runnable, so a waiting runner can skip the rest of its poll
// interval. Purely a latency optimization.
func WithWake(wake func()) ServiceOption {
	return func(s *Service) {
		s.wake = wake
	}
}

// NewService creates a sequence service over the given store.
func NewService(st store.Store, opts ...ServiceOption) *Service {
	s := &Service{store: st}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) nudge() {
	if s.wake != nil {
		s.wake()
	}
}

// CreateSequence validates and stores a new sequence definition.
func (s *Service) CreateSequence(orgID string, req models.CreateSequenceRequest) (*models.Sequence, error) {
	status := req.Status
	if status == "" {
		status = models.SequenceStatusDraft
	}
	now := time.Now()
	seq := models.Sequence{
		ID:            util.GenerateSequenceID(),
		OrgID:         orgID,
		Name:          req.Name,
		Shortcut:      models.NormalizeShortcut(req.Shortcut),
		Description:   req.Description,
		Status:        status,
		TriggerType:   req.TriggerType,
		TriggerConfig: req.TriggerConfig,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkShortcutFree(orgID, seq.Shortcut, ""); err != nil {
		return nil, err
	}
	if err := s.store.CreateSequence(seq); err != nil {
		return nil, fmt.Errorf("failed to create sequence: %w", err)
	}
	slog.Info("Sequence created", "id", seq.ID, "org", orgID, "shortcut", seq.Shortcut)
	return &seq, nil
}

// checkShortcutFree rejects a shortcut held by a different sequence in the
// same organization. Empty shortcuts never collide.
func (s *Service) checkShortcutFree(orgID, shortcut, selfID string) error {
	if shortcut == "" {
		return nil
	}
	existing, err := s.store.GetSequenceByShortcut(orgID, shortcut)
	if err != nil {
		return fmt.Errorf("failed to check shortcut: %w", err)
	}
	if existing != nil && existing.ID != selfID {
		return ErrShortcutTaken
	}
	return nil
}

// GetSequence retrieves one sequence within the caller's organization.
func (s *Service) GetSequence(orgID, id string) (*models.Sequence, error) {
	seq, err := s.store.GetSequence(orgID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}
	if seq == nil {
		return nil, ErrSequenceNotFound
	}
	return seq, nil
}

// ListSequences lists the organization's sequences, newest first.
func (s *Service) ListSequences(orgID string) ([]models.Sequence, error) {
	return s.store.ListSequences(orgID)
}

// SearchByShortcut serves shortcut autocomplete over active and draft
// sequences, ranked by usage.
func (s *Service) SearchByShortcut(orgID, prefix string, limit int) ([]models.Sequence, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.store.SearchSequencesByShortcutPrefix(orgID, models.NormalizeShortcut(prefix), limit)
}

// UpdateSequence applies a partial update. Nil request fields keep their
// current value.
func (s *Service) UpdateSequence(orgID, id string, req models.UpdateSequenceRequest) (*models.Sequence, error) {
	seq, err := s.GetSequence(orgID, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		seq.Name = *req.Name
	}
	if req.Shortcut != nil {
		seq.Shortcut = models.NormalizeShortcut(*req.Shortcut)
	}
	if req.Description != nil {
		seq.Description = *req.Description
	}
	if req.Status != nil {
		seq.Status = *req.Status
	}
	if req.TriggerType != nil {
		seq.TriggerType = *req.TriggerType
	}
	if req.TriggerConfig != nil {
		seq.TriggerConfig = *req.TriggerConfig
	}
	seq.UpdatedAt = time.Now()

	if err := seq.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkShortcutFree(orgID, seq.Shortcut, seq.ID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSequence(*seq); err != nil {
		return nil, fmt.Errorf("failed to update sequence: %w", err)
	}
	slog.Info("Sequence updated", "id", id, "org", orgID)
	return seq, nil
}

// DeleteSequence stops the sequence's non-terminal executions, then removes
// the sequence and its steps.
func (s *Service) DeleteSequence(orgID, id string) error {
	if _, err := s.GetSequence(orgID, id); err != nil {
		return err
	}
	stopped, err := s.store.StopExecutionsForSequence(id)
	if err != nil {
		return fmt.Errorf("failed to stop executions for sequence %s: %w", id, err)
	}
	if err := s.store.DeleteSequence(id); err != nil {
		return fmt.Errorf("failed to delete sequence %s: %w", id, err)
	}
	slog.Info("Sequence deleted", "id", id, "org", orgID, "executionsStopped", stopped)
	return nil
}

// AddStep appends a validated step at the end of the sequence.
func (s *Service) AddStep(orgID, sequenceID string, req models.StepRequest) (*models.Step, error) {
	if _, err := s.GetSequence(orgID, sequenceID); err != nil {
		return nil, err
	}
	existing, err := s.store.ListSteps(sequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	now := time.Now()
	step := models.Step{
		ID:           util.GenerateStepID(),
		SequenceID:   sequenceID,
		Order:        len(existing),
		Type:         req.Type,
		Body:         req.Body,
		MediaURL:     req.MediaURL,
		FileName:     req.FileName,
		MediaType:    req.MediaType,
		DelayMinutes: req.DelayMinutes,
		DelaySeconds: req.DelaySeconds,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := step.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateStep(step); err != nil {
		return nil, fmt.Errorf("failed to create step: %w", err)
	}
	slog.Info("Step added", "id", step.ID, "sequenceID", sequenceID, "order", step.Order, "type", step.Type)
	return &step, nil
}

// ListSteps returns the sequence's steps in order.
func (s *Service) ListSteps(orgID, sequenceID string) ([]models.Step, error) {
	if _, err := s.GetSequence(orgID, sequenceID); err != nil {
		return nil, err
	}
	return s.store.ListSteps(sequenceID)
}

// UpdateStep replaces a step's type and content, keeping its order.
func (s *Service) UpdateStep(orgID, sequenceID, stepID string, req models.StepRequest) (*models.Step, error) {
	if _, err := s.GetSequence(orgID, sequenceID); err != nil {
		return nil, err
	}
	step, err := s.store.GetStep(sequenceID, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	if step == nil {
		return nil, ErrStepNotFound
	}
	step.Type = req.Type
	step.Body = req.Body
	step.MediaURL = req.MediaURL
	step.FileName = req.FileName
	step.MediaType = req.MediaType
	step.DelayMinutes = req.DelayMinutes
	step.DelaySeconds = req.DelaySeconds
	step.UpdatedAt = time.Now()

	if err := step.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.UpdateStep(*step); err != nil {
		return nil, fmt.Errorf("failed to update step: %w", err)
	}
	return step, nil
}

// DeleteStep removes a step; remaining orders are compacted.
func (s *Service) DeleteStep(orgID, sequenceID, stepID string) error {
	if _, err := s.GetSequence(orgID, sequenceID); err != nil {
		return err
	}
	step, err := s.store.GetStep(sequenceID, stepID)
	if err != nil {
		return fmt.Errorf("failed to get step: %w", err)
	}
	if step == nil {
		return ErrStepNotFound
	}
	if err := s.store.DeleteStep(sequenceID, stepID); err != nil {
		return fmt.Errorf("failed to delete step: %w", err)
	}
	return nil
}

// ReorderSteps rewrites the sequence's step orders to match stepIDs. The
// list must name every step of the sequence exactly once.
func (s *Service) ReorderSteps(orgID, sequenceID string, stepIDs []string) error {
	if _, err := s.GetSequence(orgID, sequenceID); err != nil {
		return err
	}
	existing, err := s.store.ListSteps(sequenceID)
	if err != nil {
		return fmt.Errorf("failed to list steps: %w", err)
	}
	if len(stepIDs) != len(existing) {
		return ErrStepCountMismatch
	}
	seen := make(map[string]bool, len(stepIDs))
	for _, id := range stepIDs {
		if seen[id] {
			return ErrStepCountMismatch
		}
		seen[id] = true
	}
	for _, step := range existing {
		if !seen[step.ID] {
			return ErrStepCountMismatch
		}
	}
	if err := s.store.ReorderSteps(sequenceID, stepIDs); err != nil {
		return fmt.Errorf("failed to reorder steps: %w", err)
	}
	slog.Info("Steps reordered", "sequenceID", sequenceID, "count", len(stepIDs))
	return nil
}

// CreateConversation registers conversation context for later sends.
func (s *Service) CreateConversation(orgID string, req models.CreateConversationRequest) (*models.Conversation, error) {
	if req.ContactAddress == "" {
		return nil, fmt.Errorf("contact address is required")
	}
	channel := req.Channel
	if channel == "" {
		channel = models.ChannelWhatsApp
	}
	conv := models.Conversation{
		ID:             util.GenerateConversationID(),
		OrgID:          orgID,
		Channel:        channel,
		ContactAddress: req.ContactAddress,
		ContactName:    req.ContactName,
		CreatedAt:      time.Now(),
	}
	if err := s.store.SaveConversation(conv); err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}
	return &conv, nil
}

// StartExecution begins a run of the sequence against a conversation.
// Any prior scheduled or running execution for the same pair is stopped
// first, so the last trigger always wins. A scheduledAt strictly in the
// future defers the start; otherwise the execution begins immediately.
func (s *Service) StartExecution(orgID, sequenceID, conversationID string, scheduledAt *time.Time) (*models.Execution, error) {
	seq, err := s.store.GetSequence(orgID, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}
	if seq == nil || seq.Status != models.SequenceStatusActive {
		return nil, ErrSequenceNotFound
	}
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv == nil || conv.OrgID != orgID {
		return nil, ErrConversationNotFound
	}

	stopped, err := s.store.StopActiveExecutions(sequenceID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to stop prior executions: %w", err)
	}
	if stopped > 0 {
		slog.Info("Superseded prior executions", "sequenceID", sequenceID, "conversationID", conversationID, "count", stopped)
	}

	now := time.Now()
	exec := models.Execution{
		ID:             util.GenerateExecutionID(),
		SequenceID:     sequenceID,
		ConversationID: conversationID,
		CurrentStep:    0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if scheduledAt != nil && scheduledAt.After(now) {
		exec.Status = models.ExecutionStatusScheduled
		exec.ScheduledAt = scheduledAt
	} else {
		steps, err := s.store.ListSteps(sequenceID)
		if err != nil {
			return nil, fmt.Errorf("failed to list steps: %w", err)
		}
		var firstStep *models.Step
		if len(steps) > 0 {
			firstStep = &steps[0]
		}
		nextStepAt := firstDueTime(now, firstStep)
		exec.Status = models.ExecutionStatusRunning
		exec.StartedAt = &now
		exec.NextStepAt = &nextStepAt
	}

	if err := s.store.CreateExecution(exec); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	if err := s.store.IncrementSequenceUsage(sequenceID); err != nil {
		slog.Warn("Failed to increment sequence usage", "error", err, "sequenceID", sequenceID)
	}

	slog.Info("Execution started", "id", exec.ID, "sequenceID", sequenceID, "conversationID", conversationID, "status", exec.Status)
	if exec.Status == models.ExecutionStatusRunning {
		s.nudge()
	}
	return &exec, nil
}

// firstDueTime computes when the first action of a fresh run is due: delayed
// by a leading delay step, otherwise immediately.
func firstDueTime(now time.Time, firstStep *models.Step) time.Time {
	if firstStep != nil && firstStep.Type == models.StepTypeDelay {
		return now.Add(firstStep.DelayDuration())
	}
	return now
}

// StopExecution cancels one execution. Stopping a terminal execution is a
// conflict, not a crash.
func (s *Service) StopExecution(orgID, executionID string) (*models.Execution, error) {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	if exec == nil {
		return nil, ErrExecutionNotFound
	}
	seq, err := s.store.GetSequence(orgID, exec.SequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}
	if seq == nil {
		return nil, ErrExecutionNotFound
	}

	ok, err := s.store.MarkExecutionStopped(executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to stop execution: %w", err)
	}
	if !ok {
		return nil, ErrExecutionFinished
	}

	stopped, err := s.store.GetExecution(executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload execution: %w", err)
	}
	slog.Info("Execution stopped", "id", executionID, "sequenceID", exec.SequenceID)
	return stopped, nil
}

// GetExecution retrieves one execution within the caller's organization.
func (s *Service) GetExecution(orgID, executionID string) (*models.Execution, error) {
	exec, err := s.store.GetExecution(executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	if exec == nil {
		return nil, ErrExecutionNotFound
	}
	seq, err := s.store.GetSequence(orgID, exec.SequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}
	if seq == nil {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}

// ListConversationExecutions returns a conversation's execution history,
// most recent first.
func (s *Service) ListConversationExecutions(orgID, conversationID string, limit int) ([]models.Execution, error) {
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if conv == nil || conv.OrgID != orgID {
		return nil, ErrConversationNotFound
	}
	if limit <= 0 {
		limit = DefaultExecutionHistoryLimit
	}
	return s.store.ListConversationExecutions(conversationID, limit)
}

// StartScheduledExecution transitions a claimed scheduled execution to
// running, computing the first due time from the sequence's first step.
// Reports false when another worker or a stop got there first.
func (s *Service) StartScheduledExecution(work models.DueScheduledExecution) (bool, error) {
	now := time.Now()
	nextStepAt := firstDueTime(now, work.FirstStep)
	ok, err := s.store.MarkExecutionStarted(work.Execution.ID, now, nextStepAt)
	if err != nil {
		return false, fmt.Errorf("failed to start scheduled execution %s: %w", work.Execution.ID, err)
	}
	if !ok {
		slog.Debug("Scheduled execution no longer pending", "id", work.Execution.ID)
		return false, nil
	}
	slog.Info("Scheduled execution started", "id", work.Execution.ID, "sequenceID", work.Execution.SequenceID)
	return true, nil
}

// AdvanceExecution moves a running execution past its current step. When no
// step exists at the next index the execution completes. A delivery failure
// is recorded but never halts the run. Reports false when the execution is
// no longer running.
func (s *Service) AdvanceExecution(exec models.Execution, steps []models.Step, errorMessage string) (bool, error) {
	next := exec.CurrentStep + 1
	now := time.Now()

	if next >= len(steps) {
		ok, err := s.store.CompleteExecution(exec.ID, now, errorMessage)
		if err != nil {
			return false, fmt.Errorf("failed to complete execution %s: %w", exec.ID, err)
		}
		if ok {
			slog.Info("Execution completed", "id", exec.ID, "sequenceID", exec.SequenceID, "steps", len(steps))
		}
		return ok, nil
	}

	nextStepAt := now
	if steps[next].Type == models.StepTypeDelay {
		nextStepAt = now.Add(steps[next].DelayDuration())
	}
	ok, err := s.store.AdvanceExecutionRow(exec.ID, next, nextStepAt, errorMessage)
	if err != nil {
		return false, fmt.Errorf("failed to advance execution %s: %w", exec.ID, err)
	}
	if !ok {
		slog.Debug("Execution no longer running, advance skipped", "id", exec.ID)
	}
	return ok, nil
}
