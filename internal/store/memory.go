package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/flowdesk/DripFlow/internal/models"
)

// InMemoryStore keeps everything in process memory. It backs tests and
// quick local runs; nothing survives a restart.
type InMemoryStore struct {
	mu            sync.Mutex
	sequences     map[string]models.Sequence
	steps         map[string]models.Step
	executions    map[string]models.Execution
	conversations map[string]models.Conversation
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sequences:     make(map[string]models.Sequence),
		steps:         make(map[string]models.Step),
		executions:    make(map[string]models.Execution),
		conversations: make(map[string]models.Conversation),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateSequence(seq models.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sequences[seq.ID]; ok {
		return fmt.Errorf("sequence %s already exists", seq.ID)
	}
	s.sequences[seq.ID] = seq
	return nil
}

func (s *InMemoryStore) GetSequence(orgID, id string) (*models.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[id]
	if !ok || seq.OrgID != orgID {
		return nil, nil
	}
	return &seq, nil
}

func (s *InMemoryStore) GetSequenceByShortcut(orgID, shortcut string) (*models.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seq := range s.sequences {
		if seq.OrgID == orgID && seq.Shortcut != "" && seq.Shortcut == shortcut {
			result := seq
			return &result, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListSequences(orgID string) ([]models.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seqs []models.Sequence
	for _, seq := range s.sequences {
		if seq.OrgID == orgID {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool {
		return seqs[i].CreatedAt.After(seqs[j].CreatedAt)
	})
	return seqs, nil
}

func (s *InMemoryStore) UpdateSequence(seq models.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sequences[seq.ID]
	if !ok {
		return fmt.Errorf("sequence %s not found", seq.ID)
	}
	seq.CreatedAt = existing.CreatedAt
	seq.UsageCount = existing.UsageCount
	s.sequences[seq.ID] = seq
	return nil
}

func (s *InMemoryStore) DeleteSequence(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sequences, id)
	for stepID, st := range s.steps {
		if st.SequenceID == id {
			delete(s.steps, stepID)
		}
	}
	return nil
}

func (s *InMemoryStore) SearchSequencesByShortcutPrefix(orgID, prefix string, limit int) ([]models.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seqs []models.Sequence
	for _, seq := range s.sequences {
		if seq.OrgID != orgID || seq.Shortcut == "" {
			continue
		}
		if seq.Status != models.SequenceStatusActive && seq.Status != models.SequenceStatusDraft {
			continue
		}
		if strings.HasPrefix(seq.Shortcut, prefix) {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool {
		if seqs[i].UsageCount != seqs[j].UsageCount {
			return seqs[i].UsageCount > seqs[j].UsageCount
		}
		return seqs[i].Shortcut < seqs[j].Shortcut
	})
	if limit > 0 && len(seqs) > limit {
		seqs = seqs[:limit]
	}
	return seqs, nil
}

func (s *InMemoryStore) IncrementSequenceUsage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[id]
	if !ok {
		return fmt.Errorf("sequence %s not found", id)
	}
	seq.UsageCount++
	seq.UpdatedAt = time.Now()
	s.sequences[id] = seq
	return nil
}

func (s *InMemoryStore) CreateStep(st models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.steps[st.ID]; ok {
		return fmt.Errorf("step %s already exists", st.ID)
	}
	s.steps[st.ID] = st
	return nil
}

func (s *InMemoryStore) GetStep(sequenceID, id string) (*models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok || st.SequenceID != sequenceID {
		return nil, nil
	}
	return &st, nil
}

// orderedSteps returns the sequence's steps sorted by order. Caller holds mu.
func (s *InMemoryStore) orderedSteps(sequenceID string) []models.Step {
	var steps []models.Step
	for _, st := range s.steps {
		if st.SequenceID == sequenceID {
			steps = append(steps, st)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})
	return steps
}

func (s *InMemoryStore) ListSteps(sequenceID string) ([]models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderedSteps(sequenceID), nil
}

func (s *InMemoryStore) UpdateStep(st models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.steps[st.ID]
	if !ok || existing.SequenceID != st.SequenceID {
		return fmt.Errorf("step %s not found", st.ID)
	}
	st.Order = existing.Order
	st.CreatedAt = existing.CreatedAt
	s.steps[st.ID] = st
	return nil
}

func (s *InMemoryStore) DeleteStep(sequenceID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok || st.SequenceID != sequenceID {
		return nil
	}
	delete(s.steps, id)
	for stepID, other := range s.steps {
		if other.SequenceID == sequenceID && other.Order > st.Order {
			other.Order--
			other.UpdatedAt = time.Now()
			s.steps[stepID] = other
		}
	}
	return nil
}

func (s *InMemoryStore) ReorderSteps(sequenceID string, stepIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for i, stepID := range stepIDs {
		st, ok := s.steps[stepID]
		if !ok || st.SequenceID != sequenceID {
			return fmt.Errorf("step %s does not belong to sequence %s", stepID, sequenceID)
		}
		st.Order = i
		st.UpdatedAt = now
		s.steps[stepID] = st
	}
	return nil
}

func (s *InMemoryStore) CreateExecution(exec models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; ok {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	s.executions[exec.ID] = exec
	return nil
}

func (s *InMemoryStore) GetExecution(id string) (*models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	return &exec, nil
}

func (s *InMemoryStore) ListConversationExecutions(conversationID string, limit int) ([]models.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var execs []models.Execution
	for _, exec := range s.executions {
		if exec.ConversationID == conversationID {
			execs = append(execs, exec)
		}
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].CreatedAt.After(execs[j].CreatedAt)
	})
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return execs, nil
}

// stopExecution marks a single row stopped. Caller holds mu.
func (s *InMemoryStore) stopExecution(exec models.Execution) {
	exec.Status = models.ExecutionStatusStopped
	exec.NextStepAt = nil
	exec.LockedAt = nil
	exec.UpdatedAt = time.Now()
	s.executions[exec.ID] = exec
}

func (s *InMemoryStore) StopActiveExecutions(sequenceID, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, exec := range s.executions {
		if exec.SequenceID == sequenceID && exec.ConversationID == conversationID && !exec.Status.IsTerminal() {
			s.stopExecution(exec)
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) StopExecutionsForSequence(sequenceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, exec := range s.executions {
		if exec.SequenceID == sequenceID && !exec.Status.IsTerminal() {
			s.stopExecution(exec)
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) MarkExecutionStopped(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok || exec.Status.IsTerminal() {
		return false, nil
	}
	s.stopExecution(exec)
	return true, nil
}

// claimExecutions mirrors the SQL backends' due-work claim under the store
// mutex. Caller holds mu.
func (s *InMemoryStore) claimExecutions(now time.Time, limit int, status models.ExecutionStatus, dueTime func(models.Execution) *time.Time) []models.Execution {
	staleBefore := now.Add(-DefaultClaimLease)
	var due []models.Execution
	for _, exec := range s.executions {
		if exec.Status != status {
			continue
		}
		t := dueTime(exec)
		if t == nil || t.After(now) {
			continue
		}
		if exec.LockedAt != nil && !exec.LockedAt.Before(staleBefore) {
			continue
		}
		due = append(due, exec)
	}
	sort.Slice(due, func(i, j int) bool {
		return dueTime(due[i]).Before(*dueTime(due[j]))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	claimed := make([]models.Execution, 0, len(due))
	for _, exec := range due {
		lockedAt := now
		exec.LockedAt = &lockedAt
		exec.UpdatedAt = now
		s.executions[exec.ID] = exec
		claimed = append(claimed, exec)
	}
	return claimed
}

func (s *InMemoryStore) ClaimDueScheduledExecutions(now time.Time, limit int) ([]models.DueScheduledExecution, error) {
	s.mu.Lock()
	claimed := s.claimExecutions(now, limit, models.ExecutionStatusScheduled, func(e models.Execution) *time.Time {
		return e.ScheduledAt
	})
	s.mu.Unlock()
	return buildScheduledWork(s, claimed)
}

func (s *InMemoryStore) ClaimDuePendingExecutions(now time.Time, limit int) ([]models.DuePendingExecution, error) {
	s.mu.Lock()
	claimed := s.claimExecutions(now, limit, models.ExecutionStatusRunning, func(e models.Execution) *time.Time {
		return e.NextStepAt
	})
	s.mu.Unlock()
	return buildPendingWork(s, claimed)
}

func (s *InMemoryStore) MarkExecutionStarted(id string, startedAt, nextStepAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok || exec.Status != models.ExecutionStatusScheduled {
		return false, nil
	}
	exec.Status = models.ExecutionStatusRunning
	exec.StartedAt = &startedAt
	exec.NextStepAt = &nextStepAt
	exec.LockedAt = nil
	exec.UpdatedAt = startedAt
	s.executions[id] = exec
	return true, nil
}

func (s *InMemoryStore) AdvanceExecutionRow(id string, currentStep int, nextStepAt time.Time, errorMessage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok || exec.Status != models.ExecutionStatusRunning {
		return false, nil
	}
	exec.CurrentStep = currentStep
	exec.NextStepAt = &nextStepAt
	if errorMessage != "" {
		exec.ErrorMessage = errorMessage
	}
	exec.LockedAt = nil
	exec.UpdatedAt = time.Now()
	s.executions[id] = exec
	return true, nil
}

func (s *InMemoryStore) CompleteExecution(id string, completedAt time.Time, errorMessage string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok || exec.Status != models.ExecutionStatusRunning {
		return false, nil
	}
	exec.Status = models.ExecutionStatusCompleted
	exec.CompletedAt = &completedAt
	exec.NextStepAt = nil
	if errorMessage != "" {
		exec.ErrorMessage = errorMessage
	}
	exec.LockedAt = nil
	exec.UpdatedAt = completedAt
	s.executions[id] = exec
	return true, nil
}

func (s *InMemoryStore) ReleaseStaleClaims(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, exec := range s.executions {
		if exec.LockedAt != nil && exec.LockedAt.Before(staleBefore) {
			exec.LockedAt = nil
			exec.UpdatedAt = time.Now()
			s.executions[id] = exec
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) PurgeTerminalExecutions(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, exec := range s.executions {
		if exec.Status.IsTerminal() && exec.UpdatedAt.Before(olderThan) {
			delete(s.executions, id)
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) SaveConversation(conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conv.ID] = conv
	return nil
}

func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return &conv, nil
}
