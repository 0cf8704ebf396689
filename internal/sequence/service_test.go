package sequence

import (
	"errors"
	"testing"
	"time"

	"github.com/flowdesk/DripFlow/internal/models"
	"github.com/flowdesk/DripFlow/internal/store"
)

const testOrg = "org_test"

// newTestService builds a service over a fresh in-memory store.
func newTestService(t *testing.T) (*Service, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	return NewService(st), st
}

// createActiveSequence creates an active sequence with the given step requests.
func createActiveSequence(t *testing.T, svc *Service, name string, steps ...models.StepRequest) *models.Sequence {
	t.Helper()
	seq, err := svc.CreateSequence(testOrg, models.CreateSequenceRequest{
		Name:   name,
		Status: models.SequenceStatusActive,
	})
	if err != nil {
		t.Fatalf("CreateSequence failed: %v", err)
	}
	for _, req := range steps {
		if _, err := svc.AddStep(testOrg, seq.ID, req); err != nil {
			t.Fatalf("AddStep failed: %v", err)
		}
	}
	return seq
}

func createConversation(t *testing.T, svc *Service) *models.Conversation {
	t.Helper()
	conv, err := svc.CreateConversation(testOrg, models.CreateConversationRequest{
		Channel:        models.ChannelWhatsApp,
		ContactAddress: "+15551230000",
	})
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	return conv
}

func textStep(body string) models.StepRequest {
	return models.StepRequest{Type: models.StepTypeText, Body: body}
}

func TestRestartOnRetrigger(t *testing.T) {
	svc, st := newTestService(t)
	seq := createActiveSequence(t, svc, "retrigger", textStep("one"))
	conv := createConversation(t, svc)

	first, err := svc.StartExecution(testOrg, seq.ID, conv.ID, nil)
	if err != nil {
		t.Fatalf("first StartExecution failed: %v", err)
	}
	second, err := svc.StartExecution(testOrg, seq.ID, conv.ID, nil)
	if err != nil {
		t.Fatalf("second StartExecution failed: %v", err)
	}

	gotFirst, _ := st.GetExecution(first.ID)
	if gotFirst.Status != models.ExecutionStatusStopped {
		t.Errorf("expected first execution stopped, got %s", gotFirst.Status)
	}
	gotSecond, _ := st.GetExecution(second.ID)
	if gotSecond.Status != models.ExecutionStatusRunning {
		t.Errorf("expected second execution running, got %s", gotSecond.Status)
	}

	// The new execution is the sole non-terminal one for the pair.
	execs, _ := st.ListConversationExecutions(conv.ID, 10)
	active := 0
	for _, ex := range execs {
		if !ex.Status.IsTerminal() {
			active++
		}
	}
	if active != 1 {
		t.Errorf("expected exactly 1 active execution, got %d", active)
	}
}

func TestImmediateStartNoLeadingDelay(t *testing.T) {
	svc, _ := newTestService(t)
	seq := createActiveSequence(t, svc, "immediate", textStep("hi"))
	conv := createConversation(t, svc)

	before := time.Now()
	exec, err := svc.StartExecution(testOrg, seq.ID, conv.ID, nil)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if exec.Status != models.ExecutionStatusRunning {
		t.Errorf("expected running, got %s", exec.Status)
	}
	if exec.StartedAt == nil {
		t.Error("expected startedAt set")
	}
	if exec.NextStepAt == nil {
		t.Fatal("expected nextStepAt set")
	}
	if exec.NextStepAt.After(time.Now()) || exec.NextStepAt.Before(before) {
		t.Errorf("expected nextStepAt at now, got %v", exec.NextStepAt)
	}
}

func TestImmediateStartLeadingDelay(t *testing.T) {
	svc, _ := newTestService(t)
	seq := createActiveSequence(t, svc, "delayed",
		models.StepRequest{Type: models.StepTypeDelay, DelayMinutes: 10},
		textStep("after the wait"),
	)
	conv := createConversation(t, svc)

	exec, err := svc.StartExecution(testOrg, seq.ID, conv.ID, nil)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if exec.NextStepAt == nil {
		t.Fatal("expected nextStepAt set")
	}
	want := time.Now().Add(10 * time.Minute)
	diff := exec.NextStepAt.Sub(want)
	if diff < -5*time.Second || diff > 5*time.Second {
		t.Errorf("expected nextStepAt near %v, got %v", want, exec.NextStepAt)
	}
}

func TestScheduledStartInFuture(t *testing.T) {
	svc, st := newTestService(t)
	seq := createActiveSequence(t, svc, "deferred", textStep("later"))
	conv := createConversation(t, svc)

	scheduledAt := time.Now().Add(time.Hour)
	exec, err := svc.StartExecution(testOrg, seq.ID, conv.ID, &scheduledAt)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if exec.Status != models.ExecutionStatusScheduled {
		t.Errorf("expected scheduled, got %s", exec.Status)
	}
	if exec.NextStepAt != nil {
		t.Error("expected nextStepAt nil for a deferred start")
	}

	// Not due anywhere before its start time.
	pending, err := st.ClaimDuePendingExecutions(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDuePendingExecutions failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending work, got %d", len(pending))
	}
	scheduled, err := st.ClaimDueScheduledExecutions(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueScheduledExecutions failed: %v", err)
	}
	if len(scheduled) != 0 {
		t.Errorf("expected no scheduled work yet, got %d", len(scheduled))
	}

	// Due once the clock passes scheduledAt.
	scheduled, err = st.ClaimDueScheduledExecutions(scheduledAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ClaimDueScheduledExecutions failed: %v", err)
	}
	if len(scheduled) != 1 || scheduled[0].Execution.ID != exec.ID {
		t.Fatalf("expected the deferred execution to become due, got %d rows", len(scheduled))
	}
}

func TestCompletion(t *testing.T) {
	svc, st := newTestService(t)
	seq := createActiveSequence(t, svc, "threestep", textStep("a"), textStep("b"), textStep("c"))
	conv := createConversation(t, svc)

	exec, err := svc.StartExecution(testOrg, seq.ID, conv.ID, nil)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	steps, _ := st.ListSteps(seq.ID)

	for want := 1; want <= 2; want++ {
		current, _ := st.GetExecution(exec.ID)
		ok, err := svc.AdvanceExecution(*current, steps, "")
		if err != nil {
			t.Fatalf("AdvanceExecution failed: %v", err)
		}
		if !ok {
			t.Fatal("expected advance to apply")
		}
		got, _ := st.GetExecution(exec.ID)
		if got.CurrentStep != want {
			t.Errorf("expected currentStep %d, got %d", want, got.CurrentStep)
		}
		if got.Status != models.ExecutionStatusRunning {
			t.Errorf("expected running, got %s", got.Status)
		}
	}

	// No step at index 3: the run completes.
	current, _ := st.GetExecution(exec.ID)
	ok, err := svc.AdvanceExecution(*current, steps, "")
	if err != nil {
		t.Fatalf("final AdvanceExecution failed: %v", err)
	}
	if !ok {
		t.Fatal("expected completion to apply")
	}
	done, _ := st.GetExecution(exec.ID)
	if done.Status != models.ExecutionStatusCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	if done.CompletedAt == nil {
		t.Error("expected completedAt set")
	}
	if done.NextStepAt != nil {
		t.Error("expected nextStepAt cleared on completion")
	}
}

func TestNonFatalFailure(t *testing.T) {
	svc, st := newTestService(t)
	seq := createActiveSequence(t, svc, "failing", textStep("a"), textStep("b"))
	conv := createConversation(t, svc)

	exec, err := svc.StartExecution(testOrg, seq.ID, conv.ID, nil)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	steps, _ := st.ListSteps(seq.ID)

	ok, err := svc.AdvanceExecution(*exec, steps, "boom")
	if err != nil {
		t.Fatalf("AdvanceExecution failed: %v", err)
	}
	if !ok {
		t.Fatal("expected advance to apply")
	}
	got, _ := st.GetExecution(exec.ID)
	if got.CurrentStep != 1 {
		t.Errorf("expected advance despite failure, currentStep = %d", got.CurrentStep)
	}
	if got.ErrorMessage != "boom" {
		t.Errorf("expected error message recorded, got %q", got.ErrorMessage)
	}
	if got.Status != models.ExecutionStatusRunning {
		t.Errorf("expected still running, got %s", got.Status)
	}
}

func TestShortcutUniqueness(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.CreateSequence(testOrg, models.CreateSequenceRequest{
		Name: "first", Shortcut: "Welcome",
	}); err != nil {
		t.Fatalf("first CreateSequence failed: %v", err)
	}
	_, err := svc.CreateSequence(testOrg, models.CreateSequenceRequest{
		Name: "second", Shortcut: "welcome",
	})
	if !errors.Is(err, ErrShortcutTaken) {
		t.Errorf("expected ErrShortcutTaken, got %v", err)
	}

	// The same shortcut in another organization is fine.
	if _, err := svc.CreateSequence("org_other", models.CreateSequenceRequest{
		Name: "elsewhere", Shortcut: "welcome",
	}); err != nil {
		t.Errorf("cross-org shortcut rejected: %v", err)
	}
}

func TestDeleteCascadesExecutionStop(t *testing.T) {
	svc, st := newTestService(t)
	seq := createActiveSequence(t, svc, "doomed", textStep("bye"))
	conv := createConversation(t, svc)

	exec, err := svc.StartExecution(testOrg, seq.ID, conv.ID, nil)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if err := svc.DeleteSequence(testOrg, seq.ID); err != nil {
		t.Fatalf("DeleteSequence failed: %v", err)
	}

	got, _ := st.GetExecution(exec.ID)
	if got.Status != models.ExecutionStatusStopped {
		t.Errorf("expected execution stopped after sequence delete, got %s", got.Status)
	}
	if _, err := svc.GetSequence(testOrg, seq.ID); !errors.Is(err, ErrSequenceNotFound) {
		t.Errorf("expected sequence gone, got %v", err)
	}
}

func TestStartExecutionRequiresActiveSequence(t *testing.T) {
	svc, _ := newTestService(t)
	conv := createConversation(t, svc)

	draft, err := svc.CreateSequence(testOrg, models.CreateSequenceRequest{Name: "still a draft"})
	if err != nil {
		t.Fatalf("CreateSequence failed: %v", err)
	}
	if _, err := svc.StartExecution(testOrg, draft.ID, conv.ID, nil); !errors.Is(err, ErrSequenceNotFound) {
		t.Errorf("expected ErrSequenceNotFound for draft sequence, got %v", err)
	}
	if _, err := svc.StartExecution(testOrg, "seq_missing", conv.ID, nil); !errors.Is(err, ErrSequenceNotFound) {
		t.Errorf("expected ErrSequenceNotFound for missing sequence, got %v", err)
	}

	// A sequence in another organization is invisible to the caller.
	other := createActiveSequence(t, svc, "mine")
	if _, err := svc.StartExecution("org_other", other.ID, conv.ID, nil); !errors.Is(err, ErrSequenceNotFound) {
		t.Errorf("expected ErrSequenceNotFound across orgs, got %v", err)
	}
}

func TestStopExecution(t *testing.T) {
	svc, _ := newTestService(t)
	seq := createActiveSequence(t, svc, "stoppable", textStep("x"))
	conv := createConversation(t, svc)

	exec, err := svc.StartExecution(testOrg, seq.ID, conv.ID, nil)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	stopped, err := svc.StopExecution(testOrg, exec.ID)
	if err != nil {
		t.Fatalf("StopExecution failed: %v", err)
	}
	if stopped.Status != models.ExecutionStatusStopped {
		t.Errorf("expected stopped, got %s", stopped.Status)
	}

	// Double stop is a conflict, not a crash.
	if _, err := svc.StopExecution(testOrg, exec.ID); !errors.Is(err, ErrExecutionFinished) {
		t.Errorf("expected ErrExecutionFinished, got %v", err)
	}
	if _, err := svc.StopExecution(testOrg, "exec_missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestAdvanceNoOpAfterStop(t *testing.T) {
	svc, st := newTestService(t)
	seq := createActiveSequence(t, svc, "raced", textStep("a"), textStep("b"))
	conv := createConversation(t, svc)

	exec, err := svc.StartExecution(testOrg, seq.ID, conv.ID, nil)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	steps, _ := st.ListSteps(seq.ID)

	// A stop lands between claim and advance; the advance must not resurrect
	// the execution.
	if _, err := svc.StopExecution(testOrg, exec.ID); err != nil {
		t.Fatalf("StopExecution failed: %v", err)
	}
	ok, err := svc.AdvanceExecution(*exec, steps, "")
	if err != nil {
		t.Fatalf("AdvanceExecution failed: %v", err)
	}
	if ok {
		t.Error("expected advance after stop to report false")
	}
	got, _ := st.GetExecution(exec.ID)
	if got.Status != models.ExecutionStatusStopped || got.CurrentStep != 0 {
		t.Errorf("stopped execution mutated: %+v", got)
	}
}

func TestReorderStepsValidation(t *testing.T) {
	svc, st := newTestService(t)
	seq := createActiveSequence(t, svc, "ordered", textStep("a"), textStep("b"), textStep("c"))

	steps, _ := st.ListSteps(seq.ID)
	reversed := []string{steps[2].ID, steps[1].ID, steps[0].ID}
	if err := svc.ReorderSteps(testOrg, seq.ID, reversed); err != nil {
		t.Fatalf("ReorderSteps failed: %v", err)
	}
	after, _ := st.ListSteps(seq.ID)
	for i, id := range reversed {
		if after[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, after[i].ID)
		}
	}

	// Partial and duplicated lists are rejected.
	if err := svc.ReorderSteps(testOrg, seq.ID, reversed[:2]); !errors.Is(err, ErrStepCountMismatch) {
		t.Errorf("expected ErrStepCountMismatch for partial list, got %v", err)
	}
	dup := []string{steps[0].ID, steps[0].ID, steps[1].ID}
	if err := svc.ReorderSteps(testOrg, seq.ID, dup); !errors.Is(err, ErrStepCountMismatch) {
		t.Errorf("expected ErrStepCountMismatch for duplicates, got %v", err)
	}
}

func TestStepContentValidation(t *testing.T) {
	svc, _ := newTestService(t)
	seq := createActiveSequence(t, svc, "validated")

	cases := []struct {
		name string
		req  models.StepRequest
		want error
	}{
		{"text missing body", models.StepRequest{Type: models.StepTypeText}, models.ErrEmptyStepBody},
		{"image missing url", models.StepRequest{Type: models.StepTypeImage, Body: "caption"}, models.ErrMissingMediaURL},
		{"delay missing duration", models.StepRequest{Type: models.StepTypeDelay}, models.ErrMissingDelay},
		{"delay with body", models.StepRequest{Type: models.StepTypeDelay, DelayMinutes: 5, Body: "no"}, models.ErrUnexpectedContent},
		{"text with delay", models.StepRequest{Type: models.StepTypeText, Body: "hi", DelayMinutes: 5}, models.ErrUnexpectedDelay},
		{"unknown type", models.StepRequest{Type: "sticker"}, models.ErrInvalidStepType},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := svc.AddStep(testOrg, seq.ID, c.req); !errors.Is(err, c.want) {
				t.Errorf("expected %v, got %v", c.want, err)
			}
		})
	}
}

func TestWakeOnImmediateStart(t *testing.T) {
	st := store.NewInMemoryStore()
	woken := 0
	svc := NewService(st, WithWake(func() { woken++ }))

	seq := createActiveSequence(t, svc, "nudging", textStep("go"))
	conv := createConversation(t, svc)

	if _, err := svc.StartExecution(testOrg, seq.ID, conv.ID, nil); err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if woken != 1 {
		t.Errorf("expected 1 wake for an immediate start, got %d", woken)
	}

	// Deferred starts wait for the poll loop; no wake.
	later := time.Now().Add(time.Hour)
	if _, err := svc.StartExecution(testOrg, seq.ID, conv.ID, &later); err != nil {
		t.Fatalf("deferred StartExecution failed: %v", err)
	}
	if woken != 1 {
		t.Errorf("expected no wake for a deferred start, got %d", woken)
	}
}
