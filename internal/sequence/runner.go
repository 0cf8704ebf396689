package sequence

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowdesk/DripFlow/internal/messaging"
	"github.com/flowdesk/DripFlow/internal/models"
	"github.com/flowdesk/DripFlow/internal/store"
)

// Runner configuration constants.
const (
	// DefaultPollInterval is how often the runner scans for due work.
	DefaultPollInterval = 15 * time.Second
	// wakeBufferSize bounds queued wake signals; one pending wake is enough
	// because a cycle drains all due work.
	wakeBufferSize = 1
)

// Runner is the background loop that claims due executions and performs
// their steps. Multiple runners (in one process or several) may poll the
// same store; the claim queries keep them from overlapping.
type Runner struct {
	store    store.Store
	service  *Service
	sender   messaging.Sender
	interval time.Duration
	wake     chan struct{}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPollInterval overrides the scan interval.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.interval = d
		}
	}
}

// NewRunner creates a runner over the given store, service and sender.
func NewRunner(st store.Store, svc *Service, sender messaging.Sender, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    st,
		service:  svc,
		sender:   sender,
		interval: DefaultPollInterval,
		wake:     make(chan struct{}, wakeBufferSize),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Wake nudges the runner to scan immediately instead of waiting out the
// current poll interval. Safe to call from any goroutine; extra signals
// are dropped.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled. Stale claims left by a crashed
// worker are released once at startup; the lease makes them reclaimable on
// later cycles either way.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("Sequence runner starting", "interval", r.interval)

	if n, err := r.store.ReleaseStaleClaims(time.Now().Add(-store.DefaultClaimLease)); err != nil {
		slog.Error("Failed to release stale claims at startup", "error", err)
	} else if n > 0 {
		slog.Info("Released stale claims at startup", "count", n)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Sequence runner stopping", "reason", ctx.Err())
			return
		case <-ticker.C:
			r.runCycle(ctx)
		case <-r.wake:
			slog.Debug("Sequence runner woken early")
			r.runCycle(ctx)
		}
	}
}

// runCycle claims and processes one batch of each due-work category.
// A storage error skips the category until the next cycle; a single
// execution's failure never blocks the rest of the batch.
func (r *Runner) runCycle(ctx context.Context) {
	now := time.Now()

	scheduled, err := r.store.ClaimDueScheduledExecutions(now, store.DefaultDueBatchSize)
	if err != nil {
		slog.Error("Failed to claim due scheduled executions", "error", err)
	} else {
		for _, work := range scheduled {
			if ctx.Err() != nil {
				return
			}
			if _, err := r.service.StartScheduledExecution(work); err != nil {
				slog.Error("Failed to start scheduled execution", "error", err, "id", work.Execution.ID)
			}
		}
	}

	pending, err := r.store.ClaimDuePendingExecutions(now, store.DefaultDueBatchSize)
	if err != nil {
		slog.Error("Failed to claim due pending executions", "error", err)
		return
	}
	for _, work := range pending {
		if ctx.Err() != nil {
			return
		}
		r.processPending(ctx, work)
	}
}

// processPending performs the due step of one claimed running execution and
// advances it. Delivery failures are recorded on the row and the run keeps
// going; only the conditional advance decides whether state changes.
func (r *Runner) processPending(ctx context.Context, work models.DuePendingExecution) {
	exec := work.Execution
	step := work.CurrentStepRef()

	var errorMessage string
	if step != nil && step.Type != models.StepTypeDelay {
		sendCtx, cancel := context.WithTimeout(ctx, messaging.DefaultSendTimeout)
		err := r.sender.SendStep(sendCtx, work.Conversation, *step)
		cancel()
		if err != nil {
			errorMessage = err.Error()
			slog.Error("Step delivery failed", "error", err, "executionID", exec.ID, "stepID", step.ID, "stepIndex", exec.CurrentStep)
		} else {
			slog.Debug("Step delivered", "executionID", exec.ID, "stepID", step.ID, "stepIndex", exec.CurrentStep, "type", step.Type)
		}
	}

	advanced, err := r.service.AdvanceExecution(exec, work.Steps, errorMessage)
	if err != nil {
		slog.Error("Failed to advance execution", "error", err, "id", exec.ID)
		return
	}
	if !advanced {
		slog.Debug("Execution advance superseded", "id", exec.ID)
	}
}
