package orchestrate

import (
	"context"
	"sync"
	"time"

	"github.com/harrison/conductor/internal/swarm/blackboard"
	"github.com/harrison/conductor/internal/swarm/cancel"
	"github.com/harrison/conductor/internal/swarm/queue"
	"github.com/harrison/conductor/internal/swarm/resilience"
	"github.com/harrison/conductor/internal/swarm/workerpool"
)

// postClosureReport publishes a timed-out worker's self-report onto the
// blackboard as findings, one per reported item, tagged by category so
// downstream readers (the next dispatch of the same task, or a human
// operator inspecting the run) can distinguish what was found from what
// remains undone.
func (o *Orchestrator) postClosureReport(taskID, worker string, report ClosureReport) {
	post := func(topic string, items []string) {
		for _, item := range items {
			o.bb.PostFinding(blackboard.Finding{
				Topic:      topic,
				Author:     worker,
				Value:      item,
				Confidence: 1.0,
			})
		}
	}
	post(taskID+".findings", report.Findings)
	post(taskID+".actionsTaken", report.ActionsTaken)
	post(taskID+".failures", report.Failures)
	post(taskID+".remainingWork", report.RemainingWork)
	post(taskID+".suggestedNextSteps", report.SuggestedNextSteps)
}

// dispatchWave fans out every ready task in the current wave, bounded by
// MaxConcurrency, staggering successive launches by DispatchStagger, and
// repeats against the freshly-ready set after each round so a requeued
// (retried) task gets redispatched within the same wave rather than left
// dangling. Grounded on the teacher's internal/executor/wave.go
// WaveExecutor: semaphore-bounded goroutine-per-task, a buffered results
// channel, and wg.Wait before a round is considered drained.
func (o *Orchestrator) dispatchWave(ctx context.Context) error {
	for {
		ready := o.q.GetReadyTasks()
		if len(ready) == 0 {
			return nil
		}
		if o.parent.Token().IsCancelled() {
			return nil
		}

		sem := make(chan struct{}, o.cfg.MaxConcurrency)
		var wg sync.WaitGroup

		for i, task := range ready {
			if o.parent.Token().IsCancelled() {
				break
			}
			task := task
			worker, ok := o.selector.Select(capabilityFor(task))
			if !ok {
				o.markFailedNoWorker(task.ID)
				continue
			}
			if err := o.q.MarkDispatched(task.ID); err != nil {
				// Already dispatched or past the retry cap: not this
				// round's concern, skip it.
				continue
			}

			if i > 0 && o.cfg.DispatchStagger > 0 {
				select {
				case <-time.After(o.cfg.DispatchStagger):
				case <-ctx.Done():
				case <-o.parent.Token().Done():
				}
			}

			o.bus.Emit("task.dispatched", map[string]any{"taskId": task.ID, "worker": worker.Name, "model": worker.Model})

			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				o.runOne(ctx, task, worker)
			}()
		}

		wg.Wait()
	}
}

// capabilityFor maps a subtask's declared type directly to a worker
// capability key; the precedence table inside workerpool.Selector
// widens this when no worker configures the exact capability.
func capabilityFor(s queue.Subtask) string {
	if s.Type == "" {
		return "code"
	}
	return s.Type
}

func (o *Orchestrator) markFailedNoWorker(taskID string) {
	_ = o.q.MarkFailed(taskID, queue.FailureError)
	o.q.TriggerCascadeSkip(taskID)
	o.bus.Emit("task.attempt", map[string]any{"taskId": taskID, "outcome": "no_worker_available"})
}

// dispatchOne runs a single task, for both the wave loop (via runOne)
// and the single-agent execution path (when decomposition yields fewer
// than two subtasks). The worker's context is cancelled as soon as the graceful
// timeout enters its wrapup phase, giving a cooperative worker the
// wrapup window to return its own closure report before the hard-cancel
// token fires and Race gives up on it entirely.
func (o *Orchestrator) dispatchOne(ctx context.Context, task queue.Subtask, worker workerpool.Worker) (WorkerResult, error) {
	gt := cancel.NewGracefulTimeout(o.cfg.MaxTimeout, o.cfg.IdleTimeout, o.cfg.CheckInterval, o.cfg.WrapupWindow)
	defer gt.Stop()
	linked := cancel.CreateLinkedToken(o.parent.Token(), gt.Token())

	workCtx, workCancel := context.WithCancel(ctx)
	defer workCancel()
	gt.OnWrapupWarning(func(string) { workCancel() })
	go func() {
		select {
		case <-o.parent.Token().Done():
			workCancel()
		case <-workCtx.Done():
		}
	}()

	result, err := cancel.Race(ctx, linked.Token(), func(context.Context) (WorkerResult, error) {
		return o.worker(workCtx, task, worker, func(name string) {
			if cancel.IsProgressEvent(name) {
				gt.ReportProgress()
			}
			o.bus.Emit(name, map[string]any{"taskId": task.ID})
		})
	})
	return result, err
}

// runOne dispatches a single task under its own graceful timeout linked
// to the orchestrator's parent cancellation source, and routes the
// outcome through handleCompletion.
func (o *Orchestrator) runOne(ctx context.Context, task queue.Subtask, worker workerpool.Worker) {
	result, err := o.dispatchOne(ctx, task, worker)
	o.handleCompletion(task, worker, result, err)
}

// handleCompletion implements five of the six completion paths from
// spec.md §4.6/§4.7: hollow, quality-rejected, dispatch-exception,
// timeout, and genuine success; the sixth, no-worker, is handled in
// dispatchWave by markFailedNoWorker. Every path ends in markFailed or
// markCompleted and emits task.attempt.
func (o *Orchestrator) handleCompletion(task queue.Subtask, worker workerpool.Worker, result WorkerResult, dispatchErr error) {
	start := time.Now()

	// Path: timeout. ToolCalls == -1 is the timeout convention; a
	// CancellationError from the graceful-timeout token is the other.
	if _, isCancel := dispatchErr.(*cancel.CancellationError); isCancel || result.ToolCalls == -1 {
		report := result.ClosureReport
		if report == nil {
			parsed := ParseClosureReport(result.Output)
			report = &parsed
		}
		o.postClosureReport(task.ID, worker.Name, *report)
		o.markFailedWithResilience(task, worker, result, queue.FailureTimeout, "timeout")
		return
	}

	// Path: dispatch exception (the worker function itself errored,
	// distinct from a reported-unsuccessful completion).
	if dispatchErr != nil {
		o.markFailedWithResilience(task, worker, result, queue.FailureError, "dispatch_exception")
		return
	}

	completion := resilience.CompletionResult{Success: result.Success, Output: result.Output, ToolCalls: result.ToolCalls}

	// Path: hollow completion.
	if resilience.IsHollow(completion, o.cfg.HollowOutputThreshold) {
		o.healthT.RecordHollow(worker.Model)
		o.markFailedWithResilience(task, worker, result, queue.FailureHollow, "hollow")
		return
	}

	if !result.Success {
		// Path: quality-rejected / generic failure, retries exhausted
		// -> resilience; degraded acceptance only applies if a prior
		// attempt left artifacts, checked inside markFailedWithResilience.
		o.healthT.RecordFailure(worker.Model, "")
		o.markFailedWithResilience(task, worker, result, queue.FailureQuality, "quality_rejected")
		return
	}

	// Path: genuine success.
	o.healthT.RecordSuccess(worker.Model, time.Since(start).Seconds()*1000)
	if o.econ != nil {
		charged := o.econ.RecordLLMUsage(result.Usage.InputTokens, result.Usage.OutputTokens, result.Usage.CachedTokens, result.Usage.Cost)
		_ = charged
	}
	_ = o.q.MarkCompleted(task.ID)
	o.bus.Emit("task.attempt", map[string]any{"taskId": task.ID, "outcome": "success"})
	o.bus.Emit("task.completed", map[string]any{"taskId": task.ID})
}

// markFailedWithResilience transitions a task to failed and, once its
// attempts are exhausted, applies the resilience decision: degraded
// acceptance marks it completed; any other strategy, micro-decompose
// included, leaves it terminally failed and cascades skips to its
// dependents (no child subtasks are inserted). It always emits
// task.attempt.
func (o *Orchestrator) markFailedWithResilience(task queue.Subtask, worker workerpool.Worker, result WorkerResult, mode queue.FailureMode, outcome string) {
	_ = o.q.MarkFailed(task.ID, mode)
	o.bus.Emit("task.failed", map[string]any{"taskId": task.ID, "mode": string(mode)})

	if err := o.q.Requeue(task.ID); err == nil {
		o.bus.Emit("task.attempt", map[string]any{"taskId": task.ID, "outcome": outcome, "requeued": true})
		return
	}

	decision := resilience.Decide(o.cfg.Resilience, task.ID, resilience.CompletionResult{
		Success: result.Success, Output: result.Output, ToolCalls: result.ToolCalls,
	}, o.artifacts)
	o.bus.Emit("task.resilience", map[string]any{"taskId": task.ID, "strategy": string(decision.Strategy), "succeeded": decision.Succeeded})

	switch decision.Strategy {
	case resilience.StrategyDegradedAcceptance:
		_ = o.q.MarkCompleted(task.ID)
	default:
		o.q.TriggerCascadeSkip(task.ID)
	}

	o.bus.Emit("task.attempt", map[string]any{"taskId": task.ID, "outcome": outcome, "resilience": string(decision.Strategy)})
}
