package economics

import "time"

// EmitFunc delivers an economics event to whatever owns the conversation
// (event bus, logger, test spy). Manager holds it by value and never
// back-references its caller, per the no-back-reference design note.
type EmitFunc func(kind string, payload map[string]any)

// Manager owns budget accounting, loop detection, and phase tracking for
// a single worker's conversation. It composes LoopDetector and
// PhaseTracker rather than extending them.
type Manager struct {
	cfg   Config
	usage usageState
	loop  *LoopDetector
	phase *PhaseTracker
	emit  EmitFunc
	now   func() time.Time
}

// NewManager builds a Manager for one worker. global may be nil when the
// worker is not part of a swarm.
func NewManager(cfg Config, worker string, global GlobalLoopChecker, emit EmitFunc) *Manager {
	cfg.applyDefaults()
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	return &Manager{
		cfg:   cfg,
		loop:  NewLoopDetector(worker, cfg.DoomLoopThreshold, cfg.DoomLoopFuzzyThreshold, cfg.GlobalDoomLoopThreshold, global),
		phase: NewPhaseTracker(),
		emit:  emit,
		now:   time.Now,
		usage: usageState{start: time.Now()},
	}
}

// RecordLLMUsage applies incremental token accounting: after the first
// real call the baseline is refined to the reported input-token count,
// and subsequent calls charge only the delta above the last input count
// (minus any cache read) plus the full output count.
func (m *Manager) RecordLLMUsage(inputTokens, outputTokens, cacheReadTokens int64, cost float64) int64 {
	var charged int64
	if !m.usage.baselineSet {
		m.usage.baselineSet = true
		m.usage.lastInputTokens = inputTokens
		charged = outputTokens
	} else {
		delta := inputTokens - m.usage.lastInputTokens
		if delta < 0 {
			delta = 0
		}
		charged = delta - cacheReadTokens + outputTokens
		if charged < 0 {
			charged = 0
		}
		m.usage.lastInputTokens = inputTokens
	}
	m.usage.totalTokens += charged
	m.usage.totalCost += cost
	return charged
}

// PauseForSubagent stops wall-clock accrual while a subagent runs. The
// subagent's own idle/budget timer is tracked separately by its own
// Manager; pausing here only protects the parent's duration budget.
func (m *Manager) PauseForSubagent() {
	if m.usage.paused {
		return
	}
	m.usage.paused = true
	m.usage.pausedAt = m.now()
}

// ResumeAfterSubagent resumes wall-clock accrual for the parent.
func (m *Manager) ResumeAfterSubagent() {
	if !m.usage.paused {
		return
	}
	m.usage.pausedDuration += m.now().Sub(m.usage.pausedAt)
	m.usage.paused = false
}

func (m *Manager) elapsed() time.Duration {
	return m.now().Sub(m.usage.start) - m.usage.pausedDuration
}

// RecordToolCall feeds a tool call into loop detection and resets the
// zero-tool-call and text-only streaks.
func (m *Manager) RecordToolCall(tc ToolCall) {
	m.loop.Record(tc)
	m.usage.zeroToolIterations = 0
	m.usage.consecutiveTextOnly = 0
}

// RecordIteration advances the iteration counter and, when no tool calls
// occurred this turn, the zero-tool-call streak.
func (m *Manager) RecordIteration(hadToolCall, textOnly bool) {
	m.usage.iterations++
	m.phase.RecordIteration()
	if !hadToolCall {
		m.usage.zeroToolIterations++
	}
	if textOnly {
		m.usage.consecutiveTextOnly++
	} else {
		m.usage.consecutiveTextOnly = 0
	}
}

// RecordFileRead feeds the exploration-saturation signal.
func (m *Manager) RecordFileRead(path string) {
	m.phase.RecordFileRead(path)
}

// RecordFileModification feeds phase transitions.
func (m *Manager) RecordFileModification() {
	m.phase.RecordFileModification()
}

// RecordTestOutcome updates the consecutive test-failure streak from a
// parsed bash test outcome and advances the phase tracker.
func (m *Manager) RecordTestOutcome(outcome TestOutcome) {
	m.phase.RecordTestExecution()
	switch outcome {
	case TestOutcomePass:
		m.usage.consecutiveTestFailures = 0
	case TestOutcomeFail, TestOutcomeMixed:
		m.usage.consecutiveTestFailures++
	}
}

// RecordBashFailure updates the consecutive bash-failure streak.
func (m *Manager) RecordBashFailure(failed bool) {
	if failed {
		m.usage.consecutiveBashFailures++
	} else {
		m.usage.consecutiveBashFailures = 0
	}
}

// RecordStuck increments the stuck counter (caller-defined "no forward
// progress" signal distinct from zero-tool-calls, e.g. repeated
// identical file states across turns).
func (m *Manager) RecordStuck() {
	m.usage.stuckCounter++
}

// ResetStuck clears the stuck counter once progress resumes.
func (m *Manager) ResetStuck() {
	m.usage.stuckCounter = 0
}

// CheckBudget evaluates the graduated budget paths in priority order and
// returns exactly one non-default result. Each firing path also emits a
// same-named event for observability.
func (m *Manager) CheckBudget() CheckResult {
	// 1. Hard token/cost/duration exceeded.
	if r, ok := m.checkHardLimits(); ok {
		return r
	}
	// 2. Max iterations.
	if r, ok := m.checkMaxIterations(); ok {
		return r
	}
	// 3. Zero tool calls for >= zeroProgressThreshold iterations.
	if r, ok := m.checkZeroProgress(); ok {
		return r
	}
	// 4. Adaptive reduction at progressCheckpoint.
	m.applyAdaptiveReduction()

	// 5. Doom loop.
	if m.loop.IsDoomLoop() {
		return m.fire(BudgetModeWarn, DoomLoopPrompt, "reconsider-approach", "doom_loop")
	}
	// 6. Global doom loop.
	if m.loop.IsGlobalDoomLoop() {
		return m.fire(BudgetModeWarn, GlobalDoomLoopPrompt, "reconsider-strategy", "global_doom_loop")
	}
	// 7. Exploration saturation.
	if m.phase.Phase() == PhaseExploring && m.phase.ShouldTransition() {
		m.emit("exploration.saturation", map[string]any{})
		return m.fire(BudgetModeWarn, ExplorationNudgePrompt, "start-implementing", "exploration_saturation")
	}
	// 8. Consecutive test failures.
	if m.usage.consecutiveTestFailures >= 3 {
		return m.fire(BudgetModeRestricted, TestFixRethinkPrompt, "rethink-fix", "test_fix_cycle")
	}
	// 9. Consecutive bash failures.
	if m.usage.consecutiveBashFailures >= 3 {
		return m.fire(BudgetModeRestricted, BashFailureCascadePrompt, "check-environment", "bash_failure_cascade")
	}
	// 10. Consecutive text-only turns, far from budget end.
	if m.usage.consecutiveTextOnly >= 2 && m.PercentUsed() < 0.8 {
		return m.fire(BudgetModeWarn, SummaryLoopPrompt, "take-action-or-summarize", "summary_loop")
	}
	// 11. Phase-aware budget.
	if r, ok := m.checkPhaseAwareBudget(); ok {
		return r
	}
	// 12. Soft token/cost breach.
	if r, ok := m.checkSoftLimits(); ok {
		return r
	}
	// 13. Stuck counter.
	if m.usage.stuckCounter >= 3 {
		return m.fire(BudgetModeRestricted, "", "request-extension", "stuck")
	}
	// 14. Default.
	return defaultResult()
}

func (m *Manager) fire(mode BudgetMode, prompt, action, eventKind string) CheckResult {
	r := defaultResult()
	r.BudgetMode = mode
	r.InjectedPrompt = prompt
	r.SuggestedAction = action
	r.PercentUsed = m.PercentUsed()
	if eventKind != "" {
		m.emit(eventKind, map[string]any{"percentUsed": r.PercentUsed})
	}
	return r
}

func (m *Manager) checkHardLimits() (CheckResult, bool) {
	hard := false
	switch {
	case m.cfg.MaxTokens > 0 && m.usage.totalTokens >= m.cfg.MaxTokens:
		hard = true
	case m.cfg.MaxCost > 0 && m.usage.totalCost >= m.cfg.MaxCost:
		hard = true
	case m.cfg.MaxDuration > 0 && m.elapsed() >= m.cfg.MaxDuration:
		hard = true
	}
	if !hard {
		return CheckResult{}, false
	}
	r := defaultResult()
	r.IsHardLimit = true
	r.BudgetMode = BudgetModeHard
	r.PercentUsed = m.PercentUsed()
	r.CanContinue = m.cfg.Mode != ModeStrict
	r.AllowTaskContinuation = r.CanContinue
	m.emit("budget.hard_limit", map[string]any{"percentUsed": r.PercentUsed})
	return r, true
}

func (m *Manager) checkMaxIterations() (CheckResult, bool) {
	if m.cfg.MaxIterations <= 0 {
		return CheckResult{}, false
	}
	if m.usage.iterations < m.cfg.MaxIterations {
		return CheckResult{}, false
	}
	r := defaultResult()
	r.BudgetMode = BudgetModeHard
	r.PercentUsed = m.PercentUsed()
	if m.usage.iterations == m.cfg.MaxIterations {
		r.ForceTextOnly = true
		r.InjectedPrompt = MaxStepsPrompt
		r.CanContinue = true
		r.AllowTaskContinuation = true
		m.emit("budget.max_steps_warning", nil)
		return r, true
	}
	r.CanContinue = false
	r.AllowTaskContinuation = false
	m.emit("budget.max_steps_exceeded", nil)
	return r, true
}

func (m *Manager) checkZeroProgress() (CheckResult, bool) {
	if m.usage.zeroToolIterations < m.cfg.ZeroProgressThreshold {
		return CheckResult{}, false
	}
	r := defaultResult()
	r.PercentUsed = m.PercentUsed()
	r.BudgetMode = BudgetModeRestricted
	r.SuggestedAction = "make-tool-progress"
	escalated := m.usage.zeroToolIterations >= m.cfg.ZeroProgressThreshold*2
	if escalated {
		r.ForceTextOnly = true
		r.InjectedPrompt = MaxStepsPrompt
	} else {
		r.InjectedPrompt = ExplorationNudgePrompt
	}
	m.emit("budget.zero_progress", map[string]any{"escalated": escalated})
	return r, true
}

func (m *Manager) applyAdaptiveReduction() {
	if m.usage.reducedActive {
		if m.usage.zeroToolIterations == 0 {
			m.usage.reducedActive = false
		}
		return
	}
	if m.usage.iterations == m.cfg.ProgressCheckpoint && m.usage.zeroToolIterations > 0 {
		m.usage.reducedActive = true
		m.usage.reducedMaxIterations = m.cfg.ProgressCheckpoint + 5
		m.emit("budget.adaptive_reduction", map[string]any{"newMaxIterations": m.usage.reducedMaxIterations})
	}
}

func (m *Manager) checkPhaseAwareBudget() (CheckResult, bool) {
	if m.phase.Phase() != PhaseExploring {
		return CheckResult{}, false
	}
	if m.cfg.MaxIterations <= 0 {
		return CheckResult{}, false
	}
	explorationPercent := float64(m.usage.iterations) / float64(m.cfg.MaxIterations)
	if explorationPercent > m.cfg.MaxExplorationPercent && m.phase.modificationsMade == 0 {
		return m.fire(BudgetModeWarn, ExplorationNudgePrompt, "leave-exploration-phase", "budget.phase_exploration_exceeded"), true
	}
	return CheckResult{}, false
}

func (m *Manager) checkSoftLimits() (CheckResult, bool) {
	soft := false
	switch {
	case m.cfg.SoftTokenLimit > 0 && m.usage.totalTokens >= m.cfg.SoftTokenLimit:
		soft = true
	case m.cfg.SoftCostLimit > 0 && m.usage.totalCost >= m.cfg.SoftCostLimit:
		soft = true
	case m.cfg.SoftDurationLimit > 0 && m.elapsed() >= m.cfg.SoftDurationLimit:
		soft = true
	}
	if !soft {
		return CheckResult{}, false
	}
	r := defaultResult()
	r.IsSoftLimit = true
	r.PercentUsed = m.PercentUsed()
	r.BudgetMode = BudgetModeWarn
	r.SuggestedAction = "wind-down"
	if m.cfg.Mode == ModeStrict && r.PercentUsed >= 0.8 {
		r.ForceTextOnly = true
		r.BudgetMode = BudgetModeRestricted
	}
	m.emit("budget.soft_limit", map[string]any{"percentUsed": r.PercentUsed})
	return r, true
}

// PercentUsed reports the highest fractional usage across configured
// token/cost/duration/iteration budgets.
func (m *Manager) PercentUsed() float64 {
	var pct float64
	if m.cfg.MaxTokens > 0 {
		pct = max(pct, float64(m.usage.totalTokens)/float64(m.cfg.MaxTokens))
	}
	if m.cfg.MaxCost > 0 {
		pct = max(pct, m.usage.totalCost/m.cfg.MaxCost)
	}
	if m.cfg.MaxDuration > 0 {
		pct = max(pct, float64(m.elapsed())/float64(m.cfg.MaxDuration))
	}
	if m.cfg.MaxIterations > 0 {
		limit := m.cfg.MaxIterations
		if m.usage.reducedActive {
			limit = m.usage.reducedMaxIterations
		}
		pct = max(pct, float64(m.usage.iterations)/float64(limit))
	}
	return pct
}

// EffectiveMaxIterations returns the adaptively-reduced iteration cap
// when active, otherwise the configured maximum.
func (m *Manager) EffectiveMaxIterations() int {
	if m.usage.reducedActive {
		return m.usage.reducedMaxIterations
	}
	return m.cfg.MaxIterations
}

// TotalTokens returns the cumulative charged token count.
func (m *Manager) TotalTokens() int64 {
	return m.usage.totalTokens
}

// TotalCost returns the cumulative charged cost.
func (m *Manager) TotalCost() float64 {
	return m.usage.totalCost
}
