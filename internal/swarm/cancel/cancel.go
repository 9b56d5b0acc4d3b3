// Package cancel provides progress-aware cancellation primitives for the
// swarm dispatch loop: a one-way cancellation token, linked tokens, and
// two timeout variants (progress-aware and graceful) that fire on either
// a hard deadline or an idle deadline measured from the last reported
// progress event.
package cancel

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Token is an observable, one-way cancellation flag with a reason.
// Once transitioned it never resets.
type Token struct {
	mu        sync.RWMutex
	done      chan struct{}
	reason    string
	cancelled bool
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// IsCancelled reports whether the token has transitioned.
func (t *Token) IsCancelled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancelled
}

// Reason returns the reason the token transitioned, or "" if it has not.
func (t *Token) Reason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reason
}

// Done returns a channel closed when the token transitions.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

func (t *Token) fire(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	t.reason = reason
	close(t.done)
}

// Source owns a Token and is the only thing able to cancel it.
type Source struct {
	token *Token
}

// NewSource creates a fresh, uncancelled token source.
func NewSource() *Source {
	return &Source{token: newToken()}
}

// Token returns the observable token owned by this source.
func (s *Source) Token() *Token {
	return s.token
}

// Cancel transitions the token with the given reason. Subsequent calls
// are no-ops; cancellation is monotonic.
func (s *Source) Cancel(reason string) {
	s.token.fire(reason)
}

// CreateLinkedToken returns a Source whose token transitions when any of
// the given parent tokens transitions. The linked token's reason is the
// reason of whichever parent fired first.
func CreateLinkedToken(parents ...*Token) *Source {
	linked := NewSource()
	if len(parents) == 0 {
		return linked
	}
	for _, p := range parents {
		if p.IsCancelled() {
			linked.Cancel(p.Reason())
			return linked
		}
	}
	go func() {
		cases := make([]chan struct{}, 0, len(parents))
		for _, p := range parents {
			cases = append(cases, p.done)
		}
		idx, reason := waitAny(cases, parents)
		_ = idx
		linked.Cancel(reason)
	}()
	return linked
}

// waitAny blocks until one of the channels closes and returns its index
// and the associated token's reason. Implemented with reflect-free
// fan-in via a small goroutine per channel, since the parent count is
// always small (a handful of linked tokens at most).
func waitAny(chans []chan struct{}, tokens []*Token) (int, string) {
	result := make(chan int, len(chans))
	for i, c := range chans {
		i, c := i, c
		go func() {
			<-c
			select {
			case result <- i:
			default:
			}
		}()
	}
	i := <-result
	return i, tokens[i].Reason()
}

// CancellationError reports that an operation was abandoned because a
// Token fired.
type CancellationError struct {
	Reason string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("cancelled: %s", e.Reason)
}

// Race resolves with the result of fn if it completes first, or a
// *CancellationError if the token fires first. fn is always allowed to
// run to completion in its own goroutine; Race never leaves it running
// past the point where its result or error is discoverable, and never
// leaves a dangling listener on the token.
func Race[T any](ctx context.Context, token *Token, fn func(ctx context.Context) (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		return o.val, o.err
	case <-token.Done():
		var zero T
		return zero, &CancellationError{Reason: token.Reason()}
	}
}

// progressEvents is the exact, closed set of event names that reset an
// idle timer. No other event name may extend a deadline — this contract
// is explicit because expanding the set has regressed before.
var progressEvents = map[string]bool{
	"tool.start":    true,
	"tool.complete": true,
	"llm.start":     true,
	"llm.complete":  true,
}

// IsProgressEvent reports whether name is one of the four events that
// reset an idle timer.
func IsProgressEvent(name string) bool {
	return progressEvents[name]
}

// ProgressAwareTimeout fires its token when wall-clock since start
// exceeds MaxTimeout, or wall-clock since the last reported progress
// event exceeds IdleTimeout — whichever comes first.
type ProgressAwareTimeout struct {
	mu            sync.Mutex
	source        *Source
	start         time.Time
	lastProgress  time.Time
	maxTimeout    time.Duration
	idleTimeout   time.Duration
	checkInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	now           func() time.Time
}

// NewProgressAwareTimeout starts a timer goroutine immediately.
func NewProgressAwareTimeout(maxTimeout, idleTimeout, checkInterval time.Duration) *ProgressAwareTimeout {
	return newProgressAwareTimeout(maxTimeout, idleTimeout, checkInterval, time.Now)
}

func newProgressAwareTimeout(maxTimeout, idleTimeout, checkInterval time.Duration, now func() time.Time) *ProgressAwareTimeout {
	t := &ProgressAwareTimeout{
		source:        NewSource(),
		start:         now(),
		lastProgress:  now(),
		maxTimeout:    maxTimeout,
		idleTimeout:   idleTimeout,
		checkInterval: checkInterval,
		stopCh:        make(chan struct{}),
		now:           now,
	}
	go t.run()
	return t
}

// Token returns the timeout's cancellation token.
func (t *ProgressAwareTimeout) Token() *Token {
	return t.source.Token()
}

// ReportProgress records that forward progress occurred, resetting the
// idle deadline. Call this only on tool.start, tool.complete, llm.start,
// or llm.complete — see IsProgressEvent.
func (t *ProgressAwareTimeout) ReportProgress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.source.Token().IsCancelled() {
		return
	}
	t.lastProgress = t.now()
}

// Stop halts the background timer goroutine without cancelling the
// token (used when the protected operation finished on its own).
func (t *ProgressAwareTimeout) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *ProgressAwareTimeout) run() {
	interval := t.checkInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if t.checkAndFire() {
				return
			}
		}
	}
}

func (t *ProgressAwareTimeout) checkAndFire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if now.Sub(t.start) >= t.maxTimeout {
		t.source.Cancel(fmt.Sprintf("Maximum timeout exceeded (%ds)", int(t.maxTimeout.Seconds())))
		return true
	}
	if now.Sub(t.lastProgress) >= t.idleTimeout {
		t.source.Cancel(fmt.Sprintf("Idle timeout (%ds since last progress)", int(t.idleTimeout.Seconds())))
		return true
	}
	return false
}

// GracefulTimeout layers a bounded wrapup window on top of a
// ProgressAwareTimeout. When either deadline fires, the timeout enters a
// wrapup phase: IsInWrapupPhase() becomes true while the token itself has
// not yet transitioned. Exactly WrapupWindow later, the token transitions
// (hard cancel). Progress reported during wrapup does not extend any
// deadline.
type GracefulTimeout struct {
	mu            sync.Mutex
	source        *Source
	inner         *ProgressAwareTimeout
	wrapupWindow  time.Duration
	inWrapup      bool
	wrapupAt      time.Time
	onWrapup      []func(reason string)
	wrapupFired   bool
	stopCh        chan struct{}
	stopOnce      sync.Once
	now           func() time.Time
	deadlineToken *Token
}

// NewGracefulTimeout wraps a progress-aware deadline with a wrapup
// window. onWrapupWarning, if non-nil, is invoked exactly once when
// wrapup begins (and immediately if registered after wrapup has already
// begun).
func NewGracefulTimeout(maxTimeout, idleTimeout, checkInterval, wrapupWindow time.Duration) *GracefulTimeout {
	return newGracefulTimeout(maxTimeout, idleTimeout, checkInterval, wrapupWindow, time.Now)
}

func newGracefulTimeout(maxTimeout, idleTimeout, checkInterval, wrapupWindow time.Duration, now func() time.Time) *GracefulTimeout {
	inner := newProgressAwareTimeout(maxTimeout, idleTimeout, checkInterval, now)
	g := &GracefulTimeout{
		source:        NewSource(),
		inner:         inner,
		wrapupWindow:  wrapupWindow,
		stopCh:        make(chan struct{}),
		now:           now,
		deadlineToken: inner.Token(),
	}
	go g.watch(inner)
	return g
}

func (g *GracefulTimeout) watch(inner *ProgressAwareTimeout) {
	select {
	case <-inner.Token().Done():
		inner.Stop()
		g.enterWrapup(inner.Token().Reason())
	case <-g.stopCh:
		inner.Stop()
		return
	}

	interval := inner.checkInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.mu.Lock()
			due := g.now().Sub(g.wrapupAt) >= g.wrapupWindow
			reason := inner.Token().Reason()
			g.mu.Unlock()
			if due {
				g.source.Cancel(reason)
				return
			}
		case <-g.stopCh:
			return
		}
	}
}

func (g *GracefulTimeout) enterWrapup(reason string) {
	g.mu.Lock()
	g.inWrapup = true
	g.wrapupAt = g.now()
	callbacks := append([]func(reason string){}, g.onWrapup...)
	alreadyFired := g.wrapupFired
	g.wrapupFired = true
	g.mu.Unlock()

	if alreadyFired {
		return
	}
	for _, cb := range callbacks {
		cb(reason)
	}
}

// Token returns the hard-cancel token: it transitions only after the
// wrapup window elapses.
func (g *GracefulTimeout) Token() *Token {
	return g.source.Token()
}

// IsInWrapupPhase reports whether the wrapup window has begun.
func (g *GracefulTimeout) IsInWrapupPhase() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inWrapup
}

// OnWrapupWarning registers a callback invoked exactly once when wrapup
// begins. If wrapup has already begun, it fires immediately.
func (g *GracefulTimeout) OnWrapupWarning(cb func(reason string)) {
	g.mu.Lock()
	fired := g.wrapupFired
	reason := g.deadlineToken.Reason()
	if !fired {
		g.onWrapup = append(g.onWrapup, cb)
	}
	g.mu.Unlock()
	if fired {
		cb(reason)
	}
}

// ReportProgress forwards to the inner progress-aware timeout while it is
// still running. Once wrapup begins the inner timer has already been
// stopped, so progress reported during wrapup cannot extend any
// deadline — it is silently ignored, per spec.
func (g *GracefulTimeout) ReportProgress() {
	g.mu.Lock()
	inWrapup := g.inWrapup
	g.mu.Unlock()
	if inWrapup {
		return
	}
	g.inner.ReportProgress()
}

// Stop halts background goroutines without forcing a hard cancel.
func (g *GracefulTimeout) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}
