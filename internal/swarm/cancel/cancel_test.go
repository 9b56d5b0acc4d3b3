package cancel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenMonotonic(t *testing.T) {
	src := NewSource()
	require.False(t, src.Token().IsCancelled())
	src.Cancel("first")
	src.Cancel("second")
	assert.True(t, src.Token().IsCancelled())
	assert.Equal(t, "first", src.Token().Reason())
}

func TestCreateLinkedTokenFiresOnAnyParent(t *testing.T) {
	a := NewSource()
	b := NewSource()
	linked := CreateLinkedToken(a.Token(), b.Token())
	require.False(t, linked.Token().IsCancelled())

	b.Cancel("b failed")
	select {
	case <-linked.Token().Done():
	case <-time.After(time.Second):
		t.Fatal("linked token did not fire")
	}
	assert.Equal(t, "b failed", linked.Token().Reason())
}

func TestCreateLinkedTokenAlreadyCancelled(t *testing.T) {
	a := NewSource()
	a.Cancel("already done")
	linked := CreateLinkedToken(a.Token())
	assert.True(t, linked.Token().IsCancelled())
	assert.Equal(t, "already done", linked.Token().Reason())
}

func TestRaceResolvesWithFnWhenFasterThanToken(t *testing.T) {
	src := NewSource()
	val, err := Race(context.Background(), src.Token(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestRaceRejectsWithCancellationErrorWhenTokenFiresFirst(t *testing.T) {
	src := NewSource()
	src.Cancel("boom")
	block := make(chan struct{})
	defer close(block)
	_, err := Race(context.Background(), src.Token(), func(ctx context.Context) (int, error) {
		<-block
		return 0, nil
	})
	var cancelErr *CancellationError
	require.ErrorAs(t, err, &cancelErr)
	assert.Equal(t, "boom", cancelErr.Reason)
}

func TestIsProgressEventExactSet(t *testing.T) {
	for _, name := range []string{"tool.start", "tool.complete", "llm.start", "llm.complete"} {
		assert.True(t, IsProgressEvent(name), name)
	}
	for _, name := range []string{"llm.response", "token.count", "status", "chunk"} {
		assert.False(t, IsProgressEvent(name), name)
	}
}

// fakeClock lets timeout tests advance time deterministically instead of
// sleeping wall-clock seconds.
type fakeClock struct {
	t atomic.Int64 // unix nanos
}

func newFakeClock(start time.Time) *fakeClock {
	c := &fakeClock{}
	c.t.Store(start.UnixNano())
	return c
}

func (c *fakeClock) now() time.Time {
	return time.Unix(0, c.t.Load())
}

func (c *fakeClock) advance(d time.Duration) {
	c.t.Add(int64(d))
}

func TestProgressAwareTimeoutIdleFires(t *testing.T) {
	// S3: max=300s, idle=10s. Fire tool.complete, then idle past 10s.
	clock := newFakeClock(time.Now())
	timeout := newProgressAwareTimeout(300*time.Second, 10*time.Second, 5*time.Millisecond, clock.now)
	defer timeout.Stop()

	timeout.ReportProgress()
	clock.advance(11 * time.Second)

	select {
	case <-timeout.Token().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected idle timeout to fire")
	}
	assert.Contains(t, timeout.Token().Reason(), "Idle timeout")
}

func TestProgressAwareTimeoutIgnoresNonProgressEvents(t *testing.T) {
	// Firing llm.response (not in the progress set) must not extend the
	// idle deadline: the token should still cancel by ~10s.
	clock := newFakeClock(time.Now())
	timeout := newProgressAwareTimeout(300*time.Second, 10*time.Second, 5*time.Millisecond, clock.now)
	defer timeout.Stop()

	// Simulate "firing" llm.response by doing nothing (the caller never
	// calls ReportProgress for non-progress events in the real system).
	clock.advance(11 * time.Second)

	select {
	case <-timeout.Token().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected idle timeout to fire despite non-progress activity")
	}
}

func TestProgressAwareTimeoutMaxFires(t *testing.T) {
	clock := newFakeClock(time.Now())
	timeout := newProgressAwareTimeout(5*time.Second, 300*time.Second, 5*time.Millisecond, clock.now)
	defer timeout.Stop()

	clock.advance(6 * time.Second)
	select {
	case <-timeout.Token().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected max timeout to fire")
	}
	assert.Contains(t, timeout.Token().Reason(), "Maximum timeout exceeded")
}

func TestGracefulTimeoutWrapupThenHardCancel(t *testing.T) {
	// S4: createGracefulTimeout(60s, 10s idle, 5s wrapup). No progress.
	clock := newFakeClock(time.Now())
	var wrapupCalls atomic.Int32
	g := newGracefulTimeout(60*time.Second, 10*time.Second, 5*time.Millisecond, 5*time.Second, clock.now)
	defer g.Stop()
	g.OnWrapupWarning(func(reason string) { wrapupCalls.Add(1) })

	clock.advance(10 * time.Second)
	require.Eventually(t, g.IsInWrapupPhase, time.Second, 2*time.Millisecond)
	assert.False(t, g.Token().IsCancelled())
	assert.Equal(t, int32(1), wrapupCalls.Load())

	// Progress reported during wrapup does not extend the deadline.
	g.ReportProgress()

	clock.advance(5 * time.Second)
	select {
	case <-g.Token().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected hard cancel after wrapup window")
	}
	assert.Equal(t, int32(1), wrapupCalls.Load(), "wrapup callback must fire exactly once")
}

func TestGracefulTimeoutOnWrapupWarningFiresImmediatelyIfAlreadyInWrapup(t *testing.T) {
	clock := newFakeClock(time.Now())
	g := newGracefulTimeout(5*time.Second, 300*time.Second, 5*time.Millisecond, 100*time.Second, clock.now)
	defer g.Stop()

	clock.advance(6 * time.Second)
	require.Eventually(t, g.IsInWrapupPhase, time.Second, 2*time.Millisecond)

	called := make(chan string, 1)
	g.OnWrapupWarning(func(reason string) { called <- reason })
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("expected immediate callback invocation")
	}
}
