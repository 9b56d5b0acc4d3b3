package blackboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostFindingAndQuery(t *testing.T) {
	b := New()
	b.PostFinding(Finding{Topic: "auth", Author: "w1", Value: "found bug", Confidence: 0.9})
	b.PostFinding(Finding{Topic: "auth", Author: "w2", Value: "confirmed", Confidence: 0.5})
	b.PostFinding(Finding{Topic: "db", Author: "w1", Value: "unrelated", Confidence: 0.2})

	byTopic := b.FindingsByTopic("auth")
	require.Len(t, byTopic, 2)
	assert.Equal(t, "w1", byTopic[0].Author)
	assert.Equal(t, "w2", byTopic[1].Author)

	byAuthor := b.FindingsByAuthor("w1")
	require.Len(t, byAuthor, 2)
}

func TestClaimExclusiveAcquireRelease(t *testing.T) {
	b := New()
	require.NoError(t, b.AcquireClaim("file:shared.go", "worker-a"))
	assert.Equal(t, "worker-a", b.ClaimOwner("file:shared.go"))

	err := b.AcquireClaim("file:shared.go", "worker-b")
	var claimErr *ErrClaimHeld
	require.ErrorAs(t, err, &claimErr)
	assert.Equal(t, "worker-a", claimErr.CurrentOwner)

	// re-acquiring your own claim is idempotent
	require.NoError(t, b.AcquireClaim("file:shared.go", "worker-a"))

	b.ReleaseClaim("file:shared.go", "worker-b") // not the owner, no-op
	assert.Equal(t, "worker-a", b.ClaimOwner("file:shared.go"))

	b.ReleaseClaim("file:shared.go", "worker-a")
	assert.Empty(t, b.ClaimOwner("file:shared.go"))

	require.NoError(t, b.AcquireClaim("file:shared.go", "worker-b"))
}

func TestGlobalDoomLoopRequiresTwoWorkersAndThreshold(t *testing.T) {
	b := New()
	fp := "bash:canonical-args"

	count, workers := b.RecordLoopFingerprint(fp, "worker-a")
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, workers)
	assert.False(t, b.IsGlobalDoomLoop(fp, 3))

	b.RecordLoopFingerprint(fp, "worker-a")
	b.RecordLoopFingerprint(fp, "worker-a")
	assert.False(t, b.IsGlobalDoomLoop(fp, 3), "single worker never constitutes a global doom loop")

	count, workers = b.RecordLoopFingerprint(fp, "worker-b")
	assert.Equal(t, 4, count)
	assert.Equal(t, 2, workers)
	assert.True(t, b.IsGlobalDoomLoop(fp, 3))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	b := New()
	b.PostFinding(Finding{Topic: "t", Author: "a", Value: "v", Confidence: 0.5})
	require.NoError(t, b.AcquireClaim("res", "worker-a"))
	b.RecordLoopFingerprint("fp1", "worker-a")
	b.RecordLoopFingerprint("fp1", "worker-b")

	snap := b.Snapshot()

	restored := New()
	restored.Restore(snap)

	assert.Equal(t, b.FindingsByTopic("t"), restored.FindingsByTopic("t"))
	assert.Equal(t, "worker-a", restored.ClaimOwner("res"))
	assert.True(t, restored.IsGlobalDoomLoop("fp1", 2))

	// New claims after restore continue the sequence, not reset to zero.
	require.NoError(t, restored.AcquireClaim("res2", "worker-c"))
	assert.Equal(t, "worker-c", restored.ClaimOwner("res2"))
}
