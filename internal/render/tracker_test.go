package render

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// notifyRecorder counts deliveries under lock, since smoothed notifications arrive
// from a timer goroutine.
type notifyRecorder struct {
	mu    sync.Mutex
	count int
	last  LoadProgress
}

func (r *notifyRecorder) record(p LoadProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	r.last = p
}

func (r *notifyRecorder) snapshot() (int, LoadProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count, r.last
}

func statusPtr(s LoadStatus) *LoadStatus { return &s }
func int64Ptr(v int64) *int64            { return &v }

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    LoadStatus
		to      LoadStatus
		allowed bool
	}{
		{"loading to rendering", StatusLoading, StatusRendering, true},
		{"loading to error", StatusLoading, StatusError, true},
		{"rendering to complete", StatusRendering, StatusComplete, true},
		{"rendering to loading", StatusRendering, StatusLoading, false},
		{"complete to loading", StatusComplete, StatusLoading, false},
		{"complete to error", StatusComplete, StatusError, false},
		{"error to loading", StatusError, StatusLoading, true},
		{"error to rendering", StatusError, StatusRendering, false},
		{"error to error", StatusError, StatusError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewStatusTracker("doc-1", TrackerOptions{})
			tr.progress.Status = tt.from

			tr.SetStatus(tt.to)

			want := tt.from
			if tt.allowed {
				want = tt.to
			}
			assert.Equal(t, want, tr.CurrentProgress().Status)
		})
	}
}

func TestCompleteIsTerminal(t *testing.T) {
	tr := NewStatusTracker("doc-1", TrackerOptions{})
	tr.SetStatus(StatusRendering)
	tr.Complete()
	require.Equal(t, StatusComplete, tr.CurrentProgress().Status)

	tr.SetStatus(StatusLoading)
	assert.Equal(t, StatusComplete, tr.CurrentProgress().Status)
	tr.Error()
	assert.Equal(t, StatusComplete, tr.CurrentProgress().Status)
}

func TestRejectedTransitionCommitsNothing(t *testing.T) {
	tr := NewStatusTracker("doc-1", TrackerOptions{})
	tr.SetStatus(StatusRendering)
	tr.SetLoadedBytes(10, 100)

	// Disallowed status change: the whole update is rejected, including the byte
	// counters that rode along with it.
	tr.UpdateProgress(ProgressUpdate{
		Status: statusPtr(StatusLoading),
		Loaded: int64Ptr(90),
	})

	p := tr.CurrentProgress()
	assert.Equal(t, StatusRendering, p.Status)
	assert.Equal(t, int64(10), p.Loaded)
	assert.Equal(t, 10, p.Percentage)
}

func TestPercentageDerivationAndClamping(t *testing.T) {
	tr := NewStatusTracker("doc-1", TrackerOptions{})

	tr.SetLoadedBytes(50, 200)
	assert.Equal(t, 25, tr.CurrentProgress().Percentage)

	// Loaded past total clamps to 100.
	tr.SetLoadedBytes(500, 200)
	assert.Equal(t, 100, tr.CurrentProgress().Percentage)

	// Negative inputs clamp to zero.
	tr.UpdateProgress(ProgressUpdate{Loaded: int64Ptr(-5), Total: int64Ptr(-10)})
	p := tr.CurrentProgress()
	assert.GreaterOrEqual(t, p.Loaded, int64(0))
	assert.GreaterOrEqual(t, p.Total, int64(0))

	// With no total, an explicit percentage applies, clamped.
	tr2 := NewStatusTracker("doc-2", TrackerOptions{})
	tr2.SetPercentage(150)
	assert.Equal(t, 100, tr2.CurrentProgress().Percentage)
	tr2.SetPercentage(-3)
	assert.Equal(t, 0, tr2.CurrentProgress().Percentage)
}

func TestExplicitPercentageIgnoredWhenTotalKnown(t *testing.T) {
	tr := NewStatusTracker("doc-1", TrackerOptions{})
	tr.SetLoadedBytes(25, 100)
	tr.SetPercentage(90)
	assert.Equal(t, 25, tr.CurrentProgress().Percentage)
}

func TestThrottleDropsRapidUpdatesButFlushesStatusChanges(t *testing.T) {
	rec := &notifyRecorder{}
	tr := NewStatusTracker("doc-1", TrackerOptions{
		UpdateInterval: time.Hour,
		OnProgress:     rec.record,
	})

	tr.SetLoadedBytes(10, 100)
	count, _ := rec.snapshot()
	require.Equal(t, 1, count)

	// Within the throttle window, non-status updates are dropped...
	tr.SetLoadedBytes(20, 100)
	tr.SetPercentage(30)
	count, _ = rec.snapshot()
	assert.Equal(t, 1, count)

	// ...but the state still advanced.
	assert.Equal(t, int64(20), tr.CurrentProgress().Loaded)

	// A status change bypasses the throttle.
	tr.SetStatus(StatusRendering)
	count, last := rec.snapshot()
	assert.Equal(t, 2, count)
	assert.Equal(t, StatusRendering, last.Status)
}

func TestCompleteForcesFinalCounters(t *testing.T) {
	tr := NewStatusTracker("doc-1", TrackerOptions{})
	tr.SetLoadedBytes(40, 100)
	tr.Complete()

	p := tr.CurrentProgress()
	assert.Equal(t, StatusComplete, p.Status)
	assert.Equal(t, 100, p.Percentage)
	assert.Equal(t, int64(100), p.Loaded)

	// With an unknown total, loaded stays put.
	tr2 := NewStatusTracker("doc-2", TrackerOptions{})
	tr2.UpdateProgress(ProgressUpdate{Loaded: int64Ptr(40)})
	tr2.Complete()
	p2 := tr2.CurrentProgress()
	assert.Equal(t, 100, p2.Percentage)
	assert.Equal(t, int64(40), p2.Loaded)
}

func TestResetNotifiesUnconditionally(t *testing.T) {
	rec := &notifyRecorder{}
	tr := NewStatusTracker("doc-1", TrackerOptions{
		UpdateInterval: time.Hour,
		OnProgress:     rec.record,
	})
	tr.SetLoadedBytes(10, 100)
	count, _ := rec.snapshot()
	require.Equal(t, 1, count)

	tr.Reset()
	count, last := rec.snapshot()
	assert.Equal(t, 2, count)
	assert.Equal(t, StatusLoading, last.Status)
	assert.Equal(t, int64(0), last.Loaded)
	assert.Equal(t, 0, last.Percentage)
	assert.Equal(t, "doc-1", last.DocumentID)
}

func TestSmoothTransitionsDeferAndCoalesce(t *testing.T) {
	rec := &notifyRecorder{}
	tr := NewStatusTracker("doc-1", TrackerOptions{
		SmoothTransitions: true,
		OnProgress:        rec.record,
	})

	tr.SetLoadedBytes(10, 100)
	tr.SetLoadedBytes(20, 100)
	tr.SetLoadedBytes(30, 100)

	// Nothing delivered synchronously.
	count, _ := rec.snapshot()
	assert.Equal(t, 0, count)

	// One coalesced delivery lands at the frame boundary with the latest snapshot.
	require.Eventually(t, func() bool {
		c, _ := rec.snapshot()
		return c >= 1
	}, time.Second, 5*time.Millisecond)
	finalCount, last := rec.snapshot()
	assert.Equal(t, 1, finalCount)
	assert.Equal(t, int64(30), last.Loaded)
}

func TestCleanupCancelsPendingNotification(t *testing.T) {
	rec := &notifyRecorder{}
	tr := NewStatusTracker("doc-1", TrackerOptions{
		SmoothTransitions: true,
		OnProgress:        rec.record,
	})

	tr.SetLoadedBytes(10, 100)
	tr.Cleanup()
	tr.Cleanup() // safe to call twice

	time.Sleep(3 * frameInterval)
	count, _ := rec.snapshot()
	assert.Equal(t, 0, count)
}
