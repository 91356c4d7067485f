package render

import (
	"sync"
	"time"
)

// LoadStatus is the user-facing state of a tracked document.
type LoadStatus string

const (
	StatusLoading   LoadStatus = "loading"
	StatusRendering LoadStatus = "rendering"
	StatusComplete  LoadStatus = "complete"
	StatusError     LoadStatus = "error"
)

// allowedTransitions gates every status change. complete is terminal; error can only
// re-enter loading (a retry) or stay put.
var allowedTransitions = map[LoadStatus]map[LoadStatus]bool{
	StatusLoading: {
		StatusLoading:   true,
		StatusRendering: true,
		StatusComplete:  true,
		StatusError:     true,
	},
	StatusRendering: {
		StatusRendering: true,
		StatusComplete:  true,
		StatusError:     true,
	},
	StatusComplete: {
		StatusComplete: true,
	},
	StatusError: {
		StatusLoading: true,
		StatusError:   true,
	},
}

// LoadProgress is the tracker's view of one document's loading state. The tracker
// owns it exclusively; CurrentProgress hands out copies.
type LoadProgress struct {
	DocumentID string
	Loaded     int64
	Total      int64
	Percentage int
	Status     LoadStatus
}

// ProgressUpdate is a partial update; nil fields are left untouched.
type ProgressUpdate struct {
	Loaded     *int64
	Total      *int64
	Percentage *int
	Status     *LoadStatus
}

// frameInterval approximates an animation-frame boundary for smoothed delivery.
const frameInterval = 16 * time.Millisecond

// TrackerOptions configures notification behavior.
type TrackerOptions struct {
	// UpdateInterval throttles notifications; updates landing within it of the last
	// delivered notification do not notify unless they change status.
	UpdateInterval time.Duration
	// SmoothTransitions defers delivery to the next frame boundary, keeping at most
	// one notification in flight.
	SmoothTransitions bool
	OnProgress        func(LoadProgress)
}

// StatusTracker is the per-document loading progress state machine.
type StatusTracker struct {
	mu         sync.Mutex
	progress   LoadProgress
	opts       TrackerOptions
	lastNotify time.Time
	pending    *time.Timer
}

func NewStatusTracker(documentID string, opts TrackerOptions) *StatusTracker {
	return &StatusTracker{
		progress: LoadProgress{DocumentID: documentID, Status: StatusLoading},
		opts:     opts,
	}
}

// UpdateProgress merges the update into the tracked state. The status gate is applied
// before anything else is committed: a disallowed status transition rejects the whole
// update silently. Percentage is recomputed from loaded/total when total > 0,
// otherwise an explicitly supplied percentage applies; all values are clamped.
func (t *StatusTracker) UpdateProgress(u ProgressUpdate) {
	t.mu.Lock()

	statusChanged := false
	if u.Status != nil {
		next := *u.Status
		if !allowedTransitions[t.progress.Status][next] {
			t.mu.Unlock()
			return
		}
		statusChanged = next != t.progress.Status
		t.progress.Status = next
	}

	if u.Loaded != nil {
		t.progress.Loaded = max64(*u.Loaded, 0)
	}
	if u.Total != nil {
		t.progress.Total = max64(*u.Total, 0)
	}
	if t.progress.Total > 0 {
		t.progress.Percentage = clampPct(int(t.progress.Loaded * 100 / t.progress.Total))
	} else if u.Percentage != nil {
		t.progress.Percentage = clampPct(*u.Percentage)
	}

	t.notifyLocked(statusChanged)
	t.mu.Unlock()
}

// SetStatus updates only the status.
func (t *StatusTracker) SetStatus(s LoadStatus) {
	t.UpdateProgress(ProgressUpdate{Status: &s})
}

// SetPercentage sets the percentage directly (only effective while total is unknown).
func (t *StatusTracker) SetPercentage(p int) {
	t.UpdateProgress(ProgressUpdate{Percentage: &p})
}

// SetLoadedBytes updates byte counters; total is optional (pass < 0 to keep it).
func (t *StatusTracker) SetLoadedBytes(loaded, total int64) {
	u := ProgressUpdate{Loaded: &loaded}
	if total >= 0 {
		u.Total = &total
	}
	t.UpdateProgress(u)
}

// Complete forces the terminal success state: percentage 100, loaded caught up to
// total when total is known.
func (t *StatusTracker) Complete() {
	t.mu.Lock()
	if !allowedTransitions[t.progress.Status][StatusComplete] {
		t.mu.Unlock()
		return
	}
	statusChanged := t.progress.Status != StatusComplete
	t.progress.Status = StatusComplete
	t.progress.Percentage = 100
	if t.progress.Total > 0 {
		t.progress.Loaded = t.progress.Total
	}
	t.notifyLocked(statusChanged)
	t.mu.Unlock()
}

// Error forces the error state.
func (t *StatusTracker) Error() {
	t.SetStatus(StatusError)
}

// Reset returns to the all-zero loading state and notifies unconditionally.
func (t *StatusTracker) Reset() {
	t.mu.Lock()
	t.progress = LoadProgress{DocumentID: t.progress.DocumentID, Status: StatusLoading}
	t.lastNotify = time.Time{}
	t.notifyLocked(true)
	t.mu.Unlock()
}

// CurrentProgress returns a snapshot of the tracked state.
func (t *StatusTracker) CurrentProgress() LoadProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Cleanup cancels any pending deferred notification. Safe to call repeatedly.
func (t *StatusTracker) Cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// notifyLocked delivers (or schedules) a notification. Status changes always flush;
// other updates are dropped inside the throttle window.
func (t *StatusTracker) notifyLocked(statusChanged bool) {
	if t.opts.OnProgress == nil {
		return
	}
	if !statusChanged && t.opts.UpdateInterval > 0 && time.Since(t.lastNotify) < t.opts.UpdateInterval {
		return
	}
	t.lastNotify = time.Now()
	snapshot := t.progress

	if !t.opts.SmoothTransitions {
		t.opts.OnProgress(snapshot)
		return
	}
	// Single in-flight deferred notification: a newer update supersedes the pending one.
	if t.pending != nil {
		t.pending.Stop()
	}
	t.pending = time.AfterFunc(frameInterval, func() {
		t.mu.Lock()
		t.pending = nil
		t.mu.Unlock()
		t.opts.OnProgress(snapshot)
	})
}

func clampPct(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
