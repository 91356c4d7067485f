package render

import (
	"time"

	"github.com/google/uuid"
)

// RenderMethod is the technique used to produce page output.
type RenderMethod string

const (
	// MethodCanvas rasterizes pages onto managed canvas surfaces. Primary.
	MethodCanvas RenderMethod = "canvas"
	// MethodExtract falls back to serving single-page PDF extracts.
	MethodExtract RenderMethod = "extract"
)

// RenderStage identifies where in the pipeline an attempt currently is.
type RenderStage string

const (
	StageFetching  RenderStage = "FETCHING"
	StageParsing   RenderStage = "PARSING"
	StageRendering RenderStage = "RENDERING"
	StageComplete  RenderStage = "COMPLETE"
)

// MaxRenderTimeout caps the timeout escalation applied by the network-retry strategy.
const MaxRenderTimeout = 60 * time.Second

// RenderOptions is the per-attempt configuration bag. Timeout is escalated by the
// network-retry strategy; everything else passes through untouched.
type RenderOptions struct {
	Timeout   time.Duration
	Watermark string
}

// ProgressState is a snapshot of loading progress carried on the render context.
type ProgressState struct {
	Percentage  int
	Stage       RenderStage
	BytesLoaded int64
	TotalBytes  int64
	TimeElapsed time.Duration
	IsStuck     bool
	LastUpdate  time.Time
}

// Stalled reports whether no progress has been observed for at least threshold.
func (p ProgressState) Stalled(threshold time.Duration) bool {
	if p.LastUpdate.IsZero() {
		return false
	}
	return time.Since(p.LastUpdate) >= threshold
}

// RenderContext describes one render attempt. Retries never continue an attempt: the
// network-retry strategy mints a brand-new context (fresh RenderingID, zero
// AttemptCount, empty ErrorHistory, no canvas or document) rather than patching the
// failed one.
type RenderContext struct {
	RenderingID   string
	URL           string
	Options       RenderOptions
	StartTime     time.Time
	CurrentMethod RenderMethod
	AttemptCount  int
	Progress      ProgressState
	ErrorHistory  []error
	Canvas        *Canvas
	Document      Document
}

func newRenderingID() string {
	return uuid.NewString()
}

// NewRenderContext mints a fresh attempt for url with the given options.
func NewRenderContext(url string, opts RenderOptions) *RenderContext {
	return &RenderContext{
		RenderingID:   newRenderingID(),
		URL:           url,
		Options:       opts,
		StartTime:     time.Now(),
		CurrentMethod: MethodCanvas,
	}
}

// RecordError appends err to the attempt's error history.
func (rc *RenderContext) RecordError(err error) {
	rc.ErrorHistory = append(rc.ErrorHistory, err)
}
