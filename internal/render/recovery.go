package render

import (
	"context"
	"log/slog"
	"time"
)

// Strategy names reported on RecoveryResult. Callers must check Strategy, not just
// Success: a render can still be rescued by fallback-method after network-retry has
// been exhausted, and the two mean very different things operationally.
const (
	StrategyNetworkRetry   = "network-retry"
	StrategyCanvasRecreate = "canvas-recreate"
	StrategyAuthRefresh    = "auth-refresh"
	StrategyFallbackMethod = "fallback-method"
)

// RecoveryResult is the outcome of one DetectAndRecover invocation.
type RecoveryResult struct {
	Success          bool
	RetryRecommended bool
	Strategy         string
	NewContext       *RenderContext
	// Delay is how long the orchestrator should wait before acting on NewContext.
	// Only the network-retry strategy sets it.
	Delay time.Duration
}

// Backoff returns the retry delay for a 0-indexed attempt: 1s, 2s, 4s, ...
func Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return time.Second << uint(attempt)
}

// RecoveryConfig wires the recovery system's collaborators for one logical render.
type RecoveryConfig struct {
	MaxRetries  int
	Canvases    *CanvasManager
	Sources     *SourceManager
	Source      *AuthenticatedPDFSource
	SourceTTL   time.Duration
	Diagnostics *Diagnostics
	Logger      *slog.Logger
}

type strategy struct {
	name    string
	applies func(*RenderContext, error) bool
	execute func(context.Context, *RenderContext, error) RecoveryResult
}

// RecoverySystem classifies render failures and executes the first applicable
// recovery strategy from a fixed priority order: network retry, canvas recreation,
// signed-URL refresh, then method fallback.
type RecoverySystem struct {
	cfg        RecoveryConfig
	strategies []strategy
	log        *slog.Logger
}

func NewRecoverySystem(cfg RecoveryConfig) *RecoverySystem {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Diagnostics == nil {
		cfg.Diagnostics = NewDiagnostics()
	}
	s := &RecoverySystem{cfg: cfg, log: cfg.Logger}
	s.strategies = []strategy{
		{name: StrategyNetworkRetry, applies: s.networkRetryApplies, execute: s.networkRetry},
		{name: StrategyCanvasRecreate, applies: s.canvasRecreateApplies, execute: s.canvasRecreate},
		{name: StrategyAuthRefresh, applies: s.authRefreshApplies, execute: s.authRefresh},
		{name: StrategyFallbackMethod, applies: s.fallbackApplies, execute: s.fallback},
	}
	return s
}

// Diagnostics exposes the collector for archival after the render settles.
func (s *RecoverySystem) Diagnostics() *Diagnostics { return s.cfg.Diagnostics }

// DetectAndRecover logs err against the attempt's rendering ID, then runs the first
// strategy whose predicate matches. The diagnostics entry is always recorded under
// the original rendering ID, before any new context exists. If nothing matches, the
// failure is terminal.
func (s *RecoverySystem) DetectAndRecover(ctx context.Context, rc *RenderContext, err error) RecoveryResult {
	s.cfg.Diagnostics.RecordError(rc.RenderingID, rc, err)

	for _, st := range s.strategies {
		if !st.applies(rc, err) {
			continue
		}
		res := st.execute(ctx, rc, err)
		res.Strategy = st.name
		s.log.Info("Recovery strategy executed.",
			"renderingId", rc.RenderingID,
			"strategy", st.name,
			"errorKind", string(Classify(err)),
			"success", res.Success,
			"retryRecommended", res.RetryRecommended,
		)
		return res
	}

	s.log.Error("No recovery strategy applicable; failing terminally.",
		"renderingId", rc.RenderingID,
		"errorKind", string(Classify(err)),
		"error", err,
	)
	return RecoveryResult{Success: false, RetryRecommended: false}
}

// --- network retry ---

func (s *RecoverySystem) networkRetryApplies(rc *RenderContext, err error) bool {
	// Past the retry budget this strategy declines entirely so a later strategy can
	// still claim the error.
	return isNetworkClass(err) && rc.AttemptCount < s.cfg.MaxRetries
}

// networkRetry starts the render over: a brand-new context with a fresh rendering ID
// and no inherited canvas, document, errors or attempt count. The timeout is
// escalated by half, capped at MaxRenderTimeout, and the caller is told to wait the
// attempt-indexed backoff before retrying.
func (s *RecoverySystem) networkRetry(_ context.Context, rc *RenderContext, _ error) RecoveryResult {
	opts := rc.Options
	if opts.Timeout > 0 {
		opts.Timeout = opts.Timeout * 3 / 2
		if opts.Timeout > MaxRenderTimeout {
			opts.Timeout = MaxRenderTimeout
		}
	}
	fresh := NewRenderContext(rc.URL, opts)
	fresh.CurrentMethod = rc.CurrentMethod
	return RecoveryResult{
		Success:          true,
		RetryRecommended: true,
		NewContext:       fresh,
		Delay:            Backoff(rc.AttemptCount),
	}
}

// --- canvas recreation ---

func (s *RecoverySystem) canvasRecreateApplies(rc *RenderContext, err error) bool {
	return Classify(err) == KindCanvas && s.cfg.Canvases != nil && rc.Canvas != nil
}

func (s *RecoverySystem) canvasRecreate(_ context.Context, rc *RenderContext, _ error) RecoveryResult {
	replacement, err := s.cfg.Canvases.ValidateAndRecreateCanvas(rc.Canvas)
	if err != nil {
		s.log.Error("Canvas recreation failed.", "renderingId", rc.RenderingID, "error", err)
		return RecoveryResult{Success: false, RetryRecommended: false}
	}
	next := rc.withNewID()
	next.Canvas = replacement
	return RecoveryResult{Success: true, RetryRecommended: true, NewContext: next}
}

// --- auth refresh ---

func (s *RecoverySystem) authRefreshApplies(rc *RenderContext, err error) bool {
	return IsAuthenticationError(err) && s.cfg.Sources != nil && s.cfg.Source != nil
}

func (s *RecoverySystem) authRefresh(ctx context.Context, rc *RenderContext, _ error) RecoveryResult {
	if err := s.cfg.Sources.RefreshSignedURL(ctx, s.cfg.Source, s.cfg.SourceTTL); err != nil {
		s.log.Error("Signed URL refresh failed during recovery.", "renderingId", rc.RenderingID, "error", err)
		return RecoveryResult{Success: false, RetryRecommended: false}
	}
	next := rc.withNewID()
	next.URL = s.cfg.Source.URL()
	return RecoveryResult{Success: true, RetryRecommended: true, NewContext: next}
}

// --- fallback method ---

// fallbackApplies is the catch-all for classified errors the earlier strategies
// declined (including exhausted network retries), as long as there is still an
// alternative method to switch to. Unknown errors are not rescued; they fail
// terminally.
func (s *RecoverySystem) fallbackApplies(rc *RenderContext, err error) bool {
	return Classify(err) != KindUnknown && rc.CurrentMethod == MethodCanvas
}

func (s *RecoverySystem) fallback(_ context.Context, rc *RenderContext, _ error) RecoveryResult {
	next := rc.withNewID()
	next.CurrentMethod = MethodExtract
	next.Canvas = nil
	return RecoveryResult{Success: true, RetryRecommended: true, NewContext: next}
}

// withNewID copies the context under a fresh rendering ID. Rendering IDs are never
// reused across attempts, even for repairs that otherwise keep the attempt's state.
func (rc *RenderContext) withNewID() *RenderContext {
	next := *rc
	next.RenderingID = newRenderingID()
	next.ErrorHistory = append([]error(nil), rc.ErrorHistory...)
	return &next
}
