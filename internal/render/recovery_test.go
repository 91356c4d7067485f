package render

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func networkError(status int) error {
	return &RenderError{
		Kind:       KindNetwork,
		Stage:      StageFetching,
		Method:     MethodCanvas,
		StatusCode: status,
		Message:    "unexpected response",
	}
}

func newTestRecovery(t *testing.T, maxRetries int) *RecoverySystem {
	t.Helper()
	return NewRecoverySystem(RecoveryConfig{
		MaxRetries:  maxRetries,
		Canvases:    NewCanvasManager(),
		Diagnostics: NewDiagnostics(),
	})
}

func TestNetworkRetryMintsFreshContext(t *testing.T) {
	sys := newTestRecovery(t, 5)
	rc := NewRenderContext("https://storage.example/doc.pdf?sig=abc", RenderOptions{Timeout: 10 * time.Second})
	rc.RecordError(errors.New("earlier failure"))

	res := sys.DetectAndRecover(context.Background(), rc, networkError(503))

	require.True(t, res.Success)
	require.True(t, res.RetryRecommended)
	assert.Equal(t, StrategyNetworkRetry, res.Strategy)

	next := res.NewContext
	require.NotNil(t, next)
	assert.NotEqual(t, rc.RenderingID, next.RenderingID)
	assert.Equal(t, rc.URL, next.URL)
	assert.Equal(t, 0, next.AttemptCount)
	assert.Empty(t, next.ErrorHistory)
	assert.Nil(t, next.Canvas)
	assert.Nil(t, next.Document)
	assert.Equal(t, MethodCanvas, next.CurrentMethod)
	assert.Equal(t, 15*time.Second, next.Options.Timeout)
}

func TestNetworkRetryTimeoutEscalationIsCapped(t *testing.T) {
	sys := newTestRecovery(t, 5)
	rc := NewRenderContext("https://storage.example/doc.pdf", RenderOptions{Timeout: 50 * time.Second})

	res := sys.DetectAndRecover(context.Background(), rc, networkError(502))

	require.True(t, res.Success)
	assert.Equal(t, MaxRenderTimeout, res.NewContext.Options.Timeout)
}

func TestNetworkRetryBackoffIsAttemptIndexed(t *testing.T) {
	for n := 0; n < 5; n++ {
		assert.Equal(t, time.Duration(1<<uint(n))*time.Second, Backoff(n), "attempt %d", n)
	}

	sys := newTestRecovery(t, 5)
	rc := NewRenderContext("https://storage.example/doc.pdf", RenderOptions{Timeout: time.Second})
	rc.AttemptCount = 3

	res := sys.DetectAndRecover(context.Background(), rc, networkError(504))
	require.Equal(t, StrategyNetworkRetry, res.Strategy)
	assert.Equal(t, 8*time.Second, res.Delay)
}

func TestExhaustedNetworkRetryFallsThroughToFallbackMethod(t *testing.T) {
	sys := newTestRecovery(t, 3)
	rc := NewRenderContext("https://storage.example/doc.pdf", RenderOptions{Timeout: time.Second})
	rc.AttemptCount = 3 // at the budget; network-retry must decline

	res := sys.DetectAndRecover(context.Background(), rc, networkError(503))

	// Recovery still succeeds, but through a different strategy. Callers must
	// distinguish the two.
	require.True(t, res.Success)
	assert.NotEqual(t, StrategyNetworkRetry, res.Strategy)
	assert.Equal(t, StrategyFallbackMethod, res.Strategy)
	require.NotNil(t, res.NewContext)
	assert.Equal(t, MethodExtract, res.NewContext.CurrentMethod)
	assert.NotEqual(t, rc.RenderingID, res.NewContext.RenderingID)
}

func TestExhaustedRetriesOnFallbackMethodAreTerminal(t *testing.T) {
	sys := newTestRecovery(t, 3)
	rc := NewRenderContext("https://storage.example/doc.pdf", RenderOptions{Timeout: time.Second})
	rc.AttemptCount = 3
	rc.CurrentMethod = MethodExtract

	res := sys.DetectAndRecover(context.Background(), rc, networkError(503))

	assert.False(t, res.Success)
	assert.False(t, res.RetryRecommended)
	assert.Nil(t, res.NewContext)
}

func TestUnknownErrorsFailTerminally(t *testing.T) {
	sys := newTestRecovery(t, 3)
	rc := NewRenderContext("https://storage.example/doc.pdf", RenderOptions{})

	res := sys.DetectAndRecover(context.Background(), rc, errors.New("surprising internal failure"))

	assert.False(t, res.Success)
	assert.False(t, res.RetryRecommended)
	assert.Empty(t, res.Strategy)
}

func TestCanvasRecreateStrategy(t *testing.T) {
	manager := NewCanvasManager()
	sys := NewRecoverySystem(RecoveryConfig{MaxRetries: 3, Canvases: manager, Diagnostics: NewDiagnostics()})

	canvas, err := manager.CreateCanvas(200, 300)
	require.NoError(t, err)
	canvas.Context().release() // corrupt the surface

	rc := NewRenderContext("https://storage.example/doc.pdf", RenderOptions{})
	rc.Canvas = canvas

	res := sys.DetectAndRecover(context.Background(), rc, &ContextLostError{Op: "fillRect"})

	require.True(t, res.Success)
	require.True(t, res.RetryRecommended)
	assert.Equal(t, StrategyCanvasRecreate, res.Strategy)
	require.NotNil(t, res.NewContext)
	require.NotNil(t, res.NewContext.Canvas)
	assert.NotSame(t, canvas, res.NewContext.Canvas)
	assert.Equal(t, 200, res.NewContext.Canvas.Width())
	assert.Equal(t, 300, res.NewContext.Canvas.Height())
}

func TestAuthRefreshStrategy(t *testing.T) {
	issuer := &fakeIssuer{}
	sources := NewSourceManager(issuer, nil)
	src, err := sources.CreateSource(context.Background(), "docs/book.pdf", time.Hour, "documents")
	require.NoError(t, err)
	oldURL := src.URL()

	sys := NewRecoverySystem(RecoveryConfig{
		MaxRetries:  3,
		Sources:     sources,
		Source:      src,
		SourceTTL:   time.Hour,
		Diagnostics: NewDiagnostics(),
	})
	rc := NewRenderContext(oldURL, RenderOptions{})

	res := sys.DetectAndRecover(context.Background(), rc, &RenderError{
		Kind:       KindAuth,
		Stage:      StageFetching,
		StatusCode: 401,
		Message:    "unauthorized",
	})

	require.True(t, res.Success)
	assert.Equal(t, StrategyAuthRefresh, res.Strategy)
	require.NotNil(t, res.NewContext)
	assert.NotEqual(t, oldURL, res.NewContext.URL)
	assert.Equal(t, src.URL(), res.NewContext.URL)
}

func TestEveryInvocationLogsToDiagnostics(t *testing.T) {
	diags := NewDiagnostics()
	sys := NewRecoverySystem(RecoveryConfig{MaxRetries: 3, Diagnostics: diags})

	rc := NewRenderContext("https://storage.example/doc.pdf", RenderOptions{Timeout: time.Second})
	originalID := rc.RenderingID

	// Recovered error is logged.
	res := sys.DetectAndRecover(context.Background(), rc, networkError(503))
	require.True(t, res.Success)
	rec := diags.Get(originalID)
	require.NotNil(t, rec)
	require.Len(t, rec.Entries, 1)
	assert.Equal(t, KindNetwork, rec.Entries[0].Kind)
	assert.Equal(t, 503, rec.Entries[0].StatusCode)

	// Terminal error is logged too, under its own rendering ID.
	rc2 := NewRenderContext("https://storage.example/doc.pdf", RenderOptions{})
	sys.DetectAndRecover(context.Background(), rc2, errors.New("surprising internal failure"))
	rec2 := diags.Get(rc2.RenderingID)
	require.NotNil(t, rec2)
	assert.Len(t, rec2.Entries, 1)
}

func TestDiagnosticsFollowTheRenderingIDLineage(t *testing.T) {
	diags := NewDiagnostics()
	sys := NewRecoverySystem(RecoveryConfig{MaxRetries: 3, Diagnostics: diags})

	rc := NewRenderContext("https://storage.example/doc.pdf", RenderOptions{Timeout: time.Second})
	failedID := rc.RenderingID

	res := sys.DetectAndRecover(context.Background(), rc, networkError(503))
	require.True(t, res.Success)
	require.NotNil(t, res.NewContext)

	// The failure is recorded under the ID that failed; the fresh context starts with
	// a clean record. Archival therefore has to walk every record, not just the
	// final context's.
	require.NotNil(t, diags.Get(failedID))
	assert.Nil(t, diags.Get(res.NewContext.RenderingID))

	all := diags.All()
	require.Len(t, all, 1)
	assert.Equal(t, failedID, all[0].RenderingID)
	require.Len(t, all[0].Entries, 1)
	assert.Equal(t, KindNetwork, all[0].Entries[0].Kind)
}

func TestScenario503WithBudgetLeft(t *testing.T) {
	sys := newTestRecovery(t, 5)
	rc := NewRenderContext("https://storage.example/doc.pdf", RenderOptions{Timeout: 20 * time.Second})
	require.Equal(t, 0, rc.AttemptCount)

	res := sys.DetectAndRecover(context.Background(), rc, networkError(503))

	require.True(t, res.Success)
	assert.Equal(t, StrategyNetworkRetry, res.Strategy)
	assert.Equal(t, 0, res.NewContext.AttemptCount)
	assert.Equal(t, 30*time.Second, res.NewContext.Options.Timeout)
	assert.Equal(t, time.Second, res.Delay) // attempt 0
}
