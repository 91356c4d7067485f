package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/pageproof/renderflow/internal/gcp"
	"github.com/pageproof/renderflow/internal/models"
	"github.com/pageproof/renderflow/internal/render"
)

type RenderWorkerConfig struct {
	ProjectID           string
	RenderedPagesBucket string
	CollectionName      string
	WorkflowID          string
	WorkflowLocation    string
	Buckets             *gcp.BucketConfig
	MaxRetries          int
	SignedURLTTL        time.Duration
	DefaultTimeout      time.Duration
}

// RenderWorkerFunction drives the render pipeline for one document at a time: signed
// URL, load with recovery, page output, upload, record keeping, workflow hand-off.
type RenderWorkerFunction struct {
	storageClient    *gcp.StorageClient
	firestoreClient  *firestore.Client
	executionsClient *executions.Client
	sources          *render.SourceManager
	loader           *render.Loader
	config           RenderWorkerConfig
}

// GCSEvent is the payload of a storage object-finalize notification.
type GCSEvent struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
}

func loadWorkerConfig() (*RenderWorkerConfig, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	pagesBucket := gcp.GetEnv("RENDERED_PAGES_BUCKET", "")
	if pagesBucket == "" {
		return nil, fmt.Errorf("RENDERED_PAGES_BUCKET environment variable must be set")
	}
	buckets, err := gcp.LoadBucketConfig()
	if err != nil {
		return nil, err
	}
	maxRetries, err := strconv.Atoi(gcp.GetEnv("MAX_RENDER_RETRIES", "3"))
	if err != nil || maxRetries < 1 {
		return nil, fmt.Errorf("MAX_RENDER_RETRIES must be a positive integer")
	}
	ttlSeconds, err := strconv.Atoi(gcp.GetEnv("SIGNED_URL_TTL_SECONDS", "900"))
	if err != nil || ttlSeconds < 1 {
		return nil, fmt.Errorf("SIGNED_URL_TTL_SECONDS must be a positive integer")
	}

	return &RenderWorkerConfig{
		ProjectID:           projectID,
		RenderedPagesBucket: pagesBucket,
		CollectionName:      gcp.GetEnv("FIRESTORE_COLLECTION", "renders"),
		WorkflowLocation:    gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:          gcp.GetEnv("WORKFLOW_ID", "document-postrender"),
		Buckets:             buckets,
		MaxRetries:          maxRetries,
		SignedURLTTL:        time.Duration(ttlSeconds) * time.Second,
		DefaultTimeout:      render.DefaultLoadTimeout,
	}, nil
}

func NewRenderWorker(ctx context.Context) (*RenderWorkerFunction, error) {
	config, err := loadWorkerConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := gcp.NewStorageClient(ctx)
	if err != nil {
		return nil, err
	}
	executionsClient, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}

	f := &RenderWorkerFunction{
		storageClient:    storageClient,
		firestoreClient:  firestoreClient,
		executionsClient: executionsClient,
		sources:          render.NewSourceManager(storageClient, slog.Default()),
		loader:           render.NewLoader(nil, render.NewEngine(), slog.Default()),
		config:           *config,
	}
	slog.Info("Render worker initialized.", "workflowId", config.WorkflowID, "maxRetries", config.MaxRetries)
	return f, nil
}

// Process handles a GCS finalize event for a freshly uploaded document.
func (f *RenderWorkerFunction) Process(ctx context.Context, e GCSEvent) error {
	req := &models.RenderRequest{
		DocumentID:  documentIDForObject(e.Name),
		StoragePath: e.Name,
		Bucket:      e.Bucket,
		ContentType: e.ContentType,
	}
	_, err := f.ProcessRequest(ctx, req)
	return err
}

// ProcessRequest runs the full render pipeline for one document.
func (f *RenderWorkerFunction) ProcessRequest(ctx context.Context, req *models.RenderRequest) (*models.RenderResponse, error) {
	logCtx := slog.With("documentId", req.DocumentID, "storagePath", req.StoragePath)
	logCtx.Info("Processing render request.")

	if req.DocumentID == "" || req.StoragePath == "" {
		return nil, fmt.Errorf("documentId and storagePath are required")
	}
	bucket := req.Bucket
	if bucket == "" {
		bucket = f.config.Buckets.BucketForContentType(req.ContentType)
	}

	alreadyDone, existingID, err := f.isAlreadyRendered(ctx, bucket, req.StoragePath)
	if err != nil {
		logCtx.Error("Failed to check for existing render", "error", err)
		return nil, err
	}
	if alreadyDone {
		logCtx.Info("Document already rendered. Skipping.", "existingRecordId", existingID)
		return &models.RenderResponse{Status: "skipped", DocumentID: req.DocumentID}, nil
	}

	docRef, err := f.createInitialRecord(ctx, req, bucket)
	if err != nil {
		logCtx.Error("Failed to create initial Firestore record", "error", err)
		return nil, err
	}
	logCtx = logCtx.With("recordId", docRef.ID)
	logCtx.Info("Created render record in Firestore.")

	source, err := f.sources.CreateSource(ctx, req.StoragePath, f.config.SignedURLTTL, bucket)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, docRef, "failed to create authenticated source", err)
	}

	tracker := render.NewStatusTracker(req.DocumentID, render.TrackerOptions{
		UpdateInterval: 200 * time.Millisecond,
		OnProgress: func(p render.LoadProgress) {
			logCtx.Debug("Progress.", "status", string(p.Status), "percentage", p.Percentage, "loaded", p.Loaded, "total", p.Total)
		},
	})
	defer tracker.Cleanup()

	// Canvas surfaces are scoped to this request. The function instance serves
	// concurrent invocations, so a shared manager would let one request's cleanup
	// release another's live contexts.
	canvases := render.NewCanvasManager()
	defer canvases.Cleanup()

	recovery := render.NewRecoverySystem(render.RecoveryConfig{
		MaxRetries:  f.config.MaxRetries,
		Canvases:    canvases,
		Sources:     f.sources,
		Source:      source,
		SourceTTL:   f.config.SignedURLTTL,
		Diagnostics: render.NewDiagnostics(),
		Logger:      logCtx,
	})

	timeout := f.config.DefaultTimeout
	if req.TimeoutMillis > 0 {
		timeout = time.Duration(req.TimeoutMillis) * time.Millisecond
	}
	rc := render.NewRenderContext(source.URL(), render.RenderOptions{Timeout: timeout, Watermark: req.Watermark})

	result, rc, recoveries, err := f.loadWithRecovery(ctx, logCtx, recovery, tracker, rc)
	if err != nil {
		tracker.Error()
		return nil, f.handleError(ctx, logCtx, docRef, "document load failed beyond recovery", err)
	}
	defer result.Document.Destroy()

	tracker.SetStatus(render.StatusRendering)
	if _, err := docRef.Update(ctx, []firestore.Update{
		{Path: "status", Value: models.RenderStatusRendering},
		{Path: "renderingId", Value: rc.RenderingID},
		{Path: "pageCount", Value: result.NumPages},
	}); err != nil {
		return nil, f.handleError(ctx, logCtx, docRef, "failed to update status to RENDERING", err)
	}
	logCtx.Info("Document loaded.", "pageCount", result.NumPages, "loadTime", result.LoadTime.String(), "method", string(rc.CurrentMethod))

	if err := f.renderAndUploadPages(ctx, logCtx, req.DocumentID, rc, recovery, canvases, result); err != nil {
		tracker.Error()
		return nil, f.handleError(ctx, logCtx, docRef, "failed to render or upload pages", err)
	}
	tracker.Complete()

	if _, err := docRef.Update(ctx, []firestore.Update{
		{Path: "status", Value: models.RenderStatusComplete},
		{Path: "renderMethod", Value: string(rc.CurrentMethod)},
		{Path: "recoveryAttempts", Value: recoveries},
	}); err != nil {
		return nil, f.handleError(ctx, logCtx, docRef, "failed to update status to COMPLETE", err)
	}

	f.archiveDiagnostics(ctx, logCtx, docRef, recovery.Diagnostics())

	if err := f.triggerWorkflow(ctx, logCtx, docRef, req.DocumentID, result.NumPages); err != nil {
		return nil, err
	}

	logCtx.Info("Render complete.", "pageCount", result.NumPages, "recoveryAttempts", recoveries)
	return &models.RenderResponse{
		Status:       "success",
		DocumentID:   req.DocumentID,
		PageCount:    result.NumPages,
		RenderMethod: string(rc.CurrentMethod),
		OutputPrefix: fmt.Sprintf("gs://%s/%s/", f.config.RenderedPagesBucket, req.DocumentID),
	}, nil
}

// loadWithRecovery drives the load/recover loop for one logical render. Attempts are
// strictly sequential: each failure is classified and a recovery decision made before
// the next attempt starts. The loop also carries the orchestrator-side attempt
// counter, since every fresh retry context starts back at zero by design.
func (f *RenderWorkerFunction) loadWithRecovery(ctx context.Context, logCtx *slog.Logger, recovery *render.RecoverySystem, tracker *render.StatusTracker, rc *render.RenderContext) (*render.LoadResult, *render.RenderContext, int, error) {
	// Fallback and auth strategies can each add one more attempt past the network
	// retry budget.
	maxAttempts := f.config.MaxRetries + 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := f.attemptLoad(ctx, tracker, rc)
		if err == nil {
			return result, rc, attempt, nil
		}
		logCtx.Warn("Load attempt failed.", "renderingId", rc.RenderingID, "attempt", attempt, "error", err)

		rc.RecordError(err)
		rc.AttemptCount = attempt
		rec := recovery.DetectAndRecover(ctx, rc, err)
		if !rec.RetryRecommended || rec.NewContext == nil {
			return nil, rc, attempt, err
		}
		if rec.Delay > 0 {
			select {
			case <-time.After(rec.Delay):
			case <-ctx.Done():
				return nil, rc, attempt, ctx.Err()
			}
		}
		rc = rec.NewContext
		tracker.Reset()
	}
	return nil, rc, maxAttempts, fmt.Errorf("render attempts exhausted after %d tries", maxAttempts)
}

func (f *RenderWorkerFunction) attemptLoad(ctx context.Context, tracker *render.StatusTracker, rc *render.RenderContext) (*render.LoadResult, error) {
	rc.Progress.Stage = render.StageFetching
	return f.loader.Load(ctx, rc.URL, render.LoadOptions{
		Timeout: rc.Options.Timeout,
		Method:  rc.CurrentMethod,
		OnProgress: func(loaded, total int64) {
			rc.Progress.BytesLoaded = loaded
			rc.Progress.TotalBytes = total
			rc.Progress.TimeElapsed = time.Since(rc.StartTime)
			rc.Progress.LastUpdate = time.Now()
			if total > 0 {
				rc.Progress.Percentage = int(loaded * 100 / total)
			}
			tracker.SetLoadedBytes(loaded, total)
		},
	})
}

// renderAndUploadPages produces output for every page under the current method and
// uploads it. Page rendering is sequential (canvas surfaces are not shared across
// goroutines); uploads fan out through a bounded errgroup with their own retry.
func (f *RenderWorkerFunction) renderAndUploadPages(ctx context.Context, logCtx *slog.Logger, documentID string, rc *render.RenderContext, recovery *render.RecoverySystem, canvases *render.CanvasManager, result *render.LoadResult) error {
	type pageOutput struct {
		object      string
		contentType string
		data        []byte
	}
	outputs := make([]pageOutput, 0, result.NumPages)

	for page := 1; page <= result.NumPages; page++ {
		rc.Progress.Stage = render.StageRendering
		switch rc.CurrentMethod {
		case render.MethodExtract:
			data, err := result.Document.ExtractPage(page)
			if err != nil {
				return fmt.Errorf("page %d: %w", page, err)
			}
			outputs = append(outputs, pageOutput{
				object:      fmt.Sprintf("%s/%05d.pdf", documentID, page),
				contentType: "application/pdf",
				data:        data,
			})
		default:
			data, err := f.renderCanvasPage(ctx, rc, recovery, canvases, result.Document, page)
			if err != nil {
				return fmt.Errorf("page %d: %w", page, err)
			}
			outputs = append(outputs, pageOutput{
				object:      fmt.Sprintf("%s/%05d.png", documentID, page),
				contentType: "image/png",
				data:        data,
			})
		}
	}

	logCtx.Info("Starting concurrent upload of rendered pages.", "pageCount", len(outputs))
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(10)
	for _, out := range outputs {
		eg.Go(func() error {
			op := func() error {
				return f.storageClient.SaveObjectAtomically(gctx, f.config.RenderedPagesBucket, out.object, out.contentType, out.data)
			}
			b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
			if err := backoff.Retry(op, backoff.WithContext(b, gctx)); err != nil {
				return fmt.Errorf("upload %s: %w", out.object, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	logCtx.Info("All pages uploaded successfully.")
	return nil
}

// renderCanvasPage rasterizes one page, routing a corrupted surface through the
// recovery system once before giving up on the page.
func (f *RenderWorkerFunction) renderCanvasPage(ctx context.Context, rc *render.RenderContext, recovery *render.RecoverySystem, canvases *render.CanvasManager, doc render.Document, page int) ([]byte, error) {
	canvas, err := render.CanvasForPage(canvases, doc, page)
	if err != nil {
		return nil, err
	}
	rc.Canvas = canvas

	if err := render.RenderPage(canvas, doc, page, rc.Options); err != nil {
		rec := recovery.DetectAndRecover(ctx, rc, err)
		if !rec.Success || rec.NewContext == nil || rec.NewContext.Canvas == nil {
			return nil, err
		}
		*rc = *rec.NewContext
		canvas = rc.Canvas
		if err := render.RenderPage(canvas, doc, page, rc.Options); err != nil {
			return nil, err
		}
	}
	return render.EncodePNG(canvas)
}

func (f *RenderWorkerFunction) isAlreadyRendered(ctx context.Context, bucket, storagePath string) (bool, string, error) {
	docs, err := f.firestoreClient.Collection(f.config.CollectionName).
		Where("bucket", "==", bucket).
		Where("storagePath", "==", storagePath).
		Where("status", "==", models.RenderStatusComplete).
		Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return false, "", fmt.Errorf("failed to query for existing renders: %w", err)
	}
	if len(docs) > 0 {
		return true, docs[0].Ref.ID, nil
	}
	return false, "", nil
}

func (f *RenderWorkerFunction) createInitialRecord(ctx context.Context, req *models.RenderRequest, bucket string) (*firestore.DocumentRef, error) {
	rec := models.RenderRecord{
		DocumentID:  req.DocumentID,
		StoragePath: req.StoragePath,
		Bucket:      bucket,
		Status:      models.RenderStatusValidating,
		CreatedAt:   time.Now(),
	}
	docRef, _, err := f.firestoreClient.Collection(f.config.CollectionName).Add(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to create render record: %w", err)
	}
	return docRef, nil
}

// archiveDiagnostics persists every error record collected during the job under the
// render record. Each recovery mints a fresh rendering ID, so a recovered render's
// failure history lives under the IDs that failed, never the one that finished. Best
// effort: archival failure never fails a render that already succeeded.
func (f *RenderWorkerFunction) archiveDiagnostics(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, diags *render.Diagnostics) {
	for _, rec := range diags.All() {
		if len(rec.Entries) == 0 {
			continue
		}
		if _, _, err := docRef.Collection("diagnostics").Add(ctx, rec); err != nil {
			logCtx.Warn("Failed to archive diagnostics record.", "renderingId", rec.RenderingID, "error", err)
		}
	}
}

func (f *RenderWorkerFunction) triggerWorkflow(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, documentID string, pageCount int) error {
	logCtx.Info("Triggering post-render workflow.")
	payload := map[string]interface{}{
		"documentId": documentID,
		"pageCount":  pageCount,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to marshal workflow payload", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", f.config.ProjectID, f.config.WorkflowLocation, f.config.WorkflowID),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	if _, err := f.executionsClient.CreateExecution(ctx, req); err != nil {
		return f.handleError(ctx, logCtx, docRef, "failed to trigger workflow execution", err)
	}
	return nil
}

func (f *RenderWorkerFunction) handleError(ctx context.Context, logCtx *slog.Logger, docRef *firestore.DocumentRef, message string, originalErr error) error {
	fullError := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if err := f.updateStatus(ctx, docRef, models.RenderStatusFailed, fullError); err != nil {
		logCtx.Error("CRITICAL: Failed to update Firestore status to FAILED after a processing error.", "updateError", err)
	}
	return fmt.Errorf("%s", fullError)
}

func (f *RenderWorkerFunction) updateStatus(ctx context.Context, docRef *firestore.DocumentRef, status, errDetails string) error {
	updates := []firestore.Update{
		{Path: "status", Value: status},
	}
	if errDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: errDetails})
	}
	_, err := docRef.Update(ctx, updates)
	return err
}

// documentIDForObject derives a stable document ID from a storage object name.
func documentIDForObject(name string) string {
	id := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.ReplaceAll(id, "/", "_")
}
