package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/pageproof/renderflow/internal/models"
	"github.com/pageproof/renderflow/internal/services"
)

var (
	workerInstance *services.RenderWorkerFunction
	once           sync.Once
	initErr        error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleRenderRequest", handleRenderRequest)
}

func main() {}

// handleRenderRequest is the HTTP handler for render-on-demand requests.
func handleRenderRequest(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		workerInstance, initErr = services.NewRenderWorker(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Render worker initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res, err := workerInstance.ProcessRequest(r.Context(), &req)
	if err != nil {
		// Error is already logged with context in ProcessRequest.
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error(
			"Failed to write response",
			"error", err,
			"documentId", req.DocumentID,
		)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
