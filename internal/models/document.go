package models

import "time"

// Render record statuses, mirrored into Firestore as the job progresses.
const (
	RenderStatusValidating = "VALIDATING"
	RenderStatusRendering  = "RENDERING"
	RenderStatusComplete   = "COMPLETE"
	RenderStatusFailed     = "FAILED"
)

// RenderRecord is the main record for a document render job in Firestore. It tracks
// overall status, the method that ultimately produced the output, and failure detail.
type RenderRecord struct {
	DocumentID          string    `firestore:"documentId,omitempty"`
	StoragePath         string    `firestore:"storagePath,omitempty"`
	Bucket              string    `firestore:"bucket,omitempty"`
	Status              string    `firestore:"status,omitempty"`
	RenderMethod        string    `firestore:"renderMethod,omitempty"`
	RenderingID         string    `firestore:"renderingId,omitempty"`
	PageCount           int       `firestore:"pageCount,omitempty"`
	ErrorDetails        string    `firestore:"errorDetails,omitempty"`
	RecoveryAttempts    int       `firestore:"recoveryAttempts,omitempty"`
	WorkflowExecutionID string    `firestore:"workflowExecutionId,omitempty"` // For traceability
	CreatedAt           time.Time `firestore:"createdAt,omitempty"`
}
