package models

// These structs define the JSON payloads for the render-api HTTP function and the
// responses it returns to callers.

// RenderRequest asks for a document to be rendered.
type RenderRequest struct {
	DocumentID  string `json:"documentId"`
	StoragePath string `json:"storagePath"`
	ContentType string `json:"contentType"`
	// Bucket overrides content-type bucket routing when set.
	Bucket        string `json:"bucket,omitempty"`
	Watermark     string `json:"watermark,omitempty"`
	TimeoutMillis int64  `json:"timeoutMillis,omitempty"`
}

// RenderResponse reports the outcome of a render job.
type RenderResponse struct {
	Status       string `json:"status"`
	DocumentID   string `json:"documentId"`
	PageCount    int    `json:"pageCount"`
	RenderMethod string `json:"renderMethod"`
	OutputPrefix string `json:"outputPrefix"`
}
