package render

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/api/googleapi"
)

// ErrorKind classifies a render failure for strategy selection.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindInvalidPDF ErrorKind = "invalid-pdf"
	KindAuth       ErrorKind = "authentication"
	KindCanvas     ErrorKind = "canvas-context"
	KindTimeout    ErrorKind = "timeout"
	KindUnknown    ErrorKind = "unknown"
)

// retryableStatuses are the HTTP statuses the network-retry strategy treats as transient.
var retryableStatuses = map[int]bool{
	408: true,
	429: true,
	502: true,
	503: true,
	504: true,
}

// RenderError is the typed failure produced by the loader, canvas manager and page
// renderer. Stage and Method record where in the pipeline the error was raised so the
// recovery system can classify it against the attempt that produced it.
type RenderError struct {
	Kind       ErrorKind
	Stage      RenderStage
	Method     RenderMethod
	StatusCode int
	Message    string
	Err        error
}

func (e *RenderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%s, status %d): %s", e.Kind, e.Stage, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Stage, e.Message)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Classify maps an arbitrary error onto the taxonomy. Typed RenderErrors keep their
// kind; everything else is classified by inspection: context deadlines and net
// timeouts are timeouts, googleapi/auth-worded errors are authentication, transport
// failures are network, the rest is unknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var re *RenderError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	if IsAuthenticationError(err) {
		return KindAuth
	}
	var ce *ContextLostError
	if errors.As(err, &ce) {
		return KindCanvas
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "fetch"):
		return KindNetwork
	case strings.Contains(msg, "canvas") || strings.Contains(msg, "context lost"):
		return KindCanvas
	}
	return KindUnknown
}

// StatusOf extracts an HTTP status code from an error chain, or 0.
func StatusOf(err error) int {
	var re *RenderError
	if errors.As(err, &re) && re.StatusCode != 0 {
		return re.StatusCode
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

// authSubstrings is the fixed heuristic vocabulary for authentication failures.
// Upstream errors worded differently will be missed; that is a known limitation of
// string matching, kept for compatibility with how signed-URL failures surface.
var authSubstrings = []string{"unauthorized", "forbidden", "authentication", "access denied"}

// IsAuthenticationError reports whether err looks like an authentication/authorization
// failure: HTTP 401/403, or one of the known substrings in the message.
func IsAuthenticationError(err error) bool {
	if err == nil {
		return false
	}
	switch StatusOf(err) {
	case 401, 403:
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "401") || strings.Contains(msg, "403") {
		return true
	}
	for _, s := range authSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isNetworkClass reports whether err should be handled by the network-retry strategy:
// network and timeout kinds, plus the retryable HTTP statuses.
func isNetworkClass(err error) bool {
	switch Classify(err) {
	case KindNetwork, KindTimeout:
		return true
	}
	return retryableStatuses[StatusOf(err)]
}
