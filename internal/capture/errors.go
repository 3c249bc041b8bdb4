package capture

import "errors"

// Sentinel errors shared across the pipeline. Callers match with errors.Is.
var (
	// ErrInvalidInput rejects a request before any resource is acquired.
	ErrInvalidInput = errors.New("invalid capture input")
	// ErrInProgress reports that another caller already owns the target.
	ErrInProgress = errors.New("capture already in progress")
	// ErrNavigation marks a navigation that failed or timed out.
	ErrNavigation = errors.New("navigation failed")
	// ErrElementNotFound marks a probe that matched nothing.
	ErrElementNotFound = errors.New("element not found")
	// ErrNoPanorama marks a strategy that reached the page but no panorama rendered.
	ErrNoPanorama = errors.New("panorama did not render")
	// ErrCaptureFailed is terminal: every strategy failed.
	ErrCaptureFailed = errors.New("capture failed")
	// ErrResourceAcquisition is terminal: the browser could not be provisioned.
	ErrResourceAcquisition = errors.New("browser resource unavailable")
	// ErrNotFound is returned by stores when a record or object is missing.
	ErrNotFound = errors.New("not found")
)
