package capture

import (
	"context"
	"io"
	"time"
)

// ContentStore is the binary cache holding captured images.
type ContentStore interface {
	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Put writes the object, overwriting any previous content, and returns its URI.
	Put(ctx context.Context, key string, data []byte, meta ImageMetadata) (string, error)
	// Read streams the object. The caller must close the reader.
	Read(ctx context.Context, key string) (io.ReadCloser, ImageMetadata, error)
	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// URL returns the address callers use to fetch the object.
	URL(key string) string
}

// StatusStore is the best-effort durable processing table.
type StatusStore interface {
	Upsert(ctx context.Context, job Job) error
	Get(ctx context.Context, targetID string) (Job, error)
	Delete(ctx context.Context, targetID string) error
}

// RecordLinker propagates result keys to denormalized collaborator records.
type RecordLinker interface {
	// AttachResult stores resultKey on every record referencing targetID.
	AttachResult(ctx context.Context, targetID, resultKey string) (int64, error)
	// LookupResult returns a previously attached key or ErrNotFound.
	LookupResult(ctx context.Context, targetID string) (string, error)
	// DetachResult clears the key from every record referencing targetID.
	DetachResult(ctx context.Context, targetID string) (int64, error)
}

// Page is the browser surface strategies drive. Every method is bounded by
// the session's navigation or action timeout.
type Page interface {
	// Navigate loads url and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// Location returns the current page URL.
	Location(ctx context.Context) (string, error)
	// WaitVisible polls until any selector is visible and returns the match.
	WaitVisible(ctx context.Context, selectors ...string) (string, bool)
	// ClickFirst clicks the first visible element matching a selector, in order.
	ClickFirst(ctx context.Context, selectors ...string) (string, bool)
	// ClickText clicks the first visible interactive element whose text or
	// aria-label contains one of labels.
	ClickText(ctx context.Context, labels ...string) (string, bool)
	// ClickAt dispatches a mouse click at viewport coordinates.
	ClickAt(ctx context.Context, x, y float64) error
	// Evaluate runs script and decodes its result into out.
	Evaluate(ctx context.Context, script string, out any) error
	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// Viewport returns the fixed viewport size.
	Viewport() (int, int)
}

// Session is one exclusively owned browsing context.
type Session interface {
	Page
	// Close releases the context. It is safe to call more than once.
	Close() error
}

// Browser provisions sessions against the shared automation process.
type Browser interface {
	Acquire(ctx context.Context) (Session, error)
}

// Publisher pushes completion events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
