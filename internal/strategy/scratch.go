package strategy

import (
	"context"
	"fmt"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// StoreScratch keeps diagnostic screenshots in a content store under a
// prefix that never collides with cache keys.
type StoreScratch struct {
	Store capture.ContentStore
	Clock capture.Clock
}

// SaveDiagnostic writes png as diagnostics/<target>/<strategy>-<unix>.png.
func (s StoreScratch) SaveDiagnostic(ctx context.Context, targetID, strategy string, png []byte) error {
	now := s.Clock.Now().UTC()
	key := fmt.Sprintf("diagnostics/%s/%s-%d.png", targetID, strategy, now.Unix())
	_, err := s.Store.Put(ctx, key, png, capture.ImageMetadata{
		CapturedAt:  now,
		Source:      "diagnostic",
		Method:      strategy,
		ContentType: "image/png",
	})
	if err != nil {
		return fmt.Errorf("save diagnostic %s: %w", key, err)
	}
	return nil
}
