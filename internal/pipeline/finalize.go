package pipeline

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// finalize converts the raw screenshot to the cached JPEG and derives its metadata.
func (s *Service) finalize(shot capture.Shot, job capture.Job) ([]byte, capture.ImageMetadata, error) {
	img, err := imaging.Decode(bytes.NewReader(shot.Data))
	if err != nil {
		return nil, capture.ImageMetadata{}, fmt.Errorf("decode screenshot: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(s.quality)); err != nil {
		return nil, capture.ImageMetadata{}, fmt.Errorf("encode jpeg: %w", err)
	}
	data := buf.Bytes()
	sum, err := s.hasher.Hash(data)
	if err != nil {
		return nil, capture.ImageMetadata{}, fmt.Errorf("checksum: %w", err)
	}
	bounds := img.Bounds()
	return data, capture.ImageMetadata{
		Address:         job.Address,
		OriginalAddress: job.OriginalAddress,
		CapturedAt:      s.clock.Now().UTC(),
		Source:          s.source,
		IsStreetView:    shot.IsStreetView,
		Method:          shot.Method,
		ContentType:     capture.ContentTypeJPEG,
		Width:           bounds.Dx(),
		Height:          bounds.Dy(),
		Checksum:        sum,
	}, nil
}
