package capture

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a capture job.
type JobStatus string

// Job status values mirrored into the durable processing table.
const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusComplete   JobStatus = "complete"
	JobStatusFailed     JobStatus = "failed"
)

// State is the externally visible status of a target.
type State string

// Status states returned by the registry.
const (
	StateNotFound   State = "not_found"
	StateProcessing State = "processing"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// Job is the record kept for a target while a capture is in flight.
type Job struct {
	TargetID        string     `json:"target_id"`
	RunID           string     `json:"run_id"`
	Address         string     `json:"address"`
	OriginalAddress string     `json:"original_address"`
	Status          JobStatus  `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Target is the input every strategy works from.
type Target struct {
	ID              string
	Address         string
	OriginalAddress string
}

// ImageMetadata is stored alongside every cached image.
type ImageMetadata struct {
	Address         string    `json:"address"`
	OriginalAddress string    `json:"original_address"`
	CapturedAt      time.Time `json:"captured_at"`
	Source          string    `json:"source"`
	IsStreetView    bool      `json:"is_street_view"`
	Method          string    `json:"method"`
	ContentType     string    `json:"content_type"`
	Width           int       `json:"width,omitempty"`
	Height          int       `json:"height,omitempty"`
	Checksum        string    `json:"checksum,omitempty"`
}

// Status answers a status(targetId) query.
type Status struct {
	TargetID           string        `json:"target_id"`
	State              State         `json:"status"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	Elapsed            time.Duration `json:"-"`
	EstimatedRemaining time.Duration `json:"-"`
	ResultKey          string        `json:"result_key,omitempty"`
	URL                string        `json:"url,omitempty"`
	Error              string        `json:"error,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
}

// Result is returned by a successful trigger.
type Result struct {
	TargetID     string `json:"target_id"`
	ResultKey    string `json:"result_key"`
	URL          string `json:"url"`
	Method       string `json:"method,omitempty"`
	IsStreetView bool   `json:"is_street_view"`
	Cached       bool   `json:"cached"`
}

// Shot is the output of the strategy chain before it is persisted.
type Shot struct {
	Data         []byte
	Method       string
	IsStreetView bool
}

// Metadata keys used by backends that store metadata as flat string maps.
const (
	metaAddress         = "address"
	metaOriginalAddress = "original-address"
	metaCapturedAt      = "captured-at"
	metaSource          = "source"
	metaIsStreetView    = "is-street-view"
	metaMethod          = "method"
	metaWidth           = "width"
	metaHeight          = "height"
	metaChecksum        = "checksum"
)

// ToMap flattens metadata for object stores with string-only metadata.
func (m ImageMetadata) ToMap() map[string]string {
	return map[string]string{
		metaAddress:         m.Address,
		metaOriginalAddress: m.OriginalAddress,
		metaCapturedAt:      m.CapturedAt.UTC().Format(time.RFC3339),
		metaSource:          m.Source,
		metaIsStreetView:    strconv.FormatBool(m.IsStreetView),
		metaMethod:          m.Method,
		metaWidth:           strconv.Itoa(m.Width),
		metaHeight:          strconv.Itoa(m.Height),
		metaChecksum:        m.Checksum,
	}
}

// MetadataFromMap rebuilds metadata written by ToMap. Unknown or malformed
// values are left at their zero value. Lookups ignore key case because some
// object stores canonicalise metadata keys.
func MetadataFromMap(values map[string]string, contentType string) ImageMetadata {
	get := func(key string) string {
		if v, ok := values[key]; ok {
			return v
		}
		for k, v := range values {
			if strings.EqualFold(k, key) {
				return v
			}
		}
		return ""
	}
	meta := ImageMetadata{
		Address:         get(metaAddress),
		OriginalAddress: get(metaOriginalAddress),
		Source:          get(metaSource),
		Method:          get(metaMethod),
		Checksum:        get(metaChecksum),
		ContentType:     contentType,
	}
	if ts, err := time.Parse(time.RFC3339, get(metaCapturedAt)); err == nil {
		meta.CapturedAt = ts
	}
	meta.IsStreetView, _ = strconv.ParseBool(get(metaIsStreetView))
	meta.Width, _ = strconv.Atoi(get(metaWidth))
	meta.Height, _ = strconv.Atoi(get(metaHeight))
	return meta
}

// ContentTypeJPEG is the content type of every cached image.
const ContentTypeJPEG = "image/jpeg"

const keyPrefix = "streetview_"

var validTargetID = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidateTargetID rejects identifiers that cannot be used as a cache key.
func ValidateTargetID(targetID string) error {
	if strings.TrimSpace(targetID) == "" {
		return fmt.Errorf("%w: target id is required", ErrInvalidInput)
	}
	if !validTargetID.MatchString(targetID) || strings.Contains(targetID, "..") {
		return fmt.Errorf("%w: target id %q contains unsupported characters", ErrInvalidInput, targetID)
	}
	return nil
}

// KeyFor returns the deterministic cache key for a target.
func KeyFor(targetID string) string {
	return keyPrefix + targetID + ".jpg"
}
