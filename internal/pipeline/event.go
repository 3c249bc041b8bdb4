package pipeline

import (
	"time"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// Event types published when a job finishes.
const (
	EventCompleted = "capture.completed"
	EventFailed    = "capture.failed"
)

// Event is the notification payload for a finished job.
type Event struct {
	Type         string    `json:"type"`
	TargetID     string    `json:"target_id"`
	RunID        string    `json:"run_id"`
	Address      string    `json:"address"`
	ResultKey    string    `json:"result_key,omitempty"`
	URL          string    `json:"url,omitempty"`
	Method       string    `json:"method,omitempty"`
	IsStreetView bool      `json:"is_street_view"`
	Error        string    `json:"error,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func completedEvent(job capture.Job, res capture.Result, at time.Time) Event {
	return Event{
		Type:         EventCompleted,
		TargetID:     job.TargetID,
		RunID:        job.RunID,
		Address:      job.OriginalAddress,
		ResultKey:    res.ResultKey,
		URL:          res.URL,
		Method:       res.Method,
		IsStreetView: res.IsStreetView,
		OccurredAt:   at.UTC(),
	}
}

func failedEvent(job capture.Job, err error, at time.Time) Event {
	return Event{
		Type:       EventFailed,
		TargetID:   job.TargetID,
		RunID:      job.RunID,
		Address:    job.OriginalAddress,
		Error:      err.Error(),
		OccurredAt: at.UTC(),
	}
}
