package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/streetview-cache/internal/capture"
	"github.com/JakeFAU/streetview-cache/internal/metrics"
	"github.com/JakeFAU/streetview-cache/internal/pipeline"
)

// maxBodyBytes bounds trigger request bodies.
const maxBodyBytes = 64 << 10

// Captures is the service surface the handlers drive.
type Captures interface {
	Trigger(ctx context.Context, req pipeline.Request) (capture.Result, error)
	Start(ctx context.Context, req pipeline.Request) (capture.Status, error)
	Status(ctx context.Context, targetID string) (capture.Status, error)
	Open(ctx context.Context, targetID string) (io.ReadCloser, capture.ImageMetadata, error)
	Invalidate(ctx context.Context, targetID string) error
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Options configures the Server.
type Options struct {
	// APIKey enables key authentication on /v1 when non-empty.
	APIKey string
	// Checks run on /readyz, keyed by dependency name.
	Checks map[string]ReadinessCheck
	Logger *zap.Logger
}

// Server wires HTTP handlers to the capture service.
type Server struct {
	router   chi.Router
	captures Captures
	checks   map[string]ReadinessCheck
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(captures Captures, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		captures: captures,
		checks:   opts.Checks,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(metrics.Middleware)
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/captures", func(r chi.Router) {
			r.Post("/", s.trigger)
			r.Route("/{target_id}", func(r chi.Router) {
				r.Get("/", s.status)
				r.Delete("/", s.invalidate)
				r.Get("/image", s.image)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type triggerRequest struct {
	TargetID string `json:"target_id"`
	Address  string `json:"address"`
	Async    bool   `json:"async"`
}

type statusResponse struct {
	capture.Status
	ElapsedSeconds            *float64 `json:"elapsed_seconds,omitempty"`
	EstimatedRemainingSeconds *float64 `json:"estimated_remaining_seconds,omitempty"`
}

func newStatusResponse(st capture.Status) statusResponse {
	resp := statusResponse{Status: st}
	if st.State == capture.StateProcessing {
		elapsed := st.Elapsed.Seconds()
		remaining := st.EstimatedRemaining.Seconds()
		resp.ElapsedSeconds = &elapsed
		resp.EstimatedRemainingSeconds = &remaining
	}
	return resp
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	var body triggerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req := pipeline.Request{TargetID: body.TargetID, Address: body.Address}

	if body.Async {
		st, err := s.captures.Start(r.Context(), req)
		if err != nil {
			s.fail(w, r, req.TargetID, err)
			return
		}
		code := http.StatusAccepted
		if st.State == capture.StateComplete {
			code = http.StatusOK
		}
		s.writeJSON(w, code, newStatusResponse(st))
		return
	}

	res, err := s.captures.Trigger(r.Context(), req)
	if err != nil {
		s.fail(w, r, req.TargetID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	st, err := s.captures.Status(r.Context(), targetID)
	if err != nil {
		s.fail(w, r, targetID, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newStatusResponse(st))
}

func (s *Server) image(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	rc, meta, err := s.captures.Open(r.Context(), targetID)
	if err != nil {
		s.fail(w, r, targetID, err)
		return
	}
	defer rc.Close()

	contentType := meta.ContentType
	if contentType == "" {
		contentType = capture.ContentTypeJPEG
	}
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "public, max-age=86400")
	h.Set("X-Capture-Method", meta.Method)
	h.Set("X-Street-View", strconv.FormatBool(meta.IsStreetView))
	if meta.Checksum != "" {
		h.Set("ETag", strconv.Quote(meta.Checksum))
	}
	if !meta.CapturedAt.IsZero() {
		h.Set("Last-Modified", meta.CapturedAt.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("image stream interrupted", zap.Error(err))
	}
}

func (s *Server) invalidate(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	if err := s.captures.Invalidate(r.Context(), targetID); err != nil {
		s.fail(w, r, targetID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps service errors onto HTTP responses. A dedup hit is not an
// error for the client: it answers 202 with the status to poll.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, targetID string, err error) {
	code := statusCode(err)
	if code == http.StatusAccepted {
		if st, serr := s.captures.Status(r.Context(), targetID); serr == nil {
			s.writeJSON(w, code, newStatusResponse(st))
			return
		}
		s.writeJSON(w, code, map[string]string{"status": string(capture.StateProcessing), "error": err.Error()})
		return
	}
	if code >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.Int("status", code),
			zap.Error(err),
		)
	}
	s.writeError(w, code, err.Error())
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, capture.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrInProgress):
		return http.StatusAccepted
	case errors.Is(err, capture.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, capture.ErrResourceAcquisition):
		return http.StatusServiceUnavailable
	case errors.Is(err, capture.ErrCaptureFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
