package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/streetview-cache/internal/capture"
	"github.com/JakeFAU/streetview-cache/internal/pipeline"
)

type fakeCaptures struct {
	result    capture.Result
	status    capture.Status
	image     []byte
	meta      capture.ImageMetadata
	err       error
	statusErr error

	triggered   []pipeline.Request
	started     []pipeline.Request
	invalidated []string
}

func (f *fakeCaptures) Trigger(_ context.Context, req pipeline.Request) (capture.Result, error) {
	f.triggered = append(f.triggered, req)
	return f.result, f.err
}

func (f *fakeCaptures) Start(_ context.Context, req pipeline.Request) (capture.Status, error) {
	f.started = append(f.started, req)
	return f.status, f.err
}

func (f *fakeCaptures) Status(_ context.Context, targetID string) (capture.Status, error) {
	if f.statusErr != nil {
		return capture.Status{}, f.statusErr
	}
	st := f.status
	if st.TargetID == "" {
		st.TargetID = targetID
	}
	return st, nil
}

func (f *fakeCaptures) Open(context.Context, string) (io.ReadCloser, capture.ImageMetadata, error) {
	if f.err != nil {
		return nil, capture.ImageMetadata{}, f.err
	}
	return io.NopCloser(bytes.NewReader(f.image)), f.meta, nil
}

func (f *fakeCaptures) Invalidate(_ context.Context, targetID string) error {
	f.invalidated = append(f.invalidated, targetID)
	return f.err
}

func serve(t *testing.T, srv *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()

	fc := &fakeCaptures{result: capture.Result{
		TargetID:     "p-1",
		ResultKey:    "streetview_p-1.jpg",
		URL:          "gs://bucket/streetview_p-1.jpg",
		Method:       "locator_icon",
		IsStreetView: true,
	}}
	srv := NewServer(fc, Options{Logger: zap.NewNop()})

	rec := serve(t, srv, http.MethodPost, "/v1/captures", `{"target_id":"p-1","address":"84 White St"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "streetview_p-1.jpg", body["result_key"])
	assert.Equal(t, "locator_icon", body["method"])
	assert.Equal(t, true, body["is_street_view"])
	assert.Equal(t, false, body["cached"])
	require.Len(t, fc.triggered, 1)
	assert.Equal(t, pipeline.Request{TargetID: "p-1", Address: "84 White St"}, fc.triggered[0])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestTriggerAsync(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fc := &fakeCaptures{status: capture.Status{
		TargetID:           "p-2",
		State:              capture.StateProcessing,
		StartedAt:          &started,
		EstimatedRemaining: 45 * time.Second,
	}}
	srv := NewServer(fc, Options{})

	rec := serve(t, srv, http.MethodPost, "/v1/captures", `{"target_id":"p-2","address":"1 Main St","async":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "processing", body["status"])
	assert.Equal(t, 45.0, body["estimated_remaining_seconds"])
	assert.Equal(t, 0.0, body["elapsed_seconds"])
	assert.Len(t, fc.started, 1)
	assert.Empty(t, fc.triggered)
}

func TestTriggerAsyncCachedAnswersOK(t *testing.T) {
	t.Parallel()

	fc := &fakeCaptures{status: capture.Status{TargetID: "p-2", State: capture.StateComplete, ResultKey: "streetview_p-2.jpg"}}
	rec := serve(t, NewServer(fc, Options{}), http.MethodPost, "/v1/captures", `{"target_id":"p-2","address":"x","async":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "complete", body["status"])
	assert.NotContains(t, body, "estimated_remaining_seconds")
}

func TestTriggerErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: address is required", capture.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("%w: p-1", capture.ErrInProgress), http.StatusAccepted},
		{fmt.Errorf("%w: 6 strategies exhausted", capture.ErrCaptureFailed), http.StatusBadGateway},
		{fmt.Errorf("%w: chrome", capture.ErrResourceAcquisition), http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		fc := &fakeCaptures{err: tc.err, status: capture.Status{State: capture.StateProcessing}}
		rec := serve(t, NewServer(fc, Options{}), http.MethodPost, "/v1/captures", `{"target_id":"p-1","address":"x"}`)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
	}
}

func TestTriggerInProgressReturnsPollableStatus(t *testing.T) {
	t.Parallel()

	fc := &fakeCaptures{
		err:    fmt.Errorf("%w: p-1", capture.ErrInProgress),
		status: capture.Status{State: capture.StateProcessing, Elapsed: 10 * time.Second, EstimatedRemaining: 20 * time.Second},
	}
	rec := serve(t, NewServer(fc, Options{}), http.MethodPost, "/v1/captures", `{"target_id":"p-1","address":"x"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "p-1", body["target_id"])
	assert.Equal(t, 10.0, body["elapsed_seconds"])
	assert.Equal(t, 20.0, body["estimated_remaining_seconds"])
}

func TestTriggerInvalidJSON(t *testing.T) {
	t.Parallel()

	fc := &fakeCaptures{}
	rec := serve(t, NewServer(fc, Options{}), http.MethodPost, "/v1/captures", "{invalid")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, fc.triggered)
}

func TestStatusRoute(t *testing.T) {
	t.Parallel()

	done := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fc := &fakeCaptures{status: capture.Status{State: capture.StateFailed, Error: "capture failed", CompletedAt: &done}}
	rec := serve(t, NewServer(fc, Options{}), http.MethodGet, "/v1/captures/p-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "p-9", body["target_id"])
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "capture failed", body["error"])
	assert.Equal(t, "2026-01-02T03:04:05Z", body["completed_at"])

	fc.statusErr = fmt.Errorf("status: %w", capture.ErrInvalidInput)
	rec = serve(t, NewServer(fc, Options{}), http.MethodGet, "/v1/captures/bad..id", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImageRoute(t *testing.T) {
	t.Parallel()

	captured := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fc := &fakeCaptures{
		image: []byte("jpeg-bytes"),
		meta: capture.ImageMetadata{
			ContentType:  capture.ContentTypeJPEG,
			Method:       "map_fallback",
			IsStreetView: false,
			Checksum:     "abc",
			CapturedAt:   captured,
		},
	}
	rec := serve(t, NewServer(fc, Options{}), http.MethodGet, "/v1/captures/p-1/image", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg-bytes", rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "map_fallback", rec.Header().Get("X-Capture-Method"))
	assert.Equal(t, "false", rec.Header().Get("X-Street-View"))
	assert.Equal(t, `"abc"`, rec.Header().Get("ETag"))
	assert.Equal(t, "Fri, 02 Jan 2026 03:04:05 GMT", rec.Header().Get("Last-Modified"))

	fc.err = fmt.Errorf("open: %w", capture.ErrNotFound)
	rec = serve(t, NewServer(fc, Options{}), http.MethodGet, "/v1/captures/p-1/image", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvalidateRoute(t *testing.T) {
	t.Parallel()

	fc := &fakeCaptures{}
	rec := serve(t, NewServer(fc, Options{}), http.MethodDelete, "/v1/captures/p-3", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"p-3"}, fc.invalidated)
}

func TestAPIKey(t *testing.T) {
	t.Parallel()

	fc := &fakeCaptures{status: capture.Status{State: capture.StateNotFound}}
	srv := NewServer(fc, Options{APIKey: "secret"})

	rec := serve(t, srv, http.MethodGet, "/v1/captures/p-1", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, srv, http.MethodGet, "/v1/captures/p-1", "", "X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, srv, http.MethodGet, "/v1/captures/p-1", "", "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, srv, http.MethodGet, "/v1/captures/p-1", "", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code, "probes stay open")
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	healthy := NewServer(&fakeCaptures{}, Options{Checks: map[string]ReadinessCheck{
		"content": func(context.Context) error { return nil },
	}})
	rec := serve(t, healthy, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	broken := NewServer(&fakeCaptures{}, Options{Checks: map[string]ReadinessCheck{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}})
	rec = serve(t, broken, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeCaptures{status: capture.Status{State: capture.StateNotFound}}, Options{})
	serve(t, srv, http.MethodGet, "/v1/captures/p-1", "")
	rec := serve(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

type panicCaptures struct{ fakeCaptures }

func (*panicCaptures) Status(context.Context, string) (capture.Status, error) {
	panic("boom")
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	rec := serve(t, NewServer(&panicCaptures{}, Options{}), http.MethodGet, "/v1/captures/p-1", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	t.Parallel()

	srv := NewServer(&fakeCaptures{}, Options{})
	const id = "0190b6c4-2f6e-7a3c-9b1a-3c2d4e5f6a7b"
	rec := serve(t, srv, http.MethodGet, "/healthz", "", "X-Request-ID", id)
	assert.Equal(t, id, rec.Header().Get("X-Request-ID"))

	rec = serve(t, srv, http.MethodGet, "/healthz", "", "X-Request-ID", "not a uuid")
	assert.NotEqual(t, "not a uuid", rec.Header().Get("X-Request-ID"))
}
