package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/streetview-cache/internal/capture"
	"github.com/JakeFAU/streetview-cache/internal/storage/memory"
)

var testTarget = capture.Target{
	ID:              "p-42",
	Address:         "84 White St",
	OriginalAddress: "84 White St, Manhattan 10013, United States",
}

func fastConfig() Config {
	return Config{
		BaseURL:      "https://maps.test/maps",
		PanoramaWait: 30 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}
}

func defaultChain(t *testing.T, scratch Scratch) *Chain {
	t.Helper()
	chain, err := NewChain(time.Second, scratch, nil, Default(fastConfig())...)
	require.NoError(t, err)
	return chain
}

type stubStrategy struct {
	name   string
	street bool
	fn     func(ctx context.Context) ([]byte, error)
	calls  int
}

func (s *stubStrategy) Name() string      { return s.name }
func (s *stubStrategy) StreetLevel() bool { return s.street }
func (s *stubStrategy) Attempt(ctx context.Context, _ capture.Page, _ capture.Target) ([]byte, error) {
	s.calls++
	return s.fn(ctx)
}

func succeed(data string) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) { return []byte(data), nil }
}

func fail(err error) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) { return nil, err }
}

type recordingScratch struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (r *recordingScratch) SaveDiagnostic(_ context.Context, targetID, strategy string, png []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, targetID+"/"+strategy+"/"+string(png))
	return r.err
}

func TestDefaultOrder(t *testing.T) {
	chain := defaultChain(t, nil)
	require.Equal(t, []string{DirectSearch, LocatorIcon, PanoramaURL, StructuredAddress, StreetOnly, MapFallback}, chain.Names())

	strategies := Default(fastConfig())
	for _, s := range strategies[:5] {
		assert.True(t, s.StreetLevel(), s.Name())
	}
	assert.False(t, strategies[5].StreetLevel())
}

func TestNewChainValidation(t *testing.T) {
	_, err := NewChain(time.Second, nil, nil)
	require.Error(t, err)

	_, err = NewChain(time.Second, nil, nil, nil)
	require.Error(t, err)

	a := &stubStrategy{name: "a", fn: succeed("x")}
	_, err = NewChain(time.Second, nil, nil, a, &stubStrategy{name: "a", fn: succeed("y")})
	require.ErrorContains(t, err, "duplicate")

	chain, err := NewChain(0, nil, nil, a)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, chain.timeout)
}

func TestDirectSearchSucceeds(t *testing.T) {
	page := newFakePage()
	page.visible[StreetViewEntrySelectors[0]] = true
	page.onClick[StreetViewEntrySelectors[0]] = (*fakePage).enterPanorama

	shot, err := defaultChain(t, nil).Run(context.Background(), page, testTarget)
	require.NoError(t, err)
	assert.Equal(t, DirectSearch, shot.Method)
	assert.True(t, shot.IsStreetView)
	assert.Equal(t, []byte("street-png"), shot.Data)
	assert.True(t, page.navigated("/search/?api=1&hl=en&query=84+White+St"))
	assert.Len(t, page.navigations, 1)
}

func TestLocatorIconClicksMapCentre(t *testing.T) {
	page := newFakePage()
	page.visible[LocatorSelectors[1]] = true
	page.onClickAt = (*fakePage).enterPanorama

	shot, err := defaultChain(t, nil).Run(context.Background(), page, testTarget)
	require.NoError(t, err)
	assert.Equal(t, LocatorIcon, shot.Method)
	assert.True(t, shot.IsStreetView)
	assert.Equal(t, 1, page.clicksAt)
	assert.Len(t, page.navigations, 1, "locator reuses the search results already on screen")
}

func TestLocatorIconReopensSearchForAnotherPlace(t *testing.T) {
	page := newFakePage()
	page.visible[LocatorSelectors[1]] = true
	page.onClickAt = (*fakePage).enterPanorama
	page.onNavigate = func(p *fakePage, u string) {
		if strings.Contains(u, "/search/") {
			p.loc = "https://maps.test/maps/place/12+Franklin+St/@40.7180,-74.0050,17z"
		}
	}

	shot, err := defaultChain(t, nil).Run(context.Background(), page, testTarget)
	require.NoError(t, err)
	assert.Equal(t, LocatorIcon, shot.Method)
	assert.Len(t, page.navigations, 2)
}

func TestLocatorIconReusesResolvedPlace(t *testing.T) {
	page := newFakePage()
	page.visible[LocatorSelectors[0]] = true
	page.onClickAt = (*fakePage).enterPanorama
	page.onNavigate = func(p *fakePage, u string) {
		if strings.Contains(u, "/search/") {
			p.loc = "https://maps.test/maps/place/84+White+St/@40.7163,-74.0059,17z"
		}
	}

	shot, err := defaultChain(t, nil).Run(context.Background(), page, testTarget)
	require.NoError(t, err)
	assert.Equal(t, LocatorIcon, shot.Method)
	assert.Len(t, page.navigations, 1)
}

func TestPanoramaURLUsesMapViewpoint(t *testing.T) {
	page := newFakePage()
	page.onNavigate = func(p *fakePage, u string) {
		switch {
		case strings.Contains(u, "map_action=pano"):
			p.enterPanorama()
		case strings.Contains(u, "/search/"):
			p.loc = "https://maps.test/maps/place/84+White+St/@40.7163,-74.0059,17z"
		}
	}

	shot, err := defaultChain(t, nil).Run(context.Background(), page, testTarget)
	require.NoError(t, err)
	assert.Equal(t, PanoramaURL, shot.Method)
	assert.True(t, page.navigated("viewpoint=40.7163,-74.0059"))
}

func TestStructuredAddressOpensPlacePage(t *testing.T) {
	page := newFakePage()
	page.onText["Street View"] = (*fakePage).enterPanorama

	shot, err := defaultChain(t, nil).Run(context.Background(), page, testTarget)
	require.NoError(t, err)
	assert.Equal(t, StructuredAddress, shot.Method)
	assert.True(t, page.navigated("/place/84%20White%20St%2C%20Manhattan%2010013"))
}

func TestStructuredAddressPinPopup(t *testing.T) {
	pin, popup := MapPinSelectors[0], PopupStreetViewSelectors[1]
	tests := []struct {
		name   string
		setup  func(p *fakePage)
		method string
	}{
		{
			name: "popup label after pin click",
			setup: func(p *fakePage) {
				p.visible[pin] = true
				p.onClick[pin] = func(p *fakePage) { p.onText["Street View"] = (*fakePage).enterPanorama }
			},
			method: StructuredAddress,
		},
		{
			name: "popup link after pin click",
			setup: func(p *fakePage) {
				p.visible[pin] = true
				p.onClick[pin] = func(p *fakePage) {
					p.visible[popup] = true
					p.onClick[popup] = (*fakePage).enterPanorama
				}
			},
			method: StructuredAddress,
		},
		{
			name: "pin without popup link",
			setup: func(p *fakePage) {
				p.visible[pin] = true
			},
			method: MapFallback,
		},
		{
			name: "popup link without a pin",
			setup: func(p *fakePage) {
				p.visible[popup] = true
				p.onClick[popup] = (*fakePage).enterPanorama
			},
			method: MapFallback,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := newFakePage()
			tt.setup(page)

			shot, err := defaultChain(t, nil).Run(context.Background(), page, testTarget)
			require.NoError(t, err)
			assert.Equal(t, tt.method, shot.Method)
			assert.Equal(t, tt.method != MapFallback, shot.IsStreetView)
		})
	}
}

func TestStreetOnlySearchesReducedAddress(t *testing.T) {
	target := capture.Target{
		ID:              "p-7",
		Address:         "Empire State Building, New York",
		OriginalAddress: "350 5th Ave",
	}
	page := newFakePage()
	page.visibleFn = func(loc, sel string) bool {
		return sel == StreetViewEntrySelectors[0] && strings.HasSuffix(loc, "query=350+5th+Ave")
	}
	page.onClick[StreetViewEntrySelectors[0]] = (*fakePage).enterPanorama

	shot, err := defaultChain(t, nil).Run(context.Background(), page, target)
	require.NoError(t, err)
	assert.Equal(t, StreetOnly, shot.Method)
	assert.True(t, shot.IsStreetView)
}

func TestMapFallbackWhenStreetLevelUnavailable(t *testing.T) {
	page := newFakePage()
	scratch := &recordingScratch{}

	shot, err := defaultChain(t, scratch).Run(context.Background(), page, testTarget)
	require.NoError(t, err)
	assert.Equal(t, MapFallback, shot.Method)
	assert.False(t, shot.IsStreetView)
	assert.Equal(t, []byte("map-png"), shot.Data)
	assert.Len(t, scratch.saved, 5, "one diagnostic per failed street-level strategy")
	assert.Contains(t, scratch.saved[0], "p-42/"+DirectSearch+"/")
}

func TestEveryStrategyFails(t *testing.T) {
	page := newFakePage()
	page.mapRenders = false

	_, err := defaultChain(t, nil).Run(context.Background(), page, testTarget)
	require.ErrorIs(t, err, capture.ErrCaptureFailed)
	assert.ErrorContains(t, err, "6 strategies exhausted")
	assert.Len(t, page.navigations, 6)
}

func TestEmptyAddressFailsEveryStrategy(t *testing.T) {
	page := newFakePage()
	_, err := defaultChain(t, nil).Run(context.Background(), page, capture.Target{ID: "x"})
	require.ErrorIs(t, err, capture.ErrCaptureFailed)
	assert.Empty(t, page.navigations)
}

func TestChainRecoversPanics(t *testing.T) {
	boom := &stubStrategy{name: "boom", street: true, fn: func(context.Context) ([]byte, error) { panic("selector engine exploded") }}
	next := &stubStrategy{name: "next", street: true, fn: succeed("ok")}
	chain, err := NewChain(time.Second, nil, nil, boom, next)
	require.NoError(t, err)

	shot, err := chain.Run(context.Background(), newFakePage(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, "next", shot.Method)
	assert.Equal(t, 1, boom.calls)
}

func TestChainTimesOutSingleStrategy(t *testing.T) {
	var attemptErr error
	slow := &stubStrategy{name: "slow", fn: func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	next := &stubStrategy{name: "next", fn: succeed("ok")}
	chain, err := NewChain(20*time.Millisecond, nil, nil, slow, next)
	require.NoError(t, err)

	_, attemptErr = chain.attempt(context.Background(), slow, newFakePage(), testTarget)
	require.ErrorIs(t, attemptErr, context.DeadlineExceeded)
	assert.Equal(t, "timeout", outcome(attemptErr))

	shot, err := chain.Run(context.Background(), newFakePage(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, "next", shot.Method)
}

func TestChainStopsWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &stubStrategy{name: "first", fn: func(context.Context) ([]byte, error) {
		cancel()
		return nil, capture.ErrNoPanorama
	}}
	second := &stubStrategy{name: "second", fn: succeed("ok")}
	chain, err := NewChain(time.Second, nil, nil, first, second)
	require.NoError(t, err)

	_, err = chain.Run(ctx, newFakePage(), testTarget)
	require.ErrorIs(t, err, capture.ErrCaptureFailed)
	assert.Zero(t, second.calls)
}

func TestChainRejectsEmptyScreenshot(t *testing.T) {
	blank := &stubStrategy{name: "blank", fn: succeed("")}
	full := &stubStrategy{name: "real", fn: succeed("png")}
	chain, err := NewChain(time.Second, nil, nil, blank, full)
	require.NoError(t, err)

	shot, err := chain.Run(context.Background(), newFakePage(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, "real", shot.Method)
}

func TestChainIgnoresScratchErrors(t *testing.T) {
	scratch := &recordingScratch{err: errors.New("bucket gone")}
	chain, err := NewChain(time.Second, scratch, nil,
		&stubStrategy{name: "a", fn: fail(capture.ErrElementNotFound)},
		&stubStrategy{name: "b", fn: succeed("png")},
	)
	require.NoError(t, err)

	shot, err := chain.Run(context.Background(), newFakePage(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, "b", shot.Method)
	assert.Equal(t, []string{"p-42/a/street-png"}, scratch.saved)
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"timeout":     fmt.Errorf("x: %w", context.DeadlineExceeded),
		"navigation":  fmt.Errorf("x: %w", capture.ErrNavigation),
		"not_found":   fmt.Errorf("x: %w", capture.ErrElementNotFound),
		"no_panorama": capture.ErrNoPanorama,
		"error":       errors.New("other"),
	}
	for want, err := range cases {
		assert.Equal(t, want, outcome(err), err.Error())
	}
}

func TestIsPanoramaURL(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://www.google.com/maps/@40.7163,-74.0059,3a,75y,90t/data=!3m6!1e1", true},
		{"https://www.google.com/maps/@-33.86,151.2,3a,60y", true},
		{"https://www.google.com/maps/place/X/data=!4m2!3m1!1e1", true},
		{"https://www.google.com/maps/place/X/@40.7163,-74.0059,17z", false},
		{"https://www.google.com/maps/search/?api=1&query=x", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsPanoramaURL(tc.url), tc.url)
	}
}

func TestCoordinates(t *testing.T) {
	lat, lng, ok := Coordinates("https://www.google.com/maps/place/X/@40.7163,-74.0059,17z")
	require.True(t, ok)
	assert.Equal(t, "40.7163", lat)
	assert.Equal(t, "-74.0059", lng)

	_, _, ok = Coordinates("https://www.google.com/maps/search/?api=1&query=x")
	assert.False(t, ok)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestStoreScratch(t *testing.T) {
	store := memory.NewBlobStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	scratch := StoreScratch{Store: store, Clock: fixedClock{now: now}}

	require.NoError(t, scratch.SaveDiagnostic(context.Background(), "p-1", LocatorIcon, []byte("png")))

	key := fmt.Sprintf("diagnostics/p-1/%s-%d.png", LocatorIcon, now.Unix())
	rc, meta, err := store.Read(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	assert.Equal(t, "image/png", meta.ContentType)
	assert.Equal(t, "diagnostic", meta.Source)
}
