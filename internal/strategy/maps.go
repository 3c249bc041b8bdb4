package strategy

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// Config tunes how strategies drive the mapping site.
type Config struct {
	// BaseURL is the mapping site root, e.g. https://www.google.com/maps.
	BaseURL string
	// Language is passed as the hl query parameter.
	Language string
	// PanoramaWait bounds how long a strategy polls for the panorama after
	// entering street level.
	PanoramaWait time.Duration
	// SettleDelay lets imagery tiles finish loading before the screenshot.
	SettleDelay  time.Duration
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://www.google.com/maps"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Language == "" {
		c.Language = "en"
	}
	if c.PanoramaWait <= 0 {
		c.PanoramaWait = 12 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
}

// Selectors probed on the mapping site. Each list is tried in order and a
// miss is a normal outcome.
var (
	ConsentSelectors = []string{
		`button[aria-label="Accept all"]`,
		`button[aria-label="Reject all"]`,
		`form[action*="consent"] button`,
	}
	ConsentLabels = []string{"Accept all", "Reject all", "I agree"}

	MapSurfaceSelectors = []string{
		`#scene canvas`,
		`canvas.widget-scene-canvas`,
		`div[aria-label="Map"]`,
		`#map canvas`,
	}

	StreetViewEntrySelectors = []string{
		`button[aria-label*="Street View"]`,
		`button[jsaction*="heroHeaderImage"]`,
		`div[aria-label*="Street View"] button`,
		`img[src*="streetviewpixels"]`,
		`a[href*="map_action=pano"]`,
	}

	LocatorSelectors = []string{
		`button[aria-label="Browse Street View images"]`,
		`button[aria-label*="Pegman"]`,
		`#runway-expand-button`,
		`button[jsaction*="pegman"]`,
	}

	// PlaceCardSelectors are the street-level thumbnails on a place card.
	PlaceCardSelectors = []string{
		`img[src*="streetviewpixels"]`,
		`button[jsaction*="heroHeaderImage"]`,
		`div[role="main"] button[aria-label*="Photo"]`,
		`div[role="img"][aria-label*="Street"]`,
	}

	// MapPinSelectors match the red marker dropped on a resolved place.
	MapPinSelectors = []string{
		`img[src*="spotlight-poi"]`,
		`div[jsaction*="pane.marker"]`,
		`button[jsaction*="marker"]`,
		`div[role="button"][aria-label*="pin" i]`,
	}

	// PopupStreetViewSelectors match the street-level link inside the
	// popup a pin click opens.
	PopupStreetViewSelectors = []string{
		`div[role="dialog"] a[href*="map_action=pano"]`,
		`div[role="dialog"] button[aria-label*="Street View"]`,
		`.gm-style-iw a[href*="layer=c"]`,
		`div[role="dialog"] img[src*="streetviewpixels"]`,
	}

	StreetViewLabels = []string{"Street View & 360°", "Street View"}
)

var (
	panoramaURL = regexp.MustCompile(`@-?\d+(?:\.\d+)?,-?\d+(?:\.\d+)?,3a,|!1e1`)
	coordinates = regexp.MustCompile(`@(-?\d{1,3}\.\d+),(-?\d{1,3}\.\d+)`)
)

// IsPanoramaURL reports whether a mapping-site URL points at street-level imagery.
func IsPanoramaURL(u string) bool {
	return panoramaURL.MatchString(u)
}

// Coordinates extracts the @lat,lng viewpoint from a map URL.
func Coordinates(u string) (string, string, bool) {
	m := coordinates.FindStringSubmatch(u)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// site holds the navigation helpers every strategy shares.
type site struct {
	cfg Config
}

func newSite(cfg Config) site {
	cfg.applyDefaults()
	return site{cfg: cfg}
}

func (s site) searchURL(query string) string {
	v := url.Values{}
	v.Set("api", "1")
	v.Set("query", query)
	v.Set("hl", s.cfg.Language)
	return s.cfg.BaseURL + "/search/?" + v.Encode()
}

func (s site) placeURL(query string) string {
	return s.cfg.BaseURL + "/place/" + url.PathEscape(query) + "?hl=" + url.QueryEscape(s.cfg.Language)
}

func (s site) panoramaURL(lat, lng string) string {
	return fmt.Sprintf("%s/@?api=1&map_action=pano&viewpoint=%s,%s&hl=%s", s.cfg.BaseURL, lat, lng, url.QueryEscape(s.cfg.Language))
}

// open navigates, clears any consent interstitial and waits for the map.
func (s site) open(ctx context.Context, page capture.Page, rawURL string) error {
	if err := page.Navigate(ctx, rawURL); err != nil {
		return err
	}
	s.dismissConsent(ctx, page)
	if _, ok := page.WaitVisible(ctx, MapSurfaceSelectors...); !ok {
		return fmt.Errorf("%w: map surface", capture.ErrElementNotFound)
	}
	return nil
}

// search opens the search results for query unless the page already shows
// them, as it does after an earlier strategy searched the same address.
func (s site) search(ctx context.Context, page capture.Page, query string) error {
	if s.showing(ctx, page, query) {
		return nil
	}
	return s.open(ctx, page, s.searchURL(query))
}

// showing reports whether the current location is a rendered map for query.
// The site rewrites a resolved search to /place/<query>/@lat,lng, so both
// forms count.
func (s site) showing(ctx context.Context, page capture.Page, query string) bool {
	loc, err := page.Location(ctx)
	if err != nil || !strings.HasPrefix(loc, s.cfg.BaseURL) || IsPanoramaURL(loc) {
		return false
	}
	u, err := url.Parse(loc)
	if err != nil {
		return false
	}
	shown := u.Query().Get("query")
	if shown == "" {
		if _, rest, ok := strings.Cut(u.Path, "/place/"); ok {
			shown, _, _ = strings.Cut(rest, "/")
			shown = strings.ReplaceAll(shown, "+", " ")
		}
	}
	if shown == "" || !strings.EqualFold(strings.TrimSpace(shown), strings.TrimSpace(query)) {
		return false
	}
	_, ok := page.WaitVisible(ctx, MapSurfaceSelectors...)
	return ok
}

// dismissConsent clears the cookie interstitial served from the consent host.
func (s site) dismissConsent(ctx context.Context, page capture.Page) {
	loc, err := page.Location(ctx)
	if err != nil || !strings.Contains(loc, "consent.") {
		return
	}
	if _, ok := page.ClickFirst(ctx, ConsentSelectors...); !ok {
		page.ClickText(ctx, ConsentLabels...)
	}
}

// waitPanorama polls until the URL and canvas both indicate street level.
func (s site) waitPanorama(ctx context.Context, page capture.Page) error {
	deadline := time.Now().Add(s.cfg.PanoramaWait)
	for {
		if s.panoramaVisible(ctx, page) {
			return nil
		}
		if time.Now().After(deadline) {
			return capture.ErrNoPanorama
		}
		if err := sleep(ctx, s.cfg.PollInterval); err != nil {
			return fmt.Errorf("%w: %w", capture.ErrNoPanorama, err)
		}
	}
}

func (s site) panoramaVisible(ctx context.Context, page capture.Page) bool {
	loc, err := page.Location(ctx)
	if err != nil || !IsPanoramaURL(loc) {
		return false
	}
	var rendered bool
	if err := page.Evaluate(ctx, panoramaCanvasScript, &rendered); err != nil {
		return false
	}
	return rendered
}

// shoot hides map chrome, lets tiles settle and captures the viewport.
func (s site) shoot(ctx context.Context, page capture.Page) ([]byte, error) {
	_ = page.Evaluate(ctx, hideOverlaysScript, nil)
	if err := sleep(ctx, s.cfg.SettleDelay); err != nil {
		return nil, err
	}
	png, err := page.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	return png, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const panoramaCanvasScript = `(() => {
	const c = document.querySelector('canvas.widget-scene-canvas, #scene canvas');
	if (!c) return false;
	const r = c.getBoundingClientRect();
	return r.width > 200 && r.height > 200;
})()`

const hideOverlaysScript = `(() => {
	if (document.getElementById('sv-clean')) return true;
	const s = document.createElement('style');
	s.id = 'sv-clean';
	s.textContent = '#omnibox-container, #titlecard, .app-viewcard-strip, .scene-footer-container, ' +
		'#minimap, .widget-scene-controls, #watermark, .app-horizontal-widget-holder { display: none !important; }';
	document.head.appendChild(s);
	return true;
})()`

const watermarkScript = `(() => {
	const id = 'sv-map-view-watermark';
	if (document.getElementById(id)) return true;
	const el = document.createElement('div');
	el.id = id;
	el.textContent = 'MAP VIEW';
	el.style.cssText = 'position:fixed;top:16px;right:16px;z-index:2147483647;padding:8px 14px;' +
		'background:rgba(0,0,0,0.65);color:#fff;font:bold 20px sans-serif;letter-spacing:2px;' +
		'border-radius:4px;pointer-events:none';
	document.body.appendChild(el);
	return true;
})()`
