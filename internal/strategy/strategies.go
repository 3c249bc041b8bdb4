package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/streetview-cache/internal/address"
	"github.com/JakeFAU/streetview-cache/internal/capture"
)

// Strategy names recorded as the capture method.
const (
	DirectSearch      = "direct_search"
	LocatorIcon       = "locator_icon"
	PanoramaURL       = "panorama_url"
	StructuredAddress = "structured_address"
	StreetOnly        = "street_only"
	MapFallback       = "map_fallback"
)

// Default returns the six strategies in their fixed order.
func Default(cfg Config) []Strategy {
	s := newSite(cfg)
	return []Strategy{
		directSearch{site: s, name: DirectSearch, query: searchQuery},
		locatorIcon{site: s},
		panoramaFromMap{site: s},
		structuredAddress{site: s},
		directSearch{site: s, name: StreetOnly, query: streetOnlyQuery},
		mapFallback{site: s},
	}
}

func searchQuery(t capture.Target) string {
	if t.Address != "" {
		return t.Address
	}
	return t.OriginalAddress
}

func streetOnlyQuery(t capture.Target) string {
	if q := address.StreetOnly(t.OriginalAddress); q != "" {
		return q
	}
	return address.StreetOnly(t.Address)
}

func missingQuery(name string) error {
	return fmt.Errorf("%w: %s has no usable address", capture.ErrElementNotFound, name)
}

// directSearch searches the address and enters street level from the
// result panel. It also serves the street-only variant with a reduced query.
type directSearch struct {
	site
	name  string
	query func(capture.Target) string
}

func (d directSearch) Name() string      { return d.name }
func (d directSearch) StreetLevel() bool { return true }

func (d directSearch) Attempt(ctx context.Context, page capture.Page, t capture.Target) ([]byte, error) {
	q := d.query(t)
	if q == "" {
		return nil, missingQuery(d.name)
	}
	if err := d.open(ctx, page, d.searchURL(q)); err != nil {
		return nil, err
	}
	if _, ok := page.ClickFirst(ctx, StreetViewEntrySelectors...); !ok {
		return nil, fmt.Errorf("%w: street view entry", capture.ErrElementNotFound)
	}
	if err := d.waitPanorama(ctx, page); err != nil {
		return nil, err
	}
	return d.shoot(ctx, page)
}

// locatorIcon drags into street level through the locator control and a
// click on the searched location at the centre of the map.
type locatorIcon struct {
	site
}

func (locatorIcon) Name() string      { return LocatorIcon }
func (locatorIcon) StreetLevel() bool { return true }

func (l locatorIcon) Attempt(ctx context.Context, page capture.Page, t capture.Target) ([]byte, error) {
	q := searchQuery(t)
	if q == "" {
		return nil, missingQuery(LocatorIcon)
	}
	if err := l.search(ctx, page, q); err != nil {
		return nil, err
	}
	if _, ok := page.ClickFirst(ctx, LocatorSelectors...); !ok {
		return nil, fmt.Errorf("%w: locator control", capture.ErrElementNotFound)
	}
	// Coverage overlays take a moment to draw before the map accepts the drop.
	if err := sleep(ctx, l.cfg.PollInterval); err != nil {
		return nil, err
	}
	w, h := page.Viewport()
	if err := page.ClickAt(ctx, float64(w)/2, float64(h)/2); err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrElementNotFound, err)
	}
	if err := l.waitPanorama(ctx, page); err != nil {
		return nil, err
	}
	return l.shoot(ctx, page)
}

// panoramaFromMap reads the @lat,lng viewpoint the map settles on and
// requests a panorama for it directly.
type panoramaFromMap struct {
	site
}

func (panoramaFromMap) Name() string      { return PanoramaURL }
func (panoramaFromMap) StreetLevel() bool { return true }

func (p panoramaFromMap) Attempt(ctx context.Context, page capture.Page, t capture.Target) ([]byte, error) {
	q := searchQuery(t)
	if q == "" {
		return nil, missingQuery(PanoramaURL)
	}
	if err := p.open(ctx, page, p.searchURL(q)); err != nil {
		return nil, err
	}
	lat, lng, err := p.viewpoint(ctx, page)
	if err != nil {
		return nil, err
	}
	if err := page.Navigate(ctx, p.panoramaURL(lat, lng)); err != nil {
		return nil, err
	}
	if err := p.waitPanorama(ctx, page); err != nil {
		return nil, err
	}
	return p.shoot(ctx, page)
}

// viewpoint polls the location because the map rewrites its URL once the
// search resolves.
func (p panoramaFromMap) viewpoint(ctx context.Context, page capture.Page) (string, string, error) {
	deadline := time.Now().Add(p.cfg.PanoramaWait)
	for {
		if loc, err := page.Location(ctx); err == nil {
			if lat, lng, ok := Coordinates(loc); ok {
				return lat, lng, nil
			}
		}
		if time.Now().After(deadline) {
			return "", "", fmt.Errorf("%w: map viewpoint", capture.ErrElementNotFound)
		}
		if err := sleep(ctx, p.cfg.PollInterval); err != nil {
			return "", "", err
		}
	}
}

// structuredAddress opens the place page for the "<street>, <area> <zip>"
// form and enters street level from the place card, or failing that from
// the popup of the place's map pin.
type structuredAddress struct {
	site
}

func (structuredAddress) Name() string      { return StructuredAddress }
func (structuredAddress) StreetLevel() bool { return true }

func (s structuredAddress) Attempt(ctx context.Context, page capture.Page, t capture.Target) ([]byte, error) {
	q := address.Structured(t.OriginalAddress)
	if q == "" {
		q = address.Structured(t.Address)
	}
	if q == "" {
		return nil, missingQuery(StructuredAddress)
	}
	if err := s.open(ctx, page, s.placeURL(q)); err != nil {
		return nil, err
	}
	if err := s.fromCard(ctx, page); err != nil {
		if err := s.fromPin(ctx, page); err != nil {
			return nil, err
		}
	}
	return s.shoot(ctx, page)
}

func (s structuredAddress) fromCard(ctx context.Context, page capture.Page) error {
	if _, ok := page.ClickText(ctx, StreetViewLabels...); !ok {
		if _, ok := page.ClickFirst(ctx, PlaceCardSelectors...); !ok {
			return fmt.Errorf("%w: place card street view control", capture.ErrElementNotFound)
		}
	}
	return s.waitPanorama(ctx, page)
}

// fromPin clicks the place marker and follows the street-level link in the
// popup it opens.
func (s structuredAddress) fromPin(ctx context.Context, page capture.Page) error {
	if _, ok := page.ClickFirst(ctx, MapPinSelectors...); !ok {
		return fmt.Errorf("%w: place pin", capture.ErrElementNotFound)
	}
	if err := sleep(ctx, s.cfg.PollInterval); err != nil {
		return err
	}
	if _, ok := page.ClickText(ctx, StreetViewLabels...); !ok {
		if _, ok := page.ClickFirst(ctx, PopupStreetViewSelectors...); !ok {
			return fmt.Errorf("%w: pin popup street view link", capture.ErrElementNotFound)
		}
	}
	return s.waitPanorama(ctx, page)
}

// mapFallback captures the plain map with a visible watermark. It is the
// terminal strategy and never yields street-level imagery.
type mapFallback struct {
	site
}

func (mapFallback) Name() string      { return MapFallback }
func (mapFallback) StreetLevel() bool { return false }

func (m mapFallback) Attempt(ctx context.Context, page capture.Page, t capture.Target) ([]byte, error) {
	q := searchQuery(t)
	if q == "" {
		return nil, missingQuery(MapFallback)
	}
	if err := m.open(ctx, page, m.searchURL(q)); err != nil {
		return nil, err
	}
	var marked bool
	if err := page.Evaluate(ctx, watermarkScript, &marked); err != nil {
		return nil, fmt.Errorf("inject watermark: %w", err)
	}
	if !marked {
		return nil, fmt.Errorf("watermark not applied")
	}
	if err := sleep(ctx, m.cfg.SettleDelay); err != nil {
		return nil, err
	}
	return page.Screenshot(ctx)
}
