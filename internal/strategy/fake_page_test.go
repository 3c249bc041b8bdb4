package strategy

import (
	"context"
	"strings"
	"sync"
)

// fakePage scripts the mapping site: selectors become visible, clicks and
// navigations mutate the location, and the panorama canvas can be toggled.
type fakePage struct {
	mu sync.Mutex

	loc        string
	mapRenders bool
	panoCanvas bool
	watermark  bool
	shot       []byte

	visible    map[string]bool
	visibleFn  func(loc, sel string) bool
	onClick    map[string]func(p *fakePage)
	onText     map[string]func(p *fakePage)
	onClickAt  func(p *fakePage)
	onNavigate func(p *fakePage, url string)

	navigations []string
	clicksAt    int
}

func newFakePage() *fakePage {
	return &fakePage{
		mapRenders: true,
		shot:       []byte("street-png"),
		visible:    map[string]bool{},
		onClick:    map[string]func(p *fakePage){},
		onText:     map[string]func(p *fakePage){},
	}
}

func (p *fakePage) enterPanorama() {
	p.loc = "https://www.google.com/maps/@40.7163,-74.0059,3a,75y,90t/data=!3m6!1e1"
	p.panoCanvas = true
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigations = append(p.navigations, url)
	p.loc = url
	p.panoCanvas = false
	p.watermark = false
	if p.onNavigate != nil {
		p.onNavigate(p, url)
	}
	return nil
}

func (p *fakePage) Location(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loc, nil
}

func (p *fakePage) isVisible(sel string) bool {
	for _, m := range MapSurfaceSelectors {
		if m == sel {
			return p.mapRenders
		}
	}
	if p.visible[sel] {
		return true
	}
	return p.visibleFn != nil && p.visibleFn(p.loc, sel)
}

func (p *fakePage) WaitVisible(ctx context.Context, selectors ...string) (string, bool) {
	if ctx.Err() != nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sel := range selectors {
		if p.isVisible(sel) {
			return sel, true
		}
	}
	return "", false
}

func (p *fakePage) ClickFirst(ctx context.Context, selectors ...string) (string, bool) {
	sel, ok := p.WaitVisible(ctx, selectors...)
	if !ok {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if fn := p.onClick[sel]; fn != nil {
		fn(p)
	}
	return sel, true
}

func (p *fakePage) ClickText(ctx context.Context, labels ...string) (string, bool) {
	if ctx.Err() != nil {
		return "", false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, label := range labels {
		if fn, ok := p.onText[label]; ok {
			fn(p)
			return label, true
		}
	}
	return "", false
}

func (p *fakePage) ClickAt(ctx context.Context, _, _ float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicksAt++
	if p.onClickAt != nil {
		p.onClickAt(p)
	}
	return nil
}

func (p *fakePage) Evaluate(_ context.Context, script string, out any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch script {
	case panoramaCanvasScript:
		*(out.(*bool)) = p.panoCanvas
	case watermarkScript:
		p.watermark = true
		*(out.(*bool)) = true
	}
	return nil
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watermark {
		return []byte("map-png"), nil
	}
	return append([]byte(nil), p.shot...), nil
}

func (p *fakePage) Viewport() (int, int) { return 1280, 800 }

func (p *fakePage) navigated(substr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.navigations {
		if strings.Contains(u, substr) {
			return true
		}
	}
	return false
}
