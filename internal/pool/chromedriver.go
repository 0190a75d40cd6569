package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// ChromeDriver is the production Driver: one chromedp exec allocator shared
// by every account context, each context getting its own tab.
type ChromeDriver struct {
	headless bool

	mu       sync.Mutex
	allocCtx context.Context
	allocCancel context.CancelFunc
}

// NewChromeDriver creates a driver that launches browser processes headless
// unless headless is false (useful for local debugging of the stealth
// scripts against a real window).
func NewChromeDriver(headless bool) *ChromeDriver {
	return &ChromeDriver{headless: headless}
}

// Launch starts the shared exec allocator. Must be called once before the
// first NewContext.
func (d *ChromeDriver) Launch(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.allocCtx != nil {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process,TranslateUI"),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-extensions", true),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	d.allocCtx = allocCtx
	d.allocCancel = cancel
	return nil
}

// NewContext opens a fresh tab, applies storageState (cookies/localStorage),
// and sets the requested viewport.
func (d *ChromeDriver) NewContext(ctx context.Context, storageState json.RawMessage, vp Viewport) (Page, error) {
	d.mu.Lock()
	allocCtx := d.allocCtx
	d.mu.Unlock()
	if allocCtx == nil {
		return nil, fmt.Errorf("chromedriver: Launch was never called")
	}

	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(tabCtx, chromedp.EmulateViewport(int64(vp.Width), int64(vp.Height))); err != nil {
		tabCancel()
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	p := &chromePage{ctx: tabCtx, cancel: tabCancel, console: make(chan string, 64)}
	chromedp.ListenTarget(tabCtx, p.onEvent)

	if err := applyStorageState(tabCtx, storageState); err != nil {
		p.Close()
		return nil, fmt.Errorf("apply storage state: %w", err)
	}

	return p, nil
}

// Shutdown cancels the shared allocator, tearing down every remaining tab.
func (d *ChromeDriver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.allocCancel != nil {
		d.allocCancel()
	}
	return nil
}

func applyStorageState(ctx context.Context, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var blob struct {
		Cookies []*network.CookieParam `json:"cookies"`
	}
	if err := json.Unmarshal(raw, &blob); err != nil {
		return err
	}
	if len(blob.Cookies) == 0 {
		return nil
	}
	return network.SetCookies(blob.Cookies).Do(ctx)
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	console chan string
}

func (p *chromePage) onEvent(ev any) {
	e, ok := ev.(*runtime.EventConsoleAPICalled)
	if !ok {
		return
	}
	for _, arg := range e.Args {
		if arg.Value == nil {
			continue
		}
		select {
		case p.console <- string(arg.Value):
		default:
		}
	}
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return chromedp.Run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) Evaluate(ctx context.Context, script string, out any) error {
	return chromedp.Run(ctx, chromedp.Evaluate(script, out))
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var url string
	if err := chromedp.Run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	if err := chromedp.Run(ctx, chromedp.Title(&title)); err != nil {
		return "", err
	}
	return title, nil
}

func (p *chromePage) Console() <-chan string { return p.console }

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromePage) OuterHTML(ctx context.Context) (string, error) {
	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html)); err != nil {
		return "", err
	}
	return html, nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	return chromedp.Run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *chromePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *chromePage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.console)
	p.cancel()
	return nil
}
