// Package pool implements the context pool manager: the single browser
// process, one context per account index, the init/fast-switch/rebalance/
// reconnect/health-timer state machine, and debug-artifact persistence on
// failure.
package pool

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aistudio-proxy/aistudio-proxy/internal/apperr"
	"github.com/aistudio-proxy/aistudio-proxy/internal/authsource"
	"github.com/aistudio-proxy/aistudio-proxy/internal/config"
	"github.com/aistudio-proxy/aistudio-proxy/internal/logging"
	"github.com/aistudio-proxy/aistudio-proxy/internal/metrics"
	"github.com/aistudio-proxy/aistudio-proxy/internal/stealth"
)

// DebugSink persists a screenshot and serialized DOM for a non-abort context
// init failure.
type DebugSink interface {
	Persist(index int, reason string, screenshot []byte, dom string)
}

// record is one entry of the contexts map: a live page plus its health
// timer handle.
type record struct {
	index      int
	page       Page
	cancelHealth context.CancelFunc
}

// Manager is the context pool manager, component D.
type Manager struct {
	driver    Driver
	auth      *authsource.Source
	cfg       *config.Config
	metrics   *metrics.Collector
	debug     DebugSink
	log       *logging.Logger

	mu           sync.Mutex
	contexts     map[int]*record
	initializing map[int]bool
	aborted      map[int]bool
	activeIndex  int

	preload *preloadWorker

	activePage atomicPage // background wakeup's subscription target
	wakeOnce   sync.Once
	wakeCh     chan struct{}
}

// New creates a Manager. cfg.Pool governs MaxContexts/eviction; the
// remaining timeouts come from cfg's derived duration fields.
func New(driver Driver, auth *authsource.Source, cfg *config.Config, mc *metrics.Collector, debug DebugSink, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		driver:       driver,
		auth:         auth,
		cfg:          cfg,
		metrics:      mc,
		debug:        debug,
		log:          log,
		contexts:     make(map[int]*record),
		initializing: make(map[int]bool),
		aborted:      make(map[int]bool),
		activeIndex:  -1,
		preload:      &preloadWorker{},
	}
}

// ActiveIndex returns the currently active account index, or -1 if none.
func (m *Manager) ActiveIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeIndex
}

// PageExists implements registry.PageLiveness.
func (m *Manager) PageExists(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.contexts[index]
	return ok && !rec.page.Closed()
}

// failure signature catalog, checked against the landed URL/title after
// navigation.
func classifyLandingFailure(url, title string) *apperr.Error {
	switch {
	case strings.Contains(url, "accounts.google.com"):
		return apperr.New(apperr.KindAuthExpired, "login redirect for url %s", url)
	case strings.Contains(title, "not available in your country") || strings.Contains(title, "not available in your region"):
		return apperr.New(apperr.KindRegionBlocked, "regional block: %s", title)
	case strings.Contains(url, "about:blank") || strings.Contains(title, "403"):
		return apperr.New(apperr.KindUnreachable, "unreachable: url=%s title=%s", url, title)
	default:
		return nil
	}
}

const (
	markerConnectionOK   = "Connection successful"
	markerConnectionFail = "WebSocket initialization failed"
	markerInitSuccess    = "applet initialized"
)

var pageErrorMarkers = []string{
	"Failed to initialize applet",
	"concurrent updates",
	"Failed to create snapshot",
}

// checkAborted returns *apperr.Error(KindContextAborted) if index has been
// marked for abort; every suspension point in initContext polls this.
func (m *Manager) checkAborted(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.aborted[index] {
		return apperr.New(apperr.KindContextAborted, "context init for index %d aborted", index)
	}
	return nil
}

// Abort marks index's in-flight initialization for cancellation; the
// initializer observes it at its next checkAborted poll.
func (m *Manager) Abort(index int) {
	m.mu.Lock()
	m.aborted[index] = true
	m.mu.Unlock()
}

func (m *Manager) clearAborted(index int) {
	m.mu.Lock()
	delete(m.aborted, index)
	m.mu.Unlock()
}

// initContext runs the full context-initialization sequence for index and,
// on success, inserts the resulting record into contexts.
func (m *Manager) initContext(ctx context.Context, index int) (*record, error) {
	m.mu.Lock()
	if m.initializing[index] {
		m.mu.Unlock()
		return nil, apperr.New(apperr.KindInternal, "context %d already initializing", index)
	}
	m.initializing[index] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.initializing, index)
		m.mu.Unlock()
	}()
	m.clearAborted(index)

	raw, _ := m.auth.Raw(index)
	var emailBlob struct {
		Email string `json:"accountName"`
	}
	_ = json.Unmarshal(raw, &emailBlob)

	fp := stealth.Generate(emailBlob.Email, index)
	w, h := fp.Viewport()
	w += rand.Intn(9) - 4
	h += rand.Intn(9) - 4

	if err := m.checkAborted(index); err != nil {
		return nil, err
	}

	page, err := m.driver.NewContext(ctx, raw, Viewport{Width: w, Height: h})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnreachable, err, "new context for index %d", index)
	}

	script := stealth.BuildScript(fp, index)
	if err := page.Evaluate(ctx, script, nil); err != nil {
		page.Close()
		return nil, apperr.Wrap(apperr.KindInternal, err, "install stealth script for index %d", index)
	}

	if err := m.checkAborted(index); err != nil {
		page.Close()
		return nil, err
	}

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout)
	err = page.Navigate(navCtx, m.cfg.TargetURL)
	cancel()
	if err != nil {
		page.Close()
		return nil, apperr.Wrap(apperr.KindUnreachable, err, "navigate index %d", index)
	}

	if err := m.checkAborted(index); err != nil {
		page.Close()
		return nil, err
	}

	landedURL, _ := page.URL(ctx)
	landedTitle, _ := page.Title(ctx)
	if failure := classifyLandingFailure(landedURL, landedTitle); failure != nil {
		if failure.Kind == apperr.KindAuthExpired {
			m.auth.SetExpired(index)
		}
		m.persistDebugArtifacts(ctx, index, failure.Kind.String(), page)
		page.Close()
		return nil, failure
	}

	m.dismissKnownPopups(ctx, page)
	_ = page.Click(ctx, "button:has-text('Launch')")

	if err := m.waitForInitSuccess(ctx, page, index); err != nil {
		m.persistDebugArtifacts(ctx, index, "init_timeout", page)
		page.Close()
		return nil, err
	}

	rec := &record{index: index, page: page}
	m.mu.Lock()
	m.contexts[index] = rec
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ContextsInit.Inc()
		m.metrics.ContextsActive.Set(float64(len(m.contexts)))
	}
	return rec, nil
}

func (m *Manager) dismissKnownPopups(ctx context.Context, page Page) {
	selectors := []string{
		"button:has-text('Got it')",
		"button:has-text('Dismiss')",
		"button:has-text('Continue')",
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		acted := false
		for _, sel := range selectors {
			if err := page.Click(ctx, sel); err == nil {
				acted = true
			}
		}
		if !acted {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// waitForInitSuccess is the one consumer of page's console stream during
// init: it logs every line (connection-channel markers at info/warn, the
// rest at debug) and watches for either the init-success marker or a known
// page-error marker. Only one goroutine may read a Page's Console channel at
// a time, since the driver delivers each line to exactly one receiver.
func (m *Manager) waitForInitSuccess(ctx context.Context, page Page, index int) error {
	initCtx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-initCtx.Done():
			return apperr.New(apperr.KindUnreachable, "timed out waiting for init success marker on index %d", index)
		case line, ok := <-page.Console():
			if !ok {
				return apperr.New(apperr.KindUnreachable, "page closed while waiting for init success on index %d", index)
			}
			switch {
			case strings.Contains(line, markerConnectionOK):
				m.log.Info("control channel connected", zap.Int("account_index", index))
			case strings.Contains(line, markerConnectionFail):
				m.log.Warn("control channel failed to initialize", zap.Int("account_index", index))
			default:
				m.log.Debug("page console", zap.Int("account_index", index), zap.String("line", line))
			}
			if strings.Contains(line, markerInitSuccess) {
				return nil
			}
			for _, marker := range pageErrorMarkers {
				if strings.Contains(line, marker) {
					return apperr.New(apperr.KindUnreachable, "page error marker %q on index %d", marker, index)
				}
			}
		case <-ticker.C:
			if err := m.checkAborted(index); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) persistDebugArtifacts(ctx context.Context, index int, reason string, page Page) {
	if m.debug == nil {
		return
	}
	shot, _ := page.Screenshot(ctx)
	dom, _ := page.OuterHTML(ctx)
	m.debug.Persist(index, reason, shot, dom)
}

// closeContext closes and removes index's record, cancelling its health
// timer. After this returns, contexts[index] is absent.
func (m *Manager) closeContext(index int) {
	m.mu.Lock()
	rec, ok := m.contexts[index]
	if ok {
		delete(m.contexts, index)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if rec.cancelHealth != nil {
		rec.cancelHealth()
	}
	rec.page.Close()
	if m.metrics != nil {
		m.metrics.ContextsActive.Set(float64(len(m.contexts)))
	}
}

// RemoveContext closes index's browser context if one is live, for the
// admin DELETE /api/accounts/:i operation. It is a no-op if no context is
// currently open for index.
func (m *Manager) RemoveContext(index int) {
	m.closeContext(index)
}

// Shutdown tears down every live context and the shared driver. It does not
// cancel the background wakeup goroutine's parent context — callers own that
// by cancelling the context passed to StartBackgroundWakeup.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.preload.stopAndWait()

	m.mu.Lock()
	indices := make([]int, 0, len(m.contexts))
	for idx := range m.contexts {
		indices = append(indices, idx)
	}
	m.mu.Unlock()

	for _, idx := range indices {
		m.closeContext(idx)
	}
	return m.driver.Shutdown(ctx)
}

// setActive marks index active, starting its health timer if not already
// running, and updates the background wakeup subscription.
func (m *Manager) setActive(index int) {
	m.mu.Lock()
	m.activeIndex = index
	rec := m.contexts[index]
	m.mu.Unlock()
	if rec != nil {
		m.activePage.Store(rec.page)
		if rec.cancelHealth == nil {
			m.startHealthTimer(rec)
		}
	}
}
