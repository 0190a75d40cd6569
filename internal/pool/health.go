package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	cursorParkEveryTicks       = 15
	credentialSaveEveryTicks   = 21600
	backgroundWakeupInterval   = 30 * time.Second
)

// startHealthTimer begins the per-context keepalive loop: small synthetic
// activity every tick so the page never looks idle, periodic cursor parking,
// periodic credential persistence, and opportunistic modal cleanup.
func (m *Manager) startHealthTimer(rec *record) {
	ctx, cancel := context.WithCancel(context.Background())
	rec.cancelHealth = cancel
	go m.healthLoop(ctx, rec)
}

func (m *Manager) healthLoop(ctx context.Context, rec *record) {
	ticker := time.NewTicker(m.cfg.HealthTick)
	defer ticker.Stop()

	var tick int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			if rec.page.Closed() {
				return
			}
			m.microActivity(ctx, rec)
			if tick%cursorParkEveryTicks == 0 {
				m.parkCursor(ctx, rec)
			}
			if tick%credentialSaveEveryTicks == 0 {
				m.saveCredentials(ctx, rec)
			}
			m.cleanupModals(ctx, rec)
		}
	}
}

// microActivity dispatches a tiny synthetic mouse move and scroll so the
// page's own idle/visibility heuristics never trip.
func (m *Manager) microActivity(ctx context.Context, rec *record) {
	script := `(function(){
	try{
		var x=Math.floor(Math.random()*40)+10, y=Math.floor(Math.random()*40)+10;
		window.dispatchEvent(new MouseEvent('mousemove',{clientX:x,clientY:y,bubbles:true}));
		window.scrollBy(0, (Math.random()<0.5?1:-1));
	}catch(e){}
})();`
	tctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rec.page.Evaluate(tctx, script, nil); err != nil {
		m.log.Debug("micro activity evaluate failed", zap.Int("account_index", rec.index), zap.Error(err))
	}
}

// parkCursor moves the synthetic cursor to a neutral corner, away from any
// interactive control it might otherwise be resting on.
func (m *Manager) parkCursor(ctx context.Context, rec *record) {
	script := `(function(){
	try{
		window.dispatchEvent(new MouseEvent('mousemove',{clientX:2,clientY:2,bubbles:true}));
	}catch(e){}
})();`
	tctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = rec.page.Evaluate(tctx, script, nil)
}

// cleanupModals dismisses any stray "Got it"/"Dismiss" style overlay that
// reappeared since context init, the same way initContext's popup dismissal
// does at startup.
func (m *Manager) cleanupModals(ctx context.Context, rec *record) {
	tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, sel := range []string{"button:has-text('Got it')", "button:has-text('Dismiss')"} {
		_ = rec.page.Click(tctx, sel)
	}
}

// saveCredentials persists any refreshed session cookies back to the
// account's credential file, write-temp-then-rename so a reader never
// observes a half-written file. Disabled unless the operator opted in.
func (m *Manager) saveCredentials(ctx context.Context, rec *record) {
	if !m.cfg.Features.CredentialRefresh {
		return
	}
	var cookieHeader string
	tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rec.page.Evaluate(tctx, `document.cookie`, &cookieHeader)
	cancel()
	if err != nil {
		m.log.Warn("credential refresh: read cookies failed", zap.Int("account_index", rec.index), zap.Error(err))
		return
	}

	raw, ok := m.auth.Raw(rec.index)
	if !ok {
		return
	}
	updated, err := mergeCredentialCookies(raw, cookieHeader)
	if err != nil {
		m.log.Warn("credential refresh: merge failed", zap.Int("account_index", rec.index), zap.Error(err))
		return
	}
	if err := writeCredentialFileAtomic(m.cfg.AuthDir, rec.index, updated); err != nil {
		m.log.Warn("credential refresh: write failed", zap.Int("account_index", rec.index), zap.Error(err))
		return
	}
	m.log.Debug("credential refreshed", zap.Int("account_index", rec.index))
}

// mergeCredentialCookies rebuilds the credential blob's cookies field from a
// document.cookie header string, leaving every other field (accountName and
// any other operator-added key) untouched.
func mergeCredentialCookies(raw json.RawMessage, cookieHeader string) (json.RawMessage, error) {
	var blob map[string]any
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("unmarshal credential blob: %w", err)
	}

	cookies := make([]map[string]any, 0)
	for _, pair := range strings.Split(cookieHeader, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		cookies = append(cookies, map[string]any{"name": strings.TrimSpace(kv[0]), "value": kv[1]})
	}
	blob["cookies"] = cookies

	out, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal credential blob: %w", err)
	}
	return out, nil
}

func writeCredentialFileAtomic(dir string, index int, data json.RawMessage) error {
	target := filepath.Join(dir, fmt.Sprintf("auth-%d.json", index))
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".auth-%d-*.tmp", index))
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp credential file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp credential file: %w", err)
	}
	return nil
}

// StartBackgroundWakeup launches the single background-wakeup goroutine that
// watches whichever context is currently active and periodically tries to
// click it out of a "sleeping" state, the same idle-prevention concern the
// health timer handles for the rest of the tick but specifically targeted at
// a stalled session-resume control.
func (m *Manager) StartBackgroundWakeup(ctx context.Context) {
	m.wakeOnce.Do(func() {
		m.wakeCh = make(chan struct{}, 1)
		go m.backgroundWakeupLoop(ctx)
	})
}

// WakeNow nudges the background wakeup loop to run immediately instead of
// waiting for its next tick.
func (m *Manager) WakeNow() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *Manager) backgroundWakeupLoop(ctx context.Context) {
	ticker := time.NewTicker(backgroundWakeupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.wakeCh:
		}
		page := m.activePage.Load()
		if page == nil || page.Closed() {
			continue
		}
		m.tryWakeupClick(ctx, page)
	}
}

// tryWakeupClick is a two-stage strategy: first a targeted selector for the
// rocket/run icon, falling back to a looser text match if the icon isn't
// present under the current layout.
func (m *Manager) tryWakeupClick(ctx context.Context, page Page) {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := page.Click(wctx, "button[aria-label='Run' i]"); err == nil {
		return
	}
	_ = page.Click(wctx, "button:has-text('Launch')")
}
