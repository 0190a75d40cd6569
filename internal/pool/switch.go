package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aistudio-proxy/aistudio-proxy/internal/apperr"
)

// SwitchTo makes index the active account, reusing its context if one is
// already live and healthy (fast switch) or else running the full init
// sequence (slow switch), evicting another context first if the pool is at
// capacity.
func (m *Manager) SwitchTo(ctx context.Context, index int) error {
	handled, err := m.fastSwitch(ctx, index)
	if handled {
		return err
	}

	m.preCleanup(ctx, index)
	if _, err := m.initContext(ctx, index); err != nil {
		return err
	}
	m.auth.ClearExpired(index)
	m.setActive(index)
	if m.metrics != nil {
		m.metrics.SwitchCount.WithLabelValues("slow").Inc()
	}
	return nil
}

// fastSwitch attempts to reuse an already-live context for index. handled
// reports whether the switch is fully resolved (success or a terminal
// failure like AuthExpired, where a slow-path retry would be pointless);
// handled=false always carries a nil error and means the caller should fall
// through to the slow path.
func (m *Manager) fastSwitch(ctx context.Context, index int) (handled bool, err error) {
	m.mu.Lock()
	rec, exists := m.contexts[index]
	m.mu.Unlock()
	if !exists {
		return false, nil
	}
	if rec.page.Closed() {
		m.closeContext(index)
		return false, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	url, uerr := rec.page.URL(checkCtx)
	title, terr := rec.page.Title(checkCtx)
	cancel()
	if uerr != nil || terr != nil {
		m.closeContext(index)
		return false, nil
	}

	if failure := classifyLandingFailure(url, title); failure != nil {
		if failure.Kind != apperr.KindAuthExpired {
			// Transient page failure: give the slow path a chance to recover.
			m.closeContext(index)
			return false, nil
		}
		m.auth.SetExpired(index)
		m.closeContext(index)
		if m.metrics != nil {
			m.metrics.SwitchCount.WithLabelValues("auth_expired").Inc()
		}
		return true, failure
	}

	m.auth.ClearExpired(index)
	m.setActive(index)
	if m.metrics != nil {
		m.metrics.SwitchCount.WithLabelValues("fast").Inc()
	}
	return true, nil
}

// preCleanup frees a context slot before switching to an uninitialized
// index, if the pool is already at MaxContexts. It aborts and awaits any
// in-flight background preload first, then evicts in priority order: stale
// duplicate accounts, then expired accounts, then whichever live context is
// farthest from target in forward rotation order.
func (m *Manager) preCleanup(ctx context.Context, target int) {
	m.preload.stopAndWait()

	m.mu.Lock()
	full := len(m.contexts) >= m.cfg.Pool.MaxContexts
	var candidates []int
	for idx := range m.contexts {
		if idx == m.activeIndex || idx == target {
			continue
		}
		candidates = append(candidates, idx)
	}
	m.mu.Unlock()
	if !full || len(candidates) == 0 {
		return
	}

	for _, idx := range candidates {
		if m.auth.Canonical(idx) != idx {
			m.closeContext(idx)
			return
		}
	}

	expired := make(map[int]bool)
	for _, idx := range m.auth.ExpiredIndices() {
		expired[idx] = true
	}
	for _, idx := range candidates {
		if expired[idx] {
			m.closeContext(idx)
			return
		}
	}

	rotation := m.auth.RotationIndices()
	if victim := farthestForward(rotation, target, candidates); victim >= 0 {
		m.closeContext(victim)
	}
}

// Rebalance keeps the active account plus the next contexts due in rotation
// warm, closing contexts that have fallen out of that window and
// backgrounding preload for any that are missing. rotation must be sorted
// ascending (authsource.Source.RotationIndices' contract).
func (m *Manager) Rebalance(ctx context.Context, rotation []int) {
	m.mu.Lock()
	active := m.activeIndex
	m.mu.Unlock()
	if active < 0 || len(rotation) == 0 {
		return
	}

	n := m.cfg.Pool.MaxContexts
	desired := desiredWindow(rotation, active, n)

	m.mu.Lock()
	var toClose []int
	for idx := range m.contexts {
		if idx == active {
			continue
		}
		if !desired[idx] {
			toClose = append(toClose, idx)
		}
	}
	var missing []int
	for _, idx := range orderedWindow(rotation, active, n) {
		if idx == active {
			continue
		}
		if _, ok := m.contexts[idx]; !ok {
			missing = append(missing, idx)
		}
	}
	m.mu.Unlock()

	for _, idx := range toClose {
		m.closeContext(idx)
	}
	if len(missing) > 0 {
		m.startPreload(ctx, missing)
	}
}

// desiredWindow returns the set of indices the pool should keep warm: active
// plus the next n-1 accounts due in forward rotation order from active.
func desiredWindow(rotation []int, active, n int) map[int]bool {
	out := make(map[int]bool, n)
	for _, idx := range orderedWindow(rotation, active, n) {
		out[idx] = true
	}
	return out
}

func orderedWindow(rotation []int, active, n int) []int {
	if n <= 0 {
		return nil
	}
	pos := indexOf(rotation, active)
	out := []int{active}
	if pos < 0 {
		return out
	}
	for i := 1; i < len(rotation) && len(out) < n; i++ {
		out = append(out, rotation[(pos+i)%len(rotation)])
	}
	return out
}

func indexOf(xs []int, v int) int {
	for i, x := range xs {
		if x == v {
			return i
		}
	}
	return -1
}

// farthestForward returns whichever of candidates is reached last when
// walking rotation forward, cyclically, starting just after from. Falls back
// to candidates[0] when from is not in rotation or no candidate appears in
// it; returns -1 only when candidates is empty.
func farthestForward(rotation []int, from int, candidates []int) int {
	pos := indexOf(rotation, from)
	if pos < 0 || len(rotation) == 0 {
		if len(candidates) > 0 {
			return candidates[0]
		}
		return -1
	}
	candSet := make(map[int]bool, len(candidates))
	for _, c := range candidates {
		candSet[c] = true
	}
	victim := -1
	for i := 1; i <= len(rotation); i++ {
		idx := rotation[(pos+i)%len(rotation)]
		if candSet[idx] {
			victim = idx
		}
	}
	if victim < 0 && len(candidates) > 0 {
		return candidates[0]
	}
	return victim
}

// LightweightReconnect implements registry.Reconnector: re-navigate an
// existing context after its duplex channel dropped without the page itself
// closing, without tearing down and rebuilding the whole context.
func (m *Manager) LightweightReconnect(ctx context.Context, index int) error {
	m.mu.Lock()
	rec, ok := m.contexts[index]
	m.mu.Unlock()
	if !ok {
		return apperr.New(apperr.KindReconnectCancelled, "no live context for index %d", index)
	}
	m.clearAborted(index)

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigationTimeout)
	err := rec.page.Navigate(navCtx, m.cfg.TargetURL)
	cancel()
	if err != nil {
		m.closeContext(index)
		return apperr.Wrap(apperr.KindUnreachable, err, "reconnect navigate index %d", index)
	}

	if err := m.checkAborted(index); err != nil {
		return err
	}

	url, _ := rec.page.URL(ctx)
	title, _ := rec.page.Title(ctx)
	if failure := classifyLandingFailure(url, title); failure != nil {
		if failure.Kind == apperr.KindAuthExpired {
			m.auth.SetExpired(index)
		}
		m.closeContext(index)
		return failure
	}

	m.dismissKnownPopups(ctx, rec.page)

	if err := m.waitForInitSuccess(ctx, rec.page, index); err != nil {
		m.closeContext(index)
		return err
	}

	// Active trigger: a harmless request that nudges the page's own network
	// stack awake without relying on any response.
	_ = rec.page.Evaluate(ctx, `(function(){try{fetch(location.href,{method:'HEAD',cache:'no-store'});}catch(e){}})();`, nil)

	if m.ActiveIndex() == index {
		if rec.cancelHealth != nil {
			rec.cancelHealth()
			rec.cancelHealth = nil
		}
		m.startHealthTimer(rec)
	}

	m.log.Info("lightweight reconnect succeeded", zap.Int("account_index", index))
	return nil
}
