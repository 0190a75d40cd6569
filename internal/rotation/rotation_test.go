package rotation

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/aistudio-proxy/aistudio-proxy/internal/apperr"
	"github.com/aistudio-proxy/aistudio-proxy/internal/authsource"
	"github.com/aistudio-proxy/aistudio-proxy/internal/config"
	"github.com/aistudio-proxy/aistudio-proxy/internal/metrics"
)

type fakeSwitcher struct {
	switches    []int
	rebalances  [][]int
	failIndex   map[int]error
	preloads    [][]int
}

func (f *fakeSwitcher) SwitchTo(ctx context.Context, index int) error {
	f.switches = append(f.switches, index)
	if err, ok := f.failIndex[index]; ok {
		return err
	}
	return nil
}

func (f *fakeSwitcher) Rebalance(ctx context.Context, rotation []int) {
	f.rebalances = append(f.rebalances, rotation)
}

// PreloadStartupOrder mirrors pool.Manager's try-in-order semantics against
// the same failIndex map SwitchTo consults, so tests can simulate a bad
// first account without a real browser.
func (f *fakeSwitcher) PreloadStartupOrder(ctx context.Context, rotation []int) (int, error) {
	f.preloads = append(f.preloads, rotation)
	for _, idx := range rotation {
		f.switches = append(f.switches, idx)
		if err, ok := f.failIndex[idx]; ok {
			_ = err
			continue
		}
		return idx, nil
	}
	return 0, apperr.New(apperr.KindSingleAccount, "no account in rotation could be initialized at startup")
}

func writeAuth(t *testing.T, dir string, index int, email string) {
	t.Helper()
	data := []byte(`{"accountName":"` + email + `"}`)
	if err := os.WriteFile(filepath.Join(dir, "auth-"+strconv.Itoa(index)+".json"), data, 0o644); err != nil {
		t.Fatalf("write auth file: %v", err)
	}
}

func newTestController(t *testing.T, dir string, cfgMut func(*config.Config)) (*Controller, *authsource.Source, *fakeSwitcher) {
	t.Helper()
	auth := authsource.New(dir, nil)
	if _, err := auth.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	cfg := config.Default()
	if cfgMut != nil {
		cfgMut(cfg)
	}
	sw := &fakeSwitcher{failIndex: make(map[int]error)}
	ctl := New(cfg, auth, sw, metrics.New(), nil)
	return ctl, auth, sw
}

func TestStartPicksFirstRotationIndex(t *testing.T) {
	dir := t.TempDir()
	writeAuth(t, dir, 2, "b@x.com")
	writeAuth(t, dir, 7, "c@x.com")
	ctl, _, sw := newTestController(t, dir, nil)

	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ctl.CurrentIndex() != 2 {
		t.Fatalf("expected index 2 first, got %d", ctl.CurrentIndex())
	}
	if len(sw.switches) != 1 || sw.switches[0] != 2 {
		t.Fatalf("expected one preload attempt at 2, got %v", sw.switches)
	}
}

// Scenario: the first rotation index fails to initialize at startup; Start
// must try the next index instead of returning the error fatally.
func TestStartFallsBackToNextIndexOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeAuth(t, dir, 2, "b@x.com")
	writeAuth(t, dir, 7, "c@x.com")
	ctl, _, sw := newTestController(t, dir, nil)
	sw.failIndex[2] = apperr.New(apperr.KindUnreachable, "simulated init failure")

	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ctl.CurrentIndex() != 7 {
		t.Fatalf("expected fallback to index 7, got %d", ctl.CurrentIndex())
	}
	if len(sw.switches) != 2 || sw.switches[0] != 2 || sw.switches[1] != 7 {
		t.Fatalf("expected attempts at [2 7], got %v", sw.switches)
	}
}

// Scenario: every rotation index fails to initialize; Start must return an
// error rather than silently picking an uninitialized index.
func TestStartFailsWhenAllIndicesFail(t *testing.T) {
	dir := t.TempDir()
	writeAuth(t, dir, 1, "a@x.com")
	writeAuth(t, dir, 2, "b@x.com")
	ctl, _, sw := newTestController(t, dir, nil)
	sw.failIndex[1] = apperr.New(apperr.KindUnreachable, "simulated init failure")
	sw.failIndex[2] = apperr.New(apperr.KindUnreachable, "simulated init failure")

	if err := ctl.Start(context.Background()); err == nil {
		t.Fatalf("expected error when every rotation index fails")
	}
}

func TestSwitchToNextWrapsAround(t *testing.T) {
	dir := t.TempDir()
	writeAuth(t, dir, 1, "a@x.com")
	writeAuth(t, dir, 2, "b@x.com")
	writeAuth(t, dir, 3, "c@x.com")
	ctl, _, _ := newTestController(t, dir, nil)
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := ctl.SwitchToNext(context.Background(), "test"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if ctl.CurrentIndex() != 2 {
		t.Fatalf("expected 2, got %d", ctl.CurrentIndex())
	}
	if err := ctl.SwitchToNext(context.Background(), "test"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if ctl.CurrentIndex() != 3 {
		t.Fatalf("expected 3, got %d", ctl.CurrentIndex())
	}
	if err := ctl.SwitchToNext(context.Background(), "test"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if ctl.CurrentIndex() != 1 {
		t.Fatalf("expected wraparound to 1, got %d", ctl.CurrentIndex())
	}
}

// Scenario: a status code configured for immediate switching must trigger a
// rotation right away, bypassing both the use-count and failure-threshold
// counters entirely.
func TestImmediateSwitchStatusCodeBypassesThresholds(t *testing.T) {
	dir := t.TempDir()
	writeAuth(t, dir, 1, "a@x.com")
	writeAuth(t, dir, 2, "b@x.com")
	ctl, _, sw := newTestController(t, dir, func(c *config.Config) {
		c.Pool.SwitchOnUses = 100
		c.Pool.FailureThreshold = 100
		c.Pool.ImmediateSwitchStatusCodes = []int{429}
	})
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sw.switches = nil

	if err := ctl.PostRequestUpdate(context.Background(), 429, false); err != nil {
		t.Fatalf("post request update: %v", err)
	}
	if ctl.CurrentIndex() != 2 {
		t.Fatalf("expected immediate switch to 2, got %d", ctl.CurrentIndex())
	}
	if len(sw.switches) != 1 {
		t.Fatalf("expected exactly one switch call, got %v", sw.switches)
	}
}

func TestFailureThresholdTriggersSwitch(t *testing.T) {
	dir := t.TempDir()
	writeAuth(t, dir, 1, "a@x.com")
	writeAuth(t, dir, 2, "b@x.com")
	ctl, _, _ := newTestController(t, dir, func(c *config.Config) {
		c.Pool.FailureThreshold = 3
		c.Pool.SwitchOnUses = 0
	})
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := ctl.PostRequestUpdate(context.Background(), 500, true); err != nil {
			t.Fatalf("post request update: %v", err)
		}
		if ctl.CurrentIndex() != 1 {
			t.Fatalf("expected no switch before threshold, got index %d at i=%d", ctl.CurrentIndex(), i)
		}
	}
	if err := ctl.PostRequestUpdate(context.Background(), 500, true); err != nil {
		t.Fatalf("post request update: %v", err)
	}
	if ctl.CurrentIndex() != 2 {
		t.Fatalf("expected switch at failure threshold, got %d", ctl.CurrentIndex())
	}
}

func TestSwitchToSpecificRejectsUnknownIndex(t *testing.T) {
	dir := t.TempDir()
	writeAuth(t, dir, 1, "a@x.com")
	ctl, _, _ := newTestController(t, dir, nil)
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	err := ctl.SwitchToSpecific(context.Background(), 99, "manual")
	if err == nil {
		t.Fatalf("expected error for unknown index")
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
