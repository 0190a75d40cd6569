package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aistudio-proxy/aistudio-proxy/internal/authsource"
	"github.com/aistudio-proxy/aistudio-proxy/internal/config"
	"github.com/aistudio-proxy/aistudio-proxy/internal/handler"
	"github.com/aistudio-proxy/aistudio-proxy/internal/logging"
	"github.com/aistudio-proxy/aistudio-proxy/internal/metrics"
	"github.com/aistudio-proxy/aistudio-proxy/internal/pool"
	"github.com/aistudio-proxy/aistudio-proxy/internal/registry"
	"github.com/aistudio-proxy/aistudio-proxy/internal/rotation"
)

// fakePage is a minimal Page double whose console immediately reports the
// init-success marker, so the pool manager's init sequence resolves without
// ever touching a real browser.
type fakePage struct {
	console chan string
	closed  bool
}

func newFakePage() *fakePage {
	p := &fakePage{console: make(chan string, 1)}
	p.console <- "applet initialized"
	return p
}

func (p *fakePage) Navigate(ctx context.Context, url string) error            { return nil }
func (p *fakePage) Evaluate(ctx context.Context, script string, out any) error { return nil }
func (p *fakePage) URL(ctx context.Context) (string, error)                   { return "https://aistudio.google.com/app", nil }
func (p *fakePage) Title(ctx context.Context) (string, error)                 { return "Google AI Studio", nil }
func (p *fakePage) Console() <-chan string                                    { return p.console }
func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error)            { return nil, nil }
func (p *fakePage) OuterHTML(ctx context.Context) (string, error)             { return "", nil }
func (p *fakePage) Click(ctx context.Context, selector string) error          { return errNoSuchElement }
func (p *fakePage) Closed() bool                                              { return p.closed }
func (p *fakePage) Close() error                                              { p.closed = true; return nil }

var errNoSuchElement = errors.New("no such element")

type fakeDriver struct{}

func (d *fakeDriver) Launch(ctx context.Context) error { return nil }
func (d *fakeDriver) NewContext(ctx context.Context, raw json.RawMessage, vp pool.Viewport) (pool.Page, error) {
	return newFakePage(), nil
}
func (d *fakeDriver) Shutdown(ctx context.Context) error { return nil }

// newTestServer wires a full Server against two on-disk credential files and
// a temp config file, using fakeDriver so no real browser is ever launched.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	for i, email := range []string{"[email protected]", "[email protected]"} {
		blob, _ := json.Marshal(map[string]any{"email": email, "cookies": []any{}})
		path := filepath.Join(dir, fmt.Sprintf("auth-%d.json", i))
		if err := os.WriteFile(path, blob, 0o600); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgBody := fmt.Sprintf("auth_dir: %q\nlisten_addr: \":0\"\n", dir)
	if err := os.WriteFile(cfgPath, []byte(cfgBody), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	reloader := config.NewReloader(cfgPath, nil)
	if err := reloader.Start(); err != nil {
		t.Fatalf("start reloader: %v", err)
	}
	t.Cleanup(reloader.Stop)

	log := logging.Default()
	mc := metrics.New()
	auth := authsource.New(dir, log)
	if _, err := auth.Reload(); err != nil {
		t.Fatalf("reload auth: %v", err)
	}

	poolMgr := pool.New(&fakeDriver{}, auth, reloader.Config(), mc, pool.NewFileDebugSink(t.TempDir(), log), log)
	rot := rotation.New(reloader.Config(), auth, poolMgr, mc, log)
	if err := rot.Start(context.Background()); err != nil {
		t.Fatalf("start rotation: %v", err)
	}
	reg := registry.New(poolMgr, poolMgr, rot.CurrentIndex, log)
	dispatch := handler.New(rot, poolMgr, reg, mc, log, reloader.Config().Pool.HasImmediateSwitch)

	return New(reloader, log, mc, auth, poolMgr, reg, rot, dispatch)
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal request body: %v", err)
	}
	return bytes.NewReader(b)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAdminStatusListsAccounts(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		AccountDetails []accountDetail `json:"accountDetails"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.AccountDetails) != 2 {
		t.Fatalf("accountDetails len = %d, want 2", len(body.AccountDetails))
	}
}

func TestSetDebugModeTogglesAndPersists(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPut, "/api/settings/debug-mode", jsonBody(t, map[string]bool{"enabled": true}))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if !s.cfg.Config().Features.DebugMode {
		t.Fatal("DebugMode not reflected in live config after PUT")
	}
}

func TestRemoveNonActiveAccountSucceeds(t *testing.T) {
	s := newTestServer(t)
	current := s.rotation.CurrentIndex()
	other := 0
	if other == current {
		other = 1
	}

	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/accounts/%d", other), nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestRemoveActiveAccountRequiresForce(t *testing.T) {
	s := newTestServer(t)
	current := s.rotation.CurrentIndex()

	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/accounts/%d", current), nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 without ?force=true", rec.Code)
	}
}
