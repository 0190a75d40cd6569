package pool

import (
	"context"
	"encoding/json"
)

// Viewport is a browser window size, slightly randomized per context per the
// pool manager's init sequence.
type Viewport struct {
	Width, Height int
}

// Page is the black-box page handle the browser driver hands back from
// NewContext: launch/newContext/navigate/evaluate plus a console-event
// stream and the duplex channel are the driver's only obligations (see
// SPEC_FULL.md's external interfaces section) — everything past that point
// is internal to this package.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Evaluate(ctx context.Context, script string, out any) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	// Console returns a channel of console log lines, closed when the page
	// closes. The init sequence watches it for marker lines.
	Console() <-chan string
	Screenshot(ctx context.Context) ([]byte, error)
	OuterHTML(ctx context.Context) (string, error)
	Click(ctx context.Context, selector string) error
	Closed() bool
	Close() error
}

// Driver is the browser automation black box: one process-wide handle plus
// per-account contexts built from stored credentials.
type Driver interface {
	Launch(ctx context.Context) error
	// NewContext creates a fresh browser context seeded with storageState
	// (the raw credential blob from internal/authsource) and opens one page
	// in it at the given viewport.
	NewContext(ctx context.Context, storageState json.RawMessage, vp Viewport) (Page, error)
	Shutdown(ctx context.Context) error
}
