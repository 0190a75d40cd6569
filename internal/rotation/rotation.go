// Package rotation implements the rotation controller, component E: it
// decides which account should be active, drives the pool manager to switch
// to it, and tracks the per-use and per-failure counters that trigger an
// automatic rotation.
package rotation

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aistudio-proxy/aistudio-proxy/internal/apperr"
	"github.com/aistudio-proxy/aistudio-proxy/internal/authsource"
	"github.com/aistudio-proxy/aistudio-proxy/internal/config"
	"github.com/aistudio-proxy/aistudio-proxy/internal/logging"
	"github.com/aistudio-proxy/aistudio-proxy/internal/metrics"
)

// PoolSwitcher is the subset of internal/pool.Manager the rotation
// controller depends on, injected to avoid a cyclic import between the two
// packages (pool never needs to know about rotation policy).
type PoolSwitcher interface {
	SwitchTo(ctx context.Context, index int) error
	Rebalance(ctx context.Context, rotation []int)
	PreloadStartupOrder(ctx context.Context, rotation []int) (int, error)
}

// Controller is the rotation controller.
type Controller struct {
	cfg      *config.Config
	auth     *authsource.Source
	switcher PoolSwitcher
	metrics  *metrics.Collector
	log      *logging.Logger

	mu                   sync.Mutex
	activeIndex          int
	useCount             int
	consecutiveFailures  int
	systemBusy           bool
	generation           int64
}

// New creates a Controller. Call Start before serving any request.
func New(cfg *config.Config, auth *authsource.Source, switcher PoolSwitcher, mc *metrics.Collector, log *logging.Logger) *Controller {
	if log == nil {
		log = logging.Default()
	}
	return &Controller{
		cfg:         cfg,
		auth:        auth,
		switcher:    switcher,
		metrics:     mc,
		log:         log,
		activeIndex: -1,
	}
}

// Start tries each rotation index in order, synchronously, until one
// initializes successfully, then backgrounds preload of the rest. It only
// fails if every rotation index failed to initialize.
func (c *Controller) Start(ctx context.Context) error {
	rotation := c.auth.RotationIndices()
	if len(rotation) == 0 {
		return apperr.New(apperr.KindSingleAccount, "no accounts available at startup")
	}
	active, err := c.switcher.PreloadStartupOrder(ctx, rotation)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.activeIndex = active
	c.generation++
	c.mu.Unlock()

	c.switcher.Rebalance(ctx, rotation)
	return nil
}

// CurrentIndex returns the currently active account index, or -1 if Start
// has not run yet.
func (c *Controller) CurrentIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeIndex
}

// Generation returns the rotation counter, incremented on every switch.
func (c *Controller) Generation() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// IsBusy reports whether a rotation is currently in progress; the request
// handler uses this to delay-and-retry instead of failing a request that
// raced a switch.
func (c *Controller) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemBusy
}

// SwitchToSpecific forces the active account to index, skipping the normal
// round-robin selection. Used by the admin surface's
// PUT /api/accounts/current.
func (c *Controller) SwitchToSpecific(ctx context.Context, index int, reason string) error {
	rotation := c.auth.RotationIndices()
	found := false
	for _, idx := range rotation {
		if idx == index {
			found = true
			break
		}
	}
	if !found {
		return apperr.New(apperr.KindNotFound, "account index %d is not in rotation", index)
	}
	return c.doSwitch(ctx, index, reason, rotation)
}

// SwitchToNext advances to the next account in rotation order after the
// currently active one, wrapping around. reason is a short machine-readable
// trigger label used only for logging and metrics.
func (c *Controller) SwitchToNext(ctx context.Context, reason string) error {
	c.mu.Lock()
	current := c.activeIndex
	c.mu.Unlock()

	rotation := c.auth.RotationIndices()
	if len(rotation) == 0 {
		return apperr.New(apperr.KindSingleAccount, "no accounts available to rotate to")
	}
	if len(rotation) == 1 && rotation[0] == current {
		return apperr.New(apperr.KindSingleAccount, "only one account in rotation, cannot switch")
	}

	next := nextInRotation(rotation, current)
	err := c.doSwitch(ctx, next, reason, rotation)
	if err != nil && apperr.Is(err, apperr.KindAuthExpired) {
		// The account we just tried expired mid-switch (the pool manager
		// already marked it); retry once against the now-smaller rotation.
		rotation2 := c.auth.RotationIndices()
		if len(rotation2) == 0 {
			return apperr.New(apperr.KindSingleAccount, "no accounts left after expiry")
		}
		next2 := nextInRotation(rotation2, current)
		return c.doSwitch(ctx, next2, reason+"+retry-after-expiry", rotation2)
	}
	return err
}

// doSwitch performs the actual pool switch and bookkeeping, guarded by
// systemBusy so only one rotation runs at a time.
func (c *Controller) doSwitch(ctx context.Context, target int, reason string, rotation []int) error {
	c.mu.Lock()
	if c.systemBusy {
		c.mu.Unlock()
		return apperr.New(apperr.KindBusy, "a rotation is already in progress")
	}
	c.systemBusy = true
	from := c.activeIndex
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.systemBusy = false
		c.mu.Unlock()
	}()

	if err := c.switcher.SwitchTo(ctx, target); err != nil {
		if ae, ok := err.(*apperr.Error); ok && c.metrics != nil {
			c.metrics.ContextInitFail.WithLabelValues(ae.Kind.Code()).Inc()
		}
		return err
	}

	c.mu.Lock()
	c.activeIndex = target
	c.useCount = 0
	c.consecutiveFailures = 0
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.log.Info("account rotated",
		zap.Int("from", from), zap.Int("to", target),
		zap.String("reason", reason), zap.Int64("generation", gen))
	if c.metrics != nil {
		c.metrics.SwitchCount.WithLabelValues(reason).Inc()
	}
	c.switcher.Rebalance(ctx, rotation)
	return nil
}

// PostRequestUpdate records the outcome of one completed request and, if any
// configured threshold is now met, triggers a rotation. statusCode is the
// upstream-facing status the request ultimately produced; failed marks a
// request that counts toward the consecutive-failure threshold regardless
// of status code (e.g. a stream that died mid-flight).
func (c *Controller) PostRequestUpdate(ctx context.Context, statusCode int, failed bool) error {
	c.mu.Lock()
	immediate := c.cfg.Pool.HasImmediateSwitch(statusCode)
	c.useCount++
	useHit := c.cfg.Pool.SwitchOnUses > 0 && c.useCount >= c.cfg.Pool.SwitchOnUses
	if failed {
		c.consecutiveFailures++
	} else {
		c.consecutiveFailures = 0
	}
	failureHit := c.cfg.Pool.FailureThreshold > 0 && c.consecutiveFailures >= c.cfg.Pool.FailureThreshold
	if c.metrics != nil && failed {
		c.metrics.FailureCount.Inc()
	}
	c.mu.Unlock()

	switch {
	case immediate:
		return c.SwitchToNext(ctx, fmt.Sprintf("immediate-status-%d", statusCode))
	case failureHit:
		return c.SwitchToNext(ctx, fmt.Sprintf("consecutive-failures-%d", c.cfg.Pool.FailureThreshold))
	case useHit:
		return c.SwitchToNext(ctx, fmt.Sprintf("use-count-%d", c.cfg.Pool.SwitchOnUses))
	default:
		return nil
	}
}

// nextInRotation returns the entry in rotation immediately after current,
// wrapping around. If current isn't present, it returns rotation[0].
func nextInRotation(rotation []int, current int) int {
	pos := -1
	for i, idx := range rotation {
		if idx == current {
			pos = i
			break
		}
	}
	if pos < 0 {
		return rotation[0]
	}
	return rotation[(pos+1)%len(rotation)]
}
