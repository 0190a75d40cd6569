package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aistudio-proxy/aistudio-proxy/internal/apperr"
)

// preloadWorker runs one background preload pass at a time. Starting a new
// preload cancels and awaits the previous worker's completion before
// launching the next one, replacing a naked stored promise with an explicit
// cancellation token plus completion signal.
type preloadWorker struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *preloadWorker) stopAndWait() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// startPreload aborts any in-flight preload and begins warming indices, in
// order, skipping any already present. It returns immediately; preload runs
// in the background.
func (m *Manager) startPreload(parent context.Context, indices []int) {
	m.preload.stopAndWait()

	pctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	m.preload.mu.Lock()
	m.preload.cancel = cancel
	m.preload.done = done
	m.preload.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		for _, idx := range indices {
			select {
			case <-pctx.Done():
				return
			default:
			}

			m.mu.Lock()
			_, exists := m.contexts[idx]
			m.mu.Unlock()
			if exists {
				continue
			}

			start := time.Now()
			_, err := m.initContext(pctx, idx)
			if m.metrics != nil {
				m.metrics.PreloadDuration.Observe(time.Since(start).Seconds())
			}
			if err != nil {
				if apperr.IsCancellation(err) {
					return
				}
				m.log.Warn("background preload failed", zap.Int("account_index", idx), zap.Error(err))
			}
		}
	}()
}

// PreloadStartupOrder synchronously tries each rotation index in turn until
// one initializes successfully (so the pool has one ready context before
// serving its first request), then backgrounds preload of whatever rotation
// indices remain. It returns the index that succeeded; only when every
// index fails does it return an error.
func (m *Manager) PreloadStartupOrder(ctx context.Context, rotation []int) (int, error) {
	if len(rotation) == 0 {
		return 0, apperr.New(apperr.KindSingleAccount, "no rotation indices available")
	}
	for i, idx := range rotation {
		if _, err := m.initContext(ctx, idx); err != nil {
			m.log.Warn("startup init failed, trying next rotation index", zap.Int("account_index", idx), zap.Error(err))
			continue
		}
		m.setActive(idx)
		if rest := rotation[i+1:]; len(rest) > 0 {
			m.startPreload(ctx, rest)
		}
		return idx, nil
	}
	return 0, apperr.New(apperr.KindUnreachable, "no account in rotation could be initialized at startup")
}
