// Package handler implements the request handler, component G: for each
// public-dialect HTTP request it waits out any in-progress rotation switch,
// acquires a pool context for the currently active account, dispatches the
// translated internal request over that account's endpoint, and drains the
// resulting message queue into a dialect-agnostic stream of internal-dialect
// chunks plus a terminal status/error. It does not authenticate the client
// (that check runs in the HTTP layer before Handle is called), and it does
// not ask the rotation controller for a switch before dispatching: rotation
// decisions are made only after a request, through PostRequestUpdate.
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/aistudio-proxy/aistudio-proxy/internal/apperr"
	"github.com/aistudio-proxy/aistudio-proxy/internal/logging"
	"github.com/aistudio-proxy/aistudio-proxy/internal/metrics"
	"github.com/aistudio-proxy/aistudio-proxy/internal/queue"
	"github.com/aistudio-proxy/aistudio-proxy/internal/translator/internaldialect"
)

// State is one stage of a single request's lifecycle. Transitions into a
// terminal state (Complete, Errored, ClientGone) happen at most once.
type State int32

const (
	StateDispatched State = iota
	StateHeadersSeen
	StateStreaming
	StateComplete
	StateErrored
	StateClientGone
)

func (s State) String() string {
	switch s {
	case StateDispatched:
		return "dispatched"
	case StateHeadersSeen:
		return "headers_seen"
	case StateStreaming:
		return "streaming"
	case StateComplete:
		return "complete"
	case StateErrored:
		return "errored"
	case StateClientGone:
		return "client_gone"
	default:
		return "unknown"
	}
}

// RotationController is the subset of internal/rotation.Controller the
// handler depends on, injected to keep this package decoupled from the
// rotation package's concrete type the same way rotation is decoupled from
// the pool manager.
type RotationController interface {
	CurrentIndex() int
	IsBusy() bool
	SwitchToNext(ctx context.Context, reason string) error
	PostRequestUpdate(ctx context.Context, statusCode int, failed bool) error
}

// PoolAccessor acquires a context for the currently active account,
// fast-switching to it if already initialized or running a full init
// otherwise; internal/pool.Manager.SwitchTo already implements exactly this
// fast-or-slow behavior against the current active index.
type PoolAccessor interface {
	SwitchTo(ctx context.Context, index int) error
}

// EndpointSender is the subset of internal/registry.Registry the handler
// depends on to dispatch a request and collect its response.
type EndpointSender interface {
	Send(index int, v any) error
	HasEndpoint(index int) bool
	RegisterQueue(requestID string, q *queue.Queue)
	UnregisterQueue(requestID string)
}

// busyRetryDelay/busyRetryAttempts bound how long a request waits for an
// in-progress rotation switch before surfacing Busy to the client.
const (
	busyRetryDelay    = 150 * time.Millisecond
	busyRetryAttempts = 5

	// firstEventTimeout bounds how long Handle waits for the first queue
	// event (response_headers or a terminal error) before concluding the
	// endpoint is unreachable.
	firstEventTimeout = 30 * time.Second

	queueCapacity = 256
)

// Dispatcher drives the request handler state machine.
type Dispatcher struct {
	rotation RotationController
	pool     PoolAccessor
	sender   EndpointSender
	metrics  *metrics.Collector
	log      *logging.Logger

	immediateSwitch func(statusCode int) bool
}

// New creates a Dispatcher. immediateSwitch reports whether a given
// upstream status code should trigger a rotation before the response is
// returned to the client (spec.md §4.G's failure-semantics clause);
// callers pass cfg.Pool.HasImmediateSwitch.
func New(rotation RotationController, pool PoolAccessor, sender EndpointSender, mc *metrics.Collector, log *logging.Logger, immediateSwitch func(int) bool) *Dispatcher {
	if log == nil {
		log = logging.Default()
	}
	return &Dispatcher{rotation: rotation, pool: pool, sender: sender, metrics: mc, log: log, immediateSwitch: immediateSwitch}
}

// Result is the outcome of Handle: a channel of decoded internal-dialect
// chunks, and a Done channel that receives exactly one terminal summary
// once the queue reaches STREAM_END, a terminal error, or ctx is cancelled.
type Result struct {
	RequestID string
	Chunks    <-chan *internaldialect.Chunk
	Done      <-chan Outcome
}

// Outcome is the terminal summary of one request. Dialect-specific request
// counting (internal/metrics.Collector.ObserveRequest, which is labeled by
// dialect) is the caller's job, since Handle itself is dialect-agnostic and
// has no dialect label to report.
type Outcome struct {
	State      State
	StatusCode int
	Headers    map[string]string
	Err        error
}

// Handle dispatches one already-translated internal request to the
// currently active account and returns a Result the caller drains. The
// caller is responsible for re-encoding chunks into the client's public
// dialect and for calling PostRequestUpdate-adjacent bookkeeping. Handle
// itself calls PostRequestUpdate exactly once for each dispatched request,
// when its terminal outcome (success/error/client-gone) is known, and once
// as a failure when the active account has no registered endpoint. Requests
// rejected before that point (busy, no active account, a failed pool
// switch) or whose Send fails do not advance the rotation counters.
func (d *Dispatcher) Handle(ctx context.Context, requestID string, body *internaldialect.GenerateRequest, stream bool) (*Result, error) {
	if requestID == "" {
		requestID = newRequestID()
	}

	if err := d.awaitNotBusy(ctx); err != nil {
		return nil, err
	}

	active := d.rotation.CurrentIndex()
	if active < 0 {
		return nil, apperr.New(apperr.KindSingleAccount, "no active account")
	}
	if err := d.pool.SwitchTo(ctx, active); err != nil {
		return nil, err
	}
	if !d.sender.HasEndpoint(active) {
		// A missing endpoint counts as a failed request for rotation; the
		// update runs detached for the same reason as in drain's finish.
		go func() {
			if err := d.rotation.PostRequestUpdate(context.Background(), apperr.KindUpstreamUnavailable.HTTPStatus(), true); err != nil {
				d.log.Warn("post-request rotation update failed", zap.String("request_id", requestID), zap.Error(err))
			}
		}()
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "no endpoint registered for active account %d", active)
	}

	q := queue.New(queueCapacity, d.log)
	d.sender.RegisterQueue(requestID, q)
	if d.metrics != nil {
		d.metrics.QueueDepth.Inc()
	}

	payload := map[string]any{"request_id": requestID, "body": body, "stream": stream}
	if err := d.sender.Send(active, payload); err != nil {
		d.sender.UnregisterQueue(requestID)
		return nil, err
	}

	chunks := make(chan *internaldialect.Chunk, queueCapacity)
	done := make(chan Outcome, 1)

	go d.drain(ctx, requestID, active, q, chunks, done)

	return &Result{RequestID: requestID, Chunks: chunks, Done: done}, nil
}

// awaitNotBusy implements the busy-delay-retry clause: if a rotation switch
// is in progress, wait briefly and retry a bounded number of times before
// surfacing Busy.
func (d *Dispatcher) awaitNotBusy(ctx context.Context) error {
	for i := 0; i < busyRetryAttempts; i++ {
		if !d.rotation.IsBusy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(busyRetryDelay):
		}
	}
	if d.rotation.IsBusy() {
		return apperr.New(apperr.KindBusy, "system is busy switching accounts")
	}
	return nil
}

// drain consumes q until a terminal event or ctx cancellation, translating
// chunk events into internaldialect.Chunk and tracking the state machine's
// at-most-once terminal transition.
func (d *Dispatcher) drain(ctx context.Context, requestID string, activeIndex int, q *queue.Queue, chunks chan<- *internaldialect.Chunk, done chan<- Outcome) {
	defer close(chunks)
	defer d.sender.UnregisterQueue(requestID)
	if d.metrics != nil {
		defer d.metrics.QueueDepth.Dec()
	}

	state := StateDispatched
	var headers map[string]string
	var statusCode int
	gotTerminal := false

	firstDeadline, cancelFirst := context.WithTimeout(ctx, firstEventTimeout)
	defer cancelFirst()

	finish := func(outcome Outcome) {
		if gotTerminal {
			return
		}
		gotTerminal = true
		failed := outcome.State == StateErrored || (outcome.StatusCode != 0 && d.immediateSwitch != nil && d.immediateSwitch(outcome.StatusCode))
		done <- outcome
		close(done)
		// PostRequestUpdate can run a full rotation switch (slow init path,
		// up to NavigationTimeout+InitTimeout) when a use/failure threshold or
		// immediate-switch status code is hit. It only needs to complete
		// before the *next* request is dispatched, not before this request's
		// response is relayed, so it runs detached from the response path.
		go func() {
			if err := d.rotation.PostRequestUpdate(context.Background(), outcome.StatusCode, failed); err != nil {
				d.log.Warn("post-request rotation update failed", zap.String("request_id", requestID), zap.Error(err))
			}
		}()
	}

	for {
		waitCtx := ctx
		if state == StateDispatched {
			waitCtx = firstDeadline
		}

		ev, err := q.Dequeue(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				finish(Outcome{State: StateClientGone, Err: ctx.Err()})
				return
			}
			// First-event timeout: the endpoint never answered.
			finish(Outcome{State: StateErrored, StatusCode: apperr.KindUpstreamUnavailable.HTTPStatus(),
				Err: apperr.New(apperr.KindUpstreamUnavailable, "timed out waiting for first event from account %d", activeIndex)})
			return
		}

		switch ev.Type {
		case queue.EventHeaders:
			if state == StateDispatched {
				state = StateHeadersSeen
				headers = ev.Headers
				statusCode = parseStatusCode(headers)
			}
		case queue.EventChunk:
			if state == StateHeadersSeen {
				state = StateStreaming
			}
			var c internaldialect.Chunk
			if jsonErr := json.Unmarshal(ev.Chunk, &c); jsonErr != nil {
				d.log.Warn("dropping malformed chunk", zap.String("request_id", requestID), zap.Error(jsonErr))
				continue
			}
			select {
			case chunks <- &c:
			case <-ctx.Done():
				finish(Outcome{State: StateClientGone, Err: ctx.Err()})
				return
			}
		case queue.EventErr:
			finish(Outcome{State: StateErrored, StatusCode: classifyErrStatus(ev.Err), Headers: headers, Err: ev.Err})
			return
		case queue.EventStreamEnd:
			finish(Outcome{State: StateComplete, StatusCode: orDefault(statusCode, 200), Headers: headers})
			return
		}
	}
}

func parseStatusCode(headers map[string]string) int {
	if headers == nil {
		return 0
	}
	if v, ok := headers["status"]; ok {
		n := 0
		for _, c := range v {
			if c < '0' || c > '9' {
				return 0
			}
			n = n*10 + int(c-'0')
		}
		return n
	}
	return 0
}

func classifyErrStatus(err error) int {
	if ae, ok := err.(*apperr.Error); ok {
		return ae.Kind.HTTPStatus()
	}
	return apperr.KindInternal.HTTPStatus()
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func newRequestID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
