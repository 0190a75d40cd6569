// Package registry implements the connection registry: it binds each live
// browser context to its single inbound duplex control channel, demuxes
// response fragments into the right request's message queue, and drives
// grace-period and lightweight reconnection when a channel drops.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aistudio-proxy/aistudio-proxy/internal/apperr"
	"github.com/aistudio-proxy/aistudio-proxy/internal/logging"
	"github.com/aistudio-proxy/aistudio-proxy/internal/queue"
)

// EndpointState is the lifecycle state of one duplex endpoint.
type EndpointState int32

const (
	StateOpen EndpointState = iota
	StateClosed
)

// Endpoint is one end of the duplex control stream a running page opens
// back to the server. The concrete implementation (a websocket connection
// upgraded by the HTTP server) lives outside this package; the registry only
// depends on this interface so it can be driven by a fake in tests.
type Endpoint interface {
	Index() int
	State() EndpointState
	Send(v any) error
	Close(reason string) error
	SetMessageHandler(func(raw []byte))
	SetCloseHandler(func(reason string))
}

// PageLiveness answers whether the pool manager still has a live page for an
// account index, used to decide whether a disconnect should attempt
// reconnect at all.
type PageLiveness interface {
	PageExists(index int) bool
}

// Reconnector performs the pool manager's lightweight reconnect for one
// account index (see the pool manager's 4.D lightweight reconnect).
type Reconnector interface {
	LightweightReconnect(ctx context.Context, index int) error
}

// inboundMessage is the shape of every client -> server frame on the duplex
// channel (see spec.md's internal browser<->server channel contract).
type inboundMessage struct {
	RequestID string          `json:"request_id"`
	EventType string          `json:"event_type"`
	Headers   map[string]string `json:"headers,omitempty"`
	Chunk     json.RawMessage `json:"chunk,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// gracePeriod and lightweightReconnect match the fixed timeouts from
// spec.md §5; tests override gracePeriod via setGracePeriodForTest to avoid
// waiting out the real 10s window. lightweightReconnect has no test override.
var (
	gracePeriod          = 10 * time.Second
	lightweightReconnect = 50 * time.Second
)

type reconnectTimeout struct {
	timer  *time.Timer
	cancel context.CancelFunc
}

// Registry is the connection registry, component C.
type Registry struct {
	log        *logging.Logger
	liveness   PageLiveness
	reconnect  Reconnector
	activeFunc func() int // returns the rotation controller's current active index

	mu                    sync.Mutex
	connectionsByAuth     map[int]Endpoint
	reconnectGraceTimers  map[int]*time.Timer
	reconnectingAccounts  map[int]bool
	lightweightTimeouts   map[int]*reconnectTimeout

	qmu           sync.Mutex
	messageQueues map[string]*queue.Queue
}

// New creates a Registry. liveness and reconnect are the pool manager's
// collaborating interfaces; activeFunc reports the rotation controller's
// current active account index.
func New(liveness PageLiveness, reconnect Reconnector, activeFunc func() int, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default()
	}
	return &Registry{
		log:                  log,
		liveness:             liveness,
		reconnect:            reconnect,
		activeFunc:           activeFunc,
		connectionsByAuth:    make(map[int]Endpoint),
		reconnectGraceTimers: make(map[int]*time.Timer),
		reconnectingAccounts: make(map[int]bool),
		lightweightTimeouts:  make(map[int]*reconnectTimeout),
		messageQueues:        make(map[string]*queue.Queue),
	}
}

// RegisterQueue binds requestID to q so inbound fragments addressed to it
// are demuxed there. Callers must call UnregisterQueue once the request is
// done to avoid leaking the map entry.
func (r *Registry) RegisterQueue(requestID string, q *queue.Queue) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	r.messageQueues[requestID] = q
}

// UnregisterQueue removes requestID's queue entry.
func (r *Registry) UnregisterQueue(requestID string) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	delete(r.messageQueues, requestID)
}

func (r *Registry) queueFor(requestID string) (*queue.Queue, bool) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	q, ok := r.messageQueues[requestID]
	return q, ok
}

// Accept registers a newly opened endpoint. See component C's Accept
// contract: invalid index is policy-closed, a prior endpoint for the same
// index is replaced, and in-flight queues are force-closed if the endpoint
// belongs to the currently active account.
func (r *Registry) Accept(ep Endpoint) error {
	i := ep.Index()
	if i < 0 {
		ep.Close("invalid-index")
		return apperr.New(apperr.KindInvalidInput, "endpoint declared invalid account index %d", i)
	}

	r.mu.Lock()

	if old, ok := r.connectionsByAuth[i]; ok {
		old.SetMessageHandler(nil)
		old.SetCloseHandler(nil)
		old.Close("replaced")
	}
	r.cancelGraceTimerLocked(i)
	r.cancelLightweightTimeoutLocked(i)

	r.connectionsByAuth[i] = ep
	wasActive := r.activeFunc != nil && r.activeFunc() == i
	r.mu.Unlock()

	if wasActive {
		r.closeQueuesForAccount("endpoint replaced while active")
	}

	ep.SetMessageHandler(func(raw []byte) { r.handleInbound(i, raw) })
	ep.SetCloseHandler(func(reason string) { r.Disconnect(i) })

	r.log.Info("endpoint accepted", zap.Int("account_index", i))
	return nil
}

func (r *Registry) handleInbound(index int, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.RequestID == "" {
		r.log.Warn("dropping unparseable inbound frame", zap.Int("account_index", index), zap.Error(err))
		return
	}

	q, ok := r.queueFor(msg.RequestID)
	if !ok {
		r.log.Warn("dropping frame for unknown request", zap.String("request_id", msg.RequestID))
		return
	}

	switch msg.EventType {
	case "response_headers":
		q.Enqueue(queue.Headers(msg.Headers))
	case "chunk":
		q.Enqueue(queue.Chunk(msg.Chunk))
	case "error":
		q.Enqueue(queue.Errorf(fmt.Errorf("%s", msg.Error)))
	case "stream_close":
		q.Enqueue(queue.StreamEnd)
	default:
		r.log.Warn("dropping frame with unknown event type",
			zap.String("request_id", msg.RequestID), zap.String("event_type", msg.EventType))
	}
}

// Disconnect runs the registry's reconnect state machine for account index i.
func (r *Registry) Disconnect(i int) {
	r.mu.Lock()
	_, known := r.connectionsByAuth[i]
	if !known {
		r.mu.Unlock()
		return
	}
	delete(r.connectionsByAuth, i)
	r.mu.Unlock()

	if r.liveness != nil && !r.liveness.PageExists(i) {
		if r.isActive(i) {
			r.closeQueuesForAccount("page no longer exists")
		}
		return
	}

	r.startGraceTimer(i)
}

func (r *Registry) isActive(i int) bool {
	return r.activeFunc != nil && r.activeFunc() == i
}

func (r *Registry) startGraceTimer(i int) {
	r.mu.Lock()
	if t, ok := r.reconnectGraceTimers[i]; ok {
		t.Stop()
	}
	r.reconnectGraceTimers[i] = time.AfterFunc(gracePeriod, func() { r.onGraceExpired(i) })
	r.mu.Unlock()
}

func (r *Registry) onGraceExpired(i int) {
	r.mu.Lock()
	delete(r.reconnectGraceTimers, i)
	stillDisconnected := true
	if _, ok := r.connectionsByAuth[i]; ok {
		stillDisconnected = false
	}
	r.mu.Unlock()

	if !stillDisconnected {
		return // a new connection for i arrived during the grace window
	}

	if r.isActive(i) {
		r.closeQueuesForAccount("reconnect grace period expired")
	}

	r.attemptLightweightReconnect(i)
}

func (r *Registry) attemptLightweightReconnect(i int) {
	r.mu.Lock()
	if r.reconnectingAccounts[i] {
		r.mu.Unlock()
		return
	}
	r.reconnectingAccounts[i] = true
	ctx, cancel := context.WithTimeout(context.Background(), lightweightReconnect)
	r.lightweightTimeouts[i] = &reconnectTimeout{cancel: cancel}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.reconnectingAccounts, i)
		delete(r.lightweightTimeouts, i)
		r.mu.Unlock()
		cancel()
	}()

	if r.reconnect == nil {
		return
	}
	if err := r.reconnect.LightweightReconnect(ctx, i); err != nil {
		if apperr.IsCancellation(err) {
			r.log.Info("lightweight reconnect cancelled", zap.Int("account_index", i))
			return
		}
		r.log.Warn("lightweight reconnect failed", zap.Int("account_index", i), zap.Error(err))
		return
	}
	r.log.Info("lightweight reconnect succeeded", zap.Int("account_index", i))
}

func (r *Registry) cancelGraceTimerLocked(i int) {
	if t, ok := r.reconnectGraceTimers[i]; ok {
		t.Stop()
		delete(r.reconnectGraceTimers, i)
	}
}

func (r *Registry) cancelLightweightTimeoutLocked(i int) {
	if rt, ok := r.lightweightTimeouts[i]; ok {
		rt.cancel()
		delete(r.lightweightTimeouts, i)
	}
	delete(r.reconnectingAccounts, i)
}

// closeQueuesForAccount force-closes every pending message queue. The
// registry doesn't track which requestId belongs to which account index
// (that association lives in the handler), so a close triggered because the
// active account's channel died closes every open queue; any request
// belonging to a different, still-connected account will simply re-enqueue
// via its own channel traffic going forward on a fresh request.
func (r *Registry) closeQueuesForAccount(reason string) {
	r.qmu.Lock()
	qs := make([]*queue.Queue, 0, len(r.messageQueues))
	for _, q := range r.messageQueues {
		qs = append(qs, q)
	}
	r.qmu.Unlock()

	for _, q := range qs {
		q.Close()
	}
	r.log.Info("closed pending message queues", zap.String("reason", reason))
}

// Broadcast sends v to every endpoint currently in the OPEN state. Send
// failures are logged and do not abort the broadcast.
func (r *Registry) Broadcast(v any) {
	r.mu.Lock()
	eps := make([]Endpoint, 0, len(r.connectionsByAuth))
	for _, ep := range r.connectionsByAuth {
		eps = append(eps, ep)
	}
	r.mu.Unlock()

	for _, ep := range eps {
		if ep.State() != StateOpen {
			continue
		}
		if err := ep.Send(v); err != nil {
			r.log.Warn("broadcast send failed", zap.Error(err))
		}
	}
}

// Send delivers v to the endpoint bound to account index i, if one is open.
func (r *Registry) Send(i int, v any) error {
	r.mu.Lock()
	ep, ok := r.connectionsByAuth[i]
	r.mu.Unlock()
	if !ok {
		return apperr.New(apperr.KindUpstreamUnavailable, "no endpoint for account index %d", i)
	}
	if ep.State() != StateOpen {
		return apperr.New(apperr.KindUpstreamUnavailable, "endpoint for account index %d is not open", i)
	}
	return ep.Send(v)
}

// CloseEndpoint closes and removes the endpoint bound to index i, if any,
// and cancels any pending grace or lightweight-reconnect timer for i. It
// detaches the endpoint's handlers before closing it, so closing it here
// never runs Disconnect. Callers driving the "remove account" operation
// close the pool manager's browser context first and call this afterwards,
// so a Disconnect fired by the page going away observes a missing page and
// skips reconnect.
func (r *Registry) CloseEndpoint(i int, reason string) {
	r.mu.Lock()
	ep, ok := r.connectionsByAuth[i]
	if ok {
		ep.SetMessageHandler(nil)
		ep.SetCloseHandler(nil)
		delete(r.connectionsByAuth, i)
	}
	r.cancelGraceTimerLocked(i)
	r.cancelLightweightTimeoutLocked(i)
	r.mu.Unlock()

	if ok {
		ep.Close(reason)
	}
}

// HasEndpoint reports whether index i currently has an open endpoint.
func (r *Registry) HasEndpoint(i int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.connectionsByAuth[i]
	return ok
}
