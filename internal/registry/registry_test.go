package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aistudio-proxy/aistudio-proxy/internal/queue"
)

// fakeEndpoint is an in-memory Endpoint for exercising Registry without a
// real websocket connection.
type fakeEndpoint struct {
	index int
	state int32

	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func(string)

	sent   [][]byte
	closes []string
}

func newFakeEndpoint(index int) *fakeEndpoint {
	return &fakeEndpoint{index: index, state: int32(StateOpen)}
}

func (f *fakeEndpoint) Index() int           { return f.index }
func (f *fakeEndpoint) State() EndpointState { return EndpointState(atomic.LoadInt32(&f.state)) }

func (f *fakeEndpoint) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, nil)
	return nil
}

func (f *fakeEndpoint) Close(reason string) error {
	atomic.StoreInt32(&f.state, int32(StateClosed))
	f.mu.Lock()
	f.closes = append(f.closes, reason)
	f.mu.Unlock()
	return nil
}

func (f *fakeEndpoint) SetMessageHandler(fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
}

func (f *fakeEndpoint) SetCloseHandler(fn func(string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = fn
}

func (f *fakeEndpoint) simulateClose(reason string) {
	atomic.StoreInt32(&f.state, int32(StateClosed))
	f.mu.Lock()
	onClose := f.onClose
	f.mu.Unlock()
	if onClose != nil {
		onClose(reason)
	}
}

type fakeLiveness struct {
	mu     sync.Mutex
	exists map[int]bool
}

func (f *fakeLiveness) PageExists(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists[i]
}

type fakeReconnector struct {
	calls int32
	err   error
	delay time.Duration
}

func (f *fakeReconnector) LightweightReconnect(ctx context.Context, i int) error {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func setGracePeriodForTest(t *testing.T, d time.Duration) {
	t.Helper()
	gracePeriod = d
}

func TestAcceptRejectsInvalidIndex(t *testing.T) {
	r := New(nil, nil, func() int { return -1 }, nil)
	ep := newFakeEndpoint(-1)
	if err := r.Accept(ep); err == nil {
		t.Fatal("expected error for negative index")
	}
	if ep.State() != StateClosed {
		t.Fatal("expected endpoint to be closed")
	}
}

func TestAcceptReplacesExistingEndpoint(t *testing.T) {
	r := New(nil, nil, func() int { return 0 }, nil)
	first := newFakeEndpoint(0)
	second := newFakeEndpoint(0)

	if err := r.Accept(first); err != nil {
		t.Fatalf("accept first: %v", err)
	}
	if err := r.Accept(second); err != nil {
		t.Fatalf("accept second: %v", err)
	}

	if first.State() != StateClosed {
		t.Fatal("expected first endpoint to be closed on replacement")
	}
	if len(first.closes) != 1 || first.closes[0] != "replaced" {
		t.Fatalf("expected close reason 'replaced', got %v", first.closes)
	}
	if !r.HasEndpoint(0) {
		t.Fatal("expected registry to still have an endpoint for index 0")
	}
}

func TestInboundDemuxRoutesToQueue(t *testing.T) {
	r := New(nil, nil, func() int { return 0 }, nil)
	ep := newFakeEndpoint(0)
	if err := r.Accept(ep); err != nil {
		t.Fatalf("accept: %v", err)
	}

	q := queue.New(4, nil)
	r.RegisterQueue("req-1", q)

	ep.mu.Lock()
	onMessage := ep.onMessage
	ep.mu.Unlock()
	onMessage([]byte(`{"request_id":"req-1","event_type":"chunk","chunk":"aGVsbG8="}`))
	onMessage([]byte(`{"request_id":"req-1","event_type":"stream_close"}`))

	ctx := context.Background()
	e1, _ := q.Dequeue(ctx)
	if e1.Type != queue.EventChunk {
		t.Fatalf("expected chunk event, got %+v", e1)
	}
	e2, _ := q.Dequeue(ctx)
	if e2.Type != queue.EventStreamEnd {
		t.Fatalf("expected stream end event, got %+v", e2)
	}
}

// TestGracePeriodReconnectWithReopen reproduces the first half of spec
// scenario 2: active index 3 disconnects and a reopen within the grace
// window cancels reconnection. TestGracePeriodReconnectWithoutReopen covers
// the disconnect-without-reopen half.
func TestGracePeriodReconnectWithReopen(t *testing.T) {
	origGrace := gracePeriod
	setGracePeriodForTest(t, 30*time.Millisecond)
	defer setGracePeriodForTest(t, origGrace)

	liveness := &fakeLiveness{exists: map[int]bool{3: true}}
	reconnector := &fakeReconnector{}
	r := New(liveness, reconnector, func() int { return 3 }, nil)

	ep := newFakeEndpoint(3)
	if err := r.Accept(ep); err != nil {
		t.Fatalf("accept: %v", err)
	}
	ep.simulateClose("dropped")

	// Reopen well within the grace window.
	time.Sleep(10 * time.Millisecond)
	ep2 := newFakeEndpoint(3)
	if err := r.Accept(ep2); err != nil {
		t.Fatalf("accept reopen: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&reconnector.calls) != 0 {
		t.Fatalf("expected no reconnect attempt after reopen within grace window")
	}
}

func TestGracePeriodReconnectWithoutReopen(t *testing.T) {
	setGracePeriodForTest(t, 15*time.Millisecond)
	defer setGracePeriodForTest(t, 10*time.Second)

	liveness := &fakeLiveness{exists: map[int]bool{3: true}}
	reconnector := &fakeReconnector{}
	r := New(liveness, reconnector, func() int { return 3 }, nil)

	ep := newFakeEndpoint(3)
	if err := r.Accept(ep); err != nil {
		t.Fatalf("accept: %v", err)
	}

	q := queue.New(4, nil)
	r.RegisterQueue("req-3", q)

	ep.simulateClose("dropped")

	// Wait past the grace period for reconnect to kick off.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&reconnector.calls) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&reconnector.calls) == 0 {
		t.Fatal("expected lightweight reconnect to be attempted after grace expiry")
	}

	e, _ := q.Dequeue(context.Background())
	if e.Type != queue.EventStreamEnd {
		t.Fatalf("expected queue to be force-closed at grace expiry, got %+v", e)
	}
}
