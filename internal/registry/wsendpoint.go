package registry

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// WSEndpoint adapts a gorilla/websocket connection opened by the in-page
// control client to the Endpoint interface. The HTTP upgrade itself is the
// out-of-scope "HTTP server plumbing" collaborator; this type is what that
// collaborator hands to Registry.Accept once the upgrade succeeds.
type WSEndpoint struct {
	conn  *websocket.Conn
	index int
	state int32 // atomic EndpointState

	mu          sync.Mutex
	onMessage   func([]byte)
	onClose     func(reason string)
	readStarted bool
}

// NewWSEndpoint wraps conn as an Endpoint bound to account index.
func NewWSEndpoint(conn *websocket.Conn, index int) *WSEndpoint {
	return &WSEndpoint{conn: conn, index: index, state: int32(StateOpen)}
}

func (e *WSEndpoint) Index() int { return e.index }

func (e *WSEndpoint) State() EndpointState {
	return EndpointState(atomic.LoadInt32(&e.state))
}

func (e *WSEndpoint) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

func (e *WSEndpoint) Close(reason string) error {
	if !atomic.CompareAndSwapInt32(&e.state, int32(StateOpen), int32(StateClosed)) {
		return nil
	}
	closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = e.conn.WriteMessage(websocket.CloseMessage, closeMsg)
	return e.conn.Close()
}

func (e *WSEndpoint) SetMessageHandler(fn func([]byte)) {
	e.mu.Lock()
	e.onMessage = fn
	start := !e.readStarted
	if start {
		e.readStarted = true
	}
	e.mu.Unlock()
	if start {
		go e.readPump()
	}
}

func (e *WSEndpoint) SetCloseHandler(fn func(reason string)) {
	e.mu.Lock()
	e.onClose = fn
	e.mu.Unlock()
}

func (e *WSEndpoint) readPump() {
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			atomic.StoreInt32(&e.state, int32(StateClosed))
			e.mu.Lock()
			onClose := e.onClose
			e.mu.Unlock()
			if onClose != nil {
				onClose(err.Error())
			}
			return
		}
		e.mu.Lock()
		onMessage := e.onMessage
		e.mu.Unlock()
		if onMessage != nil {
			onMessage(data)
		}
	}
}
