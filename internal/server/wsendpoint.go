package server

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aistudio-proxy/aistudio-proxy/internal/registry"
)

// wsUpgrader is the internal duplex channel's websocket upgrader. Origin
// checking mirrors the teacher's metrics dashboard upgrader: a request with
// no Origin header, or an origin starting with http(s)://localhost or
// http(s)://127.0.0.1, is allowed; there is no same-origin comparison, and
// everything else is rejected, since this channel is
// opened by a page the server itself navigated, never by a third-party site.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		allowed := []string{"http://127.0.0.1", "http://localhost", "https://127.0.0.1", "https://localhost"}
		for _, a := range allowed {
			if len(origin) >= len(a) && origin[:len(a)] == a {
				return true
			}
		}
		return false
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsEndpoint implements registry.Endpoint over one gorilla websocket
// connection: the registry's single consumer reads through the
// message/close handler callbacks it installs, and writes go through a
// buffered channel drained by one dedicated writer goroutine, the same
// split the teacher's MetricsHub used for its broadcast connections.
type wsEndpoint struct {
	index int
	conn  *websocket.Conn

	mu      sync.Mutex
	state   registry.EndpointState
	outbox  chan any
	onMsg   func([]byte)
	onClose func(string)
	doneCh  chan struct{}
}

func newWSEndpoint(index int, conn *websocket.Conn) *wsEndpoint {
	e := &wsEndpoint{
		index:  index,
		conn:   conn,
		state:  registry.StateOpen,
		outbox: make(chan any, 64),
		doneCh: make(chan struct{}),
	}
	go e.writeLoop()
	return e
}

func (e *wsEndpoint) Index() int                     { return e.index }
func (e *wsEndpoint) State() registry.EndpointState  { return e.state }
func (e *wsEndpoint) SetMessageHandler(f func([]byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMsg = f
}
func (e *wsEndpoint) SetCloseHandler(f func(string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = f
}

func (e *wsEndpoint) Send(v any) error {
	select {
	case e.outbox <- v:
		return nil
	case <-e.doneCh:
		return websocket.ErrCloseSent
	}
}

func (e *wsEndpoint) Close(reason string) error {
	e.mu.Lock()
	if e.state == registry.StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = registry.StateClosed
	e.mu.Unlock()
	close(e.doneCh)
	return e.conn.Close()
}

func (e *wsEndpoint) writeLoop() {
	for {
		select {
		case v := <-e.outbox:
			if err := e.conn.WriteJSON(v); err != nil {
				return
			}
		case <-e.doneCh:
			return
		}
	}
}

// readLoop blocks reading frames until the connection errors or closes,
// dispatching each to the registry-installed message handler and finally
// the close handler. Run on its own goroutine per connection.
func (e *wsEndpoint) readLoop() {
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			break
		}
		e.mu.Lock()
		h := e.onMsg
		e.mu.Unlock()
		if h != nil {
			h(data)
		}
	}

	e.mu.Lock()
	alreadyClosed := e.state == registry.StateClosed
	e.state = registry.StateClosed
	closeHandler := e.onClose
	e.mu.Unlock()

	if !alreadyClosed {
		select {
		case <-e.doneCh:
		default:
			close(e.doneCh)
		}
	}
	if closeHandler != nil {
		closeHandler("connection closed")
	}
}

// handleChannelUpgrade accepts the in-page client's duplex channel
// connection at GET /internal/channel?account_index=N and hands it to the
// connection registry.
func (s *Server) handleChannelUpgrade(c *gin.Context) {
	idx, err := strconv.Atoi(c.Query("account_index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "account_index is required", "code": "invalid_input"}})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	ep := newWSEndpoint(idx, conn)
	if err := s.registry.Accept(ep); err != nil {
		s.log.Warn("rejected internal channel upgrade", zap.Int("account_index", idx), zap.Error(err))
		conn.Close()
		return
	}
	go ep.readLoop()
}
