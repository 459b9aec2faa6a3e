package gossip

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSRelayServer is a reference multi-process backing for Transport: bridge
// operators connect to it over a websocket and it rebroadcasts every
// BridgeMessage it receives to every other connected operator, playing the
// same role InMemoryTransport plays within one process.
type WSRelayServer struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*wsRelayConn]struct{}
}

type wsRelayConn struct {
	ws   *websocket.Conn
	send chan []byte
}

// NewWSRelayServer creates an empty relay hub, ready to be mounted as an
// http.Handler on some path (e.g. "/gossip").
func NewWSRelayServer() *WSRelayServer {
	return &WSRelayServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsRelayConn]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket and relays messages to/from
// it for as long as the connection stays open.
func (s *WSRelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsRelayConn{ws: ws, send: make(chan []byte, 256)}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go s.writePump(c)
	s.readPump(c)
}

// readPump relays every message c sends to every other connected peer. It
// returns (closing c) when the connection errors or is closed by the peer.
func (s *WSRelayServer) readPump(c *wsRelayConn) {
	defer s.removeConn(c)
	defer c.ws.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		s.broadcast(data, c)
	}
}

// writePump drains c.send to the underlying websocket. Exits (and the
// caller's readPump tears the connection down) once send is closed.
func (s *WSRelayServer) writePump(c *wsRelayConn) {
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
}

func (s *WSRelayServer) removeConn(c *wsRelayConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	close(c.send)
}

// broadcast fans data out to every peer but except, dropping it for any
// peer whose send buffer is full rather than blocking the others (mirrors
// InMemoryTransport.Broadcast's drop-if-full policy).
func (s *WSRelayServer) broadcast(data []byte, except *wsRelayConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if c == except {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

// ConnectionCount reports how many operators are currently connected.
func (s *WSRelayServer) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// WSRelayClient implements Transport by dialing a WSRelayServer. Every
// Broadcast is borsh-encoded and written to the relay connection; every
// message the relay forwards back is decoded and dispatched to whichever
// local Subscribe channels match its Scope.
type WSRelayClient struct {
	ws *websocket.Conn

	mu   sync.Mutex
	subs map[Scope][]chan *BridgeMessage

	done chan struct{}
}

// DialWSRelay connects to a WSRelayServer at url (a "ws://" or "wss://"
// address) and starts its background read loop.
func DialWSRelay(url string) (*WSRelayClient, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("gossip: dialing relay %s: %w", url, err)
	}
	c := &WSRelayClient{
		ws:   ws,
		subs: make(map[Scope][]chan *BridgeMessage),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Broadcast implements Transport: it writes msg to the relay and, matching
// InMemoryTransport's documented semantics, also dispatches it to this
// client's own matching subscribers immediately.
func (c *WSRelayClient) Broadcast(msg *BridgeMessage) error {
	raw, err := msg.Marshal()
	if err != nil {
		return err
	}

	c.mu.Lock()
	writeErr := c.ws.WriteMessage(websocket.BinaryMessage, raw)
	c.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("gossip: writing to relay: %w", writeErr)
	}

	c.dispatch(msg)
	return nil
}

// Subscribe implements Transport.
func (c *WSRelayClient) Subscribe(scope Scope) (<-chan *BridgeMessage, func()) {
	ch := make(chan *BridgeMessage, 64)

	c.mu.Lock()
	c.subs[scope] = append(c.subs[scope], ch)
	c.mu.Unlock()

	once := sync.Once{}
	unsubscribe := func() {
		once.Do(func() {
			c.mu.Lock()
			chans := c.subs[scope]
			for i, ex := range chans {
				if ex == ch {
					c.subs[scope] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			c.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// readLoop decodes every relayed message and dispatches it to matching
// local subscribers until the connection errors or is closed.
func (c *WSRelayClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := UnmarshalBridgeMessage(data)
		if err != nil {
			continue
		}
		c.dispatch(msg)
	}
}

func (c *WSRelayClient) dispatch(msg *BridgeMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs[msg.Scope] {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Done returns a channel closed once the client's read loop has exited
// (connection closed locally or by the relay).
func (c *WSRelayClient) Done() <-chan struct{} { return c.done }

// Close closes the underlying websocket connection.
func (c *WSRelayClient) Close() error {
	return c.ws.Close()
}

var _ Transport = (*WSRelayClient)(nil)
