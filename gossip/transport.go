package gossip

import "sync"

// Transport is how a bridge operator sends and receives BridgeMessages
// to/from the rest of the operator set, independent of whatever relay
// implementation carries them. Kept narrow the same way csm's
// storage dependencies are: bridge.DutyExecutor depends on this interface,
// never on *WSRelayClient or *InMemoryTransport directly.
type Transport interface {
	// Broadcast sends msg to every other operator subscribed to msg.Scope.
	Broadcast(msg *BridgeMessage) error

	// Subscribe registers interest in scope, returning a channel that
	// receives every future BridgeMessage matching it (including ones this
	// operator itself broadcasts) and an unsubscribe func. The channel is
	// closed when unsubscribe is called.
	Subscribe(scope Scope) (<-chan *BridgeMessage, func())
}

// InMemoryTransport is a single-process Transport: every Subscribe call
// registers a channel, every Broadcast fans out to every channel whose
// scope matches. Useful for devnets/tests where operators run in one
// process; WSRelayServer does not use it and keeps its own connection table.
type InMemoryTransport struct {
	mu   sync.Mutex
	subs map[Scope][]chan *BridgeMessage
}

// NewInMemoryTransport creates an empty hub.
func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{subs: make(map[Scope][]chan *BridgeMessage)}
}

// Broadcast implements Transport, fanning out msg to every subscriber of
// msg.Scope. A slow subscriber whose channel is full has the message
// dropped for it rather than blocking every other subscriber (mirrors the
// teacher's WSHandler.BroadcastToSubscribers drop-if-full send).
func (t *InMemoryTransport) Broadcast(msg *BridgeMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range t.subs[msg.Scope] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe implements Transport.
func (t *InMemoryTransport) Subscribe(scope Scope) (<-chan *BridgeMessage, func()) {
	ch := make(chan *BridgeMessage, 64)

	t.mu.Lock()
	t.subs[scope] = append(t.subs[scope], ch)
	t.mu.Unlock()

	once := sync.Once{}
	unsubscribe := func() {
		once.Do(func() {
			t.mu.Lock()
			chans := t.subs[scope]
			for i, c := range chans {
				if c == ch {
					t.subs[scope] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			t.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}
