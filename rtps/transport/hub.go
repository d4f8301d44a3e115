package transport

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/liamstask/go-rtps/rtps"
)

// DropFunc decides whether the hub loses a message sent by node from to
// locator to.
type DropFunc func(from uint32, to rtps.Locator, b []byte) bool

// Hub is an in-process network. Each node gets its own transport; unicast
// locators carry the node id and multicast locators use node 0. Messages
// are delivered asynchronously, one goroutine per input channel, and can
// be dropped, partitioned away or reordered for testing.
type Hub struct {
	mu         sync.Mutex
	channels   map[rtps.Locator][]*hubChannel
	drop       DropFunc
	partitions map[[2]uint32]bool
	reorder    bool
}

func NewHub() *Hub {
	return &Hub{
		channels:   make(map[rtps.Locator][]*hubChannel),
		partitions: make(map[[2]uint32]bool),
	}
}

// Transport returns the transport of node. Node 0 is reserved for
// multicast.
func (h *Hub) Transport(node uint32) *HubTransport {
	if node == 0 {
		panic("hub: node 0 is the multicast address")
	}
	return &HubTransport{hub: h, node: node}
}

func (h *Hub) SetDropFunc(fn DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = fn
}

// Partition cuts traffic between nodes a and b in both directions.
func (h *Hub) Partition(a, b uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitions[pairKey(a, b)] = true
}

func (h *Hub) Heal(a, b uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.partitions, pairKey(a, b))
}

// SetReorder makes every channel swap the next two queued messages.
func (h *Hub) SetReorder(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reorder = on
}

func pairKey(a, b uint32) [2]uint32 {
	if a > b {
		a, b = b, a
	}
	return [2]uint32{a, b}
}

func (h *Hub) send(from uint32, b []byte, loc rtps.Locator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.drop != nil && h.drop(from, loc, b) {
		return
	}
	for _, ch := range h.channels[loc] {
		if ch.node != from && h.partitions[pairKey(from, ch.node)] {
			continue
		}
		ch.push(append([]byte(nil), b...), h.reorder)
	}
}

func (h *Hub) open(ch *hubChannel) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, other := range h.channels[ch.loc] {
		if !isHubMulticast(ch.loc) || other.node == ch.node {
			return fmt.Errorf("%v: %w", ch.loc, ErrAddressInUse)
		}
	}
	h.channels[ch.loc] = append(h.channels[ch.loc], ch)
	return nil
}

func (h *Hub) remove(ch *hubChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	chans := h.channels[ch.loc]
	for i, c := range chans {
		if c == ch {
			h.channels[ch.loc] = append(chans[:i:i], chans[i+1:]...)
			break
		}
	}
	if len(h.channels[ch.loc]) == 0 {
		delete(h.channels, ch.loc)
	}
}

func isHubMulticast(loc rtps.Locator) bool {
	return binary.BigEndian.Uint32(loc.Address[12:]) == 0
}

// HubTransport is one node's view of a Hub.
type HubTransport struct {
	hub  *Hub
	node uint32

	mu     sync.Mutex
	chans  []*hubChannel
	closed bool
}

func (t *HubTransport) Kind() int32 {
	return rtps.LOCATOR_KIND_MEMORY
}

func (t *HubTransport) Node() uint32 {
	return t.node
}

func (t *HubTransport) UnicastLocator(port uint32) rtps.Locator {
	return rtps.NewMemoryLocator(t.node, port)
}

func (t *HubTransport) MulticastLocator(port uint32) rtps.Locator {
	return rtps.NewMemoryLocator(0, port)
}

func (t *HubTransport) OpenInputChannel(loc rtps.Locator, fn ReceiveFunc) error {
	if loc.Kind != rtps.LOCATOR_KIND_MEMORY {
		return fmt.Errorf("%v: %w", loc, ErrUnsupported)
	}
	if !isHubMulticast(loc) && binary.BigEndian.Uint32(loc.Address[12:]) != t.node {
		return fmt.Errorf("%v is not an address of node %d: %w", loc, t.node, ErrUnsupported)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	ch := newHubChannel(t.node, loc, fn)
	if err := t.hub.open(ch); err != nil {
		return err
	}
	t.chans = append(t.chans, ch)
	go ch.run()
	return nil
}

func (t *HubTransport) Send(b []byte, loc rtps.Locator) error {
	if loc.Kind != rtps.LOCATOR_KIND_MEMORY {
		return fmt.Errorf("%v: %w", loc, ErrUnsupported)
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	t.hub.send(t.node, b, loc)
	return nil
}

// Close removes the node's channels and waits for their delivery
// goroutines to finish.
func (t *HubTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	chans := t.chans
	t.chans = nil
	t.mu.Unlock()

	for _, ch := range chans {
		t.hub.remove(ch)
		ch.stop()
	}
	return nil
}

type hubChannel struct {
	node uint32
	loc  rtps.Locator
	fn   ReceiveFunc

	mu    sync.Mutex
	queue [][]byte
	wake  chan struct{}
	quit  chan struct{}
	done  chan struct{}
}

func newHubChannel(node uint32, loc rtps.Locator, fn ReceiveFunc) *hubChannel {
	return &hubChannel{
		node: node,
		loc:  loc,
		fn:   fn,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (ch *hubChannel) push(b []byte, reorder bool) {
	ch.mu.Lock()
	ch.queue = append(ch.queue, b)
	if reorder && len(ch.queue) > 1 {
		n := len(ch.queue)
		ch.queue[n-1], ch.queue[n-2] = ch.queue[n-2], ch.queue[n-1]
	}
	ch.mu.Unlock()
	select {
	case ch.wake <- struct{}{}:
	default:
	}
}

func (ch *hubChannel) pop() ([]byte, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.queue) == 0 {
		return nil, false
	}
	b := ch.queue[0]
	ch.queue[0] = nil
	ch.queue = ch.queue[1:]
	return b, true
}

func (ch *hubChannel) run() {
	defer close(ch.done)
	for {
		select {
		case <-ch.quit:
			return
		case <-ch.wake:
		}
		for {
			b, ok := ch.pop()
			if !ok {
				break
			}
			select {
			case <-ch.quit:
				return
			default:
			}
			ch.fn(b)
		}
	}
}

func (ch *hubChannel) stop() {
	close(ch.quit)
	<-ch.done
}
