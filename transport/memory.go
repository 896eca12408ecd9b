package transport

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/onetoone/dispatch"
	"github.com/opd-ai/onetoone/peer"
)

type pairKey struct {
	a, b peer.ID
}

func makePair(x, y peer.ID) pairKey {
	if y < x {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

type directedKey struct {
	from, to peer.ID
}

type pendingInvite struct {
	id       uuid.UUID
	from, to peer.ID
}

// Network is an in-process fabric connecting Memory transports. All peers are
// in range of each other until SetInRange says otherwise.
type Network struct {
	mu         sync.Mutex
	nodes      map[peer.ID]*Memory
	outOfRange map[pairKey]bool
	sessions   map[pairKey]bool
	invites    map[uuid.UUID]pendingInvite
	sendErrors map[directedKey]error
}

// NewNetwork creates an empty fabric.
func NewNetwork() *Network {
	return &Network{
		nodes:      make(map[peer.ID]*Memory),
		outOfRange: make(map[pairKey]bool),
		sessions:   make(map[pairKey]bool),
		invites:    make(map[uuid.UUID]pendingInvite),
		sendErrors: make(map[directedKey]error),
	}
}

// Join attaches a new transport with the given identity. Joining an identity
// that is already attached replaces the previous transport, which is closed.
func (n *Network) Join(id peer.ID) *Memory {
	n.mu.Lock()
	old := n.nodes[id]
	n.mu.Unlock()
	if old != nil {
		old.Close()
	}

	m := &Memory{
		id:     id,
		net:    n,
		seen:   make(map[peer.ID]bool),
		events: dispatch.NewQueue("memory:" + string(id)),
	}

	n.mu.Lock()
	n.nodes[id] = m
	n.refreshLocked()
	n.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Network.Join",
		"peer":     id,
	}).Debug("Transport joined memory network")

	return m
}

// SetInRange controls mutual visibility of two peers. Taking peers out of range
// tears down their session and reports them lost to each other.
func (n *Network) SetInRange(x, y peer.ID, inRange bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := makePair(x, y)
	if inRange {
		delete(n.outOfRange, key)
	} else {
		n.outOfRange[key] = true
		n.dropSessionLocked(x, y)
	}
	n.refreshLocked()

	logrus.WithFields(logrus.Fields{
		"function": "Network.SetInRange",
		"peer_a":   x,
		"peer_b":   y,
		"in_range": inRange,
	}).Debug("Updated peer range")
}

// FailSends makes every Send from one peer to another return err. A nil err
// clears the injected failure.
func (n *Network) FailSends(from, to peer.ID, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := directedKey{from: from, to: to}
	if err == nil {
		delete(n.sendErrors, key)
		return
	}
	n.sendErrors[key] = err
}

// Connected reports whether x and y have an established session.
func (n *Network) Connected(x, y peer.ID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[makePair(x, y)]
}

// visibleLocked reports whether from, while browsing, can see to.
func (n *Network) visibleLocked(from, to *Memory) bool {
	if from == to || from.closed || to.closed {
		return false
	}
	if from.browsing == "" || to.advertising != from.browsing {
		return false
	}
	return !n.outOfRange[makePair(from.id, to.id)]
}

// refreshLocked diffs every browser's view against the fabric and emits
// PeerFound and PeerLost accordingly.
func (n *Network) refreshLocked() {
	for _, m := range n.sortedNodesLocked() {
		for id := range m.seen {
			if n.nodes[id] == nil {
				delete(m.seen, id)
				m.emit(PeerLost{ID: id})
			}
		}
		for _, other := range n.sortedNodesLocked() {
			visible := n.visibleLocked(m, other)
			seen := m.seen[other.id]
			switch {
			case visible && !seen:
				m.seen[other.id] = true
				m.emit(PeerFound{ID: other.id})
			case !visible && seen:
				delete(m.seen, other.id)
				if !n.sessions[makePair(m.id, other.id)] {
					m.emit(PeerLost{ID: other.id})
				}
			}
		}
	}
}

func (n *Network) sortedNodesLocked() []*Memory {
	nodes := make([]*Memory, 0, len(n.nodes))
	for _, m := range n.nodes {
		nodes = append(nodes, m)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].id < nodes[j].id })
	return nodes
}

// dropSessionLocked removes any session or pending invitation between x and y
// and reports NotConnected to each side that had one.
func (n *Network) dropSessionLocked(x, y peer.ID) bool {
	key := makePair(x, y)
	notify := n.sessions[key]
	delete(n.sessions, key)

	for id, inv := range n.invites {
		if makePair(inv.from, inv.to) == key {
			delete(n.invites, id)
			notify = true
		}
	}
	if !notify {
		return false
	}

	for _, id := range []peer.ID{x, y} {
		other := y
		if id == y {
			other = x
		}
		if m := n.nodes[id]; m != nil {
			m.emit(SessionStateChanged{ID: other, State: NotConnected})
		}
	}
	return true
}

// Memory is a Transport attached to a Network.
type Memory struct {
	id  peer.ID
	net *Network

	// guarded by net.mu
	handler     Handler
	advertising string
	browsing    string
	seen        map[peer.ID]bool
	closed      bool
	sendCalls   int
	inviteCalls int

	events *dispatch.Queue
}

var _ Transport = (*Memory)(nil)

// emit queues ev for ordered delivery to the handler installed now. Callers
// hold net.mu.
func (m *Memory) emit(ev Event) {
	h := m.handler
	if m.closed || h == nil {
		return
	}
	m.events.Post(func() {
		m.net.mu.Lock()
		closed := m.closed
		m.net.mu.Unlock()
		if !closed {
			h(ev)
		}
	})
}

// LocalID implements Transport.
func (m *Memory) LocalID() peer.ID { return m.id }

// SetHandler implements Transport. Queued events keep their original handler.
func (m *Memory) SetHandler(h Handler) {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	m.handler = h
}

// StartAdvertising implements Transport.
func (m *Memory) StartAdvertising(serviceKey string) error {
	if serviceKey == "" {
		return fmt.Errorf("start advertising: empty service key")
	}
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.advertising = serviceKey
	m.net.refreshLocked()
	return nil
}

// StopAdvertising implements Transport.
func (m *Memory) StopAdvertising() error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.advertising = ""
	m.net.refreshLocked()
	return nil
}

// StartBrowsing implements Transport.
func (m *Memory) StartBrowsing(serviceKey string) error {
	if serviceKey == "" {
		return fmt.Errorf("start browsing: empty service key")
	}
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.browsing = serviceKey
	m.seen = make(map[peer.ID]bool)
	m.net.refreshLocked()
	return nil
}

// StopBrowsing implements Transport.
func (m *Memory) StopBrowsing() error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.browsing = ""
	m.seen = make(map[peer.ID]bool)
	return nil
}

// Invite implements Transport. The invitee receives InviteReceived.
func (m *Memory) Invite(id peer.ID) error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.inviteCalls++

	target := m.net.nodes[id]
	if target == nil || !m.seen[id] {
		return fmt.Errorf("invite %s: %w", id.Short(), ErrUnknownPeer)
	}

	inv := pendingInvite{id: uuid.New(), from: m.id, to: id}
	m.net.invites[inv.id] = inv
	target.emit(InviteReceived{Invitation: Invitation{ID: inv.id, From: m.id}})

	logrus.WithFields(logrus.Fields{
		"function":   "Memory.Invite",
		"peer":       m.id,
		"invitee":    id,
		"invitation": inv.id,
	}).Debug("Sent invitation")
	return nil
}

// Respond implements Transport. Accepting reports Connecting then Connected to
// both sides; rejecting reports NotConnected to the inviter.
func (m *Memory) Respond(inv Invitation, accept bool) error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.advertising == "" {
		return ErrNotAdvertising
	}

	pending, ok := m.net.invites[inv.ID]
	if !ok || pending.to != m.id {
		return fmt.Errorf("respond to %s: %w", inv.From.Short(), ErrNoSession)
	}
	delete(m.net.invites, inv.ID)

	inviter := m.net.nodes[pending.from]
	if inviter == nil || inviter.closed {
		return fmt.Errorf("respond to %s: %w", inv.From.Short(), ErrNoSession)
	}

	if !accept {
		inviter.emit(SessionStateChanged{ID: m.id, State: NotConnected})
		return nil
	}

	m.net.sessions[makePair(m.id, inviter.id)] = true
	for _, state := range []SessionState{Connecting, Connected} {
		inviter.emit(SessionStateChanged{ID: m.id, State: state})
		m.emit(SessionStateChanged{ID: inviter.id, State: state})
	}
	return nil
}

// Send implements Transport.
func (m *Memory) Send(id peer.ID, data []byte) error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.sendCalls++

	if err := m.net.sendErrors[directedKey{from: m.id, to: id}]; err != nil {
		return err
	}
	target := m.net.nodes[id]
	if target == nil || !m.net.sessions[makePair(m.id, id)] {
		return fmt.Errorf("send to %s: %w", id.Short(), ErrNoSession)
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	target.emit(DataReceived{ID: m.id, Data: payload})
	return nil
}

// CancelInvite implements Transport. A later answer to the withdrawn
// invitation fails with ErrNoSession and reports nothing.
func (m *Memory) CancelInvite(id peer.ID) error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for invID, inv := range m.net.invites {
		if inv.from == m.id && inv.to == id {
			delete(m.net.invites, invID)
			logrus.WithFields(logrus.Fields{
				"function":   "Memory.CancelInvite",
				"peer":       m.id,
				"invitee":    id,
				"invitation": invID,
			}).Debug("Withdrew invitation")
		}
	}
	return nil
}

// Disconnect implements Transport.
func (m *Memory) Disconnect(id peer.ID) error {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.net.dropSessionLocked(m.id, id) {
		m.net.refreshLocked()
	}
	return nil
}

// Close implements Transport.
func (m *Memory) Close() error {
	m.net.mu.Lock()
	if m.closed {
		m.net.mu.Unlock()
		return nil
	}
	for _, other := range m.net.sortedNodesLocked() {
		if other != m {
			m.net.dropSessionLocked(m.id, other.id)
		}
	}
	m.closed = true
	m.advertising = ""
	m.browsing = ""
	if m.net.nodes[m.id] == m {
		delete(m.net.nodes, m.id)
	}
	m.net.refreshLocked()
	m.net.mu.Unlock()

	m.events.Close()
	return nil
}

// Inject delivers ev to this transport's handler as if the transport had
// produced it.
func (m *Memory) Inject(ev Event) {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	m.emit(ev)
}

// SendCalls reports how many times Send was called.
func (m *Memory) SendCalls() int {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	return m.sendCalls
}

// InviteCalls reports how many times Invite was called.
func (m *Memory) InviteCalls() int {
	m.net.mu.Lock()
	defer m.net.mu.Unlock()
	return m.inviteCalls
}

// Sync blocks until every event queued so far has been delivered.
func (m *Memory) Sync() {
	done := make(chan struct{})
	m.events.Post(func() { close(done) })
	select {
	case <-done:
	case <-m.events.Done():
	}
}
