package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/onetoone/peer"
)

// recorder collects events delivered to a handler.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) invitation(t *testing.T) Invitation {
	t.Helper()
	for _, ev := range r.snapshot() {
		if inv, ok := ev.(InviteReceived); ok {
			return inv.Invitation
		}
	}
	t.Fatal("no invitation received")
	return Invitation{}
}

func join(t *testing.T, n *Network, id peer.ID) (*Memory, *recorder) {
	t.Helper()
	m := n.Join(id)
	rec := &recorder{}
	m.SetHandler(rec.handle)
	t.Cleanup(func() { m.Close() })
	return m, rec
}

func startBoth(t *testing.T, key string, ms ...*Memory) {
	t.Helper()
	for _, m := range ms {
		require.NoError(t, m.StartAdvertising(key))
		require.NoError(t, m.StartBrowsing(key))
	}
	for _, m := range ms {
		m.Sync()
	}
}

func TestMemoryDiscovery(t *testing.T) {
	n := NewNetwork()
	a, recA := join(t, n, "a")
	b, recB := join(t, n, "b")
	c, recC := join(t, n, "c")

	startBoth(t, "chat", a, b)
	require.NoError(t, c.StartAdvertising("other"))
	require.NoError(t, c.StartBrowsing("other"))
	c.Sync()

	assert.Equal(t, []Event{PeerFound{ID: "b"}}, recA.snapshot())
	assert.Equal(t, []Event{PeerFound{ID: "a"}}, recB.snapshot())
	assert.Empty(t, recC.snapshot())
}

func TestMemoryRebrowseReportsAgain(t *testing.T) {
	n := NewNetwork()
	a, recA := join(t, n, "a")
	b, _ := join(t, n, "b")
	startBoth(t, "chat", a, b)
	recA.reset()

	require.NoError(t, a.StopBrowsing())
	require.NoError(t, a.StartBrowsing("chat"))
	a.Sync()

	assert.Equal(t, []Event{PeerFound{ID: "b"}}, recA.snapshot())
}

func TestMemorySessionLifecycle(t *testing.T) {
	n := NewNetwork()
	a, recA := join(t, n, "a")
	b, recB := join(t, n, "b")
	startBoth(t, "chat", a, b)
	recA.reset()
	recB.reset()

	require.NoError(t, a.Invite("b"))
	b.Sync()
	inv := recB.invitation(t)
	assert.Equal(t, peer.ID("a"), inv.From)

	require.NoError(t, b.Respond(inv, true))
	a.Sync()
	b.Sync()
	assert.True(t, n.Connected("a", "b"))
	assert.Equal(t, []Event{
		SessionStateChanged{ID: "b", State: Connecting},
		SessionStateChanged{ID: "b", State: Connected},
	}, recA.snapshot())

	recB.reset()
	require.NoError(t, a.Send("b", []byte("hello")))
	b.Sync()
	assert.Equal(t, []Event{DataReceived{ID: "a", Data: []byte("hello")}}, recB.snapshot())

	recA.reset()
	recB.reset()
	require.NoError(t, a.Disconnect("b"))
	a.Sync()
	b.Sync()
	assert.False(t, n.Connected("a", "b"))
	assert.Equal(t, []Event{SessionStateChanged{ID: "b", State: NotConnected}}, recA.snapshot())
	assert.Equal(t, []Event{SessionStateChanged{ID: "a", State: NotConnected}}, recB.snapshot())

	err := a.Send("b", []byte("late"))
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, 2, a.SendCalls())
}

func TestMemoryRejectAndStaleInvitation(t *testing.T) {
	n := NewNetwork()
	a, recA := join(t, n, "a")
	b, recB := join(t, n, "b")
	startBoth(t, "chat", a, b)
	recA.reset()

	require.NoError(t, a.Invite("b"))
	b.Sync()
	inv := recB.invitation(t)

	require.NoError(t, b.Respond(inv, false))
	a.Sync()
	assert.Equal(t, []Event{SessionStateChanged{ID: "b", State: NotConnected}}, recA.snapshot())

	err := b.Respond(inv, true)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestMemoryCancelInvite(t *testing.T) {
	n := NewNetwork()
	a, recA := join(t, n, "a")
	b, recB := join(t, n, "b")
	startBoth(t, "chat", a, b)
	recA.reset()

	require.NoError(t, a.Invite("b"))
	b.Sync()
	inv := recB.invitation(t)

	require.NoError(t, a.CancelInvite("b"))
	assert.ErrorIs(t, b.Respond(inv, false), ErrNoSession)
	a.Sync()
	assert.Empty(t, recA.snapshot())

	// Nothing pending any more.
	assert.NoError(t, a.CancelInvite("b"))
}

func TestMemoryCancelInviteKeepsSession(t *testing.T) {
	n := NewNetwork()
	a, _ := join(t, n, "a")
	b, recB := join(t, n, "b")
	startBoth(t, "chat", a, b)
	require.NoError(t, a.Invite("b"))
	b.Sync()
	require.NoError(t, b.Respond(recB.invitation(t), true))

	require.NoError(t, a.CancelInvite("b"))
	assert.True(t, n.Connected("a", "b"))
}

func TestMemoryEventsKeepHandlerOfOrigin(t *testing.T) {
	n := NewNetwork()
	a := n.Join("a")
	defer a.Close()
	b := n.Join("b")
	defer b.Close()

	first, second := &recorder{}, &recorder{}
	a.SetHandler(first.handle)
	require.NoError(t, a.StartBrowsing("chat"))
	require.NoError(t, b.StartAdvertising("chat"))
	a.SetHandler(second.handle)
	a.Inject(DataReceived{ID: "b", Data: []byte{1}})
	a.Sync()

	assert.Equal(t, []Event{PeerFound{ID: "b"}}, first.snapshot())
	assert.Equal(t, []Event{DataReceived{ID: "b", Data: []byte{1}}}, second.snapshot())
}

func TestMemoryInviteUnknownPeer(t *testing.T) {
	n := NewNetwork()
	a, _ := join(t, n, "a")
	require.NoError(t, a.StartBrowsing("chat"))

	err := a.Invite("ghost")
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.Equal(t, 1, a.InviteCalls())
}

func TestMemoryOutOfRange(t *testing.T) {
	n := NewNetwork()
	a, recA := join(t, n, "a")
	b, recB := join(t, n, "b")
	startBoth(t, "chat", a, b)
	require.NoError(t, a.Invite("b"))
	b.Sync()
	require.NoError(t, b.Respond(recB.invitation(t), true))
	a.Sync()
	recA.reset()

	n.SetInRange("a", "b", false)
	a.Sync()
	assert.Equal(t, []Event{
		SessionStateChanged{ID: "b", State: NotConnected},
		PeerLost{ID: "b"},
	}, recA.snapshot())
	assert.False(t, n.Connected("a", "b"))

	recA.reset()
	n.SetInRange("a", "b", true)
	a.Sync()
	assert.Equal(t, []Event{PeerFound{ID: "b"}}, recA.snapshot())
}

func TestMemoryPeerLostSuppressedWhileConnected(t *testing.T) {
	n := NewNetwork()
	a, recA := join(t, n, "a")
	b, recB := join(t, n, "b")
	startBoth(t, "chat", a, b)
	require.NoError(t, a.Invite("b"))
	b.Sync()
	require.NoError(t, b.Respond(recB.invitation(t), true))
	a.Sync()
	recA.reset()

	require.NoError(t, b.StopAdvertising())
	a.Sync()
	assert.Empty(t, recA.snapshot())
	assert.True(t, n.Connected("a", "b"))
}

func TestMemoryFailSends(t *testing.T) {
	n := NewNetwork()
	a, _ := join(t, n, "a")
	b, recB := join(t, n, "b")
	startBoth(t, "chat", a, b)
	require.NoError(t, a.Invite("b"))
	b.Sync()
	require.NoError(t, b.Respond(recB.invitation(t), true))

	boom := errors.New("radio failure")
	n.FailSends("a", "b", boom)
	assert.ErrorIs(t, a.Send("b", []byte("x")), boom)

	n.FailSends("a", "b", nil)
	assert.NoError(t, a.Send("b", []byte("x")))
}

func TestMemoryCloseReportsLoss(t *testing.T) {
	n := NewNetwork()
	a, recA := join(t, n, "a")
	b, _ := join(t, n, "b")
	startBoth(t, "chat", a, b)
	recA.reset()

	require.NoError(t, b.Close())
	a.Sync()
	assert.Equal(t, []Event{PeerLost{ID: "b"}}, recA.snapshot())

	assert.ErrorIs(t, b.StartAdvertising("chat"), ErrClosed)
	assert.ErrorIs(t, b.Send("a", nil), ErrClosed)
	assert.NoError(t, b.Close())
}

func TestMemoryInject(t *testing.T) {
	n := NewNetwork()
	a, recA := join(t, n, "a")

	a.Inject(DataReceived{ID: "z", Data: []byte{0xff}})
	a.Sync()
	assert.Equal(t, []Event{DataReceived{ID: "z", Data: []byte{0xff}}}, recA.snapshot())
}

func TestMemoryEventsNotDeliveredInline(t *testing.T) {
	n := NewNetwork()
	a := n.Join("a")
	defer a.Close()
	b := n.Join("b")
	defer b.Close()

	var mu sync.Mutex
	delivered := false
	a.SetHandler(func(Event) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	})

	// The handler takes mu; holding it across the call proves delivery is async.
	mu.Lock()
	require.NoError(t, a.StartBrowsing("chat"))
	require.NoError(t, b.StartAdvertising("chat"))
	mu.Unlock()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered
	}, time.Second, 5*time.Millisecond)
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "NotConnected", NotConnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "SessionState(9)", SessionState(9).String())
}
