package lan

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/onetoone/peer"
	"github.com/opd-ai/onetoone/transport"
)

const testService = "chat"

// collector keeps every event a transport delivers.
type collector struct {
	mu     sync.Mutex
	events []transport.Event
}

func (c *collector) handle(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []transport.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Event(nil), c.events...)
}

func (c *collector) has(match func(transport.Event) bool) bool {
	for _, ev := range c.snapshot() {
		if match(ev) {
			return true
		}
	}
	return false
}

func (c *collector) states(id peer.ID) []transport.SessionState {
	var out []transport.SessionState
	for _, ev := range c.snapshot() {
		if s, ok := ev.(transport.SessionStateChanged); ok && s.ID == id {
			out = append(out, s.State)
		}
	}
	return out
}

func (c *collector) invitation() (transport.Invitation, bool) {
	for _, ev := range c.snapshot() {
		if inv, ok := ev.(transport.InviteReceived); ok {
			return inv.Invitation, true
		}
	}
	return transport.Invitation{}, false
}

func found(id peer.ID) func(transport.Event) bool {
	return func(ev transport.Event) bool {
		f, ok := ev.(transport.PeerFound)
		return ok && f.ID == id
	}
}

func lost(id peer.ID) func(transport.Event) bool {
	return func(ev transport.Event) bool {
		l, ok := ev.(transport.PeerLost)
		return ok && l.ID == id
	}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.DiscoveryPort = 0
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Broadcast = false
	cfg.BeaconInterval = 50 * time.Millisecond
	cfg.PeerTimeout = 400 * time.Millisecond
	cfg.DialTimeout = time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.InviteTimeout = 2 * time.Second
	return cfg
}

type endpoint struct {
	tr  *Transport
	rec *collector
}

func newEndpoint(t *testing.T, configure func(*Config)) *endpoint {
	t.Helper()
	logrus.SetLevel(logrus.WarnLevel)

	cfg := testConfig()
	if configure != nil {
		configure(cfg)
	}
	tr, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	rec := &collector{}
	tr.SetHandler(rec.handle)
	return &endpoint{tr: tr, rec: rec}
}

func (e *endpoint) beaconAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", e.tr.DiscoveryPort())
}

// linkedPair returns two endpoints that beacon to each other, both advertising
// and browsing testService, once each has found the other.
func linkedPair(t *testing.T) (*endpoint, *endpoint) {
	t.Helper()
	a := newEndpoint(t, func(c *Config) { c.DisplayName = "alpha" })
	b := newEndpoint(t, func(c *Config) { c.DisplayName = "bravo" })

	require.NoError(t, a.tr.AddBeaconTarget(b.beaconAddr()))
	require.NoError(t, b.tr.AddBeaconTarget(a.beaconAddr()))
	for _, e := range []*endpoint{a, b} {
		require.NoError(t, e.tr.StartBrowsing(testService))
		require.NoError(t, e.tr.StartAdvertising(testService))
	}

	require.Eventually(t, func() bool {
		return a.rec.has(found(b.tr.LocalID())) && b.rec.has(found(a.tr.LocalID()))
	}, 5*time.Second, 10*time.Millisecond, "peers never found each other")
	return a, b
}

// connect invites b from a, accepts on b and waits for both sides to connect.
func connect(t *testing.T, a, b *endpoint) {
	t.Helper()
	require.NoError(t, a.tr.Invite(b.tr.LocalID()))

	var inv transport.Invitation
	require.Eventually(t, func() bool {
		var ok bool
		inv, ok = b.rec.invitation()
		return ok
	}, 5*time.Second, 10*time.Millisecond, "invitation never arrived")
	assert.Equal(t, a.tr.LocalID(), inv.From)
	require.NoError(t, b.tr.Respond(inv, true))

	want := []transport.SessionState{transport.Connecting, transport.Connected}
	require.Eventually(t, func() bool {
		return len(a.rec.states(b.tr.LocalID())) == 2 && len(b.rec.states(a.tr.LocalID())) == 2
	}, 5*time.Second, 10*time.Millisecond, "session never connected")
	assert.Equal(t, want, a.rec.states(b.tr.LocalID()))
	assert.Equal(t, want, b.rec.states(a.tr.LocalID()))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.PeerTimeout = cfg.BeaconInterval
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestDiscoveryAndDisplayName(t *testing.T) {
	a, b := linkedPair(t)

	name, ok := a.tr.DisplayName(b.tr.LocalID())
	assert.True(t, ok)
	assert.Equal(t, "bravo", name)
	assert.Equal(t, []peer.ID{b.tr.LocalID()}, a.tr.Visible())
	assert.False(t, a.rec.has(found(a.tr.LocalID())), "a transport must not find itself")
}

func TestBrowsingIgnoresOtherServices(t *testing.T) {
	a := newEndpoint(t, nil)
	b := newEndpoint(t, nil)
	require.NoError(t, a.tr.AddBeaconTarget(b.beaconAddr()))
	require.NoError(t, a.tr.StartAdvertising("other"))
	require.NoError(t, b.tr.StartBrowsing(testService))

	time.Sleep(300 * time.Millisecond)
	assert.False(t, b.rec.has(found(a.tr.LocalID())))
}

func TestPeerLostWhenBeaconsStop(t *testing.T) {
	a, b := linkedPair(t)
	require.NoError(t, b.tr.StopAdvertising())

	require.Eventually(t, func() bool {
		return a.rec.has(lost(b.tr.LocalID()))
	}, 5*time.Second, 10*time.Millisecond, "peer never lost")
	assert.Empty(t, a.tr.Visible())
}

func TestSessionLifecycle(t *testing.T) {
	a, b := linkedPair(t)
	connect(t, a, b)

	require.NoError(t, a.tr.Send(b.tr.LocalID(), []byte("ping")))
	require.NoError(t, b.tr.Send(a.tr.LocalID(), []byte("pong")))

	received := func(c *collector, from peer.ID, payload string) func() bool {
		return func() bool {
			return c.has(func(ev transport.Event) bool {
				d, ok := ev.(transport.DataReceived)
				return ok && d.ID == from && string(d.Data) == payload
			})
		}
	}
	require.Eventually(t, received(b.rec, a.tr.LocalID(), "ping"), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, received(a.rec, b.tr.LocalID(), "pong"), 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.tr.Disconnect(b.tr.LocalID()))
	require.Eventually(t, func() bool {
		return len(a.rec.states(b.tr.LocalID())) == 3 && len(b.rec.states(a.tr.LocalID())) == 3
	}, 5*time.Second, 10*time.Millisecond, "disconnect not reported to both sides")
	assert.Equal(t, transport.NotConnected, a.rec.states(b.tr.LocalID())[2])
	assert.Equal(t, transport.NotConnected, b.rec.states(a.tr.LocalID())[2])

	err := a.tr.Send(b.tr.LocalID(), []byte("late"))
	assert.ErrorIs(t, err, transport.ErrNoSession)
}

func TestRejectedInvitation(t *testing.T) {
	a, b := linkedPair(t)
	require.NoError(t, a.tr.Invite(b.tr.LocalID()))

	var inv transport.Invitation
	require.Eventually(t, func() bool {
		var ok bool
		inv, ok = b.rec.invitation()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, b.tr.Respond(inv, false))

	require.Eventually(t, func() bool {
		states := a.rec.states(b.tr.LocalID())
		return len(states) == 1 && states[0] == transport.NotConnected
	}, 5*time.Second, 10*time.Millisecond, "rejection not reported")

	err := b.tr.Respond(inv, true)
	assert.ErrorIs(t, err, transport.ErrNoSession, "an answered invitation cannot be answered again")
}

func TestInvitationExpires(t *testing.T) {
	a := newEndpoint(t, nil)
	b := newEndpoint(t, func(c *Config) { c.InviteTimeout = 200 * time.Millisecond })
	require.NoError(t, b.tr.AddBeaconTarget(a.beaconAddr()))
	require.NoError(t, b.tr.StartAdvertising(testService))
	require.NoError(t, a.tr.StartBrowsing(testService))
	require.Eventually(t, func() bool { return a.rec.has(found(b.tr.LocalID())) },
		5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.tr.Invite(b.tr.LocalID()))
	require.Eventually(t, func() bool {
		states := a.rec.states(b.tr.LocalID())
		return len(states) == 1 && states[0] == transport.NotConnected
	}, 5*time.Second, 10*time.Millisecond, "unanswered invitation never expired")

	inv, ok := b.rec.invitation()
	require.True(t, ok)
	assert.ErrorIs(t, b.tr.Respond(inv, true), transport.ErrNoSession)
}

func TestCancelInviteIsSilent(t *testing.T) {
	a, b := linkedPair(t)
	require.NoError(t, a.tr.CancelInvite(b.tr.LocalID()))

	require.NoError(t, a.tr.Invite(b.tr.LocalID()))
	var inv transport.Invitation
	require.Eventually(t, func() bool {
		var ok bool
		inv, ok = b.rec.invitation()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.tr.CancelInvite(b.tr.LocalID()))
	b.tr.Respond(inv, false)

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, a.rec.states(b.tr.LocalID()))
	assert.ErrorIs(t, a.tr.Send(b.tr.LocalID(), []byte("x")), transport.ErrNoSession)

	// The peer can be invited again.
	assert.NoError(t, a.tr.Invite(b.tr.LocalID()))
}

func TestInviteErrors(t *testing.T) {
	a, b := linkedPair(t)

	err := a.tr.Invite(peer.ID("0000"))
	assert.ErrorIs(t, err, transport.ErrUnknownPeer)

	require.NoError(t, a.tr.Invite(b.tr.LocalID()))
	err = a.tr.Invite(b.tr.LocalID())
	assert.True(t, errors.Is(err, errSessionExists), "second invite error = %v", err)
}

func TestRespondRequiresAdvertising(t *testing.T) {
	a, b := linkedPair(t)
	require.NoError(t, a.tr.Invite(b.tr.LocalID()))

	var inv transport.Invitation
	require.Eventually(t, func() bool {
		var ok bool
		inv, ok = b.rec.invitation()
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.tr.StopAdvertising())
	assert.ErrorIs(t, b.tr.Respond(inv, true), transport.ErrNotAdvertising)
}

func TestDisconnectWithoutSessionIsNoop(t *testing.T) {
	a := newEndpoint(t, nil)
	assert.NoError(t, a.tr.Disconnect(peer.ID("abcd")))
	assert.Empty(t, a.rec.snapshot())
}

func TestSendValidatesPayload(t *testing.T) {
	a := newEndpoint(t, nil)
	assert.Error(t, a.tr.Send(peer.ID("abcd"), nil))
	assert.ErrorIs(t, a.tr.Send(peer.ID("abcd"), []byte("x")), transport.ErrNoSession)
}

func TestClosedTransport(t *testing.T) {
	a := newEndpoint(t, nil)
	require.NoError(t, a.tr.Close())
	require.NoError(t, a.tr.Close())

	assert.ErrorIs(t, a.tr.StartAdvertising(testService), transport.ErrClosed)
	assert.ErrorIs(t, a.tr.StartBrowsing(testService), transport.ErrClosed)
	assert.ErrorIs(t, a.tr.Invite(peer.ID("abcd")), transport.ErrClosed)
	assert.ErrorIs(t, a.tr.Send(peer.ID("abcd"), []byte("x")), transport.ErrClosed)
	assert.ErrorIs(t, a.tr.Disconnect(peer.ID("abcd")), transport.ErrClosed)
}

func TestClosingPeerEndsSession(t *testing.T) {
	a, b := linkedPair(t)
	connect(t, a, b)

	require.NoError(t, b.tr.Close())
	require.Eventually(t, func() bool {
		states := a.rec.states(b.tr.LocalID())
		return len(states) == 3 && states[2] == transport.NotConnected
	}, 5*time.Second, 10*time.Millisecond, "remote close not reported")
}
