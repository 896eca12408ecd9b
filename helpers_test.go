package onetoone

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/onetoone/dispatch"
	"github.com/opd-ai/onetoone/envelope"
	"github.com/opd-ai/onetoone/peer"
	"github.com/opd-ai/onetoone/transport"
)

const testServiceKey = "chat"

type statusChange struct {
	ID     peer.ID
	Status peer.Status
}

type delivery struct {
	From peer.ID
	Raw  *envelope.Raw
}

// recorder is a Delegate that keeps every notification.
type recorder struct {
	mu       sync.Mutex
	changes  []statusChange
	received []delivery
}

func (r *recorder) ConnectionStatusChanged(id peer.ID, status peer.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, statusChange{ID: id, Status: status})
}

func (r *recorder) ContentReceived(raw *envelope.Raw, from peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, delivery{From: from, Raw: raw})
}

func (r *recorder) statusesOf(id peer.ID) []peer.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []peer.Status
	for _, c := range r.changes {
		if c.ID == id {
			out = append(out, c.Status)
		}
	}
	return out
}

func (r *recorder) count(id peer.ID, status peer.Status) int {
	n := 0
	for _, s := range r.statusesOf(id) {
		if s == status {
			n++
		}
	}
	return n
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *recorder) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.received...)
}

type node struct {
	id  peer.ID
	tr  *transport.Memory
	m   *Manager
	rec *recorder
}

// harness wires managers to a memory network driven by a mock clock.
type harness struct {
	t     *testing.T
	net   *transport.Network
	clock *clock.Mock
	nodes []*node
	raws  []*transport.Memory
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:     t,
		net:   transport.NewNetwork(),
		clock: clock.NewMock(),
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func (h *harness) options() *Options {
	opts := NewOptions()
	opts.Clock = h.clock
	opts.Logger = quietLogger()
	return opts
}

// add joins a managed node. configure may adjust its options.
func (h *harness) add(id peer.ID, configure func(*Options)) *node {
	h.t.Helper()

	tr := h.net.Join(id)
	opts := h.options()
	if configure != nil {
		configure(opts)
	}
	m, err := New(tr, opts)
	require.NoError(h.t, err)

	n := &node{id: id, tr: tr, m: m, rec: &recorder{}}
	m.SetDelegate(n.rec)
	h.nodes = append(h.nodes, n)

	h.t.Cleanup(func() {
		m.Close()
		tr.Close()
	})
	return n
}

// raw joins an unmanaged transport that advertises and browses testServiceKey.
// handler may be nil.
func (h *harness) raw(id peer.ID, handler transport.Handler) *transport.Memory {
	h.t.Helper()

	tr := h.net.Join(id)
	tr.SetHandler(handler)
	require.NoError(h.t, tr.StartAdvertising(testServiceKey))
	require.NoError(h.t, tr.StartBrowsing(testServiceKey))
	h.raws = append(h.raws, tr)
	h.t.Cleanup(func() { tr.Close() })
	return tr
}

// flush waits until work queued so far on the inbox and delivery queues has
// run.
func (m *Manager) flush() {
	for _, q := range []*dispatch.Queue{m.inbox, m.delivery} {
		done := make(chan struct{})
		q.Post(func() { close(done) })
		select {
		case <-done:
		case <-q.Done():
		}
	}
}

// settle drains every transport and manager queue until the network is quiet.
func (h *harness) settle() {
	for round := 0; round < 12; round++ {
		for _, r := range h.raws {
			r.Sync()
		}
		for _, n := range h.nodes {
			n.tr.Sync()
			n.m.flush()
		}
	}
}

func (h *harness) start(nodes ...*node) {
	h.t.Helper()
	for _, n := range nodes {
		require.NoError(h.t, n.m.StartAndConnect(testServiceKey))
	}
	h.settle()
}

// eventually polls cond, settling between attempts. Timer callbacks of the
// mock clock run on their own goroutines, so they need polling.
func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.settle()
		return cond()
	}, 2*time.Second, 10*time.Millisecond, msg)
}

// rawAccepting joins an unmanaged transport that accepts every invitation.
func (h *harness) rawAccepting(id peer.ID) *transport.Memory {
	h.t.Helper()

	tr := h.raw(id, nil)
	tr.SetHandler(func(ev transport.Event) {
		if inv, ok := ev.(transport.InviteReceived); ok {
			tr.Respond(inv.Invitation, true)
		}
	})
	return tr
}
