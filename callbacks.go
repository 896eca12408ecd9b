package onetoone

import (
	"github.com/opd-ai/onetoone/dispatch"
	"github.com/opd-ai/onetoone/envelope"
	"github.com/opd-ai/onetoone/peer"
)

// ConnectionStatusCallback is called when a peer's status changes.
type ConnectionStatusCallback func(id peer.ID, status peer.Status)

// ContentReceivedCallback is called when an envelope arrives from a peer.
type ContentReceivedCallback func(raw *envelope.Raw, from peer.ID)

// Delegate receives every manager notification.
type Delegate interface {
	ConnectionStatusChanged(id peer.ID, status peer.Status)
	ContentReceived(raw *envelope.Raw, from peer.ID)
}

// SetDelegate replaces both callbacks with the methods of d. A nil d removes
// them.
func (m *Manager) SetDelegate(d Delegate) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	if d == nil {
		m.statusCallback = nil
		m.contentCallback = nil
		return
	}
	m.statusCallback = d.ConnectionStatusChanged
	m.contentCallback = d.ContentReceived
}

// OnConnectionStatusChanged sets the callback for peer status changes.
func (m *Manager) OnConnectionStatusChanged(callback ConnectionStatusCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.statusCallback = callback
}

// OnContentReceived sets the callback for received envelopes.
func (m *Manager) OnContentReceived(callback ContentReceivedCallback) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.contentCallback = callback
}

// executor returns where notifications run.
func (m *Manager) executor() dispatch.Executor {
	if m.opts.ForceMainThread {
		return m.opts.MainThread
	}
	return m.delivery
}

// notifyStatus queues a status notification. The callback is looked up when
// the notification runs, so a replaced subscriber only sees later deliveries.
func (m *Manager) notifyStatus(id peer.ID, status peer.Status) {
	m.executor().Post(func() {
		m.cbMu.RLock()
		cb := m.statusCallback
		m.cbMu.RUnlock()
		if cb != nil {
			cb(id, status)
		}
	})
}

func (m *Manager) notifyContent(raw *envelope.Raw, from peer.ID) {
	m.executor().Post(func() {
		m.cbMu.RLock()
		cb := m.contentCallback
		m.cbMu.RUnlock()
		if cb != nil {
			cb(raw, from)
		}
	})
}
