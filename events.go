package onetoone

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/onetoone/arbiter"
	"github.com/opd-ai/onetoone/envelope"
	"github.com/opd-ai/onetoone/metrics"
	"github.com/opd-ai/onetoone/peer"
	"github.com/opd-ai/onetoone/transport"
)

// handlerFor returns the transport handler of start cycle gen. Transports bind
// each event to the handler installed when it was produced, so events from an
// earlier cycle carry its generation and are discarded. The handler only
// enqueues; events are applied on the inbox goroutine.
func (m *Manager) handlerFor(gen uint64) transport.Handler {
	return func(ev transport.Event) {
		m.post(gen, func() { m.applyLocked(ev) })
	}
}

// post runs fn on the inbox under mu, unless the manager was stopped or
// restarted since gen was read.
func (m *Manager) post(gen uint64, fn func()) {
	m.inbox.Post(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.closed || !m.running || gen != m.generation.Load() {
			m.log.WithFields(logrus.Fields{
				"function":   "Manager.post",
				"generation": gen,
			}).Debug("Discarding stale work")
			return
		}
		fn()
	})
}

func (m *Manager) applyLocked(ev transport.Event) {
	id := ev.PeerID()
	if id == "" || id == m.localID {
		return
	}

	switch e := ev.(type) {
	case transport.PeerFound:
		m.onPeerFoundLocked(e.ID)
	case transport.PeerLost:
		m.onPeerLostLocked(e.ID)
	case transport.InviteReceived:
		m.onInviteLocked(e.Invitation)
	case transport.SessionStateChanged:
		m.onSessionStateLocked(e.ID, e.State)
	case transport.DataReceived:
		m.onDataLocked(e.ID, e.Data)
	default:
		m.log.WithFields(logrus.Fields{
			"function": "Manager.applyLocked",
			"event":    e,
		}).Warn("Ignoring unsupported transport event")
	}
}

func (m *Manager) onPeerFoundLocked(id peer.ID) {
	m.visible[id] = true
	if m.table.Track(id) {
		m.log.WithFields(logrus.Fields{
			"function": "Manager.onPeerFound",
			"peer":     id.Short(),
		}).Debug("Discovered peer")
	}

	status := m.table.Status(id)
	if status == peer.StatusUnknown {
		m.recoverLocked(id)
		status = peer.StatusDisconnected
	}
	if status != peer.StatusDisconnected && status != peer.StatusLost {
		return
	}
	if !arbiter.ShouldInvite(m.localID, id) {
		m.log.WithFields(logrus.Fields{
			"function": "Manager.onPeerFound",
			"peer":     id.Short(),
		}).Debug("Waiting for invitation")
		return
	}
	m.inviteLocked(id)
}

func (m *Manager) inviteLocked(id peer.ID) {
	m.setLocked(id, peer.StatusInviting)

	if err := m.tr.Invite(id); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "Manager.invite",
			"peer":     id.Short(),
			"error":    err.Error(),
		}).Warn("Invitation failed")
		m.metrics.ObserveInvite(metrics.DirectionOutbound, metrics.OutcomeFailed)
		m.loseLocked(id, false)
		return
	}

	m.metrics.ObserveInvite(metrics.DirectionOutbound, metrics.OutcomeSent)
	m.armLocked(id, inviteTimer, m.opts.InviteTimeout)
}

func (m *Manager) onPeerLostLocked(id peer.ID) {
	delete(m.visible, id)

	switch m.table.Status(id) {
	case peer.StatusDisconnected:
		m.table.Remove(id)
		return
	case peer.StatusLost:
		return
	}
	m.loseLocked(id, true)
}

func (m *Manager) onInviteLocked(inv transport.Invitation) {
	id := inv.From
	m.table.Track(id)

	switch status := m.table.Status(id); status {
	case peer.StatusDisconnected, peer.StatusLost:
		m.acceptLocked(inv)

	case peer.StatusInviting:
		// Crossed invitations: give up our own attempt and take theirs.
		if err := m.tr.CancelInvite(id); err != nil {
			m.log.WithFields(logrus.Fields{
				"function": "Manager.onInvite",
				"peer":     id.Short(),
				"error":    err.Error(),
			}).Debug("Failed to withdraw invitation")
		}
		m.metrics.ObserveInvite(metrics.DirectionOutbound, metrics.OutcomeDeferred)
		m.setLocked(id, peer.StatusDisconnected)
		m.acceptLocked(inv)

	case peer.StatusUnknown:
		m.recoverLocked(id)
		m.acceptLocked(inv)

	default:
		if err := m.tr.Respond(inv, false); err != nil {
			m.log.WithFields(logrus.Fields{
				"function": "Manager.onInvite",
				"peer":     id.Short(),
				"error":    err.Error(),
			}).Debug("Failed to reject invitation")
		}
		m.metrics.ObserveInvite(metrics.DirectionInbound, metrics.OutcomeRejected)
		m.log.WithFields(logrus.Fields{
			"function": "Manager.onInvite",
			"peer":     id.Short(),
			"status":   status.String(),
		}).Info("Rejected redundant invitation")
	}
}

func (m *Manager) acceptLocked(inv transport.Invitation) {
	id := inv.From
	m.setLocked(id, peer.StatusInvited)

	if err := m.tr.Respond(inv, true); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "Manager.accept",
			"peer":     id.Short(),
			"error":    err.Error(),
		}).Warn("Failed to accept invitation")
		m.metrics.ObserveInvite(metrics.DirectionInbound, metrics.OutcomeFailed)
		m.loseLocked(id, false)
		return
	}

	m.metrics.ObserveInvite(metrics.DirectionInbound, metrics.OutcomeAccepted)
	m.setLocked(id, peer.StatusConnecting)
	m.armLocked(id, inviteTimer, m.opts.InviteTimeout)
}

func (m *Manager) onSessionStateLocked(id peer.ID, state transport.SessionState) {
	status := m.table.Status(id)

	switch state {
	case transport.Connecting:
		if status == peer.StatusConnecting {
			return
		}
		if tr := m.setLocked(id, peer.StatusConnecting); tr.To == peer.StatusConnecting {
			m.armLocked(id, inviteTimer, m.opts.InviteTimeout)
		}

	case transport.Connected:
		if status == peer.StatusConnected {
			return
		}
		m.setLocked(id, peer.StatusConnected)

	case transport.NotConnected:
		if status == peer.StatusLost || status == peer.StatusDisconnected {
			return
		}
		m.loseLocked(id, false)
	}
}

func (m *Manager) onDataLocked(id peer.ID, data []byte) {
	raw, err := envelope.Parse(data)
	if err != nil {
		m.metrics.PayloadsDropped.Inc()
		m.log.WithFields(logrus.Fields{
			"function": "Manager.onData",
			"peer":     id.Short(),
			"size":     len(data),
			"error":    err.Error(),
		}).Debug("Dropping malformed payload")
		return
	}

	m.metrics.EnvelopesReceived.Inc()
	m.notifyContent(raw, id)
}

func (m *Manager) sendFailedLocked(id peer.ID) {
	if m.table.Status(id) != peer.StatusConnected {
		return
	}
	m.loseLocked(id, true)
}

// loseLocked marks id Lost and starts its grace period. With disconnect set
// the transport session is torn down too.
func (m *Manager) loseLocked(id peer.ID, disconnect bool) {
	if m.table.Status(id) != peer.StatusLost {
		m.setLocked(id, peer.StatusLost)
	}
	if disconnect {
		if err := m.tr.Disconnect(id); err != nil {
			m.log.WithFields(logrus.Fields{
				"function": "Manager.lose",
				"peer":     id.Short(),
				"error":    err.Error(),
			}).Warn("Failed to disconnect session")
		}
	}
	m.armLocked(id, graceTimer, m.opts.LostGracePeriod)
}

// recoverLocked forces a peer out of Unknown back to Disconnected.
func (m *Manager) recoverLocked(id peer.ID) {
	m.cancelTimerLocked(id)
	if tr, ok := m.table.Reset(id); ok {
		m.reportLocked(tr)
	}
}

// setLocked applies a transition and reports it. Any timer pending for the
// peer is cancelled.
func (m *Manager) setLocked(id peer.ID, status peer.Status) peer.Transition {
	m.cancelTimerLocked(id)
	tr := m.table.Set(id, status)
	m.reportLocked(tr)
	return tr
}

func (m *Manager) reportLocked(tr peer.Transition) {
	m.metrics.ObserveTransition(tr)
	m.metrics.SetConnected(len(m.table.Connected()))

	m.log.WithFields(logrus.Fields{
		"function":  "Manager.report",
		"peer":      tr.ID.Short(),
		"from":      tr.From.String(),
		"to":        tr.To.String(),
		"requested": tr.Requested.String(),
	}).Info("Peer status changed")

	m.notifyStatus(tr.ID, tr.To)
}

func (m *Manager) armLocked(id peer.ID, kind timerKind, d time.Duration) {
	m.cancelTimerLocked(id)
	if d <= 0 {
		m.expireLocked(id, kind)
		return
	}

	m.timerSeq++
	token := m.timerSeq
	gen := m.generation.Load()
	t := m.clock.AfterFunc(d, func() {
		m.post(gen, func() { m.timerFiredLocked(id, kind, token) })
	})
	m.timers[id] = peerTimer{timer: t, kind: kind, token: token}
}

func (m *Manager) cancelTimerLocked(id peer.ID) {
	if pt, ok := m.timers[id]; ok {
		pt.timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) timerFiredLocked(id peer.ID, kind timerKind, token uint64) {
	pt, ok := m.timers[id]
	if !ok || pt.token != token {
		return
	}
	delete(m.timers, id)
	m.expireLocked(id, kind)
}

func (m *Manager) expireLocked(id peer.ID, kind timerKind) {
	status := m.table.Status(id)
	m.log.WithFields(logrus.Fields{
		"function": "Manager.expire",
		"peer":     id.Short(),
		"timer":    kind.String(),
		"status":   status.String(),
	}).Debug("Timer expired")

	switch kind {
	case graceTimer:
		if status != peer.StatusLost {
			return
		}
		m.setLocked(id, peer.StatusDisconnected)
		if !m.visible[id] {
			m.table.Remove(id)
		}

	case inviteTimer:
		switch status {
		case peer.StatusInviting:
			m.metrics.ObserveInvite(metrics.DirectionOutbound, metrics.OutcomeTimedOut)
			m.setLocked(id, peer.StatusDisconnected)
			if err := m.tr.Disconnect(id); err != nil {
				m.log.WithFields(logrus.Fields{
					"function": "Manager.expire",
					"peer":     id.Short(),
					"error":    err.Error(),
				}).Debug("Failed to cancel invitation")
			}
		case peer.StatusConnecting:
			m.loseLocked(id, true)
		}
	}
}
