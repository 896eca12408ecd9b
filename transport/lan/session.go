package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/onetoone/crypto"
	"github.com/opd-ai/onetoone/limits"
	"github.com/opd-ai/onetoone/noise"
	"github.com/opd-ai/onetoone/peer"
	"github.com/opd-ai/onetoone/transport"
)

var errSessionExists = errors.New("session already exists")

// session is one outbound attempt or established session with a peer.
type session struct {
	peer   peer.ID
	ctx    context.Context
	cancel context.CancelFunc

	// guarded by Transport.mu
	conn        net.Conn
	established bool
	superseded  bool

	noise   *noise.Session
	writeMu sync.Mutex
	once    sync.Once
}

// pendingInvite is an inbound invitation waiting for Respond.
type pendingInvite struct {
	id    uuid.UUID
	from  peer.ID
	conn  net.Conn
	hs    *noise.IKHandshake
	timer *clock.Timer
}

func (t *Transport) newSession(id peer.ID) *session {
	ctx, cancel := context.WithCancel(t.ctx)
	return &session{peer: id, ctx: ctx, cancel: cancel}
}

// establishedLocked reports whether a session with id is up.
func (t *Transport) establishedLocked(id peer.ID) bool {
	s := t.sessions[id]
	return s != nil && s.established
}

// replaceLocked installs s for its peer. An existing attempt is superseded and
// closed without reporting NotConnected.
func (t *Transport) replaceLocked(s *session) *session {
	old := t.sessions[s.peer]
	if old != nil {
		old.superseded = true
	}
	t.sessions[s.peer] = s
	return old
}

// Invite implements transport.Transport. It returns once the attempt is
// registered; dialing and the handshake run in the background and end with
// Connecting and Connected, or NotConnected.
func (t *Transport) Invite(id peer.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	rp, ok := t.seen[id]
	if !ok {
		return fmt.Errorf("invite %s: %w", id.Short(), transport.ErrUnknownPeer)
	}
	if t.sessions[id] != nil {
		return fmt.Errorf("invite %s: %w", id.Short(), errSessionExists)
	}

	s := t.newSession(id)
	t.sessions[id] = s
	target := *rp
	invID := uuid.New()
	t.spawnLocked(func() { t.dial(s, target, invID) })

	logrus.WithFields(logrus.Fields{
		"function":   "Transport.Invite",
		"peer":       id.Short(),
		"addr":       target.addr.String(),
		"invitation": invID,
	}).Debug("Inviting peer")
	return nil
}

// dial connects to the invitee, runs the initiator side of the handshake and
// waits for the answer carried in the second message.
func (t *Transport) dial(s *session, target remotePeer, invID uuid.UUID) {
	fail := func(stage string, err error) {
		if s.ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Transport.dial",
				"peer":     s.peer.Short(),
				"stage":    stage,
				"error":    err.Error(),
			}).Warn("Invitation failed")
		}
		t.teardown(s, true)
	}

	conn, err := retry.DoWithData(
		func() (net.Conn, error) {
			d := net.Dialer{Timeout: t.cfg.DialTimeout}
			return d.DialContext(s.ctx, "tcp", target.addr.String())
		},
		retry.Context(s.ctx),
		retry.Attempts(t.cfg.DialAttempts),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(time.Second),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logrus.WithFields(logrus.Fields{
				"function": "Transport.dial",
				"peer":     s.peer.Short(),
				"attempt":  n + 1,
				"error":    err.Error(),
			}).Debug("Dial retry")
		}),
	)
	if err != nil {
		fail("dial", err)
		return
	}
	if !t.attach(s, conn) {
		conn.Close()
		return
	}

	hs, err := noise.NewIKHandshake(t.kp.Private[:], target.key[:], noise.Initiator)
	if err != nil {
		fail("handshake", err)
		return
	}
	req, err := encMode.Marshal(inviteRequest{
		Service:    target.service,
		Invitation: invID[:],
		Name:       t.cfg.DisplayName,
	})
	if err != nil {
		fail("encode", err)
		return
	}
	msg1, err := hs.Initiate(req)
	if err != nil {
		fail("handshake", err)
		return
	}
	if err := writeRaw(conn, msg1, t.cfg.WriteTimeout); err != nil {
		fail("write", err)
		return
	}

	msg2, err := readRaw(conn, t.cfg.InviteTimeout+t.cfg.HandshakeTimeout)
	if err != nil {
		fail("answer", err)
		return
	}
	payload, err := hs.Finish(msg2)
	if err != nil {
		fail("handshake", err)
		return
	}
	var answer inviteAnswer
	if err := decMode.Unmarshal(payload, &answer); err != nil {
		fail("decode", err)
		return
	}
	if !answer.Accept {
		logrus.WithFields(logrus.Fields{
			"function": "Transport.dial",
			"peer":     s.peer.Short(),
		}).Info("Invitation rejected")
		t.teardown(s, true)
		return
	}

	ns, err := hs.Session()
	if err != nil {
		fail("handshake", err)
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "Transport.dial",
		"peer":     s.peer.Short(),
		"elapsed":  hs.Age().String(),
	}).Debug("Invitation accepted")
	t.establish(s, ns)
}

// attach records conn on s unless the attempt was cancelled meanwhile.
func (t *Transport) attach(s *session, conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.ctx.Err() != nil || s.superseded {
		return false
	}
	s.conn = conn
	return true
}

// establish marks s up, reports Connecting and Connected, and starts reading.
func (t *Transport) establish(s *session, ns *noise.Session) {
	t.mu.Lock()
	if t.closed || s.superseded || s.ctx.Err() != nil {
		t.mu.Unlock()
		t.teardown(s, false)
		return
	}
	s.noise = ns
	s.established = true
	t.emit(transport.SessionStateChanged{ID: s.peer, State: transport.Connecting})
	t.emit(transport.SessionStateChanged{ID: s.peer, State: transport.Connected})
	t.spawnLocked(func() { t.readLoop(s) })
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Transport.establish",
		"peer":     s.peer.Short(),
		"remote":   s.conn.RemoteAddr().String(),
	}).Info("Session established")
}

// teardown closes s once. With notify set NotConnected is reported, unless s
// was superseded by a newer session.
func (t *Transport) teardown(s *session, notify bool) {
	s.once.Do(func() {
		t.mu.Lock()
		if t.sessions[s.peer] == s {
			delete(t.sessions, s.peer)
		}
		conn := s.conn
		established := s.established
		notify = notify && !s.superseded
		t.mu.Unlock()

		s.cancel()
		if conn != nil {
			if established {
				s.writeMu.Lock()
				writeFrame(conn, s.noise, frameClose, nil, time.Second)
				s.writeMu.Unlock()
			}
			conn.Close()
		}
		if notify {
			t.emit(transport.SessionStateChanged{ID: s.peer, State: transport.NotConnected})
		}

		logrus.WithFields(logrus.Fields{
			"function":    "Transport.teardown",
			"peer":        s.peer.Short(),
			"established": established,
		}).Debug("Session closed")
	})
}

func (t *Transport) readLoop(s *session) {
	for {
		kind, data, err := readFrame(s.conn, s.noise)
		if err != nil {
			if s.ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"function": "Transport.readLoop",
					"peer":     s.peer.Short(),
					"error":    err.Error(),
				}).Debug("Session read ended")
			}
			t.teardown(s, true)
			return
		}

		switch kind {
		case frameData:
			t.emit(transport.DataReceived{ID: s.peer, Data: data})
		case frameClose:
			t.teardown(s, true)
			return
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Transport.readLoop",
				"peer":     s.peer.Short(),
				"kind":     kind,
			}).Debug("Ignoring unknown frame")
		}
	}
}

func (t *Transport) acceptLoop() error {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Transport.acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		t.mu.Lock()
		ok := t.spawnLocked(func() { t.handleInbound(conn) })
		t.mu.Unlock()
		if !ok {
			conn.Close()
		}
	}
}

// handleInbound reads the first handshake message and turns it into an
// InviteReceived event, or rejects it straight away.
func (t *Transport) handleInbound(conn net.Conn) {
	stop := context.AfterFunc(t.ctx, func() { conn.Close() })
	defer stop()

	drop := func(reason string, err error) {
		fields := logrus.Fields{
			"function": "Transport.handleInbound",
			"remote":   conn.RemoteAddr().String(),
			"reason":   reason,
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		logrus.WithFields(fields).Debug("Dropping inbound connection")
		conn.Close()
	}

	msg1, err := readRaw(conn, t.cfg.HandshakeTimeout)
	if err != nil {
		drop("read", err)
		return
	}
	hs, err := noise.NewIKHandshake(t.kp.Private[:], nil, noise.Responder)
	if err != nil {
		drop("handshake", err)
		return
	}
	payload, err := hs.Receive(msg1)
	if err != nil {
		drop("handshake", err)
		return
	}
	remote, err := hs.RemoteStaticKey()
	if err != nil {
		drop("handshake", err)
		return
	}
	var req inviteRequest
	if err := decMode.Unmarshal(payload, &req); err != nil {
		drop("decode", err)
		return
	}
	invID, err := uuid.FromBytes(req.Invitation)
	if err != nil {
		drop("decode", err)
		return
	}
	from := crypto.IDFromPublicKey(remote)
	if len(req.Name) > limits.MaxDisplayNameLength {
		req.Name = ""
	}

	t.mu.Lock()
	if t.closed || from == t.id || t.advertising == "" || req.Service != t.advertising {
		t.mu.Unlock()
		t.answer(hs, conn, false)
		conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "Transport.handleInbound",
			"peer":     from.Short(),
			"service":  req.Service,
		}).Debug("Rejected invitation outside advertised service")
		return
	}
	if req.Name != "" {
		t.names[from] = req.Name
	}
	p := &pendingInvite{id: invID, from: from, conn: conn, hs: hs}
	p.timer = t.clock.AfterFunc(t.cfg.InviteTimeout, func() { t.expireInvite(invID) })
	t.inbound[invID] = p
	t.emit(transport.InviteReceived{Invitation: transport.Invitation{ID: invID, From: from}})
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Transport.handleInbound",
		"peer":       from.Short(),
		"invitation": invID,
	}).Debug("Invitation received")
}

// answer writes the second handshake message carrying accept.
func (t *Transport) answer(hs *noise.IKHandshake, conn net.Conn, accept bool) error {
	payload, err := encMode.Marshal(inviteAnswer{Accept: accept})
	if err != nil {
		return err
	}
	msg2, err := hs.Respond(payload)
	if err != nil {
		return err
	}
	return writeRaw(conn, msg2, t.cfg.WriteTimeout)
}

func (t *Transport) expireInvite(id uuid.UUID) {
	t.mu.Lock()
	p, ok := t.inbound[id]
	if ok {
		delete(t.inbound, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Transport.expireInvite",
		"peer":       p.from.Short(),
		"invitation": id,
	}).Debug("Invitation expired")
	t.answer(p.hs, p.conn, false)
	p.conn.Close()
}

// CancelInvite implements transport.Transport. An outbound attempt that is not
// established yet is abandoned without reporting NotConnected.
func (t *Transport) CancelInvite(id peer.ID) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	s := t.sessions[id]
	if s == nil || s.established {
		t.mu.Unlock()
		return nil
	}
	s.superseded = true
	delete(t.sessions, id)
	t.mu.Unlock()

	t.teardown(s, false)
	logrus.WithFields(logrus.Fields{
		"function": "Transport.CancelInvite",
		"peer":     id.Short(),
	}).Debug("Withdrew invitation")
	return nil
}

// Respond implements transport.Transport.
func (t *Transport) Respond(inv transport.Invitation, accept bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	if t.advertising == "" {
		t.mu.Unlock()
		return transport.ErrNotAdvertising
	}
	p, ok := t.inbound[inv.ID]
	if !ok || p.from != inv.From {
		t.mu.Unlock()
		return fmt.Errorf("respond to %s: %w", inv.From.Short(), transport.ErrNoSession)
	}
	delete(t.inbound, inv.ID)
	t.mu.Unlock()

	p.timer.Stop()
	if err := t.answer(p.hs, p.conn, accept); err != nil {
		p.conn.Close()
		return fmt.Errorf("respond to %s: %w", inv.From.Short(), err)
	}
	if !accept {
		p.conn.Close()
		return nil
	}

	ns, err := p.hs.Session()
	if err != nil {
		p.conn.Close()
		return fmt.Errorf("respond to %s: %w", inv.From.Short(), err)
	}

	s := t.newSession(p.from)
	s.conn = p.conn
	t.mu.Lock()
	old := t.replaceLocked(s)
	t.mu.Unlock()
	if old != nil {
		t.teardown(old, false)
	}
	t.establish(s, ns)
	return nil
}

// Send implements transport.Transport.
func (t *Transport) Send(id peer.ID, data []byte) error {
	if err := limits.ValidateEnvelope(data); err != nil {
		return fmt.Errorf("send to %s: %w", id.Short(), err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	s := t.sessions[id]
	if s == nil || !s.established {
		t.mu.Unlock()
		return fmt.Errorf("send to %s: %w", id.Short(), transport.ErrNoSession)
	}
	t.mu.Unlock()

	s.writeMu.Lock()
	err := writeFrame(s.conn, s.noise, frameData, data, t.cfg.WriteTimeout)
	s.writeMu.Unlock()
	if err != nil {
		t.teardown(s, true)
		return fmt.Errorf("send to %s: %w", id.Short(), err)
	}
	return nil
}

// Disconnect implements transport.Transport. Pending invitations from id are
// rejected and any session with id is closed.
func (t *Transport) Disconnect(id peer.ID) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	var pending []*pendingInvite
	for invID, p := range t.inbound {
		if p.from == id {
			delete(t.inbound, invID)
			pending = append(pending, p)
		}
	}
	s := t.sessions[id]
	t.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		t.answer(p.hs, p.conn, false)
		p.conn.Close()
	}
	if s != nil {
		t.teardown(s, true)
	}
	return nil
}
