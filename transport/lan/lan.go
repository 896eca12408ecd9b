package lan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/onetoone/crypto"
	"github.com/opd-ai/onetoone/dispatch"
	"github.com/opd-ai/onetoone/limits"
	"github.com/opd-ai/onetoone/peer"
	"github.com/opd-ai/onetoone/transport"
)

// remotePeer is a peer learned from its beacons.
type remotePeer struct {
	key      [32]byte
	service  string
	addr     *net.TCPAddr
	name     string
	instance string
	lastSeen time.Time
}

// Transport discovers peers with UDP beacons and carries sessions over TCP
// secured by a Noise IK handshake.
type Transport struct {
	cfg      *Config
	kp       *crypto.KeyPair
	ownsKey  bool
	id       peer.ID
	clock    clock.Clock
	instance string

	udp      net.PacketConn
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	events *dispatch.Queue
	wake   chan struct{}

	handlerMu sync.Mutex
	handler   transport.Handler

	mu          sync.Mutex
	advertising string
	browsing    string
	targets     []*net.UDPAddr
	seen        map[peer.ID]*remotePeer
	names       map[peer.ID]string
	sessions    map[peer.ID]*session
	inbound     map[uuid.UUID]*pendingInvite
	closed      bool
}

var _ transport.Transport = (*Transport)(nil)

// New binds the discovery socket and the session listener and starts the
// background loops. A nil cfg uses DefaultConfig.
func New(cfg *Config) (*Transport, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	kp := cfg.KeyPair
	if kp == nil {
		var err error
		if kp, err = crypto.GenerateKeyPair(); err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	udp, err := net.ListenPacket("udp4", net.JoinHostPort("", strconv.Itoa(cfg.DiscoveryPort)))
	if err != nil {
		return nil, fmt.Errorf("bind discovery socket: %w", err)
	}
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("listen for sessions: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	t := &Transport{
		cfg:      cfg,
		kp:       kp,
		ownsKey:  cfg.KeyPair == nil,
		id:       kp.ID(),
		clock:    clk,
		instance: uuid.NewString(),
		udp:      udp,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		group:    group,
		events:   dispatch.NewQueue("lan:" + kp.ID().Short()),
		wake:     make(chan struct{}, 1),
		seen:     make(map[peer.ID]*remotePeer),
		names:    make(map[peer.ID]string),
		sessions: make(map[peer.ID]*session),
		inbound:  make(map[uuid.UUID]*pendingInvite),
	}

	if cfg.Broadcast {
		t.targets = append(t.targets, broadcastTargets(t.DiscoveryPort())...)
	}
	for _, target := range cfg.BeaconTargets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("resolve beacon target %q: %w", target, err)
		}
		t.targets = append(t.targets, addr)
	}

	group.Go(t.receiveLoop)
	group.Go(t.beaconLoop)
	group.Go(t.expiryLoop)
	group.Go(t.acceptLoop)

	logrus.WithFields(logrus.Fields{
		"function":  "lan.New",
		"peer":      t.id.Short(),
		"discovery": udp.LocalAddr().String(),
		"listen":    listener.Addr().String(),
		"targets":   len(t.targets),
	}).Info("LAN transport started")

	return t, nil
}

// broadcastTargets returns the limited broadcast address and the directed
// broadcast address of every IPv4 network on an up interface.
func broadcastTargets(port int) []*net.UDPAddr {
	targets := []*net.UDPAddr{{IP: net.IPv4bcast, Port: port}}

	ifaces, err := net.Interfaces()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "broadcastTargets",
			"error":    err.Error(),
		}).Warn("Failed to list interfaces")
		return targets
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || len(ipnet.Mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range ip4 {
				bcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			targets = append(targets, &net.UDPAddr{IP: bcast, Port: port})
		}
	}
	return targets
}

// emit queues ev for ordered delivery to the handler installed when ev was
// produced.
func (t *Transport) emit(ev transport.Event) {
	t.handlerMu.Lock()
	h := t.handler
	t.handlerMu.Unlock()
	if h == nil {
		return
	}

	t.events.Post(func() {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			h(ev)
		}
	})
}

// spawnLocked runs fn on the transport's group unless it is closed. Callers
// hold mu.
func (t *Transport) spawnLocked(fn func()) bool {
	if t.closed {
		return false
	}
	t.group.Go(func() error {
		fn()
		return nil
	})
	return true
}

func (t *Transport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// LocalID implements transport.Transport.
func (t *Transport) LocalID() peer.ID { return t.id }

// KeyPair returns the device identity.
func (t *Transport) KeyPair() *crypto.KeyPair { return t.kp }

// DiscoveryPort returns the bound UDP beacon port.
func (t *Transport) DiscoveryPort() int {
	if addr, ok := t.udp.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// ListenAddr returns the address sessions are accepted on.
func (t *Transport) ListenAddr() net.Addr { return t.listener.Addr() }

// AddBeaconTarget adds a unicast beacon destination and sends a beacon to it
// right away when advertising.
func (t *Transport) AddBeaconTarget(target string) error {
	addr, err := net.ResolveUDPAddr("udp4", target)
	if err != nil {
		return fmt.Errorf("resolve beacon target %q: %w", target, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	t.targets = append(t.targets, addr)
	t.mu.Unlock()

	t.signal()
	return nil
}

// DisplayName returns the name a peer announced in its beacon or invitation.
func (t *Transport) DisplayName(id peer.ID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.names[id]
	return name, ok
}

// Visible returns the peers currently seen by browsing, sorted by identity.
func (t *Transport) Visible() []peer.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]peer.ID, 0, len(t.seen))
	for id := range t.seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SetHandler implements transport.Transport. Events already produced keep
// going to the handler that was installed at the time.
func (t *Transport) SetHandler(h transport.Handler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

// StartAdvertising implements transport.Transport. A beacon goes out
// immediately and then every BeaconInterval.
func (t *Transport) StartAdvertising(serviceKey string) error {
	if serviceKey == "" {
		return errors.New("start advertising: empty service key")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	t.advertising = serviceKey
	t.mu.Unlock()

	t.signal()
	return nil
}

// StopAdvertising implements transport.Transport.
func (t *Transport) StopAdvertising() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.advertising = ""
	return nil
}

// StartBrowsing implements transport.Transport. Peers are reported as their
// next beacon arrives.
func (t *Transport) StartBrowsing(serviceKey string) error {
	if serviceKey == "" {
		return errors.New("start browsing: empty service key")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.browsing = serviceKey
	t.seen = make(map[peer.ID]*remotePeer)
	return nil
}

// StopBrowsing implements transport.Transport.
func (t *Transport) StopBrowsing() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.browsing = ""
	t.seen = make(map[peer.ID]*remotePeer)
	return nil
}

// Close implements transport.Transport. Sessions are closed without reporting
// NotConnected.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessions := make([]*session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	pending := make([]*pendingInvite, 0, len(t.inbound))
	for _, p := range t.inbound {
		pending = append(pending, p)
	}
	t.inbound = make(map[uuid.UUID]*pendingInvite)
	t.mu.Unlock()

	t.cancel()
	for _, s := range sessions {
		t.teardown(s, false)
	}
	for _, p := range pending {
		p.timer.Stop()
		p.conn.Close()
	}

	err := multierr.Combine(
		ignoreClosed(t.udp.Close()),
		ignoreClosed(t.listener.Close()),
	)
	err = multierr.Append(err, t.group.Wait())
	t.events.Close()
	if t.ownsKey {
		crypto.WipeKeyPair(t.kp)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Transport.Close",
		"peer":     t.id.Short(),
	}).Info("LAN transport closed")
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (t *Transport) beaconLoop() error {
	ticker := t.clock.Ticker(t.cfg.BeaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return nil
		case <-ticker.C:
		case <-t.wake:
		}
		t.sendBeacon()
	}
}

func (t *Transport) sendBeacon() {
	t.mu.Lock()
	service := t.advertising
	targets := append([]*net.UDPAddr(nil), t.targets...)
	t.mu.Unlock()
	if service == "" || len(targets) == 0 {
		return
	}

	port := 0
	if addr, ok := t.listener.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	data, err := encodeBeacon(beacon{
		Service:  service,
		Key:      t.kp.Public[:],
		Port:     uint16(port),
		Name:     t.cfg.DisplayName,
		Instance: t.instance,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Transport.sendBeacon",
			"error":    err.Error(),
		}).Error("Failed to encode beacon")
		return
	}

	for _, addr := range targets {
		if _, err := t.udp.WriteTo(data, addr); err != nil && t.ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Transport.sendBeacon",
				"target":   addr.String(),
				"error":    err.Error(),
			}).Debug("Beacon send failed")
		}
	}
}

func (t *Transport) receiveLoop() error {
	buf := make([]byte, limits.MaxBeaconSize+1)
	for {
		n, from, err := t.udp.ReadFrom(buf)
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "Transport.receiveLoop",
				"error":    err.Error(),
			}).Warn("Discovery read failed")
			continue
		}

		b, err := decodeBeacon(buf[:n])
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Transport.receiveLoop",
				"from":     from.String(),
				"error":    err.Error(),
			}).Debug("Ignoring beacon")
			continue
		}
		if udpAddr, ok := from.(*net.UDPAddr); ok {
			t.handleBeacon(b, udpAddr)
		}
	}
}

func (t *Transport) handleBeacon(b beacon, from *net.UDPAddr) {
	var key [32]byte
	copy(key[:], b.Key)
	id := crypto.IDFromPublicKey(key)
	if id == t.id {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.browsing == "" || b.Service != t.browsing {
		return
	}
	if b.Name != "" {
		t.names[id] = b.Name
	}

	addr := &net.TCPAddr{IP: from.IP, Port: int(b.Port)}
	rp, ok := t.seen[id]
	if !ok {
		t.seen[id] = &remotePeer{
			key:      key,
			service:  b.Service,
			addr:     addr,
			name:     b.Name,
			instance: b.Instance,
			lastSeen: t.clock.Now(),
		}
		logrus.WithFields(logrus.Fields{
			"function": "Transport.handleBeacon",
			"peer":     id.Short(),
			"addr":     addr.String(),
		}).Debug("Peer found")
		t.emit(transport.PeerFound{ID: id})
		return
	}

	restarted := rp.instance != b.Instance
	rp.addr = addr
	rp.name = b.Name
	rp.instance = b.Instance
	rp.lastSeen = t.clock.Now()

	// A new instance means the peer restarted and any session it had is gone.
	if restarted && !t.establishedLocked(id) {
		logrus.WithFields(logrus.Fields{
			"function": "Transport.handleBeacon",
			"peer":     id.Short(),
		}).Debug("Peer restarted")
		t.emit(transport.PeerLost{ID: id})
		t.emit(transport.PeerFound{ID: id})
	}
}

func (t *Transport) expiryLoop() error {
	ticker := t.clock.Ticker(t.cfg.BeaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return nil
		case <-ticker.C:
			t.expirePeers()
		}
	}
}

// expirePeers forgets peers whose beacons stopped. PeerLost is withheld while
// a session with the peer is up.
func (t *Transport) expirePeers() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	for id, rp := range t.seen {
		if now.Sub(rp.lastSeen) <= t.cfg.PeerTimeout {
			continue
		}
		delete(t.seen, id)
		if t.establishedLocked(id) {
			continue
		}
		logrus.WithFields(logrus.Fields{
			"function": "Transport.expirePeers",
			"peer":     id.Short(),
		}).Debug("Peer lost")
		t.emit(transport.PeerLost{ID: id})
	}
}
