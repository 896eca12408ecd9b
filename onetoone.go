package onetoone

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/onetoone/dispatch"
	"github.com/opd-ai/onetoone/envelope"
	"github.com/opd-ai/onetoone/metrics"
	"github.com/opd-ai/onetoone/peer"
	"github.com/opd-ai/onetoone/transport"
)

type timerKind uint8

const (
	graceTimer timerKind = iota + 1
	inviteTimer
)

func (k timerKind) String() string {
	if k == inviteTimer {
		return "invite"
	}
	return "grace"
}

type peerTimer struct {
	timer *clock.Timer
	kind  timerKind
	token uint64
}

// Manager turns symmetric discovery on a transport into at most one session
// per peer and reports every peer status change.
//
// Transport events, timer expiries and lifecycle operations are applied one at
// a time under mu. Notifications run later on the delivery queue (or the
// application's main thread executor) without mu held, so callbacks may call
// back into the Manager.
type Manager struct {
	tr      transport.Transport
	opts    *Options
	log     *logrus.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
	table   *peer.Table
	localID peer.ID

	mu         sync.Mutex
	serviceKey string
	running    bool
	background bool
	closed     bool
	visible    map[peer.ID]bool
	timers     map[peer.ID]peerTimer
	timerSeq   uint64
	generation atomic.Uint64

	inbox    *dispatch.Queue
	delivery *dispatch.Queue

	cbMu            sync.RWMutex
	statusCallback  ConnectionStatusCallback
	contentCallback ContentReceivedCallback
}

// New creates a Manager bound to tr. A nil opts uses NewOptions.
func New(tr transport.Transport, opts *Options) (*Manager, error) {
	if tr == nil {
		return nil, ErrNilTransport
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	m := &Manager{
		tr:       tr,
		opts:     opts,
		log:      logger,
		clock:    clk,
		metrics:  metrics.New(),
		table:    peer.NewTable(clk),
		localID:  tr.LocalID(),
		visible:  make(map[peer.ID]bool),
		timers:   make(map[peer.ID]peerTimer),
		inbox:    dispatch.NewQueue("inbox"),
		delivery: dispatch.NewQueue("delivery"),
	}

	if opts.Registerer != nil {
		if err := m.metrics.Register(opts.Registerer); err != nil {
			m.inbox.Close()
			m.delivery.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	tr.SetHandler(m.handlerFor(m.generation.Load()))

	m.log.WithFields(logrus.Fields{
		"function": "New",
		"local":    m.localID.Short(),
		"graceful": opts.GracefulBackgrounding,
		"main":     opts.ForceMainThread,
	}).Info("Created connection manager")

	return m, nil
}

// StartAndConnect starts advertising and browsing under serviceKey. Calling it
// again with the same key is a no-op; a different key restarts the manager.
func (m *Manager) StartAndConnect(serviceKey string) error {
	if err := ValidateServiceKey(serviceKey); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.running && m.serviceKey == serviceKey {
		return nil
	}
	if m.running {
		if err := m.stopLocked(); err != nil {
			m.log.WithFields(logrus.Fields{
				"function": "StartAndConnect",
				"error":    err.Error(),
			}).Warn("Errors while stopping previous session set")
		}
	}

	m.serviceKey = serviceKey
	m.running = true
	m.tr.SetHandler(m.handlerFor(m.generation.Add(1)))

	if !m.background {
		if err := m.startDiscoveryLocked(true); err != nil {
			m.stopDiscoveryLocked()
			m.running = false
			m.serviceKey = ""
			return err
		}
	}

	m.log.WithFields(logrus.Fields{
		"function":    "StartAndConnect",
		"service_key": serviceKey,
		"background":  m.background,
	}).Info("Connection manager started")
	return nil
}

// Radar restarts browsing so every visible peer is reported again. Sessions
// are untouched.
func (m *Manager) Radar() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if !m.running {
		return ErrNotStarted
	}
	if m.background {
		return nil
	}

	if err := m.tr.StopBrowsing(); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "Radar",
			"error":    err.Error(),
		}).Debug("Stop browsing failed")
	}
	m.visible = make(map[peer.ID]bool)
	if err := m.tr.StartBrowsing(m.serviceKey); err != nil {
		return fmt.Errorf("restart browsing: %w", err)
	}
	return nil
}

// StopAndDisconnect stops discovery, closes every session and reports each
// peer that was not Disconnected as Disconnected. Transport errors are
// returned together; the manager is idle afterwards either way.
func (m *Manager) StopAndDisconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	return m.stopLocked()
}

func (m *Manager) stopLocked() error {
	if !m.running && m.table.Len() == 0 {
		return nil
	}

	var err error
	if m.running && !m.background {
		err = m.stopDiscoveryLocked()
	}

	for _, rec := range m.table.Snapshot() {
		if rec.Status == peer.StatusDisconnected {
			continue
		}
		if derr := m.tr.Disconnect(rec.ID); derr != nil {
			err = multierr.Append(err, fmt.Errorf("disconnect %s: %w", rec.ID.Short(), derr))
		}
		if tr, ok := m.table.Reset(rec.ID); ok {
			m.reportLocked(tr)
		}
	}

	m.table.Clear()
	for id := range m.timers {
		m.cancelTimerLocked(id)
	}
	m.visible = make(map[peer.ID]bool)
	m.generation.Add(1)
	m.running = false
	m.serviceKey = ""
	m.metrics.SetConnected(0)

	m.log.WithFields(logrus.Fields{
		"function": "StopAndDisconnect",
		"errors":   len(multierr.Errors(err)),
	}).Info("Connection manager stopped")

	return err
}

// Close stops the manager and releases its goroutines. The transport is left
// open for its owner to close.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	err := m.stopLocked()
	m.closed = true
	m.mu.Unlock()

	m.tr.SetHandler(nil)
	m.inbox.Close()
	m.delivery.Close()
	if m.opts.Registerer != nil {
		m.metrics.Unregister(m.opts.Registerer)
	}
	return err
}

// StatusFor returns the status of id. Unknown peers are Disconnected.
func (m *Manager) StatusFor(id peer.ID) peer.Status {
	return m.table.Status(id)
}

// ConnectedPeers returns the Connected peers in discovery order.
func (m *Manager) ConnectedPeers() []peer.ID {
	return m.table.Connected()
}

// Peers returns a snapshot of every tracked peer in discovery order.
func (m *Manager) Peers() []peer.Record {
	return m.table.Snapshot()
}

// ServiceKey returns the key of the current start cycle, or "" when idle.
func (m *Manager) ServiceKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serviceKey
}

// LocalID returns the identity of this device on the transport.
func (m *Manager) LocalID() peer.ID {
	return m.localID
}

// IsRunning reports whether StartAndConnect is in effect.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Metrics returns the manager's collectors.
func (m *Manager) Metrics() *metrics.Metrics {
	return m.metrics
}

// Send transmits env to a Connected peer. It returns ErrNotConnected without
// touching the transport otherwise. A transmit failure is not returned: the
// peer is reported Lost instead.
func (m *Manager) Send(id peer.ID, env envelope.Sendable) error {
	if env == nil || env.Raw() == nil {
		return fmt.Errorf("send to %s: %w", id.Short(), envelope.ErrNotSerializable)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	status := m.table.Status(id)
	gen := m.generation.Load()
	m.mu.Unlock()

	if status != peer.StatusConnected {
		return fmt.Errorf("send to %s (%s): %w", id.Short(), status, ErrNotConnected)
	}

	data, err := env.Raw().Marshal()
	if err != nil {
		return fmt.Errorf("send to %s: %w", id.Short(), err)
	}

	if err := m.tr.Send(id, data); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "Send",
			"peer":     id.Short(),
			"error":    err.Error(),
		}).Warn("Transmit failed, reporting peer lost")
		m.post(gen, func() { m.sendFailedLocked(id) })
		return nil
	}

	m.metrics.EnvelopesSent.Inc()
	return nil
}

// EnterBackground applies the backgrounding policy: discovery stops, and
// unless GracefulBackgrounding is set every active session is torn down.
func (m *Manager) EnterBackground() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.background {
		return
	}
	m.background = true
	if !m.running {
		return
	}

	if err := m.stopDiscoveryLocked(); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "EnterBackground",
			"error":    err.Error(),
		}).Warn("Failed to stop discovery")
	}
	m.visible = make(map[peer.ID]bool)

	if !m.opts.GracefulBackgrounding {
		for _, rec := range m.table.Snapshot() {
			if rec.Status.IsActive() {
				m.loseLocked(rec.ID, true)
			}
		}
	}

	m.log.WithFields(logrus.Fields{
		"function": "EnterBackground",
		"graceful": m.opts.GracefulBackgrounding,
	}).Info("Entered background")
}

// EnterForeground resumes discovery after EnterBackground.
func (m *Manager) EnterForeground() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.background {
		return
	}
	m.background = false
	if !m.running {
		return
	}

	if err := m.startDiscoveryLocked(m.opts.ReconnectOnForeground); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "EnterForeground",
			"error":    err.Error(),
		}).Warn("Failed to resume discovery")
	}

	m.log.WithFields(logrus.Fields{
		"function":  "EnterForeground",
		"reconnect": m.opts.ReconnectOnForeground,
	}).Info("Entered foreground")
}

func (m *Manager) startDiscoveryLocked(browse bool) error {
	if err := m.tr.StartAdvertising(m.serviceKey); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}
	if !browse {
		return nil
	}
	m.visible = make(map[peer.ID]bool)
	if err := m.tr.StartBrowsing(m.serviceKey); err != nil {
		return fmt.Errorf("start browsing: %w", err)
	}
	return nil
}

func (m *Manager) stopDiscoveryLocked() error {
	var err error
	if aerr := m.tr.StopAdvertising(); aerr != nil {
		err = multierr.Append(err, fmt.Errorf("stop advertising: %w", aerr))
	}
	if berr := m.tr.StopBrowsing(); berr != nil {
		err = multierr.Append(err, fmt.Errorf("stop browsing: %w", berr))
	}
	return err
}
