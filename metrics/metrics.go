// Package metrics exposes Prometheus collectors for the connection manager.
//
// A Metrics value is always safe to use; collectors are only visible to a
// scraper once registered:
//
//	m := metrics.New()
//	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
//	    return err
//	}
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/opd-ai/onetoone/peer"
)

const namespace = "onetoone"

// Invite directions.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Invite outcomes.
const (
	OutcomeSent     = "sent"
	OutcomeFailed   = "failed"
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeDeferred = "deferred"
	OutcomeTimedOut = "timed_out"
)

// Metrics groups the manager's collectors.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	InvalidTransitions prometheus.Counter
	EnvelopesSent      prometheus.Counter
	EnvelopesReceived  prometheus.Counter
	PayloadsDropped    prometheus.Counter
	Invites            *prometheus.CounterVec
	ConnectedPeers     prometheus.Gauge
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Peer status transitions by resulting status.",
		}, []string{"status"}),
		InvalidTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_transitions_total",
			Help:      "Transitions rejected by the status rules and coerced to Unknown.",
		}),
		EnvelopesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Envelopes handed to the transport.",
		}),
		EnvelopesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_received_total",
			Help:      "Envelopes parsed and delivered to the application.",
		}),
		PayloadsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payloads_dropped_total",
			Help:      "Received payloads discarded because they did not parse.",
		}),
		Invites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invites_total",
			Help:      "Session invitations by direction and outcome.",
		}, []string{"direction", "outcome"}),
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Peers currently in the Connected status.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Transitions,
		m.InvalidTransitions,
		m.EnvelopesSent,
		m.EnvelopesReceived,
		m.PayloadsDropped,
		m.Invites,
		m.ConnectedPeers,
	}
}

// Register adds every collector to reg. Collectors already registered by this
// Metrics are skipped.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var err error
	for _, c := range m.collectors() {
		if rerr := reg.Register(c); rerr != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(rerr, &already) && already.ExistingCollector == c {
				continue
			}
			err = multierr.Append(err, rerr)
		}
	}
	return err
}

// Unregister removes every collector from reg.
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

// ObserveTransition records a status change.
func (m *Metrics) ObserveTransition(tr peer.Transition) {
	m.Transitions.WithLabelValues(tr.To.String()).Inc()
	if tr.Coerced {
		m.InvalidTransitions.Inc()
	}
}

// ObserveInvite records an invitation outcome.
func (m *Metrics) ObserveInvite(direction, outcome string) {
	m.Invites.WithLabelValues(direction, outcome).Inc()
}

// SetConnected sets the connected peer gauge.
func (m *Metrics) SetConnected(n int) {
	m.ConnectedPeers.Set(float64(n))
}
