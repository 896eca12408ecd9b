package lan

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/onetoone/crypto"
	"github.com/opd-ai/onetoone/limits"
)

const (
	// DefaultDiscoveryPort is the UDP port beacons are sent to and read from.
	DefaultDiscoveryPort = 47810
)

// Config contains LAN transport configuration.
type Config struct {
	// DiscoveryPort is the UDP port bound for beacons. Zero picks a free port,
	// which is only useful together with BeaconTargets.
	DiscoveryPort int
	// ListenAddr is the TCP address sessions are accepted on.
	ListenAddr string
	// Broadcast sends beacons to the limited broadcast address and the
	// directed broadcast address of every local IPv4 network.
	Broadcast bool
	// BeaconTargets are additional unicast host:port beacon destinations.
	BeaconTargets []string

	BeaconInterval time.Duration
	// PeerTimeout is how long a peer stays visible without a beacon.
	PeerTimeout time.Duration

	DialTimeout      time.Duration
	DialAttempts     uint
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// InviteTimeout bounds how long an inbound invitation waits for Respond.
	InviteTimeout time.Duration

	// DisplayName is advertised in beacons for UI purposes.
	DisplayName string
	// KeyPair is the device identity. Nil generates a fresh one.
	KeyPair *crypto.KeyPair
	Clock   clock.Clock
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DiscoveryPort:    DefaultDiscoveryPort,
		ListenAddr:       ":0",
		Broadcast:        true,
		BeaconInterval:   2 * time.Second,
		PeerTimeout:      10 * time.Second,
		DialTimeout:      5 * time.Second,
		DialAttempts:     3,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		InviteTimeout:    30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DiscoveryPort < 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("invalid discovery port %d", c.DiscoveryPort)
	}
	if c.ListenAddr == "" {
		return errors.New("listen address required")
	}
	if c.BeaconInterval <= 0 {
		return errors.New("beacon interval must be positive")
	}
	if c.PeerTimeout <= c.BeaconInterval {
		return fmt.Errorf("peer timeout %v must exceed beacon interval %v", c.PeerTimeout, c.BeaconInterval)
	}
	if c.DialTimeout <= 0 || c.HandshakeTimeout <= 0 || c.WriteTimeout <= 0 || c.InviteTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.DialAttempts == 0 {
		return errors.New("dial attempts must be at least 1")
	}
	if len(c.DisplayName) > limits.MaxDisplayNameLength {
		return fmt.Errorf("display name longer than %d bytes", limits.MaxDisplayNameLength)
	}
	for _, target := range c.BeaconTargets {
		if _, _, err := net.SplitHostPort(target); err != nil {
			return fmt.Errorf("invalid beacon target %q: %w", target, err)
		}
	}
	return nil
}
