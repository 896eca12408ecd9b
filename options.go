package onetoone

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/onetoone/dispatch"
)

// Options contains manager configuration.
type Options struct {
	// GracefulBackgrounding keeps sessions alive while the application is in
	// the background. When false, entering the background also tears down
	// every session.
	GracefulBackgrounding bool

	// ForceMainThread routes every callback through MainThread.
	ForceMainThread bool
	MainThread      dispatch.Executor

	// LostGracePeriod is how long a peer stays Lost before it settles to
	// Disconnected.
	LostGracePeriod time.Duration

	// InviteTimeout bounds how long a peer may stay Inviting.
	InviteTimeout time.Duration

	// ReconnectOnForeground restarts browsing when the application returns to
	// the foreground. When false only advertising resumes and the application
	// calls Radar to look for peers again.
	ReconnectOnForeground bool

	Logger     *logrus.Logger
	Clock      clock.Clock
	Registerer prometheus.Registerer
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		GracefulBackgrounding: true,
		ForceMainThread:       false,
		LostGracePeriod:       3 * time.Second,
		InviteTimeout:         30 * time.Second,
		ReconnectOnForeground: true,
	}
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.LostGracePeriod < 0 {
		return fmt.Errorf("lost grace period must not be negative: %v", o.LostGracePeriod)
	}
	if o.InviteTimeout <= 0 {
		return fmt.Errorf("invite timeout must be positive: %v", o.InviteTimeout)
	}
	if o.ForceMainThread && o.MainThread == nil {
		return errors.New("force main thread requires a main thread executor")
	}
	return nil
}

// ValidateServiceKey checks key against the service type rules: 1-15
// characters of lowercase ASCII letters, digits and hyphens, at least one
// letter, and no leading, trailing or consecutive hyphens.
func ValidateServiceKey(key string) error {
	if len(key) == 0 || len(key) > 15 {
		return fmt.Errorf("%w: %q must be 1-15 characters", ErrInvalidServiceKey, key)
	}
	if key[0] == '-' || key[len(key)-1] == '-' {
		return fmt.Errorf("%w: %q must not start or end with a hyphen", ErrInvalidServiceKey, key)
	}

	hasLetter := false
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
			hasLetter = true
		case c >= '0' && c <= '9':
		case c == '-':
			if key[i-1] == '-' {
				return fmt.Errorf("%w: %q contains consecutive hyphens", ErrInvalidServiceKey, key)
			}
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidServiceKey, key, c)
		}
	}
	if !hasLetter {
		return fmt.Errorf("%w: %q must contain a letter", ErrInvalidServiceKey, key)
	}
	return nil
}
