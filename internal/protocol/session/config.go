package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTimeout = errors.New("session: invalid timeout")

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config bounds how long one connection may block at each protocol step.
// A zero duration disables that deadline, which is the baseline behavior:
// a hung peer or publish call holds its slot until it returns.
type Config struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PublishTimeout   time.Duration
	Backoff          BackoffConfig
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// DefaultConfig leaves every deadline disabled.
func DefaultConfig() Config {
	return Config{Backoff: DefaultBackoff()}
}

// WithDefaults fills an unset backoff policy.
func (c Config) WithDefaults() Config {
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = DefaultBackoff()
	}
	return c
}

func (c Config) Validate() error {
	checks := []struct {
		name string
		d    time.Duration
	}{
		{"handshake_timeout", c.HandshakeTimeout},
		{"read_timeout", c.ReadTimeout},
		{"write_timeout", c.WriteTimeout},
		{"publish_timeout", c.PublishTimeout},
	}
	for _, chk := range checks {
		if chk.d < 0 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidTimeout, chk.name, chk.d)
		}
	}
	return nil
}

// Deadliner is the subset of net.Conn used to arm per-step deadlines.
type Deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// ArmRead sets a read deadline d from now, or clears it when d <= 0.
func ArmRead(c Deadliner, d time.Duration) error {
	return c.SetReadDeadline(deadline(d))
}

// ArmWrite sets a write deadline d from now, or clears it when d <= 0.
func ArmWrite(c Deadliner, d time.Duration) error {
	return c.SetWriteDeadline(deadline(d))
}

// PublishContext derives the context one publish call runs under.
func (c Config) PublishContext(parent context.Context) (context.Context, context.CancelFunc) {
	if c.PublishTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.PublishTimeout)
}

func deadline(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
