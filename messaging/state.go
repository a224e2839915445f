package messaging

import (
	"time"

	"github.com/meshrpc/meshrpc-go/reliability"
)

// ConnectionState is the connection lifecycle state shared by client and
// server.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ReconnectPolicy drives reconnection after a lost or failed connection.
type ReconnectPolicy struct {
	// Enabled turns automatic reconnection on.
	Enabled bool
	// InitialDelay is the delay before the first reconnect attempt.
	InitialDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// BackoffFactor grows the delay per attempt.
	BackoffFactor float64
	// MaxAttempts is the consecutive-failure limit before reconnection gives
	// up and the connection goes terminally Disconnected.
	MaxAttempts int
	// ResetOnSuccess resets the attempt counter on the first successful
	// (re)connection.
	ResetOnSuccess bool
}

// DefaultReconnectPolicy matches the protocol defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:        true,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		BackoffFactor:  1.5,
		MaxAttempts:    10,
		ResetOnSuccess: true,
	}
}

// backoff returns the reliability policy computing this policy's delays.
func (p ReconnectPolicy) backoff() reliability.Policy {
	return reliability.NewExponentialBackoff(p.InitialDelay, p.MaxDelay, p.BackoffFactor, p.MaxAttempts)
}

// HeartbeatConfig controls liveness signaling and detection.
type HeartbeatConfig struct {
	// Interval is how often heartbeats are emitted. The liveness checker
	// runs at Interval/2.
	Interval time.Duration
	// Timeout is how long since the last received heartbeat counts as a
	// miss.
	Timeout time.Duration
	// MissedThreshold is the consecutive-miss count that declares the
	// connection lost.
	MissedThreshold int
}

// DefaultHeartbeatConfig matches the protocol defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:        30 * time.Second,
		Timeout:         90 * time.Second,
		MissedThreshold: 3,
	}
}
