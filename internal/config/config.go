// Package config holds the runtime configuration types.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role represents how the process participates (relay server, softphone or demo).
type Role string

const (
	RoleRelay Role = "relay"
	RolePeer  Role = "peer"
	RoleDemo  Role = "demo"
)

// GlarePolicy decides what happens when two parties call each other at once.
type GlarePolicy string

const (
	// GlareRejectBoth answers both crossing requests with busy.
	GlareRejectBoth GlarePolicy = "reject-both"
	// GlareLowerIdentityWins keeps the call placed by the lexicographically
	// smaller identity.
	GlareLowerIdentityWins GlarePolicy = "lower-wins"
)

// Config stores all parameters gathered from CLI flags or interactive prompts.
type Config struct {
	Role     Role
	Identity string // Peer: local user identity
	RelayURL string // Peer: WebSocket URL of the signaling relay
	Listen   string // Relay: listen address
	PIN      string // Relay/Peer: shared PIN checked by the relay

	STUNServers []string

	// In-memory signaling simulation (demo role).
	MinLatency    time.Duration
	MaxLatency    time.Duration
	DuplicateRate float64

	RingTimeout      time.Duration // outgoing call unanswered
	ConnectTimeout   time.Duration // connecting never reaches connected
	ReconnectTimeout time.Duration // reconnecting never recovers

	Glare GlarePolicy

	MetricsAddr string // serve /metrics when non-empty
	Debug       bool
}

// Default returns a Config with the documented defaults.
func Default() Config {
	return Config{
		Role:   RolePeer,
		Listen: "127.0.0.1:8080",
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		MinLatency:       200 * time.Millisecond,
		MaxLatency:       500 * time.Millisecond,
		RingTimeout:      30 * time.Second,
		ConnectTimeout:   15 * time.Second,
		ReconnectTimeout: 10 * time.Second,
		Glare:            GlareRejectBoth,
	}
}

// Validate reports the first inconsistency found in c.
func (c Config) Validate() error {
	switch c.Role {
	case RoleRelay:
		if c.Listen == "" {
			return errors.New("relay requires a listen address")
		}
	case RolePeer:
		if strings.TrimSpace(c.Identity) == "" {
			return errors.New("peer requires an identity")
		}
		if c.RelayURL == "" {
			return errors.New("peer requires a relay URL")
		}
	case RoleDemo:
	default:
		return fmt.Errorf("invalid role %q: must be relay, peer or demo", c.Role)
	}

	if c.MinLatency < 0 || c.MaxLatency < c.MinLatency {
		return fmt.Errorf("invalid latency range [%v, %v]", c.MinLatency, c.MaxLatency)
	}
	if c.DuplicateRate < 0 || c.DuplicateRate >= 1 {
		return fmt.Errorf("duplicate rate must be in [0, 1), got %v", c.DuplicateRate)
	}
	for name, d := range map[string]time.Duration{
		"ring":      c.RingTimeout,
		"connect":   c.ConnectTimeout,
		"reconnect": c.ReconnectTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s timeout must be positive, got %v", name, d)
		}
	}
	switch c.Glare {
	case GlareRejectBoth, GlareLowerIdentityWins:
	default:
		return fmt.Errorf("invalid glare policy %q", c.Glare)
	}
	return nil
}
