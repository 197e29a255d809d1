package runtime

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how a request balances cached data against the network.
type Mode string

const (
	// ModeCacheOnly serves the stored entry and never fetches.
	ModeCacheOnly Mode = "cache-only"
	// ModeCacheThenRefresh serves the stored entry and starts a background cycle.
	ModeCacheThenRefresh Mode = "cache-then-refresh"
	// ModeForceFresh serves a fresh entry or waits for a cycle to finish.
	ModeForceFresh Mode = "force-fresh"
)

// ParseMode maps user input onto a Mode. Empty input selects
// ModeCacheThenRefresh.
func ParseMode(value string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(value))); m {
	case ModeCacheOnly, ModeCacheThenRefresh, ModeForceFresh:
		return m, nil
	case "":
		return ModeCacheThenRefresh, nil
	default:
		return "", fmt.Errorf("runtime: unknown mode %q", value)
	}
}

// Policy holds the tunables of fetch cycles. It can be swapped at runtime; a
// running cycle keeps the policy it started with.
type Policy struct {
	TTL            time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	AttemptTimeout time.Duration
	MaxPages       int
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		TTL:            5 * time.Minute,
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Jitter:         0.2,
		AttemptTimeout: 30 * time.Second,
		MaxPages:       50,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.TTL < 0 {
		p.TTL = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	if p.MaxPages <= 0 {
		p.MaxPages = def.MaxPages
	}
	return p
}
