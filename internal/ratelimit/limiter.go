// Package ratelimit paces probes against engagement networks. Discovery
// sweeps and port scans go through one limiter so the combined probe rate
// stays inside what the rules of engagement allow.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
)

// Limiter throttles outbound probes globally and per host.
type Limiter struct {
	limiter   *rate.Limiter
	minDelay  time.Duration
	burstSize int
	lastProbe map[string]time.Time
	mu        sync.Mutex
}

// Config contains probe pacing configuration.
type Config struct {
	// ProbesPerSecond limits the aggregate probe rate.
	ProbesPerSecond float64

	// BurstSize allows brief bursts above the steady rate.
	BurstSize int

	// MinDelay is the minimum spacing between probes to the same host.
	MinDelay time.Duration
}

// DefaultConfig paces a typical internal-network engagement.
func DefaultConfig() Config {
	return Config{
		ProbesPerSecond: 50.0,
		BurstSize:       100,
		MinDelay:        20 * time.Millisecond,
	}
}

// FastConfig suits lab networks where nobody minds the noise.
func FastConfig() Config {
	return Config{
		ProbesPerSecond: 200.0,
		BurstSize:       400,
		MinDelay:        5 * time.Millisecond,
	}
}

// StealthConfig keeps the probe rate low enough to sit under most IDS
// thresholds. Sweeps take much longer.
func StealthConfig() Config {
	return Config{
		ProbesPerSecond: 2.0,
		BurstSize:       1,
		MinDelay:        500 * time.Millisecond,
	}
}

// FromConfig builds a limiter from the loaded configuration, filling
// unset fields with defaults.
func FromConfig(cfg config.RateLimitConfig) *Limiter {
	defaults := DefaultConfig()
	c := Config{
		ProbesPerSecond: float64(cfg.RequestsPerSecond),
		BurstSize:       cfg.BurstSize,
		MinDelay:        cfg.MinDelay,
	}
	if c.ProbesPerSecond <= 0 {
		c.ProbesPerSecond = defaults.ProbesPerSecond
	}
	if c.BurstSize <= 0 {
		c.BurstSize = defaults.BurstSize
	}
	if c.MinDelay <= 0 {
		c.MinDelay = defaults.MinDelay
	}
	return NewLimiter(c)
}

func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		limiter:   rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), cfg.BurstSize),
		minDelay:  cfg.MinDelay,
		burstSize: cfg.BurstSize,
		lastProbe: make(map[string]time.Time),
	}
}

// Wait blocks until the global rate allows the next probe.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// WaitForHost blocks until both the global rate and the per-host spacing
// allow a probe to the given host.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if last, exists := l.lastProbe[host]; exists {
		elapsed := time.Since(last)
		if elapsed < l.minDelay {
			select {
			case <-time.After(l.minDelay - elapsed):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	l.lastProbe[host] = time.Now()
	return nil
}

// Allow reports whether a probe may fire right now, without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// SetLimit changes the aggregate probe rate on a running limiter.
func (l *Limiter) SetLimit(probesPerSecond float64) {
	l.limiter.SetLimit(rate.Limit(probesPerSecond))
}

// SetBurst changes the burst allowance on a running limiter.
func (l *Limiter) SetBurst(burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.burstSize = burst
	l.limiter.SetBurst(burst)
}

// Reset forgets all per-host probe history.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastProbe = make(map[string]time.Time)
}

func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		TrackedHosts: len(l.lastProbe),
		BurstSize:    l.burstSize,
		MinDelay:     l.minDelay,
	}
}

type Stats struct {
	TrackedHosts int
	BurstSize    int
	MinDelay     time.Duration
}
