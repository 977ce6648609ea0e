package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
)

func TestNewLimiter(t *testing.T) {
	cfg := DefaultConfig()
	limiter := NewLimiter(cfg)

	if limiter == nil {
		t.Fatal("NewLimiter() should return non-nil limiter")
	}

	if limiter.minDelay != cfg.MinDelay {
		t.Errorf("limiter.minDelay = %v, want %v", limiter.minDelay, cfg.MinDelay)
	}

	stats := limiter.GetStats()
	if stats.BurstSize != cfg.BurstSize {
		t.Errorf("stats.BurstSize = %v, want %v", stats.BurstSize, cfg.BurstSize)
	}
}

func TestFromConfigFillsDefaults(t *testing.T) {
	limiter := FromConfig(config.RateLimitConfig{})

	stats := limiter.GetStats()
	defaults := DefaultConfig()
	if stats.BurstSize != defaults.BurstSize {
		t.Errorf("stats.BurstSize = %v, want %v", stats.BurstSize, defaults.BurstSize)
	}
	if stats.MinDelay != defaults.MinDelay {
		t.Errorf("stats.MinDelay = %v, want %v", stats.MinDelay, defaults.MinDelay)
	}

	limiter = FromConfig(config.RateLimitConfig{RequestsPerSecond: 5, BurstSize: 2, MinDelay: time.Second})
	stats = limiter.GetStats()
	if stats.BurstSize != 2 {
		t.Errorf("stats.BurstSize = %v, want 2", stats.BurstSize)
	}
	if stats.MinDelay != time.Second {
		t.Errorf("stats.MinDelay = %v, want 1s", stats.MinDelay)
	}
}

func TestLimiter_Wait(t *testing.T) {
	cfg := Config{
		ProbesPerSecond: 10.0,
		BurstSize:       2,
		MinDelay:        10 * time.Millisecond,
	}
	limiter := NewLimiter(cfg)
	ctx := context.Background()

	// The burst allowance should pass without blocking.
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	duration := time.Since(start)
	if duration > 50*time.Millisecond {
		t.Errorf("Burst probes took too long: %v", duration)
	}

	// The next probe has to wait for a token.
	start = time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	duration = time.Since(start)

	if duration < 50*time.Millisecond {
		t.Errorf("Rate limiter did not delay enough: %v", duration)
	}
}

func TestLimiter_WaitForHost(t *testing.T) {
	cfg := Config{
		ProbesPerSecond: 100.0,
		BurstSize:       10,
		MinDelay:        50 * time.Millisecond,
	}
	limiter := NewLimiter(cfg)
	ctx := context.Background()

	host := "10.0.0.5"

	start := time.Now()
	if err := limiter.WaitForHost(ctx, host); err != nil {
		t.Fatalf("WaitForHost() error = %v", err)
	}
	duration := time.Since(start)
	if duration > 20*time.Millisecond {
		t.Errorf("First probe took too long: %v", duration)
	}

	// A second probe to the same host must honor the spacing.
	start = time.Now()
	if err := limiter.WaitForHost(ctx, host); err != nil {
		t.Fatalf("WaitForHost() error = %v", err)
	}
	duration = time.Since(start)

	if duration < cfg.MinDelay {
		t.Errorf("Per-host spacing not enforced: %v < %v", duration, cfg.MinDelay)
	}
}

func TestLimiter_WaitForHost_DifferentHosts(t *testing.T) {
	cfg := Config{
		ProbesPerSecond: 100.0,
		BurstSize:       10,
		MinDelay:        100 * time.Millisecond,
	}
	limiter := NewLimiter(cfg)
	ctx := context.Background()

	// Probes to different hosts must not block each other.
	start := time.Now()

	for _, host := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		if err := limiter.WaitForHost(ctx, host); err != nil {
			t.Fatalf("WaitForHost(%s) error = %v", host, err)
		}
	}

	duration := time.Since(start)
	if duration > 50*time.Millisecond {
		t.Errorf("Different hosts took too long: %v", duration)
	}

	stats := limiter.GetStats()
	if stats.TrackedHosts != 3 {
		t.Errorf("stats.TrackedHosts = %v, want 3", stats.TrackedHosts)
	}
}

func TestLimiter_Allow(t *testing.T) {
	cfg := Config{
		ProbesPerSecond: 10.0,
		BurstSize:       2,
		MinDelay:        10 * time.Millisecond,
	}
	limiter := NewLimiter(cfg)

	if !limiter.Allow() {
		t.Error("Allow() should allow first burst probe")
	}
	if !limiter.Allow() {
		t.Error("Allow() should allow second burst probe")
	}

	if limiter.Allow() {
		t.Error("Allow() should deny probe after burst exhausted")
	}

	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow() {
		t.Error("Allow() should allow probe after token replenishment")
	}
}

func TestLimiter_SetLimit(t *testing.T) {
	cfg := Config{
		ProbesPerSecond: 10.0,
		BurstSize:       5,
		MinDelay:        10 * time.Millisecond,
	}
	limiter := NewLimiter(cfg)

	newRate := 20.0
	limiter.SetLimit(newRate)

	ctx := context.Background()

	for i := 0; i < cfg.BurstSize; i++ {
		limiter.Wait(ctx)
	}

	start := time.Now()
	limiter.Wait(ctx)
	duration := time.Since(start)

	expectedDelay := time.Second / time.Duration(newRate)
	tolerance := 20 * time.Millisecond

	if duration < expectedDelay-tolerance || duration > expectedDelay+tolerance {
		t.Errorf("SetLimit() behavior: delay = %v, want ~%v", duration, expectedDelay)
	}
}

func TestLimiter_Reset(t *testing.T) {
	cfg := Config{
		ProbesPerSecond: 100.0,
		BurstSize:       10,
		MinDelay:        50 * time.Millisecond,
	}
	limiter := NewLimiter(cfg)
	ctx := context.Background()

	limiter.WaitForHost(ctx, "10.0.0.1")
	limiter.WaitForHost(ctx, "10.0.0.2")
	limiter.WaitForHost(ctx, "10.0.0.3")

	stats := limiter.GetStats()
	if stats.TrackedHosts != 3 {
		t.Errorf("Before reset: TrackedHosts = %v, want 3", stats.TrackedHosts)
	}

	limiter.Reset()

	stats = limiter.GetStats()
	if stats.TrackedHosts != 0 {
		t.Errorf("After reset: TrackedHosts = %v, want 0", stats.TrackedHosts)
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	cfg := Config{
		ProbesPerSecond: 1.0,
		BurstSize:       1,
		MinDelay:        10 * time.Millisecond,
	}
	limiter := NewLimiter(cfg)

	limiter.Wait(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := limiter.Wait(ctx)
	if err != context.Canceled {
		t.Errorf("Wait() with cancelled context: error = %v, want %v", err, context.Canceled)
	}
}

func TestLimiter_Configs(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"Default", DefaultConfig()},
		{"Fast", FastConfig()},
		{"Stealth", StealthConfig()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewLimiter(tt.cfg)
			if limiter == nil {
				t.Fatalf("NewLimiter() with %s config should return non-nil", tt.name)
			}

			stats := limiter.GetStats()
			if stats.BurstSize != tt.cfg.BurstSize {
				t.Errorf("%s config: BurstSize = %v, want %v", tt.name, stats.BurstSize, tt.cfg.BurstSize)
			}
			if stats.MinDelay != tt.cfg.MinDelay {
				t.Errorf("%s config: MinDelay = %v, want %v", tt.name, stats.MinDelay, tt.cfg.MinDelay)
			}
		})
	}
}
