// Package shutdown coordinates orderly teardown. Subsystems register in
// startup order and are shut down in reverse, so the API server drains
// before the worker pool stops, and the pool stops before its framework
// consoles close.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
)

type Handler struct {
	mu    sync.Mutex
	funcs []namedFunc
	done  chan struct{}
	once  sync.Once
	log   *logger.Logger
}

type namedFunc struct {
	name string
	fn   func() error
}

func NewHandler(log *logger.Logger) *Handler {
	return &Handler{
		done: make(chan struct{}),
		log:  log.WithComponent("shutdown"),
	}
}

// Register adds a teardown step. The name shows up in logs when the step
// fails, so use the subsystem's name, not a description.
func (h *Handler) Register(name string, fn func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs = append(h.funcs, namedFunc{name: name, fn: fn})
}

// Wait blocks until a signal arrives or ctx is cancelled, then runs the
// shutdown sequence. A second signal skips the sequence and exits hard;
// an operator pressing Ctrl-C twice wants out now.
func (h *Handler) Wait(ctx context.Context) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		h.log.Infow("Received signal, shutting down", "signal", sig.String())
		go func() {
			sig := <-sigChan
			h.log.Warnw("Second signal received, exiting immediately", "signal", sig.String())
			os.Exit(1)
		}()
	case <-ctx.Done():
		h.log.Infow("Context cancelled, shutting down")
	}

	h.Shutdown()
}

// Shutdown runs every registered step in reverse registration order.
// Errors are logged, not returned; a failing step must not keep later
// steps from running.
func (h *Handler) Shutdown() {
	h.once.Do(func() {
		h.mu.Lock()
		funcs := make([]namedFunc, len(h.funcs))
		copy(funcs, h.funcs)
		h.mu.Unlock()

		for i := len(funcs) - 1; i >= 0; i-- {
			step := funcs[i]
			start := time.Now()
			if err := step.fn(); err != nil {
				h.log.Errorw("Shutdown step failed",
					"step", step.name,
					"error", err,
				)
				continue
			}
			h.log.Debugw("Shutdown step finished",
				"step", step.name,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
		close(h.done)
	})
}

// ShutdownWithTimeout runs Shutdown but gives up waiting after the timeout.
// The steps keep running in the background; only the wait is abandoned.
func (h *Handler) ShutdownWithTimeout(timeout time.Duration) error {
	go h.Shutdown()

	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown incomplete after %v", timeout)
	}
}

// Done is closed once the full shutdown sequence has finished.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}
