// Package msf drives a Metasploit RPC console as the command channel for
// automated exploitation. One adapter owns one console; every command from
// every component is serialized through it, and completion is detected via
// the console busy flag rather than prompt scraping.
package msf

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fpr1m3/go-msf-rpc/rpc"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
)

var errClosed = errors.New("framework channel is closed")

// frameworkConsole is the minimal console surface the adapter needs. The
// production implementation wraps a go-msf-rpc console; tests substitute a
// scripted fake.
type frameworkConsole interface {
	Write(command string) error
	Read() (data string, busy bool, err error)
	Destroy()
}

// consoleFactory allocates a replacement console after a forced interrupt.
type consoleFactory func() (frameworkConsole, error)

// Adapter implements core.FrameworkAdapter on top of the Metasploit RPC
// console API. The mutex is the serialization point: holders of the lock
// own the console until their command completes, times out, or fails.
type Adapter struct {
	mu      sync.Mutex
	console frameworkConsole
	factory consoleFactory
	logout  func()

	log            *logger.Logger
	endpoint       string
	readInterval   time.Duration
	commandTimeout time.Duration
	drainTimeout   time.Duration

	closed bool
	// tainted marks the console as carrying output that belongs to a
	// previous command (after a timeout or cancellation). The next Execute
	// drains it before writing.
	tainted bool
}

// Open authenticates against the framework RPC endpoint and allocates the
// console that will carry every subsequent command.
func Open(cfg config.MSFConfig, log *logger.Logger) (*Adapter, error) {
	client, err := rpc.New(cfg.Endpoint(), cfg.Username, cfg.Password)
	if err != nil {
		return nil, &core.ConnectionError{Endpoint: cfg.Endpoint(), Err: err}
	}

	a := &Adapter{
		factory: func() (frameworkConsole, error) {
			c, err := newRPCConsole(client)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		logout:         func() { client.Logout() },
		log:            log.WithComponent("msf"),
		endpoint:       cfg.Endpoint(),
		readInterval:   cfg.ReadInterval,
		commandTimeout: cfg.CommandTimeout,
		drainTimeout:   cfg.CommandTimeout,
	}
	if a.readInterval <= 0 {
		a.readInterval = 300 * time.Millisecond
	}
	if a.commandTimeout <= 0 {
		a.commandTimeout = 30 * time.Second
		a.drainTimeout = 30 * time.Second
	}

	console, err := a.factory()
	if err != nil {
		a.logout()
		return nil, &core.ConnectionError{Endpoint: cfg.Endpoint(), Err: err}
	}
	a.console = console

	// Swallow the startup banner so the first command sees only its own
	// output.
	a.drain(context.Background())

	a.log.Infow("Framework console opened", "endpoint", a.endpoint)
	return a, nil
}

// newAdapter wires an adapter around an existing console. Used by tests.
func newAdapter(console frameworkConsole, factory consoleFactory, log *logger.Logger) *Adapter {
	return &Adapter{
		console:        console,
		factory:        factory,
		log:            log.WithComponent("msf"),
		endpoint:       "test",
		readInterval:   time.Millisecond,
		commandTimeout: time.Second,
		drainTimeout:   50 * time.Millisecond,
	}
}

// Execute writes one command to the console and collects output until the
// framework reports idle or the timeout elapses. On timeout the console is
// left open; the command may still be running inside the framework, so the
// channel is marked for a drain before the next command.
func (a *Adapter) Execute(ctx context.Context, command string, timeout time.Duration) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", &core.ConnectionError{Endpoint: a.endpoint, Err: errClosed}
	}
	if a.tainted {
		a.drain(ctx)
		a.tainted = false
	}

	if err := a.console.Write(command + "\n"); err != nil {
		a.closed = true
		return "", &core.ConnectionError{Endpoint: a.endpoint, Err: err}
	}

	var out strings.Builder
	deadline := time.Now().Add(timeout)

	for {
		select {
		case <-ctx.Done():
			a.tainted = true
			return out.String(), ctx.Err()
		case <-time.After(a.readInterval):
		}

		data, busy, err := a.console.Read()
		if err != nil {
			a.closed = true
			return out.String(), &core.ConnectionError{Endpoint: a.endpoint, Err: err}
		}
		if data != "" {
			a.log.Debugw("Framework output", "command", command, "output", data)
			out.WriteString(data)
		}
		if !busy {
			return out.String(), nil
		}
		if time.Now().After(deadline) {
			a.tainted = true
			a.log.Warnw("Framework command timed out",
				"command", command,
				"timeout", timeout.String(),
			)
			return out.String(), &core.TimeoutError{Command: command, Timeout: timeout}
		}
	}
}

// Interrupt abandons whatever the console is doing and replaces it with a
// fresh one. Used after a timed-out attempt when the framework may still be
// mid-exploit; the RPC login survives, only the console is discarded.
func (a *Adapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return &core.ConnectionError{Endpoint: a.endpoint, Err: errClosed}
	}

	a.log.Infow("Interrupting framework console")
	a.console.Destroy()

	console, err := a.factory()
	if err != nil {
		a.closed = true
		return &core.ConnectionError{Endpoint: a.endpoint, Err: err}
	}
	a.console = console
	a.tainted = false
	a.drain(ctx)
	return nil
}

// Version reports the framework version banner. Doubles as the liveness
// probe for health checks.
func (a *Adapter) Version(ctx context.Context) (string, error) {
	out, err := a.Execute(ctx, "version", a.commandTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Close destroys the console and logs out of the RPC session. Safe to call
// more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	if a.console != nil {
		a.console.Destroy()
	}
	if a.logout != nil {
		a.logout()
	}
	a.log.Infow("Framework console closed", "endpoint", a.endpoint)
	return nil
}

// drain discards console output left over from an earlier command. Stale
// bytes are logged, never returned. Callers must hold the mutex.
func (a *Adapter) drain(ctx context.Context) {
	deadline := time.Now().Add(a.drainTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.readInterval):
		}

		data, busy, err := a.console.Read()
		if err != nil {
			return
		}
		if data != "" {
			a.log.Debugw("Discarding stale framework output", "output", data)
		}
		if !busy || time.Now().After(deadline) {
			return
		}
	}
}

// rpcConsole binds one go-msf-rpc console id to the client that owns it.
type rpcConsole struct {
	client *rpc.Metasploit
	id     string
}

func newRPCConsole(client *rpc.Metasploit) (*rpcConsole, error) {
	console, err := client.ConsoleCreate()
	if err != nil {
		return nil, err
	}
	return &rpcConsole{client: client, id: console.Id}, nil
}

func (c *rpcConsole) Write(command string) error {
	_, err := c.client.ConsoleWrite(c.id, command)
	return err
}

func (c *rpcConsole) Read() (string, bool, error) {
	res, err := c.client.ConsoleRead(c.id)
	if err != nil {
		return "", false, err
	}
	return res.Data, res.Busy, nil
}

func (c *rpcConsole) Destroy() {
	c.client.ConsoleDestroy(c.id)
}
