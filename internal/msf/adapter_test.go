package msf

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/salvo/internal/config"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/core"
	"github.com/CodeMonkeyCybersecurity/salvo/internal/logger"
)

type readStep struct {
	data string
	busy bool
}

// fakeConsole scripts console reads and records writes. Setting stuck makes
// every read report busy, simulating a hung module. The overlap flag trips
// when a second command is written before the first one finished.
type fakeConsole struct {
	mu        sync.Mutex
	writes    []string
	script    []readStep
	stuck     bool
	writeErr  error
	readErr   error
	destroyed int

	inFlight   bool
	overlapped bool
}

func (f *fakeConsole) Write(command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.inFlight {
		f.overlapped = true
	}
	f.inFlight = true
	f.writes = append(f.writes, command)
	return nil
}

func (f *fakeConsole) Read() (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return "", false, f.readErr
	}
	if f.stuck {
		return "", true, nil
	}
	if len(f.script) == 0 {
		f.inFlight = false
		return "", false, nil
	}
	step := f.script[0]
	f.script = f.script[1:]
	if !step.busy {
		f.inFlight = false
	}
	return step.data, step.busy, nil
}

func (f *fakeConsole) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
}

func (f *fakeConsole) setStuck(stuck bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stuck = stuck
}

func (f *fakeConsole) setScript(steps []readStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = steps
}

func (f *fakeConsole) commandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestExecuteCollectsOutputUntilIdle(t *testing.T) {
	con := &fakeConsole{script: []readStep{
		{data: "[*] Using configured payload\n", busy: true},
		{data: "RHOSTS => 10.0.0.5\n", busy: false},
	}}
	a := newAdapter(con, nil, testLogger(t))

	out, err := a.Execute(context.Background(), "set RHOSTS 10.0.0.5", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "[*] Using configured payload\nRHOSTS => 10.0.0.5\n", out)
	assert.Equal(t, []string{"set RHOSTS 10.0.0.5\n"}, con.commandLog())
}

func TestExecuteTimeoutLeavesChannelUsable(t *testing.T) {
	con := &fakeConsole{stuck: true}
	a := newAdapter(con, nil, testLogger(t))

	out, err := a.Execute(context.Background(), "run", 10*time.Millisecond)
	require.Error(t, err)

	var timeoutErr *core.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, "run", timeoutErr.Command)
	assert.Empty(t, out)

	// The framework finishes the stale command later; the next command must
	// not see its output.
	con.setStuck(false)
	con.setScript([]readStep{
		{data: "[-] Exploit completed, but no session was created.\n", busy: false},
		{data: "version 6.4\n", busy: false},
	})

	out, err = a.Execute(context.Background(), "version", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "version 6.4\n", out)
}

func TestExecuteContextCancellation(t *testing.T) {
	con := &fakeConsole{stuck: true}
	a := newAdapter(con, nil, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := a.Execute(ctx, "run", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	// Cancellation taints but does not close the channel.
	con.setStuck(false)
	con.setScript([]readStep{
		{data: "stale\n", busy: false},
		{data: "ok\n", busy: false},
	})
	out, err := a.Execute(context.Background(), "version", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
}

func TestExecuteAfterCloseFails(t *testing.T) {
	con := &fakeConsole{}
	a := newAdapter(con, nil, testLogger(t))

	require.NoError(t, a.Close())

	_, err := a.Execute(context.Background(), "version", time.Second)
	var connErr *core.ConnectionError
	require.True(t, errors.As(err, &connErr))
}

func TestCloseIsIdempotent(t *testing.T) {
	con := &fakeConsole{}
	a := newAdapter(con, nil, testLogger(t))

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, con.destroyed)
}

func TestWriteFailureIsConnectionError(t *testing.T) {
	con := &fakeConsole{writeErr: errors.New("broken pipe")}
	a := newAdapter(con, nil, testLogger(t))

	_, err := a.Execute(context.Background(), "version", time.Second)
	var connErr *core.ConnectionError
	require.True(t, errors.As(err, &connErr))

	// Transport failures are fatal; the channel does not recover.
	_, err = a.Execute(context.Background(), "version", time.Second)
	require.True(t, errors.As(err, &connErr))
}

func TestReadFailureIsConnectionError(t *testing.T) {
	con := &fakeConsole{readErr: errors.New("connection reset")}
	a := newAdapter(con, nil, testLogger(t))

	_, err := a.Execute(context.Background(), "version", time.Second)
	var connErr *core.ConnectionError
	require.True(t, errors.As(err, &connErr))
}

func TestInterruptReplacesConsole(t *testing.T) {
	old := &fakeConsole{stuck: true}
	fresh := &fakeConsole{script: []readStep{
		{data: "version 6.4\n", busy: false},
	}}
	a := newAdapter(old, func() (frameworkConsole, error) {
		return fresh, nil
	}, testLogger(t))

	_, err := a.Execute(context.Background(), "run", 10*time.Millisecond)
	var timeoutErr *core.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))

	require.NoError(t, a.Interrupt(context.Background()))
	assert.Equal(t, 1, old.destroyed)

	out, err := a.Execute(context.Background(), "version", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "version 6.4\n", out)
	assert.Empty(t, old.commandLog()[1:], "no commands may reach the abandoned console")
}

func TestInterruptFactoryFailureClosesAdapter(t *testing.T) {
	con := &fakeConsole{}
	a := newAdapter(con, func() (frameworkConsole, error) {
		return nil, errors.New("rpc unavailable")
	}, testLogger(t))

	err := a.Interrupt(context.Background())
	var connErr *core.ConnectionError
	require.True(t, errors.As(err, &connErr))

	_, err = a.Execute(context.Background(), "version", time.Second)
	require.True(t, errors.As(err, &connErr))
}

func TestVersionTrimsBanner(t *testing.T) {
	con := &fakeConsole{script: []readStep{
		{data: "Framework: 6.4.1-dev\nConsole  : 6.4.1-dev\n", busy: false},
	}}
	a := newAdapter(con, nil, testLogger(t))

	v, err := a.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Framework: 6.4.1-dev\nConsole  : 6.4.1-dev", v)
}

func TestExecuteSerializesConcurrentCallers(t *testing.T) {
	const callers = 8

	steps := make([]readStep, 0, callers*2)
	for i := 0; i < callers; i++ {
		steps = append(steps,
			readStep{data: "working\n", busy: true},
			readStep{data: "done\n", busy: false},
		)
	}
	con := &fakeConsole{script: steps}
	a := newAdapter(con, nil, testLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Execute(context.Background(), "check", time.Second); err != nil {
				t.Errorf("execute failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if con.overlapped {
		t.Error("commands overlapped on the console")
	}
	if got := len(con.commandLog()); got != callers {
		t.Errorf("expected %d writes, got %d", callers, got)
	}
}
