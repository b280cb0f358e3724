package debugger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FakeResponse scripts the fake driver's reaction to one command.
type FakeResponse struct {
	Output string
	Delay  time.Duration
	Hang   bool // never complete; only cancellation or timeout ends the call
}

// FakeDriver is a deterministic, in-process Driver used by tests. Responses
// are scripted per command (exact match first, then prefix match, then the
// default response).
type FakeDriver struct {
	mu        sync.Mutex
	responses map[string]FakeResponse
	fallback  FakeResponse
	startErr  error
	frozen    bool
	healOnRestart bool

	started    bool
	startCount int
	executed   []string
	cancelCh   chan struct{}
	startGate  chan struct{}
}

// NewFakeDriver creates a fake debugger child whose default response is an
// immediate empty completion.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		responses: make(map[string]FakeResponse),
	}
}

// Script sets the response for a command (exact text or prefix).
func (f *FakeDriver) Script(command string, resp FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[command] = resp
}

// ScriptDefault sets the response used when no scripted command matches.
func (f *FakeDriver) ScriptDefault(resp FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = resp
}

// FailStart makes subsequent Start calls return err (nil clears it).
func (f *FakeDriver) FailStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

// Freeze makes every subsequent Execute hang until cancelled, simulating an
// unresponsive debugger. When healOnRestart is set, a Stop/Start cycle clears
// the freeze, so recovery restarts succeed.
func (f *FakeDriver) Freeze(healOnRestart bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen = true
	f.healOnRestart = healOnRestart
}

// HoldStart makes the next Start block until the returned release func is
// called, so tests can observe a session mid-startup.
func (f *FakeDriver) HoldStart() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.startGate = gate
	f.mu.Unlock()
	return func() { close(gate) }
}

// Unfreeze clears a freeze without a restart.
func (f *FakeDriver) Unfreeze() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen = false
}

// Executed returns the commands executed so far, in order.
func (f *FakeDriver) Executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.executed))
	copy(out, f.executed)
	return out
}

// StartCount returns how many times Start succeeded.
func (f *FakeDriver) StartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCount
}

// Start implements Driver.
func (f *FakeDriver) Start(ctx context.Context) error {
	f.mu.Lock()
	gate := f.startGate
	f.startGate = nil
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if f.started {
		return fmt.Errorf("fake debugger already started")
	}
	f.started = true
	f.startCount++
	if f.healOnRestart && f.startCount > 1 {
		f.frozen = false
	}
	return nil
}

// Execute implements Driver.
func (f *FakeDriver) Execute(ctx context.Context, command string) (string, ExitReason, error) {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return "", "", fmt.Errorf("fake debugger is not active")
	}
	f.executed = append(f.executed, command)
	resp, ok := f.responses[command]
	if !ok {
		for prefix, r := range f.responses {
			if strings.HasPrefix(command, prefix) {
				resp, ok = r, true
				break
			}
		}
	}
	if !ok {
		resp = f.fallback
	}
	if f.frozen {
		resp.Hang = true
	}
	cancelCh := make(chan struct{})
	f.cancelCh = cancelCh
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.cancelCh = nil
		f.mu.Unlock()
	}()

	if resp.Hang {
		select {
		case <-ctx.Done():
			return "", ExitCancelled, nil
		case <-cancelCh:
			return "", ExitCancelled, nil
		}
	}

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ExitCancelled, nil
		case <-cancelCh:
			return "", ExitCancelled, nil
		case <-timer.C:
		}
	}
	return resp.Output, ExitCompleted, nil
}

// CancelCurrent implements Driver.
func (f *FakeDriver) CancelCurrent() {
	f.mu.Lock()
	ch := f.cancelCh
	f.cancelCh = nil
	f.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Stop implements Driver.
func (f *FakeDriver) Stop(ctx context.Context) error {
	f.CancelCurrent()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	return nil
}

// Active implements Driver.
func (f *FakeDriver) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

// ProcessID implements Driver.
func (f *FakeDriver) ProcessID() int {
	return 4242
}
