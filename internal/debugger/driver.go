// Package debugger drives a command-line debugger child process: launching it
// against a crash dump, feeding it commands over stdin, and parsing its
// prompt-delimited output.
package debugger

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crashdbg/crashdbg/internal/common/logger"
)

// ExitReason describes how an Execute call ended.
type ExitReason string

const (
	// ExitCompleted means the prompt (or sentinel) was observed.
	ExitCompleted ExitReason = "completed"
	// ExitCancelled means the caller's cancel signal fired mid-read.
	ExitCancelled ExitReason = "cancelled"
	// ExitTimeout means the output read timeout elapsed with no completion.
	ExitTimeout ExitReason = "timeout"
)

// Driver is the narrow interface the queue worker drives. The production
// implementation wraps a cdb child; tests substitute a scripted fake.
type Driver interface {
	// Start launches the child and blocks until the first prompt.
	Start(ctx context.Context) error
	// Execute writes one command and reads until completion, cancellation,
	// or read timeout. Partial output is returned in the latter two cases.
	Execute(ctx context.Context, command string) (string, ExitReason, error)
	// CancelCurrent interrupts the in-flight command, if any. Best-effort
	// and idempotent; callable from any goroutine.
	CancelCurrent()
	// Stop quits the child, escalating to kill after a grace period.
	Stop(ctx context.Context) error
	// Active reports whether the child is running and past its first prompt.
	Active() bool
	// ProcessID returns the child PID, or 0 when unknown.
	ProcessID() int
}

// Options configures a CDB child.
type Options struct {
	BinaryPath    string // explicit binary; discovered when empty
	Target        string // dump file (or executable) to open
	SymbolsPath   string // optional symbol search path (-y)
	LogPath       string // per-session debugger log file (-logo)
	StartTimeout  time.Duration
	ReadTimeout   time.Duration
	SymbolTimeout time.Duration // start-deadline extension while symbols load
	SymbolRetries int           // max extensions
	UseSentinels  bool          // bracket commands with an echo marker
}

const (
	stopGracePeriod = 3 * time.Second
	lineBufferSize  = 4096
	sentinelPrefix  = "CRASHDBG_DONE_"
)

// CDBDriver drives one cdb child process. Only the queue worker calls
// Execute; CancelCurrent and Stop may be called from other goroutines.
type CDBDriver struct {
	opts   Options
	logger *logger.Logger

	mu    sync.Mutex // guards cmd and stdin across Start/Stop
	cmd   *exec.Cmd
	stdin io.WriteCloser

	lines  chan string   // stdout lines from the reader goroutine
	exited chan struct{} // closed when the child process exits

	active    atomic.Bool
	executing atomic.Bool
	pid       atomic.Int64
	seq       atomic.Uint64 // sentinel counter
}

// NewCDBDriver creates a driver for one session. Start must be called before
// Execute.
func NewCDBDriver(opts Options, log *logger.Logger) *CDBDriver {
	return &CDBDriver{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "cdb-driver")),
	}
}

// Start launches the debugger child and waits for its first prompt. Symbol
// server activity extends the deadline up to SymbolRetries times.
func (d *CDBDriver) Start(ctx context.Context) error {
	binary := FindBinary(d.opts.BinaryPath)
	if binary == "" {
		return fmt.Errorf("debugger binary not found (set %s or install the debugging tools)", EnvBinaryPath)
	}

	args := d.buildArgs()

	d.mu.Lock()
	if d.cmd != nil {
		d.mu.Unlock()
		return fmt.Errorf("debugger already started")
	}

	if d.opts.LogPath != "" {
		// The child owns the log file (-logo); we only guarantee the directory.
		if err := os.MkdirAll(filepath.Dir(d.opts.LogPath), 0o755); err != nil {
			d.mu.Unlock()
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	cmd := exec.Command(binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to attach stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to start debugger: %w", err)
	}

	d.cmd = cmd
	d.stdin = stdin
	d.lines = make(chan string, lineBufferSize)
	d.exited = make(chan struct{})
	d.pid.Store(int64(cmd.Process.Pid))
	d.mu.Unlock()

	d.logger.Info("debugger child started",
		zap.String("binary", binary),
		zap.String("target", d.opts.Target),
		zap.Int("pid", cmd.Process.Pid))

	go d.readLines(stdout)
	go d.drainStderr(stderr)
	go d.monitorExit(cmd)

	if err := d.waitFirstPrompt(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
		defer cancel()
		_ = d.Stop(stopCtx)
		return err
	}

	d.active.Store(true)
	return nil
}

// buildArgs assembles the child's argument list: dump mode for dump targets,
// symbol path when configured, and the per-session log file.
func (d *CDBDriver) buildArgs() []string {
	var args []string
	if IsDumpTarget(d.opts.Target) {
		args = append(args, "-z", d.opts.Target)
	} else {
		args = append(args, d.opts.Target)
	}
	if d.opts.SymbolsPath != "" {
		args = append(args, "-y", d.opts.SymbolsPath)
	}
	if d.opts.LogPath != "" {
		args = append(args, "-logo", d.opts.LogPath)
	}
	return args
}

// waitFirstPrompt consumes startup output until the first prompt appears.
func (d *CDBDriver) waitFirstPrompt(ctx context.Context) error {
	timeout := d.opts.StartTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	extensions := 0
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("startup interrupted: %w", ctx.Err())
		case <-d.exited:
			return fmt.Errorf("debugger exited before first prompt")
		case <-timer.C:
			return fmt.Errorf("timed out waiting for debugger prompt after %s", timeout)
		case line, ok := <-d.lines:
			if !ok {
				return fmt.Errorf("debugger output closed before first prompt")
			}
			if IsCommandComplete(line) {
				return nil
			}
			if IsSymbolActivity(line) && extensions < d.opts.SymbolRetries && d.opts.SymbolTimeout > 0 {
				extensions++
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d.opts.SymbolTimeout)
				d.logger.Debug("extended startup deadline for symbol loading",
					zap.Int("extension", extensions))
			}
		}
	}
}

// Execute writes one command and accumulates output until completion.
// Completion is the sentinel echo when sentinels are enabled, otherwise the
// first prompt observed after the command was written.
func (d *CDBDriver) Execute(ctx context.Context, command string) (string, ExitReason, error) {
	if !d.active.Load() {
		return "", "", fmt.Errorf("debugger is not active")
	}

	d.executing.Store(true)
	defer d.executing.Store(false)

	// Stale prompts from before this command must not satisfy completion.
	d.drainStale()

	sentinel := ""
	if d.opts.UseSentinels {
		sentinel = fmt.Sprintf("%s%d", sentinelPrefix, d.seq.Add(1))
	}

	if err := d.writeCommand(command, sentinel); err != nil {
		return "", "", err
	}

	readTimeout := d.opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Minute
	}
	idle := time.NewTimer(readTimeout)
	defer idle.Stop()

	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			return buf.String(), ExitCancelled, nil
		case <-idle.C:
			return buf.String(), ExitTimeout, nil
		case line, ok := <-d.lines:
			if !ok {
				d.active.Store(false)
				return buf.String(), "", fmt.Errorf("debugger exited during command")
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(readTimeout)

			trimmed := strings.TrimSpace(line)
			if sentinel != "" {
				if trimmed == sentinel {
					return buf.String(), ExitCompleted, nil
				}
				// The echo command itself and interior prompts are noise.
				if strings.Contains(trimmed, sentinel) || IsCommandComplete(line) {
					continue
				}
			} else if IsCommandComplete(line) {
				return buf.String(), ExitCompleted, nil
			}

			buf.WriteString(line)
			buf.WriteByte('\n')
		}
	}
}

// writeCommand sends the command, followed by the sentinel echo when enabled.
func (d *CDBDriver) writeCommand(command, sentinel string) error {
	d.mu.Lock()
	stdin := d.stdin
	d.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("debugger stdin is closed")
	}

	payload := command + "\n"
	if sentinel != "" {
		payload += ".echo " + sentinel + "\n"
	}
	if _, err := io.WriteString(stdin, payload); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

// drainStale discards any buffered output left over from a previous command.
func (d *CDBDriver) drainStale() {
	for {
		select {
		case _, ok := <-d.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// CancelCurrent sends the debugger's attention signal. It has no effect when
// no command is executing.
func (d *CDBDriver) CancelCurrent() {
	if !d.executing.Load() {
		return
	}
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		d.logger.Debug("attention signal failed", zap.Error(err))
	}
}

// Stop sends the quit command, waits for the grace period, then kills the
// child. Safe to call more than once.
func (d *CDBDriver) Stop(ctx context.Context) error {
	d.active.Store(false)

	d.mu.Lock()
	cmd := d.cmd
	stdin := d.stdin
	exited := d.exited
	d.cmd = nil
	d.stdin = nil
	d.mu.Unlock()

	if cmd == nil {
		return nil
	}

	if stdin != nil {
		_, _ = io.WriteString(stdin, "q\n")
		_ = stdin.Close()
	}

	if exited != nil {
		select {
		case <-exited:
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-time.After(stopGracePeriod):
			d.logger.Warn("debugger did not quit in time, killing",
				zap.Int("pid", int(d.pid.Load())))
			_ = cmd.Process.Kill()
			select {
			case <-exited:
			case <-time.After(stopGracePeriod):
			}
		}
	}

	d.logger.Info("debugger child stopped", zap.Int("pid", int(d.pid.Load())))
	return nil
}

// Active reports whether the child is running and past its first prompt.
func (d *CDBDriver) Active() bool {
	return d.active.Load()
}

// ProcessID returns the child PID, or 0 when unknown.
func (d *CDBDriver) ProcessID() int {
	return int(d.pid.Load())
}

// readLines scans child stdout into the line channel. When the channel is
// full (nothing executing and the child is chatty) the line is dropped; the
// child's own log file still records it.
func (d *CDBDriver) readLines(stdout io.Reader) {
	defer close(d.lines)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		select {
		case d.lines <- line:
		default:
			d.logger.Debug("dropped output line, buffer full",
				zap.String("line", FormatForLogging(line, 120)))
		}
	}
}

// drainStderr logs stderr output; cdb reserves it for diagnostics.
func (d *CDBDriver) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		d.logger.Debug("debugger stderr",
			zap.String("line", FormatForLogging(scanner.Text(), 300)))
	}
}

// monitorExit waits for the child to exit and signals via the exited channel.
func (d *CDBDriver) monitorExit(cmd *exec.Cmd) {
	err := cmd.Wait()
	d.active.Store(false)
	close(d.exited)
	if err != nil {
		d.logger.Debug("debugger child exited", zap.Error(err))
	}
}
