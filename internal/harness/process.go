package harness

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// newCommand creates an exec.Cmd with process group isolation.
// Setpgid puts the subprocess in its own process group so the entire
// subprocess tree can be terminated together.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	// Kill the whole group, not just the immediate child, when the context
	// is cancelled. Orphaned grandchildren are what leak otherwise.
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	return cmd
}

// executeCommand executes a command and returns its stdout, stderr, exit
// code, and any error. Both pipes are drained concurrently before cmd.Wait,
// preventing deadlocks when subprocess output exceeds pipe buffer capacity.
// lineSink, when non-nil, receives each stdout line as it arrives.
func executeCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager, lineSink chan<- string) (stdout, stderr []byte, exitCode int, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, -1, fmt.Errorf("failed to start command: %w", err)
	}

	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(2)
	go func() {
		defer wg.Done()
		if lineSink == nil {
			io.Copy(&stdoutBuf, stdoutPipe)
			return
		}
		copyLines(stdoutPipe, &stdoutBuf, lineSink)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()
	exitCode = cmd.ProcessState.ExitCode()

	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, exitCode, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, string(stderr))
		}
		return stdout, stderr, exitCode, fmt.Errorf("command failed: %w", waitErr)
	}

	return stdout, stderr, exitCode, nil
}

// copyLines tees the reader into buf while sending each complete line to sink.
func copyLines(r io.Reader, buf *bytes.Buffer, sink chan<- string) {
	scanner := newLargeScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		select {
		case sink <- line:
		default:
			// Slow consumer: drop the line rather than stall the subprocess.
		}
	}
}

// newLargeScanner returns a line scanner sized for verbose CLI output.
func newLargeScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return scanner
}

// killProcessGroup kills the entire process group associated with the command,
// terminating all child processes, not just the immediate subprocess.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}

	// Negative PID addresses the whole group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks all running subprocesses and can terminate them all
// on shutdown. This prevents zombie processes from outliving a cancelled run.
//
// Usage pattern (typically in main):
//
//	pm := harness.NewProcessManager()
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer cancel()
//	go func() {
//	  <-ctx.Done()
//	  pm.KillAll()
//	}()
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a subprocess for tracking.
// Should be called after cmd.Start() when cmd.Process is available.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess from tracking.
// Should be called after cmd.Wait() completes.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses.
// Called during shutdown to ensure clean termination.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}
	return nil
}

// Count returns the number of currently tracked processes.
// Useful for tests and monitoring.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
