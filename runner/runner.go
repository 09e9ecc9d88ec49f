// Package runner executes engine subprocesses: it streams stdout/stderr,
// parses NDJSON events, enforces a monotonic deadline with process-group
// kill, and forwards heartbeats so the owning job can extend its queue
// lease without duplicating timing logic.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ade-io/ade/types"
)

// ExitTimeout is the synthetic exit code recorded when the deadline kills
// the child.
const ExitTimeout = 124

// killGrace is how long SIGTERM gets before SIGKILL.
const killGrace = 5 * time.Second

// scanBufMax bounds a single NDJSON line; engine events are small, but a
// runaway stdout line must not OOM the worker.
const scanBufMax = 1 << 20

// Heartbeat configures the lease-refresh callback. Fn is invoked at most
// once per Interval while the child runs.
type Heartbeat struct {
	Fn       func()
	Interval time.Duration
}

// Command describes one subprocess execution.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is the full child environment; nil inherits the parent's.
	Env []string
	// Scope prefixes the synthetic event names (<scope>.start, .stdout, …).
	Scope string
	// Timeout bounds the child's wall time; zero means no deadline. The
	// timer is monotonic, immune to wall-clock jumps.
	Timeout   time.Duration
	Heartbeat Heartbeat
	// OnEvent receives every event in emission order: the start envelope,
	// parsed/wrapped output lines, and finally the complete envelope.
	OnEvent func(types.Event)
}

// Result summarizes a finished subprocess.
type Result struct {
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Run executes the command to completion. A non-zero exit is reported in
// Result, not as an error; errors mean the process could not be run or its
// output could not be drained.
func Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Scope == "" {
		cmd.Scope = "process"
	}
	emit := cmd.OnEvent
	if emit == nil {
		emit = func(types.Event) {}
	}

	child := exec.Command(cmd.Path, cmd.Args...)
	child.Dir = cmd.Dir
	child.Env = cmd.Env
	// Own process group so the deadline kill reaches grandchildren too.
	setProcessGroup(child)

	stdout, err := child.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := child.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := child.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	// Event emission is serialized: two drainers and the envelopes share
	// one sink.
	var emitMu sync.Mutex
	locked := func(ev types.Event) {
		emitMu.Lock()
		defer emitMu.Unlock()
		emit(ev)
	}

	locked(types.NewEvent("info", cmd.Scope+".start", "process started").WithData(map[string]any{
		"command": append([]string{cmd.Path}, cmd.Args...),
		"cwd":     cmd.Dir,
	}))

	var drainWg sync.WaitGroup
	drainErrs := make(chan error, 2)
	drainWg.Add(2)
	go func() {
		defer drainWg.Done()
		drainErrs <- drain(stdout, cmd.Scope, ".stdout", locked)
	}()
	go func() {
		defer drainWg.Done()
		drainErrs <- drain(stderr, cmd.Scope, ".stderr", locked)
	}()

	// Watchdog: deadline expiry or context cancellation SIGTERMs the
	// process group, then SIGKILLs after the grace period.
	procDone := make(chan struct{})
	killedByDeadline := make(chan bool, 1)
	go func() {
		var deadline <-chan time.Time
		if cmd.Timeout > 0 {
			t := time.NewTimer(cmd.Timeout)
			defer t.Stop()
			deadline = t.C
		}
		select {
		case <-procDone:
			killedByDeadline <- false
		case <-ctx.Done():
			terminate(child, procDone)
			killedByDeadline <- false
		case <-deadline:
			terminate(child, procDone)
			killedByDeadline <- true
		}
	}()

	// Heartbeat ticker; at most one callback per interval.
	if cmd.Heartbeat.Fn != nil && cmd.Heartbeat.Interval > 0 {
		go func() {
			ticker := time.NewTicker(cmd.Heartbeat.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					cmd.Heartbeat.Fn()
				case <-procDone:
					return
				}
			}
		}()
	}

	// Pipes must be fully drained before Wait closes them.
	drainWg.Wait()
	waitErr := child.Wait()
	close(procDone)
	timedOut := <-killedByDeadline

	duration := time.Since(start)
	res := Result{Duration: duration, TimedOut: timedOut}
	switch {
	case timedOut:
		res.ExitCode = ExitTimeout
	case waitErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("wait %s: %w", cmd.Path, waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	level := "info"
	if res.ExitCode != 0 {
		level = "error"
	}
	locked(types.NewEvent(level, cmd.Scope+".complete", "process finished").WithData(map[string]any{
		"exit_code":        res.ExitCode,
		"timed_out":        res.TimedOut,
		"duration_seconds": duration.Seconds(),
	}))

	// Drainer errors surface only after the child is reaped, so the exit
	// status is never lost to a broken pipe.
	close(drainErrs)
	for derr := range drainErrs {
		if derr != nil {
			return res, fmt.Errorf("drain output: %w", derr)
		}
	}
	return res, nil
}

// drain reads one stream line by line. Lines that parse as NDJSON events
// are forwarded verbatim; everything else is wrapped as <scope><suffix>.
func drain(r io.Reader, scope, suffix string, emit func(types.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), scanBufMax)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if ev, ok := types.ParseEventLine(line); ok {
			emit(ev)
			continue
		}
		level := "info"
		if suffix == ".stderr" {
			level = "warning"
		}
		emit(types.NewEvent(level, scope+suffix, string(line)))
	}
	err := scanner.Err()
	if err != nil && !isClosedPipe(err) {
		return err
	}
	return nil
}

// terminate SIGTERMs the process group; if it has not exited after the
// grace period, SIGKILLs it.
func terminate(child *exec.Cmd, procDone <-chan struct{}) {
	if child.Process == nil {
		return
	}
	signalGroup(child, false)
	timer := time.NewTimer(killGrace)
	defer timer.Stop()
	select {
	case <-procDone:
	case <-timer.C:
		signalGroup(child, true)
	}
}

func isClosedPipe(err error) bool {
	return err != nil && strings.Contains(err.Error(), "file already closed")
}
