// Package executor supervises script execution on the agent host. For each
// EXECUTE_TASK frame it materializes the script body into a temp file, spawns
// the matching interpreter with the task parameters and asset snapshot
// injected as environment variables, and captures the outcome into a result
// payload. One execution per task id runs at a time; cancellation and the
// wall-clock timeout both terminate the subprocess with SIGTERM.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sergiusz-x/automi/internal/protocol"
)

const (
	// defaultTimeout is the hard wall-clock limit for a script when the
	// dispatch carries no override.
	defaultTimeout = 15 * time.Minute

	// killDelay is how long after SIGTERM the subprocess gets before it is
	// killed outright.
	killDelay = 5 * time.Second

	timeoutExitCode = 124
	cancelExitCode  = 143

	stderrTimedOut  = "timed out"
	stderrCancelled = "cancelled by user"
)

// ErrTaskRunning is returned when an EXECUTE_TASK arrives for a task id that
// already has a live subprocess. The in-flight execution is left untouched;
// the caller reports the duplicate out of band instead of with a result
// frame, which would be matched against the wrong run.
var ErrTaskRunning = errors.New("executor: task already running")

// interpreters maps the task type to the binary spawned and the temp-file
// extension the script is written with.
var interpreters = map[string]struct {
	command string
	ext     string
}{
	"bash":   {"bash", ".sh"},
	"python": {"python3", ".py"},
	"node":   {"node", ".js"},
}

// execution tracks one live subprocess so CANCEL_TASK can reach it.
type execution struct {
	runID     string
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Executor runs scripts and tracks live executions by task id.
type Executor struct {
	workDir string
	logger  *zap.Logger

	mu      sync.Mutex
	running map[string]*execution
}

// New creates an Executor. workDir is the scratch directory for script temp
// files; empty means the OS temp directory.
func New(workDir string, logger *zap.Logger) *Executor {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Executor{
		workDir: workDir,
		logger:  logger.Named("executor"),
		running: make(map[string]*execution),
	}
}

// Execute runs one script to completion and returns the result payload to
// send back to the controller. It blocks for the lifetime of the subprocess;
// callers run it on its own goroutine so executions for different tasks
// proceed concurrently.
//
// A nil error is returned even when the script fails — the failure lives in
// the payload. The only errors are pre-flight rejections like ErrTaskRunning.
func (e *Executor) Execute(ctx context.Context, p *protocol.ExecutePayload) (*protocol.ResultPayload, error) {
	interp, ok := interpreters[p.Type]
	if !ok {
		e.logger.Warn("rejecting unknown interpreter",
			zap.String("task_id", p.TaskID),
			zap.String("type", p.Type),
		)
		return failResult(p, nil, "", fmt.Sprintf("unknown interpreter: %s", p.Type), 0), nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	entry := &execution{runID: p.RunID, cancel: cancel}

	e.mu.Lock()
	if _, busy := e.running[p.TaskID]; busy {
		e.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrTaskRunning, p.TaskID)
	}
	e.running[p.TaskID] = entry
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.running[p.TaskID] == entry {
			delete(e.running, p.TaskID)
		}
		e.mu.Unlock()
		cancel()
	}()

	scriptPath, err := e.writeScript(p.Script, interp.ext)
	if err != nil {
		return failResult(p, nil, "", fmt.Sprintf("failed to materialize script: %v", err), 0), nil
	}
	defer os.Remove(scriptPath)

	timeout := defaultTimeout
	if p.Options.TimeoutSeconds > 0 {
		timeout = time.Duration(p.Options.TimeoutSeconds) * time.Second
	}
	runCtx, cancelTimer := context.WithTimeout(runCtx, timeout)
	defer cancelTimer()

	cmd := osexec.CommandContext(runCtx, interp.command, scriptPath)
	cmd.Env = append(os.Environ(), taskEnv(p)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Info("script started",
		zap.String("task_id", p.TaskID),
		zap.String("run_id", p.RunID),
		zap.String("type", p.Type),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	cancelled := entry.cancelled.Load()
	timedOut := !cancelled && errors.Is(runCtx.Err(), context.DeadlineExceeded)

	result := e.buildResult(p, runErr, cancelled, timedOut, stdout.String(), stderr.String(), duration)

	e.logger.Info("script finished",
		zap.String("task_id", p.TaskID),
		zap.String("run_id", p.RunID),
		zap.String("status", result.Status),
		zap.Duration("duration", duration),
	)
	return result, nil
}

// Cancel terminates the live execution for taskID, if any. The subprocess
// receives SIGTERM and the eventual result reports the synthetic exit code
// 143 with stderr "cancelled by user". Returns false when nothing is running
// for that task.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	entry, ok := e.running[taskID]
	e.mu.Unlock()

	if !ok {
		return false
	}

	entry.cancelled.Store(true)
	entry.cancel()
	e.logger.Info("cancellation requested",
		zap.String("task_id", taskID),
		zap.String("run_id", entry.runID),
	)
	return true
}

// RunningCount reports how many executions are currently live.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *Executor) buildResult(p *protocol.ExecutePayload, runErr error, cancelled, timedOut bool, stdout, stderr string, duration time.Duration) *protocol.ResultPayload {
	ms := duration.Milliseconds()

	switch {
	case cancelled:
		return failResult(p, intPtr(cancelExitCode), stdout, stderrCancelled, ms)
	case timedOut:
		return failResult(p, intPtr(timeoutExitCode), stdout, stderrTimedOut, ms)
	case runErr == nil:
		return &protocol.ResultPayload{
			TaskID:     p.TaskID,
			RunID:      p.RunID,
			Name:       p.Name,
			Status:     "success",
			ExitCode:   intPtr(0),
			Stdout:     stdout,
			Stderr:     stderr,
			DurationMs: ms,
		}
	default:
		var exitErr *osexec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			if code < 0 {
				// Killed by a signal we did not send.
				code = cancelExitCode
			}
			return failResult(p, intPtr(code), stdout, stderr, ms)
		}
		// The interpreter never started (missing binary, permission).
		return failResult(p, nil, stdout, fmt.Sprintf("failed to start interpreter: %v", runErr), ms)
	}
}

func failResult(p *protocol.ExecutePayload, code *int, stdout, stderr string, durationMs int64) *protocol.ResultPayload {
	return &protocol.ResultPayload{
		TaskID:     p.TaskID,
		RunID:      p.RunID,
		Name:       p.Name,
		Status:     "error",
		ExitCode:   code,
		Stdout:     stdout,
		Stderr:     stderr,
		DurationMs: durationMs,
	}
}

// writeScript materializes the script body into a uniquely named temp file
// with the interpreter's extension.
func (e *Executor) writeScript(script, ext string) (string, error) {
	f, err := os.CreateTemp(e.workDir, "automi-*"+ext)
	if err != nil {
		return "", err
	}
	path := f.Name()
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// taskEnv renders the parameter map and asset snapshot as environment
// variables: PARAM_<KEY> for parameters (non-primitive values stay
// JSON-encoded), ASSET_<KEY> for assets.
func taskEnv(p *protocol.ExecutePayload) []string {
	env := make([]string, 0, len(p.Params)+len(p.Assets))
	for key, value := range p.Params {
		env = append(env, "PARAM_"+strings.ToUpper(key)+"="+value.EnvString())
	}
	for key, value := range p.Assets {
		env = append(env, "ASSET_"+strings.ToUpper(key)+"="+value)
	}
	return env
}

func intPtr(v int) *int {
	return &v
}
