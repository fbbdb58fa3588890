package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/events"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/log"
	"github.com/ozkanpoyrazoglu/rke2-automation/pkg/storage"
)

const (
	// killGrace is how long a cancelled process gets to exit after SIGTERM
	// before it is killed outright.
	killGrace = 10 * time.Second

	// maxLineSize bounds a single output line from the subprocess
	maxLineSize = 1024 * 1024
)

// Spec describes one playbook invocation. Secret material is referenced by
// file path only; nothing in the Spec itself is sensitive to log.
type Spec struct {
	Playbook  string
	Inventory string
	// ExtraVarsFiles are passed as --extra-vars @file, in order. The secret
	// vars file (when present) is one of these.
	ExtraVarsFiles []string
	// PrivateKeyFile is the path to the 0600 SSH key file, empty for
	// password credentials.
	PrivateKeyFile string
	Dir            string
	Env            []string
}

// Handle is a running subprocess
type Handle interface {
	// Output is the combined stdout/stderr stream
	Output() io.Reader
	// Wait blocks until the process exits and returns its exit code
	Wait() int
	// Terminate asks the process to stop (SIGTERM)
	Terminate() error
	// Kill stops the process immediately (SIGKILL)
	Kill() error
}

// Spawner starts subprocesses. The default implementation shells out to
// ansible-playbook; tests substitute a fake.
type Spawner interface {
	Spawn(spec Spec) (Handle, error)
}

// Result is the outcome of one run
type Result struct {
	ExitCode  int
	Cancelled bool
}

// Runner executes playbook invocations, streaming every output line to the
// job's event bus and appending it to the persisted job output.
type Runner struct {
	store   storage.Store
	spawner Spawner
	grace   time.Duration
}

// New creates a runner with the default ansible-playbook spawner
func New(store storage.Store) *Runner {
	return &Runner{store: store, spawner: &execSpawner{}, grace: killGrace}
}

// NewWithSpawner creates a runner with a custom spawner (used in tests)
func NewWithSpawner(store storage.Store, s Spawner) *Runner {
	return &Runner{store: store, spawner: s, grace: killGrace}
}

// Run spawns the process and pumps its output until it exits or the context
// is cancelled. On cancellation the process gets SIGTERM, a grace period,
// then SIGKILL. The caller owns the bus lifecycle; Run publishes but never
// closes it.
func (r *Runner) Run(ctx context.Context, jobID int64, bus *events.Bus, spec Spec) (Result, error) {
	logger := log.WithJobID(jobID)

	handle, err := r.spawner.Spawn(spec)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to spawn process: %w", err)
	}

	lines := scanLines(handle)

	exit := make(chan int, 1)
	go func() {
		exit <- handle.Wait()
	}()

	var (
		exitCode  int
		cancelled bool
		exited    bool
	)
	var killTimer <-chan time.Time
	ctxDone := ctx.Done()

	for !exited {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			bus.Publish(line)
			if err := r.store.AppendJobOutput(jobID, line); err != nil {
				logger.Warn().Err(err).Msg("failed to persist output chunk")
			}

		case <-ctxDone:
			ctxDone = nil
			cancelled = true
			logger.Info().Msg("cancellation requested, sending SIGTERM")
			if err := handle.Terminate(); err != nil {
				logger.Warn().Err(err).Msg("failed to signal process")
			}
			killTimer = time.After(r.grace)

		case <-killTimer:
			killTimer = nil
			logger.Warn().Dur("grace", r.grace).Msg("process did not exit in time, sending SIGKILL")
			if err := handle.Kill(); err != nil {
				logger.Warn().Err(err).Msg("failed to kill process")
			}

		case code := <-exit:
			exitCode = code
			exited = true
		}
	}

	// Drain whatever the scanner still holds; the stream may already have
	// ended before the exit code arrived.
	if lines != nil {
		for line := range lines {
			bus.Publish(line)
			if err := r.store.AppendJobOutput(jobID, line); err != nil {
				logger.Warn().Err(err).Msg("failed to persist output chunk")
			}
		}
	}

	trailer := fmt.Sprintf("\n[process exited with code %d]\n", exitCode)
	if cancelled {
		trailer = "\n[job cancelled by request]\n"
	}
	bus.Publish(trailer)
	if err := r.store.AppendJobOutput(jobID, trailer); err != nil {
		logger.Warn().Err(err).Msg("failed to persist trailer")
	}

	return Result{ExitCode: exitCode, Cancelled: cancelled}, nil
}

// RunCollect spawns the process and collects its combined output without a
// job bus or persistence. Used for synchronous ad-hoc invocations like
// access checks. Cancellation follows the same SIGTERM/grace/SIGKILL path.
func (r *Runner) RunCollect(ctx context.Context, spec Spec) (string, Result, error) {
	handle, err := r.spawner.Spawn(spec)
	if err != nil {
		return "", Result{ExitCode: -1}, fmt.Errorf("failed to spawn process: %w", err)
	}

	var out strings.Builder
	lines := scanLines(handle)

	exit := make(chan int, 1)
	go func() {
		exit <- handle.Wait()
	}()

	var (
		exitCode  int
		cancelled bool
		exited    bool
	)
	var killTimer <-chan time.Time
	ctxDone := ctx.Done()

	for !exited {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			out.WriteString(line)
		case <-ctxDone:
			ctxDone = nil
			cancelled = true
			_ = handle.Terminate()
			killTimer = time.After(r.grace)
		case <-killTimer:
			killTimer = nil
			_ = handle.Kill()
		case code := <-exit:
			exitCode = code
			exited = true
		}
	}
	if lines != nil {
		for line := range lines {
			out.WriteString(line)
		}
	}

	return out.String(), Result{ExitCode: exitCode, Cancelled: cancelled}, nil
}

// scanLines pumps the handle's output line-wise into a channel that closes
// on EOF. The read side is released only after the scanner has seen EOF, so
// output buffered at process exit is never discarded.
func scanLines(handle Handle) chan string {
	out := handle.Output()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(out)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			lines <- scanner.Text() + "\n"
		}
		if c, ok := out.(io.Closer); ok {
			c.Close()
		}
	}()
	return lines
}

// execSpawner runs ansible-playbook via os/exec
type execSpawner struct{}

func (execSpawner) Spawn(spec Spec) (Handle, error) {
	args := []string{"-i", spec.Inventory}
	for _, f := range spec.ExtraVarsFiles {
		args = append(args, "--extra-vars", "@"+f)
	}
	if spec.PrivateKeyFile != "" {
		args = append(args, "--private-key", spec.PrivateKeyFile)
	}
	args = append(args, spec.Playbook)

	cmd := exec.Command("ansible-playbook", args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(),
		"ANSIBLE_HOST_KEY_CHECKING=False",
		"ANSIBLE_FORCE_COLOR=false",
		"PYTHONUNBUFFERED=1",
	)
	cmd.Env = append(cmd.Env, spec.Env...)
	// Own process group so signals reach ansible's children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	pw.Close()

	return &execHandle{cmd: cmd, out: pr}, nil
}

type execHandle struct {
	cmd *exec.Cmd
	out *os.File
}

func (h *execHandle) Output() io.Reader {
	return h.out
}

// Wait leaves the read side of the pipe open; the scanner closes it once it
// reaches EOF, after the last buffered output has been read.
func (h *execHandle) Wait() int {
	err := h.cmd.Wait()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (h *execHandle) signal(sig syscall.Signal) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	// Negative pid targets the whole process group
	return syscall.Kill(-h.cmd.Process.Pid, sig)
}

func (h *execHandle) Terminate() error {
	return h.signal(syscall.SIGTERM)
}

func (h *execHandle) Kill() error {
	return h.signal(syscall.SIGKILL)
}
