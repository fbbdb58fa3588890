package kubectl

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// commandTimeout bounds a single kubectl invocation
const commandTimeout = 10 * time.Second

// Runner executes kubectl against a cluster identified by its kubeconfig.
// The production implementation shells out; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, kubeconfig string, args ...string) ([]byte, error)
}

// ExecRunner runs the real kubectl binary. The kubeconfig is written to a
// 0600 temp file for the duration of the call and removed afterwards.
type ExecRunner struct {
	Timeout time.Duration
}

// NewRunner creates an ExecRunner with the default timeout
func NewRunner() *ExecRunner {
	return &ExecRunner{Timeout: commandTimeout}
}

func (r *ExecRunner) Run(ctx context.Context, kubeconfig string, args ...string) ([]byte, error) {
	f, err := os.CreateTemp("", "kubeconfig-*.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to create kubeconfig file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to restrict kubeconfig file: %w", err)
	}
	if _, err := f.WriteString(kubeconfig); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write kubeconfig file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close kubeconfig file: %w", err)
	}

	timeout := r.Timeout
	if timeout == 0 {
		timeout = commandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	full := append([]string{"--kubeconfig", path}, args...)
	cmd := exec.CommandContext(ctx, "kubectl", full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("kubectl %s: %v: %s", args[0], err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}
