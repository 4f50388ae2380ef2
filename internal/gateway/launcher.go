package gateway

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// StartSpec describes the isolated connection process to launch for one
// follower. The credential reference is resolved by the gateway binary
// itself; the manager never sees raw credentials.
type StartSpec struct {
	FollowerID    uint
	CredentialRef string
	Identity      Identity
}

// Handle controls a running gateway process.
type Handle interface {
	PID() int
	// Stop signals graceful shutdown, waits up to grace, then
	// force-terminates.
	Stop(grace time.Duration) error
}

// Launcher starts isolated gateway connection processes. Injected into
// the manager so tests can run without spawning real processes.
type Launcher interface {
	Start(ctx context.Context, spec StartSpec) (Handle, error)
}

// ExecLauncher launches the gateway binary as a child process.
type ExecLauncher struct {
	command string
}

func NewExecLauncher(command string) *ExecLauncher {
	return &ExecLauncher{command: command}
}

func (l *ExecLauncher) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	cmd := exec.Command(l.command,
		"--port", strconv.Itoa(spec.Identity.Port),
		"--client-id", strconv.Itoa(spec.Identity.ClientID),
		"--credential-ref", spec.CredentialRef,
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch gateway process: %w", err)
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (h *execHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Stop(grace time.Duration) error {
	select {
	case <-h.done:
		return nil // already exited
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return h.cmd.Process.Kill()
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		return h.cmd.Process.Kill()
	}
}
