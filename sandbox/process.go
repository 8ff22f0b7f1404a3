// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Process is a running sandbox child. The supervisor only needs three
// things from it: identity, a way to wait for exit, and a kill switch.
// Tests substitute an in-process fake.
type Process interface {
	// PID returns the operating system process ID, for logs.
	PID() int

	// Wait blocks until the process exits. Called exactly once, by the
	// supervisor's exit watcher.
	Wait() error

	// Kill terminates the process immediately, taking its whole
	// process group with it. Idempotent.
	Kill() error
}

// StartFunc launches the sandbox child for a plugin. The child must
// dial socketPath and send a Hello to complete the readiness
// handshake.
type StartFunc func(ctx context.Context, pluginID, socketPath string) (Process, error)

// ExecStart returns the production StartFunc: exec the sandbox binary
// in its own process group, with the kernel delivering SIGKILL to the
// child if the host dies first. That guarantee is what makes orphaned
// sandboxes impossible even when the host is OOM-killed.
func ExecStart(binary string) StartFunc {
	return func(ctx context.Context, pluginID, socketPath string) (Process, error) {
		cmd := exec.Command(binary,
			"--plugin-id", pluginID,
			"--socket", socketPath,
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		// Minimal environment: the child must not see host secrets
		// through /proc/<pid>/environ.
		cmd.Env = []string{"PATH=/usr/local/bin:/usr/bin:/bin"}

		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setpgid:   true,
			Pdeathsig: unix.SIGKILL,
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting sandbox for %s: %w", pluginID, err)
		}
		return &execProcess{cmd: cmd}, nil
	}
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	// Negative PID addresses the process group, so helper processes
	// forked inside the sandbox die with it.
	err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	if err == unix.ESRCH {
		return nil
	}
	return err
}
