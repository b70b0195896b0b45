//go:build unix

package runner

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup makes the child the leader of a new process group so the
// whole tree can be signalled at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the child's process group, waits out the
// grace period, then SIGKILLs whatever is left.
func terminateGroup(pid int, grace time.Duration) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		// Signal 0 probes for existence.
		if err := syscall.Kill(-pgid, 0); err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

// exitCode extracts a supervisor-style exit code from a finished process
// state: -N when the child died from signal N, the plain code otherwise.
func exitCode(state interface{ Sys() interface{} }) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		return ws.ExitStatus()
	}
	return -1
}
