//go:build !unix

package runner

import (
	"os"
	"os/exec"
	"time"
)

// setProcessGroup is a no-op where process groups are unsupported.
func setProcessGroup(cmd *exec.Cmd) {}

// terminateGroup kills the child directly; no group semantics available.
func terminateGroup(pid int, grace time.Duration) {
	if proc, err := os.FindProcess(pid); err == nil {
		_ = proc.Kill()
	}
}

// exitCode returns the plain exit code.
func exitCode(state interface{ Sys() interface{} }) int {
	type coder interface{ ExitStatus() int }
	if c, ok := state.Sys().(coder); ok {
		return c.ExitStatus()
	}
	return -1
}
