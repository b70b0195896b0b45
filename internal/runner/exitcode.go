package runner

import (
	"fmt"
	"syscall"

	"github.com/waldiez/runner/internal/db"
)

// Windows reports Ctrl+C / taskkill as STATUS_CONTROL_C_EXIT.
const windowsCtrlCExit = 3221225786 // 0xC000013A

// classifyExit maps a child exit code to a terminal status and results.
// Negative codes encode POSIX signals the way process supervisors report
// them (-15 for SIGTERM). The mapping is total: every integer lands in
// exactly one of COMPLETED, CANCELLED or FAILED.
func classifyExit(code int) (db.TaskStatus, db.JSONValue) {
	switch {
	case code == 0:
		return db.TaskCompleted, nil
	case code == -int(syscall.SIGTERM):
		return db.TaskCancelled, db.JSONValue(`{"error":"Task was terminated by signal"}`)
	case code < 0:
		return db.TaskCancelled, db.JSONValue(fmt.Sprintf(`{"error":"Terminated by signal %d"}`, -code))
	case code == windowsCtrlCExit:
		return db.TaskCancelled, db.JSONValue(`{"error":"Cancelled via Ctrl+C or task kill (Windows)"}`)
	default:
		return db.TaskFailed, db.JSONValue(fmt.Sprintf(`{"error":"Task failed with exit code %d"}`, code))
	}
}
