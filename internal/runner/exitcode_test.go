package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/waldiez/runner/internal/db"
)

func TestClassifyExit(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		wantStatus db.TaskStatus
		wantError  string
	}{
		{"success", 0, db.TaskCompleted, ""},
		{"generic failure", 1, db.TaskFailed, "Task failed with exit code 1"},
		{"usage error", 2, db.TaskFailed, "Task failed with exit code 2"},
		{"sigterm", -15, db.TaskCancelled, "Task was terminated by signal"},
		{"sigkill", -9, db.TaskCancelled, "Terminated by signal 9"},
		{"windows ctrl-c", 3221225786, db.TaskCancelled, "Cancelled via Ctrl+C or task kill (Windows)"},
		{"oom-like", 137, db.TaskFailed, "Task failed with exit code 137"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, results := classifyExit(tt.code)
			assert.Equal(t, tt.wantStatus, status)
			if tt.wantError == "" {
				assert.Nil(t, results)
				return
			}
			assert.True(t, results.HasKey("error"), "results should carry an error key: %s", results)
			assert.Contains(t, string(results), tt.wantError)
		})
	}
}
