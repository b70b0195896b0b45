// Package admission validates task submissions before anything is persisted:
// the per-client concurrency cap, duplicate-flow detection by content
// fingerprint, payload resolution, and environment variable sanitation.
package admission

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/repositories"
	"github.com/waldiez/runner/internal/storage"
)

// DefaultMaxTasksPerClient is the active-task cap applied when none is
// configured.
const DefaultMaxTasksPerClient = 3

// ErrSchedulingNotImplemented rejects submissions carrying a schedule.
// Schedule fields round-trip through the model but no scheduler exists yet.
var ErrSchedulingNotImplemented = errors.New("scheduling tasks is not implemented yet")

// ValidationError is a client-caused rejection; the API layer renders its
// message verbatim with a 400 status.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Submission is a task creation request after HTTP decoding. Exactly one of
// Upload, FileURL or StoredPath must be set.
type Submission struct {
	ClientID   string
	Filename   string
	Upload     io.Reader
	FileURL    string
	StoredPath string

	EnvVarsJSON  string
	InputTimeout int
	Force        bool
	ScheduleType string
}

// Admitted is the validated result handed to the dispatcher.
type Admitted struct {
	FlowID       string
	Filename     string
	SavedPath    string
	Hash         string
	EnvVars      map[string]string
	InputTimeout int
}

// Gate enforces the admission rules.
type Gate struct {
	tasks     repositories.TaskRepository
	files     storage.FileStorage
	maxActive int
	logger    *zap.Logger
}

// NewGate returns a Gate. maxActive <= 0 disables the concurrency cap.
func NewGate(tasks repositories.TaskRepository, files storage.FileStorage, maxActive int, logger *zap.Logger) *Gate {
	return &Gate{
		tasks:     tasks,
		files:     files,
		maxActive: maxActive,
		logger:    logger.Named("admission"),
	}
}

// Admit runs the admission algorithm: concurrency cap, payload resolution,
// duplicate-flow detection, env-var sanitation. On rejection after the
// payload was staged, the staged file is removed so nothing leaks.
func (g *Gate) Admit(ctx context.Context, sub Submission) (*Admitted, error) {
	if sub.ScheduleType != "" && sub.ScheduleType != "none" {
		return nil, ErrSchedulingNotImplemented
	}

	active, err := g.tasks.ListActive(ctx, sub.ClientID)
	if err != nil {
		return nil, fmt.Errorf("admission: list active: %w", err)
	}
	if g.maxActive > 0 && len(active) >= g.maxActive {
		return nil, validationErrorf(
			"Cannot create more than %d tasks at the same time. Please wait for some tasks to finish",
			g.maxActive,
		)
	}

	upload, err := g.resolvePayload(ctx, sub)
	if err != nil {
		return nil, err
	}

	flowID := upload.Hash + "-" + md5Hex(sub.Filename)[:8]
	for _, task := range active {
		if task.FlowID != flowID {
			continue
		}
		if !sub.Force {
			if delErr := g.files.DeleteFile(ctx, upload.Path); delErr != nil {
				g.logger.Warn("failed to delete rejected upload", zap.Error(delErr))
			}
			return nil, validationErrorf(
				"A task with the same file already exists. Task ID: %s, status: %s",
				task.ID, task.Status,
			)
		}
		flowID = flowID + "-" + randHex(4)
		break
	}

	envVars, err := ParseEnvVars(sub.EnvVarsJSON)
	if err != nil {
		if delErr := g.files.DeleteFile(ctx, upload.Path); delErr != nil {
			g.logger.Warn("failed to delete rejected upload", zap.Error(delErr))
		}
		return nil, err
	}

	timeout := sub.InputTimeout
	if timeout <= 0 {
		timeout = db.DefaultInputTimeout
	}

	return &Admitted{
		FlowID:       flowID,
		Filename:     sub.Filename,
		SavedPath:    upload.Path,
		Hash:         upload.Hash,
		EnvVars:      envVars,
		InputTimeout: timeout,
	}, nil
}

// resolvePayload turns the submission's payload source into a staged file.
func (g *Gate) resolvePayload(ctx context.Context, sub Submission) (*storage.Upload, error) {
	sources := 0
	if sub.Upload != nil {
		sources++
	}
	if sub.FileURL != "" {
		sources++
	}
	if sub.StoredPath != "" {
		sources++
	}
	if sources != 1 {
		return nil, validationErrorf("Exactly one of file, file_url or filename must be provided")
	}

	switch {
	case sub.Upload != nil:
		return g.saveUpload(ctx, sub.ClientID, sub.Filename, sub.Upload)

	case sub.FileURL != "":
		return g.fetchURL(ctx, sub.ClientID, sub.Filename, sub.FileURL)

	default:
		return g.adoptStored(ctx, sub.ClientID, sub.StoredPath)
	}
}

func (g *Gate) saveUpload(ctx context.Context, clientID, filename string, r io.Reader) (*storage.Upload, error) {
	upload, err := g.files.SaveUpload(ctx, clientID, filename, r)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrBadExtension):
			return nil, validationErrorf("Invalid file type")
		case errors.Is(err, storage.ErrTooLarge):
			return nil, validationErrorf("File too large")
		}
		return nil, fmt.Errorf("admission: save upload: %w", err)
	}
	return upload, nil
}

// fetchURL downloads a remote payload. Only https is supported; the other
// schemes the API accepts syntactically are rejected until a fetcher exists.
func (g *Gate) fetchURL(ctx context.Context, clientID, filename, rawURL string) (*storage.Upload, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme != "https" {
		return nil, validationErrorf("Unsupported file URL scheme")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, validationErrorf("Invalid file URL")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, validationErrorf("Failed to fetch file URL")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, validationErrorf("Failed to fetch file URL")
	}
	return g.saveUpload(ctx, clientID, filename, resp.Body)
}

// adoptStored validates a previously uploaded path and fingerprints it.
// The path must resolve inside the client's own directory.
func (g *Gate) adoptStored(ctx context.Context, clientID, path string) (*storage.Upload, error) {
	clean := strings.TrimPrefix(path, "/")
	if !strings.HasPrefix(clean, clientID+"/") {
		clean = clientID + "/" + clean
	}
	if !g.files.IsFile(ctx, clean) {
		return nil, validationErrorf("File not found: %s", path)
	}
	hash, err := g.files.Hash(ctx, clean)
	if err != nil {
		return nil, fmt.Errorf("admission: hash stored file: %w", err)
	}
	return &storage.Upload{Hash: hash, Path: clean}, nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; fall back to a
		// fixed marker rather than panicking mid-request.
		return strings.Repeat("0", n*2)
	}
	return hex.EncodeToString(buf)
}
