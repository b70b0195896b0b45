// Package runner executes queued tasks: it stages a scratch directory,
// provisions a virtualenv, spawns the workflow as an isolated subprocess and
// supervises it together with the status watcher until a terminal state is
// reached.
package runner

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/broker"
	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/metrics"
	"github.com/waldiez/runner/internal/redisio"
	"github.com/waldiez/runner/internal/repositories"
	"github.com/waldiez/runner/internal/storage"
)

//go:embed app/main.py app/redis_io_stream.py app/requirements.txt
var appFS embed.FS

// terminationGrace is how long the child gets between SIGTERM and SIGKILL.
const terminationGrace = 5 * time.Second

// Broker read failures are retried with exponential backoff; only context
// cancellation stops the pool.
const (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// Config holds the runner pool settings.
type Config struct {
	// RedisURL is handed to the child so its shim reaches the same broker.
	RedisURL string

	// MaxJobs bounds concurrent task executions.
	MaxJobs int

	// PythonBin is the interpreter used to build venvs (default "python3").
	PythonBin string

	// SkipDeps skips venv creation and pip installs; the child runs on
	// PythonBin directly. Meant for tests and smoke mode.
	SkipDeps bool

	// Debug passes --debug to the child.
	Debug bool

	// MaxTaskDuration is the hard cap on one execution (default 1h).
	MaxTaskDuration time.Duration

	// KeepTaskForDays controls whether outputs are archived to storage.
	KeepTaskForDays int
}

// Pool consumes jobs from the broker and runs them, at most MaxJobs at a time.
type Pool struct {
	cfg    Config
	queue  broker.Broker
	tasks  repositories.TaskRepository
	files  storage.FileStorage
	fabric *redisio.Fabric
	stats  *metrics.Metrics
	logger *zap.Logger

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewPool creates a runner pool.
func NewPool(cfg Config, queue broker.Broker, tasks repositories.TaskRepository, files storage.FileStorage, fabric *redisio.Fabric, stats *metrics.Metrics, logger *zap.Logger) *Pool {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 1
	}
	if cfg.PythonBin == "" {
		cfg.PythonBin = "python3"
	}
	if cfg.MaxTaskDuration <= 0 {
		cfg.MaxTaskDuration = time.Hour
	}
	return &Pool{
		cfg:    cfg,
		queue:  queue,
		tasks:  tasks,
		files:  files,
		fabric: fabric,
		stats:  stats,
		logger: logger.Named("runner"),
		slots:  make(chan struct{}, cfg.MaxJobs),
	}
}

// Run consumes the queue until ctx is canceled, then waits for in-flight
// jobs to finish.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("runner pool started", zap.Int("max_jobs", p.cfg.MaxJobs))
	backoff := retryBaseDelay
	for {
		job, deliveryID, err := p.queue.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			// Transient broker failure. The HTTP layer is still enqueueing,
			// so the pool must stay alive and retry.
			p.logger.Warn("queue read failed, retrying",
				zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			backoff *= 2
			if backoff > retryMaxDelay {
				backoff = retryMaxDelay
			}
			continue
		}
		backoff = retryBaseDelay

		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			p.wg.Wait()
			return
		}

		p.wg.Add(1)
		go func(job broker.Job, deliveryID string) {
			defer p.wg.Done()
			defer func() { <-p.slots }()
			p.execute(ctx, job, deliveryID)
		}(job, deliveryID)
	}
	p.wg.Wait()
	p.logger.Info("runner pool stopped")
}

// execute runs one job end to end. Every failure mode is captured into the
// task row; nothing propagates back to the broker beyond the ack.
func (p *Pool) execute(ctx context.Context, job broker.Job, deliveryID string) {
	log := p.logger.With(zap.String("task_id", job.TaskID), zap.String("client_id", job.ClientID))

	ack := func() {
		if err := p.queue.Ack(context.WithoutCancel(ctx), deliveryID); err != nil {
			log.Warn("failed to ack delivery", zap.Error(err))
		}
	}

	taskID, err := uuid.Parse(job.TaskID)
	if err != nil {
		log.Error("malformed task id in job", zap.Error(err))
		ack()
		return
	}
	task, err := p.tasks.Get(ctx, taskID)
	if err != nil {
		log.Warn("task gone before execution", zap.Error(err))
		ack()
		return
	}
	// At-least-once delivery: a task already past PENDING was picked up by
	// another delivery of the same job.
	if task.Status != db.TaskPending {
		log.Info("skipping duplicate delivery", zap.String("status", string(task.Status)))
		ack()
		return
	}

	p.stats.TasksRunning.Inc()
	p.stats.QueueLatency.Observe(time.Since(task.CreatedAt).Seconds())
	defer p.stats.TasksRunning.Dec()

	fail := func(message string) {
		upd := repositories.StatusUpdate{
			Status:  db.TaskFailed,
			Results: db.JSONValue(fmt.Sprintf(`{"error":%q}`, message)),
		}
		if err := p.tasks.UpdateStatus(ctx, taskID, upd); err != nil {
			log.Error("failed to mark task failed", zap.Error(err))
		}
		p.stats.TasksFinished.WithLabelValues(string(db.TaskFailed)).Inc()
	}

	// 1. Stage the scratch directory.
	scratch, appDir, venvDir, err := p.stage(ctx, task)
	if err != nil {
		log.Error("staging failed", zap.Error(err))
		fail(err.Error())
		ack()
		return
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn("failed to remove scratch dir", zap.String("dir", scratch), zap.Error(err))
		}
	}()

	// 2. Build the virtualenv and install dependencies.
	python := p.cfg.PythonBin
	if !p.cfg.SkipDeps {
		python, err = p.buildVenv(ctx, appDir, venvDir)
		if err != nil {
			log.Error("venv setup failed", zap.Error(err))
			fail(err.Error())
			ack()
			return
		}
	}

	// 3. Mark RUNNING and spawn the child in its own process group.
	if err := p.tasks.UpdateStatus(ctx, taskID, repositories.StatusUpdate{Status: db.TaskRunning, SkipResults: true}); err != nil {
		log.Error("failed to mark task running", zap.Error(err))
	}

	args := []string{
		"-m", "main",
		"--task-id", job.TaskID,
		"--redis-url", p.cfg.RedisURL,
		"--input-timeout", strconv.Itoa(task.InputTimeout),
	}
	if p.cfg.Debug {
		args = append(args, "--debug")
	}
	args = append(args, task.Filename)

	cmd := exec.Command(python, args...)
	cmd.Dir = appDir
	cmd.Env = childEnv(job.EnvVars)
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		log.Error("failed to spawn child", zap.Error(err))
		fail(fmt.Sprintf("Failed to start task process: %v", err))
		ack()
		return
	}
	log.Info("child started", zap.Int("pid", cmd.Process.Pid))

	// 4. Supervise: fan in child exit, watcher termination, duration cap
	// and shutdown.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	watcher := NewWatcher(taskID, p.tasks, p.fabric, p.logger)
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		watcher.Run(watchCtx)
	}()

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	timer := time.NewTimer(p.cfg.MaxTaskDuration)
	defer timer.Stop()

	select {
	case <-exitCh:
	case <-watcher.Terminate():
		terminateGroup(cmd.Process.Pid, terminationGrace)
		<-exitCh
	case <-timer.C:
		log.Warn("task exceeded duration cap", zap.Duration("cap", p.cfg.MaxTaskDuration))
		terminateGroup(cmd.Process.Pid, terminationGrace)
		<-exitCh
	case <-ctx.Done():
		terminateGroup(cmd.Process.Pid, terminationGrace)
		<-exitCh
	}
	cancelWatch()
	<-watcherDone

	// 5. Classify the exit. The watcher's terminal write, if any, wins: the
	// sticky-terminal guard turns this update into a no-op then.
	code := exitCode(cmd.ProcessState)
	status, results := classifyExit(code)
	if watcher.Cancelled() {
		status = db.TaskCancelled
	}
	upd := repositories.StatusUpdate{Status: status, Results: results}
	if watcher.ResultsPersisted() || (watcher.Cancelled() && results == nil) {
		upd.SkipResults = true
	}
	if err := p.tasks.UpdateStatus(context.WithoutCancel(ctx), taskID, upd); err != nil {
		log.Error("failed to persist final status", zap.Error(err))
	}
	p.stats.TasksFinished.WithLabelValues(string(status)).Inc()
	log.Info("task finished", zap.Int("exit_code", code), zap.String("status", string(status)))

	// 6. Archive outputs.
	if p.cfg.KeepTaskForDays > 0 {
		if err := p.archiveOutputs(context.WithoutCancel(ctx), task, appDir); err != nil {
			log.Warn("failed to archive outputs", zap.Error(err))
		}
	}

	ack()
}

// stage creates <tmp>/wlz-brk-XXXX/<client_id>/<task_id>/{app,venv}, copies
// the bundled shim into app/ and the payload next to it.
func (p *Pool) stage(ctx context.Context, task *db.Task) (scratch, appDir, venvDir string, err error) {
	scratch, err = os.MkdirTemp("", "wlz-brk-")
	if err != nil {
		return "", "", "", fmt.Errorf("create scratch dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(scratch) }

	taskDir := filepath.Join(scratch, task.ClientID, task.ID.String())
	appDir = filepath.Join(taskDir, "app")
	venvDir = filepath.Join(taskDir, "venv")
	for _, dir := range []string{appDir, venvDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			cleanup()
			return "", "", "", fmt.Errorf("create %s: %w", dir, err)
		}
	}

	shim, err := fs.Sub(appFS, "app")
	if err != nil {
		cleanup()
		return "", "", "", fmt.Errorf("open embedded app: %w", err)
	}
	if err := os.CopyFS(appDir, shim); err != nil {
		cleanup()
		return "", "", "", fmt.Errorf("copy app skeleton: %w", err)
	}

	payload, err := p.files.Resolve(path.Join(task.ClientID, task.ID.String(), task.Filename))
	if err != nil {
		cleanup()
		return "", "", "", fmt.Errorf("resolve payload: %w", err)
	}
	if err := copyInto(payload, filepath.Join(appDir, task.Filename)); err != nil {
		cleanup()
		return "", "", "", fmt.Errorf("copy payload: %w", err)
	}

	return scratch, appDir, venvDir, nil
}

// venvStep is one named command of the virtualenv build. The name ends up in
// the FAILED results when the command fails.
type venvStep struct {
	name string
	argv []string
}

// buildVenv provisions the virtualenv and installs requirements. Returns the
// venv's python executable.
func (p *Pool) buildVenv(ctx context.Context, appDir, venvDir string) (string, error) {
	python := venvPython(venvDir)
	steps := []venvStep{
		{"venv", []string{p.cfg.PythonBin, "-m", "venv", "--system-site-packages", venvDir}},
		{"pip install --upgrade pip", []string{python, "-m", "pip", "install", "--upgrade", "pip"}},
		{"pip install -r requirements.txt", []string{python, "-m", "pip", "install", "-r", "requirements.txt"}},
	}

	for _, step := range steps {
		cmd := exec.CommandContext(ctx, step.argv[0], step.argv[1:]...)
		cmd.Dir = appDir
		cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("%s failed: %v: %s", step.name, err, truncate(string(out), 500))
		}
	}
	return python, nil
}

// archiveOutputs copies app/waldiez_out into the task's storage workspace
// and strips any .env file that leaked into the copy.
func (p *Pool) archiveOutputs(ctx context.Context, task *db.Task, appDir string) error {
	src := filepath.Join(appDir, "waldiez_out")
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	dstRel := path.Join(task.ClientID, task.ID.String(), "waldiez_out")
	dst, err := p.files.Resolve(dstRel)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
		return err
	}
	if err := p.files.DeleteFile(ctx, path.Join(dstRel, ".env")); err != nil {
		return err
	}
	return nil
}

// childEnv builds the subprocess environment: the parent's environment, the
// sanitized client variables, and unbuffered python output.
func childEnv(envVars map[string]string) []string {
	env := os.Environ()
	for k, v := range envVars {
		env = append(env, k+"="+v)
	}
	return append(env, "PYTHONUNBUFFERED=1")
}

func venvPython(venvDir string) string {
	if candidate := filepath.Join(venvDir, "bin", "python3"); fileExists(candidate) {
		return candidate
	}
	if candidate := filepath.Join(venvDir, "Scripts", "python.exe"); fileExists(candidate) {
		return candidate
	}
	return filepath.Join(venvDir, "bin", "python")
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func copyInto(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
