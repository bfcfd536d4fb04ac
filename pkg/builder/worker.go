package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cuemby/buildnode/pkg/config"
	"github.com/cuemby/buildnode/pkg/environment"
	"github.com/cuemby/buildnode/pkg/log"
	"github.com/cuemby/buildnode/pkg/masterclient"
	"github.com/cuemby/buildnode/pkg/metrics"
	"github.com/cuemby/buildnode/pkg/sourcefetch"
	"github.com/cuemby/buildnode/pkg/types"
	"github.com/cuemby/buildnode/pkg/uploader"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// noTaskBackoff is how long a worker sleeps after the master reports no task
// is currently available for its supported architectures.
const noTaskBackoff = 10 * time.Second

// Worker runs one task at a time through the full build lifecycle: request,
// prepare, build, upload, report, clean. Its CurrentTaskID is read by the
// supervisor loop to include in ping requests.
type Worker struct {
	id         int
	threadName string
	cfg        *config.Config
	master     *masterclient.Client
	supervisor *environment.Supervisor
	uploader   *uploader.Uploader
	fetchers   map[types.RefKind]sourcefetch.Fetcher
	nativeArch string
	logger     zerolog.Logger

	currentTaskID atomic.Int64
}

// NewWorker wires one worker's dependencies together.
func NewWorker(id int, cfg *config.Config, master *masterclient.Client, sup *environment.Supervisor, up *uploader.Uploader, nativeArch string) *Worker {
	return &Worker{
		id:         id,
		threadName: fmt.Sprintf("builder-%d", id),
		cfg:        cfg,
		master:     master,
		supervisor: sup,
		uploader:   up,
		nativeArch: nativeArch,
		logger:     log.WithComponent("builder").With().Int("worker", id).Logger(),
		fetchers: map[types.RefKind]sourcefetch.Fetcher{
			types.RefKindGit: &sourcefetch.MirroredCloner{
				MirrorCacheDir: filepath.Join(cfg.WorkingDir, "git-cache"),
			},
			types.RefKindBuiltSRPM:    &sourcefetch.SrpmUnpacker{},
			types.RefKindExternalSRPM: &sourcefetch.SrpmUnpacker{},
		},
	}
}

// CurrentTaskID is 0 when idle, matching the original builder's
// current_task_id property.
func (w *Worker) CurrentTaskID() int64 {
	return w.currentTaskID.Load()
}

// Run drives the worker's main loop until ctx is cancelled. Each iteration
// requests one task, builds it to completion, and reports the result; a
// panic inside task processing is recovered and returned as an error so the
// node runtime can restart the worker instead of crashing the process.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &types.WorkerPanicError{Value: r}
		}
	}()

	arches := w.cfg.SupportedArches(w.nativeArch)
	for {
		if ctx.Err() != nil {
			return nil
		}

		task, ok, err := w.master.GetTask(ctx, arches)
		if err != nil {
			w.logger.Warn().Err(err).Msg("get_task failed")
			if !sleepOrDone(ctx, noTaskBackoff) {
				return nil
			}
			continue
		}
		if !ok {
			if !sleepOrDone(ctx, noTaskBackoff) {
				return nil
			}
			continue
		}

		w.currentTaskID.Store(task.ID)
		// The task runs detached from ctx's cancellation so a shutdown lets
		// it build, upload and report; cancellation only stops the loop
		// from acquiring another task.
		w.runTask(context.WithoutCancel(ctx), task)
		w.currentTaskID.Store(0)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// runTask executes one task end to end. Artifact upload and status reporting
// always run, even when preparation or the build itself fails, so the
// master learns about every terminal outcome.
func (w *Worker) runTask(ctx context.Context, task *types.Task) {
	start := time.Now()
	logger := w.logger.With().Int64("task_id", task.ID).Logger()
	logger.Info().Str("arch", task.Arch).Msg("task acquired")

	workDir := filepath.Join(w.cfg.WorkingDir, fmt.Sprintf("%s-task-%d", w.threadName, task.ID))
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		w.finish(ctx, task, Failed("creating work directory: "+err.Error(), nil), logger, start, "")
		return
	}
	defer os.RemoveAll(workDir)

	sourceDir := filepath.Join(workDir, "sources")
	fetcher, ok := w.fetchers[task.Ref.Kind]
	if !ok {
		w.finish(ctx, task, Failed(fmt.Sprintf("no source fetcher for ref kind %q", task.Ref.Kind), nil), logger, start, "")
		return
	}
	if _, err := fetcher.Fetch(ctx, task.Ref, sourceDir); err != nil {
		w.finish(ctx, task, Failed("acquiring sources: "+err.Error(), nil), logger, start, "")
		return
	}

	envCfg := environmentConfigForTask(task)
	owner := types.Owner{PID: os.Getpid(), ThreadName: uuid.NewString()}
	env, err := w.supervisor.Lease(envCfg, owner)
	if err != nil {
		w.finish(ctx, task, Failed("leasing build environment: "+err.Error(), nil), logger, start, "")
		return
	}
	defer func() {
		env.Scrub(context.Background(), types.ScrubChroot, 2*time.Minute)
		_ = env.Release()
	}()

	driver := NewDriver(task.Platform)
	outcome := driver.Build(ctx, env, task, sourceDir)

	w.finish(ctx, task, outcome, logger, start, env.ConfigPath())
}

// finish uploads whatever artifacts the outcome produced (logs only on
// failure/exclusion, plus the rendered environment config on every outcome)
// and reports the terminal status to the master.
func (w *Worker) finish(ctx context.Context, task *types.Task, outcome BuildOutcome, logger zerolog.Logger, start time.Time, configPath string) {
	status := outcome.Status()
	metrics.TasksTotal.WithLabelValues(string(status)).Inc()
	metrics.TaskDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())

	artifacts := outcome.Artifacts
	if outcome.Kind != OutcomeDone {
		artifacts = nil
		if outcome.Result != nil {
			artifacts = onlyLogs(artifactsFromResultDir(outcome.Result.ResultDir))
		}
	}

	if outcome.Result != nil && outcome.Result.RenderedConfig != "" {
		configPath = outcome.Result.RenderedConfig
	}
	if configPath != "" {
		artifacts = append(artifacts, types.Artifact{
			Name:      filepath.Base(configPath),
			Type:      types.ArtifactConfig,
			LocalPath: configPath,
		})
	}

	uploaded, uploadErr := w.uploader.UploadAll(ctx, artifacts)
	if uploadErr != nil {
		logger.Error().Err(uploadErr).Msg("artifact upload incomplete")
	}

	if err := w.master.BuildDone(ctx, task.ID, status, uploaded, outcome.Reason); err != nil {
		logger.Error().Err(err).Msg("build_done report failed")
		return
	}
	logger.Info().Str("status", string(status)).Int("artifacts", len(uploaded)).Msg("task finished")
}

func onlyLogs(artifacts []types.Artifact) []types.Artifact {
	var logs []types.Artifact
	for _, a := range artifacts {
		if a.Type == types.ArtifactBuildLog {
			logs = append(logs, a)
		}
	}
	return logs
}

// environmentConfigForTask derives the chroot environment configuration from
// a task's platform and architecture. Repository and plugin details live on
// the task because the master is the source of truth for which package
// repos a build should see.
func environmentConfigForTask(task *types.Task) types.EnvironmentConfig {
	cfg := types.EnvironmentConfig{
		Arch:         task.Arch,
		DistTag:      task.Platform.Name,
		Repositories: task.Repositories,
	}
	if task.SecureBoot {
		cfg.PluginFlags = map[string]string{"secure_boot": "enabled"}
	}
	return cfg
}
