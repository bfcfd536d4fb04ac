package node

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/buildnode/pkg/buildersupervisor"
	"github.com/cuemby/buildnode/pkg/builder"
	"github.com/cuemby/buildnode/pkg/config"
	"github.com/cuemby/buildnode/pkg/environment"
	"github.com/cuemby/buildnode/pkg/errsink"
	"github.com/cuemby/buildnode/pkg/log"
	"github.com/cuemby/buildnode/pkg/masterclient"
	"github.com/cuemby/buildnode/pkg/metrics"
	"github.com/cuemby/buildnode/pkg/uploader"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// monitorInterval is how often the runtime refreshes the WorkersAlive gauge.
// Exited workers are replaced as soon as their exit is seen, not on this tick.
const monitorInterval = 10 * time.Second

// joinTimeout bounds how long shutdown waits, in total across all workers,
// for their current tasks to wind down before moving on.
const joinTimeout = 60 * time.Second

// Run builds every component, starts the worker pool and its supervisors,
// and blocks until ctx is cancelled or an unrecoverable error occurs. It
// returns the process exit code.
func Run(ctx context.Context, cfg *config.Config, nativeArch, metricsAddr string) int {
	nodeLog := log.WithNodeID(cfg.NodeID)

	if err := cfg.Validate(); err != nil {
		nodeLog.Error().Err(err).Msg("invalid configuration")
		return 2
	}

	if err := initWorkingDir(cfg.WorkingDir); err != nil {
		nodeLog.Error().Err(err).Msg("cannot prepare working directory")
		return 1
	}

	sink, err := errsink.Init(cfg.SentryDSN, cfg.NodeID)
	if err != nil {
		nodeLog.Warn().Err(err).Msg("error reporting disabled: init failed")
		sink = &errsink.Sink{}
	}
	defer sink.Close()

	token, err := cfg.JWTToken()
	if err != nil {
		nodeLog.Error().Err(err).Msg("cannot resolve master credentials")
		return 2
	}

	master, err := masterclient.New(cfg.MasterURL, token, cfg.NodeID, cfg.RequestTimeout)
	if err != nil {
		nodeLog.Error().Err(err).Msg("cannot build master client")
		return 2
	}
	metrics.RegisterComponent("master_client", true, "")

	sup, err := environment.NewSupervisor(cfg.DataDir(), cfg.EnvironmentsDir())
	if err != nil {
		nodeLog.Error().Err(err).Msg("cannot open environment store")
		return 1
	}
	defer sup.Close()
	metrics.RegisterComponent("environment_store", true, "")

	up, err := uploader.New(cfg.Upload.Endpoint, cfg.Upload.Token, cfg.Upload.ChunkSize, cfg.Upload.PollInterval)
	if err != nil {
		nodeLog.Error().Err(err).Msg("cannot build uploader")
		return 2
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	installSignalHandlers(cancel, nodeLog)

	pool := newWorkerPool(cfg.ThreadsCount, func(i int) *builder.Worker {
		return builder.NewWorker(i, cfg, master, sup, up, nativeArch)
	})

	g, gctx := errgroup.WithContext(runCtx)

	srv := newHTTPServer(metricsAddr)
	g.Go(func() error { return serveHTTP(gctx, srv) })

	g.Go(func() error {
		return buildersupervisor.New(master, pool.sources()).Run(gctx)
	})

	g.Go(func() error {
		return pool.run(gctx)
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		nodeLog.Error().Err(err).Msg("node runtime exited with error")
		sink.Capture(err, map[string]string{"node_id": cfg.NodeID})
		return 1
	}
	return 0
}

// installSignalHandlers cancels the runtime context on SIGINT, SIGTERM, or
// the operator-initiated graceful-drain signal SIGUSR1. All three stop the
// node the same way: in-flight tasks are allowed to finish, nothing new is
// picked up, and the runtime waits at most joinTimeout for the workers.
func installSignalHandlers(cancel context.CancelFunc, logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()
}

// workerPool owns the live set of builder workers and replaces any that
// exit while the runtime is still live, whether from an error, a panic
// recovered inside Worker.Run, or simply returning.
type workerPool struct {
	mu      sync.Mutex
	workers []*builder.Worker
	spawn   func(i int) *builder.Worker
}

func newWorkerPool(size int, spawn func(i int) *builder.Worker) *workerPool {
	p := &workerPool{workers: make([]*builder.Worker, size), spawn: spawn}
	for i := range p.workers {
		p.workers[i] = spawn(i)
	}
	return p
}

// sources exposes each slot as a TaskSource that always reflects the
// currently-running worker in that slot, even after a restart.
func (p *workerPool) sources() []buildersupervisor.TaskSource {
	out := make([]buildersupervisor.TaskSource, len(p.workers))
	for i := range p.workers {
		out[i] = poolSlot{pool: p, index: i}
	}
	return out
}

type poolSlot struct {
	pool  *workerPool
	index int
}

func (s poolSlot) CurrentTaskID() int64 {
	s.pool.mu.Lock()
	w := s.pool.workers[s.index]
	s.pool.mu.Unlock()
	return w.CurrentTaskID()
}

func (p *workerPool) run(ctx context.Context) error {
	done := make(chan workerExit, len(p.workers))

	start := func(i int, w *builder.Worker) {
		go func() {
			err := w.Run(ctx)
			done <- workerExit{index: i, err: err}
		}()
	}

	metrics.WorkersAlive.Set(float64(len(p.workers)))
	for i, w := range p.workers {
		start(i, w)
	}

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	alive := len(p.workers)
	for {
		select {
		case <-ctx.Done():
			waitForDrain(done, alive)
			return nil
		case e := <-done:
			alive--
			if ctx.Err() != nil {
				continue
			}
			if e.err != nil {
				log.Logger.Warn().Err(e.err).Int("worker", e.index).Msg("worker exited, restarting")
			}
			metrics.WorkerRestartsTotal.Inc()
			w := p.spawn(e.index)
			p.mu.Lock()
			p.workers[e.index] = w
			p.mu.Unlock()
			start(e.index, w)
			alive++
		case <-ticker.C:
			metrics.WorkersAlive.Set(float64(alive))
		}
	}
}

func waitForDrain(done <-chan workerExit, remaining int) {
	deadline := time.After(joinTimeout)
	for remaining > 0 {
		select {
		case <-done:
			remaining--
		case <-deadline:
			log.Logger.Warn().Int("still_running", remaining).Msg("shutdown timed out waiting for workers")
			return
		}
	}
}

type workerExit struct {
	index int
	err   error
}

func newHTTPServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/livez", metrics.LivenessHandler())
	return &http.Server{Addr: addr, Handler: mux}
}

func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("internal http server: %w", err)
		}
		return nil
	}
}

// initWorkingDir ensures the node's working directory exists, creating it
// when missing, and otherwise removes every builder-* subdirectory left
// behind by a previous, uncleanly terminated run.
// The chroot toolchain leaves some build artifacts root-owned with
// restrictive modes, so the directory is reclaimed and wiped with elevated
// privileges the same way the original's chown_recursive/rm_sudo do.
func initWorkingDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o750)
		}
		return err
	}

	if err := chownRecursive(dir); err != nil {
		log.Logger.Warn().Err(err).Str("dir", dir).Msg("recursive chown of working directory failed")
	}

	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "builder-") {
			path := filepath.Join(dir, e.Name())
			if err := rmSudo(path); err != nil {
				log.Logger.Warn().Err(err).Str("path", path).Msg("removing stale builder directory failed")
			}
		}
	}
	return nil
}

// chownRecursive reclaims ownership of dir for the current user so a
// previous run's root-owned chroot output doesn't block removal.
func chownRecursive(dir string) error {
	u, err := user.Current()
	if err != nil {
		return fmt.Errorf("resolve current user: %w", err)
	}
	owner := fmt.Sprintf("%s:%s", u.Uid, u.Gid)
	return exec.Command("sudo", "chown", "-R", owner, dir).Run()
}

// rmSudo removes path with elevated privileges; some build artifacts have
// modes restrictive enough that a plain os.RemoveAll fails even after
// chownRecursive.
func rmSudo(path string) error {
	return exec.Command("sudo", "rm", "-fr", path).Run()
}
