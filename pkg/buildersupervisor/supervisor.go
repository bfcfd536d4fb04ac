package buildersupervisor

import (
	"context"
	"time"

	"github.com/cuemby/buildnode/pkg/log"
	"github.com/cuemby/buildnode/pkg/masterclient"
	"github.com/rs/zerolog"
)

// PingInterval is how often the node reports liveness to the master.
const PingInterval = 60 * time.Second

// TaskSource reports the task ID a worker is currently building, or 0 when
// idle.
type TaskSource interface {
	CurrentTaskID() int64
}

// Supervisor pings the master on a fixed interval with the set of tasks
// currently in flight across all workers.
type Supervisor struct {
	master   *masterclient.Client
	workers  []TaskSource
	logger   zerolog.Logger
	interval time.Duration
}

// New builds a Supervisor watching workers.
func New(master *masterclient.Client, workers []TaskSource) *Supervisor {
	return &Supervisor{
		master:   master,
		workers:  workers,
		logger:   log.WithComponent("buildersupervisor"),
		interval: PingInterval,
	}
}

// Run pings the master every PingInterval until ctx is cancelled. A failed
// ping is logged and retried on the next tick; it never stops the loop,
// since a transient master outage shouldn't take the node's workers down
// with it.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("supervisor started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("supervisor stopped")
			return nil
		case <-ticker.C:
			if err := s.master.Ping(ctx, s.activeTasks()); err != nil {
				s.logger.Warn().Err(err).Msg("ping failed")
			}
		}
	}
}

func (s *Supervisor) activeTasks() []int64 {
	var active []int64
	for _, w := range s.workers {
		if id := w.CurrentTaskID(); id != 0 {
			active = append(active, id)
		}
	}
	return active
}
