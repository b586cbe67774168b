package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/semabot/semabot/internal/logging"
)

// Poller is the polling backend: one loop per job, fetching the task's
// status every interval until it reaches a terminal state.
type Poller struct {
	source   StatusSource
	tasks    *Tasks
	observer *Observer
	interval time.Duration
	log      *slog.Logger

	wg sync.WaitGroup
}

// NewPoller creates a polling backend.
func NewPoller(deps Deps) *Poller {
	interval := DefaultConfig().PollInterval
	if deps.Config != nil && deps.Config.PollInterval > 0 {
		interval = deps.Config.PollInterval
	}
	return &Poller{
		source:   deps.Source,
		tasks:    deps.Tasks,
		observer: deps.Observer,
		interval: interval,
		log:      logging.WithComponent("monitor.poll"),
	}
}

// Name implements Backend.
func (p *Poller) Name() string { return BackendPoll }

// Start blocks until ctx is cancelled, then stops every job loop.
func (p *Poller) Start(ctx context.Context) error {
	p.log.Info("Starting task poller", slog.Duration("interval", p.interval))

	<-ctx.Done()

	p.tasks.CancelAll()
	p.wg.Wait()
	p.log.Info("Task poller stopped")
	return nil
}

// Monitor registers job and starts its polling loop. The loop outlives
// ctx's cancellation and ends when the job finishes or is removed.
func (p *Poller) Monitor(ctx context.Context, job Job) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.tasks.Add(job, cancel)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.run(loopCtx, job)
	}()
	return nil
}

func (p *Poller) run(ctx context.Context, job Job) {
	log := p.log.With(slog.Int("task_id", job.TaskID))
	log.Debug("Polling task", slog.Int("project_id", job.ProjectID))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if !p.tasks.Has(job.TaskID) {
			return
		}
		if refresh(ctx, p.source, p.observer, job, log) {
			log.Debug("Stopped polling task")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
