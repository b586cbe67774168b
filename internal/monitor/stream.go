package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/semabot/semabot/internal/logging"
	"github.com/semabot/semabot/internal/semaphore"
)

const eventTypeUpdate = "update"

// Stream is the push backend. It listens on Semaphore's websocket event
// stream and re-checks tracked tasks on a cron schedule to cover events
// missed while disconnected.
type Stream struct {
	source   EventSource
	tasks    *Tasks
	observer *Observer
	dialer   *websocket.Dialer
	schedule string

	initialBackoff time.Duration
	maxBackoff     time.Duration

	log *slog.Logger
	wg  sync.WaitGroup
}

// NewStream creates a push backend. deps.Source must implement EventSource.
func NewStream(deps Deps) (*Stream, error) {
	src, ok := deps.Source.(EventSource)
	if !ok {
		return nil, errors.New("status source has no event stream")
	}

	cfg := DefaultConfig().Stream
	if deps.Config != nil {
		if deps.Config.Stream.FallbackSchedule != "" {
			cfg.FallbackSchedule = deps.Config.Stream.FallbackSchedule
		}
		if deps.Config.Stream.InitialBackoff > 0 {
			cfg.InitialBackoff = deps.Config.Stream.InitialBackoff
		}
		if deps.Config.Stream.MaxBackoff > 0 {
			cfg.MaxBackoff = deps.Config.Stream.MaxBackoff
		}
	}

	if _, err := cron.ParseStandard(cfg.FallbackSchedule); err != nil {
		return nil, fmt.Errorf("invalid fallback schedule %q: %w", cfg.FallbackSchedule, err)
	}

	return &Stream{
		source:   src,
		tasks:    deps.Tasks,
		observer: deps.Observer,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			TLSClientConfig:  src.TLSConfig(),
		},
		schedule:       cfg.FallbackSchedule,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		log:            logging.WithComponent("monitor.stream"),
	}, nil
}

// Name implements Backend.
func (s *Stream) Name() string { return BackendStream }

// Start connects to the event stream and runs the fallback sweep until
// ctx is cancelled.
func (s *Stream) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule fallback sweep: %w", err)
	}
	c.Start()
	s.log.Info("Starting task event stream",
		slog.String("url", s.source.EventStreamURL()),
		slog.String("fallback_schedule", s.schedule))

	s.listen(ctx)

	<-c.Stop().Done()
	s.tasks.CancelAll()
	s.wg.Wait()
	s.log.Info("Task event stream stopped")
	return nil
}

// Monitor registers job and fetches its current status once, since the
// task may have moved before the stream reported it.
func (s *Stream) Monitor(ctx context.Context, job Job) error {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.tasks.Add(job, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		refresh(jobCtx, s.source, s.observer, job, s.log)
	}()
	return nil
}

// listen runs the connect/read loop with exponential backoff between
// attempts. It returns when ctx is cancelled.
func (s *Stream) listen(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.MaxInterval = s.maxBackoff
	b.MaxElapsedTime = 0

	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}

		wait := b.NextBackOff()
		s.log.Warn("Event stream disconnected, reconnecting",
			slog.Any("error", err),
			slog.Duration("backoff", wait))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session dials once and reads events until the connection fails.
func (s *Stream) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.source.Token())

	conn, _, err := s.dialer.DialContext(ctx, s.source.EventStreamURL(), header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	s.log.Info("Event stream connected")
	// Catch up on anything that changed while disconnected.
	s.sweep(ctx)

	for {
		var ev semaphore.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return true, err
		}
		s.handle(ctx, &ev)
	}
}

func (s *Stream) handle(ctx context.Context, ev *semaphore.Event) {
	if ev.Type != eventTypeUpdate || ev.TaskID == 0 {
		return
	}
	if !s.tasks.Has(ev.TaskID) {
		return
	}
	s.observer.Observe(ctx, ev.TaskID, ev.Status)
}

// sweep re-checks every tracked task.
func (s *Stream) sweep(ctx context.Context) {
	for _, job := range s.tasks.List() {
		if ctx.Err() != nil {
			return
		}
		refresh(ctx, s.source, s.observer, job, s.log)
	}
}
