// Package scheduler starts streams whose schedule_time has arrived and stops live
// streams whose end_time has passed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/anji4cp/streamnexus/internal/logger"
	"github.com/anji4cp/streamnexus/internal/metrics"
	"github.com/anji4cp/streamnexus/internal/store"
	"github.com/anji4cp/streamnexus/internal/stream"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultRetryWindow = 2 * time.Minute
	DefaultConcurrency = 4
)

type Config struct {
	Interval    time.Duration `mapstructure:"interval"`
	RetryWindow time.Duration `mapstructure:"retry_window"`
	Concurrency int           `mapstructure:"concurrency"`
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RetryWindow <= 0 {
		c.RetryWindow = DefaultRetryWindow
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Encoders starts and stops stream encoders. StartScheduled must recheck the
// row under the stream's lock and fail with stream.ErrNotScheduled once the
// stream is no longer scheduled.
type Encoders interface {
	StartScheduled(ctx context.Context, id string) error
	StopStream(ctx context.Context, id string) error
}

// Result summarizes one tick.
type Result struct {
	Started int
	Stopped int
	Failed  int
	GaveUp  int
	Skipped int // left the scheduled state before the start ran
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Scheduler) { s.log = l } }

type Scheduler struct {
	cfg   Config
	store store.Streams
	enc   Encoders
	log   *slog.Logger
	now   func() time.Time

	mu       sync.Mutex
	failures map[string]time.Time // first failed start per stream
	cron     *cron.Cron
}

func New(cfg Config, st store.Streams, enc Encoders, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		store:    st,
		enc:      enc,
		log:      slog.Default(),
		now:      time.Now,
		failures: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("component", "scheduler")
	return s
}

// Start ticks every configured interval. A tick still running when the next one is
// due makes the scheduler skip it.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	cl := logger.Cron(s.log)
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc("@every "+s.cfg.Interval.String(), s.runTick); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	c.Start()
	s.cron = c
	s.log.Info("scheduler started", "interval", s.cfg.Interval, "retry_window", s.cfg.RetryWindow)
	return nil
}

// Stop stops ticking and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) runTick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval*4)
	defer cancel()
	if _, err := s.Tick(ctx); err != nil {
		s.log.Warn("scheduler tick incomplete", "error", err)
	}
}

// Tick starts due streams and stops expired ones. Per-stream failures are
// counted, never returned; the error reports queries that could not run.
func (s *Scheduler) Tick(ctx context.Context) (Result, error) {
	began := time.Now()
	now := s.now()
	defer func() { metrics.ObserveSchedulerTick(time.Since(began).Seconds()) }()

	var (
		mu   sync.Mutex
		res  Result
		errs []error
	)
	count := func(f func(*Result)) {
		mu.Lock()
		f(&res)
		mu.Unlock()
	}

	due, err := s.store.DueScheduled(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("due scheduled: %w", err))
	}
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	pending := make(map[string]bool, len(due))
	for _, st := range due {
		pending[st.ID] = true
		g.Go(func() error {
			count(s.startDue(ctx, st, now))
			return nil
		})
	}
	_ = g.Wait()
	if err == nil {
		s.forgetExcept(pending)
	}

	expired, err := s.store.ExpiredLive(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("expired live: %w", err))
	}
	for _, st := range expired {
		g.Go(func() error {
			if err := s.enc.StopStream(ctx, st.ID); err != nil {
				metrics.IncSchedulerAction("stop", "error")
				s.log.Warn("scheduled stop failed", "stream", st.ID, "error", err)
				count(func(r *Result) { r.Failed++ })
				return nil
			}
			metrics.IncSchedulerAction("stop", "ok")
			s.log.Info("stream reached end time", "stream", st.ID, "end_time", st.EndTime)
			count(func(r *Result) { r.Stopped++ })
			return nil
		})
	}
	_ = g.Wait()
	return res, errors.Join(errs...)
}

func (s *Scheduler) startDue(ctx context.Context, st stream.Stream, now time.Time) func(*Result) {
	if st.EndTime != nil && !st.EndTime.After(now) {
		s.giveUp(ctx, st.ID, "schedule window ended before the stream could start")
		metrics.IncSchedulerAction("start", "skipped")
		return func(r *Result) { r.GaveUp++ }
	}
	err := s.enc.StartScheduled(ctx, st.ID)
	if errors.Is(err, stream.ErrNotScheduled) {
		s.forget(st.ID)
		metrics.IncSchedulerAction("start", "skipped")
		s.log.Info("scheduled start dropped", "stream", st.ID, "reason", err)
		return func(r *Result) { r.Skipped++ }
	}
	if err == nil {
		s.forget(st.ID)
		metrics.IncSchedulerAction("start", "ok")
		s.log.Info("scheduled stream started", "stream", st.ID)
		return func(r *Result) { r.Started++ }
	}

	first := s.firstFailure(st.ID, now)
	if now.Sub(first) > s.cfg.RetryWindow {
		s.giveUp(ctx, st.ID, err.Error())
		metrics.IncSchedulerAction("start", "gave_up")
		return func(r *Result) { r.GaveUp++ }
	}
	metrics.IncSchedulerAction("start", "error")
	s.log.Warn("scheduled start failed; will retry", "stream", st.ID, "error", err, "failing_since", first)
	return func(r *Result) { r.Failed++ }
}

func (s *Scheduler) giveUp(ctx context.Context, id, reason string) {
	s.forget(id)
	u := store.StatusUpdate{Status: stream.StatusOffline, LastError: store.LastError(reason)}
	if err := store.RetryStatus(ctx, s.store, 0, id, u); err != nil {
		metrics.IncStatusWriteFailure()
		s.log.Error("could not take scheduled stream offline", "stream", id, "error", err)
		return
	}
	s.log.Warn("scheduled stream given up", "stream", id, "reason", reason)
}

func (s *Scheduler) firstFailure(id string, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.failures[id]; ok {
		return t
	}
	s.failures[id] = now
	return now
}

func (s *Scheduler) forget(id string) {
	s.mu.Lock()
	delete(s.failures, id)
	s.mu.Unlock()
}

// forgetExcept drops failure records of streams that are no longer due.
func (s *Scheduler) forgetExcept(due map[string]bool) {
	s.mu.Lock()
	for id := range s.failures {
		if !due[id] {
			delete(s.failures, id)
		}
	}
	s.mu.Unlock()
}
