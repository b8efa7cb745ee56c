// Package manager owns the encoder processes of the orchestrator: one handle per
// key, serialized per key, with exits delivered on a single channel and matched
// by generation.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anji4cp/streamnexus/internal/content"
	"github.com/anji4cp/streamnexus/internal/credentials"
	"github.com/anji4cp/streamnexus/internal/env"
	"github.com/anji4cp/streamnexus/internal/history"
	"github.com/anji4cp/streamnexus/internal/logger"
	"github.com/anji4cp/streamnexus/internal/metrics"
	"github.com/anji4cp/streamnexus/internal/process"
	"github.com/anji4cp/streamnexus/internal/store"
	"github.com/anji4cp/streamnexus/internal/stream"
)

// ErrShuttingDown is returned by start calls once Shutdown has begun.
var ErrShuttingDown = errors.New("manager is shutting down")

const (
	KindStream   = "stream"
	KindRotation = "rotation"

	defaultStopGrace = 10 * time.Second
	persistTimeout   = 10 * time.Second
)

// Config tunes how encoders are spawned and stopped.
type Config struct {
	Binary            string               `mapstructure:"binary"`
	Command           []string             `mapstructure:"command"` // custom encoder; receives STREAMNEXUS_* env vars
	WorkDir           string               `mapstructure:"work_dir"`
	LogLines          int                  `mapstructure:"log_lines"`
	StopGrace         time.Duration        `mapstructure:"stop_grace"`
	StatusAttempts    int                  `mapstructure:"status_attempts"`
	PostmortemStreams int                  `mapstructure:"postmortem_streams"`
	PostmortemTTL     time.Duration        `mapstructure:"postmortem_ttl"`
	Env               map[string]string    `mapstructure:"env"`
	Logs              logger.EncoderConfig `mapstructure:"logs"`
}

// Destinations resolves where a stream publishes.
type Destinations interface {
	ForStream(ctx context.Context, s stream.Stream) (credentials.Destination, error)
}

// Deps are the collaborators of a Manager. Store, Content and Destinations are required.
type Deps struct {
	Store        store.Streams
	Content      content.Resolver
	Destinations Destinations
	Recorder     *history.Recorder
	Logger       *slog.Logger
}

// Item is an encoder that does not own a persisted stream row (a rotation item).
type Item struct {
	RotationID  string
	Inputs      []string
	Destination string
	Settings    stream.Settings
	Seek        time.Duration
}

// Encoder is a point-in-time view of one running encoder.
type Encoder struct {
	Key        string    `json:"key"`
	Kind       string    `json:"kind"`
	PID        int       `json:"pid"`
	Generation uint64    `json:"generation"`
	StartedAt  time.Time `json:"started_at"`
}

type entry struct {
	h          *process.Handle
	kind       string
	rotationID string
}

// Manager starts, stops and watches encoder processes.
type Manager struct {
	cfg   Config
	deps  Deps
	log   *slog.Logger
	env   *env.Env
	locks *keyLocks
	post  *postmortem
	gen   atomic.Uint64

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	events   chan process.Exit
	quit     chan struct{}
	loopDone chan struct{}
	shutOnce sync.Once
	shutErr  error

	syncMu   sync.Mutex
	syncStop chan struct{}
	syncDone chan struct{}
}

// New builds a Manager and starts its exit loop. Call Shutdown to release it.
func New(cfg Config, deps Deps) *Manager {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = process.DefaultLogLines
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.With("component", "manager"),
		env:      env.New(cfg.Env),
		locks:    newKeyLocks(),
		post:     newPostmortem(cfg.PostmortemStreams, cfg.PostmortemTTL),
		entries:  make(map[string]*entry),
		events:   make(chan process.Exit, 16),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go m.run()
	return m
}

// StartStream spawns the encoder for a persisted stream and marks it live.
func (m *Manager) StartStream(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	if m.isClosed() {
		return ErrShuttingDown
	}
	if m.running(id) {
		return fmt.Errorf("stream %s: %w", id, stream.ErrAlreadyLive)
	}
	st, err := m.deps.Store.GetStream(ctx, id)
	if err != nil {
		return err
	}
	return m.startLocked(ctx, st)
}

// StartScheduled starts a stream the scheduler found due. The row is reread
// under the stream's lock and ErrNotScheduled is returned when it has left the
// scheduled state since, e.g. a user stopped it. An encoder that already runs
// for a still scheduled row only has its row brought up to live.
func (m *Manager) StartScheduled(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	if m.isClosed() {
		return ErrShuttingDown
	}
	st, err := m.deps.Store.GetStream(ctx, id)
	if err != nil {
		return err
	}
	if st.Status != stream.StatusScheduled {
		return fmt.Errorf("stream %s is %s: %w", id, st.Status, stream.ErrNotScheduled)
	}
	if m.running(id) {
		return store.RetryStatus(ctx, m.deps.Store, m.cfg.StatusAttempts, id, store.StatusUpdate{Status: stream.StatusLive})
	}
	return m.startLocked(ctx, st)
}

// startLocked spawns st's encoder. The caller holds st's key lock.
func (m *Manager) startLocked(ctx context.Context, st stream.Stream) error {
	id := st.ID
	if !st.HasContent() {
		return fmt.Errorf("stream %s: %w", id, stream.ErrNoContent)
	}
	inputs, err := m.deps.Content.Resolve(ctx, st.ContentRefs())
	if err != nil {
		return fmt.Errorf("stream %s: %w", id, err)
	}
	dest, err := m.deps.Destinations.ForStream(ctx, st)
	if err != nil {
		return err
	}
	h, err := m.spawn(id, KindStream, "", Item{Inputs: inputs, Destination: dest.URL, Settings: st.Settings})
	if err != nil {
		return fmt.Errorf("stream %s: %w", id, err)
	}

	now := time.Now().UTC()
	u := store.StatusUpdate{Status: stream.StatusLive, LastError: store.LastError(""), StartedAt: &now}
	if err := store.RetryStatus(ctx, m.deps.Store, m.cfg.StatusAttempts, id, u); err != nil {
		metrics.IncStatusWriteFailure()
		m.log.Error("persist live status failed; encoder keeps running", "stream", id, "pid", h.PID(), "error", err)
	}
	m.log.Info("stream started", "stream", id, "pid", h.PID(), "generation", h.Generation(), "platform", dest.Platform)
	return nil
}

// StopStream stops the stream's encoder if any and persists offline. Stopping a
// stream without an encoder succeeds.
func (m *Manager) StopStream(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	stopErr := m.stopEntry(id)
	st, err := m.deps.Store.GetStream(ctx, id)
	if err != nil {
		return errors.Join(stopErr, err)
	}
	u := store.StatusUpdate{Status: stream.StatusOffline, ClearSchedule: st.Status == stream.StatusScheduled}
	if err := store.RetryStatus(ctx, m.deps.Store, m.cfg.StatusAttempts, id, u); err != nil {
		metrics.IncStatusWriteFailure()
		return errors.Join(stopErr, fmt.Errorf("stream %s: persist offline: %w", id, err))
	}
	return stopErr
}

// RunItem spawns an encoder under key for a process without a stream row.
func (m *Manager) RunItem(_ context.Context, key string, it Item) error {
	unlock := m.locks.Lock(key)
	defer unlock()

	if m.isClosed() {
		return ErrShuttingDown
	}
	if m.running(key) {
		return fmt.Errorf("%s: %w", key, stream.ErrAlreadyLive)
	}
	h, err := m.spawn(key, KindRotation, it.RotationID, it)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	m.log.Info("item started", "key", key, "pid", h.PID(), "generation", h.Generation(), "seek", it.Seek)
	return nil
}

// StopItem stops the encoder under key. It is a no-op when nothing runs.
func (m *Manager) StopItem(_ context.Context, key string) error {
	unlock := m.locks.Lock(key)
	defer unlock()
	return m.stopEntry(key)
}

// IsStreamActive reports whether an encoder is running for key.
func (m *Manager) IsStreamActive(key string) bool { return m.running(key) }

// GetStreamLogs returns the live tail of key's encoder, or its postmortem tail
// when it is gone. active tells which one was returned.
func (m *Manager) GetStreamLogs(key string) ([]string, bool) {
	if e := m.get(key); e != nil && e.h.IsRunning() {
		return e.h.Tail(0), true
	}
	lines, _ := m.post.get(key)
	return lines, false
}

// Follow returns the log ring of a running encoder.
func (m *Manager) Follow(key string) (*process.Ring, bool) {
	e := m.get(key)
	if e == nil || !e.h.IsRunning() {
		return nil, false
	}
	return e.h.Ring(), true
}

// StartedAt returns when the running encoder under key was spawned.
func (m *Manager) StartedAt(key string) (time.Time, bool) {
	e := m.get(key)
	if e == nil || !e.h.IsRunning() {
		return time.Time{}, false
	}
	return e.h.StartedAt(), true
}

// Active lists running encoders ordered by key.
func (m *Manager) Active() []Encoder {
	m.mu.RLock()
	out := make([]Encoder, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.h.IsRunning() {
			continue
		}
		out = append(out, Encoder{Key: k, Kind: e.kind, PID: e.h.PID(), Generation: e.h.Generation(), StartedAt: e.h.StartedAt()})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// PIDs maps running keys to their encoder pid.
func (m *Manager) PIDs() map[string]int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int32, len(m.entries))
	for k, e := range m.entries {
		if e.h.IsRunning() {
			out[k] = int32(e.h.PID())
		}
	}
	return out
}

// Shutdown stops every encoder concurrently, persists offline for stream rows
// and stops the exit loop. Later calls return the first result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutOnce.Do(func() {
		m.StopSyncLoop()

		m.mu.Lock()
		m.closed = true
		all := m.entries
		m.entries = make(map[string]*entry)
		m.mu.Unlock()
		metrics.SetActive(0)

		var g errgroup.Group
		for key, e := range all {
			g.Go(func() error {
				unlock := m.locks.Lock(key)
				defer unlock()
				err := e.h.Stop(m.cfg.StopGrace)
				m.retire(key, e, history.EventStop)
				if e.kind != KindStream {
					return err
				}
				u := store.StatusUpdate{Status: stream.StatusOffline}
				if perr := store.RetryStatus(ctx, m.deps.Store, m.cfg.StatusAttempts, key, u); perr != nil {
					metrics.IncStatusWriteFailure()
					err = errors.Join(err, fmt.Errorf("stream %s: persist offline: %w", key, perr))
				}
				return err
			})
		}
		m.shutErr = g.Wait()
		close(m.quit)
		<-m.loopDone
		m.log.Info("manager stopped", "encoders", len(all))
	})
	return m.shutErr
}

func (m *Manager) spawn(key, kind, rotationID string, it Item) (*process.Handle, error) {
	spec := m.spec(key, it)
	h, err := process.Start(spec, m.events, m.quit)
	if err != nil {
		metrics.IncSpawnFailure(kind)
		ev := history.NewEvent(history.EventSpawnFailed, key)
		ev.RotationID = rotationID
		if kind == KindStream {
			ev.StreamID = key
		}
		ev.Generation = spec.Generation
		ev.Detail = err.Error()
		m.deps.Recorder.Record(ev)
		m.log.Warn("encoder spawn failed", "key", key, "error", err)
		return nil, err
	}
	e := &entry{h: h, kind: kind, rotationID: rotationID}
	if !m.put(key, e) {
		_ = h.Stop(m.cfg.StopGrace)
		return nil, ErrShuttingDown
	}
	m.post.drop(key)
	metrics.IncStart(kind)
	m.deps.Recorder.Record(m.event(history.EventStart, key, e))
	return h, nil
}

func (m *Manager) spec(key string, it Item) process.Spec {
	gen := m.gen.Add(1)
	out, err := m.cfg.Logs.Writer(key)
	if err != nil {
		m.log.Warn("encoder log file unavailable", "key", key, "error", err)
	}
	perEncoder := []string{
		"STREAMNEXUS_KEY=" + key,
		"STREAMNEXUS_INPUTS=" + strings.Join(it.Inputs, "\n"),
		"STREAMNEXUS_DESTINATION=" + it.Destination,
		fmt.Sprintf("STREAMNEXUS_SEEK=%.3f", it.Seek.Seconds()),
	}
	return process.Spec{
		Key:         key,
		Generation:  gen,
		Binary:      m.cfg.Binary,
		Command:     append([]string(nil), m.cfg.Command...),
		Inputs:      it.Inputs,
		Destination: it.Destination,
		Settings:    it.Settings,
		Seek:        it.Seek,
		WorkDir:     m.cfg.WorkDir,
		LogLines:    m.cfg.LogLines,
		Output:      out,
		Env:         m.env.Overlay(perEncoder),
	}
}

// stopEntry removes and stops the encoder under key. Caller holds the key lock.
func (m *Manager) stopEntry(key string) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	n := len(m.entries)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.SetActive(n)
	err := e.h.Stop(m.cfg.StopGrace)
	m.retire(key, e, history.EventStop)
	m.log.Info("encoder stopped", "key", key, "pid", e.h.PID())
	return err
}

// retire keeps the tail of a finished encoder and emits its history and metrics.
func (m *Manager) retire(key string, e *entry, t history.EventType) {
	m.post.put(key, e.h.Tail(0))
	if t == history.EventStop {
		metrics.IncStop(e.kind)
	}
	ev := m.event(t, key, e)
	if x, ok := e.h.ExitInfo(); ok {
		ev.ExitCode = x.Code
		ev.Signal = x.Signal
		if ce := x.CrashErr(); ce != nil {
			ev.Detail = ce.Error()
		}
	}
	m.deps.Recorder.Record(ev)
}

func (m *Manager) event(t history.EventType, key string, e *entry) history.Event {
	ev := history.NewEvent(t, key)
	ev.Generation = e.h.Generation()
	ev.PID = e.h.PID()
	ev.RotationID = e.rotationID
	if e.kind == KindStream {
		ev.StreamID = key
	}
	return ev
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		select {
		case ev := <-m.events:
			m.handleExit(ev)
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) handleExit(ev process.Exit) {
	unlock := m.locks.Lock(ev.Key)
	defer unlock()

	m.mu.Lock()
	e, ok := m.entries[ev.Key]
	if !ok || e.h.Generation() != ev.Generation {
		m.mu.Unlock()
		m.log.Debug("stale exit ignored", "key", ev.Key, "generation", ev.Generation)
		return
	}
	if ev.Reason == process.ExitKilled {
		m.mu.Unlock()
		return
	}
	delete(m.entries, ev.Key)
	n := len(m.entries)
	m.mu.Unlock()
	metrics.SetActive(n)
	metrics.IncExit(e.kind, string(ev.Reason))

	t := history.EventExit
	if ev.Reason == process.ExitCrashed {
		t = history.EventCrash
	}
	m.retire(ev.Key, e, t)

	u := store.StatusUpdate{Status: stream.StatusOffline}
	if crash := ev.CrashErr(); crash != nil {
		m.log.Warn("encoder crashed", "key", ev.Key, "pid", ev.PID, "code", ev.Code, "signal", ev.Signal)
		u.LastError = store.LastError(crash.Error())
	} else {
		m.log.Info("encoder finished", "key", ev.Key, "pid", ev.PID)
	}
	if e.kind != KindStream {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := store.RetryStatus(ctx, m.deps.Store, m.cfg.StatusAttempts, ev.Key, u); err != nil {
		metrics.IncStatusWriteFailure()
		m.log.Error("persist offline after exit failed", "stream", ev.Key, "error", err)
	}
}

func (m *Manager) put(key string, e *entry) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.entries[key] = e
	n := len(m.entries)
	m.mu.Unlock()
	metrics.SetActive(n)
	return true
}

func (m *Manager) get(key string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[key]
}

func (m *Manager) running(key string) bool {
	e := m.get(key)
	return e != nil && e.h.IsRunning()
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
