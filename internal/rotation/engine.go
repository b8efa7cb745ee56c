// Package rotation plays an ordered list of items inside a recurring time window,
// switching the encoder whenever the wall clock crosses into another item's slot.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anji4cp/streamnexus/internal/content"
	"github.com/anji4cp/streamnexus/internal/credentials"
	"github.com/anji4cp/streamnexus/internal/history"
	"github.com/anji4cp/streamnexus/internal/logger"
	"github.com/anji4cp/streamnexus/internal/manager"
	"github.com/anji4cp/streamnexus/internal/metrics"
	"github.com/anji4cp/streamnexus/internal/store"
	"github.com/anji4cp/streamnexus/internal/stream"
)

// ErrNotActive is returned when pausing a rotation that is not playing.
var ErrNotActive = errors.New("rotation is not active")

const DefaultInterval = 5 * time.Second

type Config struct {
	Interval time.Duration `mapstructure:"interval"`
	Policy   Policy        `mapstructure:"policy"`
}

// Encoders runs rotation items.
type Encoders interface {
	RunItem(ctx context.Context, key string, it manager.Item) error
	StopItem(ctx context.Context, key string) error
	IsStreamActive(key string) bool
}

// Destinations creates and releases per-item publish targets.
type Destinations interface {
	ForRotationItem(ctx context.Context, rot stream.Rotation, item stream.RotationItem, start time.Time) (credentials.Destination, error)
	Release(ctx context.Context, d credentials.Destination) error
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Store        store.Rotations
	Content      content.Resolver
	Destinations Destinations
	Encoders     Encoders
	Recorder     *history.Recorder
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// ItemKey is the encoder key of a rotation's current item.
func ItemKey(id string) string { return "rotation-" + id }

// playing is the item an active rotation currently runs.
type playing struct {
	index     int
	slotStart time.Time
	startedAt time.Time // wall time at item offset zero
	dest      credentials.Destination
}

type Engine struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	// mu serializes every state transition; ticks and API calls never interleave
	mu      sync.Mutex
	playing map[string]*playing

	cronMu sync.Mutex
	cron   *cron.Cron
}

func New(cfg Config, deps Deps, opts ...Option) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyAuto
	}
	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		log:     slog.Default(),
		now:     time.Now,
		playing: make(map[string]*playing),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("component", "rotation")
	return e
}

// Activate starts playing a rotation. Outside its window the rotation becomes
// active and waits. A paused rotation resumes its retained item mid-item while the
// clock is still inside that item's slot.
func (e *Engine) Activate(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.deps.Store.GetRotation(ctx, id)
	if err != nil {
		return err
	}
	if r.Status == stream.RotationActive {
		return nil
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("rotation %s: %w", id, stream.ErrNoItems)
	}
	if err := r.ValidateWindow(); err != nil {
		return fmt.Errorf("rotation %s: %w", id, err)
	}

	now := e.now()
	slot, err := CurrentSlot(now, WindowOf(r), r.Items, e.cfg.Policy)
	switch {
	case errors.Is(err, ErrWindowElapsed):
		return fmt.Errorf("rotation %s: %w: %w", id, stream.ErrInvalidWindow, err)
	case errors.Is(err, ErrOutsideWindow):
		e.log.Info("rotation active, waiting for window", "rotation", id, "next", slot.OccurrenceStart)
		return e.persist(ctx, id, stream.RotationActive, -1, 0)
	case err != nil:
		return fmt.Errorf("rotation %s: %w", id, err)
	}

	var seek time.Duration
	if resumesMidItem(r, slot) {
		seek = r.PausedOffset
	}
	if err := e.play(ctx, r, slot, seek); err != nil {
		return err
	}
	return e.persist(ctx, id, stream.RotationActive, slot.Index, 0)
}

// Pause stops the current item and remembers how far it had played.
func (e *Engine) Pause(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.deps.Store.GetRotation(ctx, id)
	if err != nil {
		return err
	}
	switch r.Status {
	case stream.RotationPaused:
		return nil
	case stream.RotationActive:
	default:
		return fmt.Errorf("rotation %s: %w", id, ErrNotActive)
	}
	offset, slotStart := e.stopCurrent(ctx, id)
	st := store.RotationState{Status: stream.RotationPaused, CurrentItemIndex: r.CurrentItemIndex, PausedOffset: offset}
	if !slotStart.IsZero() {
		st.PausedSlotStart = &slotStart
	}
	if err := e.persistState(ctx, id, st); err != nil {
		return err
	}
	e.log.Info("rotation paused", "rotation", id, "item", r.CurrentItemIndex, "offset", offset)
	return nil
}

// Stop stops the current item and deactivates the rotation. Stopping an inactive
// rotation is a no-op.
func (e *Engine) Stop(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.deps.Store.GetRotation(ctx, id)
	if err != nil {
		return err
	}
	e.stopCurrent(ctx, id)
	if r.Status == stream.RotationInactive && r.CurrentItemIndex == -1 {
		return nil
	}
	if err := e.persist(ctx, id, stream.RotationInactive, -1, 0); err != nil {
		return err
	}
	e.log.Info("rotation stopped", "rotation", id)
	return nil
}

// Delete removes a rotation that is not active.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deps.Store.DeleteRotation(ctx, id)
}

// Tick moves every active rotation to the item its slot demands.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	active, err := e.deps.Store.ListRotations(ctx, stream.RotationActive)
	if err != nil {
		return fmt.Errorf("list active rotations: %w", err)
	}
	now := e.now()
	seen := make(map[string]bool, len(active))
	for _, r := range active {
		seen[r.ID] = true
		if err := e.advance(ctx, r, now); err != nil {
			e.log.Warn("rotation tick failed", "rotation", r.ID, "error", err)
		}
	}
	// rotations deactivated behind our back
	for id := range e.playing {
		if !seen[id] {
			e.stopCurrent(ctx, id)
		}
	}
	return nil
}

func (e *Engine) advance(ctx context.Context, r stream.Rotation, now time.Time) error {
	slot, err := CurrentSlot(now, WindowOf(r), r.Items, e.cfg.Policy)
	switch {
	case errors.Is(err, ErrWindowElapsed):
		e.stopCurrent(ctx, r.ID)
		e.log.Info("rotation window elapsed", "rotation", r.ID)
		return e.persist(ctx, r.ID, stream.RotationInactive, -1, 0)
	case errors.Is(err, ErrOutsideWindow):
		if e.playing[r.ID] == nil && r.CurrentItemIndex == -1 {
			return nil
		}
		e.stopCurrent(ctx, r.ID)
		e.log.Info("rotation outside window", "rotation", r.ID, "next", slot.OccurrenceStart)
		return e.persist(ctx, r.ID, stream.RotationActive, -1, 0)
	case err != nil:
		return err
	}

	key := ItemKey(r.ID)
	p := e.playing[r.ID]
	if p != nil && p.index == slot.Index && p.slotStart.Equal(slot.Start) {
		if e.deps.Encoders.IsStreamActive(key) {
			return nil
		}
		e.log.Warn("rotation item exited; restarting", "rotation", r.ID, "item", slot.Index)
	}
	e.stopCurrent(ctx, r.ID)
	if err := e.play(ctx, r, slot, 0); err != nil {
		return err
	}
	if r.CurrentItemIndex == slot.Index {
		return nil
	}
	return e.persist(ctx, r.ID, stream.RotationActive, slot.Index, 0)
}

func (e *Engine) play(ctx context.Context, r stream.Rotation, slot Slot, seek time.Duration) error {
	item := r.Items[slot.Index]
	inputs, err := e.deps.Content.Resolve(ctx, []string{item.ContentRef})
	if err != nil {
		return fmt.Errorf("rotation %s item %d: %w", r.ID, slot.Index, err)
	}
	now := e.now()
	dest, err := e.deps.Destinations.ForRotationItem(ctx, r, item, now)
	if err != nil {
		return err
	}
	err = e.deps.Encoders.RunItem(ctx, ItemKey(r.ID), manager.Item{
		RotationID:  r.ID,
		Inputs:      inputs,
		Destination: dest.URL,
		Settings:    r.Settings,
		Seek:        seek,
	})
	if err != nil {
		if rerr := e.deps.Destinations.Release(ctx, dest); rerr != nil {
			e.log.Warn("release destination failed", "rotation", r.ID, "error", rerr)
		}
		return fmt.Errorf("rotation %s item %d: %w", r.ID, slot.Index, err)
	}
	e.playing[r.ID] = &playing{index: slot.Index, slotStart: slot.Start, startedAt: now.Add(-seek), dest: dest}

	metrics.IncRotationSwitch()
	ev := history.NewEvent(history.EventSwitch, ItemKey(r.ID))
	ev.RotationID = r.ID
	ev.Detail = fmt.Sprintf("item %d %q until %s", slot.Index, item.Title, slot.End.Format(time.RFC3339))
	e.deps.Recorder.Record(ev)
	e.log.Info("rotation item playing", "rotation", r.ID, "item", slot.Index, "title", item.Title,
		"slot_end", slot.End, "seek", seek, "broadcast", dest.BroadcastID)
	return nil
}

// stopCurrent stops the rotation's encoder, ends its broadcast and returns how
// far the item had played in which slot.
func (e *Engine) stopCurrent(ctx context.Context, id string) (time.Duration, time.Time) {
	if err := e.deps.Encoders.StopItem(ctx, ItemKey(id)); err != nil {
		e.log.Warn("stop rotation item failed", "rotation", id, "error", err)
	}
	p := e.playing[id]
	if p == nil {
		return 0, time.Time{}
	}
	delete(e.playing, id)
	if err := e.deps.Destinations.Release(ctx, p.dest); err != nil {
		e.log.Warn("release destination failed", "rotation", id, "broadcast", p.dest.BroadcastID, "error", err)
	}
	offset := e.now().Sub(p.startedAt)
	if offset < 0 {
		offset = 0
	}
	return offset, p.slotStart
}

// resumesMidItem reports whether a paused rotation picks its item up where it
// stopped: only inside the very slot it was paused in, not the same item's slot
// of a later occurrence.
func resumesMidItem(r stream.Rotation, slot Slot) bool {
	if r.Status != stream.RotationPaused || r.PausedOffset <= 0 || r.PausedSlotStart == nil {
		return false
	}
	return r.CurrentItemIndex == slot.Index && r.PausedSlotStart.UnixMilli() == slot.Start.UnixMilli()
}

func (e *Engine) persist(ctx context.Context, id string, status stream.RotationStatus, index int, offset time.Duration) error {
	return e.persistState(ctx, id, store.RotationState{Status: status, CurrentItemIndex: index, PausedOffset: offset})
}

func (e *Engine) persistState(ctx context.Context, id string, st store.RotationState) error {
	err := store.Retry(ctx, 0, func(ctx context.Context) error {
		return e.deps.Store.SetRotationState(ctx, id, st)
	})
	if err != nil {
		return fmt.Errorf("rotation %s: persist %s: %w", id, st.Status, err)
	}
	return nil
}

// Start restores persisted active rotations and begins ticking.
func (e *Engine) Start(ctx context.Context) error {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.cron != nil {
		return errors.New("rotation engine already started")
	}
	if err := e.Tick(ctx); err != nil {
		return err
	}
	cl := logger.Cron(e.log)
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	_, err := c.AddFunc("@every "+e.cfg.Interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Interval*4)
		defer cancel()
		if err := e.Tick(ctx); err != nil {
			e.log.Warn("rotation tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule rotation tick: %w", err)
	}
	c.Start()
	e.cron = c
	e.log.Info("rotation engine started", "interval", e.cfg.Interval, "policy", e.cfg.Policy)
	return nil
}

// StopLoop stops ticking and waits for an in-flight tick. Items keep running
// until the manager shuts down.
func (e *Engine) StopLoop() {
	e.cronMu.Lock()
	c := e.cron
	e.cron = nil
	e.cronMu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	e.log.Info("rotation engine stopped")
}

// Halt stops every playing item and ends its broadcast. Persisted state is left
// alone so a later Start restores the rotations.
func (e *Engine) Halt(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.playing {
		e.stopCurrent(ctx, id)
	}
}
