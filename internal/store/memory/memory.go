// Package memory is an in-process store.Store for tests and "memory://" deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anji4cp/streamnexus/internal/store"
	"github.com/anji4cp/streamnexus/internal/stream"
)

type Store struct {
	mu        sync.Mutex
	streams   map[string]stream.Stream
	rotations map[string]stream.Rotation

	// FailStatus, when set, is returned by SetStatus before any write.
	FailStatus func(id string, u store.StatusUpdate) error
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{streams: map[string]stream.Stream{}, rotations: map[string]stream.Rotation{}}
}

func (s *Store) EnsureSchema(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) CreateStream(_ context.Context, st stream.Stream) error {
	if err := st.Validate(); err != nil {
		return err
	}
	st = st.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[st.ID]; ok {
		return fmt.Errorf("stream %s already exists", st.ID)
	}
	st.UpdatedAt = time.Now().UTC()
	s.streams[st.ID] = cloneStream(st)
	return nil
}

func (s *Store) UpdateStream(_ context.Context, st stream.Stream) error {
	if err := st.Validate(); err != nil {
		return err
	}
	st = st.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.streams[st.ID]
	if !ok {
		return fmt.Errorf("stream %s: %w", st.ID, stream.ErrNotFound)
	}
	st.LastError = cur.LastError
	st.StartedAt = cur.StartedAt
	switch {
	case cur.Status == stream.StatusLive:
		st.Status = stream.StatusLive
	case st.ScheduleTime != nil:
		st.Status = stream.StatusScheduled
	default:
		st.Status = stream.StatusOffline
	}
	st.UpdatedAt = time.Now().UTC()
	s.streams[st.ID] = cloneStream(st)
	return nil
}

func (s *Store) GetStream(_ context.Context, id string) (stream.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return stream.Stream{}, fmt.Errorf("stream %s: %w", id, stream.ErrNotFound)
	}
	return cloneStream(st), nil
}

func (s *Store) ListStreams(_ context.Context, f store.Filter) ([]stream.Stream, error) {
	return s.selectStreams(func(st stream.Stream) bool {
		return (f.Status == "" || st.Status == f.Status) && (f.UserID == "" || st.UserID == f.UserID)
	}, nil), nil
}

func (s *Store) DeleteStream(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return fmt.Errorf("stream %s: %w", id, stream.ErrNotFound)
	}
	if st.Status == stream.StatusLive {
		return fmt.Errorf("stream %s: %w", id, stream.ErrStreamLive)
	}
	delete(s.streams, id)
	return nil
}

func (s *Store) SetStatus(_ context.Context, id string, u store.StatusUpdate) error {
	if !u.Status.Valid() {
		return fmt.Errorf("invalid stream status %q", u.Status)
	}
	if s.FailStatus != nil {
		if err := s.FailStatus(id, u); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return fmt.Errorf("stream %s: %w", id, stream.ErrNotFound)
	}
	st.Status = u.Status
	if u.ClearSchedule {
		st.ScheduleTime, st.EndTime = nil, nil
	}
	if u.LastError != nil {
		st.LastError = *u.LastError
	}
	if u.StartedAt != nil {
		t := u.StartedAt.UTC()
		st.StartedAt = &t
	}
	st.UpdatedAt = time.Now().UTC()
	s.streams[id] = st
	return nil
}

func (s *Store) DueScheduled(_ context.Context, now time.Time) ([]stream.Stream, error) {
	return s.selectStreams(func(st stream.Stream) bool {
		return st.Status == stream.StatusScheduled && st.ScheduleTime != nil && !st.ScheduleTime.After(now)
	}, func(st stream.Stream) time.Time { return *st.ScheduleTime }), nil
}

func (s *Store) ExpiredLive(_ context.Context, now time.Time) ([]stream.Stream, error) {
	return s.selectStreams(func(st stream.Stream) bool {
		return st.Status == stream.StatusLive && st.EndTime != nil && !st.EndTime.After(now)
	}, func(st stream.Stream) time.Time { return *st.EndTime }), nil
}

func (s *Store) selectStreams(match func(stream.Stream) bool, by func(stream.Stream) time.Time) []stream.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.Stream, 0)
	for _, st := range s.streams {
		if match(st) {
			out = append(out, cloneStream(st))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if by != nil {
			a, b := by(out[i]), by(out[j])
			if !a.Equal(b) {
				return a.Before(b)
			}
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) CreateRotation(_ context.Context, r stream.Rotation) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r = r.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rotations[r.ID]; ok {
		return fmt.Errorf("rotation %s already exists", r.ID)
	}
	r.UpdatedAt = time.Now().UTC()
	s.rotations[r.ID] = cloneRotation(r)
	return nil
}

func (s *Store) GetRotation(_ context.Context, id string) (stream.Rotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rotations[id]
	if !ok {
		return stream.Rotation{}, fmt.Errorf("rotation %s: %w", id, stream.ErrNotFound)
	}
	return cloneRotation(r), nil
}

func (s *Store) ListRotations(_ context.Context, status stream.RotationStatus) ([]stream.Rotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.Rotation, 0)
	for _, r := range s.rotations {
		if status == "" || r.Status == status {
			out = append(out, cloneRotation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetRotationState(_ context.Context, id string, st store.RotationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rotations[id]
	if !ok {
		return fmt.Errorf("rotation %s: %w", id, stream.ErrNotFound)
	}
	r.Status = st.Status
	r.CurrentItemIndex = st.CurrentItemIndex
	r.PausedOffset = st.PausedOffset
	r.PausedSlotStart = nil
	if st.PausedSlotStart != nil {
		t := *st.PausedSlotStart
		r.PausedSlotStart = &t
	}
	r.UpdatedAt = time.Now().UTC()
	s.rotations[id] = r
	return nil
}

func (s *Store) DeleteRotation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rotations[id]
	if !ok {
		return fmt.Errorf("rotation %s: %w", id, stream.ErrNotFound)
	}
	if r.Status == stream.RotationActive {
		return fmt.Errorf("rotation %s: %w", id, stream.ErrRotationActive)
	}
	delete(s.rotations, id)
	return nil
}

func cloneStream(st stream.Stream) stream.Stream {
	if st.Playlist != nil {
		st.Playlist = append([]string(nil), st.Playlist...)
	}
	st.ScheduleTime = cloneTime(st.ScheduleTime)
	st.EndTime = cloneTime(st.EndTime)
	st.StartedAt = cloneTime(st.StartedAt)
	if st.Settings.Loop != nil {
		v := *st.Settings.Loop
		st.Settings.Loop = &v
	}
	return st
}

func cloneRotation(r stream.Rotation) stream.Rotation {
	items := make([]stream.RotationItem, len(r.Items))
	for i, it := range r.Items {
		if it.Tags != nil {
			it.Tags = append([]string(nil), it.Tags...)
		}
		items[i] = it
	}
	r.Items = items
	if r.Settings.Loop != nil {
		v := *r.Settings.Loop
		r.Settings.Loop = &v
	}
	if r.PausedSlotStart != nil {
		t := *r.PausedSlotStart
		r.PausedSlotStart = &t
	}
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
