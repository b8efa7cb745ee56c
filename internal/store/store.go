package store

import (
	"context"
	"time"

	"github.com/anji4cp/streamnexus/internal/stream"
)

// StatusUpdate is applied to one stream row in a single atomic write.
type StatusUpdate struct {
	Status        stream.Status
	ClearSchedule bool       // also null schedule_time and end_time
	LastError     *string    // nil leaves last_error untouched, "" clears it
	StartedAt     *time.Time // recorded when a stream goes live
}

// Filter narrows ListStreams. Zero fields match everything.
type Filter struct {
	Status stream.Status
	UserID string
}

// RotationState is the mutable part of a rotation row.
type RotationState struct {
	Status           stream.RotationStatus
	CurrentItemIndex int
	PausedOffset     time.Duration
	PausedSlotStart  *time.Time // slot the paused item was playing in
}

// Streams persists stream intent.
type Streams interface {
	CreateStream(ctx context.Context, s stream.Stream) error
	UpdateStream(ctx context.Context, s stream.Stream) error
	GetStream(ctx context.Context, id string) (stream.Stream, error)
	ListStreams(ctx context.Context, f Filter) ([]stream.Stream, error)
	// DeleteStream fails with stream.ErrStreamLive when the row is live.
	DeleteStream(ctx context.Context, id string) error
	// SetStatus returns stream.ErrNotFound when no row matched.
	SetStatus(ctx context.Context, id string, u StatusUpdate) error
	// DueScheduled lists scheduled streams with schedule_time <= now.
	DueScheduled(ctx context.Context, now time.Time) ([]stream.Stream, error)
	// ExpiredLive lists live streams with end_time <= now.
	ExpiredLive(ctx context.Context, now time.Time) ([]stream.Stream, error)
}

// Rotations persists rotations and their items.
type Rotations interface {
	CreateRotation(ctx context.Context, r stream.Rotation) error
	GetRotation(ctx context.Context, id string) (stream.Rotation, error)
	// ListRotations returns rotations in the given status, or all when status is empty.
	ListRotations(ctx context.Context, status stream.RotationStatus) ([]stream.Rotation, error)
	SetRotationState(ctx context.Context, id string, st RotationState) error
	// DeleteRotation fails with stream.ErrRotationActive when the row is active.
	DeleteRotation(ctx context.Context, id string) error
}

// Store is the persistence collaborator of the orchestrator.
type Store interface {
	Streams
	Rotations
	EnsureSchema(ctx context.Context) error
	Close() error
}

// LastError is a convenience for building StatusUpdate.LastError.
func LastError(s string) *string { return &s }
