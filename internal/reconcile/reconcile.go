// Package reconcile brings persisted stream status in line with reality when the
// orchestrator boots: nothing survives a restart, so no stream can be live.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anji4cp/streamnexus/internal/history"
	"github.com/anji4cp/streamnexus/internal/manager"
	"github.com/anji4cp/streamnexus/internal/metrics"
	"github.com/anji4cp/streamnexus/internal/store"
	"github.com/anji4cp/streamnexus/internal/stream"
)

// Encoders is the part of the manager the boot pass needs.
type Encoders interface {
	IsStreamActive(key string) bool
	SyncStreamStatuses(ctx context.Context) (manager.SyncResult, error)
}

type Reconciler struct {
	Store    store.Streams
	Encoders Encoders
	Recorder *history.Recorder
	Logger   *slog.Logger
	Attempts int
}

// Boot resets every live row without a running encoder to offline, then runs a
// status sync. It returns how many rows were reset. A row that cannot be written
// after retries fails the boot.
func (r *Reconciler) Boot(ctx context.Context) (int, error) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "reconcile")

	live, err := r.Store.ListStreams(ctx, store.Filter{Status: stream.StatusLive})
	if err != nil {
		return 0, fmt.Errorf("list live streams: %w", err)
	}
	reset := 0
	for _, st := range live {
		if r.Encoders != nil && r.Encoders.IsStreamActive(st.ID) {
			continue
		}
		u := store.StatusUpdate{Status: stream.StatusOffline}
		if err := store.RetryStatus(ctx, r.Store, r.Attempts, st.ID, u); err != nil {
			metrics.IncStatusWriteFailure()
			metrics.AddBootResets(reset)
			return reset, fmt.Errorf("reset stream %s: %w", st.ID, err)
		}
		reset++
		ev := history.NewEvent(history.EventReset, st.ID)
		ev.StreamID = st.ID
		ev.Detail = "live at boot without an encoder"
		r.Recorder.Record(ev)
		log.Info("stale live stream reset", "stream", st.ID)
	}
	metrics.AddBootResets(reset)

	if r.Encoders != nil {
		if _, err := r.Encoders.SyncStreamStatuses(ctx); err != nil {
			return reset, fmt.Errorf("sync stream statuses: %w", err)
		}
	}
	log.Info("boot reconcile done", "reset", reset)
	return reset, nil
}
