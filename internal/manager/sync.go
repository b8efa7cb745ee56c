package manager

import (
	"context"
	"errors"
	"time"

	"github.com/anji4cp/streamnexus/internal/store"
	"github.com/anji4cp/streamnexus/internal/stream"
)

// SyncResult counts the rows SyncStreamStatuses corrected.
type SyncResult struct {
	MarkedOffline int `json:"marked_offline"`
	MarkedLive    int `json:"marked_live"`
}

// SyncStreamStatuses aligns persisted stream status with running encoders. A live
// row without an encoder goes offline; a running encoder whose row is not live
// marks it live again. Individual write failures are logged and skipped.
func (m *Manager) SyncStreamStatuses(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	live, err := m.deps.Store.ListStreams(ctx, store.Filter{Status: stream.StatusLive})
	if err != nil {
		return res, err
	}
	for _, st := range live {
		if m.syncOffline(ctx, st.ID) {
			res.MarkedOffline++
		}
	}
	for _, enc := range m.Active() {
		if enc.Kind != KindStream {
			continue
		}
		if m.syncLive(ctx, enc.Key) {
			res.MarkedLive++
		}
	}
	if res.MarkedOffline > 0 || res.MarkedLive > 0 {
		m.log.Info("stream statuses synced", "offline", res.MarkedOffline, "live", res.MarkedLive)
	}
	return res, ctx.Err()
}

func (m *Manager) syncOffline(ctx context.Context, id string) bool {
	unlock := m.locks.Lock(id)
	defer unlock()
	// an entry whose process already ended is settled by the exit loop
	if m.get(id) != nil {
		return false
	}
	u := store.StatusUpdate{Status: stream.StatusOffline}
	if err := store.RetryStatus(ctx, m.deps.Store, m.cfg.StatusAttempts, id, u); err != nil {
		m.log.Warn("sync offline failed", "stream", id, "error", err)
		return false
	}
	return true
}

func (m *Manager) syncLive(ctx context.Context, id string) bool {
	unlock := m.locks.Lock(id)
	defer unlock()
	if !m.running(id) {
		return false
	}
	st, err := m.deps.Store.GetStream(ctx, id)
	if err != nil {
		if errors.Is(err, stream.ErrNotFound) {
			m.log.Warn("running encoder has no stream row", "stream", id)
		}
		return false
	}
	if st.Status == stream.StatusLive {
		return false
	}
	u := store.StatusUpdate{Status: stream.StatusLive}
	if err := store.RetryStatus(ctx, m.deps.Store, m.cfg.StatusAttempts, id, u); err != nil {
		m.log.Warn("sync live failed", "stream", id, "error", err)
		return false
	}
	return true
}

// StartSyncLoop runs SyncStreamStatuses every interval until StopSyncLoop or Shutdown.
func (m *Manager) StartSyncLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.syncMu.Lock()
	defer m.syncMu.Unlock()
	if m.syncStop != nil {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	m.syncStop, m.syncDone = stop, done
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := m.SyncStreamStatuses(ctx); err != nil {
					m.log.Warn("periodic sync failed", "error", err)
				}
				cancel()
			case <-stop:
				return
			}
		}
	}()
}

// StopSyncLoop stops the periodic sync and waits for a running pass.
func (m *Manager) StopSyncLoop() {
	m.syncMu.Lock()
	stop, done := m.syncStop, m.syncDone
	m.syncStop, m.syncDone = nil, nil
	m.syncMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
