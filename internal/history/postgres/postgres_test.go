package postgres

import (
	"context"
	"testing"

	"github.com/anji4cp/streamnexus/internal/history"
	"github.com/anji4cp/streamnexus/internal/testutil"
)

func TestPostgresSink_Integration(t *testing.T) {
	sink, err := New(testutil.Postgres(t))
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	ctx := context.Background()

	start := history.NewEvent(history.EventStart, "st-pg")
	start.Generation = 1
	stop := history.NewEvent(history.EventStop, "st-pg")
	stop.Signal = "SIGTERM"
	for _, e := range []history.Event{start, stop} {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	count, err := sink.Count(ctx, "st-pg")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("stream_history rows = %d, want 2", count)
	}
}
