package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/anji4cp/streamnexus/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	start := history.NewEvent(history.EventStart, "st-1")
	start.StreamID = "st-1"
	start.Generation = 4
	start.PID = 1234
	if err := sink.Send(ctx, start); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	crash := history.NewEvent(history.EventCrash, "st-1")
	crash.ExitCode = 1
	crash.Detail = "encoder crashed: exit code 1"
	if err := sink.Send(ctx, crash); err != nil {
		t.Fatalf("Failed to send crash event: %v", err)
	}

	n, err := sink.Count(ctx, "st-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}

	// event ids are unique
	if err := sink.Send(ctx, crash); err == nil {
		t.Fatalf("expected duplicate id to be rejected")
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.Send(context.Background(), history.NewEvent(history.EventSwitch, "rotation-r1")); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
	if n, _ := sink.Count(context.Background(), "rotation-r1"); n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, history.NewEvent(history.EventStop, "x")); err == nil {
		t.Fatalf("expected error with cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New(" "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
