package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/sessionr/internal/history"
)

func intPtr(v int) *int { return &v }

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

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
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: history.Record{Node: "bar.service", PID: 12345, From: "starting", Phase: "running"}},
		{Type: history.EventFailure, OccurredAt: time.Now().UTC(), Record: history.Record{Node: "bar.service", PID: 12345, From: "running", Phase: "failed", ExitCode: intPtr(2), Error: "exit status 2"}},
		{Type: history.EventStop, OccurredAt: time.Now().UTC(), Record: history.Record{Node: "bar.service", From: "failed", Phase: "stopped", Restarts: 1}},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	n, err := sink.Count(ctx, "bar.service")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != len(events) {
		t.Fatalf("expected %d rows, got %d", len(events), n)
	}

	var code int
	var msg string
	row := sink.db.QueryRowContext(ctx, `SELECT exit_code, error FROM node_history WHERE phase = 'failed'`)
	if err := row.Scan(&code, &msg); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if code != 2 || msg != "exit status 2" {
		t.Fatalf("unexpected failure row: code=%d msg=%q", code, msg)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	e := history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: history.Record{Node: "mem.service", Phase: "running"}}
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
	if n, _ := sink.Count(ctx, "mem.service"); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
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
	e := history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: history.Record{Node: "cancelled", Phase: "running"}}
	if err := sink.Send(ctx, e); err == nil {
		t.Fatalf("expected error with cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
