package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// testStore creates a temporary history store and registers cleanup.
func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(root string, started time.Time, status Status) Run {
	return Run{
		Root:       root,
		Trigger:    TriggerManual,
		Status:     status,
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Targets:    2,
		Built:      1,
		Failed:     1,
		Packages: []PackageResult{
			{Name: "lib-a", Reason: "changed", Status: "built", Duration: 1200 * time.Millisecond},
			{Name: "app-b", Reason: "dependent", Status: "failed", Duration: 300 * time.Millisecond, Error: "exit status 1"},
		},
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("wal mode", func(t *testing.T) {
		t.Parallel()
		s := testStore(t)
		var mode string
		if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
			t.Fatalf("query journal_mode: %v", err)
		}
		if mode != "wal" {
			t.Errorf("journal_mode = %q, want %q", mode, "wal")
		}
	})

	t.Run("idempotent schema creation", func(t *testing.T) {
		t.Parallel()
		dbPath := filepath.Join(t.TempDir(), "history.db")
		s1, err := Open(context.Background(), dbPath)
		if err != nil {
			t.Fatalf("first open: %v", err)
		}
		s1.Close()
		s2, err := Open(context.Background(), dbPath)
		if err != nil {
			t.Fatalf("second open: %v", err)
		}
		s2.Close()
	})
}

func TestRecordAndGet(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	id, err := s.Record(ctx, sampleRun("/ws", started, StatusFailed))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id == "" {
		t.Fatal("Record returned empty id")
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed || got.Trigger != TriggerManual {
		t.Errorf("status/trigger = %s/%s", got.Status, got.Trigger)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if len(got.Packages) != 2 {
		t.Fatalf("got %d package results, want 2", len(got.Packages))
	}
	if p := got.Packages[1]; p.Name != "app-b" || p.Error != "exit status 1" || p.Duration != 300*time.Millisecond {
		t.Errorf("Packages[1] = %+v", p)
	}
}

func TestRecordKeepsGivenID(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	run := sampleRun("/ws", time.Now(), StatusSuccess)
	run.ID = "fixed-id"
	id, err := s.Record(context.Background(), run)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if id != "fixed-id" {
		t.Errorf("id = %q, want fixed-id", id)
	}
	if _, err := s.Record(context.Background(), run); err == nil {
		t.Error("expected error recording a duplicate id")
	}
}

func TestGetUnknown(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("got %v, want ErrRunNotFound", err)
	}
}

func TestRecent(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Sub-second offsets check that ordering is chronological.
	offsets := []time.Duration{0, 900 * time.Millisecond, 1 * time.Second, 1100 * time.Millisecond}
	for _, off := range offsets {
		if _, err := s.Record(ctx, sampleRun("/ws", base.Add(off), StatusSuccess)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if _, err := s.Record(ctx, sampleRun("/other", base.Add(time.Hour), StatusEmpty)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	runs, err := s.Recent(ctx, "/ws", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	for i, want := range []time.Duration{1100 * time.Millisecond, 1 * time.Second, 900 * time.Millisecond} {
		if !runs[i].StartedAt.Equal(base.Add(want)) {
			t.Errorf("runs[%d].StartedAt = %v, want %v", i, runs[i].StartedAt, base.Add(want))
		}
		if len(runs[i].Packages) != 2 {
			t.Errorf("runs[%d] has %d packages, want 2", i, len(runs[i].Packages))
		}
	}

	all, err := s.Recent(ctx, "", 0)
	if err != nil {
		t.Fatalf("Recent all: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d runs, want 5", len(all))
	}
	if all[0].Root != "/other" {
		t.Errorf("newest root = %q, want /other", all[0].Root)
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"2026-03-01T10:00:00.000000000Z", false},
		{"2026-03-01T10:00:00Z", false},
		{"2026-03-01 10:00:00", false},
		{"yesterday", true},
	}
	for _, tt := range tests {
		_, err := parseTimestamp(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTimestamp(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
