package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sindri-dev/sindri/pkg/ledger"
)

func setupIndex(t *testing.T) *EventIndex {
	t.Helper()

	idx, err := NewEventIndex(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Failed to create index: %v", err)
	}
	ctx := context.Background()
	if err := idx.Init(ctx); err != nil {
		t.Fatalf("Failed to init index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	if err := idx.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate index: %v", err)
	}
	return idx
}

func envelopeAt(t *testing.T, name string, ts time.Time, after ledger.ExtensionState, event ledger.Event) ledger.Envelope {
	t.Helper()
	env := ledger.NewEnvelope("3.0.0", nil, after, event)
	env.ExtensionName = name
	env.Timestamp = ts
	return env
}

func TestIndexAndHistory(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	first := envelopeAt(t, "git", base, ledger.StateInstalling, ledger.NewInstallStarted("git", "1.0.0", "registry", "apt"))
	second := envelopeAt(t, "git", base.Add(time.Minute), ledger.StateInstalled, ledger.NewInstallCompleted("git", "1.0.0", "apt", 42, nil, ""))

	for _, env := range []ledger.Envelope{first, second} {
		if err := idx.Index(ctx, &env); err != nil {
			t.Fatalf("Index failed: %v", err)
		}
	}

	history, err := idx.History(ctx, "git", 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(history))
	}
	if history[0].Event.Type != ledger.EventInstallCompleted {
		t.Errorf("Expected newest-first ordering, got %s", history[0].Event.Type)
	}
}

func TestIndexIsIdempotent(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()

	env := envelopeAt(t, "git", time.Now().UTC(), ledger.StateInstalling, ledger.NewInstallStarted("git", "1.0.0", "registry", "apt"))
	for i := 0; i < 3; i++ {
		if err := idx.Index(ctx, &env); err != nil {
			t.Fatalf("Index failed: %v", err)
		}
	}

	n, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 indexed event, got %d", n)
	}
}

func TestLatestStates(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	envelopes := []ledger.Envelope{
		envelopeAt(t, "git", base, ledger.StateInstalling, ledger.NewInstallStarted("git", "1.0.0", "registry", "apt")),
		envelopeAt(t, "git", base.Add(time.Minute), ledger.StateInstalled, ledger.NewInstallCompleted("git", "1.0.0", "apt", 10, nil, "")),
		envelopeAt(t, "docker", base.Add(2*time.Minute), ledger.StateInstalling, ledger.NewInstallStarted("docker", "2.0.0", "registry", "apt")),
	}
	for i := range envelopes {
		if err := idx.Index(ctx, &envelopes[i]); err != nil {
			t.Fatalf("Index failed: %v", err)
		}
	}

	states, err := idx.LatestStates(ctx)
	if err != nil {
		t.Fatalf("LatestStates failed: %v", err)
	}
	if states["git"].CurrentState != ledger.StateInstalled || states["git"].Version != "1.0.0" {
		t.Errorf("Unexpected git status: %+v", states["git"])
	}
	if states["docker"].CurrentState != ledger.StateInstalling {
		t.Errorf("Unexpected docker status: %+v", states["docker"])
	}
}

func TestRebuildReplacesIndex(t *testing.T) {
	idx := setupIndex(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	stale := envelopeAt(t, "old", base, ledger.StateInstalling, ledger.NewInstallStarted("old", "0.1.0", "registry", "apt"))
	if err := idx.Index(ctx, &stale); err != nil {
		t.Fatalf("Index failed: %v", err)
	}

	fresh := []ledger.Envelope{
		envelopeAt(t, "git", base, ledger.StateInstalling, ledger.NewInstallStarted("git", "1.0.0", "registry", "apt")),
		envelopeAt(t, "git", base.Add(time.Minute), ledger.StateInstalled, ledger.NewInstallCompleted("git", "1.0.0", "apt", 10, nil, "")),
	}
	if err := idx.Rebuild(ctx, fresh); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	n, err := idx.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Expected rebuilt index with 2 events, got %d", n)
	}
	if _, err := idx.History(ctx, "old", 0); err != nil {
		t.Fatalf("History failed: %v", err)
	}
	states, _ := idx.LatestStates(ctx)
	if _, ok := states["old"]; ok {
		t.Error("Stale extension must be gone after rebuild")
	}
}
