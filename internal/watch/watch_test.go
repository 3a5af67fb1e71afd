package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"hive/internal/eventbus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/fsnotify/fsnotify.(*Watcher).readEvents"),
	)
}

func waitFor(t *testing.T, ch <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return eventbus.Event{}
	}
}

func TestWatcherPublishesFileChanged(t *testing.T) {
	dir := t.TempDir()
	bus := eventbus.New(16)

	ch := make(chan eventbus.Event, 8)
	unsub := bus.Subscribe(func(ev eventbus.Event) { ch <- ev }, eventbus.KindFileChanged)
	defer unsub()

	w, err := New(dir, "", bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	target := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(target, []byte("hello"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := waitFor(t, ch)
	payload, ok := ev.Payload.(eventbus.FileChangedPayload)
	if !ok {
		t.Fatalf("expected FileChangedPayload, got %T", ev.Payload)
	}
	if filepath.Base(payload.Path) != "note.txt" {
		t.Fatalf("unexpected path: %s", payload.Path)
	}
}

func TestWatcherPublishesConfigurationChangedForConfigPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "hive.yaml")
	if err := os.WriteFile(configPath, []byte("profile: default\n"), 0644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	bus := eventbus.New(16)
	ch := make(chan eventbus.Event, 8)
	unsub := bus.Subscribe(func(ev eventbus.Event) { ch <- ev }, eventbus.KindConfigurationChanged)
	defer unsub()

	w, err := New(dir, "hive.yaml", bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(configPath, []byte("profile: changed\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	ev := waitFor(t, ch)
	payload, ok := ev.Payload.(eventbus.ConfigurationChangedPayload)
	if !ok {
		t.Fatalf("expected ConfigurationChangedPayload, got %T", ev.Payload)
	}
	if payload.Path != configPath {
		t.Fatalf("unexpected path: %s", payload.Path)
	}
}

func TestWatcherStopIsIdempotentAndStatsTrack(t *testing.T) {
	dir := t.TempDir()
	bus := eventbus.New(16)

	w, err := New(dir, "", bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !w.IsWatching() {
		t.Fatalf("expected IsWatching true after Start")
	}

	if err := os.WriteFile(filepath.Join(dir, "x.txt"), []byte("1"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(500 * time.Millisecond)

	w.Stop()
	w.Stop() // must not block or panic
	if w.IsWatching() {
		t.Fatalf("expected IsWatching false after Stop")
	}

	if stats := w.GetStats(); stats.Created+stats.Modified == 0 {
		t.Fatalf("expected at least one create/modify counted, got %+v", stats)
	}
}
