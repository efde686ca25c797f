package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inercia/fundchat/internal/conversation"
)

func TestWatcher_DirectoryChanges(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	events := make(chan ChangeEvent, 10)
	w, err := NewWatcher(dir, func(e ChangeEvent) { events <- e }, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.SetDebounceDelay(20 * time.Millisecond)
	w.Start()
	defer w.Close()

	if _, err := s.Put(context.Background(), conversation.New(time.Now())); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-events:
		if len(e.Paths) == 0 {
			t.Error("change event without paths")
		}
		for _, p := range e.Paths {
			if filepath.Ext(p) != ".json" {
				t.Errorf("unexpected path in change event: %s", p)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()

	events := make(chan ChangeEvent, 10)
	w, err := NewWatcher(dir, func(e ChangeEvent) { events <- e }, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.SetDebounceDelay(20 * time.Millisecond)
	w.Start()
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-events:
		t.Errorf("unexpected change event: %v", e.Paths)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_FileTarget(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "fundchat.db")

	events := make(chan ChangeEvent, 10)
	w, err := NewWatcher(db, func(e ChangeEvent) { events <- e }, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.SetDebounceDelay(20 * time.Millisecond)
	w.Start()
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.db"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(db+"-wal", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-events:
		for _, p := range e.Paths {
			if filepath.Base(p) == "other.db" {
				t.Errorf("unrelated file reported: %s", p)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	if err := w.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	w.Close()
}
