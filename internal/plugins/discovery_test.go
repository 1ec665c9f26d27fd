package plugins

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	reloaded := make(map[string]int)
	w := NewWatcher(nil, 50*time.Millisecond, func(name string) {
		mu.Lock()
		reloaded[name]++
		mu.Unlock()
	})
	if err := w.Start(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Close()

	path := filepath.Join(dir, "indexer.so")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Two rapid writes should coalesce into one reload per debounce window.
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := reloaded["indexer"]
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for reload callback")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWatcher_CloseStopsCallbacks(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan string, 8)
	w := NewWatcher(nil, 20*time.Millisecond, func(name string) { fired <- name })
	if err := w.Start(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "late.so"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case name := <-fired:
		t.Fatalf("callback fired after Close: %s", name)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPluginNameFromPath(t *testing.T) {
	cases := map[string]string{
		"/plugins/indexer.so":     "indexer",
		"/plugins/notes/meta.yml": "meta",
		"bare":                    "bare",
	}
	for in, want := range cases {
		if got := pluginNameFromPath(in); got != want {
			t.Errorf("pluginNameFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}
