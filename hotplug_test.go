package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
}

func newFakeInputTree(t *testing.T) (*inotifyDiscovery, string) {
	t.Helper()
	root := t.TempDir()
	d := &inotifyDiscovery{
		devDir:      filepath.Join(root, "dev", "input"),
		sysClassDir: filepath.Join(root, "sys", "class", "input"),
	}
	for _, dir := range []string{d.devDir, d.sysClassDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return d, root
}

func TestInotifyEnumerate(t *testing.T) {
	d, root := newFakeInputTree(t)
	touch(t, filepath.Join(d.devDir, "event0"))
	touch(t, filepath.Join(d.devDir, "event1"))
	touch(t, filepath.Join(d.devDir, "mouse0"))

	target := filepath.Join(root, "sys", "devices", "virtual", "input", "input9", "event1")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(d.sysClassDir, "event1")); err != nil {
		t.Fatal(err)
	}
	wantSys, err := filepath.EvalSymlinks(target)
	if err != nil {
		t.Fatal(err)
	}

	got, err := d.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected event0 and event1, got %+v", got)
	}
	if got[0].Devnode != filepath.Join(d.devDir, "event0") || got[0].Syspath != "" || got[0].Action != "" {
		t.Fatalf("event0: %+v", got[0])
	}
	if got[1].Devnode != filepath.Join(d.devDir, "event1") || got[1].Syspath != wantSys {
		t.Fatalf("event1: %+v (want syspath %s)", got[1], wantSys)
	}
}

func TestInotifyWatchReportsNewEventNodes(t *testing.T) {
	d, _ := newFakeInputTree(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := d.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	touch(t, filepath.Join(d.devDir, "mouse1"))
	touch(t, filepath.Join(d.devDir, "event7"))

	select {
	case got := <-events:
		if got.Devnode != filepath.Join(d.devDir, "event7") || got.Action != "add" {
			t.Fatalf("unexpected descriptor %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no hot-plug event")
	}

	if err := os.Remove(filepath.Join(d.devDir, "event7")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-events:
		if got.Devnode != filepath.Join(d.devDir, "event7") || got.Action != "remove" {
			t.Fatalf("unexpected descriptor %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no removal event")
	}

	cancel()
	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestInotifyWatchMissingDir(t *testing.T) {
	d := &inotifyDiscovery{devDir: filepath.Join(t.TempDir(), "missing")}
	if _, err := d.Watch(context.Background()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestNewDiscovery(t *testing.T) {
	if d, err := newDiscovery("UDEV"); err != nil {
		t.Fatal(err)
	} else if _, ok := d.(*udevDiscovery); !ok {
		t.Fatalf("udev backend: %T", d)
	}
	if d, err := newDiscovery("inotify"); err != nil {
		t.Fatal(err)
	} else if _, ok := d.(*inotifyDiscovery); !ok {
		t.Fatalf("inotify backend: %T", d)
	}
	if _, err := newDiscovery("dbus"); !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}
