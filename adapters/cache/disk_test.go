package cache

import (
	"context"
	"path/filepath"
	"testing"
)

func newDisk(t *testing.T) *Disk {
	t.Helper()
	d, err := NewDisk(t.TempDir(), 0o644)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	return d
}

func TestDisk_SetAndGet(t *testing.T) {
	d := newDisk(t)
	ctx := context.Background()

	d.Set(ctx, "key1", []byte("hello world"))

	got, ok := d.Get(ctx, "key1")
	if !ok {
		t.Fatal("expected Get to find the stored bytes")
	}
	if string(got) != "hello world" {
		t.Errorf("Get() = %q", got)
	}
}

func TestDisk_GetMissing(t *testing.T) {
	d := newDisk(t)
	if _, ok := d.Get(context.Background(), "missing"); ok {
		t.Error("expected Get on a missing key to report not-found")
	}
}

func TestDisk_Contains(t *testing.T) {
	d := newDisk(t)
	ctx := context.Background()
	if d.Contains(ctx, "k") {
		t.Error("expected Contains to be false before Set")
	}
	d.Set(ctx, "k", []byte("data"))
	if !d.Contains(ctx, "k") {
		t.Error("expected Contains to be true after Set")
	}
}

func TestDisk_Remove(t *testing.T) {
	d := newDisk(t)
	ctx := context.Background()
	d.Set(ctx, "k", []byte("data"))
	d.Remove(ctx, "k")
	if d.Contains(ctx, "k") {
		t.Error("expected key to be gone after Remove")
	}
}

func TestDisk_RemoveMissingIsNoop(t *testing.T) {
	d := newDisk(t)
	d.Remove(context.Background(), "never-existed")
}

func TestDisk_RemoveAll(t *testing.T) {
	d := newDisk(t)
	ctx := context.Background()
	d.Set(ctx, "a", []byte("1"))
	d.Set(ctx, "b", []byte("2"))

	d.RemoveAll(ctx)

	if d.Contains(ctx, "a") || d.Contains(ctx, "b") {
		t.Error("expected every key to be gone after RemoveAll")
	}
}

func TestDisk_KeysWithSpecialCharsAreHashed(t *testing.T) {
	d := newDisk(t)
	ctx := context.Background()
	key := "https://example.com/a.jpg?w=100&h=200"
	d.Set(ctx, key, []byte("bytes"))

	got, ok := d.Get(ctx, key)
	if !ok || string(got) != "bytes" {
		t.Fatalf("Get() = %q, %v", got, ok)
	}

	p := d.path(key)
	if filepath.Base(filepath.Dir(p)) == "" {
		t.Error("expected the path to be sharded under a subdirectory")
	}
}

func TestDisk_ContextCancelled(t *testing.T) {
	d := newDisk(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.Set(ctx, "k", []byte("data"))
	if d.Contains(ctx, "k") {
		t.Error("expected Set to be a no-op once its context is cancelled")
	}
	if _, ok := d.Get(ctx, "k"); ok {
		t.Error("expected Get to report not-found once its context is cancelled")
	}
}
