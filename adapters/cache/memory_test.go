package cache

import (
	"testing"

	"github.com/imgpipe/imgpipe/core"
)

func TestMemory_SetAndGet(t *testing.T) {
	m := NewMemory(10)
	c := &core.Container{Type: "jpeg"}
	m.Set("key1", c)

	got, ok := m.Get("key1")
	if !ok || got != c {
		t.Fatalf("Get() = %v, %v, want the stored container", got, ok)
	}
}

func TestMemory_GetMissing(t *testing.T) {
	m := NewMemory(10)
	if _, ok := m.Get("missing"); ok {
		t.Error("expected Get on an empty cache to report not-found")
	}
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	m := NewMemory(2)
	m.Set("a", &core.Container{Type: "a"})
	m.Set("b", &core.Container{Type: "b"})
	m.Get("a") // touch a, making b the least recently used
	m.Set("c", &core.Container{Type: "c"})

	if _, ok := m.Get("b"); ok {
		t.Error("expected b to have been evicted as the least recently used entry")
	}
	if _, ok := m.Get("a"); !ok {
		t.Error("expected a to survive eviction")
	}
	if _, ok := m.Get("c"); !ok {
		t.Error("expected c to have been inserted")
	}
}

func TestMemory_SetOverwritesExisting(t *testing.T) {
	m := NewMemory(10)
	m.Set("a", &core.Container{Type: "old"})
	m.Set("a", &core.Container{Type: "new"})

	got, _ := m.Get("a")
	if got.Type != "new" {
		t.Errorf("Get().Type = %q, want new", got.Type)
	}
}

func TestMemory_Remove(t *testing.T) {
	m := NewMemory(10)
	m.Set("a", &core.Container{})
	m.Remove("a")
	if _, ok := m.Get("a"); ok {
		t.Error("expected a to be gone after Remove")
	}
}

func TestMemory_RemoveAll(t *testing.T) {
	m := NewMemory(10)
	m.Set("a", &core.Container{})
	m.Set("b", &core.Container{})
	m.RemoveAll()
	if _, ok := m.Get("a"); ok {
		t.Error("expected a to be gone after RemoveAll")
	}
	if _, ok := m.Get("b"); ok {
		t.Error("expected b to be gone after RemoveAll")
	}
}

func TestMemory_ZeroCapacityDefaults(t *testing.T) {
	m := NewMemory(0)
	for i := 0; i < 300; i++ {
		m.Set(string(rune('a'+i%26))+string(rune(i)), &core.Container{})
	}
	// Should not panic and should have evicted down to the default cap.
}
