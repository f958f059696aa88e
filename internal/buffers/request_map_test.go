package buffers

import "testing"

func TestRequestMapFIFOEviction(t *testing.T) {
	m := NewRequestMap[string, int](3)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)
	m.Set("d", 4) // evicts "a"

	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected a to be evicted")
	}
	for _, k := range []string{"b", "c", "d"} {
		if _, ok := m.Get(k); !ok {
			t.Fatalf("expected %s to still be present", k)
		}
	}
	if m.Len() != 3 {
		t.Fatalf("expected len 3, got %d", m.Len())
	}
}

func TestRequestMapUpdateDoesNotReorder(t *testing.T) {
	m := NewRequestMap[string, int](2)
	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("a", 99) // update, not a fresh insertion
	m.Set("c", 3)  // should evict "a" still (oldest by insertion), not "b"

	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected a to be evicted despite update")
	}
	if v, ok := m.Get("b"); !ok || v != 2 {
		t.Fatalf("expected b to survive, got %v %v", v, ok)
	}
}

func TestRequestMapDelete(t *testing.T) {
	m := NewRequestMap[string, int](5)
	m.Set("a", 1)
	m.Delete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected a deleted")
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty map")
	}
}
