package state

import (
	"fmt"
	"sync"
	"testing"
)

func TestSetGet(t *testing.T) {
	s := NewStore()
	s.Set("task:1:status", "Created")

	if got := s.Get("task:1:status"); got != "Created" {
		t.Errorf("Get() = %v, want Created", got)
	}
	if got := s.Get("missing"); got != nil {
		t.Errorf("Get(missing) = %v, want nil", got)
	}
}

func TestTryGetAndContains(t *testing.T) {
	s := NewStore()
	s.Set("k", 42)

	v, ok := s.TryGet("k")
	if !ok || v != 42 {
		t.Errorf("TryGet(k) = %v, %v", v, ok)
	}
	if _, ok := s.TryGet("missing"); ok {
		t.Error("TryGet(missing) = true")
	}
	if !s.Contains("k") || s.Contains("missing") {
		t.Error("Contains() wrong")
	}
}

func TestRemove(t *testing.T) {
	s := NewStore()
	s.Set("k", "v")

	if !s.Remove("k") {
		t.Error("Remove(existing) = false")
	}
	if s.Remove("k") {
		t.Error("Remove(removed) = true")
	}
	if s.Contains("k") {
		t.Error("key survived Remove")
	}
}

func TestUpdateAtomic(t *testing.T) {
	s := NewStore()
	s.Set("counter", 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Update("counter", func(old any) any {
					return old.(int) + 1
				})
			}
		}()
	}
	wg.Wait()

	if got := s.Get("counter"); got != 5000 {
		t.Errorf("counter = %v after concurrent updates, want 5000", got)
	}
}

func TestUpdateAbsentKey(t *testing.T) {
	s := NewStore()
	s.Update("fresh", func(old any) any {
		if old != nil {
			t.Errorf("old = %v for absent key, want nil", old)
		}
		return "init"
	})
	if got := s.Get("fresh"); got != "init" {
		t.Errorf("Get(fresh) = %v", got)
	}
}

func TestKeysAndCount(t *testing.T) {
	s := NewStore()
	for i := 0; i < 5; i++ {
		s.Set(fmt.Sprintf("k%d", i), i)
	}
	if s.Count() != 5 {
		t.Errorf("Count() = %d", s.Count())
	}
	if len(s.Keys()) != 5 {
		t.Errorf("Keys() has %d entries", len(s.Keys()))
	}
}

func TestKeysWithPrefix(t *testing.T) {
	s := NewStore()
	s.Set("task:1:temp", "a")
	s.Set("task:1:cache", "b")
	s.Set("task:2:temp", "c")

	keys := s.KeysWithPrefix("task:1:")
	if len(keys) != 2 {
		t.Errorf("KeysWithPrefix(task:1:) = %v", keys)
	}
}

func TestSnapshotIsolated(t *testing.T) {
	s := NewStore()
	s.Set("k", "v")

	snap := s.Snapshot()
	snap["k"] = "mutated"
	snap["new"] = "x"

	if s.Get("k") != "v" {
		t.Error("mutating snapshot changed store")
	}
	if s.Contains("new") {
		t.Error("snapshot write leaked into store")
	}
}

func TestClearAll(t *testing.T) {
	s := NewStore()
	s.Set("a", 1)
	s.Set("b", 2)
	s.ClearAll()
	if s.Count() != 0 {
		t.Errorf("Count() = %d after ClearAll", s.Count())
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		key := fmt.Sprintf("k%d", i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Set(key, j)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Get(key)
				s.Snapshot()
			}
		}()
	}
	wg.Wait()
}
