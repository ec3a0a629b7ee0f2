package kcoord

import "testing"

func TestPartitionCacheLifecycle(t *testing.T) {
	c := NewPartitionCache[int]()

	if c.HasPartition(1) {
		t.Fatal("fresh cache must not have any partition")
	}
	c.CreatePartition(1)
	if !c.HasPartition(1) {
		t.Fatal("expected partition 1 to exist after CreatePartition")
	}
	c.CreatePartition(1) // idempotent
	if c.Len(1) != 0 {
		t.Fatalf("Len(1) = %d, want 0", c.Len(1))
	}

	slot, created, present := c.PutIfAbsent(1, "a", 7, func() int { return 42 })
	if !created || !present {
		t.Fatalf("first PutIfAbsent: created=%v present=%v, want true/true", created, present)
	}
	if slot.Value != 42 || slot.Epoch != 7 {
		t.Fatalf("slot = %+v, want Value=42 Epoch=7", slot)
	}

	slot2, created2, present2 := c.PutIfAbsent(1, "a", 8, func() int { return 99 })
	if created2 || !present2 {
		t.Fatalf("second PutIfAbsent: created=%v present=%v, want false/true", created2, present2)
	}
	if slot2 != slot || slot2.Value != 42 {
		t.Fatal("second PutIfAbsent must return the existing slot unmodified")
	}

	if _, _, present3 := c.PutIfAbsent(2, "a", 0, func() int { return 0 }); present3 {
		t.Fatal("PutIfAbsent against a partition with no inner map must report present=false")
	}

	got, ok := c.Get(1, "a")
	if !ok || got != slot {
		t.Fatal("Get did not return the slot installed by PutIfAbsent")
	}

	c.Delete(1, "a")
	if _, ok := c.Get(1, "a"); ok {
		t.Fatal("expected entry to be gone after Delete")
	}

	c.DropPartition(1)
	if c.HasPartition(1) {
		t.Fatal("expected partition 1 to be gone after DropPartition")
	}
}

func TestPartitionCacheReplace(t *testing.T) {
	c := NewPartitionCache[string]()
	c.CreatePartition(3)
	c.PutIfAbsent(3, "old", 1, func() string { return "stale" })

	fresh := map[string]*Slot[string]{
		"new": {Epoch: 2, Value: "fresh"},
	}
	c.Replace(3, fresh)

	if _, ok := c.Get(3, "old"); ok {
		t.Fatal("Replace must wholly discard the previous inner map")
	}
	got, ok := c.Get(3, "new")
	if !ok || got.Value != "fresh" {
		t.Fatal("Replace must install the new inner map")
	}

	// Replace against an absent partition is a no-op, not a create.
	c.Replace(4, fresh)
	if c.HasPartition(4) {
		t.Fatal("Replace must not create a partition that doesn't already exist")
	}
}

func TestPartitionCacheRange(t *testing.T) {
	c := NewPartitionCache[int]()
	c.CreatePartition(1)
	c.PutIfAbsent(1, "a", 0, func() int { return 1 })
	c.PutIfAbsent(1, "b", 0, func() int { return 2 })

	seen := make(map[string]int)
	c.Range(1, func(id string, s *Slot[int]) {
		s.Mu.Lock()
		seen[id] = s.Value
		s.Mu.Unlock()
	})
	if len(seen) != 2 || seen["a"] != 1 || seen["b"] != 2 {
		t.Fatalf("Range visited %v, want a=1 b=2", seen)
	}
}
