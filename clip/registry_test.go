package clip

import (
	"fmt"
	"testing"
)

func testRecord(id string) *Record {
	return newRecord(id, id, DefaultVoiceSettings(), CacheOnDemand, NewBufferSink())
}

func TestRegistry_GetOrCreate(t *testing.T) {
	reg := NewRegistry(0)

	var added []string
	reg.OnAdd(func(rec *Record) { added = append(added, rec.ID()) })

	rec, created := reg.GetOrCreate("a", func() *Record { return testRecord("a") })
	if !created {
		t.Fatal("first GetOrCreate should create")
	}
	if rec.ID() != "a" {
		t.Fatalf("wrong record: %s", rec.ID())
	}

	again, created := reg.GetOrCreate("a", func() *Record {
		t.Fatal("factory should not run for an existing ID")
		return nil
	})
	if created {
		t.Error("second GetOrCreate should not create")
	}
	if again != rec {
		t.Error("second GetOrCreate returned a different record")
	}

	if len(added) != 1 || added[0] != "a" {
		t.Errorf("added hook should fire exactly once, got %v", added)
	}
}

func TestRegistry_Remove(t *testing.T) {
	reg := NewRegistry(0)

	var removed []string
	var evictions []bool
	reg.OnRemove(func(rec *Record, evicted bool) {
		removed = append(removed, rec.ID())
		evictions = append(evictions, evicted)
	})

	reg.GetOrCreate("a", func() *Record { return testRecord("a") })

	if !reg.Remove("a") {
		t.Fatal("Remove should report success for a registered ID")
	}
	if _, ok := reg.Get("a"); ok {
		t.Error("record still registered after Remove")
	}
	if reg.Remove("a") {
		t.Error("second Remove should be a no-op")
	}
	if reg.Remove("missing") {
		t.Error("removing an unknown ID should be a no-op")
	}

	if len(removed) != 1 || removed[0] != "a" || evictions[0] {
		t.Errorf("removed hook should fire once with evicted=false, got %v %v", removed, evictions)
	}
}

func TestRegistry_QuotaEviction(t *testing.T) {
	reg := NewRegistry(100)

	var evicted []string
	reg.OnRemove(func(rec *Record, wasEvicted bool) {
		if wasEvicted {
			evicted = append(evicted, rec.ID())
		}
	})

	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("clip-%d", i)
		if !reg.TryAdd(testRecord(id), 40) {
			t.Fatalf("TryAdd failed for %s", id)
		}
	}

	// 40+40+40 > 100: the least recently admitted record goes.
	if !reg.TryAdd(testRecord("clip-2"), 40) {
		t.Fatal("TryAdd should evict to make room")
	}

	if _, ok := reg.Get("clip-0"); ok {
		t.Error("clip-0 should have been evicted")
	}
	if _, ok := reg.Get("clip-1"); !ok {
		t.Error("clip-1 should still be registered")
	}
	if len(evicted) != 1 || evicted[0] != "clip-0" {
		t.Errorf("eviction hook mismatch: %v", evicted)
	}
	if reg.Size() != 80 {
		t.Errorf("size accounting off: got %d, want 80", reg.Size())
	}
}

func TestRegistry_PreparingRecordsNotEvicted(t *testing.T) {
	reg := NewRegistry(100)

	inflight := testRecord("inflight")
	if !inflight.transition(StatePreparing) {
		t.Fatal("setup transition failed")
	}
	if !reg.TryAdd(inflight, 80) {
		t.Fatal("TryAdd failed for in-flight record")
	}

	// Nothing evictable: the only resident record is mid-flight.
	if reg.TryAdd(testRecord("other"), 80) {
		t.Error("TryAdd should fail rather than evict a preparing record")
	}
	if _, ok := reg.Get("inflight"); !ok {
		t.Error("preparing record should survive quota pressure")
	}
}

func TestRegistry_Readmit(t *testing.T) {
	reg := NewRegistry(100)

	var removed []string
	reg.OnRemove(func(rec *Record, _ bool) { removed = append(removed, rec.ID()) })

	rec, _ := reg.GetOrCreate("a", func() *Record { return testRecord("a") })

	if !reg.Readmit(rec, 60) {
		t.Fatal("Readmit within quota should succeed")
	}
	if reg.Size() != 60 {
		t.Errorf("Readmit did not refresh size: got %d", reg.Size())
	}
	if rec.Size() != 60 {
		t.Errorf("record size not updated: got %d", rec.Size())
	}
	if len(removed) != 0 {
		t.Errorf("Readmit must not fire the removal hook for its own record, got %v", removed)
	}
	if _, ok := reg.Get("a"); !ok {
		t.Error("record should remain registered after Readmit")
	}
}

func TestRegistry_ReadmitEvictsOthers(t *testing.T) {
	reg := NewRegistry(100)

	var evicted []string
	reg.OnRemove(func(rec *Record, wasEvicted bool) {
		if wasEvicted {
			evicted = append(evicted, rec.ID())
		}
	})

	if !reg.TryAdd(testRecord("old"), 60) {
		t.Fatal("setup TryAdd failed")
	}
	rec, _ := reg.GetOrCreate("new", func() *Record { return testRecord("new") })

	if !reg.Readmit(rec, 60) {
		t.Fatal("Readmit should evict to make room")
	}
	if _, ok := reg.Get("old"); ok {
		t.Error("old record should have been evicted")
	}
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Errorf("eviction victims must still get their removal hook, got %v", evicted)
	}
}

func TestRegistry_ReadmitOverQuota(t *testing.T) {
	reg := NewRegistry(100)

	rec, _ := reg.GetOrCreate("big", func() *Record { return testRecord("big") })

	if reg.Readmit(rec, 150) {
		t.Fatal("Readmit beyond capacity should fail")
	}
	if _, ok := reg.Get("big"); ok {
		t.Error("record should be unregistered after a failed Readmit")
	}
	if reg.Size() != 0 {
		t.Errorf("size accounting off after failed Readmit: %d", reg.Size())
	}
}

func TestRegistry_Stats(t *testing.T) {
	reg := NewRegistry(100)

	reg.GetOrCreate("a", func() *Record { return testRecord("a") }) // miss
	reg.GetOrCreate("a", func() *Record { return testRecord("a") }) // hit

	// Internal bookkeeping lookups are not cache traffic.
	reg.Get("a")
	reg.Get("missing")

	stats := reg.Stats()
	if stats.Hits != 1 {
		t.Errorf("hits = %d, want 1", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("misses = %d, want 1", stats.Misses)
	}
	if stats.ItemCount != 1 {
		t.Errorf("item count = %d, want 1", stats.ItemCount)
	}
	if stats.Capacity != 100 {
		t.Errorf("capacity = %d, want 100", stats.Capacity)
	}
}

func TestRegistry_EvictionHookCanUseRegistry(t *testing.T) {
	reg := NewRegistry(100)

	// A removal hook that looks back into the registry must not deadlock
	// when the removal is a quota eviction.
	var evicted []string
	reg.OnRemove(func(rec *Record, _ bool) {
		if _, ok := reg.Get(rec.ID()); ok {
			t.Errorf("%s still registered inside its removal hook", rec.ID())
		}
		evicted = append(evicted, rec.ID())
	})

	if !reg.TryAdd(testRecord("old"), 80) {
		t.Fatal("setup TryAdd failed")
	}
	if !reg.TryAdd(testRecord("new"), 80) {
		t.Fatal("TryAdd should evict to make room")
	}

	if len(evicted) != 1 || evicted[0] != "old" {
		t.Errorf("eviction hook mismatch: %v", evicted)
	}

	rec, _ := reg.GetOrCreate("ready", func() *Record { return testRecord("ready") })
	if !reg.Readmit(rec, 80) {
		t.Fatal("Readmit should evict to make room")
	}
	if len(evicted) != 2 || evicted[1] != "new" {
		t.Errorf("eviction hook mismatch after Readmit: %v", evicted)
	}
}
