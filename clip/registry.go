package clip

import (
	"container/list"
	"sync"
)

// RegistryStats holds runtime cache counters.
type RegistryStats struct {
	Capacity  int64
	Size      int64
	ItemCount int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// Registry is the in-memory runtime cache of clip records. It enforces a
// single record per ID and a byte quota with least-recently-admitted
// eviction. All mutation is serialized behind the mutex so concurrent
// Load calls observe a consistent map.
type Registry struct {
	capacity int64
	size     int64

	items map[string]*list.Element
	order *list.List // front = most recently admitted

	// onAdd fires when a record is registered and triggers the
	// load-begin sequence. onRemove fires on removal and eviction and
	// triggers sink release by the lifecycle. Both hooks run with the
	// mutex released so they may call back into the registry.
	onAdd    func(*Record)
	onRemove func(*Record, bool)

	mu    sync.Mutex
	stats RegistryStats
}

type registryEntry struct {
	record *Record
	size   int64
}

// NewRegistry creates a registry bounded to capacity bytes of admitted
// audio. A capacity of 0 disables the quota.
func NewRegistry(capacity int64) *Registry {
	return &Registry{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		stats:    RegistryStats{Capacity: capacity},
	}
}

// OnAdd registers the hook fired after a record is admitted.
func (r *Registry) OnAdd(fn func(*Record)) { r.onAdd = fn }

// OnRemove registers the hook fired after a record is removed. The
// boolean argument is true when the removal was a quota eviction.
func (r *Registry) OnRemove(fn func(*Record, bool)) { r.onRemove = fn }

// Get returns the record for id, if registered. Internal bookkeeping
// lookups go through here and are not cache traffic; GetOrCreate owns the
// hit/miss counters.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, ok := r.items[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(*registryEntry).record, true
}

// GetOrCreate returns the existing record for id in any state, or invokes
// factory to create one and registers it. The created record is admitted
// with zero size; its real size is accounted by Readmit when it becomes
// ready. Registration fires the added hook.
func (r *Registry) GetOrCreate(id string, factory func() *Record) (*Record, bool) {
	r.mu.Lock()
	if elem, ok := r.items[id]; ok {
		r.stats.Hits++
		rec := elem.Value.(*registryEntry).record
		r.mu.Unlock()
		return rec, false
	}
	r.stats.Misses++

	rec := factory()
	r.admitLocked(rec, 0)
	r.mu.Unlock()

	if r.onAdd != nil {
		r.onAdd(rec)
	}
	return rec, true
}

// TryAdd admits a record, failing if the ID is taken or the quota cannot
// accommodate it even after evicting terminal records. Success fires the
// added hook.
func (r *Registry) TryAdd(rec *Record, size int64) bool {
	r.mu.Lock()
	if _, ok := r.items[rec.ID()]; ok {
		r.mu.Unlock()
		return false
	}
	ok, evicted := r.ensureRoomLocked(size)
	if ok {
		r.admitLocked(rec, size)
	}
	r.mu.Unlock()

	r.notifyEvicted(evicted)
	if !ok {
		return false
	}
	if r.onAdd != nil {
		r.onAdd(rec)
	}
	return true
}

// Remove unregisters the record for id and fires the removed hook.
// Removing an absent id is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	elem, ok := r.items[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	rec := elem.Value.(*registryEntry).record
	r.removeLocked(elem)
	r.mu.Unlock()

	if r.onRemove != nil {
		r.onRemove(rec, false)
	}
	return true
}

// Readmit refreshes the size accounting for a record whose final size just
// became known. The internal remove+re-add fires no hook for the record
// itself, so re-admission cannot cascade into an unload of the record that
// just became ready; eviction victims still get theirs. On failure the
// record is left unregistered and false is returned; the caller drives the
// quota-error path.
func (r *Registry) Readmit(rec *Record, size int64) bool {
	r.mu.Lock()
	if elem, ok := r.items[rec.ID()]; ok {
		r.removeLocked(elem)
	}
	ok, evicted := r.ensureRoomLocked(size)
	if ok {
		r.admitLocked(rec, size)
	}
	r.mu.Unlock()

	r.notifyEvicted(evicted)
	return ok
}

// All returns a snapshot of every registered record, for bulk unload.
func (r *Registry) All() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]*Record, 0, len(r.items))
	for elem := r.order.Front(); elem != nil; elem = elem.Next() {
		records = append(records, elem.Value.(*registryEntry).record)
	}
	return records
}

// Len returns the number of registered records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Size returns the admitted bytes currently accounted for.
func (r *Registry) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.stats
	stats.Size = r.size
	stats.ItemCount = int64(len(r.items))
	return stats
}

// admitLocked registers a record. Caller holds the mutex.
func (r *Registry) admitLocked(rec *Record, size int64) {
	elem := r.order.PushFront(&registryEntry{record: rec, size: size})
	r.items[rec.ID()] = elem
	r.size += size
	rec.setSize(size)
	r.stats.Size = r.size
}

// removeLocked drops an entry from the map and order list. Caller holds
// the mutex.
func (r *Registry) removeLocked(elem *list.Element) {
	entry := elem.Value.(*registryEntry)
	r.order.Remove(elem)
	delete(r.items, entry.record.ID())
	r.size -= entry.size
	r.stats.Size = r.size
}

// ensureRoomLocked evicts least-recently-admitted terminal records until
// size fits under the quota. In-flight records are never evicted. Caller
// holds the mutex and owes the returned victims their removal hook once
// it is released.
func (r *Registry) ensureRoomLocked(size int64) (bool, []*Record) {
	if r.capacity <= 0 {
		return true, nil
	}
	if size > r.capacity {
		return false, nil
	}

	var evicted []*Record
	for r.size+size > r.capacity {
		elem := r.oldestEvictableLocked()
		if elem == nil {
			break
		}
		entry := elem.Value.(*registryEntry)
		r.removeLocked(elem)
		r.stats.Evictions++
		evicted = append(evicted, entry.record)
	}
	return r.size+size <= r.capacity, evicted
}

// notifyEvicted fires the removal hook for eviction victims. Runs without
// the mutex so hooks may call back into the registry.
func (r *Registry) notifyEvicted(evicted []*Record) {
	if r.onRemove == nil {
		return
	}
	for _, rec := range evicted {
		r.onRemove(rec, true)
	}
}

// oldestEvictableLocked returns the least recently admitted record that is
// not mid-flight, or nil.
func (r *Registry) oldestEvictableLocked() *list.Element {
	for elem := r.order.Back(); elem != nil; elem = elem.Prev() {
		if elem.Value.(*registryEntry).record.State() != StatePreparing {
			return elem
		}
	}
	return nil
}
