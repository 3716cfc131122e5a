package main

import "sync"

// Must match the capacity provisioned for the open_inflight BPF map
const inflightMaxEntries = 1024

// OpenInflightEntry records the arguments of an open-family syscall between
// its entry and exit hook. An entry is owned exclusively by the enter/exit
// pair for a single syscall invocation on a single thread: created at enter,
// consumed at exit, never shared and never outliving the syscall.
type openInflightEntry struct {
	filename filenameRef
	flags    uint32
}

// InflightTable is the per-thread scratch table for in-flight open-family
// syscalls, keyed by thread id. It models the bounded kernel hash table the
// probes share: every write is a full-record replace, capacity exhaustion
// evicts silently, and no operation blocks.
type inflightTable struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint32]openInflightEntry
}

func newInflightTable(capacity int) *inflightTable {
	return &inflightTable{
		capacity: capacity,
		entries:  make(map[uint32]openInflightEntry, capacity),
	}
}

// Record unconditionally upserts the entry for the given thread id,
// overwriting any stale entry left by a thread id that was recycled without
// a matching exit. At most one open is outstanding per thread at a time, by
// syscall semantics. When the table is full an arbitrary entry is evicted;
// the victim manifests downstream as nothing more than a skipped event.
func (t *inflightTable) record(pid uint32, entry openInflightEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[pid]; !exists && len(t.entries) >= t.capacity {
		for victim := range t.entries {
			delete(t.entries, victim)
			break
		}
	}

	t.entries[pid] = entry
}

// TakeAndClear returns and removes the entry for the given thread id. An
// absent entry is not an error: the exit hook treats it as a no-op.
func (t *inflightTable) takeAndClear(pid uint32) (openInflightEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[pid]
	if ok {
		delete(t.entries, pid)
	}

	return entry, ok
}

// Discard removes the entry for the given thread id, if any. Used when the
// syscall failed and no event is to be emitted.
func (t *inflightTable) discard(pid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, pid)
}

func (t *inflightTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
