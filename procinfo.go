package main

import "sync"

const (
	// Must match the capacity provisioned for the pid_to_info BPF map
	processInfoMaxEntries = 1024

	// Size of the cgroup name buffer, including the NUL terminator.
	// Must match char cgroup[255] in the probe's process_info struct.
	cgroupNameLen = 255
)

// ProcessInfo is the last-known cgroup attribution of a process, keyed by
// its thread-group id. The zombie flag marks the record as stale following
// process exit: it is set exactly once, at exit notification, and is only
// ever cleared by the whole record being replaced because the id was
// recycled. The record itself is deleted by the consumer, never by a hook.
type processInfo struct {
	zombie     bool
	cgroupName string
}

// ProcessTable is the shared per-process table behind the process-cgroup
// resolver. Like the kernel map it models, it offers single-record atomicity
// only: each write is a full-record replace under the table's own lock, and
// racing writers for the same id are resolved last-writer-wins. Compound
// read-modify-write across calls is deliberately not provided.
type processTable struct {
	mu       sync.Mutex
	capacity int
	entries  map[uint32]processInfo
}

func newProcessTable(capacity int) *processTable {
	return &processTable{
		capacity: capacity,
		entries:  make(map[uint32]processInfo, capacity),
	}
}

// EnsureMapping idempotently establishes a current cgroup mapping for the
// given process. If a record exists and is not a zombie, the call is a
// no-op. If the record is missing, or flagged zombie because the id was
// recycled before the consumer cleaned up, a fresh cgroup name is extracted
// from the task and the record is unconditionally overwritten with a
// complete {zombie:false, cgroupName} replacement. If extraction fails the
// existing state, stale or missing, is left as-is and the caller proceeds
// without attribution.
//
// It is invoked redundantly from four independent triggers (open-exit, exec,
// fsnotify, and lazy lookups) and is safe to race: each call performs at
// most one atomic upsert of a complete record.
func (t *processTable) ensureMapping(tgid uint32, task taskState) {
	if info, ok := t.lookup(tgid); ok && !info.zombie {
		return
	}

	// It should never really happen, but the process can exit and the id be
	// recycled before the consumer has cleaned up the record. The zombie
	// flag is set in that case and a fresh cgroup name is grabbed here.
	var buf [cgroupNameLen]byte
	n, err := task.cgroupName(buf[:])
	if err != nil {
		return
	}

	t.update(tgid, processInfo{cgroupName: string(buf[:n])})
}

// Migrate unconditionally overwrites the record for the migrating process
// with the destination cgroup name supplied by a migration notification.
// Migration is authoritative: it is always fresher than a lazily computed
// guess, so the overwrite is not gated on the zombie flag.
func (t *processTable) migrate(tgid uint32, cgroupName string) {
	if len(cgroupName) > cgroupNameLen-1 {
		cgroupName = cgroupName[:cgroupNameLen-1]
	}

	t.update(tgid, processInfo{cgroupName: cgroupName})
}

// Lookup is a point-in-time read of the record for the given process.
func (t *processTable) lookup(tgid uint32) (processInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.entries[tgid]
	return info, ok
}

// Update replaces the record for the given process with a complete new
// record. When the table is full a new id is silently dropped; existing ids
// may always be replaced.
func (t *processTable) update(tgid uint32, info processInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[tgid]; !exists && len(t.entries) >= t.capacity {
		return
	}

	t.entries[tgid] = info
}

// MarkExited flags the record for the given process as a zombie, if one
// exists. The record is not deleted: in-flight attribution work may still
// need the cgroup name after the owning process has begun exiting, so
// deletion is deferred to the consumer.
func (t *processTable) markExited(tgid uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.entries[tgid]
	if !ok {
		return false
	}

	info.zombie = true
	t.entries[tgid] = info

	return true
}

// Remove deletes the record for the given process. This is the consumer-side
// reclamation path, called only after the corresponding exit notification
// has been processed.
func (t *processTable) remove(tgid uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, tgid)
}

// Pids returns a snapshot of the tracked process ids.
func (t *processTable) pids() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	pids := make([]uint32, 0, len(t.entries))
	for tgid := range t.entries {
		pids = append(pids, tgid)
	}

	return pids
}

func (t *processTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
