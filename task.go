package main

import "errors"

var errUnreadableAddress = errors.New("unreadable address")

// SourceDomain tags which address space a filenameRef points into. The
// syscall hooks capture user-space pointers at syscall entry, whereas the
// exec and cgroup-migration hooks read strings resident in kernel memory.
// The copy routine branches on this tag rather than on convention.
type sourceDomain int

const (
	kernelSpace sourceDomain = iota
	userSpace
)

// FilenameRef is an opaque reference to a NUL-terminated string in another
// execution context. It is only meaningful to the memReader which issued it
// (or, for the in-kernel probes, to the kernel itself) and must be
// dereferenced in the memory context of the task that produced it.
type filenameRef uint64

// MemReader is an interface which describes objects which resolve
// filenameRefs into bytes. Reads are bounded and may fail if the referenced
// memory is not readable; callers are expected to drop the event in hand and
// carry on.
type memReader interface {
	readStr(domain sourceDomain, ref filenameRef, max int) ([]byte, error)
	readU64(domain sourceDomain, ref filenameRef) (uint64, error)
}

// TaskState is an interface which describes objects which expose the
// identity and cgroup state of the task on whose behalf a hook is executing.
// cgroupName copies the name of the task's primary-hierarchy cgroup into buf
// and returns the number of bytes copied. A task in a transitional cgroup
// state yields an empty name, which is not an error; a genuine read failure
// returns one.
type taskState interface {
	pidTGID() (pid uint32, tgid uint32)
	cgroupName(buf []byte) (int, error)
}

// HookContext carries the per-invocation state handed to every hook entry
// point by the dispatching layer: the triggering task and the processor the
// hook is executing on.
type hookContext struct {
	task taskState
	cpu  int
}
