package main

import (
	"encoding/binary"

	"go.uber.org/zap"
)

// SyscallArgs mirrors the argument block of a raw syscall-enter trace event.
type syscallArgs [6]uint64

// ProbeSet is the correlation engine behind the file-open probes: the
// complete set of hook entry points, composing the inflight open tracker,
// the process-cgroup resolver and the event sinks into the end-to-end
// behaviour. Each entry point is invoked synchronously, in-line, on
// whichever processor is executing the triggering syscall or kernel event,
// concurrently across all processors.
//
// A hook must never fail the underlying syscall or propagate an error to the
// traced process: every failure (copy failure, missing entry, sink full,
// absent kernel structure) is absorbed by silently skipping the remainder of
// that invocation. Diagnostics go to a debug-only side channel which is
// disabled in production configurations and never relied upon for
// correctness. Missing events are the only observable symptom of failure.
type probeSet struct {
	inflight   *inflightTable
	processes  *processTable
	openSink   eventSink
	zombieSink eventSink
	mem        memReader
	endianess  binary.ByteOrder
	logger     *zap.Logger
}

func newProbeSet(inflight *inflightTable,
	processes *processTable,
	openSink eventSink,
	zombieSink eventSink,
	mem memReader,
	endianess binary.ByteOrder,
	logger *zap.Logger) *probeSet {
	return &probeSet{
		inflight:   inflight,
		processes:  processes,
		openSink:   openSink,
		zombieSink: zombieSink,
		mem:        mem,
		endianess:  endianess,
		logger:     logger,
	}
}

// The four open-family syscalls share one enter/exit handler pair; only
// argument extraction differs.

func (p *probeSet) enterCreat(ctx *hookContext, args syscallArgs) {
	p.enterOpen(ctx, filenameRef(args[0]), 0)
}

func (p *probeSet) enterOpenSyscall(ctx *hookContext, args syscallArgs) {
	p.enterOpen(ctx, filenameRef(args[0]), uint32(args[1]))
}

func (p *probeSet) enterOpenat(ctx *hookContext, args syscallArgs) {
	p.enterOpen(ctx, filenameRef(args[1]), uint32(args[2]))
}

// EnterOpenat2 reads the flags out of the caller's open_how structure, the
// flags being its first field, instead of a direct integer argument.
func (p *probeSet) enterOpenat2(ctx *hookContext, args syscallArgs) {
	flags, err := p.mem.readU64(userSpace, filenameRef(args[2]))
	if err != nil {
		p.logger.Debug("openat2 open_how read failed", zap.Error(err))
		return
	}

	p.enterOpen(ctx, filenameRef(args[1]), uint32(flags))
}

// EnterOpen records the syscall arguments in the inflight table, keyed by
// the calling thread, for the matching exit hook to consume.
func (p *probeSet) enterOpen(ctx *hookContext, filename filenameRef, flags uint32) {
	pid, _ := ctx.task.pidTGID()
	p.inflight.record(pid, openInflightEntry{filename: filename, flags: flags})
}

// ExitOpen consumes the inflight entry recorded by the matching enter hook.
// A failed syscall discards the entry without an event; a successful one
// ensures a current cgroup mapping for the calling process and emits an open
// event. Either way the entry does not persist past syscall exit. An absent
// entry (exit without observed enter, or eviction under pressure) is a
// no-op, not an error.
func (p *probeSet) exitOpen(ctx *hookContext, ret int64) {
	pid, tgid := ctx.task.pidTGID()

	if ret < 0 {
		p.inflight.discard(pid)
		return
	}

	entry, ok := p.inflight.takeAndClear(pid)
	if !ok {
		return
	}

	p.processes.ensureMapping(tgid, ctx.task)
	p.emitOpen(ctx, tgid, entry.filename, userSpace)
}

// ExecProcess handles process image replacement: it ensures the cgroup
// mapping for the new image, then reports the executed file and, where the
// interpreter reference differs (e.g. the shebang target of a script), the
// interpreter as well. Both are kernel-resident strings.
func (p *probeSet) execProcess(ctx *hookContext, filename, interp filenameRef) {
	_, tgid := ctx.task.pidTGID()
	p.processes.ensureMapping(tgid, ctx.task)

	if filename == 0 {
		p.logger.Debug("exec filename is NULL", zap.Uint32("tgid", tgid))
		return
	}

	p.emitOpen(ctx, tgid, filename, kernelSpace)

	if interp != filename {
		if interp == 0 {
			p.logger.Debug("exec interp is NULL", zap.Uint32("tgid", tgid))
			return
		}

		p.emitOpen(ctx, tgid, interp, kernelSpace)
	}
}

// The two cgroup-migration tracepoints are distinct kernel call sites for
// one logical event and are handled identically.

func (p *probeSet) cgroupAttachTask(ctx *hookContext, pid uint32, dstPath filenameRef) {
	p.cgroupMigrate(ctx, pid, dstPath)
}

func (p *probeSet) cgroupTransferTasks(ctx *hookContext, pid uint32, dstPath filenameRef) {
	p.cgroupMigrate(ctx, pid, dstPath)
}

// CgroupMigrate copies the destination cgroup path out of the notification's
// dynamically-sized trailing field and unconditionally overwrites the
// process record. Migration is authoritative, so the overwrite is not gated
// on the zombie flag.
func (p *probeSet) cgroupMigrate(ctx *hookContext, pid uint32, dstPath filenameRef) {
	name, err := p.mem.readStr(kernelSpace, dstPath, cgroupNameLen-1)
	if err != nil {
		p.logger.Debug("cgroup migration path read failed", zap.Error(err))
		return
	}

	p.processes.migrate(pid, string(name))
}

// ProcessExit fires on thread exit but only acts for the process's main
// thread; per-thread exits within a multi-threaded process are ignored. The
// process record is flagged zombie, never deleted here, and the consumer is
// notified unconditionally so it can reclaim the record once any in-flight
// attribution work has drained.
func (p *probeSet) processExit(ctx *hookContext) {
	pid, tgid := ctx.task.pidTGID()
	if pid != tgid {
		return
	}

	p.processes.markExited(tgid)
	p.zombieSink.emit(ctx.cpu, encodeZombieEvent(p.endianess, tgid))
}

// Fsnotify is a low-frequency catch-all fired on filesystem notification
// delivery. Its only job is to opportunistically establish the cgroup
// mapping for processes that triggered no open or exec hook inside this
// engine's observation window but are nonetheless active.
func (p *probeSet) fsnotify(ctx *hookContext) {
	_, tgid := ctx.task.pidTGID()
	p.processes.ensureMapping(tgid, ctx.task)
}

// EmitOpen copies the filename from the tagged source domain, applies the
// absolute-path filter and pushes a fixed-size open event record to the
// selected sink. A copy failure or relative path drops the event; sink
// overflow is the sink's problem. Other side effects of the calling hook,
// such as cgroup resolution, have already happened and are not undone.
func (p *probeSet) emitOpen(ctx *hookContext, tgid uint32, filename filenameRef, domain sourceDomain) {
	name, err := p.mem.readStr(domain, filename, maxPath-1)
	if err != nil {
		p.logger.Debug("open event filename read failed",
			zap.Uint64("ref", uint64(filename)),
			zap.Error(err))
		return
	}

	// Only care about absolute paths
	if len(name) == 0 || name[0] != '/' {
		return
	}

	p.openSink.emit(ctx.cpu, encodeOpenEvent(p.endianess, tgid, name))
}
