package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// The fallback watches every filesystem reachable from the root mount
const fallbackMarkPath = "/"

// RefStringReader is the memReader behind the fallback runner: paths already
// resolved in this process's memory are registered under one-shot refs so
// the engine's hooks can consume them through the same tagged-source copy
// contract the in-kernel probes use.
type refStringReader struct {
	mu      sync.Mutex
	nextRef filenameRef
	strings map[filenameRef]string
}

func newRefStringReader() *refStringReader {
	return &refStringReader{
		nextRef: 1,
		strings: make(map[filenameRef]string),
	}
}

func (r *refStringReader) register(s string) filenameRef {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := r.nextRef
	r.nextRef++
	r.strings[ref] = s

	return ref
}

func (r *refStringReader) release(ref filenameRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.strings, ref)
}

func (r *refStringReader) readStr(domain sourceDomain, ref filenameRef, max int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.strings[ref]
	if !ok {
		return nil, errUnreadableAddress
	}

	b := []byte(s)
	if len(b) > max {
		b = b[:max]
	}

	return b, nil
}

func (r *refStringReader) readU64(domain sourceDomain, ref filenameRef) (uint64, error) {
	return 0, errUnreadableAddress
}

// FanotifyEngineRunner is an OpenEventRunner for kernels the BPF probes
// cannot be loaded into. It observes file opens through fanotify and drives
// the in-process correlation engine's hook entry points with them: the
// fsnotify catch-all to establish cgroup attribution from procfs, then a
// synthesized enter/exit pair for the open itself. Process exits, which
// fanotify cannot observe, are approximated by a periodic sweep invoking the
// exit hook for tracked processes that have vanished from procfs.
//
// The records, channels and wire format are identical to the BPF strategy's,
// so the eventer does not care which runner is underneath.
type fanotifyEngineRunner struct {
	procRoot      string
	sweepInterval time.Duration
	logger        *zap.Logger

	processes   *processTable
	probes      *probeSet
	mem         *refStringReader
	openSink    *streamingEventSink
	zombieSink  *streamingEventSink
	droppedChan chan uint64
	fan         *fanotify
	done        chan struct{}
}

func newFanotifyEngineRunner(openEventChannelSize int,
	zombieEventChannelSize int,
	droppedEventsChannelSize int,
	sweepInterval time.Duration,
	endianess binary.ByteOrder,
	logger *zap.Logger) *fanotifyEngineRunner {
	droppedChan := make(chan uint64, droppedEventsChannelSize)
	openSink := newStreamingEventSink(openEventChannelSize, droppedChan)
	zombieSink := newStreamingEventSink(zombieEventChannelSize, droppedChan)
	mem := newRefStringReader()
	processes := newProcessTable(processInfoMaxEntries)
	probes := newProbeSet(newInflightTable(inflightMaxEntries),
		processes,
		openSink,
		zombieSink,
		mem,
		endianess,
		logger)

	return &fanotifyEngineRunner{
		procRoot:      defaultProcRoot,
		sweepInterval: sweepInterval,
		logger:        logger,
		processes:     processes,
		probes:        probes,
		mem:           mem,
		openSink:      openSink,
		zombieSink:    zombieSink,
		droppedChan:   droppedChan,
		done:          make(chan struct{}),
	}
}

// Run initialises the fanotify group, marks the root filesystem for open
// events and starts the watch and sweep loops.
func (r *fanotifyEngineRunner) run() error {
	fan, err := newFanotify()
	if err != nil {
		return fmt.Errorf("initialising fanotify: %w", err)
	}

	if err := fan.addOpenMark(fallbackMarkPath); err != nil {
		fan.close()
		return fmt.Errorf("marking root filesystem: %w", err)
	}
	r.fan = fan

	go r.watch()
	go r.sweep()

	return nil
}

func (r *fanotifyEngineRunner) watch() {
	for {
		select {
		case <-r.done:
			return
		default:
		}

		events, err := r.fan.next()
		if err != nil {
			if errors.Is(err, fs.ErrClosed) {
				return
			}

			r.logger.Warn("reading fanotify events", zap.Error(err))
			continue
		}

		for i := range events {
			r.handleFanotifyEvent(&events[i])
		}
	}
}

func (r *fanotifyEngineRunner) handleFanotifyEvent(event *fanotifyEvent) {
	defer event.close()

	if event.mask&unix.FAN_Q_OVERFLOW != 0 {
		countDropped(r.droppedChan, 1)
		return
	}

	// Fanotify reports the thread-group leader, so pid == tgid here
	ctx := &hookContext{task: newProcfsTaskState(event.pid, event.pid, r.procRoot)}

	// Mirrors the kprobe on fsnotify: resolve the opener's cgroup even if
	// the open itself turns out not to be reportable.
	r.probes.fsnotify(ctx)

	path, err := event.path()
	if err != nil {
		r.logger.Debug("failed to extract file path", zap.Error(err))
		return
	}

	ref := r.mem.register(path)
	defer r.mem.release(ref)

	r.probes.enterOpen(ctx, ref, 0)
	r.probes.exitOpen(ctx, 0)
}

// Sweep invokes the process-exit hook for tracked processes that no longer
// exist, standing in for the sched_process_exit tracepoint. The sweep is
// bounded by the process table's fixed capacity.
func (r *fanotifyEngineRunner) sweep() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}

		r.sweepOnce()
	}
}

func (r *fanotifyEngineRunner) sweepOnce() {
	for _, pid := range r.processes.pids() {
		if r.processAlive(pid) {
			continue
		}

		ctx := &hookContext{task: newProcfsTaskState(pid, pid, r.procRoot)}
		r.probes.processExit(ctx)
	}
}

func (r *fanotifyEngineRunner) processAlive(pid uint32) bool {
	_, err := os.Stat(filepath.Join(r.procRoot, fmt.Sprintf("%d", pid)))
	return err == nil
}

func (r *fanotifyEngineRunner) openEventChannel() <-chan []byte {
	return r.openSink.events()
}

func (r *fanotifyEngineRunner) zombieEventChannel() <-chan []byte {
	return r.zombieSink.events()
}

func (r *fanotifyEngineRunner) droppedEventCountChannel() <-chan uint64 {
	return r.droppedChan
}

func (r *fanotifyEngineRunner) cgroupName(pid uint32) (string, bool) {
	info, ok := r.processes.lookup(pid)
	if !ok {
		return "", false
	}

	return info.cgroupName, true
}

func (r *fanotifyEngineRunner) removeProcess(pid uint32) error {
	r.processes.remove(pid)
	return nil
}

func (r *fanotifyEngineRunner) close() error {
	close(r.done)

	if r.fan != nil {
		if err := r.fan.close(); err != nil {
			return fmt.Errorf("closing fanotify: %w", err)
		}
	}

	return nil
}
