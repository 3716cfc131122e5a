package main

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Must match that used in the BPF C
const (
	openInflightMapName = "open_inflight"
	processInfoMapName  = "pid_to_info"

	openEventsRingBufName   = "rb_open_events"
	openEventsPerfBufName   = "pb_open_events"
	zombieEventsRingBufName = "rb_zombie_events"
	zombieEventsPerfBufName = "pb_zombie_events"
)

type bpfAttachKind int

const (
	attachTracepoint bpfAttachKind = iota
	attachKprobe
)

type bpfAttachSpec struct {
	programName string
	kind        bpfAttachKind

	// Tracepoint category and name, or kprobe symbol in name
	category string
	name     string

	// Optional programs reference tracepoints absent from older kernels;
	// they are disabled and the load retried if the first load fails.
	optional bool
}

// The probe complement of the embedded BPF object: the four open-family
// syscall enter/exit pairs, the exec hook, the two cgroup-migration hooks,
// the process-exit hook and the fsnotify catch-all. Names must match the
// BPF C.
var bpfAttachSpecs = [...]bpfAttachSpec{
	{programName: "enter_creat", kind: attachTracepoint, category: "syscalls", name: "sys_enter_creat"},
	{programName: "exit_creat", kind: attachTracepoint, category: "syscalls", name: "sys_exit_creat"},
	{programName: "enter_open", kind: attachTracepoint, category: "syscalls", name: "sys_enter_open"},
	{programName: "exit_open", kind: attachTracepoint, category: "syscalls", name: "sys_exit_open"},
	{programName: "enter_openat", kind: attachTracepoint, category: "syscalls", name: "sys_enter_openat"},
	{programName: "exit_openat", kind: attachTracepoint, category: "syscalls", name: "sys_exit_openat"},
	{programName: "enter_openat2", kind: attachTracepoint, category: "syscalls", name: "sys_enter_openat2", optional: true},
	{programName: "exit_openat2", kind: attachTracepoint, category: "syscalls", name: "sys_exit_openat2", optional: true},
	{programName: "kprobe__setup_new_exec", kind: attachKprobe, name: "setup_new_exec"},
	{programName: "cgroup_attach_task", kind: attachTracepoint, category: "cgroup", name: "cgroup_attach_task"},
	{programName: "cgroup_transfer_tasks", kind: attachTracepoint, category: "cgroup", name: "cgroup_transfer_tasks"},
	{programName: "sched_process_exit", kind: attachTracepoint, category: "sched", name: "sched_process_exit"},
	{programName: "fsnotify", kind: attachKprobe, name: "fsnotify"},
}

// The ring buffer and perf buffer identity of each event kind. Both are
// always declared in the BPF object; only the kind selected by the
// capability probe is created and initialised.
var bpfBufferMapNames = [...]string{
	openEventsRingBufName,
	openEventsPerfBufName,
	zombieEventsRingBufName,
	zombieEventsPerfBufName,
}

// LibBPFGoBPFRunner is an OpenEventRunner which loads the file-open probes
// into the kernel using the libbpfgo library. The correlation work happens
// in the kernel; this runner attaches the hooks, selects the event delivery
// mechanism and hands the resultant record channels and the shared
// pid_to_info map to the eventer.
type libBPFGoBPFRunner struct {
	openEventChannelSize     int
	zombieEventChannelSize   int
	droppedEventsChannelSize int
	openEventsPerfBufPages   int
	zombieEventsPerfBufPages int
	bpfModuleCreator         bpfModuleCreator
	prober                   streamingBufferProber
	endianess                binary.ByteOrder
	logger                   *zap.Logger

	module                bpfModule
	processInfoMap        bpfMap
	openEventChan         <-chan []byte
	zombieEventChan       <-chan []byte
	droppedEventCountChan <-chan uint64
}

func newLibBPFGoBPFRunner(openEventChannelSize int,
	zombieEventChannelSize int,
	droppedEventsChannelSize int,
	openEventsPerfBufPages int,
	zombieEventsPerfBufPages int,
	bpfModuleCreator bpfModuleCreator,
	prober streamingBufferProber,
	endianess binary.ByteOrder,
	logger *zap.Logger) *libBPFGoBPFRunner {
	return &libBPFGoBPFRunner{
		openEventChannelSize:     openEventChannelSize,
		zombieEventChannelSize:   zombieEventChannelSize,
		droppedEventsChannelSize: droppedEventsChannelSize,
		openEventsPerfBufPages:   openEventsPerfBufPages,
		zombieEventsPerfBufPages: zombieEventsPerfBufPages,
		bpfModuleCreator:         bpfModuleCreator,
		prober:                   prober,
		endianess:                endianess,
		logger:                   logger,
	}
}

// Run loads the BPF probes into the kernel and attaches them to their
// tracepoints and kprobes in order to create file-open and process-exit
// events. The choice between ring buffers and legacy perf buffers is made
// here, once, before the object is loaded.
func (r *libBPFGoBPFRunner) run() error {
	// First thing is to bump the ulimit for locked memory for older kernels
	if err := bumpMemlockRlimit(); err != nil {
		r.logger.Warn("raising locked memory rlimit", zap.Error(err))
	}

	useRingBuf := r.prober.supportsStreamingBuffer()
	r.logger.Info("selected event transport", zap.Bool("ring_buffer", useRingBuf))

	withOptional := true
	module, err := r.loadModule(useRingBuf, withOptional)
	if err != nil {
		r.logger.Info("loading of BPF probes failed, retrying with optional probes disabled",
			zap.Error(err))

		withOptional = false
		if module, err = r.loadModule(useRingBuf, withOptional); err != nil {
			return fmt.Errorf("loading BPF object into kernel: %w", err)
		}
	}
	r.module = module

	if err := r.attachPrograms(withOptional); err != nil {
		module.close()
		return err
	}

	processInfoMap, err := module.getMap(processInfoMapName)
	if err != nil {
		module.close()
		return fmt.Errorf("getting process info map: %w", err)
	}
	r.processInfoMap = processInfoMap

	if err := r.initEventBuffers(useRingBuf); err != nil {
		module.close()
		return err
	}

	return nil
}

// LoadModule creates a module from the embedded object, marks the buffer
// maps of the unselected transport kind and (when disabled) the optional
// programs to be skipped, and loads the result into the kernel. On failure
// the partially constructed module is discarded; a retry starts from a fresh
// module.
func (r *libBPFGoBPFRunner) loadModule(useRingBuf, withOptional bool) (bpfModule, error) {
	module, err := r.bpfModuleCreator.createModule("file-audit")
	if err != nil {
		return nil, fmt.Errorf("creating BPF module: %w", err)
	}

	for _, name := range bpfBufferMapNames {
		bufferMap, err := module.getMap(name)
		if err != nil {
			module.close()
			return nil, fmt.Errorf("getting buffer map %q: %w", name, err)
		}

		isRingBuf := name == openEventsRingBufName || name == zombieEventsRingBufName
		if err := bufferMap.setAutocreate(isRingBuf == useRingBuf); err != nil {
			module.close()
			return nil, fmt.Errorf("setting autocreate on buffer map %q: %w", name, err)
		}
	}

	if !withOptional {
		for _, spec := range bpfAttachSpecs {
			if !spec.optional {
				continue
			}

			program, err := module.getProgram(spec.programName)
			if err != nil {
				module.close()
				return nil, fmt.Errorf("getting optional BPF program %q: %w", spec.programName, err)
			}

			if err := program.setAutoload(false); err != nil {
				module.close()
				return nil, fmt.Errorf("disabling optional BPF program %q: %w", spec.programName, err)
			}
		}
	}

	if err := module.loadObject(); err != nil {
		module.close()
		return nil, fmt.Errorf("loading BPF object into kernel: %w", err)
	}

	return module, nil
}

func (r *libBPFGoBPFRunner) attachPrograms(withOptional bool) error {
	for _, spec := range bpfAttachSpecs {
		if spec.optional && !withOptional {
			continue
		}

		program, err := r.module.getProgram(spec.programName)
		if err != nil {
			return fmt.Errorf("loading BPF program %q: %w", spec.programName, err)
		}

		switch spec.kind {
		case attachTracepoint:
			err = program.attachTracepoint(spec.category, spec.name)
		case attachKprobe:
			err = program.attachKprobe(spec.name)
		}

		if err != nil {
			return fmt.Errorf("attaching BPF program %q: %w", spec.programName, err)
		}
	}

	return nil
}

func (r *libBPFGoBPFRunner) initEventBuffers(useRingBuf bool) error {
	openEventChan := make(chan []byte, r.openEventChannelSize)
	zombieEventChan := make(chan []byte, r.zombieEventChannelSize)
	droppedEventCountChan := make(chan uint64, r.droppedEventsChannelSize)

	openBuf, err := r.initEventBuffer(useRingBuf,
		openEventsRingBufName,
		openEventsPerfBufName,
		openEventChan,
		droppedEventCountChan,
		r.openEventsPerfBufPages)
	if err != nil {
		return fmt.Errorf("initialising open event buffer: %w", err)
	}

	zombieBuf, err := r.initEventBuffer(useRingBuf,
		zombieEventsRingBufName,
		zombieEventsPerfBufName,
		zombieEventChan,
		droppedEventCountChan,
		r.zombieEventsPerfBufPages)
	if err != nil {
		return fmt.Errorf("initialising zombie event buffer: %w", err)
	}

	r.openEventChan = openEventChan
	r.zombieEventChan = zombieEventChan
	r.droppedEventCountChan = droppedEventCountChan

	openBuf.Start()
	zombieBuf.Start()

	return nil
}

func (r *libBPFGoBPFRunner) initEventBuffer(useRingBuf bool,
	ringBufName, perfBufName string,
	eventsChan chan []byte,
	droppedEventCountChan chan uint64,
	sizeInPages int) (bpfEventBuffer, error) {
	if useRingBuf {
		return r.module.initRingBuf(ringBufName, eventsChan)
	}

	return r.module.initPerfBuf(perfBufName, eventsChan, droppedEventCountChan, sizeInPages)
}

func (r *libBPFGoBPFRunner) openEventChannel() <-chan []byte {
	return r.openEventChan
}

func (r *libBPFGoBPFRunner) zombieEventChannel() <-chan []byte {
	return r.zombieEventChan
}

func (r *libBPFGoBPFRunner) droppedEventCountChannel() <-chan uint64 {
	return r.droppedEventCountChan
}

// CgroupName returns the last-known cgroup name of the given process, from
// the pid_to_info map the probes maintain. A zombie-flagged record still
// answers: attribution work may arrive after the owning process has begun
// exiting, which is exactly why the probes defer deletion to this side.
func (r *libBPFGoBPFRunner) cgroupName(pid uint32) (string, bool) {
	value, ok := r.processInfoMap.lookup(r.processKey(pid))
	if !ok {
		return "", false
	}

	info, err := decodeProcessInfo(value)
	if err != nil {
		r.logger.Warn("undecodable process info record", zap.Uint32("pid", pid), zap.Error(err))
		return "", false
	}

	return info.cgroupName, true
}

// RemoveProcess deletes the process's record from the pid_to_info map. This
// is the consumer half of the zombie contract: the probes mark and notify,
// this side deletes.
func (r *libBPFGoBPFRunner) removeProcess(pid uint32) error {
	return r.processInfoMap.deleteKey(r.processKey(pid))
}

func (r *libBPFGoBPFRunner) processKey(pid uint32) []byte {
	key := make([]byte, 4)
	r.endianess.PutUint32(key, pid)

	return key
}

// Close unloads the BPF probes loaded into the kernel by this runner.
// After this, no more events will be emitted on to the channels returned
// by the runner.
func (r *libBPFGoBPFRunner) close() error {
	r.logger.Info("closing BPF module")
	r.module.close()

	return nil
}

func bumpMemlockRlimit() error {
	limit := &unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	}

	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, limit); err != nil {
		return fmt.Errorf("raising locked memory rlimit: %w", err)
	}

	return nil
}
