package main

import bpf "github.com/aquasecurity/libbpfgo"

// BPFEventBuffer is an interface which describes objects which deliver event
// records from a kernel buffer onto a Go channel once started.
type bpfEventBuffer interface {
	Start()
}

// BPFModule is an interface which describes objects which represent a BPF object
// containing one or more BPF programs which can be loaded into the kernel.
// Once loaded into the kernel, individual programs can be retrieved from the module
// and attached to BPF hooks within the kernel.
// The BPF object also contains the shared key-value maps and the event buffer
// maps (ring buffer or perf buffer), which can be initialised using the module.
type bpfModule interface {
	loadObject() error
	getProgram(name string) (bpfProgram, error)
	getMap(name string) (bpfMap, error)
	initRingBuf(name string, eventsChan chan []byte) (bpfEventBuffer, error)
	initPerfBuf(name string,
		eventsChan chan []byte,
		droppedEventCountChan chan uint64,
		sizeInPages int) (bpfEventBuffer, error)
	close()
}

// LibBPFGoBPFModule is a wrapper around a libbpfgo Module, allowing it to
// return interfaces instead of concrete types to enable mocking.
type libBPFGoBPFModule struct {
	module *bpf.Module
}

func newLibBPFGoBPFModule(module *bpf.Module) *libBPFGoBPFModule {
	return &libBPFGoBPFModule{module}
}

// LoadObject loads the BPF object represented by this module into the kernel.
func (m *libBPFGoBPFModule) loadObject() error {
	return m.module.BPFLoadObject()
}

// GetProgram returns a BPFProgram representing an individual BPF program within
// the loaded module.
func (m *libBPFGoBPFModule) getProgram(name string) (bpfProgram, error) {
	program, err := m.module.GetProgram(name)
	if err != nil {
		return nil, err
	}

	return newLibBPFGoBPFProgram(program), nil
}

// GetMap returns a BPFMap representing an individual key-value map within
// the module.
func (m *libBPFGoBPFModule) getMap(name string) (bpfMap, error) {
	bpfMap, err := m.module.GetMap(name)
	if err != nil {
		return nil, err
	}

	return newLibBPFGoBPFMap(bpfMap), nil
}

// InitRingBuf initialises the named ring buffer within the loaded module.
// Once started, events will be delivered on the channel provided in
// eventsChan. Ring buffer overruns are accounted by the kernel, not
// surfaced here.
func (m *libBPFGoBPFModule) initRingBuf(name string, eventsChan chan []byte) (bpfEventBuffer, error) {
	return m.module.InitRingBuf(name, eventsChan)
}

// InitPerfBuf initialises the named perf buffer within the loaded module.
// Once loaded, events and/or dropped event counts will be delivered on the channels
// provided in eventsChan and droppedEventCountChan, respectively.
// The size (in memory pages) of the map within the kernel is given by sizeInPages.
func (m *libBPFGoBPFModule) initPerfBuf(name string,
	eventsChan chan []byte,
	droppedEventCountChan chan uint64,
	sizeInPages int) (bpfEventBuffer, error) {
	return m.module.InitPerfBuf(name, eventsChan, droppedEventCountChan, sizeInPages)
}

// Close detaches and unloads all items in the kernel related to this module, including
// programs, maps and event buffers.
func (m *libBPFGoBPFModule) close() {
	m.module.Close()
}
