package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"go.uber.org/zap"
)

type mockBPFModuleCreator struct {
	errorToReturn     error
	bpfModuleToReturn bpfModule

	called      bool
	createCount int
}

func newMockBPFModuleCreator(bpfModuleToReturn bpfModule, errorToReturn error) *mockBPFModuleCreator {
	return &mockBPFModuleCreator{
		bpfModuleToReturn: bpfModuleToReturn,
		errorToReturn:     errorToReturn,
	}
}

func (mc *mockBPFModuleCreator) createModule(name string) (bpfModule, error) {
	mc.called = true
	mc.createCount++

	if mc.errorToReturn != nil {
		return nil, mc.errorToReturn
	}

	return mc.bpfModuleToReturn, nil
}

type mockBPFModule struct {
	eventBufferToReturn *mockBPFEventBuffer

	loadObjectFailuresRemaining int
	loadObjectErrorToReturn     error
	getProgramErrorToReturn     error
	getMapErrorToReturn         error
	initRingBufErrorToReturn    error
	initPerfBufErrorToReturn    error

	loadObjectCallCount int
	closeCalled         bool

	// Programs and maps are created lazily per name so tests can inspect
	// what was done to each
	programs map[string]*mockBPFProgram
	maps     map[string]*mockBPFMap

	receivedRingBufNames []string
	receivedPerfBufNames []string
	receivedPerfBufPages []int

	receivedEventChans            map[string]chan []byte
	receivedDroppedEventCountChan chan uint64
}

func newMockBPFModule(eventBufferToReturn *mockBPFEventBuffer) *mockBPFModule {
	return &mockBPFModule{
		eventBufferToReturn: eventBufferToReturn,
		programs:            make(map[string]*mockBPFProgram),
		maps:                make(map[string]*mockBPFMap),
		receivedEventChans:  make(map[string]chan []byte),
	}
}

func (mm *mockBPFModule) loadObject() error {
	mm.loadObjectCallCount++

	if mm.loadObjectFailuresRemaining > 0 {
		mm.loadObjectFailuresRemaining--
		return mm.loadObjectErrorToReturn
	}

	return nil
}

func (mm *mockBPFModule) getProgram(name string) (bpfProgram, error) {
	if mm.getProgramErrorToReturn != nil {
		return nil, mm.getProgramErrorToReturn
	}

	program, ok := mm.programs[name]
	if !ok {
		program = new(mockBPFProgram)
		mm.programs[name] = program
	}

	return program, nil
}

func (mm *mockBPFModule) getMap(name string) (bpfMap, error) {
	if mm.getMapErrorToReturn != nil {
		return nil, mm.getMapErrorToReturn
	}

	bpfMap, ok := mm.maps[name]
	if !ok {
		bpfMap = new(mockBPFMap)
		mm.maps[name] = bpfMap
	}

	return bpfMap, nil
}

func (mm *mockBPFModule) initRingBuf(name string, eventsChan chan []byte) (bpfEventBuffer, error) {
	mm.receivedRingBufNames = append(mm.receivedRingBufNames, name)
	mm.receivedEventChans[name] = eventsChan

	if mm.initRingBufErrorToReturn != nil {
		return nil, mm.initRingBufErrorToReturn
	}

	return mm.eventBufferToReturn, nil
}

func (mm *mockBPFModule) initPerfBuf(name string,
	eventsChan chan []byte,
	droppedEventCountChan chan uint64,
	sizeInPages int) (bpfEventBuffer, error) {
	mm.receivedPerfBufNames = append(mm.receivedPerfBufNames, name)
	mm.receivedPerfBufPages = append(mm.receivedPerfBufPages, sizeInPages)
	mm.receivedEventChans[name] = eventsChan
	mm.receivedDroppedEventCountChan = droppedEventCountChan

	if mm.initPerfBufErrorToReturn != nil {
		return nil, mm.initPerfBufErrorToReturn
	}

	return mm.eventBufferToReturn, nil
}

func (mm *mockBPFModule) close() {
	mm.closeCalled = true
}

type mockBPFProgram struct {
	attachTracepointErrorToReturn error
	attachKprobeErrorToReturn     error
	setAutoloadErrorToReturn      error

	attachTracepointCalled     bool
	attachKprobeCalled         bool
	receivedTracepointCategory string
	receivedTracepointName     string
	receivedKprobeSymbol       string

	setAutoloadCalled bool
	receivedAutoload  bool
}

func (mp *mockBPFProgram) attachTracepoint(category, name string) error {
	mp.attachTracepointCalled = true
	mp.receivedTracepointCategory = category
	mp.receivedTracepointName = name

	if mp.attachTracepointErrorToReturn != nil {
		return mp.attachTracepointErrorToReturn
	}

	return nil
}

func (mp *mockBPFProgram) attachKprobe(symbol string) error {
	mp.attachKprobeCalled = true
	mp.receivedKprobeSymbol = symbol

	if mp.attachKprobeErrorToReturn != nil {
		return mp.attachKprobeErrorToReturn
	}

	return nil
}

func (mp *mockBPFProgram) setAutoload(autoload bool) error {
	mp.setAutoloadCalled = true
	mp.receivedAutoload = autoload

	if mp.setAutoloadErrorToReturn != nil {
		return mp.setAutoloadErrorToReturn
	}

	return nil
}

type mockBPFMap struct {
	valueToReturn              []byte
	deleteKeyErrorToReturn     error
	setAutocreateErrorToReturn error

	receivedLookupKey []byte
	receivedDeleteKey []byte

	setAutocreateCalled bool
	receivedAutocreate  bool
}

func (mb *mockBPFMap) lookup(key []byte) ([]byte, bool) {
	mb.receivedLookupKey = key

	if mb.valueToReturn == nil {
		return nil, false
	}

	return mb.valueToReturn, true
}

func (mb *mockBPFMap) deleteKey(key []byte) error {
	mb.receivedDeleteKey = key

	if mb.deleteKeyErrorToReturn != nil {
		return mb.deleteKeyErrorToReturn
	}

	return nil
}

func (mb *mockBPFMap) setAutocreate(autocreate bool) error {
	mb.setAutocreateCalled = true
	mb.receivedAutocreate = autocreate

	if mb.setAutocreateErrorToReturn != nil {
		return mb.setAutocreateErrorToReturn
	}

	return nil
}

type mockBPFEventBuffer struct {
	startCallCount int
}

func (mb *mockBPFEventBuffer) Start() {
	mb.startCallCount++
}

type mockStreamingBufferProber struct {
	supports bool
}

func (mp *mockStreamingBufferProber) supportsStreamingBuffer() bool {
	return mp.supports
}

func newTestBPFRunner(module bpfModule, ringBuf bool) *libBPFGoBPFRunner {
	return newLibBPFGoBPFRunner(openEventChannelSize,
		zombieEventChannelSize,
		droppedEventsChannelSize,
		openEventsPerfBufSizePages,
		zombieEventsPerfBufSizePages,
		newMockBPFModuleCreator(module, nil),
		&mockStreamingBufferProber{supports: ringBuf},
		binary.LittleEndian,
		zap.NewNop())
}

func TestBPFRunnerRingBuffer(t *testing.T) {
	mockEventBuffer := new(mockBPFEventBuffer)
	mockModule := newMockBPFModule(mockEventBuffer)

	runner := newTestBPFRunner(mockModule, true)

	if err := runner.run(); err != nil {
		t.Errorf("expected nil error, got %v (of type %T)", err, err)
	}

	if mockModule.loadObjectCallCount != 1 {
		t.Errorf("expected BPF object to be loaded once, got %d loads", mockModule.loadObjectCallCount)
	}

	// Check every program was attached to the hook we expect (must match
	// what is in the C and in the kernel)
	for _, spec := range bpfAttachSpecs {
		program, ok := mockModule.programs[spec.programName]
		if !ok {
			t.Errorf("expected BPF program %q to be requested, but was not", spec.programName)
			continue
		}

		switch spec.kind {
		case attachTracepoint:
			if !program.attachTracepointCalled {
				t.Errorf("expected program %q to be attached to a tracepoint, but was not",
					spec.programName)
			}
			if program.receivedTracepointCategory != spec.category ||
				program.receivedTracepointName != spec.name {
				t.Errorf("expected program %q to be attached to tracepoint %s/%s, but was %s/%s",
					spec.programName,
					spec.category,
					spec.name,
					program.receivedTracepointCategory,
					program.receivedTracepointName)
			}
		case attachKprobe:
			if !program.attachKprobeCalled {
				t.Errorf("expected program %q to be attached to a kprobe, but was not",
					spec.programName)
			}
			if program.receivedKprobeSymbol != spec.name {
				t.Errorf("expected program %q to be attached to kprobe %q, but was %q",
					spec.programName,
					spec.name,
					program.receivedKprobeSymbol)
			}
		}
	}

	// Only the ring buffer identity of each event kind is to be created
	for _, name := range []string{openEventsRingBufName, zombieEventsRingBufName} {
		if !mockModule.maps[name].setAutocreateCalled || !mockModule.maps[name].receivedAutocreate {
			t.Errorf("expected ring buffer map %q to be marked for creation, but was not", name)
		}
	}
	for _, name := range []string{openEventsPerfBufName, zombieEventsPerfBufName} {
		if !mockModule.maps[name].setAutocreateCalled || mockModule.maps[name].receivedAutocreate {
			t.Errorf("expected perf buffer map %q to be marked to not be created, but was not", name)
		}
	}

	if len(mockModule.receivedPerfBufNames) != 0 {
		t.Errorf("expected no perf buffers to be initialised, got %v", mockModule.receivedPerfBufNames)
	}

	if mockEventBuffer.startCallCount != 2 {
		t.Errorf("expected both event buffers to be started, got %d starts",
			mockEventBuffer.startCallCount)
	}

	// Check the channels handed to the ring buffers surface through the runner
	mockEventData := []byte{0xCA, 0xFE, 0xF0, 0x0D}
	go func() {
		mockModule.receivedEventChans[openEventsRingBufName] <- mockEventData
	}()
	eventData := <-runner.openEventChannel()

	if !bytes.Equal(eventData, mockEventData) {
		t.Errorf("expected BPF runner open event channel to return %X, but returned %X",
			mockEventData,
			eventData)
	}

	mockZombieData := []byte{0x2A, 0x00, 0x00, 0x00}
	go func() {
		mockModule.receivedEventChans[zombieEventsRingBufName] <- mockZombieData
	}()
	zombieData := <-runner.zombieEventChannel()

	if !bytes.Equal(zombieData, mockZombieData) {
		t.Errorf("expected BPF runner zombie event channel to return %X, but returned %X",
			mockZombieData,
			zombieData)
	}

	if err := runner.close(); err != nil {
		t.Errorf("expected nil error, got %v (of type %T)", err, err)
	}

	if !mockModule.closeCalled {
		t.Error("expected BPF module to be closed, but was not")
	}
}

func TestBPFRunnerPerfBuffer(t *testing.T) {
	mockEventBuffer := new(mockBPFEventBuffer)
	mockModule := newMockBPFModule(mockEventBuffer)

	runner := newTestBPFRunner(mockModule, false)

	if err := runner.run(); err != nil {
		t.Errorf("expected nil error, got %v (of type %T)", err, err)
	}

	if len(mockModule.receivedRingBufNames) != 0 {
		t.Errorf("expected no ring buffers to be initialised, got %v", mockModule.receivedRingBufNames)
	}

	expectedNames := []string{openEventsPerfBufName, zombieEventsPerfBufName}
	expectedPages := []int{openEventsPerfBufSizePages, zombieEventsPerfBufSizePages}
	for i, name := range expectedNames {
		if mockModule.receivedPerfBufNames[i] != name {
			t.Errorf("expected perf buffer %d to be %q, but was %q",
				i,
				name,
				mockModule.receivedPerfBufNames[i])
		}
		if mockModule.receivedPerfBufPages[i] != expectedPages[i] {
			t.Errorf("expected perf buffer %q to be %d pages, but was %d",
				name,
				expectedPages[i],
				mockModule.receivedPerfBufPages[i])
		}
	}

	// Only the perf buffer identity of each event kind is to be created
	for _, name := range []string{openEventsPerfBufName, zombieEventsPerfBufName} {
		if !mockModule.maps[name].receivedAutocreate {
			t.Errorf("expected perf buffer map %q to be marked for creation, but was not", name)
		}
	}
	for _, name := range []string{openEventsRingBufName, zombieEventsRingBufName} {
		if mockModule.maps[name].receivedAutocreate {
			t.Errorf("expected ring buffer map %q to be marked to not be created, but was not", name)
		}
	}

	// Check dropped event counts surface through the runner
	if mockModule.receivedDroppedEventCountChan == nil {
		t.Fatal("expected BPF runner to set dropped event count channel in module, but did not")
	}

	var mockDroppedEventCount uint64 = 1
	go func() {
		mockModule.receivedDroppedEventCountChan <- mockDroppedEventCount
	}()
	droppedEventCount := <-runner.droppedEventCountChannel()

	if droppedEventCount != mockDroppedEventCount {
		t.Errorf("expected BPF runner dropped event count channel to return %d, but returned %d",
			mockDroppedEventCount,
			droppedEventCount)
	}
}

func TestBPFRunnerRetriesWithoutOptionalProbes(t *testing.T) {
	mockError := errors.New("mock BPF module load error")
	mockModule := newMockBPFModule(new(mockBPFEventBuffer))
	mockModule.loadObjectErrorToReturn = mockError
	mockModule.loadObjectFailuresRemaining = 1 // Fail once, as an old kernel would

	runner := newTestBPFRunner(mockModule, false)

	if err := runner.run(); err != nil {
		t.Errorf("expected nil error, got %v (of type %T)", err, err)
	}

	if mockModule.loadObjectCallCount != 2 {
		t.Errorf("expected load to be retried, got %d loads", mockModule.loadObjectCallCount)
	}

	for _, spec := range bpfAttachSpecs {
		program := mockModule.programs[spec.programName]

		if spec.optional {
			if !program.setAutoloadCalled || program.receivedAutoload {
				t.Errorf("expected optional program %q to be disabled on retry, but was not",
					spec.programName)
			}
			if program.attachTracepointCalled || program.attachKprobeCalled {
				t.Errorf("expected optional program %q to not be attached, but was", spec.programName)
			}

			continue
		}

		if !program.attachTracepointCalled && !program.attachKprobeCalled {
			t.Errorf("expected program %q to be attached, but was not", spec.programName)
		}
	}
}

func TestBPFRunnerModuleCreatorError(t *testing.T) {
	mockError := errors.New("mock BPF module creator error")
	mockBPFModuleCreator := newMockBPFModuleCreator(nil, mockError)

	runner := newLibBPFGoBPFRunner(openEventChannelSize,
		zombieEventChannelSize,
		droppedEventsChannelSize,
		openEventsPerfBufSizePages,
		zombieEventsPerfBufSizePages,
		mockBPFModuleCreator,
		&mockStreamingBufferProber{supports: true},
		binary.LittleEndian,
		zap.NewNop())

	err := runner.run()
	if err == nil {
		t.Error("expected error, got nil")
	}

	t.Logf("got error %q (of type %T)", err, err)

	if !errors.Is(err, mockError) {
		t.Errorf("expected error chain to include %q, but did not", mockError)
	}

	if !mockBPFModuleCreator.called {
		t.Error("expected BPF module creator to be called, but was not")
	}
}

func TestBPFRunnerModuleLoadObjectError(t *testing.T) {
	mockError := errors.New("mock BPF module load error")
	mockModule := newMockBPFModule(new(mockBPFEventBuffer))
	mockModule.loadObjectErrorToReturn = mockError
	mockModule.loadObjectFailuresRemaining = 2 // Both the first attempt and the retry

	runner := newTestBPFRunner(mockModule, true)

	err := runner.run()
	if err == nil {
		t.Error("expected error, got nil")
	}

	t.Logf("got error %q (of type %T)", err, err)

	if !errors.Is(err, mockError) {
		t.Errorf("expected error chain to include %q, but did not", mockError)
	}

	if mockModule.loadObjectCallCount != 2 {
		t.Errorf("expected load to be attempted twice, got %d loads", mockModule.loadObjectCallCount)
	}

	if !mockModule.closeCalled {
		t.Error("expected failed BPF module to be closed, but was not")
	}
}

func TestBPFRunnerModuleGetProgramError(t *testing.T) {
	mockError := errors.New("mock BPF get program error")
	mockModule := newMockBPFModule(new(mockBPFEventBuffer))
	mockModule.getProgramErrorToReturn = mockError

	runner := newTestBPFRunner(mockModule, true)

	err := runner.run()
	if err == nil {
		t.Error("expected error, got nil")
	}

	t.Logf("got error %q (of type %T)", err, err)

	if !errors.Is(err, mockError) {
		t.Errorf("expected error chain to include %q, but did not", mockError)
	}
}

func TestBPFRunnerProgramAttachError(t *testing.T) {
	mockError := errors.New("mock BPF attach tracepoint error")
	mockModule := newMockBPFModule(new(mockBPFEventBuffer))

	// Pre-seed the first program to be requested with a failing attach
	failingProgram := &mockBPFProgram{attachTracepointErrorToReturn: mockError}
	mockModule.programs[bpfAttachSpecs[0].programName] = failingProgram

	runner := newTestBPFRunner(mockModule, true)

	err := runner.run()
	if err == nil {
		t.Error("expected error, got nil")
	}

	t.Logf("got error %q (of type %T)", err, err)

	if !errors.Is(err, mockError) {
		t.Errorf("expected error chain to include %q, but did not", mockError)
	}

	if !failingProgram.attachTracepointCalled {
		t.Error("expected tracepoint attach to be attempted, but was not")
	}

	if !mockModule.closeCalled {
		t.Error("expected failed BPF module to be closed, but was not")
	}
}

func TestBPFRunnerModuleInitRingBufferError(t *testing.T) {
	mockError := errors.New("mock BPF init ring buffer error")
	mockModule := newMockBPFModule(new(mockBPFEventBuffer))
	mockModule.initRingBufErrorToReturn = mockError

	runner := newTestBPFRunner(mockModule, true)

	err := runner.run()
	if err == nil {
		t.Error("expected error, got nil")
	}

	t.Logf("got error %q (of type %T)", err, err)

	if !errors.Is(err, mockError) {
		t.Errorf("expected error chain to include %q, but did not", mockError)
	}
}

func TestBPFRunnerModuleInitPerfBufferError(t *testing.T) {
	mockError := errors.New("mock BPF init perf buffer error")
	mockModule := newMockBPFModule(new(mockBPFEventBuffer))
	mockModule.initPerfBufErrorToReturn = mockError

	runner := newTestBPFRunner(mockModule, false)

	err := runner.run()
	if err == nil {
		t.Error("expected error, got nil")
	}

	t.Logf("got error %q (of type %T)", err, err)

	if !errors.Is(err, mockError) {
		t.Errorf("expected error chain to include %q, but did not", mockError)
	}
}

func TestBPFRunnerCgroupName(t *testing.T) {
	mockModule := newMockBPFModule(new(mockBPFEventBuffer))

	runner := newTestBPFRunner(mockModule, true)
	if err := runner.run(); err != nil {
		t.Fatalf("expected nil error, got %v (of type %T)", err, err)
	}

	// Seed the process info map with an encoded record for PID 42
	mockValue := make([]byte, processInfoSize)
	copy(mockValue[1:], "/test-workload")
	mockModule.maps[processInfoMapName].valueToReturn = mockValue

	cgroupName, ok := runner.cgroupName(42)
	if !ok {
		t.Fatal("expected cgroup name lookup to succeed, but did not")
	}

	if cgroupName != "/test-workload" {
		t.Errorf("expected cgroup name %q, got %q", "/test-workload", cgroupName)
	}

	expectedKey := []byte{0x2A, 0x00, 0x00, 0x00} // 42 little endian
	if !bytes.Equal(mockModule.maps[processInfoMapName].receivedLookupKey, expectedKey) {
		t.Errorf("expected lookup key %X, got %X",
			expectedKey,
			mockModule.maps[processInfoMapName].receivedLookupKey)
	}
}

func TestBPFRunnerCgroupNameAbsentProcess(t *testing.T) {
	mockModule := newMockBPFModule(new(mockBPFEventBuffer))

	runner := newTestBPFRunner(mockModule, true)
	if err := runner.run(); err != nil {
		t.Fatalf("expected nil error, got %v (of type %T)", err, err)
	}

	if _, ok := runner.cgroupName(42); ok {
		t.Error("expected cgroup name lookup of untracked process to fail, but did not")
	}
}

func TestBPFRunnerRemoveProcess(t *testing.T) {
	mockModule := newMockBPFModule(new(mockBPFEventBuffer))

	runner := newTestBPFRunner(mockModule, true)
	if err := runner.run(); err != nil {
		t.Fatalf("expected nil error, got %v (of type %T)", err, err)
	}

	if err := runner.removeProcess(42); err != nil {
		t.Errorf("expected nil error, got %v (of type %T)", err, err)
	}

	expectedKey := []byte{0x2A, 0x00, 0x00, 0x00} // 42 little endian
	if !bytes.Equal(mockModule.maps[processInfoMapName].receivedDeleteKey, expectedKey) {
		t.Errorf("expected delete key %X, got %X",
			expectedKey,
			mockModule.maps[processInfoMapName].receivedDeleteKey)
	}
}
