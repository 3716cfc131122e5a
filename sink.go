package main

// EventSink is an interface which describes objects which deliver fixed-size
// event records from hook execution context to the consumer. Emission is
// fire-and-forget: the calling context cannot block, so a sink that is full
// drops the record and accounts for it on the shared dropped-count channel.
// There is no backpressure mechanism at this layer, by design.
//
// Two implementations model the two kernel delivery mechanisms: the modern
// streaming buffer and the legacy per-CPU buffer. Which one is used is a
// capability decision made once at load time, never per event.
type eventSink interface {
	emit(cpu int, record []byte)
	events() <-chan []byte
}

// StreamingEventSink models the modern streaming (ring) buffer: a single
// bounded queue shared by all processors, drained directly by the consumer.
type streamingEventSink struct {
	eventChan   chan []byte
	droppedChan chan<- uint64
}

func newStreamingEventSink(capacity int, droppedChan chan<- uint64) *streamingEventSink {
	return &streamingEventSink{
		eventChan:   make(chan []byte, capacity),
		droppedChan: droppedChan,
	}
}

func (s *streamingEventSink) emit(cpu int, record []byte) {
	select {
	case s.eventChan <- record:
	default:
		countDropped(s.droppedChan, 1)
	}
}

func (s *streamingEventSink) events() <-chan []byte {
	return s.eventChan
}

// PerCPUEventSink models the legacy per-CPU buffer: one bounded queue per
// processor, written in hook context and drained into a single consumer
// channel by periodic polling, the way a perf buffer is.
type perCPUEventSink struct {
	queues      []chan []byte
	eventChan   chan []byte
	droppedChan chan<- uint64
}

func newPerCPUEventSink(cpus, perCPUCapacity int, droppedChan chan<- uint64) *perCPUEventSink {
	queues := make([]chan []byte, cpus)
	for i := range queues {
		queues[i] = make(chan []byte, perCPUCapacity)
	}

	return &perCPUEventSink{
		queues:      queues,
		eventChan:   make(chan []byte, cpus*perCPUCapacity),
		droppedChan: droppedChan,
	}
}

func (s *perCPUEventSink) emit(cpu int, record []byte) {
	queue := s.queues[cpu%len(s.queues)]

	select {
	case queue <- record:
	default:
		countDropped(s.droppedChan, 1)
	}
}

// Poll drains every per-CPU queue into the consumer channel. Records that do
// not fit are dropped and accounted, the same as a consumer that polls too
// slowly would lose them from a real perf buffer.
func (s *perCPUEventSink) poll() {
	for _, queue := range s.queues {
	drain:
		for {
			select {
			case record := <-queue:
				select {
				case s.eventChan <- record:
				default:
					countDropped(s.droppedChan, 1)
				}
			default:
				break drain
			}
		}
	}
}

func (s *perCPUEventSink) events() <-chan []byte {
	return s.eventChan
}

// CountDropped accounts dropped records without blocking. If the dropped
// channel itself is full, the count is lost; the stream is best-effort and
// lossy either way.
func countDropped(droppedChan chan<- uint64, count uint64) {
	select {
	case droppedChan <- count:
	default:
	}
}
