package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Magic, potentially tunable, constants
const (
	openEventChannelSize     = 1024
	zombieEventChannelSize   = 64
	droppedEventsChannelSize = 64

	// Numbers copied from the provisioning of the equivalent kernel buffers
	openEventsPerfBufSizePages   = 256
	zombieEventsPerfBufSizePages = 4

	// How long after a zombie notification the process record is reclaimed.
	// The delay leaves the cgroup name available to attribution work still
	// in flight when the process exited.
	zombieReclaimDelay = 10 * time.Second

	fallbackSweepInterval = 10 * time.Second
)

var ErrEventerClosed = errors.New("read from closed eventer")

// Eventer delivers file-open events observed by whichever runner strategy
// could be installed: the in-kernel BPF probes, or the fanotify-driven
// fallback engine. It is also the consumer in the probes' zombie contract,
// reclaiming exited processes' records after a grace period.
type Eventer struct {
	deserialiser        deserialiser
	droppedEventHandler droppedEventHandler
	runner              openEventRunner
	logger              *zap.Logger
	reclaimDelay        time.Duration

	done chan struct{}
}

func New() (*Eventer, error) {
	logger := newLogger()
	endianess := systemEndianess()
	deserialiser := newCStructDeserialiser(endianess)
	droppedEventHandler := newLoggingDroppedEventHandler(logger)
	bpfObjectLoader := new(embeddedBPFObjectLoader)
	bpfModuleCreator := newLibBPFGoBPFModuleCreator(bpfObjectLoader)
	prober := newKernelReleaseProber(logger)
	bpfRunner := newLibBPFGoBPFRunner(openEventChannelSize,
		zombieEventChannelSize,
		droppedEventsChannelSize,
		openEventsPerfBufSizePages,
		zombieEventsPerfBufSizePages,
		bpfModuleCreator,
		prober,
		endianess,
		logger)

	eventer, err := newEventer(deserialiser, bpfRunner, droppedEventHandler, logger)
	if err == nil {
		return eventer, nil
	}

	logger.Warn("loading BPF probes failed, falling back to fanotify observation",
		zap.Error(err))

	fallbackRunner := newFanotifyEngineRunner(openEventChannelSize,
		zombieEventChannelSize,
		droppedEventsChannelSize,
		fallbackSweepInterval,
		endianess,
		logger)

	return newEventer(deserialiser, fallbackRunner, droppedEventHandler, logger)
}

func newEventer(deserialiser deserialiser,
	runner openEventRunner,
	droppedEventHandler droppedEventHandler,
	logger *zap.Logger) (*Eventer, error) {
	if err := runner.run(); err != nil {
		return nil, fmt.Errorf("installing open event runner: %w", err)
	}

	return &Eventer{
		deserialiser:        deserialiser,
		runner:              runner,
		droppedEventHandler: droppedEventHandler,
		logger:              logger,
		reclaimDelay:        zombieReclaimDelay,

		done: make(chan struct{}), // Closing this channel will cause Event() to no longer attempt to read from the runner
	}, nil
}

// Event returns the next observed file open. Zombie notifications and
// dropped-event counts are consumed internally as they interleave with
// open events on the runner's channels.
func (e *Eventer) Event() (*Event, error) {
	for {
		select {
		case <-e.done:
			return nil, ErrEventerClosed
		default:
		}

		select {
		case <-e.done:
			return nil, ErrEventerClosed
		case eventData, ok := <-e.runner.openEventChannel():
			if !ok { // Check if the channel was closed, as the runner could be closed by Close() while Event() is being called
				return nil, ErrEventerClosed
			}

			event, err := e.deserialiser.toEvent(eventData)
			if err != nil {
				return nil, fmt.Errorf("deserialising open event: %w", err)
			}

			// Join the event's process id against the process table for
			// its cgroup attribution. Best-effort: an unattributable open
			// is still an open.
			if cgroupName, ok := e.runner.cgroupName(event.PID); ok {
				event.CgroupName = cgroupName
			}

			return event, nil
		case eventData, ok := <-e.runner.zombieEventChannel():
			if !ok {
				return nil, ErrEventerClosed
			}

			pid, err := e.deserialiser.toProcessID(eventData)
			if err != nil {
				// Don't return anything, just go around the loop again to find a well-formed event.
				e.logger.Warn("deserialising zombie event", zap.Error(err))
				continue
			}

			e.reclaimProcess(pid)
		case droppedEventsCount, ok := <-e.runner.droppedEventCountChannel():
			if !ok {
				return nil, ErrEventerClosed
			}

			if err := e.droppedEventHandler.handle(droppedEventsCount); err != nil {
				// Don't return anything, just go around the loop again to find a non-dropped event.
				e.logger.Warn("handling dropped event count", zap.Error(err))
			}
		}
	}
}

// ReclaimProcess deletes the exited process's record once any in-flight
// attribution work has had a chance to drain. The probes only mark the
// record zombie and notify; deletion is this side's responsibility.
func (e *Eventer) reclaimProcess(pid uint32) {
	time.AfterFunc(e.reclaimDelay, func() {
		select {
		case <-e.done:
			return
		default:
		}

		if err := e.runner.removeProcess(pid); err != nil {
			e.logger.Warn("removing exited process record",
				zap.Uint32("pid", pid),
				zap.Error(err))
		}
	})
}

func (e *Eventer) Close() error {
	close(e.done) // Closing this channel will cause Event() to return ErrEventerClosed

	if err := e.runner.close(); err != nil {
		return fmt.Errorf("closing open event runner: %w", err)
	}

	return nil
}

func newLogger() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}

	return logger.Named("file-audit")
}

func main() {
	eventer, err := New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "file-audit: %v\n", err)
		os.Exit(1)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		eventer.Close()
	}()

	logger := eventer.logger
	for {
		event, err := eventer.Event()
		if err != nil {
			if errors.Is(err, ErrEventerClosed) {
				return
			}

			logger.Warn("reading event", zap.Error(err))
			continue
		}

		logger.Info("file opened",
			zap.String("id", event.ID),
			zap.Time("time", event.Time),
			zap.Uint32("pid", event.PID),
			zap.String("path", event.Path),
			zap.String("cgroup", event.CgroupName))
	}
}
