package main

import "go.uber.org/zap"

// DroppedEventHandler is an interface which describes objects which
// handle dropped events (events which the kernel could not write to
// the selected event buffer due to it being full).
type droppedEventHandler interface {
	handle(droppedEventsCount uint64) error
}

// LoggingDroppedEventHandler logs a dropped event message.
type loggingDroppedEventHandler struct {
	logger *zap.Logger
}

func newLoggingDroppedEventHandler(logger *zap.Logger) *loggingDroppedEventHandler {
	return &loggingDroppedEventHandler{logger}
}

// Handle handles a dropped event by logging a message.
func (h *loggingDroppedEventHandler) handle(droppedEventsCount uint64) error {
	// There is nothing we can do about a dropped event,
	// except perhaps increase the buffer size or poll the
	// event buffer more quickly, so just log it.
	h.logger.Warn("dropped events occurred", zap.Uint64("count", droppedEventsCount))
	return nil
}
