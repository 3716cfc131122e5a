package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Deserialiser is an interface which describes objects which convert byte
// slices containing raw probe records into event objects: open event records
// into Events, and zombie (process exit) records into process ids.
type deserialiser interface {
	toEvent(data []byte) (*Event, error)
	toProcessID(data []byte) (uint32, error)
}

// CStructDeserialiser converts byte slices containing the C-structs emitted
// by the probes into their userspace representations.
type cStructDeserialiser struct {
	endianess binary.ByteOrder
}

func newCStructDeserialiser(endianess binary.ByteOrder) *cStructDeserialiser {
	return &cStructDeserialiser{endianess}
}

// ToEvent creates a file-open event object from the supplied byte slice
// containing an open event record: a u32 process id followed by the filename
// in a fixed 256-byte NUL-padded buffer. A source filename which overran the
// buffer arrives truncated with no terminator; the full buffer is taken in
// that case.
func (d *cStructDeserialiser) toEvent(eventData []byte) (*Event, error) {
	if len(eventData) < openEventSize {
		return nil, fmt.Errorf("decoding open event data: %w", errShortEventData)
	}

	filename := eventData[4:openEventSize]
	if nul := bytes.IndexByte(filename, 0x00); nul != -1 {
		filename = filename[:nul]
	}

	event := &Event{
		ID:   uuid.NewString(),
		Time: time.Now().UTC(),
		PID:  d.endianess.Uint32(eventData[:4]),
		Path: string(filename),
	}

	return event, nil
}

// ToProcessID extracts the process id from a zombie event record.
func (d *cStructDeserialiser) toProcessID(eventData []byte) (uint32, error) {
	if len(eventData) < zombieEventSize {
		return 0, fmt.Errorf("decoding zombie event data: %w", errShortEventData)
	}

	return d.endianess.Uint32(eventData[:zombieEventSize]), nil
}
