package main

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// The struct layouts here must match those of the equivalent structs in the
// BPF C (evt_open and process_info in the probe object).
const (
	// Size of the fixed filename buffer in an open event record.
	// NUL-padded; truncated without a terminator if the source exceeded
	// maxPath-1 bytes.
	maxPath = 256

	openEventSize   = 4 + maxPath // u32 tgid + char filename[256]
	zombieEventSize = 4           // u32 tgid

	processInfoSize = 1 + cgroupNameLen // u8 zombie + char cgroup[255]
)

var errShortEventData = errors.New("event data shorter than record")

// EncodeOpenEvent serialises an open event record as the probes lay it out
// on the wire: the process (thread-group) id followed by the filename in a
// fixed, NUL-padded buffer.
func encodeOpenEvent(endianess binary.ByteOrder, tgid uint32, filename []byte) []byte {
	record := make([]byte, openEventSize)
	endianess.PutUint32(record[:4], tgid)
	copy(record[4:], filename)

	return record
}

// EncodeZombieEvent serialises a process-exit notification record.
func encodeZombieEvent(endianess binary.ByteOrder, tgid uint32) []byte {
	record := make([]byte, zombieEventSize)
	endianess.PutUint32(record, tgid)

	return record
}

// DecodeProcessInfo deserialises a process_info value read out of the
// pid_to_info map.
func decodeProcessInfo(data []byte) (processInfo, error) {
	if len(data) < processInfoSize {
		return processInfo{}, errShortEventData
	}

	name := data[1:processInfoSize]
	if nul := bytes.IndexByte(name, 0x00); nul != -1 {
		name = name[:nul]
	}

	return processInfo{
		zombie:     data[0] != 0,
		cgroupName: string(name),
	}, nil
}
