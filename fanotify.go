package main

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var (
	errNoEventFD          = errors.New("fanotify event carries no file descriptor")
	errBadMetadataVersion = errors.New("fanotify metadata version mismatch")
)

// FanotifyEvent is a single file-open notification read from the fanotify
// queue. The file descriptor, when present, refers to the opened file and
// must be closed by the handler.
type fanotifyEvent struct {
	mask uint64
	fd   int32
	pid  uint32
}

// Path resolves the opened file's absolute path through the procfs symlink
// of the event's file descriptor.
func (e *fanotifyEvent) path() (string, error) {
	if e.fd < 0 {
		return "", errNoEventFD
	}

	path, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", e.fd))
	if err != nil {
		return "", fmt.Errorf("resolving event file descriptor: %w", err)
	}

	return path, nil
}

func (e *fanotifyEvent) close() {
	if e.fd >= 0 {
		unix.Close(int(e.fd))
	}
}

// Fanotify is a thin wrapper around the kernel's fanotify facility, marked
// for file-open events across whole filesystems. The notification group fd
// is wrapped in an os.File so reads park in the runtime poller and close()
// interrupts a blocked next().
type fanotify struct {
	file *os.File
}

func newFanotify() (*fanotify, error) {
	fd, err := unix.FanotifyInit(unix.FAN_CLOEXEC|unix.FAN_CLASS_NOTIF|unix.FAN_NONBLOCK,
		unix.O_RDONLY|unix.O_LARGEFILE|unix.O_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("fanotify init: %w", err)
	}

	return &fanotify{file: os.NewFile(uintptr(fd), "fanotify")}, nil
}

// AddOpenMark subscribes to open events for the whole filesystem containing
// path (the mountpoint of path, not the path itself).
func (f *fanotify) addOpenMark(path string) error {
	err := unix.FanotifyMark(int(f.file.Fd()),
		unix.FAN_MARK_ADD|unix.FAN_MARK_FILESYSTEM,
		unix.FAN_OPEN,
		unix.AT_FDCWD,
		path)
	if err != nil {
		return fmt.Errorf("fanotify mark (add): %w", err)
	}

	return nil
}

// RemoveOpenMark removes the subscription for the filesystem containing path.
func (f *fanotify) removeOpenMark(path string) error {
	err := unix.FanotifyMark(int(f.file.Fd()),
		unix.FAN_MARK_REMOVE|unix.FAN_MARK_FILESYSTEM,
		unix.FAN_OPEN,
		unix.AT_FDCWD,
		path)
	if err != nil {
		return fmt.Errorf("fanotify mark (remove): %w", err)
	}

	return nil
}

// Next blocks until at least one notification is available and returns the
// batch read from the queue. A queue-overflow notification is returned as an
// event with the overflow bit set and no file descriptor.
func (f *fanotify) next() ([]fanotifyEvent, error) {
	buf := make([]byte, 4096)

	n, err := f.file.Read(buf)
	if err != nil {
		return nil, err
	}

	return parseFanotifyEvents(buf[:n])
}

func (f *fanotify) close() error {
	return f.file.Close()
}

// ParseFanotifyEvents walks the variable-length run of fanotify_event_metadata
// records in buf. Record layout per the kernel ABI: u32 event_len, u8 vers,
// u8 reserved, u16 metadata_len, u64 mask, s32 fd, s32 pid.
func parseFanotifyEvents(buf []byte) ([]fanotifyEvent, error) {
	endianess := systemEndianess()
	events := make([]fanotifyEvent, 0, len(buf)/unix.FAN_EVENT_METADATA_LEN)

	for len(buf) >= unix.FAN_EVENT_METADATA_LEN {
		eventLen := endianess.Uint32(buf[0:4])
		if eventLen < unix.FAN_EVENT_METADATA_LEN || int(eventLen) > len(buf) {
			break
		}

		if buf[4] != unix.FANOTIFY_METADATA_VERSION {
			return events, errBadMetadataVersion
		}

		events = append(events, fanotifyEvent{
			mask: endianess.Uint64(buf[8:16]),
			fd:   int32(endianess.Uint32(buf[16:20])),
			pid:  endianess.Uint32(buf[20:24]),
		})

		buf = buf[eventLen:]
	}

	return events, nil
}
