package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const defaultProcRoot = "/proc"

// ProcfsTaskState is the taskState of a process observed from userspace, as
// used by the fanotify fallback runner. The in-kernel probes read the
// current task's cgroup subsystem state directly; out here the same
// information comes from the process's procfs cgroup file.
type procfsTaskState struct {
	pid      uint32
	tgid     uint32
	procRoot string
}

func newProcfsTaskState(pid, tgid uint32, procRoot string) *procfsTaskState {
	return &procfsTaskState{
		pid:      pid,
		tgid:     tgid,
		procRoot: procRoot,
	}
}

func (s *procfsTaskState) pidTGID() (pid uint32, tgid uint32) {
	return s.pid, s.tgid
}

func (s *procfsTaskState) cgroupName(buf []byte) (int, error) {
	return readCgroupName(s.procRoot, s.tgid, buf)
}

// ReadCgroupName copies the cgroup path of the given process into buf and
// returns the number of bytes copied, truncating to the buffer bound. The
// unified (v2) hierarchy entry is preferred; the first named hierarchy is
// used on pure-v1 hosts. A cgroup file with no usable entry yields an empty
// name, which is not an error. A missing or unreadable file is one: the
// process is gone or otherwise unobservable.
//
// Each line of the procfs cgroup file is "hierarchy-id:controllers:/path";
// the v2 entry is "0::/path".
func readCgroupName(procRoot string, tgid uint32, buf []byte) (int, error) {
	path := filepath.Join(procRoot, fmt.Sprintf("%d", tgid), "cgroup")

	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening procfs cgroup file: %w", err)
	}
	defer file.Close()

	name := ""
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		id, _, cgroupPath, ok := splitCgroupLine(scanner.Text())
		if !ok {
			continue
		}

		if id == "0" { // Unified hierarchy, authoritative when present
			name = cgroupPath
			break
		}

		if name == "" {
			name = cgroupPath
		}
	}

	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("reading procfs cgroup file: %w", err)
	}

	return copy(buf, name), nil
}

func splitCgroupLine(line string) (id, controllers, path string, ok bool) {
	fields := strings.SplitN(line, ":", 3)
	if len(fields) != 3 {
		return "", "", "", false
	}

	return fields[0], fields[1], fields[2], true
}
