package main

import (
	"fmt"
	"time"
)

// Event is a single observed file open: which process opened which absolute
// path, and which cgroup (container/workload) the process belonged to at the
// time. CgroupName is best-effort and empty when the open could not be
// attributed.
type Event struct {
	ID         string
	Time       time.Time
	PID        uint32
	Path       string
	CgroupName string
}

func (e *Event) String() string {
	return fmt.Sprintf("[%s (%s)] PID %d opened %q (cgroup %q)",
		e.ID,
		e.Time.Format(time.RFC3339Nano),
		e.PID,
		e.Path,
		e.CgroupName)
}

// Equal compares two events for semantic equality, ignoring the assigned ID.
func (e *Event) Equal(other *Event) bool {
	return e.Time.Equal(other.Time) &&
		e.PID == other.PID &&
		e.Path == other.Path &&
		e.CgroupName == other.CgroupName
}
