package main

// OpenEventRunner is an interface which describes objects which install a
// file-open observation strategy and then deliver its raw records to the
// eventer. Open event records and process-exit ("zombie") records arrive on
// separate channels, demultiplexed by buffer identity; counts of records the
// strategy had to drop arrive on a third. The runner also exposes the shared
// process table for the userspace side of the work: joining an open event's
// process id to its cgroup name, and reclaiming the record of an exited
// process once its zombie notification has been handled (the probes only
// mark and notify - deletion is this side's responsibility).
type openEventRunner interface {
	run() error
	openEventChannel() <-chan []byte
	zombieEventChannel() <-chan []byte
	droppedEventCountChannel() <-chan uint64
	cgroupName(pid uint32) (string, bool)
	removeProcess(pid uint32) error
	close() error
}
