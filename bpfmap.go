package main

import (
	"unsafe"

	bpf "github.com/aquasecurity/libbpfgo"
)

// BPFMap is an interface which describes objects representing BPF key-value
// maps shared with the kernel. Lookup misses are reported as absence, not as
// errors, matching the best-effort contract of the maps this eventer reads.
type bpfMap interface {
	lookup(key []byte) ([]byte, bool)
	deleteKey(key []byte) error
	setAutocreate(autocreate bool) error
}

// LibBPFGoBPFMap is a wrapper around a libbpfgo BPFMap,
// allowing the API to simplified to simplify mocking.
type libBPFGoBPFMap struct {
	bpfMap *bpf.BPFMap
}

func newLibBPFGoBPFMap(bpfMap *bpf.BPFMap) *libBPFGoBPFMap {
	return &libBPFGoBPFMap{bpfMap}
}

// Lookup returns a copy of the value stored under the provided key, or false
// if no such entry exists (or the value could not be read - to this eventer
// the two are equivalent).
func (m *libBPFGoBPFMap) lookup(key []byte) ([]byte, bool) {
	value, err := m.bpfMap.GetValue(unsafe.Pointer(&key[0]))
	if err != nil {
		return nil, false
	}

	return value, true
}

// DeleteKey removes the entry stored under the provided key.
func (m *libBPFGoBPFMap) deleteKey(key []byte) error {
	return m.bpfMap.DeleteKey(unsafe.Pointer(&key[0]))
}

// SetAutocreate marks whether this map is to be created in the kernel when
// the containing object is loaded. Both buffer identities of each event kind
// are always declared in the object; only the selected one is created.
func (m *libBPFGoBPFMap) setAutocreate(autocreate bool) error {
	return m.bpfMap.SetAutocreate(autocreate)
}
