package main

import bpf "github.com/aquasecurity/libbpfgo"

// BPFProgram is an interface which describes objects representing BPF
// programs. A program may be attached to a kernel tracepoint or to a kprobe,
// and may be marked to be skipped at object load time (used for probes which
// do not exist on older kernels).
type bpfProgram interface {
	attachTracepoint(category, name string) error
	attachKprobe(symbol string) error
	setAutoload(autoload bool) error
}

// LibBPFGoBPFProgram is a wrapper around a libbpfgo BPFProg,
// allowing the API to simplified to simplify mocking.
type libBPFGoBPFProgram struct {
	program *bpf.BPFProg
}

func newLibBPFGoBPFProgram(program *bpf.BPFProg) *libBPFGoBPFProgram {
	return &libBPFGoBPFProgram{program}
}

// AttachTracepoint attaches this program to the provided kernel tracepoint
// within the provided tracepoint category.
func (p *libBPFGoBPFProgram) attachTracepoint(category, name string) error {
	_, err := p.program.AttachTracepoint(category, name)
	return err
}

// AttachKprobe attaches this program to the kernel function with the
// provided symbol name.
func (p *libBPFGoBPFProgram) attachKprobe(symbol string) error {
	_, err := p.program.AttachKprobe(symbol)
	return err
}

// SetAutoload marks whether this program is to be loaded into the kernel
// when the containing object is loaded.
func (p *libBPFGoBPFProgram) setAutoload(autoload bool) error {
	return p.program.SetAutoload(autoload)
}
