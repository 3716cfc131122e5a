package main

import (
	"bytes"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Kernel version which introduced the BPF ring buffer map type
const (
	ringBufMinMajor = 5
	ringBufMinMinor = 8
)

// StreamingBufferProber is an interface which describes objects which decide,
// once at load time, whether the kernel offers the modern streaming (ring)
// buffer for event delivery. The answer is a capability flag resolved before
// the BPF object is loaded and read thereafter; it is never re-evaluated per
// event.
type streamingBufferProber interface {
	supportsStreamingBuffer() bool
}

// KernelReleaseProber answers the streaming buffer question from the running
// kernel's release string. An unparseable release is treated as lacking the
// capability: the legacy per-CPU buffer works everywhere.
type kernelReleaseProber struct {
	logger *zap.Logger
}

func newKernelReleaseProber(logger *zap.Logger) *kernelReleaseProber {
	return &kernelReleaseProber{logger}
}

func (p *kernelReleaseProber) supportsStreamingBuffer() bool {
	var utsname unix.Utsname
	if err := unix.Uname(&utsname); err != nil {
		p.logger.Warn("reading kernel release", zap.Error(err))
		return false
	}

	release := string(utsname.Release[:bytes.IndexByte(utsname.Release[:], 0)])

	major, minor, ok := parseKernelRelease(release)
	if !ok {
		p.logger.Warn("unparseable kernel release", zap.String("release", release))
		return false
	}

	return major > ringBufMinMajor ||
		(major == ringBufMinMajor && minor >= ringBufMinMinor)
}

// ParseKernelRelease extracts the major and minor version from a kernel
// release string such as "5.15.0-89-generic".
func parseKernelRelease(release string) (major, minor int, ok bool) {
	fields := strings.SplitN(release, ".", 3)
	if len(fields) < 2 {
		return 0, 0, false
	}

	major, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, false
	}

	// The minor component may carry a trailing qualifier (e.g. "10-rc1")
	minorField, _, _ := strings.Cut(fields[1], "-")
	minor, err = strconv.Atoi(minorField)
	if err != nil {
		return 0, 0, false
	}

	return major, minor, true
}
