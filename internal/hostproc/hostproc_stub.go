//go:build !linux

package hostproc

import "errors"

// ErrNoIntercept is returned for interception attempts on a live process.
var ErrNoIntercept = errors.New("hostproc: cannot intercept in a live process")

var errUnsupported = errors.New("hostproc: live process host requires linux")

// LiveHost is only functional on linux.
type LiveHost struct{}

// New returns a host over the current process.
func New() *LiveHost { return &LiveHost{} }

func (h *LiveHost) FindExport(name string) (uint64, bool) { return 0, false }

func (h *LiveHost) CallEnum(addr uint64) (uint64, uint64, error) {
	return 0, 0, errUnsupported
}

func (h *LiveHost) ReadMem(addr, size uint64) ([]byte, error) { return nil, errUnsupported }

func (h *LiveHost) ReadCString(addr uint64) (string, error) { return "", errUnsupported }

func (h *LiveHost) InterceptLoad(addr uint64, fn func(base, namePtr uint64)) error {
	return ErrNoIntercept
}

func (h *LiveHost) ClearInterceptLoad(addr uint64) {}
