// Package bridge observes a host process's dynamic loader through its debug
// entry points.
//
// Two capabilities exist, each tied to one exported entry point:
// enumeration of the currently mapped libraries (jni_loader_iter_libs) and
// load-event interception (jni_loader_lib_loaded). A host missing an export
// loses that capability only; the other keeps working.
package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	tlog "github.com/tarsierlabs/tarsier/internal/log"
	"go.uber.org/zap"
)

// Entry point names looked up in the host.
const (
	ExportIterLibs  = "jni_loader_iter_libs"
	ExportLibLoaded = "jni_loader_lib_loaded"
)

// RecordSize is the stride of one registry record: u64 base address at
// offset 0, pointer to a NUL-terminated name at offset 8.
const RecordSize = 16

// maxRecords rejects absurd counts before a multiplication can overflow or
// a giant read can be attempted.
const maxRecords = 1 << 20

// ErrUnavailable reports that the host does not expose the entry point the
// requested capability needs.
var ErrUnavailable = errors.New("bridge: capability unavailable in host")

// MappedLib is one entry of the host loader's registry.
type MappedLib struct {
	Base uint64
	Name string
}

func (m MappedLib) String() string {
	return fmt.Sprintf("%s @ %s", m.Name, tlog.Hex(m.Base))
}

// Host abstracts the process whose loader is observed. Implementations exist
// for the emulated process and for the live process tarsier runs in.
type Host interface {
	// FindExport resolves an exported entry point by name.
	FindExport(name string) (uint64, bool)

	// CallEnum invokes the enumeration entry point at addr and returns the
	// record buffer pointer and count it delivered.
	CallEnum(addr uint64) (records, count uint64, err error)

	// ReadMem reads size bytes of host memory at addr.
	ReadMem(addr, size uint64) ([]byte, error)

	// ReadCString reads a NUL-terminated string from host memory.
	ReadCString(addr uint64) (string, error)

	// InterceptLoad arranges for fn to run on every invocation of the
	// load-event entry point at addr. Hosts that cannot patch code return
	// an error.
	InterceptLoad(addr uint64, fn func(base, namePtr uint64)) error

	// ClearInterceptLoad removes the interception installed at addr.
	ClearInterceptLoad(addr uint64)
}

// Bridge binds to one host. Discovery of the entry points happens once, on
// first use; a missing export is diagnosed once and the capability stays
// disabled for the bridge's lifetime.
type Bridge struct {
	host Host
	log  *tlog.Logger

	discover  sync.Once
	iterLibs  uint64
	libLoaded uint64
	iterOK    bool
	loadOK    bool

	mu           sync.Mutex
	observer     func(MappedLib)
	intercepting bool
}

// New creates a bridge over the given host. No host calls happen yet.
func New(host Host, logger *tlog.Logger) *Bridge {
	if logger == nil {
		logger = tlog.NewNop()
	}
	return &Bridge{host: host, log: logger}
}

func (b *Bridge) discoverExports() {
	b.discover.Do(func() {
		if addr, ok := b.host.FindExport(ExportIterLibs); ok {
			b.iterLibs, b.iterOK = addr, true
		} else {
			b.log.ExportMissing(ExportIterLibs)
		}
		if addr, ok := b.host.FindExport(ExportLibLoaded); ok {
			b.libLoaded, b.loadOK = addr, true
		} else {
			b.log.ExportMissing(ExportLibLoaded)
		}
	})
}

// CanEnumerate reports whether the enumeration entry point was found.
func (b *Bridge) CanEnumerate() bool {
	b.discoverExports()
	return b.iterOK
}

// CanIntercept reports whether the load-event entry point was found.
func (b *Bridge) CanIntercept() bool {
	b.discoverExports()
	return b.loadOK
}

// MappedLibs enumerates the host's mapped libraries. Each call produces a
// fresh snapshot; nothing is cached. Returns ErrUnavailable when the host
// has no enumeration entry point.
func (b *Bridge) MappedLibs() ([]MappedLib, error) {
	b.discoverExports()
	if !b.iterOK {
		return nil, ErrUnavailable
	}

	records, count, err := b.host.CallEnum(b.iterLibs)
	if err != nil {
		return nil, fmt.Errorf("enumerate: %w", err)
	}
	return b.decodeRecords(records, count)
}

// decodeRecords reads and validates count fixed-stride records at ptr.
func (b *Bridge) decodeRecords(ptr, count uint64) ([]MappedLib, error) {
	if count == 0 {
		return []MappedLib{}, nil
	}
	if count > maxRecords {
		return nil, fmt.Errorf("enumerate: implausible record count %d", count)
	}
	if ptr == 0 {
		return nil, fmt.Errorf("enumerate: nil record buffer for count %d", count)
	}

	buf, err := b.host.ReadMem(ptr, count*RecordSize)
	if err != nil {
		return nil, fmt.Errorf("enumerate: read %d records at 0x%x: %w", count, ptr, err)
	}

	libs := make([]MappedLib, 0, count)
	for i := uint64(0); i < count; i++ {
		rec := buf[i*RecordSize:]
		base := binary.LittleEndian.Uint64(rec)
		namePtr := binary.LittleEndian.Uint64(rec[8:])

		name := ""
		if namePtr != 0 {
			name, err = b.host.ReadCString(namePtr)
			if err != nil {
				// Keep the record; an unreadable name degrades to empty.
				b.log.Debug("unreadable library name",
					tlog.Addr(namePtr), zap.Error(err))
				name = ""
			}
		}
		libs = append(libs, MappedLib{Base: base, Name: name})
	}
	return libs, nil
}

// SetObserver registers fn for load events. A single slot exists: a second
// call replaces the first and only the latest observer sees events, each
// event exactly once. Returns ErrUnavailable when the host has no load-event
// entry point.
func (b *Bridge) SetObserver(fn func(MappedLib)) error {
	b.discoverExports()
	if !b.loadOK {
		return ErrUnavailable
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.observer = fn
	if b.intercepting {
		return nil
	}
	if err := b.host.InterceptLoad(b.libLoaded, b.onLibLoaded); err != nil {
		b.observer = nil
		return fmt.Errorf("intercept %s: %w", ExportLibLoaded, err)
	}
	b.intercepting = true
	return nil
}

// ClearObserver drops the current observer. Later load events are not
// delivered. Safe to call without an observer set.
func (b *Bridge) ClearObserver() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = nil
	if b.intercepting {
		b.host.ClearInterceptLoad(b.libLoaded)
		b.intercepting = false
	}
}

// onLibLoaded runs inside the host's load path. The observer runs
// synchronously here and must not call back into the bridge.
func (b *Bridge) onLibLoaded(base, namePtr uint64) {
	b.mu.Lock()
	fn := b.observer
	b.mu.Unlock()
	if fn == nil {
		return
	}

	name := ""
	if namePtr != 0 {
		s, err := b.host.ReadCString(namePtr)
		if err != nil {
			b.log.Debug("unreadable library name",
				tlog.Addr(namePtr), zap.Error(err))
		} else {
			name = s
		}
	}
	fn(MappedLib{Base: base, Name: name})
}
