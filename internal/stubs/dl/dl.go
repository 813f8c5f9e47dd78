// Package dl provides dlopen/dlsym/dlclose/dlerror stubs backed by the real
// loader. A guest dlopen maps the requested library for real: segments,
// dependencies, relocations and the registry entry, load event included.
package dl

import (
	"path/filepath"
	"sync"

	"github.com/tarsierlabs/tarsier/internal/emulator"
	"github.com/tarsierlabs/tarsier/internal/loader"
	"github.com/tarsierlabs/tarsier/internal/stubs"
)

var (
	mu        sync.Mutex
	ldr       *loader.Loader
	lastError string
)

func init() {
	stubs.Register(stubs.StubDef{Name: "dlopen", Aliases: []string{"__dlopen", "android_dlopen_ext"}, Hook: stubDlopen, Category: "dl"})
	stubs.Register(stubs.StubDef{Name: "dlsym", Aliases: []string{"__dlsym"}, Hook: stubDlsym, Category: "dl"})
	stubs.Register(stubs.StubDef{Name: "dlclose", Hook: stubDlclose, Category: "dl"})
	stubs.Register(stubs.StubDef{Name: "dlerror", Hook: stubDlerror, Category: "dl"})
}

// Bind attaches the loader that dlopen and dlsym operate on. Unbound, every
// dlopen fails the way a sandboxed linker would.
func Bind(l *loader.Loader) {
	mu.Lock()
	defer mu.Unlock()
	ldr = l
}

func setError(msg string) {
	mu.Lock()
	lastError = msg
	mu.Unlock()
}

func stubDlopen(emu *emulator.Emulator) bool {
	pathPtr := emu.X(0)

	path, err := emu.MemReadString(pathPtr, 4096)
	if err != nil || path == "" {
		setError("dlopen: invalid filename")
		stubs.DefaultRegistry.Log("dl", "dlopen", "invalid filename")
		emu.SetX(0, 0)
		stubs.ReturnFromStub(emu)
		return false
	}

	mu.Lock()
	l := ldr
	mu.Unlock()

	handle := uint64(0)
	if l == nil {
		setError("dlopen: no loader available")
	} else if lib, err := open(l, path); err != nil {
		setError("dlopen: " + err.Error())
	} else {
		handle = lib.Base
		setError("")
	}

	stubs.DefaultRegistry.Log("dl", "dlopen",
		path+" "+stubs.FormatPtr("->", handle))
	emu.SetX(0, handle)
	stubs.ReturnFromStub(emu)
	return false
}

// open loads path (already loaded libraries are reused), resolves its
// dependency graph and relocates everything, then claims any new import
// thunks for the registered stubs.
func open(l *loader.Loader, path string) (*loader.Library, error) {
	name := filepath.Base(path)
	if lib, ok := l.ByName(name); ok {
		return lib, nil
	}

	var lib *loader.Library
	var err error
	if filepath.IsAbs(path) {
		lib, err = l.Load(path)
	} else {
		lib, err = l.LoadFromName(path)
	}
	if err != nil {
		return nil, err
	}
	if err := lib.LoadDependencies(); err != nil {
		return nil, err
	}
	if err := lib.Initialize(); err != nil {
		return nil, err
	}

	stubs.Install(l.Emulator(), l.ImportStubs())
	return lib, nil
}

func stubDlsym(emu *emulator.Emulator) bool {
	handle := emu.X(0)
	name, err := emu.MemReadString(emu.X(1), 4096)

	mu.Lock()
	l := ldr
	mu.Unlock()

	addr := uint64(0)
	if err != nil || name == "" {
		setError("dlsym: invalid symbol name")
	} else if l == nil {
		setError("dlsym: no loader available")
	} else if a, ok := lookup(l, handle, name); ok {
		addr = a
		setError("")
	} else {
		setError("dlsym: undefined symbol " + name)
	}

	stubs.DefaultRegistry.Log("dl", "dlsym",
		name+" "+stubs.FormatPtr("->", addr))
	emu.SetX(0, addr)
	stubs.ReturnFromStub(emu)
	return false
}

// lookup resolves name against the handle's library, or globally for a nil
// handle (RTLD_DEFAULT).
func lookup(l *loader.Loader, handle uint64, name string) (uint64, bool) {
	if handle == 0 {
		return l.FindExport(name)
	}
	for _, lib := range l.Libraries() {
		if lib.Base == handle {
			return lib.Symbol(name)
		}
	}
	return 0, false
}

func stubDlclose(emu *emulator.Emulator) bool {
	// Libraries stay mapped for the lifetime of the session.
	stubs.DefaultRegistry.Log("dl", "dlclose", stubs.FormatPtr("handle", emu.X(0)))
	emu.SetX(0, 0)
	stubs.ReturnFromStub(emu)
	return false
}

func stubDlerror(emu *emulator.Emulator) bool {
	mu.Lock()
	msg := lastError
	lastError = ""
	mu.Unlock()

	ptr := uint64(0)
	if msg != "" {
		ptr = emu.Malloc(uint64(len(msg)) + 1)
		emu.MemWriteString(ptr, msg)
	}

	emu.SetX(0, ptr)
	stubs.ReturnFromStub(emu)
	return false
}
