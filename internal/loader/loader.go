// Package loader maps ARM64 shared objects into the emulated host process.
//
// It reimplements the userspace side of the dynamic loader: segment mapping,
// DT_NEEDED dependency resolution, symbol overrides and eager relocation.
// Every successfully mapped library is entered into the debug registry, which
// exposes the jni_loader_iter_libs / jni_loader_lib_loaded entry points that
// instrumentation attaches to.
package loader

import (
	"debug/elf"
	"fmt"
	"path/filepath"

	"github.com/tarsierlabs/tarsier/internal/emulator"
	tlog "github.com/tarsierlabs/tarsier/internal/log"
	"go.uber.org/zap"
)

// LoadBase is the base address for the first loaded library. Libraries are
// placed one after another with a guard gap in between.
const LoadBase = 0x40000000

// loadAlign is the alignment for library base addresses.
const loadAlign = 0x10000

// loadGap leaves unmapped space between libraries so stray pointers fault.
const loadGap = 0x10000

// UndefinedSymbolValue is written for symbols explicitly overridden to nothing.
// Calls through it fault immediately with a recognizable address.
const UndefinedSymbolValue = 0xBABECAFE

// Loader owns the emulated address space layout and the set of mapped
// libraries.
type Loader struct {
	emu *emulator.Emulator
	log *tlog.Logger

	// ExtraPaths take priority over the standard search order.
	ExtraPaths []string

	nextBase uint64
	libs     []*Library
	byBase   map[uint64]*Library
	byName   map[string]*Library

	// Synthesized thunks for imports nothing resolved. One per symbol name,
	// shared by all libraries, so stub hooks apply process-wide.
	importStubs map[string]uint64

	debug *DebugInterface
}

// New creates a loader over the given emulator.
func New(emu *emulator.Emulator, logger *tlog.Logger) (*Loader, error) {
	if logger == nil {
		logger = tlog.NewNop()
	}
	ldr := &Loader{
		emu:         emu,
		log:         logger,
		nextBase:    LoadBase,
		byBase:      make(map[uint64]*Library),
		byName:      make(map[string]*Library),
		importStubs: make(map[string]uint64),
	}
	debug, err := newDebugInterface(emu, logger)
	if err != nil {
		return nil, fmt.Errorf("install debug interface: %w", err)
	}
	ldr.debug = debug
	return ldr, nil
}

// Emulator returns the emulator the loader maps into.
func (l *Loader) Emulator() *emulator.Emulator {
	return l.emu
}

// Debug returns the loader's debug interface.
func (l *Loader) Debug() *DebugInterface {
	return l.debug
}

// Libraries returns all mapped libraries in load order.
func (l *Loader) Libraries() []*Library {
	return append([]*Library{}, l.libs...)
}

// ByName returns a previously loaded library by file name.
func (l *Loader) ByName(name string) (*Library, bool) {
	lib, ok := l.byName[name]
	return lib, ok
}

// ImportStubs returns the synthesized thunk addresses for unresolved imports,
// keyed by symbol name. Stub implementations hook these.
func (l *Loader) ImportStubs() map[string]uint64 {
	out := make(map[string]uint64, len(l.importStubs))
	for name, addr := range l.importStubs {
		out[name] = addr
	}
	return out
}

// FindExport resolves a host entry point by name: the loader's own debug
// exports first, then symbols of mapped libraries in load order.
func (l *Loader) FindExport(name string) (uint64, bool) {
	if addr, ok := l.debug.Export(name); ok {
		return addr, true
	}
	for _, lib := range l.libs {
		if addr, ok := lib.Symbols[name]; ok {
			return addr, true
		}
	}
	return 0, false
}

// Library represents one mapped shared object.
type Library struct {
	Path  string
	Name  string
	Base  uint64 // load base after relocation
	End   uint64
	Entry uint64

	// Symbols maps defined symbol names to relocated addresses.
	Symbols map[string]uint64

	img       *image
	deps      map[string]*Library // DT_NEEDED name -> library; nil entry = explicitly absent
	overrides map[string]uint64

	loadedDeps  bool
	initialized bool
	resolving   bool // breaks cycles during global symbol search

	ldr *Loader
}

// Load maps a shared object into the emulator and registers it with the debug
// interface. Dependencies are not loaded and relocations are not applied; see
// LoadDependencies and Initialize.
func (l *Loader) Load(path string) (*Library, error) {
	img, err := parseELF(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	base := l.nextBase
	size := img.fileEnd - img.fileBase
	alignedSize := (size + loadAlign - 1) &^ uint64(loadAlign-1)
	l.nextBase = base + alignedSize + loadGap

	// Shared objects commonly carry e_entry == 0; relocating that past a
	// nonzero first segment vaddr would wrap below the load base.
	entry := uint64(0)
	if img.entry != 0 {
		entry = img.entry - img.fileBase + base
	}

	lib := &Library{
		Path:      path,
		Name:      filepath.Base(path),
		Base:      base,
		End:       base + size,
		Entry:     entry,
		Symbols:   make(map[string]uint64, len(img.symbols)),
		img:       img,
		deps:      make(map[string]*Library),
		overrides: make(map[string]uint64),
		ldr:       l,
	}

	if err := l.mapSegments(lib); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	for name, vaddr := range img.symbols {
		lib.Symbols[name] = lib.reloc(vaddr)
	}

	l.libs = append(l.libs, lib)
	l.byBase[lib.Base] = lib
	l.byName[lib.Name] = lib

	l.log.LibMapped(lib.Name, lib.Base, lib.End)

	// Enter the registry and fire the load-event entry point. Interceptors
	// hooked on jni_loader_lib_loaded run synchronously inside this call.
	if err := l.debug.Add(lib.Base, lib.Name); err != nil {
		return nil, fmt.Errorf("load %s: announce: %w", path, err)
	}

	return lib, nil
}

// LoadFromName locates a library by name using the search order and loads it.
func (l *Loader) LoadFromName(name string) (*Library, error) {
	path, ok := LocateLibrary(name, l.ExtraPaths)
	if !ok {
		return nil, fmt.Errorf("load %s: library not found", name)
	}
	return l.Load(path)
}

// mapSegments maps PT_LOAD segments into emulator memory at the library base.
func (l *Loader) mapSegments(lib *Library) error {
	const pageSize = uint64(0x1000)

	for _, seg := range lib.img.segments {
		loadVAddr := lib.reloc(seg.VAddr)

		alignedAddr := loadVAddr &^ (pageSize - 1)
		alignedEnd := (loadVAddr + seg.MemSz + pageSize - 1) &^ (pageSize - 1)

		// Map memory (ignore error if already mapped)
		_ = l.emu.MapRegion(alignedAddr, alignedEnd-alignedAddr)

		if len(seg.Data) > 0 {
			if err := l.emu.MemWrite(loadVAddr, seg.Data); err != nil {
				return fmt.Errorf("write segment at 0x%x: %w", loadVAddr, err)
			}
		}

		// Zero out .bss portion (memory size > file size)
		if seg.MemSz > seg.Size {
			zeros := make([]byte, seg.MemSz-seg.Size)
			_ = l.emu.MemWrite(loadVAddr+seg.Size, zeros)
		}
	}
	return nil
}

// reloc translates a file virtual address to a mapped address.
func (lib *Library) reloc(vaddr uint64) uint64 {
	return lib.Base - lib.img.fileBase + vaddr
}

// Needed returns the library's DT_NEEDED dependency names.
func (lib *Library) Needed() []string {
	return append([]string{}, lib.img.needed...)
}

// AddDependency pins a dependency by name. Passing nil marks the dependency
// as deliberately absent so LoadDependencies will not search for it.
func (lib *Library) AddDependency(name string, dep *Library) {
	lib.deps[name] = dep
}

// LoadDependencies resolves DT_NEEDED entries: pinned dependencies are kept,
// the rest are located using the search order (the library's own directory
// and DT_RUNPATH included) and loaded. Dependencies load their own
// dependencies in turn. Missing libraries are recorded as absent and logged,
// not fatal, matching ld.so's behavior only at symbol-resolution time.
func (lib *Library) LoadDependencies() error {
	if lib.loadedDeps {
		return nil
	}
	lib.loadedDeps = true

	parentDir := filepath.Dir(lib.Path)
	for _, name := range lib.img.needed {
		if _, ok := lib.deps[name]; ok {
			continue
		}
		if loaded, ok := lib.ldr.byName[name]; ok {
			lib.deps[name] = loaded
			continue
		}
		path, ok := locateLibrary(name, lib.ldr.ExtraPaths, parentDir, lib.img.runpath)
		if !ok {
			lib.ldr.log.Debug("dependency not found",
				tlog.Lib(lib.Name), zap.String("needed", name))
			lib.deps[name] = nil
			continue
		}
		dep, err := lib.ldr.Load(path)
		if err != nil {
			return fmt.Errorf("dependency %s: %w", name, err)
		}
		lib.deps[name] = dep
		if err := dep.LoadDependencies(); err != nil {
			return err
		}
	}
	return nil
}

// OverrideSymbol forces a symbol to resolve to addr for this library's
// relocations. Overriding to 0 resolves it to a faulting placeholder.
func (lib *Library) OverrideSymbol(name string, addr uint64) {
	if addr == 0 {
		addr = UndefinedSymbolValue
	}
	lib.overrides[name] = addr
	lib.ldr.log.Debug("override",
		tlog.Lib(lib.Name), tlog.Fn(name), tlog.Addr(addr))
}

// Initialize applies relocations, dependencies first. Idempotent.
func (lib *Library) Initialize() error {
	if lib.initialized {
		return nil
	}
	lib.initialized = true

	for name, dep := range lib.deps {
		if dep == nil {
			continue
		}
		if err := dep.Initialize(); err != nil {
			return fmt.Errorf("initialize dependency %s: %w", name, err)
		}
	}

	return lib.applyRelocations()
}

// Symbol resolves a symbol by name: locally first, then across dependencies.
// The returned address is ready to Call.
func (lib *Library) Symbol(name string) (uint64, bool) {
	if addr, ok := lib.Symbols[name]; ok {
		return addr, true
	}
	return lib.findGlobal(name)
}

// findGlobal searches the dependency graph breadth-first-ish: each dep's own
// symbols, then its dependencies. The resolving flag breaks cycles.
func (lib *Library) findGlobal(name string) (uint64, bool) {
	if lib.resolving {
		return 0, false
	}
	lib.resolving = true
	defer func() { lib.resolving = false }()

	for _, dep := range lib.deps {
		if dep == nil {
			continue
		}
		if addr, ok := dep.Symbols[name]; ok {
			return addr, true
		}
		if addr, ok := dep.findGlobal(name); ok {
			return addr, true
		}
	}
	return 0, false
}

// resolveReloc resolves the symbol a relocation refers to.
func (lib *Library) resolveReloc(sym elf.Symbol) uint64 {
	name := stripVersion(sym.Name)

	if name != "" {
		if addr, ok := lib.overrides[name]; ok {
			return addr
		}
	}

	if sym.Value != 0 {
		return lib.reloc(sym.Value)
	}

	if name == "" {
		return 0
	}

	// External symbols with a host-provided home
	if name == "__stack_chk_guard" {
		return lib.ldr.emu.StackGuardAddr()
	}

	if addr, ok := lib.findGlobal(name); ok {
		return addr
	}

	// Nothing defines it: route through a synthesized import thunk so stub
	// implementations can claim it by name.
	return lib.ldr.importStub(name)
}

// importStub returns the process-wide thunk for an unresolved import,
// creating it with a logging return-0 fallback on first use.
func (l *Loader) importStub(name string) uint64 {
	if addr, ok := l.importStubs[name]; ok {
		return addr
	}
	addr, err := l.emu.AllocStub()
	if err != nil {
		// Stub region exhausted; fault instead.
		l.log.Error("import stub allocation failed", tlog.Fn(name), zap.Error(err))
		return UndefinedSymbolValue
	}
	l.importStubs[name] = addr

	symName := name
	l.emu.HookAddress(addr, func(e *emulator.Emulator) bool {
		l.log.StubFallback(symName)
		e.SetX(0, 0)
		e.SetPC(e.LR())
		return false
	})
	l.log.StubInstall("import", name, addr, "fallback")
	return addr
}

// applyRelocations processes the AArch64 relocations collected at parse time.
func (lib *Library) applyRelocations() error {
	emu := lib.ldr.emu
	relocOffset := lib.Base - lib.img.fileBase

	for _, rel := range lib.img.relocs {
		targetAddr := rel.Offset + relocOffset

		switch rel.Type {
		case R_AARCH64_RELATIVE:
			// *target = base + addend
			if err := emu.MemWriteU64(targetAddr, addAddend(relocOffset, rel.Addend)); err != nil {
				return fmt.Errorf("relocate 0x%x: %w", targetAddr, err)
			}

		case R_AARCH64_GLOB_DAT, R_AARCH64_JUMP_SLOT:
			sym, ok := lib.img.dynSymbol(rel.SymIdx)
			if !ok {
				continue
			}
			resolved := lib.resolveReloc(sym)
			if resolved == 0 {
				continue
			}
			if err := emu.MemWriteU64(targetAddr, resolved); err != nil {
				return fmt.Errorf("relocate 0x%x: %w", targetAddr, err)
			}

		case R_AARCH64_ABS64:
			sym, ok := lib.img.dynSymbol(rel.SymIdx)
			if !ok {
				if rel.Addend > 0 {
					_ = emu.MemWriteU64(targetAddr, addAddend(relocOffset, rel.Addend))
				}
				continue
			}
			resolved := lib.resolveReloc(sym)
			if resolved == 0 {
				continue
			}
			if err := emu.MemWriteU64(targetAddr, addAddend(resolved, rel.Addend)); err != nil {
				return fmt.Errorf("relocate 0x%x: %w", targetAddr, err)
			}

		default:
			lib.ldr.log.Debug("unhandled relocation",
				tlog.Lib(lib.Name),
				zap.Uint32("type", rel.Type),
				tlog.Addr(targetAddr))
		}
	}
	return nil
}

func addAddend(addr uint64, addend int64) uint64 {
	if addend < 0 {
		return addr - uint64(-addend)
	}
	return addr + uint64(addend)
}
