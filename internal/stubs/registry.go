// Package stubs provides a registry for self-registering hook
// implementations. Each stub package uses init() to register its hooks;
// Install then claims the loader's synthesized import thunks by symbol name.
package stubs

import (
	"fmt"
	"sync"

	"github.com/tarsierlabs/tarsier/internal/emulator"
	tlog "github.com/tarsierlabs/tarsier/internal/log"
	"go.uber.org/zap"
)

// HookFunc is the signature for stub hook functions.
// Returns true to stop emulation, false to continue.
type HookFunc func(emu *emulator.Emulator) bool

// StubDef defines a stub with its symbol name and hook function.
type StubDef struct {
	Name     string   // Symbol name (e.g., "malloc", "dlopen")
	Aliases  []string // Alternative symbol names
	Hook     HookFunc
	Category string // For logging: "libc", "dl", ...
}

// Registry holds all registered stub definitions.
type Registry struct {
	mu    sync.RWMutex
	stubs map[string]*StubDef // symbol name -> stub definition

	// OnCall receives every stub invocation, for trace collection.
	OnCall func(category, name, detail string)

	// Emulator reference (set during Install)
	emu *emulator.Emulator
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// Debug enables verbose logging during registration and installation.
var Debug = false

// NewRegistry creates a new stub registry.
func NewRegistry() *Registry {
	return &Registry{
		stubs: make(map[string]*StubDef),
	}
}

// Register adds a stub definition to the registry.
// Called from init() functions in stub packages.
func (r *Registry) Register(def StubDef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stubs[def.Name] = &def
	for _, alias := range def.Aliases {
		r.stubs[alias] = &def
	}

	if Debug && tlog.L != nil {
		tlog.L.Debug("registered",
			zap.String("cat", def.Category),
			zap.String("fn", def.Name),
			zap.Strings("aliases", def.Aliases),
		)
	}
}

// RegisterFunc is a convenience method to register a simple stub.
func (r *Registry) RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	r.Register(StubDef{
		Name:     name,
		Aliases:  aliases,
		Hook:     hook,
		Category: category,
	})
}

// Install hooks registered stubs at their import thunk addresses. Imports
// with no registered stub keep the loader's return-0 fallback hook.
// Returns the number of hooks installed.
func (r *Registry) Install(emu *emulator.Emulator, imports map[string]uint64) int {
	r.mu.Lock()
	r.emu = emu
	r.mu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()

	installed := 0
	seen := make(map[uint64]bool) // aliases can share one thunk

	for name, def := range r.stubs {
		addr, ok := imports[name]
		if !ok || addr == 0 || seen[addr] {
			continue
		}
		seen[addr] = true

		stub := def
		emu.HookAddress(addr, func(e *emulator.Emulator) bool {
			return stub.Hook(e)
		})
		installed++

		if Debug && tlog.L != nil {
			tlog.L.StubInstall(def.Category, name, addr, "import")
		}
	}
	return installed
}

// GetEmulator returns the emulator reference.
func (r *Registry) GetEmulator() *emulator.Emulator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emu
}

// Log calls the OnCall callback and logs via zap.
// This is the primary method for stubs to report their activity.
func (r *Registry) Log(category, name, detail string) {
	r.mu.RLock()
	cb := r.OnCall
	emu := r.emu
	r.mu.RUnlock()

	// Return address of the stub call
	var pc uint64
	if emu != nil {
		pc = emu.LR()
	}

	if cb != nil {
		cb(category, name, detail)
	}

	if tlog.L != nil {
		tlog.L.Trace(pc, category, name, detail)
	}
}

// Count returns the number of registered stubs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stubs)
}

// List returns all registered stub names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.stubs))
	seen := make(map[string]bool)
	for _, def := range r.stubs {
		if seen[def.Name] {
			continue
		}
		seen[def.Name] = true
		names = append(names, def.Name)
	}
	return names
}

// Convenience functions for the default registry

// Register adds a stub to the default registry.
func Register(def StubDef) {
	DefaultRegistry.Register(def)
}

// RegisterFunc adds a simple stub to the default registry.
func RegisterFunc(category, name string, hook HookFunc, aliases ...string) {
	DefaultRegistry.RegisterFunc(category, name, hook, aliases...)
}

// Install hooks all stubs in the default registry.
func Install(emu *emulator.Emulator, imports map[string]uint64) int {
	return DefaultRegistry.Install(emu, imports)
}

// Helper functions for stubs

// ReturnFromStub sets PC to LR to return from the current function.
func ReturnFromStub(emu *emulator.Emulator) {
	emu.SetPC(emu.LR())
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats a name=value pair.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint64, name2 string, val2 uint64) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
