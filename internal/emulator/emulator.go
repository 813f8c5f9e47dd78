// Package emulator provides ARM64 emulation using Unicorn Engine.
//
// The emulator plays the role of the host process: shared libraries are mapped
// into its address space by the loader and guest entry points are invoked with
// Call. It never spawns work of its own.
package emulator

import (
	"encoding/binary"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants
const (
	CodeBase  = 0x00010000
	CodeSize  = 0x01000000 // 16MB for raw code
	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB stack
	HeapBase  = 0x90000000
	HeapSize  = 0x10000000 // 256MB heap
	TLSBase   = 0xDEAC0000 // Thread Local Storage
	TLSSize   = 0x00010000 // 64KB TLS
	StubBase  = 0xF0000000 // Synthesized stub functions mapped here
	StubSize  = 0x00100000 // 1MB for stubs
)

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

// Emulator wraps Unicorn for ARM64 emulation
type Emulator struct {
	mu uc.Unicorn

	// Memory management
	heapPtr uint64 // Current heap allocation pointer
	stubPtr uint64 // Next free slot in the stub region

	// Hooks
	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	// Stop flag
	stopped bool

	// Running is set while Unicorn executes. Hooks that need to start a
	// fresh emulated call (Unicorn cannot nest Start) queue it instead.
	running  bool
	deferred []func()

	// Call parks LR here; a hook at this address ends the run
	callSentinel uint64
}

// retInsn is ARM64 RET (0xd65f03c0), little endian.
var retInsn = []byte{0xc0, 0x03, 0x5f, 0xd6}

// New creates a new ARM64 emulator
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		heapPtr:   HeapBase,
		stubPtr:   StubBase,
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	// Map memory regions
	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}

	// Set up internal hooks
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	// Call return sentinel: an executable RET whose hook stops the run
	sentinel, err := emu.AllocStub()
	if err != nil {
		mu.Close()
		return nil, err
	}
	emu.callSentinel = sentinel
	emu.addrHooks[sentinel] = func(e *Emulator) bool { return true }

	return emu, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{CodeBase, CodeSize, "code"},
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
		{TLSBase, TLSSize, "tls"},
		{StubBase, StubSize, "stubs"},
	}

	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	// Initialize stack pointer
	sp := uint64(StackBase + StackSize - 0x1000)
	if err := e.mu.RegWrite(uc.ARM64_REG_SP, sp); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	// Initialize TLS (Thread Local Storage)
	// TPIDR_EL0 is the thread pointer register on ARM64
	if err := e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase); err != nil {
		return fmt.Errorf("set TPIDR_EL0: %w", err)
	}

	zeros := make([]byte, 256)
	if err := e.mu.MemWrite(TLSBase, zeros); err != nil {
		return fmt.Errorf("init TLS: %w", err)
	}

	// Stack canary at TLS+0x28 (used by ARM64 stack protection).
	// Deterministic value for reproducible emulation.
	canary := uint64(0xDEADBEEFDEADBEEF)
	canaryBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(canaryBytes, canary)
	if err := e.mu.MemWrite(TLSBase+0x28, canaryBytes); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}

	return nil
}

// StackGuardAddr returns the address holding the stack canary value.
// __stack_chk_guard relocations are pointed here.
func (e *Emulator) StackGuardAddr() uint64 {
	return TLSBase + 0x28
}

// AllocStub reserves a 4-byte executable slot in the stub region and writes
// a RET instruction into it. Hook the returned address to give it behavior.
func (e *Emulator) AllocStub() (uint64, error) {
	if e.stubPtr+4 > StubBase+StubSize {
		return 0, fmt.Errorf("stub region exhausted")
	}
	addr := e.stubPtr
	e.stubPtr += 4
	if err := e.mu.MemWrite(addr, retInsn); err != nil {
		return 0, fmt.Errorf("write stub at 0x%x: %w", addr, err)
	}
	return addr, nil
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	// Code hook for tracing and address hooks
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		// Check for stop
		if e.stopped {
			e.mu.Stop()
			return
		}

		// Check address hooks first (protected by mutex)
		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		// Call user code hooks
		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)

	return err
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// LoadCode writes code at the code base
func (e *Emulator) LoadCode(code []byte) error {
	return e.mu.MemWrite(CodeBase, code)
}

// MapRegion maps additional memory
func (e *Emulator) MapRegion(addr, size uint64) error {
	return e.mu.MemMap(addr, size)
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU8 reads a single byte from memory
func (e *Emulator) MemReadU8(addr uint64) (uint8, error) {
	data, err := e.mu.MemRead(addr, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// MemWriteU8 writes a single byte to memory
func (e *Emulator) MemWriteU8(addr uint64, val uint8) error {
	return e.mu.MemWrite(addr, []byte{val})
}

// MemReadString reads a null-terminated string from memory
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	data, err := e.mu.MemRead(addr, uint64(maxLen))
	if err != nil {
		return "", err
	}

	// Find null terminator
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), nil
		}
	}
	return string(data), nil
}

// MemWriteString writes a null-terminated string to memory
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	data := append([]byte(s), 0)
	return e.mu.MemWrite(addr, data)
}

// RegRead reads a register value
func (e *Emulator) RegRead(reg int) (uint64, error) {
	return e.mu.RegRead(reg)
}

// RegWrite writes a register value
func (e *Emulator) RegWrite(reg int, val uint64) error {
	return e.mu.RegWrite(reg, val)
}

// X reads general-purpose register X0-X30
func (e *Emulator) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	val, _ := e.mu.RegRead(uc.ARM64_REG_X0 + n)
	return val
}

// SetX writes general-purpose register X0-X30
func (e *Emulator) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(uc.ARM64_REG_X0+n, val)
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_SP, val)
}

// LR returns the link register
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// Malloc allocates memory from the heap (bump allocator).
// Panics if heap is exhausted - this indicates a fundamental emulation problem.
func (e *Emulator) Malloc(size uint64) uint64 {
	// Align to 16 bytes
	size = (size + 15) & ^uint64(15)

	addr := e.heapPtr
	e.heapPtr += size

	if e.heapPtr >= HeapBase+HeapSize {
		panic("heap exhausted")
	}

	return addr
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// RemoveAddressHook removes an address hook
func (e *Emulator) RemoveAddressHook(addr uint64) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	delete(e.addrHooks, addr)
}

// Run starts emulation from addr
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	e.running = true
	err := e.mu.Start(start, end)
	e.running = false
	e.drainDeferred()
	return err
}

// RunFrom starts emulation from start until a hook stops it.
// Deferred work queued during the run stays queued; Run and Call drain it.
func (e *Emulator) RunFrom(start uint64) error {
	e.stopped = false
	e.running = true
	// Use 0 as end address to run until stop
	err := e.mu.Start(start, 0)
	e.running = false
	return err
}

// Running reports whether Unicorn is currently executing.
func (e *Emulator) Running() bool {
	return e.running
}

// Defer queues fn to run after the current emulation stops. Hooks use this
// for work that must start a fresh emulated call, which Unicorn cannot do
// while already running.
func (e *Emulator) Defer(fn func()) {
	e.deferred = append(e.deferred, fn)
}

func (e *Emulator) drainDeferred() {
	for len(e.deferred) > 0 {
		queue := e.deferred
		e.deferred = nil
		for _, fn := range queue {
			fn()
		}
	}
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}

// Call invokes a guest function synchronously: arguments go in X0..X7, LR is
// parked on the call sentinel, and emulation runs until the callee returns.
// The X0 value at return is the result. Not reentrant; callers must not Call
// from inside a hook.
func (e *Emulator) Call(addr uint64, args ...uint64) (uint64, error) {
	if len(args) > 8 {
		return 0, fmt.Errorf("call 0x%x: too many arguments (%d)", addr, len(args))
	}
	for i, a := range args {
		if err := e.SetX(i, a); err != nil {
			return 0, err
		}
	}
	if err := e.SetLR(e.callSentinel); err != nil {
		return 0, err
	}
	if err := e.RunFrom(addr); err != nil {
		return 0, fmt.Errorf("call 0x%x: %w", addr, err)
	}
	ret := e.X(0)
	// Deferred work may start calls of its own; the return value is
	// captured first so they cannot clobber it.
	e.drainDeferred()
	return ret, nil
}

// CallSentinel returns the address used as the synthetic return site for Call.
func (e *Emulator) CallSentinel() uint64 {
	return e.callSentinel
}

// ARM64 register constants (re-exported for convenience)
const (
	RegX0  = uc.ARM64_REG_X0
	RegX1  = uc.ARM64_REG_X1
	RegX2  = uc.ARM64_REG_X2
	RegX3  = uc.ARM64_REG_X3
	RegX4  = uc.ARM64_REG_X4
	RegX5  = uc.ARM64_REG_X5
	RegX6  = uc.ARM64_REG_X6
	RegX7  = uc.ARM64_REG_X7
	RegX29 = uc.ARM64_REG_X29 // Frame pointer
	RegX30 = uc.ARM64_REG_X30 // Link register (same as LR)
	RegSP  = uc.ARM64_REG_SP
	RegPC  = uc.ARM64_REG_PC
	RegLR  = uc.ARM64_REG_LR
)
