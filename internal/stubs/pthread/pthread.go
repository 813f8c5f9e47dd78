// Package pthread provides stub implementations for pthread functions.
// Everything runs single-threaded under emulation, so locking is a no-op
// and TLS is a host-side map.
package pthread

import (
	"sync"

	"github.com/tarsierlabs/tarsier/internal/emulator"
	"github.com/tarsierlabs/tarsier/internal/stubs"
)

func init() {
	for _, name := range []string{
		"pthread_mutex_init", "pthread_mutex_destroy",
		"pthread_mutex_lock", "pthread_mutex_trylock", "pthread_mutex_unlock",
		"pthread_rwlock_init", "pthread_rwlock_destroy",
		"pthread_rwlock_rdlock", "pthread_rwlock_wrlock", "pthread_rwlock_unlock",
		"pthread_cond_init", "pthread_cond_destroy",
		"pthread_cond_signal", "pthread_cond_broadcast",
	} {
		stubs.RegisterFunc("pthread", name, stubSuccess)
	}

	stubs.RegisterFunc("pthread", "pthread_key_create", stubKeyCreate)
	stubs.RegisterFunc("pthread", "pthread_key_delete", stubKeyDelete)
	stubs.RegisterFunc("pthread", "pthread_setspecific", stubSetspecific)
	stubs.RegisterFunc("pthread", "pthread_getspecific", stubGetspecific)
	stubs.RegisterFunc("pthread", "pthread_once", stubOnce)
	stubs.RegisterFunc("pthread", "pthread_self", stubSelf)
}

// stubSuccess returns 0 for lock ops that cannot contend single-threaded.
func stubSuccess(emu *emulator.Emulator) bool {
	emu.SetX(0, 0)
	stubs.ReturnFromStub(emu)
	return false
}

var (
	tlsMu      sync.Mutex
	tlsData    = make(map[uint64]uint64)
	nextTLSKey uint64
	onceFlags  = make(map[uint64]bool)
)

func stubKeyCreate(emu *emulator.Emulator) bool {
	keyPtr := emu.X(0)

	tlsMu.Lock()
	key := nextTLSKey
	nextTLSKey++
	tlsMu.Unlock()

	if keyPtr != 0 {
		emu.MemWriteU64(keyPtr, key)
	}

	emu.SetX(0, 0)
	stubs.ReturnFromStub(emu)
	return false
}

func stubKeyDelete(emu *emulator.Emulator) bool {
	tlsMu.Lock()
	delete(tlsData, emu.X(0))
	tlsMu.Unlock()

	emu.SetX(0, 0)
	stubs.ReturnFromStub(emu)
	return false
}

func stubSetspecific(emu *emulator.Emulator) bool {
	tlsMu.Lock()
	tlsData[emu.X(0)] = emu.X(1)
	tlsMu.Unlock()

	emu.SetX(0, 0)
	stubs.ReturnFromStub(emu)
	return false
}

func stubGetspecific(emu *emulator.Emulator) bool {
	tlsMu.Lock()
	value := tlsData[emu.X(0)]
	tlsMu.Unlock()

	emu.SetX(0, value)
	stubs.ReturnFromStub(emu)
	return false
}

func stubOnce(emu *emulator.Emulator) bool {
	onceControl := emu.X(0)
	initRoutine := emu.X(1)

	tlsMu.Lock()
	alreadyCalled := onceFlags[onceControl]
	onceFlags[onceControl] = true
	tlsMu.Unlock()

	if !alreadyCalled && initRoutine != 0 {
		// Init routines are skipped under emulation.
		stubs.DefaultRegistry.Log("pthread", "pthread_once",
			stubs.FormatPtr("init_routine", initRoutine)+" (skipped)")
	}

	emu.SetX(0, 0)
	stubs.ReturnFromStub(emu)
	return false
}

func stubSelf(emu *emulator.Emulator) bool {
	emu.SetX(0, 1)
	stubs.ReturnFromStub(emu)
	return false
}
