// Package script embeds a JavaScript runtime for driving the bridge.
// Scripts enumerate mapped libraries and subscribe to load events without
// recompiling the tool.
package script

import (
	"fmt"
	"os"

	"github.com/dop251/goja"
	"github.com/tarsierlabs/tarsier/internal/bridge"
	tlog "github.com/tarsierlabs/tarsier/internal/log"
)

// Runtime binds one goja VM to one bridge. Not safe for concurrent use;
// scripts, observers and enumeration all run on the caller's goroutine.
type Runtime struct {
	vm  *goja.Runtime
	br  *bridge.Bridge
	log *tlog.Logger
}

// New creates a runtime with the bridge API installed:
//
//	getMappedLibs()          -> [{base, name}, ...]
//	onMappedLibLoad(fn)      -> fn({base, name}) on every load event
//	clearMappedLibObserver()
//	log(msg)
func New(br *bridge.Bridge, logger *tlog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = tlog.NewNop()
	}
	r := &Runtime{vm: goja.New(), br: br, log: logger}
	r.vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	if err := r.install(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runtime) install() error {
	binds := map[string]interface{}{
		"getMappedLibs":          r.jsGetMappedLibs,
		"onMappedLibLoad":        r.jsOnMappedLibLoad,
		"clearMappedLibObserver": r.jsClearObserver,
		"log":                    r.jsLog,
	}
	for name, fn := range binds {
		if err := r.vm.Set(name, fn); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runtime) libValue(m bridge.MappedLib) goja.Value {
	obj := r.vm.NewObject()
	obj.Set("base", m.Base)
	obj.Set("name", m.Name)
	return obj
}

func (r *Runtime) jsGetMappedLibs() goja.Value {
	libs, err := r.br.MappedLibs()
	if err != nil {
		panic(r.vm.NewGoError(err))
	}
	out := make([]goja.Value, len(libs))
	for i, lib := range libs {
		out[i] = r.libValue(lib)
	}
	return r.vm.ToValue(out)
}

func (r *Runtime) jsOnMappedLibLoad(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(r.vm.NewTypeError("onMappedLibLoad expects a function"))
	}
	err := r.br.SetObserver(func(m bridge.MappedLib) {
		if _, err := fn(goja.Undefined(), r.libValue(m)); err != nil {
			r.log.Warn("load observer script error: " + err.Error())
		}
	})
	if err != nil {
		panic(r.vm.NewGoError(err))
	}
	return goja.Undefined()
}

func (r *Runtime) jsClearObserver() {
	r.br.ClearObserver()
}

func (r *Runtime) jsLog(msg goja.Value) {
	fmt.Fprintln(os.Stderr, msg.String())
}

// Run executes src and returns its completion value.
func (r *Runtime) Run(src string) (goja.Value, error) {
	return r.vm.RunString(src)
}

// RunFile executes a script file.
func (r *Runtime) RunFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if _, err := r.vm.RunScript(path, string(src)); err != nil {
		return fmt.Errorf("run %s: %w", path, err)
	}
	return nil
}
