package colorize

import (
	"strings"
	"testing"

	"github.com/alecthomas/chroma/v2/styles"
)

func TestDisabledPassthrough(t *testing.T) {
	t.Setenv("TARSIER_NO_COLOR", "1")

	if got := Address(0x40000000); got != "40000000" {
		t.Errorf("Address: %q", got)
	}
	if got := Instruction("ret"); got != "ret" {
		t.Errorf("Instruction: %q", got)
	}
	if got := FuncName("dlopen"); got != "dlopen" {
		t.Errorf("FuncName: %q", got)
	}
}

func TestEnabledEmitsAnsi(t *testing.T) {
	t.Setenv("TARSIER_NO_COLOR", "")
	t.Setenv("NO_COLOR", "")

	if got := Address(0x40000000); !strings.Contains(got, "\033[") {
		t.Errorf("Address not colorized: %q", got)
	}
}

func TestDisasmStyleRegistered(t *testing.T) {
	if styles.Get("disasm-dark") == nil {
		t.Fatal("disasm-dark style not registered")
	}
}
