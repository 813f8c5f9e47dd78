package hostproc

import "testing"

func TestEnumCallbackAllocatedOnce(t *testing.T) {
	h := New()

	first := h.enumCallback()
	if first == 0 {
		t.Fatalf("callback not allocated")
	}

	// Repeated enumerations must reuse the same native callback; purego
	// never frees them and panics once the process-wide cap is hit.
	for i := 0; i < 3000; i++ {
		if cb := h.enumCallback(); cb != first {
			t.Fatalf("call %d allocated a new callback: %#x then %#x", i, first, cb)
		}
	}
}
