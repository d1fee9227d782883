package proc

import (
	"errors"
	"testing"
)

func nopInstall(bp *Breakpoint) error   { return nil }
func nopUninstall(bp *Breakpoint) error { return nil }

// hwInstall emulates the debug register slot allocation performed by a real
// install, without a tracee.
func hwInstall(m *breakpointMap) installBreakpointFn {
	return func(bp *Breakpoint) error {
		if !bp.hwSlotHeld {
			idx, err := m.freeHWIndex()
			if err != nil {
				return err
			}
			bp.hwIndex = idx
			bp.hwSlotHeld = true
		}
		return nil
	}
}

func TestBreakpointConflict(t *testing.T) {
	m := newBreakpointMap()

	if _, err := m.set(0x1000, SoftwareBreakpoint, nil, nopInstall); err != nil {
		t.Fatalf("first set: %v", err)
	}
	_, err := m.set(0x1000, SoftwareBreakpoint, nil, nopInstall)
	var exists BreakpointExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("expected BreakpointExistsError, got %v", err)
	}

	// same address, different kind is not a conflict
	if _, err := m.set(0x1000, HardwareBreakpoint, nil, hwInstall(&m)); err != nil {
		t.Fatalf("hardware set at same address: %v", err)
	}
}

func TestBreakpointClear(t *testing.T) {
	m := newBreakpointMap()
	bp, err := m.set(0x2000, SoftwareBreakpoint, nil, nopInstall)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.clear(bp, nopUninstall); err != nil {
		t.Fatalf("clear: %v", err)
	}
	err = m.clear(bp, nopUninstall)
	var nobp NoBreakpointError
	if !errors.As(err, &nobp) {
		t.Fatalf("expected NoBreakpointError on double clear, got %v", err)
	}

	// cleared breakpoints never fire again
	if _, ok := m.find(0x2000, SoftwareBreakpoint); ok {
		t.Error("cleared breakpoint still found")
	}
}

func TestHWSlotExhaustion(t *testing.T) {
	m := newBreakpointMap()
	install := hwInstall(&m)

	bps := make([]*Breakpoint, 0, hwSlots)
	for i := 0; i < hwSlots; i++ {
		bp, err := m.set(uint64(0x1000+i), HardwareBreakpoint, nil, install)
		if err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
		bps = append(bps, bp)
	}
	if _, err := m.set(0x9000, HardwareBreakpoint, nil, install); err != ErrHWBreakpointsExhausted {
		t.Fatalf("expected ErrHWBreakpointsExhausted, got %v", err)
	}

	// clearing releases the slot for reuse
	if err := m.clear(bps[2], nopUninstall); err != nil {
		t.Fatal(err)
	}
	bp, err := m.set(0x9000, HardwareBreakpoint, nil, install)
	if err != nil {
		t.Fatalf("set after clear: %v", err)
	}
	if bp.hwIndex != 2 {
		t.Errorf("expected freed slot 2, got %d", bp.hwIndex)
	}
}

func TestHWSlotHeldWhileDisabled(t *testing.T) {
	m := newBreakpointMap()
	install := hwInstall(&m)

	bp, err := m.set(0x1000, HardwareBreakpoint, nil, install)
	if err != nil {
		t.Fatal(err)
	}
	bp.enabled = false

	if _, ok := m.find(0x1000, HardwareBreakpoint); ok {
		t.Error("disabled breakpoint should not be found")
	}
	used := map[uint8]bool{bp.hwIndex: true}
	for i := 0; i < hwSlots-1; i++ {
		nbp, err := m.set(uint64(0x2000+i), HardwareBreakpoint, nil, install)
		if err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
		if used[nbp.hwIndex] {
			t.Errorf("slot %d of a disabled breakpoint was reallocated", nbp.hwIndex)
		}
		used[nbp.hwIndex] = true
	}
}

func TestBreakpointListOrder(t *testing.T) {
	m := newBreakpointMap()
	for _, addr := range []uint64{0x3000, 0x1000, 0x2000} {
		if _, err := m.set(addr, SoftwareBreakpoint, nil, nopInstall); err != nil {
			t.Fatal(err)
		}
	}
	bps := m.list()
	for i := 1; i < len(bps); i++ {
		if bps[i-1].Addr > bps[i].Addr {
			t.Fatalf("list not ordered: %#x before %#x", bps[i-1].Addr, bps[i].Addr)
		}
	}
}
