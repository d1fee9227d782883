package proc

import (
	"fmt"
	"sort"
)

// BreakpointKind determines how a breakpoint is installed in the target:
// software breakpoints patch the instruction stream, hardware breakpoints
// occupy one of the CPU debug registers.
type BreakpointKind uint8

const (
	// SoftwareBreakpoint is installed by patching a trap instruction over
	// the target address.
	SoftwareBreakpoint BreakpointKind = iota
	// HardwareBreakpoint is installed in a CPU debug register. The number
	// of available registers is finite (4 on amd64).
	HardwareBreakpoint
)

func (k BreakpointKind) String() string {
	switch k {
	case SoftwareBreakpoint:
		return "software"
	case HardwareBreakpoint:
		return "hardware"
	default:
		return fmt.Sprintf("breakpointkind(%d)", uint8(k))
	}
}

// BreakpointCallback is invoked by the dispatcher with the stopped process
// and the breakpoint that fired. The callback may inspect and mutate
// registers and memory through the process handle. A nil callback means the
// dispatcher hands control back to the caller on every hit.
type BreakpointCallback func(p *Process, bp *Breakpoint)

// Breakpoint represents a single installed breakpoint.
type Breakpoint struct {
	// Addr is the address the breakpoint is set at.
	Addr uint64
	// Kind selects software or hardware installation.
	Kind BreakpointKind
	// Callback, if not nil, runs on every hit and the process is resumed
	// afterwards unless the callback requests otherwise.
	Callback BreakpointCallback
	// HitCount is the number of times this breakpoint has fired. It only
	// ever grows for the lifetime of the owning process.
	HitCount uint64

	enabled      bool
	originalData []byte // instruction bytes replaced by a software patch
	hwIndex      uint8  // debug register slot of a hardware breakpoint
	hwSlotHeld   bool   // a slot was allocated and is kept until cleared

	p *Process
}

// Enabled reports whether the breakpoint is currently armed.
func (bp *Breakpoint) Enabled() bool {
	return bp.enabled
}

// HWIndex returns the debug register slot occupied by a hardware
// breakpoint.
func (bp *Breakpoint) HWIndex() uint8 {
	return bp.hwIndex
}

// Disable disarms the breakpoint without removing it from the table. It is
// safe to call from inside the breakpoint's own callback; the breakpoint
// will not fire again until Enable is called.
func (bp *Breakpoint) Disable() error {
	if !bp.enabled {
		return nil
	}
	if err := bp.p.uninstallBreakpoint(bp); err != nil {
		return err
	}
	bp.enabled = false
	return nil
}

// Enable re-arms a disabled breakpoint.
func (bp *Breakpoint) Enable() error {
	if bp.enabled {
		return nil
	}
	if err := bp.p.installBreakpoint(bp); err != nil {
		return err
	}
	bp.enabled = true
	return nil
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("%s breakpoint at %#x (hit %d times)", bp.Kind, bp.Addr, bp.HitCount)
}

type breakpointKey struct {
	addr uint64
	kind BreakpointKind
}

// breakpointMap tracks installed breakpoints. At most one active breakpoint
// may exist per (address, kind) pair.
type breakpointMap struct {
	m map[breakpointKey]*Breakpoint
}

func newBreakpointMap() breakpointMap {
	return breakpointMap{m: make(map[breakpointKey]*Breakpoint)}
}

type installBreakpointFn func(bp *Breakpoint) error
type uninstallBreakpointFn func(bp *Breakpoint) error

// set installs a breakpoint through install and records it. A breakpoint
// already present at the same (address, kind) is a conflict, not a silent
// overwrite.
func (bpmap *breakpointMap) set(addr uint64, kind BreakpointKind, cb BreakpointCallback, install installBreakpointFn) (*Breakpoint, error) {
	key := breakpointKey{addr: addr, kind: kind}
	if _, ok := bpmap.m[key]; ok {
		return nil, BreakpointExistsError{Addr: addr, Kind: kind}
	}

	bp := &Breakpoint{Addr: addr, Kind: kind, Callback: cb}
	if err := install(bp); err != nil {
		return nil, err
	}
	bp.enabled = true
	bpmap.m[key] = bp
	return bp, nil
}

// clear uninstalls bp and removes it from the map.
func (bpmap *breakpointMap) clear(bp *Breakpoint, uninstall uninstallBreakpointFn) error {
	key := breakpointKey{addr: bp.Addr, kind: bp.Kind}
	cur, ok := bpmap.m[key]
	if !ok || cur != bp {
		return NoBreakpointError{Addr: bp.Addr, Kind: bp.Kind}
	}
	if bp.enabled {
		if err := uninstall(bp); err != nil {
			return err
		}
		bp.enabled = false
	}
	delete(bpmap.m, key)
	return nil
}

// find returns the enabled breakpoint of the given kind at addr.
func (bpmap *breakpointMap) find(addr uint64, kind BreakpointKind) (*Breakpoint, bool) {
	bp, ok := bpmap.m[breakpointKey{addr: addr, kind: kind}]
	if !ok || !bp.enabled {
		return nil, false
	}
	return bp, true
}

// findHWIndex returns the hardware breakpoint occupying the given debug
// register slot.
func (bpmap *breakpointMap) findHWIndex(idx uint8) (*Breakpoint, bool) {
	for _, bp := range bpmap.m {
		if bp.Kind == HardwareBreakpoint && bp.hwIndex == idx {
			return bp, true
		}
	}
	return nil, false
}

// freeHWIndex picks the lowest unoccupied debug register slot. Slots are
// owned for as long as the breakpoint is installed, including while it is
// disabled.
func (bpmap *breakpointMap) freeHWIndex() (uint8, error) {
	var used [hwSlots]bool
	for _, bp := range bpmap.m {
		if bp.Kind == HardwareBreakpoint {
			used[bp.hwIndex] = true
		}
	}
	for idx := uint8(0); idx < hwSlots; idx++ {
		if !used[idx] {
			return idx, nil
		}
	}
	return 0, ErrHWBreakpointsExhausted
}

// list returns all installed breakpoints ordered by address.
func (bpmap *breakpointMap) list() []*Breakpoint {
	bps := make([]*Breakpoint, 0, len(bpmap.m))
	for _, bp := range bpmap.m {
		bps = append(bps, bp)
	}
	sort.Slice(bps, func(i, j int) bool {
		if bps[i].Addr != bps[j].Addr {
			return bps[i].Addr < bps[j].Addr
		}
		return bps[i].Kind < bps[j].Kind
	})
	return bps
}
