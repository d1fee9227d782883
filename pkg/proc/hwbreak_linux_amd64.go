package proc

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// debugRegUserOffset is the offset of the debug registers in the USER area,
// see arch/x86/include/asm/user_64.h in the linux kernel.
const debugRegUserOffset = 848

func ptracePeekUser(tid int, off uintptr) (uintptr, error) {
	var val uintptr
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_PEEKUSR, uintptr(tid), off, uintptr(unsafe.Pointer(&val)), 0, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return val, nil
}

func ptracePokeUser(tid int, off, val uintptr) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_POKEUSR, uintptr(tid), off, val, 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// withDebugRegisters reads DR0 through DR7 out of the target's USER area,
// runs f on the decoded view and writes back any registers f changed. f runs
// on the ptrace thread and must not issue ptrace requests of its own.
func (p *Process) withDebugRegisters(f func(*debugRegisters) error) error {
	var err error
	p.execPtraceFunc(func() {
		debugregs := make([]uint64, 8)

		for i := range debugregs {
			if i == 4 || i == 5 {
				continue
			}
			var peeked uintptr
			peeked, err = ptracePeekUser(p.pid, debugRegUserOffset+uintptr(i)*unsafe.Sizeof(uint64(0)))
			if err != nil {
				return
			}
			debugregs[i] = uint64(peeked)
		}

		drs := newDebugRegisters(&debugregs[0], &debugregs[1], &debugregs[2], &debugregs[3], &debugregs[6], &debugregs[7])

		err = f(drs)
		if err != nil {
			return
		}
		if !drs.Dirty {
			return
		}

		for i := range debugregs {
			if i == 4 || i == 5 {
				continue
			}
			err = ptracePokeUser(p.pid, debugRegUserOffset+uintptr(i)*unsafe.Sizeof(uint64(0)), uintptr(debugregs[i]))
			if err != nil {
				return
			}
		}
	})
	return err
}

// writeHardwareBreakpoint arms the debug register at idx as an execute
// breakpoint on addr.
func (p *Process) writeHardwareBreakpoint(addr uint64, idx uint8) error {
	return p.withDebugRegisters(func(drs *debugRegisters) error {
		return drs.setBreakpoint(idx, addr, false, false, 1)
	})
}

func (p *Process) clearHardwareBreakpoint(idx uint8) error {
	return p.withDebugRegisters(func(drs *debugRegisters) error {
		drs.clearBreakpoint(idx)
		return nil
	})
}

// findHWBreakpoint checks DR6 to determine if the current trap was caused by
// one of our hardware breakpoints and returns it.
func (p *Process) findHWBreakpoint() (*Breakpoint, error) {
	var retbp *Breakpoint
	err := p.withDebugRegisters(func(drs *debugRegisters) error {
		ok, idx := drs.getActiveBreakpoint()
		if !ok {
			return nil
		}
		if bp, found := p.breakpoints.findHWIndex(idx); found && bp.enabled {
			retbp = bp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return retbp, nil
}
