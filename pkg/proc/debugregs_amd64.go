package proc

import "fmt"

// Four address debug registers exist on amd64. DR4 and DR5 are reserved.
const hwSlots = 4

// debugRegisters is a decoded view of the x86 debug registers DR0 through
// DR7. Mutations set Dirty so the caller knows the registers must be written
// back to the target.
type debugRegisters struct {
	pAddrs     [hwSlots]*uint64
	pDR6, pDR7 *uint64
	Dirty      bool
}

func newDebugRegisters(pDR0, pDR1, pDR2, pDR3, pDR6, pDR7 *uint64) *debugRegisters {
	return &debugRegisters{
		pAddrs: [hwSlots]*uint64{pDR0, pDR1, pDR2, pDR3},
		pDR6:   pDR6,
		pDR7:   pDR7,
	}
}

func lenrwBitsOffset(idx uint8) uint8 {
	return 16 + idx*4
}

func enableBitOffset(idx uint8) uint8 {
	return idx * 2
}

// setBreakpoint arms the debug register at idx. An execute breakpoint has
// read and write false and size 1, which encodes to all zero len/rw bits.
func (drs *debugRegisters) setBreakpoint(idx uint8, addr uint64, read, write bool, sz int) error {
	var lenrw uint64
	if write {
		lenrw |= 0x1
	}
	if read {
		lenrw |= 0x2
	}
	if read || write {
		switch sz {
		case 1:
			// 0x0
		case 2:
			lenrw |= 0x1 << 2
		case 4:
			lenrw |= 0x3 << 2
		case 8:
			lenrw |= 0x2 << 2
		default:
			return fmt.Errorf("data breakpoint of size %d not supported", sz)
		}
	}
	*(drs.pAddrs[idx]) = addr
	*(drs.pDR7) &^= 0xf << lenrwBitsOffset(idx)
	*(drs.pDR7) |= lenrw << lenrwBitsOffset(idx)
	*(drs.pDR7) |= 1 << enableBitOffset(idx)
	drs.Dirty = true
	return nil
}

// clearBreakpoint disarms the debug register at idx. The address register is
// left as is, only the enable bit in DR7 matters.
func (drs *debugRegisters) clearBreakpoint(idx uint8) {
	*(drs.pDR7) &^= 1 << enableBitOffset(idx)
	drs.Dirty = true
}

// getActiveBreakpoint returns the armed slot responsible for the current
// debug trap, if any, and resets the condition bits in DR6 so the next trap
// can be attributed.
func (drs *debugRegisters) getActiveBreakpoint() (ok bool, idx uint8) {
	for idx := uint8(0); idx < hwSlots; idx++ {
		enable := *(drs.pDR7) & (1 << enableBitOffset(idx))
		if enable == 0 {
			continue
		}
		if *(drs.pDR6)&(1<<idx) != 0 {
			*(drs.pDR6) &^= 0xf
			drs.Dirty = true
			return true, idx
		}
	}
	return false, 0
}
