package proc

import (
	"golang.org/x/arch/x86/x86asm"
)

// maxInstructionLength is the maximum length of an x86 instruction.
const maxInstructionLength = 15

// Disassembled is one decoded instruction of the tracee.
type Disassembled struct {
	Addr  uint64
	Bytes []byte
	Text  string
}

// CurrentInstruction decodes the instruction at the tracee's program
// counter.
func (p *Process) CurrentInstruction() (*Disassembled, error) {
	regs, err := p.Registers()
	if err != nil {
		return nil, err
	}
	return p.DisassembleAt(regs.PC())
}

// DisassembleAt decodes the single instruction at pc. A software breakpoint
// patch at pc is transparent: the saved original bytes are decoded, not the
// trap instruction covering them.
func (p *Process) DisassembleAt(pc uint64) (*Disassembled, error) {
	mem := make([]byte, maxInstructionLength)
	if _, err := p.ReadMemory(mem, pc); err != nil {
		return nil, err
	}
	if bp, ok := p.breakpoints.find(pc, SoftwareBreakpoint); ok && bp.originalData != nil {
		copy(mem, bp.originalData)
	}
	inst, err := x86asm.Decode(mem, 64)
	if err != nil {
		return nil, err
	}
	return &Disassembled{
		Addr:  pc,
		Bytes: mem[:inst.Len],
		Text:  x86asm.GoSyntax(inst, pc, nil),
	}, nil
}
