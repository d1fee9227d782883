package proc

import (
	"fmt"
	"strings"

	sys "golang.org/x/sys/unix"
)

// breakInstr is the int3 instruction used for software breakpoints.
var breakInstr = []byte{0xCC}

// Register is one named CPU register and its value.
type Register struct {
	Name  string
	Value uint64
}

// Registers is a snapshot of the tracee's general purpose registers. Mutate
// it and write it back with Process.SetRegisters.
type Registers struct {
	Regs sys.PtraceRegs
}

// PC returns the current program counter.
func (r *Registers) PC() uint64 {
	return r.Regs.Rip
}

// SetPC changes the program counter in the snapshot.
func (r *Registers) SetPC(pc uint64) {
	r.Regs.Rip = pc
}

// SP returns the stack pointer.
func (r *Registers) SP() uint64 {
	return r.Regs.Rsp
}

// SyscallNumber returns the number of the syscall being entered or exited.
// At a syscall stop rax already holds -ENOSYS or the return value, the
// kernel keeps the number in orig_rax.
func (r *Registers) SyscallNumber() uint64 {
	return r.Regs.Orig_rax
}

// ReturnValue returns rax, the syscall return value at a syscall exit stop.
func (r *Registers) ReturnValue() uint64 {
	return r.Regs.Rax
}

// atSyscallEntry reports whether the registers describe a syscall entry
// stop: on entry the kernel loads rax with the -ENOSYS sentinel before the
// syscall runs, on exit rax holds the return value.
func (r *Registers) atSyscallEntry() bool {
	return int64(r.Regs.Rax) == -int64(sys.ENOSYS)
}

func (r *Registers) field(name string) (*uint64, error) {
	switch strings.ToLower(name) {
	case "rip", "pc":
		return &r.Regs.Rip, nil
	case "rsp", "sp":
		return &r.Regs.Rsp, nil
	case "rbp":
		return &r.Regs.Rbp, nil
	case "rax":
		return &r.Regs.Rax, nil
	case "rbx":
		return &r.Regs.Rbx, nil
	case "rcx":
		return &r.Regs.Rcx, nil
	case "rdx":
		return &r.Regs.Rdx, nil
	case "rsi":
		return &r.Regs.Rsi, nil
	case "rdi":
		return &r.Regs.Rdi, nil
	case "r8":
		return &r.Regs.R8, nil
	case "r9":
		return &r.Regs.R9, nil
	case "r10":
		return &r.Regs.R10, nil
	case "r11":
		return &r.Regs.R11, nil
	case "r12":
		return &r.Regs.R12, nil
	case "r13":
		return &r.Regs.R13, nil
	case "r14":
		return &r.Regs.R14, nil
	case "r15":
		return &r.Regs.R15, nil
	case "orig_rax":
		return &r.Regs.Orig_rax, nil
	case "eflags", "rflags":
		return &r.Regs.Eflags, nil
	case "cs":
		return &r.Regs.Cs, nil
	case "ss":
		return &r.Regs.Ss, nil
	case "fs_base":
		return &r.Regs.Fs_base, nil
	case "gs_base":
		return &r.Regs.Gs_base, nil
	case "fs":
		return &r.Regs.Fs, nil
	case "gs":
		return &r.Regs.Gs, nil
	case "ds":
		return &r.Regs.Ds, nil
	case "es":
		return &r.Regs.Es, nil
	}
	return nil, InvalidArgumentError{Msg: fmt.Sprintf("unknown register %q", name)}
}

// Get returns the value of the named register.
func (r *Registers) Get(name string) (uint64, error) {
	reg, err := r.field(name)
	if err != nil {
		return 0, err
	}
	return *reg, nil
}

// Set changes the named register in the snapshot.
func (r *Registers) Set(name string, value uint64) error {
	reg, err := r.field(name)
	if err != nil {
		return err
	}
	*reg = value
	return nil
}

// Slice returns all registers in display order.
func (r *Registers) Slice() []Register {
	var regs = []struct {
		k string
		v uint64
	}{
		{"Rip", r.Regs.Rip},
		{"Rsp", r.Regs.Rsp},
		{"Rax", r.Regs.Rax},
		{"Rbx", r.Regs.Rbx},
		{"Rcx", r.Regs.Rcx},
		{"Rdx", r.Regs.Rdx},
		{"Rdi", r.Regs.Rdi},
		{"Rsi", r.Regs.Rsi},
		{"Rbp", r.Regs.Rbp},
		{"R8", r.Regs.R8},
		{"R9", r.Regs.R9},
		{"R10", r.Regs.R10},
		{"R11", r.Regs.R11},
		{"R12", r.Regs.R12},
		{"R13", r.Regs.R13},
		{"R14", r.Regs.R14},
		{"R15", r.Regs.R15},
		{"Orig_rax", r.Regs.Orig_rax},
		{"Cs", r.Regs.Cs},
		{"Eflags", r.Regs.Eflags},
		{"Ss", r.Regs.Ss},
		{"Fs_base", r.Regs.Fs_base},
		{"Gs_base", r.Regs.Gs_base},
		{"Ds", r.Regs.Ds},
		{"Es", r.Regs.Es},
		{"Fs", r.Regs.Fs},
		{"Gs", r.Regs.Gs},
	}
	out := make([]Register, 0, len(regs))
	for _, reg := range regs {
		out = append(out, Register{Name: reg.k, Value: reg.v})
	}
	return out
}

// Registers returns a snapshot of the stopped tracee's registers.
func (p *Process) Registers() (*Registers, error) {
	if err := p.checkStopped(); err != nil {
		return nil, err
	}
	return p.rawRegisters()
}

// SetRegisters writes a register snapshot back into the tracee.
func (p *Process) SetRegisters(regs *Registers) error {
	if err := p.checkStopped(); err != nil {
		return err
	}
	return p.setRawRegisters(regs)
}

func (p *Process) rawRegisters() (*Registers, error) {
	regs := new(Registers)
	var err error
	p.execPtraceFunc(func() { err = sys.PtraceGetRegs(p.pid, &regs.Regs) })
	if err != nil {
		return nil, err
	}
	return regs, nil
}

func (p *Process) setRawRegisters(regs *Registers) error {
	var err error
	p.execPtraceFunc(func() { err = sys.PtraceSetRegs(p.pid, &regs.Regs) })
	return err
}
