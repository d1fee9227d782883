package proc

import (
	"syscall"

	sys "golang.org/x/sys/unix"
)

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(pid int) error {
	return sys.PtraceAttach(pid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT, delivering sig to the tracee.
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSyscall executes ptrace PTRACE_SYSCALL: like PTRACE_CONT but the
// tracee additionally stops at the next syscall entry or exit.
func ptraceSyscall(tid, sig int) error {
	return sys.PtraceSyscall(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP, delivering sig.
func ptraceSingleStep(tid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(tid), uintptr(0), uintptr(sig), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}
