package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	sys "golang.org/x/sys/unix"

	"github.com/tracectl/tracectl/pkg/logflags"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant
)

// LaunchConfig configures how a new tracee is spawned.
type LaunchConfig struct {
	// Argv is the command to run, Argv[0] is the executable path.
	Argv []string
	// WorkingDir is the child's working directory, empty means inherit.
	WorkingDir string
	// DisableASLR launches the child with address space randomization turned
	// off, so resolved addresses stay valid across runs.
	DisableASLR bool
	// Foreground puts the child in the foreground of the controlling
	// terminal. The child then reads stdin from the terminal instead of a
	// pipe.
	Foreground bool
}

// Launch creates and begins tracing a new process with the given
// configuration. The child is stopped at its entry and will not run until
// Continue is called.
func Launch(cfg LaunchConfig) (*Process, error) {
	if len(cfg.Argv) == 0 {
		return nil, InvalidArgumentError{Msg: "no command to launch"}
	}
	if _, err := os.Stat(cfg.Argv[0]); err != nil {
		return nil, err
	}

	foreground := cfg.Foreground
	if foreground && !isatty.IsTerminal(os.Stdin.Fd()) {
		foreground = false
	}

	stdinRead, stdinWrite, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		stdinRead.Close()
		stdinWrite.Close()
		return nil, err
	}
	stderrRead, stderrWrite, err := os.Pipe()
	if err != nil {
		stdinRead.Close()
		stdinWrite.Close()
		stdoutRead.Close()
		stdoutWrite.Close()
		return nil, err
	}

	dbp := newProcess(0)
	var process *exec.Cmd
	dbp.execPtraceFunc(func() {
		if cfg.DisableASLR {
			oldPersonality, _, err := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
			if err == syscall.Errno(0) {
				newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
				syscall.Syscall(sys.SYS_PERSONALITY, uintptr(newPersonality), 0, 0)
				defer syscall.Syscall(sys.SYS_PERSONALITY, uintptr(oldPersonality), 0, 0)
			}
		}

		process = exec.Command(cfg.Argv[0])
		process.Args = cfg.Argv
		process.Stdout = stdoutWrite
		process.Stderr = stderrWrite
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:     true,
			Setpgid:    true,
			Foreground: foreground,
		}
		if foreground {
			signal.Ignore(syscall.SIGTTOU, syscall.SIGTTIN)
			process.Stdin = os.Stdin
		} else {
			process.Stdin = stdinRead
		}
		if cfg.WorkingDir != "" {
			process.Dir = cfg.WorkingDir
		}
		err = process.Start()
	})
	// the child owns these ends now
	stdinRead.Close()
	stdoutWrite.Close()
	stderrWrite.Close()
	if err != nil {
		stdinWrite.Close()
		stdoutRead.Close()
		stderrRead.Close()
		dbp.closePtraceChan()
		return nil, err
	}

	dbp.pid = process.Process.Pid
	dbp.childProcess = true
	// the child exists from here on, Kill must be able to reap it even when
	// initialization fails
	dbp.state = StateStopped
	if foreground {
		stdinWrite.Close()
		dbp.pipe = NewPipeManager(nil, stdoutRead, stderrRead)
	} else {
		dbp.pipe = NewPipeManager(stdinWrite, stdoutRead, stderrRead)
	}

	if err := dbp.initialize(cfg.Argv[0]); err != nil {
		dbp.Kill()
		return nil, err
	}
	return dbp, nil
}

// Attach begins tracing an already running process. Attached processes have
// no pipe channels to their standard streams.
func Attach(pid int) (*Process, error) {
	dbp := newProcess(pid)
	var err error
	dbp.execPtraceFunc(func() { err = ptraceAttach(pid) })
	if err != nil {
		dbp.closePtraceChan()
		return nil, err
	}
	dbp.pipe = NewPipeManager(nil, nil, nil)
	if err := dbp.initialize(fmt.Sprintf("/proc/%d/exe", pid)); err != nil {
		dbp.execPtraceFunc(func() { ptraceDetach(pid, 0) })
		dbp.closePtraceChan()
		return nil, err
	}
	return dbp, nil
}

// initialize waits for the first trap of the fresh tracee, sets the ptrace
// options and resolves the target executable.
func (p *Process) initialize(path string) error {
	_, status, err := p.wait(p.pid, 0)
	if err != nil {
		return fmt.Errorf("waiting for target execve failed: %s", err)
	}
	if status.Exited() {
		p.postExit(status.ExitStatus())
		return ErrProcessExited{Pid: p.pid, Status: status.ExitStatus()}
	}

	// TRACESYSGOOD marks syscall stops so they cannot be mistaken for real
	// SIGTRAPs, EXITKILL prevents orphaned tracees when the tracer dies.
	p.execPtraceFunc(func() {
		err = sys.PtraceSetOptions(p.pid, sys.PTRACE_O_TRACESYSGOOD|sys.PTRACE_O_EXITKILL)
	})
	if err != nil {
		return fmt.Errorf("could not set ptrace options: %v", err)
	}

	p.bi = ResolveBinary(path)
	p.state = StateStopped
	p.stopReason = StopLaunched
	return nil
}

// EntryPoint returns the program entry address. When the executable header
// was too corrupted to resolve it falls back to the auxiliary vector, which
// records the entry of whatever the kernel actually loaded.
func (p *Process) EntryPoint() (uint64, error) {
	if p.bi != nil && p.bi.EntryPointValid() {
		return p.bi.EntryPoint, nil
	}
	auxvbuf, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", p.pid))
	if err != nil {
		return 0, fmt.Errorf("could not read auxiliary vector: %v", err)
	}
	if entry := entryPointFromAuxv(auxvbuf, 8); entry != 0 {
		return entry, nil
	}
	return 0, fmt.Errorf("no entry point in auxiliary vector")
}

func (p *Process) wait(pid, options int) (int, *sys.WaitStatus, error) {
	var s sys.WaitStatus
	for {
		wpid, err := sys.Wait4(pid, &s, sys.WALL|options, nil)
		if err == sys.EINTR {
			continue
		}
		return wpid, &s, err
	}
}

// Continue resumes the tracee and dispatches every stop until one hands
// control back to the caller or the process exits. Exit is a normal outcome:
// Continue returns nil and the process state is terminal.
func (p *Process) Continue() error {
	if err := p.checkStopped(); err != nil {
		return err
	}
	p.stopRequested = false

	for {
		if err := p.resume(); err != nil {
			// the tracee may exit while stepping over a breakpoint patch,
			// which is as normal an outcome as exiting mid-wait
			var exited ErrProcessExited
			if errors.As(err, &exited) {
				return nil
			}
			return err
		}
		p.state = StateRunning

		_, status, err := p.wait(p.pid, 0)
		p.state = StateStopped
		if err != nil {
			return fmt.Errorf("wait err %s %d", err, p.pid)
		}
		switch {
		case status.Exited():
			p.postExit(status.ExitStatus())
			return nil
		case status.Signaled():
			p.postExit(-int(status.Signal()))
			return nil
		}

		p.currentBp = nil
		stop, err := p.dispatchStop(status)
		if err != nil {
			return err
		}
		if stop || p.stopRequested {
			return nil
		}
	}
}

// resume restarts the stopped tracee, stepping over a software breakpoint
// patch at the current pc first and delivering any queued signal. When
// syscall handlers are installed the tracee runs under PTRACE_SYSCALL so it
// stops at every syscall boundary; otherwise it runs free.
func (p *Process) resume() error {
	regs, err := p.rawRegisters()
	if err != nil {
		return err
	}
	if bp, ok := p.breakpoints.find(regs.PC(), SoftwareBreakpoint); ok {
		if err := p.stepOverBreakpoint(bp); err != nil {
			return err
		}
	}

	sig := p.pendingSignal
	p.pendingSignal = 0
	contFn := ptraceCont
	if !p.syscalls.empty() {
		contFn = ptraceSyscall
	}
	p.execPtraceFunc(func() { err = contFn(p.pid, sig) })
	return err
}

// StepInstruction executes exactly one instruction of the stopped tracee.
func (p *Process) StepInstruction() error {
	if err := p.checkStopped(); err != nil {
		return err
	}
	regs, err := p.rawRegisters()
	if err != nil {
		return err
	}
	if bp, ok := p.breakpoints.find(regs.PC(), SoftwareBreakpoint); ok {
		return p.stepOverBreakpoint(bp)
	}
	return p.singleStep()
}

// stepOverBreakpoint executes the instruction hidden behind a software
// breakpoint patch: restore the original bytes, single step, re-patch.
func (p *Process) stepOverBreakpoint(bp *Breakpoint) error {
	if _, err := p.WriteMemory(bp.Addr, bp.originalData); err != nil {
		return err
	}
	err := p.singleStep()
	if bp.enabled && p.state == StateStopped {
		if _, werr := p.WriteMemory(bp.Addr, breakInstr); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// singleStep steps the tracee one instruction. A SIGSTOP observed here is a
// leftover of a stop request and is swallowed; fault signals are delivered
// immediately so the faulting instruction re-executes under the handler;
// anything else is queued for the next resume.
func (p *Process) singleStep() error {
	sig := 0
	for {
		var err error
		p.execPtraceFunc(func() { err = ptraceSingleStep(p.pid, sig) })
		sig = 0
		if err != nil {
			return err
		}
		_, status, err := p.wait(p.pid, 0)
		if err != nil {
			return err
		}
		if status.Exited() {
			p.postExit(status.ExitStatus())
			return ErrProcessExited{Pid: p.pid, Status: p.exitStatus}
		}
		if status.Signaled() {
			p.postExit(-int(status.Signal()))
			return ErrProcessExited{Pid: p.pid, Status: p.exitStatus}
		}
		switch s := status.StopSignal(); s {
		case sys.SIGTRAP:
			return nil
		case sys.SIGSTOP:
			// delayed SIGSTOP, ignore it
		case sys.SIGILL, sys.SIGBUS, sys.SIGFPE, sys.SIGSEGV, sys.SIGSTKFLT:
			sig = int(s)
		default:
			p.pendingSignal = int(s)
		}
	}
}

// dispatchStop classifies one ptrace stop and runs the matching handlers.
// It reports whether control should be handed back to the caller.
func (p *Process) dispatchStop(status *sys.WaitStatus) (bool, error) {
	switch sig := status.StopSignal(); {
	case sig == sys.SIGTRAP|0x80:
		// syscall stop, courtesy of TRACESYSGOOD
		return p.dispatchSyscallStop()
	case sig == sys.SIGTRAP:
		return p.dispatchTrapStop()
	default:
		return p.dispatchSignalStop(sig)
	}
}

// dispatchSyscallStop handles a syscall entry or exit stop. The direction is
// read from the registers rather than tracked with a flag: at an entry stop
// the kernel has loaded rax with the -ENOSYS sentinel, at an exit stop it
// holds the return value. This stays correct when tracing starts while the
// target is already inside a syscall. The handler's hit count increments
// once per entry, never on exit.
func (p *Process) dispatchSyscallStop() (bool, error) {
	regs, err := p.rawRegisters()
	if err != nil {
		return true, err
	}

	if h, ok := p.syscalls.lookup(regs.SyscallNumber()); ok {
		if regs.atSyscallEntry() {
			h.HitCount++
			logflags.DispatchLogger().Debugf("syscall %d entry (hit %d)", h.Number, h.HitCount)
			if h.OnEnter != nil {
				p.invokeSyscallCallback(h.OnEnter, h, "enter")
			}
		} else if h.OnExit != nil {
			p.invokeSyscallCallback(h.OnExit, h, "exit")
		}
	}
	if p.stopRequested {
		p.stopReason = StopManual
	}
	return false, nil
}

// dispatchTrapStop attributes a SIGTRAP to a hardware or software
// breakpoint. A trap matching no breakpoint is handed back to the caller.
func (p *Process) dispatchTrapStop() (bool, error) {
	if bp, err := p.findHWBreakpoint(); err != nil {
		return true, err
	} else if bp != nil {
		return p.fireBreakpoint(bp), nil
	}

	regs, err := p.rawRegisters()
	if err != nil {
		return true, err
	}
	// an int3 trap reports pc just past the patch
	if bp, ok := p.breakpoints.find(regs.PC()-uint64(len(breakInstr)), SoftwareBreakpoint); ok {
		regs.SetPC(bp.Addr)
		if err := p.setRawRegisters(regs); err != nil {
			return true, err
		}
		return p.fireBreakpoint(bp), nil
	}

	if p.stopRequested {
		p.stopReason = StopManual
	} else {
		p.stopReason = StopSignal
	}
	return true, nil
}

// dispatchSignalStop handles a signal delivery stop. The hijack table is
// consulted first; the resulting signal is queued for the next resume so the
// tracee observes it. A signal arriving while the tracee sits on a
// breakpoint address fires that breakpoint too.
func (p *Process) dispatchSignalStop(sig syscall.Signal) (bool, error) {
	if sig == sys.SIGSTOP && p.stopRequested {
		p.stopReason = StopManual
		return true, nil
	}

	deliver := sig
	if h, ok := p.hijacks.lookup(sig); ok {
		h.HitCount++
		deliver = h.Replacement
		logflags.DispatchLogger().Debugf("hijacking %v into %v (hit %d)", h.Source, h.Replacement, h.HitCount)
	}
	p.pendingSignal = int(deliver)

	stop := false
	if bp, err := p.findHWBreakpoint(); err == nil && bp != nil {
		stop = p.fireBreakpoint(bp)
	} else if regs, rerr := p.rawRegisters(); rerr == nil {
		if bp, ok := p.breakpoints.find(regs.PC(), SoftwareBreakpoint); ok {
			stop = p.fireBreakpoint(bp)
		}
	}
	if !stop && p.stopRequested {
		p.stopReason = StopSignal
	}
	return stop, nil
}

// fireBreakpoint records a breakpoint hit and runs its callback. Without a
// callback the stop is handed back to the caller; with one the tracee
// resumes unless the callback requested a stop. The stop reason is only set
// when the stop will actually be handed back.
func (p *Process) fireBreakpoint(bp *Breakpoint) (stop bool) {
	bp.HitCount++
	p.currentBp = bp
	logflags.DispatchLogger().Debugf("hit %s", bp)
	if bp.Callback == nil {
		p.stopReason = StopBreakpoint
		return true
	}
	p.invokeBreakpointCallback(bp)
	if p.stopRequested {
		p.stopReason = StopBreakpoint
	}
	return false
}

// installBreakpoint arms a breakpoint in the target. Software breakpoints
// save the original instruction bytes and patch in an int3; hardware
// breakpoints claim a debug register slot, which stays claimed until the
// breakpoint is cleared.
func (p *Process) installBreakpoint(bp *Breakpoint) error {
	switch bp.Kind {
	case HardwareBreakpoint:
		if !bp.hwSlotHeld {
			idx, err := p.breakpoints.freeHWIndex()
			if err != nil {
				return err
			}
			bp.hwIndex = idx
			bp.hwSlotHeld = true
		}
		return p.writeHardwareBreakpoint(bp.Addr, bp.hwIndex)
	default:
		originalData := make([]byte, len(breakInstr))
		if _, err := p.ReadMemory(originalData, bp.Addr); err != nil {
			return err
		}
		if _, err := p.WriteMemory(bp.Addr, breakInstr); err != nil {
			return err
		}
		bp.originalData = originalData
		return nil
	}
}

func (p *Process) uninstallBreakpoint(bp *Breakpoint) error {
	switch bp.Kind {
	case HardwareBreakpoint:
		return p.clearHardwareBreakpoint(bp.hwIndex)
	default:
		if bp.originalData == nil {
			return nil
		}
		_, err := p.WriteMemory(bp.Addr, bp.originalData)
		return err
	}
}

// ReadMemory reads len(data) bytes of the tracee's memory at addr.
func (p *Process) ReadMemory(data []byte, addr uint64) (int, error) {
	if ok, err := p.Valid(); !ok {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	var (
		n   int
		err error
	)
	p.execPtraceFunc(func() { n, err = sys.PtracePeekData(p.pid, uintptr(addr), data) })
	if err != nil {
		return 0, err
	}
	return n, nil
}

// WriteMemory writes data into the tracee's memory at addr.
func (p *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	if ok, err := p.Valid(); !ok {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	var (
		n   int
		err error
	)
	p.execPtraceFunc(func() { n, err = sys.PtracePokeData(p.pid, uintptr(addr), data) })
	if err != nil {
		return 0, err
	}
	return n, nil
}

// interrupt asks the running tracee to stop.
func (p *Process) interrupt() error {
	return sys.Kill(p.pid, sys.SIGSTOP)
}

// Kill forces the process into the Killed state. It is best effort and
// always completes: failures along the way are logged, never propagated.
// Killing an exited or detached process only releases remaining resources.
func (p *Process) Kill() {
	switch p.state {
	case StateKilled:
		return
	case StateExited, StateDetached:
		p.teardown(StateKilled)
		return
	}

	var err error
	if p.childProcess {
		// the child leads its own process group
		err = sys.Kill(-p.pid, sys.SIGKILL)
	} else {
		err = sys.Kill(p.pid, sys.SIGKILL)
	}
	if err != nil {
		p.log.Errorf("could not deliver SIGKILL to %d: %v", p.pid, err)
	} else {
		for {
			wpid, status, werr := p.wait(p.pid, 0)
			if werr != nil || wpid == 0 {
				break
			}
			if status.Signaled() {
				p.exitStatus = -int(status.Signal())
				break
			}
			if status.Exited() {
				p.exitStatus = status.ExitStatus()
				break
			}
			// still in a ptrace stop, let it run so the kill lands
			p.execPtraceFunc(func() { ptraceCont(p.pid, 0) })
		}
	}
	p.teardown(StateKilled)
}

// Detach restores all software breakpoint patches and releases the tracee,
// leaving it running on its own.
func (p *Process) Detach() error {
	if err := p.checkStopped(); err != nil {
		return err
	}
	for _, bp := range p.breakpoints.list() {
		if !bp.enabled {
			continue
		}
		if err := p.uninstallBreakpoint(bp); err != nil {
			p.log.Warnf("could not restore %s while detaching: %v", bp, err)
		}
		bp.enabled = false
	}
	var err error
	p.execPtraceFunc(func() { err = ptraceDetach(p.pid, 0) })
	if err != nil {
		p.log.Errorf("detaching from %d failed: %v", p.pid, err)
	}
	p.teardown(StateDetached)
	return err
}

// postExit records a terminal state. The pipe channels stay open so output
// the child produced before exiting can still be received.
func (p *Process) postExit(status int) {
	p.exitStatus = status
	p.state = StateExited
	p.stopReason = StopExited
	p.closePtraceChan()
	p.log.Debugf("process %d exited with status %d", p.pid, status)
}

func (p *Process) teardown(final ProcessState) {
	if p.pipe != nil {
		p.pipe.Close()
	}
	p.closePtraceChan()
	p.state = final
}

func (p *Process) closePtraceChan() {
	if p.ptraceChanClosed {
		return
	}
	p.ptraceChanClosed = true
	close(p.ptraceChan)
}
