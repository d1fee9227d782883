package proc

import (
	"fmt"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tracectl/tracectl/pkg/logflags"
)

// ProcessState is the lifecycle state of a traced process.
type ProcessState int

const (
	// StateDetached means the tracer is not attached to the process.
	StateDetached ProcessState = iota
	// StateRunning means the process is executing; the controlling
	// goroutine is blocked in the dispatcher.
	StateRunning
	// StateStopped means the process is suspended and control belongs to
	// the caller.
	StateStopped
	// StateExited is terminal: the process exited on its own.
	StateExited
	// StateKilled is terminal: the process was forcibly terminated.
	StateKilled
)

func (s ProcessState) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("processstate(%d)", int(s))
	}
}

// StopReason classifies the cause of the most recent stop.
type StopReason int

const (
	// StopUnknown is the zero value, before any stop was dispatched.
	StopUnknown StopReason = iota
	// StopLaunched is the initial stop right after launch or attach.
	StopLaunched
	// StopBreakpoint means a breakpoint with no callback fired and control
	// was handed back to the caller.
	StopBreakpoint
	// StopSignal means a signal stop was handed back to the caller.
	StopSignal
	// StopManual means the stop was requested through RequestStop.
	StopManual
	// StopExited means the process reached a terminal state.
	StopExited
)

// Process represents a process under trace control. It owns the tracee's
// lifecycle, the breakpoint, signal-hijack and syscall-intercept tables, and
// the pipe channels to the child's standard streams.
//
// A Process is driven from a single controlling goroutine; exactly one
// Process may control a given OS process.
type Process struct {
	pid          int
	state        ProcessState
	childProcess bool // launched, not attached to

	bi   *BinaryInfo
	pipe *PipeManager

	breakpoints breakpointMap
	hijacks     signalHijackTable
	syscalls    syscallTable

	// ptrace(2) expects all requests after attach to come from the same
	// thread, so they are funneled through a locked goroutine.
	ptraceChan       chan func()
	ptraceDoneChan   chan struct{}
	ptraceChanClosed bool

	exitStatus    int
	pendingSignal int
	stopRequested bool
	stopReason    StopReason
	currentBp     *Breakpoint
	callbackErr   error

	log *logrus.Entry
}

func newProcess(pid int) *Process {
	p := &Process{
		pid:            pid,
		state:          StateDetached,
		breakpoints:    newBreakpointMap(),
		hijacks:        newSignalHijackTable(),
		syscalls:       newSyscallTable(),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
		log:            logflags.DebuggerLogger(),
	}
	go p.handlePtraceFuncs()
	return p
}

func (p *Process) handlePtraceFuncs() {
	// ptrace(2) commands after PTRACE_ATTACH must come from the same
	// thread that attached.
	runtime.LockOSThread()

	for fn := range p.ptraceChan {
		fn()
		p.ptraceDoneChan <- struct{}{}
	}
}

func (p *Process) execPtraceFunc(fn func()) {
	p.ptraceChan <- fn
	<-p.ptraceDoneChan
}

// Pid returns the process ID of the tracee.
func (p *Process) Pid() int {
	return p.pid
}

// State returns the current lifecycle state.
func (p *Process) State() ProcessState {
	return p.state
}

// BinInfo returns the metadata resolved from the target executable. The
// metadata may be degraded if the executable is malformed; see
// BinaryInfo.Degraded.
func (p *Process) BinInfo() *BinaryInfo {
	return p.bi
}

// Pipe returns the manager for the child's standard streams. It is nil for
// attached processes, which have no pipe channels.
func (p *Process) Pipe() *PipeManager {
	return p.pipe
}

// ExitStatus returns the exit status of the process once it has exited.
func (p *Process) ExitStatus() int {
	return p.exitStatus
}

// StopReason returns the classification of the most recent stop handed back
// to the caller.
func (p *Process) StopReason() StopReason {
	return p.stopReason
}

// CurrentBreakpoint returns the breakpoint responsible for the most recent
// stop, if any.
func (p *Process) CurrentBreakpoint() *Breakpoint {
	return p.currentBp
}

// CallbackError returns the most recent error recovered from a panicking
// callback. Callback panics never corrupt dispatcher state; they are logged
// and recorded here.
func (p *Process) CallbackError() error {
	return p.callbackErr
}

// Valid returns whether the process can still be manipulated, mirroring the
// error the caller would receive.
func (p *Process) Valid() (bool, error) {
	switch p.state {
	case StateExited, StateKilled:
		return false, ErrProcessExited{Pid: p.pid, Status: p.exitStatus}
	case StateDetached:
		return false, ErrProcessDetached{Pid: p.pid}
	default:
		return true, nil
	}
}

// RequestStop asks the dispatcher to hand control back to the caller
// instead of resuming after the current event. It is the mechanism for a
// callback to keep the process stopped. When called while the process is
// running it also interrupts it.
func (p *Process) RequestStop() error {
	if ok, err := p.Valid(); !ok {
		return err
	}
	p.stopRequested = true
	if p.state == StateRunning {
		return p.interrupt()
	}
	return nil
}

// checkStopped verifies that the process is in a state in which breakpoints
// may be installed or removed.
func (p *Process) checkStopped() error {
	switch p.state {
	case StateStopped:
		return nil
	case StateRunning:
		return ErrProcessRunning
	case StateDetached:
		return ErrProcessDetached{Pid: p.pid}
	default:
		return ErrProcessExited{Pid: p.pid, Status: p.exitStatus}
	}
}

// checkNotRunning verifies that the hijack and intercept tables may be
// mutated: any state but Running or a terminal one.
func (p *Process) checkNotRunning() error {
	switch p.state {
	case StateStopped, StateDetached:
		return nil
	case StateRunning:
		return ErrProcessRunning
	default:
		return ErrProcessExited{Pid: p.pid, Status: p.exitStatus}
	}
}

// SetBreakpoint installs a breakpoint at the given address. Installing at a
// raw address always succeeds structurally, whether or not the address is
// ever reached. Installing a second breakpoint at the same (address, kind)
// is a conflict. Hardware breakpoints are limited by the number of debug
// registers.
func (p *Process) SetBreakpoint(addr uint64, kind BreakpointKind, cb BreakpointCallback) (*Breakpoint, error) {
	if err := p.checkStopped(); err != nil {
		return nil, err
	}
	bp, err := p.breakpoints.set(addr, kind, cb, p.installBreakpoint)
	if err != nil {
		return nil, err
	}
	bp.p = p
	p.log.Debugf("installed %s", bp)
	return bp, nil
}

// SetBreakpointByName installs a breakpoint at the address of the named
// symbol. When the symbol table is empty or the name is absent this fails
// with an invalid-argument error; a corrupted binary degrades to exactly
// this behavior.
func (p *Process) SetBreakpointByName(name string, kind BreakpointKind, cb BreakpointCallback) (*Breakpoint, error) {
	if err := p.checkStopped(); err != nil {
		return nil, err
	}
	addr, err := p.bi.LookupSymbol(name)
	if err != nil {
		return nil, err
	}
	return p.SetBreakpoint(addr, kind, cb)
}

// ClearBreakpoint uninstalls bp and removes it from the table. The
// breakpoint will never fire again.
func (p *Process) ClearBreakpoint(bp *Breakpoint) error {
	if err := p.checkStopped(); err != nil {
		return err
	}
	return p.breakpoints.clear(bp, p.uninstallBreakpoint)
}

// Breakpoints returns all installed breakpoints ordered by address.
func (p *Process) Breakpoints() []*Breakpoint {
	return p.breakpoints.list()
}

// HijackSignal installs a rule replacing deliveries of source with
// replacement before they reach the tracee. Installing a second rule for the
// same source replaces the first; the new rule starts with a zero hit count.
// SIGKILL and SIGSTOP cannot be hijacked: the kernel never reports a
// delivery stop for them that could be rewritten.
func (p *Process) HijackSignal(source, replacement syscall.Signal) (*SignalHijack, error) {
	if err := p.checkNotRunning(); err != nil {
		return nil, err
	}
	h, err := p.hijacks.set(source, replacement)
	if err != nil {
		return nil, err
	}
	p.log.Debugf("installed %s", h)
	return h, nil
}

// ClearSignalHijack removes a hijack rule; subsequent deliveries of the
// source signal reach the tracee unchanged.
func (p *Process) ClearSignalHijack(h *SignalHijack) error {
	if err := p.checkNotRunning(); err != nil {
		return err
	}
	return p.hijacks.remove(h)
}

// SignalHijacks returns all installed hijack rules.
func (p *Process) SignalHijacks() []*SignalHijack {
	return p.hijacks.list()
}

// HandleSyscall intercepts entries into and exits from the given syscall
// number. Either callback may be nil; the handler's hit count still
// increments on every observed entry. Re-registering a number replaces the
// previous handler with a fresh one.
func (p *Process) HandleSyscall(number uint64, onEnter, onExit SyscallCallback) (*SyscallHandler, error) {
	if err := p.checkNotRunning(); err != nil {
		return nil, err
	}
	h, err := p.syscalls.set(number, onEnter, onExit)
	if err != nil {
		return nil, err
	}
	p.log.Debugf("installed %s", h)
	return h, nil
}

// ClearSyscallHandler removes a syscall handler.
func (p *Process) ClearSyscallHandler(h *SyscallHandler) error {
	if err := p.checkNotRunning(); err != nil {
		return err
	}
	return p.syscalls.remove(h)
}

// SyscallHandlers returns all installed syscall handlers.
func (p *Process) SyscallHandlers() []*SyscallHandler {
	return p.syscalls.list()
}

// invokeBreakpointCallback runs a breakpoint callback, containing panics so
// that a raising callback cannot corrupt dispatcher state.
func (p *Process) invokeBreakpointCallback(bp *Breakpoint) {
	defer p.recoverCallback("breakpoint")
	bp.Callback(p, bp)
}

func (p *Process) invokeSyscallCallback(cb SyscallCallback, h *SyscallHandler, boundary string) {
	defer p.recoverCallback("syscall " + boundary)
	cb(p, h)
}

func (p *Process) recoverCallback(kind string) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("%s callback panicked: %v", kind, r)
	p.log.Errorf("%v", err)
	p.callbackErr = err
}
