package proc

import (
	"errors"
	"fmt"
)

// ErrNoReadChannel is returned by a receive when the traced process has no
// readable pipe, either because it was attached to instead of launched or
// because the session was torn down.
var ErrNoReadChannel = errors.New("no stdout pipe of the child process")

// ErrNoWriteChannel is returned by a send when the traced process has no
// writable stdin pipe.
var ErrNoWriteChannel = errors.New("no stdin pipe of the child process")

// ErrHWBreakpointsExhausted is returned when all hardware debug registers
// are already in use.
var ErrHWBreakpointsExhausted = errors.New("hardware breakpoints exhausted")

// ChannelBrokenError means an I/O operation on an established pipe failed
// after setup, for example a write to a broken pipe.
type ChannelBrokenError struct {
	Op  string
	Err error
}

func (e ChannelBrokenError) Error() string {
	return fmt.Sprintf("pipe %s failed: %v", e.Op, e.Err)
}

func (e ChannelBrokenError) Unwrap() error { return e.Err }

// InvalidArgumentError is returned when a caller-supplied value is not
// usable: a negative byte count, an unknown symbol name, a malformed hijack
// or intercept registration.
type InvalidArgumentError struct {
	Msg string
}

func (e InvalidArgumentError) Error() string { return e.Msg }

// BreakpointExistsError is returned when trying to set a breakpoint at an
// (address, kind) pair that already has a breakpoint set for it.
type BreakpointExistsError struct {
	Addr uint64
	Kind BreakpointKind
}

func (e BreakpointExistsError) Error() string {
	return fmt.Sprintf("%s breakpoint exists at %#x", e.Kind, e.Addr)
}

// NoBreakpointError is returned when trying to clear a breakpoint that does
// not exist.
type NoBreakpointError struct {
	Addr uint64
	Kind BreakpointKind
}

func (e NoBreakpointError) Error() string {
	return fmt.Sprintf("no %s breakpoint at %#x", e.Kind, e.Addr)
}

// ErrProcessExited indicates that the process has exited and contains both
// the process id and the exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (e ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", e.Pid, e.Status)
}

// ErrProcessDetached indicates that the tracer is no longer attached to the
// process.
type ErrProcessDetached struct {
	Pid int
}

func (e ErrProcessDetached) Error() string {
	return fmt.Sprintf("detached from process %d", e.Pid)
}

// ErrProcessRunning is returned when an operation that requires the process
// to be stopped is attempted while it is running. Breakpoint, hijack and
// intercept tables may only be mutated at a stop.
var ErrProcessRunning = errors.New("process is running")
