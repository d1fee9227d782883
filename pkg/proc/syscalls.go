package proc

import "fmt"

// SyscallCallback is invoked by the dispatcher at a syscall boundary with
// the stopped process and the handler that matched. Arguments and return
// values are read through the process register capability.
type SyscallCallback func(p *Process, h *SyscallHandler)

// SyscallHandler intercepts entries into and exits from one syscall.
type SyscallHandler struct {
	// Number is the syscall number being intercepted.
	Number uint64
	// OnEnter fires when the tracee enters the syscall. May be nil.
	OnEnter SyscallCallback
	// OnExit fires when the syscall returns to the tracee. May be nil.
	OnExit SyscallCallback
	// HitCount is the number of observed entries into the syscall. It
	// increments once per entry whether or not any callback is registered.
	HitCount uint64
}

func (h *SyscallHandler) String() string {
	return fmt.Sprintf("syscall handler for %d (hit %d times)", h.Number, h.HitCount)
}

// syscallTable maps a syscall number to its handler. At most one handler
// exists per number.
type syscallTable struct {
	handlers map[uint64]*SyscallHandler
}

func newSyscallTable() syscallTable {
	return syscallTable{handlers: make(map[uint64]*SyscallHandler)}
}

// set installs a handler for the given syscall number. Re-registering a
// number replaces the previous handler with a new entity; the old hit count
// does not carry over.
func (tbl *syscallTable) set(number uint64, onEnter, onExit SyscallCallback) (*SyscallHandler, error) {
	h := &SyscallHandler{Number: number, OnEnter: onEnter, OnExit: onExit}
	tbl.handlers[number] = h
	return h, nil
}

// remove deletes the given handler. Removing a handler that was already
// replaced or removed fails.
func (tbl *syscallTable) remove(h *SyscallHandler) error {
	cur, ok := tbl.handlers[h.Number]
	if !ok || cur != h {
		return InvalidArgumentError{fmt.Sprintf("no handler installed for syscall %d", h.Number)}
	}
	delete(tbl.handlers, h.Number)
	return nil
}

func (tbl *syscallTable) lookup(number uint64) (*SyscallHandler, bool) {
	h, ok := tbl.handlers[number]
	return h, ok
}

func (tbl *syscallTable) empty() bool {
	return len(tbl.handlers) == 0
}

func (tbl *syscallTable) list() []*SyscallHandler {
	handlers := make([]*SyscallHandler, 0, len(tbl.handlers))
	for _, h := range tbl.handlers {
		handlers = append(handlers, h)
	}
	return handlers
}
