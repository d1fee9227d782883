package proc

import (
	"fmt"
	"syscall"
)

// SignalHijack is a rule substituting one signal for another before delivery
// to the tracee.
type SignalHijack struct {
	// Source is the signal being intercepted.
	Source syscall.Signal
	// Replacement is delivered to the tracee in place of Source.
	Replacement syscall.Signal
	// HitCount is the number of deliveries of Source this rule was applied
	// to. It increments once per actual delivery, never per dispatch pass.
	HitCount uint64
}

func (h *SignalHijack) String() string {
	return fmt.Sprintf("hijack %v -> %v (hit %d times)", h.Source, h.Replacement, h.HitCount)
}

// signalHijackTable maps a source signal to its replacement rule. At most
// one rule exists per source signal. The table is consulted synchronously by
// the dispatcher; lookups never block.
type signalHijackTable struct {
	rules map[syscall.Signal]*SignalHijack
}

func newSignalHijackTable() signalHijackTable {
	return signalHijackTable{rules: make(map[syscall.Signal]*SignalHijack)}
}

// set installs a hijack rule. Installing a rule for an already hijacked
// source replaces the previous rule; the replacement is a new entity and
// starts with a zero hit count.
func (tbl *signalHijackTable) set(source, replacement syscall.Signal) (*SignalHijack, error) {
	if err := checkSignal(source); err != nil {
		return nil, err
	}
	if err := checkSignal(replacement); err != nil {
		return nil, err
	}
	// SIGKILL and SIGSTOP cannot be caught, the kernel reports no delivery
	// stop that could be rewritten
	if source == syscall.SIGKILL || source == syscall.SIGSTOP {
		return nil, InvalidArgumentError{fmt.Sprintf("signal %v cannot be hijacked", source)}
	}
	if source == replacement {
		return nil, InvalidArgumentError{fmt.Sprintf("cannot hijack signal %v to itself", source)}
	}
	h := &SignalHijack{Source: source, Replacement: replacement}
	tbl.rules[source] = h
	return h, nil
}

// remove deletes the given rule. Removing a rule that was already replaced
// or removed fails.
func (tbl *signalHijackTable) remove(h *SignalHijack) error {
	cur, ok := tbl.rules[h.Source]
	if !ok || cur != h {
		return InvalidArgumentError{fmt.Sprintf("no hijack rule installed for signal %v", h.Source)}
	}
	delete(tbl.rules, h.Source)
	return nil
}

func (tbl *signalHijackTable) lookup(sig syscall.Signal) (*SignalHijack, bool) {
	h, ok := tbl.rules[sig]
	return h, ok
}

func (tbl *signalHijackTable) list() []*SignalHijack {
	rules := make([]*SignalHijack, 0, len(tbl.rules))
	for _, h := range tbl.rules {
		rules = append(rules, h)
	}
	return rules
}

func checkSignal(sig syscall.Signal) error {
	if sig < 1 || sig > 64 {
		return InvalidArgumentError{fmt.Sprintf("invalid signal number %d", sig)}
	}
	return nil
}
