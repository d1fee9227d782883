package proc

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	sys "golang.org/x/sys/unix"
)

func buildFixture(t *testing.T, name string) string {
	t.Helper()
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("fixture tests run on linux/amd64 only")
	}
	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("no C compiler in PATH")
	}
	bin := filepath.Join(t.TempDir(), name)
	src := filepath.Join("..", "..", "_fixtures", name+".c")
	// static so the dynamic loader's own syscalls never show up in the counts
	out, err := exec.Command(cc, "-g", "-O0", "-no-pie", "-static", "-o", bin, src).CombinedOutput()
	if err != nil {
		t.Fatalf("could not compile %s: %v\n%s", src, err, out)
	}
	return bin
}

func launchFixture(t *testing.T, name string) *Process {
	t.Helper()
	bin := buildFixture(t, name)
	p, err := Launch(LaunchConfig{Argv: []string{bin}, DisableASLR: true})
	if err != nil {
		t.Fatalf("launch %s: %v", name, err)
	}
	t.Cleanup(p.Kill)
	return p
}

func assertExited(t *testing.T, p *Process, status int) {
	t.Helper()
	if p.State() != StateExited {
		t.Fatalf("process state = %v, want exited", p.State())
	}
	if p.ExitStatus() != status {
		t.Fatalf("exit status = %d, want %d", p.ExitStatus(), status)
	}
}

func recvLine(t *testing.T, p *Process) string {
	t.Helper()
	line, err := p.Pipe().RecvLine(2 * time.Second)
	if err != nil {
		t.Fatalf("RecvLine: %v", err)
	}
	return string(line)
}

func TestLaunchRunExit(t *testing.T) {
	p := launchFixture(t, "provola")

	if p.State() != StateStopped {
		t.Fatalf("state after launch = %v, want stopped", p.State())
	}
	if p.StopReason() != StopLaunched {
		t.Errorf("stop reason after launch = %v, want launched", p.StopReason())
	}
	if _, err := p.EntryPoint(); err != nil {
		t.Errorf("EntryPoint: %v", err)
	}

	if _, err := p.Pipe().SendLine([]byte("ack")); err != nil {
		t.Fatalf("SendLine: %v", err)
	}
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	assertExited(t, p, 0)

	// output produced before exit is still receivable
	if line := recvLine(t, p); line != "Provola!" {
		t.Errorf("first line = %q, want %q", line, "Provola!")
	}
	if line := recvLine(t, p); line != "ok" {
		t.Errorf("second line = %q, want %q", line, "ok")
	}

	if err := p.Continue(); err == nil {
		t.Error("Continue after exit should fail")
	}
}

func TestSoftwareBreakpointStop(t *testing.T) {
	p := launchFixture(t, "regmirror")

	bp, err := p.SetBreakpointByName("check", SoftwareBreakpoint, nil)
	if err != nil {
		t.Fatalf("SetBreakpointByName: %v", err)
	}
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if p.State() != StateStopped || p.StopReason() != StopBreakpoint {
		t.Fatalf("state %v reason %v, want stopped at breakpoint", p.State(), p.StopReason())
	}
	if p.CurrentBreakpoint() != bp {
		t.Error("CurrentBreakpoint is not the installed breakpoint")
	}
	if bp.HitCount != 1 {
		t.Errorf("hit count = %d, want 1", bp.HitCount)
	}
	regs, err := p.Registers()
	if err != nil {
		t.Fatal(err)
	}
	if regs.PC() != bp.Addr {
		t.Errorf("pc = %#x, want breakpoint address %#x", regs.PC(), bp.Addr)
	}
	if inst, err := p.CurrentInstruction(); err != nil {
		t.Errorf("CurrentInstruction: %v", err)
	} else if inst.Text == "" || inst.Bytes[0] == 0xCC {
		t.Errorf("disassembly at breakpoint saw the patch: %q % x", inst.Text, inst.Bytes)
	}

	if err := p.Continue(); err != nil {
		t.Fatalf("second Continue: %v", err)
	}
	assertExited(t, p, 0)
	if line := recvLine(t, p); line != "no" {
		t.Errorf("output = %q, want %q (untampered run)", line, "no")
	}
}

func TestBreakpointConflictOnProcess(t *testing.T) {
	p := launchFixture(t, "regmirror")

	if _, err := p.SetBreakpointByName("check", SoftwareBreakpoint, nil); err != nil {
		t.Fatal(err)
	}
	_, err := p.SetBreakpointByName("check", SoftwareBreakpoint, nil)
	var exists BreakpointExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("second set = %v, want BreakpointExistsError", err)
	}
}

func TestClearedBreakpointNeverFires(t *testing.T) {
	p := launchFixture(t, "regmirror")

	bp, err := p.SetBreakpointByName("check", SoftwareBreakpoint, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.ClearBreakpoint(bp); err != nil {
		t.Fatalf("ClearBreakpoint: %v", err)
	}
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	assertExited(t, p, 0)
	if bp.HitCount != 0 {
		t.Errorf("cleared breakpoint fired %d times", bp.HitCount)
	}
}

func TestHardwareBreakpointRegisterMirror(t *testing.T) {
	p := launchFixture(t, "regmirror")

	bp, err := p.SetBreakpointByName("check", HardwareBreakpoint, func(p *Process, bp *Breakpoint) {
		regs, err := p.Registers()
		if err != nil {
			return
		}
		rdi, _ := regs.Get("rdi")
		if err := regs.Set("rsi", rdi); err != nil {
			return
		}
		p.SetRegisters(regs)
	})
	if err != nil {
		t.Fatalf("SetBreakpointByName: %v", err)
	}

	// the callback resumes implicitly, Continue runs to exit
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	assertExited(t, p, 0)
	if bp.HitCount != 1 {
		t.Errorf("hit count = %d, want 1", bp.HitCount)
	}
	if line := recvLine(t, p); line != "yes" {
		t.Errorf("output = %q, want %q (mirrored registers)", line, "yes")
	}
	if err := p.CallbackError(); err != nil {
		t.Errorf("callback error: %v", err)
	}
}

func TestBreakpointCallbackStopRequest(t *testing.T) {
	p := launchFixture(t, "regmirror")

	_, err := p.SetBreakpointByName("check", SoftwareBreakpoint, func(p *Process, bp *Breakpoint) {
		p.RequestStop()
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if p.State() != StateStopped {
		t.Fatalf("state = %v, want stopped (callback requested stop)", p.State())
	}
	if p.StopReason() != StopBreakpoint {
		t.Errorf("stop reason = %v, want breakpoint", p.StopReason())
	}
}

func TestBreakpointCallbackPanicContained(t *testing.T) {
	p := launchFixture(t, "regmirror")

	bp, err := p.SetBreakpointByName("check", SoftwareBreakpoint, func(p *Process, bp *Breakpoint) {
		panic("callback exploded")
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue after panicking callback: %v", err)
	}
	assertExited(t, p, 0)
	if bp.HitCount != 1 {
		t.Errorf("hit count = %d, want 1", bp.HitCount)
	}
	if p.CallbackError() == nil {
		t.Error("panic was not recorded")
	}
}

func TestSyscallInterception(t *testing.T) {
	p := launchFixture(t, "provola")

	var enters, exits int
	h, err := p.HandleSyscall(sys.SYS_WRITE,
		func(p *Process, h *SyscallHandler) { enters++ },
		func(p *Process, h *SyscallHandler) { exits++ })
	if err != nil {
		t.Fatalf("HandleSyscall: %v", err)
	}

	if _, err := p.Pipe().SendLine([]byte("ack")); err != nil {
		t.Fatal(err)
	}
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	assertExited(t, p, 0)

	// the fixture issues exactly two writes
	if enters != 2 {
		t.Errorf("write entries = %d, want 2", enters)
	}
	if exits != enters {
		t.Errorf("exits = %d, enters = %d, want matched pairs", exits, enters)
	}
	if h.HitCount != uint64(enters) {
		t.Errorf("hit count = %d, want %d (one per entry)", h.HitCount, enters)
	}
}

func TestSyscallExitSeesReturnValue(t *testing.T) {
	p := launchFixture(t, "provola")

	var written uint64
	_, err := p.HandleSyscall(sys.SYS_WRITE, nil, func(p *Process, h *SyscallHandler) {
		regs, err := p.Registers()
		if err != nil {
			return
		}
		written += regs.ReturnValue()
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Pipe().SendLine([]byte("no")); err != nil {
		t.Fatal(err)
	}
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	assertExited(t, p, 0)
	if written != 9 { // len("Provola!\n")
		t.Errorf("bytes written through intercepted syscalls = %d, want 9", written)
	}
}

// TestProvolaScenario drives the full session: a signal hijack and a syscall
// handler installed before cont, the first stdout line read while the target
// blocks on stdin, a line sent back, and both counters checked after exit.
func TestProvolaScenario(t *testing.T) {
	p := launchFixture(t, "provola")

	hijack, err := p.HijackSignal(sys.SIGUSR1, sys.SIGUSR2)
	if err != nil {
		t.Fatal(err)
	}
	handler, err := p.HandleSyscall(sys.SYS_READ, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Continue() }()

	if line := recvLine(t, p); line != "Provola!" {
		t.Errorf("first line = %q, want %q", line, "Provola!")
	}
	if _, err := p.Pipe().SendLine([]byte("3")); err != nil {
		t.Fatalf("SendLine: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Continue: %v", err)
	}
	assertExited(t, p, 0)

	if hijack.HitCount != 1 {
		t.Errorf("hijack hit count = %d, want 1", hijack.HitCount)
	}
	if handler.HitCount != 1 {
		t.Errorf("read handler hit count = %d, want 1", handler.HitCount)
	}
}

func TestSignalHijack(t *testing.T) {
	p := launchFixture(t, "sighijack")

	h, err := p.HijackSignal(sys.SIGUSR1, sys.SIGUSR2)
	if err != nil {
		t.Fatalf("HijackSignal: %v", err)
	}
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	assertExited(t, p, 0)
	if h.HitCount != 1 {
		t.Errorf("hijack hit count = %d, want 1", h.HitCount)
	}
	if line := recvLine(t, p); line != "hijacked" {
		t.Errorf("output = %q, want %q", line, "hijacked")
	}
}

func TestSignalDeliveredUnhijacked(t *testing.T) {
	p := launchFixture(t, "sighijack")

	// no hijack rule: SIGUSR1 reaches the tracee, which ignores it
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	assertExited(t, p, 0)
	out, err := p.Pipe().Recv(200 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("unexpected output %q", out)
	}
}

func TestRequestStopWhileRunning(t *testing.T) {
	p := launchFixture(t, "spin")

	go func() {
		time.Sleep(200 * time.Millisecond)
		p.RequestStop()
	}()
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if p.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", p.State())
	}
	if p.StopReason() != StopManual {
		t.Errorf("stop reason = %v, want manual", p.StopReason())
	}
	if line := recvLine(t, p); line != "spinning" {
		t.Errorf("output = %q, want %q", line, "spinning")
	}

	p.Kill()
	if p.State() != StateKilled {
		t.Fatalf("state after Kill = %v, want killed", p.State())
	}
	if err := p.Continue(); err == nil {
		t.Error("Continue after Kill should fail")
	}
}

func TestStepInstruction(t *testing.T) {
	p := launchFixture(t, "regmirror")

	bp, err := p.SetBreakpointByName("check", SoftwareBreakpoint, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Continue(); err != nil {
		t.Fatal(err)
	}

	regs, err := p.Registers()
	if err != nil {
		t.Fatal(err)
	}
	before := regs.PC()
	if before != bp.Addr {
		t.Fatalf("not stopped on the breakpoint: pc %#x addr %#x", before, bp.Addr)
	}
	if err := p.StepInstruction(); err != nil {
		t.Fatalf("StepInstruction: %v", err)
	}
	regs, err = p.Registers()
	if err != nil {
		t.Fatal(err)
	}
	if regs.PC() == before {
		t.Error("StepInstruction did not advance the pc")
	}

	if err := p.Continue(); err != nil {
		t.Fatal(err)
	}
	assertExited(t, p, 0)
}

func TestDetach(t *testing.T) {
	p := launchFixture(t, "spin")
	pid := p.Pid()

	if err := p.Detach(); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if p.State() != StateDetached {
		t.Fatalf("state = %v, want detached", p.State())
	}
	if err := p.Continue(); err == nil {
		t.Error("Continue after Detach should fail")
	}

	// the detached process is still alive and running on its own
	if err := sys.Kill(pid, 0); err != nil {
		t.Errorf("detached process is gone: %v", err)
	}
	sys.Kill(pid, sys.SIGKILL)
	var ws sys.WaitStatus
	sys.Wait4(pid, &ws, 0, nil)
}

func TestAttach(t *testing.T) {
	bin := buildFixture(t, "spin")
	cmd := exec.Command(bin)
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	defer cmd.Process.Kill()
	time.Sleep(100 * time.Millisecond)

	p, err := Attach(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if p.State() != StateStopped {
		t.Fatalf("state after attach = %v, want stopped", p.State())
	}

	// attached processes have no pipe channels
	if _, err := p.Pipe().Recv(0); err != ErrNoReadChannel {
		t.Errorf("Recv = %v, want ErrNoReadChannel", err)
	}
	if _, err := p.Pipe().Send([]byte("x")); err != ErrNoWriteChannel {
		t.Errorf("Send = %v, want ErrNoWriteChannel", err)
	}

	p.Kill()
	if p.State() != StateKilled {
		t.Errorf("state after Kill = %v, want killed", p.State())
	}
}

func TestHWBreakpointSlotsOnProcess(t *testing.T) {
	p := launchFixture(t, "spin")

	bps := make([]*Breakpoint, 0, hwSlots)
	for i := 0; i < hwSlots; i++ {
		bp, err := p.SetBreakpoint(uint64(0x400000+i*16), HardwareBreakpoint, nil)
		if err != nil {
			t.Fatalf("hardware breakpoint %d: %v", i, err)
		}
		bps = append(bps, bp)
	}
	if _, err := p.SetBreakpoint(0x500000, HardwareBreakpoint, nil); err != ErrHWBreakpointsExhausted {
		t.Fatalf("fifth hardware breakpoint = %v, want ErrHWBreakpointsExhausted", err)
	}
	if err := p.ClearBreakpoint(bps[0]); err != nil {
		t.Fatal(err)
	}
	if _, err := p.SetBreakpoint(0x500000, HardwareBreakpoint, nil); err != nil {
		t.Fatalf("hardware breakpoint after clear: %v", err)
	}
}

func TestTableMutationWhileRunning(t *testing.T) {
	p := launchFixture(t, "spin")

	errc := make(chan error, 1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		_, err := p.HijackSignal(sys.SIGUSR1, sys.SIGUSR2)
		errc <- err
		p.RequestStop()
	}()
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if err := <-errc; err != ErrProcessRunning {
		t.Errorf("HijackSignal while running = %v, want ErrProcessRunning", err)
	}
}

func TestKillIdempotent(t *testing.T) {
	p := launchFixture(t, "spin")
	p.Kill()
	p.Kill()
	if p.State() != StateKilled {
		t.Fatalf("state = %v, want killed", p.State())
	}
}

// TestAttachDuringBlockedSyscall attaches while the target sits inside
// read(2). Entry/exit classification must come from the register state, so
// the in-flight syscall cannot desynchronize the callbacks or the counter.
func TestAttachDuringBlockedSyscall(t *testing.T) {
	bin := buildFixture(t, "provola")
	cmd := exec.Command(bin)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	defer cmd.Process.Kill()

	if line, err := bufio.NewReader(stdout).ReadString('\n'); err != nil || line != "Provola!\n" {
		t.Fatalf("fixture output %q, %v", line, err)
	}
	// the line is out, the fixture is in (or entering) its stdin read
	time.Sleep(100 * time.Millisecond)

	p, err := Attach(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(p.Kill)

	var enters, exits int
	entriesGenuine := true
	h, err := p.HandleSyscall(sys.SYS_READ,
		func(p *Process, h *SyscallHandler) {
			enters++
			if regs, err := p.Registers(); err == nil && !regs.atSyscallEntry() {
				entriesGenuine = false
			}
		},
		func(p *Process, h *SyscallHandler) { exits++ })
	if err != nil {
		t.Fatal(err)
	}

	if _, err := io.WriteString(stdin, "no\n"); err != nil {
		t.Fatal(err)
	}
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	assertExited(t, p, 0)

	if exits < 1 {
		t.Errorf("read exits = %d, want at least the in-flight one", exits)
	}
	if !entriesGenuine {
		t.Error("an enter callback observed exit-state registers")
	}
	if h.HitCount != uint64(enters) {
		t.Errorf("hit count = %d with %d enters, want counting on entries only", h.HitCount, enters)
	}
}

// corruptSectionHeaders smashes the section header fields of an ELF header.
// The kernel reads only the program headers when loading, so the binary
// still runs, but metadata resolution cannot parse it.
func corruptSectionHeaders(t *testing.T, bin string) {
	t.Helper()
	b, err := os.ReadFile(bin)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0x28; i < 0x30; i++ { // e_shoff
		b[i] = 0xff
	}
	b[0x3c], b[0x3d] = 0xff, 0xff // e_shnum
	b[0x3e], b[0x3f] = 0xff, 0xff // e_shstrndx
	if err := os.WriteFile(bin, b, 0o755); err != nil {
		t.Fatal(err)
	}
}

// TestCorruptedBinaryScenario runs a full session against a binary whose
// header no longer parses: resolution degrades with one warning per field,
// the entry point falls back to the auxiliary vector, and the trace session
// itself is unaffected.
func TestCorruptedBinaryScenario(t *testing.T) {
	bin := buildFixture(t, "provola")
	corruptSectionHeaders(t, bin)

	hook := test.NewLocal(resolverLog.Logger)
	defer hook.Reset()

	p, err := Launch(LaunchConfig{Argv: []string{bin}, DisableASLR: true})
	if err != nil {
		t.Fatalf("launch corrupted binary: %v", err)
	}
	t.Cleanup(p.Kill)

	if !p.BinInfo().Degraded() {
		t.Error("resolution of the corrupted binary should degrade")
	}
	var archWarn, entryWarn bool
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, "Failed to get the architecture of the binary: ") {
			archWarn = true
		}
		if strings.HasPrefix(e.Message, "Failed to get the entry point for the given binary: ") {
			entryWarn = true
		}
	}
	if !archWarn {
		t.Error("missing architecture warning")
	}
	if !entryWarn {
		t.Error("missing entry point warning")
	}

	entry, err := p.EntryPoint()
	if err != nil || entry == 0 {
		t.Errorf("EntryPoint through the auxiliary vector = %#x, %v", entry, err)
	}
	if _, err := p.SetBreakpointByName("main", SoftwareBreakpoint, nil); err == nil {
		t.Error("breakpoint by name should fail without a symbol table")
	}

	hijack, err := p.HijackSignal(sys.SIGUSR1, sys.SIGUSR2)
	if err != nil {
		t.Fatal(err)
	}
	handler, err := p.HandleSyscall(sys.SYS_READ, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Continue() }()

	if line := recvLine(t, p); line != "Provola!" {
		t.Errorf("first line = %q, want %q", line, "Provola!")
	}
	if _, err := p.Pipe().SendLine([]byte("3")); err != nil {
		t.Fatalf("SendLine: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Continue: %v", err)
	}
	assertExited(t, p, 0)

	if hijack.HitCount != 1 {
		t.Errorf("hijack hit count = %d, want 1", hijack.HitCount)
	}
	if handler.HitCount != 1 {
		t.Errorf("read handler hit count = %d, want 1", handler.HitCount)
	}
}

// TestBreakpointDisableInsideCallback disables a breakpoint from its own
// callback: the patch is removed, later passes over the address never fire.
func TestBreakpointDisableInsideCallback(t *testing.T) {
	p := launchFixture(t, "countdown")

	var patchGone bool
	bp, err := p.SetBreakpointByName("tick", SoftwareBreakpoint, func(p *Process, bp *Breakpoint) {
		if err := bp.Disable(); err != nil {
			return
		}
		mem := make([]byte, 1)
		if _, err := p.ReadMemory(mem, bp.Addr); err == nil {
			patchGone = mem[0] != 0xCC
		}
	})
	if err != nil {
		t.Fatalf("SetBreakpointByName: %v", err)
	}

	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	assertExited(t, p, 0)

	// tick runs three times, the breakpoint fires only on the first
	if bp.HitCount != 1 {
		t.Errorf("hit count = %d, want 1 (disabled itself on the first hit)", bp.HitCount)
	}
	if !patchGone {
		t.Error("software patch still present after Disable")
	}
	if bp.Enabled() {
		t.Error("breakpoint still enabled")
	}
	if err := p.CallbackError(); err != nil {
		t.Errorf("callback error: %v", err)
	}
	if line := recvLine(t, p); line != "done" {
		t.Errorf("output = %q, want %q", line, "done")
	}
}

// TestBreakpointOnExitSyscall puts a breakpoint on the exit_group
// instruction itself, so the tracee exits during the step over the patch.
// Exit is a normal outcome for Continue wherever it happens.
func TestBreakpointOnExitSyscall(t *testing.T) {
	p := launchFixture(t, "exitstep")

	bp, err := p.SetBreakpointByName("leave_syscall", SoftwareBreakpoint, nil)
	if err != nil {
		t.Fatalf("SetBreakpointByName: %v", err)
	}
	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if p.StopReason() != StopBreakpoint || p.CurrentBreakpoint() != bp {
		t.Fatalf("not stopped on the breakpoint: %v %v", p.StopReason(), p.CurrentBreakpoint())
	}

	if err := p.Continue(); err != nil {
		t.Fatalf("Continue over the exiting instruction: %v", err)
	}
	assertExited(t, p, 0)
	if line := recvLine(t, p); line != "bye" {
		t.Errorf("output = %q, want %q", line, "bye")
	}
}

// TestRequestStopFromSyscallCallback pins the stop reason when a syscall
// callback requests the stop: the handed-back stop is Manual, not a stale
// reason from an earlier event.
func TestRequestStopFromSyscallCallback(t *testing.T) {
	p := launchFixture(t, "provola")

	_, err := p.HandleSyscall(sys.SYS_WRITE, func(p *Process, h *SyscallHandler) {
		p.RequestStop()
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Pipe().SendLine([]byte("no")); err != nil {
		t.Fatal(err)
	}

	if err := p.Continue(); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if p.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", p.State())
	}
	if p.StopReason() != StopManual {
		t.Errorf("stop reason = %v, want manual", p.StopReason())
	}

	if err := p.Continue(); err != nil {
		t.Fatalf("second Continue: %v", err)
	}
	assertExited(t, p, 0)
}
