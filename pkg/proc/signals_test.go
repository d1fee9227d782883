package proc

import (
	"testing"

	sys "golang.org/x/sys/unix"
)

func TestHijackValidation(t *testing.T) {
	tbl := newSignalHijackTable()

	if _, err := tbl.set(sys.SIGUSR1, sys.SIGUSR1); err == nil {
		t.Error("hijacking a signal to itself should fail")
	}
	if _, err := tbl.set(0, sys.SIGUSR2); err == nil {
		t.Error("signal 0 should be rejected")
	}
	if _, err := tbl.set(65, sys.SIGUSR2); err == nil {
		t.Error("signal 65 should be rejected")
	}
	if _, err := tbl.set(sys.SIGKILL, sys.SIGUSR2); err == nil {
		t.Error("hijacking SIGKILL should be rejected, it is never reported")
	}
	if _, err := tbl.set(sys.SIGSTOP, sys.SIGUSR2); err == nil {
		t.Error("hijacking SIGSTOP should be rejected, it is never reported")
	}
	if _, err := tbl.set(sys.SIGUSR2, sys.SIGKILL); err != nil {
		t.Errorf("SIGKILL as a replacement rejected: %v", err)
	}
	if _, err := tbl.set(sys.SIGUSR1, sys.SIGUSR2); err != nil {
		t.Errorf("valid hijack rejected: %v", err)
	}
}

func TestHijackReplaceResetsCounter(t *testing.T) {
	tbl := newSignalHijackTable()

	h1, err := tbl.set(sys.SIGUSR1, sys.SIGUSR2)
	if err != nil {
		t.Fatal(err)
	}
	h1.HitCount = 3

	h2, err := tbl.set(sys.SIGUSR1, sys.SIGTERM)
	if err != nil {
		t.Fatal(err)
	}
	if h2 == h1 {
		t.Fatal("re-registering should produce a new rule")
	}
	if h2.HitCount != 0 {
		t.Errorf("new rule starts with hit count %d, want 0", h2.HitCount)
	}

	// the replaced rule is gone, removing it fails
	if err := tbl.remove(h1); err == nil {
		t.Error("removing a replaced rule should fail")
	}
	if err := tbl.remove(h2); err != nil {
		t.Errorf("removing the live rule: %v", err)
	}
}
