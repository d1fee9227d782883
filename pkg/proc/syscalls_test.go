package proc

import "testing"

func TestSyscallHandlerReplace(t *testing.T) {
	tbl := newSyscallTable()

	h1, err := tbl.set(1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	h1.HitCount = 7

	h2, err := tbl.set(1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h2 == h1 {
		t.Fatal("re-registering should produce a new handler")
	}
	if h2.HitCount != 0 {
		t.Errorf("new handler starts with hit count %d, want 0", h2.HitCount)
	}

	if err := tbl.remove(h1); err == nil {
		t.Error("removing a replaced handler should fail")
	}
	if err := tbl.remove(h2); err != nil {
		t.Errorf("removing the live handler: %v", err)
	}
	if !tbl.empty() {
		t.Error("table should be empty")
	}
}
