package bpfman

import "testing"

func TestProgramIsFilter(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{Xdp, true},
		{Tc, true},
		{Tracepoint, false},
		{Kprobe, false},
		{Uprobe, false},
	}
	for _, c := range cases {
		p := &Program{Kind: c.kind}
		if got := p.IsFilter(); got != c.want {
			t.Errorf("Program{Kind: %s}.IsFilter() = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestProgramDispatcherId(t *testing.T) {
	p := &Program{Kind: Tc, IfIndex: 4, Direction: Egress}
	id, ok := p.DispatcherId()
	if !ok {
		t.Fatal("expected ok for a Tc program")
	}
	want := DispatcherId{Kind: Tc, IfIndex: 4, Direction: Egress}
	if id != want {
		t.Errorf("DispatcherId() = %+v, want %+v", id, want)
	}

	tp := &Program{Kind: Tracepoint}
	if _, ok := tp.DispatcherId(); ok {
		t.Error("expected ok=false for a non-filter program")
	}
}

func TestDispatcherNextRevision(t *testing.T) {
	var nilDispatcher *Dispatcher
	if got := nilDispatcher.NextRevision(); got != 1 {
		t.Errorf("nil Dispatcher.NextRevision() = %d, want 1", got)
	}

	d := &Dispatcher{Revision: 5}
	if got := d.NextRevision(); got != 6 {
		t.Errorf("Dispatcher{Revision: 5}.NextRevision() = %d, want 6", got)
	}
}

func TestDefaultXdpProceedOn(t *testing.T) {
	got := DefaultXdpProceedOn()
	want := []ProceedOn{Pass, DispatcherReturn}
	if len(got) != len(want) {
		t.Fatalf("DefaultXdpProceedOn() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("DefaultXdpProceedOn()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
