package bpfman

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
)

func newTestDispatcherEngine(t *testing.T, kernel KernelLoader) *DispatcherEngine {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"xdp", "tc-ingress", "tc-egress", "progs"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o750); err != nil {
			t.Fatal(err)
		}
	}
	dirs := dispatcherDirs{
		Xdp:       filepath.Join(root, "xdp"),
		TcIngress: filepath.Join(root, "tc-ingress"),
		TcEgress:  filepath.Join(root, "tc-egress"),
	}
	return newDispatcherEngine(kernel, dirs, filepath.Join(root, "progs"), logr.Discard())
}

func TestDispatcherEngineBuildPinsAndRetargets(t *testing.T) {
	kernel := newFakeKernel()
	e := newTestDispatcherEngine(t, kernel)

	id := DispatcherId{Kind: Xdp, IfIndex: 2}
	programs := []*Program{{Name: "p1", Kind: Xdp, IfIndex: 2, Position: 0}}

	d, err := e.build(id, "eth0", nil, programs, 1, nil)
	if err != nil {
		t.Fatalf("build() = %v, want nil", err)
	}
	if d.Revision != 1 {
		t.Errorf("Revision = %d, want 1", d.Revision)
	}
	if d.PinPath == "" {
		t.Error("expected a non-empty pin path")
	}
	if len(d.linkHandles) != 1 {
		t.Fatalf("expected 1 link handle, got %d", len(d.linkHandles))
	}
}

func TestDispatcherEngineBuildRetargetFailureCleansUp(t *testing.T) {
	kernel := newFakeKernel()
	kernel.retargetErr = errors.New("hook busy")
	e := newTestDispatcherEngine(t, kernel)

	id := DispatcherId{Kind: Xdp, IfIndex: 2}
	programs := []*Program{{Name: "p1", Kind: Xdp, IfIndex: 2}}

	_, err := e.build(id, "eth0", nil, programs, 1, nil)
	if err == nil {
		t.Fatal("expected build() to propagate the retarget error")
	}
	kind, ok := ErrKindOf(err)
	if !ok || kind != ErrKernel {
		t.Errorf("ErrKindOf(err) = (%v, %v), want (%v, true)", kind, ok, ErrKernel)
	}
	if !kernel.built.closed {
		t.Error("expected the new dispatcher handle to be closed after a failed retarget")
	}
	for i, l := range kernel.builtLinks {
		if !l.(*fakeLinkHandle).closed {
			t.Errorf("expected extension link %d to be closed after a failed retarget", i)
		}
	}
}

func TestDispatcherEngineBuildReplacesOld(t *testing.T) {
	kernel := newFakeKernel()
	e := newTestDispatcherEngine(t, kernel)

	id := DispatcherId{Kind: Xdp, IfIndex: 2}
	first, err := e.build(id, "eth0", nil, []*Program{{Name: "p1", Kind: Xdp, IfIndex: 2}}, 1, nil)
	if err != nil {
		t.Fatalf("first build() = %v", err)
	}

	second, err := e.build(id, "eth0", nil, []*Program{{Name: "p1", Kind: Xdp, IfIndex: 2}, {Name: "p2", Kind: Xdp, IfIndex: 2}}, first.NextRevision(), first)
	if err != nil {
		t.Fatalf("second build() = %v", err)
	}
	if second.Revision != 2 {
		t.Errorf("second.Revision = %d, want 2", second.Revision)
	}
	if _, err := os.Stat(first.PinPath); !os.IsNotExist(err) {
		t.Error("expected the first dispatcher's pin to be removed once superseded")
	}
}

func TestDispatcherEngineDeleteClosesHandles(t *testing.T) {
	kernel := newFakeKernel()
	e := newTestDispatcherEngine(t, kernel)

	id := DispatcherId{Kind: Xdp, IfIndex: 2}
	d, err := e.build(id, "eth0", nil, []*Program{{Name: "p1", Kind: Xdp, IfIndex: 2}}, 1, nil)
	if err != nil {
		t.Fatalf("build() = %v", err)
	}

	link := d.linkHandles[0].(*fakeLinkHandle)
	prog := d.programHandle.(*fakeDispatcherHandle)

	e.delete(d, true)

	if !link.closed {
		t.Error("expected delete() to close the link handle")
	}
	if !prog.closed {
		t.Error("expected delete() to close the dispatcher program handle")
	}
	if _, err := os.Stat(d.PinPath); !os.IsNotExist(err) {
		t.Error("expected delete() to remove the dispatcher pin")
	}
}
