package rpcserver

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/bpfman/bpfmand/pkg/bpfman"
)

// The fakes below are deliberately minimal: rpcserver only needs a Manager
// that can actually run its command loop over a real socket, not the full
// behavioral coverage pkg/bpfman's own tests already provide.

type fakeTree struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (t *fakeTree) Put(key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.data == nil {
		t.data = make(map[string][]byte)
	}
	t.data[key] = append([]byte(nil), value...)
	return nil
}

func (t *fakeTree) Get(key string) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.data[key]
	return v, ok, nil
}

func (t *fakeTree) ContainsKey(key string) (bool, error) {
	_, ok, _ := t.Get(key)
	return ok, nil
}

func (t *fakeTree) PrefixScan(prefix string) (map[string][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range t.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out[k] = v
		}
	}
	return out, nil
}

type fakeStore struct {
	mu    sync.Mutex
	trees map[string]*fakeTree
}

func newFakeStore() *fakeStore { return &fakeStore{trees: make(map[string]*fakeTree)} }

func (s *fakeStore) OpenTree(name string) (bpfman.Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trees[name]
	if !ok {
		t = &fakeTree{data: make(map[string][]byte)}
		s.trees[name] = t
	}
	return t, nil
}

func (s *fakeStore) TreeNames() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.trees))
	for n := range s.trees {
		names = append(names, n)
	}
	return names, nil
}

func (s *fakeStore) DropTree(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trees, name)
	return nil
}

func (s *fakeStore) Flush() error { return nil }
func (s *fakeStore) Close() error { return nil }

type fakeLinkHandle struct{}

func (fakeLinkHandle) Pin(string) error                { return nil }
func (fakeLinkHandle) Unpin() error                    { return nil }
func (fakeLinkHandle) Close() error                    { return nil }
func (fakeLinkHandle) Update(bpfman.ProgramHandle) error { return nil }

type fakeProgramHandle struct{}

// Pin leaves a file at path so fakeKernel.ListLoaded can tell the program
// is still pinned, and so still loaded.
func (fakeProgramHandle) Pin(path string) error { return os.WriteFile(path, nil, 0o640) }
func (fakeProgramHandle) Unpin() error     { return nil }
func (fakeProgramHandle) Close() error     { return nil }

type fakeMapSet struct{}

func (fakeMapSet) Names() []string                 { return nil }
func (fakeMapSet) Pin(name, path string) error      { return nil }

// fakeKernel loads every program as id 42; it reports program 42 as loaded
// for as long as its pin under progPinDir exists.
type fakeKernel struct {
	progPinDir string
}

func (fakeKernel) ValidateExtension(bytes []byte, name string) error { return nil }
func (fakeKernel) BuildDispatcher(kind bpfman.Kind, ifIndex uint32, direction bpfman.Direction, ifCfg *bpfman.IfConfig, pinDir string, programs []*bpfman.Program) (bpfman.DispatcherHandle, []bpfman.LinkHandle, error) {
	return nil, nil, nil
}
func (fakeKernel) RetargetHook(kind bpfman.Kind, ifIndex uint32, direction bpfman.Direction, newDispatcher bpfman.DispatcherHandle) error {
	return nil
}
func (fakeKernel) LoadDispatcherPin(path string) (bpfman.DispatcherHandle, error) { return nil, nil }
func (fakeKernel) LoadSingleAttach(progBytes []byte, name string, global map[string][]byte, mapPinPath string) (bpfman.ProgramHandle, uint32, bpfman.Kind, bpfman.MapSet, error) {
	return fakeProgramHandle{}, 42, bpfman.Tracepoint, fakeMapSet{}, nil
}
func (fakeKernel) AttachTracepoint(prog bpfman.ProgramHandle, category, name string) (bpfman.LinkHandle, error) {
	return fakeLinkHandle{}, nil
}
func (fakeKernel) AttachKprobe(prog bpfman.ProgramHandle, fnName string, offset uint64, retprobe bool) (bpfman.LinkHandle, error) {
	return fakeLinkHandle{}, nil
}
func (fakeKernel) AttachUprobe(prog bpfman.ProgramHandle, fnName string, offset uint64, target string, pid *uint32) (bpfman.LinkHandle, error) {
	return fakeLinkHandle{}, nil
}
func (k fakeKernel) ListLoaded() ([]bpfman.KernelProgramInfo, error) {
	if _, err := os.Stat(filepath.Join(k.progPinDir, "prog_42")); err != nil {
		return nil, nil
	}
	return []bpfman.KernelProgramInfo{{Id: 42, Kind: bpfman.Tracepoint, Name: "trace_fn"}}, nil
}
func (fakeKernel) IfIndexByName(name string) (uint32, error)       { return 2, nil }

type fakeImageStore struct{}

func (fakeImageStore) Pull(ctx context.Context, url string, policy bpfman.PullPolicy, username, password string, allowUnsigned bool) (string, string, error) {
	return "digest", "fn", nil
}
func (fakeImageStore) GetBytecode(ctx context.Context, contentKey string) ([]byte, error) {
	return []byte("fake-elf-bytes"), nil
}

func startTestServer(t *testing.T) (sockPath string, stop func()) {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"xdp", "tc-ingress", "tc-egress", "progs", "maps"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o750); err != nil {
			t.Fatal(err)
		}
	}

	manager := bpfman.NewManager(
		logr.Discard(),
		fakeKernel{progPinDir: filepath.Join(root, "progs")},
		newFakeStore(),
		fakeImageStore{},
		filepath.Join(root, "xdp"),
		filepath.Join(root, "tc-ingress"),
		filepath.Join(root, "tc-egress"),
		filepath.Join(root, "progs"),
		filepath.Join(root, "maps"),
		bpfman.Config{},
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = manager.Run(ctx) }()

	sockPath = filepath.Join(root, "bpfmand.sock")
	serveCtx, serveCancel := context.WithCancel(ctx)
	go func() { _ = Serve(serveCtx, sockPath, manager, logr.Discard()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(sockPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for rpc socket to appear")
		}
		time.Sleep(10 * time.Millisecond)
	}

	return sockPath, func() {
		serveCancel()
		cancel()
	}
}

func writeBytecodeFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog.o")
	if err := os.WriteFile(path, []byte("fake-elf-bytes"), 0o640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClientLoadListGetUnloadRoundTrip(t *testing.T) {
	sockPath, stop := startTestServer(t)
	defer stop()

	client := NewClient(sockPath)

	program := &bpfman.Program{
		Kind:       bpfman.Tracepoint,
		Name:       "trace_fn",
		Tracepoint: &bpfman.TracepointAttachInfo{Tracepoint: "syscalls/sys_enter_openat"},
	}
	loaded, err := client.Load(program, bpfman.BytecodeSource{File: writeBytecodeFile(t)})
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}
	if loaded.Id != 42 {
		t.Errorf("loaded.Id = %d, want 42", loaded.Id)
	}

	got, err := client.Get(loaded.Id)
	if err != nil {
		t.Fatalf("Get() = %v, want nil", err)
	}
	if got.Name != "trace_fn" {
		t.Errorf("Get().Name = %q, want trace_fn", got.Name)
	}

	list, err := client.List()
	if err != nil {
		t.Fatalf("List() = %v, want nil", err)
	}
	if len(list) != 1 {
		t.Errorf("List() returned %d programs, want 1", len(list))
	}

	if err := client.Unload(loaded.Id); err != nil {
		t.Fatalf("Unload() = %v, want nil", err)
	}

	if _, err := client.Get(loaded.Id); err == nil {
		t.Error("expected Get() after Unload() to return an error")
	}
}

func TestClientPullBytecode(t *testing.T) {
	sockPath, stop := startTestServer(t)
	defer stop()

	client := NewClient(sockPath)
	if err := client.PullBytecode(bpfman.ImageSource{URL: "quay.io/example/prog:latest"}); err != nil {
		t.Fatalf("PullBytecode() = %v, want nil", err)
	}
}

func TestClientUnloadUnknownProgramReturnsError(t *testing.T) {
	sockPath, stop := startTestServer(t)
	defer stop()

	client := NewClient(sockPath)
	if err := client.Unload(9999); err == nil {
		t.Error("expected Unload() of an unknown id to return an error")
	}
}
