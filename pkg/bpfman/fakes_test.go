package bpfman

import (
	"context"
	"fmt"
	"sync"
)

// fakeStore is an in-memory Store used across tests in place of BoltStore.
type fakeStore struct {
	mu    sync.Mutex
	trees map[string]*fakeTree
}

func newFakeStore() *fakeStore {
	return &fakeStore{trees: make(map[string]*fakeTree)}
}

func (s *fakeStore) OpenTree(name string) (Tree, error) {
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

type fakeTree struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (t *fakeTree) Put(key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
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

// fakeProgramHandle/fakeLinkHandle/fakeDispatcherHandle/fakeMapSet are
// in-memory stand-ins for the cilium-backed kernel handles, recording
// whether they were pinned/closed so tests can assert on teardown.
type fakeProgramHandle struct {
	pinPath string
	pinned  bool
	closed  bool
	unpinned bool
}

func (h *fakeProgramHandle) Pin(path string) error { h.pinPath = path; h.pinned = true; return nil }
func (h *fakeProgramHandle) Unpin() error          { h.unpinned = true; return nil }
func (h *fakeProgramHandle) Close() error          { h.closed = true; return nil }

type fakeLinkHandle struct {
	pinPath  string
	pinned   bool
	closed   bool
	unpinned bool
	pinErr   error
}

func (h *fakeLinkHandle) Pin(path string) error {
	if h.pinErr != nil {
		return h.pinErr
	}
	h.pinPath = path
	h.pinned = true
	return nil
}
func (h *fakeLinkHandle) Unpin() error            { h.unpinned = true; return nil }
func (h *fakeLinkHandle) Close() error            { h.closed = true; return nil }
func (h *fakeLinkHandle) Update(ProgramHandle) error { return nil }

type fakeDispatcherHandle struct {
	pinPath string
	pinned  bool
	closed  bool
	pinErr  error
}

func (h *fakeDispatcherHandle) Pin(path string) error {
	if h.pinErr != nil {
		return h.pinErr
	}
	h.pinPath = path
	h.pinned = true
	return nil
}
func (h *fakeDispatcherHandle) Close() error { h.closed = true; return nil }

type fakeMapSet struct {
	names  []string
	pinned map[string]string
}

func (s *fakeMapSet) Names() []string { return s.names }
func (s *fakeMapSet) Pin(name, path string) error {
	if s.pinned == nil {
		s.pinned = make(map[string]string)
	}
	s.pinned[name] = path
	return nil
}

// fakeKernel is a configurable KernelLoader double.
type fakeKernel struct {
	ifIndexes map[string]uint32

	validateErr error

	buildErr      error
	retargetErr   error
	loadPinErr    error

	singleAttachKind Kind
	singleAttachErr  error
	singleAttachId   uint32

	attachErr error

	// nextExtId hands each freshly loaded extension its own kernel id, the
	// way the kernel never reuses the id of a live program.
	nextExtId uint32

	// built and builtLinks record the last BuildDispatcher result so tests
	// can assert on its teardown.
	built      *fakeDispatcherHandle
	builtLinks []LinkHandle

	// loaded is what ListLoaded reports as loaded in the kernel.
	loaded []KernelProgramInfo
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{ifIndexes: map[string]uint32{"eth0": 2, "eth1": 3}}
}

func (k *fakeKernel) IfIndexByName(name string) (uint32, error) {
	idx, ok := k.ifIndexes[name]
	if !ok {
		return 0, newErr(ErrInvalidInterface, name)
	}
	return idx, nil
}

func (k *fakeKernel) ValidateExtension(bytes []byte, name string) error { return k.validateErr }

func (k *fakeKernel) BuildDispatcher(kind Kind, ifIndex uint32, direction Direction, ifCfg *IfConfig, pinDir string, programs []*Program) (DispatcherHandle, []LinkHandle, error) {
	if k.buildErr != nil {
		return nil, nil, k.buildErr
	}
	links := make([]LinkHandle, len(programs))
	for i, p := range programs {
		if len(p.ProgramBytes) > 0 {
			p.Id = 1000 + k.nextExtId
			k.nextExtId++
			p.ProgramPinPath = fmt.Sprintf("%s/prog_%d", pinDir, p.Id)
		}
		links[i] = &fakeLinkHandle{}
	}
	k.built = &fakeDispatcherHandle{}
	k.builtLinks = links
	return k.built, links, nil
}

func (k *fakeKernel) RetargetHook(kind Kind, ifIndex uint32, direction Direction, newDispatcher DispatcherHandle) error {
	return k.retargetErr
}

func (k *fakeKernel) LoadDispatcherPin(path string) (DispatcherHandle, error) {
	if k.loadPinErr != nil {
		return nil, k.loadPinErr
	}
	return &fakeDispatcherHandle{pinPath: path, pinned: true}, nil
}

func (k *fakeKernel) LoadSingleAttach(progBytes []byte, name string, global map[string][]byte, mapPinPath string) (ProgramHandle, uint32, Kind, MapSet, error) {
	if k.singleAttachErr != nil {
		return nil, 0, Unsupported, nil, k.singleAttachErr
	}
	id := k.singleAttachId
	if id == 0 {
		id = 42
	}
	return &fakeProgramHandle{}, id, k.singleAttachKind, &fakeMapSet{names: []string{"counters"}}, nil
}

func (k *fakeKernel) AttachTracepoint(prog ProgramHandle, category, name string) (LinkHandle, error) {
	if k.attachErr != nil {
		return nil, k.attachErr
	}
	return &fakeLinkHandle{}, nil
}

func (k *fakeKernel) AttachKprobe(prog ProgramHandle, fnName string, offset uint64, retprobe bool) (LinkHandle, error) {
	if k.attachErr != nil {
		return nil, k.attachErr
	}
	return &fakeLinkHandle{}, nil
}

func (k *fakeKernel) AttachUprobe(prog ProgramHandle, fnName string, offset uint64, target string, pid *uint32) (LinkHandle, error) {
	if k.attachErr != nil {
		return nil, k.attachErr
	}
	return &fakeLinkHandle{}, nil
}

func (k *fakeKernel) ListLoaded() ([]KernelProgramInfo, error) { return k.loaded, nil }

// fakeImageStore is a minimal synchronous ImageStore double.
type fakeImageStore struct {
	contentKey string
	fnName     string
	bytes      []byte
	pullErr    error
	getErr     error
}

func (s *fakeImageStore) Pull(ctx context.Context, url string, policy PullPolicy, username, password string, allowUnsigned bool) (string, string, error) {
	if s.pullErr != nil {
		return "", "", s.pullErr
	}
	key := s.contentKey
	if key == "" {
		key = fmt.Sprintf("digest-%s", url)
	}
	return key, s.fnName, nil
}

func (s *fakeImageStore) GetBytecode(ctx context.Context, contentKey string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.bytes, nil
}
