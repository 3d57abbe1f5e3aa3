package bpfman

// DispatcherHandle is an opaque kernel-loader handle for a loaded
// dispatcher program. The manager never inspects it; it only pins,
// retargets, and tears it down through the KernelLoader.
type DispatcherHandle interface {
	Pin(path string) error
	Close() error
}

// ProgramHandle is an opaque kernel-loader handle for a single loaded eBPF
// program.
type ProgramHandle interface {
	Pin(path string) error
	Unpin() error
	Close() error
}

// LinkHandle is an opaque kernel-loader handle for an attach link. Pinning
// it keeps the attachment alive independently of the owning process
// (spec GLOSSARY "Attach link").
type LinkHandle interface {
	Pin(path string) error
	Unpin() error
	// Update atomically retargets the link at a new program. The
	// Dispatcher engine does not use it: step 4 of build() goes through
	// KernelLoader.RetargetHook (spec §4.3).
	Update(ProgramHandle) error
	Close() error
}

// MapSet is the set of maps a loaded collection exposes, keyed by name,
// available to pin under a program's map directory (spec §4.5 step 4).
type MapSet interface {
	Names() []string
	Pin(name, path string) error
}

// KernelProgramInfo is kernel metadata about a loaded program, used to
// synthesize Unsupported Program entries for list/get (spec §4.5).
type KernelProgramInfo struct {
	Id   uint32
	Kind Kind
	Name string
}

// KernelLoader is the external collaborator spec.md §6 describes: it loads
// bytecode objects, attaches them to kernel hooks, and can enumerate
// everything currently loaded. bpfmand's core only ever talks to this
// interface; kernel_cilium.go is the concrete implementation built on
// cilium/ebpf.
type KernelLoader interface {
	// ValidateExtension dry-loads bytes as an extension of the given
	// dispatcher-compatible BPF function name, to confirm the symbol
	// exists, without attaching or pinning anything (spec §4.5 step 1 of
	// add_multi_attach).
	ValidateExtension(bytes []byte, name string) error

	// BuildDispatcher loads the umbrella dispatcher object for kind at
	// ifIndex/direction and attaches each of programs as an extension at
	// its assigned Position, returning the dispatcher handle plus a link
	// handle per program in the same order. For a program with
	// ProgramBytes still set (the one just being added) it loads fresh
	// bytecode and pins the result under pinDir, recording the path on
	// Program.ProgramPinPath; for every other program (already attached
	// in a prior generation, its bytes long since cleared per invariant
	// 7) it reopens the extension from its existing ProgramPinPath
	// instead of requiring bytecode it no longer has. It neither pins the
	// dispatcher nor retargets the kernel hook; the Dispatcher engine
	// does both (spec §4.3 steps 1-2).
	BuildDispatcher(kind Kind, ifIndex uint32, direction Direction, ifCfg *IfConfig, pinDir string, programs []*Program) (DispatcherHandle, []LinkHandle, error)

	// RetargetHook atomically swaps the kernel hook at (kind, ifIndex,
	// direction) to point at newDispatcher (spec §4.3 step 4).
	RetargetHook(kind Kind, ifIndex uint32, direction Direction, newDispatcher DispatcherHandle) error

	// LoadDispatcherPin loads a previously-pinned dispatcher back into a
	// handle; used by the Rebuilder (spec §4.6).
	LoadDispatcherPin(path string) (DispatcherHandle, error)

	// LoadSingleAttach loads bytes for a Tracepoint/Kprobe/Uprobe
	// program, installing global as loader constants and reusing
	// mapPinPath if it is non-empty. It returns the program handle, the
	// kernel-assigned id, the kernel-reported Kind (used to detect a
	// kprobe/kretprobe mismatch), and the resulting map set.
	LoadSingleAttach(bytes []byte, name string, global map[string][]byte, mapPinPath string) (ProgramHandle, uint32, Kind, MapSet, error)

	AttachTracepoint(prog ProgramHandle, category, name string) (LinkHandle, error)
	AttachKprobe(prog ProgramHandle, fnName string, offset uint64, retprobe bool) (LinkHandle, error)
	AttachUprobe(prog ProgramHandle, fnName string, offset uint64, target string, pid *uint32) (LinkHandle, error)

	// ListLoaded enumerates every kernel-loaded eBPF program (spec §4.5
	// list/get, §6).
	ListLoaded() ([]KernelProgramInfo, error)

	// IfIndexByName resolves an interface name to its kernel index,
	// failing with ErrInvalidInterface if the interface does not exist
	// (spec §4.5 step 3).
	IfIndexByName(name string) (uint32, error)
}
