package bpfman

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/bpfman/bpfmand/pkg/bpfman/uprobens"
)

// Config is the subset of daemon configuration the Program manager acts on
// directly (SPEC_FULL "Interface-level dispatcher tuning"); internal/config
// builds one of these from TOML. It carries no signing policy: image pulls
// take AllowUnsigned from each request.
type Config struct {
	Interfaces map[string]*IfConfig
}

// Manager is the Program manager (spec §4.5): the single task that owns
// ProgramMap, DispatcherMap, and the MapRegistry, and the only caller of
// KernelLoader and Store. Every mutation flows through Run's command loop;
// nothing else may touch the maps concurrently (spec §5).
type Manager struct {
	log logr.Logger
	cfg Config

	kernel KernelLoader
	store  Store
	images ImageStore

	dispatcherEngine *DispatcherEngine
	mapRegistry      *MapRegistry

	programs    *ProgramMap
	dispatchers *DispatcherMap

	progPinDir string

	commands chan Command
}

// NewManager wires a Manager from its collaborators. progPinDir is where
// single-attach programs are pinned (RTDIR_FS, spec §6).
func NewManager(log logr.Logger, kernel KernelLoader, store Store, images ImageStore, xdpDispatcherDir, tcIngressDispatcherDir, tcEgressDispatcherDir, progPinDir, mapsDir string, cfg Config) *Manager {
	dirs := dispatcherDirsOf(xdpDispatcherDir, tcIngressDispatcherDir, tcEgressDispatcherDir)
	return &Manager{
		log:              log,
		cfg:              cfg,
		kernel:           kernel,
		store:            store,
		images:           images,
		dispatcherEngine: newDispatcherEngine(kernel, dirs, progPinDir, log),
		mapRegistry:      newMapRegistry(mapsDir, log),
		programs:         newProgramMap(),
		dispatchers:      newDispatcherMap(),
		progPinDir:       progPinDir,
		commands:         make(chan Command, 64),
	}
}

func dispatcherDirsOf(xdp, tcIngress, tcEgress string) dispatcherDirs {
	return dispatcherDirs{Xdp: xdp, TcIngress: tcIngress, TcEgress: tcEgress}
}

// Commands is the send side front ends use to submit work (spec §2 "a
// single command receiver feeds the program manager").
func (m *Manager) Commands() chan<- Command { return m.commands }

// Run drives the command loop until ctx is cancelled (spec §5's suspension
// discipline: the task only ever blocks on this select). On cancellation it
// flushes the store and returns.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if err := m.store.Flush(); err != nil {
				m.log.Error(err, "flush persistent store on shutdown")
			}
			return nil
		case cmd := <-m.commands:
			m.dispatch(ctx, cmd)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case LoadCommand:
		p, err := m.add(ctx, c.Program, c.Bytecode)
		c.Reply <- LoadResult{Program: p, Err: err}
	case UnloadCommand:
		c.Reply <- m.remove(c.Id)
	case ListCommand:
		progs, err := m.list()
		c.Reply <- ListResult{Programs: progs, Err: err}
	case GetCommand:
		p, err := m.get(c.Id)
		c.Reply <- GetResult{Program: p, Err: err}
	case PullBytecodeCommand:
		_, _, err := m.images.Pull(c.Ctx, c.Image.URL, c.Image.Policy, c.Image.Username, c.Image.Password, c.Image.AllowUnsigned)
		c.Reply <- err
	default:
		m.log.Info("unknown command type, ignoring", "type", fmt.Sprintf("%T", cmd))
	}
}

// add implements spec §4.5 add(): fetch bytecode, load and attach via the
// multi- or single-attach path, then persist on success. ProgramBytes is
// always cleared before returning (spec invariant 7).
func (m *Manager) add(ctx context.Context, program *Program, bytecode BytecodeSource) (*Program, error) {
	if err := m.fetchBytecode(ctx, program, bytecode); err != nil {
		return nil, err
	}
	defer func() { program.ProgramBytes = nil }()

	var (
		id  uint32
		err error
	)
	if program.IsFilter() {
		id, err = m.addMultiAttach(program)
	} else {
		id, err = m.addSingleAttach(ctx, program)
	}
	if err != nil {
		return nil, err
	}
	program.Id = id

	tree, err := m.store.OpenTree(strconv.FormatUint(uint64(id), 10))
	if err != nil {
		return nil, wrapErr(ErrGeneric, "open program tree", err)
	}
	if err := persistProgram(tree, program); err != nil {
		return nil, wrapErr(ErrGeneric, "persist program", err)
	}

	m.programs.insert(id, program)
	return program, nil
}

func (m *Manager) fetchBytecode(ctx context.Context, program *Program, src BytecodeSource) error {
	switch {
	case src.File != "":
		b, err := os.ReadFile(src.File)
		if err != nil {
			return wrapErr(ErrBytecode, "read bytecode file", err)
		}
		program.ProgramBytes = b
		return nil
	case src.Image != nil:
		key, fnName, err := m.images.Pull(ctx, src.Image.URL, src.Image.Policy, src.Image.Username, src.Image.Password, src.Image.AllowUnsigned)
		if err != nil {
			return err
		}
		b, err := m.images.GetBytecode(ctx, key)
		if err != nil {
			return err
		}
		if program.Name == "" {
			program.Name = fnName
		}
		program.ProgramBytes = b
		return nil
	default:
		return newErr(ErrGeneric, "no bytecode source given")
	}
}

// addMultiAttach implements spec §4.5 add_multi_attach: validate the
// extension, reject once the dispatcher is full, recompute chain positions,
// and rebuild the dispatcher through the engine.
func (m *Manager) addMultiAttach(program *Program) (uint32, error) {
	ifIndex, err := m.kernel.IfIndexByName(m.ifaceNameOf(program))
	if err != nil {
		return 0, err
	}
	program.IfIndex = ifIndex
	m.applyFilterAttrs(program)

	if err := m.kernel.ValidateExtension(program.ProgramBytes, program.Name); err != nil {
		return 0, err
	}

	dispatcherId, _ := program.DispatcherId()
	if m.dispatchers.attachedPrograms(dispatcherId) >= MaxDispatcherExtensions {
		return 0, newErr(ErrTooManyPrograms, dispatcherId.String())
	}

	all := m.programs.addAndSetPositions(program)

	old, hadOld := m.dispatchers.get(dispatcherId)
	if !hadOld {
		old = nil
	}

	ifCfg := m.cfg.Interfaces[m.ifaceNameOf(program)]
	newDispatcher, err := m.dispatcherEngine.build(dispatcherId, m.ifaceNameOf(program), ifCfg, all, old.NextRevision(), old)
	if err != nil {
		m.programs.setPositions(program.Kind, program.IfIndex, program.Direction)
		return 0, err
	}
	m.dispatchers.insert(dispatcherId, newDispatcher)
	m.persistPositions(all, program)

	if program.MapOwnerId != nil {
		if !m.mapRegistry.isValidOwner(*program.MapOwnerId) {
			return 0, newErr(ErrGeneric, "map_owner_id does not exist")
		}
		program.MapPinPath = m.mapRegistry.pinPath(*program.MapOwnerId)
	} else {
		program.MapPinPath = m.mapRegistry.pinPath(program.Id)
	}

	if err := m.mapRegistry.save(m.programs, program, program.Id, program.MapOwnerId); err != nil {
		m.mapRegistry.cleanupOnFailedLoad(program.MapPinPath, program.MapOwnerId)
		return 0, err
	}

	program.AttachState = Attached
	return program.Id, nil
}

// persistPositions rewrites the on-disk position of every already-persisted
// program whose Position changed as a side effect of inserting next into
// the chain (next itself is persisted by the caller once its id is known).
func (m *Manager) persistPositions(ordered []*Program, next *Program) {
	for _, p := range ordered {
		if p == next || p.Id == 0 {
			continue
		}
		tree, err := m.store.OpenTree(strconv.FormatUint(uint64(p.Id), 10))
		if err != nil {
			continue
		}
		if err := tree.Put(keyPosition, []byte(strconv.Itoa(p.Position))); err != nil {
			m.log.V(1).Info("failed to persist updated position", "id", p.Id, "err", err)
		}
	}
}

func (m *Manager) ifaceNameOf(p *Program) string {
	switch p.Kind {
	case Xdp:
		if p.Xdp != nil {
			return p.Xdp.IfaceName
		}
	case Tc:
		if p.Tc != nil {
			return p.Tc.IfaceName
		}
	}
	return ""
}

func (m *Manager) applyFilterAttrs(p *Program) {
	switch p.Kind {
	case Xdp:
		p.Direction = None
		if p.Xdp != nil {
			p.Priority = p.Xdp.Priority
		}
	case Tc:
		if p.Tc != nil {
			p.Direction = p.Tc.Direction
			p.Priority = p.Tc.Priority
		}
	}
}

// addSingleAttach implements spec §4.5 add_single_attach for
// Tracepoint/Kprobe/Uprobe programs: load, attach, pin the program and its
// link, and own or reuse maps depending on map_owner_id.
func (m *Manager) addSingleAttach(ctx context.Context, program *Program) (uint32, error) {
	if program.Kprobe != nil && program.Kprobe.Retprobe && program.Kprobe.Offset != 0 {
		return 0, newErr(ErrInvalidAttach, "offset must be 0 for a kretprobe")
	}

	reuseMapPath := ""
	if program.MapOwnerId != nil {
		if !m.mapRegistry.isValidOwner(*program.MapOwnerId) {
			return 0, newErr(ErrGeneric, "map_owner_id does not exist")
		}
		reuseMapPath = m.mapRegistry.pinPath(*program.MapOwnerId)
	}

	handle, id, kernelKind, mapSet, err := m.kernel.LoadSingleAttach(program.ProgramBytes, program.Name, program.GlobalData, reuseMapPath)
	if err != nil {
		return 0, err
	}
	if !kindsCompatible(program.Kind, kernelKind) {
		handle.Close()
		return 0, newErr(ErrInvalidAttach, fmt.Sprintf("object is a %s program, not %s", kernelKind, program.Kind))
	}

	progPinPath := filepath.Join(m.progPinDir, fmt.Sprintf("prog_%d", id))
	if err := handle.Pin(progPinPath); err != nil {
		handle.Close()
		return 0, wrapErr(ErrUnableToPinProgram, "pin program", err)
	}
	program.ProgramPinPath = progPinPath

	// attachSingle returns a nil LinkHandle (with nil error) when the
	// attach happened out of process, inside a container's namespace via
	// the bpfman-ns helper; the helper pins the link itself at the
	// conventional path below.
	lnk, err := m.attachSingle(ctx, program, handle, progPinPath)
	if err != nil {
		_ = os.Remove(progPinPath)
		handle.Close()
		return 0, err
	}

	linkPinPath := progPinPath + "_link"
	if lnk != nil {
		if err := lnk.Pin(linkPinPath); err != nil {
			lnk.Close()
			m.teardownHandles(program, handle)
			return 0, wrapErr(ErrUnableToPinLink, "pin attach link", err)
		}
	}
	program.LinkPinPaths = []string{linkPinPath}

	if program.MapOwnerId == nil {
		program.MapPinPath = m.mapRegistry.pinPath(id)
		if err := os.MkdirAll(program.MapPinPath, 0o750); err != nil {
			m.teardownHandles(program, handle)
			return 0, wrapErr(ErrUnableToPinMap, "create map pin dir", err)
		}
		for _, name := range mapSet.Names() {
			if err := mapSet.Pin(name, filepath.Join(program.MapPinPath, name)); err != nil {
				m.teardownHandles(program, handle)
				m.mapRegistry.cleanupOnFailedLoad(program.MapPinPath, nil)
				return 0, wrapErr(ErrUnableToPinMap, fmt.Sprintf("pin map %s", name), err)
			}
		}
	} else {
		program.MapPinPath = reuseMapPath
	}

	if err := m.mapRegistry.save(m.programs, program, id, program.MapOwnerId); err != nil {
		m.teardownHandles(program, handle)
		m.mapRegistry.cleanupOnFailedLoad(program.MapPinPath, program.MapOwnerId)
		return 0, err
	}

	program.handle = handle
	if lnk != nil {
		program.links = []LinkHandle{lnk}
	}
	program.AttachState = Attached
	return id, nil
}

// teardownHandles is the failure-path rollback shared by every error return
// after the program and its link are pinned: remove the pins (which also
// tears down any out-of-process attach) and close local handles.
func (m *Manager) teardownHandles(program *Program, handle ProgramHandle) {
	for _, p := range program.LinkPinPaths {
		_ = os.Remove(p)
	}
	handle.Close()
	if program.ProgramPinPath != "" {
		_ = os.Remove(program.ProgramPinPath)
	}
}

// attachSingle returns the new attach link, or a nil link with a nil error
// when the kernel attach happened out of process via bpfman-ns (container
// uprobes): the helper pins the link itself at progPinPath+"_link".
func (m *Manager) attachSingle(ctx context.Context, program *Program, handle ProgramHandle, progPinPath string) (LinkHandle, error) {
	switch program.Kind {
	case Tracepoint:
		category, name, err := splitTracepoint(program.Tracepoint.Tracepoint)
		if err != nil {
			return nil, err
		}
		return m.kernel.AttachTracepoint(handle, category, name)
	case Kprobe:
		return m.kernel.AttachKprobe(handle, program.Kprobe.FnName, program.Kprobe.Offset, program.Kprobe.Retprobe)
	case Uprobe:
		if program.Uprobe.ContainerPid != nil {
			return nil, m.attachUprobeInContainer(ctx, program, progPinPath)
		}
		return m.kernel.AttachUprobe(handle, program.Uprobe.FnName, program.Uprobe.Offset, program.Uprobe.Target, program.Uprobe.Pid)
	default:
		return nil, newErr(ErrInvalidAttach, program.Kind.String())
	}
}

// attachUprobeInContainer shells out to bpfman-ns to attach a uprobe inside
// another container's namespace to an already-loaded, already-pinned
// program (spec §4.5 step 3 Uprobe, §9 "Helper process for cross-namespace
// attach").
func (m *Manager) attachUprobeInContainer(ctx context.Context, program *Program, progPinPath string) error {
	err := uprobens.Attach(ctx, uprobens.Args{
		ProgramPinPath: progPinPath,
		Offset:         program.Uprobe.Offset,
		Target:         program.Uprobe.Target,
		ContainerPid:   *program.Uprobe.ContainerPid,
		FnName:         program.Uprobe.FnName,
		Retprobe:       program.Uprobe.Retprobe,
		Pid:            program.Uprobe.Pid,
	})
	if err != nil {
		e := wrapErr(ErrContainerAttach, "attach uprobe in container", err)
		e.ProgramType = program.Kind.String()
		e.ContainerPid = *program.Uprobe.ContainerPid
		return e
	}
	return nil
}

func splitTracepoint(tp string) (category, name string, err error) {
	for i := 0; i < len(tp); i++ {
		if tp[i] == '/' {
			return tp[:i], tp[i+1:], nil
		}
	}
	return "", "", newErr(ErrInvalidAttach, fmt.Sprintf("tracepoint %q must be category/name", tp))
}

func kindsCompatible(wanted, kernel Kind) bool {
	if wanted == kernel {
		return true
	}
	// Uprobes share the kernel's kprobe program type; there is no
	// separate BPF_PROG_TYPE for them (spec §9, GLOSSARY "Uprobe").
	return wanted == Uprobe && kernel == Kprobe
}

// remove implements spec §4.5 remove(): tear down the kernel attachment,
// drop map ownership, and delete the persisted tree.
func (m *Manager) remove(id uint32) error {
	p, ok := m.programs.get(id)
	if !ok {
		return newErr(ErrGeneric, fmt.Sprintf("program %d does not exist", id))
	}

	if p.IsFilter() {
		if err := m.removeMultiAttach(p); err != nil {
			return err
		}
	} else {
		m.teardownSingleAttach(p)
	}

	m.programs.remove(id)

	if err := m.mapRegistry.delete(m.programs, id, p.MapOwnerId); err != nil {
		m.log.V(1).Info("map registry cleanup failed", "id", id, "err", err)
	}
	if err := m.store.DropTree(strconv.FormatUint(uint64(id), 10)); err != nil {
		m.log.Error(err, "drop program tree", "id", id)
	}
	return nil
}

// teardownSingleAttach tears down a loaded program's kernel state. Removing
// the pins detaches and frees it whether or not this process still holds
// the handles that created it (spec §4.6: a program reconstructed by the
// Rebuilder after a restart never gets its handles back).
func (m *Manager) teardownSingleAttach(p *Program) {
	for _, l := range p.links {
		l.Close()
	}
	for _, path := range p.LinkPinPaths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.log.V(1).Info("best-effort link pin cleanup failed", "path", path, "err", err)
		}
	}
	if p.handle != nil {
		p.handle.Close()
	}
	if p.ProgramPinPath != "" {
		if err := os.Remove(p.ProgramPinPath); err != nil && !os.IsNotExist(err) {
			m.log.V(1).Info("best-effort program pin cleanup failed", "path", p.ProgramPinPath, "err", err)
		}
	}
}

// removeMultiAttach implements spec §4.5 remove_multi_attach: rebuild the
// dispatcher without p, renumbering the remaining chain, or tear the
// dispatcher down entirely if p was the last extension.
func (m *Manager) removeMultiAttach(p *Program) error {
	dispatcherId, _ := p.DispatcherId()
	old, ok := m.dispatchers.get(dispatcherId)
	if !ok {
		return newErr(ErrGeneric, fmt.Sprintf("no dispatcher for %s", dispatcherId))
	}

	remaining := m.programs.programsFor(p.Kind, p.IfIndex, p.Direction)
	filtered := make([]*Program, 0, len(remaining))
	for _, x := range remaining {
		if x.Id != p.Id {
			filtered = append(filtered, x)
		}
	}

	if len(filtered) == 0 {
		m.dispatcherEngine.delete(old, true)
		m.dispatchers.remove(dispatcherId)
		return nil
	}

	sortKey(filtered)
	for i, x := range filtered {
		x.Position = i
	}

	ifCfg := m.cfg.Interfaces[old.IfName]
	newDispatcher, err := m.dispatcherEngine.build(dispatcherId, old.IfName, ifCfg, filtered, old.NextRevision(), old)
	if err != nil {
		return err
	}
	m.dispatchers.insert(dispatcherId, newDispatcher)
	m.persistPositions(filtered, nil)
	return nil
}

// list implements spec §4.5 list(): every kernel-loaded program, with
// entries bpfmand didn't load itself surfaced as Unsupported (spec §6).
func (m *Manager) list() ([]*Program, error) {
	loaded, err := m.kernel.ListLoaded()
	if err != nil {
		return nil, wrapErr(ErrKernel, "list loaded programs", err)
	}
	out := make([]*Program, 0, len(loaded))
	for _, info := range loaded {
		if p, ok := m.programs.get(info.Id); ok {
			out = append(out, p)
			continue
		}
		out = append(out, &Program{Id: info.Id, Kind: Unsupported, Name: info.Name})
	}
	return out, nil
}

// get implements spec §4.5 get(id).
func (m *Manager) get(id uint32) (*Program, error) {
	if p, ok := m.programs.get(id); ok {
		return p, nil
	}
	loaded, err := m.kernel.ListLoaded()
	if err != nil {
		return nil, wrapErr(ErrKernel, "list loaded programs", err)
	}
	for _, info := range loaded {
		if info.Id == id {
			return &Program{Id: id, Kind: Unsupported, Name: info.Name}, nil
		}
	}
	return nil, newErr(ErrGeneric, fmt.Sprintf("program %d does not exist", id))
}
