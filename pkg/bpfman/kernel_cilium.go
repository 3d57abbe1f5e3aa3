//go:build linux

package bpfman

import (
	"bytes"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"
)

// CiliumKernelLoader is the production KernelLoader, built on
// github.com/cilium/ebpf the way the teacher's examples
// (examples/go-xdp-counter, examples/go-tc-counter, ...) load and pin
// programs and maps.
type CiliumKernelLoader struct{}

func NewCiliumKernelLoader() *CiliumKernelLoader { return &CiliumKernelLoader{} }

func (l *CiliumKernelLoader) IfIndexByName(name string) (uint32, error) {
	idx, err := unix.IfNametoindex(name)
	if err != nil {
		return 0, newErr(ErrInvalidInterface, name)
	}
	return uint32(idx), nil
}

func (l *CiliumKernelLoader) ValidateExtension(progBytes []byte, name string) error {
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(progBytes))
	if err != nil {
		return wrapErr(ErrKernel, "parse extension object", err)
	}
	if _, ok := spec.Programs[name]; !ok {
		return newErr(ErrBpfFunctionNameNotValid, name)
	}
	return nil
}

// ciliumProgramHandle adapts *ebpf.Program to ProgramHandle.
type ciliumProgramHandle struct{ prog *ebpf.Program }

func (h *ciliumProgramHandle) Pin(path string) error { return h.prog.Pin(path) }
func (h *ciliumProgramHandle) Unpin() error          { return h.prog.Unpin() }
func (h *ciliumProgramHandle) Close() error          { return h.prog.Close() }

// ciliumLinkHandle adapts link.Link to LinkHandle.
type ciliumLinkHandle struct{ lnk link.Link }

func (h *ciliumLinkHandle) Pin(path string) error   { return h.lnk.Pin(path) }
func (h *ciliumLinkHandle) Unpin() error            { return h.lnk.Unpin() }
func (h *ciliumLinkHandle) Close() error            { return h.lnk.Close() }
func (h *ciliumLinkHandle) Update(p ProgramHandle) error {
	cp, ok := p.(*ciliumProgramHandle)
	if !ok {
		return fmt.Errorf("update: handle is not a cilium program handle")
	}
	return h.lnk.Update(cp.prog)
}

// ciliumDispatcherHandle bundles the dispatcher's own program plus the
// collection it was loaded from, so it can be closed cleanly.
type ciliumDispatcherHandle struct {
	coll *ebpf.Collection
	prog *ebpf.Program
}

func (h *ciliumDispatcherHandle) Pin(path string) error { return h.prog.Pin(path) }
func (h *ciliumDispatcherHandle) Close() error {
	h.coll.Close()
	return nil
}

// ciliumMapSet adapts an *ebpf.Collection's maps to MapSet.
type ciliumMapSet struct{ coll *ebpf.Collection }

func (s *ciliumMapSet) Names() []string {
	names := make([]string, 0, len(s.coll.Maps))
	for name := range s.coll.Maps {
		names = append(names, name)
	}
	return names
}

func (s *ciliumMapSet) Pin(name, path string) error {
	m, ok := s.coll.Maps[name]
	if !ok {
		return fmt.Errorf("pin map %s: not present in collection", name)
	}
	return m.Pin(path)
}

// dispatcherObjectDir is where bpfmand keeps the umbrella dispatcher
// bytecode objects it ships with; a real deployment installs these
// alongside the binary.
const dispatcherObjectDir = "/usr/lib/bpfman/dispatchers"

func dispatcherObjectFile(kind Kind) string {
	switch kind {
	case Xdp:
		return dispatcherObjectDir + "/xdp_dispatcher.bpf.o"
	default:
		return dispatcherObjectDir + "/tc_dispatcher.bpf.o"
	}
}

func (l *CiliumKernelLoader) BuildDispatcher(kind Kind, ifIndex uint32, direction Direction, ifCfg *IfConfig, pinDir string, programs []*Program) (DispatcherHandle, []LinkHandle, error) {
	spec, err := ebpf.LoadCollectionSpec(dispatcherObjectFile(kind))
	if err != nil {
		return nil, nil, wrapErr(ErrKernel, "load dispatcher object", err)
	}

	consts := map[string]interface{}{
		"num_progs_enabled": uint8(len(programs)),
	}
	if ifCfg != nil && ifCfg.Mtu > 0 {
		consts["dispatcher_mtu"] = uint32(ifCfg.Mtu)
	}
	if err := spec.RewriteConstants(consts); err != nil {
		return nil, nil, wrapErr(ErrKernel, "rewrite dispatcher constants", err)
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, nil, wrapErr(ErrKernel, "instantiate dispatcher collection", err)
	}

	dispatcherProg, ok := coll.Programs["dispatcher"]
	if !ok {
		coll.Close()
		return nil, nil, newErr(ErrKernel, "dispatcher object missing 'dispatcher' program")
	}

	links := make([]LinkHandle, 0, len(programs))
	for _, p := range programs {
		var extProg *ebpf.Program
		freshlyLoaded := len(p.ProgramBytes) > 0

		if freshlyLoaded {
			extSpec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(p.ProgramBytes))
			if err != nil {
				coll.Close()
				return nil, nil, wrapErr(ErrKernel, fmt.Sprintf("load extension %s", p.Name), err)
			}
			extSpec.Programs[p.Name].AttachTarget = dispatcherProg
			extSpec.Programs[p.Name].AttachTo = fmt.Sprintf("prog%d", p.Position)

			extColl, err := ebpf.NewCollectionWithOptions(extSpec, ebpf.CollectionOptions{
				MapReplacements: coll.Maps,
			})
			if err != nil {
				coll.Close()
				return nil, nil, wrapErr(ErrKernel, fmt.Sprintf("load extension %s", p.Name), err)
			}
			extProg = extColl.Programs[p.Name]
		} else {
			// Already attached in a prior dispatcher generation; its
			// bytecode was discarded after its own add (invariant 7), so
			// reopen the program it pinned then instead of reloading it.
			var err error
			extProg, err = ebpf.LoadPinnedProgram(p.ProgramPinPath, nil)
			if err != nil {
				coll.Close()
				return nil, nil, wrapErr(ErrKernel, fmt.Sprintf("reopen pinned extension %s", p.Name), err)
			}
		}

		lnk, err := link.AttachFreplace(dispatcherProg, fmt.Sprintf("prog%d", p.Position), extProg)
		if err != nil {
			coll.Close()
			return nil, nil, wrapErr(ErrKernel, fmt.Sprintf("attach extension %s", p.Name), err)
		}

		if freshlyLoaded {
			info, err := extProg.Info()
			if err != nil {
				coll.Close()
				return nil, nil, wrapErr(ErrKernel, fmt.Sprintf("read extension %s info", p.Name), err)
			}
			id, _ := info.ID()
			p.Id = uint32(id)
			pinPath := fmt.Sprintf("%s/prog_%d", pinDir, p.Id)
			if err := extProg.Pin(pinPath); err != nil {
				coll.Close()
				return nil, nil, wrapErr(ErrUnableToPinProgram, fmt.Sprintf("pin extension %s", p.Name), err)
			}
			p.ProgramPinPath = pinPath
		}
		links = append(links, &ciliumLinkHandle{lnk: lnk})
	}

	return &ciliumDispatcherHandle{coll: coll, prog: dispatcherProg}, links, nil
}

func (l *CiliumKernelLoader) RetargetHook(kind Kind, ifIndex uint32, direction Direction, newDispatcher DispatcherHandle) error {
	h, ok := newDispatcher.(*ciliumDispatcherHandle)
	if !ok {
		return fmt.Errorf("retarget: handle is not a cilium dispatcher handle")
	}

	switch kind {
	case Xdp:
		_, err := link.AttachXDP(link.XDPOptions{Program: h.prog, Interface: int(ifIndex)})
		if err != nil {
			return wrapErr(ErrKernel, "attach xdp dispatcher", err)
		}
	case Tc:
		attach := ebpf.AttachTCXIngress
		if direction == Egress {
			attach = ebpf.AttachTCXEgress
		}
		_, err := link.AttachTCX(link.TCXOptions{Program: h.prog, Attach: attach, Interface: int(ifIndex)})
		if err != nil {
			return wrapErr(ErrKernel, "attach tc dispatcher", err)
		}
	}
	return nil
}

func (l *CiliumKernelLoader) LoadDispatcherPin(path string) (DispatcherHandle, error) {
	prog, err := ebpf.LoadPinnedProgram(path, nil)
	if err != nil {
		return nil, wrapErr(ErrKernel, "load pinned dispatcher", err)
	}
	return &ciliumDispatcherHandle{coll: &ebpf.Collection{Programs: map[string]*ebpf.Program{"dispatcher": prog}}, prog: prog}, nil
}

func (l *CiliumKernelLoader) LoadSingleAttach(progBytes []byte, name string, global map[string][]byte, mapPinPath string) (ProgramHandle, uint32, Kind, MapSet, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(progBytes))
	if err != nil {
		return nil, 0, Unsupported, nil, wrapErr(ErrKernel, "parse object", err)
	}

	consts := make(map[string]interface{}, len(global))
	for k, v := range global {
		consts[k] = v
	}
	if len(consts) > 0 {
		if err := spec.RewriteConstants(consts); err != nil {
			return nil, 0, Unsupported, nil, wrapErr(ErrKernel, "rewrite globals", err)
		}
	}

	opts := ebpf.CollectionOptions{}
	if mapPinPath != "" {
		opts.Maps.PinPath = mapPinPath
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, opts)
	if err != nil {
		return nil, 0, Unsupported, nil, wrapErr(ErrKernel, "instantiate collection", err)
	}

	prog, ok := coll.Programs[name]
	if !ok {
		coll.Close()
		return nil, 0, Unsupported, nil, newErr(ErrBpfFunctionNameNotValid, name)
	}

	info, err := prog.Info()
	if err != nil {
		coll.Close()
		return nil, 0, Unsupported, nil, wrapErr(ErrKernel, "read program info", err)
	}
	id, _ := info.ID()

	return &ciliumProgramHandle{prog: prog}, uint32(id), programTypeToKind(prog.Type()), &ciliumMapSet{coll: coll}, nil
}

func programTypeToKind(t ebpf.ProgramType) Kind {
	switch t {
	case ebpf.XDP:
		return Xdp
	case ebpf.SchedCLS:
		return Tc
	case ebpf.TracePoint:
		return Tracepoint
	case ebpf.Kprobe:
		return Kprobe
	default:
		return Unsupported
	}
}

func (l *CiliumKernelLoader) AttachTracepoint(p ProgramHandle, category, name string) (LinkHandle, error) {
	cp := p.(*ciliumProgramHandle)
	lnk, err := link.Tracepoint(category, name, cp.prog, nil)
	if err != nil {
		return nil, wrapErr(ErrKernel, "attach tracepoint", err)
	}
	return &ciliumLinkHandle{lnk: lnk}, nil
}

func (l *CiliumKernelLoader) AttachKprobe(p ProgramHandle, fnName string, offset uint64, retprobe bool) (LinkHandle, error) {
	cp := p.(*ciliumProgramHandle)
	opts := &link.KprobeOptions{Offset: offset}
	var lnk link.Link
	var err error
	if retprobe {
		lnk, err = link.Kretprobe(fnName, cp.prog, opts)
	} else {
		lnk, err = link.Kprobe(fnName, cp.prog, opts)
	}
	if err != nil {
		return nil, wrapErr(ErrKernel, "attach kprobe", err)
	}
	return &ciliumLinkHandle{lnk: lnk}, nil
}

func (l *CiliumKernelLoader) AttachUprobe(p ProgramHandle, fnName string, offset uint64, target string, pid *uint32) (LinkHandle, error) {
	cp := p.(*ciliumProgramHandle)
	ex, err := link.OpenExecutable(target)
	if err != nil {
		return nil, wrapErr(ErrKernel, "open uprobe target", err)
	}

	opts := &link.UprobeOptions{Offset: offset}
	if pid != nil {
		opts.PID = int(*pid)
	}

	var lnk link.Link
	if fnName != "" {
		lnk, err = ex.Uprobe(fnName, cp.prog, opts)
	} else {
		// No symbol: the offset is the probe address within target.
		opts.Address, opts.Offset = offset, 0
		lnk, err = ex.Uprobe("", cp.prog, opts)
	}
	if err != nil {
		return nil, wrapErr(ErrKernel, "attach uprobe", err)
	}
	return &ciliumLinkHandle{lnk: lnk}, nil
}

func (l *CiliumKernelLoader) ListLoaded() ([]KernelProgramInfo, error) {
	var out []KernelProgramInfo
	ids, err := ebpf.ProgramGetNextID(0)
	_ = ids
	if err != nil && err != ebpf.ErrNotExist {
		// Fall through: an empty system reports ErrNotExist on the very
		// first call.
	}

	var id ebpf.ProgramID
	for {
		next, err := ebpf.ProgramGetNextID(id)
		if err != nil {
			break
		}
		prog, err := ebpf.NewProgramFromID(next)
		if err != nil {
			id = next
			continue
		}
		info, err := prog.Info()
		if err == nil {
			progID, _ := info.ID()
			out = append(out, KernelProgramInfo{
				Id:   uint32(progID),
				Kind: programTypeToKind(prog.Type()),
				Name: info.Name,
			})
		}
		prog.Close()
		id = next
	}
	return out, nil
}
