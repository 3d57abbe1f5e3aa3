package bpfman

import "fmt"

// Kind identifies the eBPF program type a Program wraps.
type Kind int

const (
	Unsupported Kind = iota
	Xdp
	Tc
	Tracepoint
	Kprobe
	Uprobe
)

func (k Kind) String() string {
	switch k {
	case Xdp:
		return "xdp"
	case Tc:
		return "tc"
	case Tracepoint:
		return "tracepoint"
	case Kprobe:
		return "kprobe"
	case Uprobe:
		return "uprobe"
	default:
		return "unsupported"
	}
}

// Direction applies to Tc programs, and to the DispatcherId of a Tc
// dispatcher. It is zero-valued (None) for every other kind.
type Direction int

const (
	None Direction = iota
	Ingress
	Egress
)

func (d Direction) String() string {
	switch d {
	case Ingress:
		return "ingress"
	case Egress:
		return "egress"
	default:
		return "none"
	}
}

// ProceedOn is a return-code alphabet shared by Xdp and Tc attach info. It
// is carried on the wire and in storage for both kinds, but no dispatcher
// build passes it to the kernel, so it changes dispatch for neither Xdp
// nor Tc (spec §9 open question).
type ProceedOn int

const (
	Aborted ProceedOn = iota
	Drop
	Pass
	Tx
	Redirect
	DispatcherReturn
)

// DefaultXdpProceedOn is used when a load request does not specify one.
func DefaultXdpProceedOn() []ProceedOn {
	return []ProceedOn{Pass, DispatcherReturn}
}

// AttachState tracks whether a Program's kernel attachment is live.
type AttachState int

const (
	Detached AttachState = iota
	Attached
)

// XdpAttachInfo holds the attach parameters for an Xdp program.
type XdpAttachInfo struct {
	IfaceName string
	Priority  int32
	ProceedOn []ProceedOn
}

// TcAttachInfo holds the attach parameters for a Tc program.
type TcAttachInfo struct {
	IfaceName string
	Direction Direction
	Priority  int32
	ProceedOn []ProceedOn
}

// TracepointAttachInfo holds the attach parameters for a Tracepoint program.
type TracepointAttachInfo struct {
	// Tracepoint is "category/name", e.g. "syscalls/sys_enter_openat".
	Tracepoint string
}

// KprobeAttachInfo holds the attach parameters for a Kprobe/Kretprobe
// program. Offset must be 0 when Retprobe is true (spec §3, §8 P5).
type KprobeAttachInfo struct {
	FnName    string
	Offset    uint64
	Retprobe  bool
	Container *uint32 // reserved; kprobes never cross namespaces today
}

// UprobeAttachInfo holds the attach parameters for a Uprobe/Uretprobe
// program.
type UprobeAttachInfo struct {
	FnName       string // optional: empty means "attach at Offset only"
	Offset       uint64
	Target       string
	Retprobe     bool
	ContainerPid *uint32
	Pid          *uint32
}

// Program is a loaded eBPF program, matching spec.md §3.
type Program struct {
	// Id is assigned by the kernel at load time. Zero until loaded.
	Id uint32

	Kind        Kind
	Name        string // the BPF function symbol inside the object
	SectionName string

	// GlobalData holds the global-data map (name -> raw bytes) installed
	// as loader constants at load time.
	GlobalData map[string][]byte

	// ProgramBytes is transient: present only between fetch and load,
	// cleared unconditionally afterward (spec invariant 7).
	ProgramBytes []byte

	// MapOwnerId, if set, names another Program whose pinned map
	// directory this one reuses instead of owning its own.
	MapOwnerId *uint32
	// MapPinPath is the resolved directory this program's maps live
	// under, whether it owns them or reuses another program's.
	MapPinPath string
	// MapsUsedBy lists every program id sharing this program's maps,
	// including its owner (spec invariant 4).
	MapsUsedBy []uint32

	// ProgramPinPath and LinkPinPaths are where this program's own kernel
	// object and attach links are pinned, so they can be torn down (or
	// found again after a restart) without an in-memory handle.
	ProgramPinPath string
	LinkPinPaths   []string

	AttachState AttachState

	// IfIndex and the fields below apply only to Xdp/Tc (filter)
	// programs.
	IfIndex   uint32
	Direction Direction
	Priority  int32
	Position  int

	Xdp        *XdpAttachInfo
	Tc         *TcAttachInfo
	Tracepoint *TracepointAttachInfo
	Kprobe     *KprobeAttachInfo
	Uprobe     *UprobeAttachInfo

	// handle and links are only ever non-nil in the same process that
	// loaded the program; a restart loses them and teardown falls back
	// to removing ProgramPinPath/LinkPinPaths directly (mirrors
	// DispatcherEngine's pin-path teardown).
	handle ProgramHandle
	links  []LinkHandle
}

// IsFilter reports whether p attaches via a multi-attach dispatcher.
func (p *Program) IsFilter() bool {
	return p.Kind == Xdp || p.Kind == Tc
}

// DispatcherId names a dispatcher by the hook it occupies.
type DispatcherId struct {
	Kind      Kind // Xdp or Tc
	IfIndex   uint32
	Direction Direction // None for Xdp
}

func (d DispatcherId) String() string {
	if d.Kind == Tc {
		return fmt.Sprintf("tc(%d,%s)", d.IfIndex, d.Direction)
	}
	return fmt.Sprintf("xdp(%d)", d.IfIndex)
}

// DispatcherId returns the dispatcher this program attaches through, or
// ok=false if the program is not a filter program.
func (p *Program) DispatcherId() (DispatcherId, bool) {
	switch p.Kind {
	case Xdp:
		return DispatcherId{Kind: Xdp, IfIndex: p.IfIndex}, true
	case Tc:
		return DispatcherId{Kind: Tc, IfIndex: p.IfIndex, Direction: p.Direction}, true
	default:
		return DispatcherId{}, false
	}
}

// MaxDispatcherExtensions is the hard cap on programs chained onto one
// dispatcher (spec invariant 3).
const MaxDispatcherExtensions = 10

// Dispatcher is a per-(if_index, optional direction) composite program that
// chains up to MaxDispatcherExtensions extensions in position order (spec
// §3).
type Dispatcher struct {
	Id            DispatcherId
	IfName        string
	Revision      uint32
	NumExtensions int

	// PinPath is where the umbrella dispatcher object is pinned.
	PinPath string

	// programHandle and linkHandles are opaque kernel handles owned by
	// the KernelLoader implementation; the manager never inspects them.
	programHandle any
	linkHandles   []LinkHandle
}

// NextRevision returns the revision the next build of this dispatcher
// should use. Revisions only need to be unique against the immediately
// prior generation (spec §4.3, §9 open question).
func (d *Dispatcher) NextRevision() uint32 {
	if d == nil {
		return 1
	}
	return d.Revision + 1
}

// Map tracks which programs share one owner's pinned map directory (spec
// §3, §4.4).
type Map struct {
	OwnerId uint32
	UsedBy  []uint32
}

// IfConfig is the per-interface dispatcher tuning read from config
// (SPEC_FULL "Interface-level dispatcher tuning").
type IfConfig struct {
	Mtu            int
	PreferNative   bool
	XdpMode        string
}
