// Package program defines the data model shared by the Program Registry and
// the Dispatcher Engine: the tagged Program type, its per-kind attach
// records, and the Dispatcher summary type.
//
// Per the design notes this models kind-specific behavior through
// composition (a common ProgramData plus a per-kind AttachInfo), not
// inheritance.
package program

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the eBPF program type.
type Kind string

const (
	KindXDP        Kind = "xdp"
	KindTC         Kind = "tc"
	KindTracepoint Kind = "tracepoint"
)

// Hook identifies a kernel attachment point. Only network-attached kinds
// (XDP, TC) have a Hook; Tracepoint programs do not graft into a dispatcher.
type Hook string

const (
	HookXDP Hook = "xdp"
	HookTC  Hook = "tc"
)

// HookFor returns the dispatcher hook for a network-attachable kind, and ok=false
// for kinds that are not chained through a dispatcher (e.g. Tracepoint).
func HookFor(k Kind) (Hook, bool) {
	switch k {
	case KindXDP:
		return HookXDP, true
	case KindTC:
		return HookTC, true
	default:
		return "", false
	}
}

// TCDirection distinguishes ingress/egress for TC attachment.
type TCDirection string

const (
	TCIngress TCDirection = "ingress"
	TCEgress  TCDirection = "egress"
)

// ProceedOn is a bitmask over program return codes that permits the next
// program in a dispatcher chain to run when set for the code the program
// returned.
type ProceedOn uint64

// Mask returns the raw bitmask value stamped into the dispatcher
// configuration structure.
func (p ProceedOn) Mask() uint64 { return uint64(p) }

// IsEmpty reports whether no return codes are marked proceed-on, in which
// case kind-specific defaults apply (spec 4.E.1 step 3).
func (p ProceedOn) IsEmpty() bool { return p == 0 }

// Well-known XDP return codes (see <linux/bpf.h> xdp_action).
const (
	XDPAborted ProceedOn = 1 << iota
	XDPDrop
	XDPPass
	XDPTx
	XDPRedirect
)

// DefaultProceedOnXDP is applied when an XDP program declares no proceed-on
// mask: only XDP_PASS allows the chain to continue.
const DefaultProceedOnXDP = XDPPass

// Well-known TC return codes (see <linux/pkt_cls.h> / tcx actions).
const (
	TCOk ProceedOn = 1 << iota
	TCReclassify
	TCShot
	TCPipe
	TCStolen
)

// DefaultProceedOnTC is applied when a TC program declares no proceed-on
// mask.
const DefaultProceedOnTC = TCPipe

// NetworkMultiAttachInfo is the attach record for kinds that share a
// dispatcher-managed hook (XDP, TC). See spec.md §3.
type NetworkMultiAttachInfo struct {
	IfaceName string
	IfIndex   uint32
	Priority  uint32
	// Position is the current 0-based chain slot, or -1 if unattached. It is
	// a derived field: recomputed on every chain mutation by the Dispatcher
	// Engine, never set directly by a caller (spec.md §9, "position" open
	// question).
	Position int
	ProceedOn ProceedOn
	// Direction is only meaningful for TC programs.
	Direction TCDirection
	Attached  bool
}

// TracepointAttachInfo is the attach record for Tracepoint programs, which
// are not chained through a dispatcher.
type TracepointAttachInfo struct {
	Category string
	Name     string
}

// AttachInfo is implemented by NetworkMultiAttachInfo and
// TracepointAttachInfo. It exists only to let ProgramData carry one
// attach record without a type switch at every call site that merely wants
// to know the kind; callers that need the fields still type-assert.
type AttachInfo interface {
	isAttachInfo()
}

func (NetworkMultiAttachInfo) isAttachInfo() {}
func (TracepointAttachInfo) isAttachInfo()   {}

// ProgramData holds the attributes common to every program kind.
type ProgramData struct {
	UUID         uuid.UUID
	Kind         Kind
	Origin       string // file path or image reference
	EntrySymbol  string // ELF "section name"
	GlobalData   map[string][]byte
	Owner        string // owning username
	KernelID     uint32 // kernel-assigned id once loaded; 0 before load
	MapPinPath   string // optional; empty until maps are pinned
}

// Program is a loaded user-supplied bytecode object (spec.md §3).
type Program struct {
	ProgramData
	Attach AttachInfo
}

// NetworkAttach returns the program's NetworkMultiAttachInfo and true if
// the program is network-attached (XDP or TC).
func (p *Program) NetworkAttach() (*NetworkMultiAttachInfo, bool) {
	n, ok := p.Attach.(*NetworkMultiAttachInfo)
	return n, ok
}

// Summary is the read-only projection of a Program returned by List.
type Summary struct {
	UUID      uuid.UUID
	Kind      Kind
	Origin    string
	Owner     string
	KernelID  uint32
	Iface     string   `json:",omitempty"`
	Priority  uint32   `json:",omitempty"`
	Position  *int     `json:",omitempty"`
	Attached  bool     `json:",omitempty"`
}

// ToSummary projects p into its wire-safe Summary form.
func (p *Program) ToSummary() Summary {
	s := Summary{
		UUID:     p.UUID,
		Kind:     p.Kind,
		Origin:   p.Origin,
		Owner:    p.Owner,
		KernelID: p.KernelID,
	}
	if n, ok := p.NetworkAttach(); ok {
		s.Iface = n.IfaceName
		s.Priority = n.Priority
		s.Attached = n.Attached
		if n.Position >= 0 {
			pos := n.Position
			s.Position = &pos
		}
	}
	return s
}

// Dispatcher is a chain slot manager for one (interface, hook) pair
// (spec.md §3).
type Dispatcher struct {
	IfIndex        uint32
	IfaceName      string
	Hook           Hook
	Mode           AttachMode
	Revision       uint64
	ProgramName    string // bytecode symbol of the currently loaded dispatcher binary
	NumExtensions  int
}

// AttachMode selects how a dispatcher is grafted onto an interface.
type AttachMode string

const (
	ModeNative  AttachMode = "native"
	ModeSKB     AttachMode = "skb"
	ModeHWOffload AttachMode = "hw_offload"
)

// TreeName returns the persistent-store sub-tree name for this revision,
// following spec.md §6's layout: "<hook>_dispatcher_<ifindex>_<revision>".
func (d Dispatcher) TreeName() string {
	return string(d.Hook) + "_dispatcher_" + itoa(uint64(d.IfIndex)) + "_" + itoa(d.Revision)
}

// ProgramTreeName returns the persistent-store sub-tree name for a program,
// following spec.md §6's layout: "program_<uuid>".
func ProgramTreeName(id uuid.UUID) string {
	return "program_" + id.String()
}

func itoa(v uint64) string {
	// Local helper kept tiny and allocation-light; strconv.FormatUint would
	// do the same job but every other identifier-formatting helper in this
	// package is this small, so keep it consistent.
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Now is a seam for tests; production code always uses time.Now.
var Now = time.Now
