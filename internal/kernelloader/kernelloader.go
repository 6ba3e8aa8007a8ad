// Package kernelloader defines the Kernel Loader Facade: the narrow
// interface the Dispatcher Engine and Program Registry use to turn parsed
// bytecode into live kernel state (programs, maps, links, and their pins).
//
// This package specifies what the core demands of the facade; it does not
// mandate how the facade performs the underlying syscalls. The linux build
// provides a real implementation using raw bpf(2) calls;
// the fake implementation backs unit tests that must not require a kernel.
package kernelloader

import (
	"context"
	"errors"
	"io"
)

// ProgType identifies the kernel BPF program type to load.
type ProgType int

const (
	ProgTypeXDP ProgType = iota
	ProgTypeSchedCLS
	ProgTypeTracepoint
	// ProgTypeExt loads an extension (freplace) program: its bytecode
	// replaces a single function in an already-loaded target program rather
	// than being attached to a hook directly.
	ProgTypeExt
)

// AttachType identifies the hook-level attach mechanism used by Attach.
type AttachType int

const (
	AttachTypeXDP AttachType = iota
	AttachTypeTCXIngress
	AttachTypeTCXEgress
)

// ExtensionTarget names the already-loaded program and BTF-visible function
// an extension program replaces (kernel freplace). It is set at Load time,
// not Attach time: the kernel validates the type match during verification.
type ExtensionTarget struct {
	TargetKernelID uint32
	TargetSection  string
}

// LoadSpec describes one program to load.
type LoadSpec struct {
	Type   ProgType
	Object io.ReaderAt // the ELF-formatted bytecode object
	// Section selects which program section of Object to load, e.g.
	// "xdp/my_prog" or "classifier". Required when Object contains more
	// than one program section.
	Section string
	// GlobalData, if non-nil, is written into Object's global ".rodata" /
	// ".data" style section before load, giving the dispatcher a way to
	// stamp per-revision configuration (spec.md §4.E.1 step 3) into a
	// read-only global without recompiling the dispatcher bytecode.
	GlobalData []byte
	// Extension is set only for ProgTypeExt loads.
	Extension *ExtensionTarget
}

// LoadResult is what the kernel assigned to a freshly loaded program.
type LoadResult struct {
	KernelID uint32
	// MapIDs maps each BPF map name declared in the object to its
	// kernel-assigned map id, keyed by the ELF map symbol name.
	MapIDs map[string]uint32
}

// AttachSpec describes how to graft an already-loaded program onto a hook.
type AttachSpec struct {
	Type    AttachType
	IfIndex uint32
}

// Errors returned by Loader implementations. Callers map these onto
// spec.md §7's LoadFailed/AttachFailed/PinError error kinds.
var (
	ErrNotLoaded  = errors.New("kernelloader: program not loaded")
	ErrVerifier   = errors.New("kernelloader: verifier rejected program")
	ErrPinExists  = errors.New("kernelloader: pin path already exists")
	ErrPinMissing = errors.New("kernelloader: pin path does not exist")
)

// Loader is the Kernel Loader Facade. Every method that touches kernel
// state takes a context so the caller's cancellation reaches blocking
// syscalls (via the facade's own internal timeout plumbing); the loader is
// not required to make syscalls themselves interruptible.
type Loader interface {
	// Load parses spec.Object, creates its maps, and loads its program into
	// the kernel, returning the kernel-assigned ids.
	Load(ctx context.Context, spec LoadSpec) (LoadResult, error)

	// Attach grafts the already-loaded program identified by kernelID onto
	// the hook described by spec, returning an opaque link id.
	Attach(ctx context.Context, kernelID uint32, spec AttachSpec) (linkID uint32, err error)

	// AttachExtension grafts the already-loaded extension program extID
	// into the slot named targetSection of the already-loaded target
	// program targetID (spec.md §6: "extension.attach_to_program"),
	// returning an opaque link id representing the graft.
	AttachExtension(ctx context.Context, extID uint32, targetID uint32, targetSection string) (linkID uint32, err error)

	// Detach removes a previously created link without unloading the
	// program it pointed to.
	Detach(ctx context.Context, linkID uint32) error

	// Unload releases the kernel program and its maps. It does not remove
	// any filesystem pins; callers must Unpin first if they pinned it.
	Unload(ctx context.Context, kernelID uint32) error

	// PinProgram bind-mounts the program's fd at path so it survives this
	// process's exit. path's parent directory must already exist.
	PinProgram(ctx context.Context, kernelID uint32, path string) error

	// PinLink is the link-object equivalent of PinProgram, used to persist
	// a dispatcher's hook attachment hitlessly across a daemon restart.
	PinLink(ctx context.Context, linkID uint32, path string) error

	// ProgramFromPin re-opens a program previously pinned by PinProgram and
	// returns a fresh kernel id referencing the same underlying object.
	ProgramFromPin(ctx context.Context, path string) (kernelID uint32, err error)

	// LinkFromPin is the link-object equivalent of ProgramFromPin.
	LinkFromPin(ctx context.Context, path string) (linkID uint32, err error)

	// UpdateLinkTarget atomically repoints an existing pinned link at a new
	// program without a detach/attach gap, implementing the hitless
	// dispatcher swap described in spec.md §4.E.1 step 8.
	UpdateLinkTarget(ctx context.Context, linkID uint32, newKernelID uint32) error

	// Unpin removes a filesystem pin. It does not affect the underlying
	// kernel object's lifetime if other references (fds, other pins) exist.
	Unpin(ctx context.Context, path string) error
}
