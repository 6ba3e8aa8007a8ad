// Package registry implements the Program Registry (spec.md §4.D): an
// in-memory index of loaded programs, keyed by UUID, rebuildable from the
// Persistent Store. It does not serialize its own access — the single
// command-loop goroutine in package bpfd is the only caller, per the
// single-writer discipline spec.md §9 calls for.
package registry

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/bpfd-dev/bpfd/internal/bpfderr"
	"github.com/bpfd-dev/bpfd/internal/program"
	"github.com/bpfd-dev/bpfd/internal/store"
)

// Caller identifies who is issuing a Remove, for the ownership check
// spec.md §4.D and §7 (Unauthorized) require.
type Caller struct {
	Username string
	IsAdmin  bool
}

// Registry is the Program Registry.
type Registry struct {
	store    *store.Store
	programs map[uuid.UUID]*program.Program
}

// New returns an empty Registry backed by s. Call Rebuild to populate it
// from any state s already holds.
func New(s *store.Store) *Registry {
	return &Registry{
		store:    s,
		programs: make(map[uuid.UUID]*program.Program),
	}
}

// Insert allocates a UUID for p if it has none, persists it, and indexes
// it in memory.
func (r *Registry) Insert(ctx context.Context, p *program.Program) (uuid.UUID, error) {
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	if err := r.persist(ctx, p); err != nil {
		return uuid.Nil, bpfderr.Wrap(bpfderr.CodeDatabaseError, "insert program", err)
	}
	r.programs[p.UUID] = p
	return p.UUID, nil
}

// Remove deletes the persisted and in-memory record for id. It fails with
// Unauthorized unless caller owns the program or is an administrator. The
// caller is responsible for triggering a dispatcher rebuild afterwards if
// the program was chain-attached (spec.md §4.D); Remove itself only
// updates registry state.
func (r *Registry) Remove(ctx context.Context, id uuid.UUID, caller Caller) error {
	p, ok := r.programs[id]
	if !ok {
		return bpfderr.New(bpfderr.CodeNotLoaded, fmt.Sprintf("program %s not loaded", id))
	}
	if p.Owner != caller.Username && !caller.IsAdmin {
		return bpfderr.New(bpfderr.CodeUnauthorized, fmt.Sprintf("caller %q does not own program %s", caller.Username, id))
	}
	if err := r.store.Tree(program.ProgramTreeName(id)).Drop(ctx); err != nil {
		return bpfderr.Wrap(bpfderr.CodeDatabaseError, "remove program", err)
	}
	delete(r.programs, id)
	return nil
}

// Get returns the program identified by id, if loaded.
func (r *Registry) Get(id uuid.UUID) (*program.Program, bool) {
	p, ok := r.programs[id]
	return p, ok
}

// List returns program summaries in stable UUID order (spec.md §4.D).
func (r *Registry) List() []program.Summary {
	ids := make([]uuid.UUID, 0, len(r.programs))
	for id := range r.programs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	out := make([]program.Summary, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.programs[id].ToSummary())
	}
	return out
}

// ChainFor returns every program attached to the given (interface, hook),
// for the Dispatcher Engine to sort into its new extension list (spec.md
// §4.E.1 step 1).
func (r *Registry) ChainFor(ifIndex uint32, hook program.Hook) []*program.Program {
	var out []*program.Program
	for _, p := range r.programs {
		h, ok := program.HookFor(p.Kind)
		if !ok || h != hook {
			continue
		}
		n, ok := p.NetworkAttach()
		if !ok || n.IfIndex != ifIndex {
			continue
		}
		out = append(out, p)
	}
	return out
}

// UpdatePositions applies the Dispatcher Engine's freshly computed chain
// order to the registry's in-memory + persisted records (spec.md §4.E.1
// step 10). sorted must already be in final chain order; its index is the
// new position.
func (r *Registry) UpdatePositions(ctx context.Context, sorted []*program.Program) error {
	for i, p := range sorted {
		n, ok := p.NetworkAttach()
		if !ok {
			continue
		}
		n.Position = i
		n.Attached = true
		if err := r.persist(ctx, p); err != nil {
			return bpfderr.Wrap(bpfderr.CodeDatabaseError, "update chain position", err)
		}
	}
	return nil
}

// UpdateKernelState persists a program's kernel_id and map_pin_path fields.
// The Dispatcher Engine calls this once a chain mutation that newly loaded
// the program has fully succeeded, never before (spec.md §5: "a failed
// chain mutation must leave zero observable state change").
func (r *Registry) UpdateKernelState(ctx context.Context, p *program.Program) error {
	if err := r.persist(ctx, p); err != nil {
		return bpfderr.Wrap(bpfderr.CodeDatabaseError, "update program kernel state", err)
	}
	return nil
}

// MarkDetached clears a program's attach bookkeeping after it is dropped
// from a chain (spec.md invariant 4) without removing the program itself.
func (r *Registry) MarkDetached(ctx context.Context, p *program.Program) error {
	n, ok := p.NetworkAttach()
	if !ok {
		return nil
	}
	n.Attached = false
	n.Position = -1
	return r.persist(ctx, p)
}

// Rebuild reconstructs the in-memory index from the persistent store,
// discarding any record whose tree is missing required keys (spec.md
// §4.D). It is called once at startup, before the command loop accepts
// commands.
func (r *Registry) Rebuild(ctx context.Context) error {
	trees, err := r.store.ListTrees(ctx)
	if err != nil {
		return bpfderr.Wrap(bpfderr.CodeDatabaseError, "rebuild: list trees", err)
	}

	for _, name := range trees {
		id, ok := strings.CutPrefix(name, "program_")
		if !ok {
			continue
		}
		pid, err := uuid.Parse(id)
		if err != nil {
			continue // not a program tree; leave it for the dispatcher engine to own
		}
		p, err := r.load(ctx, pid)
		if err != nil {
			// A single corrupt or partially-written record must not block
			// startup for every other program (spec.md §4.D: "discard and
			// retry any program whose pins cannot be reopened").
			continue
		}
		r.programs[pid] = p
	}
	return nil
}

// ─── Persistence encoding ───────────────────────────────────────────────────
//
// Tree keys are short ASCII strings; integer values are native-endian
// fixed-width, byte-string values are UTF-8 (spec.md §4.A).

func (r *Registry) persist(ctx context.Context, p *program.Program) error {
	tr := r.store.Tree(program.ProgramTreeName(p.UUID))

	put := func(key string, val []byte) error { return tr.Put(ctx, key, val) }
	if err := put("kind", []byte(p.Kind)); err != nil {
		return err
	}
	if err := put("origin", []byte(p.Origin)); err != nil {
		return err
	}
	if err := put("entry_symbol", []byte(p.EntrySymbol)); err != nil {
		return err
	}
	if err := put("owner", []byte(p.Owner)); err != nil {
		return err
	}
	if err := put("kernel_id", uint32Bytes(p.KernelID)); err != nil {
		return err
	}
	if err := put("map_pin_path", []byte(p.MapPinPath)); err != nil {
		return err
	}

	switch a := p.Attach.(type) {
	case *program.NetworkMultiAttachInfo:
		if err := put("iface_name", []byte(a.IfaceName)); err != nil {
			return err
		}
		if err := put("if_index", uint32Bytes(a.IfIndex)); err != nil {
			return err
		}
		if err := put("priority", uint32Bytes(a.Priority)); err != nil {
			return err
		}
		if err := put("position", int32Bytes(int32(a.Position))); err != nil {
			return err
		}
		if err := put("proceed_on", uint64Bytes(a.ProceedOn.Mask())); err != nil {
			return err
		}
		if err := put("direction", []byte(a.Direction)); err != nil {
			return err
		}
		if err := put("attached", boolBytes(a.Attached)); err != nil {
			return err
		}
	case *program.TracepointAttachInfo:
		if err := put("tp_category", []byte(a.Category)); err != nil {
			return err
		}
		if err := put("tp_name", []byte(a.Name)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) load(ctx context.Context, id uuid.UUID) (*program.Program, error) {
	tr := r.store.Tree(program.ProgramTreeName(id))

	kindRaw, err := tr.Get(ctx, "kind")
	if err != nil {
		return nil, err
	}
	origin, err := tr.Get(ctx, "origin")
	if err != nil {
		return nil, err
	}
	entrySymbol, err := tr.Get(ctx, "entry_symbol")
	if err != nil {
		return nil, err
	}
	owner, err := tr.Get(ctx, "owner")
	if err != nil {
		return nil, err
	}
	kernelIDRaw, err := tr.Get(ctx, "kernel_id")
	if err != nil {
		return nil, err
	}
	mapPinPath, _ := tr.Get(ctx, "map_pin_path")

	p := &program.Program{
		ProgramData: program.ProgramData{
			UUID:        id,
			Kind:        program.Kind(kindRaw),
			Origin:      string(origin),
			EntrySymbol: string(entrySymbol),
			Owner:       string(owner),
			KernelID:    bytesUint32(kernelIDRaw),
			MapPinPath:  string(mapPinPath),
		},
	}

	if _, ok := program.HookFor(p.Kind); ok {
		ifaceName, err := tr.Get(ctx, "iface_name")
		if err != nil {
			return nil, err
		}
		ifIndexRaw, err := tr.Get(ctx, "if_index")
		if err != nil {
			return nil, err
		}
		priorityRaw, err := tr.Get(ctx, "priority")
		if err != nil {
			return nil, err
		}
		positionRaw, err := tr.Get(ctx, "position")
		if err != nil {
			return nil, err
		}
		proceedOnRaw, err := tr.Get(ctx, "proceed_on")
		if err != nil {
			return nil, err
		}
		direction, _ := tr.Get(ctx, "direction")
		attachedRaw, err := tr.Get(ctx, "attached")
		if err != nil {
			return nil, err
		}
		p.Attach = &program.NetworkMultiAttachInfo{
			IfaceName: string(ifaceName),
			IfIndex:   bytesUint32(ifIndexRaw),
			Priority:  bytesUint32(priorityRaw),
			Position:  int(bytesInt32(positionRaw)),
			ProceedOn: program.ProceedOn(bytesUint64(proceedOnRaw)),
			Direction: program.TCDirection(direction),
			Attached:  bytesBool(attachedRaw),
		}
	} else {
		category, err := tr.Get(ctx, "tp_category")
		if err != nil {
			return nil, err
		}
		name, err := tr.Get(ctx, "tp_name")
		if err != nil {
			return nil, err
		}
		p.Attach = &program.TracepointAttachInfo{Category: string(category), Name: string(name)}
	}

	return p, nil
}

func uint32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.NativeEndian.PutUint32(b, v)
	return b
}

func bytesUint32(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.NativeEndian.Uint32(b)
}

func int32Bytes(v int32) []byte { return uint32Bytes(uint32(v)) }

func bytesInt32(b []byte) int32 { return int32(bytesUint32(b)) }

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.NativeEndian.PutUint64(b, v)
	return b
}

func bytesUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.NativeEndian.Uint64(b)
}

func boolBytes(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func bytesBool(b []byte) bool { return len(b) == 1 && b[0] == 1 }
