package registry_test

import (
	"context"
	"testing"

	"github.com/bpfd-dev/bpfd/internal/bpfderr"
	"github.com/bpfd-dev/bpfd/internal/program"
	"github.com/bpfd-dev/bpfd/internal/registry"
	"github.com/bpfd-dev/bpfd/internal/store"
)

func openReg(t *testing.T) (*registry.Registry, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return registry.New(s), s
}

func xdpProgram(owner, iface string, priority uint32) *program.Program {
	return &program.Program{
		ProgramData: program.ProgramData{
			Kind:   program.KindXDP,
			Origin: "file:///tmp/prog.o",
			Owner:  owner,
		},
		Attach: &program.NetworkMultiAttachInfo{
			IfaceName: iface,
			IfIndex:   2,
			Priority:  priority,
			Position:  -1,
		},
	}
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	r, _ := openReg(t)

	p := xdpProgram("alice", "eth0", 50)
	id, err := r.Insert(ctx, p)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, ok := r.Get(id)
	if !ok {
		t.Fatalf("get: not found")
	}
	if got.Owner != "alice" {
		t.Fatalf("got owner %q, want alice", got.Owner)
	}
}

func TestRemoveUnauthorized(t *testing.T) {
	ctx := context.Background()
	r, _ := openReg(t)

	id, err := r.Insert(ctx, xdpProgram("alice", "eth0", 50))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = r.Remove(ctx, id, registry.Caller{Username: "mallory"})
	if !bpfderr.Is(err, bpfderr.CodeUnauthorized) {
		t.Fatalf("got %v, want Unauthorized", err)
	}

	if _, ok := r.Get(id); !ok {
		t.Fatalf("program should still be present after unauthorized remove")
	}
}

func TestRemoveOwnerSucceeds(t *testing.T) {
	ctx := context.Background()
	r, _ := openReg(t)

	id, err := r.Insert(ctx, xdpProgram("alice", "eth0", 50))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.Remove(ctx, id, registry.Caller{Username: "alice"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := r.Get(id); ok {
		t.Fatalf("program should be gone after remove")
	}
}

func TestRemoveAdminSucceeds(t *testing.T) {
	ctx := context.Background()
	r, _ := openReg(t)

	id, err := r.Insert(ctx, xdpProgram("alice", "eth0", 50))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.Remove(ctx, id, registry.Caller{Username: "root", IsAdmin: true}); err != nil {
		t.Fatalf("admin remove: %v", err)
	}
}

func TestListOrderedByUUID(t *testing.T) {
	ctx := context.Background()
	r, _ := openReg(t)

	_, _ = r.Insert(ctx, xdpProgram("alice", "eth0", 50))
	_, _ = r.Insert(ctx, xdpProgram("bob", "eth0", 10))

	summaries := r.List()
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	if summaries[0].UUID.String() > summaries[1].UUID.String() {
		t.Fatalf("summaries not in UUID order: %v", summaries)
	}
}

func TestChainForFiltersByIfaceAndHook(t *testing.T) {
	ctx := context.Background()
	r, _ := openReg(t)

	a := xdpProgram("alice", "eth0", 50)
	_, _ = r.Insert(ctx, a)

	tp := &program.Program{
		ProgramData: program.ProgramData{Kind: program.KindTracepoint, Owner: "alice"},
		Attach:      &program.TracepointAttachInfo{Category: "syscalls", Name: "sys_enter_execve"},
	}
	_, _ = r.Insert(ctx, tp)

	chain := r.ChainFor(2, program.HookXDP)
	if len(chain) != 1 {
		t.Fatalf("got %d chained programs, want 1 (tracepoint must be excluded)", len(chain))
	}
}

func TestRebuildReconstructsIndex(t *testing.T) {
	ctx := context.Background()
	r1, s := openReg(t)

	id, err := r1.Insert(ctx, xdpProgram("alice", "eth0", 50))
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	r2 := registry.New(s)
	if err := r2.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	got, ok := r2.Get(id)
	if !ok {
		t.Fatalf("rebuilt registry missing program %s", id)
	}
	if got.Owner != "alice" {
		t.Fatalf("got owner %q, want alice", got.Owner)
	}
	n, ok := got.NetworkAttach()
	if !ok || n.IfaceName != "eth0" {
		t.Fatalf("rebuilt attach info wrong: %+v", got.Attach)
	}
}

func TestUpdatePositionsSetsRankAndAttached(t *testing.T) {
	ctx := context.Background()
	r, _ := openReg(t)

	a := xdpProgram("alice", "eth0", 50)
	b := xdpProgram("bob", "eth0", 10)
	_, _ = r.Insert(ctx, a)
	_, _ = r.Insert(ctx, b)

	sorted := []*program.Program{b, a} // b has lower priority, sorts first
	if err := r.UpdatePositions(ctx, sorted); err != nil {
		t.Fatalf("update positions: %v", err)
	}

	bn, _ := b.NetworkAttach()
	an, _ := a.NetworkAttach()
	if bn.Position != 0 || !bn.Attached {
		t.Fatalf("b position/attached wrong: %+v", bn)
	}
	if an.Position != 1 || !an.Attached {
		t.Fatalf("a position/attached wrong: %+v", an)
	}
}
