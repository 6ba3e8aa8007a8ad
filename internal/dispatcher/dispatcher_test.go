package dispatcher_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/bpfd-dev/bpfd/internal/dispatcher"
	"github.com/bpfd-dev/bpfd/internal/imagemanager"
	"github.com/bpfd-dev/bpfd/internal/kernelloader"
	"github.com/bpfd-dev/bpfd/internal/program"
	"github.com/bpfd-dev/bpfd/internal/registry"
	"github.com/bpfd-dev/bpfd/internal/store"
)

// stubImages returns a one-byte placeholder object for any origin; the fake
// loader never actually parses it, so its contents are irrelevant here.
type stubImages struct{}

func (stubImages) Pull(_ context.Context, _ string, _ imagemanager.PullPolicy) (io.ReaderAt, error) {
	return bytes.NewReader([]byte{0}), nil
}

func newEngine(t *testing.T) (*dispatcher.Engine, *registry.Registry, *kernelloader.Fake) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := registry.New(s)
	loader := kernelloader.NewFake()
	eng := dispatcher.New(s, loader, stubImages{}, reg, t.TempDir(), nil)
	return eng, reg, loader
}

func xdpProgram(owner string, priority uint32) *program.Program {
	return &program.Program{
		ProgramData: program.ProgramData{
			Kind:        program.KindXDP,
			Origin:      "file:///tmp/prog.o",
			EntrySymbol: "xdp/prog",
			Owner:       owner,
		},
		Attach: &program.NetworkMultiAttachInfo{
			IfaceName: "eth0",
			IfIndex:   2,
			Priority:  priority,
			Position:  -1,
		},
	}
}

func TestReconcileSingleProgram(t *testing.T) {
	ctx := context.Background()
	eng, reg, _ := newEngine(t)

	a := xdpProgram("alice", 50)
	if _, err := reg.Insert(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}

	chain, err := eng.Reconcile(ctx, 2, "eth0", program.HookXDP, program.ModeNative)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("got %d programs in chain, want 1", len(chain))
	}
	n, _ := a.NetworkAttach()
	if n.Position != 0 || !n.Attached {
		t.Fatalf("program not positioned/attached: %+v", n)
	}
}

func TestReconcileOrdersByPriorityThenInsertsAtFront(t *testing.T) {
	ctx := context.Background()
	eng, reg, _ := newEngine(t)

	a := xdpProgram("alice", 50)
	if _, err := reg.Insert(ctx, a); err != nil {
		t.Fatalf("insert a: %v", err)
	}
	if _, err := eng.Reconcile(ctx, 2, "eth0", program.HookXDP, program.ModeNative); err != nil {
		t.Fatalf("reconcile 1: %v", err)
	}

	b := xdpProgram("bob", 10) // lower priority number sorts first
	if _, err := reg.Insert(ctx, b); err != nil {
		t.Fatalf("insert b: %v", err)
	}
	if _, err := eng.Reconcile(ctx, 2, "eth0", program.HookXDP, program.ModeNative); err != nil {
		t.Fatalf("reconcile 2: %v", err)
	}

	an, _ := a.NetworkAttach()
	bn, _ := b.NetworkAttach()
	if bn.Position != 0 {
		t.Fatalf("b should be at position 0, got %d", bn.Position)
	}
	if an.Position != 1 {
		t.Fatalf("a should be at position 1, got %d", an.Position)
	}
}

func TestReconcileTooManyPrograms(t *testing.T) {
	ctx := context.Background()
	eng, reg, _ := newEngine(t)

	for i := 0; i < 11; i++ {
		p := xdpProgram("alice", uint32(i))
		if _, err := reg.Insert(ctx, p); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	_, err := eng.Reconcile(ctx, 2, "eth0", program.HookXDP, program.ModeNative)
	if err == nil {
		t.Fatalf("expected TooManyPrograms error")
	}
}

func TestReconcileTeardownOnLastUnload(t *testing.T) {
	ctx := context.Background()
	eng, reg, _ := newEngine(t)

	a := xdpProgram("alice", 50)
	id, err := reg.Insert(ctx, a)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := eng.Reconcile(ctx, 2, "eth0", program.HookXDP, program.ModeNative); err != nil {
		t.Fatalf("reconcile with program: %v", err)
	}

	if err := reg.Remove(ctx, id, registry.Caller{Username: "alice"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	chain, err := eng.Reconcile(ctx, 2, "eth0", program.HookXDP, program.ModeNative)
	if err != nil {
		t.Fatalf("reconcile after removal: %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("got %d programs after removing the only one, want 0", len(chain))
	}
}

func TestReconcileTeardownReleasesRemovedProgramPins(t *testing.T) {
	ctx := context.Background()
	eng, reg, loader := newEngine(t)

	a := xdpProgram("alice", 50)
	id, err := reg.Insert(ctx, a)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := eng.Reconcile(ctx, 2, "eth0", program.HookXDP, program.ModeNative); err != nil {
		t.Fatalf("reconcile with program: %v", err)
	}
	if a.KernelID == 0 {
		t.Fatalf("program was not loaded")
	}

	if err := reg.Remove(ctx, id, registry.Caller{Username: "alice"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := eng.Reconcile(ctx, 2, "eth0", program.HookXDP, program.ModeNative); err != nil {
		t.Fatalf("reconcile after removal: %v", err)
	}
	if err := eng.ReleaseProgram(ctx, a); err != nil {
		t.Fatalf("release program: %v", err)
	}

	if loader.IsLoaded(a.KernelID) {
		t.Fatalf("program %d still loaded after release", a.KernelID)
	}
	if loader.PinCount() != 0 {
		t.Fatalf("got %d pins remaining after teardown + release, want 0", loader.PinCount())
	}
}

// failAfterAttachExtension wraps a Fake loader and fails the Nth call to
// AttachExtension, to exercise graftExtensions' mid-chain rollback path.
type failAfterAttachExtension struct {
	*kernelloader.Fake
	failOn int
	calls  int
}

func (f *failAfterAttachExtension) AttachExtension(ctx context.Context, extID, targetID uint32, targetSection string) (uint32, error) {
	f.calls++
	if f.calls == f.failOn {
		return 0, fmt.Errorf("injected attach failure on call %d", f.calls)
	}
	return f.Fake.AttachExtension(ctx, extID, targetID, targetSection)
}

func TestReconcileGraftFailureRollsBackEarlierSlots(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := registry.New(s)
	loader := &failAfterAttachExtension{Fake: kernelloader.NewFake(), failOn: 3}
	eng := dispatcher.New(s, loader, stubImages{}, reg, t.TempDir(), nil)

	a := xdpProgram("alice", 10)
	b := xdpProgram("bob", 20)
	c := xdpProgram("carol", 30)
	for _, p := range []*program.Program{a, b, c} {
		if _, err := reg.Insert(ctx, p); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if _, err := eng.Reconcile(ctx, 2, "eth0", program.HookXDP, program.ModeNative); err == nil {
		t.Fatalf("expected reconcile to fail when the third slot's attach fails")
	}

	for _, p := range []*program.Program{a, b, c} {
		if p.KernelID != 0 {
			t.Fatalf("program %s retained kernel id %d after a failed reconcile", p.UUID, p.KernelID)
		}
		if p.MapPinPath != "" {
			t.Fatalf("program %s retained map pin path %q after a failed reconcile", p.UUID, p.MapPinPath)
		}
	}
	if got := loader.LoadedCount(); got != 0 {
		t.Fatalf("got %d kernel programs still loaded after rollback, want 0", got)
	}
	if got := loader.PinCount(); got != 0 {
		t.Fatalf("got %d pins still present after rollback, want 0", got)
	}

	// A subsequent reconcile without the injected failure must still
	// succeed, proving the registry's in-memory state was left usable.
	loader.failOn = 0
	chain, err := eng.Reconcile(ctx, 2, "eth0", program.HookXDP, program.ModeNative)
	if err != nil {
		t.Fatalf("reconcile after clearing the injected failure: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("got %d programs in chain, want 3", len(chain))
	}
}

func TestRebuildReclaimsOrphanedProgramPin(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	reg := registry.New(s)
	loader := kernelloader.NewFake()
	runtimeDir := t.TempDir()
	eng := dispatcher.New(s, loader, stubImages{}, reg, runtimeDir, nil)

	res, err := loader.Load(ctx, kernelloader.LoadSpec{Type: kernelloader.ProgTypeExt, Object: bytes.NewReader([]byte{0})})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	orphanPath := filepath.Join(runtimeDir, "fs", "prog_"+uuid.New().String())
	if err := loader.PinProgram(ctx, res.KernelID, orphanPath); err != nil {
		t.Fatalf("pin program: %v", err)
	}

	// No registry tree exists for this UUID: the program was left behind
	// by a crash between Load/PinProgram and the registry insert it never
	// reached.
	if err := reg.Rebuild(ctx); err != nil {
		t.Fatalf("registry rebuild: %v", err)
	}
	if err := eng.Rebuild(ctx); err != nil {
		t.Fatalf("engine rebuild: %v", err)
	}

	if loader.IsLoaded(res.KernelID) {
		t.Fatalf("orphaned program %d still loaded after rebuild", res.KernelID)
	}
	if loader.PinCount() != 0 {
		t.Fatalf("got %d pins remaining after rebuild, want 0", loader.PinCount())
	}
}
