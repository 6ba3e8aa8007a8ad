package bpfd_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bpfd-dev/bpfd/internal/bpfd"
	"github.com/bpfd-dev/bpfd/internal/bpfderr"
	"github.com/bpfd-dev/bpfd/internal/imagemanager"
	"github.com/bpfd-dev/bpfd/internal/kernelloader"
	"github.com/bpfd-dev/bpfd/internal/program"
	"github.com/bpfd-dev/bpfd/internal/registry"
	"github.com/bpfd-dev/bpfd/internal/store"
)

type stubImages struct{}

func (stubImages) Pull(_ context.Context, _ string, _ imagemanager.PullPolicy) (io.ReaderAt, error) {
	return bytes.NewReader([]byte{0}), nil
}

type fixedResolver map[string]uint32

func (f fixedResolver) ResolveIndex(name string) (uint32, error) {
	idx, ok := f[name]
	if !ok {
		return 0, bpfderr.New(bpfderr.CodeInvalidInterface, name)
	}
	return idx, nil
}

type recordedCall struct {
	caller string
	kind   program.Kind
	origin string
	id     uuid.UUID
	err    error
}

type fakeAudit struct {
	mu     sync.Mutex
	loads  []recordedCall
	unload []recordedCall
}

func (a *fakeAudit) RecordLoad(caller string, kind program.Kind, origin string, id uuid.UUID, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loads = append(a.loads, recordedCall{caller: caller, kind: kind, origin: origin, id: id, err: err})
}

func (a *fakeAudit) RecordUnload(caller string, id uuid.UUID, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unload = append(a.unload, recordedCall{caller: caller, id: id, err: err})
}

func newDaemon(t *testing.T, opts ...bpfd.Option) (*bpfd.Daemon, context.Context) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	resolver := fixedResolver{"eth0": 2, "eth1": 3}
	allOpts := append([]bpfd.Option{bpfd.WithIfaceResolver(resolver)}, opts...)
	d := bpfd.New(s, kernelloader.NewFake(), stubImages{}, t.TempDir(), nil, allOpts...)

	ctx := context.Background()
	if err := d.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	go d.Run(ctx)
	return d, ctx
}

func xdpLoad(iface string) bpfd.LoadRequest {
	return bpfd.LoadRequest{
		Origin:  "file:///tmp/prog.o",
		Section: "xdp/prog",
		Kind:    program.KindXDP,
		Attach: bpfd.AttachTypeSpec{
			Network: &bpfd.NetworkAttachSpec{Iface: iface, Priority: 50},
		},
		Caller: registry.Caller{Username: "alice"},
	}
}

func TestLoadAndList(t *testing.T) {
	d, ctx := newDaemon(t)

	id, err := d.Load(ctx, xdpLoad("eth0"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected non-nil uuid")
	}

	summaries, err := d.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 1 || summaries[0].UUID != id {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
}

func TestLoadInvalidInterface(t *testing.T) {
	d, ctx := newDaemon(t)

	_, err := d.Load(ctx, xdpLoad("no-such-iface"))
	if !bpfderr.Is(err, bpfderr.CodeInvalidInterface) {
		t.Fatalf("expected InvalidInterface, got %v", err)
	}
}

func TestLoadThenUnload(t *testing.T) {
	d, ctx := newDaemon(t)

	id, err := d.Load(ctx, xdpLoad("eth0"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := d.Unload(ctx, bpfd.UnloadRequest{UUID: id, Caller: registry.Caller{Username: "alice"}}); err != nil {
		t.Fatalf("unload: %v", err)
	}

	summaries, err := d.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("expected empty list after unload, got %+v", summaries)
	}
}

func TestUnloadUnauthorized(t *testing.T) {
	d, ctx := newDaemon(t)

	id, err := d.Load(ctx, xdpLoad("eth0"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	err = d.Unload(ctx, bpfd.UnloadRequest{UUID: id, Caller: registry.Caller{Username: "mallory"}})
	if !bpfderr.Is(err, bpfderr.CodeUnauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestUnloadNotLoaded(t *testing.T) {
	d, ctx := newDaemon(t)

	err := d.Unload(ctx, bpfd.UnloadRequest{UUID: uuid.New(), Caller: registry.Caller{Username: "alice"}})
	if !bpfderr.Is(err, bpfderr.CodeNotLoaded) {
		t.Fatalf("expected NotLoaded, got %v", err)
	}
}

func TestDispatchersReflectsLoadedChain(t *testing.T) {
	d, ctx := newDaemon(t)

	if _, err := d.Load(ctx, xdpLoad("eth0")); err != nil {
		t.Fatalf("load: %v", err)
	}

	dispatchers, err := d.Dispatchers(ctx)
	if err != nil {
		t.Fatalf("dispatchers: %v", err)
	}
	if len(dispatchers) != 1 || dispatchers[0].IfIndex != 2 {
		t.Fatalf("unexpected dispatchers: %+v", dispatchers)
	}
}

func TestAuditRecorderSeesLoadAndUnload(t *testing.T) {
	audit := &fakeAudit{}
	d, ctx := newDaemon(t, bpfd.WithAuditRecorder(audit))

	id, err := d.Load(ctx, xdpLoad("eth0"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := d.Unload(ctx, bpfd.UnloadRequest{UUID: id, Caller: registry.Caller{Username: "alice"}}); err != nil {
		t.Fatalf("unload: %v", err)
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.loads) != 1 || audit.loads[0].id != id {
		t.Fatalf("unexpected load records: %+v", audit.loads)
	}
	if len(audit.unload) != 1 || audit.unload[0].id != id {
		t.Fatalf("unexpected unload records: %+v", audit.unload)
	}
}

func TestConcurrentLoadsAllApplied(t *testing.T) {
	d, ctx := newDaemon(t)

	var ids []uuid.UUID
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			req := xdpLoad("eth0")
			req.Attach.Network.Priority = uint32(n)
			id, err := d.Load(ctx, req)
			if err != nil {
				t.Errorf("load %d: %v", n, err)
				return
			}
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for {
		summaries, err := d.List(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(summaries) == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for 5 programs, got %d", len(summaries))
		default:
		}
	}
}

func TestUnloadReleasesProgramKernelState(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	loader := kernelloader.NewFake()
	d := bpfd.New(s, loader, stubImages{}, t.TempDir(), nil, bpfd.WithIfaceResolver(fixedResolver{"eth0": 2}))
	ctx := context.Background()
	if err := d.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	go d.Run(ctx)

	id, err := d.Load(ctx, xdpLoad("eth0"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loader.LoadedCount() == 0 {
		t.Fatalf("expected program to be loaded after Load")
	}

	if err := d.Unload(ctx, bpfd.UnloadRequest{UUID: id, Caller: registry.Caller{Username: "alice"}}); err != nil {
		t.Fatalf("unload: %v", err)
	}

	if got := loader.LoadedCount(); got != 0 {
		t.Fatalf("got %d kernel programs still loaded after unload, want 0", got)
	}
	if got := loader.PinCount(); got != 0 {
		t.Fatalf("got %d pins still present after unload, want 0", got)
	}
}
