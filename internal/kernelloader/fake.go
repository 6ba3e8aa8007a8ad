package kernelloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Fake is an in-memory Loader used by tests that exercise the Dispatcher
// Engine and Program Registry without a real kernel: loading, attaching,
// and grafting never make a syscall. Pins are tracked in a map keyed by
// path, but Fake also touches a zero-byte marker file at each pin path so
// that callers which check pin existence via the filesystem (mirroring a
// real bpffs pin) behave the same way against Fake as against the linux
// loader.
//
// Fake is safe for concurrent use, though the core's single-writer command
// loop never calls it from more than one goroutine at a time.
type Fake struct {
	mu sync.Mutex

	nextID   uint32
	programs map[uint32]fakeProgram
	links    map[uint32]fakeLink
	pins     map[string]fakePin
}

type fakeProgram struct {
	spec   LoadSpec
	mapIDs map[string]uint32
}

type fakeLink struct {
	kernelID uint32
	spec     AttachSpec
}

type fakePin struct {
	kind string // "program" or "link"
	id   uint32
}

// NewFake returns an empty Fake loader.
func NewFake() *Fake {
	return &Fake{
		programs: make(map[uint32]fakeProgram),
		links:    make(map[uint32]fakeLink),
		pins:     make(map[string]fakePin),
	}
}

func (f *Fake) allocID() uint32 {
	f.nextID++
	return f.nextID
}

// Load implements Loader. It never fails, and every program it loads
// reports a single "dispatcher_config" map.
func (f *Fake) Load(_ context.Context, spec LoadSpec) (LoadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.allocID()
	mapIDs := map[string]uint32{"dispatcher_config": f.allocID()}
	f.programs[id] = fakeProgram{spec: spec, mapIDs: mapIDs}
	return LoadResult{KernelID: id, MapIDs: mapIDs}, nil
}

func (f *Fake) Attach(_ context.Context, kernelID uint32, spec AttachSpec) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.programs[kernelID]; !ok {
		return 0, fmt.Errorf("fake: attach: %w: id %d", ErrNotLoaded, kernelID)
	}
	id := f.allocID()
	f.links[id] = fakeLink{kernelID: kernelID, spec: spec}
	return id, nil
}

func (f *Fake) AttachExtension(_ context.Context, extID uint32, targetID uint32, targetSection string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.programs[extID]; !ok {
		return 0, fmt.Errorf("fake: attach extension: %w: ext id %d", ErrNotLoaded, extID)
	}
	if _, ok := f.programs[targetID]; !ok {
		return 0, fmt.Errorf("fake: attach extension: %w: target id %d", ErrNotLoaded, targetID)
	}
	id := f.allocID()
	f.links[id] = fakeLink{kernelID: extID, spec: AttachSpec{}}
	return id, nil
}

func (f *Fake) Detach(_ context.Context, linkID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.links[linkID]; !ok {
		return fmt.Errorf("fake: detach: unknown link %d", linkID)
	}
	delete(f.links, linkID)
	return nil
}

func (f *Fake) Unload(_ context.Context, kernelID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.programs[kernelID]; !ok {
		return fmt.Errorf("fake: unload: %w: id %d", ErrNotLoaded, kernelID)
	}
	delete(f.programs, kernelID)
	return nil
}

func (f *Fake) PinProgram(_ context.Context, kernelID uint32, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.programs[kernelID]; !ok {
		return fmt.Errorf("fake: pin program: %w: id %d", ErrNotLoaded, kernelID)
	}
	if _, exists := f.pins[path]; exists {
		return fmt.Errorf("fake: pin program %q: %w", path, ErrPinExists)
	}
	if err := touchPin(path); err != nil {
		return fmt.Errorf("fake: pin program %q: %w", path, err)
	}
	f.pins[path] = fakePin{kind: "program", id: kernelID}
	return nil
}

func (f *Fake) PinLink(_ context.Context, linkID uint32, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.links[linkID]; !ok {
		return fmt.Errorf("fake: pin link: unknown link %d", linkID)
	}
	if _, exists := f.pins[path]; exists {
		return fmt.Errorf("fake: pin link %q: %w", path, ErrPinExists)
	}
	if err := touchPin(path); err != nil {
		return fmt.Errorf("fake: pin link %q: %w", path, err)
	}
	f.pins[path] = fakePin{kind: "link", id: linkID}
	return nil
}

// touchPin creates a zero-byte marker file at path, standing in for the
// real bpffs pin the linux loader would create via bpf_obj_pin.
func touchPin(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}

func (f *Fake) ProgramFromPin(_ context.Context, path string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.pins[path]
	if !ok || p.kind != "program" {
		return 0, fmt.Errorf("fake: program from pin %q: %w", path, ErrPinMissing)
	}
	return p.id, nil
}

func (f *Fake) LinkFromPin(_ context.Context, path string) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.pins[path]
	if !ok || p.kind != "link" {
		return 0, fmt.Errorf("fake: link from pin %q: %w", path, ErrPinMissing)
	}
	return p.id, nil
}

func (f *Fake) UpdateLinkTarget(_ context.Context, linkID uint32, newKernelID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.links[linkID]
	if !ok {
		return fmt.Errorf("fake: update link target: unknown link %d", linkID)
	}
	if _, ok := f.programs[newKernelID]; !ok {
		return fmt.Errorf("fake: update link target: %w: id %d", ErrNotLoaded, newKernelID)
	}
	l.kernelID = newKernelID
	f.links[linkID] = l
	return nil
}

func (f *Fake) Unpin(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.pins[path]; !ok {
		return fmt.Errorf("fake: unpin %q: %w", path, ErrPinMissing)
	}
	delete(f.pins, path)
	_ = os.Remove(path)
	return nil
}

// LinkTarget returns the kernel id a link currently points at, for test
// assertions that verify a hitless swap actually repointed the hook.
func (f *Fake) LinkTarget(linkID uint32) (uint32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[linkID]
	return l.kernelID, ok
}

// IsLoaded reports whether kernelID currently refers to a loaded program,
// for test assertions that verify Unload actually released it.
func (f *Fake) IsLoaded(kernelID uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.programs[kernelID]
	return ok
}

// LoadedCount returns the number of programs currently loaded, for test
// assertions that a failed chain mutation leaked no kernel programs.
func (f *Fake) LoadedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.programs)
}

// PinCount returns the number of filesystem pins currently tracked, for
// test assertions that a failed chain mutation leaked no pins.
func (f *Fake) PinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pins)
}
