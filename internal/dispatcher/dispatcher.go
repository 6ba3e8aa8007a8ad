// Package dispatcher implements the Dispatcher Engine (spec.md §4.E), the
// heart of the system: the revisioned multiprogram composer that lets any
// number of client programs share one (interface, hook) attachment point
// behind a single small in-kernel dispatcher.
package dispatcher

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/bpfd-dev/bpfd/internal/bpfderr"
	"github.com/bpfd-dev/bpfd/internal/imagemanager"
	"github.com/bpfd-dev/bpfd/internal/kernelloader"
	"github.com/bpfd-dev/bpfd/internal/program"
	"github.com/bpfd-dev/bpfd/internal/registry"
	"github.com/bpfd-dev/bpfd/internal/store"
)

// maxSlots is the hard ceiling on extensions per dispatcher (spec.md §4.E.1
// step 1).
const maxSlots = 10

// runPrioDefault is the run-prio stamped into unused configuration slots
// (spec.md §4.E.1 step 3).
const runPrioDefault = 50

type key struct {
	ifIndex uint32
	hook    program.Hook
}

// Engine owns every live Dispatcher and performs the revision protocol.
// Like the Program Registry, it relies entirely on its caller (the Command
// Loop) for serialization; it holds no internal lock.
type Engine struct {
	store      *store.Store
	loader     kernelloader.Loader
	images     imagemanager.Manager
	reg        *registry.Registry
	runtimeDir string
	log        *slog.Logger

	current map[key]*program.Dispatcher
}

// New returns an Engine with no live dispatchers. Callers should follow
// with Rebuild if the runtime directory may already hold state from a
// previous run.
func New(s *store.Store, loader kernelloader.Loader, images imagemanager.Manager, reg *registry.Registry, runtimeDir string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:      s,
		loader:     loader,
		images:     images,
		reg:        reg,
		runtimeDir: runtimeDir,
		log:        log,
		current:    make(map[key]*program.Dispatcher),
	}
}

func (e *Engine) fsHookDir(hook program.Hook) string {
	return filepath.Join(e.runtimeDir, "fs", string(hook))
}

func (e *Engine) stableLinkPinPath(ifIndex uint32, hook program.Hook) string {
	return filepath.Join(e.fsHookDir(hook), fmt.Sprintf("dispatcher_%d_link", ifIndex))
}

func (e *Engine) revisionPinDir(ifIndex uint32, hook program.Hook, revision uint64) string {
	return filepath.Join(e.fsHookDir(hook), fmt.Sprintf("dispatcher_%d_%d", ifIndex, revision))
}

func (e *Engine) progPinPath(id fmt.Stringer) string {
	return filepath.Join(e.runtimeDir, "fs", "prog_"+id.String())
}

// Reconcile recomputes and, if necessary, rebuilds the dispatcher chain for
// one (interface, hook) pair, implementing the 10-step revision protocol
// (spec.md §4.E.1). It returns the new chain in final sorted order on
// success.
func (e *Engine) Reconcile(ctx context.Context, ifIndex uint32, ifaceName string, hook program.Hook, mode program.AttachMode) ([]*program.Program, error) {
	k := key{ifIndex: ifIndex, hook: hook}

	// Step 1: compute sorted extension list.
	chain := e.reg.ChainFor(ifIndex, hook)
	sortChain(chain)
	if len(chain) > maxSlots {
		return nil, bpfderr.New(bpfderr.CodeTooManyPrograms, fmt.Sprintf("chain for if_index %d hook %s would hold %d programs, max %d", ifIndex, hook, len(chain), maxSlots))
	}

	if len(chain) == 0 {
		return nil, e.teardown(ctx, k, ifaceName)
	}

	old := e.current[k]
	var revision uint64 = 1
	if old != nil {
		revision = old.Revision + 1
	}

	// Step 3: build the configuration structure.
	cfg := buildConfig(chain)

	// Step 4: fetch dispatcher bytecode.
	origin := fmt.Sprintf("image://dispatcher/%s", hook)
	bytecode, err := e.images.Pull(ctx, origin, imagemanager.PullIfNotPresent)
	if err != nil {
		return nil, bpfderr.Wrap(bpfderr.CodeBytecodeUnavailable, "pull dispatcher bytecode", err)
	}

	// Step 5: load the bytecode with the configuration stamped as a
	// read-only global.
	progType, err := dispatcherProgType(hook)
	if err != nil {
		return nil, bpfderr.Wrap(bpfderr.CodeInvalidProgramType, "dispatcher program type", err)
	}
	loadResult, err := e.loader.Load(ctx, kernelloader.LoadSpec{
		Type:       progType,
		Object:     bytecode,
		Section:    string(hook),
		GlobalData: cfg,
	})
	if err != nil {
		return nil, bpfderr.Wrap(bpfderr.CodeLoadFailed, "load dispatcher bytecode", err)
	}
	newDispatcherID := loadResult.KernelID

	// Step 6: create the per-revision pin directory.
	revDir := e.revisionPinDir(ifIndex, hook, revision)
	if err := os.MkdirAll(revDir, 0o750); err != nil {
		_ = e.loader.Unload(ctx, newDispatcherID)
		return nil, bpfderr.Wrap(bpfderr.CodePinError, "create revision directory", err)
	}

	// Step 7: graft each extension. grafted tracks every slot attempted so
	// far, including a partial one, so a failure here or in step 8 can unwind exactly what
	// this call did, leaving the old dispatcher and every program's
	// registry-owned state untouched (spec.md §5).
	grafted, err := e.graftExtensions(ctx, chain, newDispatcherID, revDir)
	if err != nil {
		e.rollbackNewRevision(ctx, revDir, newDispatcherID, grafted)
		return nil, err
	}

	// Step 8: atomic swap at the interface.
	stablePath := e.stableLinkPinPath(ifIndex, hook)
	if _, statErr := os.Stat(stablePath); statErr == nil {
		linkID, err := e.loader.LinkFromPin(ctx, stablePath)
		if err != nil {
			e.rollbackNewRevision(ctx, revDir, newDispatcherID, grafted)
			return nil, bpfderr.Wrap(bpfderr.CodePinError, "reopen stable hook link", err)
		}
		if err := e.loader.UpdateLinkTarget(ctx, linkID, newDispatcherID); err != nil {
			e.rollbackNewRevision(ctx, revDir, newDispatcherID, grafted)
			return nil, bpfderr.Wrap(bpfderr.CodeAttachFailed, "hitless swap of hook link", err)
		}
	} else {
		attachType, err := dispatcherAttachType(hook)
		if err != nil {
			e.rollbackNewRevision(ctx, revDir, newDispatcherID, grafted)
			return nil, bpfderr.Wrap(bpfderr.CodeInvalidProgramType, "dispatcher attach type", err)
		}
		linkID, err := e.loader.Attach(ctx, newDispatcherID, kernelloader.AttachSpec{Type: attachType, IfIndex: ifIndex})
		if err != nil {
			e.rollbackNewRevision(ctx, revDir, newDispatcherID, grafted)
			return nil, bpfderr.Wrap(bpfderr.CodeAttachFailed, "attach dispatcher to interface", err)
		}
		if err := os.MkdirAll(filepath.Dir(stablePath), 0o750); err != nil {
			e.rollbackNewRevision(ctx, revDir, newDispatcherID, grafted)
			return nil, bpfderr.Wrap(bpfderr.CodePinError, "create hook pin directory", err)
		}
		if err := e.loader.PinLink(ctx, linkID, stablePath); err != nil {
			e.rollbackNewRevision(ctx, revDir, newDispatcherID, grafted)
			return nil, bpfderr.Wrap(bpfderr.CodePinError, "pin stable hook link", err)
		}
	}

	// The chain mutation is now committed: only past this point may the
	// kernel state graftExtensions produced be written onto the
	// registry-owned *program.Program values and persisted. Before this
	// point every program we touched was tracked only in grafted, so a
	// failure above left the registry's in-memory and persisted state
	// bit-identical to what it was before Reconcile was called.
	for _, slot := range grafted {
		if !slot.newlyLoaded {
			continue
		}
		slot.p.KernelID = slot.kernelID
		slot.p.MapPinPath = slot.mapPinPath
		if err := e.reg.UpdateKernelState(ctx, slot.p); err != nil {
			return nil, bpfderr.Wrap(bpfderr.CodeDatabaseError, "persist program kernel state", err)
		}
	}

	// Step 9: retire the old dispatcher.
	if old != nil {
		oldDir := e.revisionPinDir(ifIndex, hook, old.Revision)
		_ = os.RemoveAll(oldDir)
		if err := e.store.Tree(old.TreeName()).Drop(ctx); err != nil {
			e.log.Warn("drop retired dispatcher tree", "error", err, "if_index", ifIndex, "hook", hook, "revision", old.Revision)
		}
	}

	// Step 10: persist the new dispatcher and update chain positions.
	newDispatcher := &program.Dispatcher{
		IfIndex:       ifIndex,
		IfaceName:     ifaceName,
		Hook:          hook,
		Mode:          mode,
		Revision:      revision,
		ProgramName:   string(hook),
		NumExtensions: len(chain),
	}
	if err := e.persistDispatcher(ctx, newDispatcher); err != nil {
		return nil, bpfderr.Wrap(bpfderr.CodeDatabaseError, "persist dispatcher", err)
	}
	e.current[k] = newDispatcher

	if err := e.reg.UpdatePositions(ctx, chain); err != nil {
		return nil, err
	}

	warnUnhonoredTCProceedOn(e.log, chain, hook)

	return chain, nil
}

// graftedSlot records exactly what graftExtensions did for one chain
// position, so a failure partway through a chain can be unwound precisely.
// No field here is ever written onto p until the whole Reconcile call
// succeeds; until then p is read-only.
type graftedSlot struct {
	p           *program.Program
	newlyLoaded bool
	kernelID    uint32
	progPinned  bool
	mapPinPath  string
	pinnedMaps  []string
	linkID      uint32
	linkPath    string
	linkPinned  bool
}

// graftExtensions implements step 7: for each chain slot, ensure the
// client program is loaded as an extension of the new dispatcher and pin
// both its program and link under the new revision directory. It never
// mutates p.KernelID or p.MapPinPath directly; the caller commits those
// once the whole chain mutation is known to succeed. The returned slice
// always contains one entry per slot attempted so far, including the
// partially-completed slot at the point of failure, so the caller can pass
// it to rollbackNewRevision regardless of outcome.
func (e *Engine) graftExtensions(ctx context.Context, chain []*program.Program, newDispatcherID uint32, revDir string) ([]*graftedSlot, error) {
	var grafted []*graftedSlot

	for i, p := range chain {
		targetSection := fmt.Sprintf("prog%d", i)
		slot := &graftedSlot{p: p}
		grafted = append(grafted, slot)

		var extID uint32
		if p.KernelID != 0 {
			// Already loaded (attached to a previous dispatcher, or loaded
			// but not yet attached). Reuse the loaded program fd.
			extID = p.KernelID
		} else {
			bytecode, err := e.images.Pull(ctx, p.Origin, imagemanager.PullIfNotPresent)
			if err != nil {
				return grafted, bpfderr.Wrap(bpfderr.CodeBytecodeUnavailable, fmt.Sprintf("pull bytecode for %s", p.UUID), err)
			}
			progType, err := clientProgType(p.Kind)
			if err != nil {
				return grafted, bpfderr.Wrap(bpfderr.CodeInvalidProgramType, "client program type", err)
			}
			res, err := e.loader.Load(ctx, kernelloader.LoadSpec{
				Type:    progType,
				Object:  bytecode,
				Section: p.EntrySymbol,
				Extension: &kernelloader.ExtensionTarget{
					TargetKernelID: newDispatcherID,
					TargetSection:  targetSection,
				},
			})
			if err != nil {
				return grafted, bpfderr.Wrap(bpfderr.CodeLoadFailed, fmt.Sprintf("load extension for %s", p.UUID), err)
			}
			extID = res.KernelID
			slot.newlyLoaded = true
			slot.kernelID = res.KernelID

			mapPinDir := p.MapPinPath
			if mapPinDir == "" {
				mapPinDir = filepath.Join(e.runtimeDir, "fs", "maps", p.UUID.String())
			}
			slot.mapPinPath = mapPinDir
			if err := os.MkdirAll(mapPinDir, 0o750); err != nil {
				return grafted, bpfderr.Wrap(bpfderr.CodePinError, "create map pin directory", err)
			}
			for name, mapID := range res.MapIDs {
				if name == ".rodata" || name == ".bss" {
					continue // auto-generated; excluded per spec.md §4.E.1 step 7
				}
				if err := e.loader.PinProgram(ctx, mapID, filepath.Join(mapPinDir, name)); err != nil {
					return grafted, bpfderr.Wrap(bpfderr.CodePinError, fmt.Sprintf("pin map %q", name), err)
				}
				slot.pinnedMaps = append(slot.pinnedMaps, name)
			}
			if err := e.loader.PinProgram(ctx, extID, e.progPinPath(p.UUID)); err != nil {
				return grafted, bpfderr.Wrap(bpfderr.CodePinError, "pin client program", err)
			}
			slot.progPinned = true
		}

		linkID, err := e.loader.AttachExtension(ctx, extID, newDispatcherID, targetSection)
		if err != nil {
			return grafted, bpfderr.Wrap(bpfderr.CodeAttachFailed, fmt.Sprintf("graft %s into slot %d", p.UUID, i), err)
		}
		slot.linkID = linkID

		slot.linkPath = filepath.Join(revDir, "link_"+p.UUID.String())
		if err := e.loader.PinLink(ctx, linkID, slot.linkPath); err != nil {
			return grafted, bpfderr.Wrap(bpfderr.CodePinError, "pin extension link", err)
		}
		slot.linkPinned = true
	}
	return grafted, nil
}

// undoSlot reverses whatever graftExtensions managed to do for one chain
// slot, in the opposite order it was acquired. Reused (not newly loaded)
// programs only had a new extension link created this call, so only that
// link is undone; their own program and map pins predate this Reconcile
// call and are left alone.
func (e *Engine) undoSlot(ctx context.Context, s *graftedSlot) {
	if s == nil {
		return
	}
	if s.linkPinned {
		_ = e.loader.Unpin(ctx, s.linkPath)
	}
	if s.linkID != 0 {
		_ = e.loader.Detach(ctx, s.linkID)
	}
	if !s.newlyLoaded {
		return
	}
	if s.progPinned {
		_ = e.loader.Unpin(ctx, e.progPinPath(s.p.UUID))
	}
	for _, name := range s.pinnedMaps {
		_ = e.loader.Unpin(ctx, filepath.Join(s.mapPinPath, name))
	}
	if s.mapPinPath != "" {
		_ = os.RemoveAll(s.mapPinPath)
	}
	if s.kernelID != 0 {
		_ = e.loader.Unload(ctx, s.kernelID)
	}
}

// undoGrafts unwinds every slot graftExtensions touched, in reverse order.
func (e *Engine) undoGrafts(ctx context.Context, grafted []*graftedSlot) {
	for i := len(grafted) - 1; i >= 0; i-- {
		e.undoSlot(ctx, grafted[i])
	}
}

// rollbackNewRevision implements the failure path of steps 5-8: every
// extension grafted onto the half-built new dispatcher is released, the new
// dispatcher's own kernel handle and revision directory are torn down, and
// the old dispatcher keeps serving (spec.md §5: "a failed chain mutation
// must leave zero observable state change").
func (e *Engine) rollbackNewRevision(ctx context.Context, revDir string, newDispatcherID uint32, grafted []*graftedSlot) {
	e.undoGrafts(ctx, grafted)
	_ = os.RemoveAll(revDir)
	_ = e.loader.Unload(ctx, newDispatcherID)
}

// teardown implements spec.md §4.E.3: removing the last extension drops
// the stable hook-link pin, detaches the dispatcher, and removes both pin
// directories and the sub-tree. The departing program's own kernel handle
// and pins are released separately by the caller via ReleaseProgram, since
// by the time the chain is empty the registry no longer holds it.
func (e *Engine) teardown(ctx context.Context, k key, ifaceName string) error {
	d, ok := e.current[k]
	if !ok {
		return nil
	}

	stablePath := e.stableLinkPinPath(k.ifIndex, k.hook)
	if linkID, err := e.loader.LinkFromPin(ctx, stablePath); err == nil {
		_ = e.loader.Detach(ctx, linkID)
	}
	_ = e.loader.Unpin(ctx, stablePath)
	revDir := e.revisionPinDir(k.ifIndex, k.hook, d.Revision)
	if links, err := os.ReadDir(revDir); err == nil {
		for _, l := range links {
			path := filepath.Join(revDir, l.Name())
			if linkID, err := e.loader.LinkFromPin(ctx, path); err == nil {
				_ = e.loader.Detach(ctx, linkID)
			}
			_ = e.loader.Unpin(ctx, path)
		}
	}
	_ = os.RemoveAll(revDir)

	if err := e.store.Tree(d.TreeName()).Drop(ctx); err != nil {
		return bpfderr.Wrap(bpfderr.CodeDatabaseError, "drop dispatcher tree on teardown", err)
	}
	delete(e.current, k)
	return nil
}

// ReleaseProgram releases a single program's own kernel resources: its
// program handle and fs/prog_<uuid> pin, and every fs/maps/<uuid>/* map
// pin. Unload calls this after removing a program from the registry;
// teardown does not call it (spec.md Invariant 5: "every pin corresponds
// to a live entity").
func (e *Engine) ReleaseProgram(ctx context.Context, p *program.Program) error {
	return e.releaseProgram(ctx, p)
}

func (e *Engine) releaseProgram(ctx context.Context, p *program.Program) error {
	var errs []error

	if p.MapPinPath != "" {
		if entries, err := os.ReadDir(p.MapPinPath); err == nil {
			for _, entry := range entries {
				_ = e.loader.Unpin(ctx, filepath.Join(p.MapPinPath, entry.Name()))
			}
		}
		if err := os.RemoveAll(p.MapPinPath); err != nil {
			errs = append(errs, err)
		}
	}

	progPath := e.progPinPath(p.UUID)
	_ = e.loader.Unpin(ctx, progPath)

	if p.KernelID != 0 {
		if err := e.loader.Unload(ctx, p.KernelID); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return bpfderr.Wrap(bpfderr.CodePinError, fmt.Sprintf("release program %s", p.UUID), errors.Join(errs...))
	}
	return nil
}

// Dispatchers returns every currently live dispatcher, for the admin API's
// read-only listing endpoint.
func (e *Engine) Dispatchers() []*program.Dispatcher {
	out := make([]*program.Dispatcher, 0, len(e.current))
	for _, d := range e.current {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IfIndex != out[j].IfIndex {
			return out[i].IfIndex < out[j].IfIndex
		}
		return out[i].Hook < out[j].Hook
	})
	return out
}

// Rebuild reconstructs Engine.current from the persistent store at
// startup, restoring each (interface, hook) pair's live revision number so
// the first Reconcile call after a restart allocates the correct next
// revision, then reclaims any filesystem pin left behind by a crash that
// no longer corresponds to a live entity (spec.md Invariant 5: "orphaned
// pins are reclaimed at startup"). Callers must rebuild the Program
// Registry first so e.reg reflects every program still on record.
func (e *Engine) Rebuild(ctx context.Context) error {
	trees, err := e.store.ListTrees(ctx)
	if err != nil {
		return bpfderr.Wrap(bpfderr.CodeDatabaseError, "rebuild: list trees", err)
	}
	for _, name := range trees {
		d, ok, err := e.loadDispatcherTree(ctx, name)
		if err != nil || !ok {
			continue
		}
		e.current[key{ifIndex: d.IfIndex, hook: d.Hook}] = d
	}
	return e.reclaimOrphanPins(ctx)
}

// reclaimOrphanPins walks the runtime directory for program and dispatcher
// pins that no longer correspond to a registered program or a live
// dispatcher revision, and removes them.
func (e *Engine) reclaimOrphanPins(ctx context.Context) error {
	fsDir := filepath.Join(e.runtimeDir, "fs")
	entries, err := os.ReadDir(fsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return bpfderr.Wrap(bpfderr.CodePinError, "reclaim orphan pins: read runtime directory", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		switch {
		case !entry.IsDir() && strings.HasPrefix(name, "prog_"):
			e.reclaimOrphanProgPin(ctx, fsDir, name)
		case entry.IsDir() && name == "maps":
			e.reclaimOrphanMapDirs(ctx, filepath.Join(fsDir, name))
		case entry.IsDir() && (program.Hook(name) == program.HookXDP || program.Hook(name) == program.HookTC):
			e.reclaimOrphanRevisionDirs(ctx, program.Hook(name), filepath.Join(fsDir, name))
		}
	}
	return nil
}

func (e *Engine) reclaimOrphanProgPin(ctx context.Context, fsDir, name string) {
	id, err := uuid.Parse(strings.TrimPrefix(name, "prog_"))
	if err != nil {
		return
	}
	if _, ok := e.reg.Get(id); ok {
		return
	}
	path := filepath.Join(fsDir, name)
	if kernelID, err := e.loader.ProgramFromPin(ctx, path); err == nil {
		_ = e.loader.Unload(ctx, kernelID)
	}
	_ = e.loader.Unpin(ctx, path)
	e.log.Warn("reclaimed orphaned program pin", "path", path)
}

func (e *Engine) reclaimOrphanMapDirs(ctx context.Context, mapsDir string) {
	dirs, err := os.ReadDir(mapsDir)
	if err != nil {
		return
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		id, err := uuid.Parse(d.Name())
		if err != nil {
			continue
		}
		if _, ok := e.reg.Get(id); ok {
			continue
		}
		dir := filepath.Join(mapsDir, d.Name())
		if files, err := os.ReadDir(dir); err == nil {
			for _, f := range files {
				_ = e.loader.Unpin(ctx, filepath.Join(dir, f.Name()))
			}
		}
		_ = os.RemoveAll(dir)
		e.log.Warn("reclaimed orphaned map pin directory", "path", dir)
	}
}

func (e *Engine) reclaimOrphanRevisionDirs(ctx context.Context, hook program.Hook, hookDir string) {
	entries, err := os.ReadDir(hookDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, "dispatcher_") {
			continue
		}
		var ifIndex uint32
		var revision uint64
		if _, err := fmt.Sscanf(name, "dispatcher_%d_%d", &ifIndex, &revision); err != nil {
			continue
		}
		if d, ok := e.current[key{ifIndex: ifIndex, hook: hook}]; ok && d.Revision == revision {
			continue
		}
		dir := filepath.Join(hookDir, name)
		e.reclaimRevisionDir(ctx, dir)
		e.log.Warn("reclaimed orphaned dispatcher revision directory", "path", dir)
	}
}

func (e *Engine) reclaimRevisionDir(ctx context.Context, dir string) {
	if links, err := os.ReadDir(dir); err == nil {
		for _, l := range links {
			if !strings.HasPrefix(l.Name(), "link_") {
				continue
			}
			path := filepath.Join(dir, l.Name())
			if linkID, err := e.loader.LinkFromPin(ctx, path); err == nil {
				_ = e.loader.Detach(ctx, linkID)
			}
		}
	}
	_ = os.RemoveAll(dir)
}

func (e *Engine) persistDispatcher(ctx context.Context, d *program.Dispatcher) error {
	tr := e.store.Tree(d.TreeName())
	put := func(k string, v []byte) error { return tr.Put(ctx, k, v) }
	if err := put("if_index", uint32Bytes(d.IfIndex)); err != nil {
		return err
	}
	if err := put("if_name", []byte(d.IfaceName)); err != nil {
		return err
	}
	if err := put("hook", []byte(d.Hook)); err != nil {
		return err
	}
	if err := put("mode", []byte(d.Mode)); err != nil {
		return err
	}
	if err := put("revision", uint64Bytes(d.Revision)); err != nil {
		return err
	}
	if err := put("program_name", []byte(d.ProgramName)); err != nil {
		return err
	}
	return put("num_extensions", uint32Bytes(uint32(d.NumExtensions)))
}

func (e *Engine) loadDispatcherTree(ctx context.Context, treeName string) (*program.Dispatcher, bool, error) {
	tr := e.store.Tree(treeName)
	ifIndexRaw, err := tr.Get(ctx, "if_index")
	if err != nil {
		return nil, false, nil // not a dispatcher tree (likely a program tree)
	}
	ifName, err := tr.Get(ctx, "if_name")
	if err != nil {
		return nil, false, err
	}
	hookRaw, err := tr.Get(ctx, "hook")
	if err != nil {
		return nil, false, err
	}
	modeRaw, err := tr.Get(ctx, "mode")
	if err != nil {
		return nil, false, err
	}
	revisionRaw, err := tr.Get(ctx, "revision")
	if err != nil {
		return nil, false, err
	}
	progName, err := tr.Get(ctx, "program_name")
	if err != nil {
		return nil, false, err
	}
	numExtRaw, err := tr.Get(ctx, "num_extensions")
	if err != nil {
		return nil, false, err
	}
	return &program.Dispatcher{
		IfIndex:       bytesUint32(ifIndexRaw),
		IfaceName:     string(ifName),
		Hook:          program.Hook(hookRaw),
		Mode:          program.AttachMode(modeRaw),
		Revision:      bytesUint64(revisionRaw),
		ProgramName:   string(progName),
		NumExtensions: int(bytesUint32(numExtRaw)),
	}, true, nil
}

// ─── Ordering, config encoding, and kind mapping ────────────────────────────

// sortChain orders programs by priority ascending, UUID ascending (spec.md
// §4.E.2), a deterministic tie-break so re-chaining the same set always
// produces the same order.
func sortChain(chain []*program.Program) {
	sort.Slice(chain, func(i, j int) bool {
		ni, _ := chain[i].NetworkAttach()
		nj, _ := chain[j].NetworkAttach()
		if ni.Priority != nj.Priority {
			return ni.Priority < nj.Priority
		}
		return chain[i].UUID.String() < chain[j].UUID.String()
	})
}

// dispatcherConfigSlot mirrors one entry of the configuration structure the
// in-kernel dispatcher reads out of its read-only global (spec.md §4.E.1
// step 3).
type dispatcherConfigSlot struct {
	ProceedOn uint64
	Priority  uint32
	RunPrio   uint32
}

// buildConfig encodes the dispatcher configuration structure: num_extensions
// followed by maxSlots fixed-size slots, native-endian, matching the layout
// the bundled dispatcher bytecode expects as its stamped global.
func buildConfig(chain []*program.Program) []byte {
	buf := make([]byte, 4+maxSlots*16)
	binary.NativeEndian.PutUint32(buf[0:4], uint32(len(chain)))

	for i := 0; i < maxSlots; i++ {
		slot := dispatcherConfigSlot{Priority: runPrioDefault, RunPrio: runPrioDefault}
		if i < len(chain) {
			n, _ := chain[i].NetworkAttach()
			proceedOn := n.ProceedOn
			if proceedOn.IsEmpty() {
				proceedOn = defaultProceedOn(chain[i].Kind)
			}
			slot = dispatcherConfigSlot{ProceedOn: proceedOn.Mask(), Priority: n.Priority, RunPrio: runPrioDefault}
		}
		off := 4 + i*16
		binary.NativeEndian.PutUint64(buf[off:off+8], slot.ProceedOn)
		binary.NativeEndian.PutUint32(buf[off+8:off+12], slot.Priority)
		binary.NativeEndian.PutUint32(buf[off+12:off+16], slot.RunPrio)
	}
	return buf
}

func defaultProceedOn(k program.Kind) program.ProceedOn {
	switch k {
	case program.KindXDP:
		return program.DefaultProceedOnXDP
	case program.KindTC:
		return program.DefaultProceedOnTC
	default:
		return 0
	}
}

// warnUnhonoredTCProceedOn logs S6's required warning, once per TC program
// in the chain: a non-empty proceed-on mask on a TC program is accepted but not honoured
// by the in-kernel TC dispatcher in this version (spec.md §4.E.1 step 3).
func warnUnhonoredTCProceedOn(log *slog.Logger, chain []*program.Program, hook program.Hook) {
	if hook != program.HookTC {
		return
	}
	for _, p := range chain {
		n, ok := p.NetworkAttach()
		if !ok || n.ProceedOn.IsEmpty() {
			continue
		}
		log.Warn("proceed-on mask is not honoured by the TC dispatcher in this version",
			"program", p.UUID, "proceed_on", n.ProceedOn.Mask())
	}
}

func dispatcherProgType(hook program.Hook) (kernelloader.ProgType, error) {
	switch hook {
	case program.HookXDP:
		return kernelloader.ProgTypeXDP, nil
	case program.HookTC:
		return kernelloader.ProgTypeSchedCLS, nil
	default:
		return 0, fmt.Errorf("unknown hook %q", hook)
	}
}

func dispatcherAttachType(hook program.Hook) (kernelloader.AttachType, error) {
	switch hook {
	case program.HookXDP:
		return kernelloader.AttachTypeXDP, nil
	case program.HookTC:
		return kernelloader.AttachTypeTCXIngress, nil
	default:
		return 0, fmt.Errorf("unknown hook %q", hook)
	}
}

func clientProgType(k program.Kind) (kernelloader.ProgType, error) {
	switch k {
	case program.KindXDP, program.KindTC:
		return kernelloader.ProgTypeExt, nil
	default:
		return 0, fmt.Errorf("kind %q is not chained through a dispatcher", k)
	}
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
