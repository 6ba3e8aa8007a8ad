// Package bpfd implements the Command Loop (spec.md §4.F): the single
// consumer that owns the Program Registry and Dispatcher Engine, applying
// every Load/Unload/List request strictly in the order it was enqueued.
package bpfd

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/bpfd-dev/bpfd/internal/bpfderr"
	"github.com/bpfd-dev/bpfd/internal/dispatcher"
	"github.com/bpfd-dev/bpfd/internal/imagemanager"
	"github.com/bpfd-dev/bpfd/internal/kernelloader"
	"github.com/bpfd-dev/bpfd/internal/mapperm"
	"github.com/bpfd-dev/bpfd/internal/program"
	"github.com/bpfd-dev/bpfd/internal/registry"
	"github.com/bpfd-dev/bpfd/internal/store"
)

// channelBound is the FIFO depth before producer-side backpressure stalls
// RPC handlers (spec.md §5).
const channelBound = 32

// AttachTypeSpec is the tagged union of attach descriptors a Load command
// carries, mirroring spec.md §6's NetworkMultiAttach / SingleAttach union.
type AttachTypeSpec struct {
	Network *NetworkAttachSpec
	Single  *SingleAttachSpec
}

// NetworkAttachSpec is the wire shape of a NetworkMultiAttach request.
type NetworkAttachSpec struct {
	Iface     string
	Priority  uint32
	ProceedOn program.ProceedOn
	Direction program.TCDirection
	// Position is accepted for wire compatibility but ignored: sorted
	// ordering dominates (spec.md §9, open question).
	Position int
}

// SingleAttachSpec is the wire shape of a tracepoint-style SingleAttach
// request.
type SingleAttachSpec struct {
	Category string
	Name     string
}

// LoadRequest is the Load command (spec.md §6).
type LoadRequest struct {
	Origin     string
	Section    string
	GlobalData map[string][]byte
	Kind       program.Kind
	Attach     AttachTypeSpec
	Caller     registry.Caller
}

// UnloadRequest is the Unload command.
type UnloadRequest struct {
	UUID   uuid.UUID
	Caller registry.Caller
}

type loadCmd struct {
	req   LoadRequest
	reply chan<- loadReply
}

type loadReply struct {
	id  uuid.UUID
	err error
}

type unloadCmd struct {
	req   UnloadRequest
	reply chan<- error
}

type listCmd struct {
	reply chan<- []program.Summary
}

type listDispatchersCmd struct {
	reply chan<- []program.Dispatcher
}

type command struct {
	load            *loadCmd
	unload          *unloadCmd
	list            *listCmd
	listDispatchers *listDispatchersCmd
}

// IfaceResolver maps an interface name to its kernel index, the
// InvalidInterface check spec.md §4.F requires. Production code backs this
// with net.InterfaceByName; tests can substitute a fixed table.
type IfaceResolver interface {
	ResolveIndex(name string) (uint32, error)
}

// NetIfaceResolver resolves interface names via the host's network stack.
type NetIfaceResolver struct{}

func (NetIfaceResolver) ResolveIndex(name string) (uint32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return uint32(iface.Index), nil
}

// Daemon is the Command Loop. Construct with New, call Run in its own
// goroutine, and issue Load/Unload/List from any number of goroutines.
type Daemon struct {
	reg     *registry.Registry
	engine  *dispatcher.Engine
	ifaces  IfaceResolver
	perms   *mapperm.Enforcer
	log     *slog.Logger
	audit   AuditRecorder
	defMode program.AttachMode

	commands chan command
}

// AuditRecorder records privileged Load/Unload outcomes. Its sole
// implementation in this repository is *audit.Logger; it is an interface
// here only so tests can assert on recorded entries without a real log
// file.
type AuditRecorder interface {
	RecordLoad(caller string, kind program.Kind, origin string, id uuid.UUID, err error)
	RecordUnload(caller string, id uuid.UUID, err error)
}

// Option configures a Daemon at construction time.
type Option func(*Daemon)

// WithIfaceResolver overrides the default NetIfaceResolver, primarily for
// tests.
func WithIfaceResolver(r IfaceResolver) Option {
	return func(d *Daemon) { d.ifaces = r }
}

// WithMapPermissionEnforcer wires the Map Permission Enforcer (spec.md
// §4.H), invoked after every successful Load.
func WithMapPermissionEnforcer(e *mapperm.Enforcer) Option {
	return func(d *Daemon) { d.perms = e }
}

// WithAuditRecorder wires a privileged-operation audit trail.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(d *Daemon) { d.audit = a }
}

// WithDefaultAttachMode overrides the default dispatcher attach mode
// (native) used for newly created dispatchers.
func WithDefaultAttachMode(m program.AttachMode) Option {
	return func(d *Daemon) { d.defMode = m }
}

// New constructs a Daemon. Call Rebuild before Run if the registry and
// engine were freshly constructed against a store that may already hold
// state from a previous run.
func New(s *store.Store, loader kernelloader.Loader, images imagemanager.Manager, runtimeDir string, log *slog.Logger, opts ...Option) *Daemon {
	if log == nil {
		log = slog.Default()
	}
	reg := registry.New(s)
	eng := dispatcher.New(s, loader, images, reg, runtimeDir, log)

	d := &Daemon{
		reg:      reg,
		engine:   eng,
		ifaces:   NetIfaceResolver{},
		log:      log,
		defMode:  program.ModeNative,
		commands: make(chan command, channelBound),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Rebuild reconstructs the registry and dispatcher engine from persisted
// state (spec.md §4.D rebuild, §4.E Rebuild). Call once before Run.
func (d *Daemon) Rebuild(ctx context.Context) error {
	if err := d.reg.Rebuild(ctx); err != nil {
		return err
	}
	return d.engine.Rebuild(ctx)
}

// Run processes commands until ctx is cancelled. It is the single
// goroutine that ever mutates the registry or dispatcher engine (spec.md
// §5, §9: single-writer discipline).
func (d *Daemon) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.commands:
			d.handle(ctx, cmd)
		}
	}
}

func (d *Daemon) handle(ctx context.Context, cmd command) {
	switch {
	case cmd.load != nil:
		id, err := d.handleLoad(ctx, cmd.load.req)
		cmd.load.reply <- loadReply{id: id, err: err}
	case cmd.unload != nil:
		err := d.handleUnload(ctx, cmd.unload.req)
		cmd.unload.reply <- err
	case cmd.list != nil:
		cmd.list.reply <- d.reg.List()
	case cmd.listDispatchers != nil:
		dispatchers := d.engine.Dispatchers()
		out := make([]program.Dispatcher, len(dispatchers))
		for i, dd := range dispatchers {
			out[i] = *dd
		}
		cmd.listDispatchers.reply <- out
	}
}

func (d *Daemon) handleLoad(ctx context.Context, req LoadRequest) (uuid.UUID, error) {
	p, err := d.buildProgram(req)
	if err != nil {
		d.recordLoad(req, uuid.Nil, err)
		return uuid.Nil, err
	}

	id, err := d.reg.Insert(ctx, p)
	if err != nil {
		d.recordLoad(req, uuid.Nil, err)
		return uuid.Nil, err
	}

	if hook, ok := program.HookFor(p.Kind); ok {
		n, _ := p.NetworkAttach()
		if _, err := d.engine.Reconcile(ctx, n.IfIndex, n.IfaceName, hook, d.defMode); err != nil {
			// Roll back the registry insert: a failed chain mutation must
			// leave zero observable state change (spec.md §8, property 3).
			_ = d.reg.Remove(ctx, id, registry.Caller{Username: p.Owner, IsAdmin: true})
			d.recordLoad(req, uuid.Nil, err)
			return uuid.Nil, err
		}
	}

	if d.perms != nil && p.MapPinPath != "" {
		if err := d.perms.Enforce(p.MapPinPath); err != nil {
			d.log.Warn("map permission enforcement failed", "program", id, "error", err)
		}
	}

	d.recordLoad(req, id, nil)
	return id, nil
}

func (d *Daemon) buildProgram(req LoadRequest) (*program.Program, error) {
	p := &program.Program{
		ProgramData: program.ProgramData{
			Kind:        req.Kind,
			Origin:      req.Origin,
			EntrySymbol: req.Section,
			GlobalData:  req.GlobalData,
			Owner:       req.Caller.Username,
		},
	}

	hook, isNetwork := program.HookFor(req.Kind)
	switch {
	case isNetwork:
		if req.Attach.Network == nil {
			return nil, bpfderr.New(bpfderr.CodeInvalidProgramType, fmt.Sprintf("kind %q requires a NetworkMultiAttach spec", req.Kind))
		}
		ifIndex, err := d.ifaces.ResolveIndex(req.Attach.Network.Iface)
		if err != nil {
			return nil, bpfderr.Wrap(bpfderr.CodeInvalidInterface, fmt.Sprintf("interface %q", req.Attach.Network.Iface), err)
		}
		_ = hook
		p.Attach = &program.NetworkMultiAttachInfo{
			IfaceName: req.Attach.Network.Iface,
			IfIndex:   ifIndex,
			Priority:  req.Attach.Network.Priority,
			Position:  -1,
			ProceedOn: req.Attach.Network.ProceedOn,
			Direction: req.Attach.Network.Direction,
		}
	case req.Kind == program.KindTracepoint:
		if req.Attach.Single == nil {
			return nil, bpfderr.New(bpfderr.CodeInvalidProgramType, "tracepoint kind requires a SingleAttach spec")
		}
		p.Attach = &program.TracepointAttachInfo{
			Category: req.Attach.Single.Category,
			Name:     req.Attach.Single.Name,
		}
	default:
		return nil, bpfderr.New(bpfderr.CodeInvalidProgramType, fmt.Sprintf("unsupported program kind %q", req.Kind))
	}
	return p, nil
}

func (d *Daemon) handleUnload(ctx context.Context, req UnloadRequest) error {
	p, ok := d.reg.Get(req.UUID)
	if !ok {
		err := bpfderr.New(bpfderr.CodeNotLoaded, fmt.Sprintf("program %s not loaded", req.UUID))
		d.recordUnload(req, err)
		return err
	}

	wasNetwork := false
	var ifIndex uint32
	var ifaceName string
	var hook program.Hook
	if n, ok := p.NetworkAttach(); ok {
		wasNetwork = true
		ifIndex, ifaceName = n.IfIndex, n.IfaceName
		hook, _ = program.HookFor(p.Kind)
	}

	if err := d.reg.Remove(ctx, req.UUID, req.Caller); err != nil {
		d.recordUnload(req, err)
		return err
	}

	if wasNetwork {
		if _, err := d.engine.Reconcile(ctx, ifIndex, ifaceName, hook, d.defMode); err != nil {
			d.recordUnload(req, err)
			return err
		}
	}

	// The registry no longer references p; release its own kernel handle
	// and filesystem pins too, or they outlive it (spec.md Invariant 5).
	// p has already left the registry at this point, so a failure here
	// cannot be rolled back into an observable state change — log and
	// move on rather than fail an Unload that has otherwise succeeded.
	if err := d.engine.ReleaseProgram(ctx, p); err != nil {
		d.log.Warn("release program kernel state", "program", req.UUID, "error", err)
	}

	d.recordUnload(req, nil)
	return nil
}

func (d *Daemon) recordLoad(req LoadRequest, id uuid.UUID, err error) {
	if d.audit != nil {
		d.audit.RecordLoad(req.Caller.Username, req.Kind, req.Origin, id, err)
	}
}

func (d *Daemon) recordUnload(req UnloadRequest, err error) {
	if d.audit != nil {
		d.audit.RecordUnload(req.Caller.Username, req.UUID, err)
	}
}

// Load enqueues a Load command and blocks until the Command Loop processes
// it or ctx is cancelled first.
func (d *Daemon) Load(ctx context.Context, req LoadRequest) (uuid.UUID, error) {
	reply := make(chan loadReply, 1)
	select {
	case d.commands <- command{load: &loadCmd{req: req, reply: reply}}:
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

// Unload enqueues an Unload command and blocks until it is processed.
func (d *Daemon) Unload(ctx context.Context, req UnloadRequest) error {
	reply := make(chan error, 1)
	select {
	case d.commands <- command{unload: &unloadCmd{req: req, reply: reply}}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List enqueues a List command and blocks until it is processed.
func (d *Daemon) List(ctx context.Context) ([]program.Summary, error) {
	reply := make(chan []program.Summary, 1)
	select {
	case d.commands <- command{list: &listCmd{reply: reply}}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case summaries := <-reply:
		return summaries, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatchers enqueues a request for the current set of live dispatchers
// and blocks until it is processed.
func (d *Daemon) Dispatchers(ctx context.Context) ([]program.Dispatcher, error) {
	reply := make(chan []program.Dispatcher, 1)
	select {
	case d.commands <- command{listDispatchers: &listDispatchersCmd{reply: reply}}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case dispatchers := <-reply:
		return dispatchers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
