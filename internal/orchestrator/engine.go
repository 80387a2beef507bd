package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/ipam"
	"github.com/jamesprial/vmorch/internal/model"
)

// Engine drives one Backend and owns the VM registry.
type Engine struct {
	backend  Backend
	alloc    *ipam.Allocator
	store    Persistence
	edge     EdgeNetwork
	audit    Auditor
	observer Observer
	log      *zap.Logger
	prefix   string
	now      func() time.Time
	stopPoll time.Duration
	stopWait time.Duration

	registry map[string]*model.VMConfig
	loaded   bool
	lastHost *model.HostStatus
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence collaborator.
func WithStore(p Persistence) Option { return func(e *Engine) { e.store = p } }

// WithEdge sets the edge-network collaborator.
func WithEdge(n EdgeNetwork) Option { return func(e *Engine) { e.edge = n } }

// WithAuditor sets the audit collaborator.
func WithAuditor(a Auditor) Option { return func(e *Engine) { e.audit = a } }

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// WithPrefix sets the name prefix VMDetect filters backend instances by.
func WithPrefix(p string) Option { return func(e *Engine) { e.prefix = p } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithStopWait sets how often and for how long a cold-plug mount polls for
// the VM to stop after a graceful shutdown before forcing it off.
func WithStopWait(poll, limit time.Duration) Option {
	return func(e *Engine) { e.stopPoll, e.stopWait = poll, limit }
}

// New returns an Engine over backend with an empty registry.
func New(backend Backend, alloc *ipam.Allocator, opts ...Option) *Engine {
	e := &Engine{
		backend:  backend,
		alloc:    alloc,
		log:      zap.NewNop(),
		now:      time.Now,
		stopPoll: time.Second,
		stopWait: time.Minute,
		registry: make(map[string]*model.VMConfig),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(zap.String("backend", backend.Name()))
	return e
}

// Restore replaces the registry with vms, as loaded at startup.
func (e *Engine) Restore(vms map[string]*model.VMConfig) {
	e.registry = make(map[string]*model.VMConfig, len(vms))
	for id, vm := range vms {
		if vm == nil {
			continue
		}
		c := vm.Clone()
		c.ID = id
		e.registry[id] = c
	}
}

// VMs returns a copy of every registry entry, ordered by id.
func (e *Engine) VMs() []*model.VMConfig {
	ids := make([]string, 0, len(e.registry))
	for id := range e.registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*model.VMConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.registry[id].Clone())
	}
	return out
}

// VM returns a copy of the registry entry for id.
func (e *Engine) VM(id string) (*model.VMConfig, bool) {
	vm, ok := e.registry[id]
	if !ok {
		return nil, false
	}
	return vm.Clone(), true
}

// Snapshot returns a copy of the registry, as handed to Persistence.
func (e *Engine) Snapshot() map[string]*model.VMConfig {
	out := make(map[string]*model.VMConfig, len(e.registry))
	for id, vm := range e.registry {
		out[id] = vm.Clone()
	}
	return out
}

// HostLoad opens the backend session.
func (e *Engine) HostLoad(ctx context.Context) model.Result {
	const action = "HostLoad"
	start := e.now()
	if err := e.backend.Connect(ctx); err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("connect %s: %w", e.backend.Name(), err)))
	}
	e.loaded = true
	return e.finish(action, start, model.OK(action, "connected to "+e.backend.Name(), nil))
}

// HostUnload releases the backend session.
func (e *Engine) HostUnload(ctx context.Context) model.Result {
	const action = "HostUnload"
	start := e.now()
	e.loaded = false
	if err := e.backend.Disconnect(ctx); err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("disconnect %s: %w", e.backend.Name(), err)))
	}
	return e.finish(action, start, model.OK(action, "disconnected from "+e.backend.Name(), nil))
}

// HostStatus returns the current utilization snapshot, or the last one
// collected when the backend cannot be reached.
func (e *Engine) HostStatus(ctx context.Context) model.Result {
	const action = "HostStatus"
	start := e.now()
	if !e.loaded {
		return e.finish(action, start, model.Fail(action, ErrNotLoaded))
	}
	st, err := e.backend.HostStats(ctx)
	if err != nil {
		if e.lastHost == nil {
			return e.finish(action, start, model.Fail(action, err))
		}
		e.log.Warn("host status unavailable, using last known value", zap.Error(err))
		last := *e.lastHost
		return e.finish(action, start, model.OK(action, "stale: "+err.Error(), last))
	}
	if st.CollectedAt.IsZero() {
		st.CollectedAt = e.now()
	}
	e.lastHost = &st
	return e.finish(action, start, model.OK(action, "ok", st))
}

// GPUShows lists GPU devices on the host. It never fails: a backend error
// yields an empty mapping.
func (e *Engine) GPUShows(ctx context.Context) model.Result {
	const action = "GPUShows"
	start := e.now()
	gpus, err := e.backend.ListGPUs(ctx)
	if err != nil {
		e.log.Warn("gpu listing failed", zap.Error(err))
		gpus = nil
	}
	if gpus == nil {
		gpus = map[string]string{}
	}
	return e.finish(action, start, model.OK(action, fmt.Sprintf("%d gpu(s)", len(gpus)), gpus))
}

// VMDetect imports backend instances whose names carry the configured prefix
// and are not yet in the registry.
func (e *Engine) VMDetect(ctx context.Context) model.Result {
	const action = "VMDetect"
	start := e.now()
	if !e.loaded {
		return e.finish(action, start, model.Fail(action, ErrNotLoaded))
	}
	instances, err := e.backend.ListInstances(ctx, e.prefix)
	if err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("list instances: %w", err)))
	}

	var imported []string
	for _, inst := range instances {
		if _, ok := e.registry[inst.Name]; ok {
			continue
		}
		e.registry[inst.Name] = &model.VMConfig{
			ID:       inst.Name,
			CPUCount: inst.CPUCount,
			MemoryMB: inst.MemoryMB,
			NICs:     map[string]*model.NIC{},
			Disks:    map[string]*model.Disk{},
			ISOs:     map[string]*model.ISO{},
			Ref:      inst.Ref.Clone(),
		}
		imported = append(imported, inst.Name)
	}
	sort.Strings(imported)

	msg := fmt.Sprintf("imported %d of %d instance(s)", len(imported), len(instances))
	if len(imported) > 0 {
		msg = e.persist(ctx, action, msg)
	}
	return e.finish(action, start, model.OK(action, msg, imported))
}

// lookup returns the live registry entry for id.
func (e *Engine) lookup(id string) (*model.VMConfig, error) {
	vm, ok := e.registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrVMNotFound, id)
	}
	return vm, nil
}

// persist saves the registry. A failure is logged and audited and appended
// to msg; it does not fail the operation because the backend has already
// changed.
func (e *Engine) persist(ctx context.Context, action, msg string) string {
	if e.store == nil {
		return msg
	}
	if err := e.store.Save(ctx, e.Snapshot()); err != nil {
		e.log.Error("registry save failed", zap.String("action", action), zap.Error(err))
		e.record(model.Fail(action+".persist", err))
		return msg + " (warning: registry not saved: " + err.Error() + ")"
	}
	return msg
}

// cleanupFailed reports a rollback or cleanup step that failed. The original
// error of the operation is returned unchanged by the caller.
func (e *Engine) cleanupFailed(action, vmID string, err error) {
	e.log.Warn("cleanup failed", zap.String("action", action), zap.String("vm_id", vmID), zap.Error(err))
	e.record(model.Fail(action+".cleanup", fmt.Errorf("vm %q: %w", vmID, err)))
}

func (e *Engine) record(res model.Result) {
	if e.audit != nil {
		e.audit.Record(res)
	}
}

// finish audits, observes and logs res, then returns it.
func (e *Engine) finish(action string, start time.Time, res model.Result) model.Result {
	e.record(res)
	if e.observer != nil {
		e.observer.Observe(action, e.backend.Name(), res.Success, e.now().Sub(start).Seconds())
	}
	if res.Success {
		e.log.Info(res.Message, zap.String("action", action))
	} else {
		e.log.Warn("operation failed", zap.String("action", action), zap.String("error", res.Message))
	}
	return res
}
