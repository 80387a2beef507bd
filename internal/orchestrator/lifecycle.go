package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/ipam"
	"github.com/jamesprial/vmorch/internal/model"
)

// VMCreate allocates addresses, binds edge rules, provisions the backend
// instance, installs its image, and powers it on. Any failure after the
// instance exists deletes it again and unbinds the NICs bound so far.
func (e *Engine) VMCreate(ctx context.Context, cfg *model.VMConfig) model.Result {
	const action = "VMCreate"
	start := e.now()
	if cfg == nil || strings.TrimSpace(cfg.ID) == "" {
		return e.finish(action, start, model.Fail(action, errors.New("vm_id is required")))
	}
	if _, ok := e.registry[cfg.ID]; ok {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("%w: %q", ErrVMExists, cfg.ID)))
	}

	vm := cfg.Clone()
	normalize(vm)
	vm.Ref = model.BackendRef{}

	if err := e.alloc.CheckAssigned(vm, ipam.InUse(e.registry), ipam.Set{}); err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}
	msg, err := e.alloc.ReconcileAddresses(vm, ipam.InUse(e.registry), e.backend)
	if err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}

	bound, err := e.bindAll(ctx, vm)
	if err != nil {
		e.unbindAll(ctx, action, vm, bound)
		return e.finish(action, start, model.Fail(action, err))
	}

	if err := e.backend.CreateInstance(ctx, vm); err != nil {
		e.unbindAll(ctx, action, vm, bound)
		return e.finish(action, start, model.Fail(action, fmt.Errorf("create instance: %w", err)))
	}

	rollback := func(cause error) model.Result {
		if derr := e.backend.DeleteInstance(ctx, vm); derr != nil {
			e.cleanupFailed(action, vm.ID, fmt.Errorf("delete instance: %w", derr))
		}
		e.unbindAll(ctx, action, vm, bound)
		return e.finish(action, start, model.Fail(action, cause))
	}

	if vm.OSImage != "" {
		if err := e.backend.InstallImage(ctx, vm, vm.OSImage); err != nil {
			return rollback(fmt.Errorf("install image %q: %w", vm.OSImage, err))
		}
	}
	if err := e.backend.SetPower(ctx, vm, model.ActionStart); err != nil {
		return rollback(fmt.Errorf("power on: %w", err))
	}

	e.registry[vm.ID] = vm
	msg = e.persist(ctx, action, fmt.Sprintf("vm %q created; %s", vm.ID, msg))
	return e.finish(action, start, model.OK(action, msg, vm.Clone()))
}

// VMUpdate applies cfg over the registry entry with the same id: addresses,
// resources, image and NICs. The VM is powered off for the duration and
// powered on again at the end.
func (e *Engine) VMUpdate(ctx context.Context, cfg *model.VMConfig) model.Result {
	const action = "VMUpdate"
	start := e.now()
	if cfg == nil {
		return e.finish(action, start, model.Fail(action, errors.New("config is required")))
	}
	current, err := e.lookup(cfg.ID)
	if err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}
	previous := current.Clone()

	vm := cfg.Clone()
	normalize(vm)
	vm.Ref = previous.Ref
	vm.Backups = previous.Backups
	vm.Disks = previous.Disks
	vm.ISOs = previous.ISOs

	if err := e.alloc.CheckAssigned(vm, e.inUseExcept(vm.ID), ipam.InUse(map[string]*model.VMConfig{vm.ID: previous})); err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}
	msg, err := e.alloc.ReconcileAddresses(vm, ipam.InUse(e.registry), e.backend)
	if err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}

	state, err := e.backend.PowerState(ctx, previous)
	if err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("power state: %w", err)))
	}
	if state != model.PowerStopped {
		if err := e.backend.SetPower(ctx, previous, model.ActionPowerOff); err != nil {
			return e.finish(action, start, model.Fail(action, fmt.Errorf("power off: %w", err)))
		}
	}

	if err := e.backend.ApplyResources(ctx, vm); err != nil {
		e.restorePower(ctx, action, previous, state)
		return e.finish(action, start, model.Fail(action, fmt.Errorf("apply resources: %w", err)))
	}

	if vm.OSImage != previous.OSImage && previous.OSImage != "" {
		if err := e.backend.InstallImage(ctx, vm, vm.OSImage); err != nil {
			return e.finish(action, start, model.Fail(action, fmt.Errorf("reinstall image %q: %w", vm.OSImage, err)))
		}
	}

	plan := DiffNICs(previous.NICs, vm.NICs)
	if err := e.applyNICPlan(ctx, action, vm, previous.NICs, plan); err != nil {
		e.restorePower(ctx, action, previous, state)
		return e.finish(action, start, model.Fail(action, err))
	}

	if err := e.backend.SetPower(ctx, vm, model.ActionStart); err != nil {
		e.registry[vm.ID] = vm
		e.persist(ctx, action, "")
		return e.finish(action, start, model.Fail(action, fmt.Errorf("power on: %w", err)))
	}

	e.registry[vm.ID] = vm
	msg = e.persist(ctx, action, fmt.Sprintf("vm %q updated; %s; nics +%d -%d ~%d",
		vm.ID, msg, len(plan.Added), len(plan.Removed), len(plan.Changed)))
	return e.finish(action, start, model.OK(action, msg, vm.Clone()))
}

// VMDelete powers off, unbinds, deprovisions and forgets a VM. A backend
// resource that is already gone is logged and the registry entry is still
// removed.
func (e *Engine) VMDelete(ctx context.Context, id string) model.Result {
	const action = "VMDelete"
	start := e.now()
	vm, err := e.lookup(id)
	if err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}

	missing := false
	if state, err := e.backend.PowerState(ctx, vm); err != nil {
		if !errors.Is(err, ErrInstanceNotFound) {
			return e.finish(action, start, model.Fail(action, fmt.Errorf("power state: %w", err)))
		}
		missing = true
	} else if state != model.PowerStopped {
		if err := e.backend.SetPower(ctx, vm, model.ActionPowerOff); err != nil {
			return e.finish(action, start, model.Fail(action, fmt.Errorf("power off: %w", err)))
		}
	}

	e.unbindAll(ctx, action, vm, vm.NICNames())

	if !missing {
		if err := e.backend.DeleteInstance(ctx, vm); err != nil {
			if !errors.Is(err, ErrInstanceNotFound) {
				return e.finish(action, start, model.Fail(action, fmt.Errorf("delete instance: %w", err)))
			}
			missing = true
		}
	}
	if missing {
		e.log.Warn("backend instance already gone", zap.String("vm_id", id))
	}

	delete(e.registry, id)
	msg := e.persist(ctx, action, fmt.Sprintf("vm %q deleted", id))
	return e.finish(action, start, model.OK(action, msg, nil))
}

// VMPowers drives the power state machine for one VM.
func (e *Engine) VMPowers(ctx context.Context, id string, op model.PowerOp) model.Result {
	const action = "VMPowers"
	start := e.now()
	vm, err := e.lookup(id)
	if err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}
	state, err := e.backend.PowerState(ctx, vm)
	if err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("power state: %w", err)))
	}
	act, err := Plan(state, op)
	if err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("vm %q: %w", id, err)))
	}
	target := Target(state, op)
	if act == model.ActionNone {
		return e.finish(action, start, model.OK(action, fmt.Sprintf("vm %q already %s", id, target), target))
	}
	if err := e.backend.SetPower(ctx, vm, act); err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("%s vm %q: %w", op, id, err)))
	}
	return e.finish(action, start, model.OK(action, fmt.Sprintf("vm %q %s: %s -> %s", id, op, state, target), target))
}

// VMPasswd sets the administrator password inside a running guest.
func (e *Engine) VMPasswd(ctx context.Context, id, password string) model.Result {
	const action = "VMPasswd"
	start := e.now()
	vm, err := e.lookup(id)
	if err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}
	if password == "" {
		return e.finish(action, start, model.Fail(action, errors.New("password must not be empty")))
	}
	state, err := e.backend.PowerState(ctx, vm)
	if err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("power state: %w", err)))
	}
	if state != model.PowerRunning {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("vm %q: %w", id, ErrNotRunning)))
	}
	if _, err := e.backend.ExecGuest(ctx, vm, PasswordCommand(vm.OSImage, password)); err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("set password: %w", err)))
	}
	return e.finish(action, start, model.OK(action, fmt.Sprintf("password updated for vm %q", id), nil))
}

// PasswordCommand returns the in-guest argv that sets the administrator
// password for an image family.
func PasswordCommand(osImage, password string) []string {
	if strings.Contains(strings.ToLower(osImage), "win") {
		return []string{"net", "user", "Administrator", password}
	}
	return []string{"/bin/sh", "-c", `printf '%s\n' "$0" | chpasswd`, "root:" + password}
}

// inUseExcept snapshots the addresses held by every VM but id.
func (e *Engine) inUseExcept(id string) ipam.Set {
	others := make(map[string]*model.VMConfig, len(e.registry))
	for vid, vm := range e.registry {
		if vid != id {
			others[vid] = vm
		}
	}
	return ipam.InUse(others)
}

func (e *Engine) restorePower(ctx context.Context, action string, vm *model.VMConfig, state model.PowerState) {
	var act model.PowerAction
	switch state {
	case model.PowerRunning, model.PowerPaused:
		// Paused VMs come back running.
		act = model.ActionStart
	default:
		return
	}
	if err := e.backend.SetPower(ctx, vm, act); err != nil {
		e.cleanupFailed(action, vm.ID, fmt.Errorf("restore power: %w", err))
	}
}

// normalize fills nil maps so adapters and the registry never see them.
func normalize(vm *model.VMConfig) {
	if vm.NICs == nil {
		vm.NICs = map[string]*model.NIC{}
	}
	for name, nic := range vm.NICs {
		if nic == nil {
			delete(vm.NICs, name)
			continue
		}
		if nic.Kind == "" {
			nic.Kind = model.NICKindNAT
		}
	}
	if vm.Disks == nil {
		vm.Disks = map[string]*model.Disk{}
	}
	if vm.ISOs == nil {
		vm.ISOs = map[string]*model.ISO{}
	}
}
