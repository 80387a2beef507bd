package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/model"
)

// NICPlan is the minimal set of NIC changes between two NIC sets.
type NICPlan struct {
	Removed   []string
	Added     []string
	Changed   []string
	Unchanged []string
}

// Empty reports whether the plan has nothing to apply.
func (p NICPlan) Empty() bool {
	return len(p.Removed) == 0 && len(p.Added) == 0 && len(p.Changed) == 0
}

// DiffNICs compares two NIC sets keyed by logical name. Names in each list
// are sorted.
func DiffNICs(oldNICs, newNICs map[string]*model.NIC) NICPlan {
	var p NICPlan
	for name, o := range oldNICs {
		n, ok := newNICs[name]
		switch {
		case !ok:
			p.Removed = append(p.Removed, name)
		case o.SameBinding(n):
			p.Unchanged = append(p.Unchanged, name)
		default:
			p.Changed = append(p.Changed, name)
		}
	}
	for name := range newNICs {
		if _, ok := oldNICs[name]; !ok {
			p.Added = append(p.Added, name)
		}
	}
	sort.Strings(p.Removed)
	sort.Strings(p.Added)
	sort.Strings(p.Changed)
	sort.Strings(p.Unchanged)
	return p
}

// applyNICPlan moves vm's backend NICs from oldNICs to vm.NICs. On the first
// failure it undoes the completed steps in reverse order, so the backend and
// edge match oldNICs again, and returns the failure.
func (e *Engine) applyNICPlan(ctx context.Context, action string, vm *model.VMConfig, oldNICs map[string]*model.NIC, plan NICPlan) error {
	var undo []func() error
	fail := func(err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				e.cleanupFailed(action, vm.ID, uerr)
			}
		}
		return err
	}

	for _, name := range plan.Removed {
		nic := oldNICs[name]
		if err := e.bind(ctx, vm.ID, name, nic, false); err != nil {
			return fail(err)
		}
		undo = append(undo, func() error { return e.bind(ctx, vm.ID, name, nic, true) })
		if err := e.backend.DetachNIC(ctx, vm, name, nic); err != nil {
			return fail(fmt.Errorf("detach nic %q: %w", name, err))
		}
		undo = append(undo, func() error {
			if err := e.backend.AttachNIC(ctx, vm, name, nic); err != nil {
				return fmt.Errorf("reattach nic %q: %w", name, err)
			}
			return nil
		})
	}
	for _, name := range plan.Added {
		nic := vm.NICs[name]
		if err := e.bind(ctx, vm.ID, name, nic, true); err != nil {
			return fail(err)
		}
		undo = append(undo, func() error { return e.bind(ctx, vm.ID, name, nic, false) })
		if err := e.backend.AttachNIC(ctx, vm, name, nic); err != nil {
			return fail(fmt.Errorf("attach nic %q: %w", name, err))
		}
		undo = append(undo, func() error {
			if err := e.backend.DetachNIC(ctx, vm, name, nic); err != nil {
				return fmt.Errorf("detach nic %q: %w", name, err)
			}
			return nil
		})
	}
	for _, name := range plan.Changed {
		oldNIC, newNIC := oldNICs[name], vm.NICs[name]
		if err := e.bind(ctx, vm.ID, name, oldNIC, false); err != nil {
			return fail(err)
		}
		undo = append(undo, func() error { return e.bind(ctx, vm.ID, name, oldNIC, true) })
		if err := e.bind(ctx, vm.ID, name, newNIC, true); err != nil {
			return fail(err)
		}
		undo = append(undo, func() error { return e.bind(ctx, vm.ID, name, newNIC, false) })
		if err := e.backend.ConfigureNIC(ctx, vm, name, newNIC); err != nil {
			return fail(fmt.Errorf("configure nic %q: %w", name, err))
		}
		undo = append(undo, func() error {
			if err := e.backend.ConfigureNIC(ctx, vm, name, oldNIC); err != nil {
				return fmt.Errorf("restore nic %q: %w", name, err)
			}
			return nil
		})
	}
	if !plan.Empty() {
		e.log.Info("nics reconciled",
			zap.String("vm_id", vm.ID),
			zap.Strings("removed", plan.Removed),
			zap.Strings("added", plan.Added),
			zap.Strings("changed", plan.Changed),
		)
	}
	return nil
}

func (e *Engine) bind(ctx context.Context, vmID, name string, nic *model.NIC, bind bool) error {
	if e.edge == nil || nic == nil {
		return nil
	}
	if err := e.edge.Bind(ctx, vmID, name, nic, bind); err != nil {
		verb := "bind"
		if !bind {
			verb = "unbind"
		}
		return fmt.Errorf("%s edge rules for nic %q: %w", verb, name, err)
	}
	return nil
}

// bindAll binds every NIC of vm and returns the names it bound, in order.
// On failure the names bound so far are returned with the error.
func (e *Engine) bindAll(ctx context.Context, vm *model.VMConfig) ([]string, error) {
	var bound []string
	for _, name := range vm.NICNames() {
		if err := e.bind(ctx, vm.ID, name, vm.NICs[name], true); err != nil {
			return bound, err
		}
		bound = append(bound, name)
	}
	return bound, nil
}

// unbindAll unbinds the named NICs of vm. Failures are reported to the
// auditor and do not stop the loop.
func (e *Engine) unbindAll(ctx context.Context, action string, vm *model.VMConfig, names []string) {
	for _, name := range names {
		if err := e.bind(ctx, vm.ID, name, vm.NICs[name], false); err != nil {
			e.cleanupFailed(action, vm.ID, err)
		}
	}
}
