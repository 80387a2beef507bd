package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/model"
)

var errStillRunning = errors.New("vm still running")

// HDDMount attaches a data disk, creating its volume when it has no handle
// yet, and marks it mounted.
func (e *Engine) HDDMount(ctx context.Context, id string, disk model.Disk) model.Result {
	const action = "HDDMount"
	start := e.now()
	vm, err := e.lookup(id)
	if err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}
	if disk.Name == "" {
		return e.finish(action, start, model.Fail(action, errors.New("disk name is required")))
	}
	if existing, ok := vm.Disks[disk.Name]; ok {
		if existing.Mounted {
			return e.finish(action, start, model.OK(action, fmt.Sprintf("disk %q already mounted", disk.Name), *existing))
		}
		if disk.Handle == "" {
			disk.Handle = existing.Handle
		}
		if disk.SizeGB == 0 {
			disk.SizeGB = existing.SizeGB
		}
	}

	err = e.withDevicePower(ctx, action, vm, DeviceDisk, func() error {
		return e.backend.AttachDisk(ctx, vm, &disk)
	})
	if err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("attach disk %q: %w", disk.Name, err)))
	}
	disk.Mounted = true
	if vm.Disks == nil {
		vm.Disks = map[string]*model.Disk{}
	}
	vm.Disks[disk.Name] = &disk

	msg := e.persist(ctx, action, fmt.Sprintf("disk %q mounted on vm %q", disk.Name, id))
	return e.finish(action, start, model.OK(action, msg, disk))
}

// ISOMount attaches an optical image.
func (e *Engine) ISOMount(ctx context.Context, id string, iso model.ISO) model.Result {
	const action = "ISOMount"
	start := e.now()
	vm, err := e.lookup(id)
	if err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}
	if iso.Name == "" || iso.Source == "" {
		return e.finish(action, start, model.Fail(action, errors.New("iso name and source are required")))
	}
	if _, ok := vm.ISOs[iso.Name]; ok {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("iso %q already mounted", iso.Name)))
	}

	err = e.withDevicePower(ctx, action, vm, DeviceISO, func() error {
		return e.backend.AttachImage(ctx, vm, &iso)
	})
	if err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("attach iso %q: %w", iso.Name, err)))
	}
	if vm.ISOs == nil {
		vm.ISOs = map[string]*model.ISO{}
	}
	vm.ISOs[iso.Name] = &iso

	msg := e.persist(ctx, action, fmt.Sprintf("iso %q mounted on vm %q", iso.Name, id))
	return e.finish(action, start, model.OK(action, msg, iso))
}

// RMMounts detaches the disk or ISO called name. A disk keeps its record
// with the mount flag cleared; an ISO record is dropped.
func (e *Engine) RMMounts(ctx context.Context, id, name string) model.Result {
	const action = "RMMounts"
	start := e.now()
	vm, err := e.lookup(id)
	if err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}

	if disk, ok := vm.Disks[name]; ok {
		if !disk.Mounted {
			return e.finish(action, start, model.OK(action, fmt.Sprintf("disk %q already unmounted", name), *disk))
		}
		err := e.withDevicePower(ctx, action, vm, DeviceDisk, func() error {
			return e.backend.DetachDisk(ctx, vm, disk)
		})
		if err != nil {
			return e.finish(action, start, model.Fail(action, fmt.Errorf("detach disk %q: %w", name, err)))
		}
		disk.Mounted = false
		msg := e.persist(ctx, action, fmt.Sprintf("disk %q unmounted from vm %q", name, id))
		return e.finish(action, start, model.OK(action, msg, *disk))
	}

	if iso, ok := vm.ISOs[name]; ok {
		err := e.withDevicePower(ctx, action, vm, DeviceISO, func() error {
			return e.backend.DetachImage(ctx, vm, iso)
		})
		if err != nil {
			return e.finish(action, start, model.Fail(action, fmt.Errorf("detach iso %q: %w", name, err)))
		}
		delete(vm.ISOs, name)
		msg := e.persist(ctx, action, fmt.Sprintf("iso %q unmounted from vm %q", name, id))
		return e.finish(action, start, model.OK(action, msg, nil))
	}

	return e.finish(action, start, model.Fail(action, fmt.Errorf("%w: %q on vm %q", ErrMountNotFound, name, id)))
}

// withDevicePower runs change with the VM powered off when the backend cannot
// hotplug, then puts the VM back in the power state it had before. A device
// kind the backend cannot mount at all fails before any power change.
func (e *Engine) withDevicePower(ctx context.Context, action string, vm *model.VMConfig, kind DeviceKind, change func() error) error {
	if dc, ok := e.backend.(DeviceChecker); ok {
		if err := dc.CheckDevice(kind); err != nil {
			return err
		}
	}
	if !e.backend.HotplugUnsupported() {
		return change()
	}
	state, err := e.backend.PowerState(ctx, vm)
	if err != nil {
		return fmt.Errorf("power state: %w", err)
	}
	switch state {
	case model.PowerStopped:
	case model.PowerPaused:
		if err := e.backend.SetPower(ctx, vm, model.ActionPowerOff); err != nil {
			return fmt.Errorf("power off: %w", err)
		}
	default:
		if err := e.stop(ctx, vm); err != nil {
			return err
		}
	}
	changeErr := change()
	switch state {
	case model.PowerRunning:
		if err := e.backend.SetPower(ctx, vm, model.ActionStart); err != nil {
			e.cleanupFailed(action, vm.ID, fmt.Errorf("restore power: %w", err))
		}
	case model.PowerPaused:
		if err := e.backend.SetPower(ctx, vm, model.ActionStart); err != nil {
			e.cleanupFailed(action, vm.ID, fmt.Errorf("restore power: %w", err))
		} else if err := e.backend.SetPower(ctx, vm, model.ActionSuspend); err != nil {
			e.cleanupFailed(action, vm.ID, fmt.Errorf("restore pause: %w", err))
		}
	}
	return changeErr
}

// stop asks the guest to shut down and polls until the backend reports it
// stopped. A guest still up after stopWait is powered off.
func (e *Engine) stop(ctx context.Context, vm *model.VMConfig) error {
	if err := e.backend.SetPower(ctx, vm, model.ActionShutdown); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		state, err := e.backend.PowerState(ctx, vm)
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("power state: %w", err))
		}
		if state != model.PowerStopped {
			return struct{}{}, errStillRunning
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(e.stopPoll)), backoff.WithMaxElapsedTime(e.stopWait))
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, errStillRunning):
		return err
	}
	e.log.Warn("graceful shutdown timed out, powering off", zap.String("vm_id", vm.ID), zap.Duration("waited", e.stopWait))
	if err := e.backend.SetPower(ctx, vm, model.ActionPowerOff); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	return nil
}
