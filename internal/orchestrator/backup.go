package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jamesprial/vmorch/internal/model"
)

// VMBackup snapshots a VM and appends a backup record capturing the current
// time, hint and os_image. An empty name gets a generated one.
func (e *Engine) VMBackup(ctx context.Context, id, name, hint string) model.Result {
	const action = "VMBackup"
	start := e.now()
	vm, err := e.lookup(id)
	if err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}

	created := e.now().UTC()
	if name == "" {
		name = fmt.Sprintf("bk-%s-%s", created.Format("20060102-150405"), uuid.NewString()[:8])
	}
	if vm.FindBackup(name) >= 0 {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("%w: %q", ErrBackupExists, name)))
	}

	b := model.Backup{Name: name, CreatedAt: created, Hint: hint, OSImage: vm.OSImage}
	if err := e.backend.CreateSnapshot(ctx, vm, b); err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("create snapshot %q: %w", name, err)))
	}
	vm.Backups = append(vm.Backups, b)
	vm.SortBackups()

	msg := e.persist(ctx, action, fmt.Sprintf("backup %q created for vm %q", name, id))
	return e.finish(action, start, model.OK(action, msg, b))
}

// Restores reverts a VM to the named backup and sets os_image to the value
// captured with it. No backup record is removed.
func (e *Engine) Restores(ctx context.Context, id, name string) model.Result {
	const action = "Restores"
	start := e.now()
	vm, err := e.lookup(id)
	if err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}
	i := vm.FindBackup(name)
	if i < 0 {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("%w: %q", ErrBackupNotFound, name)))
	}
	if err := e.backend.RestoreSnapshot(ctx, vm, name); err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("restore snapshot %q: %w", name, err)))
	}
	vm.OSImage = vm.Backups[i].OSImage

	msg := e.persist(ctx, action, fmt.Sprintf("vm %q restored to backup %q", id, name))
	return e.finish(action, start, model.OK(action, msg, vm.Backups[i]))
}

// LDBackup replaces a VM's backup list with the backend's snapshot
// inventory.
func (e *Engine) LDBackup(ctx context.Context, id string) model.Result {
	const action = "LDBackup"
	start := e.now()
	vm, err := e.lookup(id)
	if err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}
	snaps, err := e.backend.ListSnapshots(ctx, vm)
	if err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("list snapshots: %w", err)))
	}
	vm.Backups = append([]model.Backup(nil), snaps...)
	vm.SortBackups()

	msg := e.persist(ctx, action, fmt.Sprintf("loaded %d backup(s) for vm %q", len(vm.Backups), id))
	return e.finish(action, start, model.OK(action, msg, append([]model.Backup(nil), vm.Backups...)))
}

// RMBackup deletes the named snapshot on the backend, then drops its record.
func (e *Engine) RMBackup(ctx context.Context, id, name string) model.Result {
	const action = "RMBackup"
	start := e.now()
	vm, err := e.lookup(id)
	if err != nil {
		return e.finish(action, start, model.Fail(action, err))
	}
	i := vm.FindBackup(name)
	if i < 0 {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("%w: %q", ErrBackupNotFound, name)))
	}
	if err := e.backend.DeleteSnapshot(ctx, vm, name); err != nil {
		return e.finish(action, start, model.Fail(action, fmt.Errorf("delete snapshot %q: %w", name, err)))
	}
	vm.Backups = append(vm.Backups[:i:i], vm.Backups[i+1:]...)

	msg := e.persist(ctx, action, fmt.Sprintf("backup %q removed from vm %q", name, id))
	return e.finish(action, start, model.OK(action, msg, nil))
}
