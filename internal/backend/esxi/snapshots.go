package esxi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

func (b *Backend) CreateSnapshot(ctx context.Context, vm *model.VMConfig, bk model.Backup) error {
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return err
	}
	spec := snapshotSpec{Name: bk.Name, Description: model.EncodeSnapshotNote(bk.Hint, bk.OSImage)}
	if err := b.c.do(ctx, http.MethodPost, vmPath(moid, "snapshots"), nil, spec, nil); err != nil {
		return fmt.Errorf("create snapshot %q for vm %q: %w", bk.Name, vm.ID, vmErr(vm.ID, err))
	}
	return nil
}

func (b *Backend) RestoreSnapshot(ctx context.Context, vm *model.VMConfig, name string) error {
	moid, id, err := b.snapshotID(ctx, vm, name)
	if err != nil {
		return err
	}
	if err := b.c.do(ctx, http.MethodPost, vmPath(moid, "snapshots", id), action("revert"), nil, nil); err != nil {
		return fmt.Errorf("revert vm %q to snapshot %q: %w", vm.ID, name, err)
	}
	return nil
}

func (b *Backend) DeleteSnapshot(ctx context.Context, vm *model.VMConfig, name string) error {
	moid, id, err := b.snapshotID(ctx, vm, name)
	if err != nil {
		return err
	}
	if err := b.c.do(ctx, http.MethodDelete, vmPath(moid, "snapshots", id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete snapshot %q of vm %q: %w", name, vm.ID, err)
	}
	return nil
}

// ListSnapshots rebuilds backup records from snapshot names and
// descriptions.
func (b *Backend) ListSnapshots(ctx context.Context, vm *model.VMConfig) ([]model.Backup, error) {
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return nil, err
	}
	snaps, err := b.snapshots(ctx, vm, moid)
	if err != nil {
		return nil, err
	}
	out := make([]model.Backup, 0, len(snaps))
	for _, s := range snaps {
		hint, image := model.DecodeSnapshotNote(s.Description)
		created, _ := time.Parse(time.RFC3339, s.CreateTime)
		out = append(out, model.Backup{Name: s.Name, CreatedAt: created.UTC(), Hint: hint, OSImage: image})
	}
	return out, nil
}

func (b *Backend) snapshots(ctx context.Context, vm *model.VMConfig, moid string) ([]snapshotInfo, error) {
	var snaps []snapshotInfo
	if err := b.c.do(ctx, http.MethodGet, vmPath(moid, "snapshots"), nil, nil, &snaps); err != nil {
		return nil, fmt.Errorf("list snapshots for %q: %w", vm.ID, vmErr(vm.ID, err))
	}
	return snaps, nil
}

// snapshotID resolves a snapshot name to its identifier.
func (b *Backend) snapshotID(ctx context.Context, vm *model.VMConfig, name string) (string, string, error) {
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return "", "", err
	}
	snaps, err := b.snapshots(ctx, vm, moid)
	if err != nil {
		return "", "", err
	}
	for _, s := range snaps {
		if s.Name == name {
			return moid, s.Snapshot, nil
		}
	}
	return "", "", fmt.Errorf("snapshot %q of vm %q: %w", name, vm.ID, orchestrator.ErrBackupNotFound)
}
