package libvirt

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"libvirt.org/go/libvirtxml"

	"github.com/jamesprial/vmorch/internal/model"
)

// CreateSnapshot takes a snapshot named after the backup. The hint and
// os_image travel in the snapshot description so ListSnapshots can rebuild
// the record.
func (b *Backend) CreateSnapshot(ctx context.Context, vm *model.VMConfig, bk model.Backup) error {
	hv, dom, err := b.domain(vm)
	if err != nil {
		return err
	}
	snap := libvirtxml.DomainSnapshot{
		Name:        bk.Name,
		Description: model.EncodeSnapshotNote(bk.Hint, bk.OSImage),
	}
	xml, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("marshal snapshot xml: %w", err)
	}
	if err := hv.CreateSnapshot(dom, xml); err != nil {
		return fmt.Errorf("create snapshot %q for vm %q: %w", bk.Name, vm.ID, err)
	}
	return nil
}

func (b *Backend) RestoreSnapshot(ctx context.Context, vm *model.VMConfig, name string) error {
	hv, dom, err := b.domain(vm)
	if err != nil {
		return err
	}
	if err := hv.RevertSnapshot(dom, name); err != nil {
		return fmt.Errorf("revert vm %q to snapshot %q: %w", vm.ID, name, err)
	}
	return nil
}

func (b *Backend) DeleteSnapshot(ctx context.Context, vm *model.VMConfig, name string) error {
	hv, dom, err := b.domain(vm)
	if err != nil {
		return err
	}
	if err := hv.DeleteSnapshot(dom, name); err != nil {
		return fmt.Errorf("delete snapshot %q of vm %q: %w", name, vm.ID, err)
	}
	return nil
}

// ListSnapshots reads every snapshot's definition back into a backup
// record.
func (b *Backend) ListSnapshots(ctx context.Context, vm *model.VMConfig) ([]model.Backup, error) {
	hv, dom, err := b.domain(vm)
	if err != nil {
		return nil, err
	}
	names, err := hv.SnapshotNames(dom)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %q: %w", vm.ID, err)
	}

	out := make([]model.Backup, 0, len(names))
	for _, n := range names {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		desc, err := hv.SnapshotXML(dom, n)
		if err != nil {
			return nil, fmt.Errorf("snapshot %q: %w", n, err)
		}
		var snap libvirtxml.DomainSnapshot
		if err := snap.Unmarshal(desc); err != nil {
			return nil, fmt.Errorf("parse snapshot %q: %w", n, err)
		}
		hint, image := model.DecodeSnapshotNote(snap.Description)
		out = append(out, model.Backup{
			Name:      n,
			CreatedAt: creationTime(snap.CreationTime),
			Hint:      hint,
			OSImage:   image,
		})
	}
	return out, nil
}

// creationTime parses libvirt's creationTime element (unix seconds).
func creationTime(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
