package esxi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// portGroup returns the network a NIC of the given kind connects to.
func (b *Backend) portGroup(kind model.NICKind) (string, error) {
	if kind == model.NICKindPublic {
		if b.cfg.PublicNetwork == "" {
			return "", fmt.Errorf("public nics need a public network")
		}
		return b.cfg.PublicNetwork, nil
	}
	if b.cfg.Network == "" {
		return "", fmt.Errorf("nat nics need a network")
	}
	return b.cfg.Network, nil
}

func (b *Backend) nicSpec(nic *model.NIC) (nicSpec, error) {
	if nic.MAC == "" {
		return nicSpec{}, fmt.Errorf("nic has no mac address")
	}
	pg, err := b.portGroup(nic.Kind)
	if err != nil {
		return nicSpec{}, err
	}
	return nicSpec{
		Type:           "VMXNET3",
		Backing:        nicBacking{Type: "STANDARD_PORTGROUP", Network: pg},
		MACType:        "MANUAL",
		MACAddress:     nic.MAC,
		StartConnected: true,
	}, nil
}

func (b *Backend) AttachNIC(ctx context.Context, vm *model.VMConfig, name string, nic *model.NIC) error {
	spec, err := b.nicSpec(nic)
	if err != nil {
		return fmt.Errorf("nic %q: %w", name, err)
	}
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return err
	}
	var key string
	if err := b.c.do(ctx, http.MethodPost, vmPath(moid, "hardware", "ethernet"), nil, spec, &key); err != nil {
		return fmt.Errorf("attach nic %q to %q: %w", name, vm.ID, vmErr(vm.ID, err))
	}
	r := ref(vm)
	if r.NICs == nil {
		r.NICs = map[string]string{}
	}
	r.NICs[name] = key
	return nil
}

// DetachNIC removes the adapter recorded for name. An adapter that is
// already gone is not an error.
func (b *Backend) DetachNIC(ctx context.Context, vm *model.VMConfig, name string, nic *model.NIC) error {
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return err
	}
	key, err := b.nicKey(ctx, vm, moid, name, nic)
	if err != nil {
		return err
	}
	if key == "" {
		return nil
	}
	err = b.c.do(ctx, http.MethodDelete, vmPath(moid, "hardware", "ethernet", key), nil, nil, nil)
	if err != nil && !isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("detach nic %q from %q: %w", name, vm.ID, err)
	}
	delete(ref(vm).NICs, name)
	return nil
}

// ConfigureNIC updates the adapter's MAC and port group in place. A NIC
// without a recorded adapter is attached instead.
func (b *Backend) ConfigureNIC(ctx context.Context, vm *model.VMConfig, name string, nic *model.NIC) error {
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return err
	}
	key, err := b.nicKey(ctx, vm, moid, name, nil)
	if err != nil {
		return err
	}
	if key == "" {
		return b.AttachNIC(ctx, vm, name, nic)
	}
	spec, err := b.nicSpec(nic)
	if err != nil {
		return fmt.Errorf("nic %q: %w", name, err)
	}
	upd := nicUpdate{Backing: &spec.Backing, MACType: spec.MACType, MACAddress: spec.MACAddress}
	if err := b.c.do(ctx, http.MethodPatch, vmPath(moid, "hardware", "ethernet", key), nil, upd, nil); err != nil {
		return fmt.Errorf("configure nic %q of %q: %w", name, vm.ID, vmErr(vm.ID, err))
	}
	return nil
}

// nicKey returns the adapter key for name, falling back to a MAC match over
// the VM's adapters. "" means no such adapter.
func (b *Backend) nicKey(ctx context.Context, vm *model.VMConfig, moid, name string, nic *model.NIC) (string, error) {
	if key, ok := ref(vm).NICs[name]; ok {
		return key, nil
	}
	if nic == nil || nic.MAC == "" {
		return "", nil
	}
	var nics []listedNIC
	if err := b.c.do(ctx, http.MethodGet, vmPath(moid, "hardware", "ethernet"), nil, nil, &nics); err != nil {
		return "", fmt.Errorf("list nics of %q: %w", vm.ID, vmErr(vm.ID, err))
	}
	for _, ln := range nics {
		var info nicInfo
		if err := b.c.do(ctx, http.MethodGet, vmPath(moid, "hardware", "ethernet", ln.NIC), nil, nil, &info); err != nil {
			return "", fmt.Errorf("read nic %s of %q: %w", ln.NIC, vm.ID, err)
		}
		if strings.EqualFold(info.MACAddress, nic.MAC) {
			return ln.NIC, nil
		}
	}
	return "", nil
}

// AttachDisk adds a SCSI disk. A disk without a handle gets a new VMDK on the
// VM's datastore; the handle records the VMDK path so a detached disk can be
// mounted again.
func (b *Backend) AttachDisk(ctx context.Context, vm *model.VMConfig, d *model.Disk) error {
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return err
	}
	spec := diskSpec{Type: "SCSI"}
	if d.Handle != "" {
		spec.Backing = &diskBacking{Type: "VMDK_FILE", VMDKFile: d.Handle}
	} else {
		if d.SizeGB <= 0 {
			return fmt.Errorf("disk %q needs a size", d.Name)
		}
		spec.NewVMDK = &vmdkSpec{Name: vm.ID + "-" + d.Name, Capacity: gib(d.SizeGB)}
	}
	var key string
	if err := b.c.do(ctx, http.MethodPost, vmPath(moid, "hardware", "disk"), nil, spec, &key); err != nil {
		return fmt.Errorf("attach disk %q to %q: %w", d.Name, vm.ID, vmErr(vm.ID, err))
	}
	if d.Handle == "" {
		var info diskInfo
		if err := b.c.do(ctx, http.MethodGet, vmPath(moid, "hardware", "disk", key), nil, nil, &info); err != nil {
			return fmt.Errorf("read disk %q of %q: %w", d.Name, vm.ID, err)
		}
		d.Handle = info.Backing.VMDKFile
	}
	return nil
}

// DetachDisk removes the disk device whose backing is the disk's VMDK. The
// file itself is kept.
func (b *Backend) DetachDisk(ctx context.Context, vm *model.VMConfig, d *model.Disk) error {
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return err
	}
	var disks []listedDisk
	if err := b.c.do(ctx, http.MethodGet, vmPath(moid, "hardware", "disk"), nil, nil, &disks); err != nil {
		return fmt.Errorf("list disks of %q: %w", vm.ID, vmErr(vm.ID, err))
	}
	for _, ld := range disks {
		if ld.Disk == ref(vm).BootDisk {
			continue
		}
		var info diskInfo
		if err := b.c.do(ctx, http.MethodGet, vmPath(moid, "hardware", "disk", ld.Disk), nil, nil, &info); err != nil {
			return fmt.Errorf("read disk %s of %q: %w", ld.Disk, vm.ID, err)
		}
		if d.Handle == "" || info.Backing.VMDKFile != d.Handle {
			continue
		}
		if err := b.c.do(ctx, http.MethodDelete, vmPath(moid, "hardware", "disk", ld.Disk), nil, nil, nil); err != nil {
			return fmt.Errorf("detach disk %q from %q: %w", d.Name, vm.ID, err)
		}
		return nil
	}
	return fmt.Errorf("disk %q on %q: %w", d.Name, vm.ID, orchestrator.ErrMountNotFound)
}

// AttachImage connects an ISO on a new SATA CD-ROM. The handle is the
// CD-ROM's device key.
func (b *Backend) AttachImage(ctx context.Context, vm *model.VMConfig, iso *model.ISO) error {
	file, err := b.isoFile(iso.Source)
	if err != nil {
		return err
	}
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return err
	}
	var key string
	if err := b.c.do(ctx, http.MethodPost, vmPath(moid, "hardware", "cdrom"), nil, cdromSpecFor(file), &key); err != nil {
		return fmt.Errorf("attach iso %q to %q: %w", iso.Name, vm.ID, vmErr(vm.ID, err))
	}
	iso.Handle = key
	return nil
}

func (b *Backend) DetachImage(ctx context.Context, vm *model.VMConfig, iso *model.ISO) error {
	if iso.Handle == "" {
		return fmt.Errorf("iso %q on %q: %w", iso.Name, vm.ID, orchestrator.ErrMountNotFound)
	}
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return err
	}
	err = b.c.do(ctx, http.MethodDelete, vmPath(moid, "hardware", "cdrom", iso.Handle), nil, nil, nil)
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("iso %q on %q: %w", iso.Name, vm.ID, orchestrator.ErrMountNotFound)
	}
	if err != nil {
		return fmt.Errorf("detach iso %q from %q: %w", iso.Name, vm.ID, err)
	}
	return nil
}
