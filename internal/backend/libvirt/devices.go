package libvirt

import (
	"context"
	"errors"
	"fmt"

	golibvirt "github.com/digitalocean/go-libvirt"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// live reports whether device changes must also hit the running domain.
func live(hv hypervisor, dom golibvirt.Domain) (bool, error) {
	state, err := hv.State(dom)
	if err != nil {
		return false, fmt.Errorf("get domain state: %w", err)
	}
	return toPowerState(state) != model.PowerStopped, nil
}

func (b *Backend) AttachNIC(ctx context.Context, vm *model.VMConfig, name string, nic *model.NIC) error {
	hv, dom, err := b.domain(vm)
	if err != nil {
		return err
	}
	iface, err := b.buildInterface(name, nic)
	if err != nil {
		return err
	}
	xml, err := iface.Marshal()
	if err != nil {
		return fmt.Errorf("marshal interface %q: %w", name, err)
	}
	on, err := live(hv, dom)
	if err != nil {
		return err
	}
	if err := hv.AttachDevice(dom, xml, on); err != nil {
		return fmt.Errorf("attach nic %q to %q: %w", name, vm.ID, err)
	}
	return nil
}

func (b *Backend) DetachNIC(ctx context.Context, vm *model.VMConfig, name string, nic *model.NIC) error {
	hv, dom, err := b.domain(vm)
	if err != nil {
		return err
	}
	def, err := parsed(hv, dom, true)
	if err != nil {
		return err
	}
	iface, ok := findInterface(def, name, nic.MAC)
	if !ok {
		b.log.Debug("nic already absent")
		return nil
	}
	xml, err := iface.Marshal()
	if err != nil {
		return fmt.Errorf("marshal interface %q: %w", name, err)
	}
	on, err := live(hv, dom)
	if err != nil {
		return err
	}
	if err := hv.DetachDevice(dom, xml, on); err != nil {
		return fmt.Errorf("detach nic %q from %q: %w", name, vm.ID, err)
	}
	return nil
}

// ConfigureNIC replaces the interface for name with one rendered from nic.
// libvirt cannot change a MAC or source in place, so the old device is
// detached first. Addressing reaches the guest through the network's DHCP
// host entries.
func (b *Backend) ConfigureNIC(ctx context.Context, vm *model.VMConfig, name string, nic *model.NIC) error {
	hv, dom, err := b.domain(vm)
	if err != nil {
		return err
	}
	def, err := parsed(hv, dom, true)
	if err != nil {
		return err
	}
	on, err := live(hv, dom)
	if err != nil {
		return err
	}
	if old, ok := findInterface(def, name, ""); ok {
		xml, err := old.Marshal()
		if err != nil {
			return fmt.Errorf("marshal interface %q: %w", name, err)
		}
		if err := hv.DetachDevice(dom, xml, on); err != nil {
			return fmt.Errorf("detach nic %q from %q: %w", name, vm.ID, err)
		}
	}
	iface, err := b.buildInterface(name, nic)
	if err != nil {
		return err
	}
	xml, err := iface.Marshal()
	if err != nil {
		return fmt.Errorf("marshal interface %q: %w", name, err)
	}
	if err := hv.AttachDevice(dom, xml, on); err != nil {
		return fmt.Errorf("attach nic %q to %q: %w", name, vm.ID, err)
	}
	return nil
}

// CheckDevice rejects data disks and ISO images on LXC, whose containers
// take neither.
func (b *Backend) CheckDevice(kind orchestrator.DeviceKind) error {
	if !b.lxc() {
		return nil
	}
	switch kind {
	case orchestrator.DeviceDisk:
		return errors.New("data disks are not supported for lxc domains")
	case orchestrator.DeviceISO:
		return errors.New("iso images are not supported for lxc domains")
	}
	return nil
}

// AttachDisk creates the disk's volume when it has no handle yet and attaches
// it on the next free virtio target.
func (b *Backend) AttachDisk(ctx context.Context, vm *model.VMConfig, d *model.Disk) error {
	if err := b.CheckDevice(orchestrator.DeviceDisk); err != nil {
		return err
	}
	hv, dom, err := b.domain(vm)
	if err != nil {
		return err
	}
	def, err := parsed(hv, dom, true)
	if err != nil {
		return err
	}
	if d.Handle == "" {
		if d.SizeGB <= 0 {
			return fmt.Errorf("disk %q needs a size", d.Name)
		}
		xml, err := volumeXML(dataVolumeName(vm.ID, d.Name), gib(d.SizeGB), "")
		if err != nil {
			return fmt.Errorf("render volume: %w", err)
		}
		path, err := hv.CreateVolume(b.cfg.DiskDir, xml)
		if err != nil {
			return fmt.Errorf("create volume for disk %q: %w", d.Name, err)
		}
		d.Handle = path
	}
	dev, err := nextTarget(def, "vd")
	if err != nil {
		return err
	}
	disk := dataDisk(d, dev)
	xml, err := disk.Marshal()
	if err != nil {
		return fmt.Errorf("marshal disk %q: %w", d.Name, err)
	}
	on, err := live(hv, dom)
	if err != nil {
		return err
	}
	if err := hv.AttachDevice(dom, xml, on); err != nil {
		return fmt.Errorf("attach disk %q to %q: %w", d.Name, vm.ID, err)
	}
	return nil
}

// DetachDisk detaches the disk and keeps its volume.
func (b *Backend) DetachDisk(ctx context.Context, vm *model.VMConfig, d *model.Disk) error {
	return b.detachByAlias(vm, diskAliasPrefix+d.Name)
}

// AttachImage attaches an ISO as a read-only SATA CD-ROM. The source is a
// path on the host; bare names resolve inside the image directory.
func (b *Backend) AttachImage(ctx context.Context, vm *model.VMConfig, iso *model.ISO) error {
	if err := b.CheckDevice(orchestrator.DeviceISO); err != nil {
		return err
	}
	hv, dom, err := b.domain(vm)
	if err != nil {
		return err
	}
	def, err := parsed(hv, dom, true)
	if err != nil {
		return err
	}
	if iso.Handle == "" {
		iso.Handle = iso.Source
		if p, err := b.imagePath(iso.Source); err == nil {
			iso.Handle = p
		}
	}
	dev, err := nextTarget(def, "sd")
	if err != nil {
		return err
	}
	disk := cdrom(iso, dev)
	xml, err := disk.Marshal()
	if err != nil {
		return fmt.Errorf("marshal cdrom %q: %w", iso.Name, err)
	}
	on, err := live(hv, dom)
	if err != nil {
		return err
	}
	if err := hv.AttachDevice(dom, xml, on); err != nil {
		return fmt.Errorf("attach iso %q to %q: %w", iso.Name, vm.ID, err)
	}
	return nil
}

func (b *Backend) DetachImage(ctx context.Context, vm *model.VMConfig, iso *model.ISO) error {
	return b.detachByAlias(vm, isoAliasPrefix+iso.Name)
}

func (b *Backend) detachByAlias(vm *model.VMConfig, alias string) error {
	hv, dom, err := b.domain(vm)
	if err != nil {
		return err
	}
	def, err := parsed(hv, dom, true)
	if err != nil {
		return err
	}
	disk, ok := findDisk(def, alias)
	if !ok {
		return fmt.Errorf("device %q on %q: %w", alias, vm.ID, orchestrator.ErrMountNotFound)
	}
	xml, err := disk.Marshal()
	if err != nil {
		return fmt.Errorf("marshal device %q: %w", alias, err)
	}
	on, err := live(hv, dom)
	if err != nil {
		return err
	}
	if err := hv.DetachDevice(dom, xml, on); err != nil {
		return fmt.Errorf("detach %q from %q: %w", alias, vm.ID, err)
	}
	return nil
}
