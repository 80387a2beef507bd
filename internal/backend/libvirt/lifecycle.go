package libvirt

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	golibvirt "github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"
	"libvirt.org/go/libvirtxml"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// ListInstances returns every domain, active or not, whose name starts with
// prefix.
func (b *Backend) ListInstances(ctx context.Context, prefix string) ([]model.Instance, error) {
	hv, err := b.conn()
	if err != nil {
		return nil, err
	}
	doms, err := hv.Domains()
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}

	out := make([]model.Instance, 0, len(doms))
	for _, d := range doms {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("list domains: %w", err)
		}
		if !hasPrefix(d.Name, prefix) {
			continue
		}
		state, err := hv.State(d)
		if err != nil {
			return nil, fmt.Errorf("domain %q state: %w", d.Name, err)
		}
		def, err := parsed(hv, d, true)
		if err != nil {
			return nil, fmt.Errorf("domain %q: %w", d.Name, err)
		}
		inst := model.Instance{
			Name:     d.Name,
			State:    toPowerState(state),
			MemoryMB: memoryMB(def.Memory),
			Ref:      model.BackendRef{Libvirt: &model.LibvirtRef{UUID: formatUUID(d.UUID)}},
		}
		if def.VCPU != nil {
			inst.CPUCount = int(def.VCPU.Value)
		}
		out = append(out, inst)
	}
	return out, nil
}

// CreateInstance allocates a blank root volume (kvm) and defines the domain.
// The image, if any, is installed separately.
func (b *Backend) CreateInstance(ctx context.Context, vm *model.VMConfig) error {
	hv, err := b.conn()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	root := filepath.Join(b.cfg.ImageDir, "empty")
	if !b.lxc() {
		xml, err := volumeXML(rootVolumeName(vm.ID), gib(vm.DiskGB), "")
		if err != nil {
			return fmt.Errorf("render root volume: %w", err)
		}
		if root, err = hv.CreateVolume(b.cfg.DiskDir, xml); err != nil {
			return fmt.Errorf("create root volume: %w", err)
		}
	}

	def, err := b.buildDomain(vm, root)
	if err != nil {
		b.dropVolume(hv, root)
		return err
	}
	xml, err := def.Marshal()
	if err != nil {
		b.dropVolume(hv, root)
		return fmt.Errorf("marshal domain xml: %w", err)
	}
	dom, err := hv.Define(xml)
	if err != nil {
		b.dropVolume(hv, root)
		return fmt.Errorf("define domain %q: %w", vm.ID, err)
	}
	vm.Ref.Libvirt = &model.LibvirtRef{UUID: formatUUID(dom.UUID)}
	return nil
}

// DeleteInstance undefines the domain with its snapshot metadata and removes
// its root and data volumes.
func (b *Backend) DeleteInstance(ctx context.Context, vm *model.VMConfig) error {
	hv, dom, err := b.domain(vm)
	if err != nil {
		return err
	}
	def, err := parsed(hv, dom, true)
	if err != nil {
		return err
	}
	if state, err := hv.State(dom); err == nil && toPowerState(state) != model.PowerStopped {
		if err := hv.Destroy(dom); err != nil {
			return fmt.Errorf("destroy domain %q: %w", vm.ID, err)
		}
	}
	if err := hv.Undefine(dom); err != nil {
		return fmt.Errorf("undefine domain %q: %w", vm.ID, err)
	}

	if d, ok := findDisk(def, rootAlias); ok && d.Source != nil && d.Source.File != nil {
		b.dropVolume(hv, d.Source.File.File)
	}
	for _, disk := range vm.Disks {
		if disk.Handle != "" {
			b.dropVolume(hv, disk.Handle)
		}
	}
	return nil
}

// ApplyResources rewrites CPU and memory in the persistent definition and
// grows the root volume when disk_gb increased. The VM is powered off.
func (b *Backend) ApplyResources(ctx context.Context, vm *model.VMConfig) error {
	hv, dom, err := b.domain(vm)
	if err != nil {
		return err
	}
	def, err := parsed(hv, dom, true)
	if err != nil {
		return err
	}
	if vm.MemoryMB > 0 {
		def.Memory = &libvirtxml.DomainMemory{Value: uint(vm.MemoryMB), Unit: "MiB"}
		def.CurrentMemory = &libvirtxml.DomainCurrentMemory{Value: uint(vm.MemoryMB), Unit: "MiB"}
	}
	if vm.CPUCount > 0 {
		def.VCPU = &libvirtxml.DomainVCPU{Value: uint(vm.CPUCount)}
	}
	xml, err := def.Marshal()
	if err != nil {
		return fmt.Errorf("marshal domain xml: %w", err)
	}
	if _, err := hv.Define(xml); err != nil {
		return fmt.Errorf("redefine domain %q: %w", vm.ID, err)
	}

	if vm.DiskGB > 0 && !b.lxc() {
		if d, ok := findDisk(def, rootAlias); ok && d.Source != nil && d.Source.File != nil {
			if err := hv.ResizeVolume(d.Source.File.File, gib(vm.DiskGB)); err != nil {
				return fmt.Errorf("resize root volume: %w", err)
			}
		}
	}
	return nil
}

// InstallImage replaces the root of vm with image. For kvm the root volume
// is recreated as a copy-on-write overlay of the image; for lxc the root
// filesystem is pointed at the image tree.
func (b *Backend) InstallImage(ctx context.Context, vm *model.VMConfig, image string) error {
	hv, dom, err := b.domain(vm)
	if err != nil {
		return err
	}
	src, err := b.imagePath(image)
	if err != nil {
		return err
	}
	def, err := parsed(hv, dom, true)
	if err != nil {
		return err
	}

	root := src
	if !b.lxc() {
		if d, ok := findDisk(def, rootAlias); ok && d.Source != nil && d.Source.File != nil {
			if err := hv.DeleteVolume(d.Source.File.File); err != nil {
				return fmt.Errorf("remove old root volume: %w", err)
			}
		}
		xml, err := volumeXML(rootVolumeName(vm.ID), gib(vm.DiskGB), src)
		if err != nil {
			return fmt.Errorf("render root volume: %w", err)
		}
		if root, err = hv.CreateVolume(b.cfg.DiskDir, xml); err != nil {
			return fmt.Errorf("create root volume from %q: %w", image, err)
		}
	}

	b.setRoot(def, root)
	xml, err := def.Marshal()
	if err != nil {
		return fmt.Errorf("marshal domain xml: %w", err)
	}
	if _, err := hv.Define(xml); err != nil {
		return fmt.Errorf("redefine domain %q: %w", vm.ID, err)
	}
	return nil
}

func (b *Backend) PowerState(ctx context.Context, vm *model.VMConfig) (model.PowerState, error) {
	hv, dom, err := b.domain(vm)
	if err != nil {
		return "", err
	}
	state, err := hv.State(dom)
	if err != nil {
		return "", fmt.Errorf("get domain state: %w", err)
	}
	return toPowerState(state), nil
}

// SetPower maps each contract action onto one libvirt call. Shutdown is an
// ACPI request and returns before the guest has stopped.
func (b *Backend) SetPower(ctx context.Context, vm *model.VMConfig, action model.PowerAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hv, dom, err := b.domain(vm)
	if err != nil {
		return err
	}
	var call func(golibvirt.Domain) error
	switch action {
	case model.ActionNone:
		return nil
	case model.ActionStart:
		call = hv.Create
	case model.ActionShutdown:
		call = hv.Shutdown
	case model.ActionPowerOff:
		call = hv.Destroy
	case model.ActionReboot:
		call = hv.Reboot
	case model.ActionReset:
		call = hv.Reset
	case model.ActionSuspend:
		call = hv.Suspend
	case model.ActionResume:
		call = hv.Resume
	default:
		return fmt.Errorf("unsupported power action %q", action)
	}
	if err := call(dom); err != nil {
		return fmt.Errorf("%s domain %q: %w", action, vm.ID, err)
	}
	return nil
}

// dropVolume removes a volume during cleanup; failures are logged only.
func (b *Backend) dropVolume(hv hypervisor, path string) {
	if path == "" || b.lxc() {
		return
	}
	if err := hv.DeleteVolume(path); err != nil && !errors.Is(err, orchestrator.ErrInstanceNotFound) {
		b.log.Warn("volume cleanup failed", zap.String("path", path), zap.Error(err))
	}
}
