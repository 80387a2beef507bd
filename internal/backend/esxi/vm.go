package esxi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/model"
)

const (
	stateOn        = "POWERED_ON"
	stateOff       = "POWERED_OFF"
	stateSuspended = "SUSPENDED"
)

func gib(n int) int64 { return int64(n) << 30 }

func vmPath(moid string, parts ...string) string {
	return "/vcenter/vm/" + moid + strings.Join(append([]string{""}, parts...), "/")
}

// ListInstances returns VMs whose name starts with prefix.
func (b *Backend) ListInstances(ctx context.Context, prefix string) ([]model.Instance, error) {
	var vms []vmSummary
	if err := b.c.do(ctx, http.MethodGet, "/vcenter/vm", nil, nil, &vms); err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	out := make([]model.Instance, 0, len(vms))
	for _, v := range vms {
		if !strings.HasPrefix(v.Name, prefix) {
			continue
		}
		out = append(out, model.Instance{
			Name:     v.Name,
			State:    toPowerState(v.PowerState),
			CPUCount: v.CPUCount,
			MemoryMB: v.MemoryMiB,
			Ref:      model.BackendRef{ESXi: &model.ESXiRef{MoID: v.VM}},
		})
	}
	return out, nil
}

// CreateInstance creates the VM with an empty boot disk and one adapter per
// NIC, then records the device keys the server assigned.
func (b *Backend) CreateInstance(ctx context.Context, vm *model.VMConfig) error {
	spec := vmCreateSpec{
		Name:    vm.ID,
		GuestOS: b.cfg.GuestOS,
		Placement: placement{
			Folder:    b.cfg.Folder,
			Host:      b.cfg.Host,
			Datastore: b.cfg.Datastore,
		},
		CPU:    cpuSpec{Count: vm.CPUCount},
		Memory: memorySpec{SizeMiB: vm.MemoryMB},
		Disks:  []diskSpec{{Type: "SCSI", NewVMDK: &vmdkSpec{Capacity: gib(vm.DiskGB)}}},
	}
	for _, name := range vm.NICNames() {
		ns, err := b.nicSpec(vm.NICs[name])
		if err != nil {
			return fmt.Errorf("nic %q: %w", name, err)
		}
		spec.NICs = append(spec.NICs, ns)
	}

	var moid string
	if err := b.c.do(ctx, http.MethodPost, "/vcenter/vm", nil, spec, &moid); err != nil {
		return fmt.Errorf("create vm %q: %w", vm.ID, err)
	}
	r := &model.ESXiRef{MoID: moid, NICs: map[string]string{}}
	vm.Ref.ESXi = r

	if err := b.recordDevices(ctx, vm); err != nil {
		if derr := b.c.do(ctx, http.MethodDelete, vmPath(moid), nil, nil, nil); derr != nil {
			b.log.Warn("vm cleanup failed", zap.String("vm", vm.ID), zap.Error(derr))
		}
		vm.Ref.ESXi = nil
		return err
	}
	return nil
}

// recordDevices maps NIC names to adapter keys by MAC and stores the key of
// the boot disk.
func (b *Backend) recordDevices(ctx context.Context, vm *model.VMConfig) error {
	r := ref(vm)
	var nics []listedNIC
	if err := b.c.do(ctx, http.MethodGet, vmPath(r.MoID, "hardware", "ethernet"), nil, nil, &nics); err != nil {
		return fmt.Errorf("list nics of %q: %w", vm.ID, err)
	}
	byMAC := make(map[string]string, len(vm.NICs))
	for name, n := range vm.NICs {
		byMAC[strings.ToLower(n.MAC)] = name
	}
	for _, ln := range nics {
		var info nicInfo
		if err := b.c.do(ctx, http.MethodGet, vmPath(r.MoID, "hardware", "ethernet", ln.NIC), nil, nil, &info); err != nil {
			return fmt.Errorf("read nic %s of %q: %w", ln.NIC, vm.ID, err)
		}
		if name, ok := byMAC[strings.ToLower(info.MACAddress)]; ok {
			if r.NICs == nil {
				r.NICs = map[string]string{}
			}
			r.NICs[name] = ln.NIC
		}
	}

	var disks []listedDisk
	if err := b.c.do(ctx, http.MethodGet, vmPath(r.MoID, "hardware", "disk"), nil, nil, &disks); err != nil {
		return fmt.Errorf("list disks of %q: %w", vm.ID, err)
	}
	if len(disks) > 0 {
		r.BootDisk = disks[0].Disk
	}
	return nil
}

// DeleteInstance powers the VM off when needed and deletes it together with
// its attached disks.
func (b *Backend) DeleteInstance(ctx context.Context, vm *model.VMConfig) error {
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return err
	}
	state, err := b.PowerState(ctx, vm)
	if err != nil {
		return err
	}
	if state != model.PowerStopped {
		if err := b.c.do(ctx, http.MethodPost, vmPath(moid, "power"), action("stop"), nil, nil); err != nil {
			return fmt.Errorf("power off %q: %w", vm.ID, vmErr(vm.ID, err))
		}
	}
	if err := b.c.do(ctx, http.MethodDelete, vmPath(moid), nil, nil, nil); err != nil {
		return fmt.Errorf("delete vm %q: %w", vm.ID, vmErr(vm.ID, err))
	}
	return nil
}

// ApplyResources updates CPU count and memory, and grows the boot disk to
// disk_gb. The VM is powered off.
func (b *Backend) ApplyResources(ctx context.Context, vm *model.VMConfig) error {
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return err
	}
	if vm.CPUCount > 0 {
		if err := b.c.do(ctx, http.MethodPatch, vmPath(moid, "hardware", "cpu"), nil, cpuSpec{Count: vm.CPUCount}, nil); err != nil {
			return fmt.Errorf("set cpu of %q: %w", vm.ID, vmErr(vm.ID, err))
		}
	}
	if vm.MemoryMB > 0 {
		if err := b.c.do(ctx, http.MethodPatch, vmPath(moid, "hardware", "memory"), nil, memorySpec{SizeMiB: vm.MemoryMB}, nil); err != nil {
			return fmt.Errorf("set memory of %q: %w", vm.ID, vmErr(vm.ID, err))
		}
	}
	if boot := ref(vm).BootDisk; boot != "" && vm.DiskGB > 0 {
		err := b.c.do(ctx, http.MethodPatch, vmPath(moid, "hardware", "disk", boot), nil, diskUpdate{Capacity: gib(vm.DiskGB)}, nil)
		if err != nil {
			return fmt.Errorf("resize boot disk of %q: %w", vm.ID, vmErr(vm.ID, err))
		}
	}
	return nil
}

// InstallImage replaces the boot disk with a blank one and boots the VM from
// the image's installer ISO. Any previous installer CD-ROM is removed.
func (b *Backend) InstallImage(ctx context.Context, vm *model.VMConfig, image string) error {
	file, err := b.isoFile(image)
	if err != nil {
		return err
	}
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return err
	}
	r := ref(vm)

	if r.BootDisk != "" {
		err := b.c.do(ctx, http.MethodDelete, vmPath(moid, "hardware", "disk", r.BootDisk), nil, nil, nil)
		if err != nil && !isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("remove boot disk of %q: %w", vm.ID, err)
		}
		r.BootDisk = ""
	}
	var disk string
	spec := diskSpec{Type: "SCSI", NewVMDK: &vmdkSpec{Capacity: gib(vm.DiskGB)}}
	if err := b.c.do(ctx, http.MethodPost, vmPath(moid, "hardware", "disk"), nil, spec, &disk); err != nil {
		return fmt.Errorf("create boot disk of %q: %w", vm.ID, vmErr(vm.ID, err))
	}
	r.BootDisk = disk

	if r.Installer != "" {
		err := b.c.do(ctx, http.MethodDelete, vmPath(moid, "hardware", "cdrom", r.Installer), nil, nil, nil)
		if err != nil && !isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("remove installer of %q: %w", vm.ID, err)
		}
		r.Installer = ""
	}
	var cd string
	if err := b.c.do(ctx, http.MethodPost, vmPath(moid, "hardware", "cdrom"), nil, cdromSpecFor(file), &cd); err != nil {
		return fmt.Errorf("attach installer %q to %q: %w", image, vm.ID, vmErr(vm.ID, err))
	}
	r.Installer = cd

	order := []bootDevice{{Type: "DISK", Disks: []string{disk}}, {Type: "CDROM"}}
	if err := b.c.do(ctx, http.MethodPut, vmPath(moid, "hardware", "boot", "device"), nil, order, nil); err != nil {
		return fmt.Errorf("set boot order of %q: %w", vm.ID, vmErr(vm.ID, err))
	}
	return nil
}

// isoFile resolves an image or ISO name to a datastore path. Values already
// in "[datastore] path" form pass through.
func (b *Backend) isoFile(name string) (string, error) {
	if strings.HasPrefix(name, "[") {
		return name, nil
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid image name %q", name)
	}
	if b.cfg.ISOPath == "" {
		return "", errors.New("esxi: iso path is not configured")
	}
	if path.Ext(name) == "" {
		name += ".iso"
	}
	return strings.TrimRight(b.cfg.ISOPath, "/") + "/" + name, nil
}

func cdromSpecFor(file string) cdromSpec {
	return cdromSpec{
		Type:           "SATA",
		Backing:        cdromBacking{Type: "ISO_FILE", ISOFile: file},
		StartConnected: true,
	}
}

func (b *Backend) PowerState(ctx context.Context, vm *model.VMConfig) (model.PowerState, error) {
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return "", err
	}
	var p powerInfo
	if err := b.c.do(ctx, http.MethodGet, vmPath(moid, "power"), nil, nil, &p); err != nil {
		return "", fmt.Errorf("power state of %q: %w", vm.ID, vmErr(vm.ID, err))
	}
	return toPowerState(p.State), nil
}

// SetPower maps contract actions to power and guest power calls. Shutdown
// and reboot go through VMware Tools in the guest.
func (b *Backend) SetPower(ctx context.Context, vm *model.VMConfig, act model.PowerAction) error {
	var resource, verb string
	switch act {
	case model.ActionNone:
		return nil
	case model.ActionStart, model.ActionResume:
		resource, verb = "power", "start"
	case model.ActionPowerOff:
		resource, verb = "power", "stop"
	case model.ActionReset:
		resource, verb = "power", "reset"
	case model.ActionSuspend:
		resource, verb = "power", "suspend"
	case model.ActionShutdown:
		resource, verb = "guest/power", "shutdown"
	case model.ActionReboot:
		resource, verb = "guest/power", "reboot"
	default:
		return fmt.Errorf("%w %q", errUnsupportedAction, act)
	}
	moid, err := b.moid(ctx, vm)
	if err != nil {
		return err
	}
	if err := b.c.do(ctx, http.MethodPost, vmPath(moid, resource), action(verb), nil, nil); err != nil {
		return fmt.Errorf("%s vm %q: %w", act, vm.ID, vmErr(vm.ID, err))
	}
	return nil
}

func toPowerState(s string) model.PowerState {
	switch s {
	case stateOn:
		return model.PowerRunning
	case stateSuspended:
		return model.PowerPaused
	default:
		return model.PowerStopped
	}
}
