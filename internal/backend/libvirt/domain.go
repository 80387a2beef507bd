package libvirt

import (
	"fmt"
	"path/filepath"
	"strings"

	golibvirt "github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/jamesprial/vmorch/internal/model"
)

// Device aliases carry the "ua-" prefix libvirt requires for user aliases,
// which lets a device be found again by name in the live domain XML.
const (
	aliasPrefix     = "ua-"
	nicAliasPrefix  = aliasPrefix + "nic-"
	diskAliasPrefix = aliasPrefix + "disk-"
	isoAliasPrefix  = aliasPrefix + "iso-"
	rootAlias       = aliasPrefix + "root"

	agentChannel = "org.qemu.guest_agent.0"
)

func gib(gb int) uint64 { return uint64(gb) << 30 }

// rootVolumeName is the file name of a VM's boot volume in the disk dir.
func rootVolumeName(vmID string) string { return vmID + "-root.qcow2" }

// dataVolumeName is the file name of a data disk volume in the disk dir.
func dataVolumeName(vmID, disk string) string { return vmID + "-" + disk + ".qcow2" }

// buildDomain renders the persistent definition of vm. rootPath is the boot
// volume (kvm) or root filesystem directory (lxc).
func (b *Backend) buildDomain(vm *model.VMConfig, rootPath string) (*libvirtxml.Domain, error) {
	dom := &libvirtxml.Domain{
		Type: b.cfg.DomainType,
		Name: vm.ID,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(vm.MemoryMB),
			Unit:  "MiB",
		},
		CurrentMemory: &libvirtxml.DomainCurrentMemory{
			Value: uint(vm.MemoryMB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: uint(vm.CPUCount),
		},
		Devices: &libvirtxml.DomainDeviceList{
			Consoles: []libvirtxml.DomainConsole{{
				Source: &libvirtxml.DomainChardevSource{
					Pty: &libvirtxml.DomainChardevSourcePty{},
				},
				Target: &libvirtxml.DomainConsoleTarget{
					Type: b.consoleType(),
					Port: uintPtr(0),
				},
			}},
		},
	}
	if vm.Ref.Libvirt != nil {
		dom.UUID = vm.Ref.Libvirt.UUID
	}

	if b.lxc() {
		dom.OS = &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{Type: "exe"},
			Init: "/sbin/init",
		}
		dom.Devices.Filesystems = []libvirtxml.DomainFilesystem{rootFilesystem(rootPath)}
	} else {
		dom.OS = &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "pc",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{{Dev: "hd"}},
		}
		dom.Devices.Disks = []libvirtxml.DomainDisk{rootDisk(rootPath)}
		dom.Devices.Channels = []libvirtxml.DomainChannel{{
			Source: &libvirtxml.DomainChardevSource{
				UNIX: &libvirtxml.DomainChardevSourceUNIX{Mode: "bind"},
			},
			Target: &libvirtxml.DomainChannelTarget{
				VirtIO: &libvirtxml.DomainChannelTargetVirtIO{Name: agentChannel},
			},
		}}
		dom.Devices.Graphics = []libvirtxml.DomainGraphic{{
			VNC: &libvirtxml.DomainGraphicVNC{Port: -1, AutoPort: "yes"},
		}}
	}

	for _, name := range vm.NICNames() {
		iface, err := b.buildInterface(name, vm.NICs[name])
		if err != nil {
			return nil, err
		}
		dom.Devices.Interfaces = append(dom.Devices.Interfaces, iface)
	}
	return dom, nil
}

func (b *Backend) lxc() bool { return b.cfg.DomainType == "lxc" }

func (b *Backend) consoleType() string {
	if b.lxc() {
		return "lxc"
	}
	return "serial"
}

func rootDisk(path string) libvirtxml.DomainDisk {
	return libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: path},
		},
		Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
		Alias:  &libvirtxml.DomainAlias{Name: rootAlias},
	}
}

func rootFilesystem(dir string) libvirtxml.DomainFilesystem {
	return libvirtxml.DomainFilesystem{
		AccessMode: "passthrough",
		Source: &libvirtxml.DomainFilesystemSource{
			Mount: &libvirtxml.DomainFilesystemSourceMount{Dir: dir},
		},
		Target: &libvirtxml.DomainFilesystemTarget{Dir: "/"},
	}
}

// buildInterface renders one NIC. NAT NICs join the configured libvirt
// network; public NICs attach to the host bridge.
func (b *Backend) buildInterface(name string, nic *model.NIC) (libvirtxml.DomainInterface, error) {
	if nic.MAC == "" {
		return libvirtxml.DomainInterface{}, fmt.Errorf("nic %q has no mac address", name)
	}
	iface := libvirtxml.DomainInterface{
		MAC:   &libvirtxml.DomainInterfaceMAC{Address: nic.MAC},
		Alias: &libvirtxml.DomainAlias{Name: nicAliasPrefix + name},
	}
	if !b.lxc() {
		iface.Model = &libvirtxml.DomainInterfaceModel{Type: "virtio"}
	}
	switch nic.Kind {
	case model.NICKindPublic:
		if b.cfg.Bridge == "" {
			return libvirtxml.DomainInterface{}, fmt.Errorf("nic %q is public but no bridge is configured", name)
		}
		iface.Source = &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: b.cfg.Bridge},
		}
	default:
		iface.Source = &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: b.cfg.Network},
		}
	}
	return iface, nil
}

// dataDisk renders a data disk on target dev.
func dataDisk(d *model.Disk, dev string) libvirtxml.DomainDisk {
	return libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: d.Handle},
		},
		Target: &libvirtxml.DomainDiskTarget{Dev: dev, Bus: "virtio"},
		Alias:  &libvirtxml.DomainAlias{Name: diskAliasPrefix + d.Name},
	}
}

// cdrom renders an ISO image on target dev.
func cdrom(iso *model.ISO, dev string) libvirtxml.DomainDisk {
	return libvirtxml.DomainDisk{
		Device:   "cdrom",
		Driver:   &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
		Source:   &libvirtxml.DomainDiskSource{File: &libvirtxml.DomainDiskSourceFile{File: iso.Handle}},
		Target:   &libvirtxml.DomainDiskTarget{Dev: dev, Bus: "sata"},
		ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		Alias:    &libvirtxml.DomainAlias{Name: isoAliasPrefix + iso.Name},
	}
}

// nextTarget returns the first unused device name with the given prefix
// ("vd" or "sd") in dom, starting at letter b for vd since vda is the root.
func nextTarget(dom *libvirtxml.Domain, prefix string) (string, error) {
	used := map[string]bool{}
	if dom.Devices != nil {
		for _, d := range dom.Devices.Disks {
			if d.Target != nil {
				used[d.Target.Dev] = true
			}
		}
	}
	start := 'a'
	if prefix == "vd" {
		start = 'b'
	}
	for c := start; c <= 'z'; c++ {
		dev := prefix + string(c)
		if !used[dev] {
			return dev, nil
		}
	}
	return "", fmt.Errorf("no free %sX target left", prefix)
}

// findDisk returns the disk with the given alias.
func findDisk(dom *libvirtxml.Domain, alias string) (libvirtxml.DomainDisk, bool) {
	if dom.Devices == nil {
		return libvirtxml.DomainDisk{}, false
	}
	for _, d := range dom.Devices.Disks {
		if d.Alias != nil && d.Alias.Name == alias {
			return d, true
		}
	}
	return libvirtxml.DomainDisk{}, false
}

// findInterface returns the interface with alias for name, falling back to a
// MAC match for domains defined before aliases were assigned.
func findInterface(dom *libvirtxml.Domain, name, mac string) (libvirtxml.DomainInterface, bool) {
	if dom.Devices == nil {
		return libvirtxml.DomainInterface{}, false
	}
	for _, iface := range dom.Devices.Interfaces {
		if iface.Alias != nil && iface.Alias.Name == nicAliasPrefix+name {
			return iface, true
		}
	}
	for _, iface := range dom.Devices.Interfaces {
		if mac != "" && iface.MAC != nil && strings.EqualFold(iface.MAC.Address, mac) {
			return iface, true
		}
	}
	return libvirtxml.DomainInterface{}, false
}

// setRoot points the domain's root disk or filesystem at path.
func (b *Backend) setRoot(dom *libvirtxml.Domain, path string) {
	if dom.Devices == nil {
		dom.Devices = &libvirtxml.DomainDeviceList{}
	}
	if b.lxc() {
		for i, fs := range dom.Devices.Filesystems {
			if fs.Target != nil && fs.Target.Dir == "/" {
				dom.Devices.Filesystems[i] = rootFilesystem(path)
				return
			}
		}
		dom.Devices.Filesystems = append(dom.Devices.Filesystems, rootFilesystem(path))
		return
	}
	for i, d := range dom.Devices.Disks {
		if d.Target != nil && d.Target.Dev == "vda" {
			dom.Devices.Disks[i] = rootDisk(path)
			return
		}
	}
	dom.Devices.Disks = append([]libvirtxml.DomainDisk{rootDisk(path)}, dom.Devices.Disks...)
}

// imagePath resolves an os_image name inside the image directory. kvm images
// are qcow2 files; lxc images are root filesystem trees.
func (b *Backend) imagePath(image string) (string, error) {
	clean := filepath.Base(image)
	if clean != image || clean == "." || clean == ".." {
		return "", fmt.Errorf("invalid image name %q", image)
	}
	if b.lxc() {
		return filepath.Join(b.cfg.ImageDir, clean), nil
	}
	if filepath.Ext(clean) == "" {
		clean += ".qcow2"
	}
	return filepath.Join(b.cfg.ImageDir, clean), nil
}

// volumeXML renders a qcow2 volume of capacity bytes, optionally backed by
// the image at backing.
func volumeXML(name string, capacity uint64, backing string) (string, error) {
	vol := libvirtxml.StorageVolume{
		Name:     name,
		Capacity: &libvirtxml.StorageVolumeSize{Unit: "bytes", Value: capacity},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: "qcow2"},
		},
	}
	if backing != "" {
		vol.BackingStore = &libvirtxml.StorageVolumeBackingStore{
			Path:   backing,
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: "qcow2"},
		}
	}
	return vol.Marshal()
}

// toPowerState maps a libvirt domain state onto the contract's three states.
func toPowerState(s golibvirt.DomainState) model.PowerState {
	switch s {
	case golibvirt.DomainRunning, golibvirt.DomainBlocked, golibvirt.DomainShutdown:
		return model.PowerRunning
	case golibvirt.DomainPaused, golibvirt.DomainPmsuspended:
		return model.PowerPaused
	default:
		return model.PowerStopped
	}
}

// memoryMB converts a domain memory element to MiB.
func memoryMB(m *libvirtxml.DomainMemory) int {
	if m == nil {
		return 0
	}
	v := uint64(m.Value)
	switch strings.ToLower(m.Unit) {
	case "b", "bytes":
		return int(v >> 20)
	case "mb", "mib", "m":
		return int(v)
	case "gb", "gib", "g":
		return int(v << 10)
	default:
		return int(v >> 10)
	}
}

// displayClass reports whether a PCI class code ("0x030000") is a display
// controller.
func displayClass(class string) bool {
	c := strings.TrimPrefix(strings.ToLower(class), "0x")
	return len(c) >= 2 && c[:2] == "03"
}

func uintPtr(v uint) *uint { return &v }
