package hyperv

import (
	"context"
	"fmt"
	"strings"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

func (b *Backend) AttachNIC(ctx context.Context, vm *model.VMConfig, name string, nic *model.NIC) error {
	stmt, err := b.addNIC(name, nic)
	if err != nil {
		return err
	}
	if err := b.run(ctx, "$vm = "+vmExpr(vm)+"\n"+stmt, nil); err != nil {
		return fmt.Errorf("attach nic %q to %q: %w", name, vm.ID, err)
	}
	return nil
}

// DetachNIC removes the adapter named name. A missing adapter is not an
// error.
func (b *Backend) DetachNIC(ctx context.Context, vm *model.VMConfig, name string, nic *model.NIC) error {
	script := "$vm = " + vmExpr(vm) + `
Get-VMNetworkAdapter -VM $vm | Where-Object { $_.Name -eq ` + quote(name) + ` } | Remove-VMNetworkAdapter`
	if err := b.run(ctx, script, nil); err != nil {
		return fmt.Errorf("detach nic %q from %q: %w", name, vm.ID, err)
	}
	return nil
}

// ConfigureNIC sets the adapter's static MAC and reconnects it to the switch
// for its kind, adding the adapter when it does not exist.
func (b *Backend) ConfigureNIC(ctx context.Context, vm *model.VMConfig, name string, nic *model.NIC) error {
	add, err := b.addNIC(name, nic)
	if err != nil {
		return err
	}
	sw, _ := b.switchFor(nic.Kind)
	mac, _ := macDigits(nic.MAC)
	script := fmt.Sprintf(`$vm = %s
$a = Get-VMNetworkAdapter -VM $vm | Where-Object { $_.Name -eq %s }
if ($a) {
  Set-VMNetworkAdapter -VMNetworkAdapter $a -StaticMacAddress %s
  Connect-VMNetworkAdapter -VMNetworkAdapter $a -SwitchName %s
} else {
  %s
}`, vmExpr(vm), quote(name), quote(mac), quote(sw), add)
	if err := b.run(ctx, script, nil); err != nil {
		return fmt.Errorf("configure nic %q of %q: %w", name, vm.ID, err)
	}
	return nil
}

// AttachDisk adds a SCSI disk, creating a dynamic VHDX for disks without a
// handle. The handle is the VHDX path.
func (b *Backend) AttachDisk(ctx context.Context, vm *model.VMConfig, d *model.Disk) error {
	path := d.Handle
	script := "$vm = " + vmExpr(vm) + "\n"
	if path == "" {
		if d.SizeGB <= 0 {
			return fmt.Errorf("disk %q needs a size", d.Name)
		}
		if b.cfg.VHDDir == "" {
			return fmt.Errorf("hyperv: vhd directory is not configured")
		}
		path = b.vhdPath(vm.ID + "-" + d.Name)
		script += fmt.Sprintf("New-VHD -Path %s -SizeBytes %d -Dynamic | Out-Null\n", quote(path), gib(d.SizeGB))
	}
	script += "Add-VMHardDiskDrive -VM $vm -ControllerType SCSI -Path " + quote(path)
	if err := b.run(ctx, script, nil); err != nil {
		return fmt.Errorf("attach disk %q to %q: %w", d.Name, vm.ID, err)
	}
	d.Handle = path
	return nil
}

// DetachDisk removes the drive backed by the disk's VHDX and keeps the file.
func (b *Backend) DetachDisk(ctx context.Context, vm *model.VMConfig, d *model.Disk) error {
	return b.detachDrive(ctx, vm, "Get-VMHardDiskDrive", "Remove-VMHardDiskDrive", d.Handle, "disk "+quote(d.Name))
}

// AttachImage adds a DVD drive with the ISO inserted. Bare names resolve in
// the ISO directory. The handle is the ISO path.
func (b *Backend) AttachImage(ctx context.Context, vm *model.VMConfig, iso *model.ISO) error {
	path, err := b.isoPath(iso.Source)
	if err != nil {
		return err
	}
	script := "$vm = " + vmExpr(vm) + "\nAdd-VMDvdDrive -VM $vm -Path " + quote(path)
	if err := b.run(ctx, script, nil); err != nil {
		return fmt.Errorf("attach iso %q to %q: %w", iso.Name, vm.ID, err)
	}
	iso.Handle = path
	return nil
}

func (b *Backend) DetachImage(ctx context.Context, vm *model.VMConfig, iso *model.ISO) error {
	path := iso.Handle
	if path == "" {
		path, _ = b.isoPath(iso.Source)
	}
	return b.detachDrive(ctx, vm, "Get-VMDvdDrive", "Remove-VMDvdDrive", path, "iso "+quote(iso.Name))
}

func (b *Backend) isoPath(source string) (string, error) {
	if strings.ContainsAny(source, `\:`) {
		return source, nil
	}
	if source == "" || strings.Contains(source, "/") || source == "." || source == ".." {
		return "", fmt.Errorf("invalid iso name %q", source)
	}
	if b.cfg.ISODir == "" {
		return "", fmt.Errorf("hyperv: iso directory is not configured")
	}
	if !strings.Contains(source, ".") {
		source += ".iso"
	}
	return strings.TrimRight(b.cfg.ISODir, `\`) + `\` + source, nil
}

// detachDrive removes the drive whose Path is path. The script prints the
// missing marker when no such drive exists.
func (b *Backend) detachDrive(ctx context.Context, vm *model.VMConfig, get, remove, path, what string) error {
	if path == "" {
		return fmt.Errorf("%s on %q: %w", what, vm.ID, orchestrator.ErrMountNotFound)
	}
	script := fmt.Sprintf(`$vm = %s
$d = %s -VM $vm | Where-Object { $_.Path -eq %s }
if (-not $d) { %s | ConvertTo-Json; return }
$d | %s
'ok' | ConvertTo-Json`, vmExpr(vm), get, quote(path), quote(missing), remove)
	var status string
	if err := b.run(ctx, script, &status); err != nil {
		return fmt.Errorf("detach %s from %q: %w", what, vm.ID, err)
	}
	if status == missing {
		return fmt.Errorf("%s on %q: %w", what, vm.ID, orchestrator.ErrMountNotFound)
	}
	return nil
}
