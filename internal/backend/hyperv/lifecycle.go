package hyperv

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/model"
)

func gib(n int) uint64 { return uint64(n) << 30 }

func (b *Backend) vhdPath(name string) string {
	return strings.TrimRight(b.cfg.VHDDir, `\`) + `\` + name + ".vhdx"
}

func (b *Backend) rootPath(vmID string) string { return b.vhdPath(vmID + "-root") }

// switchFor returns the virtual switch a NIC of the given kind connects to.
func (b *Backend) switchFor(kind model.NICKind) (string, error) {
	if kind == model.NICKindPublic {
		if b.cfg.PublicSwitch == "" {
			return "", fmt.Errorf("public nics need a public switch")
		}
		return b.cfg.PublicSwitch, nil
	}
	if b.cfg.Switch == "" {
		return "", fmt.Errorf("nat nics need a switch")
	}
	return b.cfg.Switch, nil
}

// addNIC renders the statement that adds one named adapter to $vm.
func (b *Backend) addNIC(name string, nic *model.NIC) (string, error) {
	sw, err := b.switchFor(nic.Kind)
	if err != nil {
		return "", fmt.Errorf("nic %q: %w", name, err)
	}
	mac, err := macDigits(nic.MAC)
	if err != nil {
		return "", fmt.Errorf("nic %q: %w", name, err)
	}
	return fmt.Sprintf("Add-VMNetworkAdapter -VM $vm -Name %s -SwitchName %s -StaticMacAddress %s",
		quote(name), quote(sw), quote(mac)), nil
}

type vmInfo struct {
	Name     string `json:"Name"`
	State    string `json:"State"`
	CPUCount int    `json:"ProcessorCount"`
	MemoryMB int    `json:"MemoryMB"`
	VMId     string `json:"VMId"`
}

// ListInstances returns VMs whose name starts with prefix.
func (b *Backend) ListInstances(ctx context.Context, prefix string) ([]model.Instance, error) {
	script := `$list = Get-VM | Where-Object { $_.Name.StartsWith(` + quote(prefix) + `) } | ForEach-Object {
  [pscustomobject]@{ Name = $_.Name; State = $_.State.ToString(); ProcessorCount = $_.ProcessorCount; MemoryMB = [int]($_.MemoryStartup / 1MB); VMId = $_.VMId.ToString() }
}
ConvertTo-Json -Compress -InputObject @($list)`
	var raw json.RawMessage
	if err := b.run(ctx, script, &raw); err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	vms, err := decodeList[vmInfo](string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode vm list: %w", err)
	}
	out := make([]model.Instance, 0, len(vms))
	for _, v := range vms {
		out = append(out, model.Instance{
			Name:     v.Name,
			State:    toPowerState(v.State),
			CPUCount: v.CPUCount,
			MemoryMB: v.MemoryMB,
			Ref:      model.BackendRef{HyperV: &model.HyperVRef{VMId: v.VMId}},
		})
	}
	return out, nil
}

// CreateInstance creates the VM with a blank dynamic root VHDX and one
// adapter per NIC. The default adapter New-VM adds is removed.
func (b *Backend) CreateInstance(ctx context.Context, vm *model.VMConfig) error {
	if b.cfg.VHDDir == "" {
		return fmt.Errorf("hyperv: vhd directory is not configured")
	}
	var nics []string
	for _, name := range vm.NICNames() {
		stmt, err := b.addNIC(name, vm.NICs[name])
		if err != nil {
			return err
		}
		nics = append(nics, stmt)
	}
	root := b.rootPath(vm.ID)
	script := fmt.Sprintf(`$vm = New-VM -Name %s -Generation %d -MemoryStartupBytes %d -NoVHD
try {
  Set-VMProcessor -VM $vm -Count %d
  Get-VMNetworkAdapter -VM $vm | Remove-VMNetworkAdapter
  New-VHD -Path %s -SizeBytes %d -Dynamic | Out-Null
  Add-VMHardDiskDrive -VM $vm -ControllerNumber 0 -ControllerLocation 0 -Path %s
  %s
} catch {
  Remove-VM -VM $vm -Force
  Remove-Item -LiteralPath %s -Force -ErrorAction SilentlyContinue
  throw
}
$vm.VMId.ToString() | ConvertTo-Json`,
		quote(vm.ID), b.cfg.Generation, uint64(vm.MemoryMB)<<20,
		vm.CPUCount,
		quote(root), gib(vm.DiskGB),
		quote(root),
		strings.Join(nics, "\n  "),
		quote(root))

	var id string
	if err := b.run(ctx, script, &id); err != nil {
		return fmt.Errorf("create vm %q: %w", vm.ID, err)
	}
	vm.Ref.HyperV = &model.HyperVRef{VMId: id}
	return nil
}

// DeleteInstance turns the VM off, removes it with its checkpoints and
// deletes every VHD it had attached.
func (b *Backend) DeleteInstance(ctx context.Context, vm *model.VMConfig) error {
	script := `$vm = ` + vmExpr(vm) + `
if ($vm.State -ne 'Off') { Stop-VM -VM $vm -TurnOff -Force }
$paths = @(Get-VMHardDiskDrive -VM $vm | ForEach-Object { $_.Path })
Remove-VM -VM $vm -Force
foreach ($p in $paths) { Remove-Item -LiteralPath $p -Force -ErrorAction SilentlyContinue }`
	if err := b.run(ctx, script, nil); err != nil {
		return fmt.Errorf("delete vm %q: %w", vm.ID, err)
	}
	return nil
}

// ApplyResources sets processor count and startup memory, and grows the root
// VHDX when disk_gb is larger. The VM is off.
func (b *Backend) ApplyResources(ctx context.Context, vm *model.VMConfig) error {
	var stmts []string
	if vm.CPUCount > 0 {
		stmts = append(stmts, fmt.Sprintf("Set-VMProcessor -VM $vm -Count %d", vm.CPUCount))
	}
	if vm.MemoryMB > 0 {
		stmts = append(stmts, fmt.Sprintf("Set-VMMemory -VM $vm -StartupBytes %d", uint64(vm.MemoryMB)<<20))
	}
	if vm.DiskGB > 0 {
		stmts = append(stmts, fmt.Sprintf(`$root = Get-VMHardDiskDrive -VM $vm -ControllerNumber 0 -ControllerLocation 0
if ($root -and (Get-VHD -Path $root.Path).Size -lt %[1]d) { Resize-VHD -Path $root.Path -SizeBytes %[1]d }`, gib(vm.DiskGB)))
	}
	if len(stmts) == 0 {
		return nil
	}
	script := "$vm = " + vmExpr(vm) + "\n" + strings.Join(stmts, "\n")
	if err := b.run(ctx, script, nil); err != nil {
		return fmt.Errorf("apply resources to %q: %w", vm.ID, err)
	}
	return nil
}

// InstallImage replaces the root disk with a differencing VHDX whose parent
// is the image's golden VHDX, and boots from it.
func (b *Backend) InstallImage(ctx context.Context, vm *model.VMConfig, image string) error {
	if image == "" || strings.ContainsAny(image, `/\:`) || image == "." || image == ".." {
		return fmt.Errorf("invalid image name %q", image)
	}
	if b.cfg.ImageDir == "" {
		return fmt.Errorf("hyperv: image directory is not configured")
	}
	parent := strings.TrimRight(b.cfg.ImageDir, `\`) + `\` + image + ".vhdx"
	root := b.rootPath(vm.ID)
	script := fmt.Sprintf(`$vm = %s
$old = Get-VMHardDiskDrive -VM $vm -ControllerNumber 0 -ControllerLocation 0
if ($old) {
  $path = $old.Path
  Remove-VMHardDiskDrive -VMHardDiskDrive $old
  Remove-Item -LiteralPath $path -Force -ErrorAction SilentlyContinue
}
New-VHD -Path %s -ParentPath %s -Differencing | Out-Null
Add-VMHardDiskDrive -VM $vm -ControllerNumber 0 -ControllerLocation 0 -Path %s`,
		vmExpr(vm), quote(root), quote(parent), quote(root))
	if b.cfg.Generation >= 2 {
		script += `
Set-VMFirmware -VM $vm -FirstBootDevice (Get-VMHardDiskDrive -VM $vm -ControllerNumber 0 -ControllerLocation 0)`
	}
	if err := b.run(ctx, script, nil); err != nil {
		return fmt.Errorf("install %q on %q: %w", image, vm.ID, err)
	}
	return nil
}

func (b *Backend) PowerState(ctx context.Context, vm *model.VMConfig) (model.PowerState, error) {
	var state string
	if err := b.run(ctx, vmExpr(vm)+".State.ToString() | ConvertTo-Json", &state); err != nil {
		return "", fmt.Errorf("power state of %q: %w", vm.ID, err)
	}
	return toPowerState(state), nil
}

// SetPower maps contract actions to Hyper-V cmdlets. Hyper-V has no ACPI
// reboot, so reboot and reset both restart the VM hard.
func (b *Backend) SetPower(ctx context.Context, vm *model.VMConfig, action model.PowerAction) error {
	var cmd string
	switch action {
	case model.ActionNone:
		return nil
	case model.ActionStart:
		cmd = "Start-VM -VM $vm"
	case model.ActionShutdown:
		cmd = "Stop-VM -VM $vm -Force"
	case model.ActionPowerOff:
		cmd = "Stop-VM -VM $vm -TurnOff -Force"
	case model.ActionReboot, model.ActionReset:
		cmd = "Restart-VM -VM $vm -Force"
	case model.ActionSuspend:
		cmd = "Suspend-VM -VM $vm"
	case model.ActionResume:
		cmd = "Resume-VM -VM $vm"
	default:
		return fmt.Errorf("unsupported power action %q", action)
	}
	if err := b.run(ctx, "$vm = "+vmExpr(vm)+"\n"+cmd, nil); err != nil {
		return fmt.Errorf("%s vm %q: %w", action, vm.ID, err)
	}
	b.log.Debug("power", zap.String("vm", vm.ID), zap.String("action", string(action)))
	return nil
}

// toPowerState maps Hyper-V's VMState. Saved VMs report stopped: Start-VM
// restores them.
func toPowerState(s string) model.PowerState {
	switch {
	case strings.HasPrefix(s, "Running"), s == "Starting", s == "Stopping", s == "Saving", s == "Pausing", s == "Resuming":
		return model.PowerRunning
	case strings.HasPrefix(s, "Paused"):
		return model.PowerPaused
	default:
		return model.PowerStopped
	}
}
