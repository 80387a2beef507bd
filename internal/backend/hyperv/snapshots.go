package hyperv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// CreateSnapshot takes a checkpoint named after the backup. Checkpoints copy
// the VM's Notes, so the encoded hint is set on the VM for the duration of
// the checkpoint and the previous notes restored afterwards.
func (b *Backend) CreateSnapshot(ctx context.Context, vm *model.VMConfig, bk model.Backup) error {
	note := model.EncodeSnapshotNote(bk.Hint, bk.OSImage)
	script := fmt.Sprintf(`$vm = %s
$prev = $vm.Notes
Set-VM -VM $vm -Notes %s
try {
  Checkpoint-VM -VM $vm -SnapshotName %s
} finally {
  Set-VM -VM $vm -Notes $prev
}`, vmExpr(vm), quote(note), quote(bk.Name))
	if err := b.run(ctx, script, nil); err != nil {
		return fmt.Errorf("create snapshot %q for vm %q: %w", bk.Name, vm.ID, err)
	}
	return nil
}

func (b *Backend) RestoreSnapshot(ctx context.Context, vm *model.VMConfig, name string) error {
	return b.withSnapshot(ctx, vm, name, "Restore-VMSnapshot -VMSnapshot $s -Confirm:$false", "revert")
}

func (b *Backend) DeleteSnapshot(ctx context.Context, vm *model.VMConfig, name string) error {
	return b.withSnapshot(ctx, vm, name, "Remove-VMSnapshot -VMSnapshot $s", "delete")
}

func (b *Backend) withSnapshot(ctx context.Context, vm *model.VMConfig, name, cmd, verb string) error {
	script := fmt.Sprintf(`$vm = %s
$s = Get-VMSnapshot -VM $vm | Where-Object { $_.Name -eq %s } | Select-Object -First 1
if (-not $s) { %s | ConvertTo-Json; return }
%s
'ok' | ConvertTo-Json`, vmExpr(vm), quote(name), quote(missing), cmd)
	var status string
	if err := b.run(ctx, script, &status); err != nil {
		return fmt.Errorf("%s snapshot %q of vm %q: %w", verb, name, vm.ID, err)
	}
	if status == missing {
		return fmt.Errorf("snapshot %q of vm %q: %w", name, vm.ID, orchestrator.ErrBackupNotFound)
	}
	return nil
}

type checkpoint struct {
	Name    string `json:"Name"`
	Notes   string `json:"Notes"`
	Created string `json:"Created"`
}

// ListSnapshots reads checkpoints back into backup records.
func (b *Backend) ListSnapshots(ctx context.Context, vm *model.VMConfig) ([]model.Backup, error) {
	script := `$vm = ` + vmExpr(vm) + `
$list = Get-VMSnapshot -VM $vm | ForEach-Object {
  [pscustomobject]@{ Name = $_.Name; Notes = [string]$_.Notes; Created = $_.CreationTime.ToUniversalTime().ToString('o') }
}
ConvertTo-Json -Compress -InputObject @($list)`
	var raw json.RawMessage
	if err := b.run(ctx, script, &raw); err != nil {
		return nil, fmt.Errorf("list snapshots for %q: %w", vm.ID, err)
	}
	cps, err := decodeList[checkpoint](string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode snapshots: %w", err)
	}
	out := make([]model.Backup, 0, len(cps))
	for _, c := range cps {
		hint, image := model.DecodeSnapshotNote(c.Notes)
		created, _ := time.Parse(time.RFC3339Nano, c.Created)
		out = append(out, model.Backup{Name: c.Name, CreatedAt: created.UTC(), Hint: hint, OSImage: image})
	}
	return out, nil
}
