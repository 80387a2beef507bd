package hyperv

import (
	"context"
	"fmt"

	"github.com/jamesprial/vmorch/internal/model"
)

// ExecGuest runs argv inside the guest through PowerShell Direct. The guest
// must accept PowerShell remoting with the configured credentials.
func (b *Backend) ExecGuest(ctx context.Context, vm *model.VMConfig, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	if b.cfg.GuestUser == "" {
		return "", fmt.Errorf("hyperv: guest credentials are not configured")
	}
	target := "-VMName " + quote(vm.ID)
	if vm.Ref.HyperV != nil && vm.Ref.HyperV.VMId != "" {
		target = "-VMId " + quote(vm.Ref.HyperV.VMId)
	}
	script := fmt.Sprintf(`$pw = ConvertTo-SecureString %s -AsPlainText -Force
$cred = New-Object System.Management.Automation.PSCredential(%s, $pw)
$out = Invoke-Command %s -Credential $cred -ArgumentList %s -ScriptBlock {
  $exe, $rest = $args
  $o = & $exe @rest 2>&1 | Out-String
  if ($LASTEXITCODE) { throw "exit status ${LASTEXITCODE}: $o" }
  $o
}
[string]$out | ConvertTo-Json`, quote(b.cfg.GuestPassword), quote(b.cfg.GuestUser), target, quoteList(argv))
	var out string
	if err := b.run(ctx, script, &out); err != nil {
		return "", fmt.Errorf("exec %q in %q: %w", argv[0], vm.ID, err)
	}
	return out, nil
}
