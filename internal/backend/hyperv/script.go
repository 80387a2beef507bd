package hyperv

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jamesprial/vmorch/internal/model"
)

// missing is what scripts print when the device or checkpoint they were
// asked to act on does not exist.
const missing = "missing"

// PowerShell ends a single-quoted string at any of these; doubling one
// yields it literally.
var quoteEscaper = strings.NewReplacer(
	"'", "''",
	"\u2018", "\u2018\u2018",
	"\u2019", "\u2019\u2019",
	"\u201a", "\u201a\u201a",
	"\u201b", "\u201b\u201b",
)

// quote renders s as a single-quoted PowerShell literal.
func quote(s string) string {
	return "'" + quoteEscaper.Replace(s) + "'"
}

// quoteList renders ss as a PowerShell array literal.
func quoteList(ss []string) string {
	q := make([]string, len(ss))
	for i, s := range ss {
		q[i] = quote(s)
	}
	return "@(" + strings.Join(q, ", ") + ")"
}

// wrap makes script fail fast and report failures as one stderr line,
// "<Category>: <message>".
func wrap(script string) string {
	return `$ErrorActionPreference = 'Stop'
$ProgressPreference = 'SilentlyContinue'
try {
` + script + `
} catch {
  [Console]::Error.WriteLine("$($_.CategoryInfo.Category): $($_.Exception.Message)")
  exit 1
}`
}

// vmExpr selects the VM by its recorded VMId, or by name when none is
// recorded.
func vmExpr(vm *model.VMConfig) string {
	if vm.Ref.HyperV != nil && vm.Ref.HyperV.VMId != "" {
		return "(Get-VM -Id " + quote(vm.Ref.HyperV.VMId) + ")"
	}
	return "(Get-VM -Name " + quote(vm.ID) + ")"
}

// macDigits converts aa:bb:cc:dd:ee:ff to the AABBCCDDEEFF form Hyper-V
// takes for static MAC addresses.
func macDigits(mac string) (string, error) {
	d := strings.ToUpper(strings.NewReplacer(":", "", "-", "").Replace(mac))
	if len(d) != 12 {
		return "", fmt.Errorf("invalid mac address %q", mac)
	}
	return d, nil
}

// decodeList decodes ConvertTo-Json output that may be a single object, an
// array, or empty.
func decodeList[T any](out string) ([]T, error) {
	out = strings.TrimSpace(out)
	if out == "" || out == "null" {
		return nil, nil
	}
	if strings.HasPrefix(out, "[") {
		var list []T
		if err := json.Unmarshal([]byte(out), &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var one T
	if err := json.Unmarshal([]byte(out), &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}
