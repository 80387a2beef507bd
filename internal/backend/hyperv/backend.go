// Package hyperv implements orchestrator.Backend for Microsoft Hyper-V by
// running PowerShell on the host over SSH.
//
// Every script ends in ConvertTo-Json; failures surface as a single stderr
// line carrying the PowerShell error category.
package hyperv

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// ErrNotConnected is returned by calls made before Connect.
var ErrNotConnected = errors.New("hyperv: not connected")

// Config selects the host and the storage and switch layout of new VMs.
type Config struct {
	Host       string
	Port       int
	User       string
	Password   string
	KeyFile    string
	KnownHosts string
	Timeout    time.Duration

	Switch       string // virtual switch for NAT NICs
	PublicSwitch string // external switch for public NICs
	VHDDir       string // where root and data VHDX files are created
	ImageDir     string // golden images, <image>.vhdx
	ISODir       string
	Generation   int

	GuestUser     string
	GuestPassword string
}

// Backend implements orchestrator.Backend over PowerShell remoting.
type Backend struct {
	cfg  Config
	log  *zap.Logger
	dial func() (runner, error)

	mu sync.Mutex
	r  runner
}

var _ orchestrator.Backend = (*Backend)(nil)

func New(cfg Config, log *zap.Logger) *Backend {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Generation == 0 {
		cfg.Generation = 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &Backend{cfg: cfg, log: log.Named("hyperv")}
	b.dial = func() (runner, error) { return dialSSH(b.cfg, b.log) }
	return b
}

func (b *Backend) Name() string { return "hyperv" }

// Connect opens the SSH connection and checks that the Hyper-V module
// answers.
func (b *Backend) Connect(ctx context.Context) error {
	r, err := b.dial()
	if err != nil {
		return err
	}
	b.mu.Lock()
	old := b.r
	b.r = r
	b.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	var name string
	if err := b.run(ctx, `(Get-VMHost).Name | ConvertTo-Json`, &name); err != nil {
		return fmt.Errorf("hyperv: probe host: %w", err)
	}
	b.log.Info("connected", zap.String("host", b.cfg.Host), zap.String("vmhost", name))
	return nil
}

func (b *Backend) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	r := b.r
	b.r = nil
	b.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Close()
}

// run executes script and decodes its JSON output into out when out is
// non-nil. Errors in the ObjectNotFound category wrap
// orchestrator.ErrInstanceNotFound.
func (b *Backend) run(ctx context.Context, script string, out any) error {
	b.mu.Lock()
	r := b.r
	b.mu.Unlock()
	if r == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	stdout, stderr, err := r.Run(ctx, wrap(script))
	if err != nil {
		msg := firstLine(stderr)
		if strings.HasPrefix(msg, "ObjectNotFound:") {
			return fmt.Errorf("%w: %s", orchestrator.ErrInstanceNotFound, msg)
		}
		if msg != "" {
			return fmt.Errorf("powershell: %s: %w", msg, err)
		}
		return fmt.Errorf("powershell: %w", err)
	}
	if out == nil {
		return nil
	}
	if s := strings.TrimSpace(stdout); s != "" {
		if err := json.Unmarshal([]byte(s), out); err != nil {
			return fmt.Errorf("decode powershell output: %w", err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

type hostStats struct {
	CPUPercent float64 `json:"cpu"`
	MemTotalKB uint64  `json:"memTotalKB"`
	MemFreeKB  uint64  `json:"memFreeKB"`
	DiskUsed   uint64  `json:"diskUsed"`
	DiskFree   uint64  `json:"diskFree"`
}

// HostStats reads processor load, physical memory and the free space of the
// drive holding VHDDir.
func (b *Backend) HostStats(ctx context.Context) (model.HostStatus, error) {
	dir := b.cfg.VHDDir
	if dir == "" {
		dir = "C:\\"
	}
	script := `$os = Get-CimInstance Win32_OperatingSystem
$cpu = (Get-CimInstance Win32_Processor | Measure-Object -Property LoadPercentage -Average).Average
$drive = (Get-Item -LiteralPath ` + quote(dir) + `).PSDrive
[pscustomobject]@{
  cpu = [double]$cpu
  memTotalKB = [uint64]$os.TotalVisibleMemorySize
  memFreeKB = [uint64]$os.FreePhysicalMemory
  diskUsed = [uint64]$drive.Used
  diskFree = [uint64]$drive.Free
} | ConvertTo-Json -Compress`
	var hs hostStats
	if err := b.run(ctx, script, &hs); err != nil {
		return model.HostStatus{}, fmt.Errorf("host stats: %w", err)
	}
	return model.HostStatus{
		CPUPercent:    hs.CPUPercent,
		MemoryTotalMB: hs.MemTotalKB / 1024,
		MemoryUsedMB:  (hs.MemTotalKB - min(hs.MemFreeKB, hs.MemTotalKB)) / 1024,
		DiskTotalGB:   (hs.DiskUsed + hs.DiskFree) >> 30,
		DiskUsedGB:    hs.DiskUsed >> 30,
		CollectedAt:   time.Now().UTC(),
	}, nil
}

// AssignMAC returns a random address in Microsoft's 00:15:5D range.
func (b *Backend) AssignMAC(string, string) (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate mac: %w", err)
	}
	return fmt.Sprintf("00:15:5d:%02x:%02x:%02x", buf[0], buf[1], buf[2]), nil
}

// HotplugUnsupported reports true for generation 1 VMs, whose IDE devices
// only change while the VM is off.
func (b *Backend) HotplugUnsupported() bool { return b.cfg.Generation < 2 }

type partitionableGPU struct {
	Name           string `json:"Name"`
	PartitionCount int    `json:"PartitionCount"`
}

// ListGPUs returns the host's partitionable GPUs keyed by device path, with
// the configured partition count as status.
func (b *Backend) ListGPUs(ctx context.Context) (map[string]string, error) {
	var raw json.RawMessage
	script := `ConvertTo-Json -Compress -InputObject @(Get-VMHostPartitionableGpu | Select-Object Name, PartitionCount)`
	if err := b.run(ctx, script, &raw); err != nil {
		return nil, fmt.Errorf("list partitionable gpus: %w", err)
	}
	gpus, err := decodeList[partitionableGPU](string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode partitionable gpus: %w", err)
	}
	out := make(map[string]string, len(gpus))
	for _, g := range gpus {
		out[g.Name] = fmt.Sprintf("partitions=%d", g.PartitionCount)
	}
	return out, nil
}
