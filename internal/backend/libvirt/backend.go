// Package libvirt implements orchestrator.Backend over the libvirt RPC
// protocol, for KVM guests and LXC containers.
//
// The backend talks to libvirtd through github.com/digitalocean/go-libvirt
// and renders every domain, device, volume and snapshot document with
// libvirt.org/go/libvirtxml.
package libvirt

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"libvirt.org/go/libvirtxml"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// ErrNotConnected is returned by every call made before Connect.
var ErrNotConnected = errors.New("libvirt backend not connected")

// Config selects the libvirt endpoint and host layout.
type Config struct {
	Socket     string
	DomainType string // kvm or lxc
	Network    string // libvirt network for NAT NICs
	Bridge     string // host bridge for public NICs
	ImageDir   string
	DiskDir    string
	Timeout    time.Duration
}

// Backend implements orchestrator.Backend against one libvirtd.
type Backend struct {
	cfg  Config
	log  *zap.Logger
	dial func() (hypervisor, error)

	mu sync.Mutex
	hv hypervisor
}

var (
	_ orchestrator.Backend       = (*Backend)(nil)
	_ orchestrator.DeviceChecker = (*Backend)(nil)
)

// New returns an unconnected Backend.
func New(cfg Config, log *zap.Logger) *Backend {
	if cfg.DomainType == "" {
		cfg.DomainType = "kvm"
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	b := &Backend{cfg: cfg, log: log.Named("libvirt")}
	b.dial = func() (hypervisor, error) { return dial(cfg.Socket, cfg.Timeout) }
	return b
}

func (b *Backend) Name() string { return "libvirt" }

// Connect dials libvirtd. Calling it on a connected backend is a no-op.
func (b *Backend) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hv != nil {
		return nil
	}
	hv, err := b.dial()
	if err != nil {
		return err
	}
	b.hv = hv
	b.log.Info("connected", zap.String("socket", b.cfg.Socket), zap.String("domain_type", b.cfg.DomainType))
	return nil
}

// Disconnect closes the RPC session.
func (b *Backend) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hv == nil {
		return nil
	}
	err := b.hv.Close()
	b.hv = nil
	return err
}

func (b *Backend) conn() (hypervisor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hv == nil {
		return nil, ErrNotConnected
	}
	return b.hv, nil
}

// HostStats samples the local host with gopsutil after confirming libvirtd
// still answers. Disk usage is measured on the disk directory.
func (b *Backend) HostStats(ctx context.Context) (model.HostStatus, error) {
	hv, err := b.conn()
	if err != nil {
		return model.HostStatus{}, err
	}
	if err := hv.Ping(); err != nil {
		return model.HostStatus{}, fmt.Errorf("libvirt ping: %w", err)
	}

	pct, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return model.HostStatus{}, fmt.Errorf("cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.HostStatus{}, fmt.Errorf("memory usage: %w", err)
	}
	st := model.HostStatus{
		MemoryTotalMB: vm.Total >> 20,
		MemoryUsedMB:  vm.Used >> 20,
		CollectedAt:   time.Now().UTC(),
	}
	if len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	dir := b.cfg.DiskDir
	if dir == "" {
		dir = "/"
	}
	du, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return model.HostStatus{}, fmt.Errorf("disk usage %q: %w", dir, err)
	}
	st.DiskTotalGB = du.Total >> 30
	st.DiskUsedGB = du.Used >> 30
	return st, nil
}

// AssignMAC returns a random address under the QEMU/KVM OUI 52:54:00.
func (b *Backend) AssignMAC(string, string) (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate mac: %w", err)
	}
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", buf[0], buf[1], buf[2]), nil
}

// HotplugUnsupported reports true for LXC, whose containers cannot take disk
// or CD-ROM devices while running.
func (b *Backend) HotplugUnsupported() bool { return b.lxc() }

// UpdateDHCPHost adds or removes a static DHCP host entry on a libvirt
// network through the backend's session.
func (b *Backend) UpdateDHCPHost(_ context.Context, network, hostXML string, add bool) error {
	hv, err := b.conn()
	if err != nil {
		return err
	}
	return hv.UpdateDHCPHost(network, hostXML, add)
}

// domain resolves vm to its libvirt domain, by UUID when the registry has
// one and by name otherwise.
func (b *Backend) domain(vm *model.VMConfig) (hypervisor, golibvirt.Domain, error) {
	hv, err := b.conn()
	if err != nil {
		return nil, golibvirt.Domain{}, err
	}
	if vm.Ref.Libvirt != nil && vm.Ref.Libvirt.UUID != "" {
		id, err := uuid.Parse(vm.Ref.Libvirt.UUID)
		if err != nil {
			return nil, golibvirt.Domain{}, fmt.Errorf("vm %q: bad domain uuid %q: %w", vm.ID, vm.Ref.Libvirt.UUID, err)
		}
		dom, err := hv.LookupByUUID(golibvirt.UUID(id))
		if err != nil {
			return nil, golibvirt.Domain{}, fmt.Errorf("vm %q: %w", vm.ID, err)
		}
		return hv, dom, nil
	}
	dom, err := hv.LookupByName(vm.ID)
	if err != nil {
		return nil, golibvirt.Domain{}, fmt.Errorf("vm %q: %w", vm.ID, err)
	}
	return hv, dom, nil
}

// parsed returns the domain definition of dom; inactive selects the
// persistent config rather than the live one.
func parsed(hv hypervisor, dom golibvirt.Domain, inactive bool) (*libvirtxml.Domain, error) {
	desc, err := hv.XML(dom, inactive)
	if err != nil {
		return nil, fmt.Errorf("get xml desc: %w", err)
	}
	var d libvirtxml.Domain
	if err := d.Unmarshal(desc); err != nil {
		return nil, fmt.Errorf("parse domain xml: %w", err)
	}
	return &d, nil
}

func formatUUID(id golibvirt.UUID) string { return uuid.UUID(id).String() }

func hasPrefix(name, prefix string) bool { return prefix == "" || strings.HasPrefix(name, prefix) }
