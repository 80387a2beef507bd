// Package esxi implements orchestrator.Backend against an enterprise
// hypervisor's REST management API.
//
// Requests follow the vSphere Automation layout (/api/session,
// /api/vcenter/vm/...). Snapshot, host statistics and PCI inventory use the
// same conventions under the VM and host resources.
package esxi

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// Config selects the management endpoint and placement of new VMs.
type Config struct {
	URL           string
	Username      string
	Password      string
	Insecure      bool
	Timeout       time.Duration
	Datastore     string
	Folder        string
	Host          string
	Network       string // port group for NAT NICs
	PublicNetwork string // port group for public NICs
	ISOPath       string // datastore path holding installer images, e.g. "[ds1] images"
	GuestUser     string
	GuestPassword string
	GuestOS       string // guest OS identifier for new VMs, e.g. "OTHER_LINUX_64"
}

// Backend implements orchestrator.Backend over the REST API.
type Backend struct {
	cfg Config
	c   *client
	log *zap.Logger
}

var _ orchestrator.Backend = (*Backend)(nil)

// New validates cfg and returns an unconnected Backend.
func New(cfg Config, log *zap.Logger) (*Backend, error) {
	c, err := newClient(cfg.URL, cfg.Username, cfg.Password, cfg.Insecure, cfg.Timeout)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.GuestOS == "" {
		cfg.GuestOS = "OTHER_LINUX_64"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{cfg: cfg, c: c, log: log.Named("esxi")}, nil
}

func (b *Backend) Name() string { return "esxi" }

// Connect opens an API session.
func (b *Backend) Connect(ctx context.Context) error {
	if err := b.c.login(ctx); err != nil {
		return err
	}
	b.log.Info("session opened", zap.String("url", b.c.base))
	return nil
}

func (b *Backend) Disconnect(ctx context.Context) error { return b.c.logout(ctx) }

// HostStats reads host CPU and memory usage and the placement datastore's
// capacity in parallel.
func (b *Backend) HostStats(ctx context.Context) (model.HostStatus, error) {
	if b.cfg.Host == "" {
		return model.HostStatus{}, fmt.Errorf("esxi: host is not configured")
	}
	var (
		hs hostStats
		ds datastoreInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.c.do(gctx, http.MethodGet, "/vcenter/host/"+b.cfg.Host+"/stats", nil, nil, &hs)
	})
	if b.cfg.Datastore != "" {
		g.Go(func() error {
			return b.c.do(gctx, http.MethodGet, "/vcenter/datastore/"+b.cfg.Datastore, nil, nil, &ds)
		})
	}
	if err := g.Wait(); err != nil {
		return model.HostStatus{}, err
	}
	return model.HostStatus{
		CPUPercent:    hs.CPUUsagePercent,
		MemoryTotalMB: hs.MemoryTotalMiB,
		MemoryUsedMB:  hs.MemoryUsedMiB,
		DiskTotalGB:   ds.Capacity >> 30,
		DiskUsedGB:    (ds.Capacity - min(ds.FreeSpace, ds.Capacity)) >> 30,
		CollectedAt:   time.Now().UTC(),
	}, nil
}

// AssignMAC returns a random address in the range the platform accepts for
// manually assigned MACs, 00:50:56:00:00:00 to 00:50:56:3f:ff:ff.
func (b *Backend) AssignMAC(string, string) (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate mac: %w", err)
	}
	return fmt.Sprintf("00:50:56:%02x:%02x:%02x", buf[0]&0x3f, buf[1], buf[2]), nil
}

// HotplugUnsupported is false: disks, NICs and SATA CD-ROMs hot-add.
func (b *Backend) HotplugUnsupported() bool { return false }

// ListGPUs returns display-class PCI devices of the configured host.
func (b *Backend) ListGPUs(ctx context.Context) (map[string]string, error) {
	if b.cfg.Host == "" {
		return nil, fmt.Errorf("esxi: host is not configured")
	}
	var devs []pciDevice
	if err := b.c.do(ctx, http.MethodGet, "/vcenter/host/"+b.cfg.Host+"/pci-devices", nil, nil, &devs); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, d := range devs {
		if !strings.Contains(strings.ToLower(d.ClassName), "display") {
			continue
		}
		out[d.ID] = strings.TrimSpace(d.VendorName + " " + d.DeviceName)
	}
	return out, nil
}

// moid returns the managed object id recorded for vm, or looks it up by
// name for VMs imported without one.
func (b *Backend) moid(ctx context.Context, vm *model.VMConfig) (string, error) {
	if vm.Ref.ESXi != nil && vm.Ref.ESXi.MoID != "" {
		return vm.Ref.ESXi.MoID, nil
	}
	var found []vmSummary
	q := map[string][]string{"names": {vm.ID}}
	if err := b.c.do(ctx, http.MethodGet, "/vcenter/vm", q, nil, &found); err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", fmt.Errorf("vm %q: %w", vm.ID, orchestrator.ErrInstanceNotFound)
	}
	if vm.Ref.ESXi == nil {
		vm.Ref.ESXi = &model.ESXiRef{}
	}
	vm.Ref.ESXi.MoID = found[0].VM
	return found[0].VM, nil
}

// vmErr tags a 404 on a VM resource with orchestrator.ErrInstanceNotFound.
func vmErr(vmID string, err error) error {
	if err == nil {
		return nil
	}
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("vm %q: %w: %v", vmID, orchestrator.ErrInstanceNotFound, err)
	}
	return err
}

func ref(vm *model.VMConfig) *model.ESXiRef {
	if vm.Ref.ESXi == nil {
		vm.Ref.ESXi = &model.ESXiRef{}
	}
	return vm.Ref.ESXi
}

var errUnsupportedAction = errors.New("unsupported power action")
