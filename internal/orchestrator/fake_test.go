package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jamesprial/vmorch/internal/model"
)

// fakeBackend is an in-memory Backend that records every mutating call and
// can be told to fail specific ones.
type fakeBackend struct {
	mu        sync.Mutex
	calls     []string
	states    map[string]model.PowerState
	snapshots map[string][]model.Backup
	failOn    map[string]error
	hotplug   bool
	// shutdownLag is how many PowerState reads a graceful shutdown takes to
	// land; negative means never.
	shutdownLag int
	stopping    map[string]int
	unsupported map[DeviceKind]error
	instances   []model.Instance
	gpus        map[string]string
	host        model.HostStatus
	macs        int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		states:    map[string]model.PowerState{},
		snapshots: map[string][]model.Backup{},
		failOn:    map[string]error{},
		hotplug:   true,
		stopping:  map[string]int{},
	}
}

func (f *fakeBackend) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	for prefix, err := range f.failOn {
		if strings.HasPrefix(call, prefix) {
			return err
		}
	}
	return nil
}

func (f *fakeBackend) callsWith(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) AssignMAC(vmID, nicName string) (string, error) {
	f.macs++
	return fmt.Sprintf("02:00:00:00:00:%02x", f.macs), nil
}

func (f *fakeBackend) Connect(context.Context) error    { return f.record("connect") }
func (f *fakeBackend) Disconnect(context.Context) error { return f.record("disconnect") }

func (f *fakeBackend) HostStats(context.Context) (model.HostStatus, error) {
	if err := f.record("hoststats"); err != nil {
		return model.HostStatus{}, err
	}
	return f.host, nil
}

func (f *fakeBackend) ListInstances(_ context.Context, prefix string) ([]model.Instance, error) {
	if err := f.record("list " + prefix); err != nil {
		return nil, err
	}
	var out []model.Instance
	for _, inst := range f.instances {
		if strings.HasPrefix(inst.Name, prefix) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *fakeBackend) CreateInstance(_ context.Context, vm *model.VMConfig) error {
	if err := f.record("create " + vm.ID); err != nil {
		return err
	}
	vm.Ref.Libvirt = &model.LibvirtRef{UUID: "uuid-" + vm.ID}
	f.states[vm.ID] = model.PowerStopped
	return nil
}

func (f *fakeBackend) DeleteInstance(_ context.Context, vm *model.VMConfig) error {
	if err := f.record("delete " + vm.ID); err != nil {
		return err
	}
	delete(f.states, vm.ID)
	return nil
}

func (f *fakeBackend) ApplyResources(_ context.Context, vm *model.VMConfig) error {
	return f.record("resources " + vm.ID)
}

func (f *fakeBackend) InstallImage(_ context.Context, vm *model.VMConfig, image string) error {
	return f.record("install " + vm.ID + " " + image)
}

func (f *fakeBackend) PowerState(_ context.Context, vm *model.VMConfig) (model.PowerState, error) {
	if err := f.record("state " + vm.ID); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[vm.ID]
	if !ok {
		return "", fmt.Errorf("domain %q: %w", vm.ID, ErrInstanceNotFound)
	}
	if n, ok := f.stopping[vm.ID]; ok && n > 0 {
		n--
		f.stopping[vm.ID] = n
		if n == 0 {
			delete(f.stopping, vm.ID)
			f.states[vm.ID] = model.PowerStopped
			st = model.PowerStopped
		}
	}
	return st, nil
}

func (f *fakeBackend) SetPower(_ context.Context, vm *model.VMConfig, action model.PowerAction) error {
	if err := f.record("power " + vm.ID + " " + string(action)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch action {
	case model.ActionStart, model.ActionResume, model.ActionReboot, model.ActionReset:
		f.states[vm.ID] = model.PowerRunning
	case model.ActionShutdown:
		switch {
		case f.shutdownLag > 0:
			f.stopping[vm.ID] = f.shutdownLag
		case f.shutdownLag == 0:
			f.states[vm.ID] = model.PowerStopped
		}
	case model.ActionPowerOff:
		delete(f.stopping, vm.ID)
		f.states[vm.ID] = model.PowerStopped
	case model.ActionSuspend:
		f.states[vm.ID] = model.PowerPaused
	}
	return nil
}

func (f *fakeBackend) AttachNIC(_ context.Context, vm *model.VMConfig, name string, _ *model.NIC) error {
	return f.record("attachnic " + vm.ID + " " + name)
}

func (f *fakeBackend) DetachNIC(_ context.Context, vm *model.VMConfig, name string, _ *model.NIC) error {
	return f.record("detachnic " + vm.ID + " " + name)
}

func (f *fakeBackend) ConfigureNIC(_ context.Context, vm *model.VMConfig, name string, _ *model.NIC) error {
	return f.record("confignic " + vm.ID + " " + name)
}

// coldCheck fails a device change on a running VM when hotplug is off.
func (f *fakeBackend) coldCheck(vm *model.VMConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hotplug && f.states[vm.ID] != model.PowerStopped {
		return fmt.Errorf("domain %q is %s", vm.ID, f.states[vm.ID])
	}
	return nil
}

func (f *fakeBackend) AttachDisk(_ context.Context, vm *model.VMConfig, d *model.Disk) error {
	if err := f.record("attachdisk " + vm.ID + " " + d.Name); err != nil {
		return err
	}
	if err := f.coldCheck(vm); err != nil {
		return err
	}
	if d.Handle == "" {
		d.Handle = "/pool/" + vm.ID + "-" + d.Name
	}
	return nil
}

func (f *fakeBackend) DetachDisk(_ context.Context, vm *model.VMConfig, d *model.Disk) error {
	return f.record("detachdisk " + vm.ID + " " + d.Name)
}

func (f *fakeBackend) AttachImage(_ context.Context, vm *model.VMConfig, iso *model.ISO) error {
	if err := f.record("attachiso " + vm.ID + " " + iso.Name); err != nil {
		return err
	}
	return f.coldCheck(vm)
}

func (f *fakeBackend) DetachImage(_ context.Context, vm *model.VMConfig, iso *model.ISO) error {
	return f.record("detachiso " + vm.ID + " " + iso.Name)
}

func (f *fakeBackend) HotplugUnsupported() bool { return !f.hotplug }

func (f *fakeBackend) CheckDevice(kind DeviceKind) error { return f.unsupported[kind] }

func (f *fakeBackend) CreateSnapshot(_ context.Context, vm *model.VMConfig, b model.Backup) error {
	if err := f.record("snap " + vm.ID + " " + b.Name); err != nil {
		return err
	}
	f.snapshots[vm.ID] = append(f.snapshots[vm.ID], b)
	return nil
}

func (f *fakeBackend) RestoreSnapshot(_ context.Context, vm *model.VMConfig, name string) error {
	return f.record("revert " + vm.ID + " " + name)
}

func (f *fakeBackend) DeleteSnapshot(_ context.Context, vm *model.VMConfig, name string) error {
	return f.record("rmsnap " + vm.ID + " " + name)
}

func (f *fakeBackend) ListSnapshots(_ context.Context, vm *model.VMConfig) ([]model.Backup, error) {
	if err := f.record("listsnap " + vm.ID); err != nil {
		return nil, err
	}
	return f.snapshots[vm.ID], nil
}

func (f *fakeBackend) ExecGuest(_ context.Context, vm *model.VMConfig, argv []string) (string, error) {
	return "", f.record("exec " + vm.ID + " " + argv[0])
}

func (f *fakeBackend) ListGPUs(context.Context) (map[string]string, error) {
	if err := f.record("gpus"); err != nil {
		return nil, err
	}
	return f.gpus, nil
}

// fakeEdge records bind/unbind calls as "bind vm/nic" and "unbind vm/nic".
type fakeEdge struct {
	calls  []string
	failOn map[string]error
}

func (f *fakeEdge) Bind(_ context.Context, vmID, nicName string, _ *model.NIC, bind bool) error {
	verb := "unbind"
	if bind {
		verb = "bind"
	}
	call := verb + " " + vmID + "/" + nicName
	f.calls = append(f.calls, call)
	return f.failOn[call]
}

type fakeStore struct {
	saves int
	last  map[string]*model.VMConfig
	err   error
}

func (s *fakeStore) Save(_ context.Context, reg map[string]*model.VMConfig) error {
	s.saves++
	s.last = reg
	return s.err
}

type fakeAudit struct{ results []model.Result }

func (a *fakeAudit) Record(r model.Result) { a.results = append(a.results, r) }

func (a *fakeAudit) actions() []string {
	out := make([]string, 0, len(a.results))
	for _, r := range a.results {
		out = append(out, r.Action)
	}
	return out
}
