// Package orchestrator implements the backend-agnostic VM lifecycle engine.
//
// An Engine owns the VM registry and drives one injected Backend. Every
// public operation returns a model.Result; backend errors are carried into
// the envelope verbatim. The Engine performs no locking: callers must
// serialize operations touching the same VM, and must not run two
// address-allocating operations concurrently.
package orchestrator

import (
	"context"
	"errors"

	"github.com/jamesprial/vmorch/internal/ipam"
	"github.com/jamesprial/vmorch/internal/model"
)

var (
	ErrVMNotFound       = errors.New("vm not found")
	ErrVMExists         = errors.New("vm already exists")
	ErrBackupNotFound   = errors.New("backup not found")
	ErrBackupExists     = errors.New("backup already exists")
	ErrNotRunning       = errors.New("vm not running")
	ErrNotLoaded        = errors.New("host not loaded")
	ErrMountNotFound    = errors.New("mount not found")
	ErrInstanceNotFound = errors.New("backend instance not found")
)

// Backend is the remote-compute capability one hypervisor adapter provides.
// Implementations wrap transport failures with the original message and
// return an error wrapping ErrInstanceNotFound when the VM's backend
// resource does not exist.
type Backend interface {
	ipam.MACAssigner

	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	HostStats(ctx context.Context) (model.HostStatus, error)

	// ListInstances returns native VMs whose name starts with prefix.
	ListInstances(ctx context.Context, prefix string) ([]model.Instance, error)
	// CreateInstance provisions vm with its NICs, disks and ISOs, and
	// records the backend correlation value in vm.Ref.
	CreateInstance(ctx context.Context, vm *model.VMConfig) error
	DeleteInstance(ctx context.Context, vm *model.VMConfig) error
	// ApplyResources pushes CPU, memory and root disk size from vm. The VM
	// is powered off when this is called.
	ApplyResources(ctx context.Context, vm *model.VMConfig) error
	InstallImage(ctx context.Context, vm *model.VMConfig, image string) error

	PowerState(ctx context.Context, vm *model.VMConfig) (model.PowerState, error)
	SetPower(ctx context.Context, vm *model.VMConfig, action model.PowerAction) error

	AttachNIC(ctx context.Context, vm *model.VMConfig, name string, nic *model.NIC) error
	DetachNIC(ctx context.Context, vm *model.VMConfig, name string, nic *model.NIC) error
	ConfigureNIC(ctx context.Context, vm *model.VMConfig, name string, nic *model.NIC) error

	AttachDisk(ctx context.Context, vm *model.VMConfig, disk *model.Disk) error
	DetachDisk(ctx context.Context, vm *model.VMConfig, disk *model.Disk) error
	AttachImage(ctx context.Context, vm *model.VMConfig, iso *model.ISO) error
	DetachImage(ctx context.Context, vm *model.VMConfig, iso *model.ISO) error
	// HotplugUnsupported reports whether disks and ISOs can only be changed
	// while the VM is powered off.
	HotplugUnsupported() bool

	CreateSnapshot(ctx context.Context, vm *model.VMConfig, backup model.Backup) error
	RestoreSnapshot(ctx context.Context, vm *model.VMConfig, name string) error
	DeleteSnapshot(ctx context.Context, vm *model.VMConfig, name string) error
	ListSnapshots(ctx context.Context, vm *model.VMConfig) ([]model.Backup, error)

	// ExecGuest runs argv inside the guest OS and returns its output.
	ExecGuest(ctx context.Context, vm *model.VMConfig, argv []string) (string, error)
	// ListGPUs maps device name to status. Backends without passthrough
	// return an empty map.
	ListGPUs(ctx context.Context) (map[string]string, error)
}

// DeviceKind names a class of mountable device.
type DeviceKind string

const (
	DeviceDisk DeviceKind = "disk"
	DeviceISO  DeviceKind = "iso"
)

// DeviceChecker is implemented by backends that can mount only some device
// kinds. The engine calls CheckDevice before touching the VM's power state.
type DeviceChecker interface {
	CheckDevice(kind DeviceKind) error
}

// Persistence saves the whole registry. Save is called after every mutating
// operation.
type Persistence interface {
	Save(ctx context.Context, registry map[string]*model.VMConfig) error
}

// EdgeNetwork binds or unbinds the host-side rules that make a NIC's
// addresses reachable. Bind must be idempotent.
type EdgeNetwork interface {
	Bind(ctx context.Context, vmID, nicName string, nic *model.NIC, bind bool) error
}

// Auditor receives every operation result. It never influences control flow.
type Auditor interface {
	Record(result model.Result)
}

// Observer receives per-operation timing and outcome.
type Observer interface {
	Observe(op, backend string, success bool, seconds float64)
}
