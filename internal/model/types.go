package model

import (
	"maps"
	"strings"
	"time"
)

// LibvirtRef is the libvirt adapter's correlation value: the domain UUID.
type LibvirtRef struct {
	UUID string `json:"uuid" yaml:"uuid"`
}

// ESXiRef is the REST adapter's correlation value: the managed object id
// assigned by the management API (e.g. "vm-42") plus the device keys the
// adapter created on it.
type ESXiRef struct {
	MoID      string            `json:"moid" yaml:"moid"`
	BootDisk  string            `json:"boot_disk,omitempty" yaml:"boot_disk,omitempty"`
	Installer string            `json:"installer,omitempty" yaml:"installer,omitempty"`
	NICs      map[string]string `json:"nics,omitempty" yaml:"nics,omitempty"`
}

// HyperVRef is the Hyper-V adapter's correlation value: the VMId GUID.
type HyperVRef struct {
	VMId string `json:"vm_id" yaml:"vm_id"`
}

// BackendRef holds backend-private correlation values. Each member is read
// and written only by the adapter it belongs to.
type BackendRef struct {
	Libvirt *LibvirtRef `json:"libvirt,omitempty" yaml:"libvirt,omitempty"`
	ESXi    *ESXiRef    `json:"esxi,omitempty" yaml:"esxi,omitempty"`
	HyperV  *HyperVRef  `json:"hyperv,omitempty" yaml:"hyperv,omitempty"`
}

// Clone returns a deep copy of r.
func (r BackendRef) Clone() BackendRef {
	var out BackendRef
	if r.Libvirt != nil {
		v := *r.Libvirt
		out.Libvirt = &v
	}
	if r.ESXi != nil {
		v := *r.ESXi
		v.NICs = maps.Clone(r.ESXi.NICs)
		out.ESXi = &v
	}
	if r.HyperV != nil {
		v := *r.HyperV
		out.HyperV = &v
	}
	return out
}

// Result is the uniform envelope every contract operation returns.
type Result struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// OK builds a successful Result.
func OK(action, message string, data any) Result {
	return Result{Success: true, Action: action, Message: message, Data: data}
}

// Fail builds a failed Result carrying err's message verbatim.
func Fail(action string, err error) Result {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Result{Success: false, Action: action, Message: msg}
}

// IPVersion distinguishes IPv4 from IPv6 pools.
type IPVersion string

const (
	IPv4 IPVersion = "v4"
	IPv6 IPVersion = "v6"
)

// Pool is a contiguous address run [Base, Base+Count) scoped by IP version
// and NIC kind.
type Pool struct {
	ID      string    `json:"id" yaml:"id"`
	Version IPVersion `json:"version" yaml:"version"`
	Kind    NICKind   `json:"kind" yaml:"kind"`
	Base    string    `json:"base" yaml:"base"`
	Count   int       `json:"count" yaml:"count"`
	Gateway string    `json:"gateway" yaml:"gateway"`
	Mask    string    `json:"mask" yaml:"mask"`
}

// HostStatus is a utilization snapshot of the active backend host.
type HostStatus struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryTotalMB uint64    `json:"memory_total_mb"`
	MemoryUsedMB  uint64    `json:"memory_used_mb"`
	DiskTotalGB   uint64    `json:"disk_total_gb"`
	DiskUsedGB    uint64    `json:"disk_used_gb"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Instance is a backend-native VM as reported by a discovery scan.
type Instance struct {
	Name     string     `json:"name"`
	State    PowerState `json:"state"`
	CPUCount int        `json:"cpu_count"`
	MemoryMB int        `json:"memory_mb"`
	Ref      BackendRef `json:"-"`
}

const noteImageMarker = "\n#os_image="

// EncodeSnapshotNote packs a backup hint and the captured os_image into a
// single free-text description that backends store with the snapshot.
func EncodeSnapshotNote(hint, osImage string) string {
	if osImage == "" {
		return hint
	}
	return hint + noteImageMarker + osImage
}

// DecodeSnapshotNote reverses EncodeSnapshotNote.
func DecodeSnapshotNote(note string) (hint, osImage string) {
	i := strings.LastIndex(note, noteImageMarker)
	if i < 0 {
		return note, ""
	}
	return note[:i], note[i+len(noteImageMarker):]
}
