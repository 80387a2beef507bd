// Package model holds the backend-agnostic data types shared by the
// allocator, the orchestration engine, and every backend adapter.
package model

import (
	"sort"
	"time"
)

// NICKind selects which address pools a NIC draws from.
type NICKind string

const (
	NICKindNAT    NICKind = "nat"
	NICKindPublic NICKind = "public"
)

// Valid reports whether k is a known NIC kind.
func (k NICKind) Valid() bool {
	return k == NICKindNAT || k == NICKindPublic
}

// NIC is one virtual network interface of a VM. Empty address fields mean
// "unassigned".
type NIC struct {
	MAC      string   `json:"mac,omitempty" yaml:"mac,omitempty"`
	IPv4     string   `json:"ipv4,omitempty" yaml:"ipv4,omitempty"`
	IPv6     string   `json:"ipv6,omitempty" yaml:"ipv6,omitempty"`
	Kind     NICKind  `json:"kind" yaml:"kind"`
	DNS      []string `json:"dns,omitempty" yaml:"dns,omitempty"`
	Gateway4 string   `json:"gateway4,omitempty" yaml:"gateway4,omitempty"`
	Mask4    string   `json:"mask4,omitempty" yaml:"mask4,omitempty"`
	Gateway6 string   `json:"gateway6,omitempty" yaml:"gateway6,omitempty"`
	Mask6    string   `json:"mask6,omitempty" yaml:"mask6,omitempty"`
}

// SameBinding reports whether n and o would produce the same adapter-level
// NIC configuration: same addresses, MAC, and kind.
func (n *NIC) SameBinding(o *NIC) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.MAC == o.MAC && n.IPv4 == o.IPv4 && n.IPv6 == o.IPv6 && n.Kind == o.Kind
}

// Clone returns a deep copy of n.
func (n *NIC) Clone() *NIC {
	if n == nil {
		return nil
	}
	c := *n
	c.DNS = append([]string(nil), n.DNS...)
	return &c
}

// Disk is a data disk attached (or once attached) to a VM.
type Disk struct {
	Name    string `json:"name" yaml:"name"`
	SizeGB  int    `json:"size_gb" yaml:"size_gb"`
	Mounted bool   `json:"mounted" yaml:"mounted"`
	// Handle is the backend volume handle (path, datastore key, VHD path).
	Handle string `json:"handle,omitempty" yaml:"handle,omitempty"`
}

// ISO is an optical image mounted on a VM.
type ISO struct {
	Name   string `json:"name" yaml:"name"`
	Source string `json:"source" yaml:"source"`
	Handle string `json:"handle,omitempty" yaml:"handle,omitempty"`
}

// Backup records one snapshot taken of a VM.
type Backup struct {
	Name      string    `json:"name" yaml:"name"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Hint      string    `json:"hint,omitempty" yaml:"hint,omitempty"`
	// OSImage is the VM's os_image when the backup was taken.
	OSImage string `json:"os_image,omitempty" yaml:"os_image,omitempty"`
}

// VMConfig is the registry's record of one virtual machine.
type VMConfig struct {
	ID       string           `json:"vm_id" yaml:"vm_id"`
	CPUCount int              `json:"cpu_count" yaml:"cpu_count"`
	MemoryMB int              `json:"memory_mb" yaml:"memory_mb"`
	DiskGB   int              `json:"disk_gb" yaml:"disk_gb"`
	OSImage  string           `json:"os_image,omitempty" yaml:"os_image,omitempty"`
	NICs     map[string]*NIC  `json:"nics,omitempty" yaml:"nics,omitempty"`
	Disks    map[string]*Disk `json:"disks,omitempty" yaml:"disks,omitempty"`
	ISOs     map[string]*ISO  `json:"isos,omitempty" yaml:"isos,omitempty"`
	Backups  []Backup         `json:"backups,omitempty" yaml:"backups,omitempty"`
	Ref      BackendRef       `json:"backend_ref" yaml:"backend_ref"`
}

// Clone returns a deep copy of c so callers can mutate it without touching
// the registry entry it came from.
func (c *VMConfig) Clone() *VMConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.NICs != nil {
		out.NICs = make(map[string]*NIC, len(c.NICs))
		for k, v := range c.NICs {
			out.NICs[k] = v.Clone()
		}
	}
	if c.Disks != nil {
		out.Disks = make(map[string]*Disk, len(c.Disks))
		for k, v := range c.Disks {
			d := *v
			out.Disks[k] = &d
		}
	}
	if c.ISOs != nil {
		out.ISOs = make(map[string]*ISO, len(c.ISOs))
		for k, v := range c.ISOs {
			i := *v
			out.ISOs[k] = &i
		}
	}
	out.Backups = append([]Backup(nil), c.Backups...)
	out.Ref = c.Ref.Clone()
	return &out
}

// NICNames returns the NIC names of c in lexical order.
func (c *VMConfig) NICNames() []string {
	names := make([]string, 0, len(c.NICs))
	for name := range c.NICs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FindBackup returns the index of the backup called name, or -1.
func (c *VMConfig) FindBackup(name string) int {
	for i, b := range c.Backups {
		if b.Name == name {
			return i
		}
	}
	return -1
}

// SortBackups orders Backups by creation time, oldest first. Ties keep their
// relative order.
func (c *VMConfig) SortBackups() {
	sort.SliceStable(c.Backups, func(i, j int) bool {
		return c.Backups[i].CreatedAt.Before(c.Backups[j].CreatedAt)
	})
}
