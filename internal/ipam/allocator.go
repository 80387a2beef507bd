// Package ipam assigns NIC addresses from configured pools.
//
// Allocation is first-fit over pools in declaration order and first-fit over
// addresses within a pool. The allocator keeps no record of what it has
// handed out; callers pass a fresh snapshot of every in-use address on each
// call and must not mutate the registry between taking the snapshot and
// allocating.
package ipam

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"net/netip"
	"strings"

	"github.com/jamesprial/vmorch/internal/model"
)

var (
	// ErrNoAddress is returned when no matching pool has a free address.
	ErrNoAddress = errors.New("no address available")
	// ErrNoIPv4 is returned by ReconcileAddresses when a NIC cannot get an
	// IPv4 address.
	ErrNoIPv4 = errors.New("no IPv4 available")
	// ErrInvalidAddress is returned by CheckAssigned for an address that
	// does not parse or has the wrong IP version for its field.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrAddressInUse is returned by CheckAssigned for an address held by
	// another VM or by two NICs of the same config.
	ErrAddressInUse = errors.New("address already in use")
	// ErrOutsidePools is returned by CheckAssigned for an address no pool of
	// the NIC's kind and version covers.
	ErrOutsidePools = errors.New("address outside every matching pool")
)

// Set is a snapshot of addresses currently in use across the registry.
type Set map[netip.Addr]struct{}

// Add parses s and inserts it. Empty or malformed strings are ignored.
func (s Set) Add(addr string) {
	a, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return
	}
	s[a.Unmap()] = struct{}{}
}

// Has reports whether a is in the set.
func (s Set) Has(a netip.Addr) bool {
	_, ok := s[a.Unmap()]
	return ok
}

// InUse builds a Set from every IPv4 and IPv6 address held by any NIC of any
// VM in vms.
func InUse(vms map[string]*model.VMConfig) Set {
	s := make(Set)
	for _, vm := range vms {
		for _, nic := range vm.NICs {
			if nic == nil {
				continue
			}
			s.Add(nic.IPv4)
			s.Add(nic.IPv6)
		}
	}
	return s
}

// Lease is an address handed out by Allocate with the pool's routing data.
type Lease struct {
	Addr    netip.Addr
	Gateway string
	Mask    string
	PoolID  string
}

// MACAssigner generates a MAC address for a NIC. Backend adapters implement
// it with their vendor prefix.
type MACAssigner interface {
	AssignMAC(vmID, nicName string) (string, error)
}

// Allocator hands out addresses from an ordered list of pools.
type Allocator struct {
	pools []model.Pool
	dns   map[model.IPVersion][]string
}

// New returns an Allocator over pools, in the given order. dns maps an IP
// version to the resolvers written into NICs that receive a new address of
// that version.
func New(pools []model.Pool, dns map[model.IPVersion][]string) *Allocator {
	return &Allocator{
		pools: append([]model.Pool(nil), pools...),
		dns:   dns,
	}
}

// Pools returns a copy of the configured pools.
func (a *Allocator) Pools() []model.Pool {
	return append([]model.Pool(nil), a.pools...)
}

// Allocate returns the first address not in allocated from the first pool
// matching version and kind that still has one.
func (a *Allocator) Allocate(version model.IPVersion, kind model.NICKind, allocated Set) (Lease, error) {
	for _, p := range a.pools {
		if p.Version != version || p.Kind != kind || p.Count <= 0 {
			continue
		}
		base, err := netip.ParseAddr(strings.TrimSpace(p.Base))
		if err != nil || !matchesVersion(base, version) {
			continue
		}
		addr := base.Unmap()
		for i := 0; i < p.Count; i++ {
			if !addr.IsValid() {
				break
			}
			if !allocated.Has(addr) {
				return Lease{Addr: addr, Gateway: p.Gateway, Mask: p.Mask, PoolID: p.ID}, nil
			}
			addr = addr.Next()
		}
	}
	return Lease{}, ErrNoAddress
}

// Contains reports whether some pool of the given version and kind covers
// addr.
func (a *Allocator) Contains(version model.IPVersion, kind model.NICKind, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range a.pools {
		if p.Version != version || p.Kind != kind || p.Count <= 0 {
			continue
		}
		base, err := netip.ParseAddr(strings.TrimSpace(p.Base))
		if err != nil || !matchesVersion(base, version) {
			continue
		}
		if off, ok := offset(base.Unmap(), addr); ok && off < uint64(p.Count) {
			return true
		}
	}
	return false
}

// offset returns addr-base when addr is not below base and the distance
// fits in 64 bits.
func offset(base, addr netip.Addr) (uint64, bool) {
	if base.BitLen() != addr.BitLen() {
		return 0, false
	}
	b, x := base.As16(), addr.As16()
	be := binary.BigEndian
	bhi, blo := be.Uint64(b[:8]), be.Uint64(b[8:])
	xhi, xlo := be.Uint64(x[:8]), be.Uint64(x[8:])
	lo, borrow := bits.Sub64(xlo, blo, 0)
	hi, borrow := bits.Sub64(xhi, bhi, borrow)
	if borrow != 0 || hi != 0 {
		return 0, false
	}
	return lo, true
}

// CheckAssigned validates the addresses already set on cfg's NICs before
// any allocation runs. Each must parse as the IP version of its field, must
// not be in others, must not appear twice in cfg, and must fall inside a
// pool of the NIC's kind and version. Addresses in held skip the pool check
// so that a VM keeps what it was given if the pool layout changes later.
func (a *Allocator) CheckAssigned(cfg *model.VMConfig, others, held Set) error {
	seen := make(map[netip.Addr]string)
	for _, name := range cfg.NICNames() {
		nic := cfg.NICs[name]
		if nic == nil {
			continue
		}
		for _, f := range []struct {
			version model.IPVersion
			value   string
		}{{model.IPv4, nic.IPv4}, {model.IPv6, nic.IPv6}} {
			if f.value == "" {
				continue
			}
			addr, err := netip.ParseAddr(f.value)
			if err != nil || !matchesVersion(addr, f.version) {
				return fmt.Errorf("%w: nic %q %s %q", ErrInvalidAddress, name, f.version, f.value)
			}
			addr = addr.Unmap()
			if other, ok := seen[addr]; ok {
				return fmt.Errorf("%w: %s set on nics %q and %q", ErrAddressInUse, addr, other, name)
			}
			seen[addr] = name
			if others.Has(addr) {
				return fmt.Errorf("%w: %s on nic %q belongs to another vm", ErrAddressInUse, addr, name)
			}
			if !held.Has(addr) && !a.Contains(f.version, nic.Kind, addr) {
				return fmt.Errorf("%w: %s on nic %q (kind %s)", ErrOutsidePools, addr, name, nic.Kind)
			}
		}
	}
	return nil
}

func matchesVersion(a netip.Addr, v model.IPVersion) bool {
	switch v {
	case model.IPv4:
		return a.Unmap().Is4()
	case model.IPv6:
		return a.Is6() && !a.Is4In6()
	}
	return false
}

// ReconcileAddresses fills in every missing NIC address of cfg in place.
//
// A NIC without IPv4 that cannot get one fails the whole call with ErrNoIPv4.
// A NIC without IPv6 that cannot get one is left without, and the message
// says so when a pool for its kind exists. Addresses already
// set are never changed. Each address handed out is added to allocated. A NIC
// that receives an address gets the configured resolvers for that version,
// and a MAC from macs if it has none.
func (a *Allocator) ReconcileAddresses(cfg *model.VMConfig, allocated Set, macs MACAssigner) (string, error) {
	var assigned, notes []string
	for _, name := range cfg.NICNames() {
		nic := cfg.NICs[name]
		if nic == nil {
			continue
		}
		fresh := false

		if nic.IPv4 == "" {
			lease, err := a.Allocate(model.IPv4, nic.Kind, allocated)
			if err != nil {
				return "", fmt.Errorf("%w for nic %q (kind %s)", ErrNoIPv4, name, nic.Kind)
			}
			nic.IPv4 = lease.Addr.String()
			nic.Gateway4, nic.Mask4 = lease.Gateway, lease.Mask
			allocated[lease.Addr] = struct{}{}
			nic.DNS = appendResolvers(nic.DNS, a.dns[model.IPv4])
			assigned = append(assigned, name+"="+nic.IPv4)
			fresh = true
		}

		if nic.IPv6 == "" {
			lease, err := a.Allocate(model.IPv6, nic.Kind, allocated)
			switch {
			case err == nil:
				nic.IPv6 = lease.Addr.String()
				nic.Gateway6, nic.Mask6 = lease.Gateway, lease.Mask
				allocated[lease.Addr] = struct{}{}
				nic.DNS = appendResolvers(nic.DNS, a.dns[model.IPv6])
				assigned = append(assigned, name+"="+nic.IPv6)
				fresh = true
			case a.hasPool(model.IPv6, nic.Kind):
				notes = append(notes, name+": no IPv6 available")
			}
		}

		if fresh && nic.MAC == "" && macs != nil {
			mac, err := macs.AssignMAC(cfg.ID, name)
			if err != nil {
				return "", fmt.Errorf("assign mac for nic %q: %w", name, err)
			}
			nic.MAC = mac
		}
	}

	var parts []string
	if len(assigned) > 0 {
		parts = append(parts, "assigned "+strings.Join(assigned, ", "))
	}
	parts = append(parts, notes...)
	if len(parts) == 0 {
		return "all NIC addresses already assigned", nil
	}
	return strings.Join(parts, "; "), nil
}

func (a *Allocator) hasPool(version model.IPVersion, kind model.NICKind) bool {
	for _, p := range a.pools {
		if p.Version == version && p.Kind == kind && p.Count > 0 {
			return true
		}
	}
	return false
}

func appendResolvers(dst, resolvers []string) []string {
	for _, r := range resolvers {
		dup := false
		for _, d := range dst {
			if d == r {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, r)
		}
	}
	return dst
}
