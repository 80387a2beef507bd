package edge

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"libvirt.org/go/libvirtxml"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// DHCPUpdater adds or removes one static host entry on a libvirt network.
type DHCPUpdater interface {
	UpdateDHCPHost(ctx context.Context, network, hostXML string, add bool) error
}

// DHCP pins NAT NICs to their allocated IPv4 address with static host
// entries on a libvirt network. Public NICs are left alone.
type DHCP struct {
	u       DHCPUpdater
	network string
	log     *zap.Logger
}

var _ orchestrator.EdgeNetwork = (*DHCP)(nil)

func NewDHCP(u DHCPUpdater, network string, log *zap.Logger) *DHCP {
	if network == "" {
		network = "default"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DHCP{u: u, network: network, log: log.Named("edge")}
}

// Bind adds (bind) or removes the host entry for nic. Removing an entry that
// does not exist succeeds.
func (d *DHCP) Bind(ctx context.Context, vmID, nicName string, nic *model.NIC, bind bool) error {
	if nic == nil || nic.Kind != model.NICKindNAT || nic.MAC == "" || nic.IPv4 == "" {
		return nil
	}
	host, err := hostXML(vmID, nicName, nic)
	if err != nil {
		return err
	}
	err = d.u.UpdateDHCPHost(ctx, d.network, host, bind)
	if err != nil && !bind && entryMissing(err) {
		d.log.Debug("dhcp host already absent", zap.String("vm", vmID), zap.String("nic", nicName))
		return nil
	}
	if err != nil {
		verb := "bind"
		if !bind {
			verb = "unbind"
		}
		return fmt.Errorf("%s %s/%s on network %q: %w", verb, vmID, nicName, d.network, err)
	}
	d.log.Info("dhcp host updated",
		zap.String("vm", vmID), zap.String("nic", nicName),
		zap.String("ip", nic.IPv4), zap.Bool("bound", bind))
	return nil
}

// hostXML renders <host mac=".." name=".." ip=".."/>.
func hostXML(vmID, nicName string, nic *model.NIC) (string, error) {
	h := libvirtxml.NetworkDHCPHost{
		MAC:  strings.ToLower(nic.MAC),
		Name: hostName(vmID, nicName),
		IP:   nic.IPv4,
	}
	var buf bytes.Buffer
	if err := xml.NewEncoder(&buf).Encode(struct {
		XMLName xml.Name `xml:"host"`
		libvirtxml.NetworkDHCPHost
	}{NetworkDHCPHost: h}); err != nil {
		return "", fmt.Errorf("render dhcp host: %w", err)
	}
	return buf.String(), nil
}

// hostName is the DHCP host name: the VM id for eth0, id-nic otherwise,
// limited to characters valid in a hostname label.
func hostName(vmID, nicName string) string {
	name := vmID
	if nicName != "eth0" {
		name += "-" + nicName
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, name)
}

// entryMissing matches libvirt's error for deleting a host entry that is not
// in the network.
func entryMissing(err error) bool {
	return strings.Contains(err.Error(), "couldn't locate a matching dhcp host entry")
}
