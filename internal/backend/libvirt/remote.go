package libvirt

import (
	"fmt"
	"net"
	"path/filepath"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"

	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// hypervisor is the slice of the libvirt RPC API the backend drives. The
// production implementation is remote; tests substitute an in-memory fake.
type hypervisor interface {
	Close() error
	Ping() error

	Domains() ([]golibvirt.Domain, error)
	LookupByName(name string) (golibvirt.Domain, error)
	LookupByUUID(id golibvirt.UUID) (golibvirt.Domain, error)
	State(dom golibvirt.Domain) (golibvirt.DomainState, error)
	XML(dom golibvirt.Domain, inactive bool) (string, error)
	Define(xml string) (golibvirt.Domain, error)
	Undefine(dom golibvirt.Domain) error

	Create(dom golibvirt.Domain) error
	Shutdown(dom golibvirt.Domain) error
	Destroy(dom golibvirt.Domain) error
	Reboot(dom golibvirt.Domain) error
	Reset(dom golibvirt.Domain) error
	Suspend(dom golibvirt.Domain) error
	Resume(dom golibvirt.Domain) error

	AttachDevice(dom golibvirt.Domain, xml string, live bool) error
	DetachDevice(dom golibvirt.Domain, xml string, live bool) error

	CreateVolume(dir, xml string) (string, error)
	DeleteVolume(path string) error
	ResizeVolume(path string, bytes uint64) error

	CreateSnapshot(dom golibvirt.Domain, xml string) error
	RevertSnapshot(dom golibvirt.Domain, name string) error
	DeleteSnapshot(dom golibvirt.Domain, name string) error
	SnapshotNames(dom golibvirt.Domain) ([]string, error)
	SnapshotXML(dom golibvirt.Domain, name string) (string, error)

	AgentCommand(dom golibvirt.Domain, cmd string, timeout time.Duration) (string, error)
	PCIDevices() ([]string, error)

	UpdateDHCPHost(network, hostXML string, add bool) error
}

// Raw libvirt flag values, kept untyped so they convert to whichever flag
// type the generated binding declares.
const (
	listAllDomains     = golibvirt.ConnectListDomainsActive | golibvirt.ConnectListDomainsInactive
	xmlInactive        = 2         // VIR_DOMAIN_XML_INACTIVE
	affectLive         = 1         // VIR_DOMAIN_AFFECT_LIVE
	affectConfig       = 2         // VIR_DOMAIN_AFFECT_CONFIG
	undefineAll        = 1 | 2 | 4 // managed save, snapshot metadata, nvram
	listNodePCI        = 2         // VIR_CONNECT_LIST_NODE_DEVICES_CAP_PCI_DEV
	netUpdateModify    = 1         // VIR_NETWORK_UPDATE_COMMAND_MODIFY
	netUpdateDelete    = 2         // VIR_NETWORK_UPDATE_COMMAND_DELETE
	netUpdateAddLast   = 3         // VIR_NETWORK_UPDATE_COMMAND_ADD_LAST
	netSectionDHCPHost = 4         // VIR_NETWORK_SECTION_IP_DHCP_HOST
)

// remote implements hypervisor with the go-libvirt pure-Go client.
type remote struct {
	l *golibvirt.Libvirt
}

// dial connects to the libvirt socket at socketPath and performs the connect
// handshake.
func dial(socketPath string, timeout time.Duration) (*remote, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("libvirt socket path must not be empty")
	}
	network := "unix"
	if _, _, err := net.SplitHostPort(socketPath); err == nil {
		network = "tcp"
	}
	c, err := net.DialTimeout(network, socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial libvirt socket %q: %w", socketPath, err)
	}

	l := golibvirt.New(c)
	if err := l.Connect(); err != nil {
		c.Close()
		return nil, fmt.Errorf("libvirt connect: %w", err)
	}
	return &remote{l: l}, nil
}

func (r *remote) Close() error {
	if err := r.l.Disconnect(); err != nil {
		return fmt.Errorf("libvirt disconnect: %w", err)
	}
	return nil
}

func (r *remote) Ping() error {
	_, err := r.l.ConnectGetLibVersion()
	return err
}

func (r *remote) Domains() ([]golibvirt.Domain, error) {
	doms, _, err := r.l.ConnectListAllDomains(1, listAllDomains)
	return doms, err
}

func (r *remote) LookupByName(name string) (golibvirt.Domain, error) {
	dom, err := r.l.DomainLookupByName(name)
	return dom, notFound(err)
}

func (r *remote) LookupByUUID(id golibvirt.UUID) (golibvirt.Domain, error) {
	dom, err := r.l.DomainLookupByUUID(id)
	return dom, notFound(err)
}

func (r *remote) State(dom golibvirt.Domain) (golibvirt.DomainState, error) {
	state, _, err := r.l.DomainGetState(dom, 0)
	if err != nil {
		return 0, notFound(err)
	}
	return golibvirt.DomainState(state), nil
}

func (r *remote) XML(dom golibvirt.Domain, inactive bool) (string, error) {
	if inactive {
		return r.l.DomainGetXMLDesc(dom, xmlInactive)
	}
	return r.l.DomainGetXMLDesc(dom, 0)
}

func (r *remote) Define(xml string) (golibvirt.Domain, error) { return r.l.DomainDefineXML(xml) }

func (r *remote) Undefine(dom golibvirt.Domain) error {
	return notFound(r.l.DomainUndefineFlags(dom, undefineAll))
}

func (r *remote) Create(dom golibvirt.Domain) error   { return r.l.DomainCreate(dom) }
func (r *remote) Shutdown(dom golibvirt.Domain) error { return r.l.DomainShutdown(dom) }
func (r *remote) Destroy(dom golibvirt.Domain) error  { return r.l.DomainDestroy(dom) }
func (r *remote) Reboot(dom golibvirt.Domain) error   { return r.l.DomainReboot(dom, 0) }
func (r *remote) Reset(dom golibvirt.Domain) error    { return r.l.DomainReset(dom, 0) }
func (r *remote) Suspend(dom golibvirt.Domain) error  { return r.l.DomainSuspend(dom) }
func (r *remote) Resume(dom golibvirt.Domain) error   { return r.l.DomainResume(dom) }

func (r *remote) AttachDevice(dom golibvirt.Domain, xml string, live bool) error {
	if live {
		return r.l.DomainAttachDeviceFlags(dom, xml, affectLive|affectConfig)
	}
	return r.l.DomainAttachDeviceFlags(dom, xml, affectConfig)
}

func (r *remote) DetachDevice(dom golibvirt.Domain, xml string, live bool) error {
	if live {
		return r.l.DomainDetachDeviceFlags(dom, xml, affectLive|affectConfig)
	}
	return r.l.DomainDetachDeviceFlags(dom, xml, affectConfig)
}

// CreateVolume creates a volume in the storage pool whose target is dir and
// returns its path.
func (r *remote) CreateVolume(dir, xml string) (string, error) {
	pool, err := r.l.StoragePoolLookupByTargetPath(filepath.Clean(dir))
	if err != nil {
		return "", fmt.Errorf("storage pool for %q: %w", dir, err)
	}
	vol, err := r.l.StorageVolCreateXML(pool, xml, 0)
	if err != nil {
		return "", err
	}
	return r.l.StorageVolGetPath(vol)
}

func (r *remote) DeleteVolume(path string) error {
	vol, err := r.l.StorageVolLookupByPath(path)
	if err != nil {
		return fmt.Errorf("volume %q: %w", path, err)
	}
	return r.l.StorageVolDelete(vol, 0)
}

func (r *remote) ResizeVolume(path string, bytes uint64) error {
	vol, err := r.l.StorageVolLookupByPath(path)
	if err != nil {
		return fmt.Errorf("volume %q: %w", path, err)
	}
	return r.l.StorageVolResize(vol, bytes, 0)
}

func (r *remote) CreateSnapshot(dom golibvirt.Domain, xml string) error {
	_, err := r.l.DomainSnapshotCreateXML(dom, xml, 0)
	return err
}

func (r *remote) RevertSnapshot(dom golibvirt.Domain, name string) error {
	snap, err := r.l.DomainSnapshotLookupByName(dom, name, 0)
	if err != nil {
		return err
	}
	return r.l.DomainRevertToSnapshot(snap, 0)
}

func (r *remote) DeleteSnapshot(dom golibvirt.Domain, name string) error {
	snap, err := r.l.DomainSnapshotLookupByName(dom, name, 0)
	if err != nil {
		return err
	}
	return r.l.DomainSnapshotDelete(snap, 0)
}

func (r *remote) SnapshotNames(dom golibvirt.Domain) ([]string, error) {
	n, err := r.l.DomainSnapshotNum(dom, 0)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return r.l.DomainSnapshotListNames(dom, n, 0)
}

func (r *remote) SnapshotXML(dom golibvirt.Domain, name string) (string, error) {
	snap, err := r.l.DomainSnapshotLookupByName(dom, name, 0)
	if err != nil {
		return "", err
	}
	return r.l.DomainSnapshotGetXMLDesc(snap, 0)
}

func (r *remote) AgentCommand(dom golibvirt.Domain, cmd string, timeout time.Duration) (string, error) {
	res, err := r.l.QEMUDomainAgentCommand(dom, cmd, int32(timeout/time.Second), 0)
	if err != nil {
		return "", err
	}
	if len(res) == 0 {
		return "", nil
	}
	return res[0], nil
}

// PCIDevices returns the XML description of every PCI node device.
func (r *remote) PCIDevices() ([]string, error) {
	devs, _, err := r.l.ConnectListAllNodeDevices(1, listNodePCI)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		desc, err := r.l.NodeDeviceGetXMLDesc(d.Name, 0)
		if err != nil {
			continue
		}
		out = append(out, desc)
	}
	return out, nil
}

// UpdateDHCPHost adds or removes a static DHCP host entry on a libvirt
// network, live and in its persistent definition. Adding an entry that
// already exists for the MAC modifies it instead.
func (r *remote) UpdateDHCPHost(network, hostXML string, add bool) error {
	n, err := r.l.NetworkLookupByName(network)
	if err != nil {
		return fmt.Errorf("network %q: %w", network, err)
	}
	if !add {
		return r.l.NetworkUpdate(n, netUpdateDelete, netSectionDHCPHost, -1, hostXML, affectLive|affectConfig)
	}
	err = r.l.NetworkUpdate(n, netUpdateAddLast, netSectionDHCPHost, -1, hostXML, affectLive|affectConfig)
	if err == nil {
		return nil
	}
	if merr := r.l.NetworkUpdate(n, netUpdateModify, netSectionDHCPHost, -1, hostXML, affectLive|affectConfig); merr != nil {
		return err
	}
	return nil
}

// notFound tags libvirt's "no such domain" error with
// orchestrator.ErrInstanceNotFound.
func notFound(err error) error {
	if err != nil && golibvirt.IsNotFound(err) {
		return fmt.Errorf("%w: %v", orchestrator.ErrInstanceNotFound, err)
	}
	return err
}
