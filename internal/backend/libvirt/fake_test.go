package libvirt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jamesprial/vmorch/internal/orchestrator"
)

type fakeDomain struct {
	dom      golibvirt.Domain
	xml      string
	state    golibvirt.DomainState
	snaps    map[string]string
	stopping int
}

// fakeHV is an in-memory hypervisor. Device attach/detach calls are recorded
// but do not rewrite the stored domain XML.
type fakeHV struct {
	mu       sync.Mutex
	domains  map[string]*fakeDomain
	volumes  map[string]string
	calls    []string
	attached []string
	detached []string
	agent    []string
	replies  []string
	pci      []string
	failOn   map[string]error
	closed   bool
	// shutdownLag makes Shutdown land only after that many State reads,
	// as an ACPI request does.
	shutdownLag int
}

func newFakeHV() *fakeHV {
	return &fakeHV{
		domains: map[string]*fakeDomain{},
		volumes: map[string]string{},
		failOn:  map[string]error{},
	}
}

func (f *fakeHV) record(call string) error {
	f.calls = append(f.calls, call)
	for prefix, err := range f.failOn {
		if strings.HasPrefix(call, prefix) {
			return err
		}
	}
	return nil
}

func (f *fakeHV) byDom(dom golibvirt.Domain) (*fakeDomain, error) {
	d, ok := f.domains[dom.Name]
	if !ok {
		return nil, fmt.Errorf("%w: domain %q", orchestrator.ErrInstanceNotFound, dom.Name)
	}
	return d, nil
}

func (f *fakeHV) Close() error { f.closed = true; return nil }
func (f *fakeHV) Ping() error  { return f.record("ping") }

func (f *fakeHV) Domains() ([]golibvirt.Domain, error) {
	if err := f.record("domains"); err != nil {
		return nil, err
	}
	var out []golibvirt.Domain
	for _, d := range f.domains {
		out = append(out, d.dom)
	}
	return out, nil
}

func (f *fakeHV) LookupByName(name string) (golibvirt.Domain, error) {
	f.record("lookup-name " + name)
	d, ok := f.domains[name]
	if !ok {
		return golibvirt.Domain{}, fmt.Errorf("%w: domain %q", orchestrator.ErrInstanceNotFound, name)
	}
	return d.dom, nil
}

func (f *fakeHV) LookupByUUID(id golibvirt.UUID) (golibvirt.Domain, error) {
	f.record("lookup-uuid " + formatUUID(id))
	for _, d := range f.domains {
		if d.dom.UUID == id {
			return d.dom, nil
		}
	}
	return golibvirt.Domain{}, fmt.Errorf("%w: uuid %s", orchestrator.ErrInstanceNotFound, formatUUID(id))
}

func (f *fakeHV) State(dom golibvirt.Domain) (golibvirt.DomainState, error) {
	d, err := f.byDom(dom)
	if err != nil {
		return 0, err
	}
	if d.stopping > 0 {
		d.stopping--
		if d.stopping == 0 {
			d.state = golibvirt.DomainShutoff
		}
	}
	return d.state, nil
}

func (f *fakeHV) XML(dom golibvirt.Domain, _ bool) (string, error) {
	d, err := f.byDom(dom)
	if err != nil {
		return "", err
	}
	return d.xml, nil
}

func (f *fakeHV) Define(xml string) (golibvirt.Domain, error) {
	var def libvirtxml.Domain
	if err := def.Unmarshal(xml); err != nil {
		return golibvirt.Domain{}, err
	}
	if err := f.record("define " + def.Name); err != nil {
		return golibvirt.Domain{}, err
	}
	if def.UUID == "" {
		def.UUID = uuid.NewString()
	}
	id := uuid.MustParse(def.UUID)
	stored, err := def.Marshal()
	if err != nil {
		return golibvirt.Domain{}, err
	}
	d, ok := f.domains[def.Name]
	if !ok {
		d = &fakeDomain{state: golibvirt.DomainShutoff, snaps: map[string]string{}}
		f.domains[def.Name] = d
	}
	d.dom = golibvirt.Domain{Name: def.Name, UUID: golibvirt.UUID(id)}
	d.xml = stored
	return d.dom, nil
}

func (f *fakeHV) Undefine(dom golibvirt.Domain) error {
	if err := f.record("undefine " + dom.Name); err != nil {
		return err
	}
	delete(f.domains, dom.Name)
	return nil
}

func (f *fakeHV) setState(verb string, dom golibvirt.Domain, to golibvirt.DomainState) error {
	if err := f.record(verb + " " + dom.Name); err != nil {
		return err
	}
	d, err := f.byDom(dom)
	if err != nil {
		return err
	}
	d.state = to
	return nil
}

func (f *fakeHV) Create(dom golibvirt.Domain) error {
	return f.setState("create", dom, golibvirt.DomainRunning)
}
func (f *fakeHV) Shutdown(dom golibvirt.Domain) error {
	if f.shutdownLag == 0 {
		return f.setState("shutdown", dom, golibvirt.DomainShutoff)
	}
	if err := f.record("shutdown " + dom.Name); err != nil {
		return err
	}
	d, err := f.byDom(dom)
	if err != nil {
		return err
	}
	d.stopping = f.shutdownLag
	return nil
}
func (f *fakeHV) Destroy(dom golibvirt.Domain) error {
	return f.setState("destroy", dom, golibvirt.DomainShutoff)
}
func (f *fakeHV) Reboot(dom golibvirt.Domain) error {
	return f.setState("reboot", dom, golibvirt.DomainRunning)
}
func (f *fakeHV) Reset(dom golibvirt.Domain) error {
	return f.setState("reset", dom, golibvirt.DomainRunning)
}
func (f *fakeHV) Suspend(dom golibvirt.Domain) error {
	return f.setState("suspend", dom, golibvirt.DomainPaused)
}
func (f *fakeHV) Resume(dom golibvirt.Domain) error {
	return f.setState("resume", dom, golibvirt.DomainRunning)
}

func (f *fakeHV) AttachDevice(dom golibvirt.Domain, xml string, live bool) error {
	if err := f.record(fmt.Sprintf("attach %s live=%t", dom.Name, live)); err != nil {
		return err
	}
	f.attached = append(f.attached, xml)
	return nil
}

func (f *fakeHV) DetachDevice(dom golibvirt.Domain, xml string, live bool) error {
	if err := f.record(fmt.Sprintf("detach %s live=%t", dom.Name, live)); err != nil {
		return err
	}
	f.detached = append(f.detached, xml)
	return nil
}

func (f *fakeHV) CreateVolume(dir, xml string) (string, error) {
	var vol libvirtxml.StorageVolume
	if err := vol.Unmarshal(xml); err != nil {
		return "", err
	}
	if err := f.record("mkvol " + vol.Name); err != nil {
		return "", err
	}
	path := dir + "/" + vol.Name
	f.volumes[path] = xml
	return path, nil
}

func (f *fakeHV) DeleteVolume(path string) error {
	if err := f.record("rmvol " + path); err != nil {
		return err
	}
	delete(f.volumes, path)
	return nil
}

func (f *fakeHV) ResizeVolume(path string, bytes uint64) error {
	return f.record(fmt.Sprintf("resize %s %d", path, bytes))
}

func (f *fakeHV) CreateSnapshot(dom golibvirt.Domain, xml string) error {
	d, err := f.byDom(dom)
	if err != nil {
		return err
	}
	var snap libvirtxml.DomainSnapshot
	if err := snap.Unmarshal(xml); err != nil {
		return err
	}
	if err := f.record("snap " + dom.Name + " " + snap.Name); err != nil {
		return err
	}
	snap.CreationTime = "1700000000"
	stored, err := snap.Marshal()
	if err != nil {
		return err
	}
	d.snaps[snap.Name] = stored
	return nil
}

func (f *fakeHV) RevertSnapshot(dom golibvirt.Domain, name string) error {
	return f.record("revert " + dom.Name + " " + name)
}

func (f *fakeHV) DeleteSnapshot(dom golibvirt.Domain, name string) error {
	if err := f.record("rmsnap " + dom.Name + " " + name); err != nil {
		return err
	}
	if d, ok := f.domains[dom.Name]; ok {
		delete(d.snaps, name)
	}
	return nil
}

func (f *fakeHV) SnapshotNames(dom golibvirt.Domain) ([]string, error) {
	d, err := f.byDom(dom)
	if err != nil {
		return nil, err
	}
	var out []string
	for n := range d.snaps {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeHV) SnapshotXML(dom golibvirt.Domain, name string) (string, error) {
	d, err := f.byDom(dom)
	if err != nil {
		return "", err
	}
	return d.snaps[name], nil
}

func (f *fakeHV) AgentCommand(dom golibvirt.Domain, cmd string, _ time.Duration) (string, error) {
	if err := f.record("agent " + dom.Name); err != nil {
		return "", err
	}
	f.agent = append(f.agent, cmd)
	if len(f.replies) == 0 {
		return "", fmt.Errorf("no scripted agent reply")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func (f *fakeHV) PCIDevices() ([]string, error) {
	if err := f.record("pci"); err != nil {
		return nil, err
	}
	return f.pci, nil
}

func (f *fakeHV) UpdateDHCPHost(network, hostXML string, add bool) error {
	return f.record(fmt.Sprintf("dhcp %s add=%t", network, add))
}

func (f *fakeHV) callsWith(prefix string) []string {
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}
