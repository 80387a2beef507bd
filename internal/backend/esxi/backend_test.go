package esxi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

type fakeVM struct {
	name   string
	power  string
	cpu    int
	mem    int
	nics   map[string]nicInfo
	disks  map[string]diskInfo
	cdroms map[string]cdromSpec
	boot   []bootDevice
	snaps  []snapshotInfo
}

// fakeAPI is an in-memory management API with just enough behavior for the
// adapter: sessions, VMs, devices, snapshots and guest processes.
type fakeAPI struct {
	mu       sync.Mutex
	t        *testing.T
	token    string
	logins   int
	seq      int
	vms      map[string]*fakeVM
	requests []string
	// procPolls is how many process-get calls report "running" before exit.
	procPolls int
	exitCode  int
	lastProc  processCreate
	expireOne bool
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{t: t, token: "tok-1", vms: map[string]*fakeVM{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

var vmRoute = regexp.MustCompile(`^/api/vcenter/vm/([^/]+)(/.*)?$`)

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := r.Method + " " + r.URL.Path
	if a := r.URL.Query().Get("action"); a != "" {
		call += "?" + a
	}
	f.requests = append(f.requests, call)

	if r.URL.Path == "/api/session" {
		switch r.Method {
		case http.MethodPost:
			if u, p, ok := r.BasicAuth(); !ok || u != "admin" || p != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			f.logins++
			f.token = fmt.Sprintf("tok-%d", f.logins)
			writeJSON(w, f.token)
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		}
		return
	}
	if f.expireOne {
		f.expireOne = false
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.Header.Get(sessionHeader) != f.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/api/vcenter/vm" && r.Method == http.MethodGet:
		names := r.URL.Query()["names"]
		var out []vmSummary
		for id, v := range f.vms {
			if len(names) > 0 && names[0] != v.name {
				continue
			}
			out = append(out, vmSummary{VM: id, Name: v.name, PowerState: v.power, CPUCount: v.cpu, MemoryMiB: v.mem})
		}
		writeJSON(w, out)
		return
	case r.URL.Path == "/api/vcenter/vm" && r.Method == http.MethodPost:
		var spec vmCreateSpec
		f.decode(r, &spec)
		id := f.next("vm")
		v := &fakeVM{
			name: spec.Name, power: stateOff, cpu: spec.CPU.Count, mem: spec.Memory.SizeMiB,
			nics: map[string]nicInfo{}, disks: map[string]diskInfo{}, cdroms: map[string]cdromSpec{},
		}
		for _, n := range spec.NICs {
			v.nics[f.next("nic")] = nicInfo{MACAddress: n.MACAddress, Backing: n.Backing}
		}
		for range spec.Disks {
			v.disks[f.next("disk")] = diskInfo{Backing: diskBacking{Type: "VMDK_FILE", VMDKFile: "[ds1] " + spec.Name + "/root.vmdk"}}
		}
		f.vms[id] = v
		writeJSON(w, id)
		return
	case strings.HasPrefix(r.URL.Path, "/api/vcenter/host/"):
		if strings.HasSuffix(r.URL.Path, "/stats") {
			writeJSON(w, hostStats{CPUUsagePercent: 12.5, MemoryTotalMiB: 65536, MemoryUsedMiB: 16384})
			return
		}
		writeJSON(w, []pciDevice{
			{ID: "0000:3b:00.0", ClassName: "Display controller", VendorName: "NVIDIA", DeviceName: "A100"},
			{ID: "0000:00:1f.0", ClassName: "Bridge", VendorName: "Intel", DeviceName: "LPC"},
		})
		return
	case strings.HasPrefix(r.URL.Path, "/api/vcenter/datastore/"):
		writeJSON(w, datastoreInfo{Capacity: 1000 << 30, FreeSpace: 400 << 30})
		return
	}

	m := vmRoute.FindStringSubmatch(r.URL.Path)
	if m == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	v, ok := f.vms[m[1]]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error_type":"NOT_FOUND"}`))
		return
	}
	f.serveVM(w, r, m[1], v, strings.Split(strings.TrimPrefix(m[2], "/"), "/"))
}

func (f *fakeAPI) serveVM(w http.ResponseWriter, r *http.Request, id string, v *fakeVM, rest []string) {
	act := r.URL.Query().Get("action")
	key := func() string {
		if len(rest) > 2 {
			return rest[2]
		}
		return ""
	}
	switch {
	case rest[0] == "" && r.Method == http.MethodDelete:
		delete(f.vms, id)
	case rest[0] == "power" && r.Method == http.MethodGet:
		writeJSON(w, powerInfo{State: v.power})
	case rest[0] == "power":
		switch act {
		case "start":
			v.power = stateOn
		case "stop":
			v.power = stateOff
		case "suspend":
			v.power = stateSuspended
		}
	case rest[0] == "guest" && rest[1] == "power":
	case rest[0] == "guest" && rest[1] == "processes" && act == "create":
		f.decode(r, &f.lastProc)
		writeJSON(w, "4242")
	case rest[0] == "guest" && rest[1] == "processes" && act == "get":
		if f.procPolls > 0 {
			f.procPolls--
			writeJSON(w, processInfo{})
			return
		}
		code := f.exitCode
		writeJSON(w, processInfo{ExitCode: &code, Finished: "2026-03-01T12:00:00Z"})
	case rest[0] == "hardware" && (rest[1] == "cpu" || rest[1] == "memory"):
		var spec struct {
			Count   int `json:"count"`
			SizeMiB int `json:"size_MiB"`
		}
		f.decode(r, &spec)
		if rest[1] == "cpu" {
			v.cpu = spec.Count
		} else {
			v.mem = spec.SizeMiB
		}
	case rest[0] == "hardware" && rest[1] == "ethernet":
		f.serveNIC(w, r, v, key())
	case rest[0] == "hardware" && rest[1] == "disk":
		f.serveDisk(w, r, v, key())
	case rest[0] == "hardware" && rest[1] == "cdrom":
		switch r.Method {
		case http.MethodPost:
			var spec cdromSpec
			f.decode(r, &spec)
			k := f.next("cdrom")
			v.cdroms[k] = spec
			writeJSON(w, k)
		case http.MethodDelete:
			if _, ok := v.cdroms[key()]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(v.cdroms, key())
		}
	case rest[0] == "hardware" && rest[1] == "boot":
		f.decode(r, &v.boot)
	case rest[0] == "snapshots":
		f.serveSnapshots(w, r, v, rest)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeAPI) serveNIC(w http.ResponseWriter, r *http.Request, v *fakeVM, key string) {
	switch {
	case r.Method == http.MethodGet && key == "":
		var out []listedNIC
		for k := range v.nics {
			out = append(out, listedNIC{NIC: k})
		}
		writeJSON(w, out)
	case r.Method == http.MethodGet:
		writeJSON(w, v.nics[key])
	case r.Method == http.MethodPost:
		var spec nicSpec
		f.decode(r, &spec)
		k := f.next("nic")
		v.nics[k] = nicInfo{MACAddress: spec.MACAddress, Backing: spec.Backing}
		writeJSON(w, k)
	case r.Method == http.MethodPatch:
		var upd nicUpdate
		f.decode(r, &upd)
		n := v.nics[key]
		n.MACAddress = upd.MACAddress
		if upd.Backing != nil {
			n.Backing = *upd.Backing
		}
		v.nics[key] = n
	case r.Method == http.MethodDelete:
		if _, ok := v.nics[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(v.nics, key)
	}
}

func (f *fakeAPI) serveDisk(w http.ResponseWriter, r *http.Request, v *fakeVM, key string) {
	switch {
	case r.Method == http.MethodGet && key == "":
		var out []listedDisk
		for k := range v.disks {
			out = append(out, listedDisk{Disk: k})
		}
		writeJSON(w, out)
	case r.Method == http.MethodGet:
		writeJSON(w, v.disks[key])
	case r.Method == http.MethodPost:
		var spec diskSpec
		f.decode(r, &spec)
		k := f.next("disk")
		file := ""
		switch {
		case spec.Backing != nil:
			file = spec.Backing.VMDKFile
		case spec.NewVMDK != nil && spec.NewVMDK.Name != "":
			file = "[ds1] " + spec.NewVMDK.Name + ".vmdk"
		default:
			file = "[ds1] " + k + ".vmdk"
		}
		v.disks[k] = diskInfo{Backing: diskBacking{Type: "VMDK_FILE", VMDKFile: file}}
		writeJSON(w, k)
	case r.Method == http.MethodPatch:
	case r.Method == http.MethodDelete:
		if _, ok := v.disks[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(v.disks, key)
	}
}

func (f *fakeAPI) serveSnapshots(w http.ResponseWriter, r *http.Request, v *fakeVM, rest []string) {
	switch {
	case r.Method == http.MethodGet:
		writeJSON(w, v.snaps)
	case r.Method == http.MethodPost && len(rest) == 1:
		var spec snapshotSpec
		f.decode(r, &spec)
		id := f.next("snapshot")
		v.snaps = append(v.snaps, snapshotInfo{
			Snapshot: id, Name: spec.Name, Description: spec.Description, CreateTime: "2026-03-01T12:00:00Z",
		})
		writeJSON(w, id)
	case r.Method == http.MethodPost:
	case r.Method == http.MethodDelete:
		for i, s := range v.snaps {
			if s.Snapshot == rest[1] {
				v.snaps = append(v.snaps[:i], v.snaps[i+1:]...)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeAPI) decode(r *http.Request, v any) {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		f.t.Errorf("decode %s %s: %v", r.Method, r.URL.Path, err)
	}
}

func (f *fakeAPI) saw(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.requests {
		if c == call {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestBackend(t *testing.T) (*Backend, *fakeAPI) {
	t.Helper()
	api, srv := newFakeAPI(t)
	b, err := New(Config{
		URL:           srv.URL,
		Username:      "admin",
		Password:      "secret",
		Timeout:       5 * time.Second,
		Datastore:     "datastore-1",
		Host:          "host-9",
		Network:       "network-nat",
		PublicNetwork: "network-pub",
		ISOPath:       "[ds1] iso",
		GuestUser:     "root",
		GuestPassword: "pw",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background()))
	return b, api
}

func testVM() *model.VMConfig {
	return &model.VMConfig{
		ID:       "vm-web",
		CPUCount: 2,
		MemoryMB: 2048,
		DiskGB:   20,
		NICs: map[string]*model.NIC{
			"eth0": {MAC: "00:50:56:00:00:01", Kind: model.NICKindNAT},
			"eth1": {MAC: "00:50:56:00:00:02", Kind: model.NICKindPublic},
		},
	}
}

func created(t *testing.T, b *Backend) *model.VMConfig {
	t.Helper()
	vm := testVM()
	require.NoError(t, b.CreateInstance(context.Background(), vm))
	return vm
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://vc.local", "https://vc.local/api"},
		{"https://vc.local/", "https://vc.local/api"},
		{"https://vc.local/api", "https://vc.local/api"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeURL(tt.in))
	}
}

func TestConnect(t *testing.T) {
	t.Run("bad credentials", func(t *testing.T) {
		_, srv := newFakeAPI(t)
		b, err := New(Config{URL: srv.URL, Username: "admin", Password: "nope"}, nil)
		require.NoError(t, err)
		assert.ErrorContains(t, b.Connect(context.Background()), "authentication failed")
	})
	t.Run("call before connect", func(t *testing.T) {
		_, srv := newFakeAPI(t)
		b, err := New(Config{URL: srv.URL}, nil)
		require.NoError(t, err)
		_, err = b.ListInstances(context.Background(), "")
		assert.ErrorIs(t, err, errNoSession)
	})
	t.Run("expired session is renewed", func(t *testing.T) {
		b, api := newTestBackend(t)
		api.expireOne = true
		_, err := b.ListInstances(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, 2, api.logins)
	})
	t.Run("disconnect", func(t *testing.T) {
		b, api := newTestBackend(t)
		require.NoError(t, b.Disconnect(context.Background()))
		assert.True(t, api.saw("DELETE /api/session"))
		require.NoError(t, b.Disconnect(context.Background()))
	})
}

func TestCreateInstance(t *testing.T) {
	b, api := newTestBackend(t)
	vm := created(t, b)

	require.NotNil(t, vm.Ref.ESXi)
	assert.Equal(t, "vm-1", vm.Ref.ESXi.MoID)
	assert.Len(t, vm.Ref.ESXi.NICs, 2)
	assert.NotEmpty(t, vm.Ref.ESXi.BootDisk)

	fv := api.vms["vm-1"]
	assert.Equal(t, 2, fv.cpu)
	assert.Equal(t, 2048, fv.mem)
	assert.Equal(t, "network-pub", fv.nics[vm.Ref.ESXi.NICs["eth1"]].Backing.Network)
	assert.Equal(t, "network-nat", fv.nics[vm.Ref.ESXi.NICs["eth0"]].Backing.Network)
}

func TestCreateInstance_PublicNeedsNetwork(t *testing.T) {
	b, api := newTestBackend(t)
	b.cfg.PublicNetwork = ""
	err := b.CreateInstance(context.Background(), testVM())
	assert.ErrorContains(t, err, "public network")
	assert.Empty(t, api.vms)
}

func TestListInstances(t *testing.T) {
	b, _ := newTestBackend(t)
	created(t, b)
	other := testVM()
	other.ID = "db-1"
	require.NoError(t, b.CreateInstance(context.Background(), other))

	got, err := b.ListInstances(context.Background(), "vm-")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "vm-web", got[0].Name)
	assert.Equal(t, model.PowerStopped, got[0].State)
	assert.Equal(t, 2048, got[0].MemoryMB)
	assert.Equal(t, "vm-1", got[0].Ref.ESXi.MoID)
}

func TestMoIDLookupByName(t *testing.T) {
	b, _ := newTestBackend(t)
	vm := created(t, b)
	vm.Ref = model.BackendRef{}

	state, err := b.PowerState(context.Background(), vm)
	require.NoError(t, err)
	assert.Equal(t, model.PowerStopped, state)
	assert.Equal(t, "vm-1", vm.Ref.ESXi.MoID)

	missing := testVM()
	missing.ID = "vm-ghost"
	_, err = b.PowerState(context.Background(), missing)
	assert.ErrorIs(t, err, orchestrator.ErrInstanceNotFound)
}

func TestStaleMoIDIsInstanceNotFound(t *testing.T) {
	b, _ := newTestBackend(t)
	vm := testVM()
	vm.Ref.ESXi = &model.ESXiRef{MoID: "vm-404"}
	_, err := b.PowerState(context.Background(), vm)
	assert.ErrorIs(t, err, orchestrator.ErrInstanceNotFound)
}

func TestSetPower(t *testing.T) {
	tests := []struct {
		action model.PowerAction
		call   string
		state  model.PowerState
	}{
		{model.ActionStart, "POST /api/vcenter/vm/vm-1/power?start", model.PowerRunning},
		{model.ActionSuspend, "POST /api/vcenter/vm/vm-1/power?suspend", model.PowerPaused},
		{model.ActionResume, "POST /api/vcenter/vm/vm-1/power?start", model.PowerRunning},
		{model.ActionReset, "POST /api/vcenter/vm/vm-1/power?reset", model.PowerRunning},
		{model.ActionReboot, "POST /api/vcenter/vm/vm-1/guest/power?reboot", model.PowerRunning},
		{model.ActionShutdown, "POST /api/vcenter/vm/vm-1/guest/power?shutdown", model.PowerRunning},
		{model.ActionPowerOff, "POST /api/vcenter/vm/vm-1/power?stop", model.PowerStopped},
	}
	b, api := newTestBackend(t)
	vm := created(t, b)
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			require.NoError(t, b.SetPower(context.Background(), vm, tt.action))
			assert.True(t, api.saw(tt.call), tt.call)
			state, err := b.PowerState(context.Background(), vm)
			require.NoError(t, err)
			assert.Equal(t, tt.state, state)
		})
	}
	require.NoError(t, b.SetPower(context.Background(), vm, model.ActionNone))
	assert.ErrorIs(t, b.SetPower(context.Background(), vm, "warp"), errUnsupportedAction)
}

func TestApplyResources(t *testing.T) {
	b, api := newTestBackend(t)
	vm := created(t, b)
	vm.CPUCount, vm.MemoryMB, vm.DiskGB = 4, 8192, 40

	require.NoError(t, b.ApplyResources(context.Background(), vm))
	assert.Equal(t, 4, api.vms["vm-1"].cpu)
	assert.Equal(t, 8192, api.vms["vm-1"].mem)
	assert.True(t, api.saw("PATCH /api/vcenter/vm/vm-1/hardware/disk/"+vm.Ref.ESXi.BootDisk))
}

func TestInstallImage(t *testing.T) {
	b, api := newTestBackend(t)
	vm := created(t, b)
	oldBoot := vm.Ref.ESXi.BootDisk

	require.NoError(t, b.InstallImage(context.Background(), vm, "ubuntu-24.04"))
	fv := api.vms["vm-1"]
	assert.NotEqual(t, oldBoot, vm.Ref.ESXi.BootDisk)
	assert.NotContains(t, fv.disks, oldBoot)
	require.Contains(t, fv.cdroms, vm.Ref.ESXi.Installer)
	assert.Equal(t, "[ds1] iso/ubuntu-24.04.iso", fv.cdroms[vm.Ref.ESXi.Installer].Backing.ISOFile)
	require.Len(t, fv.boot, 2)
	assert.Equal(t, []string{vm.Ref.ESXi.BootDisk}, fv.boot[0].Disks)

	first := vm.Ref.ESXi.Installer
	require.NoError(t, b.InstallImage(context.Background(), vm, "debian-12"))
	assert.NotContains(t, fv.cdroms, first)
	assert.Len(t, fv.cdroms, 1)

	assert.ErrorContains(t, b.InstallImage(context.Background(), vm, "../etc"), "invalid image name")
}

func TestDeleteInstance(t *testing.T) {
	b, api := newTestBackend(t)
	vm := created(t, b)
	require.NoError(t, b.SetPower(context.Background(), vm, model.ActionStart))

	require.NoError(t, b.DeleteInstance(context.Background(), vm))
	assert.True(t, api.saw("POST /api/vcenter/vm/vm-1/power?stop"))
	assert.Empty(t, api.vms)

	err := b.DeleteInstance(context.Background(), vm)
	assert.ErrorIs(t, err, orchestrator.ErrInstanceNotFound)
}

func TestNICs(t *testing.T) {
	b, api := newTestBackend(t)
	vm := created(t, b)
	ctx := context.Background()

	eth2 := &model.NIC{MAC: "00:50:56:00:00:03", Kind: model.NICKindNAT}
	require.NoError(t, b.AttachNIC(ctx, vm, "eth2", eth2))
	key := vm.Ref.ESXi.NICs["eth2"]
	require.NotEmpty(t, key)
	assert.Len(t, api.vms["vm-1"].nics, 3)

	changed := &model.NIC{MAC: "00:50:56:00:00:09", Kind: model.NICKindPublic}
	require.NoError(t, b.ConfigureNIC(ctx, vm, "eth2", changed))
	assert.Equal(t, "00:50:56:00:00:09", api.vms["vm-1"].nics[key].MACAddress)
	assert.Equal(t, "network-pub", api.vms["vm-1"].nics[key].Backing.Network)

	require.NoError(t, b.DetachNIC(ctx, vm, "eth2", changed))
	assert.NotContains(t, vm.Ref.ESXi.NICs, "eth2")
	assert.Len(t, api.vms["vm-1"].nics, 2)

	// Unrecorded adapters are found by MAC; absent ones are a no-op.
	delete(vm.Ref.ESXi.NICs, "eth0")
	require.NoError(t, b.DetachNIC(ctx, vm, "eth0", vm.NICs["eth0"]))
	assert.Len(t, api.vms["vm-1"].nics, 1)
	require.NoError(t, b.DetachNIC(ctx, vm, "eth7", &model.NIC{MAC: "00:50:56:00:00:77"}))
}

func TestDisks(t *testing.T) {
	b, api := newTestBackend(t)
	vm := created(t, b)
	ctx := context.Background()

	d := &model.Disk{Name: "data", SizeGB: 10}
	require.NoError(t, b.AttachDisk(ctx, vm, d))
	assert.Equal(t, "[ds1] vm-web-data.vmdk", d.Handle)
	assert.Len(t, api.vms["vm-1"].disks, 2)

	require.NoError(t, b.DetachDisk(ctx, vm, d))
	assert.Len(t, api.vms["vm-1"].disks, 1)
	assert.Contains(t, api.vms["vm-1"].disks, vm.Ref.ESXi.BootDisk)

	err := b.DetachDisk(ctx, vm, d)
	assert.ErrorIs(t, err, orchestrator.ErrMountNotFound)

	// Remount by handle reuses the file.
	require.NoError(t, b.AttachDisk(ctx, vm, d))
	assert.Equal(t, "[ds1] vm-web-data.vmdk", d.Handle)

	assert.ErrorContains(t, b.AttachDisk(ctx, vm, &model.Disk{Name: "nosize"}), "needs a size")
}

func TestImages(t *testing.T) {
	b, api := newTestBackend(t)
	vm := created(t, b)
	ctx := context.Background()

	iso := &model.ISO{Name: "tools", Source: "[ds2] tools/vmtools.iso"}
	require.NoError(t, b.AttachImage(ctx, vm, iso))
	require.NotEmpty(t, iso.Handle)
	assert.Equal(t, "[ds2] tools/vmtools.iso", api.vms["vm-1"].cdroms[iso.Handle].Backing.ISOFile)

	require.NoError(t, b.DetachImage(ctx, vm, iso))
	assert.Empty(t, api.vms["vm-1"].cdroms)
	assert.ErrorIs(t, b.DetachImage(ctx, vm, iso), orchestrator.ErrMountNotFound)
	assert.ErrorIs(t, b.DetachImage(ctx, vm, &model.ISO{Name: "none"}), orchestrator.ErrMountNotFound)
}

func TestSnapshots(t *testing.T) {
	b, api := newTestBackend(t)
	vm := created(t, b)
	ctx := context.Background()

	bk := model.Backup{Name: "bk-1", Hint: "before upgrade", OSImage: "ubuntu-24.04"}
	require.NoError(t, b.CreateSnapshot(ctx, vm, bk))

	got, err := b.ListSnapshots(ctx, vm)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bk-1", got[0].Name)
	assert.Equal(t, "before upgrade", got[0].Hint)
	assert.Equal(t, "ubuntu-24.04", got[0].OSImage)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), got[0].CreatedAt)

	require.NoError(t, b.RestoreSnapshot(ctx, vm, "bk-1"))
	assert.True(t, api.saw("POST /api/vcenter/vm/vm-1/snapshots/"+api.vms["vm-1"].snaps[0].Snapshot+"?revert"))

	require.NoError(t, b.DeleteSnapshot(ctx, vm, "bk-1"))
	assert.Empty(t, api.vms["vm-1"].snaps)
	assert.ErrorIs(t, b.DeleteSnapshot(ctx, vm, "bk-1"), orchestrator.ErrBackupNotFound)
}

func TestExecGuest(t *testing.T) {
	t.Run("waits for exit", func(t *testing.T) {
		b, api := newTestBackend(t)
		vm := created(t, b)
		api.procPolls = 2

		out, err := b.ExecGuest(context.Background(), vm, []string{"/bin/sh", "-c", "echo 'root:pw' | chpasswd"})
		require.NoError(t, err)
		assert.Contains(t, out, "4242")
		assert.Equal(t, "/bin/sh", api.lastProc.Spec.Path)
		assert.Equal(t, `-c 'echo '\''root:pw'\'' | chpasswd'`, api.lastProc.Spec.Arguments)
		assert.Equal(t, "root", api.lastProc.Credentials.UserName)
	})
	t.Run("non-zero exit", func(t *testing.T) {
		b, api := newTestBackend(t)
		vm := created(t, b)
		api.exitCode = 3
		_, err := b.ExecGuest(context.Background(), vm, []string{"false"})
		assert.ErrorContains(t, err, "status 3")
	})
	t.Run("no credentials", func(t *testing.T) {
		b, _ := newTestBackend(t)
		vm := created(t, b)
		b.cfg.GuestUser = ""
		_, err := b.ExecGuest(context.Background(), vm, []string{"true"})
		assert.Error(t, err)
	})
	t.Run("empty argv", func(t *testing.T) {
		b, _ := newTestBackend(t)
		_, err := b.ExecGuest(context.Background(), testVM(), nil)
		assert.Error(t, err)
	})
}

func TestHostStats(t *testing.T) {
	b, _ := newTestBackend(t)
	hs, err := b.HostStats(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 12.5, hs.CPUPercent, 0.001)
	assert.Equal(t, uint64(65536), hs.MemoryTotalMB)
	assert.Equal(t, uint64(1000), hs.DiskTotalGB)
	assert.Equal(t, uint64(600), hs.DiskUsedGB)

	b.cfg.Host = ""
	_, err = b.HostStats(context.Background())
	assert.Error(t, err)
}

func TestListGPUs(t *testing.T) {
	b, _ := newTestBackend(t)
	gpus, err := b.ListGPUs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"0000:3b:00.0": "NVIDIA A100"}, gpus)
}

func TestAssignMAC(t *testing.T) {
	b, _ := newTestBackend(t)
	re := regexp.MustCompile(`^00:50:56:[0-3][0-9a-f]:[0-9a-f]{2}:[0-9a-f]{2}$`)
	for range 50 {
		mac, err := b.AssignMAC("vm-web", "eth0")
		require.NoError(t, err)
		assert.Regexp(t, re, mac)
	}
}

func TestStatusError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &StatusError{Method: "GET", Path: "/x", Code: 503, Body: strings.Repeat("a", 500)})
	assert.True(t, isStatus(err, 503))
	assert.False(t, isStatus(err, 404))
	assert.False(t, isStatus(errors.New("plain"), 503))
	assert.Less(t, len(err.Error()), 260)
}
