package esxi

// Wire shapes of the management API, vSphere Automation style.

type vmSummary struct {
	VM         string `json:"vm"`
	Name       string `json:"name"`
	PowerState string `json:"power_state"`
	CPUCount   int    `json:"cpu_count"`
	MemoryMiB  int    `json:"memory_size_MiB"`
}

type placement struct {
	Folder    string `json:"folder,omitempty"`
	Host      string `json:"host,omitempty"`
	Datastore string `json:"datastore,omitempty"`
}

type cpuSpec struct {
	Count int `json:"count"`
}

type memorySpec struct {
	SizeMiB int `json:"size_MiB"`
}

type vmdkSpec struct {
	Name     string `json:"name,omitempty"`
	Capacity int64  `json:"capacity"`
}

type diskBacking struct {
	Type     string `json:"type"`
	VMDKFile string `json:"vmdk_file,omitempty"`
}

type diskSpec struct {
	Type    string       `json:"type,omitempty"`
	NewVMDK *vmdkSpec    `json:"new_vmdk,omitempty"`
	Backing *diskBacking `json:"backing,omitempty"`
}

type diskInfo struct {
	Label   string      `json:"label"`
	Backing diskBacking `json:"backing"`
}

type listedDisk struct {
	Disk string `json:"disk"`
}

type nicBacking struct {
	Type    string `json:"type"`
	Network string `json:"network"`
}

type nicSpec struct {
	Type           string     `json:"type,omitempty"`
	Backing        nicBacking `json:"backing"`
	MACType        string     `json:"mac_type"`
	MACAddress     string     `json:"mac_address,omitempty"`
	StartConnected bool       `json:"start_connected"`
}

type listedNIC struct {
	NIC string `json:"nic"`
}

type nicInfo struct {
	MACAddress string     `json:"mac_address"`
	Backing    nicBacking `json:"backing"`
}

type cdromBacking struct {
	Type    string `json:"type"`
	ISOFile string `json:"iso_file"`
}

type cdromSpec struct {
	Type           string       `json:"type"`
	Backing        cdromBacking `json:"backing"`
	StartConnected bool         `json:"start_connected"`
}

type bootDevice struct {
	Type  string   `json:"type"`
	Disks []string `json:"disks,omitempty"`
}

type vmCreateSpec struct {
	Name      string     `json:"name"`
	GuestOS   string     `json:"guest_OS"`
	Placement placement  `json:"placement"`
	CPU       cpuSpec    `json:"cpu"`
	Memory    memorySpec `json:"memory"`
	Disks     []diskSpec `json:"disks,omitempty"`
	NICs      []nicSpec  `json:"nics,omitempty"`
}

type powerInfo struct {
	State string `json:"state"`
}

type snapshotSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Memory      bool   `json:"memory"`
}

type snapshotInfo struct {
	Snapshot    string `json:"snapshot"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreateTime  string `json:"create_time"`
}

type guestCredentials struct {
	Type        string `json:"type"`
	UserName    string `json:"user_name"`
	Password    string `json:"password"`
	Interactive bool   `json:"interactive_session"`
}

type processSpec struct {
	Path      string `json:"path"`
	Arguments string `json:"arguments,omitempty"`
}

type processCreate struct {
	Credentials guestCredentials `json:"credentials"`
	Spec        processSpec      `json:"spec"`
}

type processGet struct {
	Credentials guestCredentials `json:"credentials"`
}

type processInfo struct {
	ExitCode *int   `json:"exit_code"`
	Finished string `json:"finished"`
}

type hostStats struct {
	CPUUsagePercent float64 `json:"cpu_usage_percent"`
	MemoryTotalMiB  uint64  `json:"memory_total_MiB"`
	MemoryUsedMiB   uint64  `json:"memory_used_MiB"`
}

type datastoreInfo struct {
	Capacity  uint64 `json:"capacity"`
	FreeSpace uint64 `json:"free_space"`
}

type pciDevice struct {
	ID         string `json:"id"`
	ClassName  string `json:"class_name"`
	VendorName string `json:"vendor_name"`
	DeviceName string `json:"device_name"`
}

type nicUpdate struct {
	Backing    *nicBacking `json:"backing,omitempty"`
	MACType    string      `json:"mac_type,omitempty"`
	MACAddress string      `json:"mac_address,omitempty"`
}

type diskUpdate struct {
	Capacity int64 `json:"capacity"`
}
