package vm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/safety"
	"github.com/jamesprial/vmorch/internal/tools"
)

// VMTools returns the tool registrations for the orchestration surface.
// Every engine call goes through g; other callers of eng must use the same
// Guard.
func VMTools(
	eng Orchestrator,
	g *Guard,
	filter *safety.Filter,
	confirm *safety.ConfirmationTracker,
	audit *safety.AuditLogger,
) []tools.Registration {
	t := &toolEnv{eng: eng, filter: filter, confirm: confirm, audit: audit, g: g}
	return []tools.Registration{
		t.hostConnect(),
		t.hostDisconnect(),
		t.hostStatus(),
		t.gpuList(),
		t.vmDetect(),
		t.vmList(),
		t.vmInspect(),
		t.vmCreate(),
		t.vmUpdate(),
		t.vmDelete(),
		t.vmPower(),
		t.vmPasswd(),
		t.vmBackup(),
		t.vmRestore(),
		t.vmBackupList(),
		t.vmBackupDelete(),
		t.vmDiskMount(),
		t.vmISOMount(),
		t.vmUnmount(),
	}
}

type toolEnv struct {
	eng     Orchestrator
	filter  *safety.Filter
	confirm *safety.ConfirmationTracker
	audit   *safety.AuditLogger
	g       *Guard
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (t *toolEnv) done(name, id string, params map[string]any, res model.Result, start time.Time) *mcp.CallToolResult {
	tools.LogAudit(t.audit, name, id, params, res.Success, res.Message, start)
	return tools.EnvelopeResult(res)
}

func (t *toolEnv) reject(name, id string, params map[string]any, err error, start time.Time) *mcp.CallToolResult {
	tools.LogAudit(t.audit, name, id, params, false, err.Error(), start)
	return tools.ErrorResult(err.Error())
}

// vmID reads vm_id and applies the safety filter.
// vmIDPattern keeps ids usable as hypervisor object names on every backend.
var vmIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

func (t *toolEnv) vmID(req mcp.CallToolRequest) (string, error) {
	id := strings.TrimSpace(req.GetString("vm_id", ""))
	if id == "" {
		return "", errors.New("vm_id is required")
	}
	if !vmIDPattern.MatchString(id) {
		return "", fmt.Errorf("vm_id %q must be 1-63 letters, digits, dots, dashes or underscores, starting with a letter or digit", id)
	}
	if err := t.filter.Check(id); err != nil {
		return "", err
	}
	return id, nil
}

// confirmed consumes the request's token for tool on resource. When it is
// not valid a prompt result is returned instead.
func (t *toolEnv) confirmed(req mcp.CallToolRequest, tool, resource, description string) (*mcp.CallToolResult, bool) {
	token := req.GetString("confirmation_token", "")
	if t.confirm.Confirm(token, tool, resource) {
		return nil, true
	}
	return tools.ConfirmPrompt(t.confirm, tool, resource, description), false
}

func vmIDParam() mcp.ToolOption {
	return mcp.WithString("vm_id",
		mcp.Required(),
		mcp.Description("VM id"),
	)
}

func tokenParam() mcp.ToolOption {
	return mcp.WithString("confirmation_token",
		mcp.Description("Confirmation token returned by a prior call to this tool"),
	)
}

func specParams() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithNumber("cpu_count", mcp.Description("Virtual CPUs")),
		mcp.WithNumber("memory_mb", mcp.Description("Memory in MiB")),
		mcp.WithNumber("disk_gb", mcp.Description("Root disk size in GiB")),
		mcp.WithString("os_image", mcp.Description("OS image to install on the root disk")),
		mcp.WithObject("nics", mcp.Description(
			`NICs by name, e.g. {"eth0": {"kind": "nat"}, "eth1": {"kind": "public"}}. `+
				"Addresses and MACs left empty are assigned.")),
	}
}

// applySpec overlays the request's spec arguments on cfg. NICs given without
// addresses keep the addresses cfg already has for the same name and kind.
func applySpec(req mcp.CallToolRequest, cfg *model.VMConfig) error {
	cfg.CPUCount = req.GetInt("cpu_count", cfg.CPUCount)
	cfg.MemoryMB = req.GetInt("memory_mb", cfg.MemoryMB)
	cfg.DiskGB = req.GetInt("disk_gb", cfg.DiskGB)
	if _, ok := req.GetArguments()["os_image"]; ok {
		cfg.OSImage = req.GetString("os_image", "")
	}

	var nics map[string]*model.NIC
	found, err := tools.DecodeArg(req, "nics", &nics)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	for name, nic := range nics {
		if nic == nil {
			return fmt.Errorf("nic %s: definition is empty", name)
		}
		if !nic.Kind.Valid() {
			return fmt.Errorf("nic %s: kind must be nat or public", name)
		}
		if old := cfg.NICs[name]; old != nil && old.Kind == nic.Kind {
			if nic.MAC == "" {
				nic.MAC = old.MAC
			}
			if nic.IPv4 == "" && nic.IPv6 == "" {
				keep := nic.MAC
				*nic = *old.Clone()
				nic.MAC = keep
			}
		}
	}
	cfg.NICs = nics
	return nil
}

func validateSpec(cfg *model.VMConfig) error {
	switch {
	case cfg.CPUCount <= 0:
		return errors.New("cpu_count must be positive")
	case cfg.MemoryMB <= 0:
		return errors.New("memory_mb must be positive")
	case cfg.DiskGB <= 0:
		return errors.New("disk_gb must be positive")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Host tools
// ---------------------------------------------------------------------------

func (t *toolEnv) hostCall(name, description string, call func(context.Context) model.Result) tools.Registration {
	tool := mcp.NewTool(name, mcp.WithDescription(description))

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		var res model.Result
		t.g.Host(func() { res = call(ctx) })
		return t.done(name, "", nil, res, start), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func (t *toolEnv) hostConnect() tools.Registration {
	return t.hostCall("host_connect", "Open the session to the compute backend.", t.eng.HostLoad)
}

func (t *toolEnv) hostDisconnect() tools.Registration {
	return t.hostCall("host_disconnect", "Close the session to the compute backend.", t.eng.HostUnload)
}

func (t *toolEnv) hostStatus() tools.Registration {
	return t.hostCall("host_status",
		"Report CPU, memory and disk utilization of the backend host. Returns the last sample if the host cannot be reached.",
		t.eng.HostStatus)
}

func (t *toolEnv) gpuList() tools.Registration {
	return t.hostCall("gpu_list", "List GPUs available for passthrough on the backend host.", t.eng.GPUShows)
}

func (t *toolEnv) vmDetect() tools.Registration {
	return t.hostCall("vm_detect",
		"Adopt backend instances that carry the configured name prefix but are not registered yet.",
		t.eng.VMDetect)
}

// ---------------------------------------------------------------------------
// Registry views
// ---------------------------------------------------------------------------

func (t *toolEnv) vmList() tools.Registration {
	tool := mcp.NewTool("vm_list",
		mcp.WithDescription("List every registered VM with its resources, NICs and addresses."),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var vms []*model.VMConfig
		t.g.Read(func() { vms = t.eng.VMs() })

		visible := vms[:0]
		for _, vm := range vms {
			if t.filter.IsAllowed(vm.ID) {
				visible = append(visible, vm)
			}
		}
		return tools.JSONResult(visible), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func (t *toolEnv) vmInspect() tools.Registration {
	tool := mcp.NewTool("vm_inspect",
		mcp.WithDescription("Return the full registry entry of one VM."),
		vmIDParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := t.vmID(req)
		if err != nil {
			return tools.ErrorResult(err.Error()), nil
		}
		var (
			vm *model.VMConfig
			ok bool
		)
		t.g.Read(func() { vm, ok = t.eng.VM(id) })
		if !ok {
			return tools.ErrorResult(fmt.Sprintf("vm %q not found", id)), nil
		}
		return tools.JSONResult(vm), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (t *toolEnv) vmCreate() tools.Registration {
	const toolName = "vm_create"

	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Create a VM: allocate addresses, provision it, install its image and power it on."),
		vmIDParam(),
	}, specParams()...)
	tool := mcp.NewTool(toolName, opts...)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := req.GetArguments()
		id, err := t.vmID(req)
		if err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}

		cfg := &model.VMConfig{ID: id}
		if err := applySpec(req, cfg); err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}
		if err := validateSpec(cfg); err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}

		var res model.Result
		t.g.VM(id, func() { res = t.eng.VMCreate(ctx, cfg) })
		return t.done(toolName, id, params, res, start), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func (t *toolEnv) vmUpdate() tools.Registration {
	const toolName = "vm_update"

	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Change a VM's resources, image or NICs. Arguments left out keep their current value. " +
			"The VM is powered off while the change is applied. Changing the image reinstalls the root disk and requires confirmation."),
		vmIDParam(),
		tokenParam(),
	}, specParams()...)
	tool := mcp.NewTool(toolName, opts...)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		params := req.GetArguments()
		id, err := t.vmID(req)
		if err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}

		var out *mcp.CallToolResult
		t.g.VM(id, func() {
			current, ok := t.eng.VM(id)
			if !ok {
				out = t.reject(toolName, id, params, fmt.Errorf("vm %q not found", id), start)
				return
			}
			cfg := current.Clone()
			if err := applySpec(req, cfg); err != nil {
				out = t.reject(toolName, id, params, err, start)
				return
			}
			if err := validateSpec(cfg); err != nil {
				out = t.reject(toolName, id, params, err, start)
				return
			}
			if current.OSImage != "" && cfg.OSImage != current.OSImage {
				desc := fmt.Sprintf("This will reinstall the root disk of VM %q with image %q. Data on the root disk is lost.", id, cfg.OSImage)
				if prompt, ok := t.confirmed(req, toolName, id, desc); !ok {
					out = prompt
					return
				}
			}
			out = t.done(toolName, id, params, t.eng.VMUpdate(ctx, cfg), start)
		})
		return out, nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func (t *toolEnv) vmDelete() tools.Registration {
	const toolName = "vm_delete"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Power off and delete a VM, release its addresses and forget it. Requires confirmation."),
		vmIDParam(),
		tokenParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id, err := t.vmID(req)
		params := map[string]any{"vm_id": id}
		if err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}

		desc := fmt.Sprintf("This will permanently delete VM %q and its disks.", id)
		if prompt, ok := t.confirmed(req, toolName, id, desc); !ok {
			return prompt, nil
		}

		var res model.Result
		t.g.VM(id, func() { res = t.eng.VMDelete(ctx, id) })
		return t.done(toolName, id, params, res, start), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// lossyPowerOps can drop unsaved guest state.
var lossyPowerOps = map[model.PowerOp]bool{
	model.OpStop:      true,
	model.OpHardStop:  true,
	model.OpReset:     true,
	model.OpHardReset: true,
}

func (t *toolEnv) vmPower() tools.Registration {
	const toolName = "vm_power"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Change a VM's power state. stop, hard-stop, reset and hard-reset require confirmation."),
		vmIDParam(),
		mcp.WithString("op",
			mcp.Required(),
			mcp.Description("Power operation"),
			mcp.Enum(
				string(model.OpStart), string(model.OpStop), string(model.OpHardStop),
				string(model.OpReset), string(model.OpHardReset),
				string(model.OpPause), string(model.OpResume),
			),
		),
		tokenParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id, err := t.vmID(req)
		params := map[string]any{"vm_id": id, "op": req.GetString("op", "")}
		if err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}
		op, err := model.ParsePowerOp(req.GetString("op", ""))
		if err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}

		if lossyPowerOps[op] {
			desc := fmt.Sprintf("This will %s VM %q. Unsaved guest state may be lost.", op, id)
			if prompt, ok := t.confirmed(req, toolName, id+"/"+string(op), desc); !ok {
				return prompt, nil
			}
		}

		var res model.Result
		t.g.VM(id, func() { res = t.eng.VMPowers(ctx, id, op) })
		return t.done(toolName, id, params, res, start), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func (t *toolEnv) vmPasswd() tools.Registration {
	const toolName = "vm_passwd"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Set the guest administrator password through the guest agent. The VM must be running."),
		vmIDParam(),
		mcp.WithString("password",
			mcp.Required(),
			mcp.Description("New password"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id, err := t.vmID(req)
		password := req.GetString("password", "")
		params := map[string]any{"vm_id": id, "password": password}
		if err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}
		if password == "" {
			return t.reject(toolName, id, params, errors.New("password is required"), start), nil
		}

		var res model.Result
		t.g.VM(id, func() { res = t.eng.VMPasswd(ctx, id, password) })
		return t.done(toolName, id, params, res, start), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// ---------------------------------------------------------------------------
// Backups
// ---------------------------------------------------------------------------

func (t *toolEnv) vmBackup() tools.Registration {
	const toolName = "vm_backup"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Snapshot a VM. A name is generated when none is given."),
		vmIDParam(),
		mcp.WithString("backup_name", mcp.Description("Backup name, unique per VM")),
		mcp.WithString("hint", mcp.Description("Free-text note stored with the backup")),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id, err := t.vmID(req)
		name := req.GetString("backup_name", "")
		hint := req.GetString("hint", "")
		params := map[string]any{"vm_id": id, "backup_name": name, "hint": hint}
		if err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}

		var res model.Result
		t.g.VM(id, func() { res = t.eng.VMBackup(ctx, id, name, hint) })
		return t.done(toolName, id, params, res, start), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func (t *toolEnv) vmRestore() tools.Registration {
	const toolName = "vm_restore"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Revert a VM to a backup. Requires confirmation."),
		vmIDParam(),
		mcp.WithString("backup_name",
			mcp.Required(),
			mcp.Description("Backup to restore"),
		),
		tokenParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id, err := t.vmID(req)
		name := req.GetString("backup_name", "")
		params := map[string]any{"vm_id": id, "backup_name": name}
		if err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}

		desc := fmt.Sprintf("This will revert VM %q to backup %q. Changes made since the backup are lost.", id, name)
		if prompt, ok := t.confirmed(req, toolName, id+"/"+name, desc); !ok {
			return prompt, nil
		}

		var res model.Result
		t.g.VM(id, func() { res = t.eng.Restores(ctx, id, name) })
		return t.done(toolName, id, params, res, start), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func (t *toolEnv) vmBackupList() tools.Registration {
	const toolName = "vm_backup_list"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Reload a VM's backup list from the backend and return it."),
		vmIDParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id, err := t.vmID(req)
		params := map[string]any{"vm_id": id}
		if err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}

		var res model.Result
		t.g.VM(id, func() { res = t.eng.LDBackup(ctx, id) })
		return t.done(toolName, id, params, res, start), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func (t *toolEnv) vmBackupDelete() tools.Registration {
	const toolName = "vm_backup_delete"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Delete one backup of a VM. Requires confirmation."),
		vmIDParam(),
		mcp.WithString("backup_name",
			mcp.Required(),
			mcp.Description("Backup to delete"),
		),
		tokenParam(),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id, err := t.vmID(req)
		name := req.GetString("backup_name", "")
		params := map[string]any{"vm_id": id, "backup_name": name}
		if err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}

		desc := fmt.Sprintf("This will permanently delete backup %q of VM %q.", name, id)
		if prompt, ok := t.confirmed(req, toolName, id+"/"+name, desc); !ok {
			return prompt, nil
		}

		var res model.Result
		t.g.VM(id, func() { res = t.eng.RMBackup(ctx, id, name) })
		return t.done(toolName, id, params, res, start), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// ---------------------------------------------------------------------------
// Mounts
// ---------------------------------------------------------------------------

func (t *toolEnv) vmDiskMount() tools.Registration {
	const toolName = "vm_disk_mount"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Attach a data disk to a VM, creating it on first use."),
		vmIDParam(),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Disk name, unique per VM"),
		),
		mcp.WithNumber("size_gb", mcp.Description("Size in GiB for a new disk")),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id, err := t.vmID(req)
		disk := model.Disk{Name: req.GetString("name", ""), SizeGB: req.GetInt("size_gb", 0)}
		params := map[string]any{"vm_id": id, "name": disk.Name, "size_gb": disk.SizeGB}
		if err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}

		var res model.Result
		t.g.VM(id, func() { res = t.eng.HDDMount(ctx, id, disk) })
		return t.done(toolName, id, params, res, start), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func (t *toolEnv) vmISOMount() tools.Registration {
	const toolName = "vm_iso_mount"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Insert an ISO image into a VM's virtual optical drive."),
		vmIDParam(),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Mount name, unique per VM"),
		),
		mcp.WithString("source",
			mcp.Required(),
			mcp.Description("ISO image name or backend path"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id, err := t.vmID(req)
		iso := model.ISO{Name: req.GetString("name", ""), Source: req.GetString("source", "")}
		params := map[string]any{"vm_id": id, "name": iso.Name, "source": iso.Source}
		if err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}

		var res model.Result
		t.g.VM(id, func() { res = t.eng.ISOMount(ctx, id, iso) })
		return t.done(toolName, id, params, res, start), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func (t *toolEnv) vmUnmount() tools.Registration {
	const toolName = "vm_unmount"

	tool := mcp.NewTool(toolName,
		mcp.WithDescription("Detach a data disk or ISO from a VM by mount name. The disk itself is kept."),
		vmIDParam(),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Mount name"),
		),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		id, err := t.vmID(req)
		name := req.GetString("name", "")
		params := map[string]any{"vm_id": id, "name": name}
		if err != nil {
			return t.reject(toolName, id, params, err, start), nil
		}

		var res model.Result
		t.g.VM(id, func() { res = t.eng.RMMounts(ctx, id, name) })
		return t.done(toolName, id, params, res, start), nil
	}

	return tools.Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
