// Package vm exposes the orchestration engine as MCP tools.
package vm

import (
	"context"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// Orchestrator is the engine surface the tools drive.
type Orchestrator interface {
	VMs() []*model.VMConfig
	VM(id string) (*model.VMConfig, bool)

	HostLoad(ctx context.Context) model.Result
	HostUnload(ctx context.Context) model.Result
	HostStatus(ctx context.Context) model.Result
	GPUShows(ctx context.Context) model.Result
	VMDetect(ctx context.Context) model.Result

	VMCreate(ctx context.Context, cfg *model.VMConfig) model.Result
	VMUpdate(ctx context.Context, cfg *model.VMConfig) model.Result
	VMDelete(ctx context.Context, id string) model.Result
	VMPowers(ctx context.Context, id string, op model.PowerOp) model.Result
	VMPasswd(ctx context.Context, id, password string) model.Result

	VMBackup(ctx context.Context, id, name, hint string) model.Result
	Restores(ctx context.Context, id, name string) model.Result
	LDBackup(ctx context.Context, id string) model.Result
	RMBackup(ctx context.Context, id, name string) model.Result

	HDDMount(ctx context.Context, id string, disk model.Disk) model.Result
	ISOMount(ctx context.Context, id string, iso model.ISO) model.Result
	RMMounts(ctx context.Context, id, name string) model.Result
}

var _ Orchestrator = (*orchestrator.Engine)(nil)

// DestructiveTools names the tools that need a confirmation token. vm_power
// and vm_update only ask for one for the ops that can lose guest state.
var DestructiveTools = []string{
	"vm_delete",
	"vm_update",
	"vm_power",
	"vm_restore",
	"vm_backup_delete",
}
