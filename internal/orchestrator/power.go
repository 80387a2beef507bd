package orchestrator

import (
	"fmt"

	"github.com/jamesprial/vmorch/internal/model"
)

// Plan returns the primitive that moves a VM in state from through op.
// ActionNone means the VM is already where op would leave it.
//
// A paused guest cannot react to ACPI, so graceful stop and soft reset from
// Paused use the hard primitives.
func Plan(from model.PowerState, op model.PowerOp) (model.PowerAction, error) {
	switch from {
	case model.PowerStopped:
		switch op {
		case model.OpStart, model.OpReset, model.OpHardReset:
			return model.ActionStart, nil
		case model.OpStop, model.OpHardStop:
			return model.ActionNone, nil
		case model.OpPause, model.OpResume:
			return "", fmt.Errorf("%s: %w", op, ErrNotRunning)
		}
	case model.PowerRunning:
		switch op {
		case model.OpStart, model.OpResume:
			return model.ActionNone, nil
		case model.OpStop:
			return model.ActionShutdown, nil
		case model.OpHardStop:
			return model.ActionPowerOff, nil
		case model.OpReset:
			return model.ActionReboot, nil
		case model.OpHardReset:
			return model.ActionReset, nil
		case model.OpPause:
			return model.ActionSuspend, nil
		}
	case model.PowerPaused:
		switch op {
		case model.OpStart, model.OpResume:
			return model.ActionResume, nil
		case model.OpStop, model.OpHardStop:
			return model.ActionPowerOff, nil
		case model.OpReset, model.OpHardReset:
			return model.ActionReset, nil
		case model.OpPause:
			return model.ActionNone, nil
		}
	default:
		return "", fmt.Errorf("unknown power state %q", from)
	}
	return "", fmt.Errorf("unsupported power op %q", op)
}

// Target returns the state a VM ends up in after op succeeds from state from.
func Target(from model.PowerState, op model.PowerOp) model.PowerState {
	switch op {
	case model.OpStart, model.OpResume, model.OpReset, model.OpHardReset:
		if from == model.PowerStopped && op == model.OpResume {
			return from
		}
		return model.PowerRunning
	case model.OpStop, model.OpHardStop:
		return model.PowerStopped
	case model.OpPause:
		if from == model.PowerStopped {
			return from
		}
		return model.PowerPaused
	}
	return from
}
