package model

import "fmt"

// PowerState is the normalized power state of a VM.
type PowerState string

const (
	PowerStopped PowerState = "stopped"
	PowerRunning PowerState = "running"
	PowerPaused  PowerState = "paused"
)

// PowerOp is a power operation requested by a caller.
type PowerOp string

const (
	OpStart     PowerOp = "start"
	OpStop      PowerOp = "stop"
	OpHardStop  PowerOp = "hard-stop"
	OpReset     PowerOp = "reset"
	OpHardReset PowerOp = "hard-reset"
	OpPause     PowerOp = "pause"
	OpResume    PowerOp = "resume"
)

// ParsePowerOp maps a caller-supplied string to a PowerOp.
func ParsePowerOp(s string) (PowerOp, error) {
	switch op := PowerOp(s); op {
	case OpStart, OpStop, OpHardStop, OpReset, OpHardReset, OpPause, OpResume:
		return op, nil
	}
	return "", fmt.Errorf("unsupported power op %q", s)
}

// PowerAction is the concrete primitive an adapter is told to perform.
type PowerAction string

const (
	ActionNone     PowerAction = "none"
	ActionStart    PowerAction = "start"
	ActionShutdown PowerAction = "shutdown"
	ActionPowerOff PowerAction = "poweroff"
	ActionReboot   PowerAction = "reboot"
	ActionReset    PowerAction = "reset"
	ActionSuspend  PowerAction = "suspend"
	ActionResume   PowerAction = "resume"
)
