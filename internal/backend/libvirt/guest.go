package libvirt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"libvirt.org/go/libvirtxml"

	"github.com/jamesprial/vmorch/internal/model"
)

const execPollInterval = 250 * time.Millisecond

type agentRequest struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type execArgs struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg,omitempty"`
	CaptureOutput bool     `json:"capture-output"`
}

type execStatusArgs struct {
	PID int `json:"pid"`
}

type execStarted struct {
	Return struct {
		PID int `json:"pid"`
	} `json:"return"`
}

type execStatus struct {
	Return struct {
		Exited   bool   `json:"exited"`
		ExitCode int    `json:"exitcode"`
		OutData  string `json:"out-data"`
		ErrData  string `json:"err-data"`
	} `json:"return"`
}

// ExecGuest runs argv through the QEMU guest agent and waits for it to exit.
// A non-zero exit code is an error carrying the command's stderr.
func (b *Backend) ExecGuest(ctx context.Context, vm *model.VMConfig, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}
	if b.lxc() {
		return "", fmt.Errorf("guest exec is not supported for lxc domains")
	}
	hv, dom, err := b.domain(vm)
	if err != nil {
		return "", err
	}

	req, err := json.Marshal(agentRequest{
		Execute:   "guest-exec",
		Arguments: execArgs{Path: argv[0], Arg: argv[1:], CaptureOutput: true},
	})
	if err != nil {
		return "", err
	}
	raw, err := hv.AgentCommand(dom, string(req), b.cfg.Timeout)
	if err != nil {
		return "", fmt.Errorf("guest agent on %q: %w", vm.ID, err)
	}
	var started execStarted
	if err := json.Unmarshal([]byte(raw), &started); err != nil {
		return "", fmt.Errorf("parse guest-exec reply: %w", err)
	}

	poll, err := json.Marshal(agentRequest{Execute: "guest-exec-status", Arguments: execStatusArgs{PID: started.Return.PID}})
	if err != nil {
		return "", err
	}
	deadline := time.Now().Add(b.cfg.Timeout)
	for {
		raw, err := hv.AgentCommand(dom, string(poll), b.cfg.Timeout)
		if err != nil {
			return "", fmt.Errorf("guest agent on %q: %w", vm.ID, err)
		}
		var st execStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return "", fmt.Errorf("parse guest-exec-status reply: %w", err)
		}
		if st.Return.Exited {
			out := decodeAgentData(st.Return.OutData)
			if st.Return.ExitCode != 0 {
				return out, fmt.Errorf("%s exited %d: %s", argv[0], st.Return.ExitCode,
					strings.TrimSpace(decodeAgentData(st.Return.ErrData)))
			}
			return out, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%s on %q: timed out after %s", argv[0], vm.ID, b.cfg.Timeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(execPollInterval):
		}
	}
}

func decodeAgentData(s string) string {
	if s == "" {
		return ""
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(out)
}

// ListGPUs returns display-class PCI devices keyed by node device name, with
// "vendor product" as the description.
func (b *Backend) ListGPUs(ctx context.Context) (map[string]string, error) {
	hv, err := b.conn()
	if err != nil {
		return nil, err
	}
	docs, err := hv.PCIDevices()
	if err != nil {
		return nil, fmt.Errorf("list pci devices: %w", err)
	}

	out := make(map[string]string)
	for _, doc := range docs {
		var dev libvirtxml.NodeDevice
		if err := dev.Unmarshal(doc); err != nil {
			b.log.Debug("skip unparsable node device", zap.Error(err))
			continue
		}
		pci := dev.Capability.PCI
		if pci == nil || !displayClass(pci.Class) {
			continue
		}
		out[dev.Name] = strings.TrimSpace(pci.Vendor.Name + " " + pci.Product.Name)
	}
	return out, nil
}
