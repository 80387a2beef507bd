// Package edge implements orchestrator.EdgeNetwork: the host-side bindings
// that make a NIC's addresses reachable.
package edge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
)

// Noop binds nothing. It is used when addressing is handled outside the
// orchestrator, e.g. by an external DHCP server or static guest config.
type Noop struct{}

var _ orchestrator.EdgeNetwork = Noop{}

func (Noop) Bind(context.Context, string, string, *model.NIC, bool) error { return nil }

// New returns the binder for kind: "none" (or empty) or "libvirt-dhcp". The
// libvirt binder needs a DHCPUpdater, normally the libvirt backend.
func New(kind, network string, u DHCPUpdater, log *zap.Logger) (orchestrator.EdgeNetwork, error) {
	switch kind {
	case "", "none":
		return Noop{}, nil
	case "libvirt-dhcp":
		if u == nil {
			return nil, fmt.Errorf("edge %q requires the libvirt backend", kind)
		}
		return NewDHCP(u, network, log), nil
	default:
		return nil, fmt.Errorf("unknown edge kind %q", kind)
	}
}
