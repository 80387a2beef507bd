package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/backend/esxi"
	"github.com/jamesprial/vmorch/internal/backend/hyperv"
	"github.com/jamesprial/vmorch/internal/backend/libvirt"
	"github.com/jamesprial/vmorch/internal/config"
	"github.com/jamesprial/vmorch/internal/edge"
	"github.com/jamesprial/vmorch/internal/ipam"
	"github.com/jamesprial/vmorch/internal/model"
	"github.com/jamesprial/vmorch/internal/orchestrator"
	"github.com/jamesprial/vmorch/internal/vm"
)

// connectWindow bounds how long startup keeps retrying the backend.
const connectWindow = 30 * time.Second

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// newBackend builds the configured backend. The second return is the DHCP
// updater the libvirt-dhcp edge needs; it is nil for other backends.
func newBackend(cfg config.BackendConfig, log *zap.Logger) (orchestrator.Backend, edge.DHCPUpdater, error) {
	switch cfg.Kind {
	case "libvirt":
		c := cfg.Libvirt
		b := libvirt.New(libvirt.Config{
			Socket:     c.Socket,
			DomainType: c.DomainType,
			Network:    c.Network,
			Bridge:     c.Bridge,
			ImageDir:   c.ImageDir,
			DiskDir:    c.DiskDir,
			Timeout:    seconds(c.Timeout),
		}, log)
		return b, b, nil
	case "esxi":
		c := cfg.ESXi
		b, err := esxi.New(esxi.Config{
			URL:           c.URL,
			Username:      c.Username,
			Password:      c.Password,
			Insecure:      c.Insecure,
			Timeout:       seconds(c.Timeout),
			Datastore:     c.Datastore,
			Folder:        c.Folder,
			Host:          c.Host,
			Network:       c.Network,
			PublicNetwork: c.PublicNetwork,
			ISOPath:       c.ISOPath,
			GuestUser:     c.GuestUser,
			GuestPassword: c.GuestPassword,
			GuestOS:       c.GuestOS,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("esxi backend: %w", err)
		}
		return b, nil, nil
	case "hyperv":
		c := cfg.HyperV
		return hyperv.New(hyperv.Config{
			Host:          c.Host,
			Port:          c.Port,
			User:          c.User,
			Password:      c.Password,
			KeyFile:       c.KeyFile,
			KnownHosts:    c.KnownHosts,
			Timeout:       seconds(c.Timeout),
			Switch:        c.Switch,
			PublicSwitch:  c.PublicSwitch,
			VHDDir:        c.VHDDir,
			ImageDir:      c.ImageDir,
			ISODir:        c.ISODir,
			Generation:    c.Generation,
			GuestUser:     c.GuestUser,
			GuestPassword: c.GuestPassword,
		}, log), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

func newEdge(cfg config.EdgeConfig, dhcp edge.DHCPUpdater, log *zap.Logger) (orchestrator.EdgeNetwork, error) {
	return edge.New(cfg.Kind, cfg.Network, dhcp, log)
}

func newAllocator(cfg config.NetworkConfig) *ipam.Allocator {
	return ipam.New(cfg.Pools, map[model.IPVersion][]string{
		model.IPv4: cfg.DNS.V4,
		model.IPv6: cfg.DNS.V6,
	})
}

var errNotConnected = errors.New("host not connected")

// connect runs HostLoad until it succeeds or connectWindow passes.
func connect(ctx context.Context, g *vm.Guard, eng vm.Orchestrator, log *zap.Logger) model.Result {
	if log == nil {
		log = zap.NewNop()
	}
	var res model.Result
	_, _ = backoff.Retry(ctx, func() (struct{}, error) {
		g.Host(func() { res = eng.HostLoad(ctx) })
		if !res.Success {
			log.Debug("backend connect attempt failed", zap.String("error", res.Message))
			return struct{}{}, errNotConnected
		}
		return struct{}{}, nil
	}, backoff.WithMaxElapsedTime(connectWindow))
	return res
}
