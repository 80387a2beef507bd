package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jamesprial/vmorch/internal/model"
)

// testdataDir returns the absolute path to the testdata/config directory.
func testdataDir(t *testing.T) string {
	t.Helper()
	// Navigate from internal/config/ up to project root, then into testdata/config.
	dir, err := filepath.Abs(filepath.Join("..", "..", "testdata", "config"))
	if err != nil {
		t.Fatalf("failed to resolve testdata dir: %v", err)
	}
	return dir
}

// writeTempFile creates a temporary file with the given content and returns its path.
func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file %s: %v", path, err)
	}
	return path
}

func Test_LoadConfig_Cases(t *testing.T) {
	tests := []struct {
		name        string
		setupPath   func(t *testing.T) string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid config loads all fields",
			setupPath: func(t *testing.T) string {
				t.Helper()
				return filepath.Join(testdataDir(t), "valid.yaml")
			},
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg == nil {
					t.Fatal("expected non-nil config")
				}
				if cfg.Server.Port != 9090 {
					t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
				}
				if cfg.Server.AuthToken != "test-secret-token" {
					t.Errorf("Server.AuthToken = %q, want %q", cfg.Server.AuthToken, "test-secret-token")
				}
				if len(cfg.Safety.VMs.Allowlist) != 1 || cfg.Safety.VMs.Allowlist[0] != "vm-web" {
					t.Errorf("Safety.VMs.Allowlist = %v, want [vm-web]", cfg.Safety.VMs.Allowlist)
				}
				if len(cfg.Safety.VMs.Denylist) != 1 || cfg.Safety.VMs.Denylist[0] != "vm-db" {
					t.Errorf("Safety.VMs.Denylist = %v, want [vm-db]", cfg.Safety.VMs.Denylist)
				}
				if cfg.Audit.LogPath != "/custom/audit.log" {
					t.Errorf("Audit.LogPath = %q, want %q", cfg.Audit.LogPath, "/custom/audit.log")
				}
				if cfg.Log.Level != "debug" || !cfg.Log.Development {
					t.Errorf("Log = %+v, want debug/development", cfg.Log)
				}
				if cfg.Metrics.Enabled {
					t.Error("Metrics.Enabled = true, want false")
				}
				if cfg.Backend.Kind != "esxi" || cfg.Backend.Prefix != "orch-" {
					t.Errorf("Backend kind/prefix = %q/%q, want esxi/orch-", cfg.Backend.Kind, cfg.Backend.Prefix)
				}
				esx := cfg.Backend.ESXi
				if esx.URL != "https://esxi.lab.local" || !esx.Insecure || esx.Timeout != 45 {
					t.Errorf("Backend.ESXi = %+v", esx)
				}
				if esx.ISOPath != "[datastore1] iso" {
					t.Errorf("Backend.ESXi.ISOPath = %q", esx.ISOPath)
				}
				if esx.GuestOS != "OTHER_LINUX_64" {
					t.Errorf("Backend.ESXi.GuestOS = %q, want default kept", esx.GuestOS)
				}
				if cfg.Backend.HyperV.Generation != 1 || cfg.Backend.HyperV.Port != 22 {
					t.Errorf("Backend.HyperV = %+v", cfg.Backend.HyperV)
				}
				if len(cfg.Network.Pools) != 2 {
					t.Fatalf("Network.Pools = %v, want 2 pools", cfg.Network.Pools)
				}
				p := cfg.Network.Pools[1]
				if p.Version != model.IPv6 || p.Kind != model.NICKindPublic || p.Count != 16 {
					t.Errorf("Network.Pools[1] = %+v", p)
				}
				if len(cfg.Network.DNS.V4) != 2 || cfg.Network.DNS.V6[0] != "2620:fe::fe" {
					t.Errorf("Network.DNS = %+v", cfg.Network.DNS)
				}
				if cfg.Network.Edge.Kind != "libvirt-dhcp" || cfg.Network.Edge.Network != "vmnat" {
					t.Errorf("Network.Edge = %+v", cfg.Network.Edge)
				}
				if cfg.Store.Kind != "postgres" || cfg.Store.DSN == "" {
					t.Errorf("Store = %+v", cfg.Store)
				}
			},
		},
		{
			name: "missing file returns error",
			setupPath: func(t *testing.T) string {
				t.Helper()
				return "/nonexistent/path/config.yaml"
			},
			wantErr:     true,
			errContains: "no such file",
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg != nil {
					t.Error("expected nil config for missing file")
				}
			},
		},
		{
			name: "invalid YAML returns unmarshal error",
			setupPath: func(t *testing.T) string {
				t.Helper()
				return filepath.Join(testdataDir(t), "invalid.yaml")
			},
			wantErr:     true,
			errContains: "unmarshal",
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg != nil {
					t.Error("expected nil config for invalid YAML")
				}
			},
		},
		{
			name: "empty file keeps defaults",
			setupPath: func(t *testing.T) string {
				t.Helper()
				return writeTempFile(t, "empty.yaml", "")
			},
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg == nil {
					t.Fatal("expected non-nil config for empty file")
				}
				if cfg.Server.Port != 8080 {
					t.Errorf("Server.Port = %d, want 8080 for empty file", cfg.Server.Port)
				}
				if cfg.Backend.Kind != "libvirt" {
					t.Errorf("Backend.Kind = %q, want libvirt for empty file", cfg.Backend.Kind)
				}
				if cfg.Store.Path != "/config/registry.json" {
					t.Errorf("Store.Path = %q, want default for empty file", cfg.Store.Path)
				}
			},
		},
		{
			name: "partial file overrides only named fields",
			setupPath: func(t *testing.T) string {
				t.Helper()
				return writeTempFile(t, "partial.yaml", "backend:\n  libvirt:\n    domain_type: lxc\n")
			},
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.Backend.Libvirt.DomainType != "lxc" {
					t.Errorf("DomainType = %q, want lxc", cfg.Backend.Libvirt.DomainType)
				}
				if cfg.Backend.Libvirt.Socket != "/var/run/libvirt/libvirt-sock" {
					t.Errorf("Socket = %q, want default", cfg.Backend.Libvirt.Socket)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.setupPath(t)
			cfg, err := LoadConfig(path)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errContains != "" && !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(tt.errContains)) {
					t.Errorf("error = %q, want it to contain %q", err.Error(), tt.errContains)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if tt.validate != nil {
				tt.validate(t, cfg)
			}
		})
	}
}

func Test_DefaultConfig_Values(t *testing.T) {
	tests := []struct {
		name     string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name: "port is 8080",
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.Server.Port != 8080 {
					t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
				}
			},
		},
		{
			name: "audit log path is /config/audit.log",
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				if !cfg.Audit.Enabled || cfg.Audit.LogPath != "/config/audit.log" {
					t.Errorf("Audit = %+v", cfg.Audit)
				}
			},
		},
		{
			name: "libvirt socket path",
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.Backend.Libvirt.Socket != "/var/run/libvirt/libvirt-sock" {
					t.Errorf("Backend.Libvirt.Socket = %q, want %q", cfg.Backend.Libvirt.Socket, "/var/run/libvirt/libvirt-sock")
				}
			},
		},
		{
			name: "backend defaults to libvirt with vm- prefix",
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.Backend.Kind != "libvirt" || cfg.Backend.Prefix != "vm-" {
					t.Errorf("Backend = %q/%q", cfg.Backend.Kind, cfg.Backend.Prefix)
				}
			},
		},
		{
			name: "metrics served at /metrics",
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
					t.Errorf("Metrics = %+v", cfg.Metrics)
				}
			},
		},
		{
			name: "edge binding off",
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.Network.Edge.Kind != "none" {
					t.Errorf("Network.Edge.Kind = %q, want none", cfg.Network.Edge.Kind)
				}
			},
		},
		{
			name: "file store",
			validate: func(t *testing.T, cfg *Config) {
				t.Helper()
				if cfg.Store.Kind != "file" {
					t.Errorf("Store.Kind = %q, want file", cfg.Store.Kind)
				}
			},
		},
	}

	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, cfg)
		})
	}
}

func Test_DefaultConfig_ReturnsNewInstance(t *testing.T) {
	cfg1 := DefaultConfig()
	cfg2 := DefaultConfig()

	if cfg1 == cfg2 {
		t.Error("DefaultConfig() should return a new instance each time, got same pointer")
	}
	cfg1.Network.DNS.V4[0] = "8.8.8.8"
	if cfg2.Network.DNS.V4[0] != "1.1.1.1" {
		t.Error("DefaultConfig() instances share slices")
	}
}

func Test_Validate_Cases(t *testing.T) {
	pool := model.Pool{ID: "nat4", Version: model.IPv4, Kind: model.NICKindNAT, Base: "10.0.0.2", Count: 10}

	tests := []struct {
		name        string
		mutate      func(cfg *Config)
		errContains string
	}{
		{name: "libvirt with one pool is valid"},
		{
			name:        "unknown backend",
			mutate:      func(cfg *Config) { cfg.Backend.Kind = "xen" },
			errContains: "unknown backend",
		},
		{
			name:        "esxi needs url",
			mutate:      func(cfg *Config) { cfg.Backend.Kind = "esxi" },
			errContains: "esxi.url",
		},
		{
			name:        "hyperv needs host",
			mutate:      func(cfg *Config) { cfg.Backend.Kind = "hyperv" },
			errContains: "hyperv.host",
		},
		{
			name:        "no pools",
			mutate:      func(cfg *Config) { cfg.Network.Pools = nil },
			errContains: "at least one pool",
		},
		{
			name:        "duplicate pool id",
			mutate:      func(cfg *Config) { cfg.Network.Pools = append(cfg.Network.Pools, pool) },
			errContains: "unique",
		},
		{
			name:        "bad version",
			mutate:      func(cfg *Config) { cfg.Network.Pools[0].Version = "v5" },
			errContains: "version",
		},
		{
			name:        "bad kind",
			mutate:      func(cfg *Config) { cfg.Network.Pools[0].Kind = "bridge" },
			errContains: "kind",
		},
		{
			name:        "zero count",
			mutate:      func(cfg *Config) { cfg.Network.Pools[0].Count = 0 },
			errContains: "count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Network.Pools = []model.Pool{pool}
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate()
			if tt.errContains == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error = %v, want it to contain %q", err, tt.errContains)
			}
		})
	}
}
