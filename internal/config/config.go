// Package config provides configuration loading and defaults for the vmorch server.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/jamesprial/vmorch/internal/model"
)

// ResourceFilter holds allowlist and denylist entries for a resource category.
type ResourceFilter struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// SafetyConfig groups resource filters applied to the tool surface.
type SafetyConfig struct {
	VMs ResourceFilter `yaml:"vms"`
}

// AuditConfig controls audit logging behaviour.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

// ServerConfig holds network and authentication settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// LogConfig selects the zap logger preset and level.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LibvirtConfig configures the libvirt backend. Timeout is in seconds.
type LibvirtConfig struct {
	Socket     string `yaml:"socket"`
	DomainType string `yaml:"domain_type"`
	Network    string `yaml:"network"`
	Bridge     string `yaml:"bridge"`
	ImageDir   string `yaml:"image_dir"`
	DiskDir    string `yaml:"disk_dir"`
	Timeout    int    `yaml:"timeout"`
}

// ESXiConfig configures the REST hypervisor backend. Timeout is in seconds.
type ESXiConfig struct {
	URL           string `yaml:"url"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	Insecure      bool   `yaml:"insecure"`
	Timeout       int    `yaml:"timeout"`
	Datastore     string `yaml:"datastore"`
	Folder        string `yaml:"folder"`
	Host          string `yaml:"host"`
	Network       string `yaml:"network"`
	PublicNetwork string `yaml:"public_network"`
	ISOPath       string `yaml:"iso_path"`
	GuestOS       string `yaml:"guest_os"`
	GuestUser     string `yaml:"guest_user"`
	GuestPassword string `yaml:"guest_password"`
}

// HyperVConfig configures the Hyper-V backend reached over SSH.
// Timeout is in seconds.
type HyperVConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Password      string `yaml:"password"`
	KeyFile       string `yaml:"key_file"`
	KnownHosts    string `yaml:"known_hosts"`
	Timeout       int    `yaml:"timeout"`
	Switch        string `yaml:"switch"`
	PublicSwitch  string `yaml:"public_switch"`
	VHDDir        string `yaml:"vhd_dir"`
	ImageDir      string `yaml:"image_dir"`
	ISODir        string `yaml:"iso_dir"`
	Generation    int    `yaml:"generation"`
	GuestUser     string `yaml:"guest_user"`
	GuestPassword string `yaml:"guest_password"`
}

// BackendConfig selects the active compute backend. Prefix scopes instance
// discovery to names the orchestrator created.
type BackendConfig struct {
	Kind    string        `yaml:"kind"`
	Prefix  string        `yaml:"prefix"`
	Libvirt LibvirtConfig `yaml:"libvirt"`
	ESXi    ESXiConfig    `yaml:"esxi"`
	HyperV  HyperVConfig  `yaml:"hyperv"`
}

// DNSConfig lists resolvers handed to NICs per IP version.
type DNSConfig struct {
	V4 []string `yaml:"v4"`
	V6 []string `yaml:"v6"`
}

// EdgeConfig selects how NAT addresses are published at the network edge.
type EdgeConfig struct {
	Kind    string `yaml:"kind"`
	Network string `yaml:"network"`
}

// NetworkConfig holds the address pools and edge binding.
type NetworkConfig struct {
	Pools []model.Pool `yaml:"pools"`
	DNS   DNSConfig    `yaml:"dns"`
	Edge  EdgeConfig   `yaml:"edge"`
}

// StoreConfig selects registry persistence: a JSON file or PostgreSQL.
type StoreConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

// Config is the top-level configuration structure for the vmorch server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Safety  SafetyConfig  `yaml:"safety"`
	Audit   AuditConfig   `yaml:"audit"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Backend BackendConfig `yaml:"backend"`
	Network NetworkConfig `yaml:"network"`
	Store   StoreConfig   `yaml:"store"`
}

// LoadConfig reads and parses a YAML configuration file from the given path.
// Fields absent from the file keep their DefaultConfig values.
// On error, nil is returned for the config pointer.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a new Config populated with sensible default values.
// Each call returns a distinct instance.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Audit: AuditConfig{
			Enabled: true,
			LogPath: "/config/audit.log",
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Backend: BackendConfig{
			Kind:   "libvirt",
			Prefix: "vm-",
			Libvirt: LibvirtConfig{
				Socket:     "/var/run/libvirt/libvirt-sock",
				DomainType: "kvm",
				Network:    "default",
				ImageDir:   "/var/lib/vmorch/images",
				DiskDir:    "/var/lib/libvirt/images",
				Timeout:    30,
			},
			ESXi: ESXiConfig{
				Timeout: 30,
				GuestOS: "OTHER_LINUX_64",
			},
			HyperV: HyperVConfig{
				Port:       22,
				Timeout:    60,
				Generation: 2,
			},
		},
		Network: NetworkConfig{
			DNS: DNSConfig{
				V4: []string{"1.1.1.1"},
			},
			Edge: EdgeConfig{
				Kind:    "none",
				Network: "default",
			},
		},
		Store: StoreConfig{
			Kind: "file",
			Path: "/config/registry.json",
		},
	}
}

// Validate reports configuration that cannot start a server.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case "libvirt":
	case "esxi":
		if c.Backend.ESXi.URL == "" {
			return fmt.Errorf("backend.esxi.url is required")
		}
	case "hyperv":
		if c.Backend.HyperV.Host == "" {
			return fmt.Errorf("backend.hyperv.host is required")
		}
	default:
		return fmt.Errorf("unknown backend kind %q", c.Backend.Kind)
	}
	if len(c.Network.Pools) == 0 {
		return fmt.Errorf("network.pools must list at least one pool")
	}
	seen := make(map[string]bool, len(c.Network.Pools))
	for _, p := range c.Network.Pools {
		if p.ID == "" || seen[p.ID] {
			return fmt.Errorf("pool ids must be unique and non-empty (got %q)", p.ID)
		}
		seen[p.ID] = true
		if p.Version != model.IPv4 && p.Version != model.IPv6 {
			return fmt.Errorf("pool %s: version must be v4 or v6", p.ID)
		}
		if p.Kind != model.NICKindNAT && p.Kind != model.NICKindPublic {
			return fmt.Errorf("pool %s: kind must be nat or public", p.ID)
		}
		if p.Count <= 0 {
			return fmt.Errorf("pool %s: count must be positive", p.ID)
		}
	}
	return nil
}

// ApplyEnvOverrides updates cfg in place with values from environment variables.
// Recognized variables:
//   - VMORCH_AUTH_TOKEN overrides cfg.Server.AuthToken
//   - VMORCH_PORT overrides cfg.Server.Port
//   - VMORCH_LOG_LEVEL overrides cfg.Log.Level
//   - VMORCH_BACKEND overrides cfg.Backend.Kind
//   - VMORCH_ESXI_PASSWORD overrides cfg.Backend.ESXi.Password
//   - VMORCH_HYPERV_PASSWORD overrides cfg.Backend.HyperV.Password
//   - VMORCH_STORE_DSN overrides cfg.Store.DSN
func ApplyEnvOverrides(cfg *Config) {
	if token := os.Getenv("VMORCH_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if port, err := strconv.Atoi(os.Getenv("VMORCH_PORT")); err == nil && port > 0 {
		cfg.Server.Port = port
	}
	if level := os.Getenv("VMORCH_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if kind := os.Getenv("VMORCH_BACKEND"); kind != "" {
		cfg.Backend.Kind = kind
	}
	if pw := os.Getenv("VMORCH_ESXI_PASSWORD"); pw != "" {
		cfg.Backend.ESXi.Password = pw
	}
	if pw := os.Getenv("VMORCH_HYPERV_PASSWORD"); pw != "" {
		cfg.Backend.HyperV.Password = pw
	}
	if dsn := os.Getenv("VMORCH_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
}

// EnsureAuthToken generates a random auth token and sets it on cfg if
// cfg.Server.AuthToken is empty. It returns the token (existing or generated)
// and any error encountered during generation.
func EnsureAuthToken(cfg *Config) (string, error) {
	if cfg.Server.AuthToken != "" {
		return cfg.Server.AuthToken, nil
	}
	token, err := GenerateRandomToken()
	if err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	cfg.Server.AuthToken = token
	return token, nil
}

// GenerateRandomToken returns a 32-character hex-encoded cryptographically
// random token string.
func GenerateRandomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	return hex.EncodeToString(b), nil
}
