package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shipyard-neo/bay/pkg/types"
)

const (
	// DefaultMountPath is where cargo volumes are mounted inside runtime
	// containers.
	DefaultMountPath = "/workspace"

	// DefaultStartTimeout bounds session startup end to end.
	DefaultStartTimeout = 120 * time.Second
)

// Config is the static configuration of a Bay instance, loaded from a YAML
// file with environment overrides applied on top.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Driver      DriverConfig      `yaml:"driver"`
	Cargo       CargoConfig       `yaml:"cargo"`
	Security    SecurityConfig    `yaml:"security"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	GC          GCConfig          `yaml:"gc"`
	Profiles    []*Profile        `yaml:"profiles"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type DriverConfig struct {
	Type                string           `yaml:"type"` // "docker" or "kubernetes"
	StartTimeoutSeconds int              `yaml:"start_timeout_seconds"`
	Docker              DockerConfig     `yaml:"docker"`
	Kubernetes          KubernetesConfig `yaml:"kubernetes"`
}

// StartTimeout returns the bounded session-startup timeout.
func (d DriverConfig) StartTimeout() time.Duration {
	if d.StartTimeoutSeconds <= 0 {
		return DefaultStartTimeout
	}
	return time.Duration(d.StartTimeoutSeconds) * time.Second
}

type DockerConfig struct {
	Host string `yaml:"host"`
	// Network, when set, attaches runtime containers to this network and
	// endpoints use the container IP. When empty, the runtime port is
	// published on a random host port and endpoints use 127.0.0.1.
	Network string `yaml:"network"`
}

type KubernetesConfig struct {
	Namespace    string `yaml:"namespace"`
	StorageClass string `yaml:"storage_class"`
	Kubeconfig   string `yaml:"kubeconfig"`
}

type CargoConfig struct {
	DefaultSizeLimitMB int    `yaml:"default_size_limit_mb"`
	MountPath          string `yaml:"mount_path"`
}

type SecurityConfig struct {
	APIKey         string `yaml:"api_key"`
	AllowAnonymous bool   `yaml:"allow_anonymous"`
	// DefaultOwner is the owner attributed to authenticated requests when
	// anonymous mode is off.
	DefaultOwner string `yaml:"default_owner"`
}

type IdempotencyConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// TTL returns the idempotency record lifetime, defaulting to one hour.
func (i IdempotencyConfig) TTL() time.Duration {
	if i.TTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(i.TTLSeconds) * time.Second
}

type GCConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RunOnStartup    bool          `yaml:"run_on_startup"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	InstanceID      string        `yaml:"instance_id"`
	Tasks           GCTasksConfig `yaml:"tasks"`
}

func (g GCConfig) Interval() time.Duration {
	if g.IntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(g.IntervalSeconds) * time.Second
}

type GCTasksConfig struct {
	IdleSession     GCTaskToggle `yaml:"idle_session"`
	ExpiredSandbox  GCTaskToggle `yaml:"expired_sandbox"`
	OrphanCargo     GCTaskToggle `yaml:"orphan_cargo"`
	OrphanContainer GCTaskToggle `yaml:"orphan_container"`
}

type GCTaskToggle struct {
	Enabled *bool `yaml:"enabled"`
}

// On resolves the toggle against its default; unset means the default.
func (t GCTaskToggle) On(def bool) bool {
	if t.Enabled == nil {
		return def
	}
	return *t.Enabled
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Profile defines a sandbox's runtime topology and capability set.
type Profile struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description"`
	Containers  []*ContainerSpec  `yaml:"containers"`
	IdleTimeout int               `yaml:"idle_timeout"` // seconds; 0 = never idle out
	Startup     StartupConfig     `yaml:"startup"`
	Env         map[string]string `yaml:"env"`

	// Legacy single-container shape. The loader normalizes these into a
	// one-element Containers list before anything downstream runs.
	Image       string `yaml:"image"`
	RuntimeType string `yaml:"runtime_type"`
	RuntimePort int    `yaml:"runtime_port"`
}

// IdleTimeoutDuration returns the idle timeout, zero meaning disabled.
func (p *Profile) IdleTimeoutDuration() time.Duration {
	return time.Duration(p.IdleTimeout) * time.Second
}

// Capabilities returns the union of all containers' declared capabilities.
func (p *Profile) Capabilities() []types.Capability {
	seen := make(map[types.Capability]bool)
	var out []types.Capability
	for _, c := range p.Containers {
		for _, cap := range c.Capabilities {
			if !seen[cap] {
				seen[cap] = true
				out = append(out, cap)
			}
		}
	}
	return out
}

// Declares reports whether any container in the profile declares the
// capability. Used by the API layer's static gate.
func (p *Profile) Declares(cap types.Capability) bool {
	for _, c := range p.Containers {
		for _, dc := range c.Capabilities {
			if dc == cap {
				return true
			}
		}
	}
	return false
}

type StartupConfig struct {
	Order      string `yaml:"order"` // "parallel" or "sequential"
	WaitForAll bool   `yaml:"wait_for_all"`
}

// ContainerSpec defines one container of a profile.
type ContainerSpec struct {
	Name         string             `yaml:"name"`
	Image        string             `yaml:"image"`
	RuntimeType  types.RuntimeType  `yaml:"runtime_type"`
	RuntimePort  int                `yaml:"runtime_port"`
	Resources    ResourceLimits     `yaml:"resources"`
	Capabilities []types.Capability `yaml:"capabilities"`
	PrimaryFor   []types.Capability `yaml:"primary_for"`
	Env          map[string]string  `yaml:"env"`
}

type ResourceLimits struct {
	CPUCores float64 `yaml:"cpu_cores"`
	MemoryMB int     `yaml:"memory_mb"`
}

// Load reads and validates a config file, applying defaults, environment
// overrides, and profile normalization.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	for _, p := range cfg.Profiles {
		if err := normalizeProfile(p); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BAY_API_KEY"); v != "" {
		c.Security.APIKey = v
	}
	if v := os.Getenv("BAY_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("BAY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("BAY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("BAY_DRIVER"); v != "" {
		c.Driver.Type = v
	}
	if v := os.Getenv("BAY_INSTANCE_ID"); v != "" {
		c.GC.InstanceID = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Path == "" {
		c.Database.Path = "./bay-data"
	}
	if c.Driver.Type == "" {
		c.Driver.Type = "docker"
	}
	if c.Cargo.MountPath == "" {
		c.Cargo.MountPath = DefaultMountPath
	}
	if c.Cargo.DefaultSizeLimitMB == 0 {
		c.Cargo.DefaultSizeLimitMB = 1024
	}
	if c.GC.InstanceID == "" {
		c.GC.InstanceID = "bay-default"
	}
	if c.Security.DefaultOwner == "" {
		c.Security.DefaultOwner = "default"
	}
	if c.Kubernetes().Namespace == "" {
		c.Driver.Kubernetes.Namespace = "bay"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Kubernetes is a shorthand accessor used during defaulting.
func (c *Config) Kubernetes() KubernetesConfig { return c.Driver.Kubernetes }

// normalizeProfile folds the legacy single-image shape into the
// multi-container shape so all downstream components see one form only.
func normalizeProfile(p *Profile) error {
	if len(p.Containers) == 0 && p.Image != "" {
		spec := &ContainerSpec{
			Name:        "main",
			Image:       p.Image,
			RuntimeType: types.RuntimeType(p.RuntimeType),
			RuntimePort: p.RuntimePort,
		}
		if spec.RuntimeType == "" {
			spec.RuntimeType = types.RuntimeTypeCode
		}
		spec.Capabilities = defaultCapabilities(spec.RuntimeType)
		p.Containers = []*ContainerSpec{spec}
	}
	p.Image = ""
	p.RuntimeType = ""
	p.RuntimePort = 0

	for _, c := range p.Containers {
		if c.RuntimePort == 0 {
			c.RuntimePort = 8000
		}
		if len(c.Capabilities) == 0 {
			c.Capabilities = defaultCapabilities(c.RuntimeType)
		}
	}
	if p.Startup.Order == "" {
		p.Startup.Order = "parallel"
	}
	return nil
}

func defaultCapabilities(rt types.RuntimeType) []types.Capability {
	switch rt {
	case types.RuntimeTypeBrowser:
		return []types.Capability{types.CapabilityBrowser}
	default:
		return []types.Capability{
			types.CapabilityCode,
			types.CapabilityShell,
			types.CapabilityFilesystem,
		}
	}
}

func (c *Config) validate() error {
	switch c.Driver.Type {
	case "docker", "kubernetes":
	default:
		return fmt.Errorf("unknown driver type %q", c.Driver.Type)
	}

	seen := make(map[string]bool)
	for _, p := range c.Profiles {
		if p.ID == "" {
			return fmt.Errorf("profile with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate profile id %q", p.ID)
		}
		seen[p.ID] = true

		if len(p.Containers) == 0 {
			return fmt.Errorf("profile %q has no containers", p.ID)
		}
		names := make(map[string]bool)
		for _, spec := range p.Containers {
			if spec.Name == "" {
				return fmt.Errorf("profile %q has a container with no name", p.ID)
			}
			if names[spec.Name] {
				return fmt.Errorf("profile %q has duplicate container name %q", p.ID, spec.Name)
			}
			names[spec.Name] = true
			if spec.Image == "" {
				return fmt.Errorf("profile %q container %q has no image", p.ID, spec.Name)
			}
			for _, cap := range spec.Capabilities {
				if !types.KnownCapabilities[cap] {
					return fmt.Errorf("profile %q container %q declares unknown capability %q", p.ID, spec.Name, cap)
				}
			}
			for _, cap := range spec.PrimaryFor {
				if !types.KnownCapabilities[cap] {
					return fmt.Errorf("profile %q container %q is primary for unknown capability %q", p.ID, spec.Name, cap)
				}
			}
		}
	}
	return nil
}

// Profile looks up a profile by id, nil when absent.
func (c *Config) Profile(id string) *Profile {
	for _, p := range c.Profiles {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// DefaultProfile returns the first configured profile, used when a create
// request names none.
func (c *Config) DefaultProfile() *Profile {
	if len(c.Profiles) == 0 {
		return nil
	}
	return c.Profiles[0]
}
