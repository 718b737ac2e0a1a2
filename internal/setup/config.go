package setup

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where the finalizer looks for its configuration
// unless overridden on the command line.
var DefaultConfigPath = "/etc/cloneprep/config.yaml"

// Config is the on-disk configuration for a finalization run. Every stage
// is enabled by default; a missing file yields Default().
type Config struct {
	Platform PlatformConfig `yaml:"platform"`
	Stages   StagesConfig   `yaml:"stages"`
	Agent    AgentConfig    `yaml:"agent"`
	Prune    PruneConfig    `yaml:"prune"`
	Reclaim  ReclaimConfig  `yaml:"reclaim"`
	Identity IdentityConfig `yaml:"identity"`
}

// PlatformConfig carries the explicit platform flags and marker locations
// consumed by detection.
type PlatformConfig struct {
	OVirt      bool   `yaml:"ovirt"`
	Tart       bool   `yaml:"tart"`
	VBoxMarker string `yaml:"vbox_marker"`
}

// StagesConfig gates each pipeline stage independently.
type StagesConfig struct {
	GuestAgent *bool `yaml:"guest_agent"`
	Prune      *bool `yaml:"prune"`
	Identity   *bool `yaml:"identity"`
	Reclaim    *bool `yaml:"reclaim"`
}

// AgentConfig selects how the guest agent is installed.
type AgentConfig struct {
	Method     string `yaml:"method"`
	Repository string `yaml:"repository"`
	ReleaseTag string `yaml:"release_tag"`
	BaseURL    string `yaml:"base_url"`
	VBoxISO    string `yaml:"vbox_iso"`

	Platforms AgentPlatformsConfig `yaml:"platforms"`
}

// AgentPlatformsConfig gates each platform's integration stage on its own,
// underneath the overall stages.guest_agent toggle. Unset platforms stay
// enabled.
type AgentPlatformsConfig struct {
	Qemu       *bool `yaml:"qemu"`
	VirtualBox *bool `yaml:"virtualbox"`
	VMware     *bool `yaml:"vmware"`
	Parallels  *bool `yaml:"parallels"`
	Tart       *bool `yaml:"tart"`
}

// PruneConfig configures development-package removal.
type PruneConfig struct {
	Pattern string `yaml:"pattern"`
}

// ReclaimConfig tunes the free-space fill and cleanup.
type ReclaimConfig struct {
	FillPath       string   `yaml:"fill_path"`
	BlockSize      int      `yaml:"block_size"`
	MaxBytes       int64    `yaml:"max_bytes"`
	DeleteAttempts int      `yaml:"delete_attempts"`
	DeleteDelay    Duration `yaml:"delete_delay"`
}

// IdentityConfig names the deferred host-key regeneration unit.
type IdentityConfig struct {
	RegenUnit string `yaml:"regen_unit"`
}

// Duration wraps time.Duration so values like "2s" parse from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Platform: PlatformConfig{
			VBoxMarker: "/var/run/vbox_version",
		},
		Agent: AgentConfig{
			Method:     "auto",
			Repository: "cirruslabs/tart-guest-agent",
			ReleaseTag: "latest",
			VBoxISO:    "/opt/VBoxGuestAdditions.iso",
		},
		Prune: PruneConfig{
			Pattern: "*-dev",
		},
		Reclaim: ReclaimConfig{
			FillPath:       "/zero.fill",
			BlockSize:      4 * 1024 * 1024,
			DeleteAttempts: 5,
			DeleteDelay:    Duration(2 * time.Second),
		},
		Identity: IdentityConfig{
			RegenUnit: "regenerate-ssh-host-keys.service",
		},
	}
}

// Load reads the configuration at path, layering it over Default().
// A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	config := Default()
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return config, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parse config %s: %w", path, err)
	}
	return normalize(config), nil
}

// Verify checks that the configuration at path is readable and parses.
func Verify(path string) error {
	getLogger().Info("verifying configuration", "path", path)
	_, err := Load(path)
	return err
}

// StageEnabled interprets an optional gate, defaulting to enabled.
func StageEnabled(gate *bool) bool {
	return gate == nil || *gate
}

func normalize(config Config) Config {
	defaults := Default()
	if config.Platform.VBoxMarker == "" {
		config.Platform.VBoxMarker = defaults.Platform.VBoxMarker
	}
	if config.Agent.Method == "" {
		config.Agent.Method = defaults.Agent.Method
	}
	if config.Agent.Repository == "" {
		config.Agent.Repository = defaults.Agent.Repository
	}
	if config.Agent.ReleaseTag == "" {
		config.Agent.ReleaseTag = defaults.Agent.ReleaseTag
	}
	if config.Agent.VBoxISO == "" {
		config.Agent.VBoxISO = defaults.Agent.VBoxISO
	}
	if config.Prune.Pattern == "" {
		config.Prune.Pattern = defaults.Prune.Pattern
	}
	if config.Reclaim.FillPath == "" {
		config.Reclaim.FillPath = defaults.Reclaim.FillPath
	}
	if config.Reclaim.BlockSize <= 0 {
		config.Reclaim.BlockSize = defaults.Reclaim.BlockSize
	}
	if config.Reclaim.DeleteAttempts <= 0 {
		config.Reclaim.DeleteAttempts = defaults.Reclaim.DeleteAttempts
	}
	if config.Reclaim.DeleteDelay <= 0 {
		config.Reclaim.DeleteDelay = defaults.Reclaim.DeleteDelay
	}
	if config.Identity.RegenUnit == "" {
		config.Identity.RegenUnit = defaults.Identity.RegenUnit
	}
	return config
}
