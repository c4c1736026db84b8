// Package clientconfig loads and validates the flashctl client
// configuration, mirroring internal/serverconfig's shape: strict YAML
// decoding, paths resolved relative to the config file, and FLASHCTL_
// environment overrides.
package clientconfig

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashgrove/flashvault/internal/toolrunner"
)

// DeviceProfile binds one device type to the local tool that flashes it.
type DeviceProfile struct {
	DeviceType       string   `yaml:"device_type"`
	Tool             string   `yaml:"tool"`
	ArgumentTemplate []string `yaml:"argument_template"`
}

// Config is the full flashctl client configuration.
type Config struct {
	ServerBaseURL         string                      `yaml:"server_base_url"`
	ServiceName           string                      `yaml:"service_name"`
	ToolsDir              string                      `yaml:"tools_dir"`
	KeySize               int                         `yaml:"key_size"`
	OverwritePasses       int                         `yaml:"overwrite_passes"`
	IntegrityRequired     bool                        `yaml:"integrity_required"`
	RequestTimeoutSeconds int                         `yaml:"request_timeout_seconds"`
	Allowlist             []toolrunner.AllowlistEntry `yaml:"tool_allowlist"`
	Devices               []DeviceProfile             `yaml:"devices"`
}

// RequestTimeout returns the per-request HTTP timeout. The default is
// minutes-scale: artifact fetches can be large, and the session TTL is the
// real upper bound on how long a transfer may take.
func (c *Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Profile returns the DeviceProfile for deviceType, if configured.
func (c *Config) Profile(deviceType string) (DeviceProfile, bool) {
	for _, p := range c.Devices {
		if p.DeviceType == deviceType {
			return p, true
		}
	}
	return DeviceProfile{}, false
}

// Load reads, parses, resolves paths in, applies environment overrides to,
// and validates the config at path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("clientconfig: read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("clientconfig: parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolvePaths(configPath string) {
	dir := filepath.Dir(configPath)
	c.ToolsDir = resolvePath(dir, c.ToolsDir)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func (c *Config) applyDefaults() {
	if c.KeySize <= 0 {
		c.KeySize = 2048
	}
	if c.OverwritePasses <= 0 {
		c.OverwritePasses = 3
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "flashvault-flashctl"
	}
}

// applyEnvOverrides mirrors internal/serverconfig.applyEnvOverrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FLASHCTL_SERVER_BASE_URL"); v != "" {
		c.ServerBaseURL = v
	}
	if v := os.Getenv("FLASHCTL_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("FLASHCTL_TOOLS_DIR"); v != "" {
		c.ToolsDir = v
	}
	if v := os.Getenv("FLASHCTL_KEY_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.KeySize = n
		}
	}
	if v := os.Getenv("FLASHCTL_OVERWRITE_PASSES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OverwritePasses = n
		}
	}
	if v := os.Getenv("FLASHCTL_INTEGRITY_REQUIRED"); v != "" {
		c.IntegrityRequired = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("FLASHCTL_REQUEST_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RequestTimeoutSeconds = n
		}
	}
}

// Validate checks the fields flashctl cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServerBaseURL) == "" {
		return fmt.Errorf("clientconfig: server_base_url is required")
	}
	if strings.TrimSpace(c.ToolsDir) == "" {
		return fmt.Errorf("clientconfig: tools_dir is required")
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("clientconfig: at least one device profile is required")
	}
	for _, p := range c.Devices {
		if p.DeviceType == "" || p.Tool == "" {
			return fmt.Errorf("clientconfig: device profiles require device_type and tool")
		}
	}
	return nil
}
