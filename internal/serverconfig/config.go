// Package serverconfig loads and validates the flashd server configuration:
// strict YAML decoding, paths resolved relative to the config file, and a
// two-mode validator (full vs. development). Every scalar key may be
// overridden by its FLASHD_ upper-snake-case environment equivalent; the
// devices list has no environment override.
package serverconfig

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashgrove/flashvault/internal/vault"
)

// ValidationMode selects how strict Validate is. ValidationDev permits a
// self-generated master key; ValidationFull requires one from config unless
// dev_mode is set.
type ValidationMode int

const (
	ValidationFull ValidationMode = iota
	ValidationDev
)

// Config is the full flashd server configuration.
type Config struct {
	Listen               string             `yaml:"listen"`
	StorageDir           string             `yaml:"storage_dir"`
	MasterKeyBase64      string             `yaml:"master_key_base64"`
	SessionTTLMinutes    int                `yaml:"session_ttl_minutes"`
	SweepIntervalSeconds int                `yaml:"sweep_interval_seconds"`
	DevMode              bool               `yaml:"dev_mode"`
	LogFormat            string             `yaml:"log_format"`
	Devices              []vault.DeviceType `yaml:"devices"`
}

// SessionTTL returns the configured TTL as a time.Duration.
func (c *Config) SessionTTL() time.Duration {
	if c.SessionTTLMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// SweepInterval returns the cadence of the session-table sweep.
func (c *Config) SweepInterval() time.Duration {
	if c.SweepIntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// MasterKey decodes the configured base64 master key. If none is configured
// and DevMode is set, it returns the errDevGenerate sentinel (see
// IsDevGenerate) instead of a key, leaving generation of a development-only
// key to the caller.
func (c *Config) MasterKey() ([]byte, error) {
	if strings.TrimSpace(c.MasterKeyBase64) == "" {
		if !c.DevMode {
			return nil, fmt.Errorf("serverconfig: master_key_base64 is required outside dev_mode")
		}
		return nil, errDevGenerate
	}
	key, err := base64.StdEncoding.DecodeString(c.MasterKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("serverconfig: master_key_base64 is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("serverconfig: master key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// errDevGenerate is a sentinel the caller (cmd/flashd) checks for to decide
// whether to mint a development-only key; kept distinct from a real
// failure so it can never be silently treated as success.
var errDevGenerate = fmt.Errorf("serverconfig: no master key configured, dev_mode key generation requested")

// IsDevGenerate reports whether err is the sentinel returned by MasterKey
// when a development-only self-generated key should be used.
func IsDevGenerate(err error) bool {
	return err == errDevGenerate
}

// Load reads, parses, resolves paths in, applies environment overrides to,
// and validates the config at path.
func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationFull)
}

// LoadWithMode is Load with an explicit ValidationMode.
func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("serverconfig: read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("serverconfig: parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	cfg.applyEnvOverrides()
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolvePaths(configPath string) {
	dir := filepath.Dir(configPath)
	c.StorageDir = resolvePath(dir, c.StorageDir)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

// applyEnvOverrides walks every scalar field of Config, applying its
// FLASHD_ environment equivalent when set.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FLASHD_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("FLASHD_STORAGE_DIR"); v != "" {
		c.StorageDir = v
	}
	if v := os.Getenv("FLASHD_MASTER_KEY_BASE64"); v != "" {
		c.MasterKeyBase64 = v
	}
	if v := os.Getenv("FLASHD_SESSION_TTL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SessionTTLMinutes = n
		}
	}
	if v := os.Getenv("FLASHD_SWEEP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SweepIntervalSeconds = n
		}
	}
	if v := os.Getenv("FLASHD_DEV_MODE"); v != "" {
		c.DevMode = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("FLASHD_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
}

// Validate runs ValidationFull.
func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationFull)
}

// ValidateWithMode validates common fields always, and the master key
// requirement only in ValidationFull mode.
func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("serverconfig: listen is required")
	}
	if strings.TrimSpace(c.StorageDir) == "" {
		return fmt.Errorf("serverconfig: storage_dir is required")
	}
	if info, err := os.Stat(c.StorageDir); err != nil || !info.IsDir() {
		return fmt.Errorf("serverconfig: storage_dir %q must exist and be a directory", c.StorageDir)
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("serverconfig: at least one device type is required")
	}
	for _, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("serverconfig: device type entries require a name")
		}
		if len(d.RequiredArtifacts) == 0 {
			return fmt.Errorf("serverconfig: device type %q requires at least one artifact", d.Name)
		}
	}

	switch mode {
	case ValidationDev:
		return nil
	case ValidationFull:
		if strings.TrimSpace(c.MasterKeyBase64) == "" && !c.DevMode {
			return fmt.Errorf("serverconfig: master_key_base64 is required outside dev_mode")
		}
		return nil
	default:
		return fmt.Errorf("serverconfig: unsupported validation mode: %d", mode)
	}
}
