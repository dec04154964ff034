// Package config loads gateway configuration with viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root of the gateway configuration.
type Config struct {
	Gateway GatewayConfig           `mapstructure:"gateway" yaml:"gateway"`
	Agent   AgentConfig             `mapstructure:"agent" yaml:"agent"`
	Catalog CatalogConfig           `mapstructure:"catalog" yaml:"catalog"`
	Bridges map[string]BridgeConfig `mapstructure:"bridges" yaml:"bridges"`
	Shim    ShimConfig              `mapstructure:"shim" yaml:"shim"`
	Policy  PolicyConfig            `mapstructure:"policy" yaml:"policy"`
	Storage StorageConfig           `mapstructure:"storage" yaml:"storage"`
	Log     LogConfig               `mapstructure:"log" yaml:"log"`
	Health  HealthConfig            `mapstructure:"health" yaml:"health"`
}

// GatewayConfig configures the HTTP/WebSocket listener.
type GatewayConfig struct {
	Port        int             `mapstructure:"port" yaml:"port"`
	Host        string          `mapstructure:"host" yaml:"host"`
	CORSOrigins []string        `mapstructure:"cors_origins" yaml:"cors_origins"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-client REST rate limiting.
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int           `mapstructure:"burst" yaml:"burst"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// AgentConfig describes the agent command line launched per project.
type AgentConfig struct {
	Executable      string            `mapstructure:"executable" yaml:"executable"`
	Args            []string          `mapstructure:"args" yaml:"args"`
	Env             map[string]string `mapstructure:"env" yaml:"env"`
	WorkDir         string            `mapstructure:"work_dir" yaml:"work_dir"`
	Adapter         string            `mapstructure:"adapter" yaml:"adapter"` // adapter identity used in the lock key
	GracePeriod     time.Duration     `mapstructure:"grace_period" yaml:"grace_period"`
	LockDir         string            `mapstructure:"lock_dir" yaml:"lock_dir"`
	StderrTailLines int               `mapstructure:"stderr_tail_lines" yaml:"stderr_tail_lines"`
}

// CatalogConfig points at the tool-definition source.
type CatalogConfig struct {
	Source string `mapstructure:"source" yaml:"source"`
	Watch  bool   `mapstructure:"watch" yaml:"watch"`
}

// BridgeConfig describes one remote tool executor.
type BridgeConfig struct {
	Address     string        `mapstructure:"address" yaml:"address"`
	Transport   string        `mapstructure:"transport" yaml:"transport"` // tcp, ws, pipe
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// ShimConfig tunes the tool-call shim.
type ShimConfig struct {
	ToolTimeout    time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
	CoalesceWindow time.Duration `mapstructure:"coalesce_window" yaml:"coalesce_window"`
}

// PolicyConfig lists tool patterns per sensitivity class.
type PolicyConfig struct {
	Sensitive map[string][]string `mapstructure:"sensitive" yaml:"sensitive"`
}

// StorageConfig configures the sqlite database.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// HealthConfig schedules bridge health probes. Empty schedule disables them.
type HealthConfig struct {
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
}

// TimeoutFor returns the call timeout for a bridge service, falling back to
// the shim-wide tool timeout.
func (c *Config) TimeoutFor(service string) time.Duration {
	if b, ok := c.Bridges[service]; ok && b.Timeout > 0 {
		return b.Timeout
	}
	if c.Shim.ToolTimeout > 0 {
		return c.Shim.ToolTimeout
	}
	return 30 * time.Second
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load reads configuration. Precedence: env > file > defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("ATELIER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", expandedPath, err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the last loaded configuration.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// Path returns the path of the loaded config file.
func Path() string {
	mu.RLock()
	defer mu.RUnlock()
	return configPath
}

// SaveTo writes cfg as YAML to path, creating parent directories.
func SaveTo(cfg *Config, path string) error {
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(expanded, data, 0600)
}

// Reset clears viper state. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}
