package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	ConfigFile  string `envconfig:"MINDD_CONFIG_FILE"`

	// Layout
	StateDir     string `envconfig:"MINDD_STATE_DIR" default:"/var/lib/mindd"`
	MindsDir     string `envconfig:"MINDD_MINDS_DIR"`     // default: <StateDir>/minds
	TemplatesDir string `envconfig:"MINDD_TEMPLATES_DIR"` // default: <StateDir>/templates
	DBPath       string `envconfig:"MINDD_DB_PATH"`       // default: <StateDir>/mindd.db

	// Processes
	BasePort          int           `envconfig:"MINDD_BASE_PORT" default:"4100"`
	MindCommand       string        `envconfig:"MINDD_MIND_COMMAND" default:"npm start"`
	InstallCommand    string        `envconfig:"MINDD_INSTALL_COMMAND" default:"npm install"`
	HealthTimeout     time.Duration `envconfig:"MINDD_HEALTH_TIMEOUT" default:"30s"`
	HealthInterval    time.Duration `envconfig:"MINDD_HEALTH_INTERVAL" default:"500ms"`
	StopGrace         time.Duration `envconfig:"MINDD_STOP_GRACE" default:"5s"`
	CrashRestartDelay time.Duration `envconfig:"MINDD_CRASH_RESTART_DELAY" default:"3s"`
	RestoreOnBoot     bool          `envconfig:"MINDD_RESTORE_ON_BOOT" default:"true"`
	GitBin            string        `envconfig:"MINDD_GIT_BIN" default:"git"`

	// Events
	EventBufferSize   int           `envconfig:"MINDD_EVENT_BUFFER_SIZE" default:"1000"`
	KeepAliveInterval time.Duration `envconfig:"MINDD_KEEPALIVE_INTERVAL" default:"15s"`

	// API
	ListenAddr     string `envconfig:"MINDD_LISTEN_ADDR" default:"127.0.0.1:4200"`
	AuthMode       string `envconfig:"MINDD_AUTH_MODE" default:"api-key"`
	APIKey         string `envconfig:"MINDD_API_KEY"`
	RateLimitRPS   int    `envconfig:"MINDD_RATE_LIMIT_RPS" default:"50"`
	RateLimitBurst int    `envconfig:"MINDD_RATE_LIMIT_BURST" default:"100"`
	CORSOrigins    string `envconfig:"MINDD_CORS_ORIGINS"`
}

// Load reads configuration from environment variables, then applies the
// optional YAML file named by MINDD_CONFIG_FILE.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if c.BasePort < 1 || c.BasePort > 65535 {
		return fmt.Errorf("MINDD_BASE_PORT %d out of range", c.BasePort)
	}
	if strings.TrimSpace(c.MindCommand) == "" {
		return fmt.Errorf("MINDD_MIND_COMMAND must not be empty")
	}
	if c.EventBufferSize < 1 {
		return fmt.Errorf("MINDD_EVENT_BUFFER_SIZE must be positive")
	}
	switch c.AuthMode {
	case "api-key":
		if c.APIKey == "" {
			return fmt.Errorf("MINDD_API_KEY is required when MINDD_AUTH_MODE=api-key")
		}
	case "none":
	default:
		return fmt.Errorf("unknown MINDD_AUTH_MODE %q", c.AuthMode)
	}
	return nil
}

func (c *Config) fillPaths() {
	if c.MindsDir == "" {
		c.MindsDir = filepath.Join(c.StateDir, "minds")
	}
	if c.TemplatesDir == "" {
		c.TemplatesDir = filepath.Join(c.StateDir, "templates")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.StateDir, "mindd.db")
	}
}

// RegistryPath is the JSON file holding mind entries.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.StateDir, "minds.json")
}

// VariantsDir holds one JSON file of variants per mind.
func (c *Config) VariantsDir() string {
	return filepath.Join(c.StateDir, "variants")
}

// WorktreesDir holds variant worktrees, one directory per mind.
func (c *Config) WorktreesDir() string {
	return filepath.Join(c.StateDir, "worktrees")
}

// fileOverlay mirrors the subset of Config that may be set from YAML.
// An explicitly set environment variable always wins over the file.
type fileOverlay struct {
	LogLevel          *string `yaml:"log_level"`
	StateDir          *string `yaml:"state_dir"`
	MindsDir          *string `yaml:"minds_dir"`
	TemplatesDir      *string `yaml:"templates_dir"`
	BasePort          *int    `yaml:"base_port"`
	MindCommand       *string `yaml:"mind_command"`
	InstallCommand    *string `yaml:"install_command"`
	HealthTimeout     *string `yaml:"health_timeout"`
	CrashRestartDelay *string `yaml:"crash_restart_delay"`
	ListenAddr        *string `yaml:"listen_addr"`
	APIKey            *string `yaml:"api_key"`
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var ov fileOverlay
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(raw))), &ov); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	setString := func(env string, dst *string, v *string) {
		if v == nil {
			return
		}
		if _, ok := os.LookupEnv(env); ok {
			return
		}
		*dst = *v
	}
	setDuration := func(env string, dst *time.Duration, v *string) error {
		if v == nil {
			return nil
		}
		if _, ok := os.LookupEnv(env); ok {
			return nil
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", env, err)
		}
		*dst = d
		return nil
	}

	setString("LOG_LEVEL", &c.LogLevel, ov.LogLevel)
	setString("MINDD_STATE_DIR", &c.StateDir, ov.StateDir)
	setString("MINDD_MINDS_DIR", &c.MindsDir, ov.MindsDir)
	setString("MINDD_TEMPLATES_DIR", &c.TemplatesDir, ov.TemplatesDir)
	setString("MINDD_MIND_COMMAND", &c.MindCommand, ov.MindCommand)
	setString("MINDD_INSTALL_COMMAND", &c.InstallCommand, ov.InstallCommand)
	setString("MINDD_LISTEN_ADDR", &c.ListenAddr, ov.ListenAddr)
	setString("MINDD_API_KEY", &c.APIKey, ov.APIKey)
	if ov.BasePort != nil {
		if _, ok := os.LookupEnv("MINDD_BASE_PORT"); !ok {
			c.BasePort = *ov.BasePort
		}
	}
	if err := setDuration("MINDD_HEALTH_TIMEOUT", &c.HealthTimeout, ov.HealthTimeout); err != nil {
		return err
	}
	return setDuration("MINDD_CRASH_RESTART_DELAY", &c.CrashRestartDelay, ov.CrashRestartDelay)
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
