// ABOUTME: Configuration structs and YAML loading with env expansion
// ABOUTME: Duration strings are parsed after unmarshal, defaults applied last

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is absent.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHeartbeatTimeout     = 10 * time.Second
	DefaultReconnectMaxAttempts = 10
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 2 * time.Minute
	DefaultMaxRequestAge        = 60 * time.Second
	DefaultBruteForceThreshold  = 5
	DefaultBruteForceWindow     = 5 * time.Minute
	DefaultAuditRetention       = 90 * 24 * time.Hour
)

// Config is the complete configuration for the security core.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Session    SessionConfig    `yaml:"session"`
	Permission PermissionConfig `yaml:"permission"`
	Policy     PolicyConfig     `yaml:"policy"`
	Audit      AuditConfig      `yaml:"audit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig identifies the remote server the client connects to.
type ServerConfig struct {
	URL       string `yaml:"url"`        // ws:// or wss:// endpoint
	ProjectID string `yaml:"project_id"` // target project on the server
}

// DatabaseConfig holds local persistence settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig holds heartbeat and reconnection tuning.
type SessionConfig struct {
	HeartbeatInterval    time.Duration `yaml:"-"`
	HeartbeatTimeout     time.Duration `yaml:"-"`
	ReconnectBaseDelay   time.Duration `yaml:"-"`
	ReconnectMaxDelay    time.Duration `yaml:"-"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`

	HeartbeatIntervalRaw  string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw   string `yaml:"heartbeat_timeout"`
	ReconnectBaseDelayRaw string `yaml:"reconnect_base_delay"`
	ReconnectMaxDelayRaw  string `yaml:"reconnect_max_delay"`
}

// PermissionConfig tunes permission request verification.
type PermissionConfig struct {
	MaxRequestAge       time.Duration `yaml:"-"`
	BruteForceWindow    time.Duration `yaml:"-"`
	BruteForceThreshold int           `yaml:"brute_force_threshold"`

	MaxRequestAgeRaw    string `yaml:"max_request_age"`
	BruteForceWindowRaw string `yaml:"brute_force_window"`
}

// PolicyConfig points at the declarative policy set.
type PolicyConfig struct {
	File            string `yaml:"file"`             // TOML policy file, optional
	DefaultDecision string `yaml:"default_decision"` // allow, deny, or require_confirmation
}

// AuditConfig holds audit trail retention settings.
type AuditConfig struct {
	Retention    time.Duration `yaml:"-"`
	RetentionRaw string        `yaml:"retention"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads, expands, parses, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the environment value, or the empty
// string when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// parseDurations converts raw duration strings into time.Duration fields.
func (c *Config) parseDurations() error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{c.Session.HeartbeatIntervalRaw, "session.heartbeat_interval", &c.Session.HeartbeatInterval},
		{c.Session.HeartbeatTimeoutRaw, "session.heartbeat_timeout", &c.Session.HeartbeatTimeout},
		{c.Session.ReconnectBaseDelayRaw, "session.reconnect_base_delay", &c.Session.ReconnectBaseDelay},
		{c.Session.ReconnectMaxDelayRaw, "session.reconnect_max_delay", &c.Session.ReconnectMaxDelay},
		{c.Permission.MaxRequestAgeRaw, "permission.max_request_age", &c.Permission.MaxRequestAge},
		{c.Permission.BruteForceWindowRaw, "permission.brute_force_window", &c.Permission.BruteForceWindow},
		{c.Audit.RetentionRaw, "audit.retention", &c.Audit.Retention},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// applyDefaults fills zero-valued tunables with defaults.
func (c *Config) applyDefaults() {
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Session.HeartbeatTimeout == 0 {
		c.Session.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Session.ReconnectBaseDelay == 0 {
		c.Session.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Session.ReconnectMaxDelay == 0 {
		c.Session.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Session.ReconnectMaxAttempts == 0 {
		c.Session.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	if c.Permission.MaxRequestAge == 0 {
		c.Permission.MaxRequestAge = DefaultMaxRequestAge
	}
	if c.Permission.BruteForceThreshold == 0 {
		c.Permission.BruteForceThreshold = DefaultBruteForceThreshold
	}
	if c.Permission.BruteForceWindow == 0 {
		c.Permission.BruteForceWindow = DefaultBruteForceWindow
	}
	if c.Policy.DefaultDecision == "" {
		c.Policy.DefaultDecision = "require_confirmation"
	}
	if c.Audit.Retention == 0 {
		c.Audit.Retention = DefaultAuditRetention
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks required fields and enum values.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.ProjectID == "" {
		return fmt.Errorf("server.project_id is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Policy.DefaultDecision {
	case "allow", "deny", "require_confirmation":
	default:
		return fmt.Errorf("policy.default_decision must be allow, deny, or require_confirmation, got %q", c.Policy.DefaultDecision)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
