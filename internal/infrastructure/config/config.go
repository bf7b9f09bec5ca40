package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the access core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
	RBAC     RBACConfig     `yaml:"rbac"`
}

// ServiceConfig identifies this instance in logs, metrics and change notifications.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// MQTTConfig contains MQTT broker settings for permission change notifications.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB settings for authorization metrics.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig configures verification of bearer tokens issued by the
// authentication service. Tokens are never issued here.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// RBACConfig declares the registered domain sets and the permission engine tuning.
type RBACConfig struct {
	// Roles, Modules and Actions are the registered sets. Writes naming
	// anything outside them are rejected, and the matrix is dense over them.
	Roles   []CatalogEntry `yaml:"roles"`
	Modules []CatalogEntry `yaml:"modules"`
	Actions []CatalogEntry `yaml:"actions"`

	// SuperRole is granted every (module, action) when defaults are seeded.
	SuperRole string `yaml:"super_role"`

	// SeedDefaults fills matrix gaps on startup (deny-all except SuperRole).
	SeedDefaults bool `yaml:"seed_defaults"`

	// MaxRetries bounds optimistic-concurrency retries per write.
	MaxRetries int `yaml:"max_retries"`

	// DecisionSampleRate is the fraction (0..1) of guard decisions
	// reported to the metrics sink.
	DecisionSampleRate float64 `yaml:"decision_sample_rate"`

	Cache RBACCacheConfig `yaml:"cache"`
}

// CatalogEntry is one declared role, module or action.
type CatalogEntry struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name"`
}

// RBACCacheConfig controls the in-process permission snapshot.
type RBACCacheConfig struct {
	Enabled bool `yaml:"enabled"`

	// VerifyInterval is how long a snapshot is trusted before the store
	// generation is re-read. Zero verifies on every read. Writes made by
	// this process always invalidate immediately.
	VerifyInterval time.Duration `yaml:"verify_interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern GRAYLOGIC_SECTION_KEY, for
// example GRAYLOGIC_DATABASE_PATH or GRAYLOGIC_JWT_SECRET.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped, so a .env file is optional in every deployment.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading env file %s: %w", p, err)
		}
	}
	return nil
}

// Default returns the built-in configuration without reading a file.
// Environment overrides are applied.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:   "access-001",
			Name: "Gray Logic Access",
		},
		Database: DatabaseConfig{
			Path:        "./data/access.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-access",
			},
			QoS:         1,
			TopicPrefix: "graylogic/access",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		RBAC: RBACConfig{
			Roles: []CatalogEntry{
				{Name: "super_admin", DisplayName: "Super Administrator"},
				{Name: "admin", DisplayName: "Administrator"},
				{Name: "manager", DisplayName: "Manager"},
				{Name: "viewer", DisplayName: "Viewer"},
			},
			Modules: []CatalogEntry{
				{Name: "dashboard", DisplayName: "Dashboard"},
				{Name: "reports", DisplayName: "Reports"},
				{Name: "users", DisplayName: "Users"},
				{Name: "rbac", DisplayName: "Access Control"},
				{Name: "audit", DisplayName: "Audit Log"},
			},
			Actions: []CatalogEntry{
				{Name: "view", DisplayName: "View"},
				{Name: "create", DisplayName: "Create"},
				{Name: "edit", DisplayName: "Edit"},
				{Name: "delete", DisplayName: "Delete"},
				{Name: "export", DisplayName: "Export"},
			},
			SuperRole:          "super_admin",
			SeedDefaults:       true,
			MaxRetries:         3,
			DecisionSampleRate: 0.01,
			Cache: RBACCacheConfig{
				Enabled: true,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Always override the JWT secret in production.
	if v := os.Getenv("GRAYLOGIC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := os.Getenv("GRAYLOGIC_RBAC_SUPER_ROLE"); v != "" {
		cfg.RBAC.SuperRole = v
	}
}

// Validate checks the settings every entry point needs: storage, logging
// sinks and the registered RBAC sets.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	errs = append(errs, c.RBAC.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateServer adds the checks that only the HTTP service needs.
// The JWT secret is required: an empty or short secret lets anyone forge
// an identity with the super role.
func (c *Config) ValidateServer() error {
	var errs []string

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set GRAYLOGIC_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if c.API.TLS.Enabled && (c.API.TLS.CertFile == "" || c.API.TLS.KeyFile == "") {
		errs = append(errs, "api.tls.cert_file and api.tls.key_file are required when TLS is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r RBACConfig) validate() []string {
	var errs []string

	sets := []struct {
		name    string
		entries []CatalogEntry
	}{
		{"rbac.roles", r.Roles},
		{"rbac.modules", r.Modules},
		{"rbac.actions", r.Actions},
	}
	for _, set := range sets {
		if len(set.entries) == 0 {
			errs = append(errs, set.name+" must declare at least one entry")
			continue
		}
		seen := make(map[string]bool, len(set.entries))
		for _, e := range set.entries {
			if e.Name == "" {
				errs = append(errs, set.name+" contains an entry without a name")
				continue
			}
			if seen[e.Name] {
				errs = append(errs, fmt.Sprintf("%s declares %q twice", set.name, e.Name))
			}
			seen[e.Name] = true
		}
	}

	if r.SuperRole != "" && !r.hasRole(r.SuperRole) {
		errs = append(errs, fmt.Sprintf("rbac.super_role %q is not a declared role", r.SuperRole))
	}

	if r.MaxRetries < 0 || r.MaxRetries > 10 { //nolint:mnd // retry ceiling
		errs = append(errs, "rbac.max_retries must be between 0 and 10")
	}

	if r.DecisionSampleRate < 0 || r.DecisionSampleRate > 1 {
		errs = append(errs, "rbac.decision_sample_rate must be between 0 and 1")
	}

	if r.Cache.VerifyInterval < 0 {
		errs = append(errs, "rbac.cache.verify_interval must not be negative")
	}

	return errs
}

func (r RBACConfig) hasRole(name string) bool {
	for _, e := range r.Roles {
		if e.Name == name {
			return true
		}
	}
	return false
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
