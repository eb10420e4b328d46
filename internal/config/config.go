package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	API          APIConfig          `yaml:"api"`
	Database     DatabaseConfig     `yaml:"database"`
	Tenancy      TenancyConfig      `yaml:"tenancy"`
	Redis        RedisConfig        `yaml:"redis"`
	NATS         NATSConfig         `yaml:"nats"`
	JWT          JWTConfig          `yaml:"jwt"`
	Log          LogConfig          `yaml:"log"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Storage      StorageConfig      `yaml:"storage"`
	Isolation    IsolationConfig    `yaml:"isolation"`
	Invitations  InvitationConfig   `yaml:"invitations"`
	Notify       NotifyConfig       `yaml:"notifications"`
	Plans        PlansConfig        `yaml:"plans"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// DatabaseConfig represents the platform database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// TenancyConfig controls how tenant databases are located
type TenancyConfig struct {
	// DedicatedDSNTemplate is formatted with the database name, e.g.
	// "postgres://app:secret@db:5432/%s?sslmode=disable"
	DedicatedDSNTemplate string `yaml:"dedicated_dsn_template"`
	// DescriptorKey encrypts dedicated DSNs at rest when set
	DescriptorKey   string        `yaml:"descriptor_key"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	Issuer          string        `yaml:"issuer"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProvisioningConfig controls the provisioning job runner
type ProvisioningConfig struct {
	// Dispatch is "local" (in-process worker pool) or "nats"
	Dispatch   string        `yaml:"dispatch"`
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	Subject    string        `yaml:"subject"`
	QueueGroup string        `yaml:"queue_group"`
	StaleAfter time.Duration `yaml:"stale_after"`
	// LockTTL bounds one provisioning step; the lock is extended before each
	LockTTL     time.Duration `yaml:"lock_ttl"`
	AutoRetry   bool          `yaml:"auto_retry"`
	MaxAttempts int           `yaml:"max_attempts"`
	// Locker is "redis" or "local"
	Locker string `yaml:"locker"`
}

// StorageConfig selects the bucket provisioner
type StorageConfig struct {
	// Driver is "nats" (JetStream object store) or "local"
	Driver            string `yaml:"driver"`
	LocalDir          string `yaml:"local_dir"`
	DefaultQuotaBytes int64  `yaml:"default_quota_bytes"`
}

// IsolationConfig controls cross-tenant policy
type IsolationConfig struct {
	SuperadminBypass    *bool `yaml:"superadmin_bypass"`
	MaxEmergencyMinutes int   `yaml:"max_emergency_minutes"`
}

// BypassEnabled reports whether global superadmins skip membership checks
func (c IsolationConfig) BypassEnabled() bool {
	return c.SuperadminBypass == nil || *c.SuperadminBypass
}

// InvitationConfig controls owner invitations
type InvitationConfig struct {
	TTL    time.Duration `yaml:"ttl"`
	AppURL string        `yaml:"app_url"`
}

// NotifyConfig selects where platform notifications are delivered
type NotifyConfig struct {
	// Subject is the NATS subject, used when NATS is configured
	Subject string        `yaml:"subject"`
	Webhook WebhookConfig `yaml:"webhook"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
}

// WebhookConfig forwards notifications to an HTTP endpoint
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// MQTTConfig forwards notifications to an MQTT broker
type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// Topic may contain {company_id} and {type}
	Topic string `yaml:"topic"`
	QoS   byte   `yaml:"qos"`
	TLS   bool   `yaml:"tls"`
}

// PlansConfig is the plan catalog
type PlansConfig struct {
	Default string              `yaml:"default"`
	Catalog map[string]PlanSpec `yaml:"catalog"`
}

// PlanSpec describes what a plan allows
type PlanSpec struct {
	AllowedModules    []string `yaml:"allowed_modules"`
	DefaultModules    []string `yaml:"default_modules"`
	StorageQuotaBytes int64    `yaml:"storage_quota_bytes"`
	AllowedIsolation  []string `yaml:"allowed_isolation"`
}

// Lookup returns the plan by name
func (p PlansConfig) Lookup(name string) (PlanSpec, bool) {
	spec, ok := p.Catalog[name]
	return spec, ok
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		c.Redis.Addr = redisAddr
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if tpl := os.Getenv("TENANT_DSN_TEMPLATE"); tpl != "" {
		c.Tenancy.DedicatedDSNTemplate = tpl
	}

	if key := os.Getenv("DESCRIPTOR_KEY"); key != "" {
		c.Tenancy.DescriptorKey = key
	}

	if bypass := os.Getenv("SUPERADMIN_BYPASS"); bypass != "" {
		if v, err := strconv.ParseBool(bypass); err == nil {
			c.Isolation.SuperadminBypass = &v
		}
	}
}

// setDefaults fills in unset values
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "cortexbuild-controlplane"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = 60 * time.Second
	}
	if len(c.API.AllowedOrigins) == 0 {
		c.API.AllowedOrigins = []string{"*"}
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Tenancy.MaxOpenConns == 0 {
		c.Tenancy.MaxOpenConns = 10
	}
	if c.Tenancy.MaxIdleConns == 0 {
		c.Tenancy.MaxIdleConns = 2
	}

	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 60
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	p := &c.Provisioning
	if p.Dispatch == "" {
		p.Dispatch = "local"
	}
	if p.Workers == 0 {
		p.Workers = 4
	}
	if p.QueueSize == 0 {
		p.QueueSize = 128
	}
	if p.Subject == "" {
		p.Subject = "provisioning.jobs"
	}
	if p.QueueGroup == "" {
		p.QueueGroup = "provisioning-workers"
	}
	if p.StaleAfter == 0 {
		p.StaleAfter = 10 * time.Minute
	}
	if p.LockTTL == 0 {
		p.LockTTL = 5 * time.Minute
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Locker == "" {
		if c.Redis.Addr != "" {
			p.Locker = "redis"
		} else {
			p.Locker = "local"
		}
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "local"
	}
	if c.Storage.LocalDir == "" {
		c.Storage.LocalDir = "data/buckets"
	}
	if c.Storage.DefaultQuotaBytes == 0 {
		c.Storage.DefaultQuotaBytes = 50 * 1024 * 1024
	}

	if c.Isolation.MaxEmergencyMinutes == 0 {
		c.Isolation.MaxEmergencyMinutes = 240
	}

	if c.Invitations.TTL == 0 {
		c.Invitations.TTL = 7 * 24 * time.Hour
	}

	if c.Notify.Subject == "" {
		c.Notify.Subject = "platform.notifications"
	}
	if c.Notify.Webhook.Timeout == 0 {
		c.Notify.Webhook.Timeout = 10 * time.Second
	}
	if c.Notify.MQTT.Topic == "" {
		c.Notify.MQTT.Topic = "platform/notifications/{type}"
	}
	if c.Notify.MQTT.QoS > 2 {
		c.Notify.MQTT.QoS = 1
	}

	if c.Plans.Default == "" {
		c.Plans.Default = "Free Beta"
	}
	if len(c.Plans.Catalog) == 0 {
		c.Plans.Catalog = DefaultPlans()
	}
}

func (c *Config) validate() error {
	switch c.Provisioning.Dispatch {
	case "local", "nats":
	default:
		return fmt.Errorf("invalid provisioning dispatch: %s", c.Provisioning.Dispatch)
	}

	switch c.Provisioning.Locker {
	case "local", "redis":
	default:
		return fmt.Errorf("invalid provisioning locker: %s", c.Provisioning.Locker)
	}

	switch c.Storage.Driver {
	case "local", "nats":
	default:
		return fmt.Errorf("invalid storage driver: %s", c.Storage.Driver)
	}

	if _, ok := c.Plans.Catalog[c.Plans.Default]; !ok {
		return fmt.Errorf("default plan %q not in catalog", c.Plans.Default)
	}

	return nil
}

// DefaultPlans returns the built-in plan catalog
func DefaultPlans() map[string]PlanSpec {
	core := []string{"projects", "tasks", "documents"}
	all := []string{"projects", "tasks", "documents", "rfis", "timesheets", "invoices", "safety", "reports"}
	shared := []string{"Shared"}
	both := []string{"Shared", "Dedicated"}

	return map[string]PlanSpec{
		"Free Beta": {
			AllowedModules:    core,
			DefaultModules:    core,
			StorageQuotaBytes: 50 * 1024 * 1024,
			AllowedIsolation:  shared,
		},
		"Starter": {
			AllowedModules:    []string{"projects", "tasks", "documents", "rfis", "timesheets"},
			DefaultModules:    core,
			StorageQuotaBytes: 5 * 1024 * 1024 * 1024,
			AllowedIsolation:  shared,
		},
		"Pro": {
			AllowedModules:    all,
			DefaultModules:    []string{"projects", "tasks", "documents", "rfis", "timesheets", "invoices"},
			StorageQuotaBytes: 50 * 1024 * 1024 * 1024,
			AllowedIsolation:  both,
		},
		"Enterprise": {
			AllowedModules:    all,
			DefaultModules:    all,
			StorageQuotaBytes: 500 * 1024 * 1024 * 1024,
			AllowedIsolation:  both,
		},
	}
}
