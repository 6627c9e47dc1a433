package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. MOTECH_SERVER_PORT.
const EnvPrefix = "MOTECH"

type Config struct {
	Server           ServerConfig           `mapstructure:"server"`
	Log              LogConfig              `mapstructure:"log"`
	Database         DatabaseConfig         `mapstructure:"database"`
	KurrentDB        KurrentDBConfig        `mapstructure:"kurrentdb"`
	NATS             NATSConfig             `mapstructure:"nats"`
	Events           EventsConfig           `mapstructure:"events"`
	Auth             AuthConfig             `mapstructure:"auth"`
	OpenMRS          OpenMRSConfig          `mapstructure:"openmrs"`
	SMS              SMSConfig              `mapstructure:"sms"`
	PillReminder     PillReminderConfig     `mapstructure:"pillreminder"`
	ScheduleTracking ScheduleTrackingConfig `mapstructure:"scheduletracking"`
	MDS              MDSConfig              `mapstructure:"mds"`
	ConfigLocation   ConfigLocationConfig   `mapstructure:"config_location"`
	WebSecurity      WebSecurityConfig      `mapstructure:"websecurity"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Env             string        `mapstructure:"env"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is "console" or "json". Empty picks console in development.
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Insecure bool   `mapstructure:"insecure"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// StreamPrefix is prepended to event streams, e.g. motech-sms-send.
	StreamPrefix string `mapstructure:"stream_prefix"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	ConnectWait   time.Duration `mapstructure:"connect_wait"`
}

// EventsConfig selects the event relay transport: "memory", "kurrentdb" or "nats".
type EventsConfig struct {
	Transport string `mapstructure:"transport"`
}

type AuthConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	Issuer      string        `mapstructure:"issuer"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	DefaultUser string        `mapstructure:"default_user"`
}

type OpenMRSConfig struct {
	URL      string        `mapstructure:"url"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SMSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	TemplateFile  string        `mapstructure:"template_file"`
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type PillReminderConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

type ScheduleTrackingConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// SchedulesFile holds JSON schedule definitions loaded at startup.
	SchedulesFile string `mapstructure:"schedules_file"`
}

type MDSConfig struct {
	// Store is "memory" or "postgres".
	Store string `mapstructure:"store"`
	// History is "memory" or "kurrentdb".
	History    string `mapstructure:"history"`
	SchemaFile string `mapstructure:"schema_file"`
}

// WebSecurityConfig bootstraps an admin account when no user exists yet.
type WebSecurityConfig struct {
	AdminUser     string `mapstructure:"admin_user"`
	AdminPassword string `mapstructure:"admin_password"`
}

type ConfigLocationConfig struct {
	File string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.rate_limit_rps", 100.0)
	v.SetDefault("server.rate_limit_burst", 200)
	v.SetDefault("server.max_body_bytes", 10<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "motech")
	v.SetDefault("database.password", "motech")
	v.SetDefault("database.name", "motech")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("kurrentdb.host", "localhost")
	v.SetDefault("kurrentdb.port", 2113)
	v.SetDefault("kurrentdb.insecure", true)
	v.SetDefault("kurrentdb.username", "")
	v.SetDefault("kurrentdb.password", "")
	v.SetDefault("kurrentdb.stream_prefix", "motech")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "motech")
	v.SetDefault("nats.connect_wait", 2*time.Second)

	v.SetDefault("events.transport", "memory")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "dev-secret-change-in-prod")
	v.SetDefault("auth.issuer", "motech")
	v.SetDefault("auth.token_ttl", 8*time.Hour)
	v.SetDefault("auth.default_user", "motech")

	v.SetDefault("openmrs.url", "http://localhost:8081/openmrs")
	v.SetDefault("openmrs.user", "admin")
	v.SetDefault("openmrs.password", "Admin123")
	v.SetDefault("openmrs.timeout", 30*time.Second)

	v.SetDefault("sms.enabled", true)
	v.SetDefault("sms.template_file", "sms-http-template.json")
	v.SetDefault("sms.workers", 2)
	v.SetDefault("sms.queue_size", 100)
	v.SetDefault("sms.max_retries", 3)
	v.SetDefault("sms.retry_backoff", 2*time.Second)
	v.SetDefault("sms.rate_per_second", 5.0)
	v.SetDefault("sms.timeout", 10*time.Second)

	v.SetDefault("pillreminder.enabled", true)
	v.SetDefault("pillreminder.tick_interval", time.Minute)

	v.SetDefault("scheduletracking.enabled", true)
	v.SetDefault("scheduletracking.tick_interval", time.Hour)
	v.SetDefault("scheduletracking.schedules_file", "")

	v.SetDefault("mds.store", "memory")
	v.SetDefault("mds.history", "memory")
	v.SetDefault("mds.schema_file", "")

	v.SetDefault("config_location.file", "config-location.properties")

	v.SetDefault("websecurity.admin_user", "admin")
	v.SetDefault("websecurity.admin_password", "")
}

// Load reads configuration from defaults, an optional config file and
// MOTECH_* environment variables, in increasing order of precedence.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown transport and store selections.
func (c *Config) Validate() error {
	switch c.Events.Transport {
	case "memory", "kurrentdb", "nats":
	default:
		return fmt.Errorf("unknown events transport %q", c.Events.Transport)
	}
	switch c.MDS.Store {
	case "memory":
	case "postgres":
		if !c.Database.Enabled {
			return fmt.Errorf("mds store postgres requires database.enabled")
		}
	default:
		return fmt.Errorf("unknown mds store %q", c.MDS.Store)
	}
	switch c.MDS.History {
	case "memory":
	case "kurrentdb":
		if c.Events.Transport != "kurrentdb" {
			return fmt.Errorf("mds history kurrentdb requires events.transport kurrentdb")
		}
	default:
		return fmt.Errorf("unknown mds history %q", c.MDS.History)
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Server.Env == "development"
}
