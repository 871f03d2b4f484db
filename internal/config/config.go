package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hamzaKhattat/softphone-core/pkg/errors"
)

// Config holds all configuration for the application
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Store         StoreConfig         `mapstructure:"store"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Asterisk      AsteriskConfig      `mapstructure:"asterisk"`
	Coordinator   CoordinatorConfig   `mapstructure:"coordinator"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	HomeAssistant HomeAssistantConfig `mapstructure:"homeassistant"`
	Companion     CompanionConfig     `mapstructure:"companion"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// StoreConfig selects the key-value backend: memory, redis or mysql.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Prefix string `mapstructure:"prefix"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	Migrate         bool          `mapstructure:"migrate"`
}

type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	MaxRetries   int    `mapstructure:"max_retries"`
}

type AMIConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	BufferSize        int           `mapstructure:"buffer_size"`
}

type ContextsConfig struct {
	Inbound  string `mapstructure:"inbound"`
	Outbound string `mapstructure:"outbound"`
	Answer   string `mapstructure:"answer"`
	Hold     string `mapstructure:"hold"`
}

// AsteriskConfig.Realtime is the ARA database provisioned by "softphone provision".
type AsteriskConfig struct {
	AMI      AMIConfig      `mapstructure:"ami"`
	Contexts ContextsConfig `mapstructure:"contexts"`
	Realtime DatabaseConfig `mapstructure:"realtime"`
}

type CoordinatorConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	CommandBuffer    int           `mapstructure:"command_buffer"`
	EventBuffer      int           `mapstructure:"event_buffer"`
}

type FileLogConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type LoggingConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	Output string        `mapstructure:"output"`
	File   FileLogConfig `mapstructure:"file"`
}

type EndpointConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type MonitoringConfig struct {
	Metrics EndpointConfig `mapstructure:"metrics"`
	Health  EndpointConfig `mapstructure:"health"`
	Logging LoggingConfig  `mapstructure:"logging"`
}

type HomeAssistantConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Token      string        `mapstructure:"token"`
	Timeout    time.Duration `mapstructure:"timeout"`
	ListenPort int           `mapstructure:"listen_port"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// CompanionConfig selects how snapshots reach a paired device: redis or kafka.
type CompanionConfig struct {
	Enabled        bool        `mapstructure:"enabled"`
	Transport      string      `mapstructure:"transport"`
	Channel        string      `mapstructure:"channel"`
	ActionsChannel string      `mapstructure:"actions_channel"`
	HistoryLimit   int         `mapstructure:"history_limit"`
	Kafka          KafkaConfig `mapstructure:"kafka"`
}

// Load reads file (or the default search paths when empty), the SOFTPHONE_*
// environment and defaults into v, and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("softphone")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/softphone")
	}

	v.SetEnvPrefix("SOFTPHONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, errors.ErrConfiguration, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrConfiguration, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "softphone")
	v.SetDefault("app.environment", "production")

	// Store defaults
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.prefix", "softphone")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.username", "softphone")
	v.SetDefault("database.password", "softphone")
	v.SetDefault("database.database", "softphone")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.retry_attempts", 3)
	v.SetDefault("database.retry_delay", "1s")
	v.SetDefault("database.migrate", true)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 1)
	v.SetDefault("redis.max_retries", 3)

	// Asterisk defaults
	v.SetDefault("asterisk.ami.host", "")
	v.SetDefault("asterisk.ami.port", 5038)
	v.SetDefault("asterisk.ami.username", "softphone")
	v.SetDefault("asterisk.ami.password", "")
	v.SetDefault("asterisk.ami.reconnect_interval", "5s")
	v.SetDefault("asterisk.ami.ping_interval", "30s")
	v.SetDefault("asterisk.ami.action_timeout", "10s")
	v.SetDefault("asterisk.ami.connect_timeout", "10s")
	v.SetDefault("asterisk.ami.buffer_size", 1000)
	v.SetDefault("asterisk.contexts.inbound", "softphone-inbound")
	v.SetDefault("asterisk.contexts.outbound", "softphone-outbound")
	v.SetDefault("asterisk.contexts.answer", "softphone-answer")
	v.SetDefault("asterisk.contexts.hold", "softphone-hold")
	v.SetDefault("asterisk.realtime.host", "localhost")
	v.SetDefault("asterisk.realtime.port", 3306)
	v.SetDefault("asterisk.realtime.username", "asterisk")
	v.SetDefault("asterisk.realtime.password", "asterisk")
	v.SetDefault("asterisk.realtime.database", "asterisk_ara")
	v.SetDefault("asterisk.realtime.max_open_conns", 2)
	v.SetDefault("asterisk.realtime.max_idle_conns", 1)
	v.SetDefault("asterisk.realtime.conn_max_lifetime", "5m")
	v.SetDefault("asterisk.realtime.retry_attempts", 3)
	v.SetDefault("asterisk.realtime.retry_delay", "1s")

	// Coordinator defaults
	v.SetDefault("coordinator.tick_interval", "1s")
	v.SetDefault("coordinator.subscriber_buffer", 16)
	v.SetDefault("coordinator.command_buffer", 64)
	v.SetDefault("coordinator.event_buffer", 256)

	// Monitoring defaults
	v.SetDefault("monitoring.metrics.enabled", true)
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.health.enabled", true)
	v.SetDefault("monitoring.health.port", 8080)
	v.SetDefault("monitoring.logging.level", "info")
	v.SetDefault("monitoring.logging.format", "text")
	v.SetDefault("monitoring.logging.output", "stdout")
	v.SetDefault("monitoring.logging.file.enabled", false)
	v.SetDefault("monitoring.logging.file.path", "/var/log/softphone/softphone.log")
	v.SetDefault("monitoring.logging.file.max_size", 100)
	v.SetDefault("monitoring.logging.file.max_backups", 5)
	v.SetDefault("monitoring.logging.file.max_age", 30)
	v.SetDefault("monitoring.logging.file.compress", true)

	// Integrations
	v.SetDefault("homeassistant.enabled", false)
	v.SetDefault("homeassistant.webhook_url", "")
	v.SetDefault("homeassistant.token", "")
	v.SetDefault("homeassistant.timeout", "5s")
	v.SetDefault("homeassistant.listen_port", 0)
	v.SetDefault("companion.enabled", false)
	v.SetDefault("companion.transport", "redis")
	v.SetDefault("companion.channel", "softphone:companion")
	v.SetDefault("companion.actions_channel", "softphone:companion:actions")
	v.SetDefault("companion.history_limit", 20)
	v.SetDefault("companion.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("companion.kafka.topic", "softphone-companion")
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "redis", "mysql":
	default:
		return errors.Newf(errors.ErrConfiguration, "unknown store driver %q", c.Store.Driver).
			WithContext("key", "store.driver")
	}
	if c.Companion.Enabled {
		switch c.Companion.Transport {
		case "redis", "kafka":
		default:
			return errors.Newf(errors.ErrConfiguration, "unknown companion transport %q", c.Companion.Transport).
				WithContext("key", "companion.transport")
		}
	}
	if c.HomeAssistant.Enabled && c.HomeAssistant.WebhookURL == "" && c.HomeAssistant.ListenPort == 0 {
		return errors.New(errors.ErrConfiguration, "homeassistant needs webhook_url or listen_port")
	}
	if c.Coordinator.TickInterval <= 0 {
		return errors.New(errors.ErrConfiguration, "coordinator.tick_interval must be positive")
	}
	return nil
}
