package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	instance *Config
	once     sync.Once
)

// Config is the root configuration structure for the identity subsystem.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	Identity    IdentityConfig    `mapstructure:"identity"`
	Threat      ThreatConfig      `mapstructure:"threat"`
	Adaptation  AdaptationConfig  `mapstructure:"adaptation"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	GeoIP       GeoIPConfig       `mapstructure:"geoip"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" json:"level" yaml:"level"`
	Format      string `mapstructure:"format" json:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" json:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" json:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" json:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" json:"compress" yaml:"compress"`
}

// FingerprintConfig tunes the fingerprint generator.
type FingerprintConfig struct {
	// ShuffleProbability is the chance a built fingerprint gets its leading
	// ciphers swapped. Zero disables the shuffle entirely.
	ShuffleProbability float64       `mapstructure:"shuffle_probability"`
	BindingTTL         time.Duration `mapstructure:"binding_ttl"`
	DefaultProfile     string        `mapstructure:"default_profile"`
	ProfileFile        string        `mapstructure:"profile_file"`
}

// ProxyConfig tunes the selector and its background sweeps.
type ProxyConfig struct {
	MaxFailures         int           `mapstructure:"max_failures"`
	MinReputation       float64       `mapstructure:"min_reputation"`
	MaxHourlyUse        int           `mapstructure:"max_hourly_use"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	RotationInterval    time.Duration `mapstructure:"rotation_interval"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	PoolFile            string        `mapstructure:"pool_file"`
}

// ConsistencyMode controls how strictly a bound identity's geography must
// match its proxy.
type ConsistencyMode string

const (
	ConsistencyStrict   ConsistencyMode = "strict"
	ConsistencyRelaxed  ConsistencyMode = "relaxed"
	ConsistencyDisabled ConsistencyMode = "disabled"
)

// IdentityConfig tunes the session identity coordinator.
type IdentityConfig struct {
	ConsistencyMode ConsistencyMode `mapstructure:"consistency_mode"`
	HistoryLimit    int             `mapstructure:"history_limit"`
}

// ThreatConfig tunes classification and the knowledge base.
type ThreatConfig struct {
	// SignatureTTL drops signatures not seen within the window.
	// Zero means signatures never expire.
	SignatureTTL  time.Duration `mapstructure:"signature_ttl"`
	HistoryWindow int           `mapstructure:"history_window"`
	EvolveBelow   float64       `mapstructure:"evolve_below"`
}

// AdaptationConfig tunes the controller and its event bus.
type AdaptationConfig struct {
	QueueSize int         `mapstructure:"queue_size"`
	Kafka     KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig holds the optional broker sink for adaptation events.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// PostgresConfig holds settings for the optional persistence store.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

// GeoIPConfig points at the optional MaxMind database used to enrich proxy
// records that arrive without geography.
type GeoIPConfig struct {
	Database string `mapstructure:"database"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// SetDefaults registers every default so the subsystem runs with a minimal
// config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "netguise")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)

	v.SetDefault("fingerprint.shuffle_probability", 0.3)
	v.SetDefault("fingerprint.binding_ttl", 30*time.Minute)
	v.SetDefault("fingerprint.default_profile", "chrome-latest-windows")

	v.SetDefault("proxy.max_failures", 3)
	v.SetDefault("proxy.min_reputation", 0.7)
	v.SetDefault("proxy.max_hourly_use", 10)
	v.SetDefault("proxy.health_check_interval", 5*time.Minute)
	v.SetDefault("proxy.rotation_interval", 30*time.Minute)
	v.SetDefault("proxy.probe_timeout", 10*time.Second)

	v.SetDefault("identity.consistency_mode", string(ConsistencyStrict))
	v.SetDefault("identity.history_limit", 100)

	v.SetDefault("threat.signature_ttl", time.Duration(0))
	v.SetDefault("threat.history_window", 10)
	v.SetDefault("threat.evolve_below", 0.3)

	v.SetDefault("adaptation.queue_size", 256)
	v.SetDefault("adaptation.kafka.enabled", false)
	v.SetDefault("adaptation.kafka.topic", "netguise.adaptations")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9310")
}

// NewDefaultConfig returns a Config populated with the registered defaults.
// Used heavily in tests.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("default config must unmarshal: %v", err))
	}
	return &cfg
}

// Validate rejects configurations that would silently misbehave.
func (c *Config) Validate() error {
	if c.Fingerprint.ShuffleProbability < 0 || c.Fingerprint.ShuffleProbability > 1 {
		return fmt.Errorf("fingerprint.shuffle_probability must be in [0,1], got %v", c.Fingerprint.ShuffleProbability)
	}
	if c.Proxy.MaxFailures < 1 {
		return fmt.Errorf("proxy.max_failures must be >= 1, got %d", c.Proxy.MaxFailures)
	}
	if c.Proxy.MinReputation < 0 || c.Proxy.MinReputation > 1 {
		return fmt.Errorf("proxy.min_reputation must be in [0,1], got %v", c.Proxy.MinReputation)
	}
	if c.Proxy.HealthCheckInterval <= 0 || c.Proxy.RotationInterval <= 0 {
		return fmt.Errorf("proxy sweep intervals must be positive")
	}
	if c.Proxy.ProbeTimeout <= 0 {
		return fmt.Errorf("proxy.probe_timeout must be positive")
	}
	switch c.Identity.ConsistencyMode {
	case ConsistencyStrict, ConsistencyRelaxed, ConsistencyDisabled:
	default:
		return fmt.Errorf("identity.consistency_mode must be strict, relaxed or disabled, got %q", c.Identity.ConsistencyMode)
	}
	if c.Threat.SignatureTTL < 0 {
		return fmt.Errorf("threat.signature_ttl must be >= 0")
	}
	if c.Threat.HistoryWindow < 1 {
		return fmt.Errorf("threat.history_window must be >= 1, got %d", c.Threat.HistoryWindow)
	}
	if c.Threat.EvolveBelow < 0 || c.Threat.EvolveBelow > 1 {
		return fmt.Errorf("threat.evolve_below must be in [0,1], got %v", c.Threat.EvolveBelow)
	}
	if c.Adaptation.QueueSize < 1 {
		return fmt.Errorf("adaptation.queue_size must be >= 1, got %d", c.Adaptation.QueueSize)
	}
	if c.Adaptation.Kafka.Enabled && len(c.Adaptation.Kafka.Brokers) == 0 {
		return fmt.Errorf("adaptation.kafka.brokers is required when the kafka sink is enabled")
	}
	return nil
}

// Load initializes the configuration singleton from Viper.
func Load(v *viper.Viper) error {
	var loadErr error
	once.Do(func() {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			loadErr = fmt.Errorf("error unmarshaling config: %w", err)
			return
		}
		instance = &cfg
	})
	return loadErr
}

// Set stores the configuration instance directly. Intended for the root
// command and tests.
func Set(cfg *Config) {
	instance = cfg
}

// Get returns the loaded configuration instance.
func Get() *Config {
	if instance == nil {
		panic("Configuration not initialized. Call config.Load() in the root command.")
	}
	return instance
}
