package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Events      EventsConfig      `mapstructure:"events"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Attestation AttestationConfig `mapstructure:"attestation"`
	HAL         HALConfig         `mapstructure:"hal"`
	Lockout     LockoutConfig     `mapstructure:"lockout"`
	Roles       RolesConfig       `mapstructure:"roles"`
	Analysis    AnalysisConfig    `mapstructure:"analysis"`
	Security    SecurityConfig    `mapstructure:"security"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

type RedisConfig struct {
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	MaxRetries  int           `mapstructure:"max_retries"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
	StreamName    string        `mapstructure:"stream_name"`
	Subject       string        `mapstructure:"subject"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// EventsConfig selects the audit event transports: "nats", "kafka" or
// "none", or a comma-separated list such as "nats,kafka" to fan out.
type EventsConfig struct {
	Backend string `mapstructure:"backend"`
	Source  string `mapstructure:"source"`
}

// Backends splits Backend into its trimmed, lower-cased entries
func (c EventsConfig) Backends() []string {
	var backends []string
	for _, b := range strings.Split(c.Backend, ",") {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			backends = append(backends, b)
		}
	}
	return backends
}

// StorageConfig selects where sealed object descriptors are kept: "memory" or "redis".
type StorageConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type AttestationConfig struct {
	VerificationTimeout time.Duration   `mapstructure:"verification_timeout"`
	Android             AndroidConfig   `mapstructure:"android"`
	IOS                 IOSConfig       `mapstructure:"ios"`
	Challenge           ChallengeConfig `mapstructure:"challenge"`
}

// ChallengeConfig controls server-issued attestation nonces. When Required
// is set, attest only accepts a nonce obtained from the challenge endpoint,
// and each nonce is honoured once.
type ChallengeConfig struct {
	Required bool          `mapstructure:"required"`
	Backend  string        `mapstructure:"backend"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// AndroidConfig configures the Play Integrity decode call.
type AndroidConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	PackageName     string `mapstructure:"package_name"`
	AccessToken     string `mapstructure:"access_token"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
}

// IOSConfig configures App Attest verification.
type IOSConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	AppID            string `mapstructure:"app_id"`
	RootCAFile       string `mapstructure:"root_ca_file"`
	AllowDevelopment bool   `mapstructure:"allow_development"`
}

// HALConfig describes the execution context the sensor classifier runs in.
type HALConfig struct {
	Native               bool `mapstructure:"native"`
	HardwareBridge       bool `mapstructure:"hardware_bridge"`
	MediaCapture         bool `mapstructure:"media_capture"`
	DegradeAfterFailures int  `mapstructure:"degrade_after_failures"`
	LockoutAfterFailures int  `mapstructure:"lockout_after_failures"`
}

type LockoutConfig struct {
	Backend           string        `mapstructure:"backend"`
	TemporaryDuration time.Duration `mapstructure:"temporary_duration"`
}

type RolesConfig struct {
	MinBiometricConfidence float64 `mapstructure:"min_biometric_confidence"`
}

type AnalysisConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SecurityConfig struct {
	SPIFFEEnabled    bool   `mapstructure:"spiffe_enabled"`
	SPIFFESocketPath string `mapstructure:"spiffe_socket_path"`
	SPIRETrustDomain string `mapstructure:"spire_trust_domain"`
}

type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	Output       string `mapstructure:"output"`
	FileRotation bool   `mapstructure:"file_rotation"`
	MaxSize      int    `mapstructure:"max_size"`
	MaxBackups   int    `mapstructure:"max_backups"`
	MaxAge       int    `mapstructure:"max_age"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	// Set defaults
	setDefaults()

	// Enable environment variable support, e.g. AEGIS_ATTESTATION_ANDROID_ACCESS_TOKEN
	viper.SetEnvPrefix("aegis")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Attestation.VerificationTimeout <= 0 {
		return fmt.Errorf("verification timeout must be positive")
	}

	if c.Attestation.Android.Enabled && c.Attestation.Android.PackageName == "" {
		return fmt.Errorf("android package name is required when android attestation is enabled")
	}

	if c.Attestation.IOS.Enabled && c.Attestation.IOS.RootCAFile == "" {
		return fmt.Errorf("ios root CA file is required when ios attestation is enabled")
	}

	switch c.Attestation.Challenge.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown challenge backend: %q", c.Attestation.Challenge.Backend)
	}

	if c.Attestation.Challenge.TTL <= 0 {
		return fmt.Errorf("challenge ttl must be positive")
	}

	if c.HAL.DegradeAfterFailures <= 0 || c.HAL.LockoutAfterFailures < c.HAL.DegradeAfterFailures {
		return fmt.Errorf("hal failure thresholds must satisfy 0 < degrade_after_failures <= lockout_after_failures")
	}

	if c.Lockout.TemporaryDuration <= 0 {
		return fmt.Errorf("temporary lockout duration must be positive")
	}

	if c.Roles.MinBiometricConfidence < 0 || c.Roles.MinBiometricConfidence > 1 {
		return fmt.Errorf("min biometric confidence must be within [0,1]")
	}

	switch c.Storage.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	switch c.Lockout.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown lockout backend: %q", c.Lockout.Backend)
	}

	backends := c.Events.Backends()
	if len(backends) == 0 {
		return fmt.Errorf("events backend is required")
	}
	for _, b := range backends {
		switch b {
		case "nats", "kafka", "none":
		default:
			return fmt.Errorf("unknown events backend: %q", b)
		}
		if b == "kafka" && len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers are required when events backend is kafka")
		}
	}

	if c.Security.SPIFFEEnabled && c.Security.SPIRETrustDomain == "" {
		return fmt.Errorf("trust domain is required when SPIFFE is enabled")
	}

	return nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")

	// Attestation defaults
	viper.SetDefault("attestation.verification_timeout", "10s")
	viper.SetDefault("attestation.android.enabled", false)
	viper.SetDefault("attestation.ios.enabled", false)
	viper.SetDefault("attestation.ios.allow_development", false)
	viper.SetDefault("attestation.challenge.required", true)
	viper.SetDefault("attestation.challenge.backend", "memory")
	viper.SetDefault("attestation.challenge.ttl", "5m")

	// HAL defaults: sandboxed web context until told otherwise
	viper.SetDefault("hal.native", false)
	viper.SetDefault("hal.hardware_bridge", false)
	viper.SetDefault("hal.media_capture", true)
	viper.SetDefault("hal.degrade_after_failures", 3)
	viper.SetDefault("hal.lockout_after_failures", 5)

	// Access defaults
	viper.SetDefault("lockout.backend", "memory")
	viper.SetDefault("lockout.temporary_duration", "5m")
	viper.SetDefault("roles.min_biometric_confidence", 0.9)
	viper.SetDefault("storage.backend", "memory")
	viper.SetDefault("storage.ttl", "0s")
	viper.SetDefault("analysis.timeout", "30s")

	// Events defaults
	viper.SetDefault("events.backend", "none")
	viper.SetDefault("events.source", "aegis-trust")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.namespace", "aegis")

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", "aegis-trust")
	viper.SetDefault("tracing.sample_rate", 0.1)

	// Redis defaults
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.key_prefix", "aegis")

	// NATS defaults
	viper.SetDefault("nats.url", "nats://localhost:4222")
	viper.SetDefault("nats.max_reconnects", 10)
	viper.SetDefault("nats.reconnect_wait", "2s")
	viper.SetDefault("nats.timeout", "2s")
	viper.SetDefault("nats.stream_name", "AEGIS_AUDIT")
	viper.SetDefault("nats.subject", "aegis.audit")

	// Kafka defaults
	viper.SetDefault("kafka.topic", "aegis-audit")
	viper.SetDefault("kafka.batch_size", 100)
	viper.SetDefault("kafka.batch_timeout", "10ms")
}
